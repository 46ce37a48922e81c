package events

import (
	"encoding/json"
	"time"
)

// EventData is the interface that all event data types must implement
// This allows for type-safe event data while maintaining flexibility
type EventData interface {
	// EventType returns the event type this data is associated with
	EventType() EventType
}

// SessionConnectedData contains data for SessionConnected events
type SessionConnectedData struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	DeviceID  string `json:"device_id"`
	Resumed   bool   `json:"resumed"`
}

// EventType returns the event type for SessionConnectedData
func (d *SessionConnectedData) EventType() EventType {
	return SessionConnected
}

// SessionReplacedData contains data for SessionReplaced events. The old
// connection receives a connection_replaced frame before close 4000.
type SessionReplacedData struct {
	SessionID   string `json:"session_id"`
	UserID      string `json:"user_id"`
	OldDeviceID string `json:"old_device_id"`
	NewDeviceID string `json:"new_device_id"`
}

// EventType returns the event type for SessionReplacedData
func (d *SessionReplacedData) EventType() EventType {
	return SessionReplaced
}

// SessionDisconnectedData contains data for SessionDisconnected events
type SessionDisconnectedData struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Reason    string `json:"reason,omitempty"`
}

// EventType returns the event type for SessionDisconnectedData
func (d *SessionDisconnectedData) EventType() EventType {
	return SessionDisconnected
}

// SessionExpiredData contains data for SessionExpired events
type SessionExpiredData struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Reason    string `json:"reason,omitempty"`
}

// EventType returns the event type for SessionExpiredData
func (d *SessionExpiredData) EventType() EventType {
	return SessionExpired
}

// SimulatorStatusData contains data for SimulatorStateChanged events
type SimulatorStatusData struct {
	SimulatorID string `json:"simulator_id"`
	SessionID   string `json:"session_id"`
	Status      string `json:"status"`
	Endpoint    string `json:"endpoint,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// EventType returns the event type for SimulatorStatusData
func (d *SimulatorStatusData) EventType() EventType {
	return SimulatorStateChanged
}

// SimulatorLostData contains data for SimulatorLost events, emitted when the
// session core notices its simulator died (TTL expiry, crash, reaping)
type SimulatorLostData struct {
	SimulatorID string `json:"simulator_id"`
	SessionID   string `json:"session_id"`
	Reason      string `json:"reason"`
}

// EventType returns the event type for SimulatorLostData
func (d *SimulatorLostData) EventType() EventType {
	return SimulatorLost
}

// QualityChangedData contains data for QualityChanged events
type QualityChangedData struct {
	SessionID        string `json:"session_id"`
	Quality          string `json:"quality"`
	LatencyMs        int64  `json:"latency_ms"`
	MissedHeartbeats int    `json:"missed_heartbeats"`
}

// EventType returns the event type for QualityChangedData
func (d *QualityChangedData) EventType() EventType {
	return QualityChanged
}

// OrderUpdateData contains data for OrderUpdated events
type OrderUpdateData struct {
	OrderID        string  `json:"order_id"`
	RequestID      string  `json:"request_id,omitempty"`
	SessionID      string  `json:"session_id"`
	UserID         string  `json:"user_id"`
	Symbol         string  `json:"symbol"`
	Side           string  `json:"side"`
	Status         string  `json:"status"`
	FilledQuantity float64 `json:"filled_quantity"`
	AvgPrice       float64 `json:"avg_price"`
}

// EventType returns the event type for OrderUpdateData
func (d *OrderUpdateData) EventType() EventType {
	return OrderUpdated
}

// ErrorEventData contains data for ErrorOccurred events
type ErrorEventData struct {
	Error     string                 `json:"error"`
	RequestID string                 `json:"request_id,omitempty"`
	Context   map[string]interface{} `json:"context,omitempty"`
}

// EventType returns the event type for ErrorEventData
func (d *ErrorEventData) EventType() EventType {
	return ErrorOccurred
}

// EventWithData represents an event with typed data
type EventWithData struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Module    string    `json:"module"`
	Data      EventData `json:"data"`
}

// MarshalJSON customizes JSON serialization for EventWithData
func (e *EventWithData) MarshalJSON() ([]byte, error) {
	type Alias EventWithData
	aux := &struct {
		Data json.RawMessage `json:"data"`
		*Alias
	}{
		Alias: (*Alias)(e),
	}

	if e.Data != nil {
		dataBytes, err := json.Marshal(e.Data)
		if err != nil {
			return nil, err
		}
		aux.Data = dataBytes
	}

	return json.Marshal(aux)
}

// UnmarshalJSON customizes JSON deserialization for EventWithData
func (e *EventWithData) UnmarshalJSON(data []byte) error {
	type Alias EventWithData
	aux := &struct {
		Data json.RawMessage `json:"data"`
		*Alias
	}{
		Alias: (*Alias)(e),
	}

	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}

	if len(aux.Data) > 0 {
		var eventData EventData
		switch aux.Type {
		case SessionConnected:
			eventData = &SessionConnectedData{}
		case SessionReplaced:
			eventData = &SessionReplacedData{}
		case SessionDisconnected:
			eventData = &SessionDisconnectedData{}
		case SessionExpired:
			eventData = &SessionExpiredData{}
		case SimulatorStateChanged:
			eventData = &SimulatorStatusData{}
		case SimulatorLost:
			eventData = &SimulatorLostData{}
		case QualityChanged:
			eventData = &QualityChangedData{}
		case OrderUpdated:
			eventData = &OrderUpdateData{}
		case ErrorOccurred:
			eventData = &ErrorEventData{}
		default:
			// Unknown types keep their payload as a raw map
			var rawData map[string]interface{}
			if err := json.Unmarshal(aux.Data, &rawData); err != nil {
				return err
			}
			eventData = &GenericEventData{Type: aux.Type, Data: rawData}
		}

		if _, ok := eventData.(*GenericEventData); !ok {
			if err := json.Unmarshal(aux.Data, eventData); err != nil {
				return err
			}
		}
		e.Data = eventData
	}

	return nil
}

// GenericEventData is a fallback for events that don't have a specific type
type GenericEventData struct {
	Type EventType              `json:"-"`
	Data map[string]interface{} `json:"-"`
}

// EventType returns the event type for GenericEventData
func (d *GenericEventData) EventType() EventType {
	return d.Type
}

// MarshalJSON customizes JSON serialization for GenericEventData
func (d *GenericEventData) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Data)
}

// UnmarshalJSON customizes JSON deserialization for GenericEventData
func (d *GenericEventData) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &d.Data)
}
