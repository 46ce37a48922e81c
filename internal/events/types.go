// Package events provides the in-process event bus for session, simulator,
// and order lifecycle notifications.
package events

import (
	"encoding/json"
	"time"
)

// EventType represents different event types
type EventType string

const (
	// Session lifecycle
	SessionConnected    EventType = "SESSION_CONNECTED"
	SessionReplaced     EventType = "SESSION_REPLACED"
	SessionDisconnected EventType = "SESSION_DISCONNECTED"
	SessionExpired      EventType = "SESSION_EXPIRED"

	// Simulator lifecycle
	SimulatorStateChanged EventType = "SIMULATOR_STATE_CHANGED"
	SimulatorLost         EventType = "SIMULATOR_LOST"

	// Connection health
	QualityChanged EventType = "QUALITY_CHANGED"

	// Trading
	OrderUpdated EventType = "ORDER_UPDATED"

	ErrorOccurred EventType = "ERROR_OCCURRED"
)

// Event represents a system event as carried on the bus
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
	Module    string                 `json:"module"`
}

// GetTypedData converts the event's data map back to its typed payload.
// Returns nil when the type is unknown or the shape does not fit.
func (e *Event) GetTypedData() EventData {
	if e.Data == nil {
		return nil
	}

	switch e.Type {
	case SessionConnected:
		var data SessionConnectedData
		if err := convertMapToStruct(e.Data, &data); err == nil {
			return &data
		}
	case SessionReplaced:
		var data SessionReplacedData
		if err := convertMapToStruct(e.Data, &data); err == nil {
			return &data
		}
	case SessionDisconnected:
		var data SessionDisconnectedData
		if err := convertMapToStruct(e.Data, &data); err == nil {
			return &data
		}
	case SessionExpired:
		var data SessionExpiredData
		if err := convertMapToStruct(e.Data, &data); err == nil {
			return &data
		}
	case SimulatorStateChanged:
		var data SimulatorStatusData
		if err := convertMapToStruct(e.Data, &data); err == nil {
			return &data
		}
	case SimulatorLost:
		var data SimulatorLostData
		if err := convertMapToStruct(e.Data, &data); err == nil {
			return &data
		}
	case QualityChanged:
		var data QualityChangedData
		if err := convertMapToStruct(e.Data, &data); err == nil {
			return &data
		}
	case OrderUpdated:
		var data OrderUpdateData
		if err := convertMapToStruct(e.Data, &data); err == nil {
			return &data
		}
	case ErrorOccurred:
		var data ErrorEventData
		if err := convertMapToStruct(e.Data, &data); err == nil {
			return &data
		}
	}

	return nil
}

// convertMapToStruct converts a map[string]interface{} to a struct
func convertMapToStruct(m map[string]interface{}, v interface{}) error {
	jsonBytes, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(jsonBytes, v)
}
