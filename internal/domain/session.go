package domain

import "time"

// SessionStatus is the lifecycle state of a client session
type SessionStatus string

const (
	SessionActive       SessionStatus = "ACTIVE"
	SessionReconnecting SessionStatus = "RECONNECTING"
	SessionInactive     SessionStatus = "INACTIVE"
	SessionExpired      SessionStatus = "EXPIRED"
	SessionError        SessionStatus = "ERROR"
)

// sessionTransitions enumerates the legal status moves. ERROR is reachable
// from anywhere; terminal states have no exits.
var sessionTransitions = map[SessionStatus][]SessionStatus{
	SessionActive:       {SessionReconnecting, SessionInactive, SessionError},
	SessionReconnecting: {SessionActive, SessionInactive, SessionError},
	SessionInactive:     {SessionExpired, SessionError},
	SessionExpired:      {},
	SessionError:        {},
}

// CanTransition reports whether a session may move from one status to another
func (s SessionStatus) CanTransition(to SessionStatus) bool {
	if to == SessionError {
		return s != SessionError
	}
	for _, allowed := range sessionTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the status has no outgoing transitions
func (s SessionStatus) Terminal() bool {
	return s == SessionExpired || s == SessionError
}

// Session binds one user on one device to one simulator pod. At most one
// session per user is ACTIVE or RECONNECTING in a session-core process.
type Session struct {
	SessionID  string        `json:"session_id"`
	UserID     string        `json:"user_id"`
	DeviceID   string        `json:"device_id"`
	PodName    string        `json:"pod_name"`
	Status     SessionStatus `json:"status"`
	CreatedAt  time.Time     `json:"created_at"`
	LastActive time.Time     `json:"last_active"`
	ExpiresAt  time.Time     `json:"expires_at"`
}

// Live reports whether the session still holds its user binding
func (s *Session) Live() bool {
	return s.Status == SessionActive || s.Status == SessionReconnecting
}

// ConnectionQuality grades the client link from heartbeat telemetry
type ConnectionQuality string

const (
	QualityGood     ConnectionQuality = "GOOD"
	QualityDegraded ConnectionQuality = "DEGRADED"
	QualityPoor     ConnectionQuality = "POOR"
)

// DeriveQuality grades a heartbeat sample. POOR recommends a reconnect.
func DeriveQuality(latencyMS, missedHeartbeats int) ConnectionQuality {
	switch {
	case missedHeartbeats >= 3:
		return QualityPoor
	case missedHeartbeats > 0 || latencyMS > 500:
		return QualityDegraded
	default:
		return QualityGood
	}
}

// SessionDetails is derived connection telemetry, refreshed on every client
// heartbeat. Never authoritative for lifecycle decisions.
type SessionDetails struct {
	LatencyMS        int               `json:"latency_ms"`
	MissedHeartbeats int               `json:"missed_heartbeats"`
	ReconnectCount   int               `json:"reconnect_count"`
	Quality          ConnectionQuality `json:"quality"`
	ConnectionType   string            `json:"connection_type,omitempty"`
}

// SessionMetadata is the explicit per-session record persisted alongside the
// session row. Every field is enumerated; no free-form payloads.
type SessionMetadata struct {
	DeviceID          string            `json:"device_id"`
	SimulatorID       string            `json:"simulator_id,omitempty"`
	SimulatorStatus   SimulatorStatus   `json:"simulator_status,omitempty"`
	SimulatorEndpoint string            `json:"simulator_endpoint,omitempty"`
	IPAddress         string            `json:"ip_address,omitempty"`
	ConnectionQuality ConnectionQuality `json:"connection_quality,omitempty"`
	HeartbeatLatency  int               `json:"heartbeat_latency,omitempty"`
	MissedHeartbeats  int               `json:"missed_heartbeats,omitempty"`
	ReconnectCount    int               `json:"reconnect_count,omitempty"`
	TerminationReason string            `json:"termination_reason,omitempty"`
}
