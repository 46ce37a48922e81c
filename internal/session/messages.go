// Package session is the client-facing session core: it terminates the
// WebSocket, enforces the one-active-(user, device) binding, relays TTL
// heartbeats to the simulator, and mirrors the simulator's exchange data
// stream onto the socket.
package session

import (
	"github.com/tradesim/tradesim/internal/domain"
	"github.com/tradesim/tradesim/internal/simrpc"
)

// Close code sent to a socket displaced by a newer device.
const closeCodeReplaced = 4000

// Frame type discriminators. Client requests are answered with a frame of
// the same type; the remaining types are server-initiated pushes.
const (
	// client -> server
	frameReconnect      = "reconnect"
	frameHeartbeat      = "heartbeat"
	frameSessionInfo    = "session_info"
	frameStopSession    = "stop_session"
	frameStartSimulator = "start_simulator"
	frameStopSimulator  = "stop_simulator"

	// server -> client
	frameConnected          = "connected"
	frameTimeout            = "timeout"
	frameShutdown           = "shutdown"
	frameConnectionReplaced = "connection_replaced"
	frameError              = "error"
	frameExchangeData       = "exchange_data"
)

// Error codes carried on error frames.
const (
	errCodeSimulatorLost = "simulator_lost"
	errCodeBadMessage    = "bad_message"
	errCodeInternal      = "internal_error"
)

// clientFrame is the union of every message a client may send. Type selects
// which fields are meaningful.
type clientFrame struct {
	Type             string `json:"type"`
	DeviceID         string `json:"device_id,omitempty"`
	LatencyMS        int    `json:"latency_ms,omitempty"`
	MissedHeartbeats int    `json:"missed_heartbeats,omitempty"`
	ConnectionType   string `json:"connection_type,omitempty"`
}

// simulatorInfo summarises the simulator bound to a session.
type simulatorInfo struct {
	SimulatorID string `json:"simulator_id"`
	Status      string `json:"status"`
	Endpoint    string `json:"endpoint,omitempty"`
}

type connectedFrame struct {
	Type      string         `json:"type"`
	SessionID string         `json:"session_id"`
	UserID    string         `json:"user_id"`
	DeviceID  string         `json:"device_id"`
	Resumed   bool           `json:"resumed"`
	Simulator *simulatorInfo `json:"simulator,omitempty"`
}

type heartbeatAckFrame struct {
	Type     string                   `json:"type"`
	Quality  domain.ConnectionQuality `json:"quality"`
	ServerTS int64                    `json:"server_ts"`
}

type sessionInfoFrame struct {
	Type      string                `json:"type"`
	Session   domain.Session        `json:"session"`
	Details   domain.SessionDetails `json:"details"`
	Simulator *simulatorInfo        `json:"simulator,omitempty"`
}

type startSimulatorFrame struct {
	Type      string         `json:"type"`
	Status    StartStatus    `json:"status"`
	Simulator *simulatorInfo `json:"simulator,omitempty"`
	Error     string         `json:"error,omitempty"`
}

type stopSimulatorFrame struct {
	Type    string `json:"type"`
	Stopped bool   `json:"stopped"`
	Error   string `json:"error,omitempty"`
}

type stopSessionFrame struct {
	Type    string `json:"type"`
	Stopped bool   `json:"stopped"`
}

type timeoutFrame struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

type shutdownFrame struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// deviceInfo identifies the connection that displaced an older one.
type deviceInfo struct {
	DeviceID    string `json:"device_id"`
	ConnectedAt int64  `json:"connected_at"` // unix millis
}

type connectionReplacedFrame struct {
	Type          string     `json:"type"`
	NewDeviceInfo deviceInfo `json:"newDeviceInfo"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

type exchangeDataFrame struct {
	Type string                     `json:"type"`
	Data *simrpc.ExchangeDataUpdate `json:"data"`
}
