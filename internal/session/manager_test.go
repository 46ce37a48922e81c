package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/tradesim/tradesim/internal/database"
	"github.com/tradesim/tradesim/internal/domain"
	"github.com/tradesim/tradesim/internal/events"
	"github.com/tradesim/tradesim/internal/simrpc"
)

const sessionCoreSchema = `
	CREATE TABLE active_sessions (
		session_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		device_id TEXT NOT NULL,
		pod_name TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		last_active INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);
	CREATE TABLE session_metadata (
		session_id TEXT PRIMARY KEY,
		device_id TEXT NOT NULL DEFAULT '',
		simulator_id TEXT NOT NULL DEFAULT '',
		simulator_status TEXT NOT NULL DEFAULT '',
		simulator_endpoint TEXT NOT NULL DEFAULT '',
		ip_address TEXT NOT NULL DEFAULT '',
		connection_quality TEXT NOT NULL DEFAULT '',
		heartbeat_latency INTEGER NOT NULL DEFAULT 0,
		missed_heartbeats INTEGER NOT NULL DEFAULT 0,
		reconnect_count INTEGER NOT NULL DEFAULT 0,
		termination_reason TEXT NOT NULL DEFAULT '',
		updated_at INTEGER NOT NULL
	);
	CREATE TABLE simulator_instances (
		simulator_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		endpoint TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		termination_reason TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		last_active INTEGER NOT NULL
	);
`

const tradingSchema = `
	CREATE TABLE orders (
		order_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		session_id TEXT NOT NULL DEFAULT '',
		symbol TEXT NOT NULL,
		side TEXT NOT NULL CHECK (side IN ('BUY', 'SELL')),
		order_type TEXT NOT NULL CHECK (order_type IN ('MARKET', 'LIMIT')),
		quantity REAL NOT NULL CHECK (quantity > 0),
		price REAL NOT NULL DEFAULT 0 CHECK (price >= 0),
		status TEXT NOT NULL,
		filled_quantity REAL NOT NULL DEFAULT 0,
		avg_price REAL NOT NULL DEFAULT 0,
		request_id TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		participation_rate REAL NOT NULL DEFAULT 0,
		max_duration_hours REAL NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE UNIQUE INDEX idx_orders_user_request
		ON orders(user_id, request_id) WHERE request_id != '';
`

func openTestDB(t *testing.T, schema string) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	// One connection keeps every query on the same in-memory database
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	if _, err := db.Exec(schema); err != nil {
		t.Fatalf("Failed to apply test schema: %v", err)
	}
	return db
}

// fakeSimClient scripts the simulator connection. The dialer hands the same
// instance to the coordinator's probes and the session feed, so its stream
// channels belong to whichever feed is live.
type fakeSimClient struct {
	mu          sync.Mutex
	hbOK        bool
	hbErr       error
	hbCount     int
	closes      int
	streams     int
	submitted   []simrpc.SubmitOrderRequest
	cancelled   []string
	convictions [][]simrpc.ConvictionItem
	orderErr    error
	failSymbol  string
	cancelErr   error
	convErr     error

	updates chan *simrpc.ExchangeDataUpdate
	errs    chan error
}

func newFakeSimClient() *fakeSimClient {
	return &fakeSimClient{
		hbOK:    true,
		updates: make(chan *simrpc.ExchangeDataUpdate, 8),
		errs:    make(chan error, 1),
	}
}

func (c *fakeSimClient) setHeartbeat(ok bool, err error) {
	c.mu.Lock()
	c.hbOK = ok
	c.hbErr = err
	c.mu.Unlock()
}

func (c *fakeSimClient) heartbeatCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hbCount
}

// breakStream ends the exchange stream the way a dead pod does
func (c *fakeSimClient) breakStream(err error) {
	c.errs <- err
	close(c.updates)
}

func (c *fakeSimClient) Heartbeat(_ context.Context, _ *simrpc.HeartbeatRequest) (*simrpc.HeartbeatResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hbCount++
	if c.hbErr != nil {
		return nil, c.hbErr
	}
	return &simrpc.HeartbeatResponse{OK: c.hbOK, ServerTS: time.Now().UnixMilli()}, nil
}

func (c *fakeSimClient) SubmitOrder(_ context.Context, req *simrpc.SubmitOrderRequest) (*simrpc.SubmitOrderResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.orderErr != nil {
		return nil, c.orderErr
	}
	if c.failSymbol != "" && req.Symbol == c.failSymbol {
		return nil, errors.New("connection refused")
	}
	c.submitted = append(c.submitted, *req)
	return &simrpc.SubmitOrderResponse{Success: true, OrderID: fmt.Sprintf("ord-%d", len(c.submitted))}, nil
}

func (c *fakeSimClient) CancelOrder(_ context.Context, req *simrpc.CancelOrderRequest) (*simrpc.CancelOrderResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelErr != nil {
		return nil, c.cancelErr
	}
	c.cancelled = append(c.cancelled, req.OrderID)
	return &simrpc.CancelOrderResponse{Success: true}, nil
}

func (c *fakeSimClient) SubmitConviction(_ context.Context, req *simrpc.SubmitConvictionRequest) (*simrpc.SubmitConvictionResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.convErr != nil {
		return nil, c.convErr
	}
	c.convictions = append(c.convictions, req.Convictions)
	results := make([]simrpc.ConvictionResult, len(req.Convictions))
	for i, conv := range req.Convictions {
		results[i] = simrpc.ConvictionResult{Symbol: conv.Symbol, RequestID: conv.RequestID, Accepted: true}
	}
	return &simrpc.SubmitConvictionResponse{Results: results}, nil
}

func (c *fakeSimClient) StreamExchangeData(_ context.Context, _ []string) (<-chan *simrpc.ExchangeDataUpdate, <-chan error, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.streams++
	return c.updates, c.errs, nil
}

func (c *fakeSimClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	return nil
}

type fakeDialer struct {
	mu     sync.Mutex
	client *fakeSimClient
	err    error
	dials  int
}

func (d *fakeDialer) dial(string) (SimulatorClient, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.err != nil {
		return nil, d.err
	}
	return d.client, nil
}

func (d *fakeDialer) setErr(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
}

// fakeLauncher stands in for the orchestrator. Launching registers the
// simulator record the way the real allocation endpoint does; rowStatus
// RUNNING models an engine that finished startup before the first probe.
type fakeLauncher struct {
	mu        sync.Mutex
	sims      *database.SimulatorRepository
	rowStatus domain.SimulatorStatus
	launchErr error
	stopErr   error
	launches  int
	stops     []string
	gate      chan struct{}
}

func (f *fakeLauncher) LaunchSimulator(ctx context.Context, userID, sessionID string) (*LaunchedPod, error) {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.launches++
	if f.launchErr != nil {
		return nil, f.launchErr
	}

	pod := &LaunchedPod{
		PodName:     fmt.Sprintf("sim-pod-%d", f.launches),
		SimulatorID: fmt.Sprintf("sim-%d", f.launches),
		Endpoint:    fmt.Sprintf("localhost:%d", 50060+f.launches),
	}
	if f.rowStatus != "" {
		now := time.Now()
		if err := f.sims.CreateSimulator(domain.Simulator{
			SimulatorID: pod.SimulatorID,
			SessionID:   sessionID,
			UserID:      userID,
			Endpoint:    pod.Endpoint,
			Status:      f.rowStatus,
			CreatedAt:   now,
			LastActive:  now,
		}); err != nil {
			return nil, err
		}
	}
	return pod, nil
}

func (f *fakeLauncher) StopSimulator(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopErr != nil {
		return f.stopErr
	}
	f.stops = append(f.stops, sessionID)
	return nil
}

func (f *fakeLauncher) launchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.launches
}

func (f *fakeLauncher) stopped() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.stops...)
}

func (f *fakeLauncher) setLaunchErr(err error) {
	f.mu.Lock()
	f.launchErr = err
	f.mu.Unlock()
}

type fakeTokens map[string]string

func (f fakeTokens) Validate(_ context.Context, token string) (string, error) {
	userID, ok := f[token]
	if !ok {
		return "", errors.New("unknown token")
	}
	return userID, nil
}

type sessionHarness struct {
	manager  *Manager
	server   *Server
	sessions *database.SessionRepository
	sims     *database.SimulatorRepository
	orders   *database.OrderRepository
	launcher *fakeLauncher
	dialer   *fakeDialer
	client   *fakeSimClient
	bus      *events.Bus
	ts       *httptest.Server
}

func newSessionHarness(t *testing.T, mutate func(*Config)) *sessionHarness {
	t.Helper()

	log := zerolog.New(nil).Level(zerolog.Disabled)
	coreDB := openTestDB(t, sessionCoreSchema)
	tradingDB := openTestDB(t, tradingSchema)

	h := &sessionHarness{
		sessions: database.NewSessionRepository(coreDB, log),
		sims:     database.NewSimulatorRepository(coreDB, log),
		orders:   database.NewOrderRepository(tradingDB, log),
		client:   newFakeSimClient(),
		bus:      events.NewBus(),
	}
	h.dialer = &fakeDialer{client: h.client}
	h.launcher = &fakeLauncher{sims: h.sims, rowStatus: domain.SimulatorRunning}

	cfg := Config{
		ReconnectTimeout:  30 * time.Second,
		HeartbeatInterval: time.Second,
		SessionValidity:   time.Hour,
		StartTimeout:      3 * time.Second,
		ProbeInterval:     10 * time.Millisecond,
		Symbols:           []string{"AAPL", "MSFT"},
	}
	if mutate != nil {
		mutate(&cfg)
	}

	ev := events.NewManager(h.bus, log)
	h.manager = NewManager(cfg, h.sessions, h.sims, h.launcher, h.dialer.dial, ev, log)
	t.Cleanup(h.manager.Shutdown)

	tokens := fakeTokens{"tok-1": "user-1", "tok-2": "user-2"}
	h.server = NewServer(ServerConfig{Port: 0}, h.manager, tokens, h.orders, log)

	h.ts = httptest.NewServer(h.server.server.Handler)
	t.Cleanup(h.ts.Close)

	return h
}

func (h *sessionHarness) dialWS(t *testing.T, token, deviceID string) *websocket.Conn {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(h.ts.URL, "http") + "/ws?token=" + token + "&deviceId=" + deviceID
	c, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(websocket.StatusNormalClosure, "") })
	return c
}

func readFrame(t *testing.T, c *websocket.Conn) map[string]interface{} {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var frame map[string]interface{}
	require.NoError(t, wsjson.Read(ctx, c, &frame))
	return frame
}

func writeFrame(t *testing.T, c *websocket.Conn, frame any) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, wsjson.Write(ctx, c, frame))
}

// readClose drains the socket until the peer's close arrives, returning its
// status code. Frames read on the way are discarded.
func readClose(t *testing.T, c *websocket.Conn) websocket.StatusCode {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for {
		var frame map[string]interface{}
		if err := wsjson.Read(ctx, c, &frame); err != nil {
			status := websocket.CloseStatus(err)
			require.NotEqual(t, websocket.StatusCode(-1), status, "read failed without a close frame: %v", err)
			return status
		}
	}
}

// connectWS dials and consumes the connected frame
func connectWS(t *testing.T, h *sessionHarness, token, deviceID string) (*websocket.Conn, string) {
	t.Helper()

	c := h.dialWS(t, token, deviceID)
	frame := readFrame(t, c)
	require.Equal(t, "connected", frame["type"])
	sessionID, _ := frame["session_id"].(string)
	require.NotEmpty(t, sessionID)
	return c, sessionID
}

func (h *sessionHarness) awaitSessionStatus(t *testing.T, sessionID string, want domain.SessionStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		sess, err := h.sessions.GetSession(sessionID)
		return err == nil && sess != nil && sess.Status == want
	}, 3*time.Second, 10*time.Millisecond, "session %s never reached %s", sessionID, want)
}

func TestConnectCreatesSession(t *testing.T) {
	h := newSessionHarness(t, nil)

	c := h.dialWS(t, "tok-1", "device-a")
	frame := readFrame(t, c)

	assert.Equal(t, "connected", frame["type"])
	assert.Equal(t, "user-1", frame["user_id"])
	assert.Equal(t, "device-a", frame["device_id"])
	assert.Equal(t, false, frame["resumed"])
	assert.Nil(t, frame["simulator"])

	sessionID := frame["session_id"].(string)
	assert.True(t, strings.HasPrefix(sessionID, "sess-"))

	sess, err := h.sessions.GetSession(sessionID)
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, domain.SessionActive, sess.Status)
	assert.Equal(t, "user-1", sess.UserID)
	assert.Equal(t, "device-a", sess.DeviceID)

	meta, err := h.sessions.GetSessionMetadata(sessionID)
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, "device-a", meta.DeviceID)
	assert.Equal(t, domain.QualityGood, meta.ConnectionQuality)
}

func TestHeartbeatGradesQuality(t *testing.T) {
	h := newSessionHarness(t, nil)
	c, sessionID := connectWS(t, h, "tok-1", "device-a")

	writeFrame(t, c, map[string]interface{}{"type": "heartbeat", "latency_ms": 20, "connection_type": "wifi"})
	ack := readFrame(t, c)
	assert.Equal(t, "heartbeat", ack["type"])
	assert.Equal(t, string(domain.QualityGood), ack["quality"])
	assert.Greater(t, ack["server_ts"].(float64), float64(0))

	writeFrame(t, c, map[string]interface{}{"type": "heartbeat", "latency_ms": 900})
	ack = readFrame(t, c)
	assert.Equal(t, string(domain.QualityDegraded), ack["quality"])

	writeFrame(t, c, map[string]interface{}{"type": "heartbeat", "latency_ms": 900, "missed_heartbeats": 4})
	ack = readFrame(t, c)
	assert.Equal(t, string(domain.QualityPoor), ack["quality"])

	meta, err := h.sessions.GetSessionMetadata(sessionID)
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, domain.QualityPoor, meta.ConnectionQuality)
	assert.Equal(t, 900, meta.HeartbeatLatency)
	assert.Equal(t, 4, meta.MissedHeartbeats)
}

func TestDeviceReplacementDisplacesOldSocket(t *testing.T) {
	h := newSessionHarness(t, nil)

	oldConn, sessionID := connectWS(t, h, "tok-1", "device-a")

	newConn := h.dialWS(t, "tok-1", "device-b")
	frame := readFrame(t, newConn)
	assert.Equal(t, "connected", frame["type"])
	assert.Equal(t, sessionID, frame["session_id"])
	assert.Equal(t, "device-b", frame["device_id"])
	assert.Equal(t, true, frame["resumed"])

	replaced := readFrame(t, oldConn)
	assert.Equal(t, "connection_replaced", replaced["type"])
	newDevice := replaced["newDeviceInfo"].(map[string]interface{})
	assert.Equal(t, "device-b", newDevice["device_id"])
	assert.Greater(t, newDevice["connected_at"].(float64), float64(0))

	assert.Equal(t, websocket.StatusCode(closeCodeReplaced), readClose(t, oldConn))

	sess, err := h.sessions.GetSession(sessionID)
	require.NoError(t, err)
	assert.Equal(t, "device-b", sess.DeviceID)
	assert.Equal(t, domain.SessionActive, sess.Status)

	// The replacement socket stays usable
	writeFrame(t, newConn, map[string]interface{}{"type": "heartbeat", "latency_ms": 10})
	ack := readFrame(t, newConn)
	assert.Equal(t, "heartbeat", ack["type"])
}

func TestReconnectWithinGraceResumesSession(t *testing.T) {
	h := newSessionHarness(t, func(cfg *Config) {
		cfg.ReconnectTimeout = 2 * time.Second
	})

	first, sessionID := connectWS(t, h, "tok-1", "device-a")
	require.NoError(t, first.Close(websocket.StatusNormalClosure, "client away"))
	h.awaitSessionStatus(t, sessionID, domain.SessionReconnecting)

	second := h.dialWS(t, "tok-1", "device-a")
	frame := readFrame(t, second)
	assert.Equal(t, "connected", frame["type"])
	assert.Equal(t, sessionID, frame["session_id"])
	assert.Equal(t, true, frame["resumed"])

	h.awaitSessionStatus(t, sessionID, domain.SessionActive)

	writeFrame(t, second, map[string]interface{}{"type": "session_info"})
	info := readFrame(t, second)
	require.Equal(t, "session_info", info["type"])
	details := info["details"].(map[string]interface{})
	assert.Equal(t, float64(1), details["reconnect_count"])
}

func TestGraceExpiryRetiresSession(t *testing.T) {
	h := newSessionHarness(t, func(cfg *Config) {
		cfg.ReconnectTimeout = 80 * time.Millisecond
	})

	c, sessionID := connectWS(t, h, "tok-1", "device-a")
	require.NoError(t, c.Close(websocket.StatusNormalClosure, "client away"))

	h.awaitSessionStatus(t, sessionID, domain.SessionExpired)

	meta, err := h.sessions.GetSessionMetadata(sessionID)
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, "reconnect grace expired", meta.TerminationReason)

	require.Eventually(t, func() bool {
		for _, stopped := range h.launcher.stopped() {
			if stopped == sessionID {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond, "simulator pod was never stopped")

	_, err = h.manager.Info("user-1")
	assert.Error(t, err)

	// The next connect starts a fresh session
	next, nextSessionID := connectWS(t, h, "tok-1", "device-a")
	defer next.Close(websocket.StatusNormalClosure, "")
	assert.NotEqual(t, sessionID, nextSessionID)
}

func TestSilentClientTimesOut(t *testing.T) {
	h := newSessionHarness(t, func(cfg *Config) {
		cfg.HeartbeatInterval = 30 * time.Millisecond
	})

	c, sessionID := connectWS(t, h, "tok-1", "device-a")

	frame := readFrame(t, c)
	assert.Equal(t, "timeout", frame["type"])
	assert.Equal(t, "heartbeat timeout", frame["reason"])

	assert.Equal(t, websocket.StatusPolicyViolation, readClose(t, c))
	h.awaitSessionStatus(t, sessionID, domain.SessionReconnecting)
}

func TestShutdownParksSessions(t *testing.T) {
	h := newSessionHarness(t, nil)

	c, sessionID := connectWS(t, h, "tok-1", "device-a")

	h.manager.Shutdown()

	frame := readFrame(t, c)
	assert.Equal(t, "shutdown", frame["type"])
	assert.Equal(t, "session core shutting down", frame["reason"])
	assert.Equal(t, websocket.StatusGoingAway, readClose(t, c))

	h.awaitSessionStatus(t, sessionID, domain.SessionReconnecting)
}

func TestConnectExpiredStoredSessionStartsFresh(t *testing.T) {
	h := newSessionHarness(t, nil)

	stale := domain.Session{
		SessionID:  "sess-stale",
		UserID:     "user-1",
		DeviceID:   "device-a",
		Status:     domain.SessionReconnecting,
		CreatedAt:  time.Now().Add(-2 * time.Hour),
		LastActive: time.Now().Add(-2 * time.Hour),
		ExpiresAt:  time.Now().Add(-time.Hour),
	}
	require.NoError(t, h.sessions.CreateSession(stale))

	_, sessionID := connectWS(t, h, "tok-1", "device-a")
	assert.NotEqual(t, "sess-stale", sessionID)

	old, err := h.sessions.GetSession("sess-stale")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionInactive, old.Status)
}
