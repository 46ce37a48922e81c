package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/tradesim/tradesim/internal/database"
	"github.com/tradesim/tradesim/internal/domain"
	"github.com/tradesim/tradesim/internal/events"
	"github.com/tradesim/tradesim/internal/simrpc"
)

const (
	eventModule = "session-core"

	// missedHeartbeatsAllowed is how many client heartbeat intervals may
	// pass silently before the connection is timed out.
	missedHeartbeatsAllowed = 3

	stopPodTimeout = 10 * time.Second
)

// Config carries the session core's tunables
type Config struct {
	ReconnectTimeout  time.Duration // grace before RECONNECTING becomes INACTIVE
	HeartbeatInterval time.Duration // client heartbeat cadence, also the TTL relay cadence
	SessionValidity   time.Duration // hard expiry horizon for a fresh session
	StartTimeout      time.Duration // simulator acquisition deadline
	ProbeInterval     time.Duration // readiness poll cadence during acquisition
	Symbols           []string      // exchange data subscription
}

// HeartbeatSample is the telemetry a client heartbeat carries
type HeartbeatSample struct {
	LatencyMS        int
	MissedHeartbeats int
	ConnectionType   string
}

// binding is one user's live state: the session record, the current socket
// (nil while RECONNECTING), and the simulator feed when one is attached.
type binding struct {
	session domain.Session
	details domain.SessionDetails
	ip      string
	conn    *wsConn
	feed    *feed
	sim     *domain.Simulator
	podName string
	grace   *time.Timer // fires when the reconnect window closes
	idle    *time.Timer // fires when client heartbeats stop
}

// Manager owns every session this pod serves. All binding mutations happen
// under one mutex; socket writes and pod RPCs run outside it.
type Manager struct {
	cfg      Config
	sessions *database.SessionRepository
	sims     *database.SimulatorRepository
	launcher PodLauncher
	dial     DialFunc
	starter  *Coordinator
	events   *events.Manager
	log      zerolog.Logger

	mu       sync.Mutex
	bindings map[string]*binding
	nowFn    func() time.Time
}

// NewManager creates the session manager and its simulator coordinator
func NewManager(cfg Config, sessions *database.SessionRepository, sims *database.SimulatorRepository,
	launcher PodLauncher, dial DialFunc, ev *events.Manager, log zerolog.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		sessions: sessions,
		sims:     sims,
		launcher: launcher,
		dial:     dial,
		starter:  NewCoordinator(launcher, sims, dial, cfg.ProbeInterval, cfg.StartTimeout, log),
		events:   ev,
		log:      log.With().Str("service", "session-manager").Logger(),
		bindings: make(map[string]*binding),
		nowFn:    time.Now,
	}
}

// SetNowFunc overrides the clock
func (m *Manager) SetNowFunc(now func() time.Time) {
	m.nowFn = now
}

// ConnectParams identifies an authenticated upgrade
type ConnectParams struct {
	UserID   string
	DeviceID string
	IP       string
}

// ConnectInfo is what the connected frame reports back
type ConnectInfo struct {
	Session   domain.Session
	Resumed   bool
	Simulator *domain.Simulator
}

// Connect resolves the device binding for an authenticated upgrade. No
// binding installs one; the same device attaches; a different device
// displaces the old socket with a connection_replaced frame and close 4000
// while the simulator is retained.
func (m *Manager) Connect(params ConnectParams, conn *wsConn) (*ConnectInfo, error) {
	m.mu.Lock()

	now := m.nowFn()
	b := m.bindings[params.UserID]
	if b != nil && now.After(b.session.ExpiresAt) {
		m.retireLocked(params.UserID, b, "session expired")
		b = nil
	}

	var (
		info      *ConnectInfo
		oldConn   *wsConn
		oldDevice string
		err       error
	)
	if b != nil {
		info, oldConn, oldDevice = m.rebindLocked(b, params, conn, now)
	} else {
		info, err = m.installLocked(params, conn, now)
	}
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}

	sessionID := info.Session.SessionID
	if saveErr := m.sessions.SaveSessionMetadata(sessionID, m.metadataLocked(m.bindings[params.UserID], "")); saveErr != nil {
		m.log.Warn().Err(saveErr).Str("session_id", sessionID).Msg("Failed to save session metadata")
	}
	m.mu.Unlock()

	if oldConn != nil {
		go func() {
			oldConn.send(connectionReplacedFrame{
				Type: frameConnectionReplaced,
				NewDeviceInfo: deviceInfo{
					DeviceID:    params.DeviceID,
					ConnectedAt: conn.connectedAt.UnixMilli(),
				},
			})
			oldConn.close(closeCodeReplaced, "connection replaced")
		}()
		m.events.EmitTyped(eventModule, &events.SessionReplacedData{
			SessionID:   sessionID,
			UserID:      params.UserID,
			OldDeviceID: oldDevice,
			NewDeviceID: params.DeviceID,
		})
	}

	m.events.EmitTyped(eventModule, &events.SessionConnectedData{
		SessionID: sessionID,
		UserID:    params.UserID,
		DeviceID:  params.DeviceID,
		Resumed:   info.Resumed,
	})

	return info, nil
}

// rebindLocked attaches or replaces the connection on an existing binding
func (m *Manager) rebindLocked(b *binding, params ConnectParams, conn *wsConn, now time.Time) (*ConnectInfo, *wsConn, string) {
	var oldConn *wsConn
	oldDevice := ""

	if b.session.DeviceID != params.DeviceID {
		oldConn = b.conn
		oldDevice = b.session.DeviceID
		b.session.DeviceID = params.DeviceID
		if err := m.sessions.UpdateSessionDevice(b.session.SessionID, params.DeviceID, now); err != nil {
			m.log.Warn().Err(err).Str("session_id", b.session.SessionID).Msg("Failed to rebind device")
		}
	} else if b.conn != nil && b.conn != conn {
		// Same device opened a second socket; the older one is a zombie.
		stale := b.conn
		go stale.close(websocket.StatusNormalClosure, "superseded")
	}

	b.conn = conn
	b.ip = params.IP
	b.details.ReconnectCount++
	m.stopGraceLocked(b)
	m.armIdleLocked(params.UserID, b, conn)

	if b.session.Status == domain.SessionReconnecting {
		b.session.Status = domain.SessionActive
		if err := m.sessions.UpdateSessionStatus(b.session.SessionID, domain.SessionActive, now); err != nil {
			m.log.Warn().Err(err).Str("session_id", b.session.SessionID).Msg("Failed to reactivate session")
		}
	}
	b.session.LastActive = now

	return &ConnectInfo{Session: b.session, Resumed: true, Simulator: b.simCopyLocked()}, oldConn, oldDevice
}

// installLocked adopts the user's live session from the store or creates a
// fresh one, then installs the binding.
func (m *Manager) installLocked(params ConnectParams, conn *wsConn, now time.Time) (*ConnectInfo, error) {
	stored, err := m.sessions.GetActiveSessionByUser(params.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve session: %w", err)
	}
	if stored != nil && now.After(stored.ExpiresAt) {
		if err := m.sessions.UpdateSessionStatus(stored.SessionID, domain.SessionInactive, now); err != nil {
			m.log.Warn().Err(err).Str("session_id", stored.SessionID).Msg("Failed to retire expired session")
		}
		stored = nil
	}

	resumed := stored != nil
	var sess domain.Session
	if stored != nil {
		sess = *stored
		if sess.DeviceID != params.DeviceID {
			sess.DeviceID = params.DeviceID
			if err := m.sessions.UpdateSessionDevice(sess.SessionID, params.DeviceID, now); err != nil {
				m.log.Warn().Err(err).Str("session_id", sess.SessionID).Msg("Failed to rebind device")
			}
		}
		if sess.Status == domain.SessionReconnecting {
			sess.Status = domain.SessionActive
			if err := m.sessions.UpdateSessionStatus(sess.SessionID, domain.SessionActive, now); err != nil {
				m.log.Warn().Err(err).Str("session_id", sess.SessionID).Msg("Failed to reactivate session")
			}
		}
	} else {
		sess = domain.Session{
			SessionID:  "sess-" + uuid.New().String(),
			UserID:     params.UserID,
			DeviceID:   params.DeviceID,
			Status:     domain.SessionActive,
			CreatedAt:  now,
			LastActive: now,
			ExpiresAt:  now.Add(m.cfg.SessionValidity),
		}
		if err := m.sessions.CreateSession(sess); err != nil {
			return nil, fmt.Errorf("failed to create session: %w", err)
		}
	}

	b := &binding{
		session: sess,
		details: domain.SessionDetails{Quality: domain.QualityGood},
		ip:      params.IP,
		conn:    conn,
	}
	if resumed {
		b.details.ReconnectCount = 1
	}
	m.bindings[params.UserID] = b
	m.armIdleLocked(params.UserID, b, conn)

	var sim *domain.Simulator
	if found, err := m.sims.GetSimulatorBySession(sess.SessionID); err == nil && found != nil && !found.Status.Terminal() {
		sim = found
	}

	return &ConnectInfo{Session: sess, Resumed: resumed, Simulator: sim}, nil
}

// Disconnect handles a socket going away. An ACTIVE session enters
// RECONNECTING with a grace timer; the simulator and its feed are retained.
func (m *Manager) Disconnect(userID string, conn *wsConn, reason string) {
	m.mu.Lock()
	b := m.bindings[userID]
	if b == nil || b.conn != conn {
		m.mu.Unlock()
		return
	}

	b.conn = nil
	m.stopIdleLocked(b)

	now := m.nowFn()
	sessionID := b.session.SessionID
	if b.session.Status == domain.SessionActive {
		b.session.Status = domain.SessionReconnecting
		if err := m.sessions.UpdateSessionStatus(sessionID, domain.SessionReconnecting, now); err != nil {
			m.log.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to mark session reconnecting")
		}
		b.grace = time.AfterFunc(m.cfg.ReconnectTimeout, func() {
			m.graceExpired(userID, sessionID)
		})
	}
	m.mu.Unlock()

	m.log.Info().
		Str("session_id", sessionID).
		Str("user_id", userID).
		Str("reason", reason).
		Msg("Client disconnected")

	m.events.EmitTyped(eventModule, &events.SessionDisconnectedData{
		SessionID: sessionID,
		UserID:    userID,
		Reason:    reason,
	})
}

// graceExpired fires when the reconnect window closes without a client.
// The session walks RECONNECTING -> INACTIVE -> EXPIRED and the simulator
// is destroyed.
func (m *Manager) graceExpired(userID, sessionID string) {
	m.mu.Lock()
	b := m.bindings[userID]
	if b == nil || b.session.SessionID != sessionID ||
		b.conn != nil || b.session.Status != domain.SessionReconnecting {
		m.mu.Unlock()
		return
	}

	now := m.nowFn()
	for _, status := range []domain.SessionStatus{domain.SessionInactive, domain.SessionExpired} {
		b.session.Status = status
		if err := m.sessions.UpdateSessionStatus(sessionID, status, now); err != nil {
			m.log.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to expire session")
		}
	}
	if err := m.sessions.SaveSessionMetadata(sessionID, m.metadataLocked(b, "reconnect grace expired")); err != nil {
		m.log.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to save session metadata")
	}

	feed := b.feed
	b.feed = nil
	delete(m.bindings, userID)
	m.mu.Unlock()

	if feed != nil {
		feed.stop()
	}
	m.starter.Reset(sessionID)
	m.stopPod(sessionID)

	m.log.Info().Str("session_id", sessionID).Str("user_id", userID).Msg("Session expired")
	m.events.EmitTyped(eventModule, &events.SessionExpiredData{
		SessionID: sessionID,
		UserID:    userID,
		Reason:    "reconnect grace expired",
	})
}

// clientTimedOut fires when client heartbeats stop arriving
func (m *Manager) clientTimedOut(userID string, conn *wsConn) {
	m.mu.Lock()
	b := m.bindings[userID]
	timedOut := b != nil && b.conn == conn
	m.mu.Unlock()
	if !timedOut {
		return
	}

	conn.send(timeoutFrame{Type: frameTimeout, Reason: "heartbeat timeout"})
	conn.close(websocket.StatusPolicyViolation, "heartbeat timeout")
	m.Disconnect(userID, conn, "heartbeat timeout")
}

// ClientHeartbeat records telemetry from a client heartbeat and refreshes
// both the session row and the connection quality grade.
func (m *Manager) ClientHeartbeat(userID string, conn *wsConn, sample HeartbeatSample) (domain.ConnectionQuality, bool) {
	m.mu.Lock()
	b := m.bindings[userID]
	if b == nil || b.conn != conn {
		m.mu.Unlock()
		return "", false
	}

	prev := b.details.Quality
	b.details.LatencyMS = sample.LatencyMS
	b.details.MissedHeartbeats = sample.MissedHeartbeats
	b.details.ConnectionType = sample.ConnectionType
	b.details.Quality = domain.DeriveQuality(sample.LatencyMS, sample.MissedHeartbeats)
	quality := b.details.Quality
	m.armIdleLocked(userID, b, conn)

	now := m.nowFn()
	sessionID := b.session.SessionID
	b.session.LastActive = now
	if err := m.sessions.TouchSession(sessionID, now); err != nil {
		m.log.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to touch session")
	}
	if err := m.sessions.SaveSessionMetadata(sessionID, m.metadataLocked(b, "")); err != nil {
		m.log.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to save session metadata")
	}
	m.mu.Unlock()

	if quality != prev {
		m.events.EmitTyped(eventModule, &events.QualityChangedData{
			SessionID:        sessionID,
			Quality:          string(quality),
			LatencyMs:        int64(sample.LatencyMS),
			MissedHeartbeats: sample.MissedHeartbeats,
		})
	}

	return quality, true
}

// StartSimulator drives the acquisition coordinator. The client polls by
// repeating the request; the poll that observes RUNNING also attaches the
// exchange data feed.
func (m *Manager) StartSimulator(userID string) StartResult {
	m.mu.Lock()
	b := m.bindings[userID]
	if b == nil {
		m.mu.Unlock()
		return StartResult{Status: StartError, Err: "no active session"}
	}
	sess := b.session
	hasFeed := b.feed != nil
	m.mu.Unlock()

	res := m.starter.Request(sess)
	if res.Status == StartRunning && res.Simulator != nil && !hasFeed {
		if err := m.attachFeed(userID, *res.Simulator, res.PodName); err != nil {
			m.log.Error().Err(err).Str("session_id", sess.SessionID).Msg("Failed to attach simulator feed")
			m.starter.Reset(sess.SessionID)
			return StartResult{Status: StartError, Err: err.Error()}
		}
	}
	return res
}

// attachFeed connects a running simulator to the session: dials it, opens
// the exchange stream, and starts the TTL relay.
func (m *Manager) attachFeed(userID string, sim domain.Simulator, podName string) error {
	client, err := m.dial(sim.Endpoint)
	if err != nil {
		return fmt.Errorf("failed to dial simulator at %s: %w", sim.Endpoint, err)
	}

	f := newFeed(sim, client, m.cfg.HeartbeatInterval,
		func(update *simrpc.ExchangeDataUpdate) { m.pushFrame(userID, update) },
		func(cause error) { m.simulatorLost(userID, sim, cause) },
		m.log)

	m.mu.Lock()
	b := m.bindings[userID]
	if b == nil || b.session.SessionID != sim.SessionID {
		m.mu.Unlock()
		_ = client.Close()
		return errors.New("session is gone")
	}
	if b.feed != nil {
		m.mu.Unlock()
		_ = client.Close()
		return nil
	}
	if err := f.start(m.cfg.Symbols); err != nil {
		m.mu.Unlock()
		_ = client.Close()
		return fmt.Errorf("failed to open exchange stream: %w", err)
	}

	b.feed = f
	simCopy := sim
	b.sim = &simCopy
	b.podName = podName

	now := m.nowFn()
	if podName != "" {
		if err := m.sessions.UpdateSessionPod(sim.SessionID, podName, now); err != nil {
			m.log.Warn().Err(err).Str("session_id", sim.SessionID).Msg("Failed to record simulator pod")
		}
		b.session.PodName = podName
	}
	if err := m.sessions.SaveSessionMetadata(sim.SessionID, m.metadataLocked(b, "")); err != nil {
		m.log.Warn().Err(err).Str("session_id", sim.SessionID).Msg("Failed to save session metadata")
	}
	m.mu.Unlock()

	m.events.EmitTyped(eventModule, &events.SimulatorStatusData{
		SimulatorID: sim.SimulatorID,
		SessionID:   sim.SessionID,
		Status:      string(domain.SimulatorRunning),
		Endpoint:    sim.Endpoint,
	})

	return nil
}

// pushFrame mirrors one exchange data frame onto the session's socket and
// publishes order closures to the bus. Frames arriving while the client is
// reconnecting are dropped; the stream is live data, not a replay source.
func (m *Manager) pushFrame(userID string, update *simrpc.ExchangeDataUpdate) {
	m.mu.Lock()
	b := m.bindings[userID]
	if b == nil {
		m.mu.Unlock()
		return
	}
	conn := b.conn
	sess := b.session
	m.mu.Unlock()

	if conn != nil {
		conn.send(exchangeDataFrame{Type: frameExchangeData, Data: update})
	}

	for _, order := range update.OrdersData {
		m.events.EmitTyped(eventModule, &events.OrderUpdateData{
			OrderID:        order.OrderID,
			RequestID:      order.RequestID,
			SessionID:      sess.SessionID,
			UserID:         sess.UserID,
			Symbol:         order.Symbol,
			Side:           order.Side,
			Status:         order.Status,
			FilledQuantity: order.FilledQuantity,
			AvgPrice:       order.AvgPrice,
		})
	}
}

// simulatorLost handles the stream dying underneath a live session. The
// session survives; the client is told to re-issue start_simulator.
func (m *Manager) simulatorLost(userID string, sim domain.Simulator, cause error) {
	m.mu.Lock()
	b := m.bindings[userID]
	if b == nil || b.feed == nil || b.feed.sim.SimulatorID != sim.SimulatorID {
		m.mu.Unlock()
		return
	}

	feed := b.feed
	b.feed = nil
	if b.sim != nil {
		b.sim.Status = domain.SimulatorError
	}
	sessionID := b.session.SessionID
	if err := m.sessions.SaveSessionMetadata(sessionID, m.metadataLocked(b, "")); err != nil {
		m.log.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to save session metadata")
	}
	b.sim = nil
	conn := b.conn
	m.mu.Unlock()

	feed.stop()
	m.starter.Reset(sessionID)

	reason := "simulator connection lost"
	if cause != nil && !errors.Is(cause, io.EOF) {
		reason = cause.Error()
	}

	if conn != nil {
		conn.send(errorFrame{Type: frameError, Code: errCodeSimulatorLost, Message: reason})
	}

	m.log.Warn().
		Str("session_id", sessionID).
		Str("simulator_id", sim.SimulatorID).
		Str("reason", reason).
		Msg("Simulator lost")

	m.events.EmitTyped(eventModule, &events.SimulatorLostData{
		SimulatorID: sim.SimulatorID,
		SessionID:   sessionID,
		Reason:      reason,
	})
}

// StopSimulator tears down the simulator but keeps the session
func (m *Manager) StopSimulator(userID string) error {
	m.mu.Lock()
	b := m.bindings[userID]
	if b == nil {
		m.mu.Unlock()
		return errors.New("no active session")
	}

	feed := b.feed
	b.feed = nil
	var simID string
	if b.sim != nil {
		simID = b.sim.SimulatorID
	}
	b.sim = nil
	b.podName = ""
	sessionID := b.session.SessionID
	m.mu.Unlock()

	if feed != nil {
		feed.stop()
	}
	m.starter.Reset(sessionID)

	ctx, cancel := context.WithTimeout(context.Background(), stopPodTimeout)
	defer cancel()
	if err := m.launcher.StopSimulator(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to stop simulator: %w", err)
	}

	m.events.EmitTyped(eventModule, &events.SimulatorStatusData{
		SimulatorID: simID,
		SessionID:   sessionID,
		Status:      string(domain.SimulatorStopping),
		Reason:      "client requested stop",
	})

	return nil
}

// StopSession ends the session deliberately: INACTIVE in the store, feed
// and simulator torn down, binding removed. The caller closes the socket.
func (m *Manager) StopSession(userID string) error {
	m.mu.Lock()
	b := m.bindings[userID]
	if b == nil {
		m.mu.Unlock()
		return errors.New("no active session")
	}
	sessionID := m.retireLocked(userID, b, "client requested stop")
	feed := b.feed
	b.feed = nil
	m.mu.Unlock()

	if feed != nil {
		feed.stop()
	}
	m.starter.Reset(sessionID)
	m.stopPod(sessionID)

	m.events.EmitTyped(eventModule, &events.SessionDisconnectedData{
		SessionID: sessionID,
		UserID:    userID,
		Reason:    "client requested stop",
	})

	return nil
}

// retireLocked marks the session INACTIVE and removes the binding. The
// caller is responsible for stopping the feed outside the lock.
func (m *Manager) retireLocked(userID string, b *binding, reason string) string {
	m.stopGraceLocked(b)
	m.stopIdleLocked(b)
	delete(m.bindings, userID)

	now := m.nowFn()
	sessionID := b.session.SessionID
	if b.session.Live() {
		b.session.Status = domain.SessionInactive
		if err := m.sessions.UpdateSessionStatus(sessionID, domain.SessionInactive, now); err != nil {
			m.log.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to deactivate session")
		}
	}
	if err := m.sessions.SaveSessionMetadata(sessionID, m.metadataLocked(b, reason)); err != nil {
		m.log.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to save session metadata")
	}
	return sessionID
}

// InfoSnapshot answers a session_info request
type InfoSnapshot struct {
	Session   domain.Session
	Details   domain.SessionDetails
	Simulator *domain.Simulator
}

// Info reports the session's current state
func (m *Manager) Info(userID string) (*InfoSnapshot, error) {
	m.mu.Lock()
	b := m.bindings[userID]
	if b == nil {
		m.mu.Unlock()
		return nil, errors.New("no active session")
	}
	snap := &InfoSnapshot{Session: b.session, Details: b.details, Simulator: b.simCopyLocked()}
	sessionID := b.session.SessionID
	m.mu.Unlock()

	if snap.Simulator == nil {
		if sim, err := m.sims.GetSimulatorBySession(sessionID); err == nil {
			snap.Simulator = sim
		}
	}
	return snap, nil
}

// Resync answers a reconnect request on an established socket: it rebuilds
// the connected view and re-attaches the feed when a simulator is already
// running without one.
func (m *Manager) Resync(userID string, conn *wsConn) (*ConnectInfo, error) {
	m.mu.Lock()
	b := m.bindings[userID]
	if b == nil || b.conn != conn {
		m.mu.Unlock()
		return nil, errors.New("no active session")
	}
	info := &ConnectInfo{Session: b.session, Resumed: true, Simulator: b.simCopyLocked()}
	sessionID := b.session.SessionID
	hasFeed := b.feed != nil
	m.mu.Unlock()

	if !hasFeed {
		if res := m.starter.Status(sessionID); res.Status == StartRunning && res.Simulator != nil {
			if err := m.attachFeed(userID, *res.Simulator, res.PodName); err != nil {
				m.log.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to re-attach simulator feed")
			} else {
				info.Simulator = res.Simulator
			}
		}
	}
	return info, nil
}

// SimulatorClient hands out the live simulator connection for forwarding
func (m *Manager) SimulatorClient(userID string) (SimulatorClient, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.bindings[userID]
	if b == nil {
		return nil, "", errors.New("no active session")
	}
	if b.feed == nil {
		return nil, "", errors.New("simulator not running")
	}
	return b.feed.client, b.session.SessionID, nil
}

// Shutdown notifies every client and parks live sessions in RECONNECTING so
// a replacement pod (or the retirement sweep) can pick them up. Simulators
// keep running; their TTL is now ticking.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	drained := m.bindings
	m.bindings = make(map[string]*binding)
	m.mu.Unlock()

	now := m.nowFn()
	for userID, b := range drained {
		if b.grace != nil {
			b.grace.Stop()
		}
		if b.idle != nil {
			b.idle.Stop()
		}
		if b.feed != nil {
			b.feed.stop()
		}
		if b.conn != nil {
			b.conn.send(shutdownFrame{Type: frameShutdown, Reason: "session core shutting down"})
			b.conn.close(websocket.StatusGoingAway, "shutdown")
		}
		if b.session.Status == domain.SessionActive {
			if err := m.sessions.UpdateSessionStatus(b.session.SessionID, domain.SessionReconnecting, now); err != nil {
				m.log.Warn().Err(err).Str("session_id", b.session.SessionID).Msg("Failed to park session")
			}
		}
		m.log.Info().Str("session_id", b.session.SessionID).Str("user_id", userID).Msg("Session parked for shutdown")
	}
}

func (m *Manager) stopPod(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), stopPodTimeout)
	defer cancel()
	if err := m.launcher.StopSimulator(ctx, sessionID); err != nil {
		m.log.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to stop simulator pod")
	}
}

func (m *Manager) armIdleLocked(userID string, b *binding, conn *wsConn) {
	m.stopIdleLocked(b)
	b.idle = time.AfterFunc(missedHeartbeatsAllowed*m.cfg.HeartbeatInterval, func() {
		m.clientTimedOut(userID, conn)
	})
}

func (m *Manager) stopIdleLocked(b *binding) {
	if b.idle != nil {
		b.idle.Stop()
		b.idle = nil
	}
}

func (m *Manager) stopGraceLocked(b *binding) {
	if b.grace != nil {
		b.grace.Stop()
		b.grace = nil
	}
}

// simCopyLocked snapshots the bound simulator, if any
func (b *binding) simCopyLocked() *domain.Simulator {
	if b.sim == nil {
		return nil
	}
	simCopy := *b.sim
	return &simCopy
}

// metadataLocked builds the persisted metadata row from the binding
func (m *Manager) metadataLocked(b *binding, termination string) domain.SessionMetadata {
	meta := domain.SessionMetadata{
		DeviceID:          b.session.DeviceID,
		IPAddress:         b.ip,
		ConnectionQuality: b.details.Quality,
		HeartbeatLatency:  b.details.LatencyMS,
		MissedHeartbeats:  b.details.MissedHeartbeats,
		ReconnectCount:    b.details.ReconnectCount,
		TerminationReason: termination,
	}
	if b.sim != nil {
		meta.SimulatorID = b.sim.SimulatorID
		meta.SimulatorStatus = b.sim.Status
		meta.SimulatorEndpoint = b.sim.Endpoint
	}
	return meta
}
