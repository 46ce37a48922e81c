package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/tradesim/tradesim/internal/database"
	"github.com/tradesim/tradesim/internal/domain"
)

// TokenValidator resolves a bearer token to its user
type TokenValidator interface {
	Validate(ctx context.Context, token string) (string, error)
}

// ServerConfig carries the session server's listen settings
type ServerConfig struct {
	Port int
}

// Server terminates client WebSockets and exposes the forwarding surface
// the gateway routes orders through.
type Server struct {
	cfg     ServerConfig
	manager *Manager
	tokens  TokenValidator
	orders  *database.OrderRepository
	server  *http.Server
	log     zerolog.Logger
}

// NewServer builds the session core's HTTP server
func NewServer(cfg ServerConfig, manager *Manager, tokens TokenValidator,
	orders *database.OrderRepository, log zerolog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		manager: manager,
		tokens:  tokens,
		orders:  orders,
		log:     log.With().Str("service", "session-server").Logger(),
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(middleware.RequestID)

	// The upgrade endpoint stays outside the timeout group: the socket is
	// long-lived and the request context must survive with it.
	router.Get("/ws", s.handleWS)

	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(15 * time.Second))
		r.Get("/healthz", s.handleHealth)
		r.Get("/v1/sessions/{userID}", s.handleLocate)
		r.Post("/v1/orders/submit", s.handleSubmitOrders)
		r.Post("/v1/orders/cancel", s.handleCancelOrders)
		r.Post("/v1/convictions/submit", s.handleSubmitConvictions)
		r.Post("/v1/convictions/cancel", s.handleCancelConvictions)
	})

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return s
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("Session core listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("session server failed: %w", err)
	}
	return nil
}

// Shutdown parks every session and stops the listener
func (s *Server) Shutdown(ctx context.Context) error {
	s.manager.Shutdown()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	deviceID := r.URL.Query().Get("deviceId")
	if token == "" || deviceID == "" {
		http.Error(w, "token and deviceId are required", http.StatusBadRequest)
		return
	}

	userID, err := s.tokens.Validate(r.Context(), token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Warn().Err(err).Msg("WebSocket accept failed")
		return
	}

	conn := newWSConn(c, s.log)
	info, err := s.manager.Connect(ConnectParams{
		UserID:   userID,
		DeviceID: deviceID,
		IP:       r.RemoteAddr,
	}, conn)
	if err != nil {
		s.log.Error().Err(err).Str("user_id", userID).Msg("Session binding failed")
		conn.close(websocket.StatusInternalError, "session binding failed")
		return
	}

	conn.send(connectedOf(info))
	s.readLoop(r.Context(), userID, conn)
}

// readLoop is the per-connection coordinator: every client message is
// handled here, in arrival order, until the socket dies.
func (s *Server) readLoop(ctx context.Context, userID string, conn *wsConn) {
	for {
		var frame clientFrame
		if err := wsjson.Read(ctx, conn.c, &frame); err != nil {
			reason := "connection closed"
			if status := websocket.CloseStatus(err); status != -1 {
				reason = fmt.Sprintf("close code %d", status)
			}
			s.manager.Disconnect(userID, conn, reason)
			conn.close(websocket.StatusNormalClosure, "")
			return
		}

		if closed := s.dispatch(userID, conn, frame); closed {
			return
		}
	}
}

// dispatch handles one client frame. Returns true when the handler closed
// the connection.
func (s *Server) dispatch(userID string, conn *wsConn, frame clientFrame) bool {
	switch frame.Type {
	case frameHeartbeat:
		quality, ok := s.manager.ClientHeartbeat(userID, conn, HeartbeatSample{
			LatencyMS:        frame.LatencyMS,
			MissedHeartbeats: frame.MissedHeartbeats,
			ConnectionType:   frame.ConnectionType,
		})
		if ok {
			conn.send(heartbeatAckFrame{
				Type:     frameHeartbeat,
				Quality:  quality,
				ServerTS: time.Now().UnixMilli(),
			})
		}

	case frameReconnect:
		info, err := s.manager.Resync(userID, conn)
		if err != nil {
			conn.send(errorFrame{Type: frameError, Code: errCodeInternal, Message: err.Error()})
			return false
		}
		conn.send(connectedOf(info))

	case frameSessionInfo:
		snap, err := s.manager.Info(userID)
		if err != nil {
			conn.send(errorFrame{Type: frameError, Code: errCodeInternal, Message: err.Error()})
			return false
		}
		conn.send(sessionInfoFrame{
			Type:      frameSessionInfo,
			Session:   snap.Session,
			Details:   snap.Details,
			Simulator: simInfoOf(snap.Simulator),
		})

	case frameStartSimulator:
		res := s.manager.StartSimulator(userID)
		reply := startSimulatorFrame{Type: frameStartSimulator, Status: res.Status, Error: res.Err}
		reply.Simulator = simInfoOf(res.Simulator)
		conn.send(reply)

	case frameStopSimulator:
		reply := stopSimulatorFrame{Type: frameStopSimulator, Stopped: true}
		if err := s.manager.StopSimulator(userID); err != nil {
			reply.Stopped = false
			reply.Error = err.Error()
		}
		conn.send(reply)

	case frameStopSession:
		if err := s.manager.StopSession(userID); err != nil {
			conn.send(errorFrame{Type: frameError, Code: errCodeInternal, Message: err.Error()})
			return false
		}
		conn.send(stopSessionFrame{Type: frameStopSession, Stopped: true})
		conn.send(shutdownFrame{Type: frameShutdown, Reason: "session stopped"})
		conn.close(websocket.StatusNormalClosure, "session stopped")
		return true

	default:
		conn.send(errorFrame{
			Type:    frameError,
			Code:    errCodeBadMessage,
			Message: fmt.Sprintf("unknown message type %q", frame.Type),
		})
	}

	return false
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"service": "session-core",
	})
}

func connectedOf(info *ConnectInfo) connectedFrame {
	return connectedFrame{
		Type:      frameConnected,
		SessionID: info.Session.SessionID,
		UserID:    info.Session.UserID,
		DeviceID:  info.Session.DeviceID,
		Resumed:   info.Resumed,
		Simulator: simInfoOf(info.Simulator),
	}
}

func simInfoOf(sim *domain.Simulator) *simulatorInfo {
	if sim == nil {
		return nil
	}
	return &simulatorInfo{
		SimulatorID: sim.SimulatorID,
		Status:      string(sim.Status),
		Endpoint:    sim.Endpoint,
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
