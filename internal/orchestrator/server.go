package orchestrator

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

	"github.com/tradesim/tradesim/internal/errs"
)

// Server exposes the orchestrator's HTTP surface: simulator allocation for
// the session core and the venue schedule for operators.
type Server struct {
	cfg    Config
	loop   *Loop
	alloc  *Allocator
	server *http.Server
	log    zerolog.Logger
}

// NewServer builds the orchestrator's HTTP server
func NewServer(cfg Config, loop *Loop, alloc *Allocator, log zerolog.Logger) *Server {
	s := &Server{
		cfg:   cfg.withDefaults(),
		loop:  loop,
		alloc: alloc,
		log:   log.With().Str("service", "orchestrator-server").Logger(),
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(middleware.RequestID)
	// Allocation waits for a pod address, so the budget sits above ReadyTimeout.
	router.Use(middleware.Timeout(30 * time.Second))

	router.Get("/healthz", s.handleHealth)
	router.Get("/v1/exchanges", s.handleExchanges)
	router.Post("/v1/simulators", s.handleAllocate)
	router.Delete("/v1/simulators/{sessionID}", s.handleRelease)

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return s
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("Orchestrator listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("orchestrator server failed: %w", err)
	}
	return nil
}

// Shutdown stops the listener. Pods are deliberately left running; existing
// sessions keep their simulators until TTL or the next reconcile.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

type allocateRequest struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
}

func (s *Server) handleAllocate(w http.ResponseWriter, r *http.Request) {
	var req allocateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errs.Validationf("invalid request body"))
		return
	}

	placement, err := s.alloc.Allocate(r.Context(), req.UserID, req.SessionID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, placement)
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	stopped, err := s.alloc.Release(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{"stopped": stopped})
}

func (s *Server) handleExchanges(w http.ResponseWriter, r *http.Request) {
	states, err := s.loop.Snapshot()
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{"exchanges": states})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"service": "orchestrator",
	})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := errs.HTTPStatus(errs.KindOf(err))
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("Request failed")
	}
	s.writeJSON(w, status, map[string]interface{}{"error": errs.MessageOf(err)})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
