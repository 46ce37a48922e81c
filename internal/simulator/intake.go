package simulator

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

	"github.com/tradesim/tradesim/internal/domain"
)

// Intake is the HTTP listener the distributor pushes minute bars to. One
// batch per minute covering every tracked symbol.
type Intake struct {
	engine *Engine
	server *http.Server
	log    zerolog.Logger
}

// NewIntake builds the intake listener on the given port.
func NewIntake(engine *Engine, port int, log zerolog.Logger) *Intake {
	i := &Intake{
		engine: engine,
		log:    log.With().Str("service", "bar-intake").Logger(),
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(middleware.RequestID)
	router.Use(middleware.Timeout(10 * time.Second))
	router.Post("/v1/bars", i.handleBars)
	router.Get("/healthz", i.handleHealth)

	i.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return i
}

// Start serves until Shutdown is called.
func (i *Intake) Start() error {
	i.log.Info().Str("addr", i.server.Addr).Msg("Bar intake listening")
	if err := i.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("bar intake failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight pushes and stops the listener.
func (i *Intake) Shutdown(ctx context.Context) error {
	return i.server.Shutdown(ctx)
}

type barPushRequest struct {
	Bars []domain.MinuteBar `json:"bars"`
}

type barPushResponse struct {
	Accepted int    `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

func (i *Intake) handleBars(w http.ResponseWriter, r *http.Request) {
	var req barPushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		i.writeJSON(w, http.StatusBadRequest, barPushResponse{Error: "invalid bar payload"})
		return
	}
	if len(req.Bars) == 0 {
		i.writeJSON(w, http.StatusBadRequest, barPushResponse{Error: "empty bar batch"})
		return
	}

	if err := i.engine.IngestBars(r.Context(), req.Bars); err != nil {
		i.log.Warn().Err(err).Msg("Bar batch not accepted")
		i.writeJSON(w, http.StatusServiceUnavailable, barPushResponse{Error: "engine busy"})
		return
	}

	i.writeJSON(w, http.StatusAccepted, barPushResponse{Accepted: len(req.Bars)})
}

func (i *Intake) handleHealth(w http.ResponseWriter, _ *http.Request) {
	i.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "healthy",
		"service":    "simulator",
		"session_id": i.engine.SessionID(),
	})
}

func (i *Intake) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		i.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
