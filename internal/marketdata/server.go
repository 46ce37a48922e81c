package marketdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/tradesim/tradesim/internal/database"
	"github.com/tradesim/tradesim/internal/domain"
	"github.com/tradesim/tradesim/internal/errs"
)

// History responses are capped regardless of the requested limit.
const maxHistoryLimit = 500

// Server exposes the distributor's HTTP surface: pod registration and bar
// history for charts and replay back-fill.
type Server struct {
	cfg    Config
	reg    *Registry
	store  database.MarketStore
	server *http.Server
	log    zerolog.Logger
}

// NewServer builds the distributor's HTTP server
func NewServer(cfg Config, reg *Registry, store database.MarketStore, log zerolog.Logger) *Server {
	s := &Server{
		cfg:   cfg.withDefaults(),
		reg:   reg,
		store: store,
		log:   log.With().Str("service", "marketdata-server").Logger(),
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(middleware.RequestID)
	router.Use(middleware.Timeout(15 * time.Second))

	router.Get("/healthz", s.handleHealth)
	router.Post("/v1/register", s.handleRegister)
	router.Post("/v1/unregister", s.handleUnregister)
	router.Get("/v1/bars/{symbol}", s.handleBars)
	router.Get("/v1/pods", s.handlePods)

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
	s.log.Info().Str("addr", s.server.Addr).Msg("Market-data distributor listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("marketdata server failed: %w", err)
	}
	return nil
}

// Shutdown stops the listener. The registry is in-memory; pods re-register
// against the next instance.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

type registration struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type registrationResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registration
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, registrationResponse{Error: "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Host) == "" {
		s.writeJSON(w, http.StatusBadRequest, registrationResponse{Error: "host is required"})
		return
	}

	if err := s.reg.Register(r.Context(), req.Host, req.Port); err != nil {
		s.log.Warn().Err(err).Str("host", req.Host).Msg("Registration refused")
		s.writeJSON(w, http.StatusInternalServerError, registrationResponse{Error: err.Error()})
		return
	}

	s.writeJSON(w, http.StatusOK, registrationResponse{Success: true})
}

func (s *Server) handleUnregister(w http.ResponseWriter, r *http.Request) {
	var req registration
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, registrationResponse{Error: "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Host) == "" {
		s.writeJSON(w, http.StatusBadRequest, registrationResponse{Error: "host is required"})
		return
	}

	// Unregistration is idempotent; removing an unknown pod still succeeds.
	s.reg.Unregister(req.Host, req.Port)
	s.writeJSON(w, http.StatusOK, registrationResponse{Success: true})
}

type barsResponse struct {
	Symbol     string             `json:"symbol"`
	Bars       []domain.MinuteBar `json:"bars"`
	Indicators *IndicatorSet      `json:"indicators,omitempty"`
}

func (s *Server) handleBars(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(chi.URLParam(r, "symbol"))

	fromRaw := r.URL.Query().Get("from")
	toRaw := r.URL.Query().Get("to")
	if fromRaw != "" || toRaw != "" {
		s.handleBarsRange(w, symbol, fromRaw, toRaw)
		return
	}

	limit := s.cfg.HistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, errs.Validationf("limit must be a positive integer"))
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	bars, err := s.store.GetRecentBars(symbol, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if len(bars) == 0 {
		s.writeError(w, errs.NotFoundf("no bars for symbol %s", symbol))
		return
	}

	s.writeJSON(w, http.StatusOK, barsResponse{
		Symbol:     symbol,
		Bars:       bars,
		Indicators: ComputeIndicators(bars),
	})
}

// handleBarsRange serves replay back-fill: bars strictly inside (from, to).
func (s *Server) handleBarsRange(w http.ResponseWriter, symbol, fromRaw, toRaw string) {
	from, err := strconv.ParseInt(fromRaw, 10, 64)
	if err != nil {
		s.writeError(w, errs.Validationf("from must be a unix timestamp"))
		return
	}
	to, err := strconv.ParseInt(toRaw, 10, 64)
	if err != nil {
		s.writeError(w, errs.Validationf("to must be a unix timestamp"))
		return
	}
	if from >= to {
		s.writeError(w, errs.Validationf("from must precede to"))
		return
	}

	// The store range is closed on both ends; shifting one second each way
	// keeps the boundary bars out. The caller already holds the bar at from,
	// and the bar at to arrives on the live push.
	bars, err := s.store.GetBars(symbol, time.Unix(from+1, 0).UTC(), time.Unix(to-1, 0).UTC())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if bars == nil {
		bars = []domain.MinuteBar{}
	}

	s.writeJSON(w, http.StatusOK, barsResponse{Symbol: symbol, Bars: bars})
}

func (s *Server) handlePods(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"pods": s.reg.List()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"service": "marketdata",
		"pods":    s.reg.Len(),
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
