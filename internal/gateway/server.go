// Package gateway is the REST front door. It authenticates and rate-limits
// callers, validates trading batches, answers replayed request ids from the
// idempotency cache, and relays live trading traffic to the session core.
// Funds, books, and feedback are served directly from storage; the gateway
// holds no in-memory state a restart could lose.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/tradesim/tradesim/internal/database"
	"github.com/tradesim/tradesim/internal/errs"
	"github.com/tradesim/tradesim/internal/reliability"
	"github.com/tradesim/tradesim/internal/system"
)

// BackupRunner is the slice of the backup service the admin surface uses.
type BackupRunner interface {
	CreateAndUploadBackup(ctx context.Context) error
	ListBackups(ctx context.Context) ([]reliability.BackupInfo, error)
}

// ServerConfig carries the gateway's settings.
type ServerConfig struct {
	Port               int
	RefreshTokenExpiry time.Duration
}

// Server is the gateway's HTTP server.
type Server struct {
	cfg      ServerConfig
	db       database.Gateway
	tokens   *Tokens
	forward  *Forwarder
	limiter  *rateLimiter
	notifier Notifier
	monitor  *system.Monitor
	backups  BackupRunner
	server   *http.Server
	log      zerolog.Logger
}

// NewServer builds the gateway over its collaborators. backups may be nil
// when the process runs without object storage.
func NewServer(cfg ServerConfig, db database.Gateway, tokens *Tokens, forward *Forwarder,
	notifier Notifier, monitor *system.Monitor, backups BackupRunner, log zerolog.Logger) *Server {

	s := &Server{
		cfg:      cfg,
		db:       db,
		tokens:   tokens,
		forward:  forward,
		limiter:  newRateLimiter(),
		notifier: notifier,
		monitor:  monitor,
		backups:  backups,
		log:      log.With().Str("service", "gateway").Logger(),
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Timeout(30 * time.Second))
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Probes sit outside every auth and rate group.
	router.Get("/health", s.handleHealth)
	router.Get("/readiness", s.handleReadiness)

	router.Route("/auth", func(r chi.Router) {
		r.Use(s.limitAuth)
		r.Post("/signup", s.handleSignup)
		r.Post("/login", s.handleLogin)
		r.Post("/refresh", s.handleRefresh)
		r.Post("/verify", s.handleVerify)
		r.Post("/password-reset/request", s.handlePasswordResetRequest)
		r.Post("/password-reset/confirm", s.handlePasswordResetConfirm)
		r.With(s.requireAuth).Post("/logout", s.handleLogout)
	})

	router.Route("/api", func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Use(s.limitAPI)

		r.Get("/session", s.handleSession)

		// Mutating trading routes serialize per user so a client retrying
		// into a still-running request cannot double-submit.
		r.Group(func(r chi.Router) {
			r.Use(s.withUserLock)
			r.Post("/orders/submit", s.handleSubmitOrders)
			r.Post("/orders/cancel", s.handleCancelOrders)
			r.Post("/convictions/submit", s.handleSubmitConvictions)
			r.Post("/convictions/cancel", s.handleCancelConvictions)
		})

		r.Post("/funds", s.handleCreateFund)
		r.Get("/funds", s.handleListFunds)
		r.Get("/funds/{id}", s.handleGetFund)
		r.Put("/funds/{id}", s.handleUpdateFund)

		r.Post("/books", s.handleCreateBook)
		r.Get("/books", s.handleListBooks)
		r.Get("/books/{id}", s.handleGetBook)
		r.Put("/books/{id}", s.handleUpdateBook)

		r.Post("/feedback", s.handleFeedback)

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Post("/backup", s.handleTriggerBackup)
			r.Get("/backups", s.handleListBackups)
		})
	})

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return s
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("Gateway listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway server failed: %w", err)
	}
	return nil
}

// Shutdown stops the listener, letting in-flight requests drain.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// PurgeIdleLimiters drops rate-limit buckets idle for over an hour. The
// maintenance scheduler calls this alongside the storage purges.
func (s *Server) PurgeIdleLimiters() int {
	return s.limiter.purgeIdle(time.Hour)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"service": "gateway",
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// handleReadiness reports whether the process should receive traffic. A
// database failing its ping marks the snapshot degraded and flips the
// status code so the ingress takes the instance out of rotation.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	snap := s.monitor.Snapshot(r.Context())
	status := http.StatusOK
	if snap.Status != system.StatusOK {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, snap)
}

func (s *Server) handleTriggerBackup(w http.ResponseWriter, r *http.Request) {
	if s.backups == nil {
		s.writeFailure(w, http.StatusServiceUnavailable, "backups_disabled", errs.KindUnavailable, "backups are not configured")
		return
	}
	if err := s.backups.CreateAndUploadBackup(r.Context()); err != nil {
		s.writeError(w, errs.Wrap(errs.KindInternal, "backup failed", err))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (s *Server) handleListBackups(w http.ResponseWriter, r *http.Request) {
	if s.backups == nil {
		s.writeFailure(w, http.StatusServiceUnavailable, "backups_disabled", errs.KindUnavailable, "backups are not configured")
		return
	}
	backups, err := s.backups.ListBackups(r.Context())
	if err != nil {
		s.writeError(w, errs.Wrap(errs.KindInternal, "failed to list backups", err))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"backups": backups})
}

// errorBody is the REST error shape. Category carries the taxonomy kind;
// errorCode is the stable machine handle for the specific failure.
type errorBody struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	ErrorCode string `json:"errorCode"`
	Category  string `json:"category"`
}

// writeError renders a taxonomy-tagged failure with its default status
// mapping.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := errs.KindOf(err)
	s.writeFailure(w, errs.HTTPStatus(kind), defaultCode(kind), kind, errs.MessageOf(err))
}

// writeFailure renders the error shape with an explicit status, for the
// places whose HTTP status diverges from the kind's default mapping.
func (s *Server) writeFailure(w http.ResponseWriter, status int, code string, kind errs.Kind, msg string) {
	s.writeJSON(w, status, errorBody{Error: msg, ErrorCode: code, Category: string(kind)})
}

func defaultCode(kind errs.Kind) string {
	switch kind {
	case errs.KindAuthentication:
		return "unauthenticated"
	case errs.KindAuthorization:
		return "forbidden"
	case errs.KindValidation:
		return "invalid_request"
	case errs.KindNotFound:
		return "not_found"
	case errs.KindConflict:
		return "conflict"
	case errs.KindUnavailable:
		return "unavailable"
	default:
		return "internal"
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode response")
	}
}
