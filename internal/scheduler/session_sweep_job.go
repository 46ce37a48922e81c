package scheduler

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tradesim/tradesim/internal/database"
	"github.com/tradesim/tradesim/internal/domain"
)

// SessionSweepJob retires abandoned sessions in two steps: live sessions
// idle past the reconnect window go INACTIVE, and INACTIVE sessions past
// their TTL go EXPIRED.
type SessionSweepJob struct {
	sessions         database.SessionStore
	reconnectTimeout time.Duration
	sessionTTL       time.Duration
	log              zerolog.Logger
}

// NewSessionSweepJob creates a new SessionSweepJob
func NewSessionSweepJob(sessions database.SessionStore, reconnectTimeout, sessionTTL time.Duration) *SessionSweepJob {
	return &SessionSweepJob{
		sessions:         sessions,
		reconnectTimeout: reconnectTimeout,
		sessionTTL:       sessionTTL,
		log:              zerolog.Nop(),
	}
}

// SetLogger sets the logger for the job
func (j *SessionSweepJob) SetLogger(log zerolog.Logger) {
	j.log = log
}

// Name returns the job name
func (j *SessionSweepJob) Name() string {
	return "session_sweep"
}

// Run executes the session sweep job
func (j *SessionSweepJob) Run() error {
	now := time.Now().UTC()

	deactivated, err := j.sessions.ExpireSessionsBefore(now.Add(-j.reconnectTimeout), now)
	if err != nil {
		return fmt.Errorf("failed to deactivate stale sessions: %w", err)
	}

	inactive, err := j.sessions.ListSessionsByStatus(domain.SessionInactive)
	if err != nil {
		return fmt.Errorf("failed to list inactive sessions: %w", err)
	}

	var expired int
	for _, session := range inactive {
		if now.Sub(session.LastActive) < j.sessionTTL {
			continue
		}
		if err := j.sessions.UpdateSessionStatus(session.SessionID, domain.SessionExpired, now); err != nil {
			j.log.Warn().
				Err(err).
				Str("session_id", session.SessionID).
				Msg("Failed to expire session")
			continue
		}
		expired++
	}

	if deactivated > 0 || expired > 0 {
		j.log.Info().
			Int64("deactivated", deactivated).
			Int("expired", expired).
			Msg("Session sweep completed")
	}

	return nil
}
