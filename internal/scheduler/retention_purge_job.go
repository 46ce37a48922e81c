package scheduler

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/tradesim/tradesim/internal/database"
)

// RetentionPurgeJob deletes expired short-lived records: idempotency cache
// entries, refresh tokens, and lapsed lock leases
type RetentionPurgeJob struct {
	idempotency database.IdempotencyStore
	auth        database.AuthStore
	locks       database.LockStore
	log         zerolog.Logger
}

// NewRetentionPurgeJob creates a new RetentionPurgeJob
func NewRetentionPurgeJob(idempotency database.IdempotencyStore, auth database.AuthStore, locks database.LockStore) *RetentionPurgeJob {
	return &RetentionPurgeJob{
		idempotency: idempotency,
		auth:        auth,
		locks:       locks,
		log:         zerolog.Nop(),
	}
}

// SetLogger sets the logger for the job
func (j *RetentionPurgeJob) SetLogger(log zerolog.Logger) {
	j.log = log
}

// Name returns the job name
func (j *RetentionPurgeJob) Name() string {
	return "retention_purge"
}

// Run executes the retention purge job. Each purge is independent; one
// failing store does not block the others.
func (j *RetentionPurgeJob) Run() error {
	now := time.Now().UTC()

	responses, err := j.idempotency.PurgeExpiredResponses(now)
	if err != nil {
		j.log.Warn().Err(err).Msg("Failed to purge idempotency entries")
	}

	tokens, err := j.auth.PurgeExpiredRefreshTokens(now)
	if err != nil {
		j.log.Warn().Err(err).Msg("Failed to purge refresh tokens")
	}

	locks, err := j.locks.PurgeExpiredLocks(now)
	if err != nil {
		j.log.Warn().Err(err).Msg("Failed to purge expired locks")
	}

	if responses > 0 || tokens > 0 || locks > 0 {
		j.log.Info().
			Int64("idempotency", responses).
			Int64("refresh_tokens", tokens).
			Int64("locks", locks).
			Msg("Retention purge completed")
	}

	return nil
}
