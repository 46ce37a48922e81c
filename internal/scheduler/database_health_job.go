package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tradesim/tradesim/internal/database"
)

// DatabaseHealthJob verifies integrity of the open SQLite databases
type DatabaseHealthJob struct {
	stores *database.Stores
	log    zerolog.Logger
}

// NewDatabaseHealthJob creates a new DatabaseHealthJob
func NewDatabaseHealthJob(stores *database.Stores) *DatabaseHealthJob {
	return &DatabaseHealthJob{
		stores: stores,
		log:    zerolog.Nop(),
	}
}

// SetLogger sets the logger for the job
func (j *DatabaseHealthJob) SetLogger(log zerolog.Logger) {
	j.log = log
}

// Name returns the job name
func (j *DatabaseHealthJob) Name() string {
	return "database_health"
}

// Run executes the database health job. Any failed integrity check fails
// the whole run so the failure is loud in the job log.
func (j *DatabaseHealthJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	var failures int
	for _, db := range j.stores.All() {
		if err := db.HealthCheck(ctx); err != nil {
			failures++
			j.log.Error().
				Err(err).
				Str("database", db.Name()).
				Msg("Database integrity check failed")
			continue
		}

		stats, err := db.GetStats()
		if err != nil {
			j.log.Warn().
				Err(err).
				Str("database", db.Name()).
				Msg("Failed to collect database stats")
			continue
		}

		j.log.Debug().
			Str("database", db.Name()).
			Int64("size_bytes", stats.SizeBytes).
			Int64("wal_bytes", stats.WALSizeBytes).
			Int64("freelist", stats.FreelistCount).
			Msg("Database healthy")
	}

	if failures > 0 {
		return fmt.Errorf("%d database(s) failed integrity check", failures)
	}

	j.log.Info().Msg("All databases passed integrity check")
	return nil
}
