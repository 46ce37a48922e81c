package scheduler

import (
	"github.com/rs/zerolog"

	"github.com/tradesim/tradesim/internal/database"
)

// WALCheckpointJob monitors WAL growth across the open databases and forces
// a checkpoint when the log gets large
type WALCheckpointJob struct {
	stores *database.Stores
	log    zerolog.Logger
}

// NewWALCheckpointJob creates a new WALCheckpointJob
func NewWALCheckpointJob(stores *database.Stores) *WALCheckpointJob {
	return &WALCheckpointJob{
		stores: stores,
		log:    zerolog.Nop(),
	}
}

// SetLogger sets the logger for the job
func (j *WALCheckpointJob) SetLogger(log zerolog.Logger) {
	j.log = log
}

// Name returns the job name
func (j *WALCheckpointJob) Name() string {
	return "wal_checkpoint"
}

// Run executes the WAL checkpoint job
func (j *WALCheckpointJob) Run() error {
	checkedCount := 0
	for _, db := range j.stores.All() {
		// PRAGMA wal_checkpoint returns: busy, log, checkpointed
		var busy, logFrames, checkpointed int
		err := db.Conn().QueryRow("PRAGMA wal_checkpoint(PASSIVE)").Scan(&busy, &logFrames, &checkpointed)
		if err != nil {
			j.log.Warn().
				Err(err).
				Str("database", db.Name()).
				Msg("Failed to check WAL checkpoint")
			continue
		}

		if logFrames > 1000 {
			j.log.Warn().
				Str("database", db.Name()).
				Int("wal_frames", logFrames).
				Int("checkpointed", checkpointed).
				Msg("WAL file is large, forcing truncate checkpoint")

			if err := db.WALCheckpoint("TRUNCATE"); err != nil {
				j.log.Error().
					Err(err).
					Str("database", db.Name()).
					Msg("Forced WAL checkpoint failed")
			}
		} else {
			j.log.Debug().
				Str("database", db.Name()).
				Int("wal_frames", logFrames).
				Msg("WAL checkpoint status OK")
		}

		checkedCount++
	}

	j.log.Info().
		Int("checked", checkedCount).
		Msg("WAL checkpoint check completed")

	return nil
}
