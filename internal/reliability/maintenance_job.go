package reliability

import (
	"fmt"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/tradesim/tradesim/internal/database"
)

// DatabaseMaintenanceJob performs the daily maintenance window: disk space
// check, VACUUM of the compactable databases, and growth reporting. The
// trading ledger is append-only and is never vacuumed.
type DatabaseMaintenanceJob struct {
	stores  *database.Stores
	dataDir string
	log     zerolog.Logger
}

// NewDatabaseMaintenanceJob creates the daily maintenance job
func NewDatabaseMaintenanceJob(stores *database.Stores, dataDir string, log zerolog.Logger) *DatabaseMaintenanceJob {
	return &DatabaseMaintenanceJob{
		stores:  stores,
		dataDir: dataDir,
		log:     log.With().Str("job", "database_maintenance").Logger(),
	}
}

// Name returns the job name for the scheduler
func (j *DatabaseMaintenanceJob) Name() string {
	return "database_maintenance"
}

// Run executes the maintenance window
func (j *DatabaseMaintenanceJob) Run() error {
	j.log.Info().Msg("Starting database maintenance")
	startTime := time.Now()

	if err := j.checkDiskSpace(); err != nil {
		return err
	}

	for _, db := range j.stores.All() {
		if db.Profile() == database.ProfileLedger {
			j.log.Debug().
				Str("database", db.Name()).
				Msg("Skipping VACUUM for append-only ledger")
			continue
		}

		if err := j.vacuumDatabase(db); err != nil {
			j.log.Error().
				Str("database", db.Name()).
				Err(err).
				Msg("VACUUM failed")
			// Keep going; the other databases still deserve their window.
		}
	}

	j.reportGrowth()

	j.log.Info().
		Dur("duration_ms", time.Since(startTime)).
		Msg("Database maintenance completed")

	return nil
}

// checkDiskSpace fails the run when free space falls below the floor
func (j *DatabaseMaintenanceJob) checkDiskSpace() error {
	stat := syscall.Statfs_t{}
	if err := syscall.Statfs(j.dataDir, &stat); err != nil {
		return fmt.Errorf("failed to stat filesystem: %w", err)
	}

	availableBytes := stat.Bavail * uint64(stat.Bsize)
	availableGB := float64(availableBytes) / 1e9

	j.log.Debug().Float64("available_gb", availableGB).Msg("Disk space check")

	if availableGB < 0.5 {
		j.log.Error().
			Float64("available_gb", availableGB).
			Msg("CRITICAL: Insufficient disk space")
		return fmt.Errorf("CRITICAL: only %.2f GB free", availableGB)
	}

	if availableGB < 5.0 {
		j.log.Warn().
			Float64("available_gb", availableGB).
			Msg("Disk space running low")
	}

	return nil
}

// vacuumDatabase runs VACUUM and logs the space reclaimed
func (j *DatabaseMaintenanceJob) vacuumDatabase(db *database.DB) error {
	j.log.Info().Str("database", db.Name()).Msg("Running VACUUM")

	before, err := db.GetStats()
	if err != nil {
		return fmt.Errorf("failed to read stats before vacuum: %w", err)
	}

	if err := db.Vacuum(); err != nil {
		return err
	}

	after, err := db.GetStats()
	if err != nil {
		return fmt.Errorf("failed to read stats after vacuum: %w", err)
	}

	j.log.Info().
		Str("database", db.Name()).
		Float64("size_before_mb", float64(before.PageCount*before.PageSize)/1024/1024).
		Float64("size_after_mb", float64(after.PageCount*after.PageSize)/1024/1024).
		Msg("VACUUM completed")

	return nil
}

// reportGrowth logs per-database size metrics for trend watching
func (j *DatabaseMaintenanceJob) reportGrowth() {
	for _, db := range j.stores.All() {
		stats, err := db.GetStats()
		if err != nil {
			j.log.Error().
				Str("database", db.Name()).
				Err(err).
				Msg("Failed to get stats")
			continue
		}

		j.log.Info().
			Str("database", db.Name()).
			Float64("size_mb", float64(stats.SizeBytes)/1024/1024).
			Float64("wal_size_mb", float64(stats.WALSizeBytes)/1024/1024).
			Int64("freelist_pages", stats.FreelistCount).
			Msg("Database growth")
	}
}
