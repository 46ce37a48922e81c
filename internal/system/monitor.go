// Package system reports process and database health for readiness probes.
package system

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/tradesim/tradesim/internal/database"
)

const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
)

// DatabaseStatus is the health of one database file.
type DatabaseStatus struct {
	Name   string  `json:"name"`
	SizeMB float64 `json:"size_mb"`
	OK     bool    `json:"ok"`
	Error  string  `json:"error,omitempty"`
}

// Snapshot is a point-in-time view of process and storage health. Status is
// degraded when any database fails its ping.
type Snapshot struct {
	Status     string           `json:"status"`
	CPUPercent float64          `json:"cpu_percent"`
	MemPercent float64          `json:"mem_percent"`
	DataDirMB  float64          `json:"data_dir_mb"`
	Databases  []DatabaseStatus `json:"databases"`
	CheckedAt  time.Time        `json:"checked_at"`
}

// Monitor samples system stats and pings every open database.
type Monitor struct {
	stores  *database.Stores
	dataDir string
	log     zerolog.Logger
}

func NewMonitor(stores *database.Stores, dataDir string, log zerolog.Logger) *Monitor {
	return &Monitor{
		stores:  stores,
		dataDir: dataDir,
		log:     log.With().Str("component", "system_monitor").Logger(),
	}
}

// Snapshot collects CPU, memory, data dir size, and per-database health.
// Stat failures are logged and reported as zeros rather than failing the
// probe; only database ping failures degrade the status.
func (m *Monitor) Snapshot(ctx context.Context) Snapshot {
	snap := Snapshot{
		Status:    StatusOK,
		CheckedAt: time.Now().UTC(),
	}
	snap.CPUPercent, snap.MemPercent = m.processStats()
	snap.DataDirMB = m.dirSizeMB(m.dataDir)

	for _, db := range m.stores.All() {
		status := DatabaseStatus{Name: db.Name(), OK: true}
		if info, err := os.Stat(db.Path()); err == nil {
			status.SizeMB = float64(info.Size()) / 1024 / 1024
		}
		if err := db.QuickCheck(ctx); err != nil {
			status.OK = false
			status.Error = err.Error()
			snap.Status = StatusDegraded
			m.log.Warn().Err(err).Str("database", db.Name()).Msg("Database ping failed")
		}
		snap.Databases = append(snap.Databases, status)
	}
	return snap
}

// LogSnapshot emits one info line with the current snapshot, for the slow
// scheduled status cadence.
func (m *Monitor) LogSnapshot(ctx context.Context) {
	snap := m.Snapshot(ctx)
	event := m.log.Info().
		Str("status", snap.Status).
		Float64("cpu_percent", snap.CPUPercent).
		Float64("mem_percent", snap.MemPercent).
		Float64("data_dir_mb", snap.DataDirMB)
	for _, db := range snap.Databases {
		event = event.Bool("db_"+db.Name+"_ok", db.OK)
	}
	event.Msg("System status")
}

// processStats returns CPU and RAM usage percentages. The CPU sample window
// is 100ms so readiness probes stay fast.
func (m *Monitor) processStats() (float64, float64) {
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		m.log.Warn().Err(err).Msg("Failed to get CPU percentage")
		cpuPercent = []float64{0}
	}
	cpuAvg := 0.0
	if len(cpuPercent) > 0 {
		cpuAvg = cpuPercent[0]
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		m.log.Warn().Err(err).Msg("Failed to get memory statistics")
		return cpuAvg, 0
	}
	return cpuAvg, memStat.UsedPercent
}

func (m *Monitor) dirSizeMB(dirPath string) float64 {
	var totalSize int64
	err := filepath.Walk(dirPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() {
			totalSize += info.Size()
		}
		return nil
	})
	if err != nil {
		m.log.Warn().Err(err).Str("dir", dirPath).Msg("Failed to calculate directory size")
		return 0
	}
	return float64(totalSize) / 1024 / 1024
}
