package system

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradesim/tradesim/internal/database"
)

func TestSnapshotReportsHealthyDatabases(t *testing.T) {
	log := zerolog.New(nil).Level(zerolog.Disabled)
	dir := t.TempDir()

	db, err := database.New(database.Config{Path: dir + "/auth.db", Name: "auth"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	// A write forces the file onto disk so the directory size is nonzero.
	_, err = db.Conn().Exec("CREATE TABLE probe (id INTEGER PRIMARY KEY)")
	require.NoError(t, err)

	m := NewMonitor(&database.Stores{AuthDB: db}, dir, log)
	snap := m.Snapshot(context.Background())

	assert.Equal(t, StatusOK, snap.Status)
	require.Len(t, snap.Databases, 1)
	assert.Equal(t, "auth", snap.Databases[0].Name)
	assert.True(t, snap.Databases[0].OK)
	assert.Greater(t, snap.DataDirMB, 0.0)
	assert.False(t, snap.CheckedAt.IsZero())
}

func TestSnapshotDegradesWhenPingFails(t *testing.T) {
	log := zerolog.New(nil).Level(zerolog.Disabled)
	dir := t.TempDir()

	db, err := database.New(database.Config{Path: dir + "/trading.db", Name: "trading"})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	m := NewMonitor(&database.Stores{TradingDB: db}, dir, log)
	snap := m.Snapshot(context.Background())

	assert.Equal(t, StatusDegraded, snap.Status)
	require.Len(t, snap.Databases, 1)
	assert.False(t, snap.Databases[0].OK)
	assert.NotEmpty(t, snap.Databases[0].Error)
}

func TestSnapshotWithNoDatabases(t *testing.T) {
	log := zerolog.New(nil).Level(zerolog.Disabled)

	m := NewMonitor(&database.Stores{}, t.TempDir(), log)
	snap := m.Snapshot(context.Background())

	assert.Equal(t, StatusOK, snap.Status)
	assert.Empty(t, snap.Databases)
}
