package database

import (
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradesim/tradesim/internal/domain"
)

func setupExchangeDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec(`
		CREATE TABLE exchanges (
			exch_id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			timezone TEXT NOT NULL,
			open_time TEXT NOT NULL,
			close_time TEXT NOT NULL,
			pre_open_minutes INTEGER NOT NULL DEFAULT 0,
			post_close_minutes INTEGER NOT NULL DEFAULT 0,
			active INTEGER NOT NULL DEFAULT 1,
			updated_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		t.Fatalf("Failed to create exchanges table: %v", err)
	}

	return db
}

func usEquity() domain.Exchange {
	return domain.Exchange{
		ExchID:    "US_EQUITY",
		Name:      "US Equities",
		Timezone:  "America/New_York",
		OpenTime:  "09:30",
		CloseTime: "16:00",
		Active:    true,
		UpdatedAt: time.Now(),
	}
}

func TestUpsertAndGetExchange(t *testing.T) {
	log := zerolog.New(nil).Level(zerolog.Disabled)
	repo := NewExchangeRepository(setupExchangeDB(t), log)

	require.NoError(t, repo.UpsertExchange(usEquity()))

	got, err := repo.GetExchange("US_EQUITY")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "America/New_York", got.Timezone)
	assert.Equal(t, "09:30", got.OpenTime)
	assert.Equal(t, "16:00", got.CloseTime)
	assert.True(t, got.Active)

	// Upsert replaces in place.
	ex := usEquity()
	ex.CloseTime = "16:30"
	ex.PostCloseMinutes = 15
	require.NoError(t, repo.UpsertExchange(ex))

	got, err = repo.GetExchange("US_EQUITY")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "16:30", got.CloseTime)
	assert.Equal(t, 15, got.PostCloseMinutes)
}

func TestGetExchangeMissing(t *testing.T) {
	log := zerolog.New(nil).Level(zerolog.Disabled)
	repo := NewExchangeRepository(setupExchangeDB(t), log)

	got, err := repo.GetExchange("LSE")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestUpsertExchangeRejectsInvalid(t *testing.T) {
	log := zerolog.New(nil).Level(zerolog.Disabled)
	repo := NewExchangeRepository(setupExchangeDB(t), log)

	ex := usEquity()
	ex.Timezone = "Mars/Olympus_Mons"
	err := repo.UpsertExchange(ex)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid timezone")

	ex = usEquity()
	ex.CloseTime = "09:00"
	err = repo.UpsertExchange(ex)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be after open")
}

func TestSeedExchangesKeepsOperatorEdits(t *testing.T) {
	log := zerolog.New(nil).Level(zerolog.Disabled)
	repo := NewExchangeRepository(setupExchangeDB(t), log)

	edited := usEquity()
	edited.CloseTime = "17:00"
	require.NoError(t, repo.UpsertExchange(edited))

	require.NoError(t, repo.SeedExchanges([]domain.Exchange{usEquity()}))

	got, err := repo.GetExchange("US_EQUITY")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "17:00", got.CloseTime, "seed must not overwrite an existing row")
}

func TestListActiveExchanges(t *testing.T) {
	log := zerolog.New(nil).Level(zerolog.Disabled)
	repo := NewExchangeRepository(setupExchangeDB(t), log)

	require.NoError(t, repo.UpsertExchange(usEquity()))

	lse := domain.Exchange{
		ExchID:    "LSE",
		Name:      "London Stock Exchange",
		Timezone:  "Europe/London",
		OpenTime:  "08:00",
		CloseTime: "16:30",
		Active:    true,
		UpdatedAt: time.Now(),
	}
	require.NoError(t, repo.UpsertExchange(lse))

	active, err := repo.ListActiveExchanges()
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "LSE", active[0].ExchID)
	assert.Equal(t, "US_EQUITY", active[1].ExchID)

	require.NoError(t, repo.SetExchangeActive("LSE", false, time.Now()))

	active, err = repo.ListActiveExchanges()
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "US_EQUITY", active[0].ExchID)
}

func TestSetExchangeActiveMissing(t *testing.T) {
	log := zerolog.New(nil).Level(zerolog.Disabled)
	repo := NewExchangeRepository(setupExchangeDB(t), log)

	err := repo.SetExchangeActive("NOPE", true, time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exchange not found")
}
