package database

import (
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradesim/tradesim/internal/domain"
)

func setupFundDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec(`
		CREATE TABLE funds (
			fund_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL,
			base_currency TEXT NOT NULL DEFAULT 'USD',
			aum REAL NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE TABLE books (
			book_id TEXT PRIMARY KEY,
			fund_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL,
			strategy TEXT NOT NULL DEFAULT '',
			max_position_size REAL NOT NULL DEFAULT 0.1,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
	`)
	if err != nil {
		t.Fatalf("Failed to create fund tables: %v", err)
	}

	return db
}

func TestFund_CRUD(t *testing.T) {
	log := zerolog.New(nil).Level(zerolog.Disabled)
	repo := NewFundRepository(setupFundDB(t), log)

	fund := domain.Fund{
		FundID:       "fund-1",
		UserID:       "user-1",
		Name:         "Global Macro",
		BaseCurrency: domain.CurrencyUSD,
		AUM:          5_000_000,
	}
	require.NoError(t, repo.CreateFund(fund))

	got, err := repo.GetFund("fund-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Global Macro", got.Name)
	assert.Equal(t, domain.CurrencyUSD, got.BaseCurrency)

	fund.Name = "Global Macro II"
	fund.AUM = 6_000_000
	require.NoError(t, repo.UpdateFund(fund))

	got, err = repo.GetFund("fund-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Global Macro II", got.Name)
	assert.Equal(t, 6_000_000.0, got.AUM)

	missing, err := repo.GetFund("ghost")
	require.NoError(t, err)
	assert.Nil(t, missing)

	err = repo.UpdateFund(domain.Fund{FundID: "ghost"})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "fund not found")
}

func TestListFunds_PerUser(t *testing.T) {
	log := zerolog.New(nil).Level(zerolog.Disabled)
	repo := NewFundRepository(setupFundDB(t), log)

	require.NoError(t, repo.CreateFund(domain.Fund{FundID: "f1", UserID: "alice", Name: "A", BaseCurrency: domain.CurrencyUSD}))
	require.NoError(t, repo.CreateFund(domain.Fund{FundID: "f2", UserID: "alice", Name: "B", BaseCurrency: domain.CurrencyEUR}))
	require.NoError(t, repo.CreateFund(domain.Fund{FundID: "f3", UserID: "bob", Name: "C", BaseCurrency: domain.CurrencyUSD}))

	funds, err := repo.ListFunds("alice")
	require.NoError(t, err)
	assert.Len(t, funds, 2)
}

func TestBook_CRUD(t *testing.T) {
	log := zerolog.New(nil).Level(zerolog.Disabled)
	repo := NewFundRepository(setupFundDB(t), log)

	require.NoError(t, repo.CreateFund(domain.Fund{FundID: "fund-1", UserID: "user-1", Name: "F", BaseCurrency: domain.CurrencyUSD}))

	book := domain.Book{
		BookID:          "book-1",
		FundID:          "fund-1",
		UserID:          "user-1",
		Name:            "Momentum",
		Strategy:        "momentum",
		MaxPositionSize: 0.1,
	}
	require.NoError(t, repo.CreateBook(book))

	got, err := repo.GetBook("book-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "momentum", got.Strategy)

	book.MaxPositionSize = 0.2
	require.NoError(t, repo.UpdateBook(book))

	got, err = repo.GetBook("book-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 0.2, got.MaxPositionSize)

	books, err := repo.ListBooks("user-1")
	require.NoError(t, err)
	assert.Len(t, books, 1)
}
