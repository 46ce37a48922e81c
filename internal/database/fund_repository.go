package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tradesim/tradesim/internal/domain"
)

const fundsColumns = `fund_id, user_id, name, base_currency, aum, created_at, updated_at`

const booksColumns = `book_id, fund_id, user_id, name, strategy, max_position_size, created_at, updated_at`

// FundRepository manages funds and strategy books on trading.db
type FundRepository struct {
	tradingDB *sql.DB
	log       zerolog.Logger
}

// NewFundRepository creates a new fund repository
func NewFundRepository(tradingDB *sql.DB, log zerolog.Logger) *FundRepository {
	return &FundRepository{
		tradingDB: tradingDB,
		log:       log.With().Str("repo", "fund").Logger(),
	}
}

// CreateFund inserts a new fund
func (r *FundRepository) CreateFund(fund domain.Fund) error {
	now := time.Now().Unix()

	query := `
		INSERT INTO funds (fund_id, user_id, name, base_currency, aum, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.tradingDB.Exec(query,
		fund.FundID,
		fund.UserID,
		fund.Name,
		string(fund.BaseCurrency),
		fund.AUM,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to create fund: %w", err)
	}

	r.log.Info().
		Str("fund_id", fund.FundID).
		Str("user_id", fund.UserID).
		Msg("Fund created")

	return nil
}

// UpdateFund rewrites the mutable fund fields
func (r *FundRepository) UpdateFund(fund domain.Fund) error {
	query := `
		UPDATE funds SET name = ?, base_currency = ?, aum = ?, updated_at = ?
		WHERE fund_id = ?
	`

	result, err := r.tradingDB.Exec(query,
		fund.Name,
		string(fund.BaseCurrency),
		fund.AUM,
		time.Now().Unix(),
		fund.FundID,
	)
	if err != nil {
		return fmt.Errorf("failed to update fund: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check fund update: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("fund not found: %s", fund.FundID)
	}

	return nil
}

// GetFund retrieves a fund by ID. Returns nil when not found.
func (r *FundRepository) GetFund(fundID string) (*domain.Fund, error) {
	query := "SELECT " + fundsColumns + " FROM funds WHERE fund_id = ?"

	var fund domain.Fund
	var baseCcy string
	var createdAt, updatedAt int64

	err := r.tradingDB.QueryRow(query, fundID).Scan(
		&fund.FundID,
		&fund.UserID,
		&fund.Name,
		&baseCcy,
		&fund.AUM,
		&createdAt,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get fund: %w", err)
	}

	fund.BaseCurrency = domain.Currency(baseCcy)
	fund.CreatedAt = time.Unix(createdAt, 0).UTC()
	fund.UpdatedAt = time.Unix(updatedAt, 0).UTC()

	return &fund, nil
}

// ListFunds retrieves a user's funds, oldest first
func (r *FundRepository) ListFunds(userID string) ([]domain.Fund, error) {
	query := `
		SELECT ` + fundsColumns + ` FROM funds
		WHERE user_id = ?
		ORDER BY created_at ASC
	`

	rows, err := r.tradingDB.Query(query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list funds: %w", err)
	}
	defer rows.Close()

	var funds []domain.Fund
	for rows.Next() {
		var fund domain.Fund
		var baseCcy string
		var createdAt, updatedAt int64

		err := rows.Scan(
			&fund.FundID,
			&fund.UserID,
			&fund.Name,
			&baseCcy,
			&fund.AUM,
			&createdAt,
			&updatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan fund: %w", err)
		}

		fund.BaseCurrency = domain.Currency(baseCcy)
		fund.CreatedAt = time.Unix(createdAt, 0).UTC()
		fund.UpdatedAt = time.Unix(updatedAt, 0).UTC()
		funds = append(funds, fund)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating funds: %w", err)
	}

	return funds, nil
}

// CreateBook inserts a new strategy book
func (r *FundRepository) CreateBook(book domain.Book) error {
	now := time.Now().Unix()

	query := `
		INSERT INTO books (book_id, fund_id, user_id, name, strategy, max_position_size, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.tradingDB.Exec(query,
		book.BookID,
		book.FundID,
		book.UserID,
		book.Name,
		book.Strategy,
		book.MaxPositionSize,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to create book: %w", err)
	}

	r.log.Info().
		Str("book_id", book.BookID).
		Str("fund_id", book.FundID).
		Msg("Book created")

	return nil
}

// UpdateBook rewrites the mutable book fields
func (r *FundRepository) UpdateBook(book domain.Book) error {
	query := `
		UPDATE books SET name = ?, strategy = ?, max_position_size = ?, updated_at = ?
		WHERE book_id = ?
	`

	result, err := r.tradingDB.Exec(query,
		book.Name,
		book.Strategy,
		book.MaxPositionSize,
		time.Now().Unix(),
		book.BookID,
	)
	if err != nil {
		return fmt.Errorf("failed to update book: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check book update: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("book not found: %s", book.BookID)
	}

	return nil
}

// GetBook retrieves a book by ID. Returns nil when not found.
func (r *FundRepository) GetBook(bookID string) (*domain.Book, error) {
	query := "SELECT " + booksColumns + " FROM books WHERE book_id = ?"

	var book domain.Book
	var createdAt, updatedAt int64

	err := r.tradingDB.QueryRow(query, bookID).Scan(
		&book.BookID,
		&book.FundID,
		&book.UserID,
		&book.Name,
		&book.Strategy,
		&book.MaxPositionSize,
		&createdAt,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get book: %w", err)
	}

	book.CreatedAt = time.Unix(createdAt, 0).UTC()
	book.UpdatedAt = time.Unix(updatedAt, 0).UTC()

	return &book, nil
}

// ListBooks retrieves a user's books across all funds, oldest first
func (r *FundRepository) ListBooks(userID string) ([]domain.Book, error) {
	query := `
		SELECT ` + booksColumns + ` FROM books
		WHERE user_id = ?
		ORDER BY created_at ASC
	`

	rows, err := r.tradingDB.Query(query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list books: %w", err)
	}
	defer rows.Close()

	var books []domain.Book
	for rows.Next() {
		var book domain.Book
		var createdAt, updatedAt int64

		err := rows.Scan(
			&book.BookID,
			&book.FundID,
			&book.UserID,
			&book.Name,
			&book.Strategy,
			&book.MaxPositionSize,
			&createdAt,
			&updatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan book: %w", err)
		}

		book.CreatedAt = time.Unix(createdAt, 0).UTC()
		book.UpdatedAt = time.Unix(updatedAt, 0).UTC()
		books = append(books, book)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating books: %w", err)
	}

	return books, nil
}
