package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tradesim/tradesim/internal/domain"
)

const exchangesColumns = `exch_id, name, timezone, open_time, close_time, pre_open_minutes, post_close_minutes, active, updated_at`

// ExchangeRepository handles the exchange registry on coordination.db. The
// orchestrator reads it every poll to decide which venue pods should exist.
type ExchangeRepository struct {
	coordDB *sql.DB
	log     zerolog.Logger
}

// NewExchangeRepository creates a new exchange repository
func NewExchangeRepository(coordDB *sql.DB, log zerolog.Logger) *ExchangeRepository {
	return &ExchangeRepository{
		coordDB: coordDB,
		log:     log.With().Str("repo", "exchange").Logger(),
	}
}

// UpsertExchange inserts or replaces an exchange definition
func (r *ExchangeRepository) UpsertExchange(ex domain.Exchange) error {
	if err := ex.Validate(); err != nil {
		return fmt.Errorf("invalid exchange %s: %w", ex.ExchID, err)
	}

	query := `
		INSERT INTO exchanges
		(exch_id, name, timezone, open_time, close_time, pre_open_minutes, post_close_minutes, active, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(exch_id) DO UPDATE SET
			name = excluded.name,
			timezone = excluded.timezone,
			open_time = excluded.open_time,
			close_time = excluded.close_time,
			pre_open_minutes = excluded.pre_open_minutes,
			post_close_minutes = excluded.post_close_minutes,
			active = excluded.active,
			updated_at = excluded.updated_at
	`

	_, err := r.coordDB.Exec(query,
		ex.ExchID,
		ex.Name,
		ex.Timezone,
		ex.OpenTime,
		ex.CloseTime,
		ex.PreOpenMinutes,
		ex.PostCloseMinutes,
		boolToInt(ex.Active),
		ex.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert exchange %s: %w", ex.ExchID, err)
	}

	r.log.Info().
		Str("exch_id", ex.ExchID).
		Str("timezone", ex.Timezone).
		Bool("active", ex.Active).
		Msg("Exchange upserted")

	return nil
}

// SeedExchanges inserts any of the given defaults that are not already
// registered. Existing rows are left untouched so operator edits survive
// restarts.
func (r *ExchangeRepository) SeedExchanges(defaults []domain.Exchange) error {
	query := `
		INSERT OR IGNORE INTO exchanges
		(exch_id, name, timezone, open_time, close_time, pre_open_minutes, post_close_minutes, active, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	for _, ex := range defaults {
		if err := ex.Validate(); err != nil {
			return fmt.Errorf("invalid seed exchange %s: %w", ex.ExchID, err)
		}
		if _, err := r.coordDB.Exec(query,
			ex.ExchID,
			ex.Name,
			ex.Timezone,
			ex.OpenTime,
			ex.CloseTime,
			ex.PreOpenMinutes,
			ex.PostCloseMinutes,
			boolToInt(ex.Active),
			ex.UpdatedAt.Unix(),
		); err != nil {
			return fmt.Errorf("failed to seed exchange %s: %w", ex.ExchID, err)
		}
	}

	return nil
}

// GetExchange retrieves an exchange by ID. Returns nil when not found.
func (r *ExchangeRepository) GetExchange(exchID string) (*domain.Exchange, error) {
	query := "SELECT " + exchangesColumns + " FROM exchanges WHERE exch_id = ?"

	ex, err := scanExchange(r.coordDB.QueryRow(query, exchID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get exchange: %w", err)
	}

	return &ex, nil
}

// ListActiveExchanges returns every exchange the orchestrator should schedule
func (r *ExchangeRepository) ListActiveExchanges() ([]domain.Exchange, error) {
	query := "SELECT " + exchangesColumns + " FROM exchanges WHERE active = 1 ORDER BY exch_id"

	rows, err := r.coordDB.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to list active exchanges: %w", err)
	}
	defer rows.Close()

	var out []domain.Exchange
	for rows.Next() {
		var ex domain.Exchange
		var active int
		var updatedAt int64
		if err := rows.Scan(
			&ex.ExchID,
			&ex.Name,
			&ex.Timezone,
			&ex.OpenTime,
			&ex.CloseTime,
			&ex.PreOpenMinutes,
			&ex.PostCloseMinutes,
			&active,
			&updatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan exchange: %w", err)
		}
		ex.Active = active != 0
		ex.UpdatedAt = time.Unix(updatedAt, 0)
		out = append(out, ex)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate exchanges: %w", err)
	}

	return out, nil
}

// SetExchangeActive flips an exchange's scheduling flag
func (r *ExchangeRepository) SetExchangeActive(exchID string, active bool, at time.Time) error {
	result, err := r.coordDB.Exec(
		"UPDATE exchanges SET active = ?, updated_at = ? WHERE exch_id = ?",
		boolToInt(active), at.Unix(), exchID,
	)
	if err != nil {
		return fmt.Errorf("failed to update exchange %s: %w", exchID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check exchange update: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("exchange not found: %s", exchID)
	}

	r.log.Info().Str("exch_id", exchID).Bool("active", active).Msg("Exchange flag updated")
	return nil
}

func scanExchange(row *sql.Row) (domain.Exchange, error) {
	var ex domain.Exchange
	var active int
	var updatedAt int64

	err := row.Scan(
		&ex.ExchID,
		&ex.Name,
		&ex.Timezone,
		&ex.OpenTime,
		&ex.CloseTime,
		&ex.PreOpenMinutes,
		&ex.PostCloseMinutes,
		&active,
		&updatedAt,
	)
	if err != nil {
		return domain.Exchange{}, err
	}

	ex.Active = active != 0
	ex.UpdatedAt = time.Unix(updatedAt, 0)
	return ex, nil
}
