package database

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/tradesim/tradesim/internal/domain"
)

const equityColumns = `symbol, timestamp_utc, open, high, low, close, volume, vwap`

// MarketRepository persists minute bars and FX quotes on market.db
type MarketRepository struct {
	marketDB *sql.DB
	log      zerolog.Logger
}

// NewMarketRepository creates a new market data repository
func NewMarketRepository(marketDB *sql.DB, log zerolog.Logger) *MarketRepository {
	return &MarketRepository{
		marketDB: marketDB,
		log:      log.With().Str("repo", "market").Logger(),
	}
}

// SaveBar upserts one minute bar. Re-published bars for the same minute
// overwrite, so late REPLAY delivery stays convergent.
func (r *MarketRepository) SaveBar(bar domain.MinuteBar) error {
	query := `
		INSERT INTO equity_data (symbol, timestamp_utc, open, high, low, close, volume, vwap)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol, timestamp_utc) DO UPDATE SET
			open = excluded.open,
			high = excluded.high,
			low = excluded.low,
			close = excluded.close,
			volume = excluded.volume,
			vwap = excluded.vwap
	`

	_, err := r.marketDB.Exec(query,
		strings.ToUpper(strings.TrimSpace(bar.Symbol)),
		bar.Timestamp.Unix(),
		bar.Open,
		bar.High,
		bar.Low,
		bar.Close,
		bar.Volume,
		bar.VWAP,
	)
	if err != nil {
		return fmt.Errorf("failed to save bar: %w", err)
	}

	return nil
}

// SaveBars upserts a batch of bars in one transaction
func (r *MarketRepository) SaveBars(bars []domain.MinuteBar) error {
	if len(bars) == 0 {
		return nil
	}

	err := WithTransaction(r.marketDB, func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`
			INSERT INTO equity_data (symbol, timestamp_utc, open, high, low, close, volume, vwap)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(symbol, timestamp_utc) DO UPDATE SET
				open = excluded.open,
				high = excluded.high,
				low = excluded.low,
				close = excluded.close,
				volume = excluded.volume,
				vwap = excluded.vwap
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, bar := range bars {
			_, err := stmt.Exec(
				strings.ToUpper(strings.TrimSpace(bar.Symbol)),
				bar.Timestamp.Unix(),
				bar.Open,
				bar.High,
				bar.Low,
				bar.Close,
				bar.Volume,
				bar.VWAP,
			)
			if err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save bars: %w", err)
	}

	r.log.Debug().Int("count", len(bars)).Msg("Bars saved")

	return nil
}

// GetBars retrieves bars for a symbol within [from, to], ascending
func (r *MarketRepository) GetBars(symbol string, from, to time.Time) ([]domain.MinuteBar, error) {
	query := `
		SELECT ` + equityColumns + ` FROM equity_data
		WHERE symbol = ? AND timestamp_utc >= ? AND timestamp_utc <= ?
		ORDER BY timestamp_utc ASC
	`

	rows, err := r.marketDB.Query(query, strings.ToUpper(symbol), from.Unix(), to.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to get bars: %w", err)
	}
	defer rows.Close()

	var bars []domain.MinuteBar
	for rows.Next() {
		var bar domain.MinuteBar
		var ts int64
		err := rows.Scan(&bar.Symbol, &ts, &bar.Open, &bar.High, &bar.Low, &bar.Close, &bar.Volume, &bar.VWAP)
		if err != nil {
			return nil, fmt.Errorf("failed to scan bar: %w", err)
		}
		bar.Timestamp = time.Unix(ts, 0).UTC()
		bars = append(bars, bar)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating bars: %w", err)
	}

	return bars, nil
}

// GetRecentBars retrieves the newest limit bars for a symbol, ascending
func (r *MarketRepository) GetRecentBars(symbol string, limit int) ([]domain.MinuteBar, error) {
	query := `
		SELECT ` + equityColumns + ` FROM equity_data
		WHERE symbol = ?
		ORDER BY timestamp_utc DESC
		LIMIT ?
	`

	rows, err := r.marketDB.Query(query, strings.ToUpper(symbol), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get recent bars: %w", err)
	}
	defer rows.Close()

	var bars []domain.MinuteBar
	for rows.Next() {
		var bar domain.MinuteBar
		var ts int64
		err := rows.Scan(&bar.Symbol, &ts, &bar.Open, &bar.High, &bar.Low, &bar.Close, &bar.Volume, &bar.VWAP)
		if err != nil {
			return nil, fmt.Errorf("failed to scan bar: %w", err)
		}
		bar.Timestamp = time.Unix(ts, 0).UTC()
		bars = append(bars, bar)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating bars: %w", err)
	}

	// Query walks newest-first; callers want chart order.
	for i, j := 0, len(bars)-1; i < j; i, j = i+1, j-1 {
		bars[i], bars[j] = bars[j], bars[i]
	}

	return bars, nil
}

// GetLatestBar retrieves the newest bar for a symbol. Returns nil when the
// symbol has no bars.
func (r *MarketRepository) GetLatestBar(symbol string) (*domain.MinuteBar, error) {
	query := `
		SELECT ` + equityColumns + ` FROM equity_data
		WHERE symbol = ?
		ORDER BY timestamp_utc DESC
		LIMIT 1
	`

	var bar domain.MinuteBar
	var ts int64
	err := r.marketDB.QueryRow(query, strings.ToUpper(symbol)).Scan(
		&bar.Symbol, &ts, &bar.Open, &bar.High, &bar.Low, &bar.Close, &bar.Volume, &bar.VWAP,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest bar: %w", err)
	}

	bar.Timestamp = time.Unix(ts, 0).UTC()

	return &bar, nil
}

// SaveFXRate inserts an FX quote
func (r *MarketRepository) SaveFXRate(rate domain.FXRate) error {
	query := `
		INSERT INTO fx_data (from_currency, to_currency, rate, timestamp_utc)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(from_currency, to_currency, timestamp_utc) DO UPDATE SET
			rate = excluded.rate
	`

	_, err := r.marketDB.Exec(query,
		string(rate.FromCurrency),
		string(rate.ToCurrency),
		rate.Rate,
		rate.Timestamp.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to save fx rate: %w", err)
	}

	return nil
}

// GetFXRate retrieves the newest quote for a currency pair. The identity
// pair always resolves to 1. Returns nil when no quote exists.
func (r *MarketRepository) GetFXRate(from, to domain.Currency) (*domain.FXRate, error) {
	if from == to {
		return &domain.FXRate{FromCurrency: from, ToCurrency: to, Rate: 1, Timestamp: time.Now().UTC()}, nil
	}

	query := `
		SELECT from_currency, to_currency, rate, timestamp_utc FROM fx_data
		WHERE from_currency = ? AND to_currency = ?
		ORDER BY timestamp_utc DESC
		LIMIT 1
	`

	var rate domain.FXRate
	var fromCcy, toCcy string
	var ts int64
	err := r.marketDB.QueryRow(query, string(from), string(to)).Scan(&fromCcy, &toCcy, &rate.Rate, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get fx rate: %w", err)
	}

	rate.FromCurrency = domain.Currency(fromCcy)
	rate.ToCurrency = domain.Currency(toCcy)
	rate.Timestamp = time.Unix(ts, 0).UTC()

	return &rate, nil
}
