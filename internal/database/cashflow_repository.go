package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/tradesim/tradesim/internal/domain"
)

const cashFlowColumns = `flow_id, user_id, timestamp_utc, flow_type, from_account, from_currency, from_fx, from_amount, to_account, to_currency, to_fx, to_amount, instrument, trade_id, description`

// CashFlowRepository persists the immutable cash-flow trail on market.db.
// Decimal legs are stored as TEXT so amounts round-trip exactly.
type CashFlowRepository struct {
	marketDB *sql.DB
	log      zerolog.Logger
}

// NewCashFlowRepository creates a new cash flow repository
func NewCashFlowRepository(marketDB *sql.DB, log zerolog.Logger) *CashFlowRepository {
	return &CashFlowRepository{
		marketDB: marketDB,
		log:      log.With().Str("repo", "cashflow").Logger(),
	}
}

// SaveCashFlow appends one flow to the trail. Flows are never updated or
// deleted.
func (r *CashFlowRepository) SaveCashFlow(userID string, flow domain.CashFlow) error {
	if err := flow.Validate(); err != nil {
		return fmt.Errorf("failed to save cash flow: %w", err)
	}

	query := `
		INSERT INTO cash_flow_data
		(flow_id, user_id, timestamp_utc, flow_type, from_account, from_currency,
		 from_fx, from_amount, to_account, to_currency, to_fx, to_amount,
		 instrument, trade_id, description)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.marketDB.Exec(query,
		flow.FlowID,
		userID,
		flow.Timestamp.Unix(),
		string(flow.Type),
		flow.FromAccount,
		string(flow.FromCurrency),
		flow.FromFX.String(),
		flow.FromAmount.String(),
		flow.ToAccount,
		string(flow.ToCurrency),
		flow.ToFX.String(),
		flow.ToAmount.String(),
		flow.Instrument,
		flow.TradeID,
		flow.Description,
	)
	if err != nil {
		return fmt.Errorf("failed to save cash flow: %w", err)
	}

	r.log.Debug().
		Str("flow_id", flow.FlowID).
		Str("type", string(flow.Type)).
		Msg("Cash flow recorded")

	return nil
}

// ListCashFlows retrieves a user's flows, oldest first so reconciliation
// replays in ledger order
func (r *CashFlowRepository) ListCashFlows(userID string, limit int) ([]domain.CashFlow, error) {
	query := `
		SELECT ` + cashFlowColumns + ` FROM cash_flow_data
		WHERE user_id = ?
		ORDER BY timestamp_utc ASC
		LIMIT ?
	`

	rows, err := r.marketDB.Query(query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list cash flows: %w", err)
	}
	defer rows.Close()

	var flows []domain.CashFlow
	for rows.Next() {
		flow, err := scanCashFlow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cash flow: %w", err)
		}
		flows = append(flows, flow)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cash flows: %w", err)
	}

	return flows, nil
}

func scanCashFlow(rows *sql.Rows) (domain.CashFlow, error) {
	var flow domain.CashFlow
	var userID, flowType, fromCcy, toCcy string
	var ts int64
	var fromFX, fromAmount, toFX, toAmount string

	err := rows.Scan(
		&flow.FlowID,
		&userID,
		&ts,
		&flowType,
		&flow.FromAccount,
		&fromCcy,
		&fromFX,
		&fromAmount,
		&flow.ToAccount,
		&toCcy,
		&toFX,
		&toAmount,
		&flow.Instrument,
		&flow.TradeID,
		&flow.Description,
	)
	if err != nil {
		return flow, err
	}

	flow.Timestamp = time.Unix(ts, 0).UTC()
	flow.Type = domain.CashFlowType(flowType)
	flow.FromCurrency = domain.Currency(fromCcy)
	flow.ToCurrency = domain.Currency(toCcy)

	if flow.FromFX, err = decimal.NewFromString(fromFX); err != nil {
		return flow, fmt.Errorf("bad from_fx %q: %w", fromFX, err)
	}
	if flow.FromAmount, err = decimal.NewFromString(fromAmount); err != nil {
		return flow, fmt.Errorf("bad from_amount %q: %w", fromAmount, err)
	}
	if flow.ToFX, err = decimal.NewFromString(toFX); err != nil {
		return flow, fmt.Errorf("bad to_fx %q: %w", toFX, err)
	}
	if flow.ToAmount, err = decimal.NewFromString(toAmount); err != nil {
		return flow, fmt.Errorf("bad to_amount %q: %w", toAmount, err)
	}

	return flow, nil
}
