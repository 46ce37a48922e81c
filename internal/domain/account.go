package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// CashFlowType classifies a balance mutation
type CashFlowType string

const (
	FlowAccountTransfer   CashFlowType = "ACCOUNT_TRANSFER"
	FlowPortfolioTransfer CashFlowType = "PORTFOLIO_TRANSFER"
	FlowAccountFee        CashFlowType = "ACCOUNT_FEE"
	FlowPortfolioFee      CashFlowType = "PORTFOLIO_FEE"
	FlowExternal          CashFlowType = "EXTERNAL"
)

// Account holds a cash balance. Balances only change through cash flows so
// the ledger always reconciles to the balance.
type Account struct {
	UserID       string          `json:"user_id"`
	AccountLabel string          `json:"account_label"`
	Currency     Currency        `json:"currency"`
	Balance      decimal.Decimal `json:"balance"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Key returns the account identity tuple as one string
func (a *Account) Key() string {
	return fmt.Sprintf("%s/%s/%s", a.UserID, a.AccountLabel, a.Currency)
}

// CashFlow is one immutable balance mutation. From/To amounts are in their
// leg currencies; FX rates convert each leg to the base currency.
type CashFlow struct {
	FlowID       string          `json:"flow_id"`
	Timestamp    time.Time       `json:"timestamp"`
	Type         CashFlowType    `json:"type"`
	FromAccount  string          `json:"from_account"`
	FromCurrency Currency        `json:"from_currency"`
	FromFX       decimal.Decimal `json:"from_fx"`
	FromAmount   decimal.Decimal `json:"from_amount"`
	ToAccount    string          `json:"to_account"`
	ToCurrency   Currency        `json:"to_currency"`
	ToFX         decimal.Decimal `json:"to_fx"`
	ToAmount     decimal.Decimal `json:"to_amount"`
	Instrument   string          `json:"instrument,omitempty"`
	TradeID      string          `json:"trade_id,omitempty"`
	Description  string          `json:"description,omitempty"`
}

// Validate checks a cash flow before it enters the ledger
func (f *CashFlow) Validate() error {
	switch f.Type {
	case FlowAccountTransfer, FlowPortfolioTransfer, FlowAccountFee, FlowPortfolioFee, FlowExternal:
	default:
		return fmt.Errorf("unknown cash flow type %q", f.Type)
	}
	if f.FromAmount.IsNegative() || f.ToAmount.IsNegative() {
		return fmt.Errorf("cash flow amounts must be non-negative")
	}
	if f.FromAccount == "" && f.ToAccount == "" {
		return fmt.Errorf("cash flow must reference at least one account")
	}
	if f.Timestamp.IsZero() {
		return fmt.Errorf("cash flow timestamp is required")
	}
	return nil
}

// BaseAmountInto returns the flow's credit to the named account in base
// currency, negative when the account is the source.
func (f *CashFlow) BaseAmountInto(account string) decimal.Decimal {
	total := decimal.Zero
	if f.ToAccount == account {
		total = total.Add(f.ToAmount.Mul(f.ToFX))
	}
	if f.FromAccount == account {
		total = total.Sub(f.FromAmount.Mul(f.FromFX))
	}
	return total
}

// ReconcileBalance sums a flow history into the expected balance for an
// account. The account invariant: stored balance equals this sum plus the
// opening balance.
func ReconcileBalance(account string, opening decimal.Decimal, flows []CashFlow) decimal.Decimal {
	balance := opening
	for _, f := range flows {
		balance = balance.Add(f.BaseAmountInto(account))
	}
	return balance
}
