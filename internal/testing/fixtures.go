package testing

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradesim/tradesim/internal/domain"
)

// NewUserFixture returns a test user
func NewUserFixture() domain.User {
	now := time.Now().UTC()
	return domain.User{
		UserID:    "user-1",
		Username:  "testuser",
		Email:     "testuser@example.com",
		Role:      "user",
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// NewSessionFixture returns an active test session bound to user-1
func NewSessionFixture() domain.Session {
	now := time.Now().UTC()
	return domain.Session{
		SessionID:  "sess-1",
		UserID:     "user-1",
		DeviceID:   "device-1",
		PodName:    "session-core-0",
		Status:     domain.SessionActive,
		CreatedAt:  now,
		LastActive: now,
		ExpiresAt:  now.Add(120 * time.Second),
	}
}

// NewSimulatorFixture returns a running simulator bound to sess-1
func NewSimulatorFixture() domain.Simulator {
	now := time.Now().UTC()
	return domain.Simulator{
		SimulatorID: "sim-1",
		SessionID:   "sess-1",
		UserID:      "user-1",
		Endpoint:    "127.0.0.1:50060",
		Status:      domain.SimulatorRunning,
		CreatedAt:   now,
		LastActive:  now,
	}
}

// NewOrderFixture returns a NEW market buy order for AAPL
func NewOrderFixture() domain.Order {
	now := time.Now().UTC()
	return domain.Order{
		OrderID:   "ord-1",
		UserID:    "user-1",
		SessionID: "sess-1",
		Symbol:    "AAPL",
		Side:      domain.SideBuy,
		Type:      domain.TypeMarket,
		Quantity:  10,
		Status:    domain.OrderNew,
		RequestID: "req-1",
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// NewBarFixtures returns a contiguous run of minute bars for a symbol,
// starting at the given aligned minute
func NewBarFixtures(symbol string, start time.Time, count int) []domain.MinuteBar {
	start = start.Truncate(time.Minute)
	bars := make([]domain.MinuteBar, 0, count)

	price := 100.0
	for i := 0; i < count; i++ {
		open := price
		close := price + 0.25
		bars = append(bars, domain.MinuteBar{
			Symbol:    symbol,
			Timestamp: start.Add(time.Duration(i) * time.Minute),
			Open:      open,
			High:      close + 0.10,
			Low:       open - 0.10,
			Close:     close,
			Volume:    1000 + int64(i),
			VWAP:      (open + close) / 2,
		})
		price = close
	}

	return bars
}

// NewCashFlowFixture returns an external USD deposit into the user's main
// account
func NewCashFlowFixture() domain.CashFlow {
	return domain.CashFlow{
		FlowID:      "flow-1",
		Timestamp:   time.Now().UTC(),
		Type:        domain.FlowExternal,
		ToAccount:   "user-1/main/USD",
		ToCurrency:  domain.CurrencyUSD,
		ToFX:        decimal.NewFromInt(1),
		ToAmount:    decimal.NewFromInt(10000),
		FromFX:      decimal.NewFromInt(1),
		Description: "initial deposit",
	}
}

// NewFundFixture returns a test fund owned by user-1
func NewFundFixture() domain.Fund {
	now := time.Now().UTC()
	return domain.Fund{
		FundID:       "fund-1",
		UserID:       "user-1",
		Name:         "Test Fund",
		BaseCurrency: domain.CurrencyUSD,
		AUM:          1000000,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// NewBookFixture returns a strategy book under fund-1
func NewBookFixture() domain.Book {
	now := time.Now().UTC()
	return domain.Book{
		BookID:          "book-1",
		FundID:          "fund-1",
		UserID:          "user-1",
		Name:            "Momentum Book",
		Strategy:        "momentum",
		MaxPositionSize: 0.1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}
