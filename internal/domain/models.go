// Package domain provides core domain models and types.
package domain

import "time"

// Currency represents a currency code
type Currency string

const (
	CurrencyUSD Currency = "USD"
	CurrencyEUR Currency = "EUR"
	CurrencyGBP Currency = "GBP"
	CurrencyJPY Currency = "JPY"
)

// OrderSide represents the direction of an order
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// OrderType represents the execution style of an order
type OrderType string

const (
	TypeMarket OrderType = "MARKET"
	TypeLimit  OrderType = "LIMIT"
)

// Position represents a portfolio position. Quantity never goes negative;
// the engine rejects sells beyond the held quantity.
type Position struct {
	UserID      string    `json:"user_id"`
	Symbol      string    `json:"symbol"`
	Quantity    float64   `json:"quantity"`
	AverageCost float64   `json:"average_cost"`
	MarketValue float64   `json:"market_value"`
	LastPrice   float64   `json:"last_price"`
	LastUpdated time.Time `json:"last_updated"`
}

// Revalue recomputes market value against the given price
func (p *Position) Revalue(price float64, at time.Time) {
	p.LastPrice = price
	p.MarketValue = p.Quantity * price
	p.LastUpdated = at
}

// MinuteBar is one OHLCV bar aligned to a wall-clock minute, UTC.
type MinuteBar struct {
	Symbol    string    `json:"symbol"`
	Timestamp time.Time `json:"timestamp_utc"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    int64     `json:"volume"`
	VWAP      float64   `json:"vwap"`
}

// Aligned reports whether the bar timestamp sits on a :00 second boundary
func (b MinuteBar) Aligned() bool {
	return b.Timestamp.Second() == 0 && b.Timestamp.Nanosecond() == 0
}

// ImpactState models the transient post-trade price shift for one symbol.
// CurrentImpact decays by the configured rate on every tick, floored at zero.
type ImpactState struct {
	Symbol           string    `json:"symbol"`
	CurrentImpact    float64   `json:"current_impact"`
	PreviousImpact   float64   `json:"previous_impact"`
	BasePrice        float64   `json:"base_price"`
	ImpactedPrice    float64   `json:"impacted_price"`
	CumulativeVolume float64   `json:"cumulative_volume"`
	StartTS          time.Time `json:"start_ts"`
	EndTS            time.Time `json:"end_ts"`
}

// Decay applies one tick of impact decay
func (s *ImpactState) Decay(rate float64, at time.Time) {
	s.PreviousImpact = s.CurrentImpact
	s.CurrentImpact *= 1 - rate
	if s.CurrentImpact < 0 {
		s.CurrentImpact = 0
	}
	s.ImpactedPrice = s.BasePrice * (1 + s.CurrentImpact)
	s.EndTS = at
}

// FXRate is a currency-pair quote used to normalise cash-flow legs
type FXRate struct {
	FromCurrency Currency  `json:"from_currency"`
	ToCurrency   Currency  `json:"to_currency"`
	Rate         float64   `json:"rate"`
	Timestamp    time.Time `json:"timestamp"`
}
