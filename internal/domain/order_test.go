package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderValidate(t *testing.T) {
	valid := Order{Symbol: "AAPL", Side: SideBuy, Type: TypeMarket, Quantity: 10}
	assert.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Order)
	}{
		{"missing symbol", func(o *Order) { o.Symbol = "" }},
		{"bad side", func(o *Order) { o.Side = "HOLD" }},
		{"bad type", func(o *Order) { o.Type = "STOP" }},
		{"zero quantity", func(o *Order) { o.Quantity = 0 }},
		{"negative quantity", func(o *Order) { o.Quantity = -5 }},
		{"negative price", func(o *Order) { o.Price = -1 }},
		{"limit without price", func(o *Order) { o.Type = TypeLimit; o.Price = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := valid
			tt.mutate(&o)
			assert.Error(t, o.Validate())
		})
	}
}

func TestOrderApplyFill(t *testing.T) {
	now := time.Now()
	o := Order{OrderID: "o1", Symbol: "AAPL", Side: SideBuy, Type: TypeMarket, Quantity: 10, Status: OrderNew}

	require.NoError(t, o.ApplyFill(4, 100, now))
	assert.Equal(t, OrderPartiallyFilled, o.Status)
	assert.InDelta(t, 4.0, o.FilledQuantity, 1e-9)
	assert.InDelta(t, 100.0, o.AvgPrice, 1e-9)

	require.NoError(t, o.ApplyFill(6, 110, now))
	assert.Equal(t, OrderFilled, o.Status)
	assert.InDelta(t, 10.0, o.FilledQuantity, 1e-9)
	// VWAP of 4@100 and 6@110
	assert.InDelta(t, 106.0, o.AvgPrice, 1e-9)

	// Terminal status is absorbing
	assert.Error(t, o.ApplyFill(1, 120, now))
	assert.Equal(t, OrderFilled, o.Status)
}

func TestOrderApplyFillOverfill(t *testing.T) {
	o := Order{OrderID: "o1", Quantity: 10, Status: OrderNew}
	err := o.ApplyFill(11, 100, time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds remaining")
	assert.InDelta(t, 0.0, o.FilledQuantity, 1e-9)
}

func TestOrderCancelIdempotent(t *testing.T) {
	now := time.Now()
	o := Order{OrderID: "o1", Quantity: 10, Status: OrderNew}

	o.Cancel(now)
	assert.Equal(t, OrderCanceled, o.Status)

	// Repeated cancel keeps the terminal state
	o.Cancel(now.Add(time.Second))
	assert.Equal(t, OrderCanceled, o.Status)

	filled := Order{OrderID: "o2", Quantity: 5, FilledQuantity: 5, Status: OrderFilled}
	filled.Cancel(now)
	assert.Equal(t, OrderFilled, filled.Status, "cancel of a filled order is a no-op")
}

func TestOrderCrossed(t *testing.T) {
	tests := []struct {
		name      string
		side      OrderSide
		typ       OrderType
		price     float64
		lastPrice float64
		want      bool
	}{
		{"market always crosses", SideBuy, TypeMarket, 0, 500, true},
		{"buy limit below market", SideBuy, TypeLimit, 100, 105, false},
		{"buy limit at market", SideBuy, TypeLimit, 100, 100, true},
		{"buy limit above market", SideBuy, TypeLimit, 100, 95, true},
		{"sell limit above market", SideSell, TypeLimit, 100, 95, false},
		{"sell limit at market", SideSell, TypeLimit, 100, 100, true},
		{"sell limit below market", SideSell, TypeLimit, 100, 105, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := Order{Side: tt.side, Type: tt.typ, Price: tt.price}
			assert.Equal(t, tt.want, o.Crossed(tt.lastPrice))
		})
	}
}

func TestOrderRejectKeepsTerminal(t *testing.T) {
	o := Order{OrderID: "o1", Quantity: 1, Status: OrderCanceled}
	o.Reject("too late", time.Now())
	assert.Equal(t, OrderCanceled, o.Status)
	assert.Empty(t, o.ErrorMessage)
}
