package simulator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradesim/tradesim/internal/domain"
)

func TestSubmitOrderIdempotentOnRequestID(t *testing.T) {
	h := newTestEngine(t, nil)
	e := h.engine

	req := OrderRequest{
		Symbol:    "AAPL",
		Side:      domain.SideBuy,
		Type:      domain.TypeMarket,
		Quantity:  10,
		RequestID: "r1",
	}

	first := e.submitOrderLocked(req)
	require.True(t, first.Success)
	require.NotEmpty(t, first.OrderID)

	replay := e.submitOrderLocked(req)
	assert.True(t, replay.Success)
	assert.Equal(t, first.OrderID, replay.OrderID, "a replayed request must return the original order")

	open, err := h.orders.ListOpenOrders("user-1")
	require.NoError(t, err)
	assert.Len(t, open, 1, "the replay must not create a second order")
}

func TestSubmitOrderRequestIDPayloadConflict(t *testing.T) {
	h := newTestEngine(t, nil)
	e := h.engine

	first := e.submitOrderLocked(OrderRequest{
		Symbol:    "AAPL",
		Side:      domain.SideBuy,
		Type:      domain.TypeMarket,
		Quantity:  10,
		RequestID: "r1",
	})
	require.True(t, first.Success)

	conflict := e.submitOrderLocked(OrderRequest{
		Symbol:    "AAPL",
		Side:      domain.SideBuy,
		Type:      domain.TypeMarket,
		Quantity:  20,
		RequestID: "r1",
	})
	assert.False(t, conflict.Success)
	assert.Empty(t, conflict.OrderID)
	assert.Contains(t, conflict.Err, "already used with a different payload")
}

func TestSubmitOrderNormalisesSymbol(t *testing.T) {
	h := newTestEngine(t, nil)

	result := h.engine.submitOrderLocked(OrderRequest{
		Symbol:   "  aapl ",
		Side:     domain.SideBuy,
		Type:     domain.TypeMarket,
		Quantity: 1,
	})
	require.True(t, result.Success)
	assert.Equal(t, "AAPL", mustGetOrder(t, h, result.OrderID).Symbol)
}

func TestSubmitOrderUntrackedSymbolRejected(t *testing.T) {
	h := newTestEngine(t, nil)

	result := h.engine.submitOrderLocked(OrderRequest{
		Symbol:   "TSLA",
		Side:     domain.SideBuy,
		Type:     domain.TypeMarket,
		Quantity: 1,
	})
	assert.False(t, result.Success)
	assert.Contains(t, result.Err, "not tracked")
}

func TestSubmitOrderValidationFailures(t *testing.T) {
	h := newTestEngine(t, nil)
	e := h.engine

	result := e.submitOrderLocked(OrderRequest{Symbol: "AAPL", Side: domain.SideBuy, Type: domain.TypeMarket, Quantity: -1})
	assert.False(t, result.Success)
	assert.Contains(t, result.Err, "quantity must be positive")

	result = e.submitOrderLocked(OrderRequest{Symbol: "AAPL", Side: domain.SideBuy, Type: domain.TypeLimit, Quantity: 1})
	assert.False(t, result.Success)
	assert.Contains(t, result.Err, "limit orders require a price")
}

func TestOpenSellsReserveInventory(t *testing.T) {
	h := newTestEngine(t, nil)
	e := h.engine

	// Held inventory with no market data yet, so sells rest instead of filling
	e.positions["AAPL"] = &domain.Position{UserID: "user-1", Symbol: "AAPL", Quantity: 100}

	first := e.submitOrderLocked(OrderRequest{Symbol: "AAPL", Side: domain.SideSell, Type: domain.TypeMarket, Quantity: 60})
	require.True(t, first.Success)

	second := e.submitOrderLocked(OrderRequest{Symbol: "AAPL", Side: domain.SideSell, Type: domain.TypeMarket, Quantity: 50})
	assert.False(t, second.Success, "only 40 remain uncommitted")
	assert.Contains(t, second.Err, "insufficient position")
	assert.Equal(t, domain.OrderRejected, mustGetOrder(t, h, second.OrderID).Status)
}

func TestCancelOpenOrderThenRepeat(t *testing.T) {
	h := newTestEngine(t, nil)
	e := h.engine

	submitted := e.submitOrderLocked(OrderRequest{Symbol: "AAPL", Side: domain.SideBuy, Type: domain.TypeMarket, Quantity: 5})
	require.True(t, submitted.Success)

	result := e.cancelOrderLocked(submitted.OrderID)
	assert.True(t, result.Success)
	assert.Equal(t, domain.OrderCanceled, mustGetOrder(t, h, submitted.OrderID).Status)
	assert.Empty(t, e.open)

	// Cancelling a terminal order stays a successful no-op
	result = e.cancelOrderLocked(submitted.OrderID)
	assert.True(t, result.Success)
	assert.Empty(t, result.Err)
}

func TestCancelUnknownOrder(t *testing.T) {
	h := newTestEngine(t, nil)

	result := h.engine.cancelOrderLocked("no-such-order")
	assert.False(t, result.Success)
	assert.Contains(t, result.Err, "order not found")
}

func TestCancelForeignOrderNotFound(t *testing.T) {
	h := newTestEngine(t, nil)

	foreign := domain.Order{
		OrderID:   "ord-foreign",
		UserID:    "user-2",
		SessionID: "sess-2",
		Symbol:    "AAPL",
		Side:      domain.SideBuy,
		Type:      domain.TypeMarket,
		Quantity:  1,
		Status:    domain.OrderNew,
		CreatedAt: testBase,
		UpdatedAt: testBase,
	}
	require.NoError(t, h.orders.SaveOrder(foreign))

	result := h.engine.cancelOrderLocked("ord-foreign")
	assert.False(t, result.Success)
	assert.Contains(t, result.Err, "order not found")
	assert.Equal(t, domain.OrderNew, mustGetOrder(t, h, "ord-foreign").Status)
}

func TestCancelClosesLeftoverRow(t *testing.T) {
	h := newTestEngine(t, nil)

	// A non-terminal row from a previous engine lifetime, absent from the
	// in-memory open set
	leftover := domain.Order{
		OrderID:   "ord-leftover",
		UserID:    "user-1",
		SessionID: "sess-1",
		Symbol:    "AAPL",
		Side:      domain.SideBuy,
		Type:      domain.TypeMarket,
		Quantity:  3,
		Status:    domain.OrderNew,
		CreatedAt: testBase,
		UpdatedAt: testBase,
	}
	require.NoError(t, h.orders.SaveOrder(leftover))

	result := h.engine.cancelOrderLocked("ord-leftover")
	assert.True(t, result.Success)
	assert.Equal(t, domain.OrderCanceled, mustGetOrder(t, h, "ord-leftover").Status)
}
