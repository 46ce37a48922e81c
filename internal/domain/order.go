package domain

import (
	"fmt"
	"time"
)

// OrderStatus is the lifecycle state of an order
type OrderStatus string

const (
	OrderNew             OrderStatus = "NEW"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCanceled        OrderStatus = "CANCELED"
	OrderRejected        OrderStatus = "REJECTED"
)

// Terminal reports whether the status is absorbing
func (s OrderStatus) Terminal() bool {
	return s == OrderFilled || s == OrderCanceled || s == OrderRejected
}

// Order is a single trade instruction. (UserID, RequestID) is the
// idempotency key for 24 hours after creation.
type Order struct {
	OrderID        string      `json:"order_id"`
	UserID         string      `json:"user_id"`
	SessionID      string      `json:"session_id"`
	Symbol         string      `json:"symbol"`
	Side           OrderSide   `json:"side"`
	Type           OrderType   `json:"type"`
	Quantity       float64     `json:"quantity"`
	Price          float64     `json:"price"`
	Status         OrderStatus `json:"status"`
	FilledQuantity float64     `json:"filled_quantity"`
	AvgPrice       float64     `json:"avg_price"`
	RequestID      string      `json:"request_id,omitempty"`
	ErrorMessage   string      `json:"error_message,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`

	// Conviction tagging, set by the order generator
	ParticipationRate float64 `json:"participation_rate,omitempty"`
	MaxDurationHours  float64 `json:"max_duration_hours,omitempty"`
}

// Validate checks the order fields before acceptance
func (o *Order) Validate() error {
	if o.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if o.Side != SideBuy && o.Side != SideSell {
		return fmt.Errorf("side must be BUY or SELL, got %q", o.Side)
	}
	if o.Type != TypeMarket && o.Type != TypeLimit {
		return fmt.Errorf("type must be MARKET or LIMIT, got %q", o.Type)
	}
	if o.Quantity <= 0 {
		return fmt.Errorf("quantity must be positive, got %f", o.Quantity)
	}
	if o.Price < 0 {
		return fmt.Errorf("price must be non-negative, got %f", o.Price)
	}
	if o.Type == TypeLimit && o.Price == 0 {
		return fmt.Errorf("limit orders require a price")
	}
	return nil
}

// Remaining returns the unfilled quantity
func (o *Order) Remaining() float64 {
	return o.Quantity - o.FilledQuantity
}

// ApplyFill records a (partial) fill, updating the volume-weighted average
// price and transitioning status. Fills beyond the remaining quantity fail.
func (o *Order) ApplyFill(quantity, price float64, at time.Time) error {
	if o.Status.Terminal() {
		return fmt.Errorf("order %s is terminal (%s)", o.OrderID, o.Status)
	}
	if quantity <= 0 {
		return fmt.Errorf("fill quantity must be positive, got %f", quantity)
	}
	if quantity > o.Remaining() {
		return fmt.Errorf("fill %f exceeds remaining %f on order %s", quantity, o.Remaining(), o.OrderID)
	}

	newFilled := o.FilledQuantity + quantity
	o.AvgPrice = (o.AvgPrice*o.FilledQuantity + price*quantity) / newFilled
	o.FilledQuantity = newFilled
	o.UpdatedAt = at

	if o.FilledQuantity == o.Quantity {
		o.Status = OrderFilled
	} else {
		o.Status = OrderPartiallyFilled
	}
	return nil
}

// Cancel transitions the order to CANCELED. Canceling a terminal order is a
// no-op so repeated cancels stay idempotent.
func (o *Order) Cancel(at time.Time) {
	if o.Status.Terminal() {
		return
	}
	o.Status = OrderCanceled
	o.UpdatedAt = at
}

// Reject marks the order REJECTED with a reason. Execution failures are
// recoverable for the engine; only this order is affected.
func (o *Order) Reject(reason string, at time.Time) {
	if o.Status.Terminal() {
		return
	}
	o.Status = OrderRejected
	o.ErrorMessage = reason
	o.UpdatedAt = at
}

// Crossed reports whether a LIMIT order is marketable at the given price.
// MARKET orders are always marketable.
func (o *Order) Crossed(lastPrice float64) bool {
	if o.Type == TypeMarket {
		return true
	}
	if o.Side == SideBuy {
		return lastPrice <= o.Price
	}
	return lastPrice >= o.Price
}
