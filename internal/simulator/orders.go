package simulator

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/tradesim/tradesim/internal/domain"
)

// OrderRequest carries one submission into the engine. The participation
// tags are set only on pipeline-generated orders; direct submissions leave
// them zero.
type OrderRequest struct {
	Symbol    string
	Side      domain.OrderSide
	Type      domain.OrderType
	Quantity  float64
	Price     float64
	RequestID string

	ParticipationRate float64
	MaxDurationHours  float64
}

// OrderResult is the submission outcome. Err carries the user-facing reason
// when Success is false; transport-level problems surface separately.
type OrderResult struct {
	Success bool
	OrderID string
	Err     string
}

// CancelResult is the cancellation outcome.
type CancelResult struct {
	Success bool
	Err     string
}

// SubmitOrder validates, records, and synchronously executes one order
// against the latest market data. Idempotent on (user, request_id): a replay
// returns the original order's state; reusing a request_id with a different
// payload is a conflict.
func (e *Engine) SubmitOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	var result OrderResult
	err := e.do(ctx, func() {
		result = e.submitOrderLocked(req)
	})
	return result, err
}

// submitOrderLocked runs on the coordinator goroutine.
func (e *Engine) submitOrderLocked(req OrderRequest) OrderResult {
	now := e.nowFn()
	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))

	if req.RequestID != "" {
		existing, err := e.orders.GetOrderByRequestID(e.cfg.UserID, req.RequestID)
		if err != nil {
			e.fail(fmt.Errorf("failed to check idempotency key: %w", err))
			return OrderResult{Err: "internal error"}
		}
		if existing != nil {
			if existing.Symbol != symbol || existing.Side != req.Side ||
				existing.Type != req.Type || existing.Quantity != req.Quantity ||
				existing.Price != req.Price {
				return OrderResult{Err: fmt.Sprintf("request_id %s already used with a different payload", req.RequestID)}
			}
			return resultFromOrder(existing)
		}
	}

	order := domain.Order{
		OrderID:           uuid.New().String(),
		UserID:            e.cfg.UserID,
		SessionID:         e.cfg.SessionID,
		Symbol:            symbol,
		Side:              req.Side,
		Type:              req.Type,
		Quantity:          req.Quantity,
		Price:             req.Price,
		Status:            domain.OrderNew,
		RequestID:         req.RequestID,
		ParticipationRate: req.ParticipationRate,
		MaxDurationHours:  req.MaxDurationHours,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	if err := order.Validate(); err != nil {
		return OrderResult{Err: err.Error()}
	}
	if !e.tracked[symbol] {
		return OrderResult{Err: fmt.Sprintf("symbol %s is not tracked by this simulator", symbol)}
	}

	// Sells beyond the uncommitted position are rejected on the trail so the
	// client sees why.
	if order.Side == domain.SideSell {
		if available := e.sellableQuantity(symbol); order.Quantity > available {
			order.Reject(fmt.Sprintf("insufficient position: selling %f, %f available", order.Quantity, available), now)
			if err := e.orders.SaveOrder(order); err != nil {
				e.fail(fmt.Errorf("failed to record rejected order: %w", err))
				return OrderResult{Err: "internal error"}
			}
			e.closed = append(e.closed, order)
			return resultFromOrder(&order)
		}
	}

	if err := e.orders.SaveOrder(order); err != nil {
		e.fail(fmt.Errorf("failed to record order: %w", err))
		return OrderResult{Err: "internal error"}
	}

	e.open[order.OrderID] = &order

	// Synchronous execution against the latest bar. A symbol with no market
	// data yet stays NEW and fills on the first tick.
	if bar, ok := e.lastBars[symbol]; ok {
		e.evaluateOrder(&order, bar, now)
	}

	return resultFromOrder(&order)
}

// sellableQuantity is the held quantity minus what open sells have already
// committed.
func (e *Engine) sellableQuantity(symbol string) float64 {
	held := 0.0
	if pos, ok := e.positions[symbol]; ok {
		held = pos.Quantity
	}
	for _, o := range e.open {
		if o.Symbol == symbol && o.Side == domain.SideSell {
			held -= o.Remaining()
		}
	}
	if held < 0 {
		return 0
	}
	return held
}

func resultFromOrder(order *domain.Order) OrderResult {
	return OrderResult{
		Success: order.Status != domain.OrderRejected,
		OrderID: order.OrderID,
		Err:     order.ErrorMessage,
	}
}

// CancelOrder transitions an order to CANCELED. Cancelling an order that is
// already terminal succeeds without effect, so retries are safe.
func (e *Engine) CancelOrder(ctx context.Context, orderID string) (CancelResult, error) {
	var result CancelResult
	err := e.do(ctx, func() {
		result = e.cancelOrderLocked(orderID)
	})
	return result, err
}

func (e *Engine) cancelOrderLocked(orderID string) CancelResult {
	now := e.nowFn()

	if order, ok := e.open[orderID]; ok {
		order.Cancel(now)
		if err := e.orders.UpdateOrder(*order); err != nil {
			e.fail(fmt.Errorf("failed to persist cancellation: %w", err))
			return CancelResult{Err: "internal error"}
		}
		e.retireOrder(order)
		e.log.Info().Str("order_id", orderID).Msg("Order canceled")
		return CancelResult{Success: true}
	}

	stored, err := e.orders.GetOrder(orderID)
	if err != nil {
		e.fail(fmt.Errorf("failed to load order for cancellation: %w", err))
		return CancelResult{Err: "internal error"}
	}
	if stored == nil || stored.UserID != e.cfg.UserID {
		return CancelResult{Err: fmt.Sprintf("order not found: %s", orderID)}
	}
	if stored.Status.Terminal() {
		return CancelResult{Success: true}
	}

	// Non-terminal on disk but absent from the open set: a leftover from an
	// earlier engine lifetime. Close it out.
	stored.Cancel(now)
	if err := e.orders.UpdateOrder(*stored); err != nil {
		e.fail(fmt.Errorf("failed to persist cancellation: %w", err))
		return CancelResult{Err: "internal error"}
	}
	return CancelResult{Success: true}
}
