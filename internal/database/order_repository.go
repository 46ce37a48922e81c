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

// ordersColumns is the column list for the orders table.
// Order must match scanOrder and scanOrderFromRows.
const ordersColumns = `order_id, user_id, session_id, symbol, side, order_type, quantity, price, status, filled_quantity, avg_price, request_id, error_message, participation_rate, max_duration_hours, created_at, updated_at`

// OrderRepository handles the order trail on trading.db
type OrderRepository struct {
	tradingDB *sql.DB
	log       zerolog.Logger
}

// NewOrderRepository creates a new order repository
func NewOrderRepository(tradingDB *sql.DB, log zerolog.Logger) *OrderRepository {
	return &OrderRepository{
		tradingDB: tradingDB,
		log:       log.With().Str("repo", "order").Logger(),
	}
}

// SaveOrder inserts a new order record
func (r *OrderRepository) SaveOrder(order domain.Order) error {
	if err := order.Validate(); err != nil {
		return fmt.Errorf("failed to save order: %w", err)
	}

	query := `
		INSERT INTO orders
		(order_id, user_id, session_id, symbol, side, order_type, quantity, price,
		 status, filled_quantity, avg_price, request_id, error_message,
		 participation_rate, max_duration_hours, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.tradingDB.Exec(query,
		order.OrderID,
		order.UserID,
		order.SessionID,
		strings.ToUpper(strings.TrimSpace(order.Symbol)),
		string(order.Side),
		string(order.Type),
		order.Quantity,
		order.Price,
		string(order.Status),
		order.FilledQuantity,
		order.AvgPrice,
		order.RequestID,
		order.ErrorMessage,
		order.ParticipationRate,
		order.MaxDurationHours,
		order.CreatedAt.Unix(),
		order.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to save order: %w", err)
	}

	r.log.Info().
		Str("order_id", order.OrderID).
		Str("symbol", order.Symbol).
		Str("side", string(order.Side)).
		Float64("quantity", order.Quantity).
		Msg("Order saved")

	return nil
}

// UpdateOrder rewrites the mutable order fields after a fill, cancel, or
// rejection. Identity fields never change.
func (r *OrderRepository) UpdateOrder(order domain.Order) error {
	query := `
		UPDATE orders
		SET status = ?, filled_quantity = ?, avg_price = ?, error_message = ?, updated_at = ?
		WHERE order_id = ?
	`

	result, err := r.tradingDB.Exec(query,
		string(order.Status),
		order.FilledQuantity,
		order.AvgPrice,
		order.ErrorMessage,
		order.UpdatedAt.Unix(),
		order.OrderID,
	)
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check order update: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("order not found: %s", order.OrderID)
	}

	return nil
}

// GetOrder retrieves an order by ID. Returns nil when not found.
func (r *OrderRepository) GetOrder(orderID string) (*domain.Order, error) {
	query := "SELECT " + ordersColumns + " FROM orders WHERE order_id = ?"

	row := r.tradingDB.QueryRow(query, orderID)
	order, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}

	return &order, nil
}

// GetOrderByRequestID retrieves an order by its idempotency key. Returns nil
// when no order carries the key.
func (r *OrderRepository) GetOrderByRequestID(userID, requestID string) (*domain.Order, error) {
	if requestID == "" {
		return nil, nil
	}

	query := "SELECT " + ordersColumns + " FROM orders WHERE user_id = ? AND request_id = ?"

	row := r.tradingDB.QueryRow(query, userID, requestID)
	order, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order by request_id: %w", err)
	}

	return &order, nil
}

// ListOpenOrders retrieves a user's non-terminal orders, oldest first
func (r *OrderRepository) ListOpenOrders(userID string) ([]domain.Order, error) {
	query := `
		SELECT ` + ordersColumns + ` FROM orders
		WHERE user_id = ? AND status IN ('NEW', 'PARTIALLY_FILLED')
		ORDER BY created_at ASC
	`

	rows, err := r.tradingDB.Query(query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list open orders: %w", err)
	}
	defer rows.Close()

	return collectOrders(rows)
}

// ListOrdersBySession retrieves orders for a session, most recent first
func (r *OrderRepository) ListOrdersBySession(sessionID string, limit int) ([]domain.Order, error) {
	query := `
		SELECT ` + ordersColumns + ` FROM orders
		WHERE session_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`

	rows, err := r.tradingDB.Query(query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders by session: %w", err)
	}
	defer rows.Close()

	return collectOrders(rows)
}

func collectOrders(rows *sql.Rows) ([]domain.Order, error) {
	var orders []domain.Order
	for rows.Next() {
		order, err := scanOrderFromRows(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, order)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating orders: %w", err)
	}

	return orders, nil
}

func scanOrder(row *sql.Row) (domain.Order, error) {
	var order domain.Order
	var side, orderType, status string
	var createdAt, updatedAt int64

	err := row.Scan(
		&order.OrderID,
		&order.UserID,
		&order.SessionID,
		&order.Symbol,
		&side,
		&orderType,
		&order.Quantity,
		&order.Price,
		&status,
		&order.FilledQuantity,
		&order.AvgPrice,
		&order.RequestID,
		&order.ErrorMessage,
		&order.ParticipationRate,
		&order.MaxDurationHours,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return order, err
	}

	order.Side = domain.OrderSide(side)
	order.Type = domain.OrderType(orderType)
	order.Status = domain.OrderStatus(status)
	order.CreatedAt = time.Unix(createdAt, 0).UTC()
	order.UpdatedAt = time.Unix(updatedAt, 0).UTC()

	return order, nil
}

func scanOrderFromRows(rows *sql.Rows) (domain.Order, error) {
	var order domain.Order
	var side, orderType, status string
	var createdAt, updatedAt int64

	err := rows.Scan(
		&order.OrderID,
		&order.UserID,
		&order.SessionID,
		&order.Symbol,
		&side,
		&orderType,
		&order.Quantity,
		&order.Price,
		&status,
		&order.FilledQuantity,
		&order.AvgPrice,
		&order.RequestID,
		&order.ErrorMessage,
		&order.ParticipationRate,
		&order.MaxDurationHours,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return order, err
	}

	order.Side = domain.OrderSide(side)
	order.Type = domain.OrderType(orderType)
	order.Status = domain.OrderStatus(status)
	order.CreatedAt = time.Unix(createdAt, 0).UTC()
	order.UpdatedAt = time.Unix(updatedAt, 0).UTC()

	return order, nil
}
