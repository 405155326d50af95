package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
)

// OrderRepository handles order data operations
type OrderRepository struct {
	BaseRepository
	logger *slog.Logger
}

// NewOrderRepository creates a new order repository
func NewOrderRepository(db *sqlx.DB, logger *slog.Logger) *OrderRepository {
	return &OrderRepository{
		BaseRepository: BaseRepository{db: db},
		logger:         logger,
	}
}

// GetByID retrieves an order and its line items
func (r *OrderRepository) GetByID(ctx context.Context, id string) (*Order, error) {
	query := `SELECT * FROM orders WHERE id = $1`

	var order Order
	err := r.db.GetContext(ctx, &order, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
		}
		r.logger.Error("Failed to get order by ID", "order_id", id, "error", err)
		return nil, fmt.Errorf("failed to get order by ID: %w", err)
	}

	items, err := r.loadItems(ctx, r.db, id)
	if err != nil {
		return nil, err
	}
	order.Items = items

	return &order, nil
}

// GetForUpdate retrieves an order with a row lock inside tx, serializing
// concurrent transitions for the same order.
func (r *OrderRepository) GetForUpdate(ctx context.Context, tx *sqlx.Tx, id string) (*Order, error) {
	query := `SELECT * FROM orders WHERE id = $1 FOR UPDATE`

	var order Order
	err := tx.GetContext(ctx, &order, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
		}
		r.logger.Error("Failed to lock order", "order_id", id, "error", err)
		return nil, fmt.Errorf("failed to lock order: %w", err)
	}

	items, err := r.loadItems(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	order.Items = items

	return &order, nil
}

// UpdateStatus moves an order to a new status, guarded by the status the
// caller read. A zero row count means the order changed underneath us.
func (r *OrderRepository) UpdateStatus(ctx context.Context, tx *sqlx.Tx, orderID, fromStatus, toStatus string, trackingNumber *string) error {
	query := `
		UPDATE orders SET
			status = $1,
			tracking_number = COALESCE($2, tracking_number),
			updated_at = $3
		WHERE id = $4 AND status = $5`

	result, err := tx.ExecContext(ctx, query, toStatus, trackingNumber, time.Now(), orderID, fromStatus)
	if err != nil {
		r.logger.Error("Failed to update order status", "order_id", orderID, "error", err)
		return fmt.Errorf("failed to update order status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("order %s no longer in status %s: %w", orderID, fromStatus, ErrNoRowsUpdated)
	}

	return nil
}

// InsertStatusEvent appends an immutable status transition record
func (r *OrderRepository) InsertStatusEvent(ctx context.Context, tx *sqlx.Tx, event *OrderStatusEvent) error {
	query := `
		INSERT INTO order_status_events (id, order_id, from_status, to_status, note, created_at)
		VALUES (:id, :order_id, :from_status, :to_status, :note, :created_at)`

	event.CreatedAt = time.Now()

	_, err := sqlx.NamedExecContext(ctx, tx, query, event)
	if err != nil {
		r.logger.Error("Failed to insert status event", "order_id", event.OrderID, "error", err)
		return fmt.Errorf("failed to insert status event: %w", err)
	}

	return nil
}

// ListStatusEvents retrieves the transition history of an order
func (r *OrderRepository) ListStatusEvents(ctx context.Context, orderID string) ([]*OrderStatusEvent, error) {
	query := `
		SELECT * FROM order_status_events
		WHERE order_id = $1
		ORDER BY created_at ASC`

	var events []*OrderStatusEvent
	err := r.db.SelectContext(ctx, &events, query, orderID)
	if err != nil {
		r.logger.Error("Failed to list status events", "order_id", orderID, "error", err)
		return nil, fmt.Errorf("failed to list status events: %w", err)
	}

	return events, nil
}

func (r *OrderRepository) loadItems(ctx context.Context, q sqlx.QueryerContext, orderID string) ([]*OrderItem, error) {
	query := `SELECT * FROM order_items WHERE order_id = $1 ORDER BY id`

	var items []*OrderItem
	err := sqlx.SelectContext(ctx, q, &items, query, orderID)
	if err != nil {
		r.logger.Error("Failed to load order items", "order_id", orderID, "error", err)
		return nil, fmt.Errorf("failed to load order items: %w", err)
	}

	return items, nil
}
