package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// CommissionRepository handles commission data operations. Status is treated
// as a compare-and-swap target everywhere: every status write is conditional
// on the status the caller observed.
type CommissionRepository struct {
	BaseRepository
	logger *slog.Logger
}

// NewCommissionRepository creates a new commission repository
func NewCommissionRepository(db *sqlx.DB, logger *slog.Logger) *CommissionRepository {
	return &CommissionRepository{
		BaseRepository: BaseRepository{db: db},
		logger:         logger,
	}
}

// Create inserts a new commission
func (r *CommissionRepository) Create(ctx context.Context, tx *sqlx.Tx, commission *Commission) error {
	query := `
		INSERT INTO commissions (
			id, order_id, partner_id, rule_id, amount, status, hold_until,
			manual_review, created_at, updated_at
		) VALUES (
			:id, :order_id, :partner_id, :rule_id, :amount, :status, :hold_until,
			:manual_review, :created_at, :updated_at
		)`

	commission.CreatedAt = time.Now()
	commission.UpdatedAt = commission.CreatedAt

	_, err := sqlx.NamedExecContext(ctx, tx, query, commission)
	if err != nil {
		r.logger.Error("Failed to create commission",
			"commission_id", commission.ID,
			"order_id", commission.OrderID,
			"error", err)
		return fmt.Errorf("failed to create commission: %w", err)
	}

	r.logger.Info("Commission created",
		"commission_id", commission.ID,
		"order_id", commission.OrderID,
		"partner_id", commission.PartnerID,
		"amount", commission.Amount)
	return nil
}

// GetByID retrieves a commission by ID
func (r *CommissionRepository) GetByID(ctx context.Context, id string) (*Commission, error) {
	query := `SELECT * FROM commissions WHERE id = $1`

	var commission Commission
	err := r.db.GetContext(ctx, &commission, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("commission %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get commission by ID: %w", err)
	}

	return &commission, nil
}

// GetByOrderID retrieves the commission for an order, if one exists. Used as
// the idempotent guard for commission creation on retried transitions.
func (r *CommissionRepository) GetByOrderID(ctx context.Context, tx *sqlx.Tx, orderID string) (*Commission, error) {
	query := `SELECT * FROM commissions WHERE order_id = $1`

	var commission Commission
	err := tx.GetContext(ctx, &commission, query, orderID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("commission for order %s: %w", orderID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get commission by order ID: %w", err)
	}

	return &commission, nil
}

// ListReversible retrieves an order's commissions still in a reversible
// status (PENDING or AVAILABLE), locked for the reversal sequence. A PAID
// commission is owned by the payout collaborator and is never touched here.
func (r *CommissionRepository) ListReversible(ctx context.Context, tx *sqlx.Tx, orderID string) ([]*Commission, error) {
	query := `
		SELECT * FROM commissions
		WHERE order_id = $1 AND status = ANY($2)
		ORDER BY created_at ASC
		FOR UPDATE`

	statuses := pq.Array([]string{CommissionStatusPending, CommissionStatusAvailable})

	var commissions []*Commission
	err := tx.SelectContext(ctx, &commissions, query, orderID, statuses)
	if err != nil {
		r.logger.Error("Failed to list reversible commissions", "order_id", orderID, "error", err)
		return nil, fmt.Errorf("failed to list reversible commissions: %w", err)
	}

	return commissions, nil
}

// ListDue retrieves PENDING commissions whose hold window has elapsed
func (r *CommissionRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*Commission, error) {
	query := `
		SELECT * FROM commissions
		WHERE status = $1 AND hold_until <= $2
		ORDER BY hold_until ASC
		LIMIT $3`

	var commissions []*Commission
	err := r.db.SelectContext(ctx, &commissions, query, CommissionStatusPending, now, limit)
	if err != nil {
		r.logger.Error("Failed to list due commissions", "error", err)
		return nil, fmt.Errorf("failed to list due commissions: %w", err)
	}

	return commissions, nil
}

// UpdateStatusIf moves a commission from one status to another. Returns false
// without error when the commission is no longer in fromStatus, which makes
// release and reversal idempotent under concurrent invocation.
func (r *CommissionRepository) UpdateStatusIf(ctx context.Context, tx *sqlx.Tx, id, fromStatus, toStatus string, reason *string) (bool, error) {
	query := `
		UPDATE commissions SET
			status = $1,
			hold_until = NULL,
			reversal_reason = COALESCE($2, reversal_reason),
			updated_at = $3
		WHERE id = $4 AND status = $5`

	result, err := tx.ExecContext(ctx, query, toStatus, reason, time.Now(), id, fromStatus)
	if err != nil {
		r.logger.Error("Failed to update commission status",
			"commission_id", id,
			"from", fromStatus,
			"to", toStatus,
			"error", err)
		return false, fmt.Errorf("failed to update commission status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected == 1, nil
}

// FlagManualReview marks a risk-held commission for manual review without
// touching its status or extending its hold window.
func (r *CommissionRepository) FlagManualReview(ctx context.Context, id string) error {
	query := `
		UPDATE commissions SET
			manual_review = true,
			updated_at = $1
		WHERE id = $2 AND status = $3`

	_, err := r.db.ExecContext(ctx, query, time.Now(), id, CommissionStatusPending)
	if err != nil {
		r.logger.Error("Failed to flag commission for manual review", "commission_id", id, "error", err)
		return fmt.Errorf("failed to flag commission for manual review: %w", err)
	}

	return nil
}

// StatusCounts returns the number of commissions per status, for metrics
func (r *CommissionRepository) StatusCounts(ctx context.Context) (map[string]int, error) {
	query := `SELECT status, COUNT(*) AS count FROM commissions GROUP BY status`

	rows := []struct {
		Status string `db:"status"`
		Count  int    `db:"count"`
	}{}
	if err := r.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to count commissions by status: %w", err)
	}

	counts := make(map[string]int, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

// PendingAmount sums a partner's commissions still under hold
func (r *CommissionRepository) PendingAmount(ctx context.Context, partnerID string) (int64, error) {
	query := `
		SELECT COALESCE(SUM(amount), 0) FROM commissions
		WHERE partner_id = $1 AND status = $2`

	var total int64
	err := r.db.GetContext(ctx, &total, query, partnerID, CommissionStatusPending)
	if err != nil {
		return 0, fmt.Errorf("failed to sum pending commissions: %w", err)
	}

	return total, nil
}
