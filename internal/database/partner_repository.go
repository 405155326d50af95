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

// PartnerRepository handles partner data operations
type PartnerRepository struct {
	BaseRepository
	logger *slog.Logger
}

// NewPartnerRepository creates a new partner repository
func NewPartnerRepository(db *sqlx.DB, logger *slog.Logger) *PartnerRepository {
	return &PartnerRepository{
		BaseRepository: BaseRepository{db: db},
		logger:         logger,
	}
}

// GetByID retrieves a partner by ID
func (r *PartnerRepository) GetByID(ctx context.Context, id string) (*Partner, error) {
	query := `SELECT * FROM partners WHERE id = $1`

	var partner Partner
	err := r.db.GetContext(ctx, &partner, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("partner %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get partner by ID: %w", err)
	}

	return &partner, nil
}

// UpdateLevel upgrades a partner's tier, guarded by the level the caller
// observed so concurrent sweeps cannot double-apply an upgrade.
func (r *PartnerRepository) UpdateLevel(ctx context.Context, partnerID, fromLevel, toLevel string) (bool, error) {
	query := `
		UPDATE partners SET
			level = $1,
			updated_at = $2
		WHERE id = $3 AND level = $4`

	result, err := r.db.ExecContext(ctx, query, toLevel, time.Now(), partnerID, fromLevel)
	if err != nil {
		r.logger.Error("Failed to update partner level", "partner_id", partnerID, "error", err)
		return false, fmt.Errorf("failed to update partner level: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected == 1, nil
}

// LifetimeStats returns a partner's lifetime delivered order count and
// revenue, the inputs to tier-upgrade evaluation.
func (r *PartnerRepository) LifetimeStats(ctx context.Context, partnerID string) (*PartnerStats, error) {
	query := `
		SELECT
			COUNT(*) AS orders,
			COALESCE(SUM(subtotal - discount_total), 0) AS revenue
		FROM orders
		WHERE partner_id = $1 AND status = $2`

	var stats PartnerStats
	err := r.db.GetContext(ctx, &stats, query, partnerID, OrderStatusDelivered)
	if err != nil {
		r.logger.Error("Failed to compute lifetime stats", "partner_id", partnerID, "error", err)
		return nil, fmt.Errorf("failed to compute lifetime stats: %w", err)
	}

	return &stats, nil
}

// FraudCounters derives the per-partner aggregates the risk scorer consumes.
// Overlap counts use window partitions over the partner's own orders: an
// order counts when it shares a fingerprint/address/IP with at least one
// other order from the same partner.
func (r *PartnerRepository) FraudCounters(ctx context.Context, partnerID string) (*FraudCounters, error) {
	query := `
		WITH partner_orders AS (
			SELECT o.*,
				COUNT(*) OVER (PARTITION BY device_fingerprint) AS device_count,
				COUNT(*) OVER (PARTITION BY shipping_address) AS address_count,
				COUNT(*) OVER (PARTITION BY ip_address) AS ip_count
			FROM orders o
			WHERE o.partner_id = $1
		)
		SELECT
			COUNT(*) AS total_orders,
			COUNT(*) FILTER (WHERE status = $2) AS returned_orders,
			COUNT(*) FILTER (WHERE status = $3) AS cancelled_orders,
			COUNT(*) FILTER (WHERE device_fingerprint IS NOT NULL AND device_count > 1) AS same_device_orders,
			COUNT(*) FILTER (WHERE shipping_address IS NOT NULL AND address_count > 1) AS same_address_orders,
			COUNT(*) FILTER (WHERE buyer_id = (SELECT user_id FROM partners WHERE id = $1)) AS self_purchase_orders,
			COUNT(*) FILTER (WHERE ip_address IS NOT NULL AND ip_count > 1) AS ip_overlap_orders
		FROM partner_orders`

	var counters FraudCounters
	err := r.db.GetContext(ctx, &counters, query, partnerID, OrderStatusReturned, OrderStatusCancelled)
	if err != nil {
		r.logger.Error("Failed to compute fraud counters", "partner_id", partnerID, "error", err)
		return nil, fmt.Errorf("failed to compute fraud counters: %w", err)
	}

	return &counters, nil
}
