package database

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
)

// RuleRepository reads commission rules. Rules are administered elsewhere;
// this engine never writes them.
type RuleRepository struct {
	BaseRepository
	logger *slog.Logger
}

// NewRuleRepository creates a new rule repository
func NewRuleRepository(db *sqlx.DB, logger *slog.Logger) *RuleRepository {
	return &RuleRepository{
		BaseRepository: BaseRepository{db: db},
		logger:         logger,
	}
}

// ListActive retrieves all active commission rules
func (r *RuleRepository) ListActive(ctx context.Context) ([]*CommissionRule, error) {
	query := `
		SELECT * FROM commission_rules
		WHERE active = true
		ORDER BY created_at ASC`

	var rules []*CommissionRule
	err := r.db.SelectContext(ctx, &rules, query)
	if err != nil {
		r.logger.Error("Failed to list active rules", "error", err)
		return nil, fmt.Errorf("failed to list active rules: %w", err)
	}

	return rules, nil
}
