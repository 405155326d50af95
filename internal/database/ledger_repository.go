package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// LedgerRepository handles the append-only partner wallet ledger. Appends are
// serialized per partner by locking the partner row, which keeps the
// balance_after chain strictly ordered. Rows are never mutated or deleted.
type LedgerRepository struct {
	BaseRepository
	logger *slog.Logger
}

// NewLedgerRepository creates a new ledger repository
func NewLedgerRepository(db *sqlx.DB, logger *slog.Logger) *LedgerRepository {
	return &LedgerRepository{
		BaseRepository: BaseRepository{db: db},
		logger:         logger,
	}
}

// Append writes one ledger row inside tx and updates the partner's
// materialized balance in the same transaction. Before writing it verifies
// the materialized balance against the chain head; a mismatch aborts with
// LedgerIntegrityError and no further writes happen for that partner.
func (r *LedgerRepository) Append(ctx context.Context, tx *sqlx.Tx, partnerID, txType string, amount int64, refID string) (*WalletTransaction, error) {
	// Serialize appends for this partner
	var materialized int64
	err := tx.GetContext(ctx, &materialized,
		`SELECT wallet_balance FROM partners WHERE id = $1 FOR UPDATE`, partnerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("partner %s: %w", partnerID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to lock partner wallet: %w", err)
	}

	var chainHead int64
	err = tx.GetContext(ctx, &chainHead, `
		SELECT balance_after FROM wallet_transactions
		WHERE partner_id = $1
		ORDER BY seq DESC
		LIMIT 1`, partnerID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to read ledger chain head: %w", err)
	}

	if materialized != chainHead {
		r.logger.Error("Ledger integrity violation detected",
			"partner_id", partnerID,
			"materialized_balance", materialized,
			"chain_balance", chainHead)
		return nil, &LedgerIntegrityError{
			PartnerID:       partnerID,
			MaterializedBal: materialized,
			ChainBal:        chainHead,
		}
	}

	entry := &WalletTransaction{
		ID:           uuid.New().String(),
		PartnerID:    partnerID,
		Type:         txType,
		Amount:       amount,
		RefID:        refID,
		BalanceAfter: chainHead + amount,
		CreatedAt:    time.Now(),
	}

	err = tx.GetContext(ctx, &entry.Seq, `
		INSERT INTO wallet_transactions (id, partner_id, type, amount, ref_id, balance_after, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING seq`,
		entry.ID, entry.PartnerID, entry.Type, entry.Amount, entry.RefID, entry.BalanceAfter, entry.CreatedAt)
	if err != nil {
		r.logger.Error("Failed to append ledger entry", "partner_id", partnerID, "error", err)
		return nil, fmt.Errorf("failed to append ledger entry: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE partners SET wallet_balance = $1, updated_at = $2 WHERE id = $3`,
		entry.BalanceAfter, time.Now(), partnerID)
	if err != nil {
		return nil, fmt.Errorf("failed to update materialized balance: %w", err)
	}

	r.logger.Info("Ledger entry appended",
		"partner_id", partnerID,
		"type", txType,
		"amount", amount,
		"balance_after", entry.BalanceAfter)
	return entry, nil
}

// Balance returns the partner's materialized wallet balance
func (r *LedgerRepository) Balance(ctx context.Context, partnerID string) (int64, error) {
	var balance int64
	err := r.db.GetContext(ctx, &balance,
		`SELECT wallet_balance FROM partners WHERE id = $1`, partnerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("partner %s: %w", partnerID, ErrNotFound)
		}
		return 0, fmt.Errorf("failed to read wallet balance: %w", err)
	}

	return balance, nil
}

// ChainBalance recomputes the balance as the running sum of all entries. The
// full sum is the correctness oracle for the materialized balance.
func (r *LedgerRepository) ChainBalance(ctx context.Context, partnerID string) (int64, error) {
	var balance int64
	err := r.db.GetContext(ctx, &balance, `
		SELECT COALESCE(SUM(amount), 0) FROM wallet_transactions
		WHERE partner_id = $1`, partnerID)
	if err != nil {
		return 0, fmt.Errorf("failed to sum ledger amounts: %w", err)
	}

	return balance, nil
}

// List retrieves a page of a partner's ledger, newest first
func (r *LedgerRepository) List(ctx context.Context, partnerID string, filter Filter) ([]*WalletTransaction, int, error) {
	var total int
	err := r.db.GetContext(ctx, &total,
		`SELECT COUNT(*) FROM wallet_transactions WHERE partner_id = $1`, partnerID)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count ledger entries: %w", err)
	}

	query := `
		SELECT * FROM wallet_transactions
		WHERE partner_id = $1
		ORDER BY seq DESC
		LIMIT $2 OFFSET $3`

	var entries []*WalletTransaction
	err = r.db.SelectContext(ctx, &entries, query, partnerID, filter.Limit, filter.Offset)
	if err != nil {
		r.logger.Error("Failed to list ledger entries", "partner_id", partnerID, "error", err)
		return nil, 0, fmt.Errorf("failed to list ledger entries: %w", err)
	}

	return entries, total, nil
}
