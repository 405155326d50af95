package settlement

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/shopflow/settlement-engine/internal/config"
	"github.com/shopflow/settlement-engine/internal/database"
	"github.com/shopflow/settlement-engine/internal/risk"
)

// Audit event types emitted by the sweep
const (
	EventCommissionReleased  = "COMMISSION_RELEASED"
	EventCommissionHeld      = "COMMISSION_HELD"
	EventPartnerTierUpgraded = "PARTNER_TIER_UPGRADED"
)

// TxRunner runs a function inside one database transaction
type TxRunner interface {
	Transaction(fn func(*sqlx.Tx) error) error
}

// CommissionSource is the commission persistence the sweeper needs
type CommissionSource interface {
	ListDue(ctx context.Context, now time.Time, limit int) ([]*database.Commission, error)
	UpdateStatusIf(ctx context.Context, tx *sqlx.Tx, id, fromStatus, toStatus string, reason *string) (bool, error)
	FlagManualReview(ctx context.Context, id string) error
}

// LedgerStore appends wallet ledger entries
type LedgerStore interface {
	Append(ctx context.Context, tx *sqlx.Tx, partnerID, txType string, amount int64, refID string) (*database.WalletTransaction, error)
}

// PartnerSource is the partner persistence the sweeper needs
type PartnerSource interface {
	GetByID(ctx context.Context, id string) (*database.Partner, error)
	UpdateLevel(ctx context.Context, partnerID, fromLevel, toLevel string) (bool, error)
	LifetimeStats(ctx context.Context, partnerID string) (*database.PartnerStats, error)
}

// SignalSource computes fraud signals for risk gating
type SignalSource interface {
	Score(ctx context.Context, partnerID string) (*risk.Signal, error)
}

// EventEmitter is the fire-and-forget audit collaborator
type EventEmitter interface {
	Emit(ctx context.Context, eventType string, payload map[string]interface{})
}

// Summary reports what one sweep did. On failure it still carries the
// partial progress made before the failure.
type Summary struct {
	ProcessedTotal int       `json:"processed_total"`
	Released       int       `json:"released"`
	HeldForReview  int       `json:"held_for_review"`
	TierUpgrades   int       `json:"tier_upgrades"`
	Failed         int       `json:"failed"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
}

// Sweeper converts eligible PENDING commissions into AVAILABLE wallet funds.
// Safe to invoke repeatedly: the release write is a compare-and-swap on
// status, so concurrent sweeps cannot double-release a commission.
type Sweeper struct {
	config      *config.Config
	logger      *slog.Logger
	txRunner    TxRunner
	commissions CommissionSource
	ledger      LedgerStore
	partners    PartnerSource
	signals     SignalSource
	events      EventEmitter
}

// NewSweeper creates a new settlement sweeper
func NewSweeper(
	cfg *config.Config,
	logger *slog.Logger,
	txRunner TxRunner,
	commissions CommissionSource,
	ledger LedgerStore,
	partners PartnerSource,
	signals SignalSource,
	events EventEmitter,
) *Sweeper {
	return &Sweeper{
		config:      cfg,
		logger:      logger,
		txRunner:    txRunner,
		commissions: commissions,
		ledger:      ledger,
		partners:    partners,
		signals:     signals,
		events:      events,
	}
}

// Run executes one settlement sweep
func (s *Sweeper) Run(ctx context.Context) (*Summary, error) {
	summary := &Summary{StartedAt: time.Now()}
	defer func() { summary.FinishedAt = time.Now() }()

	due, err := s.commissions.ListDue(ctx, time.Now(), s.config.Settlement.SweepBatchSize)
	if err != nil {
		return summary, err
	}

	s.logger.Info("Settlement sweep started", "due_commissions", len(due))

	affectedPartners := make(map[string]bool)
	for _, commission := range due {
		select {
		case <-ctx.Done():
			return summary, ctx.Err()
		default:
		}

		summary.ProcessedTotal++

		signal, err := s.signals.Score(ctx, commission.PartnerID)
		if err != nil {
			s.logger.Error("Failed to score partner, skipping commission",
				"commission_id", commission.ID,
				"partner_id", commission.PartnerID,
				"error", err)
			summary.Failed++
			continue
		}

		if signal.HoldCommission {
			// Leave PENDING without re-extending the hold window; flag for a
			// human and move on. Repeated sweeps keep holding until the
			// signal changes.
			if err := s.commissions.FlagManualReview(ctx, commission.ID); err != nil {
				s.logger.Error("Failed to flag commission for review",
					"commission_id", commission.ID, "error", err)
				summary.Failed++
				continue
			}
			summary.HeldForReview++
			s.events.Emit(ctx, EventCommissionHeld, map[string]interface{}{
				"commission_id": commission.ID,
				"partner_id":    commission.PartnerID,
				"amount":        commission.Amount,
				"risk_score":    signal.Score,
			})
			continue
		}

		released, err := s.release(ctx, commission)
		if err != nil {
			var integrity *database.LedgerIntegrityError
			if errors.As(err, &integrity) {
				// A broken balance chain halts all further writes for that
				// partner and fails the sweep loudly, carrying the partial
				// progress made so far.
				s.logger.Error("Ledger integrity failure, aborting sweep",
					"commission_id", commission.ID,
					"partner_id", commission.PartnerID,
					"error", err)
				summary.Failed++
				return summary, err
			}
			s.logger.Error("Failed to release commission",
				"commission_id", commission.ID, "error", err)
			summary.Failed++
			continue
		}
		if !released {
			// Another sweep or a reversal got there first; nothing to do.
			continue
		}

		summary.Released++
		affectedPartners[commission.PartnerID] = true
		s.events.Emit(ctx, EventCommissionReleased, map[string]interface{}{
			"commission_id": commission.ID,
			"partner_id":    commission.PartnerID,
			"amount":        commission.Amount,
		})
	}

	upgrades := s.evaluateTiers(ctx, affectedPartners)
	summary.TierUpgrades = upgrades

	s.logger.Info("Settlement sweep finished",
		"processed", summary.ProcessedTotal,
		"released", summary.Released,
		"held_for_review", summary.HeldForReview,
		"tier_upgrades", summary.TierUpgrades,
		"failed", summary.Failed)
	return summary, nil
}

// release flips one commission PENDING -> AVAILABLE and appends the EARN
// ledger entry in the same transaction. Returns false when the commission
// was no longer PENDING at write time.
func (s *Sweeper) release(ctx context.Context, commission *database.Commission) (bool, error) {
	var released bool
	err := s.txRunner.Transaction(func(tx *sqlx.Tx) error {
		swapped, err := s.commissions.UpdateStatusIf(ctx, tx, commission.ID,
			database.CommissionStatusPending, database.CommissionStatusAvailable, nil)
		if err != nil {
			return err
		}
		if !swapped {
			return nil
		}

		if _, err := s.ledger.Append(ctx, tx, commission.PartnerID, database.WalletTxEarn, commission.Amount, commission.ID); err != nil {
			return err
		}

		released = true
		return nil
	})

	return released, err
}

// evaluateTiers re-checks each affected partner's lifetime metrics against
// the tier thresholds and upgrades AFFILIATE -> AGENT -> LEADER. Downgrades
// are intentionally not performed.
func (s *Sweeper) evaluateTiers(ctx context.Context, partnerIDs map[string]bool) int {
	upgrades := 0
	for partnerID := range partnerIDs {
		partner, err := s.partners.GetByID(ctx, partnerID)
		if err != nil {
			s.logger.Error("Failed to load partner for tier evaluation", "partner_id", partnerID, "error", err)
			continue
		}

		stats, err := s.partners.LifetimeStats(ctx, partnerID)
		if err != nil {
			s.logger.Error("Failed to load partner stats", "partner_id", partnerID, "error", err)
			continue
		}

		target := s.targetLevel(stats)
		// Capture the pre-upgrade level; the partner value may be shared with
		// the store and mutated by UpdateLevel.
		fromLevel := partner.Level
		if levelRank(target) <= levelRank(fromLevel) {
			continue
		}

		upgraded, err := s.partners.UpdateLevel(ctx, partnerID, fromLevel, target)
		if err != nil {
			s.logger.Error("Failed to upgrade partner tier", "partner_id", partnerID, "error", err)
			continue
		}
		if !upgraded {
			continue
		}

		upgrades++
		s.logger.Info("Partner tier upgraded",
			"partner_id", partnerID,
			"from_level", fromLevel,
			"to_level", target,
			"lifetime_orders", stats.Orders,
			"lifetime_revenue", stats.Revenue)
		s.events.Emit(ctx, EventPartnerTierUpgraded, map[string]interface{}{
			"partner_id": partnerID,
			"from_level": fromLevel,
			"to_level":   target,
		})
	}

	return upgrades
}

func (s *Sweeper) targetLevel(stats *database.PartnerStats) string {
	tiers := s.config.Tiers
	if stats.Orders >= tiers.LeaderMinOrders && stats.Revenue >= tiers.LeaderMinRevenue {
		return database.PartnerLevelLeader
	}
	if stats.Orders >= tiers.AgentMinOrders && stats.Revenue >= tiers.AgentMinRevenue {
		return database.PartnerLevelAgent
	}
	return database.PartnerLevelAffiliate
}

func levelRank(level string) int {
	switch level {
	case database.PartnerLevelLeader:
		return 2
	case database.PartnerLevelAgent:
		return 1
	default:
		return 0
	}
}
