package risk

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopflow/settlement-engine/internal/config"
	"github.com/shopflow/settlement-engine/internal/database"
)

// Signal is the derived fraud signal for one partner. It is a projection over
// order history, recomputable at any time, and never authoritative state.
type Signal struct {
	PartnerID         string    `json:"partner_id"`
	ReturnRate        float64   `json:"return_rate"`
	CancelRate        float64   `json:"cancel_rate"`
	SameDeviceCount   int       `json:"same_device_count"`
	SameAddressCount  int       `json:"same_address_count"`
	SelfPurchaseCount int       `json:"self_purchase_count"`
	IPOverlapCount    int       `json:"ip_overlap_count"`
	Score             int       `json:"score"`
	HoldCommission    bool      `json:"hold_commission"`
	ReviewForBlock    bool      `json:"review_for_block"`
	ComputedAt        time.Time `json:"computed_at"`
}

// CounterSource supplies the per-partner aggregates the score derives from
type CounterSource interface {
	FraudCounters(ctx context.Context, partnerID string) (*database.FraudCounters, error)
}

// Scorer computes fraud signals. It is a pure function over FraudCounters;
// all weights and thresholds come from configuration because they gate money
// release.
type Scorer struct {
	config   config.RiskConfig
	logger   *slog.Logger
	counters CounterSource
}

// NewScorer creates a new risk scorer
func NewScorer(cfg config.RiskConfig, logger *slog.Logger, counters CounterSource) *Scorer {
	return &Scorer{
		config:   cfg,
		logger:   logger,
		counters: counters,
	}
}

// Score computes the partner's current fraud signal from order history
func (s *Scorer) Score(ctx context.Context, partnerID string) (*Signal, error) {
	counters, err := s.counters.FraudCounters(ctx, partnerID)
	if err != nil {
		return nil, err
	}

	signal := s.Evaluate(partnerID, counters)

	if signal.HoldCommission {
		s.logger.Info("Partner over commission hold threshold",
			"partner_id", partnerID,
			"score", signal.Score,
			"return_rate", signal.ReturnRate,
			"cancel_rate", signal.CancelRate)
	}

	return signal, nil
}

// Evaluate derives the signal from counters without touching storage
func (s *Scorer) Evaluate(partnerID string, counters *database.FraudCounters) *Signal {
	signal := &Signal{
		PartnerID:         partnerID,
		SameDeviceCount:   counters.SameDeviceOrders,
		SameAddressCount:  counters.SameAddressOrders,
		SelfPurchaseCount: counters.SelfPurchaseOrders,
		IPOverlapCount:    counters.IPOverlapOrders,
		ComputedAt:        time.Now(),
	}

	if counters.TotalOrders > 0 {
		signal.ReturnRate = float64(counters.ReturnedOrders) / float64(counters.TotalOrders)
		signal.CancelRate = float64(counters.CancelledOrders) / float64(counters.TotalOrders)
	}

	score := 0
	switch {
	case signal.ReturnRate > s.config.ReturnRateHigh:
		score += s.config.ReturnScoreHigh
	case signal.ReturnRate > s.config.ReturnRateMedium:
		score += s.config.ReturnScoreMedium
	}

	switch {
	case signal.CancelRate > s.config.CancelRateHigh:
		score += s.config.CancelScoreHigh
	case signal.CancelRate > s.config.CancelRateMedium:
		score += s.config.CancelScoreMedium
	}

	score += s.config.SameDeviceWeight * counters.SameDeviceOrders
	score += s.config.SameAddressWeight * counters.SameAddressOrders
	score += s.config.SelfPurchaseWeight * counters.SelfPurchaseOrders
	score += s.config.IPOverlapWeight * counters.IPOverlapOrders

	signal.Score = score
	signal.HoldCommission = score > s.config.HoldThreshold
	// Over the block threshold the partner qualifies for a manual admin
	// block; nothing automatic happens here.
	signal.ReviewForBlock = score > s.config.BlockReviewThreshold

	return signal
}
