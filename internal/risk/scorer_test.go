package risk

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shopflow/settlement-engine/internal/config"
	"github.com/shopflow/settlement-engine/internal/database"
)

func testRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		ReturnRateHigh:       0.25,
		ReturnRateMedium:     0.15,
		ReturnScoreHigh:      30,
		ReturnScoreMedium:    15,
		CancelRateHigh:       0.20,
		CancelRateMedium:     0.10,
		CancelScoreHigh:      20,
		CancelScoreMedium:    10,
		SameDeviceWeight:     5,
		SameAddressWeight:    3,
		SelfPurchaseWeight:   10,
		IPOverlapWeight:      5,
		HoldThreshold:        40,
		BlockReviewThreshold: 60,
	}
}

type fakeCounterSource struct {
	counters *database.FraudCounters
	err      error
}

func (f *fakeCounterSource) FraudCounters(ctx context.Context, partnerID string) (*database.FraudCounters, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.counters, nil
}

func newTestScorer(counters *database.FraudCounters) *Scorer {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewScorer(testRiskConfig(), logger, &fakeCounterSource{counters: counters})
}

func TestScorer_Evaluate(t *testing.T) {
	t.Run("Clean History Scores Zero", func(t *testing.T) {
		scorer := newTestScorer(nil)
		signal := scorer.Evaluate("partner-1", &database.FraudCounters{TotalOrders: 100})

		assert.Zero(t, signal.Score)
		assert.False(t, signal.HoldCommission)
		assert.False(t, signal.ReviewForBlock)
		assert.Zero(t, signal.ReturnRate)
		assert.Zero(t, signal.CancelRate)
	})

	t.Run("No Orders Divides Nothing", func(t *testing.T) {
		scorer := newTestScorer(nil)
		signal := scorer.Evaluate("partner-1", &database.FraudCounters{})

		assert.Zero(t, signal.ReturnRate)
		assert.Zero(t, signal.CancelRate)
		assert.Zero(t, signal.Score)
	})

	t.Run("Return Rate Tiers", func(t *testing.T) {
		scorer := newTestScorer(nil)

		// 30/100 > 0.25 -> high
		signal := scorer.Evaluate("partner-1", &database.FraudCounters{TotalOrders: 100, ReturnedOrders: 30})
		assert.Equal(t, 30, signal.Score)

		// 20/100 > 0.15 -> medium
		signal = scorer.Evaluate("partner-1", &database.FraudCounters{TotalOrders: 100, ReturnedOrders: 20})
		assert.Equal(t, 15, signal.Score)

		// 10/100 under both thresholds
		signal = scorer.Evaluate("partner-1", &database.FraudCounters{TotalOrders: 100, ReturnedOrders: 10})
		assert.Zero(t, signal.Score)
	})

	t.Run("Cancel Rate Tiers", func(t *testing.T) {
		scorer := newTestScorer(nil)

		signal := scorer.Evaluate("partner-1", &database.FraudCounters{TotalOrders: 100, CancelledOrders: 25})
		assert.Equal(t, 20, signal.Score)

		signal = scorer.Evaluate("partner-1", &database.FraudCounters{TotalOrders: 100, CancelledOrders: 15})
		assert.Equal(t, 10, signal.Score)
	})

	t.Run("Counter Weights Are Additive", func(t *testing.T) {
		scorer := newTestScorer(nil)
		signal := scorer.Evaluate("partner-1", &database.FraudCounters{
			TotalOrders:        100,
			SameDeviceOrders:   2, // 2 * 5
			SameAddressOrders:  3, // 3 * 3
			SelfPurchaseOrders: 1, // 1 * 10
			IPOverlapOrders:    2, // 2 * 5
		})

		assert.Equal(t, 39, signal.Score)
		assert.False(t, signal.HoldCommission, "score 39 is not over the hold threshold")
	})

	t.Run("Hold Threshold Is Strictly Greater Than", func(t *testing.T) {
		scorer := newTestScorer(nil)

		// 8 same-device orders at weight 5 = exactly 40
		signal := scorer.Evaluate("partner-1", &database.FraudCounters{TotalOrders: 100, SameDeviceOrders: 8})
		assert.Equal(t, 40, signal.Score)
		assert.False(t, signal.HoldCommission)

		signal = scorer.Evaluate("partner-1", &database.FraudCounters{TotalOrders: 100, SameDeviceOrders: 9})
		assert.Equal(t, 45, signal.Score)
		assert.True(t, signal.HoldCommission)
		assert.False(t, signal.ReviewForBlock)
	})

	t.Run("Block Review Threshold", func(t *testing.T) {
		scorer := newTestScorer(nil)

		// High return rate + self purchases: 30 + 4*10 = 70
		signal := scorer.Evaluate("partner-1", &database.FraudCounters{
			TotalOrders:        10,
			ReturnedOrders:     3,
			SelfPurchaseOrders: 4,
		})
		assert.Equal(t, 70, signal.Score)
		assert.True(t, signal.HoldCommission)
		assert.True(t, signal.ReviewForBlock)
	})

	t.Run("Signal Carries Raw Counters", func(t *testing.T) {
		scorer := newTestScorer(nil)
		signal := scorer.Evaluate("partner-9", &database.FraudCounters{
			TotalOrders:        50,
			ReturnedOrders:     5,
			SameDeviceOrders:   1,
			SameAddressOrders:  2,
			SelfPurchaseOrders: 3,
			IPOverlapOrders:    4,
		})

		assert.Equal(t, "partner-9", signal.PartnerID)
		assert.InDelta(t, 0.1, signal.ReturnRate, 0.0001)
		assert.Equal(t, 1, signal.SameDeviceCount)
		assert.Equal(t, 2, signal.SameAddressCount)
		assert.Equal(t, 3, signal.SelfPurchaseCount)
		assert.Equal(t, 4, signal.IPOverlapCount)
		assert.False(t, signal.ComputedAt.IsZero())
	})
}

func TestScorer_Score(t *testing.T) {
	t.Run("Derives Signal From Counter Source", func(t *testing.T) {
		scorer := newTestScorer(&database.FraudCounters{TotalOrders: 10, ReturnedOrders: 3})

		signal, err := scorer.Score(context.Background(), "partner-1")
		require.NoError(t, err)
		assert.Equal(t, 30, signal.Score)
	})

	t.Run("Propagates Counter Source Errors", func(t *testing.T) {
		logger := slog.New(slog.NewTextHandler(io.Discard, nil))
		source := &fakeCounterSource{err: errors.New("connection refused")}
		scorer := NewScorer(testRiskConfig(), logger, source)

		signal, err := scorer.Score(context.Background(), "partner-1")
		assert.Error(t, err)
		assert.Nil(t, signal)
	})
}
