package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shopflow/settlement-engine/internal/database"
)

func strPtr(s string) *string     { return &s }
func floatPtr(f float64) *float64 { return &f }
func int64Ptr(v int64) *int64     { return &v }

func testOrder(subtotal, discount int64) *database.Order {
	partnerID := "partner-1"
	return &database.Order{
		ID:            "order-1",
		Code:          "SO-1001",
		Status:        database.OrderStatusShipping,
		Subtotal:      subtotal,
		DiscountTotal: discount,
		BuyerID:       "buyer-1",
		PartnerID:     &partnerID,
		Items: []*database.OrderItem{
			{ID: "item-1", OrderID: "order-1", VariantID: "var-1", ProductID: "prod-1", CategoryID: "cat-1", Quantity: 1, UnitPrice: subtotal},
		},
	}
}

func activeRule(id, scope string, scopeID, level *string, percent *float64, fixed *int64, createdAt time.Time) *database.CommissionRule {
	return &database.CommissionRule{
		ID:           id,
		Scope:        scope,
		ScopeID:      scopeID,
		PartnerLevel: level,
		Percent:      percent,
		FixedAmount:  fixed,
		Active:       true,
		CreatedAt:    createdAt,
	}
}

func TestResolver_Precedence(t *testing.T) {
	resolver := NewResolver()
	order := testOrder(2_000_000, 0)
	now := time.Now()

	t.Run("Product Rule Outranks Category And Global", func(t *testing.T) {
		rules := []*database.CommissionRule{
			activeRule("global", database.RuleScopeGlobal, nil, nil, floatPtr(10), nil, now),
			activeRule("category", database.RuleScopeCategory, strPtr("cat-1"), nil, floatPtr(12), nil, now),
			activeRule("product", database.RuleScopeProduct, strPtr("prod-1"), nil, floatPtr(15), nil, now),
		}

		winner, amount, ok := resolver.Resolve(order, database.PartnerLevelAffiliate, rules)
		require.True(t, ok)
		assert.Equal(t, "product", winner.ID)
		assert.Equal(t, int64(300_000), amount)
	})

	t.Run("Category Rule Outranks Global", func(t *testing.T) {
		rules := []*database.CommissionRule{
			activeRule("global", database.RuleScopeGlobal, nil, nil, floatPtr(10), nil, now),
			activeRule("category", database.RuleScopeCategory, strPtr("cat-1"), nil, floatPtr(12), nil, now),
		}

		winner, _, ok := resolver.Resolve(order, database.PartnerLevelAffiliate, rules)
		require.True(t, ok)
		assert.Equal(t, "category", winner.ID)
	})

	t.Run("Non Matching Scope ID Falls Through", func(t *testing.T) {
		rules := []*database.CommissionRule{
			activeRule("other-product", database.RuleScopeProduct, strPtr("prod-other"), nil, floatPtr(20), nil, now),
			activeRule("global", database.RuleScopeGlobal, nil, nil, floatPtr(10), nil, now),
		}

		winner, _, ok := resolver.Resolve(order, database.PartnerLevelAffiliate, rules)
		require.True(t, ok)
		assert.Equal(t, "global", winner.ID)
	})

	t.Run("Level Specific Wins Over Level Agnostic In Same Scope", func(t *testing.T) {
		rules := []*database.CommissionRule{
			activeRule("agnostic", database.RuleScopeGlobal, nil, nil, floatPtr(10), nil, now),
			activeRule("agent-only", database.RuleScopeGlobal, nil, strPtr(database.PartnerLevelAgent), floatPtr(12), nil, now),
		}

		winner, _, ok := resolver.Resolve(order, database.PartnerLevelAgent, rules)
		require.True(t, ok)
		assert.Equal(t, "agent-only", winner.ID)
	})

	t.Run("Wrong Level Rule Never Matches", func(t *testing.T) {
		rules := []*database.CommissionRule{
			activeRule("leader-only", database.RuleScopeGlobal, nil, strPtr(database.PartnerLevelLeader), floatPtr(20), nil, now),
			activeRule("agnostic", database.RuleScopeGlobal, nil, nil, floatPtr(10), nil, now),
		}

		winner, _, ok := resolver.Resolve(order, database.PartnerLevelAffiliate, rules)
		require.True(t, ok)
		assert.Equal(t, "agnostic", winner.ID)
	})

	t.Run("Ties Break On Listing Order", func(t *testing.T) {
		rules := []*database.CommissionRule{
			activeRule("first", database.RuleScopeGlobal, nil, nil, floatPtr(10), nil, now.Add(-time.Hour)),
			activeRule("second", database.RuleScopeGlobal, nil, nil, floatPtr(12), nil, now),
		}

		winner, _, ok := resolver.Resolve(order, database.PartnerLevelAffiliate, rules)
		require.True(t, ok)
		assert.Equal(t, "first", winner.ID)
	})

	t.Run("Inactive Rules Are Skipped", func(t *testing.T) {
		inactive := activeRule("inactive", database.RuleScopeGlobal, nil, nil, floatPtr(50), nil, now)
		inactive.Active = false

		winner, _, ok := resolver.Resolve(order, database.PartnerLevelAffiliate, []*database.CommissionRule{
			inactive,
			activeRule("active", database.RuleScopeGlobal, nil, nil, floatPtr(10), nil, now),
		})
		require.True(t, ok)
		assert.Equal(t, "active", winner.ID)
	})

	t.Run("No Matching Rule Is Not An Error", func(t *testing.T) {
		winner, amount, ok := resolver.Resolve(order, database.PartnerLevelAffiliate, nil)
		assert.False(t, ok)
		assert.Nil(t, winner)
		assert.Zero(t, amount)
	})
}

func TestResolver_Amounts(t *testing.T) {
	resolver := NewResolver()
	now := time.Now()

	t.Run("Percent Of Discounted Subtotal", func(t *testing.T) {
		order := testOrder(2_000_000, 500_000)
		rules := []*database.CommissionRule{
			activeRule("global", database.RuleScopeGlobal, nil, nil, floatPtr(10), nil, now),
		}

		_, amount, ok := resolver.Resolve(order, database.PartnerLevelAffiliate, rules)
		require.True(t, ok)
		assert.Equal(t, int64(150_000), amount)
	})

	t.Run("Half Up Rounding", func(t *testing.T) {
		// 2.5% of 101 = 2.525 -> 3
		order := testOrder(101, 0)
		rules := []*database.CommissionRule{
			activeRule("global", database.RuleScopeGlobal, nil, nil, floatPtr(2.5), nil, now),
		}

		_, amount, ok := resolver.Resolve(order, database.PartnerLevelAffiliate, rules)
		require.True(t, ok)
		assert.Equal(t, int64(3), amount)

		// 2.5% of 99 = 2.475 -> 2
		order = testOrder(99, 0)
		_, amount, ok = resolver.Resolve(order, database.PartnerLevelAffiliate, rules)
		require.True(t, ok)
		assert.Equal(t, int64(2), amount)
	})

	t.Run("Fixed Amount Wins Over Percent", func(t *testing.T) {
		order := testOrder(2_000_000, 0)
		rules := []*database.CommissionRule{
			activeRule("fixed", database.RuleScopeGlobal, nil, nil, floatPtr(10), int64Ptr(75_000), now),
		}

		_, amount, ok := resolver.Resolve(order, database.PartnerLevelAffiliate, rules)
		require.True(t, ok)
		assert.Equal(t, int64(75_000), amount)
	})

	t.Run("Discount Exceeding Subtotal Clamps Base To Zero", func(t *testing.T) {
		order := testOrder(100_000, 150_000)
		rules := []*database.CommissionRule{
			activeRule("global", database.RuleScopeGlobal, nil, nil, floatPtr(10), nil, now),
		}

		_, amount, ok := resolver.Resolve(order, database.PartnerLevelAffiliate, rules)
		require.True(t, ok)
		assert.Equal(t, int64(0), amount)
	})
}
