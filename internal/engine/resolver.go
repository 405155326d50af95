package engine

import (
	"math"

	"github.com/shopflow/settlement-engine/internal/database"
)

// Resolver selects the commission rule applicable to an order and computes
// the commission amount from it.
//
// Precedence is PRODUCT > CATEGORY > GLOBAL: a rule scoped to any line item's
// product or category outranks a global rule. Within one scope a rule whose
// partner_level matches the partner's current level wins over a
// level-agnostic rule; a rule filtered to a different level never matches.
// Remaining ties break on creation order, keeping resolution deterministic.
type Resolver struct{}

// NewResolver creates a new rule resolver
func NewResolver() *Resolver {
	return &Resolver{}
}

// Resolve returns the winning rule and the commission amount for the order.
// The third return is false when no rule matches, which is a valid
// no-commission outcome, not an error.
func (r *Resolver) Resolve(order *database.Order, partnerLevel string, rules []*database.CommissionRule) (*database.CommissionRule, int64, bool) {
	productIDs := make(map[string]bool, len(order.Items))
	categoryIDs := make(map[string]bool, len(order.Items))
	for _, item := range order.Items {
		productIDs[item.ProductID] = true
		categoryIDs[item.CategoryID] = true
	}

	for _, scope := range []string{database.RuleScopeProduct, database.RuleScopeCategory, database.RuleScopeGlobal} {
		var levelMatch, levelAgnostic *database.CommissionRule

		for _, rule := range rules {
			if !rule.Active || rule.Scope != scope {
				continue
			}
			if !scopeMatches(rule, productIDs, categoryIDs) {
				continue
			}
			if rule.PartnerLevel != nil {
				if *rule.PartnerLevel == partnerLevel && levelMatch == nil {
					levelMatch = rule
				}
				continue
			}
			if levelAgnostic == nil {
				levelAgnostic = rule
			}
		}

		winner := levelMatch
		if winner == nil {
			winner = levelAgnostic
		}
		if winner != nil {
			return winner, commissionAmount(winner, order), true
		}
	}

	return nil, 0, false
}

func scopeMatches(rule *database.CommissionRule, productIDs, categoryIDs map[string]bool) bool {
	switch rule.Scope {
	case database.RuleScopeGlobal:
		return true
	case database.RuleScopeProduct:
		return rule.ScopeID != nil && productIDs[*rule.ScopeID]
	case database.RuleScopeCategory:
		return rule.ScopeID != nil && categoryIDs[*rule.ScopeID]
	default:
		return false
	}
}

// commissionAmount computes rule.fixed when set, otherwise
// round(percent * (subtotal - discount) / 100) with half-up rounding.
// Half-up is externally observable money behavior; keep it consistent.
func commissionAmount(rule *database.CommissionRule, order *database.Order) int64 {
	if rule.FixedAmount != nil {
		return *rule.FixedAmount
	}
	if rule.Percent == nil {
		return 0
	}

	base := order.Subtotal - order.DiscountTotal
	if base < 0 {
		base = 0
	}

	return int64(math.Floor(*rule.Percent*float64(base)/100.0 + 0.5))
}
