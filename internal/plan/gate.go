// Package plan evaluates plan quota policies. The Gate is a pure value: it
// never reads storage, so callers pass in the counts they observed.
package plan

import (
	"strings"

	plandomain "github.com/phraiz/phraiz/internal/plan/domain"
)

type Gate struct {
	defaultPlan  plandomain.PlanID
	policies     map[plandomain.PlanID]plandomain.Policy
	premiumModes map[string]map[string]struct{}
}

// NewGate builds a gate over an explicit plan table.
func NewGate(cfg plandomain.Config) *Gate {
	cfg = cfg.Normalized()
	g := &Gate{
		defaultPlan:  cfg.DefaultPlan,
		policies:     make(map[plandomain.PlanID]plandomain.Policy, len(cfg.Plans)),
		premiumModes: make(map[string]map[string]struct{}, len(cfg.PremiumModes)),
	}
	for name, policy := range cfg.Plans {
		g.policies[plandomain.PlanID(name)] = policy
	}
	for kind, modes := range cfg.PremiumModes {
		set := make(map[string]struct{}, len(modes))
		for _, m := range modes {
			set[m] = struct{}{}
		}
		g.premiumModes[kind] = set
	}
	return g
}

// Policy resolves a plan id; unknown ids fall back to the default plan.
func (g *Gate) Policy(id plandomain.PlanID) plandomain.Policy {
	if policy, ok := g.policies[plandomain.ParsePlanID(string(id))]; ok {
		return policy
	}
	return g.policies[g.defaultPlan]
}

func (g *Gate) DefaultPlan() plandomain.PlanID { return g.defaultPlan }

// Known reports whether id names a configured plan.
func (g *Gate) Known(id plandomain.PlanID) bool {
	_, ok := g.policies[plandomain.ParsePlanID(string(id))]
	return ok
}

// CheckHistoryCount allows creation while existing < MaxHistories.
func (g *Gate) CheckHistoryCount(id plandomain.PlanID, existing int64) error {
	policy := g.Policy(id)
	if policy.Unlimited || policy.MaxHistories <= 0 {
		return nil
	}
	if existing >= policy.MaxHistories {
		return plandomain.ErrHistoryCountExceeded
	}
	return nil
}

// CheckUnits computes the monthly unit decision for an observed usage value.
func (g *Gate) CheckUnits(policy plandomain.Policy, used, requested int64) plandomain.Decision {
	if policy.Unlimited {
		return plandomain.Decision{
			Allowed:   true,
			Unlimited: true,
			Used:      used,
			Remaining: -1,
			Requested: requested,
		}
	}
	remaining := policy.MaxMonthlyUnits - used
	return plandomain.Decision{
		Allowed:   remaining >= requested,
		Used:      used,
		Limit:     policy.MaxMonthlyUnits,
		Remaining: remaining,
		Requested: requested,
	}
}

// CheckMode rejects premium modes for plans without custom mode access.
func (g *Gate) CheckMode(id plandomain.PlanID, kind, mode string) error {
	modes, ok := g.premiumModes[strings.ToLower(strings.TrimSpace(kind))]
	if !ok {
		return nil
	}
	if _, premium := modes[strings.ToLower(strings.TrimSpace(mode))]; !premium {
		return nil
	}
	if g.Policy(id).AllowCustomModes {
		return nil
	}
	return plandomain.ErrModeNotAllowed
}
