// Package domain holds plan identifiers and the static per-plan quota policy.
package domain

import (
	"errors"
	"strings"
)

type PlanID string

const (
	PlanFree  PlanID = "FREE"
	PlanBasic PlanID = "BASIC"
	PlanPro   PlanID = "PRO"
)

// ParsePlanID normalizes a stored or configured plan identifier.
func ParsePlanID(raw string) PlanID {
	return PlanID(strings.ToUpper(strings.TrimSpace(raw)))
}

func (p PlanID) String() string { return string(p) }

// Policy is the quota policy attached to a plan. Zero limits mean unlimited
// for MaxHistories only; MaxMonthlyUnits is ignored when Unlimited is set.
type Policy struct {
	Plan             PlanID `mapstructure:"-" json:"plan"`
	MaxMonthlyUnits  int64  `mapstructure:"maxMonthlyUnits" json:"max_monthly_units"`
	MaxHistories     int64  `mapstructure:"maxHistories" json:"max_histories"`
	Unlimited        bool   `mapstructure:"unlimited" json:"unlimited"`
	AllowCustomModes bool   `mapstructure:"allowCustomModes" json:"allow_custom_modes"`
}

// Config is the full plan table handed to the gate at construction.
type Config struct {
	DefaultPlan PlanID            `mapstructure:"defaultPlan"`
	Plans       map[string]Policy `mapstructure:"plans"`
	// PremiumModes lists, per history kind, the modes that need AllowCustomModes.
	PremiumModes map[string][]string `mapstructure:"premiumModes"`
}

// Decision is the outcome of a monthly unit check.
type Decision struct {
	Allowed   bool  `json:"allowed"`
	Unlimited bool  `json:"unlimited"`
	Used      int64 `json:"used"`
	Limit     int64 `json:"limit"`
	// Remaining is -1 for unlimited plans.
	Remaining int64 `json:"remaining"`
	Requested int64 `json:"requested"`
}

var (
	ErrHistoryCountExceeded = errors.New("history_count_exceeded")
	ErrModeNotAllowed       = errors.New("plan_mode_not_allowed")
	ErrInvalidConfig        = errors.New("invalid_plan_config")
)

const DefaultFreeHistoryCap = 30

// DefaultConfig mirrors the plans sold today.
func DefaultConfig() Config {
	return Config{
		DefaultPlan: PlanFree,
		Plans: map[string]Policy{
			string(PlanFree): {
				MaxMonthlyUnits: 100_000,
				MaxHistories:    DefaultFreeHistoryCap,
			},
			string(PlanBasic): {
				MaxMonthlyUnits:  1_000_000,
				AllowCustomModes: true,
			},
			string(PlanPro): {
				Unlimited:        true,
				AllowCustomModes: true,
			},
		},
		PremiumModes: map[string][]string{
			"paraphrase": {"custom"},
			"summary":    {"question", "targeted"},
		},
	}
}

// Validate rejects tables the gate cannot evaluate.
func (c Config) Validate() error {
	if len(c.Plans) == 0 {
		return errors.Join(ErrInvalidConfig, errors.New("plans cannot be empty"))
	}
	if _, ok := c.lookup(c.DefaultPlan); !ok {
		return errors.Join(ErrInvalidConfig, errors.New("defaultPlan must reference a configured plan"))
	}
	for name, policy := range c.Plans {
		if policy.MaxMonthlyUnits < 0 || policy.MaxHistories < 0 {
			return errors.Join(ErrInvalidConfig, errors.New("plan "+name+" has negative limits"))
		}
		if !policy.Unlimited && policy.MaxMonthlyUnits == 0 {
			return errors.Join(ErrInvalidConfig, errors.New("plan "+name+" needs maxMonthlyUnits or unlimited"))
		}
	}
	return nil
}

func (c Config) lookup(id PlanID) (Policy, bool) {
	want := ParsePlanID(string(id))
	for name, policy := range c.Plans {
		if ParsePlanID(name) == want {
			policy.Plan = want
			return policy, true
		}
	}
	return Policy{}, false
}

// Normalized returns a copy keyed by canonical plan ids.
func (c Config) Normalized() Config {
	out := Config{
		DefaultPlan:  ParsePlanID(string(c.DefaultPlan)),
		Plans:        make(map[string]Policy, len(c.Plans)),
		PremiumModes: make(map[string][]string, len(c.PremiumModes)),
	}
	for name, policy := range c.Plans {
		id := ParsePlanID(name)
		policy.Plan = id
		out.Plans[string(id)] = policy
	}
	for kind, modes := range c.PremiumModes {
		normalized := make([]string, 0, len(modes))
		for _, m := range modes {
			normalized = append(normalized, strings.ToLower(strings.TrimSpace(m)))
		}
		out.PremiumModes[strings.ToLower(strings.TrimSpace(kind))] = normalized
	}
	return out
}
