/*
Package factory provides JSON to Go hold period policy conversion.

PURPOSE:
  Converts a JSON hold period policy into the []commission.HoldPeriodConfig
  rows the engine reads. Risk can tune hold periods per affiliate category
  and trust tier without a deploy: the JSON is loaded at startup
  (-policy flag) or PUT to /api/hold-periods.

JSON SCHEMA:
  {
    "default_hold_period_days": 30,
    "categories": [
      {
        "category": "standard",
        "tiers": [
          {"trust_level": "new",    "min_trust_score": 0,  "min_successful_bookings": 0,  "hold_period_days": 30},
          {"trust_level": "silver", "min_trust_score": 60, "min_successful_bookings": 10, "hold_period_days": 21}
        ]
      }
    ]
  }

KEY FEATURES:
  - Validates trust levels, score range, and day counts
  - Generates stable row IDs ("<category>-<trust_level>")
  - Orders rows by MinTrustScore descending, the order the engine scans
  - Round-trips: ToJSON(FromJSON(p)) describes the same table

USAGE:
  f := NewPolicyFactory()
  configs, defaultDays, err := f.ParsePolicy(DefaultPolicyJSON())
  store.ReplaceHoldPeriodConfigs(ctx, configs)

SEE ALSO:
  - commission/holdperiod.go: Consumes the rows at creation time
  - commission/trust.go: Derives trust levels from the same rows
*/
package factory

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/warp/commission-engine/commission"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// PolicyJSON is the JSON representation of the hold period policy.
type PolicyJSON struct {
	DefaultHoldPeriodDays int            `json:"default_hold_period_days,omitempty"`
	Categories            []CategoryJSON `json:"categories"`
}

// CategoryJSON holds the tiers for one affiliate category.
type CategoryJSON struct {
	Category string     `json:"category"`
	Tiers    []TierJSON `json:"tiers"`
}

// TierJSON is one trust tier.
type TierJSON struct {
	TrustLevel            string  `json:"trust_level"`
	MinTrustScore         float64 `json:"min_trust_score"`
	MinSuccessfulBookings int     `json:"min_successful_bookings"`
	HoldPeriodDays        int     `json:"hold_period_days"`
}

// =============================================================================
// POLICY FACTORY
// =============================================================================

// PolicyFactory converts JSON policies to hold period rows.
type PolicyFactory struct {
	// DefaultDays is used when the JSON leaves default_hold_period_days out.
	DefaultDays int
}

func NewPolicyFactory() *PolicyFactory {
	return &PolicyFactory{DefaultDays: commission.DefaultHoldPeriodDays}
}

// ParsePolicy parses a JSON document into hold period rows and the default
// hold period.
func (f *PolicyFactory) ParsePolicy(jsonStr string) ([]commission.HoldPeriodConfig, int, error) {
	var pj PolicyJSON
	if err := json.Unmarshal([]byte(jsonStr), &pj); err != nil {
		return nil, 0, fmt.Errorf("failed to parse policy JSON: %w", err)
	}
	return f.FromJSON(pj)
}

// FromJSON validates pj and flattens it into rows.
func (f *PolicyFactory) FromJSON(pj PolicyJSON) ([]commission.HoldPeriodConfig, int, error) {
	defaultDays := pj.DefaultHoldPeriodDays
	if defaultDays == 0 {
		defaultDays = f.DefaultDays
	}
	if defaultDays < 0 {
		return nil, 0, fmt.Errorf("%w: default_hold_period_days must not be negative", commission.ErrInvalidInput)
	}

	var configs []commission.HoldPeriodConfig
	seen := map[string]bool{}
	for _, cj := range pj.Categories {
		if cj.Category == "" {
			return nil, 0, fmt.Errorf("%w: category name is required", commission.ErrInvalidInput)
		}
		if len(cj.Tiers) == 0 {
			return nil, 0, fmt.Errorf("%w: category %q has no tiers", commission.ErrInvalidInput, cj.Category)
		}
		for _, tj := range cj.Tiers {
			cfg, err := parseTier(cj.Category, tj)
			if err != nil {
				return nil, 0, err
			}
			if seen[cfg.ID] {
				return nil, 0, fmt.Errorf("%w: duplicate tier %s", commission.ErrInvalidInput, cfg.ID)
			}
			seen[cfg.ID] = true
			configs = append(configs, cfg)
		}
	}

	sort.SliceStable(configs, func(i, j int) bool {
		if configs[i].Category != configs[j].Category {
			return configs[i].Category < configs[j].Category
		}
		return configs[i].MinTrustScore > configs[j].MinTrustScore
	})
	return configs, defaultDays, nil
}

// ToJSON groups rows back into the JSON shape. Categories keep first-seen order.
func (f *PolicyFactory) ToJSON(configs []commission.HoldPeriodConfig, defaultDays int) PolicyJSON {
	pj := PolicyJSON{DefaultHoldPeriodDays: defaultDays}
	index := map[commission.Category]int{}
	for _, c := range configs {
		i, ok := index[c.Category]
		if !ok {
			i = len(pj.Categories)
			index[c.Category] = i
			pj.Categories = append(pj.Categories, CategoryJSON{Category: string(c.Category)})
		}
		pj.Categories[i].Tiers = append(pj.Categories[i].Tiers, TierJSON{
			TrustLevel:            string(c.TrustLevel),
			MinTrustScore:         c.MinTrustScore,
			MinSuccessfulBookings: c.MinSuccessfulBookings,
			HoldPeriodDays:        c.HoldPeriodDays,
		})
	}
	return pj
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

func parseTier(category string, tj TierJSON) (commission.HoldPeriodConfig, error) {
	level, err := parseTrustLevel(tj.TrustLevel)
	if err != nil {
		return commission.HoldPeriodConfig{}, err
	}
	if tj.MinTrustScore < 0 || tj.MinTrustScore > 100 {
		return commission.HoldPeriodConfig{}, fmt.Errorf("%w: %s/%s min_trust_score must be within 0-100",
			commission.ErrInvalidInput, category, level)
	}
	if tj.MinSuccessfulBookings < 0 {
		return commission.HoldPeriodConfig{}, fmt.Errorf("%w: %s/%s min_successful_bookings must not be negative",
			commission.ErrInvalidInput, category, level)
	}
	if tj.HoldPeriodDays < 0 {
		return commission.HoldPeriodConfig{}, fmt.Errorf("%w: %s/%s hold_period_days must not be negative",
			commission.ErrInvalidInput, category, level)
	}
	return commission.HoldPeriodConfig{
		ID:                    fmt.Sprintf("%s-%s", category, level),
		Category:              commission.Category(category),
		TrustLevel:            level,
		MinTrustScore:         tj.MinTrustScore,
		MinSuccessfulBookings: tj.MinSuccessfulBookings,
		HoldPeriodDays:        tj.HoldPeriodDays,
	}, nil
}

func parseTrustLevel(s string) (commission.TrustLevel, error) {
	switch l := commission.TrustLevel(s); l {
	case commission.TrustNew, commission.TrustBronze, commission.TrustSilver,
		commission.TrustGold, commission.TrustPlatinum:
		return l, nil
	}
	return "", fmt.Errorf("%w: unknown trust level %q", commission.ErrInvalidInput, s)
}

// =============================================================================
// PRESET POLICY
// =============================================================================

// DefaultPolicyJSON is the table a fresh install starts with. Influencers
// move through tiers faster; agencies carry more volume and get shorter holds
// once established.
func DefaultPolicyJSON() string {
	return `{
  "default_hold_period_days": 30,
  "categories": [
    {
      "category": "standard",
      "tiers": [
        {"trust_level": "new",      "min_trust_score": 0,  "min_successful_bookings": 0,  "hold_period_days": 30},
        {"trust_level": "bronze",   "min_trust_score": 40, "min_successful_bookings": 3,  "hold_period_days": 28},
        {"trust_level": "silver",   "min_trust_score": 60, "min_successful_bookings": 10, "hold_period_days": 21},
        {"trust_level": "gold",     "min_trust_score": 75, "min_successful_bookings": 20, "hold_period_days": 14},
        {"trust_level": "platinum", "min_trust_score": 90, "min_successful_bookings": 50, "hold_period_days": 7}
      ]
    },
    {
      "category": "influencer",
      "tiers": [
        {"trust_level": "new",      "min_trust_score": 0,  "min_successful_bookings": 0,  "hold_period_days": 30},
        {"trust_level": "silver",   "min_trust_score": 55, "min_successful_bookings": 5,  "hold_period_days": 21},
        {"trust_level": "gold",     "min_trust_score": 70, "min_successful_bookings": 15, "hold_period_days": 14},
        {"trust_level": "platinum", "min_trust_score": 85, "min_successful_bookings": 40, "hold_period_days": 7}
      ]
    },
    {
      "category": "agency",
      "tiers": [
        {"trust_level": "new",      "min_trust_score": 0,  "min_successful_bookings": 0,   "hold_period_days": 21},
        {"trust_level": "gold",     "min_trust_score": 75, "min_successful_bookings": 50,  "hold_period_days": 10},
        {"trust_level": "platinum", "min_trust_score": 90, "min_successful_bookings": 200, "hold_period_days": 5}
      ]
    }
  ]
}`
}
