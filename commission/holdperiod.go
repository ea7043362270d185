package commission

// DefaultHoldPeriodDays applies when neither an override nor a policy row matches.
const DefaultHoldPeriodDays = 30

// HoldPeriodSource explains where a resolved hold period came from.
type HoldPeriodSource string

const (
	HoldFromOverride   HoldPeriodSource = "affiliate_override"
	HoldFromTrustLevel HoldPeriodSource = "policy_trust_level"
	HoldFromCategory   HoldPeriodSource = "policy_category"
	HoldFromDefault    HoldPeriodSource = "default"
)

// ResolveHoldPeriod sizes the hold period for a new commission.
//
// It is called only when a commission is recorded. CompleteTrip reads the
// pinned value from the commission, so later policy edits never move the
// payout date of a commission already in flight.
//
// Order of precedence:
//  1. the affiliate's CustomHoldPeriod
//  2. the first row for (category, trust level) whose thresholds are met
//  3. the first row for the category whose thresholds are met
//  4. defaultDays
//
// Rows are considered in MinTrustScore descending order.
func ResolveHoldPeriod(a Affiliate, configs []HoldPeriodConfig, defaultDays int) (int, HoldPeriodSource) {
	if a.CustomHoldPeriod != nil && *a.CustomHoldPeriod >= 0 {
		return *a.CustomHoldPeriod, HoldFromOverride
	}

	rows := sortedForCategory(a.Category, configs)
	for _, cfg := range rows {
		if cfg.TrustLevel == a.TrustLevel && meets(a, cfg) {
			return cfg.HoldPeriodDays, HoldFromTrustLevel
		}
	}
	for _, cfg := range rows {
		if meets(a, cfg) {
			return cfg.HoldPeriodDays, HoldFromCategory
		}
	}
	if defaultDays < 0 {
		defaultDays = DefaultHoldPeriodDays
	}
	return defaultDays, HoldFromDefault
}

func meets(a Affiliate, cfg HoldPeriodConfig) bool {
	return a.TrustScore >= cfg.MinTrustScore && a.SuccessfulBookingsCount >= cfg.MinSuccessfulBookings
}
