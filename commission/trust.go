/*
trust.go - Trust score calculation

PURPOSE:
  Recomputes an affiliate's 0-100 trust score and trust level from its
  booking history. Runs after every release and every reversal, inside the
  same transaction as the balance change.

ALGORITHM:
  1. total = successful + failed; no history means no change
  2. raw = successful / total * 100
  3. volume bonus, highest threshold wins: +5 at 100, +3 at 50, +2 at 25 (cap 100)
  4. new = old * 0.7 + raw * 0.3
  5. trust level = first HoldPeriodConfig row for the category (ordered by
     MinTrustScore descending) whose score and booking thresholds are met
  6. score persisted rounded to one decimal

EXAMPLE:
  score 50, 10 successes, 0 failures:
  raw = 100, new = 50*0.7 + 100*0.3 = 65.0

SEE ALSO:
  - holdperiod.go: Uses the same policy rows at creation time
*/
package commission

import (
	"math"
	"sort"
)

const (
	trustSmoothingKeep  = 0.7
	trustSmoothingFresh = 0.3
	maxTrustScore       = 100.0
)

// volumeBonuses are checked in order; the first threshold met wins.
var volumeBonuses = []struct {
	minSuccessful int
	bonus         float64
}{
	{100, 5},
	{50, 3},
	{25, 2},
}

// TrustUpdate is the outcome of one recalculation.
type TrustUpdate struct {
	PreviousScore float64
	Score         float64
	PreviousLevel TrustLevel
	Level         TrustLevel
	RawScore      float64

	// Skipped is true when the affiliate has no booking history.
	Skipped bool

	// Warning is set when no policy row matched; Level equals PreviousLevel.
	Warning *PolicyResolutionWarning
}

func (u TrustUpdate) LevelChanged() bool { return u.Level != u.PreviousLevel }

// RecalculateTrust computes the new score and level for a. It does not modify a.
func RecalculateTrust(a Affiliate, configs []HoldPeriodConfig) TrustUpdate {
	u := TrustUpdate{
		PreviousScore: a.TrustScore,
		Score:         a.TrustScore,
		PreviousLevel: a.TrustLevel,
		Level:         a.TrustLevel,
	}

	total := a.SuccessfulBookingsCount + a.FailedBookingsCount
	if total <= 0 {
		u.Skipped = true
		return u
	}

	raw := float64(a.SuccessfulBookingsCount) / float64(total) * 100
	for _, vb := range volumeBonuses {
		if a.SuccessfulBookingsCount >= vb.minSuccessful {
			raw += vb.bonus
			break
		}
	}
	raw = math.Min(raw, maxTrustScore)
	u.RawScore = raw

	score := a.TrustScore*trustSmoothingKeep + raw*trustSmoothingFresh
	score = math.Max(0, math.Min(maxTrustScore, score))

	level, ok := levelFor(a.Category, score, a.SuccessfulBookingsCount, configs)
	if ok {
		u.Level = level
	} else {
		u.Warning = &PolicyResolutionWarning{
			AffiliateID: a.ID,
			Category:    a.Category,
			TrustScore:  roundScore(score),
		}
	}
	u.Score = roundScore(score)
	return u
}

// Apply writes the update onto a.
func (u TrustUpdate) Apply(a *Affiliate) {
	if u.Skipped {
		return
	}
	a.TrustScore = u.Score
	a.TrustLevel = u.Level
}

func levelFor(category Category, score float64, successful int, configs []HoldPeriodConfig) (TrustLevel, bool) {
	for _, cfg := range sortedForCategory(category, configs) {
		if score >= cfg.MinTrustScore && successful >= cfg.MinSuccessfulBookings {
			return cfg.TrustLevel, true
		}
	}
	return "", false
}

// sortedForCategory filters to one category, MinTrustScore descending.
// The sort is stable so ties keep store order.
func sortedForCategory(category Category, configs []HoldPeriodConfig) []HoldPeriodConfig {
	var out []HoldPeriodConfig
	for _, c := range configs {
		if c.Category == category {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].MinTrustScore > out[j].MinTrustScore
	})
	return out
}

func roundScore(v float64) float64 {
	return math.Round(v*10) / 10
}
