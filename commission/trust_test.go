package commission_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/commission"
)

// =============================================================================
// TRUST SCORE
// =============================================================================

func TestRecalculateTrust(t *testing.T) {
	tests := []struct {
		name       string
		affiliate  commission.Affiliate
		wantScore  float64
		wantLevel  commission.TrustLevel
		wantRaw    float64
		wantWarned bool
	}{
		{
			name: "perfect record below bonus threshold",
			affiliate: commission.Affiliate{
				TrustScore: 50, TrustLevel: commission.TrustBronze,
				SuccessfulBookingsCount: 10,
			},
			wantScore: 65.0,
			wantLevel: commission.TrustSilver,
			wantRaw:   100,
		},
		{
			name: "volume bonus is capped at 100",
			affiliate: commission.Affiliate{
				TrustScore: 80, TrustLevel: commission.TrustGold,
				SuccessfulBookingsCount: 100,
			},
			wantScore: 86.0,
			wantLevel: commission.TrustGold,
			wantRaw:   100,
		},
		{
			name: "25 successes earn +2",
			affiliate: commission.Affiliate{
				TrustScore: 50, TrustLevel: commission.TrustSilver,
				SuccessfulBookingsCount: 30, FailedBookingsCount: 10,
			},
			wantScore: 58.1,
			wantLevel: commission.TrustBronze,
			wantRaw:   77,
		},
		{
			name: "50 successes earn +3",
			affiliate: commission.Affiliate{
				TrustScore: 70, TrustLevel: commission.TrustSilver,
				SuccessfulBookingsCount: 60, FailedBookingsCount: 20,
			},
			// raw = 75 + 3 = 78; 70*0.7 + 78*0.3 = 72.4
			wantScore: 72.4,
			wantLevel: commission.TrustSilver,
			wantRaw:   78,
		},
		{
			name: "failures pull the score down",
			affiliate: commission.Affiliate{
				TrustScore: 60, TrustLevel: commission.TrustSilver,
				SuccessfulBookingsCount: 1, FailedBookingsCount: 3,
			},
			// raw = 25; 60*0.7 + 25*0.3 = 49.5
			wantScore: 49.5,
			wantLevel: commission.TrustNew,
			wantRaw:   25,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.affiliate.ID = "aff-1"
			tt.affiliate.Category = commission.CategoryStandard

			u := commission.RecalculateTrust(tt.affiliate, standardPolicy())

			assert.False(t, u.Skipped)
			assert.InDelta(t, tt.wantRaw, u.RawScore, 0.0001)
			assert.InDelta(t, tt.wantScore, u.Score, 0.0001)
			assert.Equal(t, tt.wantLevel, u.Level)
			assert.Equal(t, tt.wantWarned, u.Warning != nil)
			assert.Equal(t, tt.affiliate.TrustScore, u.PreviousScore)
		})
	}
}

func TestRecalculateTrust_NoHistoryIsSkipped(t *testing.T) {
	a := commission.Affiliate{ID: "aff-1", Category: commission.CategoryStandard, TrustScore: 42, TrustLevel: commission.TrustBronze}

	u := commission.RecalculateTrust(a, standardPolicy())
	u.Apply(&a)

	assert.True(t, u.Skipped)
	assert.Equal(t, 42.0, a.TrustScore)
	assert.Equal(t, commission.TrustBronze, a.TrustLevel)
}

func TestRecalculateTrust_NoMatchingRowKeepsLevel(t *testing.T) {
	// GIVEN: An agency affiliate with no agency policy rows
	a := commission.Affiliate{
		ID: "aff-1", Category: "agency",
		TrustScore: 50, TrustLevel: commission.TrustBronze,
		SuccessfulBookingsCount: 10,
	}

	// WHEN: Trust is recalculated
	u := commission.RecalculateTrust(a, standardPolicy())
	u.Apply(&a)

	// THEN: The score moves, the level stays, and a warning is raised
	assert.InDelta(t, 65.0, a.TrustScore, 0.0001)
	assert.Equal(t, commission.TrustBronze, a.TrustLevel)
	assert.False(t, u.LevelChanged())
	require.NotNil(t, u.Warning)
	assert.ErrorIs(t, u.Warning, commission.ErrPolicyResolution)
	assert.Equal(t, commission.Category("agency"), u.Warning.Category)
}

// =============================================================================
// HOLD PERIOD RESOLUTION
// =============================================================================

func TestResolveHoldPeriod(t *testing.T) {
	tests := []struct {
		name       string
		affiliate  commission.Affiliate
		wantDays   int
		wantSource commission.HoldPeriodSource
	}{
		{
			name: "affiliate override wins",
			affiliate: commission.Affiliate{
				TrustLevel: commission.TrustPlatinum, TrustScore: 95, SuccessfulBookingsCount: 80,
				CustomHoldPeriod: ptr(3),
			},
			wantDays:   3,
			wantSource: commission.HoldFromOverride,
		},
		{
			name: "row for current trust level",
			affiliate: commission.Affiliate{
				TrustLevel: commission.TrustGold, TrustScore: 80, SuccessfulBookingsCount: 25,
			},
			wantDays:   14,
			wantSource: commission.HoldFromTrustLevel,
		},
		{
			name: "level row thresholds unmet falls back to best category row",
			affiliate: commission.Affiliate{
				TrustLevel: commission.TrustPlatinum, TrustScore: 65, SuccessfulBookingsCount: 12,
			},
			wantDays:   21,
			wantSource: commission.HoldFromCategory,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.affiliate.Category = commission.CategoryStandard

			days, source := commission.ResolveHoldPeriod(tt.affiliate, standardPolicy(), commission.DefaultHoldPeriodDays)

			assert.Equal(t, tt.wantDays, days)
			assert.Equal(t, tt.wantSource, source)
		})
	}
}

func TestResolveHoldPeriod_UnknownCategoryUsesDefault(t *testing.T) {
	a := commission.Affiliate{Category: "agency", TrustLevel: commission.TrustGold, TrustScore: 80}

	days, source := commission.ResolveHoldPeriod(a, standardPolicy(), 45)

	assert.Equal(t, 45, days)
	assert.Equal(t, commission.HoldFromDefault, source)
}
