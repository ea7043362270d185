package postgres

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/commission"
)

func TestCommissionModel_RoundTripKeepsLifecycleFields(t *testing.T) {
	// GIVEN: a commission sitting in hold with a fraud flag
	start := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	ends := start.AddDate(0, 0, 21)
	c := commission.Commission{
		ID:                    "c-1",
		AffiliateID:           "aff-1",
		BookingID:             "bk-1",
		Status:                commission.StatusInHoldPeriod,
		TotalCommissionAmount: decimal.RequireFromString("123.45"),
		Currency:              "EUR",
		TripStartDate:         start,
		TripEndDate:           start.AddDate(0, 0, 5),
		HoldPeriodDays:        21,
		HoldPeriodEndsAt:      &ends,
		IsFraud:               true,
		Version:               4,
		CreatedAt:             start,
		UpdatedAt:             start,
	}

	// WHEN: mapping to the row model and back
	got := toCommissionModel(c).toDomain()

	// THEN: nothing is lost
	assert.Equal(t, c.Status, got.Status)
	assert.True(t, c.TotalCommissionAmount.Equal(got.TotalCommissionAmount))
	require.NotNil(t, got.HoldPeriodEndsAt)
	assert.True(t, ends.Equal(*got.HoldPeriodEndsAt))
	assert.True(t, got.IsFraud)
	assert.Equal(t, int64(4), got.Version)
}

func TestCommissionUpdates_BumpsVersionAndKeepsZeroValues(t *testing.T) {
	c := commission.Commission{ID: "c-1", Status: commission.StatusAvailable, Version: 2}

	updates := commissionUpdates(c)

	assert.Equal(t, int64(3), updates["version"])
	assert.Equal(t, false, updates["is_fraud"])
	assert.Contains(t, updates, "cancelled_at")
	assert.NotContains(t, updates, "id")
	assert.NotContains(t, updates, "created_at")
}

func TestAffiliateModel_EmptyReferralCodeIsNull(t *testing.T) {
	hold := 10
	a := commission.Affiliate{ID: "aff-1", Category: "influencer", CustomHoldPeriod: &hold}

	m := toAffiliateModel(a)
	assert.Nil(t, m.ReferralCode)

	back := m.toDomain()
	assert.Equal(t, "", back.ReferralCode)
	require.NotNil(t, back.CustomHoldPeriod)
	assert.Equal(t, 10, *back.CustomHoldPeriod)
}

func TestLogModel_MetadataIsJSON(t *testing.T) {
	// GIVEN: a creation row (no from status) with metadata
	l := commission.LifecycleLog{
		ID:           "log-1",
		CommissionID: "c-1",
		ToStatus:     commission.StatusPending,
		Reason:       "Commission recorded",
		Automated:    true,
		Metadata:     map[string]string{"hold_period_days": "14"},
	}

	m, err := toLogModel(l)
	require.NoError(t, err)

	// THEN: from status is stored as NULL and metadata as a JSON document
	assert.Nil(t, m.FromStatus)
	require.NotNil(t, m.Metadata)
	assert.JSONEq(t, `{"hold_period_days":"14"}`, *m.Metadata)

	back, err := m.toDomain()
	require.NoError(t, err)
	assert.Equal(t, commission.Status(""), back.FromStatus)
	assert.Equal(t, "14", back.Metadata["hold_period_days"])
}

func TestLogModel_RejectsCorruptMetadata(t *testing.T) {
	bad := "{not json"
	m := lifecycleLogModel{ID: "log-1", ToStatus: "pending", Metadata: &bad}

	_, err := m.toDomain()
	assert.Error(t, err)
}
