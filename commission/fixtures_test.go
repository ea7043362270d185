package commission_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/commission/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var now0 = time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	store  *store.Memory
	clock  *commission.FixedClock
	events *recordingSink
	engine *commission.Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mem := store.NewMemory()
	require.NoError(t, mem.ReplaceHoldPeriodConfigs(context.Background(), standardPolicy()))
	return newHarnessWithStore(t, mem)
}

func newHarnessWithStore(t *testing.T, mem *store.Memory) *harness {
	t.Helper()
	h := &harness{
		store:  mem,
		clock:  commission.NewFixedClock(now0),
		events: &recordingSink{},
	}
	h.engine = commission.NewEngine(mem,
		commission.WithClock(h.clock),
		commission.WithEventSink(h.events),
	)
	return h
}

// standardPolicy is the tier table used throughout the tests.
func standardPolicy() []commission.HoldPeriodConfig {
	return []commission.HoldPeriodConfig{
		{ID: "std-new", Category: commission.CategoryStandard, TrustLevel: commission.TrustNew, MinTrustScore: 0, MinSuccessfulBookings: 0, HoldPeriodDays: 30},
		{ID: "std-bronze", Category: commission.CategoryStandard, TrustLevel: commission.TrustBronze, MinTrustScore: 40, MinSuccessfulBookings: 3, HoldPeriodDays: 28},
		{ID: "std-silver", Category: commission.CategoryStandard, TrustLevel: commission.TrustSilver, MinTrustScore: 60, MinSuccessfulBookings: 10, HoldPeriodDays: 21},
		{ID: "std-gold", Category: commission.CategoryStandard, TrustLevel: commission.TrustGold, MinTrustScore: 75, MinSuccessfulBookings: 20, HoldPeriodDays: 14},
		{ID: "std-platinum", Category: commission.CategoryStandard, TrustLevel: commission.TrustPlatinum, MinTrustScore: 90, MinSuccessfulBookings: 50, HoldPeriodDays: 7},
	}
}

func (h *harness) seedAffiliate(t *testing.T, a commission.Affiliate) {
	t.Helper()
	if a.Category == "" {
		a.Category = commission.CategoryStandard
	}
	if a.TrustLevel == "" {
		a.TrustLevel = commission.TrustNew
	}
	require.NoError(t, h.store.CreateAffiliate(context.Background(), a))
}

// seedCommission stores c with a pending referral for its booking.
func (h *harness) seedCommission(c commission.Commission) {
	if c.Currency == "" {
		c.Currency = "USD"
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now0.AddDate(0, -1, 0)
	}
	h.store.PutCommission(c)
	h.store.PutReferral(commission.AffiliateReferral{
		ID:          "ref-" + c.ID,
		AffiliateID: c.AffiliateID,
		BookingID:   c.BookingID,
		Status:      commission.ReferralPending,
		CreatedAt:   c.CreatedAt,
	})
}

func (h *harness) commission(t *testing.T, id string) *commission.Commission {
	t.Helper()
	c, err := h.store.GetCommission(context.Background(), id)
	require.NoError(t, err)
	return c
}

func (h *harness) affiliate(t *testing.T, id string) *commission.Affiliate {
	t.Helper()
	a, err := h.store.GetAffiliate(context.Background(), id)
	require.NoError(t, err)
	return a
}

func (h *harness) logs(t *testing.T, id string) []commission.LifecycleLog {
	t.Helper()
	logs, err := h.store.ListLogs(context.Background(), id)
	require.NoError(t, err)
	return logs
}

func (h *harness) referral(t *testing.T, affiliateID, bookingID string) *commission.AffiliateReferral {
	t.Helper()
	r, err := h.store.GetReferral(context.Background(), affiliateID, bookingID)
	require.NoError(t, err)
	return r
}

func amt(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func requireAmount(t *testing.T, want string, got decimal.Decimal, msg string) {
	t.Helper()
	require.Truef(t, amt(want).Equal(got), "%s: want %s, got %s", msg, want, got)
}

func ptr[T any](v T) *T { return &v }

// =============================================================================
// EVENT RECORDER
// =============================================================================

type recordingSink struct {
	mu     sync.Mutex
	events []commission.Event
}

func (r *recordingSink) Emit(_ context.Context, e commission.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingSink) ofType(typ commission.EventType) []commission.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []commission.Event
	for _, e := range r.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}
