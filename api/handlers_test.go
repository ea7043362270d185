/*
handlers_test.go - HTTP tests for the API handlers

Tests for:
- Affiliate onboarding and validation
- Recording commissions with a pinned hold period
- Cancel / refund / paid / fraud responses and their status codes
- Lifecycle runs through the router
- Hold period policy round trip
*/
package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/events"
	"github.com/warp/commission-engine/factory"
	"github.com/warp/commission-engine/store/sqlite"
)

var t0 = time.Date(2025, time.June, 2, 8, 0, 0, 0, time.UTC)

type testServer struct {
	router  *chi.Mux
	handler *Handler
	clock   *commission.FixedClock
	store   *sqlite.Store
	events  *events.MemorySink
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := commission.NewFixedClock(t0)
	sink := events.NewMemorySink(100)
	engine := commission.NewEngine(store,
		commission.WithClock(clock),
		commission.WithEventSink(sink),
		commission.WithLogger(logger),
	)
	proc := commission.NewProcessor(engine, commission.WithBatchSize(10))
	h := NewHandler(store, engine, NewLifecycleScheduler(proc, 0, logger))
	h.Events = sink

	return &testServer{
		router:  NewRouter(h, RouterOptions{Quiet: true}),
		handler: h,
		clock:   clock,
		store:   store,
		events:  sink,
	}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (s *testServer) createAffiliate(t *testing.T, req CreateAffiliateRequest) {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/affiliates", req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func (s *testServer) recordCommission(t *testing.T, req RecordCommissionRequest) CommissionDTO {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/commissions", req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[CommissionDTO](t, rec)
}

func intPtr(n int) *int { return &n }

func mustDecimal(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}

// =============================================================================
// HEALTH & AFFILIATES
// =============================================================================

func TestHealth(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/health", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[map[string]string](t, rec)["status"])
}

func TestCreateAffiliate(t *testing.T) {
	s := newTestServer(t)

	// WHEN: An affiliate is onboarded with defaults
	rec := s.do(t, http.MethodPost, "/api/affiliates", CreateAffiliateRequest{ID: "aff-1", ReferralCode: "ONE"})

	// THEN: It starts as a new standard affiliate with empty balances
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	a := decode[AffiliateDTO](t, rec)
	assert.Equal(t, "standard", a.Category)
	assert.Equal(t, "new", a.TrustLevel)
	assert.Equal(t, "0.00", a.PendingBalance)
	assert.Equal(t, "0.00", a.CurrentBalance)

	// AND: The same id again conflicts
	rec = s.do(t, http.MethodPost, "/api/affiliates", CreateAffiliateRequest{ID: "aff-1"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// AND: Listing returns it
	rec = s.do(t, http.MethodGet, "/api/affiliates", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]AffiliateDTO](t, rec), 1)
}

func TestCreateAffiliate_Validation(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name string
		body any
	}{
		{"missing id", CreateAffiliateRequest{}},
		{"trust score above 100", CreateAffiliateRequest{ID: "a", TrustScore: 140}},
		{"negative custom hold", CreateAffiliateRequest{ID: "a", CustomHoldPeriod: intPtr(-1)}},
		{"malformed json", `{"id":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/api/affiliates", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestGetAffiliate_NotFound(t *testing.T) {
	s := newTestServer(t)

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/affiliates/ghost", nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/affiliates/ghost/commissions", nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/affiliates/ghost/stats", nil).Code)
}

// =============================================================================
// RECORDING
// =============================================================================

func TestRecordCommission_PinsHoldPeriod(t *testing.T) {
	// GIVEN: The default policy and two affiliates, one with an override
	s := newTestServer(t)
	rec := s.do(t, http.MethodPut, "/api/hold-periods", factory.DefaultPolicyJSON())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	s.createAffiliate(t, CreateAffiliateRequest{ID: "aff-plain"})
	s.createAffiliate(t, CreateAffiliateRequest{ID: "aff-vip", CustomHoldPeriod: intPtr(3)})

	// WHEN: Each records a booking
	plain := s.recordCommission(t, RecordCommissionRequest{
		AffiliateID: "aff-plain", BookingID: "bk-1", Amount: mustDecimal(t, "45.75"),
		TripStartDate: "2025-07-01", TripEndDate: "2025-07-05",
	})
	vip := s.recordCommission(t, RecordCommissionRequest{
		AffiliateID: "aff-vip", BookingID: "bk-2", Amount: mustDecimal(t, "10"),
		TripStartDate: "2025-07-01T12:00:00Z", TripEndDate: "2025-07-02T12:00:00Z",
	})

	// THEN: Each is pending with the hold period resolved at creation
	assert.Equal(t, "pending", plain.Status)
	assert.Equal(t, 30, plain.HoldPeriodDays)
	assert.Equal(t, "USD", plain.Currency)
	assert.NotEmpty(t, plain.ID)
	assert.Equal(t, 3, vip.HoldPeriodDays)

	// AND: The amount is on the pending balance
	rec = s.do(t, http.MethodGet, "/api/affiliates/aff-plain", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "45.75", decode[AffiliateDTO](t, rec).PendingBalance)

	// AND: The creation is logged
	rec = s.do(t, http.MethodGet, "/api/commissions/"+vip.ID+"/logs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	logs := decode[[]LifecycleLogDTO](t, rec)
	require.Len(t, logs, 1)
	assert.Equal(t, "pending", logs[0].ToStatus)
	assert.Equal(t, "affiliate_override", logs[0].Metadata["holdPeriodSource"])
}

func TestRecordCommission_Rejections(t *testing.T) {
	s := newTestServer(t)
	s.createAffiliate(t, CreateAffiliateRequest{ID: "aff-1"})

	tests := []struct {
		name string
		req  RecordCommissionRequest
		want int
	}{
		{
			name: "bad date",
			req:  RecordCommissionRequest{AffiliateID: "aff-1", BookingID: "bk", Amount: mustDecimal(t, "1"), TripStartDate: "July 1st", TripEndDate: "2025-07-02"},
			want: http.StatusBadRequest,
		},
		{
			name: "end before start",
			req:  RecordCommissionRequest{AffiliateID: "aff-1", BookingID: "bk", Amount: mustDecimal(t, "1"), TripStartDate: "2025-07-05", TripEndDate: "2025-07-02"},
			want: http.StatusBadRequest,
		},
		{
			name: "zero amount",
			req:  RecordCommissionRequest{AffiliateID: "aff-1", BookingID: "bk", TripStartDate: "2025-07-01", TripEndDate: "2025-07-02"},
			want: http.StatusBadRequest,
		},
		{
			name: "unknown affiliate",
			req:  RecordCommissionRequest{AffiliateID: "ghost", BookingID: "bk", Amount: mustDecimal(t, "1"), TripStartDate: "2025-07-01", TripEndDate: "2025-07-02"},
			want: http.StatusNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/api/commissions", tt.req)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

// =============================================================================
// EVENT-DRIVEN TRANSITIONS
// =============================================================================

func TestCancelCommission(t *testing.T) {
	// GIVEN: A pending commission
	s := newTestServer(t)
	s.createAffiliate(t, CreateAffiliateRequest{ID: "aff-1"})
	c := s.recordCommission(t, RecordCommissionRequest{
		ID: "c-1", AffiliateID: "aff-1", BookingID: "bk-1", Amount: mustDecimal(t, "25"),
		TripStartDate: "2025-07-01", TripEndDate: "2025-07-03",
	})

	// WHEN: The booking is cancelled
	rec := s.do(t, http.MethodPost, "/api/commissions/"+c.ID+"/cancel", CancelCommissionRequest{Reason: "customer changed plans", ActorID: "agent-7"})

	// THEN: The result succeeds and the pending balance is cleared
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[ResultDTO](t, rec)
	assert.True(t, res.Success)
	require.NotNil(t, res.Commission)
	assert.Equal(t, "cancelled", res.Commission.Status)
	assert.Equal(t, "customer changed plans", res.Commission.CancelReason)

	rec = s.do(t, http.MethodGet, "/api/affiliates/aff-1", nil)
	a := decode[AffiliateDTO](t, rec)
	assert.Equal(t, "0.00", a.PendingBalance)
	assert.Equal(t, 1, a.CanceledBookings)

	// AND: A second cancellation is a conflict with a failed result
	rec = s.do(t, http.MethodPost, "/api/commissions/"+c.ID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	res = decode[ResultDTO](t, rec)
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Error)
}

func TestRefundCommission_RequiresRelease(t *testing.T) {
	s := newTestServer(t)
	s.createAffiliate(t, CreateAffiliateRequest{ID: "aff-1"})
	c := s.recordCommission(t, RecordCommissionRequest{
		AffiliateID: "aff-1", BookingID: "bk-1", Amount: mustDecimal(t, "25"),
		TripStartDate: "2025-07-01", TripEndDate: "2025-07-03",
	})

	rec := s.do(t, http.MethodPost, "/api/commissions/"+c.ID+"/refund", RefundCommissionRequest{RefundAmount: mustDecimal(t, "25"), Reason: "chargeback"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.False(t, decode[ResultDTO](t, rec).Success)

	rec = s.do(t, http.MethodPost, "/api/commissions/ghost/refund", RefundCommissionRequest{RefundAmount: mustDecimal(t, "1")})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRefundCommission_ClawsBackReleased(t *testing.T) {
	// GIVEN: The clawback scenario
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/scenarios/load", map[string]string{"scenario_id": "clawback"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// WHEN: The released commission's payment is refunded
	rec = s.do(t, http.MethodPost, "/api/commissions/cb-released/refund", RefundCommissionRequest{RefundAmount: mustDecimal(t, "64"), Reason: "chargeback"})

	// THEN: It is reversed and the current balance is clawed back
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[ResultDTO](t, rec)
	require.NotNil(t, res.Commission)
	assert.Equal(t, "reversed", res.Commission.Status)
	assert.True(t, res.Commission.Reversed)

	rec = s.do(t, http.MethodGet, "/api/affiliates/aff-refundable", nil)
	assert.Equal(t, "0.00", decode[AffiliateDTO](t, rec).CurrentBalance)
}

func TestMarkPaid_RequiresAvailable(t *testing.T) {
	s := newTestServer(t)
	s.createAffiliate(t, CreateAffiliateRequest{ID: "aff-1"})
	c := s.recordCommission(t, RecordCommissionRequest{
		AffiliateID: "aff-1", BookingID: "bk-1", Amount: mustDecimal(t, "25"),
		TripStartDate: "2025-07-01", TripEndDate: "2025-07-03",
	})

	rec := s.do(t, http.MethodPost, "/api/commissions/"+c.ID+"/paid", MarkPaidRequest{ActorID: "payouts"})

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSetFraud(t *testing.T) {
	s := newTestServer(t)
	s.createAffiliate(t, CreateAffiliateRequest{ID: "aff-1"})
	c := s.recordCommission(t, RecordCommissionRequest{
		AffiliateID: "aff-1", BookingID: "bk-1", Amount: mustDecimal(t, "25"),
		TripStartDate: "2025-07-01", TripEndDate: "2025-07-03",
	})

	rec := s.do(t, http.MethodPost, "/api/commissions/"+c.ID+"/fraud", FraudRequest{Fraud: true, ActorID: "risk"})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decode[CommissionDTO](t, rec).IsFraud)
}

// =============================================================================
// LIFECYCLE
// =============================================================================

func TestLifecycle_RecordThroughRelease(t *testing.T) {
	// GIVEN: A commission for a trip that already ended, with a 3-day hold
	s := newTestServer(t)
	s.createAffiliate(t, CreateAffiliateRequest{ID: "aff-1", CustomHoldPeriod: intPtr(3)})
	c := s.recordCommission(t, RecordCommissionRequest{
		AffiliateID: "aff-1", BookingID: "bk-1", Amount: mustDecimal(t, "40"),
		TripStartDate: t0.AddDate(0, 0, -2).Format(time.RFC3339),
		TripEndDate:   t0.AddDate(0, 0, -1).Format(time.RFC3339),
	})

	// WHEN: A run is triggered
	rec := s.do(t, http.MethodPost, "/api/lifecycle/run", nil)

	// THEN: The trip starts and completes in the same run
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	summary := decode[commission.RunSummary](t, rec)
	assert.Equal(t, 1, summary.TripsStarted.Processed)
	assert.Equal(t, 1, summary.TripsCompleted.Processed)
	assert.Equal(t, 0, summary.CommissionsReleased.Processed)

	rec = s.do(t, http.MethodGet, "/api/commissions/"+c.ID, nil)
	got := decode[CommissionDTO](t, rec)
	assert.Equal(t, "in_hold_period", got.Status)
	require.NotNil(t, got.DaysUntilRelease)
	assert.Equal(t, 3, *got.DaysUntilRelease)

	// WHEN: The hold period passes and another run is triggered
	s.clock.Advance(3 * 24 * time.Hour)
	rec = s.do(t, http.MethodPost, "/api/lifecycle/run", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[commission.RunSummary](t, rec).CommissionsReleased.Processed)

	// THEN: The amount is on the current balance
	rec = s.do(t, http.MethodGet, "/api/affiliates/aff-1", nil)
	a := decode[AffiliateDTO](t, rec)
	assert.Equal(t, "0.00", a.PendingBalance)
	assert.Equal(t, "40.00", a.CurrentBalance)
	assert.Equal(t, 1, a.SuccessfulBookingsCount)

	// AND: Every transition is in the audit trail
	rec = s.do(t, http.MethodGet, "/api/commissions/"+c.ID+"/logs", nil)
	logs := decode[[]LifecycleLogDTO](t, rec)
	require.Len(t, logs, 4)
	assert.Equal(t, "available", logs[3].ToStatus)
	assert.True(t, logs[3].Automated)

	// AND: The status endpoint reports the last run
	rec = s.do(t, http.MethodGet, "/api/lifecycle/status", nil)
	status := decode[LifecycleStatusDTO](t, rec)
	assert.False(t, status.Enabled)
	require.NotNil(t, status.LastRun)
	assert.Equal(t, 1, status.LastRun.CommissionsReleased.Processed)

	// AND: Transition events were captured
	rec = s.do(t, http.MethodGet, "/api/events?type=commission.transitioned", nil)
	evs := decode[[]commission.Event](t, rec)
	assert.Len(t, evs, 4)
}

func TestLifecycle_PipelineScenario(t *testing.T) {
	// GIVEN: The pipeline scenario
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/scenarios/load", map[string]string{"scenario_id": "pipeline"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// WHEN: A run is triggered
	rec = s.do(t, http.MethodPost, "/api/lifecycle/run", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	summary := decode[commission.RunSummary](t, rec)

	// THEN: Each sweep advances exactly one commission
	assert.Equal(t, 1, summary.TripsStarted.Processed)
	assert.Equal(t, 1, summary.TripsCompleted.Processed)
	assert.Equal(t, 1, summary.CommissionsReleased.Processed)

	statusOf := func(id string) string {
		rec := s.do(t, http.MethodGet, "/api/commissions/"+id, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		return decode[CommissionDTO](t, rec).Status
	}
	assert.Equal(t, "pending", statusOf("pl-upcoming"))
	assert.Equal(t, "trip_in_progress", statusOf("pl-departing"))
	assert.Equal(t, "in_hold_period", statusOf("pl-returning"))
	assert.Equal(t, "available", statusOf("pl-releasable"))
	assert.Equal(t, "trip_in_progress", statusOf("pl-flagged"))

	// AND: The release moved money between balances
	rec = s.do(t, http.MethodGet, "/api/affiliates/aff-silverline", nil)
	a := decode[AffiliateDTO](t, rec)
	assert.Equal(t, "120.00", a.PendingBalance)
	assert.Equal(t, "75.50", a.CurrentBalance)
}

func TestListCommissions_Filters(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/scenarios/load", map[string]string{"scenario_id": "pipeline"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/commissions?status=in_hold_period", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]CommissionDTO](t, rec), 2)

	rec = s.do(t, http.MethodGet, "/api/affiliates/aff-goldcoast/commissions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]CommissionDTO](t, rec), 3)

	rec = s.do(t, http.MethodGet, "/api/commissions?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]CommissionDTO](t, rec), 2)

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/api/commissions?status=bogus", nil).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/api/commissions?limit=-1", nil).Code)
}

func TestAffiliateStats(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/scenarios/load", map[string]string{"scenario_id": "pipeline"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/affiliates/aff-goldcoast/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	stats := decode[commission.LifecycleStats](t, rec)

	assert.Equal(t, 1, stats.ByStatus[commission.StatusInHoldPeriod].Count)
	assert.Equal(t, 1, stats.ByStatus[commission.StatusAvailable].Count)
	assert.Equal(t, 1, stats.ByStatus[commission.StatusPaid].Count)
	assert.True(t, mustDecimal(t, "210").Equal(stats.Pending), stats.Pending.String())
	assert.Equal(t, 1, stats.Upcoming.Count)
}

// =============================================================================
// HOLD PERIOD POLICY
// =============================================================================

func TestHoldPeriods_RoundTrip(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPut, "/api/hold-periods", factory.DefaultPolicyJSON())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/api/hold-periods", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	policy := decode[factory.PolicyJSON](t, rec)
	assert.Equal(t, commission.DefaultHoldPeriodDays, policy.DefaultHoldPeriodDays)
	assert.Len(t, policy.Categories, 3)

	rec = s.do(t, http.MethodPut, "/api/hold-periods", `{"categories":[{"category":"standard","tiers":[{"trust_level":"gold","hold_period_days":-4}]}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
