/*
scenarios.go - Demo data loaders for testing and demonstrations

PURPOSE:

	Provides pre-built data sets that put commissions in every lifecycle
	state relative to the engine clock, so a single POST /api/lifecycle/run
	shows each sweep doing real work.

AVAILABLE SCENARIOS:

	pipeline:  One commission in each state across four affiliates
	backlog:   250 commissions whose trips started and ended while the
	           scheduler was down; one run cascades them into the hold period
	clawback:  Released and paid commissions ready for a refund

HOW SCENARIOS WORK:
 1. Load the default hold period policy via the factory
 2. Create affiliates with balances derived from their commissions
 3. Import commissions as-is (bypassing the lifecycle)
 4. Link a referral per booking

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "pipeline"}

NOTE:

	Loading is idempotent: records that already exist are left alone, so a
	scenario can be loaded twice without error. Nothing is deleted.

SEE ALSO:
  - handlers.go: Other endpoints
  - factory/policy.go: DefaultPolicyJSON
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/factory"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

var scenarios = []ScenarioDTO{
	{
		ID:          "pipeline",
		Name:        "Lifecycle Pipeline",
		Description: "One commission in every state; each sweep has work to do",
	},
	{
		ID:          "backlog",
		Name:        "Scheduler Backlog",
		Description: "250 overdue commissions cascading through several states in one run",
	},
	{
		ID:          "clawback",
		Name:        "Refund Clawback",
		Description: "Released and paid commissions ready for a payment refund",
	},
}

func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the last loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	for _, s := range scenarios {
		if s.ID == h.currentScenario {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario loads a predefined scenario.
// POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScenarioID string `json:"scenario_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if err := h.SeedScenario(r.Context(), req.ScenarioID); err != nil {
		if errors.Is(err, errUnknownScenario) {
			writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
			return
		}
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

var errUnknownScenario = errors.New("unknown scenario")

// SeedScenario loads scenario id. Also used at startup with -seed.
func (h *Handler) SeedScenario(ctx context.Context, id string) error {
	var seed scenarioSeed
	switch id {
	case "pipeline":
		seed = pipelineScenario(h.now())
	case "backlog":
		seed = backlogScenario(h.now(), 250)
	case "clawback":
		seed = clawbackScenario(h.now())
	default:
		return fmt.Errorf("%w: %q", errUnknownScenario, id)
	}

	configs, _, err := factory.NewPolicyFactory().ParsePolicy(factory.DefaultPolicyJSON())
	if err != nil {
		return err
	}
	if err := h.Store.ReplaceHoldPeriodConfigs(ctx, configs); err != nil {
		return fmt.Errorf("load hold period policy: %w", err)
	}
	if err := h.applySeed(ctx, seed); err != nil {
		return err
	}
	h.currentScenario = id
	return nil
}

// =============================================================================
// SEEDING
// =============================================================================

type scenarioSeed struct {
	affiliates  []commission.Affiliate
	commissions []commission.Commission
}

func (h *Handler) applySeed(ctx context.Context, seed scenarioSeed) error {
	pending := map[string]decimal.Decimal{}
	current := map[string]decimal.Decimal{}
	for _, c := range seed.commissions {
		switch {
		case c.Status.CountsTowardPending():
			pending[c.AffiliateID] = pending[c.AffiliateID].Add(c.TotalCommissionAmount)
		case c.Status == commission.StatusAvailable:
			current[c.AffiliateID] = current[c.AffiliateID].Add(c.TotalCommissionAmount)
		}
	}

	for _, a := range seed.affiliates {
		a.PendingBalance = pending[a.ID]
		a.CurrentBalance = current[a.ID]
		if err := h.Store.CreateAffiliate(ctx, a); err != nil && !errors.Is(err, commission.ErrAlreadyExists) {
			return fmt.Errorf("create affiliate %s: %w", a.ID, err)
		}
	}

	for _, c := range seed.commissions {
		err := h.Store.ImportCommission(ctx, c)
		if errors.Is(err, commission.ErrAlreadyExists) {
			continue
		}
		if err != nil {
			return fmt.Errorf("import commission %s: %w", c.ID, err)
		}
		if err := h.linkReferral(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) linkReferral(ctx context.Context, c commission.Commission) error {
	status := commission.ReferralPending
	var converted *time.Time
	switch c.Status {
	case commission.StatusAvailable, commission.StatusPaid:
		status = commission.ReferralCompleted
		converted = c.ReleasedAt
	case commission.StatusCancelled:
		status = commission.ReferralCanceled
	case commission.StatusReversed:
		status = commission.ReferralRefunded
	}
	return h.Store.WithTx(ctx, func(tx commission.Tx) error {
		return tx.UpsertReferral(ctx, commission.AffiliateReferral{
			ID:          uuid.NewString(),
			AffiliateID: c.AffiliateID,
			BookingID:   c.BookingID,
			Status:      status,
			ConvertedAt: converted,
			CreatedAt:   c.CreatedAt,
			UpdatedAt:   c.UpdatedAt,
		})
	})
}

// =============================================================================
// SCENARIO BUILDERS
// =============================================================================

func day(now time.Time, n int) time.Time { return now.AddDate(0, 0, n) }

func at(t time.Time) *time.Time { return &t }

func money(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func pipelineScenario(now time.Time) scenarioSeed {
	affiliates := []commission.Affiliate{
		{ID: "aff-nova", ReferralCode: "NOVA", Category: commission.CategoryStandard, TrustLevel: commission.TrustNew},
		{ID: "aff-silverline", ReferralCode: "SILVER", Category: commission.CategoryStandard, TrustLevel: commission.TrustSilver, TrustScore: 64.5, SuccessfulBookingsCount: 12, FailedBookingsCount: 1, CompletedTrips: 12},
		{ID: "aff-goldcoast", ReferralCode: "GOLD", Category: "influencer", TrustLevel: commission.TrustGold, TrustScore: 81.2, SuccessfulBookingsCount: 31, FailedBookingsCount: 2, CompletedTrips: 31},
		{ID: "aff-atlas", ReferralCode: "ATLAS", Category: "agency", TrustLevel: commission.TrustNew, TrustScore: 35, SuccessfulBookingsCount: 2, FailedBookingsCount: 3, CanceledBookings: 3},
	}
	for i := range affiliates {
		affiliates[i].CreatedAt = day(now, -120)
		affiliates[i].UpdatedAt = day(now, -1)
	}

	base := func(id, affiliate string, status commission.Status, amount string, start, end time.Time, hold int) commission.Commission {
		return commission.Commission{
			ID:                    id,
			AffiliateID:           affiliate,
			BookingID:             "bk-" + id,
			Status:                status,
			TotalCommissionAmount: money(amount),
			Currency:              "USD",
			TripStartDate:         start,
			TripEndDate:           end,
			HoldPeriodDays:        hold,
			CreatedAt:             day(start, -14),
			UpdatedAt:             day(start, -14),
		}
	}

	upcoming := base("pl-upcoming", "aff-nova", commission.StatusPending, "40.00", day(now, 5), day(now, 9), 30)
	departing := base("pl-departing", "aff-nova", commission.StatusPending, "55.00", day(now, -2), day(now, 3), 30)

	returning := base("pl-returning", "aff-silverline", commission.StatusTripInProgress, "120.00", day(now, -10), day(now, -1), 21)
	returning.TripStartedAt = at(day(now, -10))

	releasable := base("pl-releasable", "aff-silverline", commission.StatusInHoldPeriod, "75.50", day(now, -30), day(now, -22), 21)
	releasable.TripStartedAt = at(day(now, -30))
	releasable.TripCompletedAt = at(day(now, -22))
	releasable.HoldPeriodEndsAt = at(day(now, -1))

	holding := base("pl-holding", "aff-goldcoast", commission.StatusInHoldPeriod, "210.00", day(now, -15), day(now, -9), 14)
	holding.TripStartedAt = at(day(now, -15))
	holding.TripCompletedAt = at(day(now, -9))
	holding.HoldPeriodEndsAt = at(day(now, 5))

	available := base("pl-available", "aff-goldcoast", commission.StatusAvailable, "99.99", day(now, -40), day(now, -35), 14)
	available.TripStartedAt = at(day(now, -40))
	available.TripCompletedAt = at(day(now, -35))
	available.HoldPeriodEndsAt = at(day(now, -21))
	available.ReleasedAt = at(day(now, -21))

	paid := base("pl-paid", "aff-goldcoast", commission.StatusPaid, "150.00", day(now, -70), day(now, -60), 14)
	paid.TripStartedAt = at(day(now, -70))
	paid.TripCompletedAt = at(day(now, -60))
	paid.HoldPeriodEndsAt = at(day(now, -46))
	paid.ReleasedAt = at(day(now, -46))
	paid.PaidAt = at(day(now, -40))

	cancelled := base("pl-cancelled", "aff-atlas", commission.StatusCancelled, "30.00", day(now, 10), day(now, 12), 21)
	cancelled.CancelledAt = at(day(now, -3))
	cancelled.CancelReason = "Booking cancelled by customer"

	flagged := base("pl-flagged", "aff-atlas", commission.StatusTripInProgress, "480.00", day(now, -6), day(now, -2), 21)
	flagged.TripStartedAt = at(day(now, -6))
	flagged.IsFraud = true

	return scenarioSeed{
		affiliates:  affiliates,
		commissions: []commission.Commission{upcoming, departing, returning, releasable, holding, available, paid, cancelled, flagged},
	}
}

func backlogScenario(now time.Time, n int) scenarioSeed {
	a := commission.Affiliate{
		ID:                      "aff-backlog",
		ReferralCode:            "BACKLOG",
		Category:                commission.CategoryStandard,
		TrustLevel:              commission.TrustBronze,
		TrustScore:              52,
		SuccessfulBookingsCount: 8,
		FailedBookingsCount:     1,
		CreatedAt:               day(now, -200),
		UpdatedAt:               day(now, -1),
	}
	seed := scenarioSeed{affiliates: []commission.Affiliate{a}}
	for i := 0; i < n; i++ {
		start := day(now, -10-i%5)
		seed.commissions = append(seed.commissions, commission.Commission{
			ID:                    fmt.Sprintf("bl-%04d", i),
			AffiliateID:           a.ID,
			BookingID:             fmt.Sprintf("bk-bl-%04d", i),
			Status:                commission.StatusPending,
			TotalCommissionAmount: money("12.50"),
			Currency:              "USD",
			TripStartDate:         start,
			TripEndDate:           day(start, 3),
			HoldPeriodDays:        28,
			CreatedAt:             day(start, -30),
			UpdatedAt:             day(start, -30),
		})
	}
	return seed
}

func clawbackScenario(now time.Time) scenarioSeed {
	a := commission.Affiliate{
		ID:                      "aff-refundable",
		ReferralCode:            "REFUND",
		Category:                commission.CategoryStandard,
		TrustLevel:              commission.TrustGold,
		TrustScore:              78,
		SuccessfulBookingsCount: 22,
		FailedBookingsCount:     1,
		CompletedTrips:          22,
		CreatedAt:               day(now, -365),
		UpdatedAt:               day(now, -1),
	}
	released := commission.Commission{
		ID:                    "cb-released",
		AffiliateID:           a.ID,
		BookingID:             "bk-cb-released",
		Status:                commission.StatusAvailable,
		TotalCommissionAmount: money("64.00"),
		Currency:              "EUR",
		TripStartDate:         day(now, -30),
		TripEndDate:           day(now, -25),
		TripStartedAt:         at(day(now, -30)),
		TripCompletedAt:       at(day(now, -25)),
		HoldPeriodDays:        14,
		HoldPeriodEndsAt:      at(day(now, -11)),
		ReleasedAt:            at(day(now, -11)),
		CreatedAt:             day(now, -45),
		UpdatedAt:             day(now, -11),
	}
	paidOut := released
	paidOut.ID = "cb-paid"
	paidOut.BookingID = "bk-cb-paid"
	paidOut.Status = commission.StatusPaid
	paidOut.TotalCommissionAmount = money("180.00")
	paidOut.PaidAt = at(day(now, -5))

	return scenarioSeed{
		affiliates:  []commission.Affiliate{a},
		commissions: []commission.Commission{released, paidOut},
	}
}
