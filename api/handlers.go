/*
handlers.go - HTTP API handlers for the commission lifecycle engine

PURPOSE:
  Exposes the lifecycle engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the engine and processor.

ENDPOINTS:
  Affiliates:
    GET    /api/affiliates                   List affiliates
    POST   /api/affiliates                   Onboard an affiliate
    GET    /api/affiliates/{id}              Affiliate with balances
    GET    /api/affiliates/{id}/commissions  Commissions, newest first
    GET    /api/affiliates/{id}/stats        Lifecycle panel totals

  Commissions:
    GET    /api/commissions                  List (affiliate_id, status, limit)
    POST   /api/commissions                  Record a qualifying booking
    GET    /api/commissions/{id}             One commission
    GET    /api/commissions/{id}/logs        Audit trail
    POST   /api/commissions/{id}/cancel      Booking cancelled
    POST   /api/commissions/{id}/refund      Payment refunded (clawback)
    POST   /api/commissions/{id}/paid        Included in a payout
    POST   /api/commissions/{id}/fraud       Set or clear the fraud flag

  Lifecycle:
    POST   /api/lifecycle/run                Run the three sweeps now
    GET    /api/lifecycle/status             Scheduler state and last run
    GET    /api/lifecycle/stats              Totals across all affiliates

  Policy:
    GET    /api/hold-periods                 Hold period table as JSON
    PUT    /api/hold-periods                 Replace the table

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Commission or affiliate not found
  - 409: Wrong state for the transition, duplicate, lost race, sweep running
  - 500: Internal errors

SECURITY NOTE:
  No authentication or authorization. Deploy behind the platform gateway.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo data loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/events"
	"github.com/warp/commission-engine/factory"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// AdminStore is the persistence the API needs beyond the engine's port.
// Both the SQLite and Postgres stores satisfy it.
type AdminStore interface {
	commission.Store
	ListAffiliates(ctx context.Context) ([]commission.Affiliate, error)
	ImportCommission(ctx context.Context, c commission.Commission) error
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store         AdminStore
	Engine        *commission.Engine
	Scheduler     *LifecycleScheduler
	PolicyFactory *factory.PolicyFactory

	// Events is optional; when set, /api/events lists recent lifecycle events.
	Events *events.MemorySink

	// DefaultHoldDays is reported with the policy table. It is fixed at startup.
	DefaultHoldDays int

	currentScenario string
}

func NewHandler(store AdminStore, engine *commission.Engine, scheduler *LifecycleScheduler) *Handler {
	return &Handler{
		Store:           store,
		Engine:          engine,
		Scheduler:       scheduler,
		PolicyFactory:   factory.NewPolicyFactory(),
		DefaultHoldDays: commission.DefaultHoldPeriodDays,
	}
}

func (h *Handler) now() time.Time { return h.Engine.Clock().Now() }

// =============================================================================
// HEALTH
// =============================================================================

// Health pings the database.
// GET /api/health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.Store.Ping(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "Database unavailable", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// AFFILIATE HANDLERS
// =============================================================================

func (h *Handler) ListAffiliates(w http.ResponseWriter, r *http.Request) {
	affiliates, err := h.Store.ListAffiliates(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list affiliates", err)
		return
	}
	dtos := make([]AffiliateDTO, len(affiliates))
	for i, a := range affiliates {
		dtos[i] = toAffiliateDTO(a)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetAffiliate(w http.ResponseWriter, r *http.Request) {
	a, err := h.Store.GetAffiliate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, "Failed to get affiliate", err)
		return
	}
	writeJSON(w, http.StatusOK, toAffiliateDTO(*a))
}

func (h *Handler) CreateAffiliate(w http.ResponseWriter, r *http.Request) {
	var req CreateAffiliateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ID == "" {
		writeError(w, http.StatusBadRequest, "id is required", nil)
		return
	}
	if req.TrustScore < 0 || req.TrustScore > 100 {
		writeError(w, http.StatusBadRequest, "trust_score must be within 0-100", nil)
		return
	}
	if req.CustomHoldPeriod != nil && *req.CustomHoldPeriod < 0 {
		writeError(w, http.StatusBadRequest, "custom_hold_period must not be negative", nil)
		return
	}

	now := h.now()
	a := commission.Affiliate{
		ID:               req.ID,
		ReferralCode:     req.ReferralCode,
		Category:         commission.Category(req.Category),
		TrustLevel:       commission.TrustLevel(req.TrustLevel),
		TrustScore:       req.TrustScore,
		CustomHoldPeriod: req.CustomHoldPeriod,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := h.Store.CreateAffiliate(r.Context(), a); err != nil {
		writeEngineError(w, "Failed to create affiliate", err)
		return
	}
	created, err := h.Store.GetAffiliate(r.Context(), a.ID)
	if err != nil {
		writeEngineError(w, "Failed to load affiliate", err)
		return
	}
	writeJSON(w, http.StatusCreated, toAffiliateDTO(*created))
}

func (h *Handler) ListAffiliateCommissions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.Store.GetAffiliate(r.Context(), id); err != nil {
		writeEngineError(w, "Failed to get affiliate", err)
		return
	}
	h.listCommissions(w, r, id)
}

// GetAffiliateStats backs the dashboard's lifecycle panel.
// GET /api/affiliates/{id}/stats
func (h *Handler) GetAffiliateStats(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.Store.GetAffiliate(r.Context(), id); err != nil {
		writeEngineError(w, "Failed to get affiliate", err)
		return
	}
	stats, err := h.Engine.Stats(r.Context(), id)
	if err != nil {
		writeEngineError(w, "Failed to compute stats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// =============================================================================
// COMMISSION HANDLERS
// =============================================================================

func (h *Handler) ListCommissions(w http.ResponseWriter, r *http.Request) {
	h.listCommissions(w, r, r.URL.Query().Get("affiliate_id"))
}

func (h *Handler) listCommissions(w http.ResponseWriter, r *http.Request, affiliateID string) {
	filter := commission.CommissionFilter{AffiliateID: affiliateID}

	if s := r.URL.Query().Get("status"); s != "" {
		status := commission.Status(s)
		if !status.Valid() {
			writeError(w, http.StatusBadRequest, "Unknown status", nil)
			return
		}
		filter.Status = status
	}
	if s := r.URL.Query().Get("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer", err)
			return
		}
		filter.Limit = limit
	}

	cs, err := h.Store.ListCommissions(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list commissions", err)
		return
	}
	now := h.now()
	dtos := make([]CommissionDTO, len(cs))
	for i, c := range cs {
		dtos[i] = toCommissionDTO(c, now)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetCommission(w http.ResponseWriter, r *http.Request) {
	c, err := h.Store.GetCommission(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, "Failed to get commission", err)
		return
	}
	writeJSON(w, http.StatusOK, toCommissionDTO(*c, h.now()))
}

// RecordCommission creates a pending commission for a qualifying booking.
// POST /api/commissions
func (h *Handler) RecordCommission(w http.ResponseWriter, r *http.Request) {
	var req RecordCommissionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	start, err := parseDate(req.TripStartDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid trip_start_date (use YYYY-MM-DD or RFC3339)", err)
		return
	}
	end, err := parseDate(req.TripEndDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid trip_end_date (use YYYY-MM-DD or RFC3339)", err)
		return
	}

	c, err := h.Engine.RecordCommission(r.Context(), commission.NewCommission{
		ID:            req.ID,
		AffiliateID:   req.AffiliateID,
		BookingID:     req.BookingID,
		Amount:        req.Amount,
		Currency:      req.Currency,
		TripStartDate: start,
		TripEndDate:   end,
	})
	if err != nil {
		writeEngineError(w, "Failed to record commission", err)
		return
	}
	writeJSON(w, http.StatusCreated, toCommissionDTO(*c, h.now()))
}

func (h *Handler) GetCommissionLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.Store.GetCommission(r.Context(), id); err != nil {
		writeEngineError(w, "Failed to get commission", err)
		return
	}
	logs, err := h.Store.ListLogs(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list lifecycle logs", err)
		return
	}
	dtos := make([]LifecycleLogDTO, len(logs))
	for i, l := range logs {
		dtos[i] = toLogDTO(l)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CancelCommission handles a booking cancellation.
// POST /api/commissions/{id}/cancel
func (h *Handler) CancelCommission(w http.ResponseWriter, r *http.Request) {
	var req CancelCommissionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	res := h.Engine.HandleBookingCancellation(r.Context(), chi.URLParam(r, "id"), req.Reason, req.ActorID)
	writeResult(w, res, h.now())
}

// RefundCommission claws back a released or paid commission.
// POST /api/commissions/{id}/refund
func (h *Handler) RefundCommission(w http.ResponseWriter, r *http.Request) {
	var req RefundCommissionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	res := h.Engine.HandleBookingRefund(r.Context(), chi.URLParam(r, "id"), req.RefundAmount, req.Reason, req.ActorID)
	writeResult(w, res, h.now())
}

func (h *Handler) MarkPaid(w http.ResponseWriter, r *http.Request) {
	var req MarkPaidRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	c, err := h.Engine.MarkPaid(r.Context(), chi.URLParam(r, "id"), req.ActorID)
	if err != nil {
		writeEngineError(w, "Failed to mark commission paid", err)
		return
	}
	writeJSON(w, http.StatusOK, toCommissionDTO(*c, h.now()))
}

func (h *Handler) SetFraud(w http.ResponseWriter, r *http.Request) {
	var req FraudRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	c, err := h.Engine.SetFraud(r.Context(), chi.URLParam(r, "id"), req.Fraud, req.ActorID)
	if err != nil {
		writeEngineError(w, "Failed to update fraud flag", err)
		return
	}
	writeJSON(w, http.StatusOK, toCommissionDTO(*c, h.now()))
}

// =============================================================================
// LIFECYCLE HANDLERS
// =============================================================================

// RunLifecycle runs the three sweeps and returns the summary.
// POST /api/lifecycle/run
func (h *Handler) RunLifecycle(w http.ResponseWriter, r *http.Request) {
	summary, err := h.Scheduler.RunNow(r.Context())
	if err != nil {
		writeEngineError(w, "Lifecycle run failed", err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) LifecycleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Scheduler.Status())
}

func (h *Handler) LifecycleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Engine.Stats(r.Context(), "")
	if err != nil {
		writeEngineError(w, "Failed to compute stats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ListEvents returns recently emitted lifecycle events, oldest first.
// GET /api/events?type=commission.transitioned
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	if h.Events == nil {
		writeJSON(w, http.StatusOK, []commission.Event{})
		return
	}
	evs := h.Events.Events()
	if t := r.URL.Query().Get("type"); t != "" {
		evs = h.Events.OfType(commission.EventType(t))
	}
	if evs == nil {
		evs = []commission.Event{}
	}
	writeJSON(w, http.StatusOK, evs)
}

// =============================================================================
// HOLD PERIOD POLICY HANDLERS
// =============================================================================

// GetHoldPeriods returns the policy table in the factory's JSON shape.
// GET /api/hold-periods
func (h *Handler) GetHoldPeriods(w http.ResponseWriter, r *http.Request) {
	configs, err := h.Store.HoldPeriodConfigs(r.Context(), "")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load hold periods", err)
		return
	}
	writeJSON(w, http.StatusOK, h.PolicyFactory.ToJSON(configs, h.DefaultHoldDays))
}

// PutHoldPeriods replaces the policy table. Commissions already recorded
// keep their pinned hold period.
// PUT /api/hold-periods
func (h *Handler) PutHoldPeriods(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read body", err)
		return
	}
	configs, _, err := h.PolicyFactory.ParsePolicy(string(body))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid hold period policy", err)
		return
	}
	if err := h.Store.ReplaceHoldPeriodConfigs(r.Context(), configs); err != nil {
		writeEngineError(w, "Failed to save hold periods", err)
		return
	}
	writeJSON(w, http.StatusOK, h.PolicyFactory.ToJSON(configs, h.DefaultHoldDays))
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// statusFor maps the engine's error taxonomy to HTTP.
func statusFor(err error) int {
	switch {
	case commission.IsNotFound(err):
		return http.StatusNotFound
	case commission.IsInvalidState(err),
		errors.Is(err, commission.ErrAlreadyExists),
		errors.Is(err, commission.ErrConcurrentModification),
		errors.Is(err, commission.ErrSweepInProgress),
		errors.Is(err, commission.ErrSweepLockLost):
		return http.StatusConflict
	case errors.Is(err, commission.ErrInvalidInput):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeEngineError(w http.ResponseWriter, message string, err error) {
	writeError(w, statusFor(err), message, err)
}

func writeResult(w http.ResponseWriter, res commission.Result, now time.Time) {
	status := http.StatusOK
	if !res.Success {
		status = statusFor(res.Err)
	}
	writeJSON(w, status, toResultDTO(res, now))
}

// decodeBody accepts an empty body as the zero value.
func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
