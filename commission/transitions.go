/*
transitions.go - Lifecycle state transitions

PURPOSE:
  The Engine advances individual commissions through the lifecycle and
  keeps the affiliate's balances, counters, referral, and trust score in
  step with every move. It is the only writer of commission status.

TRANSITIONS:
  StartTrip        pending -> trip_in_progress
  CompleteTrip     trip_in_progress | trip_completed -> in_hold_period
  ReleaseFromHold  in_hold_period -> available        (pending -> current balance)
  MarkPaid         available -> paid
  Cancel           pending | trip_in_progress | trip_completed | in_hold_period -> cancelled
  Refund           available | paid -> reversed        (current balance clawback)
  RecordCommission (new) -> pending                    (pins the hold period)

TRANSACTION DISCIPLINE:
  Each transition is one WithTx call:
  1. Lock the commission row, then the affiliate row when balances move
  2. Re-check the precondition under the lock
  3. Write commission, affiliate, referral, and one lifecycle log row
  4. Commit; events are emitted only after commit

  A precondition that no longer holds returns InvalidStateError and writes
  nothing, so re-applying any transition is safe.

SEE ALSO:
  - processor.go: Drives StartTrip, CompleteTrip, ReleaseFromHold on a schedule
  - trust.go: Trust recalculation after release and reversal
*/
package commission

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	store           Store
	clock           Clock
	events          EventSink
	logger          *slog.Logger
	defaultHoldDays int
}

type Option func(*Engine)

func WithClock(c Clock) Option { return func(e *Engine) { e.clock = c } }

func WithEventSink(s EventSink) Option { return func(e *Engine) { e.events = s } }

func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

func WithDefaultHoldPeriod(days int) Option {
	return func(e *Engine) { e.defaultHoldDays = days }
}

func NewEngine(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:           store,
		clock:           SystemClock{},
		events:          nopSink{},
		logger:          slog.Default(),
		defaultHoldDays: DefaultHoldPeriodDays,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "commission.engine")
	return e
}

func (e *Engine) Store() Store { return e.store }
func (e *Engine) Clock() Clock { return e.clock }

// =============================================================================
// RESULT - Structured outcome for event-driven handlers
// =============================================================================

// Result lets API and event layers report failures without inspecting error types.
type Result struct {
	Success    bool        `json:"success"`
	Error      string      `json:"error,omitempty"`
	Commission *Commission `json:"commission,omitempty"`
	Err        error       `json:"-"`
}

func resultOf(c *Commission, err error) Result {
	if err != nil {
		return Result{Success: false, Error: err.Error(), Err: err}
	}
	return Result{Success: true, Commission: c}
}

// =============================================================================
// SCHEDULED TRANSITIONS
// =============================================================================

// StartTrip moves a pending commission whose trip has begun to trip_in_progress.
func (e *Engine) StartTrip(ctx context.Context, id string) (*Commission, error) {
	now := e.clock.Now()
	var out *Commission
	var from Status

	err := e.store.WithTx(ctx, func(tx Tx) error {
		c, err := tx.LockCommission(ctx, id)
		if err != nil {
			return err
		}
		if c.Status != StatusPending {
			return invalid(c, "start trip", "commission is not pending")
		}
		if c.TripStartDate.After(now) {
			return invalid(c, "start trip", "trip start date is in the future")
		}

		from = c.Status
		c.Status = StatusTripInProgress
		c.TripStartedAt = timePtr(now)

		reason := fmt.Sprintf("Trip started (scheduled start %s)", c.TripStartDate.Format("2006-01-02"))
		if err := e.record(ctx, tx, c, from, reason, "", nil, now); err != nil {
			return err
		}
		out = c
		return nil
	})
	if err != nil {
		return nil, wrapStore("start trip", err)
	}

	e.emitTransition(ctx, out, from, nil, now)
	return out, nil
}

// CompleteTrip moves a finished trip into its hold period. The hold length
// is the value pinned on the commission when it was recorded.
func (e *Engine) CompleteTrip(ctx context.Context, id string) (*Commission, error) {
	now := e.clock.Now()
	var out *Commission
	var from Status
	var meta map[string]string

	err := e.store.WithTx(ctx, func(tx Tx) error {
		c, err := tx.LockCommission(ctx, id)
		if err != nil {
			return err
		}
		if c.Status != StatusTripInProgress && c.Status != StatusTripCompleted {
			return invalid(c, "complete trip", "trip is not in progress")
		}
		if c.TripEndDate.After(now) {
			return invalid(c, "complete trip", "trip end date is in the future")
		}
		if c.IsFraud {
			return invalid(c, "complete trip", "commission is flagged as fraud")
		}

		holdDays := c.HoldPeriodDays
		if holdDays < 0 {
			holdDays = 0
		}
		endsAt := AddDays(now, holdDays)

		from = c.Status
		c.Status = StatusInHoldPeriod
		c.TripCompletedAt = timePtr(now)
		c.HoldPeriodEndsAt = timePtr(endsAt)

		meta = map[string]string{
			"holdPeriodDays":   strconv.Itoa(holdDays),
			"holdPeriodEndsAt": endsAt.Format(time.RFC3339),
		}
		reason := fmt.Sprintf("Trip completed; %d-day hold period until %s", holdDays, endsAt.Format("2006-01-02"))
		if err := e.record(ctx, tx, c, from, reason, "", meta, now); err != nil {
			return err
		}
		out = c
		return nil
	})
	if err != nil {
		return nil, wrapStore("complete trip", err)
	}

	e.emitTransition(ctx, out, from, meta, now)
	return out, nil
}

// ReleaseFromHold makes a commission payable and moves its amount from the
// affiliate's pending balance to the current balance.
func (e *Engine) ReleaseFromHold(ctx context.Context, id string) (*Commission, error) {
	now := e.clock.Now()
	var out *Commission
	var from Status
	var trust TrustUpdate

	err := e.store.WithTx(ctx, func(tx Tx) error {
		c, err := tx.LockCommission(ctx, id)
		if err != nil {
			return err
		}
		switch {
		case c.Status != StatusInHoldPeriod:
			return invalid(c, "release", "commission is not in hold period")
		case c.HoldPeriodEndsAt == nil || c.HoldPeriodEndsAt.After(now):
			return invalid(c, "release", "hold period has not ended")
		case c.IsFraud:
			return invalid(c, "release", "commission is flagged as fraud")
		case c.CancelledAt != nil:
			return invalid(c, "release", "commission was cancelled")
		case c.RefundedAt != nil:
			return invalid(c, "release", "commission was refunded")
		}

		a, err := tx.LockAffiliate(ctx, c.AffiliateID)
		if err != nil {
			return err
		}

		amount := c.TotalCommissionAmount
		a.PendingBalance = a.PendingBalance.Sub(amount)
		a.CurrentBalance = a.CurrentBalance.Add(amount)
		a.SuccessfulBookingsCount++
		a.CompletedTrips++
		a.MonthlyCompletedTrips++

		if trust, err = e.recalculateTrust(ctx, tx, a); err != nil {
			return err
		}
		a.UpdatedAt = now
		if err := tx.UpdateAffiliate(ctx, a); err != nil {
			return err
		}
		if err := tx.SetReferralStatus(ctx, c.AffiliateID, c.BookingID, ReferralCompleted, timePtr(now), now); err != nil {
			return err
		}

		from = c.Status
		c.Status = StatusAvailable
		c.ReleasedAt = timePtr(now)

		meta := map[string]string{"releasedAmount": amount.String()}
		reason := fmt.Sprintf("Hold period ended; released %s %s to current balance", amount.StringFixed(2), c.Currency)
		if err := e.record(ctx, tx, c, from, reason, "", meta, now); err != nil {
			return err
		}
		out = c
		return nil
	})
	if err != nil {
		return nil, wrapStore("release from hold", err)
	}

	e.emitTransition(ctx, out, from, map[string]string{"releasedAmount": out.TotalCommissionAmount.String()}, now)
	e.emitTrust(ctx, out.AffiliateID, trust, now)
	return out, nil
}

// =============================================================================
// EVENT-DRIVEN TRANSITIONS
// =============================================================================

// CancelRequest carries a booking-cancellation event.
type CancelRequest struct {
	CommissionID string
	Reason       string
	CancelledBy  string // empty when the cancellation is automated
}

// Cancel takes a commission out of the pipeline before release. The amount
// leaves the pending balance; the current balance is never touched.
func (e *Engine) Cancel(ctx context.Context, req CancelRequest) (*Commission, error) {
	now := e.clock.Now()
	var out *Commission
	var from Status

	err := e.store.WithTx(ctx, func(tx Tx) error {
		c, err := tx.LockCommission(ctx, req.CommissionID)
		if err != nil {
			return err
		}
		switch {
		case c.Status == StatusPaid:
			return invalid(c, "cancel", "commission has already been paid")
		case c.Status == StatusAvailable:
			return invalid(c, "cancel", "commission has been released; use a refund")
		case !c.Status.IsCancellable():
			return invalid(c, "cancel", "commission is already closed")
		}

		a, err := tx.LockAffiliate(ctx, c.AffiliateID)
		if err != nil {
			return err
		}

		from = c.Status
		if from.CountsTowardPending() {
			a.PendingBalance = a.PendingBalance.Sub(c.TotalCommissionAmount)
			a.CanceledBookings++
			a.UpdatedAt = now
			if err := tx.UpdateAffiliate(ctx, a); err != nil {
				return err
			}
		}
		if err := tx.SetReferralStatus(ctx, c.AffiliateID, c.BookingID, ReferralCanceled, nil, now); err != nil {
			return err
		}

		c.Status = StatusCancelled
		c.CancelledAt = timePtr(now)
		c.CancelReason = req.Reason

		reason := "Booking cancelled"
		if req.Reason != "" {
			reason = "Booking cancelled: " + req.Reason
		}
		meta := map[string]string{"amount": c.TotalCommissionAmount.String()}
		if err := e.record(ctx, tx, c, from, reason, req.CancelledBy, meta, now); err != nil {
			return err
		}
		out = c
		return nil
	})
	if err != nil {
		return nil, wrapStore("cancel commission", err)
	}

	e.emitTransition(ctx, out, from, actorAttrs(req.CancelledBy), now)
	return out, nil
}

// HandleBookingCancellation is the event entry point for booking cancellations.
func (e *Engine) HandleBookingCancellation(ctx context.Context, commissionID, reason, cancelledBy string) Result {
	c, err := e.Cancel(ctx, CancelRequest{CommissionID: commissionID, Reason: reason, CancelledBy: cancelledBy})
	if err != nil {
		e.logger.WarnContext(ctx, "booking cancellation rejected",
			"commission_id", commissionID, "error", err)
	}
	return resultOf(c, err)
}

// RefundRequest carries a payment-refund event.
type RefundRequest struct {
	CommissionID string
	RefundAmount decimal.Decimal
	Reason       string
	RefundedBy   string
}

// Refund claws back a released or paid commission. The full commission
// amount is debited from the current balance, which may go negative; the
// customer refund amount is recorded separately.
func (e *Engine) Refund(ctx context.Context, req RefundRequest) (*Commission, error) {
	if req.RefundAmount.IsNegative() {
		return nil, fmt.Errorf("%w: refund amount must not be negative", ErrInvalidInput)
	}

	now := e.clock.Now()
	var out *Commission
	var from Status
	var trust TrustUpdate

	err := e.store.WithTx(ctx, func(tx Tx) error {
		c, err := tx.LockCommission(ctx, req.CommissionID)
		if err != nil {
			return err
		}
		if !c.Status.IsReversible() {
			if c.Status.IsCancellable() {
				return invalid(c, "refund", "commission has not been released; cancel it instead")
			}
			return invalid(c, "refund", "commission is already closed")
		}

		a, err := tx.LockAffiliate(ctx, c.AffiliateID)
		if err != nil {
			return err
		}

		a.CurrentBalance = a.CurrentBalance.Sub(c.TotalCommissionAmount)
		a.FailedBookingsCount++
		a.RefundedBookings++
		if trust, err = e.recalculateTrust(ctx, tx, a); err != nil {
			return err
		}
		a.UpdatedAt = now
		if err := tx.UpdateAffiliate(ctx, a); err != nil {
			return err
		}
		if err := tx.SetReferralStatus(ctx, c.AffiliateID, c.BookingID, ReferralRefunded, nil, now); err != nil {
			return err
		}

		from = c.Status
		c.Status = StatusReversed
		c.Reversed = true
		c.ReversedAt = timePtr(now)
		c.ReversalReason = req.Reason
		c.ReversalAmount = c.TotalCommissionAmount
		c.RefundedAt = timePtr(now)
		c.RefundAmount = req.RefundAmount
		c.RefundReason = req.Reason

		meta := map[string]string{
			"reversalAmount": c.ReversalAmount.String(),
			"refundAmount":   c.RefundAmount.String(),
		}
		reason := "Payment refunded; commission reversed"
		if req.Reason != "" {
			reason = "Payment refunded: " + req.Reason
		}
		if err := e.record(ctx, tx, c, from, reason, req.RefundedBy, meta, now); err != nil {
			return err
		}
		out = c
		return nil
	})
	if err != nil {
		return nil, wrapStore("refund commission", err)
	}

	attrs := actorAttrs(req.RefundedBy)
	attrs["refundAmount"] = req.RefundAmount.String()
	e.emitTransition(ctx, out, from, attrs, now)
	e.emitTrust(ctx, out.AffiliateID, trust, now)
	return out, nil
}

// HandleBookingRefund is the event entry point for payment refunds.
func (e *Engine) HandleBookingRefund(ctx context.Context, commissionID string, refundAmount decimal.Decimal, reason, refundedBy string) Result {
	c, err := e.Refund(ctx, RefundRequest{
		CommissionID: commissionID,
		RefundAmount: refundAmount,
		Reason:       reason,
		RefundedBy:   refundedBy,
	})
	if err != nil {
		e.logger.WarnContext(ctx, "booking refund rejected",
			"commission_id", commissionID, "error", err)
	}
	return resultOf(c, err)
}

// MarkPaid records that a released commission went out in a payout.
// Balances are owned by the payout system and are not changed here.
func (e *Engine) MarkPaid(ctx context.Context, id, paidBy string) (*Commission, error) {
	now := e.clock.Now()
	var out *Commission
	var from Status

	err := e.store.WithTx(ctx, func(tx Tx) error {
		c, err := tx.LockCommission(ctx, id)
		if err != nil {
			return err
		}
		if c.Status != StatusAvailable {
			return invalid(c, "mark paid", "commission is not available")
		}
		from = c.Status
		c.Status = StatusPaid
		c.PaidAt = timePtr(now)
		if err := e.record(ctx, tx, c, from, "Included in payout", paidBy, nil, now); err != nil {
			return err
		}
		out = c
		return nil
	})
	if err != nil {
		return nil, wrapStore("mark paid", err)
	}

	e.emitTransition(ctx, out, from, actorAttrs(paidBy), now)
	return out, nil
}

// SetFraud flags or clears a commission as fraudulent. Flagged commissions
// are skipped by the complete and release sweeps. The status is unchanged,
// so no lifecycle row is written.
func (e *Engine) SetFraud(ctx context.Context, id string, fraud bool, actor string) (*Commission, error) {
	now := e.clock.Now()
	var out *Commission

	err := e.store.WithTx(ctx, func(tx Tx) error {
		c, err := tx.LockCommission(ctx, id)
		if err != nil {
			return err
		}
		if c.Status.IsTerminal() {
			return invalid(c, "flag fraud", "commission is closed")
		}
		c.IsFraud = fraud
		c.UpdatedAt = now
		if err := tx.UpdateCommission(ctx, c); err != nil {
			return err
		}
		out = c
		return nil
	})
	if err != nil {
		return nil, wrapStore("set fraud", err)
	}

	e.logger.InfoContext(ctx, "fraud flag updated",
		"commission_id", id, "is_fraud", fraud, "changed_by", actor)
	return out, nil
}

// =============================================================================
// CREATION
// =============================================================================

// NewCommission describes a qualifying booking.
type NewCommission struct {
	ID            string // generated when empty
	AffiliateID   string
	BookingID     string
	Amount        decimal.Decimal
	Currency      string
	TripStartDate time.Time
	TripEndDate   time.Time
}

func (n NewCommission) validate() error {
	var problems []string
	if n.AffiliateID == "" {
		problems = append(problems, "affiliate id is required")
	}
	if n.BookingID == "" {
		problems = append(problems, "booking id is required")
	}
	if !n.Amount.IsPositive() {
		problems = append(problems, "amount must be positive")
	}
	if n.TripStartDate.IsZero() || n.TripEndDate.IsZero() {
		problems = append(problems, "trip dates are required")
	} else if n.TripEndDate.Before(n.TripStartDate) {
		problems = append(problems, "trip end date is before start date")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidInput, strings.Join(problems, "; "))
	}
	return nil
}

// RecordCommission creates a pending commission, pins its hold period from
// current policy, and adds its amount to the affiliate's pending balance.
func (e *Engine) RecordCommission(ctx context.Context, n NewCommission) (*Commission, error) {
	if err := n.validate(); err != nil {
		return nil, err
	}
	now := e.clock.Now()
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.Currency == "" {
		n.Currency = "USD"
	}

	var out *Commission
	var source HoldPeriodSource

	err := e.store.WithTx(ctx, func(tx Tx) error {
		a, err := tx.LockAffiliate(ctx, n.AffiliateID)
		if err != nil {
			return err
		}
		configs, err := tx.HoldPeriodConfigs(ctx, a.Category)
		if err != nil {
			return err
		}
		var holdDays int
		holdDays, source = ResolveHoldPeriod(*a, configs, e.defaultHoldDays)

		c := &Commission{
			ID:                    n.ID,
			AffiliateID:           n.AffiliateID,
			BookingID:             n.BookingID,
			Status:                StatusPending,
			TotalCommissionAmount: n.Amount,
			Currency:              n.Currency,
			TripStartDate:         n.TripStartDate.UTC(),
			TripEndDate:           n.TripEndDate.UTC(),
			HoldPeriodDays:        holdDays,
			CreatedAt:             now,
			UpdatedAt:             now,
		}
		if err := tx.InsertCommission(ctx, c); err != nil {
			return err
		}

		a.PendingBalance = a.PendingBalance.Add(n.Amount)
		a.UpdatedAt = now
		if err := tx.UpdateAffiliate(ctx, a); err != nil {
			return err
		}
		if err := tx.UpsertReferral(ctx, AffiliateReferral{
			ID:          uuid.NewString(),
			AffiliateID: n.AffiliateID,
			BookingID:   n.BookingID,
			Status:      ReferralPending,
			CreatedAt:   now,
			UpdatedAt:   now,
		}); err != nil {
			return err
		}

		if err := tx.AppendLog(ctx, LifecycleLog{
			ID:           uuid.NewString(),
			CommissionID: c.ID,
			ToStatus:     StatusPending,
			Reason:       "Commission recorded for booking " + n.BookingID,
			Automated:    true,
			Metadata: map[string]string{
				"holdPeriodDays":   strconv.Itoa(holdDays),
				"holdPeriodSource": string(source),
			},
			CreatedAt: now,
		}); err != nil {
			return err
		}
		out = c
		return nil
	})
	if err != nil {
		return nil, wrapStore("record commission", err)
	}

	e.emitTransition(ctx, out, "", map[string]string{"holdPeriodSource": string(source)}, now)
	return out, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// record persists the commission and its audit row in the same transaction.
func (e *Engine) record(ctx context.Context, tx Tx, c *Commission, from Status, reason, actor string, meta map[string]string, now time.Time) error {
	c.UpdatedAt = now
	if err := tx.UpdateCommission(ctx, c); err != nil {
		return err
	}
	return tx.AppendLog(ctx, LifecycleLog{
		ID:           uuid.NewString(),
		CommissionID: c.ID,
		FromStatus:   from,
		ToStatus:     c.Status,
		Reason:       reason,
		Automated:    actor == "",
		ChangedBy:    actor,
		Metadata:     meta,
		CreatedAt:    now,
	})
}

func (e *Engine) recalculateTrust(ctx context.Context, tx Tx, a *Affiliate) (TrustUpdate, error) {
	configs, err := tx.HoldPeriodConfigs(ctx, a.Category)
	if err != nil {
		return TrustUpdate{}, err
	}
	u := RecalculateTrust(*a, configs)
	u.Apply(a)
	return u, nil
}

func invalid(c *Commission, transition, reason string) error {
	return &InvalidStateError{
		CommissionID: c.ID,
		Transition:   transition,
		Status:       c.Status,
		Reason:       reason,
	}
}

func actorAttrs(actor string) map[string]string {
	attrs := map[string]string{}
	if actor != "" {
		attrs["changedBy"] = actor
	}
	return attrs
}

func (e *Engine) emit(ctx context.Context, ev Event) {
	if err := e.events.Emit(ctx, ev); err != nil {
		e.logger.WarnContext(ctx, "failed to emit lifecycle event",
			"event", string(ev.Type), "commission_id", ev.CommissionID, "error", err)
	}
}

func (e *Engine) emitTransition(ctx context.Context, c *Commission, from Status, attrs map[string]string, now time.Time) {
	e.emit(ctx, Event{
		Type:         EventTransitioned,
		At:           now,
		CommissionID: c.ID,
		AffiliateID:  c.AffiliateID,
		From:         from,
		To:           c.Status,
		Amount:       c.TotalCommissionAmount,
		Attrs:        attrs,
	})
}

func (e *Engine) emitTrust(ctx context.Context, affiliateID string, u TrustUpdate, now time.Time) {
	if u.Skipped {
		return
	}
	if u.Warning != nil {
		e.logger.WarnContext(ctx, "trust level unresolved; left unchanged",
			"affiliate_id", affiliateID, "category", string(u.Warning.Category),
			"trust_score", u.Warning.TrustScore)
		e.emit(ctx, Event{
			Type:        EventPolicyUnresolved,
			At:          now,
			AffiliateID: affiliateID,
			Attrs: map[string]string{
				"category":   string(u.Warning.Category),
				"trustScore": strconv.FormatFloat(u.Warning.TrustScore, 'f', 1, 64),
			},
		})
	}
	e.emit(ctx, Event{
		Type:        EventTrustUpdated,
		At:          now,
		AffiliateID: affiliateID,
		Attrs: map[string]string{
			"previousScore": strconv.FormatFloat(u.PreviousScore, 'f', 1, 64),
			"score":         strconv.FormatFloat(u.Score, 'f', 1, 64),
			"previousLevel": string(u.PreviousLevel),
			"level":         string(u.Level),
		},
	})
}
