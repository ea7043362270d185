/*
Package commission provides the affiliate commission lifecycle engine.

PURPOSE:
  Every booking made through an affiliate link earns that affiliate a
  commission. The commission is not payable right away: the trip has to
  start, finish, and then sit out a hold period sized by the affiliate's
  risk profile. This package owns that lifecycle, the balance bookkeeping
  that follows it, and the trust score that sizes future hold periods.

KEY CONCEPTS IN THIS FILE (types.go):
  - Commission: One affiliate's earned amount on one booking
  - Affiliate: The payee account with pending and current balances
  - AffiliateReferral: Referral-to-booking link mirrored to the outcome
  - LifecycleLog: Append-only audit row, one per status change
  - HoldPeriodConfig: Policy row mapping risk tier to hold days

STATE MACHINE:
  pending -> trip_in_progress -> (trip_completed) -> in_hold_period -> available -> paid

  cancelled: reachable from pending, trip_in_progress, trip_completed, in_hold_period
  reversed:  reachable from available, paid (post-payout clawback)

BALANCES:
  pending balance  = commissions still in the pipeline
  current balance  = released, payable commissions (may go negative after a clawback)

SEE ALSO:
  - transitions.go: State transitions and balance effects
  - processor.go: Scheduled sweeps
  - trust.go: Trust score calculation
  - holdperiod.go: Hold period resolution at creation time
  - store.go: Persistence port
*/
package commission

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STATUS - Lifecycle states
// =============================================================================

type Status string

const (
	StatusPending        Status = "pending"
	StatusTripInProgress Status = "trip_in_progress"
	StatusTripCompleted  Status = "trip_completed" // transient; accepted as input by CompleteTrip
	StatusInHoldPeriod   Status = "in_hold_period"
	StatusAvailable      Status = "available"
	StatusPaid           Status = "paid"
	StatusCancelled      Status = "cancelled"
	StatusReversed       Status = "reversed"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{
	StatusPending,
	StatusTripInProgress,
	StatusTripCompleted,
	StatusInHoldPeriod,
	StatusAvailable,
	StatusPaid,
	StatusCancelled,
	StatusReversed,
}

func (s Status) Valid() bool {
	for _, v := range Statuses {
		if v == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no automated transition leaves this status.
func (s Status) IsTerminal() bool {
	return s == StatusPaid || s == StatusCancelled || s == StatusReversed
}

// CountsTowardPending reports whether the commission amount is still part of
// the affiliate's pending balance while in this status.
func (s Status) CountsTowardPending() bool {
	switch s {
	case StatusPending, StatusTripInProgress, StatusTripCompleted, StatusInHoldPeriod:
		return true
	}
	return false
}

// IsCancellable reports whether Cancel may be applied from this status.
func (s Status) IsCancellable() bool { return s.CountsTowardPending() }

// IsReversible reports whether a refund clawback may be applied from this status.
func (s Status) IsReversible() bool { return s == StatusAvailable || s == StatusPaid }

// =============================================================================
// TRUST LEVEL & REFERRAL STATUS
// =============================================================================

type TrustLevel string

const (
	TrustNew      TrustLevel = "new"
	TrustBronze   TrustLevel = "bronze"
	TrustSilver   TrustLevel = "silver"
	TrustGold     TrustLevel = "gold"
	TrustPlatinum TrustLevel = "platinum"
)

type ReferralStatus string

const (
	ReferralPending   ReferralStatus = "pending"
	ReferralCompleted ReferralStatus = "completed"
	ReferralCanceled  ReferralStatus = "canceled"
	ReferralRefunded  ReferralStatus = "refunded"
)

// Category groups affiliates for hold period policy (standard, influencer, agency, ...).
type Category string

const CategoryStandard Category = "standard"

// =============================================================================
// COMMISSION
// =============================================================================

// Commission is a single affiliate's earned commission on one booking.
// Records are never deleted; terminal states persist for audit.
type Commission struct {
	ID          string
	AffiliateID string
	BookingID   string
	Status      Status

	TotalCommissionAmount decimal.Decimal
	Currency              string

	TripStartDate   time.Time
	TripEndDate     time.Time
	TripStartedAt   *time.Time
	TripCompletedAt *time.Time

	// HoldPeriodDays is pinned when the commission is recorded.
	HoldPeriodDays   int
	HoldPeriodEndsAt *time.Time
	ReleasedAt       *time.Time
	PaidAt           *time.Time

	IsFraud bool

	CancelledAt  *time.Time
	CancelReason string

	RefundedAt   *time.Time
	RefundAmount decimal.Decimal
	RefundReason string

	Reversed       bool
	ReversedAt     *time.Time
	ReversalReason string
	ReversalAmount decimal.Decimal

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// =============================================================================
// AFFILIATE
// =============================================================================

// Affiliate is the payee account accumulating commissions.
type Affiliate struct {
	ID           string
	ReferralCode string
	Category     Category
	TrustLevel   TrustLevel
	TrustScore   float64

	PendingBalance decimal.Decimal
	CurrentBalance decimal.Decimal

	SuccessfulBookingsCount int
	FailedBookingsCount     int
	CompletedTrips          int
	MonthlyCompletedTrips   int
	CanceledBookings        int
	RefundedBookings        int

	// CustomHoldPeriod overrides policy resolution when set.
	CustomHoldPeriod *int

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// =============================================================================
// REFERRAL, LOG, POLICY
// =============================================================================

// AffiliateReferral links an affiliate referral to the booking it produced.
type AffiliateReferral struct {
	ID          string
	AffiliateID string
	BookingID   string
	Status      ReferralStatus
	ConvertedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// LifecycleLog is one append-only audit row per commission status change.
type LifecycleLog struct {
	ID           string
	CommissionID string
	FromStatus   Status // empty for the creation row
	ToStatus     Status
	Reason       string
	Automated    bool
	ChangedBy    string
	Metadata     map[string]string
	CreatedAt    time.Time
}

// HoldPeriodConfig maps a risk tier to a hold period.
type HoldPeriodConfig struct {
	ID                    string
	Category              Category
	TrustLevel            TrustLevel
	MinTrustScore         float64
	MinSuccessfulBookings int
	HoldPeriodDays        int
}
