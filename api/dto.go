/*
dto.go - Request/response shapes for the HTTP API

PURPOSE:
  Decouples the wire format from the domain types. Money travels as
  decimal strings, dates as RFC3339, and optional timestamps are omitted
  when unset.

SEE ALSO:
  - handlers.go: Uses these types
  - commission/types.go: Domain types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/commission"
)

// =============================================================================
// AFFILIATE DTOs
// =============================================================================

type AffiliateDTO struct {
	ID                      string  `json:"id"`
	ReferralCode            string  `json:"referral_code,omitempty"`
	Category                string  `json:"category"`
	TrustLevel              string  `json:"trust_level"`
	TrustScore              float64 `json:"trust_score"`
	PendingBalance          string  `json:"pending_balance"`
	CurrentBalance          string  `json:"current_balance"`
	SuccessfulBookingsCount int     `json:"successful_bookings_count"`
	FailedBookingsCount     int     `json:"failed_bookings_count"`
	CompletedTrips          int     `json:"completed_trips"`
	MonthlyCompletedTrips   int     `json:"monthly_completed_trips"`
	CanceledBookings        int     `json:"canceled_bookings"`
	RefundedBookings        int     `json:"refunded_bookings"`
	CustomHoldPeriod        *int    `json:"custom_hold_period,omitempty"`
	CreatedAt               string  `json:"created_at"`
}

type CreateAffiliateRequest struct {
	ID               string  `json:"id"`
	ReferralCode     string  `json:"referral_code,omitempty"`
	Category         string  `json:"category,omitempty"`
	TrustLevel       string  `json:"trust_level,omitempty"`
	TrustScore       float64 `json:"trust_score,omitempty"`
	CustomHoldPeriod *int    `json:"custom_hold_period,omitempty"`
}

func toAffiliateDTO(a commission.Affiliate) AffiliateDTO {
	return AffiliateDTO{
		ID:                      a.ID,
		ReferralCode:            a.ReferralCode,
		Category:                string(a.Category),
		TrustLevel:              string(a.TrustLevel),
		TrustScore:              a.TrustScore,
		PendingBalance:          a.PendingBalance.StringFixed(2),
		CurrentBalance:          a.CurrentBalance.StringFixed(2),
		SuccessfulBookingsCount: a.SuccessfulBookingsCount,
		FailedBookingsCount:     a.FailedBookingsCount,
		CompletedTrips:          a.CompletedTrips,
		MonthlyCompletedTrips:   a.MonthlyCompletedTrips,
		CanceledBookings:        a.CanceledBookings,
		RefundedBookings:        a.RefundedBookings,
		CustomHoldPeriod:        a.CustomHoldPeriod,
		CreatedAt:               a.CreatedAt.Format(time.RFC3339),
	}
}

// =============================================================================
// COMMISSION DTOs
// =============================================================================

type CommissionDTO struct {
	ID               string  `json:"id"`
	AffiliateID      string  `json:"affiliate_id"`
	BookingID        string  `json:"booking_id"`
	Status           string  `json:"status"`
	Amount           string  `json:"amount"`
	Currency         string  `json:"currency"`
	TripStartDate    string  `json:"trip_start_date"`
	TripEndDate      string  `json:"trip_end_date"`
	TripStartedAt    *string `json:"trip_started_at,omitempty"`
	TripCompletedAt  *string `json:"trip_completed_at,omitempty"`
	HoldPeriodDays   int     `json:"hold_period_days"`
	HoldPeriodEndsAt *string `json:"hold_period_ends_at,omitempty"`
	DaysUntilRelease *int    `json:"days_until_release,omitempty"`
	ReleasedAt       *string `json:"released_at,omitempty"`
	PaidAt           *string `json:"paid_at,omitempty"`
	IsFraud          bool    `json:"is_fraud"`
	CancelledAt      *string `json:"cancelled_at,omitempty"`
	CancelReason     string  `json:"cancel_reason,omitempty"`
	RefundedAt       *string `json:"refunded_at,omitempty"`
	RefundAmount     string  `json:"refund_amount,omitempty"`
	Reversed         bool    `json:"reversed"`
	ReversalReason   string  `json:"reversal_reason,omitempty"`
	ReversalAmount   string  `json:"reversal_amount,omitempty"`
	Version          int64   `json:"version"`
	CreatedAt        string  `json:"created_at"`
	UpdatedAt        string  `json:"updated_at"`
}

// RecordCommissionRequest carries a qualifying booking. Dates accept
// YYYY-MM-DD or RFC3339.
type RecordCommissionRequest struct {
	ID            string          `json:"id,omitempty"`
	AffiliateID   string          `json:"affiliate_id"`
	BookingID     string          `json:"booking_id"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency,omitempty"`
	TripStartDate string          `json:"trip_start_date"`
	TripEndDate   string          `json:"trip_end_date"`
}

type CancelCommissionRequest struct {
	Reason  string `json:"reason"`
	ActorID string `json:"actor_id,omitempty"`
}

type RefundCommissionRequest struct {
	RefundAmount decimal.Decimal `json:"refund_amount"`
	Reason       string          `json:"reason"`
	ActorID      string          `json:"actor_id,omitempty"`
}

type MarkPaidRequest struct {
	ActorID string `json:"actor_id,omitempty"`
}

type FraudRequest struct {
	Fraud   bool   `json:"fraud"`
	ActorID string `json:"actor_id,omitempty"`
}

// ResultDTO mirrors commission.Result for the event-style endpoints.
type ResultDTO struct {
	Success    bool           `json:"success"`
	Error      string         `json:"error,omitempty"`
	Commission *CommissionDTO `json:"commission,omitempty"`
}

func toCommissionDTO(c commission.Commission, now time.Time) CommissionDTO {
	dto := CommissionDTO{
		ID:               c.ID,
		AffiliateID:      c.AffiliateID,
		BookingID:        c.BookingID,
		Status:           string(c.Status),
		Amount:           c.TotalCommissionAmount.StringFixed(2),
		Currency:         c.Currency,
		TripStartDate:    c.TripStartDate.Format(time.RFC3339),
		TripEndDate:      c.TripEndDate.Format(time.RFC3339),
		TripStartedAt:    formatOptional(c.TripStartedAt),
		TripCompletedAt:  formatOptional(c.TripCompletedAt),
		HoldPeriodDays:   c.HoldPeriodDays,
		HoldPeriodEndsAt: formatOptional(c.HoldPeriodEndsAt),
		ReleasedAt:       formatOptional(c.ReleasedAt),
		PaidAt:           formatOptional(c.PaidAt),
		IsFraud:          c.IsFraud,
		CancelledAt:      formatOptional(c.CancelledAt),
		CancelReason:     c.CancelReason,
		RefundedAt:       formatOptional(c.RefundedAt),
		Reversed:         c.Reversed,
		ReversalReason:   c.ReversalReason,
		Version:          c.Version,
		CreatedAt:        c.CreatedAt.Format(time.RFC3339),
		UpdatedAt:        c.UpdatedAt.Format(time.RFC3339),
	}
	if c.RefundedAt != nil {
		dto.RefundAmount = c.RefundAmount.StringFixed(2)
	}
	if c.Reversed {
		dto.ReversalAmount = c.ReversalAmount.StringFixed(2)
	}
	if c.Status == commission.StatusInHoldPeriod && c.HoldPeriodEndsAt != nil {
		days := commission.DaysUntil(now, *c.HoldPeriodEndsAt)
		dto.DaysUntilRelease = &days
	}
	return dto
}

func toResultDTO(res commission.Result, now time.Time) ResultDTO {
	out := ResultDTO{Success: res.Success, Error: res.Error}
	if res.Commission != nil {
		dto := toCommissionDTO(*res.Commission, now)
		out.Commission = &dto
	}
	return out
}

// =============================================================================
// LIFECYCLE LOG & POLICY DTOs
// =============================================================================

type LifecycleLogDTO struct {
	ID         string            `json:"id"`
	FromStatus string            `json:"from_status,omitempty"`
	ToStatus   string            `json:"to_status"`
	Reason     string            `json:"reason"`
	Automated  bool              `json:"automated"`
	ChangedBy  string            `json:"changed_by,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  string            `json:"created_at"`
}

func toLogDTO(l commission.LifecycleLog) LifecycleLogDTO {
	return LifecycleLogDTO{
		ID:         l.ID,
		FromStatus: string(l.FromStatus),
		ToStatus:   string(l.ToStatus),
		Reason:     l.Reason,
		Automated:  l.Automated,
		ChangedBy:  l.ChangedBy,
		Metadata:   l.Metadata,
		CreatedAt:  l.CreatedAt.Format(time.RFC3339),
	}
}

// LifecycleStatusDTO reports the scheduler's last run.
type LifecycleStatusDTO struct {
	Enabled   bool                   `json:"enabled"`
	Interval  string                 `json:"interval"`
	LastRun   *commission.RunSummary `json:"last_run,omitempty"`
	LastError string                 `json:"last_error,omitempty"`
	NextRunAt *string                `json:"next_run_at,omitempty"`
}

// ErrorResponse is returned for all errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func formatOptional(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}
