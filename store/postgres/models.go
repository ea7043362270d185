package postgres

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/commission"
)

type commissionModel struct {
	ID                    string          `gorm:"column:id;primaryKey"`
	AffiliateID           string          `gorm:"column:affiliate_id;not null;uniqueIndex:idx_commissions_affiliate_booking;index:idx_commissions_affiliate_created,priority:1"`
	BookingID             string          `gorm:"column:booking_id;not null;uniqueIndex:idx_commissions_affiliate_booking"`
	Status                string          `gorm:"column:status;not null;index:idx_commissions_due_start,priority:1;index:idx_commissions_due_end,priority:1;index:idx_commissions_due_hold,priority:1"`
	TotalCommissionAmount decimal.Decimal `gorm:"column:total_commission_amount;type:numeric(12,2);not null"`
	Currency              string          `gorm:"column:currency;not null;default:USD"`
	TripStartDate         time.Time       `gorm:"column:trip_start_date;not null;index:idx_commissions_due_start,priority:2"`
	TripEndDate           time.Time       `gorm:"column:trip_end_date;not null;index:idx_commissions_due_end,priority:2"`
	TripStartedAt         *time.Time      `gorm:"column:trip_started_at"`
	TripCompletedAt       *time.Time      `gorm:"column:trip_completed_at"`
	HoldPeriodDays        int             `gorm:"column:hold_period_days;not null"`
	HoldPeriodEndsAt      *time.Time      `gorm:"column:hold_period_ends_at;index:idx_commissions_due_hold,priority:2"`
	ReleasedAt            *time.Time      `gorm:"column:released_at"`
	PaidAt                *time.Time      `gorm:"column:paid_at"`
	IsFraud               bool            `gorm:"column:is_fraud;not null;default:false"`
	CancelledAt           *time.Time      `gorm:"column:cancelled_at"`
	CancelReason          string          `gorm:"column:cancel_reason"`
	RefundedAt            *time.Time      `gorm:"column:refunded_at"`
	RefundAmount          decimal.Decimal `gorm:"column:refund_amount;type:numeric(12,2);not null;default:0"`
	RefundReason          string          `gorm:"column:refund_reason"`
	Reversed              bool            `gorm:"column:reversed;not null;default:false"`
	ReversedAt            *time.Time      `gorm:"column:reversed_at"`
	ReversalReason        string          `gorm:"column:reversal_reason"`
	ReversalAmount        decimal.Decimal `gorm:"column:reversal_amount;type:numeric(12,2);not null;default:0"`
	Version               int64           `gorm:"column:version;not null;default:1"`
	CreatedAt             time.Time       `gorm:"column:created_at;index:idx_commissions_affiliate_created,priority:2,sort:desc"`
	UpdatedAt             time.Time       `gorm:"column:updated_at"`
}

func (commissionModel) TableName() string { return "commissions" }

type affiliateModel struct {
	ID                      string          `gorm:"column:id;primaryKey"`
	ReferralCode            *string         `gorm:"column:referral_code;uniqueIndex"`
	Category                string          `gorm:"column:category;not null;default:standard"`
	TrustLevel              string          `gorm:"column:trust_level;not null;default:new"`
	TrustScore              float64         `gorm:"column:trust_score;not null;default:0"`
	PendingBalance          decimal.Decimal `gorm:"column:pending_balance;type:numeric(12,2);not null;default:0"`
	CurrentBalance          decimal.Decimal `gorm:"column:current_balance;type:numeric(12,2);not null;default:0"`
	SuccessfulBookingsCount int             `gorm:"column:successful_bookings_count;not null;default:0"`
	FailedBookingsCount     int             `gorm:"column:failed_bookings_count;not null;default:0"`
	CompletedTrips          int             `gorm:"column:completed_trips;not null;default:0"`
	MonthlyCompletedTrips   int             `gorm:"column:monthly_completed_trips;not null;default:0"`
	CanceledBookings        int             `gorm:"column:canceled_bookings;not null;default:0"`
	RefundedBookings        int             `gorm:"column:refunded_bookings;not null;default:0"`
	CustomHoldPeriod        *int            `gorm:"column:custom_hold_period"`
	Version                 int64           `gorm:"column:version;not null;default:1"`
	CreatedAt               time.Time       `gorm:"column:created_at"`
	UpdatedAt               time.Time       `gorm:"column:updated_at"`
}

func (affiliateModel) TableName() string { return "affiliates" }

type referralModel struct {
	ID          string     `gorm:"column:id;primaryKey"`
	AffiliateID string     `gorm:"column:affiliate_id;not null;uniqueIndex:idx_referrals_affiliate_booking"`
	BookingID   string     `gorm:"column:booking_id;not null;uniqueIndex:idx_referrals_affiliate_booking"`
	Status      string     `gorm:"column:status;not null"`
	ConvertedAt *time.Time `gorm:"column:converted_at"`
	CreatedAt   time.Time  `gorm:"column:created_at"`
	UpdatedAt   time.Time  `gorm:"column:updated_at"`
}

func (referralModel) TableName() string { return "affiliate_referrals" }

type lifecycleLogModel struct {
	Seq          int64     `gorm:"column:seq;primaryKey;autoIncrement"`
	ID           string    `gorm:"column:id;uniqueIndex;not null"`
	CommissionID string    `gorm:"column:commission_id;not null;index:idx_lifecycle_logs_commission"`
	FromStatus   *string   `gorm:"column:from_status"`
	ToStatus     string    `gorm:"column:to_status;not null"`
	Reason       string    `gorm:"column:reason"`
	Automated    bool      `gorm:"column:automated;not null;default:true"`
	ChangedBy    *string   `gorm:"column:changed_by"`
	Metadata     *string   `gorm:"column:metadata;type:jsonb"`
	CreatedAt    time.Time `gorm:"column:created_at"`
}

func (lifecycleLogModel) TableName() string { return "commission_lifecycle_logs" }

type holdPeriodConfigModel struct {
	ID                    string  `gorm:"column:id;primaryKey"`
	Category              string  `gorm:"column:category;not null;index:idx_hold_period_configs_category"`
	TrustLevel            string  `gorm:"column:trust_level;not null"`
	MinTrustScore         float64 `gorm:"column:min_trust_score;not null;default:0"`
	MinSuccessfulBookings int     `gorm:"column:min_successful_bookings;not null;default:0"`
	HoldPeriodDays        int     `gorm:"column:hold_period_days;not null"`
}

func (holdPeriodConfigModel) TableName() string { return "hold_period_configs" }

// =============================================================================
// MAPPERS
// =============================================================================

func toCommissionModel(c commission.Commission) commissionModel {
	return commissionModel{
		ID:                    c.ID,
		AffiliateID:           c.AffiliateID,
		BookingID:             c.BookingID,
		Status:                string(c.Status),
		TotalCommissionAmount: c.TotalCommissionAmount,
		Currency:              c.Currency,
		TripStartDate:         c.TripStartDate.UTC(),
		TripEndDate:           c.TripEndDate.UTC(),
		TripStartedAt:         c.TripStartedAt,
		TripCompletedAt:       c.TripCompletedAt,
		HoldPeriodDays:        c.HoldPeriodDays,
		HoldPeriodEndsAt:      c.HoldPeriodEndsAt,
		ReleasedAt:            c.ReleasedAt,
		PaidAt:                c.PaidAt,
		IsFraud:               c.IsFraud,
		CancelledAt:           c.CancelledAt,
		CancelReason:          c.CancelReason,
		RefundedAt:            c.RefundedAt,
		RefundAmount:          c.RefundAmount,
		RefundReason:          c.RefundReason,
		Reversed:              c.Reversed,
		ReversedAt:            c.ReversedAt,
		ReversalReason:        c.ReversalReason,
		ReversalAmount:        c.ReversalAmount,
		Version:               c.Version,
		CreatedAt:             c.CreatedAt.UTC(),
		UpdatedAt:             c.UpdatedAt.UTC(),
	}
}

func (m commissionModel) toDomain() commission.Commission {
	return commission.Commission{
		ID:                    m.ID,
		AffiliateID:           m.AffiliateID,
		BookingID:             m.BookingID,
		Status:                commission.Status(m.Status),
		TotalCommissionAmount: m.TotalCommissionAmount,
		Currency:              m.Currency,
		TripStartDate:         m.TripStartDate.UTC(),
		TripEndDate:           m.TripEndDate.UTC(),
		TripStartedAt:         utcPtr(m.TripStartedAt),
		TripCompletedAt:       utcPtr(m.TripCompletedAt),
		HoldPeriodDays:        m.HoldPeriodDays,
		HoldPeriodEndsAt:      utcPtr(m.HoldPeriodEndsAt),
		ReleasedAt:            utcPtr(m.ReleasedAt),
		PaidAt:                utcPtr(m.PaidAt),
		IsFraud:               m.IsFraud,
		CancelledAt:           utcPtr(m.CancelledAt),
		CancelReason:          m.CancelReason,
		RefundedAt:            utcPtr(m.RefundedAt),
		RefundAmount:          m.RefundAmount,
		RefundReason:          m.RefundReason,
		Reversed:              m.Reversed,
		ReversedAt:            utcPtr(m.ReversedAt),
		ReversalReason:        m.ReversalReason,
		ReversalAmount:        m.ReversalAmount,
		Version:               m.Version,
		CreatedAt:             m.CreatedAt.UTC(),
		UpdatedAt:             m.UpdatedAt.UTC(),
	}
}

// commissionUpdates lists the mutable columns. A map keeps zero values
// (false, nil, 0) in the UPDATE, which a struct would skip.
func commissionUpdates(c commission.Commission) map[string]any {
	return map[string]any{
		"status":              string(c.Status),
		"trip_started_at":     c.TripStartedAt,
		"trip_completed_at":   c.TripCompletedAt,
		"hold_period_days":    c.HoldPeriodDays,
		"hold_period_ends_at": c.HoldPeriodEndsAt,
		"released_at":         c.ReleasedAt,
		"paid_at":             c.PaidAt,
		"is_fraud":            c.IsFraud,
		"cancelled_at":        c.CancelledAt,
		"cancel_reason":       c.CancelReason,
		"refunded_at":         c.RefundedAt,
		"refund_amount":       c.RefundAmount,
		"refund_reason":       c.RefundReason,
		"reversed":            c.Reversed,
		"reversed_at":         c.ReversedAt,
		"reversal_reason":     c.ReversalReason,
		"reversal_amount":     c.ReversalAmount,
		"version":             c.Version + 1,
		"updated_at":          c.UpdatedAt.UTC(),
	}
}

func toAffiliateModel(a commission.Affiliate) affiliateModel {
	var code *string
	if a.ReferralCode != "" {
		code = &a.ReferralCode
	}
	return affiliateModel{
		ID:                      a.ID,
		ReferralCode:            code,
		Category:                string(a.Category),
		TrustLevel:              string(a.TrustLevel),
		TrustScore:              a.TrustScore,
		PendingBalance:          a.PendingBalance,
		CurrentBalance:          a.CurrentBalance,
		SuccessfulBookingsCount: a.SuccessfulBookingsCount,
		FailedBookingsCount:     a.FailedBookingsCount,
		CompletedTrips:          a.CompletedTrips,
		MonthlyCompletedTrips:   a.MonthlyCompletedTrips,
		CanceledBookings:        a.CanceledBookings,
		RefundedBookings:        a.RefundedBookings,
		CustomHoldPeriod:        a.CustomHoldPeriod,
		Version:                 a.Version,
		CreatedAt:               a.CreatedAt.UTC(),
		UpdatedAt:               a.UpdatedAt.UTC(),
	}
}

func (m affiliateModel) toDomain() commission.Affiliate {
	a := commission.Affiliate{
		ID:                      m.ID,
		Category:                commission.Category(m.Category),
		TrustLevel:              commission.TrustLevel(m.TrustLevel),
		TrustScore:              m.TrustScore,
		PendingBalance:          m.PendingBalance,
		CurrentBalance:          m.CurrentBalance,
		SuccessfulBookingsCount: m.SuccessfulBookingsCount,
		FailedBookingsCount:     m.FailedBookingsCount,
		CompletedTrips:          m.CompletedTrips,
		MonthlyCompletedTrips:   m.MonthlyCompletedTrips,
		CanceledBookings:        m.CanceledBookings,
		RefundedBookings:        m.RefundedBookings,
		CustomHoldPeriod:        m.CustomHoldPeriod,
		Version:                 m.Version,
		CreatedAt:               m.CreatedAt.UTC(),
		UpdatedAt:               m.UpdatedAt.UTC(),
	}
	if m.ReferralCode != nil {
		a.ReferralCode = *m.ReferralCode
	}
	return a
}

func affiliateUpdates(a commission.Affiliate) map[string]any {
	return map[string]any{
		"category":                  string(a.Category),
		"trust_level":               string(a.TrustLevel),
		"trust_score":               a.TrustScore,
		"pending_balance":           a.PendingBalance,
		"current_balance":           a.CurrentBalance,
		"successful_bookings_count": a.SuccessfulBookingsCount,
		"failed_bookings_count":     a.FailedBookingsCount,
		"completed_trips":           a.CompletedTrips,
		"monthly_completed_trips":   a.MonthlyCompletedTrips,
		"canceled_bookings":         a.CanceledBookings,
		"refunded_bookings":         a.RefundedBookings,
		"custom_hold_period":        a.CustomHoldPeriod,
		"version":                   a.Version + 1,
		"updated_at":                a.UpdatedAt.UTC(),
	}
}

func (m referralModel) toDomain() commission.AffiliateReferral {
	return commission.AffiliateReferral{
		ID:          m.ID,
		AffiliateID: m.AffiliateID,
		BookingID:   m.BookingID,
		Status:      commission.ReferralStatus(m.Status),
		ConvertedAt: utcPtr(m.ConvertedAt),
		CreatedAt:   m.CreatedAt.UTC(),
		UpdatedAt:   m.UpdatedAt.UTC(),
	}
}

func toLogModel(l commission.LifecycleLog) (lifecycleLogModel, error) {
	m := lifecycleLogModel{
		ID:           l.ID,
		CommissionID: l.CommissionID,
		FromStatus:   optional(string(l.FromStatus)),
		ToStatus:     string(l.ToStatus),
		Reason:       l.Reason,
		Automated:    l.Automated,
		ChangedBy:    optional(l.ChangedBy),
		CreatedAt:    l.CreatedAt.UTC(),
	}
	if len(l.Metadata) > 0 {
		b, err := json.Marshal(l.Metadata)
		if err != nil {
			return m, err
		}
		s := string(b)
		m.Metadata = &s
	}
	return m, nil
}

func (m lifecycleLogModel) toDomain() (commission.LifecycleLog, error) {
	l := commission.LifecycleLog{
		ID:           m.ID,
		CommissionID: m.CommissionID,
		ToStatus:     commission.Status(m.ToStatus),
		Reason:       m.Reason,
		Automated:    m.Automated,
		CreatedAt:    m.CreatedAt.UTC(),
	}
	if m.FromStatus != nil {
		l.FromStatus = commission.Status(*m.FromStatus)
	}
	if m.ChangedBy != nil {
		l.ChangedBy = *m.ChangedBy
	}
	if m.Metadata != nil && *m.Metadata != "" {
		if err := json.Unmarshal([]byte(*m.Metadata), &l.Metadata); err != nil {
			return l, err
		}
	}
	return l, nil
}

func (m holdPeriodConfigModel) toDomain() commission.HoldPeriodConfig {
	return commission.HoldPeriodConfig{
		ID:                    m.ID,
		Category:              commission.Category(m.Category),
		TrustLevel:            commission.TrustLevel(m.TrustLevel),
		MinTrustScore:         m.MinTrustScore,
		MinSuccessfulBookings: m.MinSuccessfulBookings,
		HoldPeriodDays:        m.HoldPeriodDays,
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
