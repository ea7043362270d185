package commission

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// UpcomingReleaseWindow bounds which in-hold commissions count as upcoming releases.
const UpcomingReleaseWindow = 7 * 24 * time.Hour

// StatusTotals is the count and summed amount for one status.
type StatusTotals struct {
	Count  int             `json:"count"`
	Amount decimal.Decimal `json:"amount"`
}

// LifecycleStats backs the dashboard's lifecycle panel.
type LifecycleStats struct {
	AffiliateID string                  `json:"affiliateId,omitempty"`
	ByStatus    map[Status]StatusTotals `json:"byStatus"`
	Pending     decimal.Decimal         `json:"pendingAmount"`
	Available   decimal.Decimal         `json:"availableAmount"`
	Paid        decimal.Decimal         `json:"paidAmount"`
	Upcoming    StatusTotals            `json:"upcomingReleases"`
	AsOf        time.Time               `json:"asOf"`
}

// Stats aggregates commissions for one affiliate, or all when affiliateID is empty.
func (e *Engine) Stats(ctx context.Context, affiliateID string) (LifecycleStats, error) {
	now := e.clock.Now()
	cs, err := e.store.ListCommissions(ctx, CommissionFilter{AffiliateID: affiliateID})
	if err != nil {
		return LifecycleStats{}, wrapStore("list commissions", err)
	}
	return summarize(affiliateID, cs, now), nil
}

func summarize(affiliateID string, cs []Commission, now time.Time) LifecycleStats {
	st := LifecycleStats{
		AffiliateID: affiliateID,
		ByStatus:    make(map[Status]StatusTotals, len(Statuses)),
		Pending:     decimal.Zero,
		Available:   decimal.Zero,
		Paid:        decimal.Zero,
		Upcoming:    StatusTotals{Amount: decimal.Zero},
		AsOf:        now,
	}
	for _, s := range Statuses {
		st.ByStatus[s] = StatusTotals{Amount: decimal.Zero}
	}

	horizon := now.Add(UpcomingReleaseWindow)
	for _, c := range cs {
		t := st.ByStatus[c.Status]
		t.Count++
		t.Amount = t.Amount.Add(c.TotalCommissionAmount)
		st.ByStatus[c.Status] = t

		switch {
		case c.Status.CountsTowardPending():
			st.Pending = st.Pending.Add(c.TotalCommissionAmount)
		case c.Status == StatusAvailable:
			st.Available = st.Available.Add(c.TotalCommissionAmount)
		case c.Status == StatusPaid:
			st.Paid = st.Paid.Add(c.TotalCommissionAmount)
		}

		if c.Status == StatusInHoldPeriod && c.HoldPeriodEndsAt != nil && !c.HoldPeriodEndsAt.After(horizon) {
			st.Upcoming.Count++
			st.Upcoming.Amount = st.Upcoming.Amount.Add(c.TotalCommissionAmount)
		}
	}
	return st
}
