// Package store provides an in-memory commission.Store.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/commission-engine/commission"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps every record in maps guarded by one RWMutex. WithTx holds the
// write lock for the whole callback, which serializes transitions the way a
// row lock would.
type Memory struct {
	mu          sync.RWMutex
	commissions map[string]commission.Commission
	affiliates  map[string]commission.Affiliate
	referrals   map[referralKey]commission.AffiliateReferral
	logs        map[string][]commission.LifecycleLog
	configs     []commission.HoldPeriodConfig
}

type referralKey struct {
	AffiliateID string
	BookingID   string
}

func NewMemory() *Memory {
	return &Memory{
		commissions: make(map[string]commission.Commission),
		affiliates:  make(map[string]commission.Affiliate),
		referrals:   make(map[referralKey]commission.AffiliateReferral),
		logs:        make(map[string][]commission.LifecycleLog),
	}
}

// =============================================================================
// READS
// =============================================================================

func (m *Memory) GetCommission(_ context.Context, id string) (*commission.Commission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.commissionLocked(id)
}

func (m *Memory) GetAffiliate(_ context.Context, id string) (*commission.Affiliate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.affiliateLocked(id)
}

func (m *Memory) GetReferral(_ context.Context, affiliateID, bookingID string) (*commission.AffiliateReferral, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.referrals[referralKey{affiliateID, bookingID}]
	if !ok {
		return nil, &commission.NotFoundError{Kind: "referral", ID: affiliateID + "/" + bookingID}
	}
	return &r, nil
}

func (m *Memory) ListDue(_ context.Context, q commission.DueQuery) ([]commission.Commission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	statuses := make(map[commission.Status]bool, len(q.Statuses))
	for _, s := range q.Statuses {
		statuses[s] = true
	}

	var out []commission.Commission
	for _, c := range m.commissions {
		if c.ID <= q.AfterID || !statuses[c.Status] {
			continue
		}
		if q.ExcludeFraud && c.IsFraud {
			continue
		}
		if !isDue(c, q) {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func isDue(c commission.Commission, q commission.DueQuery) bool {
	switch q.Kind {
	case commission.DueTripStart:
		return !c.TripStartDate.After(q.Before)
	case commission.DueTripEnd:
		return !c.TripEndDate.After(q.Before)
	case commission.DueHoldEnd:
		return c.HoldPeriodEndsAt != nil && !c.HoldPeriodEndsAt.After(q.Before) &&
			c.CancelledAt == nil && c.RefundedAt == nil
	}
	return false
}

func (m *Memory) ListCommissions(_ context.Context, f commission.CommissionFilter) ([]commission.Commission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []commission.Commission
	for _, c := range m.commissions {
		if f.AffiliateID != "" && c.AffiliateID != f.AffiliateID {
			continue
		}
		if f.Status != "" && c.Status != f.Status {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) ListLogs(_ context.Context, commissionID string) ([]commission.LifecycleLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]commission.LifecycleLog, len(m.logs[commissionID]))
	copy(result, m.logs[commissionID])
	return result, nil
}

func (m *Memory) HoldPeriodConfigs(_ context.Context, category commission.Category) ([]commission.HoldPeriodConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.configsLocked(category), nil
}

// =============================================================================
// ADMIN WRITES
// =============================================================================

func (m *Memory) ReplaceHoldPeriodConfigs(_ context.Context, configs []commission.HoldPeriodConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs = append([]commission.HoldPeriodConfig(nil), configs...)
	return nil
}

func (m *Memory) CreateAffiliate(_ context.Context, a commission.Affiliate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.affiliates[a.ID]; ok {
		return fmt.Errorf("affiliate %s: %w", a.ID, commission.ErrAlreadyExists)
	}
	if a.Version == 0 {
		a.Version = 1
	}
	m.affiliates[a.ID] = a
	return nil
}

// PutCommission stores c as-is, bypassing the lifecycle. Used to seed fixtures.
func (m *Memory) PutCommission(c commission.Commission) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.Version == 0 {
		c.Version = 1
	}
	m.commissions[c.ID] = c
}

// PutReferral stores r as-is. Used to seed fixtures.
func (m *Memory) PutReferral(r commission.AffiliateReferral) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.referrals[referralKey{r.AffiliateID, r.BookingID}] = r
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(commission.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.snapshot()
	if err := fn(&txView{parent: m}); err != nil {
		m.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	commissions map[string]commission.Commission
	affiliates  map[string]commission.Affiliate
	referrals   map[referralKey]commission.AffiliateReferral
	logs        map[string][]commission.LifecycleLog
}

func (m *Memory) snapshot() memorySnapshot {
	s := memorySnapshot{
		commissions: make(map[string]commission.Commission, len(m.commissions)),
		affiliates:  make(map[string]commission.Affiliate, len(m.affiliates)),
		referrals:   make(map[referralKey]commission.AffiliateReferral, len(m.referrals)),
		logs:        make(map[string][]commission.LifecycleLog, len(m.logs)),
	}
	for k, v := range m.commissions {
		s.commissions[k] = v
	}
	for k, v := range m.affiliates {
		s.affiliates[k] = v
	}
	for k, v := range m.referrals {
		s.referrals[k] = v
	}
	for k, v := range m.logs {
		s.logs[k] = append([]commission.LifecycleLog(nil), v...)
	}
	return s
}

func (m *Memory) restore(s memorySnapshot) {
	m.commissions = s.commissions
	m.affiliates = s.affiliates
	m.referrals = s.referrals
	m.logs = s.logs
}

// txView operates on the parent's maps; the parent's write lock is held.
type txView struct {
	parent *Memory
}

func (tv *txView) LockCommission(_ context.Context, id string) (*commission.Commission, error) {
	return tv.parent.commissionLocked(id)
}

func (tv *txView) LockAffiliate(_ context.Context, id string) (*commission.Affiliate, error) {
	return tv.parent.affiliateLocked(id)
}

func (tv *txView) InsertCommission(_ context.Context, c *commission.Commission) error {
	for _, existing := range tv.parent.commissions {
		if existing.ID == c.ID ||
			(existing.AffiliateID == c.AffiliateID && existing.BookingID == c.BookingID) {
			return fmt.Errorf("commission for booking %s: %w", c.BookingID, commission.ErrAlreadyExists)
		}
	}
	c.Version = 1
	tv.parent.commissions[c.ID] = *c
	return nil
}

func (tv *txView) UpdateCommission(_ context.Context, c *commission.Commission) error {
	stored, ok := tv.parent.commissions[c.ID]
	if !ok {
		return &commission.NotFoundError{Kind: "commission", ID: c.ID}
	}
	if stored.Version != c.Version {
		return commission.ErrConcurrentModification
	}
	c.Version++
	tv.parent.commissions[c.ID] = *c
	return nil
}

func (tv *txView) UpdateAffiliate(_ context.Context, a *commission.Affiliate) error {
	stored, ok := tv.parent.affiliates[a.ID]
	if !ok {
		return &commission.NotFoundError{Kind: "affiliate", ID: a.ID}
	}
	if stored.Version != a.Version {
		return commission.ErrConcurrentModification
	}
	a.Version++
	tv.parent.affiliates[a.ID] = *a
	return nil
}

func (tv *txView) UpsertReferral(_ context.Context, r commission.AffiliateReferral) error {
	k := referralKey{r.AffiliateID, r.BookingID}
	if existing, ok := tv.parent.referrals[k]; ok {
		r.ID = existing.ID
		r.CreatedAt = existing.CreatedAt
	}
	tv.parent.referrals[k] = r
	return nil
}

func (tv *txView) SetReferralStatus(_ context.Context, affiliateID, bookingID string, status commission.ReferralStatus, convertedAt *time.Time, at time.Time) error {
	k := referralKey{affiliateID, bookingID}
	r, ok := tv.parent.referrals[k]
	if !ok {
		return nil
	}
	r.Status = status
	if convertedAt != nil {
		r.ConvertedAt = convertedAt
	}
	r.UpdatedAt = at
	tv.parent.referrals[k] = r
	return nil
}

func (tv *txView) AppendLog(_ context.Context, entry commission.LifecycleLog) error {
	tv.parent.logs[entry.CommissionID] = append(tv.parent.logs[entry.CommissionID], entry)
	return nil
}

func (tv *txView) HoldPeriodConfigs(_ context.Context, category commission.Category) ([]commission.HoldPeriodConfig, error) {
	return tv.parent.configsLocked(category), nil
}

// =============================================================================
// HELPERS (caller holds the lock)
// =============================================================================

func (m *Memory) commissionLocked(id string) (*commission.Commission, error) {
	c, ok := m.commissions[id]
	if !ok {
		return nil, &commission.NotFoundError{Kind: "commission", ID: id}
	}
	return &c, nil
}

func (m *Memory) affiliateLocked(id string) (*commission.Affiliate, error) {
	a, ok := m.affiliates[id]
	if !ok {
		return nil, &commission.NotFoundError{Kind: "affiliate", ID: id}
	}
	return &a, nil
}

func (m *Memory) configsLocked(category commission.Category) []commission.HoldPeriodConfig {
	var out []commission.HoldPeriodConfig
	for _, c := range m.configs {
		if category == "" || c.Category == category {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].MinTrustScore > out[j].MinTrustScore })
	return out
}
