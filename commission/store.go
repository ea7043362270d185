/*
store.go - Persistence port for the lifecycle engine

PURPOSE:
  Defines the narrow interface between the engine and the database. The
  engine never talks to an ORM or SQL driver directly; it sees only the
  operations below, so it runs the same against SQLite, Postgres, or the
  in-memory store used by tests.

KEY INTERFACES:
  Store: Reads, sweep queries, admin writes, and WithTx
  Tx:    Row-locking reads and writes inside one database transaction

TRANSACTION CONTRACT:
  Every transition runs inside WithTx. Inside the callback:
  - LockCommission / LockAffiliate take a row lock (SELECT ... FOR UPDATE
    on Postgres; SQLite and memory serialize writers instead)
  - UpdateCommission / UpdateAffiliate compare-and-swap on Version and
    return ErrConcurrentModification when the row moved underneath
  - AppendLog is written in the same transaction as the status change
  If the callback returns an error, nothing is committed.

SWEEP QUERIES:
  ListDue pages by ID (keyset) so a sweep never loads the whole table and
  records that fail stay behind the cursor until the next run.

IMPLEMENTATIONS:
  - commission/store/memory.go: In-memory, for tests and dev
  - store/sqlite/sqlite.go: SQLite via database/sql
  - store/postgres/postgres.go: Postgres via gorm

SEE ALSO:
  - transitions.go: Uses Tx for every state change
  - processor.go: Uses ListDue for sweeps
*/
package commission

import (
	"context"
	"time"
)

// =============================================================================
// SWEEP QUERIES
// =============================================================================

// DueKind selects which timestamp a sweep compares against.
type DueKind int

const (
	DueTripStart DueKind = iota // trip_start_date <= before
	DueTripEnd                  // trip_end_date <= before
	DueHoldEnd                  // hold_period_ends_at <= before, not cancelled or refunded
)

func (k DueKind) String() string {
	switch k {
	case DueTripStart:
		return "trip_start"
	case DueTripEnd:
		return "trip_end"
	case DueHoldEnd:
		return "hold_end"
	}
	return "unknown"
}

// DueQuery selects one page of commissions eligible for a sweep.
type DueQuery struct {
	Kind         DueKind
	Statuses     []Status
	Before       time.Time
	ExcludeFraud bool
	AfterID      string // keyset cursor; results have ID > AfterID
	Limit        int
}

// CommissionFilter narrows ListCommissions. Zero values match everything.
type CommissionFilter struct {
	AffiliateID string
	Status      Status
	Limit       int
}

// =============================================================================
// STORE
// =============================================================================

type Store interface {
	GetCommission(ctx context.Context, id string) (*Commission, error)
	GetAffiliate(ctx context.Context, id string) (*Affiliate, error)
	GetReferral(ctx context.Context, affiliateID, bookingID string) (*AffiliateReferral, error)

	// ListDue returns eligible commissions ordered by ID ascending.
	ListDue(ctx context.Context, q DueQuery) ([]Commission, error)
	ListCommissions(ctx context.Context, f CommissionFilter) ([]Commission, error)
	ListLogs(ctx context.Context, commissionID string) ([]LifecycleLog, error)

	// HoldPeriodConfigs returns rows for a category, MinTrustScore descending.
	// An empty category returns every row.
	HoldPeriodConfigs(ctx context.Context, category Category) ([]HoldPeriodConfig, error)
	ReplaceHoldPeriodConfigs(ctx context.Context, configs []HoldPeriodConfig) error

	// CreateAffiliate registers a payee account (onboarding).
	CreateAffiliate(ctx context.Context, a Affiliate) error

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	WithTx(ctx context.Context, fn func(Tx) error) error
}

// Tx is the transactional view handed to WithTx callbacks.
type Tx interface {
	LockCommission(ctx context.Context, id string) (*Commission, error)
	LockAffiliate(ctx context.Context, id string) (*Affiliate, error)

	InsertCommission(ctx context.Context, c *Commission) error
	// UpdateCommission writes c if the stored version equals c.Version, then bumps it.
	UpdateCommission(ctx context.Context, c *Commission) error
	// UpdateAffiliate writes a if the stored version equals a.Version, then bumps it.
	UpdateAffiliate(ctx context.Context, a *Affiliate) error

	UpsertReferral(ctx context.Context, r AffiliateReferral) error
	// SetReferralStatus is a no-op when no referral exists for the booking.
	SetReferralStatus(ctx context.Context, affiliateID, bookingID string, status ReferralStatus, convertedAt *time.Time, at time.Time) error

	AppendLog(ctx context.Context, entry LifecycleLog) error

	HoldPeriodConfigs(ctx context.Context, category Category) ([]HoldPeriodConfig, error)
}
