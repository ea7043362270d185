/*
Package sqlite provides a SQLite-backed implementation of commission.Store.

PURPOSE:
  Default production store. Implements the engine's persistence port with
  database/sql and mattn/go-sqlite3. The Postgres store in store/postgres
  implements the same port with real row locks.

KEY TABLES:
  commissions:               One row per booking commission (never deleted)
  affiliates:                Payee accounts with pending/current balances
  affiliate_referrals:       Referral-to-booking link, mirrors the outcome
  commission_lifecycle_logs: Append-only audit trail, one row per status change
  hold_period_configs:       Risk-tier policy table

INDEXES:
  - idx_commissions_due_start / _due_end / _due_hold: one per sweep, keyed
    by (status, date, id) so keyset pages stay index-only
  - idx_commissions_affiliate_booking: a booking earns at most one commission
  - idx_lifecycle_logs_commission: audit trail lookup

CONCURRENCY:
  SQLite has a single writer. WithTx holds the store's write mutex for the
  whole transaction, so LockCommission and LockAffiliate are plain reads:
  nobody else can write between the read and the update. The version
  column is still compared on every update so the contract matches the
  Postgres store.

ENCODING:
  Money is stored as TEXT (decimal string) and times as fixed-width UTC
  TEXT, which keeps the sweep comparisons lexicographic.

USAGE:
  store, err := sqlite.New("./data/commissions.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := commission.NewEngine(store)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - commission/store.go: Interface definitions
  - commission/store/memory.go: In-memory implementation for testing
  - store/postgres/postgres.go: Postgres implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/commission"
)

// timeLayout is fixed-width so stored times compare correctly as strings.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// Store implements commission.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A second connection to ":memory:" would see an empty database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection. Used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS affiliates (
		id TEXT PRIMARY KEY,
		referral_code TEXT,
		category TEXT NOT NULL DEFAULT 'standard',
		trust_level TEXT NOT NULL DEFAULT 'new',
		trust_score REAL NOT NULL DEFAULT 0,
		pending_balance TEXT NOT NULL DEFAULT '0',
		current_balance TEXT NOT NULL DEFAULT '0',
		successful_bookings_count INTEGER NOT NULL DEFAULT 0,
		failed_bookings_count INTEGER NOT NULL DEFAULT 0,
		completed_trips INTEGER NOT NULL DEFAULT 0,
		monthly_completed_trips INTEGER NOT NULL DEFAULT 0,
		canceled_bookings INTEGER NOT NULL DEFAULT 0,
		refunded_bookings INTEGER NOT NULL DEFAULT 0,
		custom_hold_period INTEGER,
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_affiliates_referral_code
		ON affiliates(referral_code) WHERE referral_code IS NOT NULL;

	CREATE TABLE IF NOT EXISTS commissions (
		id TEXT PRIMARY KEY,
		affiliate_id TEXT NOT NULL REFERENCES affiliates(id),
		booking_id TEXT NOT NULL,
		status TEXT NOT NULL,
		total_commission_amount TEXT NOT NULL,
		currency TEXT NOT NULL DEFAULT 'USD',
		trip_start_date TEXT NOT NULL,
		trip_end_date TEXT NOT NULL,
		trip_started_at TEXT,
		trip_completed_at TEXT,
		hold_period_days INTEGER NOT NULL DEFAULT 0,
		hold_period_ends_at TEXT,
		released_at TEXT,
		paid_at TEXT,
		is_fraud INTEGER NOT NULL DEFAULT 0,
		cancelled_at TEXT,
		cancel_reason TEXT,
		refunded_at TEXT,
		refund_amount TEXT NOT NULL DEFAULT '0',
		refund_reason TEXT,
		reversed INTEGER NOT NULL DEFAULT 0,
		reversed_at TEXT,
		reversal_reason TEXT,
		reversal_amount TEXT NOT NULL DEFAULT '0',
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_commissions_affiliate_booking
		ON commissions(affiliate_id, booking_id);

	-- One index per sweep (hot path)
	CREATE INDEX IF NOT EXISTS idx_commissions_due_start
		ON commissions(status, trip_start_date, id);
	CREATE INDEX IF NOT EXISTS idx_commissions_due_end
		ON commissions(status, trip_end_date, id);
	CREATE INDEX IF NOT EXISTS idx_commissions_due_hold
		ON commissions(status, hold_period_ends_at, id);

	CREATE INDEX IF NOT EXISTS idx_commissions_affiliate_created
		ON commissions(affiliate_id, created_at DESC);

	CREATE TABLE IF NOT EXISTS affiliate_referrals (
		id TEXT PRIMARY KEY,
		affiliate_id TEXT NOT NULL,
		booking_id TEXT NOT NULL,
		status TEXT NOT NULL,
		converted_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE(affiliate_id, booking_id)
	);

	-- Append-only audit trail
	CREATE TABLE IF NOT EXISTS commission_lifecycle_logs (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		commission_id TEXT NOT NULL,
		from_status TEXT,
		to_status TEXT NOT NULL,
		reason TEXT,
		automated INTEGER NOT NULL DEFAULT 1,
		changed_by TEXT,
		metadata_json TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_lifecycle_logs_commission
		ON commission_lifecycle_logs(commission_id, seq);

	CREATE TABLE IF NOT EXISTS hold_period_configs (
		id TEXT PRIMARY KEY,
		category TEXT NOT NULL,
		trust_level TEXT NOT NULL,
		min_trust_score REAL NOT NULL DEFAULT 0,
		min_successful_bookings INTEGER NOT NULL DEFAULT 0,
		hold_period_days INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_hold_period_configs_category
		ON hold_period_configs(category, min_trust_score DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// COMMISSIONS
// =============================================================================

const commissionColumns = `
	id, affiliate_id, booking_id, status, total_commission_amount, currency,
	trip_start_date, trip_end_date, trip_started_at, trip_completed_at,
	hold_period_days, hold_period_ends_at, released_at, paid_at, is_fraud,
	cancelled_at, cancel_reason, refunded_at, refund_amount, refund_reason,
	reversed, reversed_at, reversal_reason, reversal_amount,
	version, created_at, updated_at`

// GetCommission returns one commission by ID.
func (s *Store) GetCommission(ctx context.Context, id string) (*commission.Commission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getCommission(ctx, s.db, id)
}

func getCommission(ctx context.Context, q querier, id string) (*commission.Commission, error) {
	row := q.QueryRowContext(ctx, `SELECT `+commissionColumns+` FROM commissions WHERE id = ?`, id)
	c, err := scanCommission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &commission.NotFoundError{Kind: "commission", ID: id}
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ListDue returns commissions a sweep should visit, ordered by ID.
func (s *Store) ListDue(ctx context.Context, dq commission.DueQuery) ([]commission.Commission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(dq.Statuses) == 0 {
		return nil, nil
	}

	var where []string
	var args []any

	placeholders := make([]string, len(dq.Statuses))
	for i, st := range dq.Statuses {
		placeholders[i] = "?"
		args = append(args, string(st))
	}
	where = append(where, "status IN ("+strings.Join(placeholders, ", ")+")")

	before := formatTime(dq.Before)
	switch dq.Kind {
	case commission.DueTripStart:
		where = append(where, "trip_start_date <= ?")
	case commission.DueTripEnd:
		where = append(where, "trip_end_date <= ?")
	case commission.DueHoldEnd:
		where = append(where, "hold_period_ends_at IS NOT NULL AND hold_period_ends_at <= ?",
			"cancelled_at IS NULL", "refunded_at IS NULL")
	default:
		return nil, fmt.Errorf("unknown due kind %d", dq.Kind)
	}
	args = append(args, before)

	if dq.ExcludeFraud {
		where = append(where, "is_fraud = 0")
	}
	if dq.AfterID != "" {
		where = append(where, "id > ?")
		args = append(args, dq.AfterID)
	}

	query := `SELECT ` + commissionColumns + ` FROM commissions WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY id ASC`
	if dq.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, dq.Limit)
	}

	return s.queryCommissions(ctx, query, args...)
}

// ListCommissions returns commissions, newest first.
func (s *Store) ListCommissions(ctx context.Context, f commission.CommissionFilter) ([]commission.Commission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + commissionColumns + ` FROM commissions WHERE 1=1`
	var args []any
	if f.AffiliateID != "" {
		query += ` AND affiliate_id = ?`
		args = append(args, f.AffiliateID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	query += ` ORDER BY created_at DESC, id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	return s.queryCommissions(ctx, query, args...)
}

func (s *Store) queryCommissions(ctx context.Context, query string, args ...any) ([]commission.Commission, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query commissions: %w", err)
	}
	defer rows.Close()

	var out []commission.Commission
	for rows.Next() {
		c, err := scanCommission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCommission(row scanner) (*commission.Commission, error) {
	var (
		c                                          commission.Commission
		status, amount, refundAmt, reversalAmt     string
		tripStart, tripEnd, createdAt, updatedAt   string
		startedAt, completedAt, holdEnds           sql.NullString
		releasedAt, paidAt, cancelledAt            sql.NullString
		refundedAt, reversedAt                     sql.NullString
		cancelReason, refundReason, reversalReason sql.NullString
		isFraud, reversed                          bool
	)

	err := row.Scan(
		&c.ID, &c.AffiliateID, &c.BookingID, &status, &amount, &c.Currency,
		&tripStart, &tripEnd, &startedAt, &completedAt,
		&c.HoldPeriodDays, &holdEnds, &releasedAt, &paidAt, &isFraud,
		&cancelledAt, &cancelReason, &refundedAt, &refundAmt, &refundReason,
		&reversed, &reversedAt, &reversalReason, &reversalAmt,
		&c.Version, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan commission: %w", err)
	}

	c.Status = commission.Status(status)
	if c.TotalCommissionAmount, err = parseDecimal("total_commission_amount", amount); err != nil {
		return nil, fmt.Errorf("commission %s: %w", c.ID, err)
	}
	if c.RefundAmount, err = parseDecimal("refund_amount", refundAmt); err != nil {
		return nil, fmt.Errorf("commission %s: %w", c.ID, err)
	}
	if c.ReversalAmount, err = parseDecimal("reversal_amount", reversalAmt); err != nil {
		return nil, fmt.Errorf("commission %s: %w", c.ID, err)
	}
	c.TripStartDate = parseTime(tripStart)
	c.TripEndDate = parseTime(tripEnd)
	c.TripStartedAt = parseNullTime(startedAt)
	c.TripCompletedAt = parseNullTime(completedAt)
	c.HoldPeriodEndsAt = parseNullTime(holdEnds)
	c.ReleasedAt = parseNullTime(releasedAt)
	c.PaidAt = parseNullTime(paidAt)
	c.IsFraud = isFraud
	c.CancelledAt = parseNullTime(cancelledAt)
	c.CancelReason = cancelReason.String
	c.RefundedAt = parseNullTime(refundedAt)
	c.RefundReason = refundReason.String
	c.Reversed = reversed
	c.ReversedAt = parseNullTime(reversedAt)
	c.ReversalReason = reversalReason.String
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return &c, nil
}

func insertCommission(ctx context.Context, q querier, c *commission.Commission) error {
	c.Version = 1
	_, err := q.ExecContext(ctx, `
		INSERT INTO commissions (`+commissionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.AffiliateID, c.BookingID, string(c.Status), c.TotalCommissionAmount.String(), c.Currency,
		formatTime(c.TripStartDate), formatTime(c.TripEndDate),
		nullTime(c.TripStartedAt), nullTime(c.TripCompletedAt),
		c.HoldPeriodDays, nullTime(c.HoldPeriodEndsAt), nullTime(c.ReleasedAt), nullTime(c.PaidAt), c.IsFraud,
		nullTime(c.CancelledAt), nullString(c.CancelReason), nullTime(c.RefundedAt),
		c.RefundAmount.String(), nullString(c.RefundReason),
		c.Reversed, nullTime(c.ReversedAt), nullString(c.ReversalReason), c.ReversalAmount.String(),
		c.Version, formatTime(c.CreatedAt), formatTime(c.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("commission for booking %s: %w", c.BookingID, commission.ErrAlreadyExists)
		}
		return fmt.Errorf("failed to insert commission: %w", err)
	}
	return nil
}

// ImportCommission stores c as-is, bypassing the lifecycle. Used to load
// historical records and demo data.
func (s *Store) ImportCommission(ctx context.Context, c commission.Commission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insertCommission(ctx, s.db, &c)
}

// updateCommission writes every mutable column when the stored version matches.
func updateCommission(ctx context.Context, q querier, c *commission.Commission) error {
	res, err := q.ExecContext(ctx, `
		UPDATE commissions SET
			status = ?, trip_started_at = ?, trip_completed_at = ?,
			hold_period_days = ?, hold_period_ends_at = ?, released_at = ?, paid_at = ?,
			is_fraud = ?, cancelled_at = ?, cancel_reason = ?,
			refunded_at = ?, refund_amount = ?, refund_reason = ?,
			reversed = ?, reversed_at = ?, reversal_reason = ?, reversal_amount = ?,
			version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		string(c.Status), nullTime(c.TripStartedAt), nullTime(c.TripCompletedAt),
		c.HoldPeriodDays, nullTime(c.HoldPeriodEndsAt), nullTime(c.ReleasedAt), nullTime(c.PaidAt),
		c.IsFraud, nullTime(c.CancelledAt), nullString(c.CancelReason),
		nullTime(c.RefundedAt), c.RefundAmount.String(), nullString(c.RefundReason),
		c.Reversed, nullTime(c.ReversedAt), nullString(c.ReversalReason), c.ReversalAmount.String(),
		formatTime(c.UpdatedAt),
		c.ID, c.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update commission: %w", err)
	}
	if err := checkVersioned(ctx, q, res, "commissions", "commission", c.ID); err != nil {
		return err
	}
	c.Version++
	return nil
}

// checkVersioned distinguishes a missing row from a stale version.
func checkVersioned(ctx context.Context, q querier, res sql.Result, table, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var exists int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table+` WHERE id = ?`, id).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return &commission.NotFoundError{Kind: kind, ID: id}
	}
	return commission.ErrConcurrentModification
}

// =============================================================================
// AFFILIATES
// =============================================================================

const affiliateColumns = `
	id, referral_code, category, trust_level, trust_score,
	pending_balance, current_balance,
	successful_bookings_count, failed_bookings_count, completed_trips,
	monthly_completed_trips, canceled_bookings, refunded_bookings,
	custom_hold_period, version, created_at, updated_at`

// GetAffiliate returns one affiliate by ID.
func (s *Store) GetAffiliate(ctx context.Context, id string) (*commission.Affiliate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getAffiliate(ctx, s.db, id)
}

func getAffiliate(ctx context.Context, q querier, id string) (*commission.Affiliate, error) {
	row := q.QueryRowContext(ctx, `SELECT `+affiliateColumns+` FROM affiliates WHERE id = ?`, id)
	a, err := scanAffiliate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &commission.NotFoundError{Kind: "affiliate", ID: id}
	}
	return a, err
}

// ListAffiliates returns every affiliate ordered by ID.
func (s *Store) ListAffiliates(ctx context.Context) ([]commission.Affiliate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT `+affiliateColumns+` FROM affiliates ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query affiliates: %w", err)
	}
	defer rows.Close()

	var out []commission.Affiliate
	for rows.Next() {
		a, err := scanAffiliate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func scanAffiliate(row scanner) (*commission.Affiliate, error) {
	var (
		a                    commission.Affiliate
		referralCode         sql.NullString
		category, level      string
		pending, current     string
		customHold           sql.NullInt64
		createdAt, updatedAt string
	)
	err := row.Scan(
		&a.ID, &referralCode, &category, &level, &a.TrustScore,
		&pending, &current,
		&a.SuccessfulBookingsCount, &a.FailedBookingsCount, &a.CompletedTrips,
		&a.MonthlyCompletedTrips, &a.CanceledBookings, &a.RefundedBookings,
		&customHold, &a.Version, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan affiliate: %w", err)
	}
	a.ReferralCode = referralCode.String
	a.Category = commission.Category(category)
	a.TrustLevel = commission.TrustLevel(level)
	if a.PendingBalance, err = parseDecimal("pending_balance", pending); err != nil {
		return nil, fmt.Errorf("affiliate %s: %w", a.ID, err)
	}
	if a.CurrentBalance, err = parseDecimal("current_balance", current); err != nil {
		return nil, fmt.Errorf("affiliate %s: %w", a.ID, err)
	}
	if customHold.Valid {
		days := int(customHold.Int64)
		a.CustomHoldPeriod = &days
	}
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return &a, nil
}

// CreateAffiliate inserts a new affiliate.
func (s *Store) CreateAffiliate(ctx context.Context, a commission.Affiliate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a.Category == "" {
		a.Category = commission.CategoryStandard
	}
	if a.TrustLevel == "" {
		a.TrustLevel = commission.TrustNew
	}
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = a.CreatedAt
	}

	var customHold sql.NullInt64
	if a.CustomHoldPeriod != nil {
		customHold = sql.NullInt64{Int64: int64(*a.CustomHoldPeriod), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO affiliates (`+affiliateColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		a.ID, nullString(a.ReferralCode), string(a.Category), string(a.TrustLevel), a.TrustScore,
		a.PendingBalance.String(), a.CurrentBalance.String(),
		a.SuccessfulBookingsCount, a.FailedBookingsCount, a.CompletedTrips,
		a.MonthlyCompletedTrips, a.CanceledBookings, a.RefundedBookings,
		customHold, formatTime(a.CreatedAt), formatTime(a.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("affiliate %s: %w", a.ID, commission.ErrAlreadyExists)
		}
		return fmt.Errorf("failed to insert affiliate: %w", err)
	}
	return nil
}

func updateAffiliate(ctx context.Context, q querier, a *commission.Affiliate) error {
	var customHold sql.NullInt64
	if a.CustomHoldPeriod != nil {
		customHold = sql.NullInt64{Int64: int64(*a.CustomHoldPeriod), Valid: true}
	}
	res, err := q.ExecContext(ctx, `
		UPDATE affiliates SET
			category = ?, trust_level = ?, trust_score = ?,
			pending_balance = ?, current_balance = ?,
			successful_bookings_count = ?, failed_bookings_count = ?, completed_trips = ?,
			monthly_completed_trips = ?, canceled_bookings = ?, refunded_bookings = ?,
			custom_hold_period = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		string(a.Category), string(a.TrustLevel), a.TrustScore,
		a.PendingBalance.String(), a.CurrentBalance.String(),
		a.SuccessfulBookingsCount, a.FailedBookingsCount, a.CompletedTrips,
		a.MonthlyCompletedTrips, a.CanceledBookings, a.RefundedBookings,
		customHold, formatTime(a.UpdatedAt),
		a.ID, a.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update affiliate: %w", err)
	}
	if err := checkVersioned(ctx, q, res, "affiliates", "affiliate", a.ID); err != nil {
		return err
	}
	a.Version++
	return nil
}

// =============================================================================
// REFERRALS
// =============================================================================

// GetReferral returns the referral for one affiliate/booking pair.
func (s *Store) GetReferral(ctx context.Context, affiliateID, bookingID string) (*commission.AffiliateReferral, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		r                    commission.AffiliateReferral
		status               string
		convertedAt          sql.NullString
		createdAt, updatedAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, affiliate_id, booking_id, status, converted_at, created_at, updated_at
		FROM affiliate_referrals WHERE affiliate_id = ? AND booking_id = ?`,
		affiliateID, bookingID,
	).Scan(&r.ID, &r.AffiliateID, &r.BookingID, &status, &convertedAt, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &commission.NotFoundError{Kind: "referral", ID: affiliateID + "/" + bookingID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query referral: %w", err)
	}
	r.Status = commission.ReferralStatus(status)
	r.ConvertedAt = parseNullTime(convertedAt)
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	return &r, nil
}

func upsertReferral(ctx context.Context, q querier, r commission.AffiliateReferral) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO affiliate_referrals (id, affiliate_id, booking_id, status, converted_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(affiliate_id, booking_id) DO UPDATE SET
			status = excluded.status,
			converted_at = excluded.converted_at,
			updated_at = excluded.updated_at`,
		r.ID, r.AffiliateID, r.BookingID, string(r.Status), nullTime(r.ConvertedAt),
		formatTime(r.CreatedAt), formatTime(r.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert referral: %w", err)
	}
	return nil
}

func setReferralStatus(ctx context.Context, q querier, affiliateID, bookingID string, status commission.ReferralStatus, convertedAt *time.Time, at time.Time) error {
	_, err := q.ExecContext(ctx, `
		UPDATE affiliate_referrals
		SET status = ?, converted_at = COALESCE(?, converted_at), updated_at = ?
		WHERE affiliate_id = ? AND booking_id = ?`,
		string(status), nullTime(convertedAt), formatTime(at), affiliateID, bookingID,
	)
	if err != nil {
		return fmt.Errorf("failed to update referral: %w", err)
	}
	return nil
}

// =============================================================================
// LIFECYCLE LOGS (append-only)
// =============================================================================

// ListLogs returns the audit trail of one commission in write order.
func (s *Store) ListLogs(ctx context.Context, commissionID string) ([]commission.LifecycleLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, commission_id, from_status, to_status, reason, automated, changed_by, metadata_json, created_at
		FROM commission_lifecycle_logs
		WHERE commission_id = ?
		ORDER BY seq ASC`, commissionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query lifecycle logs: %w", err)
	}
	defer rows.Close()

	var out []commission.LifecycleLog
	for rows.Next() {
		var (
			l                                 commission.LifecycleLog
			from, reason, changedBy, metadata sql.NullString
			to, createdAt                     string
		)
		if err := rows.Scan(&l.ID, &l.CommissionID, &from, &to, &reason, &l.Automated, &changedBy, &metadata, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan lifecycle log: %w", err)
		}
		l.FromStatus = commission.Status(from.String)
		l.ToStatus = commission.Status(to)
		l.Reason = reason.String
		l.ChangedBy = changedBy.String
		l.CreatedAt = parseTime(createdAt)
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &l.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode log metadata: %w", err)
			}
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func appendLog(ctx context.Context, q querier, l commission.LifecycleLog) error {
	var metadata sql.NullString
	if len(l.Metadata) > 0 {
		b, err := json.Marshal(l.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode log metadata: %w", err)
		}
		metadata = sql.NullString{String: string(b), Valid: true}
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO commission_lifecycle_logs
		(id, commission_id, from_status, to_status, reason, automated, changed_by, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.CommissionID, nullString(string(l.FromStatus)), string(l.ToStatus), nullString(l.Reason),
		l.Automated, nullString(l.ChangedBy), metadata, formatTime(l.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to append lifecycle log: %w", err)
	}
	return nil
}

// =============================================================================
// HOLD PERIOD POLICY
// =============================================================================

// HoldPeriodConfigs returns policy rows for a category (all rows when empty),
// MinTrustScore descending.
func (s *Store) HoldPeriodConfigs(ctx context.Context, category commission.Category) ([]commission.HoldPeriodConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return holdPeriodConfigs(ctx, s.db, category)
}

func holdPeriodConfigs(ctx context.Context, q querier, category commission.Category) ([]commission.HoldPeriodConfig, error) {
	query := `
		SELECT id, category, trust_level, min_trust_score, min_successful_bookings, hold_period_days
		FROM hold_period_configs`
	var args []any
	if category != "" {
		query += ` WHERE category = ?`
		args = append(args, string(category))
	}
	query += ` ORDER BY min_trust_score DESC, id ASC`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query hold period configs: %w", err)
	}
	defer rows.Close()

	var out []commission.HoldPeriodConfig
	for rows.Next() {
		var (
			c               commission.HoldPeriodConfig
			category, level string
		)
		if err := rows.Scan(&c.ID, &category, &level, &c.MinTrustScore, &c.MinSuccessfulBookings, &c.HoldPeriodDays); err != nil {
			return nil, fmt.Errorf("failed to scan hold period config: %w", err)
		}
		c.Category = commission.Category(category)
		c.TrustLevel = commission.TrustLevel(level)
		out = append(out, c)
	}
	return out, rows.Err()
}

// ReplaceHoldPeriodConfigs swaps the whole policy table atomically.
func (s *Store) ReplaceHoldPeriodConfigs(ctx context.Context, configs []commission.HoldPeriodConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if _, err := sqlTx.ExecContext(ctx, `DELETE FROM hold_period_configs`); err != nil {
		return fmt.Errorf("failed to clear hold period configs: %w", err)
	}
	for _, c := range configs {
		_, err := sqlTx.ExecContext(ctx, `
			INSERT INTO hold_period_configs
			(id, category, trust_level, min_trust_score, min_successful_bookings, hold_period_days)
			VALUES (?, ?, ?, ?, ?, ?)`,
			c.ID, string(c.Category), string(c.TrustLevel), c.MinTrustScore, c.MinSuccessfulBookings, c.HoldPeriodDays,
		)
		if err != nil {
			if isUniqueConstraintError(err) {
				return fmt.Errorf("hold period config %s: %w", c.ID, commission.ErrAlreadyExists)
			}
			return fmt.Errorf("failed to insert hold period config: %w", err)
		}
	}
	return sqlTx.Commit()
}

// =============================================================================
// TRANSACTIONAL STORE (commission.Tx interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(commission.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) LockCommission(ctx context.Context, id string) (*commission.Commission, error) {
	return getCommission(ctx, ts.tx, id)
}

func (ts *txStore) LockAffiliate(ctx context.Context, id string) (*commission.Affiliate, error) {
	return getAffiliate(ctx, ts.tx, id)
}

func (ts *txStore) InsertCommission(ctx context.Context, c *commission.Commission) error {
	return insertCommission(ctx, ts.tx, c)
}

func (ts *txStore) UpdateCommission(ctx context.Context, c *commission.Commission) error {
	return updateCommission(ctx, ts.tx, c)
}

func (ts *txStore) UpdateAffiliate(ctx context.Context, a *commission.Affiliate) error {
	return updateAffiliate(ctx, ts.tx, a)
}

func (ts *txStore) UpsertReferral(ctx context.Context, r commission.AffiliateReferral) error {
	return upsertReferral(ctx, ts.tx, r)
}

func (ts *txStore) SetReferralStatus(ctx context.Context, affiliateID, bookingID string, status commission.ReferralStatus, convertedAt *time.Time, at time.Time) error {
	return setReferralStatus(ctx, ts.tx, affiliateID, bookingID, status, convertedAt, at)
}

func (ts *txStore) AppendLog(ctx context.Context, l commission.LifecycleLog) error {
	return appendLog(ctx, ts.tx, l)
}

func (ts *txStore) HoldPeriodConfigs(ctx context.Context, category commission.Category) ([]commission.HoldPeriodConfig, error) {
	return holdPeriodConfigs(ctx, ts.tx, category)
}

// Helper functions

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// parseDecimal rejects unparseable money instead of reading it as zero.
func parseDecimal(column, s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("corrupt %s %q: %w", column, s, err)
	}
	return d, nil
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
