/*
Package postgres provides a Postgres-backed implementation of commission.Store.

PURPOSE:
  Multi-instance deployments run several engine processes against one
  database. Unlike SQLite there is no process-wide writer mutex, so the
  transaction contract is enforced by the database itself:
  - LockCommission / LockAffiliate issue SELECT ... FOR UPDATE
  - Update* compare the version column and report a lost race as
    commission.ErrConcurrentModification

KEY TABLES:
  Same five tables as the SQLite store; see models.go. Money columns are
  numeric(12,2) and times are timestamptz.

USAGE:
  db, err := postgres.Connect(ctx, cfg.Database.DSN, 10)
  if err != nil {
      return err
  }
  store := postgres.New(db)
  if err := store.Migrate(ctx); err != nil {
      return err
  }

SEE ALSO:
  - commission/store.go: Interface definitions
  - store/sqlite/sqlite.go: Single-node implementation
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/warp/commission-engine/commission"
)

// Connect opens and validates a Postgres-backed GORM connection pool.
func Connect(ctx context.Context, databaseURL string, maxConns int32) (*gorm.DB, error) {
	slog.Default().InfoContext(ctx, "postgres connect started",
		"module", "postgres",
		"layer", "adapter",
		"operation", "connect",
		"outcome", "start",
	)
	db, err := gorm.Open(postgres.Open(databaseURL), &gorm.Config{
		PrepareStmt:    true,
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("gorm sql db: %w", err)
	}
	if maxConns > 0 {
		sqlDB.SetMaxOpenConns(int(maxConns))
		sqlDB.SetMaxIdleConns(int(maxConns) / 2)
	}
	sqlDB.SetConnMaxIdleTime(15 * time.Minute)
	sqlDB.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	slog.Default().InfoContext(ctx, "postgres connect completed",
		"module", "postgres",
		"layer", "adapter",
		"operation", "connect",
		"outcome", "success",
	)
	return db, nil
}

// Store implements commission.Store on top of a gorm connection.
type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates the schema from the gorm models.
func (s *Store) Migrate(ctx context.Context) error {
	err := s.db.WithContext(ctx).AutoMigrate(
		&affiliateModel{},
		&commissionModel{},
		&referralModel{},
		&lifecycleLogModel{},
		&holdPeriodConfigModel{},
	)
	if err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	slog.Default().InfoContext(ctx, "postgres schema migrated",
		"module", "postgres",
		"layer", "adapter",
		"operation", "migrate",
		"outcome", "success",
	)
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// =============================================================================
// COMMISSION READS
// =============================================================================

func (s *Store) GetCommission(ctx context.Context, id string) (*commission.Commission, error) {
	return getCommission(s.db.WithContext(ctx), id, false)
}

func getCommission(db *gorm.DB, id string, lock bool) (*commission.Commission, error) {
	q := db
	if lock {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var m commissionModel
	if err := q.Where("id = ?", id).Take(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &commission.NotFoundError{Kind: "commission", ID: id}
		}
		return nil, fmt.Errorf("failed to get commission: %w", err)
	}
	c := m.toDomain()
	return &c, nil
}

// ListDue returns one keyset page of commissions eligible for a sweep.
func (s *Store) ListDue(ctx context.Context, dq commission.DueQuery) ([]commission.Commission, error) {
	q := s.db.WithContext(ctx).Model(&commissionModel{})
	if len(dq.Statuses) > 0 {
		statuses := make([]string, len(dq.Statuses))
		for i, st := range dq.Statuses {
			statuses[i] = string(st)
		}
		q = q.Where("status IN ?", statuses)
	}
	before := dq.Before.UTC()
	switch dq.Kind {
	case commission.DueTripStart:
		q = q.Where("trip_start_date <= ?", before)
	case commission.DueTripEnd:
		q = q.Where("trip_end_date <= ?", before)
	case commission.DueHoldEnd:
		q = q.Where("hold_period_ends_at IS NOT NULL AND hold_period_ends_at <= ?", before).
			Where("cancelled_at IS NULL AND refunded_at IS NULL")
	default:
		return nil, fmt.Errorf("unknown due kind %d", dq.Kind)
	}
	if dq.ExcludeFraud {
		q = q.Where("is_fraud = ?", false)
	}
	if dq.AfterID != "" {
		q = q.Where("id > ?", dq.AfterID)
	}
	q = q.Order("id ASC")
	if dq.Limit > 0 {
		q = q.Limit(dq.Limit)
	}

	var rows []commissionModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list due commissions: %w", err)
	}
	return toCommissions(rows), nil
}

func (s *Store) ListCommissions(ctx context.Context, f commission.CommissionFilter) ([]commission.Commission, error) {
	q := s.db.WithContext(ctx).Model(&commissionModel{})
	if f.AffiliateID != "" {
		q = q.Where("affiliate_id = ?", f.AffiliateID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", string(f.Status))
	}
	q = q.Order("created_at DESC").Order("id ASC")
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var rows []commissionModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list commissions: %w", err)
	}
	return toCommissions(rows), nil
}

func toCommissions(rows []commissionModel) []commission.Commission {
	out := make([]commission.Commission, 0, len(rows))
	for _, m := range rows {
		out = append(out, m.toDomain())
	}
	return out
}

// ImportCommission stores a commission as-is. Used for seeding and migration
// from another system; regular creation goes through Engine.RecordCommission.
func (s *Store) ImportCommission(ctx context.Context, c commission.Commission) error {
	return insertCommission(s.db.WithContext(ctx), &c)
}

// =============================================================================
// COMMISSION WRITES
// =============================================================================

func insertCommission(db *gorm.DB, c *commission.Commission) error {
	c.Version = 1
	m := toCommissionModel(*c)
	if err := db.Create(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("commission for booking %s: %w", c.BookingID, commission.ErrAlreadyExists)
		}
		return fmt.Errorf("failed to insert commission: %w", err)
	}
	return nil
}

func updateCommission(db *gorm.DB, c *commission.Commission) error {
	res := db.Model(&commissionModel{}).
		Where("id = ? AND version = ?", c.ID, c.Version).
		Updates(commissionUpdates(*c))
	if res.Error != nil {
		return fmt.Errorf("failed to update commission: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return missingOrStale(db, &commissionModel{}, "commission", c.ID)
	}
	c.Version++
	return nil
}

// missingOrStale runs after a versioned update touched no row.
func missingOrStale(db *gorm.DB, model any, kind, id string) error {
	var n int64
	if err := db.Model(model).Where("id = ?", id).Count(&n).Error; err != nil {
		return fmt.Errorf("failed to check %s: %w", kind, err)
	}
	if n == 0 {
		return &commission.NotFoundError{Kind: kind, ID: id}
	}
	return commission.ErrConcurrentModification
}

// =============================================================================
// AFFILIATES
// =============================================================================

func (s *Store) GetAffiliate(ctx context.Context, id string) (*commission.Affiliate, error) {
	return getAffiliate(s.db.WithContext(ctx), id, false)
}

func getAffiliate(db *gorm.DB, id string, lock bool) (*commission.Affiliate, error) {
	q := db
	if lock {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var m affiliateModel
	if err := q.Where("id = ?", id).Take(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &commission.NotFoundError{Kind: "affiliate", ID: id}
		}
		return nil, fmt.Errorf("failed to get affiliate: %w", err)
	}
	a := m.toDomain()
	return &a, nil
}

func (s *Store) ListAffiliates(ctx context.Context) ([]commission.Affiliate, error) {
	var rows []affiliateModel
	if err := s.db.WithContext(ctx).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list affiliates: %w", err)
	}
	out := make([]commission.Affiliate, 0, len(rows))
	for _, m := range rows {
		out = append(out, m.toDomain())
	}
	return out, nil
}

func (s *Store) CreateAffiliate(ctx context.Context, a commission.Affiliate) error {
	if a.Category == "" {
		a.Category = commission.CategoryStandard
	}
	if a.TrustLevel == "" {
		a.TrustLevel = commission.TrustNew
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = a.CreatedAt
	}
	a.Version = 1

	m := toAffiliateModel(a)
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("affiliate %s: %w", a.ID, commission.ErrAlreadyExists)
		}
		return fmt.Errorf("failed to insert affiliate: %w", err)
	}
	return nil
}

func updateAffiliate(db *gorm.DB, a *commission.Affiliate) error {
	res := db.Model(&affiliateModel{}).
		Where("id = ? AND version = ?", a.ID, a.Version).
		Updates(affiliateUpdates(*a))
	if res.Error != nil {
		return fmt.Errorf("failed to update affiliate: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return missingOrStale(db, &affiliateModel{}, "affiliate", a.ID)
	}
	a.Version++
	return nil
}

// =============================================================================
// REFERRALS
// =============================================================================

func (s *Store) GetReferral(ctx context.Context, affiliateID, bookingID string) (*commission.AffiliateReferral, error) {
	var m referralModel
	err := s.db.WithContext(ctx).
		Where("affiliate_id = ? AND booking_id = ?", affiliateID, bookingID).
		Take(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &commission.NotFoundError{Kind: "referral", ID: affiliateID + "/" + bookingID}
		}
		return nil, fmt.Errorf("failed to get referral: %w", err)
	}
	r := m.toDomain()
	return &r, nil
}

func upsertReferral(db *gorm.DB, r commission.AffiliateReferral) error {
	m := referralModel{
		ID:          r.ID,
		AffiliateID: r.AffiliateID,
		BookingID:   r.BookingID,
		Status:      string(r.Status),
		ConvertedAt: r.ConvertedAt,
		CreatedAt:   r.CreatedAt.UTC(),
		UpdatedAt:   r.UpdatedAt.UTC(),
	}
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "affiliate_id"}, {Name: "booking_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "converted_at", "updated_at"}),
	}).Create(&m).Error
	if err != nil {
		return fmt.Errorf("failed to upsert referral: %w", err)
	}
	return nil
}

func setReferralStatus(db *gorm.DB, affiliateID, bookingID string, status commission.ReferralStatus, convertedAt *time.Time, at time.Time) error {
	updates := map[string]any{
		"status":     string(status),
		"updated_at": at.UTC(),
	}
	if convertedAt != nil {
		updates["converted_at"] = convertedAt.UTC()
	}
	err := db.Model(&referralModel{}).
		Where("affiliate_id = ? AND booking_id = ?", affiliateID, bookingID).
		Updates(updates).Error
	if err != nil {
		return fmt.Errorf("failed to update referral: %w", err)
	}
	return nil
}

// =============================================================================
// LIFECYCLE LOGS (append-only)
// =============================================================================

func (s *Store) ListLogs(ctx context.Context, commissionID string) ([]commission.LifecycleLog, error) {
	var rows []lifecycleLogModel
	err := s.db.WithContext(ctx).
		Where("commission_id = ?", commissionID).
		Order("seq ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list lifecycle logs: %w", err)
	}
	out := make([]commission.LifecycleLog, 0, len(rows))
	for _, m := range rows {
		l, err := m.toDomain()
		if err != nil {
			return nil, fmt.Errorf("failed to decode log metadata: %w", err)
		}
		out = append(out, l)
	}
	return out, nil
}

func appendLog(db *gorm.DB, l commission.LifecycleLog) error {
	m, err := toLogModel(l)
	if err != nil {
		return fmt.Errorf("failed to encode log metadata: %w", err)
	}
	if err := db.Create(&m).Error; err != nil {
		return fmt.Errorf("failed to append lifecycle log: %w", err)
	}
	return nil
}

// =============================================================================
// HOLD PERIOD POLICY
// =============================================================================

func (s *Store) HoldPeriodConfigs(ctx context.Context, category commission.Category) ([]commission.HoldPeriodConfig, error) {
	return holdPeriodConfigs(s.db.WithContext(ctx), category)
}

func holdPeriodConfigs(db *gorm.DB, category commission.Category) ([]commission.HoldPeriodConfig, error) {
	q := db.Model(&holdPeriodConfigModel{})
	if category != "" {
		q = q.Where("category = ?", string(category))
	}
	var rows []holdPeriodConfigModel
	if err := q.Order("min_trust_score DESC").Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list hold period configs: %w", err)
	}
	out := make([]commission.HoldPeriodConfig, 0, len(rows))
	for _, m := range rows {
		out = append(out, m.toDomain())
	}
	return out, nil
}

func (s *Store) ReplaceHoldPeriodConfigs(ctx context.Context, configs []commission.HoldPeriodConfig) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&holdPeriodConfigModel{}).Error; err != nil {
			return fmt.Errorf("failed to clear hold period configs: %w", err)
		}
		for _, c := range configs {
			m := holdPeriodConfigModel{
				ID:                    c.ID,
				Category:              string(c.Category),
				TrustLevel:            string(c.TrustLevel),
				MinTrustScore:         c.MinTrustScore,
				MinSuccessfulBookings: c.MinSuccessfulBookings,
				HoldPeriodDays:        c.HoldPeriodDays,
			}
			if err := tx.Create(&m).Error; err != nil {
				if errors.Is(err, gorm.ErrDuplicatedKey) {
					return fmt.Errorf("hold period config %s: %w", c.ID, commission.ErrAlreadyExists)
				}
				return fmt.Errorf("failed to insert hold period config: %w", err)
			}
		}
		return nil
	})
}

// =============================================================================
// TRANSACTIONAL STORE (commission.Tx interface)
// =============================================================================

// WithTx runs fn inside one database transaction. Any error rolls it back.
func (s *Store) WithTx(ctx context.Context, fn func(commission.Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&txStore{tx: tx})
	})
}

type txStore struct {
	tx *gorm.DB
}

func (ts *txStore) LockCommission(ctx context.Context, id string) (*commission.Commission, error) {
	return getCommission(ts.tx.WithContext(ctx), id, true)
}

func (ts *txStore) LockAffiliate(ctx context.Context, id string) (*commission.Affiliate, error) {
	return getAffiliate(ts.tx.WithContext(ctx), id, true)
}

func (ts *txStore) InsertCommission(ctx context.Context, c *commission.Commission) error {
	return insertCommission(ts.tx.WithContext(ctx), c)
}

func (ts *txStore) UpdateCommission(ctx context.Context, c *commission.Commission) error {
	return updateCommission(ts.tx.WithContext(ctx), c)
}

func (ts *txStore) UpdateAffiliate(ctx context.Context, a *commission.Affiliate) error {
	return updateAffiliate(ts.tx.WithContext(ctx), a)
}

func (ts *txStore) UpsertReferral(ctx context.Context, r commission.AffiliateReferral) error {
	return upsertReferral(ts.tx.WithContext(ctx), r)
}

func (ts *txStore) SetReferralStatus(ctx context.Context, affiliateID, bookingID string, status commission.ReferralStatus, convertedAt *time.Time, at time.Time) error {
	return setReferralStatus(ts.tx.WithContext(ctx), affiliateID, bookingID, status, convertedAt, at)
}

func (ts *txStore) AppendLog(ctx context.Context, l commission.LifecycleLog) error {
	return appendLog(ts.tx.WithContext(ctx), l)
}

func (ts *txStore) HoldPeriodConfigs(ctx context.Context, category commission.Category) ([]commission.HoldPeriodConfig, error) {
	return holdPeriodConfigs(ts.tx.WithContext(ctx), category)
}

var (
	_ commission.Store = (*Store)(nil)
	_ commission.Tx    = (*txStore)(nil)
)
