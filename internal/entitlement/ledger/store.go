// Package ledger is the actor's durable local store: entitlement
// snapshots plus the append-mostly usage and verification event tables
// the exporter drains. One embedded database serves the whole process;
// rows are keyed by customer so actors never contend on each other's
// state.
package ledger

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/smallbiznis/metergate/internal/entitlement/domain"
)

type Store struct {
	db *gorm.DB
}

// Open opens (or creates) the embedded ledger at path and migrates its
// schema. Use ":memory:" in tests.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}
	// sqlite serializes writers anyway, and a single connection keeps
	// ":memory:" ledgers visible across goroutines.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return New(db)
}

// New wraps an already opened database handle.
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(
		&domain.Entitlement{},
		&domain.UsageEvent{},
		&domain.VerificationEvent{},
	); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) AppendUsage(ctx context.Context, event *domain.UsageEvent) error {
	return s.db.WithContext(ctx).Create(event).Error
}

func (s *Store) AppendVerification(ctx context.Context, event *domain.VerificationEvent) error {
	return s.db.WithContext(ctx).Create(event).Error
}

// PageUsage returns up to limit usage events for one customer with
// id > afterID, ordered by id. The id doubles as the export cursor.
func (s *Store) PageUsage(ctx context.Context, customerID, afterID snowflake.ID, limit int) ([]domain.UsageEvent, error) {
	var rows []domain.UsageEvent
	err := s.db.WithContext(ctx).
		Where("customer_id = ? AND id > ?", customerID, afterID).
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// PageVerifications mirrors PageUsage for the audit table.
func (s *Store) PageVerifications(ctx context.Context, customerID, afterID snowflake.ID, limit int) ([]domain.VerificationEvent, error) {
	var rows []domain.VerificationEvent
	err := s.db.WithContext(ctx).
		Where("customer_id = ? AND id > ?", customerID, afterID).
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// DeleteUsage removes acknowledged rows. Called only after the
// analytics backend confirmed delivery of the whole page.
func (s *Store) DeleteUsage(ctx context.Context, ids []snowflake.ID) error {
	if len(ids) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Where("id IN ?", ids).Delete(&domain.UsageEvent{}).Error
}

func (s *Store) DeleteVerifications(ctx context.Context, ids []snowflake.ID) error {
	if len(ids) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Where("id IN ?", ids).Delete(&domain.VerificationEvent{}).Error
}

// CountPendingUsage returns how many usage events of one customer are
// still awaiting export.
func (s *Store) CountPendingUsage(ctx context.Context, customerID snowflake.ID) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&domain.UsageEvent{}).
		Where("customer_id = ?", customerID).
		Count(&count).Error
	return count, err
}

// PendingSlugs lists the feature slugs that still have unexported
// usage events, so a failed reset can tell the caller what remains.
func (s *Store) PendingSlugs(ctx context.Context, customerID snowflake.ID) ([]string, error) {
	var slugs []string
	err := s.db.WithContext(ctx).Model(&domain.UsageEvent{}).
		Where("customer_id = ?", customerID).
		Distinct().
		Order("feature_slug ASC").
		Pluck("feature_slug", &slugs).Error
	return slugs, err
}

// PurgeUsageOlderThan caps ledger growth independent of export
// success. Returns the number of dropped rows.
func (s *Store) PurgeUsageOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&domain.UsageEvent{})
	return result.RowsAffected, result.Error
}

func (s *Store) PurgeVerificationsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&domain.VerificationEvent{})
	return result.RowsAffected, result.Error
}

// SaveEntitlement upserts the actor's persisted entitlement copy. The
// (customer_id, feature_slug) pair is unique, so a push from the
// system of record replaces any previous row.
func (s *Store) SaveEntitlement(ctx context.Context, ent *domain.Entitlement) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "customer_id"}, {Name: "feature_slug"}},
		UpdateAll: true,
	}).Create(ent).Error
}

func (s *Store) LoadEntitlements(ctx context.Context, customerID snowflake.ID) ([]domain.Entitlement, error) {
	var rows []domain.Entitlement
	err := s.db.WithContext(ctx).
		Where("customer_id = ?", customerID).
		Find(&rows).Error
	return rows, err
}

// PurgeCustomer removes every row owned by one customer. Reset calls
// this only after verifying no unexported usage events remain.
func (s *Store) PurgeCustomer(ctx context.Context, customerID snowflake.ID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("customer_id = ?", customerID).Delete(&domain.UsageEvent{}).Error; err != nil {
			return err
		}
		if err := tx.Where("customer_id = ?", customerID).Delete(&domain.VerificationEvent{}).Error; err != nil {
			return err
		}
		return tx.Where("customer_id = ?", customerID).Delete(&domain.Entitlement{}).Error
	})
}
