package analytics

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/smallbiznis/metergate/internal/entitlement/domain"
	"github.com/smallbiznis/metergate/pkg/db"
)

// UsageRow is the warehouse copy of an exported usage event. The
// dedupe key is unique so re-delivery of a retried page quarantines
// instead of double counting.
type UsageRow struct {
	ID             snowflake.ID `gorm:"primaryKey"`
	CustomerID     snowflake.ID `gorm:"not null;index:ix_usage_rows_window,priority:1"`
	FeatureSlug    string       `gorm:"type:text;not null"`
	Usage          float64      `gorm:"not null"`
	Timestamp      time.Time    `gorm:"not null;index:ix_usage_rows_window,priority:2"`
	IdempotenceKey string       `gorm:"type:text"`
	RequestID      string       `gorm:"type:text"`
	EntitlementID  snowflake.ID `gorm:"not null"`
	DedupeKey      string       `gorm:"type:text;not null;uniqueIndex"`
	ExportedAt     time.Time    `gorm:"not null"`
}

func (UsageRow) TableName() string { return "analytics_usage_events" }

// VerificationRow is the warehouse copy of a can-check audit record.
type VerificationRow struct {
	ID            snowflake.ID `gorm:"primaryKey"`
	EntitlementID snowflake.ID
	CustomerID    snowflake.ID      `gorm:"not null;index"`
	FeatureSlug   string            `gorm:"type:text;not null"`
	RequestID     string            `gorm:"type:text"`
	Timestamp     time.Time         `gorm:"not null"`
	Latency       int64             `gorm:"not null"`
	DeniedReason  *string           `gorm:"type:text"`
	Metadata      datatypes.JSONMap `gorm:"type:jsonb"`
	ExportedAt    time.Time         `gorm:"not null"`
}

func (VerificationRow) TableName() string { return "analytics_verification_events" }

// Warehouse is the gorm-backed Sink implementation.
type Warehouse struct {
	db  *gorm.DB
	log *zap.Logger
}

type WarehouseParams struct {
	fx.In

	DB  *gorm.DB
	Log *zap.Logger
}

func NewWarehouse(p WarehouseParams) (*Warehouse, error) {
	if err := p.DB.AutoMigrate(&UsageRow{}, &VerificationRow{}); err != nil {
		return nil, err
	}
	return &Warehouse{db: p.DB, log: p.Log.Named("analytics.warehouse")}, nil
}

var _ Sink = (*Warehouse)(nil)

func (w *Warehouse) ExportUsage(ctx context.Context, events []domain.UsageEvent) (ExportResult, error) {
	if len(events) == 0 {
		return ExportResult{}, nil
	}
	now := time.Now().UTC()
	rows := make([]UsageRow, 0, len(events))
	for i := range events {
		event := &events[i]
		rows = append(rows, UsageRow{
			ID:             event.ID,
			CustomerID:     event.CustomerID,
			FeatureSlug:    event.FeatureSlug,
			Usage:          event.Usage,
			Timestamp:      event.Timestamp,
			IdempotenceKey: event.IdempotenceKey,
			RequestID:      event.RequestID,
			EntitlementID:  event.EntitlementID,
			DedupeKey:      event.DedupeKey(),
			ExportedAt:     now,
		})
	}

	result := w.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "dedupe_key"}},
		DoNothing: true,
	}).Create(&rows)
	if result.Error != nil {
		if db.IsDuplicateKeyErr(result.Error) {
			// Conflict clause did not absorb the duplicate (older
			// dialects); fall back to per-row accounting.
			return w.exportUsageRows(ctx, rows)
		}
		return ExportResult{}, result.Error
	}

	accepted := int(result.RowsAffected)
	return ExportResult{
		Accepted:    accepted,
		Quarantined: len(rows) - accepted,
	}, nil
}

func (w *Warehouse) exportUsageRows(ctx context.Context, rows []UsageRow) (ExportResult, error) {
	var out ExportResult
	for i := range rows {
		err := w.db.WithContext(ctx).Create(&rows[i]).Error
		switch {
		case err == nil:
			out.Accepted++
		case db.IsDuplicateKeyErr(err):
			out.Quarantined++
		default:
			return out, err
		}
	}
	return out, nil
}

func (w *Warehouse) ExportVerifications(ctx context.Context, events []domain.VerificationEvent) (ExportResult, error) {
	if len(events) == 0 {
		return ExportResult{}, nil
	}
	now := time.Now().UTC()
	rows := make([]VerificationRow, 0, len(events))
	for i := range events {
		event := &events[i]
		rows = append(rows, VerificationRow{
			ID:            event.ID,
			EntitlementID: event.EntitlementID,
			CustomerID:    event.CustomerID,
			FeatureSlug:   event.FeatureSlug,
			RequestID:     event.RequestID,
			Timestamp:     event.Timestamp,
			Latency:       event.Latency,
			DeniedReason:  event.DeniedReason,
			Metadata:      event.Metadata,
			ExportedAt:    now,
		})
	}

	result := w.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoNothing: true,
	}).Create(&rows)
	if result.Error != nil {
		return ExportResult{}, result.Error
	}

	accepted := int(result.RowsAffected)
	return ExportResult{
		Accepted:    accepted,
		Quarantined: len(rows) - accepted,
	}, nil
}

type periodRow struct {
	FeatureSlug string
	SumUsage    float64
	MaxUsage    float64
	CountUsage  float64
}

func (w *Warehouse) PeriodUsage(ctx context.Context, req PeriodUsageRequest) (map[string]FeatureUsage, error) {
	var rows []periodRow
	err := w.db.WithContext(ctx).Model(&UsageRow{}).
		Select("feature_slug, SUM(usage) AS sum_usage, MAX(usage) AS max_usage, COUNT(*) AS count_usage").
		Where("customer_id = ? AND timestamp >= ? AND timestamp < ?", req.CustomerID, req.From, req.To).
		Group("feature_slug").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	usage := make(map[string]FeatureUsage, len(rows))
	for _, row := range rows {
		usage[row.FeatureSlug] = FeatureUsage{
			Sum:   row.SumUsage,
			Max:   row.MaxUsage,
			Count: row.CountUsage,
		}
	}

	// Last-value folds need the newest row per feature.
	var lastRows []struct {
		FeatureSlug string
		Usage       float64
	}
	err = w.db.WithContext(ctx).Raw(`
		SELECT a.feature_slug, a.usage
		FROM analytics_usage_events a
		WHERE a.customer_id = ? AND a.timestamp >= ? AND a.timestamp < ?
		  AND a.timestamp = (
			SELECT MAX(b.timestamp) FROM analytics_usage_events b
			WHERE b.customer_id = a.customer_id
			  AND b.feature_slug = a.feature_slug
			  AND b.timestamp >= ? AND b.timestamp < ?
		  )`,
		req.CustomerID, req.From, req.To, req.From, req.To,
	).Scan(&lastRows).Error
	if err != nil {
		return nil, err
	}
	for _, row := range lastRows {
		entry := usage[row.FeatureSlug]
		entry.Last = row.Usage
		usage[row.FeatureSlug] = entry
	}

	return usage, nil
}

var Module = fx.Module("analytics",
	fx.Provide(
		NewWarehouse,
		func(w *Warehouse) Sink { return w },
	),
)
