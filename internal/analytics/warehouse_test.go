package analytics

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/smallbiznis/metergate/internal/entitlement/domain"
)

func newTestWarehouse(t *testing.T) *Warehouse {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatal(err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatal(err)
	}
	sqlDB.SetMaxOpenConns(1)

	warehouse, err := NewWarehouse(WarehouseParams{DB: db, Log: zap.NewNop()})
	if err != nil {
		t.Fatal(err)
	}
	return warehouse
}

func newNode(t *testing.T) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatal(err)
	}
	return node
}

func usageEvent(node *snowflake.Node, customerID snowflake.ID, slug string, usage float64, at time.Time, idemKey string) domain.UsageEvent {
	return domain.UsageEvent{
		ID:             node.Generate(),
		CustomerID:     customerID,
		FeatureSlug:    slug,
		Usage:          usage,
		Timestamp:      at,
		IdempotenceKey: idemKey,
		EntitlementID:  7,
		CreatedAt:      at,
	}
}

func TestExportUsage_QuarantinesRedelivery(t *testing.T) {
	w := newTestWarehouse(t)
	node := newNode(t)
	ctx := context.Background()
	customerID := node.Generate()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	batch := []domain.UsageEvent{
		usageEvent(node, customerID, "api_calls", 1, at, "k1"),
		usageEvent(node, customerID, "api_calls", 2, at, "k2"),
	}

	result, err := w.ExportUsage(ctx, batch)
	assert.NoError(t, err)
	assert.Equal(t, ExportResult{Accepted: 2}, result)
	assert.True(t, result.Delivered(len(batch)))

	// A retried page counts as delivered without double counting.
	result, err = w.ExportUsage(ctx, batch)
	assert.NoError(t, err)
	assert.Equal(t, ExportResult{Quarantined: 2}, result)
	assert.True(t, result.Delivered(len(batch)))

	var count int64
	assert.NoError(t, w.db.Model(&UsageRow{}).Count(&count).Error)
	assert.Equal(t, int64(2), count)
}

func TestPeriodUsage_Folds(t *testing.T) {
	w := newTestWarehouse(t)
	node := newNode(t)
	ctx := context.Background()
	customerID := node.Generate()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	batch := []domain.UsageEvent{
		usageEvent(node, customerID, "api_calls", 3, base.Add(1*time.Hour), "k1"),
		usageEvent(node, customerID, "api_calls", 7, base.Add(2*time.Hour), "k2"),
		usageEvent(node, customerID, "api_calls", 2, base.Add(3*time.Hour), "k3"),
		usageEvent(node, customerID, "seats", 5, base.Add(1*time.Hour), "k4"),
		// Outside the window, must not fold in.
		usageEvent(node, customerID, "api_calls", 100, base.Add(48*time.Hour), "k5"),
	}
	_, err := w.ExportUsage(ctx, batch)
	assert.NoError(t, err)

	usage, err := w.PeriodUsage(ctx, PeriodUsageRequest{
		CustomerID: customerID,
		From:       base,
		To:         base.Add(24 * time.Hour),
	})
	assert.NoError(t, err)

	apiCalls := usage["api_calls"]
	assert.Equal(t, float64(12), apiCalls.Sum)
	assert.Equal(t, float64(7), apiCalls.Max)
	assert.Equal(t, float64(3), apiCalls.Count)
	assert.Equal(t, float64(2), apiCalls.Last)

	seats := usage["seats"]
	assert.Equal(t, float64(5), seats.Sum)
}

func TestSeed_PicksFoldByMethod(t *testing.T) {
	fold := FeatureUsage{Sum: 12, Max: 7, Count: 3, Last: 2}

	assert.Equal(t, float64(12), fold.Seed(domain.AggregationSum))
	assert.Equal(t, float64(12), fold.Seed(domain.AggregationSumAll))
	assert.Equal(t, float64(7), fold.Seed(domain.AggregationMax))
	assert.Equal(t, float64(3), fold.Seed(domain.AggregationCount))
	assert.Equal(t, float64(2), fold.Seed(domain.AggregationLastDuringPeriod))
}

func TestExportVerifications_Idempotent(t *testing.T) {
	w := newTestWarehouse(t)
	node := newNode(t)
	ctx := context.Background()

	events := []domain.VerificationEvent{{
		ID:          node.Generate(),
		CustomerID:  node.Generate(),
		FeatureSlug: "api_calls",
		Timestamp:   time.Now().UTC(),
		Latency:     3,
	}}

	result, err := w.ExportVerifications(ctx, events)
	assert.NoError(t, err)
	assert.Equal(t, ExportResult{Accepted: 1}, result)

	result, err = w.ExportVerifications(ctx, events)
	assert.NoError(t, err)
	assert.Equal(t, ExportResult{Quarantined: 1}, result)
}
