package sor

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

func newTestClient(t *testing.T) (Client, *gorm.DB) {
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
	if err := db.AutoMigrate(&EntitlementGrant{}, &CustomerAccount{}); err != nil {
		t.Fatal(err)
	}
	return NewClient(Params{DB: db, Log: zap.NewNop()}), db
}

func TestActiveEntitlement_WindowSelection(t *testing.T) {
	client, db := newTestClient(t)
	node, _ := snowflake.NewNode(1)
	ctx := context.Background()
	customerID := node.Generate()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	expiredTo := now.Add(-time.Hour)
	limit := 100.0
	assert.NoError(t, db.Create(&EntitlementGrant{
		ID:                node.Generate(),
		CustomerID:        customerID,
		FeatureSlug:       "api_calls",
		FeatureType:       domain.FeatureTypeUsage,
		AggregationMethod: domain.AggregationSum,
		ValidFrom:         now.Add(-48 * time.Hour),
		ValidTo:           &expiredTo,
	}).Error)
	current := &EntitlementGrant{
		ID:                node.Generate(),
		CustomerID:        customerID,
		FeatureSlug:       "api_calls",
		FeatureType:       domain.FeatureTypeUsage,
		AggregationMethod: domain.AggregationSum,
		Limit:             &limit,
		ValidFrom:         now.Add(-time.Hour),
	}
	assert.NoError(t, db.Create(current).Error)

	got, err := client.ActiveEntitlement(ctx, customerID, "api_calls", now)
	assert.NoError(t, err)
	if assert.NotNil(t, got) {
		assert.Equal(t, current.ID, got.ID)
		assert.Equal(t, limit, *got.Limit)
	}
}

func TestActiveEntitlement_NoneIsNilNotError(t *testing.T) {
	client, _ := newTestClient(t)
	node, _ := snowflake.NewNode(1)

	got, err := client.ActiveEntitlement(context.Background(), node.Generate(), "ghost", time.Now().UTC())
	assert.NoError(t, err)
	assert.Nil(t, got)
}

func TestSubscriptionStatus_UnknownCustomer(t *testing.T) {
	client, db := newTestClient(t)
	node, _ := snowflake.NewNode(1)
	ctx := context.Background()
	customerID, projectID := node.Generate(), node.Generate()

	_, found, err := client.SubscriptionStatus(ctx, customerID, projectID)
	assert.NoError(t, err)
	assert.False(t, found)

	assert.NoError(t, db.Create(&CustomerAccount{
		CustomerID:         customerID,
		ProjectID:          projectID,
		SubscriptionActive: true,
		ProjectEnabled:     true,
	}).Error)

	status, found, err := client.SubscriptionStatus(ctx, customerID, projectID)
	assert.NoError(t, err)
	assert.True(t, found)
	assert.True(t, status.Active)
	assert.True(t, status.ProjectEnabled)
}

func TestMirrorUsage_WritesBack(t *testing.T) {
	client, db := newTestClient(t)
	node, _ := snowflake.NewNode(1)
	ctx := context.Background()

	grant := &EntitlementGrant{
		ID:                node.Generate(),
		CustomerID:        node.Generate(),
		FeatureSlug:       "api_calls",
		FeatureType:       domain.FeatureTypeUsage,
		AggregationMethod: domain.AggregationSum,
		ValidFrom:         time.Now().UTC().Add(-time.Hour),
	}
	assert.NoError(t, db.Create(grant).Error)

	at := time.Now().UTC()
	assert.NoError(t, client.MirrorUsage(ctx, grant.ID, 55, 120, at))

	var got EntitlementGrant
	assert.NoError(t, db.First(&got, "id = ?", grant.ID).Error)
	assert.Equal(t, float64(55), got.Usage)
	assert.Equal(t, float64(120), got.AccumulatedUsage)
}
