package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"

	"github.com/smallbiznis/metergate/internal/entitlement/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	return store
}

func newNode(t *testing.T) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatal(err)
	}
	return node
}

func TestPageUsage_OrderAndCursor(t *testing.T) {
	store := newTestStore(t)
	node := newNode(t)
	ctx := context.Background()
	customerID := node.Generate()

	var ids []snowflake.ID
	for i := 0; i < 5; i++ {
		event := &domain.UsageEvent{
			ID:          node.Generate(),
			CustomerID:  customerID,
			FeatureSlug: "api_calls",
			Usage:       float64(i),
			Timestamp:   time.Now().UTC(),
			CreatedAt:   time.Now().UTC(),
		}
		assert.NoError(t, store.AppendUsage(ctx, event))
		ids = append(ids, event.ID)
	}

	page, err := store.PageUsage(ctx, customerID, 0, 3)
	assert.NoError(t, err)
	assert.Len(t, page, 3)
	assert.Equal(t, ids[0], page[0].ID)
	assert.Equal(t, ids[2], page[2].ID)

	rest, err := store.PageUsage(ctx, customerID, page[2].ID, 10)
	assert.NoError(t, err)
	assert.Len(t, rest, 2)
	assert.Equal(t, ids[3], rest[0].ID)
}

func TestDeleteUsage_RemovesOnlyAcked(t *testing.T) {
	store := newTestStore(t)
	node := newNode(t)
	ctx := context.Background()
	customerID := node.Generate()

	first := &domain.UsageEvent{ID: node.Generate(), CustomerID: customerID, FeatureSlug: "api_calls", Timestamp: time.Now().UTC(), CreatedAt: time.Now().UTC()}
	second := &domain.UsageEvent{ID: node.Generate(), CustomerID: customerID, FeatureSlug: "api_calls", Timestamp: time.Now().UTC(), CreatedAt: time.Now().UTC()}
	assert.NoError(t, store.AppendUsage(ctx, first))
	assert.NoError(t, store.AppendUsage(ctx, second))

	assert.NoError(t, store.DeleteUsage(ctx, []snowflake.ID{first.ID}))

	count, err := store.CountPendingUsage(ctx, customerID)
	assert.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestPendingSlugs_DistinctOrdered(t *testing.T) {
	store := newTestStore(t)
	node := newNode(t)
	ctx := context.Background()
	customerID := node.Generate()

	for _, slug := range []string{"seats", "api_calls", "seats"} {
		event := &domain.UsageEvent{ID: node.Generate(), CustomerID: customerID, FeatureSlug: slug, Timestamp: time.Now().UTC(), CreatedAt: time.Now().UTC()}
		assert.NoError(t, store.AppendUsage(ctx, event))
	}

	slugs, err := store.PendingSlugs(ctx, customerID)
	assert.NoError(t, err)
	assert.Equal(t, []string{"api_calls", "seats"}, slugs)
}

func TestPurgeUsageOlderThan(t *testing.T) {
	store := newTestStore(t)
	node := newNode(t)
	ctx := context.Background()
	customerID := node.Generate()
	now := time.Now().UTC()

	old := &domain.UsageEvent{ID: node.Generate(), CustomerID: customerID, FeatureSlug: "api_calls", Timestamp: now, CreatedAt: now.Add(-10 * 24 * time.Hour)}
	fresh := &domain.UsageEvent{ID: node.Generate(), CustomerID: customerID, FeatureSlug: "api_calls", Timestamp: now, CreatedAt: now}
	assert.NoError(t, store.AppendUsage(ctx, old))
	assert.NoError(t, store.AppendUsage(ctx, fresh))

	dropped, err := store.PurgeUsageOlderThan(ctx, now.Add(-7*24*time.Hour))
	assert.NoError(t, err)
	assert.Equal(t, int64(1), dropped)

	count, err := store.CountPendingUsage(ctx, customerID)
	assert.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestSaveEntitlement_UpsertByCustomerFeature(t *testing.T) {
	store := newTestStore(t)
	node := newNode(t)
	ctx := context.Background()
	customerID := node.Generate()

	limit := 100.0
	ent := &domain.Entitlement{
		ID:                node.Generate(),
		CustomerID:        customerID,
		FeatureSlug:       "api_calls",
		FeatureType:       domain.FeatureTypeUsage,
		AggregationMethod: domain.AggregationSum,
		Usage:             10,
		Limit:             &limit,
		ValidFrom:         time.Now().UTC(),
	}
	assert.NoError(t, store.SaveEntitlement(ctx, ent))

	ent.Usage = 25
	assert.NoError(t, store.SaveEntitlement(ctx, ent))

	rows, err := store.LoadEntitlements(ctx, customerID)
	assert.NoError(t, err)
	assert.Len(t, rows, 1)
	assert.Equal(t, float64(25), rows[0].Usage)
}

func TestPurgeCustomer_RemovesAllTables(t *testing.T) {
	store := newTestStore(t)
	node := newNode(t)
	ctx := context.Background()
	customerID := node.Generate()
	other := node.Generate()

	assert.NoError(t, store.AppendUsage(ctx, &domain.UsageEvent{ID: node.Generate(), CustomerID: customerID, FeatureSlug: "api_calls", Timestamp: time.Now().UTC(), CreatedAt: time.Now().UTC()}))
	assert.NoError(t, store.AppendUsage(ctx, &domain.UsageEvent{ID: node.Generate(), CustomerID: other, FeatureSlug: "api_calls", Timestamp: time.Now().UTC(), CreatedAt: time.Now().UTC()}))
	assert.NoError(t, store.AppendVerification(ctx, &domain.VerificationEvent{ID: node.Generate(), CustomerID: customerID, FeatureSlug: "api_calls", Timestamp: time.Now().UTC(), CreatedAt: time.Now().UTC()}))
	assert.NoError(t, store.SaveEntitlement(ctx, &domain.Entitlement{ID: node.Generate(), CustomerID: customerID, FeatureSlug: "api_calls", FeatureType: domain.FeatureTypeUsage, AggregationMethod: domain.AggregationSum, ValidFrom: time.Now().UTC()}))

	assert.NoError(t, store.PurgeCustomer(ctx, customerID))

	count, err := store.CountPendingUsage(ctx, customerID)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), count)

	ents, err := store.LoadEntitlements(ctx, customerID)
	assert.NoError(t, err)
	assert.Empty(t, ents)

	otherCount, err := store.CountPendingUsage(ctx, other)
	assert.NoError(t, err)
	assert.Equal(t, int64(1), otherCount, "other customers untouched")
}
