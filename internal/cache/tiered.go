package cache

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/smallbiznis/metergate/internal/clock"
	"github.com/smallbiznis/metergate/internal/entitlement/domain"
)

const (
	defaultSubscriptionFreshTTL = 45 * time.Second
	defaultSubscriptionHardTTL  = 5 * time.Minute
	defaultEntitlementFreshTTL  = time.Minute
	defaultEntitlementHardTTL   = 10 * time.Minute
	defaultIdempotencyTTL       = 24 * time.Hour

	idempotencyKeyPrefix = "metergate:idem:"
)

// Tiered groups the three cache namespaces fronting the actor.
type Tiered struct {
	Subscriptions *SWRCache[domain.SubscriptionStatus]
	Entitlements  *SWRCache[*domain.Entitlement]
	Idempotency   *IdempotencyCache
}

type Params struct {
	fx.In

	Clock clock.Clock
	Log   *zap.Logger
	Redis *redis.Client `optional:"true"`
}

func NewTiered(p Params) *Tiered {
	return &Tiered{
		Subscriptions: NewSWRCache[domain.SubscriptionStatus](defaultSubscriptionFreshTTL, defaultSubscriptionHardTTL, p.Clock),
		Entitlements:  NewSWRCache[*domain.Entitlement](defaultEntitlementFreshTTL, defaultEntitlementHardTTL, p.Clock),
		Idempotency:   NewIdempotencyCache(p.Redis, p.Log),
	}
}

// IdempotencyCache maps an idempotence key to the original report
// response so redelivery of the same logical request is a no-op. An
// in-memory front absorbs hot replays; the redis tier makes replays
// idempotent across instances.
type IdempotencyCache struct {
	memory Cache[string, domain.ReportUsageResponse]
	redis  *redis.Client
	log    *zap.Logger
	ttl    time.Duration
}

func NewIdempotencyCache(client *redis.Client, log *zap.Logger) *IdempotencyCache {
	return &IdempotencyCache{
		memory: NewTTLCache[string, domain.ReportUsageResponse](),
		redis:  client,
		log:    log.Named("cache.idempotency"),
		ttl:    defaultIdempotencyTTL,
	}
}

func (c *IdempotencyCache) Get(ctx context.Context, key string) (domain.ReportUsageResponse, bool) {
	if key == "" {
		return domain.ReportUsageResponse{}, false
	}
	if resp, ok := c.memory.Get(key); ok {
		return resp, true
	}
	if c.redis == nil {
		return domain.ReportUsageResponse{}, false
	}
	raw, err := c.redis.Get(ctx, idempotencyKeyPrefix+key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.log.Warn("idempotency lookup failed", zap.Error(err))
		}
		return domain.ReportUsageResponse{}, false
	}
	var resp domain.ReportUsageResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		c.log.Warn("idempotency record corrupt", zap.String("key", key), zap.Error(err))
		return domain.ReportUsageResponse{}, false
	}
	c.memory.Set(key, resp, c.ttl)
	return resp, true
}

func (c *IdempotencyCache) Set(ctx context.Context, key string, resp domain.ReportUsageResponse) {
	if key == "" {
		return
	}
	c.memory.Set(key, resp, c.ttl)
	if c.redis == nil {
		return
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, idempotencyKeyPrefix+key, raw, c.ttl).Err(); err != nil {
		c.log.Warn("idempotency record write failed", zap.Error(err))
	}
}

func (c *IdempotencyCache) Remove(ctx context.Context, key string) {
	c.memory.Remove(key)
	if c.redis != nil {
		_ = c.redis.Del(ctx, idempotencyKeyPrefix+key).Err()
	}
}

var Module = fx.Module("cache",
	fx.Provide(NewTiered),
)
