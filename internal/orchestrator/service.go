// Package orchestrator is the stateless façade in front of the actor
// registry. It validates subscriptions, serves the fast path through
// the tiered cache, and owns every network call the actors themselves
// are not allowed to make: revalidation against the system of record,
// usage seeding from analytics, and the usage write-back mirror.
package orchestrator

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/smallbiznis/metergate/internal/analytics"
	"github.com/smallbiznis/metergate/internal/cache"
	"github.com/smallbiznis/metergate/internal/clock"
	actorpkg "github.com/smallbiznis/metergate/internal/entitlement/actor"
	"github.com/smallbiznis/metergate/internal/entitlement/domain"
	"github.com/smallbiznis/metergate/internal/observability/metrics"
	"github.com/smallbiznis/metergate/internal/ratelimit"
	"github.com/smallbiznis/metergate/internal/sor"
)

const (
	maxAttempts     = 3
	baseBackoff     = 50 * time.Millisecond
	revalLockTTL    = 10 * time.Second
	revalLockPrefix = "metergate:reval:"
)

type Service struct {
	registry  *actorpkg.Registry
	caches    *cache.Tiered
	sor       sor.Client
	analytics analytics.Sink
	locker    *ratelimit.Locker
	reval     *keyedMutex
	clock     clock.Clock
	log       *zap.Logger
	obs       *metrics.Metrics
}

type Params struct {
	fx.In

	Registry  *actorpkg.Registry
	Caches    *cache.Tiered
	SoR       sor.Client
	Analytics analytics.Sink
	Locker    *ratelimit.Locker `optional:"true"`
	Clock     clock.Clock
	Log       *zap.Logger
	Obs       *metrics.Metrics `optional:"true"`
}

func NewService(p Params) domain.Service {
	return &Service{
		registry:  p.Registry,
		caches:    p.Caches,
		sor:       p.SoR,
		analytics: p.Analytics,
		locker:    p.Locker,
		reval:     newKeyedMutex(),
		clock:     p.Clock,
		log:       p.Log.Named("orchestrator"),
		obs:       p.Obs,
	}
}

func (s *Service) Can(ctx context.Context, req domain.CanRequest) (domain.CanResponse, error) {
	if req.CustomerID == 0 {
		return domain.CanResponse{}, domain.ErrInvalidCustomer
	}
	if strings.TrimSpace(req.FeatureSlug) == "" {
		return domain.CanResponse{}, domain.ErrInvalidFeatureSlug
	}

	denied, reason, err := s.checkSubscription(ctx, req.CustomerID, req.ProjectID)
	if err != nil {
		return domain.CanResponse{}, s.surface(err)
	}
	if denied {
		return domain.CanResponse{
			Success:      false,
			Message:      "subscription does not permit this request",
			DeniedReason: &reason,
		}, nil
	}

	started := s.clock.Now()
	a := s.registry.Get(req.CustomerID)

	var resp domain.CanResponse
	err = s.withRetry(ctx, func() error {
		var err error
		resp, err = a.Can(ctx, req)
		return err
	})
	if domain.IsNotFound(err) {
		if err = s.revalidate(ctx, req.CustomerID, req.FeatureSlug); err == nil {
			resp, err = a.Can(ctx, req)
		}
	}
	if err != nil {
		return domain.CanResponse{}, s.surface(err)
	}

	if resp.Entitlement != nil {
		s.caches.Entitlements.Set(entitlementKey(req.CustomerID, req.FeatureSlug), resp.Entitlement)
	}
	s.obs.RecordCanCheck(ctx, req.FeatureSlug, resp.Success, s.clock.Now().Sub(started))
	return resp, nil
}

func (s *Service) ReportUsage(ctx context.Context, req domain.ReportUsageRequest) (domain.ReportUsageResponse, error) {
	if req.CustomerID == 0 {
		return domain.ReportUsageResponse{}, domain.ErrInvalidCustomer
	}
	if strings.TrimSpace(req.FeatureSlug) == "" {
		return domain.ReportUsageResponse{}, domain.ErrInvalidFeatureSlug
	}
	req.IdempotenceKey = strings.TrimSpace(req.IdempotenceKey)
	if req.IdempotenceKey == "" {
		return domain.ReportUsageResponse{}, domain.ErrInvalidIdempotenceKey
	}

	// Replays short-circuit before any validation that could have
	// drifted since the original request was accepted.
	if cached, ok := s.caches.Idempotency.Get(ctx, req.IdempotenceKey); ok {
		s.obs.RecordIdempotencyHit(ctx, req.FeatureSlug)
		return cached, nil
	}

	denied, reason, err := s.checkSubscription(ctx, req.CustomerID, req.ProjectID)
	if err != nil {
		return domain.ReportUsageResponse{}, s.surface(err)
	}
	if denied {
		return domain.ReportUsageResponse{
			Success: false,
			Message: string(reason),
		}, nil
	}

	a := s.registry.Get(req.CustomerID)

	var resp domain.ReportUsageResponse
	err = s.withRetry(ctx, func() error {
		var err error
		resp, err = a.ReportUsage(ctx, req)
		return err
	})
	if domain.IsNotFound(err) {
		if err = s.revalidate(ctx, req.CustomerID, req.FeatureSlug); err == nil {
			resp, err = a.ReportUsage(ctx, req)
		}
	}
	if err != nil {
		return domain.ReportUsageResponse{}, s.surface(err)
	}

	if resp.Success {
		s.caches.Idempotency.Set(ctx, req.IdempotenceKey, resp)
		s.caches.Entitlements.Remove(entitlementKey(req.CustomerID, req.FeatureSlug))
		s.obs.RecordUsageReport(ctx, req.FeatureSlug)
		s.mirrorUsage(req.CustomerID, req.FeatureSlug)
	}
	return resp, nil
}

func (s *Service) GetEntitlement(ctx context.Context, customerID snowflake.ID, featureSlug string) (*domain.Entitlement, error) {
	if customerID == 0 {
		return nil, domain.ErrInvalidCustomer
	}
	return s.registry.Get(customerID).GetEntitlement(ctx, featureSlug)
}

func (s *Service) GetEntitlements(ctx context.Context, customerID snowflake.ID) ([]domain.Entitlement, error) {
	if customerID == 0 {
		return nil, domain.ErrInvalidCustomer
	}
	return s.registry.Get(customerID).GetEntitlements(ctx)
}

func (s *Service) SetEntitlement(ctx context.Context, ent domain.Entitlement) error {
	if ent.CustomerID == 0 {
		return domain.ErrInvalidCustomer
	}
	if strings.TrimSpace(ent.FeatureSlug) == "" {
		return domain.ErrInvalidFeatureSlug
	}
	if err := s.registry.Get(ent.CustomerID).SetEntitlement(ctx, ent); err != nil {
		return s.surface(err)
	}
	s.caches.Entitlements.Remove(entitlementKey(ent.CustomerID, ent.FeatureSlug))
	return nil
}

func (s *Service) Reset(ctx context.Context, customerID snowflake.ID) (domain.ResetResponse, error) {
	if customerID == 0 {
		return domain.ResetResponse{}, domain.ErrInvalidCustomer
	}
	resp, err := s.registry.Get(customerID).Reset(ctx)
	if err != nil {
		return domain.ResetResponse{}, s.surface(err)
	}
	if resp.Success {
		s.registry.Evict(customerID)
		s.caches.Entitlements.Remove(cache.Key(customerID.String()) + "|*")
		s.caches.Subscriptions.Remove(cache.Key(customerID.String()) + "|*")
	}
	return resp, nil
}

// checkSubscription resolves the active/enabled predicate through the
// SWR cache. An unknown customer is a confirmed absence and hard
// denial, cached negatively so repeated probes never reach the store.
func (s *Service) checkSubscription(ctx context.Context, customerID, projectID snowflake.ID) (bool, domain.DeniedReason, error) {
	key := cache.Key(customerID.String(), projectID.String())
	status, found, err := s.caches.Subscriptions.SWR(ctx, key, func(ctx context.Context) (domain.SubscriptionStatus, bool, error) {
		return s.sor.SubscriptionStatus(ctx, customerID, projectID)
	})
	if err != nil {
		s.log.Warn("subscription lookup failed", zap.Error(err))
		return false, "", domain.Retryable(err)
	}
	switch {
	case !found, !status.Active:
		return true, domain.DeniedSubscriptionInactive, nil
	case !status.ProjectEnabled:
		return true, domain.DeniedProjectDisabled, nil
	}
	return false, "", nil
}

// revalidate pulls the authoritative entitlement, seeds its counters
// from analytics so a cold actor does not restart the period at zero,
// and pushes the result into the actor. Exactly one revalidation per
// (customer, feature) runs at a time; late arrivals see the first
// one's push and return without touching the system of record.
func (s *Service) revalidate(ctx context.Context, customerID snowflake.ID, featureSlug string) error {
	key := cache.Key(customerID.String(), featureSlug)
	unlock := s.reval.Lock(key)
	defer unlock()

	a := s.registry.Get(customerID)
	if ent, err := a.GetEntitlement(ctx, featureSlug); err == nil && ent != nil {
		return nil
	}

	// A cached verdict shields the system of record: a confirmed
	// absence stays absent until the entry ages out, and a cached
	// snapshot re-seeds the actor without a round trip.
	if cached, negative, ok := s.caches.Entitlements.Get(key); ok {
		if negative {
			return domain.ErrEntitlementNotFound
		}
		if cached != nil {
			return a.SetEntitlement(ctx, *cached)
		}
	}

	if s.locker != nil {
		token, ok, err := s.locker.TryLock(ctx, revalLockPrefix+key, revalLockTTL)
		if err != nil {
			s.log.Warn("revalidation lock unavailable, proceeding locally", zap.Error(err))
		} else if !ok {
			return domain.Retryable(domain.ErrTemporarilyUnavailable)
		} else {
			defer func() {
				if err := s.locker.Release(context.WithoutCancel(ctx), revalLockPrefix+key, token); err != nil {
					s.log.Warn("revalidation lock release failed", zap.Error(err))
				}
			}()
		}
	}

	now := s.clock.Now()
	grant, err := s.sor.ActiveEntitlement(ctx, customerID, featureSlug, now)
	if err != nil {
		return err
	}
	if grant == nil {
		s.caches.Entitlements.SetNegative(entitlementKey(customerID, featureSlug))
		return domain.ErrEntitlementNotFound
	}

	usage, err := s.analytics.PeriodUsage(ctx, analytics.PeriodUsageRequest{
		CustomerID: customerID,
		ProjectID:  grant.ProjectID,
		From:       grant.ValidFrom,
		To:         now,
	})
	if err != nil {
		return domain.Retryable(err)
	}
	if fold, ok := usage[featureSlug]; ok {
		grant.Usage = fold.Seed(grant.AggregationMethod)
		if grant.AggregationMethod.Lifetime() && grant.Usage > grant.AccumulatedUsage {
			grant.AccumulatedUsage = grant.Usage
		}
	}

	if err := a.SetEntitlement(ctx, *grant); err != nil {
		return err
	}
	s.caches.Entitlements.Set(entitlementKey(customerID, featureSlug), grant)
	s.obs.RecordRevalidation(ctx, featureSlug)
	return nil
}

// mirrorUsage pushes the actor's counters back to the system of
// record. Best effort, never surfaced to the caller.
func (s *Service) mirrorUsage(customerID snowflake.ID, featureSlug string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		ent, err := s.registry.Get(customerID).GetEntitlement(ctx, featureSlug)
		if err != nil || ent == nil {
			return
		}
		if err := s.sor.MirrorUsage(ctx, ent.ID, ent.Usage, ent.AccumulatedUsage, ent.LastUsageUpdateAt); err != nil {
			s.log.Warn("usage mirror write-back failed",
				zap.Error(err),
				zap.String("customer_id", customerID.String()),
				zap.String("feature_slug", featureSlug),
			)
		}
	}()
}

// withRetry retries fn on Retryable errors only, with a small fixed
// attempt budget and exponential backoff.
func (s *Service) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err = fn(); err == nil || !domain.IsRetryable(err) {
			return err
		}
		select {
		case <-time.After(baseBackoff << attempt):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// surface maps internal failures to what callers may see. Fatal and
// not-found errors pass through; transient ones collapse into a
// generic temporarily-unavailable.
func (s *Service) surface(err error) error {
	if domain.IsRetryable(err) {
		return domain.ErrTemporarilyUnavailable
	}
	return err
}

func entitlementKey(customerID snowflake.ID, featureSlug string) string {
	return cache.Key(customerID.String(), featureSlug)
}

var Module = fx.Module("orchestrator",
	fx.Provide(NewService),
)
