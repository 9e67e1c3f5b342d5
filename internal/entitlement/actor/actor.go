// Package actor hosts the per-customer entitlement actors. One
// goroutine owns all state for one customer; every operation against
// that customer funnels through its mailbox, which is what gives usage
// reports their strict per-customer ordering.
package actor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"

	"github.com/smallbiznis/metergate/internal/cache"
	"github.com/smallbiznis/metergate/internal/clock"
	"github.com/smallbiznis/metergate/internal/entitlement/broadcast"
	"github.com/smallbiznis/metergate/internal/entitlement/domain"
	"github.com/smallbiznis/metergate/internal/entitlement/exporter"
	"github.com/smallbiznis/metergate/internal/entitlement/ledger"
)

// ErrStopped is returned for operations against a drained actor. The
// registry will spawn a fresh one on the next call.
var ErrStopped = errors.New("actor_stopped")

const (
	mailboxSize      = 64
	idempotencyTTL   = 24 * time.Hour
	flatFeatureLimit = 1.0
	flatFeatureUsage = 0.0
)

// Actor is the single writer for one customer's entitlements and
// ledger. It never reaches out to the system of record; cold misses
// surface as ErrEntitlementNotFound and the orchestrator revalidates.
type Actor struct {
	customerID snowflake.ID

	mailbox   chan func()
	stopped   chan struct{}
	stopMu    sync.RWMutex
	isStopped bool

	entitlements map[string]*domain.Entitlement
	idempotency  cache.Cache[string, domain.ReportUsageResponse]
	flushArmed   bool
	flushTimer   *time.Timer
	flushAt      time.Time

	ledger   *ledger.Store
	exporter *exporter.Exporter
	hub      *broadcast.Hub
	clock    clock.Clock
	genID    *snowflake.Node
	log      *zap.Logger
}

func newActor(customerID snowflake.ID, deps Deps) *Actor {
	a := &Actor{
		customerID:   customerID,
		mailbox:      make(chan func(), mailboxSize),
		stopped:      make(chan struct{}),
		entitlements: make(map[string]*domain.Entitlement),
		idempotency:  cache.NewTTLCache[string, domain.ReportUsageResponse](),
		ledger:       deps.Ledger,
		exporter:     deps.Exporter,
		hub:          deps.Hub,
		clock:        deps.Clock,
		genID:        deps.GenID,
		log:          deps.Log.Named("entitlement.actor").With(zap.String("customer_id", customerID.String())),
	}
	go a.run()
	return a
}

func (a *Actor) run() {
	a.coldStart()
	for {
		select {
		case fn := <-a.mailbox:
			fn()
		case <-a.stopped:
			// Run whatever was enqueued before the stop, then exit.
			for {
				select {
				case fn := <-a.mailbox:
					fn()
				default:
					return
				}
			}
		}
	}
}

// coldStart loads the persisted entitlement copies. An empty local
// store is fine; resolution is deferred to the first request.
func (a *Actor) coldStart() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rows, err := a.ledger.LoadEntitlements(ctx, a.customerID)
	if err != nil {
		a.log.Warn("cold start load failed, deferring to revalidation", zap.Error(err))
		return
	}
	for i := range rows {
		ent := rows[i]
		a.entitlements[ent.FeatureSlug] = &ent
	}
	if len(rows) > 0 {
		a.log.Debug("entitlements restored", zap.Int("count", len(rows)))
	}

	pending, err := a.ledger.CountPendingUsage(ctx, a.customerID)
	if err == nil && pending > 0 {
		a.armFlush(a.exporter.FlushTTL())
	}
}

// do runs fn on the actor goroutine and waits for it. The read lock
// keeps stop() from cutting in between the stopped check and the
// enqueue, so an accepted message is always executed.
func (a *Actor) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	wrapped := func() {
		defer close(done)
		fn()
	}

	a.stopMu.RLock()
	if a.isStopped {
		a.stopMu.RUnlock()
		return domain.Retryable(ErrStopped)
	}
	select {
	case a.mailbox <- wrapped:
		a.stopMu.RUnlock()
	case <-ctx.Done():
		a.stopMu.RUnlock()
		return ctx.Err()
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Actor) Can(ctx context.Context, req domain.CanRequest) (domain.CanResponse, error) {
	var (
		resp domain.CanResponse
		err  error
	)
	if doErr := a.do(ctx, func() {
		resp, err = a.handleCan(req)
	}); doErr != nil {
		return domain.CanResponse{}, doErr
	}
	return resp, err
}

func (a *Actor) handleCan(req domain.CanRequest) (domain.CanResponse, error) {
	started := a.clock.Now()
	now := req.Now
	if now.IsZero() {
		now = started
	}

	ent, ok := a.entitlements[req.FeatureSlug]
	if !ok {
		return domain.CanResponse{}, domain.ErrEntitlementNotFound
	}

	snapshot := *ent
	resp := domain.CanResponse{Success: true, Entitlement: &snapshot}

	switch {
	case ent.NotYetValid(now):
		reason := domain.DeniedEntitlementNotStarted
		resp = domain.CanResponse{
			Success:      false,
			Message:      "entitlement validity window has not opened",
			DeniedReason: &reason,
			Entitlement:  &snapshot,
		}
	case ent.Expired(now):
		reason := domain.DeniedEntitlementExpired
		resp = domain.CanResponse{
			Success:      false,
			Message:      "entitlement validity window has passed",
			DeniedReason: &reason,
			Entitlement:  &snapshot,
		}
	case ent.FeatureType == domain.FeatureTypeFlat:
		// Flat features are allow-only; billed usage truncates to zero.
	case !ent.Unlimited() && ent.CurrentUsage() > *ent.Limit:
		reason := domain.DeniedLimitExceeded
		resp = domain.CanResponse{
			Success:      false,
			Message:      fmt.Sprintf("usage %.2f over limit %.2f", ent.CurrentUsage(), *ent.Limit),
			DeniedReason: &reason,
			Entitlement:  &snapshot,
		}
	}

	a.auditVerification(ent, req, resp, a.clock.Now().Sub(started))
	return resp, nil
}

// auditVerification records the decision without blocking the reply.
func (a *Actor) auditVerification(ent *domain.Entitlement, req domain.CanRequest, resp domain.CanResponse, latency time.Duration) {
	event := &domain.VerificationEvent{
		ID:            a.genID.Generate(),
		EntitlementID: ent.ID,
		CustomerID:    a.customerID,
		FeatureSlug:   req.FeatureSlug,
		RequestID:     req.RequestID,
		Timestamp:     a.clock.Now(),
		Latency:       latency.Milliseconds(),
	}
	if resp.DeniedReason != nil {
		reason := string(*resp.DeniedReason)
		event.DeniedReason = &reason
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := a.ledger.AppendVerification(ctx, event); err != nil {
			a.log.Warn("verification audit append failed", zap.Error(err))
		}
	}()
}

func (a *Actor) ReportUsage(ctx context.Context, req domain.ReportUsageRequest) (domain.ReportUsageResponse, error) {
	var (
		resp domain.ReportUsageResponse
		err  error
	)
	if doErr := a.do(ctx, func() {
		resp, err = a.handleReportUsage(req)
	}); doErr != nil {
		return domain.ReportUsageResponse{}, doErr
	}
	return resp, err
}

func (a *Actor) handleReportUsage(req domain.ReportUsageRequest) (domain.ReportUsageResponse, error) {
	if cached, ok := a.idempotency.Get(req.IdempotenceKey); ok && req.IdempotenceKey != "" {
		return cached, nil
	}

	ent, ok := a.entitlements[req.FeatureSlug]
	if !ok {
		return domain.ReportUsageResponse{}, domain.ErrEntitlementNotFound
	}

	now := req.Timestamp
	if now.IsZero() {
		now = a.clock.Now()
	}

	if ent.NotYetValid(now) {
		return domain.ReportUsageResponse{
			Success: false,
			Message: string(domain.DeniedEntitlementNotStarted),
		}, nil
	}
	if ent.Expired(now) {
		return domain.ReportUsageResponse{
			Success: false,
			Message: string(domain.DeniedEntitlementExpired),
		}, nil
	}
	if req.Usage < 0 && !ent.AggregationMethod.AllowsNegative() {
		return domain.ReportUsageResponse{}, domain.ErrNegativeUsage
	}

	event := &domain.UsageEvent{
		ID:             a.genID.Generate(),
		CustomerID:     a.customerID,
		FeatureSlug:    req.FeatureSlug,
		Usage:          req.Usage,
		Timestamp:      now,
		IdempotenceKey: req.IdempotenceKey,
		RequestID:      req.RequestID,
		EntitlementID:  ent.ID,
		CreatedAt:      a.clock.Now(),
	}

	writeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.ledger.AppendUsage(writeCtx, event); err != nil {
		return domain.ReportUsageResponse{}, domain.Retryable(err)
	}

	newUsage := ent.Apply(req.Usage, now)
	ent.UpdatedAt = a.clock.Now()
	if err := a.ledger.SaveEntitlement(writeCtx, ent); err != nil {
		a.log.Warn("entitlement snapshot persist failed", zap.Error(err))
	}

	resp := domain.ReportUsageResponse{Success: true}
	if ent.FeatureType == domain.FeatureTypeFlat {
		limit, usage := flatFeatureLimit, flatFeatureUsage
		resp.Limit = &limit
		resp.Usage = &usage
	} else {
		usage := newUsage
		resp.Usage = &usage
		if ent.Limit != nil {
			limit := *ent.Limit
			resp.Limit = &limit
			if newUsage > limit || newUsage >= limit*domain.NotifyThreshold {
				resp.NotifyUsage = true
			}
		}
	}

	if req.IdempotenceKey != "" {
		a.idempotency.Set(req.IdempotenceKey, resp, idempotencyTTL)
	}

	a.hub.Publish(domain.UsageBroadcast{
		CustomerID:  a.customerID,
		FeatureSlug: req.FeatureSlug,
		Usage:       newUsage,
		Timestamp:   now,
	})
	flushTTL := a.exporter.FlushTTL()
	if req.FlushDeadline > 0 && req.FlushDeadline < flushTTL {
		flushTTL = req.FlushDeadline
	}
	a.armFlush(flushTTL)

	return resp, nil
}

func (a *Actor) SetEntitlement(ctx context.Context, ent domain.Entitlement) error {
	var err error
	if doErr := a.do(ctx, func() {
		err = a.handleSetEntitlement(ent)
	}); doErr != nil {
		return doErr
	}
	return err
}

// handleSetEntitlement is the sole write path from outside the
// single-writer boundary: an idempotent upsert pushed by the system of
// record (directly or via revalidation).
func (a *Actor) handleSetEntitlement(ent domain.Entitlement) error {
	ent.CustomerID = a.customerID
	if ent.UpdatedAt.IsZero() {
		ent.UpdatedAt = a.clock.Now()
	}

	writeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.ledger.SaveEntitlement(writeCtx, &ent); err != nil {
		return domain.Retryable(err)
	}
	a.entitlements[ent.FeatureSlug] = &ent
	return nil
}

func (a *Actor) GetEntitlement(ctx context.Context, featureSlug string) (*domain.Entitlement, error) {
	var snapshot *domain.Entitlement
	if err := a.do(ctx, func() {
		if ent, ok := a.entitlements[featureSlug]; ok {
			clone := *ent
			snapshot = &clone
		}
	}); err != nil {
		return nil, err
	}
	return snapshot, nil
}

func (a *Actor) GetEntitlements(ctx context.Context) ([]domain.Entitlement, error) {
	var snapshots []domain.Entitlement
	if err := a.do(ctx, func() {
		snapshots = make([]domain.Entitlement, 0, len(a.entitlements))
		for _, ent := range a.entitlements {
			snapshots = append(snapshots, *ent)
		}
	}); err != nil {
		return nil, err
	}
	return snapshots, nil
}

func (a *Actor) Reset(ctx context.Context) (domain.ResetResponse, error) {
	var (
		resp domain.ResetResponse
		err  error
	)
	if doErr := a.do(ctx, func() {
		resp, err = a.handleReset(ctx)
	}); doErr != nil {
		return domain.ResetResponse{}, doErr
	}
	return resp, err
}

// handleReset drains synchronously and purges only when nothing is
// left unexported; otherwise it reports which features still hold
// events so the caller can retry later.
func (a *Actor) handleReset(ctx context.Context) (domain.ResetResponse, error) {
	if _, err := a.exporter.Drain(ctx, a.customerID); err != nil {
		a.log.Warn("reset drain failed", zap.Error(err))
	}

	pending, err := a.ledger.CountPendingUsage(ctx, a.customerID)
	if err != nil {
		return domain.ResetResponse{}, domain.Retryable(err)
	}
	if pending > 0 {
		slugs, err := a.ledger.PendingSlugs(ctx, a.customerID)
		if err != nil {
			return domain.ResetResponse{}, domain.Retryable(err)
		}
		return domain.ResetResponse{
			Success:               false,
			Message:               fmt.Sprintf("%d usage events not yet exported", pending),
			RemainingFeatureSlugs: slugs,
		}, nil
	}

	if err := a.ledger.PurgeCustomer(ctx, a.customerID); err != nil {
		return domain.ResetResponse{}, domain.Retryable(err)
	}
	a.entitlements = make(map[string]*domain.Entitlement)
	a.idempotency = cache.NewTTLCache[string, domain.ReportUsageResponse]()
	a.disarmFlush()

	return domain.ResetResponse{Success: true, Message: "customer state purged"}, nil
}

// armFlush schedules one drain after ttl. A pending timer is kept
// unless the new deadline is sooner. Runs on the actor goroutine only.
func (a *Actor) armFlush(ttl time.Duration) {
	deadline := time.Now().Add(ttl)
	if a.flushArmed {
		if !deadline.Before(a.flushAt) {
			return
		}
		a.flushTimer.Stop()
	}
	a.flushArmed = true
	a.flushAt = deadline
	a.flushTimer = time.AfterFunc(ttl, func() {
		_ = a.do(context.Background(), a.onFlushTimer)
	})
}

func (a *Actor) disarmFlush() {
	if a.flushTimer != nil {
		a.flushTimer.Stop()
		a.flushTimer = nil
	}
	a.flushArmed = false
	a.flushAt = time.Time{}
}

// onFlushTimer hands the drain to a detached goroutine; the actor keeps
// serving requests while the exporter talks to the analytics backend.
func (a *Actor) onFlushTimer() {
	a.flushArmed = false
	a.flushTimer = nil
	a.flushAt = time.Time{}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		_, err := a.exporter.Drain(ctx, a.customerID)
		a.exporter.Sweep(ctx)
		if err != nil {
			a.log.Warn("scheduled drain incomplete, re-arming", zap.Error(err))
			_ = a.do(context.Background(), func() {
				a.armFlush(a.exporter.FlushTTL())
			})
		}
	}()
}

// stop terminates the goroutine after running everything already
// enqueued. Pending ledger rows survive; the next spawn picks them up.
func (a *Actor) stop() {
	a.stopMu.Lock()
	if a.isStopped {
		a.stopMu.Unlock()
		return
	}
	a.isStopped = true
	a.stopMu.Unlock()

	select {
	case a.mailbox <- a.disarmFlush:
	default:
	}
	close(a.stopped)
}
