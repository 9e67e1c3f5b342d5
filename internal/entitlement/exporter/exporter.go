// Package exporter drains an actor's local ledger into the analytics
// backend: fixed-size pages ordered by the id cursor, in-page dedupe,
// delete-only-on-ack. Export failures are retryable forever; a
// retention sweep caps ledger growth regardless.
package exporter

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/smallbiznis/metergate/internal/analytics"
	"github.com/smallbiznis/metergate/internal/entitlement/domain"
	"github.com/smallbiznis/metergate/internal/entitlement/ledger"
	"github.com/smallbiznis/metergate/internal/observability/metrics"
)

type Exporter struct {
	ledger *ledger.Store
	sink   analytics.Sink
	log    *zap.Logger
	cfg    *ConfigHolder
	obs    *metrics.Metrics
}

type Params struct {
	fx.In

	Ledger *ledger.Store
	Sink   analytics.Sink
	Log    *zap.Logger
	Config *ConfigHolder
	Obs    *metrics.Metrics `optional:"true"`
}

func New(p Params) *Exporter {
	return &Exporter{
		ledger: p.Ledger,
		sink:   p.Sink,
		log:    p.Log.Named("entitlement.exporter"),
		cfg:    p.Config,
		obs:    p.Obs,
	}
}

// Drain exports every pending event for one customer, page by page,
// until an empty page is returned. Returns the number of usage events
// removed from the ledger. Rows from a page whose delivery was not
// fully acknowledged stay put and are retried verbatim on the next
// firing.
func (e *Exporter) Drain(ctx context.Context, customerID snowflake.ID) (int, error) {
	cfg := e.cfg.Load()

	drained, err := e.drainUsage(ctx, customerID, cfg.PageSize)
	if err != nil {
		return drained, err
	}
	if err := e.drainVerifications(ctx, customerID, cfg.PageSize); err != nil {
		return drained, err
	}
	return drained, nil
}

func (e *Exporter) drainUsage(ctx context.Context, customerID snowflake.ID, pageSize int) (int, error) {
	drained := 0
	for {
		page, err := e.ledger.PageUsage(ctx, customerID, 0, pageSize)
		if err != nil {
			return drained, domain.Retryable(err)
		}
		if len(page) == 0 {
			return drained, nil
		}

		batch := dedupeUsage(page)
		result, err := e.sink.ExportUsage(ctx, batch)
		if err != nil {
			e.log.Warn("usage export failed, page kept for retry",
				zap.Error(err),
				zap.String("customer_id", customerID.String()),
				zap.Int("page_size", len(page)),
			)
			return drained, domain.Retryable(err)
		}
		if !result.Delivered(len(batch)) {
			e.log.Warn("usage export partially acknowledged, page kept for retry",
				zap.String("customer_id", customerID.String()),
				zap.Int("accepted", result.Accepted),
				zap.Int("quarantined", result.Quarantined),
				zap.Int("batch_size", len(batch)),
			)
			return drained, domain.Retryable(fmt.Errorf("export acknowledged %d of %d", result.Accepted+result.Quarantined, len(batch)))
		}

		ids := make([]snowflake.ID, 0, len(page))
		for i := range page {
			ids = append(ids, page[i].ID)
		}
		if err := e.ledger.DeleteUsage(ctx, ids); err != nil {
			return drained, domain.Retryable(err)
		}
		drained += len(page)
		if e.obs != nil {
			e.obs.RecordExport(ctx, result.Accepted, result.Quarantined)
		}
	}
}

func (e *Exporter) drainVerifications(ctx context.Context, customerID snowflake.ID, pageSize int) error {
	for {
		page, err := e.ledger.PageVerifications(ctx, customerID, 0, pageSize)
		if err != nil {
			return domain.Retryable(err)
		}
		if len(page) == 0 {
			return nil
		}

		result, err := e.sink.ExportVerifications(ctx, page)
		if err != nil {
			e.log.Warn("verification export failed, page kept for retry",
				zap.Error(err),
				zap.String("customer_id", customerID.String()),
			)
			return domain.Retryable(err)
		}
		if !result.Delivered(len(page)) {
			return domain.Retryable(fmt.Errorf("verification export acknowledged %d of %d", result.Accepted+result.Quarantined, len(page)))
		}

		ids := make([]snowflake.ID, 0, len(page))
		for i := range page {
			ids = append(ids, page[i].ID)
		}
		if err := e.ledger.DeleteVerifications(ctx, ids); err != nil {
			return domain.Retryable(err)
		}
	}
}

// Sweep drops ledger rows older than the retention window, exported or
// not. Bounds storage when the analytics backend is down for long.
func (e *Exporter) Sweep(ctx context.Context) {
	cfg := e.cfg.Load()
	cutoff := time.Now().UTC().Add(-cfg.Retention)

	dropped, err := e.ledger.PurgeUsageOlderThan(ctx, cutoff)
	if err != nil {
		e.log.Warn("usage retention sweep failed", zap.Error(err))
	} else if dropped > 0 {
		e.log.Info("usage events dropped past retention", zap.Int64("dropped", dropped))
	}

	if _, err := e.ledger.PurgeVerificationsOlderThan(ctx, cutoff); err != nil {
		e.log.Warn("verification retention sweep failed", zap.Error(err))
	}
}

// FlushTTL is the default timer the actor re-arms after each write.
func (e *Exporter) FlushTTL() time.Duration {
	return e.cfg.Load().FlushTTL
}

func dedupeUsage(page []domain.UsageEvent) []domain.UsageEvent {
	seen := make(map[string]struct{}, len(page))
	batch := make([]domain.UsageEvent, 0, len(page))
	for i := range page {
		key := page[i].DedupeKey()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		batch = append(batch, page[i])
	}
	return batch
}

var Module = fx.Module("entitlement.exporter",
	fx.Provide(
		NewConfigHolder,
		New,
	),
)
