// Package analytics is the durable sink the exporter drains ledgers
// into, and the source of period aggregates used to seed an actor's
// counters during revalidation.
package analytics

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"

	"github.com/smallbiznis/metergate/internal/entitlement/domain"
)

// ExportResult reports how a batch was received. Quarantined rows
// (duplicates, malformed) are accounted for but not stored twice; a
// batch counts as delivered once every row is either accepted or
// quarantined.
type ExportResult struct {
	Accepted    int
	Quarantined int
}

// Delivered reports whether a batch of the given size may be deleted
// from the local ledger.
func (r ExportResult) Delivered(batchSize int) bool {
	return r.Accepted+r.Quarantined >= batchSize
}

// PeriodUsageRequest asks for aggregated usage per feature inside one
// billing window.
type PeriodUsageRequest struct {
	CustomerID snowflake.ID
	ProjectID  snowflake.ID
	From       time.Time
	To         time.Time
}

// FeatureUsage carries every fold of the window so the caller can pick
// the one matching the entitlement's aggregation method.
type FeatureUsage struct {
	Sum   float64
	Max   float64
	Count float64
	Last  float64
}

// Seed returns the accumulator value for the given aggregation method.
func (u FeatureUsage) Seed(method domain.AggregationMethod) float64 {
	switch method {
	case domain.AggregationMax, domain.AggregationMaxAll:
		return u.Max
	case domain.AggregationCount, domain.AggregationCountAll:
		return u.Count
	case domain.AggregationLastDuringPeriod:
		return u.Last
	default:
		return u.Sum
	}
}

// Sink is the analytics backend contract.
type Sink interface {
	ExportUsage(ctx context.Context, events []domain.UsageEvent) (ExportResult, error)
	ExportVerifications(ctx context.Context, events []domain.VerificationEvent) (ExportResult, error)
	PeriodUsage(ctx context.Context, req PeriodUsageRequest) (map[string]FeatureUsage, error)
}
