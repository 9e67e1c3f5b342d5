// Package domain contains the entitlement models, wire records and
// errors shared by the actor, orchestrator, cache and exporter.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type FeatureType string

const (
	FeatureTypeFlat    FeatureType = "flat"
	FeatureTypeUsage   FeatureType = "usage"
	FeatureTypeTier    FeatureType = "tier"
	FeatureTypePackage FeatureType = "package"
)

type AggregationMethod string

const (
	AggregationSum              AggregationMethod = "sum"
	AggregationMax              AggregationMethod = "max"
	AggregationCount            AggregationMethod = "count"
	AggregationLastDuringPeriod AggregationMethod = "last_during_period"
	AggregationSumAll           AggregationMethod = "sum_all"
	AggregationMaxAll           AggregationMethod = "max_all"
	AggregationCountAll         AggregationMethod = "count_all"
)

// AllowsNegative reports whether a negative usage delta is meaningful
// for this aggregation. Only additive folds can be decremented.
func (m AggregationMethod) AllowsNegative() bool {
	return m == AggregationSum || m == AggregationSumAll
}

// Lifetime reports whether the fold targets the accumulated (cross
// period) counter instead of the current period counter.
func (m AggregationMethod) Lifetime() bool {
	switch m {
	case AggregationSumAll, AggregationMaxAll, AggregationCountAll:
		return true
	}
	return false
}

// NotifyThreshold is the fraction of the limit at which accepted usage
// reports start carrying notify_usage=true.
const NotifyThreshold = 0.8

// Entitlement is the right of one customer to consume one feature. The
// copy held by an actor is a cache of the system of record's row, with
// usage written back asynchronously.
type Entitlement struct {
	ID                snowflake.ID      `gorm:"primaryKey"`
	CustomerID        snowflake.ID      `gorm:"not null;index:ux_entitlements_customer_feature,unique,priority:1"`
	ProjectID         snowflake.ID      `gorm:"not null"`
	FeatureSlug       string            `gorm:"type:text;not null;index:ux_entitlements_customer_feature,unique,priority:2"`
	FeatureType       FeatureType       `gorm:"type:text;not null"`
	AggregationMethod AggregationMethod `gorm:"type:text;not null"`
	Usage             float64           `gorm:"not null"`
	AccumulatedUsage  float64           `gorm:"not null"`
	Limit             *float64
	ValidFrom         time.Time `gorm:"not null"`
	ValidTo           *time.Time
	BufferPeriodDays  int `gorm:"not null;default:0"`
	LastUsageUpdateAt time.Time
	CreatedAt         time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt         time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Entitlement) TableName() string { return "entitlements" }

// NotYetValid reports whether the validity window has not opened yet.
func (e *Entitlement) NotYetValid(now time.Time) bool {
	return now.Before(e.ValidFrom)
}

// Expired reports whether the entitlement's validity window, extended
// by the buffer period, has passed at the given instant.
func (e *Entitlement) Expired(now time.Time) bool {
	if e.ValidTo == nil {
		return false
	}
	deadline := e.ValidTo.AddDate(0, 0, e.BufferPeriodDays)
	return !now.Before(deadline)
}

// Unlimited reports whether no limit applies.
func (e *Entitlement) Unlimited() bool { return e.Limit == nil }

// CurrentUsage returns the counter the aggregation method folds into.
func (e *Entitlement) CurrentUsage() float64 {
	if e.AggregationMethod.Lifetime() {
		return e.AccumulatedUsage
	}
	return e.Usage
}

// Apply folds one reported delta into the entitlement per its
// aggregation method and returns the new effective usage. Flat
// features never accumulate; their stored usage stays at zero.
func (e *Entitlement) Apply(delta float64, at time.Time) float64 {
	if e.FeatureType == FeatureTypeFlat {
		e.Usage = 0
		e.LastUsageUpdateAt = at
		return 0
	}

	switch e.AggregationMethod {
	case AggregationSum:
		e.Usage += delta
	case AggregationMax:
		if delta > e.Usage {
			e.Usage = delta
		}
	case AggregationCount:
		e.Usage++
	case AggregationLastDuringPeriod:
		e.Usage = delta
	case AggregationSumAll:
		e.Usage += delta
		e.AccumulatedUsage += delta
	case AggregationMaxAll:
		if delta > e.AccumulatedUsage {
			e.AccumulatedUsage = delta
		}
		if delta > e.Usage {
			e.Usage = delta
		}
	case AggregationCountAll:
		e.Usage++
		e.AccumulatedUsage++
	default:
		e.Usage += delta
	}

	e.LastUsageUpdateAt = at
	return e.CurrentUsage()
}

// UsageEvent is one immutable reported usage, appended to the actor's
// local ledger and drained to the analytics backend by the exporter.
type UsageEvent struct {
	ID             snowflake.ID `gorm:"primaryKey"`
	CustomerID     snowflake.ID `gorm:"not null;index"`
	FeatureSlug    string       `gorm:"type:text;not null"`
	Usage          float64      `gorm:"not null"`
	Timestamp      time.Time    `gorm:"not null"`
	IdempotenceKey string       `gorm:"type:text"`
	RequestID      string       `gorm:"type:text"`
	EntitlementID  snowflake.ID `gorm:"not null"`
	CreatedAt      time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (UsageEvent) TableName() string { return "usage_events" }

// DedupeKey is the composite key the exporter deduplicates on inside
// one page. Events without an idempotence key fall back to the
// customer/feature/timestamp triple.
func (e *UsageEvent) DedupeKey() string {
	if e.IdempotenceKey != "" {
		return e.IdempotenceKey + "|" + e.EntitlementID.String()
	}
	return e.CustomerID.String() + "|" + e.FeatureSlug + "|" + e.Timestamp.UTC().Format(time.RFC3339Nano)
}

// VerificationEvent records one allow/deny decision of a can check.
type VerificationEvent struct {
	ID            snowflake.ID `gorm:"primaryKey"`
	EntitlementID snowflake.ID
	CustomerID    snowflake.ID      `gorm:"not null;index"`
	FeatureSlug   string            `gorm:"type:text;not null"`
	RequestID     string            `gorm:"type:text"`
	Timestamp     time.Time         `gorm:"not null"`
	Latency       int64             `gorm:"not null"` // milliseconds
	DeniedReason  *string           `gorm:"type:text"`
	Metadata      datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt     time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (VerificationEvent) TableName() string { return "verification_events" }

// SubscriptionStatus is the read-only predicate the orchestrator
// consumes from the billing subsystem.
type SubscriptionStatus struct {
	Active         bool
	ProjectEnabled bool
}

// UsageBroadcast is the realtime emission produced on accepted usage
// reports, debounced per actor.
type UsageBroadcast struct {
	CustomerID  snowflake.ID `json:"customer_id"`
	FeatureSlug string       `json:"feature_slug"`
	Usage       float64      `json:"usage"`
	Timestamp   time.Time    `json:"timestamp"`
}
