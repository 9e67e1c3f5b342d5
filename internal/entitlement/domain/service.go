package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

type DeniedReason string

const (
	DeniedLimitExceeded         DeniedReason = "LIMIT_EXCEEDED"
	DeniedEntitlementExpired    DeniedReason = "ENTITLEMENT_EXPIRED"
	DeniedEntitlementNotStarted DeniedReason = "ENTITLEMENT_NOT_STARTED"
	DeniedEntitlementNotFound   DeniedReason = "ENTITLEMENT_NOT_FOUND"
	DeniedSubscriptionInactive  DeniedReason = "SUBSCRIPTION_INACTIVE"
	DeniedProjectDisabled       DeniedReason = "PROJECT_DISABLED"
)

type CanRequest struct {
	CustomerID  snowflake.ID `json:"customer_id"`
	FeatureSlug string       `json:"feature_slug"`
	ProjectID   snowflake.ID `json:"project_id"`
	RequestID   string       `json:"request_id"`
	Now         time.Time    `json:"now"`
}

type CanResponse struct {
	Success      bool          `json:"success"`
	Message      string        `json:"message,omitempty"`
	DeniedReason *DeniedReason `json:"denied_reason,omitempty"`
	Entitlement  *Entitlement  `json:"entitlement,omitempty"`
}

type ReportUsageRequest struct {
	CustomerID     snowflake.ID `json:"customer_id"`
	FeatureSlug    string       `json:"feature_slug"`
	Usage          float64      `json:"usage"`
	IdempotenceKey string       `json:"idempotence_key"`
	RequestID      string       `json:"request_id"`
	ProjectID      snowflake.ID `json:"project_id"`
	Timestamp      time.Time    `json:"timestamp"`

	// FlushDeadline caps how long this event may sit in the local
	// ledger before the next export fires. Zero defers to the
	// exporter's configured flush TTL.
	FlushDeadline time.Duration `json:"flush_deadline,omitempty"`
}

type ReportUsageResponse struct {
	Success     bool     `json:"success"`
	Message     string   `json:"message,omitempty"`
	Limit       *float64 `json:"limit,omitempty"`
	Usage       *float64 `json:"usage,omitempty"`
	NotifyUsage bool     `json:"notify_usage"`
}

type ResetResponse struct {
	Success               bool     `json:"success"`
	Message               string   `json:"message,omitempty"`
	RemainingFeatureSlugs []string `json:"remaining_feature_slugs,omitempty"`
}

// Service is the orchestration surface the API edge calls. The actor
// exposes the same operations minus subscription validation and
// revalidation, which stay outside its serialization boundary.
type Service interface {
	Can(ctx context.Context, req CanRequest) (CanResponse, error)
	ReportUsage(ctx context.Context, req ReportUsageRequest) (ReportUsageResponse, error)
	GetEntitlement(ctx context.Context, customerID snowflake.ID, featureSlug string) (*Entitlement, error)
	GetEntitlements(ctx context.Context, customerID snowflake.ID) ([]Entitlement, error)
	SetEntitlement(ctx context.Context, ent Entitlement) error
	Reset(ctx context.Context, customerID snowflake.ID) (ResetResponse, error)
}
