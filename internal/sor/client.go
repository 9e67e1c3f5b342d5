// Package sor reads the system of record: the central database owning
// the canonical entitlement and subscription rows. The actor's copy is
// a cache of these rows; conflicts always resolve in this store's
// favor during revalidation.
package sor

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/smallbiznis/metergate/internal/entitlement/domain"
)

// Client is the collaborator interface the orchestrator consumes.
type Client interface {
	// ActiveEntitlement returns the canonical entitlement projection
	// for (customer, feature) at the given instant, or nil when none.
	ActiveEntitlement(ctx context.Context, customerID snowflake.ID, featureSlug string, asOf time.Time) (*domain.Entitlement, error)

	// SubscriptionStatus returns the active/enabled predicate.
	// found=false is a confirmed "customer does not exist here" and is
	// negative-cached by the caller.
	SubscriptionStatus(ctx context.Context, customerID, projectID snowflake.ID) (domain.SubscriptionStatus, bool, error)

	// MirrorUsage writes an actor's usage counters back. Best effort;
	// callers treat failures as log-only.
	MirrorUsage(ctx context.Context, entitlementID snowflake.ID, usage, accumulated float64, at time.Time) error
}

// EntitlementGrant is the canonical entitlement row, owned by the
// billing subsystem. Read-only here apart from the usage mirror.
type EntitlementGrant struct {
	ID                snowflake.ID             `gorm:"primaryKey"`
	CustomerID        snowflake.ID             `gorm:"not null;index"`
	ProjectID         snowflake.ID             `gorm:"not null"`
	FeatureSlug       string                   `gorm:"type:text;not null"`
	FeatureType       domain.FeatureType       `gorm:"type:text;not null"`
	AggregationMethod domain.AggregationMethod `gorm:"type:text;not null"`
	Usage             float64                  `gorm:"not null"`
	AccumulatedUsage  float64                  `gorm:"not null"`
	Limit             *float64
	ValidFrom         time.Time `gorm:"not null"`
	ValidTo           *time.Time
	BufferPeriodDays  int `gorm:"not null;default:0"`
	LastUsageUpdateAt time.Time
	CreatedAt         time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt         time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (EntitlementGrant) TableName() string { return "entitlement_grants" }

func (g *EntitlementGrant) toDomain() *domain.Entitlement {
	return &domain.Entitlement{
		ID:                g.ID,
		CustomerID:        g.CustomerID,
		ProjectID:         g.ProjectID,
		FeatureSlug:       g.FeatureSlug,
		FeatureType:       g.FeatureType,
		AggregationMethod: g.AggregationMethod,
		Usage:             g.Usage,
		AccumulatedUsage:  g.AccumulatedUsage,
		Limit:             g.Limit,
		ValidFrom:         g.ValidFrom,
		ValidTo:           g.ValidTo,
		BufferPeriodDays:  g.BufferPeriodDays,
		LastUsageUpdateAt: g.LastUsageUpdateAt,
	}
}

// CustomerAccount is the subscription/project predicate projection.
type CustomerAccount struct {
	CustomerID         snowflake.ID `gorm:"primaryKey"`
	ProjectID          snowflake.ID `gorm:"primaryKey"`
	SubscriptionActive bool         `gorm:"not null"`
	ProjectEnabled     bool         `gorm:"not null"`
	UpdatedAt          time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (CustomerAccount) TableName() string { return "customer_accounts" }

type client struct {
	db  *gorm.DB
	log *zap.Logger
}

type Params struct {
	fx.In

	DB  *gorm.DB
	Log *zap.Logger
}

func NewClient(p Params) Client {
	return &client{db: p.DB, log: p.Log.Named("sor.client")}
}

func (c *client) ActiveEntitlement(ctx context.Context, customerID snowflake.ID, featureSlug string, asOf time.Time) (*domain.Entitlement, error) {
	var grant EntitlementGrant
	err := c.db.WithContext(ctx).
		Where("customer_id = ? AND feature_slug = ?", customerID, featureSlug).
		Where("valid_from <= ?", asOf).
		Where("valid_to IS NULL OR valid_to > ?", asOf).
		Order("valid_from DESC").
		First(&grant).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, domain.Retryable(err)
	}
	return grant.toDomain(), nil
}

func (c *client) SubscriptionStatus(ctx context.Context, customerID, projectID snowflake.ID) (domain.SubscriptionStatus, bool, error) {
	var account CustomerAccount
	err := c.db.WithContext(ctx).
		Where("customer_id = ? AND project_id = ?", customerID, projectID).
		First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.SubscriptionStatus{}, false, nil
		}
		return domain.SubscriptionStatus{}, false, domain.Retryable(err)
	}
	return domain.SubscriptionStatus{
		Active:         account.SubscriptionActive,
		ProjectEnabled: account.ProjectEnabled,
	}, true, nil
}

func (c *client) MirrorUsage(ctx context.Context, entitlementID snowflake.ID, usage, accumulated float64, at time.Time) error {
	return c.db.WithContext(ctx).Model(&EntitlementGrant{}).
		Where("id = ?", entitlementID).
		Updates(map[string]any{
			"usage":                usage,
			"accumulated_usage":    accumulated,
			"last_usage_update_at": at,
			"updated_at":           time.Now().UTC(),
		}).Error
}

var Module = fx.Module("sor",
	fx.Provide(NewClient),
)
