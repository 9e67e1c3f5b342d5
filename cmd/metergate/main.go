package main

import (
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"

	"github.com/smallbiznis/metergate/internal/analytics"
	"github.com/smallbiznis/metergate/internal/cache"
	"github.com/smallbiznis/metergate/internal/clock"
	"github.com/smallbiznis/metergate/internal/config"
	"github.com/smallbiznis/metergate/internal/entitlement/actor"
	"github.com/smallbiznis/metergate/internal/entitlement/domain"
	"github.com/smallbiznis/metergate/internal/entitlement/broadcast"
	"github.com/smallbiznis/metergate/internal/entitlement/exporter"
	"github.com/smallbiznis/metergate/internal/entitlement/ledger"
	"github.com/smallbiznis/metergate/internal/logger"
	"github.com/smallbiznis/metergate/internal/observability/metrics"
	"github.com/smallbiznis/metergate/internal/orchestrator"
	"github.com/smallbiznis/metergate/internal/ratelimit"
	"github.com/smallbiznis/metergate/internal/sor"
	"github.com/smallbiznis/metergate/pkg/db"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		logger.Module,
		metrics.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		ratelimit.Module,

		// Functional domains
		ledger.Module,
		broadcast.Module,
		exporter.Module,
		actor.Module,
		cache.Module,
		sor.Module,
		analytics.Module,
		orchestrator.Module,

		// The HTTP surface lives in the host platform; this binary only
		// materializes the metering graph and keeps it running.
		fx.Invoke(func(domain.Service) {}),
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
