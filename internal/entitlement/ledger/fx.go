package ledger

import (
	"go.uber.org/fx"

	"github.com/smallbiznis/metergate/internal/config"
)

// FromConfig opens the durable ledger at the configured path.
func FromConfig(cfg config.Config) (*Store, error) {
	return Open(cfg.LedgerPath)
}

var Module = fx.Module("entitlement.ledger",
	fx.Provide(FromConfig),
)
