package exporter

import (
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Config tunes the ledger drain.
type Config struct {
	PageSize  int           `mapstructure:"pageSize"`
	FlushTTL  time.Duration `mapstructure:"flushTTL"`
	Retention time.Duration `mapstructure:"retention"`
}

func DefaultConfig() Config {
	return Config{
		PageSize:  50,
		FlushTTL:  10 * time.Second,
		Retention: 7 * 24 * time.Hour,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.PageSize <= 0 {
		c.PageSize = defaults.PageSize
	}
	if c.FlushTTL <= 0 {
		c.FlushTTL = defaults.FlushTTL
	}
	if c.Retention <= 0 {
		c.Retention = defaults.Retention
	}
	return c
}

// ConfigHolder serves the current exporter config and follows file
// changes without a restart, so drain tuning never needs a deploy.
type ConfigHolder struct {
	current atomic.Value // holds Config
}

func NewConfigHolder(log *zap.Logger) (*ConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("exporter")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/metergate/config")
	v.AddConfigPath("/etc/metergate")
	v.AddConfigPath(".")

	v.SetEnvPrefix("METERGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	holder := &ConfigHolder{}

	load := func() {
		var cfg Config
		if err := v.UnmarshalKey("exporter", &cfg); err != nil {
			log.Warn("exporter config unmarshal failed, keeping previous", zap.Error(err))
			return
		}
		holder.current.Store(cfg.withDefaults())
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		holder.current.Store(DefaultConfig())
	} else {
		load()
		v.OnConfigChange(func(fsnotify.Event) {
			load()
			log.Info("exporter config reloaded")
		})
		v.WatchConfig()
	}

	if holder.current.Load() == nil {
		holder.current.Store(DefaultConfig())
	}
	return holder, nil
}

// StaticConfigHolder wraps a fixed config, used by tests.
func StaticConfigHolder(cfg Config) *ConfigHolder {
	holder := &ConfigHolder{}
	holder.current.Store(cfg.withDefaults())
	return holder
}

func (h *ConfigHolder) Load() Config {
	return h.current.Load().(Config)
}
