// Package config loads engine configuration from defaults, a YAML file and
// VISIT_ENGINE_* environment variables, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"github.com/warp/visit-engine/rewards"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"db"`
	Log        LogConfig        `mapstructure:"log"`
	Scheduling SchedulingConfig `mapstructure:"scheduling"`
	Rollover   RolloverConfig   `mapstructure:"rollover"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	Rewards    RewardsConfig    `mapstructure:"rewards"`
}

type ServerConfig struct {
	Port int        `mapstructure:"port"`
	CORS CORSConfig `mapstructure:"cors"`
}

type CORSConfig struct {
	AllowOrigins []string `mapstructure:"allow_origins"`
}

// DatabaseConfig selects the store. An empty path uses the in-memory store.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type LogConfig struct {
	Level   string `mapstructure:"level"`
	Format  string `mapstructure:"format"`
	Service string `mapstructure:"service"`
}

type SchedulingConfig struct {
	DefaultMaxPerWeek int           `mapstructure:"default_max_per_week"`
	CutoffDays        int           `mapstructure:"cutoff_days"`
	TieBreak          string        `mapstructure:"tie_break"`
	Timezone          string        `mapstructure:"timezone"`
	SlotConcurrency   int           `mapstructure:"slot_concurrency"`
	ClaimTimeout      time.Duration `mapstructure:"claim_timeout"`
}

// Location resolves Timezone.
func (c SchedulingConfig) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

type RolloverConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	CheckInterval time.Duration `mapstructure:"check_interval"`
}

// NotifyConfig enables the Redis stream notifier when RedisAddr is set.
type NotifyConfig struct {
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	Stream        string `mapstructure:"stream"`
	MaxLen        int64  `mapstructure:"max_len"`
}

// RewardsConfig holds the flat-rate point values as decimal strings.
type RewardsConfig struct {
	PerVisit     string   `mapstructure:"per_visit"`
	PerContainer string   `mapstructure:"per_container"`
	Per100ml     string   `mapstructure:"per_100ml"`
	Ineligible   []string `mapstructure:"ineligible_health_statuses"`
}

// FlatRate builds the configured calculator.
func (c RewardsConfig) FlatRate() (*rewards.FlatRate, error) {
	perVisit, err := decimal.NewFromString(c.PerVisit)
	if err != nil {
		return nil, fmt.Errorf("rewards.per_visit: %w", err)
	}
	perContainer, err := decimal.NewFromString(c.PerContainer)
	if err != nil {
		return nil, fmt.Errorf("rewards.per_container: %w", err)
	}
	per100ml, err := decimal.NewFromString(c.Per100ml)
	if err != nil {
		return nil, fmt.Errorf("rewards.per_100ml: %w", err)
	}
	return &rewards.FlatRate{
		PerVisit:     perVisit,
		PerContainer: perContainer,
		Per100ml:     per100ml,
		Ineligible:   c.Ineligible,
	}, nil
}

// Load reads configuration. Priority: env > file > defaults.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors.allow_origins", []string{"http://localhost:3000", "http://localhost:5173"})

	v.SetDefault("db.path", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.service", "visit-engine")

	v.SetDefault("scheduling.default_max_per_week", 2)
	v.SetDefault("scheduling.cutoff_days", 7)
	v.SetDefault("scheduling.tie_break", "earliest")
	v.SetDefault("scheduling.timezone", "UTC")
	v.SetDefault("scheduling.slot_concurrency", 4)
	v.SetDefault("scheduling.claim_timeout", "10m")

	v.SetDefault("rollover.enabled", true)
	v.SetDefault("rollover.check_interval", "1h")

	v.SetDefault("notify.redis_addr", "")
	v.SetDefault("notify.redis_password", "")
	v.SetDefault("notify.redis_db", 0)
	v.SetDefault("notify.stream", "visit-engine:events")
	v.SetDefault("notify.max_len", 10000)

	v.SetDefault("rewards.per_visit", "10")
	v.SetDefault("rewards.per_container", "5")
	v.SetDefault("rewards.per_100ml", "0.5")
	v.SetDefault("rewards.ineligible_health_statuses", []string{"deferred", "rejected"})

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("VISIT_ENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values the engine cannot run without.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server.port must be between 1 and 65535")
	}
	if c.Scheduling.DefaultMaxPerWeek <= 0 {
		return fmt.Errorf("config: scheduling.default_max_per_week must be positive")
	}
	if c.Scheduling.CutoffDays < 0 || c.Scheduling.CutoffDays > 31 {
		return fmt.Errorf("config: scheduling.cutoff_days must be between 0 and 31")
	}
	if c.Scheduling.SlotConcurrency <= 0 {
		return fmt.Errorf("config: scheduling.slot_concurrency must be positive")
	}
	if c.Scheduling.ClaimTimeout <= 0 {
		return fmt.Errorf("config: scheduling.claim_timeout must be positive")
	}
	switch c.Scheduling.TieBreak {
	case "earliest", "latest", "spread":
	default:
		return fmt.Errorf("config: scheduling.tie_break %q (want earliest, latest or spread)", c.Scheduling.TieBreak)
	}
	if _, err := c.Scheduling.Location(); err != nil {
		return fmt.Errorf("config: scheduling.timezone: %w", err)
	}
	if c.Rollover.Enabled && c.Rollover.CheckInterval <= 0 {
		return fmt.Errorf("config: rollover.check_interval must be positive")
	}
	if _, err := c.Rewards.FlatRate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
