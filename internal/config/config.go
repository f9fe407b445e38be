// Package config loads server-wide limits that the SubscriptionManager
// clamps client-requested values into.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Limits holds the server limits CreateSubscription/CreateMonitoredItems
// revise client-requested values into.
type Limits struct {
	// MinPublishingInterval is the smallest publishingInterval the server
	// will accept, in milliseconds.
	MinPublishingInterval float64 `mapstructure:"min_publishing_interval_ms"`

	// MaxPublishingInterval is the upper publishingInterval bound, in
	// milliseconds; Load rejects it below MinPublishingInterval.
	// manager.LimitsFromConfig does not carry it, so revised publishing
	// intervals are not capped from above.
	MaxPublishingInterval float64 `mapstructure:"max_publishing_interval_ms"`

	// MinSamplingInterval is the lower samplingInterval bound for a
	// MonitoredItem, in milliseconds. manager.LimitsFromConfig does not
	// carry it: the revised sampling interval is whatever the Namespace
	// returns, and a negative request is not replaced by the publishing
	// interval.
	MinSamplingInterval float64 `mapstructure:"min_sampling_interval_ms"`

	// MaxSamplingInterval is the matching upper bound; like
	// MinSamplingInterval it is not applied to MonitoredItems.
	MaxSamplingInterval float64 `mapstructure:"max_sampling_interval_ms"`

	// MaxItemsPerSubscription caps the number of MonitoredItems a single
	// Subscription may hold. Zero means unbounded.
	MaxItemsPerSubscription int `mapstructure:"max_items_per_subscription"`

	// MaxSubscriptionsPerSession caps the number of Subscriptions a single
	// session may own. Zero means unbounded.
	MaxSubscriptionsPerSession int `mapstructure:"max_subscriptions_per_session"`

	// AvailableMessagesCap bounds the retransmission cache per Subscription.
	// Resolves the open retention-cap question from the design notes.
	AvailableMessagesCap int `mapstructure:"available_messages_cap"`

	// MinKeepAliveMultiple is the minimum lifetimeCount/maxKeepAliveCount
	// ratio; Load rejects values below 3 (protocol requires >= 3).
	// manager.LimitsFromConfig does not carry it: create/modify always
	// enforce a fixed multiple of 3.
	MinKeepAliveMultiple uint32 `mapstructure:"min_keepalive_multiple"`

	// MaxKeepAliveCount bounds a Subscription's requested keep-alive count.
	MaxKeepAliveCount uint32 `mapstructure:"max_keepalive_count"`

	// MaxLifetimeCount bounds a Subscription's requested lifetime count.
	MaxLifetimeCount uint32 `mapstructure:"max_lifetime_count"`
}

// Config is the complete server configuration.
type Config struct {
	Service ServiceConfig `mapstructure:"service"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Limits  Limits        `mapstructure:"limits"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServiceConfig identifies the running process.
type ServiceConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// HTTPConfig configures the health/metrics HTTP surface.
type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// LoggingConfig configures the root zerolog logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from an optional file path plus environment
// variables (prefix SUBCORE_), applying defaults and validating the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SUBCORE")
	v.AutomaticEnv()

	applyDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func applyDefaults(v *viper.Viper) {
	v.SetDefault("service.name", "opcua-subscriptions")
	v.SetDefault("service.environment", "development")

	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 10*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)

	v.SetDefault("limits.min_publishing_interval_ms", 50.0)
	v.SetDefault("limits.max_publishing_interval_ms", 60000.0)
	v.SetDefault("limits.min_sampling_interval_ms", 50.0)
	v.SetDefault("limits.max_sampling_interval_ms", 60000.0)
	v.SetDefault("limits.max_items_per_subscription", 0)
	v.SetDefault("limits.max_subscriptions_per_session", 0)
	v.SetDefault("limits.available_messages_cap", 1024)
	v.SetDefault("limits.min_keepalive_multiple", uint32(3))
	v.SetDefault("limits.max_keepalive_count", uint32(10000))
	v.SetDefault("limits.max_lifetime_count", uint32(30000))

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

func validate(cfg *Config) error {
	if cfg.Limits.MinPublishingInterval <= 0 {
		return fmt.Errorf("limits.min_publishing_interval_ms must be positive")
	}
	if cfg.Limits.MaxPublishingInterval < cfg.Limits.MinPublishingInterval {
		return fmt.Errorf("limits.max_publishing_interval_ms must be >= min_publishing_interval_ms")
	}
	if cfg.Limits.MinKeepAliveMultiple < 3 {
		return fmt.Errorf("limits.min_keepalive_multiple must be at least 3 (OPC UA Part 4 requirement)")
	}
	if cfg.Limits.AvailableMessagesCap < 1 {
		return fmt.Errorf("limits.available_messages_cap must be at least 1")
	}
	if cfg.Limits.MaxKeepAliveCount < 1 {
		return fmt.Errorf("limits.max_keepalive_count must be at least 1")
	}
	if cfg.Limits.MaxLifetimeCount < 3 {
		return fmt.Errorf("limits.max_lifetime_count must be at least 3 (OPC UA Part 4 requires lifetimeCount >= 3*keepAliveCount)")
	}
	return nil
}
