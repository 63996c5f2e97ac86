package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Tickflow  TickflowConfig  `yaml:"tickflow"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Providers ProvidersConfig `yaml:"providers"`
	Polling   PollingConfig   `yaml:"polling"`
	Staleness StalenessConfig `yaml:"staleness"`
	Aggregate AggregateConfig `yaml:"aggregate"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type TickflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
}

type ProvidersConfig struct {
	Binance ProviderConfig `yaml:"binance"`
	Bybit   ProviderConfig `yaml:"bybit"`
	Kucoin  ProviderConfig `yaml:"kucoin"`
}

type ProviderConfig struct {
	Enabled   bool            `yaml:"enabled"`
	WsURL     string          `yaml:"ws_url"`
	RestURL   string          `yaml:"rest_url"`
	Symbols   []string        `yaml:"symbols"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	BurstSize         int `yaml:"burst_size"`
}

type PollingConfig struct {
	Interval Duration `yaml:"interval"`
}

type StalenessConfig struct {
	Window     Duration `yaml:"window"`
	CheckEvery Duration `yaml:"check_every"`
}

// Duration wraps time.Duration so yaml values like "5s" parse through
// time.ParseDuration. Bare integers are taken as nanoseconds, matching
// time.Duration's own convention.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		var ns int64
		if numErr := value.Decode(&ns); numErr == nil {
			*d = Duration(ns)
			return nil
		}
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std converts to the standard library representation.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

type AggregateConfig struct {
	Symbols   []string `yaml:"symbols"`
	Providers []string `yaml:"providers"`
}

type LoggingConfig struct {
	Level  string                 `yaml:"level"`
	Format string                 `yaml:"format"`
	Output string                 `yaml:"output"`
	MaxAge int                    `yaml:"max_age"`
	Fields map[string]interface{} `yaml:"fields"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Polling: PollingConfig{
			Interval: Duration(5 * time.Second),
		},
		Staleness: StalenessConfig{
			Window:     Duration(30 * time.Second),
			CheckEvery: Duration(5 * time.Second),
		},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Metrics settings may come from the environment instead of yaml.
	if v := os.Getenv("AWS_REGION"); v != "" && config.Metrics.Region == "" {
		config.Metrics.Region = strings.TrimSpace(v)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Tickflow.Name == "" {
		return fmt.Errorf("tickflow.name is required")
	}

	if cfg.Tickflow.Version == "" {
		return fmt.Errorf("tickflow.version is required")
	}

	if cfg.Polling.Interval.Std() < time.Second {
		return fmt.Errorf("polling.interval must be at least 1s")
	}

	if cfg.Staleness.Window <= 0 {
		return fmt.Errorf("staleness.window must be greater than 0")
	}
	if cfg.Staleness.CheckEvery <= 0 {
		return fmt.Errorf("staleness.check_every must be greater than 0")
	}

	for name, p := range map[string]ProviderConfig{
		"binance": cfg.Providers.Binance,
		"bybit":   cfg.Providers.Bybit,
		"kucoin":  cfg.Providers.Kucoin,
	} {
		if !p.Enabled {
			continue
		}
		if p.RateLimit.RequestsPerSecond < 0 {
			return fmt.Errorf("providers.%s.rate_limit.requests_per_second must not be negative", name)
		}
	}

	return nil
}

// EnabledProviders lists the providers switched on in the config.
func (c *Config) EnabledProviders() []string {
	var out []string
	if c.Providers.Binance.Enabled {
		out = append(out, "binance")
	}
	if c.Providers.Bybit.Enabled {
		out = append(out, "bybit")
	}
	if c.Providers.Kucoin.Enabled {
		out = append(out, "kucoin")
	}
	return out
}

// Provider returns the config block for a provider by name.
func (c *Config) Provider(name string) (ProviderConfig, bool) {
	switch strings.ToLower(name) {
	case "binance":
		return c.Providers.Binance, c.Providers.Binance.Enabled
	case "bybit":
		return c.Providers.Bybit, c.Providers.Bybit.Enabled
	case "kucoin":
		return c.Providers.Kucoin, c.Providers.Kucoin.Enabled
	}
	return ProviderConfig{}, false
}
