package infra

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kazuzenpie-svg/cryptovaultX-sub001/internal/domain"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultUserAgent is a browser-like user agent string to avoid bot detection
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

// ProviderConfig holds per-provider fetch policy. MinIntervalSec is a hard
// spacing floor between calls; HourlyBudget feeds the token-bucket refill
// rate. Either may be zero.
type ProviderConfig struct {
	Enabled        bool   `yaml:"enabled"`
	APIKey         string `yaml:"api_key"`
	BaseURL        string `yaml:"base_url"`
	MinIntervalSec int    `yaml:"min_interval_sec"`
	HourlyBudget   int    `yaml:"hourly_budget"`
	MaxBatch       int    `yaml:"max_batch"`
	BatchDelaySec  int    `yaml:"batch_delay_sec"`
	MaxRetries     int    `yaml:"max_retries"`
	PenaltySec     int    `yaml:"penalty_sec"`
}

// MinInterval returns the configured spacing floor as a duration.
func (p ProviderConfig) MinInterval() time.Duration {
	return time.Duration(p.MinIntervalSec) * time.Second
}

// Penalty returns the penalty-box duration armed after exhausted 429 retries.
func (p ProviderConfig) Penalty() time.Duration {
	return time.Duration(p.PenaltySec) * time.Second
}

// Config holds the whole service configuration. Secrets are overridable
// through environment variables after the file is loaded.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Server struct {
		Port              string `yaml:"port"`
		RequestTimeoutSec int    `yaml:"request_timeout_sec"`
	} `yaml:"server"`

	Providers struct {
		TokenMetrics ProviderConfig `yaml:"tokenmetrics"`
		CoinGecko    ProviderConfig `yaml:"coingecko"`
		Binance      ProviderConfig `yaml:"binance"`
	} `yaml:"providers"`

	Binance struct {
		WSURL         string   `yaml:"ws_url"`
		StreamSymbols []string `yaml:"stream_symbols"`
	} `yaml:"binance"`

	Cache struct {
		TTLSec  int  `yaml:"ttl_sec"`
		Persist bool `yaml:"persist"`
	} `yaml:"cache"`

	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`

	Resolver struct {
		FreshWindowSec    int `yaml:"fresh_window_sec"`
		ExtendedWindowSec int `yaml:"extended_window_sec"`
	} `yaml:"resolver"`

	Icons struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"icons"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// LoadConfig reads and parses the configuration file, applies environment
// overrides for secrets and validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	overrideWithEnv(&cfg)
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8087"
	}
	if c.Server.RequestTimeoutSec <= 0 {
		c.Server.RequestTimeoutSec = 10
	}
	if c.Cache.TTLSec <= 0 {
		c.Cache.TTLSec = 7200
	}
	if c.Resolver.FreshWindowSec <= 0 {
		c.Resolver.FreshWindowSec = 3600
	}
	if c.Resolver.ExtendedWindowSec <= 0 {
		c.Resolver.ExtendedWindowSec = 86400
	}

	tm := &c.Providers.TokenMetrics
	if tm.BaseURL == "" {
		tm.BaseURL = "https://api.tokenmetrics.com"
	}
	if tm.MinIntervalSec <= 0 {
		tm.MinIntervalSec = 30
	}
	if tm.HourlyBudget <= 0 {
		tm.HourlyBudget = 100
	}
	if tm.MaxBatch <= 0 {
		tm.MaxBatch = 25
	}
	if tm.BatchDelaySec <= 0 {
		tm.BatchDelaySec = 10
	}
	if tm.MaxRetries <= 0 {
		tm.MaxRetries = 2
	}
	if tm.PenaltySec <= 0 {
		tm.PenaltySec = 300
	}

	cg := &c.Providers.CoinGecko
	if cg.BaseURL == "" {
		cg.BaseURL = "https://api.coingecko.com"
	}
	if cg.MinIntervalSec <= 0 {
		cg.MinIntervalSec = 3600
	}
	if cg.MaxRetries <= 0 {
		cg.MaxRetries = 1
	}
	if cg.PenaltySec <= 0 {
		cg.PenaltySec = 120
	}

	bn := &c.Providers.Binance
	if bn.BaseURL == "" {
		bn.BaseURL = "https://api.binance.com"
	}
	if bn.MinIntervalSec <= 0 {
		bn.MinIntervalSec = 3600
	}
	if bn.MaxRetries <= 0 {
		bn.MaxRetries = 1
	}
	if bn.PenaltySec <= 0 {
		bn.PenaltySec = 120
	}
	if c.Binance.WSURL == "" {
		c.Binance.WSURL = "wss://stream.binance.com:9443/stream"
	}
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	if c.Providers.TokenMetrics.Enabled && c.Providers.TokenMetrics.APIKey == "" {
		return &domain.ConfigError{
			Field: "providers.tokenmetrics.api_key",
			Err:   errors.New("tokenmetrics is enabled but no API key is set"),
		}
	}
	if !c.Providers.TokenMetrics.Enabled && !c.Providers.CoinGecko.Enabled && !c.Providers.Binance.Enabled {
		return &domain.ConfigError{
			Field: "providers",
			Err:   errors.New("at least one price provider must be enabled"),
		}
	}
	if c.Resolver.ExtendedWindowSec < c.Resolver.FreshWindowSec {
		return &domain.ConfigError{
			Field: "resolver.extended_window_sec",
			Err:   errors.New("extended window must be at least the fresh window"),
		}
	}
	return nil
}

// CacheTTL returns the local cache TTL as a duration.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLSec) * time.Second
}

// FreshWindow returns the shared-store freshness window.
func (c *Config) FreshWindow() time.Duration {
	return time.Duration(c.Resolver.FreshWindowSec) * time.Second
}

// ExtendedWindow returns the degraded-mode staleness limit.
func (c *Config) ExtendedWindow() time.Duration {
	return time.Duration(c.Resolver.ExtendedWindowSec) * time.Second
}

// RequestTimeout returns the per-request HTTP timeout.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSec) * time.Second
}

// overrideWithEnv overrides secret values when environment variables exist,
// so API keys never have to live in the config file.
func overrideWithEnv(cfg *Config) {
	if key := os.Getenv("CRYPTOVAULT_TOKENMETRICS_KEY"); key != "" {
		cfg.Providers.TokenMetrics.APIKey = key
	}
	if key := os.Getenv("CRYPTOVAULT_COINGECKO_KEY"); key != "" {
		cfg.Providers.CoinGecko.APIKey = key
	}
	if path := os.Getenv("CRYPTOVAULT_STORE_PATH"); path != "" {
		cfg.Store.Path = path
	}
}
