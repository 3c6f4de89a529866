// Package config loads service configuration. Sources, lowest priority first:
// built-in defaults, an optional YAML file, a .env file, then SENTINEL_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const envPrefix = "SENTINEL_"

// Provider names accepted in reasoning.provider.
const (
	ProviderGemini  = "gemini"
	ProviderBedrock = "bedrock"
	ProviderStatic  = "static"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Reasoning  ReasoningConfig  `yaml:"reasoning"`
	Auth       AuthConfig       `yaml:"auth"`
	Policy     PolicyConfig     `yaml:"policy"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// SyncTimeout bounds a blocking analyze or advance request. Zero derives
	// it from the reasoning retry policy.
	SyncTimeout time.Duration `yaml:"sync_timeout"`
}

type LogConfig struct {
	Level   string `yaml:"level"`
	Service string `yaml:"service"`
}

// DatabaseConfig selects the store. An empty URL uses the in-memory store.
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	AutoMigrate  bool   `yaml:"auto_migrate"`
}

// RedisConfig enables the cross-instance broadcast relay when URL is set.
type RedisConfig struct {
	URL string `yaml:"url"`
}

type ReasoningConfig struct {
	Provider    string        `yaml:"provider"`
	Model       string        `yaml:"model"`
	APIKey      string        `yaml:"api_key"`
	Endpoint    string        `yaml:"endpoint"`
	Region      string        `yaml:"region"`
	MaxTokens   int           `yaml:"max_tokens"`
	Timeout     time.Duration `yaml:"timeout"`
	Attempts    int           `yaml:"attempts"`
	EventWindow int           `yaml:"event_window"`
	// BreakerFailures consecutive transient failures open the backend
	// breaker for BreakerCooldown. Zero disables the breaker.
	BreakerFailures int           `yaml:"breaker_failures"`
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
}

// AuthConfig enables bearer tokens when Secret is set.
type AuthConfig struct {
	Secret   string        `yaml:"secret"`
	Issuer   string        `yaml:"issuer"`
	TokenTTL time.Duration `yaml:"token_ttl"`
}

// PolicyConfig points at a rego module; empty uses the built-in plan policy.
// BundleURL, when set, is polled for replacement source.
type PolicyConfig struct {
	Path         string        `yaml:"path"`
	Enabled      bool          `yaml:"enabled"`
	BundleURL    string        `yaml:"bundle_url"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type TelemetryConfig struct {
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	Insecure     bool    `yaml:"insecure"`
	SampleRatio  float64 `yaml:"sample_ratio"`
}

type DispatcherConfig struct {
	Concurrency int `yaml:"concurrency"`
}

// RateLimitConfig caps analysis runs per tenant; zero Requests disables it.
type RateLimitConfig struct {
	Requests int           `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8000",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    5 * time.Minute,
			ShutdownTimeout: 20 * time.Second,
		},
		Log: LogConfig{Level: "info", Service: "cybersentinel"},
		Database: DatabaseConfig{
			MaxOpenConns: 25,
			AutoMigrate:  true,
		},
		Reasoning: ReasoningConfig{
			Provider:        ProviderStatic,
			Timeout:         30 * time.Second,
			Attempts:        3,
			EventWindow:     50,
			BreakerFailures: 5,
			BreakerCooldown: 30 * time.Second,
		},
		Auth:       AuthConfig{Issuer: "cybersentinel", TokenTTL: 12 * time.Hour},
		Policy:     PolicyConfig{Enabled: true, PollInterval: time.Minute},
		Telemetry:  TelemetryConfig{SampleRatio: 1.0},
		Dispatcher: DispatcherConfig{Concurrency: 8},
		RateLimit:  RateLimitConfig{Window: time.Minute},
	}
}

// Load applies the sources in order and validates the result. A missing
// .env file is not an error; a missing YAML file named by path is.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Get returns an environment variable or default value.
func Get(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func applyEnv(cfg *Config) error {
	str := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v := os.Getenv(k); v != "" {
				*dst = v
				return
			}
		}
	}
	var errs []error
	num := func(dst *int, key string) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(dst *time.Duration, key string) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	flag := func(dst *bool, key string) {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	str(&cfg.Server.Addr, envPrefix+"ADDR")
	dur(&cfg.Server.SyncTimeout, envPrefix+"SYNC_TIMEOUT")
	str(&cfg.Log.Level, envPrefix+"LOG_LEVEL")
	str(&cfg.Database.URL, envPrefix+"DATABASE_URL", "DATABASE_URL")
	num(&cfg.Database.MaxOpenConns, envPrefix+"DB_MAX_OPEN_CONNS")
	flag(&cfg.Database.AutoMigrate, envPrefix+"DB_AUTO_MIGRATE")
	str(&cfg.Redis.URL, envPrefix+"REDIS_URL", "REDIS_URL")
	str(&cfg.Reasoning.Provider, envPrefix+"REASONING_PROVIDER")
	str(&cfg.Reasoning.Model, envPrefix+"REASONING_MODEL")
	str(&cfg.Reasoning.APIKey, envPrefix+"REASONING_API_KEY", "GEMINI_API_KEY")
	str(&cfg.Reasoning.Endpoint, envPrefix+"REASONING_ENDPOINT")
	str(&cfg.Reasoning.Region, envPrefix+"AWS_REGION", "AWS_REGION")
	num(&cfg.Reasoning.MaxTokens, envPrefix+"REASONING_MAX_TOKENS")
	dur(&cfg.Reasoning.Timeout, envPrefix+"REASONING_TIMEOUT")
	num(&cfg.Reasoning.Attempts, envPrefix+"REASONING_ATTEMPTS")
	num(&cfg.Reasoning.BreakerFailures, envPrefix+"BREAKER_FAILURES")
	dur(&cfg.Reasoning.BreakerCooldown, envPrefix+"BREAKER_COOLDOWN")
	num(&cfg.Reasoning.EventWindow, envPrefix+"EVENT_WINDOW")
	str(&cfg.Auth.Secret, envPrefix+"AUTH_SECRET")
	str(&cfg.Auth.Issuer, envPrefix+"AUTH_ISSUER")
	dur(&cfg.Auth.TokenTTL, envPrefix+"AUTH_TOKEN_TTL")
	str(&cfg.Policy.Path, envPrefix+"POLICY_PATH")
	flag(&cfg.Policy.Enabled, envPrefix+"POLICY_ENABLED")
	str(&cfg.Policy.BundleURL, envPrefix+"POLICY_BUNDLE_URL")
	dur(&cfg.Policy.PollInterval, envPrefix+"POLICY_POLL_INTERVAL")
	str(&cfg.Telemetry.OTLPEndpoint, envPrefix+"OTLP_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT")
	flag(&cfg.Telemetry.Insecure, envPrefix+"OTLP_INSECURE")
	if v := os.Getenv(envPrefix + "TRACE_SAMPLE_RATIO"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sTRACE_SAMPLE_RATIO: %w", envPrefix, err))
		} else {
			cfg.Telemetry.SampleRatio = f
		}
	}
	num(&cfg.Dispatcher.Concurrency, envPrefix+"DISPATCH_CONCURRENCY")
	num(&cfg.RateLimit.Requests, envPrefix+"RATE_LIMIT_REQUESTS")
	dur(&cfg.RateLimit.Window, envPrefix+"RATE_LIMIT_WINDOW")

	cfg.Reasoning.Provider = strings.ToLower(strings.TrimSpace(cfg.Reasoning.Provider))
	return errors.Join(errs...)
}

// Validate rejects settings the service cannot start with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Reasoning.Provider {
	case ProviderStatic, ProviderBedrock:
	case ProviderGemini:
		if c.Reasoning.APIKey == "" {
			errs = append(errs, errors.New("reasoning.api_key is required for the gemini provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown reasoning provider %q", c.Reasoning.Provider))
	}
	if c.Reasoning.Attempts < 1 {
		errs = append(errs, errors.New("reasoning.attempts must be at least 1"))
	}
	if c.Reasoning.Timeout <= 0 {
		errs = append(errs, errors.New("reasoning.timeout must be positive"))
	}
	if c.Reasoning.EventWindow < 1 {
		errs = append(errs, errors.New("reasoning.event_window must be at least 1"))
	}
	if c.Dispatcher.Concurrency < 1 {
		errs = append(errs, errors.New("dispatcher.concurrency must be at least 1"))
	}
	if c.RateLimit.Requests > 0 && c.RateLimit.Window <= 0 {
		errs = append(errs, errors.New("rate_limit.window must be positive when rate_limit.requests is set"))
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		errs = append(errs, errors.New("telemetry.sample_ratio must be within [0,1]"))
	}
	return errors.Join(errs...)
}
