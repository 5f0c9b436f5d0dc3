// Package config handles gateway configuration from the environment, with an
// optional YAML file layered underneath (environment always wins).
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"go.yaml.in/yaml/v3"
)

// Provider modes.
const (
	ProviderModeMock   = "mock"
	ProviderModeOllama = "ollama"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Auth      AuthConfig      `yaml:"auth"`
	Providers ProviderConfig  `yaml:"providers"`
	RateLimit RateLimitConfig `yaml:"rate_limits"`
	Cache     CacheConfig     `yaml:"cache"`
	Health    HealthConfig    `yaml:"health"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	// URL is a SQLite file path or ":memory:".
	URL string `yaml:"url"`
}

// RedisConfig holds KV store settings.
type RedisConfig struct {
	// URL is a redis:// connection string.
	URL string `yaml:"url"`
}

// AuthConfig holds authentication settings.
type AuthConfig struct {
	// AdminKey is the bootstrap admin API key, hashed and stored on startup.
	AdminKey string `yaml:"admin_key"`
	// KeyHashSecret is the process secret used as the keyed-hash salt.
	KeyHashSecret string `yaml:"key_hash_secret"`
}

// ProviderConfig selects and tunes the provider adapters.
type ProviderConfig struct {
	Mode             string  `yaml:"mode"` // "mock" or "ollama"
	OllamaURL        string  `yaml:"ollama_url"`
	OllamaModel      string  `yaml:"ollama_model"`
	PrimaryFailRate  float64 `yaml:"primary_fail_rate"`
	FallbackFailRate float64 `yaml:"fallback_fail_rate"`
}

// RateLimitConfig holds per-tenant minute-bucket limits.
type RateLimitConfig struct {
	RequestsPerMinute int64 `yaml:"requests_per_minute"`
	TokensPerMinute   int64 `yaml:"tokens_per_minute"`
}

// CacheConfig holds response cache settings.
type CacheConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// HealthConfig tunes the provider health tracker and routing threshold.
type HealthConfig struct {
	WindowSize     int     `yaml:"window_size"`
	MinSamples     int     `yaml:"min_samples"`
	ErrorThreshold float64 `yaml:"error_threshold"`
}

// defaults returns a Config populated with the documented defaults.
func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{URL: "tollgate.db"},
		Redis:    RedisConfig{URL: "redis://localhost:6379/0"},
		Auth: AuthConfig{
			// Development-only salt; deployments set KEY_HASH_SECRET.
			KeyHashSecret: "tollgate-dev-salt",
		},
		Providers: ProviderConfig{
			Mode:        ProviderModeMock,
			OllamaURL:   "http://localhost:11434",
			OllamaModel: "llama3.2",
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 60,
			TokensPerMinute:   1000,
		},
		Cache:  CacheConfig{TTL: 300 * time.Second},
		Health: HealthConfig{WindowSize: 50, MinSamples: 5, ErrorThreshold: 0.5},
	}
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads an optional YAML file and applies environment overrides.
// path == "" skips the file and configures from defaults + environment only.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		data = expandEnv(data)
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)

	if cfg.Providers.Mode != ProviderModeMock && cfg.Providers.Mode != ProviderModeOllama {
		return nil, fmt.Errorf("invalid PROVIDER_MODE %q (want %q or %q)",
			cfg.Providers.Mode, ProviderModeMock, ProviderModeOllama)
	}
	return cfg, nil
}

// FromEnv configures entirely from environment variables and defaults.
func FromEnv() (*Config, error) { return Load("") }

// applyEnv overrides cfg fields from the recognized environment variables.
func applyEnv(cfg *Config) {
	envStr("ADDR", &cfg.Server.Addr)
	envStr("DATABASE_URL", &cfg.Database.URL)
	envStr("REDIS_URL", &cfg.Redis.URL)
	envStr("ADMIN_API_KEY", &cfg.Auth.AdminKey)
	envStr("KEY_HASH_SECRET", &cfg.Auth.KeyHashSecret)
	envStr("PROVIDER_MODE", &cfg.Providers.Mode)
	envStr("OLLAMA_URL", &cfg.Providers.OllamaURL)
	envStr("OLLAMA_MODEL", &cfg.Providers.OllamaModel)
	envFloat("PRIMARY_FAIL_RATE", &cfg.Providers.PrimaryFailRate)
	envFloat("FALLBACK_FAIL_RATE", &cfg.Providers.FallbackFailRate)
	envInt64("REQUESTS_PER_MINUTE", &cfg.RateLimit.RequestsPerMinute)
	envInt64("TOKENS_PER_MINUTE", &cfg.RateLimit.TokensPerMinute)
	envSeconds("CACHE_TTL_SECONDS", &cfg.Cache.TTL)
	envInt("HEALTH_WINDOW_SIZE", &cfg.Health.WindowSize)
	envInt("HEALTH_MIN_SAMPLES", &cfg.Health.MinSamples)
	envFloat("HEALTH_ERROR_THRESHOLD", &cfg.Health.ErrorThreshold)
}

func envStr(name string, dst *string) {
	if v, ok := os.LookupEnv(name); ok && v != "" {
		*dst = v
	}
}

func envInt(name string, dst *int) {
	if v, ok := os.LookupEnv(name); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(name string, dst *int64) {
	if v, ok := os.LookupEnv(name); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envFloat(name string, dst *float64) {
	if v, ok := os.LookupEnv(name); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envSeconds(name string, dst *time.Duration) {
	if v, ok := os.LookupEnv(name); ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = time.Duration(n) * time.Second
		}
	}
}
