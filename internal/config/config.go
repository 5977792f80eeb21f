// Package config loads and validates runtime configuration for orderdesk.
//
// Values come from environment variables, an optional .env file and an
// optional config.yaml in the working directory. Environment variables win.
//
// The token secret (API_SECRET) is deliberately not read by Load. Callers get
// a SecretSource that is consulted on first use, so a missing secret surfaces
// as a typed error on the first request that needs it.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Mode is the deployment mode. It gates the insecure development fallbacks.
type Mode string

const (
	ModeProduction  Mode = "production"
	ModeDevelopment Mode = "development"
)

// SecretEnvKey names the variable holding the token secret.
const SecretEnvKey = "API_SECRET"

// SecretSource returns the configured secret and whether it is set.
type SecretSource func() (string, bool)

// ErrMissingSecret is matched by MissingSecretError.
var ErrMissingSecret = errors.New("config: required secret is not set")

// MissingSecretError reports that a required secret is absent in production mode.
type MissingSecretError struct {
	Key string
}

func (e *MissingSecretError) Error() string {
	return fmt.Sprintf("config: %s is missing", e.Key)
}

func (e *MissingSecretError) Unwrap() error { return ErrMissingSecret }

// Config is the top-level configuration container.
type Config struct {
	Mode     Mode
	Port     int
	LogLevel string

	// RequestTimeout bounds a whole request including upstream model calls.
	RequestTimeout time.Duration

	// Secret is resolved lazily by the token key provider.
	Secret SecretSource

	Token     TokenConfig
	FileCache FileCacheConfig
	Redis     RedisConfig
	Gemini    GeminiConfig
}

// TokenConfig selects the fileId token format.
type TokenConfig struct {
	// Mode is "aead" (AES-GCM, default) or "hmac".
	Mode string
	// TTL bounds the age of an aead token independently of the cache TTL.
	TTL time.Duration
}

// FileCacheConfig bounds the uploaded-file cache.
type FileCacheConfig struct {
	// Backend is "memory" (default) or "redis".
	Backend       string
	MaxItemBytes  int64
	MaxTotalBytes int64
	TTL           time.Duration
	SweepInterval time.Duration
	// SingleUse deletes an entry after a successful extraction.
	SingleUse bool
}

// RedisConfig holds the connection URL used when FileCache.Backend is "redis".
type RedisConfig struct {
	URL    string
	Prefix string
}

// GeminiConfig configures the vision model client.
type GeminiConfig struct {
	APIKey  string
	Model   string
	BaseURL string
	// InlineLimitBytes is the largest document sent inline; larger ones go
	// through the Files API.
	InlineLimitBytes int64
	MaxRetries       int
	BaseBackoff      time.Duration
}

// IsDevelopment reports whether insecure development fallbacks may activate.
func (c *Config) IsDevelopment() bool {
	return c.Mode == ModeDevelopment
}

// Load reads configuration from the environment, .env and config.yaml.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	return fromViper(v)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", string(ModeProduction))
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("REQUEST_TIMEOUT", "60s")

	v.SetDefault("TOKEN_MODE", "aead")
	v.SetDefault("TOKEN_TTL", "15m")

	v.SetDefault("FILE_CACHE_BACKEND", "memory")
	v.SetDefault("FILE_CACHE_MAX_ITEM_BYTES", 50<<20)
	v.SetDefault("FILE_CACHE_MAX_TOTAL_BYTES", 100<<20)
	v.SetDefault("FILE_CACHE_TTL", "5m")
	v.SetDefault("FILE_CACHE_SWEEP_INTERVAL", "60s")
	v.SetDefault("FILE_CACHE_SINGLE_USE", false)

	v.SetDefault("REDIS_PREFIX", "orderdesk")

	v.SetDefault("GEMINI_MODEL", "gemini-2.5-flash")
	v.SetDefault("GEMINI_INLINE_LIMIT_BYTES", 15<<20)
	v.SetDefault("GEMINI_MAX_RETRIES", 3)
	v.SetDefault("GEMINI_BASE_BACKOFF", "2s")
}

func fromViper(v *viper.Viper) (*Config, error) {
	setDefaults(v)

	cfg := &Config{
		Mode:           Mode(strings.ToLower(strings.TrimSpace(v.GetString("APP_ENV")))),
		Port:           v.GetInt("PORT"),
		LogLevel:       strings.ToLower(v.GetString("LOG_LEVEL")),
		RequestTimeout: v.GetDuration("REQUEST_TIMEOUT"),

		Secret: func() (string, bool) {
			s := strings.TrimSpace(v.GetString(SecretEnvKey))
			return s, s != ""
		},

		Token: TokenConfig{
			Mode: strings.ToLower(v.GetString("TOKEN_MODE")),
			TTL:  v.GetDuration("TOKEN_TTL"),
		},

		FileCache: FileCacheConfig{
			Backend:       strings.ToLower(v.GetString("FILE_CACHE_BACKEND")),
			MaxItemBytes:  v.GetInt64("FILE_CACHE_MAX_ITEM_BYTES"),
			MaxTotalBytes: v.GetInt64("FILE_CACHE_MAX_TOTAL_BYTES"),
			TTL:           v.GetDuration("FILE_CACHE_TTL"),
			SweepInterval: v.GetDuration("FILE_CACHE_SWEEP_INTERVAL"),
			SingleUse:     v.GetBool("FILE_CACHE_SINGLE_USE"),
		},

		Redis: RedisConfig{
			URL:    v.GetString("REDIS_URL"),
			Prefix: v.GetString("REDIS_PREFIX"),
		},

		Gemini: GeminiConfig{
			APIKey:           v.GetString("GOOGLE_API_KEY"),
			Model:            v.GetString("GEMINI_MODEL"),
			BaseURL:          v.GetString("GEMINI_BASE_URL"),
			InlineLimitBytes: v.GetInt64("GEMINI_INLINE_LIMIT_BYTES"),
			MaxRetries:       v.GetInt("GEMINI_MAX_RETRIES"),
			BaseBackoff:      v.GetDuration("GEMINI_BASE_BACKOFF"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Mode {
	case ModeProduction, ModeDevelopment:
	default:
		return fmt.Errorf("config: invalid APP_ENV %q; must be one of: production, development", c.Mode)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error", c.LogLevel)
	}

	switch c.Token.Mode {
	case "aead", "hmac":
	default:
		return fmt.Errorf("config: invalid TOKEN_MODE %q; must be one of: aead, hmac", c.Token.Mode)
	}
	if c.Token.TTL <= 0 {
		return fmt.Errorf("config: TOKEN_TTL must be a positive duration")
	}

	switch c.FileCache.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("config: invalid FILE_CACHE_BACKEND %q; must be one of: memory, redis", c.FileCache.Backend)
	}
	if c.FileCache.Backend == "redis" && c.Redis.URL == "" {
		return fmt.Errorf("config: REDIS_URL is required when FILE_CACHE_BACKEND=redis")
	}

	if c.FileCache.MaxItemBytes <= 0 {
		return fmt.Errorf("config: FILE_CACHE_MAX_ITEM_BYTES must be > 0, got %d", c.FileCache.MaxItemBytes)
	}
	if c.FileCache.MaxTotalBytes < c.FileCache.MaxItemBytes {
		return fmt.Errorf("config: FILE_CACHE_MAX_TOTAL_BYTES (%d) must be >= FILE_CACHE_MAX_ITEM_BYTES (%d)",
			c.FileCache.MaxTotalBytes, c.FileCache.MaxItemBytes)
	}
	if c.FileCache.TTL <= 0 {
		return fmt.Errorf("config: FILE_CACHE_TTL must be a positive duration")
	}
	// hmac tokens carry no expiry.
	if c.Token.Mode == "aead" && c.Token.TTL < c.FileCache.TTL {
		return fmt.Errorf("config: TOKEN_TTL (%s) must be >= FILE_CACHE_TTL (%s); a shorter token hides live entries behind 401",
			c.Token.TTL, c.FileCache.TTL)
	}
	if c.FileCache.SweepInterval <= 0 {
		return fmt.Errorf("config: FILE_CACHE_SWEEP_INTERVAL must be a positive duration")
	}

	if c.Gemini.APIKey == "" {
		return fmt.Errorf("config: GOOGLE_API_KEY is required")
	}
	if c.Gemini.MaxRetries < 1 {
		return fmt.Errorf("config: GEMINI_MAX_RETRIES must be >= 1, got %d", c.Gemini.MaxRetries)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("config: REQUEST_TIMEOUT must be a positive duration")
	}

	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
