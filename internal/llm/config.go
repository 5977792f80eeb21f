package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"
)

const (
	DefaultModel   = "gemini-2.5-flash"
	DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
)

type Config struct {
	//required fields
	APIKey string

	Model   string // default: gemini-2.5-flash
	BaseURL string // may end in an API version segment, e.g. .../v1beta

	// Documents above InlineLimitBytes go through the Files API.
	InlineLimitBytes int64 // default: 15MiB

	UpstreamTimeout time.Duration // per-attempt timeout (default: 60s)
	MaxAttempts     int           // calls including the first (default: 3)
	BaseBackoff     time.Duration // initial backoff (default: 2s)

	// Optional connection pool settings
	MaxIdleConns        int // default: 100
	MaxIdleConnsPerHost int // default: 100

	// Custom HTTP client (for testing or special configs)
	HTTPClient *http.Client
}

// Validate checks required fields only.
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return errors.New("APIKey is required")
	}
	if _, err := url.Parse(c.BaseURL); err != nil {
		return fmt.Errorf("BaseURL is invalid: %w", err)
	}
	return nil
}

// WithDefaults returns a copy of Config with sane defaults applied.
func (c *Config) WithDefaults() Config {
	cfg := *c

	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.InlineLimitBytes <= 0 {
		cfg.InlineLimitBytes = 15 << 20
	}
	if cfg.UpstreamTimeout <= 0 {
		cfg.UpstreamTimeout = 60 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 2 * time.Second
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 100
	}
	if cfg.MaxIdleConnsPerHost <= 0 {
		cfg.MaxIdleConnsPerHost = 100
	}

	return cfg
}

// GeminiClient implements Vision on the Gemini API.
type GeminiClient struct {
	cfg    Config
	models generator
	files  fileService
	logger *zap.Logger

	// sleep waits between retries; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient creates a Gemini vision client with the given configuration.
func NewClient(ctx context.Context, cfg Config, logger *zap.Logger) (*GeminiClient, error) {
	// Apply defaults + normalize BaseURL
	cfg = cfg.WithDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: defaultTransport(cfg),
		}
	}

	base, version := splitBaseURLAndVersion(cfg.BaseURL)
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      cfg.APIKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  httpClient,
		HTTPOptions: genai.HTTPOptions{BaseURL: base, APIVersion: version},
	})
	if err != nil {
		return nil, fmt.Errorf("llm: create genai client: %w", err)
	}

	return &GeminiClient{
		cfg:    cfg,
		models: client.Models,
		files:  client.Files,
		logger: logger.Named("vision"),
		sleep:  sleepCtx,
	}, nil
}

// defaultTransport creates a production-ready HTTP transport
// with connection pooling and reasonable timeouts.
func defaultTransport(cfg Config) *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:     90 * time.Second,

		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// splitBaseURLAndVersion turns ".../v1beta" into (".../", "v1beta") so the
// SDK can append its own version segment.
func splitBaseURLAndVersion(raw string) (baseURL string, apiVersion string) {
	u, err := url.Parse(raw)
	if err != nil {
		return raw, ""
	}

	path := strings.Trim(u.Path, "/")
	if path != "" {
		parts := strings.Split(path, "/")
		if last := parts[len(parts)-1]; looksLikeAPIVersion(last) {
			apiVersion = last
			parts = parts[:len(parts)-1]
		}
		u.Path = "/" + strings.Join(parts, "/")
	}

	base := u.String()
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base, apiVersion
}

func looksLikeAPIVersion(s string) bool {
	if len(s) < 2 || s[0] != 'v' || s[1] < '0' || s[1] > '9' {
		return false
	}
	return true
}
