package token

import (
	"crypto/sha256"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/hkdf"

	"orderdesk/internal/config"
)

// InsecureDevSecret is used only in development mode when no secret is configured.
const InsecureDevSecret = "orderdesk-insecure-development-secret"

// ErrMissingSecret is matched by the *config.MissingSecretError a provider
// returns in production mode when no secret is configured.
var ErrMissingSecret = config.ErrMissingSecret

// KeyProvider resolves the server secret once, on first use, and derives
// per-purpose subkeys from it.
type KeyProvider struct {
	mode   config.Mode
	source config.SecretSource
	logger *zap.Logger

	once   sync.Once
	secret []byte
	err    error
}

// NewKeyProvider returns a provider that reads source lazily. Nothing is
// resolved until the first Secret or Derive call.
func NewKeyProvider(mode config.Mode, source config.SecretSource, logger *zap.Logger) *KeyProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KeyProvider{
		mode:   mode,
		source: source,
		logger: logger.Named("token"),
	}
}

// Secret returns the resolved secret. In production mode a missing secret is
// a *config.MissingSecretError, and the same error is returned on every call.
func (p *KeyProvider) Secret() ([]byte, error) {
	p.once.Do(p.resolve)
	return p.secret, p.err
}

func (p *KeyProvider) resolve() {
	var (
		s  string
		ok bool
	)
	if p.source != nil {
		s, ok = p.source()
	}
	if ok {
		p.secret = []byte(s)
		return
	}

	if p.mode == config.ModeDevelopment {
		p.logger.Warn("API_SECRET is not set; using the insecure development secret. Never run like this in production",
			zap.String("env_key", config.SecretEnvKey),
			zap.String("mode", string(p.mode)),
		)
		p.secret = []byte(InsecureDevSecret)
		return
	}

	p.err = &config.MissingSecretError{Key: config.SecretEnvKey}
	p.logger.Error("API_SECRET is missing", zap.Error(p.err))
}

// Derive expands the secret into an n-byte key bound to purpose.
func (p *KeyProvider) Derive(purpose string, n int) ([]byte, error) {
	secret, err := p.Secret()
	if err != nil {
		return nil, err
	}

	key := make([]byte, n)
	r := hkdf.New(sha256.New, secret, nil, []byte("orderdesk/"+purpose))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("token: derive %s key: %w", purpose, err)
	}
	return key, nil
}
