// Package token turns a cache key into an opaque capability string that a
// client can carry between the classify and extract requests, and recovers
// it only when the string is authentic and, for sealed tokens, unexpired.
package token

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrInvalidToken wraps every redemption failure.
	ErrInvalidToken = errors.New("token: invalid")
	// ErrTokenExpired is additionally wrapped when a sealed token is too old.
	ErrTokenExpired = errors.New("token: expired")
)

const (
	ModeAEAD = "aead"
	ModeHMAC = "hmac"

	sep = "."
)

// Claims is what a token carries.
type Claims struct {
	FileID   string
	Name     string
	MIMEType string
	IssuedAt time.Time
}

// Codec issues and redeems fileId tokens.
type Codec interface {
	// Ready resolves the key material and reports configuration errors.
	Ready() error
	Issue(c Claims) (string, error)
	Redeem(tok string) (Claims, error)
}

// Options configures New.
type Options struct {
	// Mode is ModeAEAD or ModeHMAC.
	Mode string
	// TTL bounds the age of sealed tokens. Ignored in HMAC mode.
	TTL time.Duration
	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

// New builds the codec selected by opts.Mode.
func New(opts Options, keys *KeyProvider) (Codec, error) {
	if keys == nil {
		return nil, errors.New("token: key provider is nil")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	switch opts.Mode {
	case ModeAEAD, "":
		if opts.TTL <= 0 {
			opts.TTL = 15 * time.Minute
		}
		return &sealer{keys: keys, ttl: opts.TTL, now: opts.Now}, nil
	case ModeHMAC:
		return &signer{keys: keys}, nil
	default:
		return nil, fmt.Errorf("token: unknown mode %q", opts.Mode)
	}
}

func invalid(reason string) error {
	return fmt.Errorf("%w: %s", ErrInvalidToken, reason)
}

func splitParts(tok string, n int) ([]string, error) {
	parts := strings.Split(tok, sep)
	if len(parts) != n {
		return nil, invalid(fmt.Sprintf("expected %d parts, got %d", n, len(parts)))
	}
	for _, p := range parts {
		if p == "" {
			return nil, invalid("empty part")
		}
	}
	return parts, nil
}
