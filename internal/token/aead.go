package token

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

const (
	nonceSize = 12
	tagSize   = 16

	// maxClockSkew tolerates tokens stamped slightly ahead of this clock.
	maxClockSkew = 30 * time.Second
)

var (
	b64 = base64.RawURLEncoding.Strict()
	aad = []byte("orderdesk/fileid/v1")
)

type sealedClaims struct {
	FileID   string `json:"fileId"`
	Name     string `json:"name,omitempty"`
	MIMEType string `json:"mimeType,omitempty"`
	IssuedAt int64  `json:"iat"`
}

// sealer produces "<nonce>.<tag>.<ciphertext>" with AES-256-GCM. The claims
// are confidential and carry their own issue time.
type sealer struct {
	keys *KeyProvider
	ttl  time.Duration
	now  func() time.Time
}

func (s *sealer) Ready() error {
	_, err := s.aead()
	return err
}

func (s *sealer) aead() (cipher.AEAD, error) {
	key, err := s.keys.Derive("fileid-aead", 32)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("token: aes: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("token: gcm: %w", err)
	}
	return gcm, nil
}

func (s *sealer) Issue(c Claims) (string, error) {
	if c.FileID == "" {
		return "", errors.New("token: empty file id")
	}
	if c.IssuedAt.IsZero() {
		c.IssuedAt = s.now()
	}

	gcm, err := s.aead()
	if err != nil {
		return "", err
	}

	plaintext, err := json.Marshal(sealedClaims{
		FileID:   c.FileID,
		Name:     c.Name,
		MIMEType: c.MIMEType,
		IssuedAt: c.IssuedAt.UnixMilli(),
	})
	if err != nil {
		return "", fmt.Errorf("token: marshal claims: %w", err)
	}

	// A fresh random nonce per call; never a shared counter.
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("token: nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, plaintext, aad)
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	return b64.EncodeToString(nonce) + sep +
		b64.EncodeToString(tag) + sep +
		b64.EncodeToString(ct), nil
}

func (s *sealer) Redeem(tok string) (Claims, error) {
	parts, err := splitParts(tok, 3)
	if err != nil {
		return Claims{}, err
	}

	nonce, err := b64.DecodeString(parts[0])
	if err != nil || len(nonce) != nonceSize {
		return Claims{}, invalid("malformed nonce")
	}
	tag, err := b64.DecodeString(parts[1])
	if err != nil || len(tag) != tagSize {
		return Claims{}, invalid("malformed tag")
	}
	ct, err := b64.DecodeString(parts[2])
	if err != nil {
		return Claims{}, invalid("malformed ciphertext")
	}

	gcm, err := s.aead()
	if err != nil {
		return Claims{}, err
	}

	sealed := make([]byte, 0, len(ct)+len(tag))
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, nonce, sealed, aad)
	if err != nil {
		return Claims{}, invalid("authentication failed")
	}

	var sc sealedClaims
	if err := json.Unmarshal(plaintext, &sc); err != nil || sc.FileID == "" {
		return Claims{}, invalid("malformed claims")
	}

	issued := time.UnixMilli(sc.IssuedAt)
	now := s.now()
	if issued.After(now.Add(maxClockSkew)) {
		return Claims{}, invalid("issued in the future")
	}
	if now.Sub(issued) > s.ttl {
		return Claims{}, fmt.Errorf("%w: %w", ErrInvalidToken, ErrTokenExpired)
	}

	return Claims{
		FileID:   sc.FileID,
		Name:     sc.Name,
		MIMEType: sc.MIMEType,
		IssuedAt: issued,
	}, nil
}
