package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// signer produces "<fileID>.<hex hmac-sha256>". It carries only the FileID.
type signer struct {
	keys *KeyProvider
}

func (s *signer) Ready() error {
	_, err := s.key()
	return err
}

func (s *signer) key() ([]byte, error) {
	return s.keys.Derive("fileid-hmac", sha256.Size)
}

func (s *signer) Issue(c Claims) (string, error) {
	if c.FileID == "" {
		return "", errors.New("token: empty file id")
	}
	if strings.Contains(c.FileID, sep) {
		return "", errors.New("token: file id must not contain " + sep)
	}

	key, err := s.key()
	if err != nil {
		return "", err
	}
	return c.FileID + sep + hex.EncodeToString(mac(key, c.FileID)), nil
}

func (s *signer) Redeem(tok string) (Claims, error) {
	parts, err := splitParts(tok, 2)
	if err != nil {
		return Claims{}, err
	}
	fileID, sigHex := parts[0], parts[1]

	sig, err := hex.DecodeString(sigHex)
	if err != nil || hex.EncodeToString(sig) != sigHex {
		return Claims{}, invalid("malformed signature")
	}

	key, err := s.key()
	if err != nil {
		return Claims{}, err
	}
	if !hmac.Equal(sig, mac(key, fileID)) {
		return Claims{}, invalid("signature mismatch")
	}
	return Claims{FileID: fileID}, nil
}

func mac(key []byte, msg string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(msg))
	return h.Sum(nil)
}
