package intake

import (
	"errors"

	"orderdesk/internal/cache"
)

var (
	ErrEmptyFile       = errors.New("intake: file is empty")
	ErrUnsupportedType = errors.New("intake: unsupported document type")
	// ErrTooLarge is cache.ErrTooLarge so a *cache.TooLargeError matches it.
	ErrTooLarge = cache.ErrTooLarge
	// ErrTokenRejected covers tampered, malformed and expired file tokens.
	ErrTokenRejected = errors.New("intake: file token rejected")
	// ErrCacheExpired means the token was valid but its entry is gone.
	ErrCacheExpired = errors.New("intake: cached file expired")
	ErrStorage      = errors.New("intake: file cache unavailable")
)
