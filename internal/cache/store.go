// Package cache holds uploaded documents between the classify and extract
// requests. Entries expire after a TTL and are bounded per item and in
// aggregate; when the aggregate cap would be exceeded the oldest entries are
// evicted first.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

var (
	// ErrTooLarge is matched by TooLargeError.
	ErrTooLarge = errors.New("cache: item too large")
	ErrEmptyKey = errors.New("cache: empty key")
)

// TooLargeError reports an item that can never fit in the cache.
type TooLargeError struct {
	Size  int64
	Limit int64
}

func (e *TooLargeError) Error() string {
	return fmt.Sprintf("cache: item of %s exceeds the %s limit",
		humanize.IBytes(uint64(e.Size)), humanize.IBytes(uint64(e.Limit)))
}

func (e *TooLargeError) Unwrap() error { return ErrTooLarge }

// File is the cached payload: the raw document bytes and what they are.
type File struct {
	Data     []byte
	MIMEType string
	Name     string
}

// Entry is a live cache record. Data must be treated as read-only.
type Entry struct {
	Key       string
	File      File
	CreatedAt time.Time
	// Size is recorded at insert time and is what quota accounting uses.
	Size int64
}

// Limits bounds a store.
type Limits struct {
	MaxItemBytes  int64
	MaxTotalBytes int64
	TTL           time.Duration
}

// DefaultLimits are 50 MiB per item, 100 MiB in total and a 5 minute TTL.
func DefaultLimits() Limits {
	return Limits{
		MaxItemBytes:  50 << 20,
		MaxTotalBytes: 100 << 20,
		TTL:           5 * time.Minute,
	}
}

// itemLimit is the largest payload a single entry may hold.
func (l Limits) itemLimit() int64 {
	if l.MaxTotalBytes < l.MaxItemBytes {
		return l.MaxTotalBytes
	}
	return l.MaxItemBytes
}

// CheckSize returns a TooLargeError when size can never be stored.
func (l Limits) CheckSize(size int64) error {
	if limit := l.itemLimit(); size > limit {
		return &TooLargeError{Size: size, Limit: limit}
	}
	return nil
}

// Stats is a point-in-time view of a store.
type Stats struct {
	Items         int
	TotalBytes    int64
	MaxItemBytes  int64
	MaxTotalBytes int64
	TTL           time.Duration
}

// Reason says why an entry left the cache.
type Reason string

const (
	ReasonExpired  Reason = "expired"
	ReasonEvicted  Reason = "evicted"
	ReasonDeleted  Reason = "deleted"
	ReasonReplaced Reason = "replaced"
)

// RemoveFunc observes removals. It is called outside the store lock.
type RemoveFunc func(key string, size int64, reason Reason)

// Store is implemented by MemoryStore (default) and RedisStore.
type Store interface {
	// Put inserts f under key, evicting the oldest entries if needed.
	Put(ctx context.Context, key string, f File) error
	// Get returns the entry, or a miss if it is absent or older than the TTL.
	// Expired entries are removed as a side effect.
	Get(ctx context.Context, key string) (*Entry, bool, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// EvictOldest removes the entry with the earliest CreatedAt.
	EvictOldest(ctx context.Context) (*Entry, bool, error)
	// Sweep removes every expired entry and returns how many were removed.
	Sweep(ctx context.Context) (int, error)
	Stats(ctx context.Context) (Stats, error)
}

// GenerateID returns a new unguessable cache key backed by a random UUIDv4.
func GenerateID() string {
	return "file_" + uuid.NewString()
}

// EstimateBase64Size returns the decoded length of a standard or URL-safe
// base64 string: floor(len*3/4) minus padding. Unpadded input yields the
// exact decoded length as well.
func EstimateBase64Size(s string) int64 {
	n := int64(len(s))
	if n == 0 {
		return 0
	}

	padding := int64(0)
	if s[n-1] == '=' {
		padding++
		if n > 1 && s[n-2] == '=' {
			padding++
		}
	}

	return n*3/4 - padding
}
