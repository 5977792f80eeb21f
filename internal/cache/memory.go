package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

type removal struct {
	key    string
	size   int64
	reason Reason
}

// MemoryOptions configures a MemoryStore.
type MemoryOptions struct {
	Limits   Limits
	Now      func() time.Time
	OnRemove RemoveFunc
}

// MemoryStore is the in-process Store. Insertion order equals creation
// order, so the front of the list is always the oldest entry.
type MemoryStore struct {
	mu       sync.Mutex
	items    map[string]*list.Element
	order    *list.List
	total    int64
	limits   Limits
	now      func() time.Time
	onRemove RemoveFunc
}

//create new in memory store
//zero limits fall back to DefaultLimits

func NewMemoryStore(opts MemoryOptions) *MemoryStore {
	def := DefaultLimits()
	if opts.Limits.MaxItemBytes <= 0 {
		opts.Limits.MaxItemBytes = def.MaxItemBytes
	}
	if opts.Limits.MaxTotalBytes <= 0 {
		opts.Limits.MaxTotalBytes = def.MaxTotalBytes
	}
	if opts.Limits.TTL <= 0 {
		opts.Limits.TTL = def.TTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &MemoryStore{
		items:    make(map[string]*list.Element),
		order:    list.New(),
		limits:   opts.Limits,
		now:      opts.Now,
		onRemove: opts.OnRemove,
	}
}

// Put stores f under key. An oversized item is rejected before anything
// is touched.
func (c *MemoryStore) Put(_ context.Context, key string, f File) error {
	if key == "" {
		return ErrEmptyKey
	}
	size := int64(len(f.Data))
	if err := c.limits.CheckSize(size); err != nil {
		return err
	}

	// Copy to decouple from caller's buffer
	data := make([]byte, len(f.Data))
	copy(data, f.Data)
	f.Data = data

	var removed []removal

	c.mu.Lock()
	if el, ok := c.items[key]; ok {
		removed = c.removeLocked(el, ReasonReplaced, removed)
	}
	for c.total+size > c.limits.MaxTotalBytes && c.order.Len() > 0 {
		removed = c.removeLocked(c.order.Front(), ReasonEvicted, removed)
	}
	c.items[key] = c.order.PushBack(&Entry{
		Key:       key,
		File:      f,
		CreatedAt: c.now(),
		Size:      size,
	})
	c.total += size
	c.mu.Unlock()

	c.notify(removed)
	return nil
}

//get retrieves an entry, dropping it if it outlived the ttl

func (c *MemoryStore) Get(_ context.Context, key string) (*Entry, bool, error) {
	var removed []removal

	c.mu.Lock()
	el, ok := c.items[key]
	if !ok {
		c.mu.Unlock()
		return nil, false, nil
	}
	e := el.Value.(*Entry)
	if c.expired(e, c.now()) {
		removed = c.removeLocked(el, ReasonExpired, removed)
		c.mu.Unlock()
		c.notify(removed)
		return nil, false, nil
	}
	out := *e
	c.mu.Unlock()

	return &out, true, nil
}

func (c *MemoryStore) Delete(_ context.Context, key string) error {
	var removed []removal

	c.mu.Lock()
	if el, ok := c.items[key]; ok {
		removed = c.removeLocked(el, ReasonDeleted, removed)
	}
	c.mu.Unlock()

	c.notify(removed)
	return nil
}

func (c *MemoryStore) EvictOldest(_ context.Context) (*Entry, bool, error) {
	var removed []removal

	c.mu.Lock()
	front := c.order.Front()
	if front == nil {
		c.mu.Unlock()
		return nil, false, nil
	}
	out := *front.Value.(*Entry)
	removed = c.removeLocked(front, ReasonEvicted, removed)
	c.mu.Unlock()

	c.notify(removed)
	return &out, true, nil
}

// Sweep removes expired entries. Expired entries form a prefix of the
// list, so the walk stops at the first live one.
func (c *MemoryStore) Sweep(_ context.Context) (int, error) {
	var removed []removal

	c.mu.Lock()
	now := c.now()
	for el := c.order.Front(); el != nil; {
		if !c.expired(el.Value.(*Entry), now) {
			break
		}
		next := el.Next()
		removed = c.removeLocked(el, ReasonExpired, removed)
		el = next
	}
	c.mu.Unlock()

	c.notify(removed)
	return len(removed), nil
}

func (c *MemoryStore) Stats(_ context.Context) (Stats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Items:         len(c.items),
		TotalBytes:    c.total,
		MaxItemBytes:  c.limits.MaxItemBytes,
		MaxTotalBytes: c.limits.MaxTotalBytes,
		TTL:           c.limits.TTL,
	}, nil
}

// Len returns the number of items currently in the store.
func (c *MemoryStore) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *MemoryStore) expired(e *Entry, now time.Time) bool {
	return now.Sub(e.CreatedAt) > c.limits.TTL
}

// removeLocked is the single removal path. It is a no-op when el is no
// longer the live element for its key, so racing removals cannot
// double-subtract from the total.
func (c *MemoryStore) removeLocked(el *list.Element, reason Reason, acc []removal) []removal {
	e := el.Value.(*Entry)
	if cur, ok := c.items[e.Key]; !ok || cur != el {
		return acc
	}
	delete(c.items, e.Key)
	c.order.Remove(el)
	c.total -= e.Size
	return append(acc, removal{key: e.Key, size: e.Size, reason: reason})
}

func (c *MemoryStore) notify(removed []removal) {
	if c.onRemove == nil {
		return
	}
	for _, r := range removed {
		c.onRemove(r.key, r.size, r.reason)
	}
}
