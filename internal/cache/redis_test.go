package cache

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// newTestRedisStore starts a miniredis server and returns a RedisStore
// backed by it. The server is stopped by t.Cleanup.
func newTestRedisStore(t *testing.T, limits Limits, clock *fakeClock) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	client, err := OpenRedis(context.Background(), "redis://"+mr.Addr())
	if err != nil {
		t.Fatalf("OpenRedis: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	return NewRedisStore(client, RedisOptions{Prefix: "test", Limits: limits, Now: clock.Now}), mr
}

func TestRedisStore_PutGet(t *testing.T) {
	clock := newFakeClock()
	c, _ := newTestRedisStore(t, Limits{MaxItemBytes: 1 << 10, MaxTotalBytes: 4 << 10, TTL: time.Minute}, clock)
	ctx := context.Background()

	want := File{Data: []byte{0x25, 0x50, 0x44, 0x46, 0x00, 0xff}, MIMEType: "application/pdf", Name: "注文書.pdf"}
	if err := c.Put(ctx, "file_1", want); err != nil {
		t.Fatalf("Put: %v", err)
	}

	e, ok, err := c.Get(ctx, "file_1")
	if err != nil || !ok {
		t.Fatalf("expected hit, ok=%v err=%v", ok, err)
	}
	if string(e.File.Data) != string(want.Data) {
		t.Fatalf("binary payload mangled: %v", e.File.Data)
	}
	if e.File.Name != want.Name || e.File.MIMEType != want.MIMEType || e.Size != 6 {
		t.Fatalf("unexpected entry %+v", e)
	}
	if !e.CreatedAt.Equal(clock.Now()) {
		t.Fatalf("expected created %s, got %s", clock.Now(), e.CreatedAt)
	}
}

func TestRedisStore_GetMiss(t *testing.T) {
	c, _ := newTestRedisStore(t, Limits{}, newFakeClock())

	e, ok, err := c.Get(context.Background(), "nonexistent-key")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok || e != nil {
		t.Fatal("expected cache miss, got hit")
	}
}

// Logical expiry follows the injected clock even while Redis still holds
// the hash.
func TestRedisStore_LogicalExpiry(t *testing.T) {
	clock := newFakeClock()
	c, _ := newTestRedisStore(t, Limits{TTL: 5 * time.Minute}, clock)
	ctx := context.Background()

	if err := c.Put(ctx, "k", blob(10)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	clock.Advance(5*time.Minute + time.Millisecond)

	if _, ok, _ := c.Get(ctx, "k"); ok {
		t.Fatal("expected miss after TTL")
	}
	st, err := c.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Items != 0 || st.TotalBytes != 0 {
		t.Fatalf("expired entry should be cleaned up, stats %+v", st)
	}
}

// Native expiry: Redis drops the hash, and the next read repairs the
// index and byte total.
func TestRedisStore_NativeExpiryRepairsIndex(t *testing.T) {
	clock := newFakeClock()
	c, mr := newTestRedisStore(t, Limits{TTL: 10 * time.Second}, clock)
	ctx := context.Background()

	if err := c.Put(ctx, "k", blob(10)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	mr.FastForward(11 * time.Second)

	if mr.Exists("test:file:k") {
		t.Fatal("data key should have expired natively")
	}
	if _, ok, _ := c.Get(ctx, "k"); ok {
		t.Fatal("expected miss after native expiry")
	}

	st, _ := c.Stats(ctx)
	if st.Items != 0 || st.TotalBytes != 0 {
		t.Fatalf("index not repaired, stats %+v", st)
	}
}

func TestRedisStore_EvictsOldestFirst(t *testing.T) {
	clock := newFakeClock()
	c, _ := newTestRedisStore(t, Limits{MaxItemBytes: 40, MaxTotalBytes: 100, TTL: time.Hour}, clock)
	ctx := context.Background()

	var evicted []string
	c.onRemove = func(key string, _ int64, r Reason) {
		if r == ReasonEvicted {
			evicted = append(evicted, key)
		}
	}

	for i := 0; i < 3; i++ {
		if err := c.Put(ctx, fmt.Sprintf("k%d", i), blob(30)); err != nil {
			t.Fatalf("Put: %v", err)
		}
		clock.Advance(time.Second)
	}
	if err := c.Put(ctx, "k3", blob(40)); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if len(evicted) != 1 || evicted[0] != "k0" {
		t.Fatalf("expected only k0 evicted, got %v", evicted)
	}
	st, _ := c.Stats(ctx)
	if st.Items != 3 || st.TotalBytes != 100 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestRedisStore_RejectsOversizedItem(t *testing.T) {
	c, mr := newTestRedisStore(t, Limits{MaxItemBytes: 10, MaxTotalBytes: 100}, newFakeClock())

	err := c.Put(context.Background(), "big", blob(11))
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
	if len(mr.Keys()) != 0 {
		t.Fatalf("rejected Put must not touch redis, keys %v", mr.Keys())
	}
}

func TestRedisStore_SweepAndEvict(t *testing.T) {
	clock := newFakeClock()
	c, _ := newTestRedisStore(t, Limits{TTL: 5 * time.Minute}, clock)
	ctx := context.Background()

	_ = c.Put(ctx, "old", blob(4))
	clock.Advance(4 * time.Minute)
	_ = c.Put(ctx, "mid", blob(5))
	clock.Advance(time.Second)
	_ = c.Put(ctx, "new", blob(6))
	clock.Advance(2 * time.Minute)

	n, err := c.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 expired entry, got %d", n)
	}

	e, ok, err := c.EvictOldest(ctx)
	if err != nil || !ok {
		t.Fatalf("EvictOldest: ok=%v err=%v", ok, err)
	}
	if e.Key != "mid" || e.Size != 5 {
		t.Fatalf("expected mid/5, got %+v", e)
	}

	st, _ := c.Stats(ctx)
	if st.Items != 1 || st.TotalBytes != 6 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestRedisStore_DeleteMissingKey(t *testing.T) {
	c, _ := newTestRedisStore(t, Limits{}, newFakeClock())

	if err := c.Delete(context.Background(), "ghost-key"); err != nil {
		t.Fatalf("Delete of missing key returned error: %v", err)
	}
}

func TestRedisStore_ErrorsWhenServerDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	c := NewRedisStore(client, RedisOptions{})
	mr.Close()

	if _, _, err := c.Get(context.Background(), "any"); err == nil {
		t.Fatal("expected an error when redis is down")
	}
	if err := c.Put(context.Background(), "any", blob(1)); err == nil {
		t.Fatal("expected an error when redis is down")
	}
}

func TestOpenRedisInvalidURL(t *testing.T) {
	if _, err := OpenRedis(context.Background(), "not-a-valid-url"); err == nil {
		t.Fatal("expected error for invalid URL, got nil")
	}
}

func TestFactory(t *testing.T) {
	if _, err := New(Config{Backend: "disk"}, nil, nil); err == nil {
		t.Fatal("expected error for unknown backend")
	}
	if _, err := New(Config{Backend: BackendRedis}, nil, nil); err == nil {
		t.Fatal("expected error for redis backend without a client")
	}

	s, err := New(Config{}, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var _ Store = s
	if s.backend != BackendMemory {
		t.Fatalf("expected memory backend by default, got %s", s.backend)
	}
}
