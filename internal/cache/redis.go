package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis layout, all under one prefix:
//
//	<prefix>:file:<key>  hash {data, mime, name, created, size}, PEXPIRE ttl
//	<prefix>:index       zset key -> createdAt (unix ms)
//	<prefix>:sizes       hash key -> size
//	<prefix>:total       integer byte counter
//
// Every mutation runs as a single Lua script so the index, sizes and total
// never disagree. The data keys are derived inside the scripts, which ties
// the store to a single Redis node rather than a cluster.
const luaRemove = `
local function remove(k, reason, out)
  local sz = redis.call('HGET', KEYS[2], k)
  redis.call('ZREM', KEYS[1], k)
  redis.call('DEL', ARGV[1] .. k)
  if not sz then
    return
  end
  redis.call('HDEL', KEYS[2], k)
  redis.call('DECRBY', KEYS[3], sz)
  table.insert(out, k)
  table.insert(out, tonumber(sz))
  table.insert(out, reason)
end
`

var (
	putScript = redis.NewScript(luaRemove + `
local out = {}
local key = ARGV[2]
local size = tonumber(ARGV[3])
local max = tonumber(ARGV[4])
if redis.call('HEXISTS', KEYS[2], key) == 1 then
  remove(key, 'replaced', out)
end
while tonumber(redis.call('GET', KEYS[3]) or '0') + size > max do
  local oldest = redis.call('ZRANGE', KEYS[1], 0, 0)
  if #oldest == 0 then
    break
  end
  remove(oldest[1], 'evicted', out)
end
redis.call('HSET', ARGV[1] .. key, 'data', ARGV[7], 'mime', ARGV[8], 'name', ARGV[9], 'created', ARGV[5], 'size', ARGV[3])
redis.call('PEXPIRE', ARGV[1] .. key, ARGV[6])
redis.call('ZADD', KEYS[1], ARGV[5], key)
redis.call('HSET', KEYS[2], key, ARGV[3])
redis.call('INCRBY', KEYS[3], ARGV[3])
return out
`)

	removeScript = redis.NewScript(luaRemove + `
local out = {}
remove(ARGV[2], ARGV[3], out)
return out
`)

	evictOldestScript = redis.NewScript(luaRemove + `
local out = {}
local oldest = redis.call('ZRANGE', KEYS[1], 0, 0)
if #oldest > 0 then
  remove(oldest[1], 'evicted', out)
end
return out
`)

	sweepScript = redis.NewScript(luaRemove + `
local out = {}
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[2])
for _, k in ipairs(expired) do
  remove(k, 'expired', out)
end
return out
`)
)

// RedisOptions configures a RedisStore.
type RedisOptions struct {
	Prefix   string
	Limits   Limits
	Now      func() time.Time
	OnRemove RemoveFunc
}

// RedisStore implements Store on a single Redis node so that several
// replicas can share one cache.
type RedisStore struct {
	client   *redis.Client
	prefix   string
	limits   Limits
	now      func() time.Time
	onRemove RemoveFunc
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(client *redis.Client, opts RedisOptions) *RedisStore {
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
	if opts.Prefix == "" {
		opts.Prefix = "orderdesk"
	}

	return &RedisStore{
		client:   client,
		prefix:   opts.Prefix,
		limits:   opts.Limits,
		now:      opts.Now,
		onRemove: opts.OnRemove,
	}
}

// OpenRedis parses a redis:// URL and verifies the server answers.
func OpenRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

func (c *RedisStore) indexKey() string { return c.prefix + ":index" }
func (c *RedisStore) sizesKey() string { return c.prefix + ":sizes" }
func (c *RedisStore) totalKey() string { return c.prefix + ":total" }
func (c *RedisStore) dataPrefix() string {
	return c.prefix + ":file:"
}

func (c *RedisStore) keys() []string {
	return []string{c.indexKey(), c.sizesKey(), c.totalKey()}
}

func (c *RedisStore) Put(ctx context.Context, key string, f File) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context error: %w", err)
	}
	if key == "" {
		return ErrEmptyKey
	}
	size := int64(len(f.Data))
	if err := c.limits.CheckSize(size); err != nil {
		return err
	}

	res, err := putScript.Run(ctx, c.client, c.keys(),
		c.dataPrefix(),
		key,
		size,
		c.limits.MaxTotalBytes,
		c.now().UnixMilli(),
		c.limits.TTL.Milliseconds(),
		f.Data,
		f.MIMEType,
		f.Name,
	).Result()
	if err != nil {
		return fmt.Errorf("redis put failed: %w", err)
	}

	c.notify(res)
	return nil
}

// Get reads the entry hash. A hash that Redis already expired, or one past
// the logical TTL, is cleaned out of the index and reported as a miss.
func (c *RedisStore) Get(ctx context.Context, key string) (*Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, fmt.Errorf("context error: %w", err)
	}

	fields, err := c.client.HGetAll(ctx, c.dataPrefix()+key).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis get failed: %w", err)
	}
	if len(fields) == 0 {
		if err := c.remove(ctx, key, ReasonExpired); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}

	created, err := strconv.ParseInt(fields["created"], 10, 64)
	if err != nil {
		return nil, false, fmt.Errorf("redis entry %s: bad created: %w", key, err)
	}
	size, err := strconv.ParseInt(fields["size"], 10, 64)
	if err != nil {
		return nil, false, fmt.Errorf("redis entry %s: bad size: %w", key, err)
	}

	e := &Entry{
		Key: key,
		File: File{
			Data:     []byte(fields["data"]),
			MIMEType: fields["mime"],
			Name:     fields["name"],
		},
		CreatedAt: time.UnixMilli(created),
		Size:      size,
	}
	if c.now().Sub(e.CreatedAt) > c.limits.TTL {
		if err := c.remove(ctx, key, ReasonExpired); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}

	return e, true, nil
}

// Delete removes a key from the store.
func (c *RedisStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context error: %w", err)
	}
	return c.remove(ctx, key, ReasonDeleted)
}

// EvictOldest removes the oldest entry. The returned entry carries the key
// and size only.
func (c *RedisStore) EvictOldest(ctx context.Context) (*Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, fmt.Errorf("context error: %w", err)
	}

	res, err := evictOldestScript.Run(ctx, c.client, c.keys(), c.dataPrefix()).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis evict failed: %w", err)
	}

	removed := parseRemovals(res)
	c.notifyParsed(removed)
	if len(removed) == 0 {
		return nil, false, nil
	}
	return &Entry{Key: removed[0].key, Size: removed[0].size}, true, nil
}

func (c *RedisStore) Sweep(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("context error: %w", err)
	}

	cutoff := c.now().Add(-c.limits.TTL).UnixMilli()
	res, err := sweepScript.Run(ctx, c.client, c.keys(), c.dataPrefix(), cutoff).Result()
	if err != nil {
		return 0, fmt.Errorf("redis sweep failed: %w", err)
	}

	removed := parseRemovals(res)
	c.notifyParsed(removed)
	return len(removed), nil
}

func (c *RedisStore) Stats(ctx context.Context) (Stats, error) {
	var (
		card  *redis.IntCmd
		total *redis.StringCmd
	)
	_, err := c.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		card = p.ZCard(ctx, c.indexKey())
		total = p.Get(ctx, c.totalKey())
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return Stats{}, fmt.Errorf("redis stats failed: %w", err)
	}

	var totalBytes int64
	if v, err := total.Int64(); err == nil {
		totalBytes = v
	}

	return Stats{
		Items:         int(card.Val()),
		TotalBytes:    totalBytes,
		MaxItemBytes:  c.limits.MaxItemBytes,
		MaxTotalBytes: c.limits.MaxTotalBytes,
		TTL:           c.limits.TTL,
	}, nil
}

// Ping checks if Redis connection is healthy.
func (c *RedisStore) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisStore) remove(ctx context.Context, key string, reason Reason) error {
	res, err := removeScript.Run(ctx, c.client, c.keys(), c.dataPrefix(), key, string(reason)).Result()
	if err != nil {
		return fmt.Errorf("redis delete failed: %w", err)
	}
	c.notify(res)
	return nil
}

func (c *RedisStore) notify(res any) {
	c.notifyParsed(parseRemovals(res))
}

func (c *RedisStore) notifyParsed(removed []removal) {
	if c.onRemove == nil {
		return
	}
	for _, r := range removed {
		c.onRemove(r.key, r.size, r.reason)
	}
}

// parseRemovals decodes the flat {key, size, reason, ...} reply shared by
// every script.
func parseRemovals(res any) []removal {
	vals, ok := res.([]any)
	if !ok {
		return nil
	}

	out := make([]removal, 0, len(vals)/3)
	for i := 0; i+2 < len(vals); i += 3 {
		key, _ := vals[i].(string)
		size, _ := vals[i+1].(int64)
		reason, _ := vals[i+2].(string)
		out = append(out, removal{key: key, size: size, reason: Reason(reason)})
	}
	return out
}
