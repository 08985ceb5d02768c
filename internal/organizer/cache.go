package organizer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"tradeloop/internal/domain"
)

// Cache remembers metadata for identical entry content so re-tagging the
// same payload does not call the tagger again.
type Cache interface {
	Get(ctx context.Context, key string) (domain.Metadata, bool, error)
	Set(ctx context.Context, key string, md domain.Metadata) error
}

// CacheKey hashes the parts of an entry that determine its metadata.
func CacheKey(e domain.Entry) string {
	body, _ := json.Marshal(struct {
		Kind    domain.Kind    `json:"kind"`
		Source  string         `json:"source"`
		Payload domain.Payload `json:"payload"`
	}{e.Kind, e.Source, e.Payload})
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// NopCache never remembers anything.
type NopCache struct{}

func (NopCache) Get(context.Context, string) (domain.Metadata, bool, error) {
	return domain.Metadata{}, false, nil
}

func (NopCache) Set(context.Context, string, domain.Metadata) error { return nil }

// MemoryCache is a bounded in-process cache; the oldest key is evicted first.
type MemoryCache struct {
	mu    sync.Mutex
	max   int
	items map[string]domain.Metadata
	order []string
}

func NewMemoryCache(max int) *MemoryCache {
	if max <= 0 {
		max = 1024
	}
	return &MemoryCache{max: max, items: make(map[string]domain.Metadata)}
}

func (c *MemoryCache) Get(ctx context.Context, key string) (domain.Metadata, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	md, ok := c.items[key]
	return md, ok, nil
}

func (c *MemoryCache) Set(ctx context.Context, key string, md domain.Metadata) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.items[key]; !ok {
		c.order = append(c.order, key)
	}
	c.items[key] = md
	for len(c.order) > c.max {
		delete(c.items, c.order[0])
		c.order = c.order[1:]
	}
	return nil
}

func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// RedisCache shares tagging results between processes.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCache connects to url and verifies the connection.
func NewRedisCache(ctx context.Context, url, prefix string, ttl time.Duration) (*RedisCache, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisCacheFromClient(client, prefix, ttl), nil
}

func NewRedisCacheFromClient(client *redis.Client, prefix string, ttl time.Duration) *RedisCache {
	if prefix == "" {
		prefix = "tradeloop:tags:"
	}
	return &RedisCache{client: client, prefix: prefix, ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context, key string) (domain.Metadata, bool, error) {
	raw, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err == redis.Nil {
		return domain.Metadata{}, false, nil
	}
	if err != nil {
		return domain.Metadata{}, false, fmt.Errorf("redis get: %w", err)
	}
	var md domain.Metadata
	if err := json.Unmarshal(raw, &md); err != nil {
		return domain.Metadata{}, false, fmt.Errorf("decode cached metadata: %w", err)
	}
	return md, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, md domain.Metadata) error {
	raw, err := json.Marshal(md)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, c.prefix+key, raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
