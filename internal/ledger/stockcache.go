package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// StockCache memoises on-hand quantities. Entries are addressed by a version token
// taken before the value is computed; Invalidate and Reset move the version forward so
// a value computed against an older token can never be served again.
type StockCache interface {
	Token(ctx context.Context, productID int64) (string, error)
	Get(ctx context.Context, token string) (decimal.Decimal, bool, error)
	Set(ctx context.Context, token string, value decimal.Decimal) error
	Invalidate(ctx context.Context, productIDs ...int64) error
	Reset(ctx context.Context) error
}

const (
	stockEpochKey    = "ledger:stock:epoch"
	stockVersionKey  = "ledger:stock:ver:"
	stockValuePrefix = "ledger:stock:val:"
)

// RedisStockCache stores quantities in Redis.
type RedisStockCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStockCache builds the cache. ttl bounds how long orphaned versions linger.
func NewRedisStockCache(client *redis.Client, ttl time.Duration) *RedisStockCache {
	return &RedisStockCache{client: client, ttl: ttl}
}

func (c *RedisStockCache) Token(ctx context.Context, productID int64) (string, error) {
	vals, err := c.client.MGet(ctx, stockEpochKey, stockVersionKey+strconv.FormatInt(productID, 10)).Result()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s%d:%s:%s", stockValuePrefix, productID, counter(vals[0]), counter(vals[1])), nil
}

func counter(v any) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return "0"
}

func (c *RedisStockCache) Get(ctx context.Context, token string) (decimal.Decimal, bool, error) {
	raw, err := c.client.Get(ctx, token).Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, err
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("ledger: corrupt stock cache entry %s: %w", token, err)
	}
	return v, true, nil
}

func (c *RedisStockCache) Set(ctx context.Context, token string, value decimal.Decimal) error {
	return c.client.Set(ctx, token, value.String(), c.ttl).Err()
}

func (c *RedisStockCache) Invalidate(ctx context.Context, productIDs ...int64) error {
	if len(productIDs) == 0 {
		return nil
	}
	_, err := c.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, id := range productIDs {
			p.Incr(ctx, stockVersionKey+strconv.FormatInt(id, 10))
		}
		return nil
	})
	return err
}

// Reset bumps the global epoch and then removes stored values.
func (c *RedisStockCache) Reset(ctx context.Context) error {
	if err := c.client.Incr(ctx, stockEpochKey).Err(); err != nil {
		return err
	}
	iter := c.client.Scan(ctx, 0, stockValuePrefix+"*", 500).Iterator()
	batch := make([]string, 0, 500)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == cap(batch) {
			if err := c.client.Unlink(ctx, batch...).Err(); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(batch) > 0 {
		return c.client.Unlink(ctx, batch...).Err()
	}
	return nil
}

// MemoryStockCache keeps quantities in process memory.
type MemoryStockCache struct {
	mu       sync.RWMutex
	epoch    int64
	versions map[int64]int64
	values   map[string]decimal.Decimal
}

// NewMemoryStockCache returns an empty cache.
func NewMemoryStockCache() *MemoryStockCache {
	return &MemoryStockCache{versions: map[int64]int64{}, values: map[string]decimal.Decimal{}}
}

func (c *MemoryStockCache) Token(_ context.Context, productID int64) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return fmt.Sprintf("%d:%d:%d", productID, c.epoch, c.versions[productID]), nil
}

func (c *MemoryStockCache) Get(_ context.Context, token string) (decimal.Decimal, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[token]
	return v, ok, nil
}

func (c *MemoryStockCache) Set(_ context.Context, token string, value decimal.Decimal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[token] = value
	return nil
}

func (c *MemoryStockCache) Invalidate(_ context.Context, productIDs ...int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range productIDs {
		c.versions[id]++
		prefix := strconv.FormatInt(id, 10) + ":"
		for k := range c.values {
			if strings.HasPrefix(k, prefix) {
				delete(c.values, k)
			}
		}
	}
	return nil
}

func (c *MemoryStockCache) Reset(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	c.values = map[string]decimal.Decimal{}
	return nil
}

// Len reports the number of stored values.
func (c *MemoryStockCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.values)
}
