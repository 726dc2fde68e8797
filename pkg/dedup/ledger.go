// Package dedup records which logs the domain handlers have already applied.
package dedup

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"

	"github.com/0xmhha/market-indexer/pkg/types"
)

// Ledger tracks processed logs by their dedup key
type Ledger interface {
	// Seen reports whether key was marked before
	Seen(ctx context.Context, key types.LogKey) (bool, error)

	// Mark records key as processed
	Mark(ctx context.Context, key types.LogKey) error
}

// DefaultMemorySize is the default capacity of a MemoryLedger
const DefaultMemorySize = 100_000

// MemoryLedger is a bounded in-process ledger. The oldest keys are evicted
// first, so a very old replay is applied again; handlers stay idempotent.
type MemoryLedger struct {
	cache *lru.Cache[types.LogKey, struct{}]
}

var _ Ledger = (*MemoryLedger)(nil)

// NewMemoryLedger creates a ledger holding up to size keys
func NewMemoryLedger(size int) (*MemoryLedger, error) {
	if size <= 0 {
		size = DefaultMemorySize
	}
	cache, err := lru.New[types.LogKey, struct{}](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create lru cache: %w", err)
	}
	return &MemoryLedger{cache: cache}, nil
}

// Seen implements Ledger
func (l *MemoryLedger) Seen(_ context.Context, key types.LogKey) (bool, error) {
	return l.cache.Contains(key), nil
}

// Mark implements Ledger
func (l *MemoryLedger) Mark(_ context.Context, key types.LogKey) error {
	l.cache.Add(key, struct{}{})
	return nil
}

// Len returns the number of tracked keys
func (l *MemoryLedger) Len() int {
	return l.cache.Len()
}

// redisClient is the subset of the go-redis client the ledger uses
type redisClient interface {
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// RedisConfig configures a RedisLedger
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	TTL       time.Duration
	Timeout   time.Duration
}

// Default Redis settings
const (
	DefaultRedisKeyPrefix = "market-indexer:processed:"
	DefaultRedisTTL       = 7 * 24 * time.Hour
)

// RedisLedger shares the ledger between indexer instances
type RedisLedger struct {
	client redisClient
	prefix string
	ttl    time.Duration
}

var _ Ledger = (*RedisLedger)(nil)

// NewRedisLedger connects to Redis and verifies the connection
func NewRedisLedger(ctx context.Context, cfg *RedisConfig) (*RedisLedger, error) {
	if cfg == nil || cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return newRedisLedger(client, cfg), nil
}

func newRedisLedger(client redisClient, cfg *RedisConfig) *RedisLedger {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultRedisKeyPrefix
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultRedisTTL
	}
	return &RedisLedger{client: client, prefix: prefix, ttl: ttl}
}

func (l *RedisLedger) redisKey(key types.LogKey) string {
	return l.prefix + key.String()
}

// Seen implements Ledger
func (l *RedisLedger) Seen(ctx context.Context, key types.LogKey) (bool, error) {
	n, err := l.client.Exists(ctx, l.redisKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n > 0, nil
}

// Mark implements Ledger
func (l *RedisLedger) Mark(ctx context.Context, key types.LogKey) error {
	if err := l.client.SetNX(ctx, l.redisKey(key), 1, l.ttl).Err(); err != nil {
		return fmt.Errorf("redis setnx: %w", err)
	}
	return nil
}

// Ping checks the Redis connection
func (l *RedisLedger) Ping(ctx context.Context) error {
	if err := l.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close closes the Redis client
func (l *RedisLedger) Close() error {
	return l.client.Close()
}
