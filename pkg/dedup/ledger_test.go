package dedup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xmhha/market-indexer/pkg/types"
)

func key(seed byte, idx uint) types.LogKey {
	return types.LogKey{TxHash: common.BytesToHash([]byte{seed}), LogIndex: idx}
}

func TestMemoryLedger(t *testing.T) {
	ctx := context.Background()
	l, err := NewMemoryLedger(2)
	require.NoError(t, err)

	seen, err := l.Seen(ctx, key(1, 0))
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, l.Mark(ctx, key(1, 0)))
	seen, _ = l.Seen(ctx, key(1, 0))
	assert.True(t, seen)

	seen, _ = l.Seen(ctx, key(1, 1))
	assert.False(t, seen, "log index is part of the key")

	// capacity 2: the oldest key is evicted
	require.NoError(t, l.Mark(ctx, key(2, 0)))
	require.NoError(t, l.Mark(ctx, key(3, 0)))
	assert.Equal(t, 2, l.Len())
	seen, _ = l.Seen(ctx, key(1, 0))
	assert.False(t, seen)
}

func TestNewMemoryLedger_DefaultSize(t *testing.T) {
	l, err := NewMemoryLedger(0)
	require.NoError(t, err)
	assert.Equal(t, 0, l.Len())
}

// fakeRedis records keys in memory and can be told to fail
type fakeRedis struct {
	mu     sync.Mutex
	keys   map[string]time.Duration
	err    error
	closed bool
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{keys: make(map[string]time.Duration)}
}

func (f *fakeRedis) Exists(_ context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewIntResult(0, f.err)
	}
	var n int64
	for _, k := range keys {
		if _, ok := f.keys[k]; ok {
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func (f *fakeRedis) SetNX(_ context.Context, key string, _ interface{}, ttl time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewBoolResult(false, f.err)
	}
	if _, ok := f.keys[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.keys[key] = ttl
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Ping(context.Context) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewStatusResult("", f.err)
	}
	return redis.NewStatusResult("PONG", nil)
}

func (f *fakeRedis) Close() error {
	f.closed = true
	return nil
}

func TestRedisLedger(t *testing.T) {
	ctx := context.Background()
	fake := newFakeRedis()
	l := newRedisLedger(fake, &RedisConfig{TTL: time.Hour})

	k := key(7, 3)
	seen, err := l.Seen(ctx, k)
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, l.Mark(ctx, k))
	require.NoError(t, l.Mark(ctx, k))

	seen, err = l.Seen(ctx, k)
	require.NoError(t, err)
	assert.True(t, seen)

	want := DefaultRedisKeyPrefix + k.String()
	assert.Equal(t, time.Hour, fake.keys[want])
	assert.Len(t, fake.keys, 1)

	require.NoError(t, l.Close())
	assert.True(t, fake.closed)
}

func TestRedisLedger_Defaults(t *testing.T) {
	l := newRedisLedger(newFakeRedis(), &RedisConfig{KeyPrefix: "test:"})
	assert.Equal(t, DefaultRedisTTL, l.ttl)
	assert.Equal(t, "test:"+key(1, 2).String(), l.redisKey(key(1, 2)))
}

func TestRedisLedger_Errors(t *testing.T) {
	ctx := context.Background()
	fake := newFakeRedis()
	fake.err = errors.New("connection refused")
	l := newRedisLedger(fake, &RedisConfig{})

	_, err := l.Seen(ctx, key(1, 0))
	assert.ErrorIs(t, err, fake.err)
	assert.ErrorIs(t, l.Mark(ctx, key(1, 0)), fake.err)
	assert.ErrorIs(t, l.Ping(ctx), fake.err)

	fake.err = nil
	assert.NoError(t, l.Ping(ctx))
}

func TestNewRedisLedger_RequiresAddr(t *testing.T) {
	_, err := NewRedisLedger(context.Background(), &RedisConfig{})
	assert.Error(t, err)
	_, err = NewRedisLedger(context.Background(), nil)
	assert.Error(t, err)
}
