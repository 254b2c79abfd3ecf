package chain

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"pplpmint/internal/logging"

	"github.com/redis/go-redis/v9"
)

// HintCache remembers the last accepted endpoint for a short TTL so the next
// attempt tries it first. It only reorders candidates; every attempt still runs
// the full validation and a fresh nonce read.
type HintCache interface {
	Preferred(ctx context.Context) (string, bool)
	Remember(ctx context.Context, endpoint string)
}

type MemoryHints struct {
	TTL time.Duration
	Now func() time.Time

	mu       sync.Mutex
	endpoint string
	expires  time.Time
}

func (m *MemoryHints) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *MemoryHints) Preferred(context.Context) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.endpoint == "" || m.now().After(m.expires) {
		return "", false
	}
	return m.endpoint, true
}

func (m *MemoryHints) Remember(_ context.Context, endpoint string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.endpoint = endpoint
	m.expires = m.now().Add(m.TTL)
}

const redisHintKey = "pplp:rpc:preferred"

// RedisHints shares the hint across service replicas. Redis failures degrade to
// "no hint" and never fail an attempt.
type RedisHints struct {
	client *redis.Client
	ttl    time.Duration
	key    string
}

func NewRedisHints(addr, password string, db int, ttl time.Duration) *RedisHints {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisHints{client: rdb, ttl: ttl, key: redisHintKey}
}

func (r *RedisHints) Preferred(ctx context.Context) (string, bool) {
	val, err := r.client.Get(ctx, r.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false
	}
	if err != nil {
		logging.Warn(ctx, "rpc hint read failed", logging.Err(err))
		return "", false
	}
	return val, val != ""
}

func (r *RedisHints) Remember(ctx context.Context, endpoint string) {
	if err := r.client.Set(ctx, r.key, endpoint, r.ttl).Err(); err != nil {
		logging.Warn(ctx, "rpc hint write failed", logging.Err(err), slog.String("endpoint", endpoint))
	}
}

func (r *RedisHints) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisHints) Close() error {
	return r.client.Close()
}
