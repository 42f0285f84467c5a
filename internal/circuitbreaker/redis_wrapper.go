package circuitbreaker

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisWrapper guards the cache backends. A redis.Nil miss is a success for
// breaker accounting; only transport-level failures trip it.
type RedisWrapper struct {
	client  *redis.Client
	breaker *Breaker
	service string
}

// NewRedisWrapper creates a wrapped client registered with the default
// metrics collector.
func NewRedisWrapper(client *redis.Client, service string, logger *zap.Logger) *RedisWrapper {
	b := New("redis", RedisSettings(), logger)
	DefaultCollector.Register("redis", service, b)
	return &RedisWrapper{client: client, breaker: b, service: service}
}

func (rw *RedisWrapper) record(success bool) {
	DefaultCollector.RecordRequest("redis", rw.service, rw.breaker.State(), success)
}

// Ping wraps Redis Ping.
func (rw *RedisWrapper) Ping(ctx context.Context) *redis.StatusCmd {
	var result *redis.StatusCmd
	err := rw.breaker.Execute(ctx, func() error {
		result = rw.client.Ping(ctx)
		return result.Err()
	})
	rw.record(err == nil)
	if err != nil {
		result = redis.NewStatusCmd(ctx)
		result.SetErr(err)
	}
	return result
}

// Get wraps Redis Get; misses do not count against the breaker.
func (rw *RedisWrapper) Get(ctx context.Context, key string) *redis.StringCmd {
	var result *redis.StringCmd
	err := rw.breaker.Execute(ctx, func() error {
		result = rw.client.Get(ctx, key)
		if result.Err() == redis.Nil {
			return nil
		}
		return result.Err()
	})
	rw.record(err == nil)
	if err != nil {
		result = redis.NewStringCmd(ctx)
		result.SetErr(err)
	}
	return result
}

// Set wraps Redis Set.
func (rw *RedisWrapper) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	var result *redis.StatusCmd
	err := rw.breaker.Execute(ctx, func() error {
		result = rw.client.Set(ctx, key, value, expiration)
		return result.Err()
	})
	rw.record(err == nil)
	if err != nil {
		result = redis.NewStatusCmd(ctx)
		result.SetErr(err)
	}
	return result
}

// Del wraps Redis Del.
func (rw *RedisWrapper) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	var result *redis.IntCmd
	err := rw.breaker.Execute(ctx, func() error {
		result = rw.client.Del(ctx, keys...)
		return result.Err()
	})
	rw.record(err == nil)
	if err != nil {
		result = redis.NewIntCmd(ctx)
		result.SetErr(err)
	}
	return result
}

// Close closes the underlying client.
func (rw *RedisWrapper) Close() error { return rw.client.Close() }

// Client exposes the raw client for operations the wrapper does not cover.
func (rw *RedisWrapper) Client() *redis.Client { return rw.client }

// Open reports whether the breaker currently rejects requests.
func (rw *RedisWrapper) Open() bool { return rw.breaker.State() == StateOpen }
