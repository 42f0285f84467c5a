package search

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lodestone-ai/lodestone/internal/circuitbreaker"
	ometrics "github.com/lodestone-ai/lodestone/internal/metrics"
)

const (
	cacheKeyPrefix  = "qcache:"
	defaultCacheTTL = 5 * time.Minute
)

// KeyParts are the request fields that make two searches equivalent. The
// principal and space lists are sorted so ordering differences share entries.
type KeyParts struct {
	Collection    string
	Query         string
	Limit         int
	VectorWeight  float64
	KeywordWeight float64
	RRFK          int
	TenantID      string
	Principals    []string
	SpaceIDs      []string
}

// CacheKey derives the deterministic cache key for one request shape.
func CacheKey(p KeyParts) string {
	principals := append([]string(nil), p.Principals...)
	sort.Strings(principals)
	spaces := append([]string(nil), p.SpaceIDs...)
	sort.Strings(spaces)

	var b strings.Builder
	b.WriteString(p.Collection)
	b.WriteByte('|')
	b.WriteString(p.Query)
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(p.Limit))
	b.WriteByte('|')
	b.WriteString(strconv.FormatFloat(p.VectorWeight, 'f', 4, 64))
	b.WriteByte('|')
	b.WriteString(strconv.FormatFloat(p.KeywordWeight, 'f', 4, 64))
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(p.RRFK))
	b.WriteByte('|')
	b.WriteString(p.TenantID)
	b.WriteByte('|')
	b.WriteString(strings.Join(principals, ","))
	b.WriteByte('|')
	b.WriteString(strings.Join(spaces, ","))

	sum := sha256.Sum256([]byte(b.String()))
	return cacheKeyPrefix + hex.EncodeToString(sum[:])
}

// QueryCache holds answerable responses in Redis behind the circuit-breaker
// wrapper. Cache failures degrade to misses; they never fail a query.
type QueryCache struct {
	cli    *circuitbreaker.RedisWrapper
	ttl    time.Duration
	logger *zap.Logger
}

// NewQueryCache connects and pings the cache backend.
func NewQueryCache(addr string, ttl time.Duration, logger *zap.Logger) (*QueryCache, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	rc := redis.NewClient(&redis.Options{Addr: addr})
	wrapper := circuitbreaker.NewRedisWrapper(rc, "query-cache", logger)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := wrapper.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &QueryCache{cli: wrapper, ttl: ttl, logger: logger}, nil
}

// NewQueryCacheWithClient wraps an existing client, for tests and shared
// connections.
func NewQueryCacheWithClient(rc *redis.Client, ttl time.Duration, logger *zap.Logger) *QueryCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &QueryCache{
		cli:    circuitbreaker.NewRedisWrapper(rc, "query-cache", logger),
		ttl:    ttl,
		logger: logger,
	}
}

// Get returns the cached response for key, if any.
func (c *QueryCache) Get(ctx context.Context, key string) (*Response, bool) {
	if c == nil {
		return nil, false
	}
	b, err := c.cli.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			ometrics.QueryCacheEvents.WithLabelValues("miss").Inc()
		} else {
			ometrics.QueryCacheEvents.WithLabelValues("error").Inc()
		}
		return nil, false
	}
	var resp Response
	if err := json.Unmarshal(b, &resp); err != nil {
		ometrics.QueryCacheEvents.WithLabelValues("error").Inc()
		c.logger.Warn("Query cache entry undecodable", zap.Error(err))
		return nil, false
	}
	ometrics.QueryCacheEvents.WithLabelValues("hit").Inc()
	return &resp, true
}

// Set stores one response. Serialization drops stored vectors, so cached
// replies skip MMR novelty on re-serve.
func (c *QueryCache) Set(ctx context.Context, key string, resp *Response) {
	if c == nil || resp == nil {
		return
	}
	b, err := json.Marshal(resp)
	if err != nil {
		ometrics.QueryCacheEvents.WithLabelValues("error").Inc()
		return
	}
	if err := c.cli.Set(ctx, key, b, c.ttl).Err(); err != nil {
		ometrics.QueryCacheEvents.WithLabelValues("error").Inc()
		return
	}
	ometrics.QueryCacheEvents.WithLabelValues("store").Inc()
}
