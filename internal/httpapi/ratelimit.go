package httpapi

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	ometrics "github.com/lodestone-ai/lodestone/internal/metrics"
)

// rateWindow is the limiter's fixed accounting window.
const rateWindow = time.Minute

// codeRateLimited labels 429 responses.
const codeRateLimited = "rate-limited"

// RateLimiter enforces a per-tenant fixed-window request budget in Redis, so
// the limit holds across replicas. Redis errors fail open: a broken limiter
// must not block retrieval.
type RateLimiter struct {
	redis     redis.UniversalClient
	perMinute int
	logger    *zap.Logger
}

// NewRateLimiter builds the limiter. A nil client or perMinute <= 0 turns the
// middleware into a pass-through.
func NewRateLimiter(client redis.UniversalClient, perMinute int, logger *zap.Logger) *RateLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimiter{redis: client, perMinute: perMinute, logger: logger}
}

// Middleware throttles the /v1/ routes only; health probes and the metrics
// scrape stay unthrottled.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl.redis == nil || rl.perMinute <= 0 || !strings.HasPrefix(r.URL.Path, "/v1/") {
			next.ServeHTTP(w, r)
			return
		}

		subject := rl.subject(r)
		allowed, remaining, resetAt := rl.take(r.Context(), subject)

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.perMinute))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))

		if !allowed {
			ometrics.RateLimitRejections.WithLabelValues(subject).Inc()
			rl.logger.Warn("rate limit exceeded",
				zap.String("subject", subject),
				zap.String("path", r.URL.Path))
			retryAfter := int64(time.Until(resetAt).Seconds()) + 1
			w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
			writeError(w, http.StatusTooManyRequests, codeRateLimited,
				"request budget exhausted, retry after the window resets")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// subject keys the budget: the tenant when the edge proxy injected one, else
// the caller's address so anonymous traffic cannot pool into one bucket.
func (rl *RateLimiter) subject(r *http.Request) string {
	if tenant := strings.TrimSpace(r.Header.Get("X-Tenant-ID")); tenant != "" {
		return tenant
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// take counts the request against the subject's current window.
func (rl *RateLimiter) take(ctx context.Context, subject string) (allowed bool, remaining int, resetAt time.Time) {
	window := time.Now().Truncate(rateWindow)
	resetAt = window.Add(rateWindow)
	key := fmt.Sprintf("ratelimit:%s:%d", subject, window.Unix())

	pipe := rl.redis.Pipeline()
	incr := pipe.Incr(ctx, key)
	// Expire a second past the window so stragglers still read the count.
	pipe.Expire(ctx, key, rateWindow+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		rl.logger.Error("rate limit check failed", zap.Error(err))
		return true, rl.perMinute, resetAt
	}

	count := incr.Val()
	remaining = rl.perMinute - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return count <= int64(rl.perMinute), remaining, resetAt
}
