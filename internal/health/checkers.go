package health

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const probeTimeout = 5 * time.Second

// slowThreshold marks a responding backend as degraded instead of healthy.
const slowThreshold = 100 * time.Millisecond

// Prober is the error-returning probe most collaborators expose.
type Prober interface {
	HealthCheck(ctx context.Context) error
}

// EmbedderChecker probes the embedding inference endpoint. The embedder is
// critical: without vectors the pipeline cannot answer at all.
type EmbedderChecker struct {
	probe   Prober
	timeout time.Duration
}

func NewEmbedderChecker(probe Prober) *EmbedderChecker {
	return &EmbedderChecker{probe: probe, timeout: probeTimeout}
}

func (c *EmbedderChecker) Name() string           { return "embedder" }
func (c *EmbedderChecker) IsCritical() bool       { return true }
func (c *EmbedderChecker) Timeout() time.Duration { return c.timeout }

func (c *EmbedderChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Component: "embedder", Critical: true, Timestamp: start}

	err := c.probe.HealthCheck(ctx)
	result.Duration = time.Since(start)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = "embedding endpoint unreachable"
		return result
	}

	result.Status = StatusHealthy
	result.Message = "embedder healthy"
	result.Details = map[string]interface{}{"latency_ms": result.Duration.Milliseconds()}
	return result
}

// RerankerProbe matches the reranker client's boolean health probe.
type RerankerProbe interface {
	IsHealthy(ctx context.Context) bool
}

// RerankerChecker probes the cross-encoder sidecar. Non-critical: a dead
// reranker degrades ranking quality, fusion order still serves.
type RerankerChecker struct {
	probe   RerankerProbe
	timeout time.Duration
}

func NewRerankerChecker(probe RerankerProbe) *RerankerChecker {
	return &RerankerChecker{probe: probe, timeout: probeTimeout}
}

func (c *RerankerChecker) Name() string           { return "reranker" }
func (c *RerankerChecker) IsCritical() bool       { return false }
func (c *RerankerChecker) Timeout() time.Duration { return c.timeout }

func (c *RerankerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Component: "reranker", Critical: false, Timestamp: start}

	healthy := c.probe.IsHealthy(ctx)
	result.Duration = time.Since(start)
	result.Details = map[string]interface{}{"latency_ms": result.Duration.Milliseconds()}
	if !healthy {
		result.Status = StatusUnhealthy
		result.Message = "reranker unreachable, results pass through on fusion order"
		return result
	}

	result.Status = StatusHealthy
	result.Message = "reranker healthy"
	return result
}

// Pinger matches the Healthy probe the vector store client and the audit
// sink both expose.
type Pinger interface {
	Healthy(ctx context.Context) error
}

// VectorStoreChecker probes the vector store. Critical: the dense channel
// cannot run without it.
type VectorStoreChecker struct {
	probe   Pinger
	timeout time.Duration
}

func NewVectorStoreChecker(probe Pinger) *VectorStoreChecker {
	return &VectorStoreChecker{probe: probe, timeout: probeTimeout}
}

func (c *VectorStoreChecker) Name() string           { return "vector_store" }
func (c *VectorStoreChecker) IsCritical() bool       { return true }
func (c *VectorStoreChecker) Timeout() time.Duration { return c.timeout }

func (c *VectorStoreChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Component: "vector_store", Critical: true, Timestamp: start}

	err := c.probe.Healthy(ctx)
	result.Duration = time.Since(start)
	result.Details = map[string]interface{}{"latency_ms": result.Duration.Milliseconds()}
	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = "vector store unreachable"
		return result
	}

	result.Status = StatusHealthy
	result.Message = "vector store healthy"
	return result
}

// RedisChecker pings the cache backend. Non-critical: caches miss through.
type RedisChecker struct {
	client  redis.UniversalClient
	timeout time.Duration
}

func NewRedisChecker(client redis.UniversalClient) *RedisChecker {
	return &RedisChecker{client: client, timeout: probeTimeout}
}

func (c *RedisChecker) Name() string           { return "redis" }
func (c *RedisChecker) IsCritical() bool       { return false }
func (c *RedisChecker) Timeout() time.Duration { return c.timeout }

func (c *RedisChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Component: "redis", Critical: false, Timestamp: start}

	err := c.client.Ping(ctx).Err()
	result.Duration = time.Since(start)
	result.Details = map[string]interface{}{"latency_ms": result.Duration.Milliseconds()}
	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = "redis ping failed"
		return result
	}

	if result.Duration > slowThreshold {
		result.Status = StatusDegraded
		result.Message = "redis responding with high latency"
		return result
	}
	result.Status = StatusHealthy
	result.Message = "redis healthy"
	return result
}

// AuditStoreChecker pings the Postgres audit backend through the sink.
// Non-critical: audit writes are best-effort by contract.
type AuditStoreChecker struct {
	probe   Pinger
	timeout time.Duration
}

func NewAuditStoreChecker(probe Pinger) *AuditStoreChecker {
	return &AuditStoreChecker{probe: probe, timeout: probeTimeout}
}

func (c *AuditStoreChecker) Name() string           { return "postgres" }
func (c *AuditStoreChecker) IsCritical() bool       { return false }
func (c *AuditStoreChecker) Timeout() time.Duration { return c.timeout }

func (c *AuditStoreChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Component: "postgres", Critical: false, Timestamp: start}

	err := c.probe.Healthy(ctx)
	result.Duration = time.Since(start)
	result.Details = map[string]interface{}{"latency_ms": result.Duration.Milliseconds()}
	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = "audit database ping failed"
		return result
	}

	if result.Duration > slowThreshold {
		result.Status = StatusDegraded
		result.Message = "audit database responding with high latency"
		return result
	}
	result.Status = StatusHealthy
	result.Message = "audit database healthy"
	return result
}
