// Package embeddings turns text into fixed-dimension L2-normalized vectors
// via an inference HTTP endpoint, with a two-tier cache (in-process LRU in
// front of Redis) and a split-and-average path for texts over the model
// token budget.
package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lodestone-ai/lodestone/internal/apperr"
	"github.com/lodestone-ai/lodestone/internal/chunking"
	"github.com/lodestone-ai/lodestone/internal/circuitbreaker"
	ometrics "github.com/lodestone-ai/lodestone/internal/metrics"
	"github.com/lodestone-ai/lodestone/internal/tracing"
)

const maxConcurrentRequests = 8

// Service generates embeddings with caching, retries, and chunk averaging.
type Service struct {
	cfg     Config
	http    *circuitbreaker.HTTPWrapper
	limiter *rate.Limiter
	sem     chan struct{}
	cache   Cache
	lru     *LocalLRU
	chunker *chunking.Chunker
	logger  *zap.Logger
}

// Global singleton for simple wiring.
var globalSvc *Service

// Initialize builds the shared service. Redis failures degrade to the local
// tier only.
func Initialize(cfg Config, logger *zap.Logger) error {
	svc, err := New(cfg, logger)
	if err != nil {
		return err
	}
	globalSvc = svc
	return nil
}

func Get() *Service { return globalSvc }

// New builds a standalone service (tests wire this directly).
func New(cfg Config, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()

	chunker, err := chunking.New(cfg.Chunking, logger)
	if err != nil {
		return nil, fmt.Errorf("build chunker: %w", err)
	}

	var cache Cache
	if cfg.EnableRedis && cfg.RedisAddr != "" {
		rc, err := NewRedisCache(cfg.RedisAddr)
		if err != nil {
			logger.Warn("Embedding Redis cache unavailable, using local tier only",
				zap.String("addr", cfg.RedisAddr), zap.Error(err))
		} else {
			cache = rc
		}
	}

	var limiter *rate.Limiter
	if cfg.RPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RPS), int(math.Max(1, cfg.RPS)))
	}

	client := &http.Client{Timeout: cfg.Timeout}
	return &Service{
		cfg:     cfg,
		http:    circuitbreaker.NewHTTPWrapper(client, "embedder-http", "embedder", logger),
		limiter: limiter,
		sem:     make(chan struct{}, maxConcurrentRequests),
		cache:   cache,
		lru:     NewLocalLRU(cfg.MaxLRU),
		chunker: chunker,
		logger:  logger,
	}, nil
}

// Dimensions returns the configured vector dimension.
func (s *Service) Dimensions() int {
	if s == nil {
		return DefaultDimensions
	}
	return s.cfg.Dimensions
}

// Embed returns the vector for one text. Texts over the model budget are
// chunked, embedded piecewise, averaged elementwise and renormalized.
func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	if s == nil {
		return nil, apperr.New(apperr.CodeEmbeddingUnavailable, "embedding service not initialized")
	}
	if strings.TrimSpace(text) == "" {
		return nil, apperr.New(apperr.CodeEmbeddingUnavailable, "cannot embed empty text")
	}

	est := s.chunker.Counter().Count(text)
	if !est.WithinSafeLimit {
		return s.embedLongText(ctx, text)
	}

	key := MakeKey(s.cfg.Model, text)
	if v, ok := s.lru.Get(ctx, key); ok {
		ometrics.EmbeddingCacheEvents.WithLabelValues("lru_hit").Inc()
		return v, nil
	}
	if s.cache != nil {
		if v, ok := s.cache.Get(ctx, key); ok {
			s.lru.Set(ctx, key, v, 30*time.Minute)
			ometrics.EmbeddingCacheEvents.WithLabelValues("redis_hit").Inc()
			return v, nil
		}
	}
	ometrics.EmbeddingCacheEvents.WithLabelValues("miss").Inc()

	vecs, err := s.requestEmbeddings(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	v := normalize(vecs[0])
	s.store(ctx, key, v)
	return v, nil
}

// EmbedBatch returns one vector per text, preserving order. Cached texts are
// served locally; the rest go out in a single request. Overlong texts take
// the chunk-and-average path individually.
func (s *Service) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if s == nil {
		return nil, apperr.New(apperr.CodeEmbeddingUnavailable, "embedding service not initialized")
	}
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	results := make([][]float32, len(texts))
	var uncached []string
	var uncachedIdx []int

	for i, text := range texts {
		if !s.chunker.Counter().Count(text).WithinSafeLimit {
			v, err := s.embedLongText(ctx, text)
			if err != nil {
				return nil, err
			}
			results[i] = v
			continue
		}
		key := MakeKey(s.cfg.Model, text)
		if v, ok := s.lru.Get(ctx, key); ok {
			ometrics.EmbeddingCacheEvents.WithLabelValues("lru_hit").Inc()
			results[i] = v
			continue
		}
		if s.cache != nil {
			if v, ok := s.cache.Get(ctx, key); ok {
				s.lru.Set(ctx, key, v, 30*time.Minute)
				ometrics.EmbeddingCacheEvents.WithLabelValues("redis_hit").Inc()
				results[i] = v
				continue
			}
		}
		ometrics.EmbeddingCacheEvents.WithLabelValues("miss").Inc()
		uncached = append(uncached, text)
		uncachedIdx = append(uncachedIdx, i)
	}

	if len(uncached) == 0 {
		return results, nil
	}

	vecs, err := s.requestEmbeddings(ctx, uncached)
	if err != nil {
		return nil, err
	}
	for i, raw := range vecs {
		v := normalize(raw)
		results[uncachedIdx[i]] = v
		s.store(ctx, MakeKey(s.cfg.Model, uncached[i]), v)
	}
	return results, nil
}

// embedLongText splits the text, embeds every chunk, and returns the
// renormalized elementwise mean.
func (s *Service) embedLongText(ctx context.Context, text string) ([]float32, error) {
	res := s.chunker.Chunk(text, "inline")
	if len(res.Chunks) == 0 {
		return nil, apperr.New(apperr.CodeEmbeddingUnavailable, "no chunks produced for overlong text")
	}
	if len(res.Warnings) > 0 {
		s.logger.Warn("Overlong text chunked with warnings",
			zap.Int("chunks", len(res.Chunks)), zap.Strings("warnings", res.Warnings))
	}

	chunkTexts := make([]string, len(res.Chunks))
	for i, ch := range res.Chunks {
		chunkTexts[i] = ch.Text
	}
	vecs, err := s.requestEmbeddings(ctx, chunkTexts)
	if err != nil {
		return nil, err
	}
	avg := make([]float32, s.cfg.Dimensions)
	for _, v := range vecs {
		for i, f := range v {
			avg[i] += f
		}
	}
	n := float32(len(vecs))
	for i := range avg {
		avg[i] /= n
	}
	return normalize(avg), nil
}

// HealthCheck pings the /health sibling of the embed endpoint.
func (s *Service) HealthCheck(ctx context.Context) error {
	if s == nil {
		return apperr.New(apperr.CodeEmbeddingUnavailable, "embedding service not initialized")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(s.cfg.BaseURL, "/")+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.CodeEmbeddingUnavailable, "embedding health check failed", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apperr.Newf(apperr.CodeEmbeddingUnavailable, "embedding health status %d", resp.StatusCode)
	}
	return nil
}

type embedRequest struct {
	Inputs []string `json:"inputs"`
}

// requestEmbeddings performs the HTTP round trip with the retry policy:
// transport errors and HTTP 429 retry with exponential backoff up to
// MaxRetries attempts; HTTP 413 fails immediately; a dimension mismatch is
// retried exactly once.
func (s *Service) requestEmbeddings(ctx context.Context, inputs []string) ([][]float32, error) {
	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	case <-ctx.Done():
		return nil, s.ctxError(ctx)
	}
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, s.ctxError(ctx)
		}
	}

	start := time.Now()
	delay := s.cfg.RetryBaseDelay
	dimRetried := false
	var lastErr error

	for attempt := 0; attempt < s.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
				delay *= 2
			case <-ctx.Done():
				return nil, s.ctxError(ctx)
			}
		}

		vecs, retryable, err := s.postOnce(ctx, inputs)
		if err == nil {
			if badIdx := s.badDimension(vecs, len(inputs)); badIdx >= 0 {
				// Occasionally the server returns a truncated row under
				// load; one immediate re-request usually clears it.
				if !dimRetried {
					dimRetried = true
					attempt--
					lastErr = apperr.Newf(apperr.CodeInvalidDimension,
						"embedding %d has dimension %d, want %d", badIdx, vecLen(vecs, badIdx), s.cfg.Dimensions)
					continue
				}
				ometrics.RecordEmbeddingMetrics(s.cfg.Model, "invalid_dimension", time.Since(start).Seconds())
				return nil, apperr.Newf(apperr.CodeInvalidDimension,
					"embedding %d has dimension %d, want %d", badIdx, vecLen(vecs, badIdx), s.cfg.Dimensions)
			}
			ometrics.RecordEmbeddingMetrics(s.cfg.Model, "ok", time.Since(start).Seconds())
			return vecs, nil
		}
		lastErr = err
		if !retryable {
			break
		}
	}

	ometrics.RecordEmbeddingMetrics(s.cfg.Model, "error", time.Since(start).Seconds())
	if ctx.Err() != nil {
		return nil, s.ctxError(ctx)
	}
	return nil, apperr.Wrap(apperr.CodeEmbeddingUnavailable, "embedding request failed", lastErr)
}

// postOnce issues a single POST. The bool reports whether the failure is
// worth retrying.
func (s *Service) postOnce(ctx context.Context, inputs []string) ([][]float32, bool, error) {
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, s.cfg.BaseURL)
	defer span.End()

	buf, err := json.Marshal(embedRequest{Inputs: inputs})
	if err != nil {
		return nil, false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.BaseURL, bytes.NewReader(buf))
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests:
		io.Copy(io.Discard, resp.Body)
		return nil, true, fmt.Errorf("embedding http status %d", resp.StatusCode)
	case resp.StatusCode == http.StatusRequestEntityTooLarge:
		io.Copy(io.Discard, resp.Body)
		return nil, false, fmt.Errorf("embedding payload too large (http %d)", resp.StatusCode)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, false, fmt.Errorf("embedding http status %d: %s", resp.StatusCode, string(body))
	}

	var vecs [][]float32
	if err := json.NewDecoder(resp.Body).Decode(&vecs); err != nil {
		return nil, false, fmt.Errorf("decode embedding response: %w", err)
	}
	if len(vecs) != len(inputs) {
		return nil, false, fmt.Errorf("embedding count mismatch: got %d for %d inputs", len(vecs), len(inputs))
	}
	return vecs, false, nil
}

func (s *Service) badDimension(vecs [][]float32, n int) int {
	for i := 0; i < n; i++ {
		if len(vecs[i]) != s.cfg.Dimensions {
			return i
		}
	}
	return -1
}

func vecLen(vecs [][]float32, i int) int {
	if i < len(vecs) {
		return len(vecs[i])
	}
	return 0
}

func (s *Service) store(ctx context.Context, key string, v []float32) {
	s.lru.Set(ctx, key, v, 30*time.Minute)
	if s.cache != nil {
		s.cache.Set(ctx, key, v, s.cfg.CacheTTL)
	}
}

func (s *Service) ctxError(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return apperr.Wrap(apperr.CodeEmbeddingTimeout, "embedding request timed out", ctx.Err())
	}
	return apperr.Wrap(apperr.CodeEmbeddingUnavailable, "embedding request canceled", ctx.Err())
}

// normalize scales v to unit L2 norm. Zero vectors pass through unchanged.
func normalize(v []float32) []float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	if sum == 0 {
		return v
	}
	norm := math.Sqrt(sum)
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = float32(float64(f) / norm)
	}
	return out
}
