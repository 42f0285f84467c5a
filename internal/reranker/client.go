// Package reranker calls the cross-encoder scoring service. Reranking is
// strictly best-effort: any failure returns the candidates unchanged in
// fusion order so that retrieval quality degrades instead of the request.
package reranker

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/lodestone-ai/lodestone/internal/apperr"
	"github.com/lodestone-ai/lodestone/internal/circuitbreaker"
	ometrics "github.com/lodestone-ai/lodestone/internal/metrics"
	"github.com/lodestone-ai/lodestone/internal/models"
	"github.com/lodestone-ai/lodestone/internal/tracing"
)

// Cross-encoder input caps, applied by prefix truncation. The model tokenizes
// server-side; the character caps approximate 300 and 512 tokens.
const (
	maxQueryChars     = 1200
	maxCandidateChars = 2048

	healthProbeTimeout = 3 * time.Second
)

// Config drives the reranker client. Endpoint is the full rerank URL; health
// and model listing derive from its origin.
type Config struct {
	Endpoint  string        `yaml:"endpoint" json:"endpoint"`
	Enabled   bool          `yaml:"enabled" json:"enabled"`
	Model     string        `yaml:"model" json:"model"`
	BatchSize int           `yaml:"batch_size" json:"batchSize"`
	Timeout   time.Duration `yaml:"timeout" json:"timeout"`
	TopNIn    int           `yaml:"top_n_in" json:"topNIn"`
	TopNOut   int           `yaml:"top_n_out" json:"topNOut"`
	Threshold float64       `yaml:"threshold" json:"threshold"`
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 16
	}
	if c.Timeout <= 0 {
		c.Timeout = 500 * time.Millisecond
	}
	if c.TopNIn <= 0 {
		c.TopNIn = 20
	}
	if c.TopNOut <= 0 {
		c.TopNOut = 8
	}
	return c
}

// Outcome is the result of one rerank attempt. Applied is false on every
// pass-through path; Duration covers the attempt either way. Scored counts
// the candidates actually sent to the model.
type Outcome struct {
	Results  []models.SearchResult
	Applied  bool
	Scored   int
	Duration time.Duration
}

// Client is the cross-encoder HTTP client.
type Client struct {
	cfg    Config
	http   *circuitbreaker.HTTPWrapper
	logger *zap.Logger
}

// New builds a client. The per-batch timeout lives on the HTTP client so a
// slow model server cannot hold the pipeline past its budget.
func New(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	hc := &http.Client{Timeout: cfg.Timeout}
	return &Client{
		cfg:    cfg,
		http:   circuitbreaker.NewHTTPWrapper(hc, "reranker-http", "reranker", logger),
		logger: logger,
	}
}

// Enabled reports whether reranking is configured to run.
func (c *Client) Enabled() bool {
	return c != nil && c.cfg.Enabled && c.cfg.Endpoint != ""
}

// Rerank scores the top fusion candidates and reorders them. On any failure
// the original list is returned untouched with Applied=false.
func (c *Client) Rerank(ctx context.Context, query string, candidates []models.SearchResult) Outcome {
	start := time.Now()
	if len(candidates) == 0 {
		return Outcome{Results: candidates, Duration: time.Since(start)}
	}
	if !c.Enabled() {
		ometrics.RerankerFallbacks.WithLabelValues("disabled").Inc()
		return Outcome{Results: candidates, Duration: time.Since(start)}
	}

	in := candidates
	if len(in) > c.cfg.TopNIn {
		in = in[:c.cfg.TopNIn]
	}

	scores, reason, err := c.scoreAll(ctx, truncateRunes(query, maxQueryChars), in)
	if err != nil {
		ometrics.RerankerFallbacks.WithLabelValues(reason).Inc()
		c.logger.Warn("Reranker pass-through",
			zap.String("reason", reason),
			zap.Int("candidates", len(in)),
			zap.Error(err))
		return Outcome{Results: candidates, Duration: time.Since(start)}
	}

	out := make([]models.SearchResult, 0, len(in))
	for i := range in {
		if scores[i] < c.cfg.Threshold {
			continue
		}
		r := in[i].Clone()
		r.OriginalScore = in[i].Score
		r.RerankerScore = scores[i]
		r.Score = scores[i]
		r.FusionScore = scores[i]
		out = append(out, r)
	}
	// Stable sort keeps fusion order for equal reranker scores.
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Score > out[j].Score
	})
	if len(out) > c.cfg.TopNOut {
		out = out[:c.cfg.TopNOut]
	}
	for i := range out {
		out[i].Rank = i + 1
	}
	return Outcome{Results: out, Applied: true, Scored: len(in), Duration: time.Since(start)}
}

// scoreAll issues sequential batch requests and concatenates the scores. The
// reason accompanies any error for the fallback metric.
func (c *Client) scoreAll(ctx context.Context, query string, candidates []models.SearchResult) ([]float64, string, error) {
	scores := make([]float64, 0, len(candidates))
	for lo := 0; lo < len(candidates); lo += c.cfg.BatchSize {
		hi := lo + c.cfg.BatchSize
		if hi > len(candidates) {
			hi = len(candidates)
		}
		batchScores, reason, err := c.scoreBatch(ctx, query, candidates[lo:hi])
		if err != nil {
			return nil, reason, err
		}
		scores = append(scores, batchScores...)
	}
	return scores, "", nil
}

type rerankCandidate struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

type rerankRequest struct {
	Query      string            `json:"query"`
	Candidates []rerankCandidate `json:"candidates"`
}

type rerankResponse struct {
	Scores []float64 `json:"scores"`
}

func (c *Client) scoreBatch(ctx context.Context, query string, batch []models.SearchResult) ([]float64, string, error) {
	body := rerankRequest{Query: query, Candidates: make([]rerankCandidate, len(batch))}
	for i := range batch {
		body.Candidates[i] = rerankCandidate{
			ID:   batch[i].ID,
			Text: truncateRunes(batch[i].Content, maxCandidateChars),
		}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, "encode", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, "request", err
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	resp, err := c.http.Do(req)
	if err != nil {
		ometrics.RerankerRequests.WithLabelValues("error").Inc()
		if ctx.Err() != nil || isTimeout(err) {
			return nil, "timeout", apperr.Wrap(apperr.CodeRerankerFailure, "reranker request timed out", err)
		}
		return nil, "http_error", apperr.Wrap(apperr.CodeRerankerFailure, "reranker request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		ometrics.RerankerRequests.WithLabelValues("error").Inc()
		return nil, "http_error", apperr.Newf(apperr.CodeRerankerFailure, "reranker returned status %d", resp.StatusCode)
	}

	var decoded rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		ometrics.RerankerRequests.WithLabelValues("error").Inc()
		return nil, "malformed", apperr.Wrap(apperr.CodeRerankerFailure, "malformed reranker response", err)
	}
	if len(decoded.Scores) != len(batch) {
		ometrics.RerankerRequests.WithLabelValues("error").Inc()
		return nil, "length_mismatch", apperr.Newf(apperr.CodeRerankerFailure,
			"reranker returned %d scores for %d candidates", len(decoded.Scores), len(batch))
	}

	ometrics.RerankerRequests.WithLabelValues("ok").Inc()
	return decoded.Scores, "", nil
}

// IsHealthy probes the dedicated health endpoint, falling back to a
// one-document rerank when the endpoint is absent.
func (c *Client) IsHealthy(ctx context.Context) bool {
	if c == nil || c.cfg.Endpoint == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()

	if req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL()+"/health", nil); err == nil {
		if resp, err := c.http.Do(req); err == nil {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return true
			}
		}
	}

	// No usable health endpoint; a one-document rerank settles it.
	probe := []models.SearchResult{{ID: "health-probe", Content: "health probe"}}
	_, _, err := c.scoreAll(ctx, "health probe", probe)
	return err == nil
}

// Models lists the model names the reranker service exposes.
func (c *Client) Models(ctx context.Context) ([]string, error) {
	if c == nil || c.cfg.Endpoint == "" {
		return nil, apperr.New(apperr.CodeRerankerFailure, "reranker not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL()+"/rerank/models", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeRerankerFailure, "reranker models request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, apperr.Newf(apperr.CodeRerankerFailure, "reranker models returned status %d", resp.StatusCode)
	}
	var decoded struct {
		Models []string `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, apperr.Wrap(apperr.CodeRerankerFailure, "malformed models response", err)
	}
	return decoded.Models, nil
}

func (c *Client) baseURL() string {
	u, err := url.Parse(c.cfg.Endpoint)
	if err != nil {
		return c.cfg.Endpoint
	}
	u.Path = ""
	u.RawQuery = ""
	return u.String()
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	for e := err; e != nil; {
		if t, ok := e.(timeouter); ok && t.Timeout() {
			return true
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	return false
}

func truncateRunes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
