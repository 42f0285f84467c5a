// Package vectordb is a minimal Qdrant HTTP client covering the three
// operations retrieval needs: vector query, filtered scroll, and upsert for
// ingestion tooling. Queries prefer the modern /points/query endpoint and
// fall back to /points/search for older deployments.
package vectordb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/lodestone-ai/lodestone/internal/circuitbreaker"
	ometrics "github.com/lodestone-ai/lodestone/internal/metrics"
	"github.com/lodestone-ai/lodestone/internal/tracing"
)

// Client is a Qdrant HTTP client with circuit breaking and tracing.
type Client struct {
	cfg  Config
	base string
	http *circuitbreaker.HTTPWrapper
	log  *zap.Logger
}

var global *Client

// Initialize builds the shared client.
func Initialize(cfg Config, logger *zap.Logger) {
	global = New(cfg, logger)
}

func Get() *Client { return global }

// New builds a standalone client (tests wire this directly).
func New(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Port == 0 {
		cfg.Port = 6333
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.TopK == 0 {
		cfg.TopK = 12
	}
	if cfg.Collection == "" {
		cfg.Collection = "chunks"
	}
	httpClient := &http.Client{Timeout: cfg.Timeout}
	return &Client{
		cfg:  cfg,
		base: fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port),
		http: circuitbreaker.NewHTTPWrapper(httpClient, "qdrant", "vectordb", logger),
		log:  logger,
	}
}

// Collection returns the default collection name.
func (c *Client) Collection() string {
	if c == nil {
		return "chunks"
	}
	return c.cfg.Collection
}

type queryRequest struct {
	Query          []float32 `json:"query"`
	Limit          int       `json:"limit"`
	ScoreThreshold *float64  `json:"score_threshold,omitempty"`
	WithPayload    bool      `json:"with_payload"`
	WithVector     bool      `json:"with_vector,omitempty"`
	Filter         *Filter   `json:"filter,omitempty"`
}

type legacySearchRequest struct {
	Vector         []float32 `json:"vector"`
	Limit          int       `json:"limit"`
	ScoreThreshold *float64  `json:"score_threshold,omitempty"`
	WithPayload    bool      `json:"with_payload"`
	WithVector     bool      `json:"with_vector,omitempty"`
	Filter         *Filter   `json:"filter,omitempty"`
}

type rawPoint struct {
	ID      interface{}            `json:"id"`
	Score   float64                `json:"score"`
	Payload map[string]interface{} `json:"payload"`
	Vector  []float64              `json:"vector,omitempty"`
}

// queryResponse is the nested /points/query shape.
type queryResponse struct {
	Result struct {
		Points []rawPoint `json:"points"`
	} `json:"result"`
	Status string `json:"status"`
}

// searchResponse is the flat legacy /points/search shape.
type searchResponse struct {
	Result []rawPoint `json:"result"`
	Status string     `json:"status"`
}

type scrollRequest struct {
	Filter      *Filter `json:"filter,omitempty"`
	Limit       int     `json:"limit"`
	WithPayload bool    `json:"with_payload"`
	WithVector  bool    `json:"with_vector,omitempty"`
	Offset      string  `json:"offset,omitempty"`
}

type scrollResponse struct {
	Result struct {
		Points         []rawPoint  `json:"points"`
		NextPageOffset interface{} `json:"next_page_offset"`
	} `json:"result"`
	Status string `json:"status"`
}

// Search runs one vector query against a collection.
func (c *Client) Search(ctx context.Context, collection string, params SearchParams) ([]Point, error) {
	if c == nil {
		return nil, fmt.Errorf("vectordb: client not initialized")
	}
	if collection == "" {
		collection = c.cfg.Collection
	}
	if params.Limit <= 0 {
		params.Limit = c.cfg.TopK
	}
	start := time.Now()

	urlQuery := fmt.Sprintf("%s/collections/%s/points/query", c.base, collection)
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, urlQuery)
	defer span.End()

	var thr *float64
	if params.Threshold > 0 {
		thr = &params.Threshold
	}
	withVec := params.WithVector || c.cfg.WithVectors

	buf, _ := json.Marshal(queryRequest{
		Query:          params.Vector,
		Limit:          params.Limit,
		ScoreThreshold: thr,
		WithPayload:    true,
		WithVector:     withVec,
		Filter:         params.Filter,
	})

	resp, err := c.post(ctx, urlQuery, buf)
	if err != nil {
		ometrics.RecordVectorSearchMetrics(collection, "error", time.Since(start).Seconds())
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		points, ferr := c.legacySearch(ctx, collection, params, thr, withVec)
		if ferr != nil {
			ometrics.RecordVectorSearchMetrics(collection, "error", time.Since(start).Seconds())
			return nil, ferr
		}
		ometrics.RecordVectorSearchMetrics(collection, "ok", time.Since(start).Seconds())
		return points, nil
	}

	var qr queryResponse
	if err := json.NewDecoder(resp.Body).Decode(&qr); err != nil {
		ometrics.RecordVectorSearchMetrics(collection, "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("decode query response: %w", err)
	}
	ometrics.RecordVectorSearchMetrics(collection, "ok", time.Since(start).Seconds())
	return convertPoints(qr.Result.Points), nil
}

func (c *Client) legacySearch(ctx context.Context, collection string, params SearchParams, thr *float64, withVec bool) ([]Point, error) {
	url := fmt.Sprintf("%s/collections/%s/points/search", c.base, collection)
	buf, _ := json.Marshal(legacySearchRequest{
		Vector:         params.Vector,
		Limit:          params.Limit,
		ScoreThreshold: thr,
		WithPayload:    true,
		WithVector:     withVec,
		Filter:         params.Filter,
	})
	resp, err := c.post(ctx, url, buf)
	if err != nil {
		return nil, fmt.Errorf("query and search both failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("vector store status %d", resp.StatusCode)
	}
	var sr searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	return convertPoints(sr.Result), nil
}

// Scroll pages through points matching a filter without scoring them.
func (c *Client) Scroll(ctx context.Context, collection string, params ScrollParams) (*ScrollResult, error) {
	if c == nil {
		return nil, fmt.Errorf("vectordb: client not initialized")
	}
	if collection == "" {
		collection = c.cfg.Collection
	}
	if params.Limit <= 0 {
		params.Limit = 100
	}

	url := fmt.Sprintf("%s/collections/%s/points/scroll", c.base, collection)
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
	defer span.End()

	buf, _ := json.Marshal(scrollRequest{
		Filter:      params.Filter,
		Limit:       params.Limit,
		WithPayload: params.WithPayload,
		WithVector:  params.WithVector,
		Offset:      params.Offset,
	})
	resp, err := c.post(ctx, url, buf)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("vector store scroll status %d", resp.StatusCode)
	}
	var sr scrollResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("decode scroll response: %w", err)
	}
	out := &ScrollResult{Points: convertPoints(sr.Result.Points)}
	if sr.Result.NextPageOffset != nil {
		out.NextOffset = fmt.Sprintf("%v", sr.Result.NextPageOffset)
	}
	return out, nil
}

// Upsert inserts or updates points; ingestion tooling and test fixtures use
// this, the retrieval path never writes.
func (c *Client) Upsert(ctx context.Context, collection string, items []UpsertItem) error {
	if c == nil {
		return fmt.Errorf("vectordb: client not initialized")
	}
	if collection == "" {
		collection = c.cfg.Collection
	}
	url := fmt.Sprintf("%s/collections/%s/points?wait=true", c.base, collection)
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPut, url)
	defer span.End()

	buf, _ := json.Marshal(map[string]interface{}{"points": items})
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("vector store upsert status %d", resp.StatusCode)
	}
	return nil
}

// Healthy reports whether the store answers its health route.
func (c *Client) Healthy(ctx context.Context) error {
	if c == nil {
		return fmt.Errorf("vectordb: client not initialized")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("vector store health status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) post(ctx context.Context, url string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)
	return c.http.Do(req)
}

func convertPoints(raw []rawPoint) []Point {
	points := make([]Point, 0, len(raw))
	for _, rp := range raw {
		p := Point{
			Score:   rp.Score,
			Payload: rp.Payload,
		}
		if rp.ID != nil {
			p.ID = fmt.Sprintf("%v", rp.ID)
		}
		if len(rp.Vector) > 0 {
			p.Vector = make([]float32, len(rp.Vector))
			for i, f := range rp.Vector {
				p.Vector[i] = float32(f)
			}
		}
		points = append(points, p)
	}
	return points
}
