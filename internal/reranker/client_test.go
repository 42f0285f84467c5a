package reranker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lodestone-ai/lodestone/internal/models"
)

// fakeReranker plays the cross-encoder service and records every batch it
// receives.
type fakeReranker struct {
	mu           sync.Mutex
	batches      []rerankRequest
	scoreFor     func(id string) float64
	status       int
	rawBody      string
	delay        time.Duration
	healthStatus int
	modelNames   []string
	srv          *httptest.Server
}

func newFakeReranker(t *testing.T) *fakeReranker {
	t.Helper()
	f := &fakeReranker{scoreFor: func(string) float64 { return 0.5 }}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if f.healthStatus == 0 {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(f.healthStatus)
	})
	mux.HandleFunc("/rerank/models", func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string][]string{"models": f.modelNames})
	})
	mux.HandleFunc("/rerank", func(w http.ResponseWriter, r *http.Request) {
		if f.delay > 0 {
			time.Sleep(f.delay)
		}
		var req rerankRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		f.mu.Lock()
		f.batches = append(f.batches, req)
		f.mu.Unlock()

		if f.status != 0 {
			http.Error(w, "oops", f.status)
			return
		}
		if f.rawBody != "" {
			w.Write([]byte(f.rawBody))
			return
		}
		var resp rerankResponse
		for _, c := range req.Candidates {
			resp.Scores = append(resp.Scores, f.scoreFor(c.ID))
		}
		json.NewEncoder(w).Encode(resp)
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeReranker) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func (f *fakeReranker) sentCandidates() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b.Candidates)
	}
	return n
}

func (f *fakeReranker) batch(i int) rerankRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.batches[i]
}

func newTestClient(f *fakeReranker, mutate func(*Config)) *Client {
	cfg := Config{
		Endpoint: f.srv.URL + "/rerank",
		Enabled:  true,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return New(cfg, zap.NewNop())
}

func fusedCandidates() []models.SearchResult {
	return []models.SearchResult{
		{ID: "c1", Score: 0.62, FusionScore: 0.62, Rank: 1, Content: "first candidate text"},
		{ID: "c2", Score: 0.58, FusionScore: 0.58, Rank: 2, Content: "second candidate text"},
		{ID: "c3", Score: 0.50, FusionScore: 0.50, Rank: 3, Content: "third candidate text"},
	}
}

func TestRerankReordersByScore(t *testing.T) {
	f := newFakeReranker(t)
	f.scoreFor = func(id string) float64 {
		return map[string]float64{"c1": 0.2, "c2": 0.95, "c3": 0.4}[id]
	}
	c := newTestClient(f, nil)

	out := c.Rerank(context.Background(), "test query", fusedCandidates())

	require.True(t, out.Applied)
	require.Len(t, out.Results, 3)
	assert.Equal(t, "c2", out.Results[0].ID)
	assert.Equal(t, "c3", out.Results[1].ID)
	assert.Equal(t, "c1", out.Results[2].ID)

	top := out.Results[0]
	assert.Equal(t, 0.95, top.Score)
	assert.Equal(t, 0.95, top.FusionScore)
	assert.Equal(t, 0.95, top.RerankerScore)
	assert.Equal(t, 0.58, top.OriginalScore, "fusion score survives as originalScore")
	assert.Equal(t, 1, top.Rank)
	assert.Equal(t, 3, out.Results[2].Rank)
	assert.Greater(t, out.Duration, time.Duration(0))
}

func TestRerankEqualScoresKeepFusionOrder(t *testing.T) {
	f := newFakeReranker(t)
	f.scoreFor = func(string) float64 { return 0.5 }
	c := newTestClient(f, nil)

	out := c.Rerank(context.Background(), "query", fusedCandidates())

	require.True(t, out.Applied)
	assert.Equal(t, "c1", out.Results[0].ID, "ties keep fusion order")
	assert.Equal(t, "c2", out.Results[1].ID)
	assert.Equal(t, "c3", out.Results[2].ID)
}

func TestRerankThresholdAndTopK(t *testing.T) {
	f := newFakeReranker(t)
	f.scoreFor = func(id string) float64 {
		return map[string]float64{"c1": 0.2, "c2": 0.95, "c3": 0.4}[id]
	}
	c := newTestClient(f, func(cfg *Config) {
		cfg.Threshold = 0.3
		cfg.TopNOut = 1
	})

	out := c.Rerank(context.Background(), "query", fusedCandidates())

	require.True(t, out.Applied)
	require.Len(t, out.Results, 1, "threshold drops c1, topK keeps only the best")
	assert.Equal(t, "c2", out.Results[0].ID)
	assert.Equal(t, 1, out.Results[0].Rank)
}

func TestRerankBatchesSequentially(t *testing.T) {
	f := newFakeReranker(t)
	var candidates []models.SearchResult
	for i := 0; i < 35; i++ {
		candidates = append(candidates, models.SearchResult{
			ID:      fmt.Sprintf("c%02d", i),
			Score:   1 - float64(i)/100,
			Content: fmt.Sprintf("candidate %d", i),
		})
	}
	c := newTestClient(f, func(cfg *Config) {
		cfg.TopNIn = 35
		cfg.TopNOut = 35
	})

	out := c.Rerank(context.Background(), "query", candidates)

	require.True(t, out.Applied)
	require.Equal(t, 3, f.calls(), "35 candidates at batch size 16 take three requests")
	assert.Len(t, f.batch(0).Candidates, 16)
	assert.Len(t, f.batch(1).Candidates, 16)
	assert.Len(t, f.batch(2).Candidates, 3)
}

func TestRerankSendsOnlyTopNIn(t *testing.T) {
	f := newFakeReranker(t)
	var candidates []models.SearchResult
	for i := 0; i < 25; i++ {
		candidates = append(candidates, models.SearchResult{
			ID:      fmt.Sprintf("c%02d", i),
			Content: "text",
		})
	}
	c := newTestClient(f, nil)

	out := c.Rerank(context.Background(), "query", candidates)

	require.True(t, out.Applied)
	assert.Equal(t, 20, f.sentCandidates(), "default topNIn caps the candidates sent")
	assert.Len(t, out.Results, 8, "default topNOut caps the candidates returned")
}

func TestRerankTruncatesQueryAndCandidateText(t *testing.T) {
	f := newFakeReranker(t)
	c := newTestClient(f, nil)

	candidates := []models.SearchResult{
		{ID: "long", Content: strings.Repeat("x", 4000)},
	}
	out := c.Rerank(context.Background(), strings.Repeat("q", 5000), candidates)

	require.True(t, out.Applied)
	require.Equal(t, 1, f.calls())
	assert.Len(t, f.batch(0).Query, maxQueryChars)
	assert.Len(t, f.batch(0).Candidates[0].Text, maxCandidateChars)
}

func TestRerankPassThroughOnHTTPFailure(t *testing.T) {
	f := newFakeReranker(t)
	f.status = http.StatusInternalServerError
	c := newTestClient(f, nil)

	candidates := fusedCandidates()
	out := c.Rerank(context.Background(), "query", candidates)

	assert.False(t, out.Applied)
	assert.Equal(t, candidates, out.Results, "pass-through must preserve fusion order and scores")
	assert.Greater(t, out.Duration, time.Duration(0))
}

func TestRerankPassThroughOnMalformedResponse(t *testing.T) {
	f := newFakeReranker(t)
	f.rawBody = `{"scores": not json`
	c := newTestClient(f, nil)

	candidates := fusedCandidates()
	out := c.Rerank(context.Background(), "query", candidates)

	assert.False(t, out.Applied)
	assert.Equal(t, candidates, out.Results)
}

func TestRerankPassThroughOnLengthMismatch(t *testing.T) {
	f := newFakeReranker(t)
	f.rawBody = `{"scores":[0.9]}`
	c := newTestClient(f, nil)

	candidates := fusedCandidates()
	out := c.Rerank(context.Background(), "query", candidates)

	assert.False(t, out.Applied)
	assert.Equal(t, candidates, out.Results)
}

func TestRerankPassThroughOnTimeout(t *testing.T) {
	f := newFakeReranker(t)
	f.delay = 80 * time.Millisecond
	c := newTestClient(f, func(cfg *Config) {
		cfg.Timeout = 15 * time.Millisecond
	})

	candidates := fusedCandidates()
	out := c.Rerank(context.Background(), "query", candidates)

	assert.False(t, out.Applied)
	assert.Equal(t, candidates, out.Results)
	assert.Greater(t, out.Duration, time.Duration(0), "duration still reflects the time spent")
}

func TestRerankDisabledNeverCallsService(t *testing.T) {
	f := newFakeReranker(t)
	c := newTestClient(f, func(cfg *Config) {
		cfg.Enabled = false
	})

	candidates := fusedCandidates()
	out := c.Rerank(context.Background(), "query", candidates)

	assert.False(t, out.Applied)
	assert.Equal(t, candidates, out.Results)
	assert.Zero(t, f.calls())
}

func TestRerankEmptyCandidates(t *testing.T) {
	f := newFakeReranker(t)
	c := newTestClient(f, nil)

	out := c.Rerank(context.Background(), "query", nil)

	assert.False(t, out.Applied)
	assert.Empty(t, out.Results)
	assert.Zero(t, f.calls())
}

func TestRerankNilClientPassesThrough(t *testing.T) {
	var c *Client

	candidates := fusedCandidates()
	out := c.Rerank(context.Background(), "query", candidates)

	assert.False(t, out.Applied)
	assert.Equal(t, candidates, out.Results)
}

func TestIsHealthy(t *testing.T) {
	t.Run("health endpoint ok", func(t *testing.T) {
		f := newFakeReranker(t)
		f.healthStatus = http.StatusOK
		c := newTestClient(f, nil)
		assert.True(t, c.IsHealthy(context.Background()))
	})

	t.Run("no health endpoint, probe succeeds", func(t *testing.T) {
		f := newFakeReranker(t)
		c := newTestClient(f, nil)
		assert.True(t, c.IsHealthy(context.Background()), "one-document probe should cover a missing health route")
	})

	t.Run("service down", func(t *testing.T) {
		f := newFakeReranker(t)
		f.healthStatus = http.StatusServiceUnavailable
		f.status = http.StatusServiceUnavailable
		c := newTestClient(f, nil)
		assert.False(t, c.IsHealthy(context.Background()))
	})
}

func TestModelsListsServiceModels(t *testing.T) {
	f := newFakeReranker(t)
	f.modelNames = []string{"bge-reranker-v2-m3", "jina-reranker-v1"}
	c := newTestClient(f, nil)

	names, err := c.Models(context.Background())

	require.NoError(t, err)
	assert.Equal(t, []string{"bge-reranker-v2-m3", "jina-reranker-v1"}, names)
}
