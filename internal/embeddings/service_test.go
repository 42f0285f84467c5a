package embeddings

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lodestone-ai/lodestone/internal/apperr"
	"github.com/lodestone-ai/lodestone/internal/chunking"
)

const testDims = 4

// embedServer is a fake inference endpoint. respond decides status and
// vectors per call; calls and bodies record everything received.
type embedServer struct {
	mu      sync.Mutex
	calls   int
	inputs  [][]string
	respond func(call int, inputs []string) (int, [][]float32)
}

func (f *embedServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		var req embedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.calls++
		call := f.calls
		f.inputs = append(f.inputs, req.Inputs)
		f.mu.Unlock()

		status, vecs := f.respond(call, req.Inputs)
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(vecs)
	})
	return mux
}

func (f *embedServer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// unitVectors returns one distinct axis-aligned vector per input.
func unitVectors(inputs []string) [][]float32 {
	out := make([][]float32, len(inputs))
	for i := range inputs {
		v := make([]float32, testDims)
		v[i%testDims] = 1
		out[i] = v
	}
	return out
}

func newTestService(t *testing.T, baseURL string, mutate func(*Config)) *Service {
	t.Helper()
	cfg := Config{
		BaseURL:        baseURL,
		Model:          "test-model",
		Dimensions:     testDims,
		Timeout:        2 * time.Second,
		RetryBaseDelay: time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	svc, err := New(cfg, nil)
	require.NoError(t, err)
	return svc
}

func l2Norm(v []float32) float64 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return math.Sqrt(sum)
}

func TestUninitializedService(t *testing.T) {
	var s *Service
	_, err := s.Embed(context.Background(), "hello")
	require.Error(t, err)
	assert.Equal(t, apperr.CodeEmbeddingUnavailable, apperr.CodeOf(err))
}

func TestEmbedNormalizesVector(t *testing.T) {
	fake := &embedServer{respond: func(_ int, _ []string) (int, [][]float32) {
		return http.StatusOK, [][]float32{{3, 4, 0, 0}}
	}}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	svc := newTestService(t, srv.URL, nil)
	v, err := svc.Embed(context.Background(), "hello world")
	require.NoError(t, err)

	require.Len(t, v, testDims)
	assert.InDelta(t, 1.0, l2Norm(v), 1e-5, "vectors are L2-normalized on receipt")
	assert.InDelta(t, 0.6, float64(v[0]), 1e-6)
	assert.InDelta(t, 0.8, float64(v[1]), 1e-6)
}

func TestEmbedRetriesOn429(t *testing.T) {
	fake := &embedServer{respond: func(call int, inputs []string) (int, [][]float32) {
		if call < 3 {
			return http.StatusTooManyRequests, nil
		}
		return http.StatusOK, unitVectors(inputs)
	}}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	svc := newTestService(t, srv.URL, nil)
	_, err := svc.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, 3, fake.callCount(), "two 429s then success")
}

func TestEmbedDoesNotRetry413(t *testing.T) {
	fake := &embedServer{respond: func(_ int, _ []string) (int, [][]float32) {
		return http.StatusRequestEntityTooLarge, nil
	}}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	svc := newTestService(t, srv.URL, nil)
	_, err := svc.Embed(context.Background(), "hello")
	require.Error(t, err)
	assert.Equal(t, apperr.CodeEmbeddingUnavailable, apperr.CodeOf(err))
	assert.Equal(t, 1, fake.callCount(), "413 must fail immediately")
}

func TestEmbedInvalidDimensionRetriedOnce(t *testing.T) {
	fake := &embedServer{respond: func(_ int, _ []string) (int, [][]float32) {
		return http.StatusOK, [][]float32{{1, 0, 0}} // three dims, want four
	}}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	svc := newTestService(t, srv.URL, nil)
	_, err := svc.Embed(context.Background(), "hello")
	require.Error(t, err)
	assert.Equal(t, apperr.CodeInvalidDimension, apperr.CodeOf(err))
	assert.Equal(t, 2, fake.callCount(), "dimension mismatch is retried exactly once")
}

func TestEmbedServesRepeatsFromCache(t *testing.T) {
	fake := &embedServer{respond: func(_ int, inputs []string) (int, [][]float32) {
		return http.StatusOK, unitVectors(inputs)
	}}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	svc := newTestService(t, srv.URL, nil)
	ctx := context.Background()

	first, err := svc.Embed(ctx, "hello")
	require.NoError(t, err)
	second, err := svc.Embed(ctx, "hello")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, fake.callCount(), "second call must hit the LRU")
}

func TestEmbedBatchRequestsOnlyUncached(t *testing.T) {
	fake := &embedServer{respond: func(_ int, inputs []string) (int, [][]float32) {
		return http.StatusOK, unitVectors(inputs)
	}}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	svc := newTestService(t, srv.URL, nil)
	ctx := context.Background()

	_, err := svc.Embed(ctx, "alpha")
	require.NoError(t, err)

	vecs, err := svc.EmbedBatch(ctx, []string{"alpha", "bravo", "charlie"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	for i, v := range vecs {
		assert.Len(t, v, testDims, "vector %d", i)
		assert.InDelta(t, 1.0, l2Norm(v), 1e-5, "vector %d", i)
	}

	require.Equal(t, 2, fake.callCount())
	assert.Equal(t, []string{"bravo", "charlie"}, fake.inputs[1],
		"cached texts must not be re-requested")
}

func TestEmbedBatchEmptyInput(t *testing.T) {
	svc := newTestService(t, "http://unused.invalid", nil)
	vecs, err := svc.EmbedBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, vecs)
}

func TestEmbedLongTextAveragesChunks(t *testing.T) {
	fake := &embedServer{respond: func(_ int, inputs []string) (int, [][]float32) {
		return http.StatusOK, unitVectors(inputs)
	}}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	svc := newTestService(t, srv.URL, func(cfg *Config) {
		cfg.Chunking.Counter = chunking.CounterConfig{Flavor: chunking.CounterOpenAI, MaxTokens: 20}
	})

	// 25 tokens under the heuristic, safe limit is 18: the text must be
	// split, embedded per chunk, averaged, and renormalized.
	text := "The quick brown fox jumps over the lazy dog. " +
		"Pack my box with five dozen liquor jugs today."
	v, err := svc.Embed(context.Background(), text)
	require.NoError(t, err)

	require.Len(t, v, testDims)
	assert.InDelta(t, 1.0, l2Norm(v), 1e-5, "averaged vector must be renormalized")
	require.Len(t, fake.inputs, 1)
	assert.Greater(t, len(fake.inputs[0]), 1, "overlong text must be embedded in pieces")
}

func TestEmbedEmptyTextFails(t *testing.T) {
	svc := newTestService(t, "http://unused.invalid", nil)
	_, err := svc.Embed(context.Background(), "   ")
	require.Error(t, err)
}

func TestHealthCheck(t *testing.T) {
	t.Run("healthy endpoint", func(t *testing.T) {
		fake := &embedServer{respond: func(_ int, inputs []string) (int, [][]float32) {
			return http.StatusOK, unitVectors(inputs)
		}}
		srv := httptest.NewServer(fake.handler())
		defer srv.Close()

		svc := newTestService(t, srv.URL, nil)
		assert.NoError(t, svc.HealthCheck(context.Background()))
	})

	t.Run("unhealthy endpoint", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		svc := newTestService(t, srv.URL, nil)
		assert.Error(t, svc.HealthCheck(context.Background()))
	})
}
