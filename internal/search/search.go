// Package search drives the retrieval pipeline end-to-end: embed, fan out to
// the vector and keyword channels, fuse, dedupe, rerank, reconstruct
// sections, pack to the token budget, and gate the packed context through the
// answerability guardrail. Tenant policy decides weights, timeouts, and which
// optional stages run.
package search

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lodestone-ai/lodestone/internal/apperr"
	"github.com/lodestone-ai/lodestone/internal/audit"
	"github.com/lodestone-ai/lodestone/internal/auth"
	"github.com/lodestone-ai/lodestone/internal/chunking"
	"github.com/lodestone-ai/lodestone/internal/config"
	"github.com/lodestone-ai/lodestone/internal/corpusstats"
	"github.com/lodestone-ai/lodestone/internal/fusion"
	"github.com/lodestone-ai/lodestone/internal/guardrail"
	"github.com/lodestone-ai/lodestone/internal/keyword"
	ometrics "github.com/lodestone-ai/lodestone/internal/metrics"
	"github.com/lodestone-ai/lodestone/internal/models"
	"github.com/lodestone-ai/lodestone/internal/packer"
	"github.com/lodestone-ai/lodestone/internal/reranker"
	"github.com/lodestone-ai/lodestone/internal/section"
	"github.com/lodestone-ai/lodestone/internal/tracing"
	"github.com/lodestone-ai/lodestone/internal/vectordb"
)

// Request outcome labels on the search_requests metric.
const (
	statusOK           = "ok"
	statusBlocked      = "blocked"
	statusCached       = "cached"
	statusUnauthorized = "unauthorized"
	statusTimeout      = "timeout"
	statusError        = "error"
)

// Embedder turns the query into its dense vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// VectorSearcher is the dense retrieval channel.
type VectorSearcher interface {
	Search(ctx context.Context, collection string, params vectordb.SearchParams) ([]vectordb.Point, error)
}

// KeywordSearcher is the lexical retrieval channel.
type KeywordSearcher interface {
	Search(ctx context.Context, p keyword.Params) ([]models.SearchResult, error)
}

// Reranker reorders fused candidates; every failure inside is a pass-through.
type Reranker interface {
	Enabled() bool
	Rerank(ctx context.Context, query string, candidates []models.SearchResult) reranker.Outcome
}

// SectionEnricher reconstructs fragmented table and list sections.
type SectionEnricher interface {
	Process(ctx context.Context, results []models.SearchResult, p section.Params) []models.SearchResult
}

// Auditor persists guardrail decisions and terminal errors.
type Auditor interface {
	Submit(rec audit.Record) bool
	SubmitError(query, tenantID, callerID string, evalErr error) bool
}

// TenantConfigs resolves per-tenant retrieval and guardrail policy.
type TenantConfigs interface {
	Get(tenantID string) config.TenantConfig
}

// StatsProvider yields per-tenant corpus statistics. A lookup error degrades
// to neutral term importance, never a failed query.
type StatsProvider interface {
	Get(tenantID string) (*corpusstats.Stats, error)
}

// AliasProvider expands a phrase into its alias cluster for domainless
// synonym groups.
type AliasProvider interface {
	Resolve(ctx context.Context, tenantID, phrase string) corpusstats.Cluster
}

// Config is the orchestrator's process-level tuning. Per-tenant knobs come
// from the TenantConfigs dependency at query time.
type Config struct {
	// Collection is used when the caller names none.
	Collection string
	Flags      config.FeatureFlags
	// MinQuality is the packer's floor when MMR selection runs.
	MinQuality float64
	// PerDocCap and PerSectionCap override the packer defaults when >0.
	PerDocCap     int
	PerSectionCap int
}

// Deps are the orchestrator's collaborators. Tenants, Embedder, and Vector
// are required; the rest degrade to disabled stages when nil.
type Deps struct {
	Tenants  TenantConfigs
	Embedder Embedder
	Vector   VectorSearcher
	Keyword  KeywordSearcher
	Reranker Reranker
	Sections SectionEnricher
	Stats    StatsProvider
	Aliases  AliasProvider
	Audit    Auditor
	Cache    *QueryCache
	Counter  chunking.Counter
}

// Response is the orchestrator's reply envelope. FinalResults is empty when
// the guardrail blocks; IDK then carries the structured refusal.
type Response struct {
	FinalResults    []models.SearchResult  `json:"finalResults"`
	Metrics         models.SearchMetrics   `json:"metrics"`
	RerankerResults []models.SearchResult  `json:"rerankerResults,omitempty"`
	FusionTrace     *models.FusionTrace    `json:"fusionTrace,omitempty"`
	Answerable      bool                   `json:"answerable"`
	IDK             *guardrail.IDKResponse `json:"idkResponse,omitempty"`
	Guardrail       *guardrail.Decision    `json:"guardrail,omitempty"`
	TotalTokens     int                    `json:"totalTokens,omitempty"`
	Cached          bool                   `json:"cached,omitempty"`
}

// Orchestrator runs the pipeline for one process. Safe for concurrent use.
type Orchestrator struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
}

// New builds an orchestrator. The embedder, vector channel, and tenant
// config source are mandatory; everything else is optional.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Orchestrator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Tenants == nil {
		return nil, apperr.New(apperr.CodeInvalidConfiguration, "tenant config source is required")
	}
	if deps.Embedder == nil {
		return nil, apperr.New(apperr.CodeInvalidConfiguration, "embedder is required")
	}
	if deps.Vector == nil {
		return nil, apperr.New(apperr.CodeInvalidConfiguration, "vector channel is required")
	}
	if deps.Counter == nil {
		deps.Counter, _ = chunking.NewCounter(chunking.CounterConfig{})
	}
	return &Orchestrator{cfg: cfg, deps: deps, logger: logger}, nil
}

// Search runs one query through the full pipeline. Fatal errors carry typed
// codes (unauthorized, embedding-timeout, embedding-unavailable,
// overall-timeout); channel failures degrade to partial results instead.
func (o *Orchestrator) Search(ctx context.Context, collection string, req models.SearchRequest, user *auth.UserContext) (*Response, error) {
	start := time.Now()
	ctx, span := tracing.StartSpan(ctx, "search.pipeline")
	defer span.End()

	if err := user.Validate(); err != nil {
		ometrics.SearchRequests.WithLabelValues("unknown", statusUnauthorized).Inc()
		return nil, err
	}
	if req.TenantID != "" && req.TenantID != user.TenantID {
		ometrics.SearchRequests.WithLabelValues(user.TenantID, statusUnauthorized).Inc()
		return nil, apperr.Newf(apperr.CodeUnauthorized, "caller tenant %q cannot query tenant %q", user.TenantID, req.TenantID)
	}

	tenantID := user.TenantID
	tcfg := o.deps.Tenants.Get(tenantID)
	flags := o.cfg.Flags
	timeouts := tcfg.Search.Timeouts

	if collection == "" {
		collection = o.cfg.Collection
	}
	limit := req.Limit
	if limit <= 0 {
		limit = tcfg.Search.RetrievalK
	}
	principals := user.AccessPrincipals()

	ctx, cancel := context.WithTimeout(ctx, timeouts.Overall())
	defer cancel()

	query := strings.TrimSpace(req.Query)
	if query == "" {
		// Nothing to retrieve; let the guardrail shape the refusal.
		return o.finish(ctx, emptyPipeline(), req, user, tcfg, start)
	}

	// Fusion knobs resolve before the cache key so equivalent requests
	// share entries.
	vw, kw := tcfg.Search.VectorWeight, tcfg.Search.KeywordWeight
	if req.VectorWeight != nil {
		vw = *req.VectorWeight
	}
	if req.KeywordWeight != nil {
		kw = *req.KeywordWeight
	}
	rrfK := tcfg.Search.RRFK
	if req.RRFK != nil {
		rrfK = *req.RRFK
	}
	keywordOn := tcfg.Search.KeywordSearchEnabled && o.deps.Keyword != nil
	if req.EnableKeywordSearch != nil {
		keywordOn = keywordOn && *req.EnableKeywordSearch
	}

	cacheKey := ""
	if o.deps.Cache != nil {
		cacheKey = CacheKey(KeyParts{
			Collection:    collection,
			Query:         query,
			Limit:         limit,
			VectorWeight:  vw,
			KeywordWeight: kw,
			RRFK:          rrfK,
			TenantID:      tenantID,
			Principals:    principals,
			SpaceIDs:      req.SpaceIDs,
		})
		if resp, ok := o.deps.Cache.Get(ctx, cacheKey); ok {
			resp.Cached = true
			ometrics.SearchRequests.WithLabelValues(tenantID, statusCached).Inc()
			return resp, nil
		}
	}

	var stats *corpusstats.Stats
	if o.deps.Stats != nil {
		if s, err := o.deps.Stats.Get(tenantID); err == nil {
			stats = s
		} else {
			o.logger.Debug("Corpus stats unavailable",
				zap.String("tenant_id", tenantID),
				zap.Error(err))
		}
	}

	queryVec, err := o.embedQuery(ctx, query, timeouts.Embedding())
	if err != nil {
		return nil, o.fail(req, user, err)
	}

	pipe, err := o.retrieve(ctx, retrieveParams{
		collection: collection,
		query:      query,
		queryVec:   queryVec,
		limit:      max(limit, tcfg.Search.RetrievalK),
		tenantID:   tenantID,
		principals: principals,
		spaceIDs:   req.SpaceIDs,
		keywordOn:  keywordOn,
		timeouts:   timeouts,
	})
	if err != nil {
		return nil, o.fail(req, user, err)
	}

	// Fusion plus the optional post-fusion rescoring passes.
	fusionStart := time.Now()
	adapted := false
	if flags.FeaturesEnabled && flags.QueryAdaptiveWeights {
		var ts fusion.TermStats
		if stats != nil {
			ts = stats
		}
		vw, kw, adapted = fusion.AdaptWeights(query, ts, vw, kw)
	}
	fused, trace := fusion.Fuse(pipe.vectorResults, pipe.keywordResults, fusion.Options{
		VectorWeight:  vw,
		KeywordWeight: kw,
		RRFK:          rrfK,
		Adaptive:      adapted,
		Trace:         flags.FusionDebugTrace,
	})
	if flags.FeaturesEnabled && flags.DomainlessRanking {
		fused = o.domainlessRescore(ctx, tenantID, query, stats, fused)
	}
	if flags.FeaturesEnabled && flags.KeywordPoints {
		fused = keywordPointsRescore(query, stats, fused)
	}
	if flags.Deduplication {
		fused = fusion.DedupeByDocID(fused)
	}
	pipe.metrics.FusionDuration = time.Since(fusionStart)

	if err := o.deadline(ctx); err != nil {
		return nil, o.fail(req, user, err)
	}

	// Rerank, then section enrichment on whatever ordering survived.
	if o.deps.Reranker != nil && o.deps.Reranker.Enabled() && tcfg.Search.Rerank.Enabled {
		rctx, rcancel := context.WithTimeout(ctx, timeouts.Reranker())
		out := o.deps.Reranker.Rerank(rctx, query, fused)
		rcancel()
		fused = out.Results
		pipe.metrics.RerankerDuration = out.Duration
		pipe.metrics.RerankingEnabled = out.Applied
		pipe.metrics.DocumentsReranked = out.Scored
		if out.Applied {
			pipe.rerankerResults = out.Results
		}
		ometrics.RecordStage("rerank", out.Duration.Seconds())
	}
	if o.deps.Sections != nil {
		sectionStart := time.Now()
		fused = o.deps.Sections.Process(ctx, fused, section.Params{
			Collection: collection,
			TenantID:   tenantID,
			Principals: principals,
		})
		ometrics.RecordStage("section", time.Since(sectionStart).Seconds())
	}

	if err := o.deadline(ctx); err != nil {
		return nil, o.fail(req, user, err)
	}

	// Pack to the tenant budget; MMR novelty applies inside when enabled.
	packStart := time.Now()
	pk := packer.New(packer.Config{
		MaxContextTokens: tcfg.Search.MaxContextTokens,
		PerDocCap:        o.cfg.PerDocCap,
		PerSectionCap:    o.cfg.PerSectionCap,
		MMREnabled:       flags.FeaturesEnabled && flags.MMREnabled,
		MinQuality:       o.cfg.MinQuality,
		SectionReunion:   o.deps.Sections != nil,
		Counter:          o.deps.Counter,
	}, o.logger)
	packed := pk.Pack(query, fused)
	ometrics.RecordStage("pack", time.Since(packStart).Seconds())

	final := packed.Packed
	if limit > 0 && len(final) > limit {
		final = final[:limit]
	}
	for i := range final {
		final[i].Rank = i + 1
	}

	pipe.final = final
	pipe.fusionTrace = trace
	pipe.totalTokens = packed.TotalTokens

	resp, err := o.finish(ctx, pipe, req, user, tcfg, start)
	if err != nil {
		return nil, err
	}
	if o.deps.Cache != nil && resp.Answerable {
		o.deps.Cache.Set(ctx, cacheKey, resp)
	}
	return resp, nil
}

// pipeline carries the intermediate state between the retrieval stages and
// the guardrail verdict.
type pipeline struct {
	vectorResults   []models.SearchResult
	keywordResults  []models.SearchResult
	rerankerResults []models.SearchResult
	final           []models.SearchResult
	fusionTrace     *models.FusionTrace
	totalTokens     int
	metrics         models.SearchMetrics
}

func emptyPipeline() pipeline { return pipeline{} }

type retrieveParams struct {
	collection string
	query      string
	queryVec   []float32
	limit      int
	tenantID   string
	principals []string
	spaceIDs   []string
	keywordOn  bool
	timeouts   config.StageTimeouts
}

// embedQuery runs the embedding stage under its own timeout. An embedding
// failure is fatal; timeout maps to embedding-timeout.
func (o *Orchestrator) embedQuery(ctx context.Context, query string, timeout time.Duration) ([]float32, error) {
	embStart := time.Now()
	embCtx, embCancel := context.WithTimeout(ctx, timeout)
	defer embCancel()

	vec, err := o.deps.Embedder.Embed(embCtx, query)
	ometrics.RecordStage("embedding", time.Since(embStart).Seconds())
	if err == nil {
		return vec, nil
	}
	if parentErr := ctx.Err(); parentErr != nil {
		return nil, apperr.Wrap(apperr.CodeOverallTimeout, "request deadline exceeded", parentErr)
	}
	if apperr.CodeOf(err) != "" {
		return nil, err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, apperr.Wrap(apperr.CodeEmbeddingTimeout, "query embedding timed out", err)
	}
	return nil, apperr.Wrap(apperr.CodeEmbeddingUnavailable, "query embedding failed", err)
}

// retrieve fans out to the vector and keyword channels in parallel. A
// channel timeout yields that channel empty and the query proceeds on the
// other; only an expired overall deadline aborts.
func (o *Orchestrator) retrieve(ctx context.Context, p retrieveParams) (pipeline, error) {
	var pipe pipeline
	filter := vectordb.BuildAccessFilter(p.tenantID, p.principals, p.spaceIDs)
	flags := o.cfg.Flags

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		vctx, vcancel := context.WithTimeout(gctx, p.timeouts.Vector())
		defer vcancel()
		t0 := time.Now()
		points, err := o.deps.Vector.Search(vctx, p.collection, vectordb.SearchParams{
			Vector:     p.queryVec,
			Limit:      p.limit,
			Filter:     filter,
			WithVector: flags.FeaturesEnabled && flags.MMREnabled,
		})
		pipe.metrics.VectorSearchDuration = time.Since(t0)
		ometrics.RecordStage("vector_search", pipe.metrics.VectorSearchDuration.Seconds())
		if err != nil {
			o.channelFailure("vector", err)
			return nil
		}
		pipe.vectorResults = pointsToResults(points)
		return nil
	})
	if p.keywordOn {
		g.Go(func() error {
			kctx, kcancel := context.WithTimeout(gctx, p.timeouts.Keyword())
			defer kcancel()
			t0 := time.Now()
			results, err := o.deps.Keyword.Search(kctx, keyword.Params{
				Collection: p.collection,
				Query:      p.query,
				Limit:      p.limit,
				TenantID:   p.tenantID,
				Principals: p.principals,
				SpaceIDs:   p.spaceIDs,
				Domainless: flags.FeaturesEnabled && flags.DomainlessRanking,
			})
			pipe.metrics.KeywordSearchDuration = time.Since(t0)
			if err != nil {
				o.channelFailure("keyword", err)
				return nil
			}
			pipe.keywordResults = results
			return nil
		})
	}
	// Channel closures never return errors; Wait orders the writes above.
	_ = g.Wait()

	pipe.metrics.VectorResultCount = len(pipe.vectorResults)
	pipe.metrics.KeywordResultCount = len(pipe.keywordResults)

	if err := o.deadline(ctx); err != nil {
		return pipe, err
	}
	return pipe, nil
}

// channelFailure degrades one retrieval channel to empty. Timeouts get their
// own counter so starved channels are visible.
func (o *Orchestrator) channelFailure(channel string, err error) {
	if errors.Is(err, context.DeadlineExceeded) || apperr.CodeOf(err) == apperr.CodeChannelTimeout {
		ometrics.ChannelTimeouts.WithLabelValues(channel).Inc()
		o.logger.Warn("Retrieval channel timed out",
			zap.String("channel", channel))
		return
	}
	o.logger.Warn("Retrieval channel failed",
		zap.String("channel", channel),
		zap.Error(err))
}

// finish runs the guardrail, audits the decision, and shapes the response.
func (o *Orchestrator) finish(ctx context.Context, pipe pipeline, req models.SearchRequest, user *auth.UserContext, tcfg config.TenantConfig, start time.Time) (*Response, error) {
	if err := o.deadline(ctx); err != nil {
		return nil, o.fail(req, user, err)
	}

	eval := guardrail.New(tcfg.Guardrail, o.logger)
	decision := eval.Evaluate(guardrail.Input{
		Query:       req.Query,
		User:        user,
		Results:     pipe.final,
		RerankerRan: pipe.metrics.RerankingEnabled,
	})
	pipe.metrics.GuardrailDuration = decision.Score.Elapsed
	pipe.metrics.TotalDuration = time.Since(start)

	resp := &Response{
		Metrics:     pipe.metrics,
		FusionTrace: pipe.fusionTrace,
		Answerable:  decision.IsAnswerable,
		Guardrail:   &decision,
	}
	status := statusBlocked
	if decision.IsAnswerable {
		status = statusOK
		resp.FinalResults = pipe.final
		resp.RerankerResults = pipe.rerankerResults
		resp.TotalTokens = pipe.totalTokens
	} else {
		resp.IDK = decision.IDK
	}
	resp.Metrics.FinalResultCount = len(resp.FinalResults)

	if o.deps.Audit != nil {
		o.deps.Audit.Submit(audit.FromDecision(decision, resp.Metrics))
	}
	ometrics.SearchRequests.WithLabelValues(user.TenantID, status).Inc()
	ometrics.RecordStage("total", resp.Metrics.TotalDuration.Seconds())

	o.logger.Info("Search completed",
		zap.String("tenant_id", user.TenantID),
		zap.String("status", status),
		zap.Int("vector_results", resp.Metrics.VectorResultCount),
		zap.Int("keyword_results", resp.Metrics.KeywordResultCount),
		zap.Int("final_results", resp.Metrics.FinalResultCount),
		zap.Bool("reranked", resp.Metrics.RerankingEnabled),
		zap.Duration("total", resp.Metrics.TotalDuration))
	return resp, nil
}

// fail audits and counts a terminal pipeline error.
func (o *Orchestrator) fail(req models.SearchRequest, user *auth.UserContext, err error) error {
	status := statusError
	switch apperr.CodeOf(err) {
	case apperr.CodeOverallTimeout, apperr.CodeEmbeddingTimeout:
		status = statusTimeout
	case apperr.CodeUnauthorized:
		status = statusUnauthorized
	}
	if o.deps.Audit != nil {
		o.deps.Audit.SubmitError(req.Query, user.TenantID, user.ID, err)
	}
	ometrics.SearchRequests.WithLabelValues(user.TenantID, status).Inc()
	o.logger.Warn("Search failed",
		zap.String("tenant_id", user.TenantID),
		zap.String("code", string(apperr.CodeOf(err))),
		zap.Error(err))
	return err
}

// deadline maps an expired request context onto the overall-timeout code.
func (o *Orchestrator) deadline(ctx context.Context) error {
	err := ctx.Err()
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.Wrap(apperr.CodeOverallTimeout, "request deadline exceeded", err)
	}
	return err
}

// pointsToResults converts raw store hits into pipeline candidates.
func pointsToResults(points []vectordb.Point) []models.SearchResult {
	out := make([]models.SearchResult, 0, len(points))
	for _, p := range points {
		out = append(out, models.SearchResult{
			ID:          p.ID,
			Score:       p.Score,
			VectorScore: p.Score,
			SearchType:  models.SearchTypeVectorOnly,
			Content:     models.PayloadString(p.Payload, models.PayloadKeyContent),
			Payload:     p.Payload,
			Vector:      p.Vector,
		})
	}
	return out
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
