package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Pipeline stage metrics
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lodestone_stage_duration_seconds",
			Help:    "Pipeline stage duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	SearchRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lodestone_search_requests_total",
			Help: "Total number of search requests",
		},
		[]string{"tenant", "status"},
	)

	ChannelTimeouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lodestone_channel_timeouts_total",
			Help: "Total number of per-channel stage timeouts",
		},
		[]string{"channel"},
	)

	// Embedding metrics
	EmbeddingRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lodestone_embedding_requests_total",
			Help: "Total number of embedding requests",
		},
		[]string{"model", "status"},
	)

	EmbeddingLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lodestone_embedding_latency_seconds",
			Help:    "Embedding generation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"model"},
	)

	EmbeddingCacheEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lodestone_embedding_cache_events_total",
			Help: "Embedding cache events by tier and outcome",
		},
		[]string{"event"},
	)

	// Vector store metrics
	VectorSearches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lodestone_vector_search_total",
			Help: "Total number of vector searches",
		},
		[]string{"collection", "status"},
	)

	VectorSearchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lodestone_vector_search_latency_seconds",
			Help:    "Vector search latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"collection"},
	)

	// Keyword search metrics
	KeywordSearches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lodestone_keyword_search_total",
			Help: "Total number of keyword searches",
		},
		[]string{"collection", "status"},
	)

	// Reranker metrics
	RerankerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lodestone_reranker_requests_total",
			Help: "Total number of reranker batch requests",
		},
		[]string{"status"},
	)

	RerankerFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lodestone_reranker_fallbacks_total",
			Help: "Total number of reranker pass-through fallbacks",
		},
		[]string{"reason"},
	)

	// Section reconstruction metrics
	SectionReconstructions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lodestone_section_reconstructions_total",
			Help: "Total number of section reconstructions by trigger",
		},
		[]string{"trigger"},
	)

	SectionFetchFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lodestone_section_fetch_failures_total",
			Help: "Total number of failed or timed-out section fetches",
		},
	)

	// Packer metrics
	PackerDrops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lodestone_packer_drops_total",
			Help: "Total number of candidates dropped during packing",
		},
		[]string{"reason"},
	)

	// Guardrail metrics
	GuardrailDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lodestone_guardrail_decisions_total",
			Help: "Total number of guardrail decisions by type",
		},
		[]string{"decision"},
	)

	// Query result cache metrics
	QueryCacheEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lodestone_query_cache_events_total",
			Help: "Query result cache events",
		},
		[]string{"event"},
	)

	// Corpus statistics metrics
	CorpusStatsReloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lodestone_corpus_stats_reloads_total",
			Help: "Total number of corpus statistics loads from disk",
		},
		[]string{"tenant"},
	)

	// Space registry metrics
	SpaceResolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lodestone_space_resolutions_total",
			Help: "Total number of space resolutions by outcome",
		},
		[]string{"outcome"},
	)

	// Audit sink metrics
	AuditQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lodestone_audit_queue_depth",
			Help: "Current number of audit records waiting to be written",
		},
	)

	AuditWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lodestone_audit_writes_total",
			Help: "Total number of audit write attempts",
		},
		[]string{"status"},
	)

	AuditDrops = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lodestone_audit_drops_total",
			Help: "Total number of audit records dropped due to a full queue",
		},
	)

	// HTTP surface metrics
	RateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lodestone_rate_limit_rejections_total",
			Help: "Total number of requests rejected by the fixed-window rate limiter",
		},
		[]string{"subject"},
	)

	// Chunking metrics
	ChunkerWarnings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lodestone_chunker_warnings_total",
			Help: "Total number of chunker warnings by kind",
		},
		[]string{"kind"},
	)

	TokenCounterCacheEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lodestone_token_counter_cache_events_total",
			Help: "Caching token counter hits and misses",
		},
		[]string{"event"},
	)
)

// RecordStage observes one pipeline stage duration.
func RecordStage(stage string, durationSeconds float64) {
	StageDuration.WithLabelValues(stage).Observe(durationSeconds)
}

// RecordEmbeddingMetrics records embedding request metrics.
func RecordEmbeddingMetrics(model, status string, durationSeconds float64) {
	EmbeddingRequests.WithLabelValues(model, status).Inc()
	if durationSeconds > 0 {
		EmbeddingLatency.WithLabelValues(model).Observe(durationSeconds)
	}
}

// RecordVectorSearchMetrics records vector search metrics.
func RecordVectorSearchMetrics(collection, status string, durationSeconds float64) {
	VectorSearches.WithLabelValues(collection, status).Inc()
	if durationSeconds > 0 {
		VectorSearchLatency.WithLabelValues(collection).Observe(durationSeconds)
	}
}

// RecordGuardrailDecision counts one guardrail outcome.
func RecordGuardrailDecision(decision string) {
	GuardrailDecisions.WithLabelValues(decision).Inc()
}
