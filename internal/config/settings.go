// Package config carries the two configuration layers: process-level
// settings bound to environment variables, and per-tenant retrieval and
// guardrail policy hot-reloaded from a watched directory.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/lodestone-ai/lodestone/internal/corpusstats"
)

// ServiceSettings shape the HTTP surface.
type ServiceSettings struct {
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	GracefulTimeout time.Duration
	// RatePerMinute throttles /v1/ requests per tenant; zero disables.
	RatePerMinute int
}

// FeatureFlags gate the optional ranking extensions. All default off except
// deduplication.
type FeatureFlags struct {
	FeaturesEnabled      bool
	DomainlessRanking    bool
	MMREnabled           bool
	QueryAdaptiveWeights bool
	KeywordPoints        bool
	FusionDebugTrace     bool
	Deduplication        bool
}

// RetrievalSettings are the global retrieval knobs tenants inherit.
type RetrievalSettings struct {
	KBase            int
	MaxContextTokens int
	MinQualityScore  float64
}

// RerankerSettings bind the RERANKER_* variables.
type RerankerSettings struct {
	Enabled   bool
	Endpoint  string
	Model     string
	BatchSize int
	Timeout   time.Duration
	TopNIn    int
	TopNOut   int
}

// AliasSettings tune alias-cluster admission.
type AliasSettings struct {
	EmbeddingSimTau float64
	PMISimTau       float64
}

// EmbeddingSettings point at the inference sidecar.
type EmbeddingSettings struct {
	Endpoint   string
	Model      string
	Dimensions int
	Timeout    time.Duration
}

// VectorDBSettings point at the vector store.
type VectorDBSettings struct {
	Host       string
	Port       int
	Collection string
}

// TracingSettings control the OTLP exporter.
type TracingSettings struct {
	Enabled      bool
	ServiceName  string
	OTLPEndpoint string
}

// Settings is the process-level configuration snapshot taken at startup.
// Everything here has an environment binding; per-tenant overrides live in
// the TenantStore.
type Settings struct {
	Service   ServiceSettings
	Features  FeatureFlags
	Retrieval RetrievalSettings
	Reranker  RerankerSettings
	Alias     AliasSettings
	Embedding EmbeddingSettings
	VectorDB  VectorDBSettings
	Tracing   TracingSettings

	// RedisAddr enables the shared embedding/result caches when non-empty.
	RedisAddr string
	// DatabaseURL enables the Postgres audit sink when non-empty.
	DatabaseURL string
	// DataDir holds corpus statistics and space registries.
	DataDir string
	// ConfigDir is watched for tenant configuration files.
	ConfigDir string
	LogLevel  string
}

// FromEnv reads every setting from the environment, applying the documented
// defaults for unset variables.
func FromEnv() *Settings {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("SERVICE_PORT", 8080)
	v.SetDefault("SERVICE_READ_TIMEOUT_MS", 10_000)
	v.SetDefault("SERVICE_WRITE_TIMEOUT_MS", 60_000)
	v.SetDefault("SERVICE_GRACEFUL_TIMEOUT_MS", 30_000)
	v.SetDefault("RATE_LIMIT_PER_MINUTE", 0)
	v.SetDefault("LOG_LEVEL", "info")

	v.SetDefault("FEATURES_ENABLED", "off")
	v.SetDefault("DOMAINLESS_RANKING_ENABLED", "off")
	v.SetDefault("MMR_ENABLED", "off")
	v.SetDefault("QUERY_ADAPTIVE_WEIGHTS", "off")
	v.SetDefault("KW_POINTS_ENABLED", "off")
	v.SetDefault("FUSION_DEBUG_TRACE", "off")
	v.SetDefault("DEDUPLICATION_ENABLED", "on")

	v.SetDefault("RETRIEVAL_K_BASE", 12)
	v.SetDefault("MAX_CONTEXT_TOKENS", 8000)
	v.SetDefault("MIN_QUALITY_SCORE", 0.5)

	v.SetDefault("RERANKER_ENABLED", "off")
	v.SetDefault("RERANKER_ENDPOINT", "")
	v.SetDefault("RERANKER_MODEL", "bge-reranker-base")
	v.SetDefault("RERANKER_BATCH_SIZE", 16)
	v.SetDefault("RERANKER_TIMEOUT_MS", 500)
	v.SetDefault("RERANKER_TOPN_IN", 20)
	v.SetDefault("RERANKER_TOPN_OUT", 8)

	v.SetDefault("ALIAS_EMB_SIM_TAU", corpusstats.DefaultAliasEmbeddingTau)
	v.SetDefault("ALIAS_PMI_SIM_TAU", corpusstats.DefaultAliasPMITau)

	v.SetDefault("EMBEDDING_ENDPOINT", "http://localhost:8000")
	v.SetDefault("EMBEDDING_MODEL", "bge-small-en-v1.5")
	v.SetDefault("EMBEDDING_DIMENSIONS", 384)
	v.SetDefault("EMBEDDING_TIMEOUT_MS", 5000)

	v.SetDefault("QDRANT_HOST", "localhost")
	v.SetDefault("QDRANT_PORT", 6333)
	v.SetDefault("QDRANT_COLLECTION", "documents")

	v.SetDefault("TRACING_ENABLED", "off")
	v.SetDefault("TRACING_SERVICE_NAME", "lodestone")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317")

	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("DATA_DIR", "data")
	v.SetDefault("CONFIG_DIR", "config")

	return &Settings{
		Service: ServiceSettings{
			Port:            v.GetInt("SERVICE_PORT"),
			ReadTimeout:     msDuration(v, "SERVICE_READ_TIMEOUT_MS"),
			WriteTimeout:    msDuration(v, "SERVICE_WRITE_TIMEOUT_MS"),
			GracefulTimeout: msDuration(v, "SERVICE_GRACEFUL_TIMEOUT_MS"),
			RatePerMinute:   v.GetInt("RATE_LIMIT_PER_MINUTE"),
		},
		Features: FeatureFlags{
			FeaturesEnabled:      boolFlag(v, "FEATURES_ENABLED"),
			DomainlessRanking:    boolFlag(v, "DOMAINLESS_RANKING_ENABLED"),
			MMREnabled:           boolFlag(v, "MMR_ENABLED"),
			QueryAdaptiveWeights: boolFlag(v, "QUERY_ADAPTIVE_WEIGHTS"),
			KeywordPoints:        boolFlag(v, "KW_POINTS_ENABLED"),
			FusionDebugTrace:     boolFlag(v, "FUSION_DEBUG_TRACE"),
			Deduplication:        boolFlag(v, "DEDUPLICATION_ENABLED"),
		},
		Retrieval: RetrievalSettings{
			KBase:            v.GetInt("RETRIEVAL_K_BASE"),
			MaxContextTokens: v.GetInt("MAX_CONTEXT_TOKENS"),
			MinQualityScore:  v.GetFloat64("MIN_QUALITY_SCORE"),
		},
		Reranker: RerankerSettings{
			Enabled:   boolFlag(v, "RERANKER_ENABLED"),
			Endpoint:  v.GetString("RERANKER_ENDPOINT"),
			Model:     v.GetString("RERANKER_MODEL"),
			BatchSize: v.GetInt("RERANKER_BATCH_SIZE"),
			Timeout:   msDuration(v, "RERANKER_TIMEOUT_MS"),
			TopNIn:    v.GetInt("RERANKER_TOPN_IN"),
			TopNOut:   v.GetInt("RERANKER_TOPN_OUT"),
		},
		Alias: AliasSettings{
			EmbeddingSimTau: v.GetFloat64("ALIAS_EMB_SIM_TAU"),
			PMISimTau:       v.GetFloat64("ALIAS_PMI_SIM_TAU"),
		},
		Embedding: EmbeddingSettings{
			Endpoint:   v.GetString("EMBEDDING_ENDPOINT"),
			Model:      v.GetString("EMBEDDING_MODEL"),
			Dimensions: v.GetInt("EMBEDDING_DIMENSIONS"),
			Timeout:    msDuration(v, "EMBEDDING_TIMEOUT_MS"),
		},
		VectorDB: VectorDBSettings{
			Host:       v.GetString("QDRANT_HOST"),
			Port:       v.GetInt("QDRANT_PORT"),
			Collection: v.GetString("QDRANT_COLLECTION"),
		},
		Tracing: TracingSettings{
			Enabled:      boolFlag(v, "TRACING_ENABLED"),
			ServiceName:  v.GetString("TRACING_SERVICE_NAME"),
			OTLPEndpoint: v.GetString("OTEL_EXPORTER_OTLP_ENDPOINT"),
		},
		RedisAddr:   v.GetString("REDIS_ADDR"),
		DatabaseURL: v.GetString("DATABASE_URL"),
		DataDir:     v.GetString("DATA_DIR"),
		ConfigDir:   v.GetString("CONFIG_DIR"),
		LogLevel:    v.GetString("LOG_LEVEL"),
	}
}

// boolFlag accepts the on/off convention alongside the usual boolean
// spellings.
func boolFlag(v *viper.Viper, key string) bool {
	switch strings.ToLower(strings.TrimSpace(v.GetString(key))) {
	case "on", "true", "1", "yes", "enabled":
		return true
	default:
		return false
	}
}

func msDuration(v *viper.Viper, key string) time.Duration {
	return time.Duration(v.GetInt(key)) * time.Millisecond
}
