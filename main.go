package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/lodestone-ai/lodestone/internal/audit"
	"github.com/lodestone-ai/lodestone/internal/chunking"
	"github.com/lodestone-ai/lodestone/internal/circuitbreaker"
	"github.com/lodestone-ai/lodestone/internal/config"
	"github.com/lodestone-ai/lodestone/internal/corpusstats"
	"github.com/lodestone-ai/lodestone/internal/embeddings"
	"github.com/lodestone-ai/lodestone/internal/health"
	"github.com/lodestone-ai/lodestone/internal/httpapi"
	"github.com/lodestone-ai/lodestone/internal/keyword"
	_ "github.com/lodestone-ai/lodestone/internal/metrics" // Import for side effects
	"github.com/lodestone-ai/lodestone/internal/reranker"
	"github.com/lodestone-ai/lodestone/internal/search"
	"github.com/lodestone-ai/lodestone/internal/section"
	"github.com/lodestone-ai/lodestone/internal/spaces"
	"github.com/lodestone-ai/lodestone/internal/tracing"
	"github.com/lodestone-ai/lodestone/internal/vectordb"
)

const (
	queryCacheTTL  = 5 * time.Minute
	statsTTL       = 24 * time.Hour
	schemaTimeout  = 10 * time.Second
	sectionTimeout = 2 * time.Second
)

func main() {
	// Root context for background services
	ctx := context.Background()

	settings := config.FromEnv()

	// Initialize logger
	zcfg := zap.NewProductionConfig()
	if lvl, err := zapcore.ParseLevel(settings.LogLevel); err == nil {
		zcfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	logger, err := zcfg.Build()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	// Start circuit breaker metrics collection
	circuitbreaker.StartMetricsCollection()

	if err := tracing.Initialize(tracing.Config{
		Enabled:      settings.Tracing.Enabled,
		ServiceName:  settings.Tracing.ServiceName,
		OTLPEndpoint: settings.Tracing.OTLPEndpoint,
	}, logger); err != nil {
		logger.Warn("Failed to initialize tracing", zap.Error(err))
	}

	// Health manager comes up first so probes answer while dependencies are
	// still connecting.
	hm := health.NewManager(logger)

	// ------------------------------------------------------------------
	// Tenant configuration: hot-reloaded from the watched directory, with
	// process defaults serving tenants that have no file entry.
	// ------------------------------------------------------------------
	tenants := config.NewTenantStore(config.DefaultTenantConfig(settings), logger)
	cfgMgr, err := config.NewManager(settings.ConfigDir, logger)
	if err != nil {
		logger.Warn("Tenant config manager init failed; serving defaults", zap.Error(err))
		cfgMgr = nil
	} else {
		tenants.Bind(cfgMgr)
		if err := cfgMgr.Start(); err != nil {
			logger.Warn("Tenant config watch failed; serving defaults", zap.Error(err))
		}
	}

	// ------------------------------------------------------------------
	// Retrieval collaborators. Embedder and vector store are required;
	// everything else degrades to a disabled stage.
	// ------------------------------------------------------------------
	if err := embeddings.Initialize(embeddings.Config{
		BaseURL:     settings.Embedding.Endpoint,
		Model:       settings.Embedding.Model,
		Dimensions:  settings.Embedding.Dimensions,
		Timeout:     settings.Embedding.Timeout,
		EnableRedis: settings.RedisAddr != "",
		RedisAddr:   settings.RedisAddr,
	}, logger); err != nil {
		logger.Fatal("Failed to initialize embedding service", zap.Error(err))
	}
	embedder := embeddings.Get()
	_ = hm.RegisterChecker(health.NewEmbedderChecker(embedder))

	vectordb.Initialize(vectordb.Config{
		Host:        settings.VectorDB.Host,
		Port:        settings.VectorDB.Port,
		Collection:  settings.VectorDB.Collection,
		TopK:        settings.Retrieval.KBase,
		WithVectors: settings.Features.MMREnabled,
	}, logger)
	store := vectordb.Get()
	_ = hm.RegisterChecker(health.NewVectorStoreChecker(store))

	rr := reranker.New(reranker.Config{
		Endpoint:  settings.Reranker.Endpoint,
		Enabled:   settings.Reranker.Enabled,
		Model:     settings.Reranker.Model,
		BatchSize: settings.Reranker.BatchSize,
		Timeout:   settings.Reranker.Timeout,
		TopNIn:    settings.Reranker.TopNIn,
		TopNOut:   settings.Reranker.TopNOut,
	}, logger)
	if rr.Enabled() {
		_ = hm.RegisterChecker(health.NewRerankerChecker(rr))
	}

	// Audit sink falls back to log-only mode without a DSN.
	sink, err := audit.New(audit.Config{DSN: settings.DatabaseURL}, logger)
	if err != nil {
		logger.Fatal("Failed to initialize guardrail audit sink", zap.Error(err))
	}
	if settings.DatabaseURL != "" {
		schemaCtx, cancel := context.WithTimeout(ctx, schemaTimeout)
		if err := sink.EnsureSchema(schemaCtx); err != nil {
			logger.Warn("Audit schema check failed; records queue until Postgres recovers", zap.Error(err))
		}
		cancel()
		_ = hm.RegisterChecker(health.NewAuditStoreChecker(sink))
	}

	var queryCache *search.QueryCache
	var rdb *redis.Client
	if settings.RedisAddr != "" {
		if qc, err := search.NewQueryCache(settings.RedisAddr, queryCacheTTL, logger); err != nil {
			logger.Warn("Query cache init failed; caching disabled", zap.Error(err))
		} else {
			queryCache = qc
		}
		rdb = redis.NewClient(&redis.Options{Addr: settings.RedisAddr})
		defer rdb.Close()
		_ = hm.RegisterChecker(health.NewRedisChecker(rdb))
	}

	statsStore := corpusstats.NewStore(settings.DataDir, statsTTL, logger)
	aliases := corpusstats.NewAliasResolver(statsStore, embedder,
		settings.Alias.EmbeddingSimTau, settings.Alias.PMISimTau, logger)
	keywordSearcher := keyword.New(store, statsStore, logger)
	sections := section.New(section.Config{
		Enabled:      true,
		FetchTimeout: sectionTimeout,
	}, store, logger)
	registry := spaces.NewRegistry(settings.DataDir, logger)

	counter, err := chunking.NewCounter(chunking.CounterConfig{
		MaxTokens: settings.Retrieval.MaxContextTokens,
		Cached:    true,
	})
	if err != nil {
		logger.Warn("Token counter init failed; using heuristic estimates", zap.Error(err))
	}

	orch, err := search.New(search.Config{
		Collection: settings.VectorDB.Collection,
		Flags:      settings.Features,
		MinQuality: settings.Retrieval.MinQualityScore,
	}, search.Deps{
		Tenants:  tenants,
		Embedder: embedder,
		Vector:   store,
		Keyword:  keywordSearcher,
		Reranker: rr,
		Sections: sections,
		Stats:    statsStore,
		Aliases:  aliases,
		Audit:    sink,
		Cache:    queryCache,
		Counter:  counter,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to assemble search pipeline", zap.Error(err))
	}

	srv := httpapi.NewServer(settings.Service,
		httpapi.NewSearchHandler(orch, settings.VectorDB.Collection, logger),
		httpapi.NewSpacesHandler(registry, statsStore, logger),
		health.NewHTTPHandler(hm, logger),
	)
	if rdb != nil && settings.Service.RatePerMinute > 0 {
		limiter := httpapi.NewRateLimiter(rdb, settings.Service.RatePerMinute, logger)
		srv.Handler = limiter.Middleware(srv.Handler)
	}
	httpapi.Start(srv, logger)

	if err := hm.Start(ctx); err != nil {
		logger.Warn("Health manager start failed", zap.Error(err))
	}

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("Shutting down retrieval service")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), settings.Service.GracefulTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", zap.Error(err))
	}
	hm.Stop()
	if cfgMgr != nil {
		if err := cfgMgr.Stop(); err != nil {
			logger.Error("Tenant config manager stop failed", zap.Error(err))
		}
	}
	if err := sink.Close(); err != nil {
		logger.Error("Audit sink close failed", zap.Error(err))
	}
}
