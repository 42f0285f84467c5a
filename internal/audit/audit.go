// Package audit persists guardrail decisions to Postgres off the request
// path. Writes queue through a small worker pool; when the queue is full the
// record is dropped and counted, never blocking a live query. Without a DSN
// the sink degrades to structured logging.
package audit

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/lodestone-ai/lodestone/internal/circuitbreaker"
	"github.com/lodestone-ai/lodestone/internal/guardrail"
	ometrics "github.com/lodestone-ai/lodestone/internal/metrics"
	"github.com/lodestone-ai/lodestone/internal/models"
)

// DecisionError marks records emitted when evaluation itself failed.
const DecisionError = "error"

// Schema is the audit table DDL, applied by EnsureSchema on startup.
const Schema = `
CREATE TABLE IF NOT EXISTS guardrail_audit (
	id UUID PRIMARY KEY,
	created_at TIMESTAMPTZ NOT NULL,
	tenant_id TEXT NOT NULL,
	caller_id TEXT NOT NULL DEFAULT '',
	query TEXT NOT NULL DEFAULT '',
	result_count INTEGER NOT NULL DEFAULT 0,
	decision TEXT NOT NULL,
	reason_code TEXT NOT NULL DEFAULT '',
	rationale TEXT[],
	score_stats JSONB,
	latency JSONB,
	error_detail TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS guardrail_audit_tenant_created_idx
	ON guardrail_audit (tenant_id, created_at DESC)`

const insertRecordSQL = `
	INSERT INTO guardrail_audit (
		id, created_at, tenant_id, caller_id, query, result_count,
		decision, reason_code, rationale, score_stats, latency, error_detail
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

const selectRecentSQL = `
	SELECT id, created_at, tenant_id, caller_id, query, result_count,
		decision, reason_code, rationale, score_stats, latency, error_detail
	FROM guardrail_audit
	WHERE tenant_id = $1
	ORDER BY created_at DESC
	LIMIT $2`

// JSONB marshals a Go map into a jsonb column.
type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

func (j *JSONB) Scan(src interface{}) error {
	if src == nil {
		*j = nil
		return nil
	}
	b, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("jsonb: cannot scan %T", src)
	}
	return json.Unmarshal(b, j)
}

// Record is one persisted guardrail decision.
type Record struct {
	ID          uuid.UUID      `db:"id" json:"id"`
	CreatedAt   time.Time      `db:"created_at" json:"createdAt"`
	TenantID    string         `db:"tenant_id" json:"tenantId"`
	CallerID    string         `db:"caller_id" json:"callerId"`
	Query       string         `db:"query" json:"query"`
	ResultCount int            `db:"result_count" json:"resultCount"`
	Decision    string         `db:"decision" json:"decision"`
	ReasonCode  string         `db:"reason_code" json:"reasonCode,omitempty"`
	Rationale   pq.StringArray `db:"rationale" json:"rationale,omitempty"`
	ScoreStats  JSONB          `db:"score_stats" json:"scoreStats,omitempty"`
	Latency     JSONB          `db:"latency" json:"latency,omitempty"`
	ErrorDetail string         `db:"error_detail" json:"errorDetail,omitempty"`
}

// FromDecision flattens a guardrail decision plus the request latency
// breakdown into a persistable record.
func FromDecision(d guardrail.Decision, m models.SearchMetrics) Record {
	created := time.Now().UTC()
	if ts, err := time.Parse(time.RFC3339Nano, d.Audit.Timestamp); err == nil {
		created = ts
	}
	return Record{
		CreatedAt:   created,
		TenantID:    d.Audit.TenantID,
		CallerID:    d.Audit.Caller,
		Query:       d.Audit.Query,
		ResultCount: d.Audit.ResultCount,
		Decision:    d.Audit.Decision,
		ReasonCode:  d.Audit.ReasonCode,
		Rationale:   pq.StringArray(d.Audit.DecisionRationale),
		ScoreStats:  statsJSON(d.Audit.Stats),
		Latency:     latencyJSON(m),
	}
}

func statsJSON(s guardrail.ScoreStats) JSONB {
	return JSONB{
		"mean": s.Mean, "max": s.Max, "min": s.Min, "stdDev": s.StdDev,
		"count": s.Count, "p25": s.P25, "p50": s.P50, "p75": s.P75, "p90": s.P90,
	}
}

func latencyJSON(m models.SearchMetrics) JSONB {
	ms := func(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }
	return JSONB{
		"vectorSearchMs":  ms(m.VectorSearchDuration),
		"keywordSearchMs": ms(m.KeywordSearchDuration),
		"fusionMs":        ms(m.FusionDuration),
		"rerankerMs":      ms(m.RerankerDuration),
		"guardrailMs":     ms(m.GuardrailDuration),
		"totalMs":         ms(m.TotalDuration),
	}
}

// Config tunes the sink.
type Config struct {
	// DSN is the Postgres connection string; empty selects log-only mode.
	DSN          string        `yaml:"dsn" json:"dsn"`
	QueueSize    int           `yaml:"queue_size" json:"queueSize"`
	Workers      int           `yaml:"workers" json:"workers"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"writeTimeout"`
	DrainTimeout time.Duration `yaml:"drain_timeout" json:"drainTimeout"`
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 5 * time.Second
	}
	return c
}

// Sink is the async audit writer.
type Sink struct {
	cfg     Config
	db      *sqlx.DB
	breaker *circuitbreaker.Breaker
	logger  *zap.Logger

	queue chan Record
	stop  chan struct{}
	wg    sync.WaitGroup
}

// New connects to Postgres and starts the write workers. An empty DSN yields
// a log-only sink that never dials out.
func New(cfg Config, logger *zap.Logger) (*Sink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()

	if cfg.DSN == "" {
		logger.Info("audit sink running in log-only mode")
		return newSink(nil, cfg, logger), nil
	}

	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping audit database: %w", err)
	}

	logger.Info("audit sink connected",
		zap.Int("queue_size", cfg.QueueSize),
		zap.Int("workers", cfg.Workers))
	return newSink(db, cfg, logger), nil
}

// NewWithDB wraps an existing connection; the caller owns pool settings.
func NewWithDB(db *sqlx.DB, cfg Config, logger *zap.Logger) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return newSink(db, cfg.withDefaults(), logger)
}

func newSink(db *sqlx.DB, cfg Config, logger *zap.Logger) *Sink {
	s := &Sink{
		cfg:     cfg,
		db:      db,
		breaker: circuitbreaker.New("audit-db", circuitbreaker.DatabaseSettings(), logger),
		logger:  logger,
		queue:   make(chan Record, cfg.QueueSize),
		stop:    make(chan struct{}),
	}
	for i := 0; i < cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return s
}

// EnsureSchema creates the audit table when it does not exist yet.
func (s *Sink) EnsureSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("ensure audit schema: %w", err)
	}
	return nil
}

// Submit enqueues a record without blocking. The request path never waits on
// the audit store; under backpressure the record is dropped and counted.
func (s *Sink) Submit(rec Record) bool {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	select {
	case s.queue <- rec:
		ometrics.AuditQueueDepth.Inc()
		return true
	default:
		ometrics.AuditDrops.Inc()
		s.logger.Warn("audit queue full, dropping record",
			zap.String("decision", rec.Decision),
			zap.String("tenant", rec.TenantID))
		return false
	}
}

// SubmitError records an evaluation failure as its own record so the outer
// request can proceed.
func (s *Sink) SubmitError(query, tenantID, callerID string, evalErr error) bool {
	return s.Submit(Record{
		Query:       query,
		TenantID:    tenantID,
		CallerID:    callerID,
		Decision:    DecisionError,
		ErrorDetail: evalErr.Error(),
	})
}

// RecentForTenant returns the latest records for one tenant, newest first.
// Log-only sinks return nothing.
func (s *Sink) RecentForTenant(ctx context.Context, tenantID string, limit int) ([]Record, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var out []Record
	err := s.breaker.Execute(ctx, func() error {
		return s.db.SelectContext(ctx, &out, selectRecentSQL, tenantID, limit)
	})
	if err != nil {
		return nil, fmt.Errorf("load audit records: %w", err)
	}
	return out, nil
}

// Healthy reports whether the backing store is reachable. Log-only sinks are
// always healthy.
func (s *Sink) Healthy(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	return s.db.PingContext(ctx)
}

// Close drains the queue and releases the connection pool.
func (s *Sink) Close() error {
	close(s.stop)
	s.wg.Wait()
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			return fmt.Errorf("close audit database: %w", err)
		}
	}
	return nil
}

func (s *Sink) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stop:
			s.drain()
			return
		case rec := <-s.queue:
			ometrics.AuditQueueDepth.Dec()
			s.write(rec)
		}
	}
}

// drain flushes whatever is still queued, bounded by the drain timeout so
// shutdown cannot hang on a dead database.
func (s *Sink) drain() {
	deadline := time.After(s.cfg.DrainTimeout)
	for {
		select {
		case rec := <-s.queue:
			ometrics.AuditQueueDepth.Dec()
			s.write(rec)
		case <-deadline:
			s.logger.Warn("audit drain timed out", zap.Int("remaining", len(s.queue)))
			return
		default:
			return
		}
	}
}

func (s *Sink) write(rec Record) {
	if s.db == nil {
		s.logger.Info("guardrail audit",
			zap.String("id", rec.ID.String()),
			zap.String("tenant", rec.TenantID),
			zap.String("caller", rec.CallerID),
			zap.String("decision", rec.Decision),
			zap.String("reason", rec.ReasonCode),
			zap.Int("result_count", rec.ResultCount))
		ometrics.AuditWrites.WithLabelValues("logged").Inc()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
	defer cancel()

	err := s.breaker.Execute(ctx, func() error {
		_, execErr := s.db.ExecContext(ctx, insertRecordSQL,
			rec.ID, rec.CreatedAt, rec.TenantID, rec.CallerID, rec.Query,
			rec.ResultCount, rec.Decision, rec.ReasonCode, rec.Rationale,
			rec.ScoreStats, rec.Latency, rec.ErrorDetail)
		return execErr
	})
	if err != nil {
		ometrics.AuditWrites.WithLabelValues("error").Inc()
		s.logger.Error("audit write failed",
			zap.String("record_id", rec.ID.String()),
			zap.Error(err))
		return
	}
	ometrics.AuditWrites.WithLabelValues("ok").Inc()
}
