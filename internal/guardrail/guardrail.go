// Package guardrail decides whether the packed context is strong enough to
// answer from. Weak evidence turns into a structured "I don't know" response
// instead of letting the LLM hallucinate over noise; every decision leaves an
// audit trail.
package guardrail

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lodestone-ai/lodestone/internal/apperr"
	"github.com/lodestone-ai/lodestone/internal/auth"
	ometrics "github.com/lodestone-ai/lodestone/internal/metrics"
	"github.com/lodestone-ai/lodestone/internal/models"
	"github.com/lodestone-ai/lodestone/internal/textproc"
)

// Decision types recorded on the audit trail and the decisions metric.
const (
	DecisionAnswerable    = "answerable"
	DecisionNotAnswerable = "not_answerable"
	DecisionBypassed      = "bypassed"
	DecisionDisabled      = "disabled"
)

// Rationales for decisions that skip evaluation.
const (
	RationaleDisabled = "GUARDRAIL_DISABLED"
	RationaleBypass   = "BYPASS_ENABLED"
)

// Reason codes attached to blocked queries, ordered by how specific they
// are: the first failing predicate in this order names the block.
const (
	ReasonNoResults     = "NO_RESULTS"
	ReasonTooFewResults = "TOO_FEW_RESULTS"
	ReasonLowTopScore   = "LOW_TOP_SCORE"
	ReasonLowMeanScore  = "LOW_MEAN_SCORE"
	ReasonHighVariance  = "HIGH_VARIANCE"
	ReasonLowConfidence = "LOW_CONFIDENCE"
)

// Threshold presets.
const (
	PresetStrict     = "strict"
	PresetModerate   = "moderate"
	PresetPermissive = "permissive"
)

const defaultIDKMessage = "I don't have enough reliable information to answer that."

// Threshold is the set of hard predicates a query must clear.
type Threshold struct {
	Preset         string  `yaml:"preset" json:"preset,omitempty"`
	MinConfidence  float64 `yaml:"min_confidence" json:"minConfidence"`
	MinTopScore    float64 `yaml:"min_top_score" json:"minTopScore"`
	MinMeanScore   float64 `yaml:"min_mean_score" json:"minMeanScore"`
	MaxStdDev      float64 `yaml:"max_std_dev" json:"maxStdDev"`
	MinResultCount int     `yaml:"min_result_count" json:"minResultCount"`
}

// PresetThreshold resolves a named preset.
func PresetThreshold(name string) (Threshold, bool) {
	switch name {
	case PresetStrict:
		return Threshold{Preset: PresetStrict, MinConfidence: 0.8, MinTopScore: 0.7, MinMeanScore: 0.5, MaxStdDev: 0.3, MinResultCount: 2}, true
	case PresetModerate:
		return Threshold{Preset: PresetModerate, MinConfidence: 0.6, MinTopScore: 0.5, MinMeanScore: 0.35, MaxStdDev: 0.4, MinResultCount: 1}, true
	case PresetPermissive:
		return Threshold{Preset: PresetPermissive, MinConfidence: 0.4, MinTopScore: 0.3, MinMeanScore: 0.2, MaxStdDev: 0.5, MinResultCount: 1}, true
	}
	return Threshold{}, false
}

// Weights blend the algorithm sub-scores into the composite confidence.
type Weights struct {
	Statistical        float64 `yaml:"statistical" json:"statistical"`
	Threshold          float64 `yaml:"threshold" json:"threshold"`
	MLFeatures         float64 `yaml:"ml_features" json:"mlFeatures"`
	RerankerConfidence float64 `yaml:"reranker_confidence" json:"rerankerConfidence"`
}

// Sum is validated to stay at or below 1.2 so the clamped composite retains
// headroom for disagreement between components.
func (w Weights) Sum() float64 {
	return w.Statistical + w.Threshold + w.MLFeatures + w.RerankerConfidence
}

// DefaultWeights favors the statistical signal.
func DefaultWeights() Weights {
	return Weights{Statistical: 0.4, Threshold: 0.3, MLFeatures: 0.2, RerankerConfidence: 0.1}
}

// Template is one tenant-configured IDK message keyed by reason code. An
// empty reason code marks the catch-all.
type Template struct {
	ID         string `yaml:"id" json:"id"`
	ReasonCode string `yaml:"reason_code" json:"reasonCode,omitempty"`
	Message    string `yaml:"message" json:"message"`
}

// FallbackConfig controls suggestion generation on blocked queries.
type FallbackConfig struct {
	SuggestionsEnabled  bool    `yaml:"suggestions_enabled" json:"suggestionsEnabled"`
	MaxSuggestions      int     `yaml:"max_suggestions" json:"maxSuggestions"`
	SuggestionThreshold float64 `yaml:"suggestion_threshold" json:"suggestionThreshold"`
}

// Config is the per-tenant guardrail configuration.
type Config struct {
	Enabled   bool           `yaml:"enabled" json:"enabled"`
	Bypass    bool           `yaml:"bypass" json:"bypass"`
	Threshold Threshold      `yaml:"threshold" json:"threshold"`
	Weights   Weights        `yaml:"weights" json:"weights"`
	Templates []Template     `yaml:"templates" json:"templates,omitempty"`
	Fallback  FallbackConfig `yaml:"fallback" json:"fallback"`
	// TopN bounds how many leading scores feed the statistics.
	TopN int `yaml:"top_n" json:"topN"`
}

func (c Config) withDefaults() Config {
	if c.TopN <= 0 {
		c.TopN = 5
	}
	if c.Threshold == (Threshold{}) {
		c.Threshold, _ = PresetThreshold(PresetModerate)
	}
	if c.Weights == (Weights{}) {
		c.Weights = DefaultWeights()
	}
	if c.Fallback.MaxSuggestions <= 0 {
		c.Fallback.MaxSuggestions = 3
	}
	return c
}

// Validate rejects configurations that would produce undefined decisions.
// Runs on config writes so bad values never surface at query time.
func (c Config) Validate() error {
	bounds := []struct {
		name  string
		value float64
	}{
		{"min_confidence", c.Threshold.MinConfidence},
		{"min_top_score", c.Threshold.MinTopScore},
		{"min_mean_score", c.Threshold.MinMeanScore},
		{"max_std_dev", c.Threshold.MaxStdDev},
	}
	for _, b := range bounds {
		if b.value < 0 || b.value > 1 {
			return apperr.Newf(apperr.CodeInvalidConfiguration, "threshold %s %.3f outside [0,1]", b.name, b.value)
		}
	}
	if c.Threshold.MinResultCount < 0 {
		return apperr.New(apperr.CodeInvalidConfiguration, "min result count cannot be negative")
	}
	w := c.Weights
	if w.Statistical < 0 || w.Threshold < 0 || w.MLFeatures < 0 || w.RerankerConfidence < 0 {
		return apperr.New(apperr.CodeInvalidConfiguration, "algorithm weights cannot be negative")
	}
	if sum := w.Sum(); sum > 1.2 {
		return apperr.Newf(apperr.CodeInvalidConfiguration, "algorithm weights sum %.3f exceeds 1.2", sum)
	}
	if c.Fallback.MaxSuggestions > 10 {
		return apperr.Newf(apperr.CodeInvalidConfiguration, "max suggestions %d exceeds 10", c.Fallback.MaxSuggestions)
	}
	if c.Fallback.SuggestionThreshold < 0 || c.Fallback.SuggestionThreshold > 1 {
		return apperr.Newf(apperr.CodeInvalidConfiguration, "suggestion threshold %.3f outside [0,1]", c.Fallback.SuggestionThreshold)
	}
	for _, t := range c.Templates {
		if t.ID == "" {
			return apperr.New(apperr.CodeInvalidConfiguration, "idk template id cannot be empty")
		}
	}
	return nil
}

// ComponentScores are the algorithm sub-scores, each in [0,1].
type ComponentScores struct {
	Statistical        float64 `json:"statistical"`
	Threshold          float64 `json:"threshold"`
	MLFeatures         float64 `json:"mlFeatures"`
	RerankerConfidence float64 `json:"rerankerConfidence"`
}

// AnswerabilityScore is the full scoring breakdown behind a decision.
type AnswerabilityScore struct {
	Confidence float64         `json:"confidence"`
	Stats      ScoreStats      `json:"scoreStatistics"`
	Components ComponentScores `json:"componentScores"`
	Reasoning  string          `json:"reasoning,omitempty"`
	Elapsed    time.Duration   `json:"computationTime"`
}

// IDKResponse is the structured refusal returned instead of results.
type IDKResponse struct {
	Message         string   `json:"message"`
	ReasonCode      string   `json:"reasonCode"`
	Suggestions     []string `json:"suggestions,omitempty"`
	ConfidenceLevel float64  `json:"confidenceLevel"`
}

// AuditTrail is the structured record of one decision.
type AuditTrail struct {
	Timestamp         string        `json:"timestamp"`
	Query             string        `json:"query"`
	TenantID          string        `json:"tenantId"`
	ResultCount       int           `json:"resultCount"`
	Stats             ScoreStats    `json:"scoreStatistics"`
	Decision          string        `json:"decision"`
	ReasonCode        string        `json:"reasonCode,omitempty"`
	DecisionRationale []string      `json:"decisionRationale,omitempty"`
	Latency           time.Duration `json:"latency"`
	Caller            string        `json:"caller"`
}

// Decision is the guardrail verdict for one query.
type Decision struct {
	IsAnswerable bool               `json:"isAnswerable"`
	Score        AnswerabilityScore `json:"answerabilityScore"`
	Threshold    Threshold          `json:"resolvedThreshold"`
	IDK          *IDKResponse       `json:"idkResponse,omitempty"`
	Audit        AuditTrail         `json:"auditTrail"`
}

// Input is everything the guardrail looks at for one query.
type Input struct {
	Query       string
	User        *auth.UserContext
	Results     []models.SearchResult
	RerankerRan bool
}

// Evaluator applies one tenant's guardrail configuration.
type Evaluator struct {
	cfg    Config
	logger *zap.Logger
}

// New builds an evaluator.
func New(cfg Config, logger *zap.Logger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{cfg: cfg.withDefaults(), logger: logger}
}

// Evaluate decides answerability for one query. It never returns an error:
// the guardrail must not be able to fail the request it gates.
func (e *Evaluator) Evaluate(input Input) Decision {
	start := time.Now()
	cfg := e.cfg

	stats := computeStats(topScores(input.Results, cfg.TopN))

	audit := AuditTrail{
		Timestamp:   time.Now().UTC().Format(time.RFC3339Nano),
		Query:       input.Query,
		ResultCount: len(input.Results),
		Stats:       stats,
	}
	if input.User != nil {
		audit.TenantID = input.User.TenantID
		audit.Caller = input.User.ID
	}

	decision := Decision{Threshold: cfg.Threshold}

	if !cfg.Enabled {
		decision.IsAnswerable = true
		audit.Decision = DecisionDisabled
		audit.DecisionRationale = []string{RationaleDisabled}
		return e.finish(decision, audit, AnswerabilityScore{Stats: stats}, start)
	}
	if cfg.Bypass && input.User != nil && input.User.IsAdmin() {
		decision.IsAnswerable = true
		audit.Decision = DecisionBypassed
		audit.DecisionRationale = []string{RationaleBypass}
		return e.finish(decision, audit, AnswerabilityScore{Stats: stats}, start)
	}

	components := ComponentScores{
		Statistical:        statisticalScore(stats),
		MLFeatures:         mlFeatureScore(input.Query, input.Results),
		RerankerConfidence: rerankerConfidence(input.Results, input.RerankerRan),
	}
	components.Threshold = thresholdScore(stats, components.Statistical, cfg.Threshold)

	confidence := clamp01(cfg.Weights.Statistical*components.Statistical +
		cfg.Weights.Threshold*components.Threshold +
		cfg.Weights.MLFeatures*components.MLFeatures +
		cfg.Weights.RerankerConfidence*components.RerankerConfidence)

	score := AnswerabilityScore{Confidence: confidence, Stats: stats, Components: components}

	failures := failedPredicates(stats, confidence, cfg.Threshold)
	if len(failures) == 0 {
		decision.IsAnswerable = true
		audit.Decision = DecisionAnswerable
		score.Reasoning = fmt.Sprintf("confidence %.3f meets all thresholds", confidence)
		return e.finish(decision, audit, score, start)
	}

	details := make([]string, len(failures))
	for i, f := range failures {
		details[i] = f.detail
	}
	code := failures[0].code
	score.Reasoning = strings.Join(details, "; ")

	decision.IsAnswerable = false
	decision.IDK = e.buildIDK(code, confidence, input.Results)
	audit.Decision = DecisionNotAnswerable
	audit.ReasonCode = code
	audit.DecisionRationale = details
	return e.finish(decision, audit, score, start)
}

func (e *Evaluator) finish(d Decision, audit AuditTrail, score AnswerabilityScore, start time.Time) Decision {
	elapsed := time.Since(start)
	score.Elapsed = elapsed
	audit.Latency = elapsed
	d.Score = score
	d.Audit = audit
	ometrics.RecordGuardrailDecision(audit.Decision)
	ometrics.RecordStage("guardrail", elapsed.Seconds())
	e.logger.Debug("guardrail decision",
		zap.String("decision", audit.Decision),
		zap.String("tenant", audit.TenantID),
		zap.Float64("confidence", score.Confidence),
		zap.Int("result_count", audit.ResultCount))
	return d
}

type failure struct {
	code   string
	detail string
}

// failedPredicates lists every unsatisfied hard predicate, most specific
// first. The leading failure names the block's reason code.
func failedPredicates(stats ScoreStats, confidence float64, th Threshold) []failure {
	var out []failure
	if stats.Count < th.MinResultCount {
		code := ReasonTooFewResults
		if stats.Count == 0 {
			code = ReasonNoResults
		}
		out = append(out, failure{code, fmt.Sprintf("result count %d below minimum %d", stats.Count, th.MinResultCount)})
	}
	if stats.Max < th.MinTopScore {
		out = append(out, failure{ReasonLowTopScore, fmt.Sprintf("top score %.3f below minimum %.3f", stats.Max, th.MinTopScore)})
	}
	if stats.Mean < th.MinMeanScore {
		out = append(out, failure{ReasonLowMeanScore, fmt.Sprintf("mean score %.3f below minimum %.3f", stats.Mean, th.MinMeanScore)})
	}
	if stats.StdDev > th.MaxStdDev {
		out = append(out, failure{ReasonHighVariance, fmt.Sprintf("score stddev %.3f above maximum %.3f", stats.StdDev, th.MaxStdDev)})
	}
	if confidence < th.MinConfidence {
		out = append(out, failure{ReasonLowConfidence, fmt.Sprintf("confidence %.3f below minimum %.3f", confidence, th.MinConfidence)})
	}
	return out
}

// statisticalScore blends max and mean with a spread penalty. Small result
// sets shift the score down: a lone high score is weak evidence.
func statisticalScore(stats ScoreStats) float64 {
	if stats.Count == 0 {
		return 0
	}
	score := 0.6*stats.Max + 0.4*stats.Mean - 0.5*stats.StdDev
	if stats.Count < 3 {
		score -= 0.1 * float64(3-stats.Count)
	}
	return clamp01(score)
}

// thresholdScore is the fraction of hard predicates satisfied. The composite
// confidence does not exist yet at this point, so the confidence predicate
// is evaluated against the statistical sub-score.
func thresholdScore(stats ScoreStats, statistical float64, th Threshold) float64 {
	passed := 0
	if stats.Count >= th.MinResultCount {
		passed++
	}
	if stats.Max >= th.MinTopScore {
		passed++
	}
	if stats.Mean >= th.MinMeanScore {
		passed++
	}
	if stats.StdDev <= th.MaxStdDev {
		passed++
	}
	if statistical >= th.MinConfidence {
		passed++
	}
	return float64(passed) / 5
}

// mlFeatureScore judges content plausibility on the top chunk: query-term
// coverage, a header, and a body long enough to answer from.
func mlFeatureScore(query string, results []models.SearchResult) float64 {
	if len(results) == 0 {
		return 0
	}
	top := results[0]

	coverage := 0.0
	queryTokens := textproc.Tokenize(query)
	if len(queryTokens) > 0 {
		present := make(map[string]bool)
		for _, t := range textproc.RawTokens(top.Content) {
			present[t] = true
		}
		hit := 0
		for _, q := range queryTokens {
			if present[q] {
				hit++
			}
		}
		coverage = float64(hit) / float64(len(queryTokens))
	}

	header := 0.0
	if top.Title() != "" {
		header = 1
	}

	return clamp01(0.5*coverage + 0.25*header + 0.25*lengthPlausibility(len([]rune(top.Content))))
}

// lengthPlausibility rates whether the top chunk is long enough to hold an
// answer but short enough to still be one chunk.
func lengthPlausibility(runes int) float64 {
	switch {
	case runes >= 100 && runes <= 4000:
		return 1
	case runes >= 40 && runes < 100:
		return 0.5
	case runes > 4000 && runes <= 8000:
		return 0.5
	default:
		return 0
	}
}

func rerankerConfidence(results []models.SearchResult, ran bool) float64 {
	if !ran || len(results) == 0 {
		return 0
	}
	return clamp01(results[0].RerankerScore)
}

func (e *Evaluator) buildIDK(code string, confidence float64, results []models.SearchResult) *IDKResponse {
	idk := &IDKResponse{
		Message:         e.messageFor(code),
		ReasonCode:      code,
		ConfidenceLevel: confidence,
	}
	if e.cfg.Fallback.SuggestionsEnabled {
		idk.Suggestions = suggestionsFrom(results, e.cfg.Fallback.SuggestionThreshold, e.cfg.Fallback.MaxSuggestions)
	}
	return idk
}

// messageFor picks the first template matching the reason code, then the
// catch-all, then the built-in default.
func (e *Evaluator) messageFor(code string) string {
	for _, t := range e.cfg.Templates {
		if t.ReasonCode == code {
			return t.Message
		}
	}
	for _, t := range e.cfg.Templates {
		if t.ReasonCode == "" {
			return t.Message
		}
	}
	return defaultIDKMessage
}

// suggestionsFrom collects distinct titles of rejected candidates that still
// scored at or above the suggestion threshold.
func suggestionsFrom(results []models.SearchResult, threshold float64, max int) []string {
	var out []string
	seen := make(map[string]bool)
	for _, r := range results {
		if r.Score < threshold {
			continue
		}
		title := r.Title()
		if title == "" || seen[title] {
			continue
		}
		seen[title] = true
		out = append(out, title)
		if len(out) >= max {
			break
		}
	}
	return out
}

func topScores(results []models.SearchResult, n int) []float64 {
	if len(results) < n {
		n = len(results)
	}
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		out[i] = results[i].Score
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
