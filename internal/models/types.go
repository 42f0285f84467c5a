// Package models holds the shared data types that flow between pipeline
// stages: search candidates, request/metric envelopes, and the fusion trace.
package models

import "time"

// SearchType classifies how a candidate entered the result set.
type SearchType string

const (
	SearchTypeVectorOnly           SearchType = "vector_only"
	SearchTypeKeywordOnly          SearchType = "keyword_only"
	SearchTypeHybrid               SearchType = "hybrid"
	SearchTypeSectionRelated       SearchType = "section_related"
	SearchTypeSectionReconstructed SearchType = "section_reconstructed"
)

// Payload keys shared with the vector store collection schema. Filters and
// payload reads must agree on these.
const (
	PayloadKeyTenant      = "tenant"
	PayloadKeyACL         = "acl"
	PayloadKeyDocID       = "docId"
	PayloadKeySpaceID     = "spaceId"
	PayloadKeySectionPath = "sectionPath"
	PayloadKeyTitle       = "title"
	PayloadKeyContent     = "content"
	PayloadKeyTokenCount  = "tokenCount"
	PayloadKeyLanguage    = "language"
)

// PublicPrincipal is the ACL entry that grants access to every caller of the
// owning tenant.
const PublicPrincipal = "public"

// SearchRequest is the inbound query envelope. Pointer fields override the
// tenant defaults only when set.
type SearchRequest struct {
	Query               string   `json:"query"`
	Limit               int      `json:"limit"`
	VectorWeight        *float64 `json:"vectorWeight,omitempty"`
	KeywordWeight       *float64 `json:"keywordWeight,omitempty"`
	RRFK                *int     `json:"rrfK,omitempty"`
	EnableKeywordSearch *bool    `json:"enableKeywordSearch,omitempty"`
	TenantID            string   `json:"tenantId,omitempty"`
	SpaceIDs            []string `json:"spaceIds,omitempty"`
}

// SearchResult is the per-candidate record carried through fusion, reranking,
// section reconstruction, and packing. Score is the current primary ranking
// score; stage-specific scores are kept alongside so later stages and traces
// can see where a number came from.
type SearchResult struct {
	ID            string                 `json:"id"`
	Score         float64                `json:"score"`
	VectorScore   float64                `json:"vectorScore,omitempty"`
	KeywordScore  float64                `json:"keywordScore,omitempty"`
	FusionScore   float64                `json:"fusionScore,omitempty"`
	RerankerScore float64                `json:"rerankerScore,omitempty"`
	OriginalScore float64                `json:"originalScore,omitempty"`
	Rank          int                    `json:"rank,omitempty"`
	SearchType    SearchType             `json:"searchType"`
	Content       string                 `json:"content"`
	Payload       map[string]interface{} `json:"payload,omitempty"`
	Vector        []float32              `json:"-"`
}

// DocID returns the owning document id, falling back to the chunk id when the
// payload carries none.
func (r *SearchResult) DocID() string {
	if v := PayloadString(r.Payload, PayloadKeyDocID); v != "" {
		return v
	}
	return r.ID
}

// Tenant returns the payload tenant id, or empty.
func (r *SearchResult) Tenant() string {
	return PayloadString(r.Payload, PayloadKeyTenant)
}

// ACL returns the payload access list, or nil.
func (r *SearchResult) ACL() []string {
	return PayloadStrings(r.Payload, PayloadKeyACL)
}

// SectionPath returns the payload section path, or empty.
func (r *SearchResult) SectionPath() string {
	return PayloadString(r.Payload, PayloadKeySectionPath)
}

// Title returns the payload title, or empty.
func (r *SearchResult) Title() string {
	return PayloadString(r.Payload, PayloadKeyTitle)
}

// Clone returns a deep-enough copy: payload map is copied one level, vector
// is shared (it is never mutated downstream).
func (r *SearchResult) Clone() SearchResult {
	out := *r
	if r.Payload != nil {
		out.Payload = make(map[string]interface{}, len(r.Payload))
		for k, v := range r.Payload {
			out.Payload[k] = v
		}
	}
	return out
}

// PayloadString coerces a payload value to string.
func PayloadString(p map[string]interface{}, key string) string {
	if p == nil {
		return ""
	}
	if v, ok := p[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// PayloadStrings coerces a payload value to a string slice; JSON decoding
// yields []interface{} so both forms are accepted.
func PayloadStrings(p map[string]interface{}, key string) []string {
	if p == nil {
		return nil
	}
	switch v := p[key].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// PayloadInt coerces a payload value to int (JSON numbers decode as float64).
func PayloadInt(p map[string]interface{}, key string) int {
	if p == nil {
		return 0
	}
	switch v := p[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// SearchMetrics is the per-request latency and count breakdown returned to
// callers alongside results.
type SearchMetrics struct {
	VectorSearchDuration  time.Duration `json:"vectorSearchDuration"`
	KeywordSearchDuration time.Duration `json:"keywordSearchDuration"`
	FusionDuration        time.Duration `json:"fusionDuration"`
	RerankerDuration      time.Duration `json:"rerankerDuration"`
	GuardrailDuration     time.Duration `json:"guardrailDuration,omitempty"`
	TotalDuration         time.Duration `json:"totalDuration"`
	VectorResultCount     int           `json:"vectorResultCount"`
	KeywordResultCount    int           `json:"keywordResultCount"`
	FinalResultCount      int           `json:"finalResultCount"`
	RerankingEnabled      bool          `json:"rerankingEnabled"`
	DocumentsReranked     int           `json:"documentsReranked"`
}

// FusionTrace records how the fused ordering was produced, for debugging and
// deterministic tests.
type FusionTrace struct {
	Strategy      string                    `json:"strategy"`
	Normalization string                    `json:"normalization"`
	VectorWeight  float64                   `json:"vectorWeight"`
	KeywordWeight float64                   `json:"keywordWeight"`
	RRFK          int                       `json:"rrfK"`
	Adaptive      bool                      `json:"adaptive"`
	Candidates    []FusionCandidateTrace    `json:"candidates"`
	ChannelRanks  map[string]map[string]int `json:"channelRanks,omitempty"`
}

// FusionCandidateTrace is one candidate's view of fusion.
type FusionCandidateTrace struct {
	ID               string  `json:"id"`
	VectorRank       int     `json:"vectorRank,omitempty"`
	KeywordRank      int     `json:"keywordRank,omitempty"`
	NormVectorScore  float64 `json:"normVectorScore"`
	NormKeywordScore float64 `json:"normKeywordScore"`
	FusedScore       float64 `json:"fusedScore"`
}
