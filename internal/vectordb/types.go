package vectordb

import "time"

// Config controls the Qdrant HTTP client.
type Config struct {
	Host       string        `yaml:"host" json:"host"`
	Port       int           `yaml:"port" json:"port"`
	Collection string        `yaml:"collection" json:"collection"`
	Timeout    time.Duration `yaml:"timeout" json:"timeout"`
	TopK       int           `yaml:"top_k" json:"top_k"`
	// WithVectors asks for stored vectors on search hits (needed for MMR
	// novelty scoring downstream).
	WithVectors bool `yaml:"with_vectors" json:"with_vectors"`
}

// Match is one field predicate. Exactly one of Value, Any, Text is set.
type Match struct {
	Value interface{} `json:"value,omitempty"`
	Any   []string    `json:"any,omitempty"`
	Text  string      `json:"text,omitempty"`
}

// Condition matches either a payload field or a set of point IDs.
type Condition struct {
	Key   string   `json:"key,omitempty"`
	Match *Match   `json:"match,omitempty"`
	HasID []string `json:"has_id,omitempty"`
}

// Filter is the boolean clause set the store understands.
type Filter struct {
	Must    []Condition `json:"must,omitempty"`
	Should  []Condition `json:"should,omitempty"`
	MustNot []Condition `json:"must_not,omitempty"`
}

// IsZero reports whether the filter constrains anything.
func (f *Filter) IsZero() bool {
	return f == nil || (len(f.Must) == 0 && len(f.Should) == 0 && len(f.MustNot) == 0)
}

// MatchValue matches a single payload value exactly.
func MatchValue(key string, value interface{}) Condition {
	return Condition{Key: key, Match: &Match{Value: value}}
}

// MatchAny matches when the payload field intersects the given values.
func MatchAny(key string, values []string) Condition {
	return Condition{Key: key, Match: &Match{Any: values}}
}

// MatchText full-text matches a payload field.
func MatchText(key, text string) Condition {
	return Condition{Key: key, Match: &Match{Text: text}}
}

// ExcludeIDs filters out the given point IDs.
func ExcludeIDs(ids []string) Condition {
	return Condition{HasID: ids}
}

// Point is one stored chunk as the store returns it.
type Point struct {
	ID      string                 `json:"id"`
	Score   float64                `json:"score"`
	Payload map[string]interface{} `json:"payload"`
	Vector  []float32              `json:"vector,omitempty"`
}

// SearchParams drives one vector query.
type SearchParams struct {
	Vector     []float32
	Limit      int
	Threshold  float64
	Filter     *Filter
	WithVector bool
}

// ScrollParams drives one filtered scroll without a query vector.
type ScrollParams struct {
	Filter      *Filter
	Limit       int
	WithPayload bool
	WithVector  bool
	Offset      string
}

// ScrollResult carries one scroll page.
type ScrollResult struct {
	Points     []Point
	NextOffset string
}

// UpsertItem is one point for ingestion.
type UpsertItem struct {
	ID      string                 `json:"id"`
	Vector  []float32              `json:"vector"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}
