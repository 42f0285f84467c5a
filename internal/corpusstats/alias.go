package corpusstats

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Alias clustering defaults; override via ALIAS_EMB_SIM_TAU and
// ALIAS_PMI_SIM_TAU.
const (
	DefaultAliasEmbeddingTau = 0.75
	DefaultAliasPMITau       = 2.0
	aliasCacheTTL            = time.Hour
)

// Cluster groups a phrase with its corpus aliases.
type Cluster struct {
	Center  string   `json:"center"`
	Members []string `json:"members"`
}

// Embedder is the vector dependency of alias clustering; the embeddings
// service satisfies it.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// AliasResolver expands query phrases into synonym clusters using corpus
// co-occurrence and embedding similarity, with a bounded 1h cache.
type AliasResolver struct {
	store        *Store
	embedder     Embedder
	embeddingTau float64
	pmiTau       float64
	logger       *zap.Logger

	mu    sync.Mutex
	cache map[string]aliasEntry
}

type aliasEntry struct {
	cluster Cluster
	expires time.Time
}

// NewAliasResolver wires the resolver; a nil embedder disables the
// similarity channel and clusters degrade to their PMI neighbors.
func NewAliasResolver(store *Store, embedder Embedder, embeddingTau, pmiTau float64, logger *zap.Logger) *AliasResolver {
	if embeddingTau <= 0 {
		embeddingTau = DefaultAliasEmbeddingTau
	}
	if pmiTau <= 0 {
		pmiTau = DefaultAliasPMITau
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AliasResolver{
		store:        store,
		embedder:     embedder,
		embeddingTau: embeddingTau,
		pmiTau:       pmiTau,
		logger:       logger,
		cache:        make(map[string]aliasEntry),
	}
}

// Resolve returns the alias cluster for a phrase. Every failure path
// degrades to the singleton cluster {center, [center]}.
func (r *AliasResolver) Resolve(ctx context.Context, tenantID, phrase string) Cluster {
	center := strings.ToLower(strings.TrimSpace(phrase))
	if center == "" {
		return Cluster{}
	}
	key := tenantID + "|" + center

	r.mu.Lock()
	if entry, ok := r.cache[key]; ok && time.Now().Before(entry.expires) {
		r.mu.Unlock()
		return entry.cluster
	}
	r.mu.Unlock()

	cluster := r.build(ctx, tenantID, center)

	r.mu.Lock()
	r.cache[key] = aliasEntry{cluster: cluster, expires: time.Now().Add(aliasCacheTTL)}
	r.mu.Unlock()
	return cluster
}

func (r *AliasResolver) build(ctx context.Context, tenantID, center string) Cluster {
	singleton := Cluster{Center: center, Members: []string{center}}

	stats, err := r.store.Get(tenantID)
	if err != nil {
		r.logger.Warn("Alias clustering without corpus stats",
			zap.String("tenant", tenantID), zap.Error(err))
		return singleton
	}

	candidates := stats.Neighbors(center)
	if len(candidates) == 0 {
		return singleton
	}
	sort.Strings(candidates)

	members := map[string]struct{}{center: {}}

	// Channel (a): strong PMI neighbors.
	var undecided []string
	for _, cand := range candidates {
		if strings.EqualFold(cand, center) {
			continue
		}
		if stats.PMI(center, cand) >= r.pmiTau {
			members[strings.ToLower(cand)] = struct{}{}
		} else {
			undecided = append(undecided, cand)
		}
	}

	// Channel (b): embedding cosine over the remaining candidates.
	if r.embedder != nil && len(undecided) > 0 {
		texts := append([]string{center}, undecided...)
		vecs, err := r.embedder.EmbedBatch(ctx, texts)
		if err != nil || len(vecs) != len(texts) {
			r.logger.Warn("Alias embedding channel unavailable",
				zap.String("center", center), zap.Error(err))
			return singleton
		}
		for i, cand := range undecided {
			if cosine(vecs[0], vecs[i+1]) >= r.embeddingTau {
				members[strings.ToLower(cand)] = struct{}{}
			}
		}
	}

	out := make([]string, 0, len(members))
	for m := range members {
		out = append(out, m)
	}
	sort.Strings(out)
	return Cluster{Center: center, Members: out}
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
