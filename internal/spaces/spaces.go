// Package spaces assigns documents to per-tenant topic spaces. A space is
// either seeded by an operator or auto-created from the leading salient
// phrase of a document that matches no seed; space ids feed the optional
// spaceId retrieval filter.
package spaces

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/lodestone-ai/lodestone/internal/apperr"
	"github.com/lodestone-ai/lodestone/internal/corpusstats"
	ometrics "github.com/lodestone-ai/lodestone/internal/metrics"
	"github.com/lodestone-ai/lodestone/internal/textproc"
)

// GeneralSpaceID is the fallback space present in every tenant registry.
const GeneralSpaceID = "general"

// Space lifecycle states. Archived spaces keep their id reserved but no
// longer attract documents through seed matching.
const (
	StatusActive   = "active"
	StatusArchived = "archived"
)

// DefaultAuthorityScore is assigned to auto-created spaces; operator-seeded
// spaces usually carry a higher score so they win ties.
const DefaultAuthorityScore = 0.5

// salientSentences bounds how much of a document's head is mined for the
// auto-created space name.
const salientSentences = 2

// Space is one per-tenant topic bucket.
type Space struct {
	SpaceID        string   `json:"spaceId"`
	TenantID       string   `json:"tenantId"`
	Name           string   `json:"name"`
	AuthorityScore float64  `json:"authorityScore"`
	AutoCreated    bool     `json:"autoCreated"`
	Status         string   `json:"status"`
	Seeds          []string `json:"seeds,omitempty"`
}

// registryFile is the serialized per-tenant registry.
type registryFile struct {
	TenantID string  `json:"tenantId"`
	Spaces   []Space `json:"spaces"`
	Version  int     `json:"version"`
}

// Registry caches per-tenant space sets in memory with write-through JSON
// persistence. Mutations bump the registry version and replace the file
// atomically.
type Registry struct {
	dir    string
	logger *zap.Logger

	mu       sync.RWMutex
	byTenant map[string]*registryFile
}

// NewRegistry builds a registry rooted at dir (created on first write).
func NewRegistry(dir string, logger *zap.Logger) *Registry {
	if dir == "" {
		dir = "data"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{dir: dir, logger: logger, byTenant: make(map[string]*registryFile)}
}

// Resolve assigns document text to exactly one space for the tenant. Active
// seeded spaces win when any seed phrase is fully covered by the document's
// tokens; otherwise a space is auto-created from the leading salient phrase,
// and documents with no usable tokens land in the general space.
func (r *Registry) Resolve(tenantID, text string, stats *corpusstats.Stats) (Space, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, err := r.tenantLocked(tenantID)
	if err != nil {
		return Space{}, err
	}

	docTokens := textproc.TokenSet(text)
	if best, ok := bestSeedMatch(reg.Spaces, docTokens); ok {
		ometrics.SpaceResolutions.WithLabelValues("seed_match").Inc()
		return best, nil
	}

	name := salientName(text, stats)
	slug := textproc.Slugify(name)
	if slug == "" {
		ometrics.SpaceResolutions.WithLabelValues("fallback").Inc()
		return *findSpace(reg, GeneralSpaceID), nil
	}
	// An auto-derived slug that already names a space resolves to it, keeping
	// ids stable across re-ingestion.
	if existing := findSpace(reg, slug); existing != nil {
		ometrics.SpaceResolutions.WithLabelValues("slug_match").Inc()
		return *existing, nil
	}

	space := Space{
		SpaceID:        slug,
		TenantID:       tenantID,
		Name:           name,
		AuthorityScore: DefaultAuthorityScore,
		AutoCreated:    true,
		Status:         StatusActive,
		Seeds:          []string{name},
	}
	reg.Spaces = append(reg.Spaces, space)
	reg.Version++
	if err := r.save(reg); err != nil {
		return Space{}, err
	}
	ometrics.SpaceResolutions.WithLabelValues("auto_created").Inc()
	r.logger.Info("auto-created space",
		zap.String("tenant", tenantID),
		zap.String("space_id", slug),
		zap.String("name", name))
	return space, nil
}

// Upsert inserts or replaces a space by id and persists the registry. An
// empty SpaceID is derived from the name; the authority score is clamped to
// [0,1].
func (r *Registry) Upsert(tenantID string, space Space) (Space, error) {
	if space.SpaceID == "" {
		space.SpaceID = textproc.Slugify(space.Name)
	}
	if space.SpaceID == "" {
		return Space{}, apperr.New(apperr.CodeInvalidConfiguration, "space needs an id or a sluggable name")
	}
	space.TenantID = tenantID
	if space.Status == "" {
		space.Status = StatusActive
	}
	if space.AuthorityScore < 0 {
		space.AuthorityScore = 0
	}
	if space.AuthorityScore > 1 {
		space.AuthorityScore = 1
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	reg, err := r.tenantLocked(tenantID)
	if err != nil {
		return Space{}, err
	}
	replaced := false
	for i := range reg.Spaces {
		if reg.Spaces[i].SpaceID == space.SpaceID {
			reg.Spaces[i] = space
			replaced = true
			break
		}
	}
	if !replaced {
		reg.Spaces = append(reg.Spaces, space)
	}
	reg.Version++
	if err := r.save(reg); err != nil {
		return Space{}, err
	}
	return space, nil
}

// Spaces returns the tenant's spaces sorted by id. The general fallback is
// always present.
func (r *Registry) Spaces(tenantID string) ([]Space, error) {
	r.mu.RLock()
	if reg, ok := r.byTenant[tenantID]; ok {
		out := sortedCopy(reg.Spaces)
		r.mu.RUnlock()
		return out, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	reg, err := r.tenantLocked(tenantID)
	if err != nil {
		return nil, err
	}
	return sortedCopy(reg.Spaces), nil
}

// Version returns the tenant registry's persisted mutation counter.
func (r *Registry) Version(tenantID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, err := r.tenantLocked(tenantID)
	if err != nil {
		return 0, err
	}
	return reg.Version, nil
}

// Path returns the registry file location for a tenant.
func (r *Registry) Path(tenantID string) string {
	return filepath.Join(r.dir, fmt.Sprintf("spaces-%s.json", sanitizeTenant(tenantID)))
}

// tenantLocked returns the cached registry, loading from disk on first use.
// Callers hold the write lock.
func (r *Registry) tenantLocked(tenantID string) (*registryFile, error) {
	if reg, ok := r.byTenant[tenantID]; ok {
		return reg, nil
	}
	reg, err := r.load(tenantID)
	if err != nil {
		return nil, err
	}
	r.byTenant[tenantID] = reg
	return reg, nil
}

func (r *Registry) load(tenantID string) (*registryFile, error) {
	b, err := os.ReadFile(r.Path(tenantID))
	if os.IsNotExist(err) {
		return newTenantRegistry(tenantID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read space registry: %w", err)
	}
	reg := &registryFile{}
	if err := json.Unmarshal(b, reg); err != nil {
		return nil, fmt.Errorf("parse space registry for %s: %w", tenantID, err)
	}
	reg.TenantID = tenantID
	ensureGeneral(reg)
	return reg, nil
}

// save writes to a temp file and renames over the target so readers never
// observe a torn file.
func (r *Registry) save(reg *registryFile) error {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("create space registry dir: %w", err)
	}
	b, err := json.MarshalIndent(reg, "", "  ")
	if err != nil {
		return err
	}
	target := r.Path(reg.TenantID)
	tmp, err := os.CreateTemp(r.dir, "spaces-*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

func newTenantRegistry(tenantID string) *registryFile {
	reg := &registryFile{TenantID: tenantID}
	ensureGeneral(reg)
	return reg
}

// ensureGeneral guarantees the fallback space without bumping the version;
// the next mutation persists it.
func ensureGeneral(reg *registryFile) {
	if findSpace(reg, GeneralSpaceID) != nil {
		return
	}
	reg.Spaces = append([]Space{{
		SpaceID:  GeneralSpaceID,
		TenantID: reg.TenantID,
		Name:     "General",
		Status:   StatusActive,
	}}, reg.Spaces...)
}

func findSpace(reg *registryFile, spaceID string) *Space {
	for i := range reg.Spaces {
		if reg.Spaces[i].SpaceID == spaceID {
			return &reg.Spaces[i]
		}
	}
	return nil
}

func sortedCopy(spaces []Space) []Space {
	out := make([]Space, len(spaces))
	copy(out, spaces)
	sort.Slice(out, func(i, j int) bool { return out[i].SpaceID < out[j].SpaceID })
	return out
}

// bestSeedMatch picks the matching active space with the highest authority
// score, breaking ties by space id so resolution is deterministic.
func bestSeedMatch(spaces []Space, docTokens map[string]struct{}) (Space, bool) {
	var best *Space
	for i := range spaces {
		s := &spaces[i]
		if s.Status != StatusActive || len(s.Seeds) == 0 {
			continue
		}
		if !seedMatches(s.Seeds, docTokens) {
			continue
		}
		if best == nil ||
			s.AuthorityScore > best.AuthorityScore ||
			(s.AuthorityScore == best.AuthorityScore && s.SpaceID < best.SpaceID) {
			best = s
		}
	}
	if best == nil {
		return Space{}, false
	}
	return *best, true
}

// seedMatches reports whether any seed phrase is fully covered by the
// document's token set.
func seedMatches(seeds []string, docTokens map[string]struct{}) bool {
	for _, seed := range seeds {
		tokens := textproc.Tokenize(seed)
		if len(tokens) == 0 {
			continue
		}
		covered := true
		for _, tok := range tokens {
			if _, ok := docTokens[tok]; !ok {
				covered = false
				break
			}
		}
		if covered {
			return true
		}
	}
	return false
}

// salientName derives a space name from the document's head: the first
// qualifying keyphrase, else the first two surviving tokens.
func salientName(text string, stats *corpusstats.Stats) string {
	kp := corpusstats.ExtractKeyphrases(leadingSnippet(text), stats, 0, 0)
	if len(kp.Phrases) > 0 {
		return kp.Phrases[0]
	}
	if len(kp.Tokens) >= 2 {
		return kp.Tokens[0] + " " + kp.Tokens[1]
	}
	if len(kp.Tokens) == 1 {
		return kp.Tokens[0]
	}
	return ""
}

func leadingSnippet(text string) string {
	sentences := textproc.SplitSentences(text)
	if len(sentences) == 0 {
		return text
	}
	if len(sentences) > salientSentences {
		sentences = sentences[:salientSentences]
	}
	return strings.Join(sentences, " ")
}

// sanitizeTenant keeps tenant-derived filenames path-safe.
func sanitizeTenant(tenantID string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, tenantID)
}
