package corpusstats

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	ometrics "github.com/lodestone-ai/lodestone/internal/metrics"
)

// DefaultTTL is how long cached statistics serve before a disk reload.
const DefaultTTL = 24 * time.Hour

// Store caches per-tenant statistics in memory with write-through JSON
// persistence. Readers share the cached pointer; updates replace it whole.
type Store struct {
	dir    string
	ttl    time.Duration
	logger *zap.Logger

	mu       sync.RWMutex
	byTenant map[string]*storeEntry
}

type storeEntry struct {
	stats    *Stats
	loadedAt time.Time
}

// NewStore builds a store rooted at dir (created on first write).
func NewStore(dir string, ttl time.Duration, logger *zap.Logger) *Store {
	if dir == "" {
		dir = "data"
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{dir: dir, ttl: ttl, logger: logger, byTenant: make(map[string]*storeEntry)}
}

// Get returns the tenant's statistics, reloading from disk after the TTL.
// Tenants with no file yet get an empty statistics set.
func (s *Store) Get(tenantID string) (*Stats, error) {
	s.mu.RLock()
	entry, ok := s.byTenant[tenantID]
	s.mu.RUnlock()
	if ok && time.Since(entry.loadedAt) < s.ttl {
		return entry.stats, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Another goroutine may have reloaded while we waited.
	if entry, ok := s.byTenant[tenantID]; ok && time.Since(entry.loadedAt) < s.ttl {
		return entry.stats, nil
	}

	stats, err := s.load(tenantID)
	if err != nil {
		return nil, err
	}
	s.byTenant[tenantID] = &storeEntry{stats: stats, loadedAt: time.Now()}
	ometrics.CorpusStatsReloads.WithLabelValues(tenantID).Inc()
	return stats, nil
}

// UpdateCorpusStats folds documents into the tenant's statistics and
// persists the result before returning it.
func (s *Store) UpdateCorpusStats(docs []Document, tenantID string) (*Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats *Stats
	if entry, ok := s.byTenant[tenantID]; ok && time.Since(entry.loadedAt) < s.ttl {
		stats = entry.stats
	} else {
		loaded, err := s.load(tenantID)
		if err != nil {
			return nil, err
		}
		stats = loaded
	}

	stats.Update(docs)
	if err := s.save(stats); err != nil {
		return nil, err
	}
	s.byTenant[tenantID] = &storeEntry{stats: stats, loadedAt: time.Now()}
	return stats, nil
}

// Path returns the statistics file location for a tenant.
func (s *Store) Path(tenantID string) string {
	return filepath.Join(s.dir, fmt.Sprintf("corpus-stats-%s.json", sanitizeTenant(tenantID)))
}

func (s *Store) load(tenantID string) (*Stats, error) {
	b, err := os.ReadFile(s.Path(tenantID))
	if os.IsNotExist(err) {
		return NewStats(tenantID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read corpus stats: %w", err)
	}
	stats := NewStats(tenantID)
	if err := json.Unmarshal(b, stats); err != nil {
		return nil, fmt.Errorf("parse corpus stats for %s: %w", tenantID, err)
	}
	return stats, nil
}

// save writes to a temp file and renames over the target so readers never
// observe a torn file.
func (s *Store) save(stats *Stats) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create stats dir: %w", err)
	}
	b, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return err
	}
	target := s.Path(stats.TenantID)
	tmp, err := os.CreateTemp(s.dir, "corpus-stats-*.tmp")
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
