package config

import (
	"sort"
	"sync"

	"go.uber.org/zap"
)

// TenantFiles are the filenames the tenant store binds to in the watched
// config directory. The first one found wins on initial load.
var TenantFiles = []string{"tenants.yaml", "tenants.yml", "tenants.json"}

// TenantStore serves per-tenant configuration. Reads are lock-cheap; a
// reload parses and validates the whole document off to the side, then swaps
// the map in one step, so a rejected update never disturbs the serving copy.
type TenantStore struct {
	logger   *zap.Logger
	defaults TenantConfig

	mu       sync.RWMutex
	byTenant map[string]TenantConfig
}

// NewTenantStore builds a store serving defaults for every tenant until a
// configuration document is loaded.
func NewTenantStore(defaults TenantConfig, logger *zap.Logger) *TenantStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TenantStore{
		logger:   logger,
		defaults: defaults,
		byTenant: make(map[string]TenantConfig),
	}
}

// Get returns the tenant's configuration, falling back to the defaults for
// unknown tenants.
func (s *TenantStore) Get(tenantID string) TenantConfig {
	s.mu.RLock()
	cfg, ok := s.byTenant[tenantID]
	s.mu.RUnlock()
	if ok {
		return cfg
	}
	cfg = s.defaults
	cfg.TenantID = tenantID
	return cfg
}

// Defaults returns the global tenant defaults.
func (s *TenantStore) Defaults() TenantConfig {
	return s.defaults
}

// Tenants lists the explicitly configured tenant ids, sorted.
func (s *TenantStore) Tenants() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.byTenant))
	for id := range s.byTenant {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Replace swaps the whole tenant map.
func (s *TenantStore) Replace(configs map[string]TenantConfig) {
	if configs == nil {
		configs = make(map[string]TenantConfig)
	}
	s.mu.Lock()
	s.byTenant = configs
	s.mu.Unlock()
	s.logger.Info("tenant configuration replaced", zap.Int("tenants", len(configs)))
}

// Bind wires the store into a Manager: documents are validated before the
// swap, and deleting the file reverts every tenant to the defaults.
func (s *TenantStore) Bind(m *Manager) {
	validator := func(raw map[string]interface{}) error {
		_, err := ParseTenantFile(raw, s.defaults)
		return err
	}
	handler := func(event ChangeEvent) error {
		if event.Action == ActionDelete {
			s.Replace(nil)
			return nil
		}
		configs, err := ParseTenantFile(event.Config, s.defaults)
		if err != nil {
			return err
		}
		s.Replace(configs)
		return nil
	}
	for _, name := range TenantFiles {
		m.RegisterValidator(name, validator)
		m.RegisterHandler(name, handler)
	}
}
