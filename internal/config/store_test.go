package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const tenantsDoc = `
tenants:
  tech_corp:
    search:
      vector_weight: 0.9
      keyword_weight: 0.1
      rrf_k: 40
  globex:
`

func TestTenantStoreServesDefaultsForUnknownTenants(t *testing.T) {
	defaults := DefaultTenantConfig(testSettings())
	store := NewTenantStore(defaults, zap.NewNop())

	cfg := store.Get("nobody")
	assert.Equal(t, "nobody", cfg.TenantID)
	assert.InDelta(t, defaults.Search.VectorWeight, cfg.Search.VectorWeight, 1e-9)
	assert.Empty(t, store.Tenants())
}

func TestTenantStoreBindLoadsDocument(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tenants.yaml"), []byte(tenantsDoc), 0o644))

	defaults := DefaultTenantConfig(testSettings())
	store := NewTenantStore(defaults, zap.NewNop())
	m, err := NewManager(dir, zap.NewNop())
	require.NoError(t, err)
	store.Bind(m)
	require.NoError(t, m.Start())
	t.Cleanup(func() { _ = m.Stop() })

	// Handlers run asynchronously after the load.
	require.Eventually(t, func() bool {
		return len(store.Tenants()) == 2
	}, 2*time.Second, 20*time.Millisecond)

	tech := store.Get("tech_corp")
	assert.InDelta(t, 0.9, tech.Search.VectorWeight, 1e-9)
	assert.Equal(t, 40, tech.Search.RRFK)

	globex := store.Get("globex")
	assert.InDelta(t, defaults.Search.VectorWeight, globex.Search.VectorWeight, 1e-9)
}

func TestTenantStoreKeepsServingOnRejectedUpdate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tenants.yaml")
	require.NoError(t, os.WriteFile(path, []byte(tenantsDoc), 0o644))

	store := NewTenantStore(DefaultTenantConfig(testSettings()), zap.NewNop())
	m, err := NewManager(dir, zap.NewNop())
	require.NoError(t, err)
	store.Bind(m)
	require.NoError(t, m.Start())
	t.Cleanup(func() { _ = m.Stop() })

	require.Eventually(t, func() bool {
		return store.Get("tech_corp").Search.RRFK == 40
	}, 2*time.Second, 20*time.Millisecond)

	bad := "tenants:\n  tech_corp:\n    search:\n      retrieval_k: 0\n"
	require.NoError(t, os.WriteFile(path, []byte(bad), 0o644))
	require.Error(t, m.Reload("tenants.yaml"))

	// The rejected document never reaches the store.
	assert.Equal(t, 40, store.Get("tech_corp").Search.RRFK)
}

func TestTenantStoreRevertsToDefaultsOnDelete(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tenants.yaml")
	require.NoError(t, os.WriteFile(path, []byte(tenantsDoc), 0o644))

	defaults := DefaultTenantConfig(testSettings())
	store := NewTenantStore(defaults, zap.NewNop())
	m, err := NewManager(dir, zap.NewNop())
	require.NoError(t, err)
	store.Bind(m)
	require.NoError(t, m.Start())
	t.Cleanup(func() { _ = m.Stop() })

	require.Eventually(t, func() bool {
		return store.Get("tech_corp").Search.RRFK == 40
	}, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, os.Remove(path))
	m.handleEvent(fsnotify.Event{Name: path, Op: fsnotify.Remove})

	require.Eventually(t, func() bool {
		return store.Get("tech_corp").Search.RRFK == defaults.Search.RRFK
	}, 2*time.Second, 20*time.Millisecond)
	assert.Empty(t, store.Tenants())
}
