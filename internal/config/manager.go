package config

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Change actions reported to handlers.
const (
	ActionInitialLoad  = "initial_load"
	ActionCreate       = "create"
	ActionModify       = "modify"
	ActionDelete       = "delete"
	ActionManualReload = "manual_reload"
	ActionPolling      = "polling_detected"
)

// writeSettle absorbs rapid successive writes before a file is re-read.
const writeSettle = 50 * time.Millisecond

// ChangeEvent describes one configuration document change.
type ChangeEvent struct {
	File      string                 `json:"file"`
	Action    string                 `json:"action"`
	Config    map[string]interface{} `json:"config"`
	Timestamp time.Time              `json:"timestamp"`
}

// ChangeHandler reacts to a document change. Handlers run on their own
// goroutine; errors are logged, never propagated to the watcher.
type ChangeHandler func(event ChangeEvent) error

// Validator inspects a parsed document before it replaces the served copy.
// An error rejects the update and keeps the previous content.
type Validator func(config map[string]interface{}) error

// Manager watches one directory of YAML/JSON configuration files and keeps
// their parsed content available. New content is validated before the swap.
// A polling fallback covers filesystems where fsnotify is unreliable.
type Manager struct {
	dir     string
	logger  *zap.Logger
	watcher *fsnotify.Watcher
	stopCh  chan struct{}

	mu         sync.RWMutex
	started    bool
	configs    map[string]map[string]interface{}
	handlers   map[string][]ChangeHandler
	validators map[string]Validator

	pollInterval time.Duration
	polling      bool
}

// NewManager builds a manager for the given directory, creating it when
// missing.
func NewManager(dir string, logger *zap.Logger) (*Manager, error) {
	if dir == "" {
		return nil, fmt.Errorf("config directory cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create config directory: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	return &Manager{
		dir:          dir,
		logger:       logger,
		watcher:      watcher,
		stopCh:       make(chan struct{}),
		configs:      make(map[string]map[string]interface{}),
		handlers:     make(map[string][]ChangeHandler),
		validators:   make(map[string]Validator),
		pollInterval: 10 * time.Second,
	}, nil
}

// RegisterHandler subscribes to changes of one file.
func (m *Manager) RegisterHandler(filename string, handler ChangeHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[filename] = append(m.handlers[filename], handler)
}

// RegisterValidator gates updates of one file.
func (m *Manager) RegisterValidator(filename string, validator Validator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.validators[filename] = validator
}

// EnablePolling turns on the polling fallback. Must be called before Start.
func (m *Manager) EnablePolling(interval time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.polling = true
	if interval > 0 {
		m.pollInterval = interval
	}
}

// Start loads every document in the directory and begins watching. Documents
// failing validation on the initial load are skipped with an error log so
// one bad file cannot hold the service down.
func (m *Manager) Start() error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	polling := m.polling
	m.mu.Unlock()

	if err := m.watcher.Add(m.dir); err != nil {
		return fmt.Errorf("watch config directory: %w", err)
	}
	m.loadAll()

	go m.watchLoop()
	if polling {
		go m.pollLoop()
	}

	m.mu.RLock()
	loaded := len(m.configs)
	m.mu.RUnlock()
	m.logger.Info("configuration manager started",
		zap.String("dir", m.dir),
		zap.Int("documents", loaded),
		zap.Bool("polling", polling))
	return nil
}

// Stop ends watching. Loaded documents stay readable.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return nil
	}
	m.started = false
	close(m.stopCh)
	return m.watcher.Close()
}

// Get returns a copy of one document's parsed content.
func (m *Manager) Get(filename string) (map[string]interface{}, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	config, ok := m.configs[filename]
	if !ok {
		return nil, false
	}
	return copyDocument(config), true
}

// Reload re-reads one document from disk immediately.
func (m *Manager) Reload(filename string) error {
	return m.loadFile(filepath.Join(m.dir, filename), ActionManualReload)
}

func (m *Manager) watchLoop() {
	for {
		select {
		case <-m.stopCh:
			return
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			m.handleEvent(event)
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Error("file watcher error", zap.Error(err))
		}
	}
}

func (m *Manager) handleEvent(event fsnotify.Event) {
	if !isConfigFile(event.Name) {
		return
	}
	filename := filepath.Base(event.Name)

	switch {
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		m.dropFile(filename)
	case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
		action := ActionModify
		if event.Op&fsnotify.Create != 0 {
			action = ActionCreate
		}
		// Editors and atomic-rename writers produce bursts; settle first.
		time.Sleep(writeSettle)
		if err := m.loadFile(event.Name, action); err != nil {
			m.logger.Error("configuration update rejected",
				zap.String("file", filename),
				zap.String("action", action),
				zap.Error(err))
		}
	}
}

// pollLoop re-reads changed files on an interval for filesystems without
// reliable change notification.
func (m *Manager) pollLoop() {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	modTimes := make(map[string]time.Time)
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.pollOnce(modTimes)
		}
	}
}

func (m *Manager) pollOnce(modTimes map[string]time.Time) {
	err := filepath.WalkDir(m.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !isConfigFile(path) {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		filename := filepath.Base(path)
		if info.ModTime().After(modTimes[filename]) {
			modTimes[filename] = info.ModTime()
			if err := m.loadFile(path, ActionPolling); err != nil {
				m.logger.Error("configuration update rejected",
					zap.String("file", filename),
					zap.Error(err))
			}
		}
		return nil
	})
	if err != nil {
		m.logger.Error("configuration poll failed", zap.Error(err))
	}
}

func (m *Manager) loadAll() {
	err := filepath.WalkDir(m.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !isConfigFile(path) {
			return err
		}
		if loadErr := m.loadFile(path, ActionInitialLoad); loadErr != nil {
			m.logger.Error("configuration document skipped",
				zap.String("file", filepath.Base(path)),
				zap.Error(loadErr))
		}
		return nil
	})
	if err != nil {
		m.logger.Error("configuration scan failed", zap.Error(err))
	}
}

// loadFile parses, validates, swaps, and notifies. On any error the served
// copy is left untouched.
func (m *Manager) loadFile(path, action string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	filename := filepath.Base(path)

	config := make(map[string]interface{})
	switch filepath.Ext(filename) {
	case ".json":
		if err := json.Unmarshal(data, &config); err != nil {
			return fmt.Errorf("parse %s: %w", filename, err)
		}
	default:
		if err := yaml.Unmarshal(data, &config); err != nil {
			return fmt.Errorf("parse %s: %w", filename, err)
		}
	}

	m.mu.RLock()
	validator := m.validators[filename]
	m.mu.RUnlock()
	if validator != nil {
		if err := validator(config); err != nil {
			return fmt.Errorf("validate %s: %w", filename, err)
		}
	}

	m.mu.Lock()
	m.configs[filename] = config
	handlers := append([]ChangeHandler(nil), m.handlers[filename]...)
	m.mu.Unlock()

	m.notify(handlers, ChangeEvent{
		File:      filename,
		Action:    action,
		Config:    copyDocument(config),
		Timestamp: time.Now(),
	})
	m.logger.Info("configuration loaded",
		zap.String("file", filename),
		zap.String("action", action),
		zap.Int("keys", len(config)))
	return nil
}

func (m *Manager) dropFile(filename string) {
	m.mu.Lock()
	config, existed := m.configs[filename]
	delete(m.configs, filename)
	handlers := append([]ChangeHandler(nil), m.handlers[filename]...)
	m.mu.Unlock()
	if !existed {
		return
	}

	m.notify(handlers, ChangeEvent{
		File:      filename,
		Action:    ActionDelete,
		Config:    copyDocument(config),
		Timestamp: time.Now(),
	})
	m.logger.Info("configuration document removed", zap.String("file", filename))
}

// notify runs handlers off the watch goroutine so a slow subscriber cannot
// stall event delivery or deadlock by calling back in.
func (m *Manager) notify(handlers []ChangeHandler, event ChangeEvent) {
	for _, handler := range handlers {
		h := handler
		go func() {
			if err := h(event); err != nil {
				m.logger.Error("configuration handler failed",
					zap.String("file", event.File),
					zap.String("action", event.Action),
					zap.Error(err))
			}
		}()
	}
}

func copyDocument(config map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(config))
	for k, v := range config {
		out[k] = v
	}
	return out
}

func isConfigFile(path string) bool {
	switch filepath.Ext(path) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}
