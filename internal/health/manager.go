package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultCheckInterval = 30 * time.Second
	backgroundRunTimeout = 30 * time.Second
)

// checkerState is the runtime record of one registered checker.
type checkerState struct {
	checker   Checker
	interval  time.Duration
	timeout   time.Duration
	critical  bool
	lastCheck time.Time
}

// Manager runs registered checkers on demand and on a background ticker,
// keeping the latest results for cheap reads.
type Manager struct {
	logger        *zap.Logger
	checkInterval time.Duration

	mu          sync.RWMutex
	checkers    map[string]*checkerState
	lastResults map[string]CheckResult
	started     bool
	stopCh      chan struct{}
}

// NewManager builds a manager with the default check interval.
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		logger:        logger,
		checkInterval: defaultCheckInterval,
		checkers:      make(map[string]*checkerState),
		lastResults:   make(map[string]CheckResult),
		stopCh:        make(chan struct{}),
	}
}

// SetCheckInterval overrides the background interval. Call before Start.
func (m *Manager) SetCheckInterval(interval time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if interval > 0 {
		m.checkInterval = interval
	}
}

// RegisterChecker adds a checker. Names must be unique.
func (m *Manager) RegisterChecker(checker Checker) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := checker.Name()
	if name == "" {
		return fmt.Errorf("checker name cannot be empty")
	}
	if _, exists := m.checkers[name]; exists {
		return fmt.Errorf("checker %s already registered", name)
	}

	m.checkers[name] = &checkerState{
		checker:  checker,
		interval: m.checkInterval,
		timeout:  checker.Timeout(),
		critical: checker.IsCritical(),
	}
	m.logger.Info("health checker registered",
		zap.String("checker", name),
		zap.Bool("critical", checker.IsCritical()),
		zap.Duration("timeout", checker.Timeout()),
	)
	return nil
}

// UnregisterChecker removes a checker and its last result.
func (m *Manager) UnregisterChecker(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.checkers[name]; !exists {
		return fmt.Errorf("checker %s not found", name)
	}
	delete(m.checkers, name)
	delete(m.lastResults, name)
	return nil
}

// GetCheckers returns the registered checkers by name.
func (m *Manager) GetCheckers() map[string]Checker {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Checker, len(m.checkers))
	for name, state := range m.checkers {
		out[name] = state.checker
	}
	return out
}

// GetOverallHealth runs every checker and returns the aggregate.
func (m *Manager) GetOverallHealth(ctx context.Context) OverallHealth {
	start := time.Now()
	detailed := m.GetDetailedHealth(ctx)

	overall := detailed.Overall
	overall.Timestamp = detailed.Timestamp
	overall.Duration = time.Since(start)
	return overall
}

// GetDetailedHealth runs every checker and returns per-component results.
func (m *Manager) GetDetailedHealth(ctx context.Context) DetailedHealth {
	m.mu.RLock()
	states := make(map[string]*checkerState, len(m.checkers))
	for name, state := range m.checkers {
		states[name] = state
	}
	m.mu.RUnlock()

	timestamp := time.Now()
	components := make(map[string]CheckResult, len(states))
	summary := Summary{Total: len(states)}

	for name, state := range states {
		result := m.runCheck(ctx, state)
		components[name] = result

		switch result.Status {
		case StatusHealthy:
			summary.Healthy++
		case StatusDegraded:
			summary.Degraded++
		case StatusUnhealthy:
			summary.Unhealthy++
		}
		if result.Critical {
			summary.Critical++
		} else {
			summary.NonCritical++
		}
	}

	m.mu.Lock()
	for name, result := range components {
		m.lastResults[name] = result
	}
	m.mu.Unlock()

	return DetailedHealth{
		Overall:    aggregate(components, summary),
		Components: components,
		Summary:    summary,
		Timestamp:  timestamp,
	}
}

// GetLastResults returns the most recent results without running new checks.
func (m *Manager) GetLastResults() map[string]CheckResult {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]CheckResult, len(m.lastResults))
	for name, result := range m.lastResults {
		out[name] = result
	}
	return out
}

// IsReady reports whether the service should receive traffic.
func (m *Manager) IsReady(ctx context.Context) bool {
	return m.GetOverallHealth(ctx).Ready
}

// IsLive reports whether the process is alive at all.
func (m *Manager) IsLive(ctx context.Context) bool {
	return m.GetOverallHealth(ctx).Live
}

// Start begins the background checking loop. Idempotent.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return nil
	}
	m.started = true
	go m.loop()

	m.logger.Info("health manager started",
		zap.Duration("check_interval", m.checkInterval),
		zap.Int("registered_checkers", len(m.checkers)),
	)
	return nil
}

// Stop halts background checking. Idempotent.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started {
		return nil
	}
	close(m.stopCh)
	m.started = false
	m.logger.Info("health manager stopped")
	return nil
}

func (m *Manager) runCheck(ctx context.Context, state *checkerState) CheckResult {
	checkCtx, cancel := context.WithTimeout(ctx, state.timeout)
	defer cancel()

	start := time.Now()
	result := state.checker.Check(checkCtx)

	result.Component = state.checker.Name()
	result.Critical = state.critical
	result.Duration = time.Since(start)
	result.Timestamp = start
	state.lastCheck = start

	return result
}

func (m *Manager) loop() {
	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.runDueChecks()
		}
	}
}

// runDueChecks executes checkers whose per-check interval has elapsed.
func (m *Manager) runDueChecks() {
	ctx, cancel := context.WithTimeout(context.Background(), backgroundRunTimeout)
	defer cancel()

	m.mu.RLock()
	states := make(map[string]*checkerState, len(m.checkers))
	for name, state := range m.checkers {
		states[name] = state
	}
	m.mu.RUnlock()

	now := time.Now()
	results := make(map[string]CheckResult)
	for name, state := range states {
		if now.Sub(state.lastCheck) < state.interval {
			continue
		}
		results[name] = m.runCheck(ctx, state)
	}
	if len(results) == 0 {
		return
	}

	m.mu.Lock()
	for name, result := range results {
		m.lastResults[name] = result
	}
	m.mu.Unlock()

	m.logger.Debug("background health checks completed", zap.Int("checks_run", len(results)))
}

// aggregate folds component results into the overall verdict. Critical
// failures drop readiness; everything else at worst degrades.
func aggregate(components map[string]CheckResult, summary Summary) OverallHealth {
	if summary.Total == 0 {
		return OverallHealth{
			Status:  StatusUnknown,
			Message: "no health checks registered",
			Ready:   false,
			Live:    false,
		}
	}

	criticalFailures := 0
	nonCriticalFailures := 0
	degraded := 0
	for _, result := range components {
		if result.Status == StatusDegraded {
			degraded++
		}
		if result.Status == StatusUnhealthy {
			if result.Critical {
				criticalFailures++
			} else {
				nonCriticalFailures++
			}
		}
	}

	switch {
	case criticalFailures > 0:
		return OverallHealth{
			Status:   StatusUnhealthy,
			Message:  fmt.Sprintf("%d critical component(s) failing", criticalFailures),
			Degraded: true,
			Ready:    false,
			Live:     true,
		}
	case degraded > 0:
		return OverallHealth{
			Status:   StatusDegraded,
			Message:  fmt.Sprintf("%d component(s) degraded", degraded),
			Degraded: true,
			Ready:    true,
			Live:     true,
		}
	case nonCriticalFailures > 0:
		return OverallHealth{
			Status:   StatusDegraded,
			Message:  fmt.Sprintf("%d non-critical component(s) failing", nonCriticalFailures),
			Degraded: true,
			Ready:    true,
			Live:     true,
		}
	default:
		return OverallHealth{
			Status:  StatusHealthy,
			Message: fmt.Sprintf("all %d components healthy", summary.Total),
			Ready:   true,
			Live:    true,
		}
	}
}
