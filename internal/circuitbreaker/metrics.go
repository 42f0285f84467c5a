package circuitbreaker

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lodestone_circuit_breaker_state",
			Help: "Current state of circuit breaker (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name", "service"},
	)

	breakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lodestone_circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker",
		},
		[]string{"name", "service", "state", "result"},
	)

	breakerStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lodestone_circuit_breaker_state_changes_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"name", "service", "from_state", "to_state"},
	)

	breakerOpenSince = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lodestone_circuit_breaker_open_since_seconds",
			Help: "Timestamp when the breaker entered open state (0 if not open)",
		},
		[]string{"name", "service"},
	)
)

// Collector tracks registered breakers and exports their states.
type Collector struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	services map[string]string
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{
		breakers: make(map[string]*Breaker),
		services: make(map[string]string),
	}
}

// Register hooks a breaker into metrics. State changes are recorded via the
// breaker's OnStateChange callback; any existing callback is preserved.
func (c *Collector) Register(name, service string, b *Breaker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.breakers[name] = b
	c.services[name] = service

	prev := b.settings.OnStateChange
	b.settings.OnStateChange = func(bName string, from, to State) {
		if prev != nil {
			prev(bName, from, to)
		}
		breakerStateChanges.WithLabelValues(name, service, from.String(), to.String()).Inc()
		breakerState.WithLabelValues(name, service).Set(float64(to))
		if to == StateOpen {
			breakerOpenSince.WithLabelValues(name, service).SetToCurrentTime()
		} else if from == StateOpen {
			breakerOpenSince.WithLabelValues(name, service).Set(0)
		}
	}
}

// RecordRequest counts one request outcome through a registered breaker.
func (c *Collector) RecordRequest(name, service string, state State, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	breakerRequests.WithLabelValues(name, service, state.String(), result).Inc()
}

// Sync publishes the current state of every registered breaker.
func (c *Collector) Sync() {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for name, b := range c.breakers {
		breakerState.WithLabelValues(name, c.services[name]).Set(float64(b.State()))
	}
}

// DefaultCollector is the process-wide collector used by the wrappers.
var DefaultCollector = NewCollector()

// StartMetricsCollection periodically syncs breaker state gauges.
func StartMetricsCollection() {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			DefaultCollector.Sync()
		}
	}()
}
