// Package telemetry holds the narrow interfaces Drover exposes to
// observability collaborators. Sinks are fire-and-forget: implementations
// must never block, and absence of a sink must not affect control flow.
package telemetry

import "sync"

// MetricsSink receives performance and health measurements from the
// coordination core.
type MetricsSink interface {
	// RecordAgentPerformance records a per-agent measurement.
	RecordAgentPerformance(agentID, metric string, value float64)
	// RecordSystemHealth records a per-component health measurement.
	RecordSystemHealth(component, metric string, value float64)
	// IncrementCoordinationOperation counts a coordination operation outcome.
	IncrementCoordinationOperation(opType, status string)
}

// NopMetrics discards all measurements.
type NopMetrics struct{}

func (NopMetrics) RecordAgentPerformance(string, string, float64)  {}
func (NopMetrics) RecordSystemHealth(string, string, float64)      {}
func (NopMetrics) IncrementCoordinationOperation(string, string)   {}

// MemoryMetrics retains the latest value per key. Used by tests and
// the status command.
type MemoryMetrics struct {
	mu     sync.RWMutex
	gauges map[string]float64
	counts map[string]int64
}

// NewMemoryMetrics creates an empty in-memory sink.
func NewMemoryMetrics() *MemoryMetrics {
	return &MemoryMetrics{
		gauges: make(map[string]float64),
		counts: make(map[string]int64),
	}
}

func (m *MemoryMetrics) RecordAgentPerformance(agentID, metric string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges["agent."+agentID+"."+metric] = value
}

func (m *MemoryMetrics) RecordSystemHealth(component, metric string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges["health."+component+"."+metric] = value
}

func (m *MemoryMetrics) IncrementCoordinationOperation(opType, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts["op."+opType+"."+status]++
}

// Gauge returns the latest recorded value for a key.
func (m *MemoryMetrics) Gauge(key string) (float64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.gauges[key]
	return v, ok
}

// Count returns the current counter value for a key.
func (m *MemoryMetrics) Count(key string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counts[key]
}
