// Package registry owns the agent ecosystem: identity, capability,
// capacity, and rolling performance for every registered agent. It is
// the single source of truth for capacity: Reserve and Release are the
// only mutators, and both hold the registry lock so capacity changes
// are atomic with respect to concurrent selection snapshots.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/droverhq/drover/pkg/models"
)

// ErrAgentNotFound indicates a lookup for an unregistered agent ID.
var ErrAgentNotFound = errors.New("agent not found")

// ErrAgentSaturated indicates a Reserve against an agent already at
// its concurrency ceiling.
var ErrAgentSaturated = errors.New("agent at max concurrent tasks")

// Registry is the in-memory agent store.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*models.Agent
	// byCategory indexes agent IDs per category for selection scans.
	byCategory map[string][]string
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		agents:     make(map[string]*models.Agent),
		byCategory: make(map[string][]string),
	}
}

// Register adds an agent. A zero MaxConcurrent is rejected and an
// already-registered ID is an error; callers own ID uniqueness.
func (r *Registry) Register(agent models.Agent) error {
	if agent.ID == "" {
		return fmt.Errorf("register agent: empty id")
	}
	if agent.MaxConcurrent <= 0 {
		return fmt.Errorf("register agent %s: max concurrent must be positive", agent.ID)
	}
	if agent.Status == "" {
		agent.Status = models.AgentStatusReady
	}
	if agent.Performance.SuccessRate == 0 && agent.Performance.Executions == 0 {
		agent.Performance.SuccessRate = 1.0
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[agent.ID]; exists {
		return fmt.Errorf("register agent %s: already registered", agent.ID)
	}
	stored := agent
	r.agents[agent.ID] = &stored
	r.byCategory[agent.Category] = append(r.byCategory[agent.Category], agent.ID)
	return nil
}

// Get returns a snapshot of the agent.
func (r *Registry) Get(id string) (models.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent, ok := r.agents[id]
	if !ok {
		return models.Agent{}, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	return *agent, nil
}

// Snapshot returns copies of every registered agent.
func (r *Registry) Snapshot() []models.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, *a)
	}
	return out
}

// SelectableByCategory returns snapshots of agents in the category that
// may be offered work: READY or BUSY with spare capacity, advertising
// all required capabilities. Circuit-open agents are excluded.
func (r *Registry) SelectableByCategory(category string, required []models.Capability) []models.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.byCategory[category]
	out := make([]models.Agent, 0, len(ids))
	for _, id := range ids {
		a := r.agents[id]
		if a.Selectable() && a.HasCapabilities(required) {
			out = append(out, *a)
		}
	}
	return out
}

// Reserve claims one unit of capacity on the agent. It fails with
// ErrAgentSaturated when the agent is full, preserving the invariant
// CurrentTasks <= MaxConcurrent at all times.
func (r *Registry) Reserve(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	agent, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	if agent.Status == models.AgentStatusCircuitOpen || agent.Status == models.AgentStatusUnavailable {
		return fmt.Errorf("reserve agent %s: status %s", id, agent.Status)
	}
	if agent.CurrentTasks >= agent.MaxConcurrent {
		return fmt.Errorf("%w: %s", ErrAgentSaturated, id)
	}
	agent.CurrentTasks++
	agent.Status = models.AgentStatusBusy
	return nil
}

// Release returns one unit of capacity and folds the execution outcome
// into the agent's rolling performance. An agent dropping to zero load
// returns to READY unless its circuit is open.
func (r *Registry) Release(id string, success bool, latency time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	agent, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	if agent.CurrentTasks > 0 {
		agent.CurrentTasks--
	}

	perf := &agent.Performance
	perf.Executions++
	if success {
		perf.Successes++
	}
	perf.SuccessRate = float64(perf.Successes) / float64(perf.Executions)
	if perf.AvgLatency == 0 {
		perf.AvgLatency = latency
	} else {
		perf.AvgLatency = (perf.AvgLatency + latency) / 2
	}
	perf.LastExecution = time.Now()

	if agent.CurrentTasks == 0 && agent.Status == models.AgentStatusBusy {
		agent.Status = models.AgentStatusReady
	}
	return nil
}

// MarkCircuitOpen excludes the agent from selection until Restore.
func (r *Registry) MarkCircuitOpen(id string) error {
	return r.setStatus(id, models.AgentStatusCircuitOpen)
}

// MarkUnavailable takes the agent administratively offline.
func (r *Registry) MarkUnavailable(id string) error {
	return r.setStatus(id, models.AgentStatusUnavailable)
}

// Restore returns a circuit-open or unavailable agent to service.
func (r *Registry) Restore(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	agent, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	if agent.CurrentTasks > 0 {
		agent.Status = models.AgentStatusBusy
	} else {
		agent.Status = models.AgentStatusReady
	}
	return nil
}

func (r *Registry) setStatus(id string, status models.AgentStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	agent, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	agent.Status = status
	return nil
}

// Categories returns the registered category names.
func (r *Registry) Categories() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byCategory))
	for c := range r.byCategory {
		out = append(out, c)
	}
	return out
}

// CategoryUtilization returns currentTasks/capacity summed over the
// category, or 0 when the category has no capacity.
func (r *Registry) CategoryUtilization(category string) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var current, capacity int
	for _, id := range r.byCategory[category] {
		a := r.agents[id]
		current += a.CurrentTasks
		capacity += a.MaxConcurrent
	}
	if capacity == 0 {
		return 0
	}
	return float64(current) / float64(capacity)
}

// LeastLoaded returns a snapshot of the same-category agent with the
// lowest utilization that still has spare capacity, excluding the given
// agent ID. Used for overload redistribution.
func (r *Registry) LeastLoaded(category, excludeID string) (models.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var best *models.Agent
	for _, id := range r.byCategory[category] {
		if id == excludeID {
			continue
		}
		a := r.agents[id]
		if !a.Selectable() {
			continue
		}
		if best == nil || a.Utilization() < best.Utilization() {
			best = a
		}
	}
	if best == nil {
		return models.Agent{}, false
	}
	return *best, true
}

// Count returns the number of registered agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}
