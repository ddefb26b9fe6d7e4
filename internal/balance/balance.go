// Package balance selects a target agent for a task from registry
// snapshots using one of several interchangeable algorithms.
package balance

import (
	"errors"
	"sync"

	"github.com/droverhq/drover/internal/registry"
	"github.com/droverhq/drover/pkg/models"
)

// ErrNoAgentAvailable indicates no selectable agent matched the task's
// category, capabilities, and availability. Callers treat this as
// transient and queue the task.
var ErrNoAgentAvailable = errors.New("no agent available")

// Algorithm names a load-balancing strategy.
type Algorithm string

const (
	// AlgorithmCapacityBased scores by spare capacity blended with success rate.
	AlgorithmCapacityBased Algorithm = "CAPACITY_BASED"
	// AlgorithmLeastConnections picks the agent with the fewest current tasks.
	AlgorithmLeastConnections Algorithm = "LEAST_CONNECTIONS"
	// AlgorithmPerformanceBased scores by success rate over response weight.
	AlgorithmPerformanceBased Algorithm = "PERFORMANCE_BASED"
	// AlgorithmWeightedRoundRobin rotates through agents by category weight.
	AlgorithmWeightedRoundRobin Algorithm = "WEIGHTED_ROUND_ROBIN"
	// AlgorithmSkillAffinity scores by capability match blended with
	// recent success rate.
	AlgorithmSkillAffinity Algorithm = "SKILL_AFFINITY"
)

// Valid returns true if the algorithm is a known value.
func (a Algorithm) Valid() bool {
	switch a {
	case AlgorithmCapacityBased, AlgorithmLeastConnections, AlgorithmPerformanceBased,
		AlgorithmWeightedRoundRobin, AlgorithmSkillAffinity:
		return true
	default:
		return false
	}
}

// Balancer selects agents against the registry. The active algorithm
// may be switched at runtime by the distributor's rebalance monitor.
type Balancer struct {
	registry *registry.Registry

	mu        sync.RWMutex
	algorithm Algorithm
	// rrIndex tracks the weighted-round-robin rotation per category.
	rrIndex map[string]int
}

// New creates a Balancer with the capacity-based default algorithm.
func New(reg *registry.Registry) *Balancer {
	return &Balancer{
		registry:  reg,
		algorithm: AlgorithmCapacityBased,
		rrIndex:   make(map[string]int),
	}
}

// Algorithm returns the active algorithm.
func (b *Balancer) Algorithm() Algorithm {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.algorithm
}

// SetAlgorithm switches the active algorithm. Unknown values are ignored.
func (b *Balancer) SetAlgorithm(a Algorithm) {
	if !a.Valid() {
		return
	}
	b.mu.Lock()
	b.algorithm = a
	b.mu.Unlock()
}

// Select picks an agent for the task or fails with ErrNoAgentAvailable.
// Candidates are the selectable agents of the task's category that
// advertise every required capability.
func (b *Balancer) Select(task models.Task) (models.Agent, error) {
	candidates := b.registry.SelectableByCategory(task.Category, task.Required)
	if len(candidates) == 0 {
		return models.Agent{}, ErrNoAgentAvailable
	}

	switch b.Algorithm() {
	case AlgorithmLeastConnections:
		return selectLeastConnections(candidates), nil
	case AlgorithmPerformanceBased:
		return selectPerformanceBased(candidates), nil
	case AlgorithmWeightedRoundRobin:
		return b.selectWeightedRoundRobin(task.Category, candidates), nil
	case AlgorithmSkillAffinity:
		return selectSkillAffinity(task, candidates), nil
	default:
		return selectCapacityBased(candidates), nil
	}
}

// selectCapacityBased scores each candidate as 0.7*(1-utilization) +
// 0.3*successRate and returns the best.
func selectCapacityBased(candidates []models.Agent) models.Agent {
	best := candidates[0]
	bestScore := -1.0
	for _, agent := range candidates {
		score := 0.7*(1-agent.Utilization()) + 0.3*agent.Performance.SuccessRate
		if score > bestScore {
			bestScore = score
			best = agent
		}
	}
	return best
}

func selectLeastConnections(candidates []models.Agent) models.Agent {
	best := candidates[0]
	for _, agent := range candidates[1:] {
		if agent.CurrentTasks < best.CurrentTasks {
			best = agent
		}
	}
	return best
}

// selectPerformanceBased scores by success rate divided by a response
// weight derived from average latency against the category target.
func selectPerformanceBased(candidates []models.Agent) models.Agent {
	best := candidates[0]
	bestScore := -1.0
	for _, agent := range candidates {
		weight := 1.0
		if agent.ResponseTarget > 0 && agent.Performance.AvgLatency > 0 {
			weight = float64(agent.Performance.AvgLatency) / float64(agent.ResponseTarget)
			if weight < 0.1 {
				weight = 0.1
			}
		}
		score := agent.Performance.SuccessRate / weight
		if score > bestScore {
			bestScore = score
			best = agent
		}
	}
	return best
}

func (b *Balancer) selectWeightedRoundRobin(category string, candidates []models.Agent) models.Agent {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx := b.rrIndex[category] % len(candidates)
	b.rrIndex[category]++
	return candidates[idx]
}

// selectSkillAffinity blends the fraction of required capabilities the
// agent advertises with its recent success rate.
func selectSkillAffinity(task models.Task, candidates []models.Agent) models.Agent {
	best := candidates[0]
	bestScore := -1.0
	for _, agent := range candidates {
		affinity := 0.5
		if len(task.Required) > 0 {
			matched := 0
			have := make(map[models.Capability]bool, len(agent.Capabilities))
			for _, c := range agent.Capabilities {
				have[c] = true
			}
			for _, req := range task.Required {
				if have[req] {
					matched++
				}
			}
			affinity = float64(matched) / float64(len(task.Required))
		}
		score := (affinity + agent.Performance.SuccessRate) / 2
		if score > bestScore {
			bestScore = score
			best = agent
		}
	}
	return best
}
