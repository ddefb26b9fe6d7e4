package models

import "time"

// AgentStatus represents the availability state of an agent.
type AgentStatus string

const (
	// AgentStatusReady indicates the agent can accept work.
	AgentStatusReady AgentStatus = "READY"
	// AgentStatusBusy indicates the agent is at least partially loaded.
	AgentStatusBusy AgentStatus = "BUSY"
	// AgentStatusReserved indicates the agent is held for a pending assignment.
	AgentStatusReserved AgentStatus = "RESERVED"
	// AgentStatusCircuitOpen indicates the agent is excluded from selection
	// until a recovery notification restores it.
	AgentStatusCircuitOpen AgentStatus = "CIRCUIT_OPEN"
	// AgentStatusUnavailable indicates the agent is administratively offline.
	AgentStatusUnavailable AgentStatus = "UNAVAILABLE"
)

// Valid returns true if the status is a known value.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentStatusReady, AgentStatusBusy, AgentStatusReserved,
		AgentStatusCircuitOpen, AgentStatusUnavailable:
		return true
	default:
		return false
	}
}

// Performance holds the rolling execution statistics for one agent.
type Performance struct {
	// Executions is the total number of completed task executions.
	Executions int64 `json:"executions"`
	// Successes is the number of successful executions.
	Successes int64 `json:"successes"`
	// SuccessRate is Successes/Executions, 1.0 before any execution.
	SuccessRate float64 `json:"success_rate"`
	// AvgLatency is the rolling average execution latency.
	AvgLatency time.Duration `json:"avg_latency"`
	// LastExecution is when the agent last completed a task.
	LastExecution time.Time `json:"last_execution"`
}

// Agent represents a worker unit with bounded concurrent capacity.
// Capacity fields are mutated only through the registry's Reserve and
// Release methods; everything else treats Agent values as snapshots.
type Agent struct {
	// ID is the unique identifier for this agent.
	ID string `json:"id"`
	// Name is the human-readable agent name.
	Name string `json:"name"`
	// Category is the agent pool this agent belongs to.
	Category string `json:"category"`
	// Capabilities lists the skills this agent advertises.
	Capabilities []Capability `json:"capabilities,omitempty"`
	// MaxConcurrent is the capacity ceiling for simultaneous tasks.
	MaxConcurrent int `json:"max_concurrent"`
	// CurrentTasks is the number of tasks currently assigned.
	CurrentTasks int `json:"current_tasks"`
	// Status is the availability state.
	Status AgentStatus `json:"status"`
	// ResponseTarget is the category's response-time objective.
	ResponseTarget time.Duration `json:"response_target,omitempty"`
	// Performance holds rolling execution statistics.
	Performance Performance `json:"performance"`
}

// Utilization returns CurrentTasks/MaxConcurrent, or 1.0 when the
// agent has no capacity at all.
func (a *Agent) Utilization() float64 {
	if a.MaxConcurrent <= 0 {
		return 1.0
	}
	return float64(a.CurrentTasks) / float64(a.MaxConcurrent)
}

// HasSpareCapacity returns true if the agent can accept another task.
func (a *Agent) HasSpareCapacity() bool {
	return a.CurrentTasks < a.MaxConcurrent
}

// HasCapabilities returns true if the agent advertises every required
// capability. An empty requirement always matches.
func (a *Agent) HasCapabilities(required []Capability) bool {
	if len(required) == 0 {
		return true
	}
	have := make(map[Capability]bool, len(a.Capabilities))
	for _, c := range a.Capabilities {
		have[c] = true
	}
	for _, r := range required {
		if !have[r] {
			return false
		}
	}
	return true
}

// Selectable returns true if the agent may be offered new work:
// READY or BUSY with spare capacity. Circuit-open, reserved, and
// unavailable agents are never selectable.
func (a *Agent) Selectable() bool {
	switch a.Status {
	case AgentStatusReady, AgentStatusBusy:
		return a.HasSpareCapacity()
	default:
		return false
	}
}
