// Package models defines the shared value types used across Drover:
// tasks, agents, priorities, and capabilities.
package models

// Priority represents the urgency level of a task.
type Priority string

const (
	// PriorityCritical is the highest urgency level.
	PriorityCritical Priority = "CRITICAL"
	// PriorityHigh is above-normal urgency.
	PriorityHigh Priority = "HIGH"
	// PriorityMedium is the default urgency level.
	PriorityMedium Priority = "MEDIUM"
	// PriorityLow is background urgency.
	PriorityLow Priority = "LOW"
)

// Priorities lists all priority levels in strict dispatch order,
// highest first. Dequeue loops iterate this slice.
var Priorities = []Priority{PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow}

// Valid returns true if the priority is a known value.
func (p Priority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		return true
	default:
		return false
	}
}

// Rank returns the numeric rank of the priority, 0 for CRITICAL
// through 3 for LOW. Unknown priorities rank as MEDIUM.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	default:
		return 2
	}
}

// Escalate returns the next-higher priority level. CRITICAL escalates
// to itself.
func (p Priority) Escalate() (Priority, bool) {
	switch p {
	case PriorityHigh:
		return PriorityCritical, true
	case PriorityMedium:
		return PriorityHigh, true
	case PriorityLow:
		return PriorityMedium, true
	default:
		return p, false
	}
}
