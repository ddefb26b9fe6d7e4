package models

import "time"

// TaskType categorizes the origin of a task. The distributor uses it
// to derive a priority when neither the caller nor the task carries one.
type TaskType string

const (
	// TaskTypeEmergency forces CRITICAL priority.
	TaskTypeEmergency TaskType = "EMERGENCY"
	// TaskTypeUserRequest forces HIGH priority.
	TaskTypeUserRequest TaskType = "USER_REQUEST"
	// TaskTypeBackground forces LOW priority.
	TaskTypeBackground TaskType = "BACKGROUND"
)

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	// TaskStatusPending indicates the task has not been distributed yet.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusQueued indicates the task is waiting in a priority queue.
	TaskStatusQueued TaskStatus = "queued"
	// TaskStatusAssigned indicates the task has been handed to an agent.
	TaskStatusAssigned TaskStatus = "assigned"
	// TaskStatusCompleted indicates the assigned agent finished successfully.
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusFailed indicates the assigned agent failed.
	TaskStatusFailed TaskStatus = "failed"
	// TaskStatusExpired indicates the queue TTL elapsed before assignment.
	TaskStatusExpired TaskStatus = "expired"
	// TaskStatusDeadLettered indicates every queueing fallback was exhausted.
	TaskStatusDeadLettered TaskStatus = "dead_lettered"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusQueued, TaskStatusAssigned,
		TaskStatusCompleted, TaskStatusFailed, TaskStatusExpired, TaskStatusDeadLettered:
		return true
	default:
		return false
	}
}

// Task represents a unit of work to be executed by exactly one agent.
type Task struct {
	// ID is the unique identifier for this task.
	ID string `json:"id"`
	// Category selects the agent pool the task is routed to.
	Category string `json:"category"`
	// Required lists capabilities the executing agent must advertise.
	Required []Capability `json:"required,omitempty"`
	// Priority is the explicit urgency level, if any.
	Priority Priority `json:"priority,omitempty"`
	// Type is the task origin classification, if any.
	Type TaskType `json:"type,omitempty"`
	// Deadline is the optional completion deadline used to derive priority.
	Deadline *time.Time `json:"deadline,omitempty"`
	// DependsOn lists task IDs that must complete before this task.
	DependsOn []string `json:"depends_on,omitempty"`
	// Payload carries the opaque work description handed to the agent.
	Payload map[string]any `json:"payload,omitempty"`
	// Action names the operation the agent should perform.
	Action string `json:"action,omitempty"`
	// Timeout bounds the agent-side execution, zero for the category default.
	Timeout time.Duration `json:"timeout,omitempty"`
	// RetryCount is the number of dead-letter retries so far.
	RetryCount int `json:"retry_count,omitempty"`
	// CreatedAt is when the task was created.
	CreatedAt time.Time `json:"created_at"`
}
