package state

import "time"

// InstanceArchive records finished workflow and process instances.
type InstanceArchive interface {
	ArchiveInstance(rec InstanceRecord) error
	GetInstance(id string) (*InstanceRecord, error)
	ListInstances(status string, limit int) ([]InstanceRecord, error)
}

// AuditArchive records state machine transition history.
type AuditArchive interface {
	ArchiveTransitions(workflowID string, transitions []TransitionRecord) error
	ListTransitions(workflowID string) ([]TransitionRecord, error)
}

// DeadLetterArchive records terminally failed tasks.
type DeadLetterArchive interface {
	ArchiveDeadLetter(rec DeadLetterRecord) error
	ListDeadLetters(limit int) ([]DeadLetterRecord, error)
}

// ArchiveStore combines all archival interfaces.
type ArchiveStore interface {
	InstanceArchive
	AuditArchive
	DeadLetterArchive
	Close() error
}

// Verify DB implements all interfaces at compile time.
var (
	_ InstanceArchive   = (*DB)(nil)
	_ AuditArchive      = (*DB)(nil)
	_ DeadLetterArchive = (*DB)(nil)
	_ ArchiveStore      = (*DB)(nil)
)

// InstanceRecord is an archived workflow or process instance.
type InstanceRecord struct {
	ID         string
	Definition string
	Kind       string
	Status     string
	Variables  map[string]any
	Error      string
	StartedAt  time.Time
	EndedAt    *time.Time
}

// TransitionRecord is one entry of a workflow's state history.
type TransitionRecord struct {
	WorkflowID string
	From       string
	To         string
	Reason     string
	At         time.Time
}

// DeadLetterRecord is a terminally failed task.
type DeadLetterRecord struct {
	TaskID       string
	Priority     string
	Reason       string
	Retryable    bool
	DeadLettered time.Time
}
