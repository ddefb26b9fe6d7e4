// Package human manages user tasks created by workflow userTask
// activities: assignment, claiming, completion, and SLA escalation.
package human

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/droverhq/drover/internal/bus"
	"github.com/droverhq/drover/internal/timing"
)

// ErrTaskNotFound indicates an unknown human task ID.
var ErrTaskNotFound = errors.New("human task not found")

// ErrTaskNotOpen indicates a completion or claim attempt on a task
// that already reached a terminal status.
var ErrTaskNotOpen = errors.New("human task is not open")

// Status is a human task lifecycle status.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusClaimed   Status = "CLAIMED"
	StatusCompleted Status = "COMPLETED"
	StatusEscalated Status = "ESCALATED"
	StatusCancelled Status = "CANCELLED"
)

// Task is a unit of work awaiting a person. SLA expiry escalates the
// task to its escalation assignee but keeps it open.
type Task struct {
	ID         string         `json:"id"`
	InstanceID string         `json:"instance_id"`
	ActivityID string         `json:"activity_id"`
	Name       string         `json:"name"`
	Assignee   string         `json:"assignee,omitempty"`
	Candidates []string       `json:"candidates,omitempty"`
	EscalateTo string         `json:"escalate_to,omitempty"`
	Inputs     map[string]any `json:"inputs,omitempty"`
	Outputs    map[string]any `json:"outputs,omitempty"`
	Status     Status         `json:"status"`
	SLA        time.Duration  `json:"sla,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	ClaimedBy  string         `json:"claimed_by,omitempty"`
	ResolvedAt time.Time      `json:"resolved_at,omitempty"`
}

// CompleteFunc receives the outputs of a finished human task, letting
// the process engine resume the waiting token.
type CompleteFunc func(task Task)

// Manager tracks open human tasks and their SLA timers.
type Manager struct {
	mu     sync.RWMutex
	tasks  map[string]*Task
	onDone map[string]CompleteFunc
	timers *timing.Engine
	bus    *bus.Bus
}

// New creates a Manager using the given timer engine for SLA tracking.
func New(timers *timing.Engine, eventBus *bus.Bus) *Manager {
	return &Manager{
		tasks:  make(map[string]*Task),
		onDone: make(map[string]CompleteFunc),
		timers: timers,
		bus:    eventBus,
	}
}

// Create opens a human task and arms its SLA timer. The returned ID
// identifies the task for Claim and Complete.
func (m *Manager) Create(task Task, done CompleteFunc) string {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	task.Status = StatusPending
	task.CreatedAt = time.Now()

	m.mu.Lock()
	m.tasks[task.ID] = &task
	if done != nil {
		m.onDone[task.ID] = done
	}
	m.mu.Unlock()

	if task.SLA > 0 && m.timers != nil {
		m.timers.Schedule(slaTimerID(task.InstanceID, task.ID), task.SLA, func(string) {
			m.escalate(task.ID)
		})
	}
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Type:       bus.EventHumanTaskCreated,
			InstanceID: task.InstanceID,
			TaskID:     task.ID,
			Message:    task.Name,
		})
	}
	return task.ID
}

// Claim assigns an open task to a user.
func (m *Manager) Claim(taskID, user string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, exists := m.tasks[taskID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if task.Status != StatusPending && task.Status != StatusEscalated {
		return fmt.Errorf("%w: %s is %s", ErrTaskNotOpen, taskID, task.Status)
	}
	task.Status = StatusClaimed
	task.ClaimedBy = user
	return nil
}

// Complete resolves a task with its outputs, cancels the SLA timer,
// and invokes the completion callback so the owning workflow resumes.
func (m *Manager) Complete(taskID string, outputs map[string]any) error {
	m.mu.Lock()
	task, exists := m.tasks[taskID]
	if !exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if task.Status == StatusCompleted || task.Status == StatusCancelled {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrTaskNotOpen, taskID, task.Status)
	}
	task.Status = StatusCompleted
	task.Outputs = outputs
	task.ResolvedAt = time.Now()
	done := m.onDone[taskID]
	delete(m.onDone, taskID)
	snapshot := *task
	m.mu.Unlock()

	if m.timers != nil {
		m.timers.Cancel(slaTimerID(snapshot.InstanceID, taskID))
	}
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Type:       bus.EventHumanTaskCompleted,
			InstanceID: snapshot.InstanceID,
			TaskID:     taskID,
		})
	}
	if done != nil {
		done(snapshot)
	}
	return nil
}

// CancelByInstance closes every open task of a workflow instance, as
// when the instance itself is cancelled.
func (m *Manager) CancelByInstance(instanceID string) int {
	m.mu.Lock()
	var cancelled []string
	for id, task := range m.tasks {
		if task.InstanceID != instanceID {
			continue
		}
		if task.Status == StatusCompleted || task.Status == StatusCancelled {
			continue
		}
		task.Status = StatusCancelled
		task.ResolvedAt = time.Now()
		delete(m.onDone, id)
		cancelled = append(cancelled, id)
	}
	m.mu.Unlock()

	if m.timers != nil {
		for _, id := range cancelled {
			m.timers.Cancel(slaTimerID(instanceID, id))
		}
	}
	return len(cancelled)
}

// Get returns a snapshot of a task.
func (m *Manager) Get(taskID string) (Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	task, exists := m.tasks[taskID]
	if !exists {
		return Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return *task, nil
}

// Open returns snapshots of every task still awaiting a person.
func (m *Manager) Open() []Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var open []Task
	for _, task := range m.tasks {
		switch task.Status {
		case StatusPending, StatusClaimed, StatusEscalated:
			open = append(open, *task)
		}
	}
	return open
}

// escalate marks a task past its SLA and reassigns it to the
// escalation target. The task stays open for completion.
func (m *Manager) escalate(taskID string) {
	m.mu.Lock()
	task, exists := m.tasks[taskID]
	if !exists || task.Status == StatusCompleted || task.Status == StatusCancelled {
		m.mu.Unlock()
		return
	}
	task.Status = StatusEscalated
	if task.EscalateTo != "" {
		task.Assignee = task.EscalateTo
		task.ClaimedBy = ""
	}
	snapshot := *task
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Type:       bus.EventHumanTaskSLAExpired,
			InstanceID: snapshot.InstanceID,
			TaskID:     taskID,
			Message:    snapshot.Name,
		})
	}
}

func slaTimerID(instanceID, taskID string) string {
	return instanceID + ":sla:" + taskID
}
