// Package fsm implements the workflow lifecycle state machine. Every
// workflow instance moves through a fixed transition table; invalid
// moves are rejected and every accepted move is recorded in an audit
// trail and announced on the event bus.
package fsm

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/droverhq/drover/internal/bus"
)

// ErrInvalidTransition indicates a state change the transition table
// does not allow.
var ErrInvalidTransition = errors.New("invalid state transition")

// ErrWorkflowNotFound indicates an unknown workflow instance ID.
var ErrWorkflowNotFound = errors.New("workflow not found")

// State is a workflow lifecycle state.
type State string

const (
	StateInitialized  State = "INITIALIZED"
	StateValidating   State = "VALIDATING"
	StatePlanning     State = "PLANNING"
	StateExecuting    State = "EXECUTING"
	StatePaused       State = "PAUSED"
	StateCompensating State = "COMPENSATING"
	StateCompleting   State = "COMPLETING"
	StateCompleted    State = "COMPLETED"
	StateFailed       State = "FAILED"
	StateCancelled    State = "CANCELLED"
)

// transitions is the allowed successor set for each state. Terminal
// states have no successors.
var transitions = map[State][]State{
	StateInitialized:  {StateValidating, StateCancelled},
	StateValidating:   {StatePlanning, StateFailed, StateCancelled},
	StatePlanning:     {StateExecuting, StateFailed, StateCancelled},
	StateExecuting:    {StateCompensating, StateCompleting, StateFailed, StatePaused},
	StatePaused:       {StateExecuting, StateCancelled, StateFailed},
	StateCompensating: {StateFailed, StateCancelled},
	StateCompleting:   {StateCompleted, StateFailed},
	StateFailed:       {StateCompensating, StateCancelled},
	StateCompleted:    nil,
	StateCancelled:    nil,
}

// Terminal returns true if no transition leaves the state.
func (s State) Terminal() bool {
	return len(transitions[s]) == 0
}

// CanTransition returns true if the table allows from -> to.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition is one audit-trail record of an accepted state change.
type Transition struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// Hook runs on entry to a state. Hooks observe; a hook error is
// returned to the caller but the transition has already happened.
type Hook func(workflowID string, from, to State) error

// Machine tracks the lifecycle state of all workflow instances.
type Machine struct {
	mu      sync.RWMutex
	states  map[string]State
	history map[string][]Transition
	hooks   map[State][]Hook
	bus     *bus.Bus
}

// New creates a Machine publishing transitions to the given bus.
func New(eventBus *bus.Bus) *Machine {
	return &Machine{
		states:  make(map[string]State),
		history: make(map[string][]Transition),
		hooks:   make(map[State][]Hook),
		bus:     eventBus,
	}
}

// OnEnter registers a hook to run whenever any workflow enters the
// state. Registration is not safe to interleave with transitions and
// belongs in setup.
func (m *Machine) OnEnter(state State, hook Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks[state] = append(m.hooks[state], hook)
}

// Register starts tracking a workflow in INITIALIZED.
func (m *Machine) Register(workflowID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.states[workflowID]; exists {
		return fmt.Errorf("workflow %s already registered", workflowID)
	}
	m.states[workflowID] = StateInitialized
	m.history[workflowID] = []Transition{{To: StateInitialized, At: time.Now()}}
	return nil
}

// Transition moves a workflow to the target state. The move is checked
// against the transition table, appended to the audit trail, published
// on the bus, and then entry hooks run.
func (m *Machine) Transition(workflowID string, to State, reason string) error {
	m.mu.Lock()
	from, exists := m.states[workflowID]
	if !exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}
	if !CanTransition(from, to) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s for workflow %s", ErrInvalidTransition, from, to, workflowID)
	}
	m.states[workflowID] = to
	m.history[workflowID] = append(m.history[workflowID], Transition{
		From:   from,
		To:     to,
		Reason: reason,
		At:     time.Now(),
	})
	hooks := append([]Hook(nil), m.hooks[to]...)
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Type:       bus.EventStateTransition,
			InstanceID: workflowID,
			Message:    fmt.Sprintf("%s -> %s", from, to),
			Payload:    map[string]any{"from": string(from), "to": string(to), "reason": reason},
		})
	}

	for _, hook := range hooks {
		if err := hook(workflowID, from, to); err != nil {
			return fmt.Errorf("enter hook for %s: %w", to, err)
		}
	}
	return nil
}

// State returns the current state of a workflow.
func (m *Machine) State(workflowID string) (State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, exists := m.states[workflowID]
	if !exists {
		return "", fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}
	return state, nil
}

// History returns the audit trail for a workflow, oldest first.
func (m *Machine) History(workflowID string) ([]Transition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	trail, exists := m.history[workflowID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}
	out := make([]Transition, len(trail))
	copy(out, trail)
	return out, nil
}

// Remove stops tracking a workflow, dropping its audit trail. Callers
// archive the trail first if they need it.
func (m *Machine) Remove(workflowID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, workflowID)
	delete(m.history, workflowID)
}

// Active returns the IDs of workflows not yet in a terminal state.
func (m *Machine) Active() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var active []string
	for id, state := range m.states {
		if !state.Terminal() {
			active = append(active, id)
		}
	}
	return active
}
