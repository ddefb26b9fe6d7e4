// Package saga executes multi-step transactions with compensation.
// Steps run strictly in order; when one fails, the compensations of
// every previously completed step run in reverse order, each at most
// once, and the saga lands in FAILED carrying the original step error.
package saga

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/droverhq/drover/internal/bus"
)

// ErrSagaStepFailed indicates a saga step failed and compensation ran.
var ErrSagaStepFailed = errors.New("saga step failed")

// ErrSagaNotFound indicates an unknown saga instance ID.
var ErrSagaNotFound = errors.New("saga not found")

// ErrUnknownAction indicates a step references an action with no
// registered executor.
var ErrUnknownAction = errors.New("unknown saga action")

// Action performs one step (or compensation) of a saga. Data carries
// the accumulated saga variables; the returned map is merged into them.
type Action func(ctx context.Context, data map[string]any) (map[string]any, error)

// StepDef declares one step of a saga definition. Compensate names the
// action that undoes the step; steps without one are skipped during
// compensation.
type StepDef struct {
	Name       string `yaml:"name" json:"name"`
	Action     string `yaml:"action" json:"action"`
	Compensate string `yaml:"compensate,omitempty" json:"compensate,omitempty"`
}

// Definition declares an ordered saga.
type Definition struct {
	Name  string    `yaml:"name" json:"name"`
	Steps []StepDef `yaml:"steps" json:"steps"`
}

// StepStatus is the recorded outcome of one step.
type StepStatus string

const (
	StepCompleted          StepStatus = "COMPLETED"
	StepFailed             StepStatus = "FAILED"
	StepCompensated        StepStatus = "COMPENSATED"
	StepCompensationFailed StepStatus = "COMPENSATION_FAILED"
)

// StepRecord is the audit record for one executed step.
type StepRecord struct {
	Name   string     `json:"name"`
	Status StepStatus `json:"status"`
	Error  string     `json:"error,omitempty"`
	At     time.Time  `json:"at"`
}

// InstanceStatus is the overall saga outcome.
type InstanceStatus string

const (
	SagaRunning   InstanceStatus = "RUNNING"
	SagaCompleted InstanceStatus = "COMPLETED"
	SagaFailed    InstanceStatus = "FAILED"
)

// Instance is a snapshot of one saga run.
type Instance struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Status    InstanceStatus `json:"status"`
	Steps     []StepRecord   `json:"steps"`
	Data      map[string]any `json:"data,omitempty"`
	StartedAt time.Time      `json:"started_at"`
	EndedAt   time.Time      `json:"ended_at,omitempty"`
}

// Engine runs sagas against a registry of named actions.
type Engine struct {
	mu        sync.RWMutex
	actions   map[string]Action
	instances map[string]*Instance
	bus       *bus.Bus
}

// NewEngine creates an Engine publishing outcomes to the given bus.
func NewEngine(eventBus *bus.Bus) *Engine {
	return &Engine{
		actions:   make(map[string]Action),
		instances: make(map[string]*Instance),
		bus:       eventBus,
	}
}

// RegisterAction binds a name to an executor. Later registrations for
// the same name win.
func (e *Engine) RegisterAction(name string, action Action) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.actions[name] = action
}

// Execute runs a saga to completion. On step failure it compensates and
// returns an error wrapping ErrSagaStepFailed and the step's own error;
// the returned instance carries the per-step audit trail either way.
func (e *Engine) Execute(ctx context.Context, def Definition, data map[string]any) (Instance, error) {
	if data == nil {
		data = make(map[string]any)
	}
	inst := &Instance{
		ID:        uuid.NewString(),
		Name:      def.Name,
		Status:    SagaRunning,
		Data:      data,
		StartedAt: time.Now(),
	}
	e.mu.Lock()
	e.instances[inst.ID] = inst
	e.mu.Unlock()

	var completed []StepDef
	for _, step := range def.Steps {
		action, err := e.action(step.Action)
		if err == nil {
			var out map[string]any
			out, err = action(ctx, e.snapshotData(inst))
			if err == nil {
				e.recordStep(inst, StepRecord{Name: step.Name, Status: StepCompleted, At: time.Now()})
				e.mergeData(inst, out)
				completed = append(completed, step)
				continue
			}
		}
		e.recordStep(inst, StepRecord{Name: step.Name, Status: StepFailed, Error: err.Error(), At: time.Now()})
		e.compensate(ctx, inst, completed)
		e.finish(inst, SagaFailed)
		return e.snapshot(inst), fmt.Errorf("%w: step %s of saga %s: %v", ErrSagaStepFailed, step.Name, def.Name, err)
	}

	e.finish(inst, SagaCompleted)
	return e.snapshot(inst), nil
}

// compensate undoes completed steps in reverse order. A failing
// compensation is recorded and the remaining compensations still run.
func (e *Engine) compensate(ctx context.Context, inst *Instance, completed []StepDef) {
	for i := len(completed) - 1; i >= 0; i-- {
		step := completed[i]
		if step.Compensate == "" {
			continue
		}
		action, err := e.action(step.Compensate)
		if err == nil {
			_, err = action(ctx, e.snapshotData(inst))
		}
		if err != nil {
			log.Printf("[saga] compensation %s for step %s failed: %v", step.Compensate, step.Name, err)
			e.recordStep(inst, StepRecord{Name: step.Name, Status: StepCompensationFailed, Error: err.Error(), At: time.Now()})
			continue
		}
		e.recordStep(inst, StepRecord{Name: step.Name, Status: StepCompensated, At: time.Now()})
	}
	if e.bus != nil {
		e.bus.Publish(bus.Event{Type: bus.EventSagaCompensated, InstanceID: inst.ID, Message: inst.Name})
	}
}

// Get returns a snapshot of a saga instance.
func (e *Engine) Get(id string) (Instance, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	inst, exists := e.instances[id]
	if !exists {
		return Instance{}, fmt.Errorf("%w: %s", ErrSagaNotFound, id)
	}
	return *cloneInstance(inst), nil
}

func (e *Engine) action(name string) (Action, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	action, exists := e.actions[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAction, name)
	}
	return action, nil
}

func (e *Engine) recordStep(inst *Instance, record StepRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()
	inst.Steps = append(inst.Steps, record)
}

func (e *Engine) mergeData(inst *Instance, out map[string]any) {
	if len(out) == 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for k, v := range out {
		inst.Data[k] = v
	}
}

func (e *Engine) snapshotData(inst *Instance) map[string]any {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]any, len(inst.Data))
	for k, v := range inst.Data {
		out[k] = v
	}
	return out
}

func (e *Engine) finish(inst *Instance, status InstanceStatus) {
	e.mu.Lock()
	inst.Status = status
	inst.EndedAt = time.Now()
	e.mu.Unlock()

	if e.bus != nil && status == SagaCompleted {
		e.bus.Publish(bus.Event{Type: bus.EventSagaCompleted, InstanceID: inst.ID, Message: inst.Name})
	}
}

func (e *Engine) snapshot(inst *Instance) Instance {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return *cloneInstance(inst)
}

func cloneInstance(inst *Instance) *Instance {
	out := *inst
	out.Steps = append([]StepRecord(nil), inst.Steps...)
	out.Data = make(map[string]any, len(inst.Data))
	for k, v := range inst.Data {
		out.Data[k] = v
	}
	return &out
}
