// Package correlate matches streams of domain events against
// registered patterns. An instance is created lazily per correlation
// key; when every event type of the pattern has been seen the
// pattern's action fires, and an instance that never completes times
// out without failing anything else.
package correlate

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/droverhq/drover/internal/bus"
	"github.com/droverhq/drover/internal/timing"
)

// ErrPatternNotFound indicates an unknown pattern name.
var ErrPatternNotFound = errors.New("correlation pattern not found")

// ActionType says what happens when a pattern completes.
type ActionType string

const (
	// ActionProcess starts a workflow process definition.
	ActionProcess ActionType = "process"
	// ActionSaga runs a saga definition.
	ActionSaga ActionType = "saga"
	// ActionCallback invokes a registered callback.
	ActionCallback ActionType = "callback"
)

// Action names what to trigger on completion. Target is the process
// definition, saga definition, or callback name.
type Action struct {
	Type   ActionType `yaml:"type" json:"type"`
	Target string     `yaml:"target" json:"target"`
}

// Pattern declares a correlation: which event types must all arrive
// for the same key, how events are keyed, and what to do then.
type Pattern struct {
	Name       string        `yaml:"name" json:"name"`
	EventTypes []string      `yaml:"event_types" json:"event_types"`
	KeyField   string        `yaml:"key_field" json:"key_field"`
	Timeout    time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Action     Action        `yaml:"action" json:"action"`
}

// InstanceStatus is the lifecycle of one correlation instance.
type InstanceStatus string

const (
	CorrelationOpen      InstanceStatus = "OPEN"
	CorrelationCompleted InstanceStatus = "COMPLETED"
	CorrelationTimedOut  InstanceStatus = "TIMEOUT"
)

// Instance tracks the events seen so far for one (pattern, key) pair.
type Instance struct {
	Pattern   string                    `json:"pattern"`
	Key       string                    `json:"key"`
	Status    InstanceStatus            `json:"status"`
	Seen      map[string]map[string]any `json:"seen"`
	CreatedAt time.Time                 `json:"created_at"`
}

// CompleteFunc runs when a pattern completes for a key. The engine
// does not interpret the action itself; the orchestrator wires this to
// its process and saga engines.
type CompleteFunc func(pattern Pattern, inst Instance)

// Engine ingests events and tracks open correlation instances.
type Engine struct {
	mu        sync.RWMutex
	patterns  map[string]Pattern
	instances map[string]*Instance
	onDone    CompleteFunc
	timers    *timing.Engine
	bus       *bus.Bus
}

// NewEngine creates an Engine. The timer engine drives timeouts; fn
// fires on every completed pattern.
func NewEngine(timers *timing.Engine, eventBus *bus.Bus, fn CompleteFunc) *Engine {
	return &Engine{
		patterns:  make(map[string]Pattern),
		instances: make(map[string]*Instance),
		onDone:    fn,
		timers:    timers,
		bus:       eventBus,
	}
}

// RegisterPattern adds or replaces a pattern.
func (e *Engine) RegisterPattern(p Pattern) error {
	if p.Name == "" || len(p.EventTypes) == 0 || p.KeyField == "" {
		return fmt.Errorf("pattern needs a name, event types, and a key field")
	}
	e.mu.Lock()
	e.patterns[p.Name] = p
	e.mu.Unlock()
	return nil
}

// Pattern returns a registered pattern by name.
func (e *Engine) Pattern(name string) (Pattern, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, exists := e.patterns[name]
	if !exists {
		return Pattern{}, fmt.Errorf("%w: %s", ErrPatternNotFound, name)
	}
	return p, nil
}

// Ingest feeds one domain event to every pattern that names its type.
// Events without the pattern's key field are ignored for that pattern.
func (e *Engine) Ingest(eventType string, payload map[string]any) {
	e.mu.RLock()
	var matched []Pattern
	for _, p := range e.patterns {
		for _, t := range p.EventTypes {
			if t == eventType {
				matched = append(matched, p)
				break
			}
		}
	}
	e.mu.RUnlock()

	for _, p := range matched {
		key, ok := payload[p.KeyField].(string)
		if !ok || key == "" {
			continue
		}
		e.record(p, key, eventType, payload)
	}
}

func (e *Engine) record(p Pattern, key, eventType string, payload map[string]any) {
	id := instanceID(p.Name, key)

	e.mu.Lock()
	inst, exists := e.instances[id]
	if !exists {
		inst = &Instance{
			Pattern:   p.Name,
			Key:       key,
			Status:    CorrelationOpen,
			Seen:      make(map[string]map[string]any),
			CreatedAt: time.Now(),
		}
		e.instances[id] = inst
		if p.Timeout > 0 && e.timers != nil {
			e.timers.Schedule(id, p.Timeout, func(string) { e.timeout(id) })
		}
	}
	if inst.Status != CorrelationOpen {
		e.mu.Unlock()
		return
	}
	inst.Seen[eventType] = payload

	complete := true
	for _, t := range p.EventTypes {
		if _, seen := inst.Seen[t]; !seen {
			complete = false
			break
		}
	}
	var snapshot Instance
	if complete {
		inst.Status = CorrelationCompleted
		snapshot = cloneInstance(inst)
		delete(e.instances, id)
	}
	e.mu.Unlock()

	if !complete {
		return
	}
	if e.timers != nil {
		e.timers.Cancel(id)
	}
	if e.bus != nil {
		e.bus.Publish(bus.Event{
			Type:    bus.EventCorrelationCompleted,
			Message: p.Name,
			Payload: map[string]any{"key": key},
		})
	}
	if e.onDone != nil {
		e.onDone(p, snapshot)
	}
}

// timeout expires an open instance. Nothing else fails; the pattern
// simply did not complete for this key.
func (e *Engine) timeout(id string) {
	e.mu.Lock()
	inst, exists := e.instances[id]
	if !exists || inst.Status != CorrelationOpen {
		e.mu.Unlock()
		return
	}
	inst.Status = CorrelationTimedOut
	snapshot := cloneInstance(inst)
	delete(e.instances, id)
	e.mu.Unlock()

	if e.bus != nil {
		e.bus.Publish(bus.Event{
			Type:    bus.EventCorrelationTimeout,
			Message: snapshot.Pattern,
			Payload: map[string]any{"key": snapshot.Key},
		})
	}
}

// Open returns the number of instances still collecting events.
func (e *Engine) Open() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.instances)
}

func instanceID(pattern, key string) string {
	return "corr:" + pattern + ":" + key
}

func cloneInstance(inst *Instance) Instance {
	out := *inst
	out.Seen = make(map[string]map[string]any, len(inst.Seen))
	for k, v := range inst.Seen {
		out.Seen[k] = v
	}
	return out
}
