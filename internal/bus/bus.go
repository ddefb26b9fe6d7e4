// Package bus provides the internal publish/subscribe fabric connecting
// the distributor, engines, and coordinator. Subscriptions are bounded
// channels; publishing never blocks the caller. A full subscriber
// buffer drops the event and increments a counter instead.
package bus

import (
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// EventType identifies the topic of an event.
type EventType string

const (
	// EventTaskDistributed indicates a task was assigned to an agent.
	EventTaskDistributed EventType = "task_distributed"
	// EventTaskQueued indicates a task was enqueued awaiting an agent.
	EventTaskQueued EventType = "task_queued"
	// EventTaskCompleted indicates an agent finished a task.
	EventTaskCompleted EventType = "task_completed"
	// EventTaskDeadLettered indicates a task exhausted all queueing fallbacks.
	EventTaskDeadLettered EventType = "task_dead_lettered"
	// EventQueueWarning indicates a priority queue crossed 80% utilization.
	EventQueueWarning EventType = "queue_warning"
	// EventQueueCritical indicates a priority queue crossed 95% utilization.
	EventQueueCritical EventType = "queue_critical"
	// EventEmergencyScaling signals that queue overflow requires more agents.
	EventEmergencyScaling EventType = "emergency_scaling_required"
	// EventStateTransition records a state machine transition.
	EventStateTransition EventType = "state_transition"
	// EventProcessCompleted indicates a process instance completed.
	EventProcessCompleted EventType = "process_completed"
	// EventProcessCancelled indicates a process instance was cancelled.
	EventProcessCancelled EventType = "process_cancelled"
	// EventSagaCompleted indicates a saga finished successfully.
	EventSagaCompleted EventType = "saga_completed"
	// EventSagaCompensated indicates a saga rolled back after a step failure.
	EventSagaCompensated EventType = "saga_compensated"
	// EventCorrelationCompleted indicates an event correlation completed.
	EventCorrelationCompleted EventType = "correlation_completed"
	// EventCorrelationTimeout indicates an event correlation timed out.
	EventCorrelationTimeout EventType = "correlation_timeout"
	// EventHumanTaskCreated indicates a human task was created.
	EventHumanTaskCreated EventType = "human_task_created"
	// EventHumanTaskCompleted indicates a human task was completed.
	EventHumanTaskCompleted EventType = "human_task_completed"
	// EventHumanTaskSLAExpired indicates a human task missed its SLA.
	EventHumanTaskSLAExpired EventType = "human_task_sla_expired"
	// EventTimerFired indicates a timer triggered.
	EventTimerFired EventType = "timer_fired"
	// EventAgentCircuitOpen indicates an agent was excluded from selection.
	EventAgentCircuitOpen EventType = "agent_circuit_open"
	// EventAgentRecovered indicates a circuit-open agent returned to READY.
	EventAgentRecovered EventType = "agent_recovered"
)

// Event is the message carried on the bus.
type Event struct {
	// Type is the topic of the event.
	Type EventType
	// TaskID is the related task, if applicable.
	TaskID string
	// AgentID is the related agent, if applicable.
	AgentID string
	// InstanceID is the related process instance or saga, if applicable.
	InstanceID string
	// Priority is the related priority level, if applicable.
	Priority string
	// Message provides additional context.
	Message string
	// Error carries failure details for failure topics.
	Error error
	// Payload carries topic-specific data.
	Payload map[string]any
	// Timestamp is when the event was published.
	Timestamp time.Time
}

type subscriber struct {
	types map[EventType]bool
	ch    chan Event
}

// Bus is a bounded, typed publish/subscribe hub.
type Bus struct {
	mu          sync.RWMutex
	subscribers []*subscriber
	bufferSize  int
	dropped     atomic.Uint64
	closed      bool
}

// New creates a Bus whose subscriber channels buffer bufferSize events.
func New(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Bus{bufferSize: bufferSize}
}

// Subscribe registers interest in the given event types and returns the
// delivery channel. An empty type list subscribes to every topic.
func (b *Bus) Subscribe(types ...EventType) <-chan Event {
	sub := &subscriber{ch: make(chan Event, b.bufferSize)}
	if len(types) > 0 {
		sub.types = make(map[EventType]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}
	b.mu.Lock()
	b.subscribers = append(b.subscribers, sub)
	b.mu.Unlock()
	return sub.ch
}

// Publish delivers the event to every matching subscriber without
// blocking. Events dropped on full buffers are counted; every tenth
// drop is logged to avoid spam.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subscribers {
		if sub.types != nil && !sub.types[event.Type] {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			count := b.dropped.Add(1)
			if count%10 == 1 {
				log.Printf("[bus] WARNING: subscriber buffer full, dropped event (total dropped: %d): type=%s", count, event.Type)
			}
		}
	}
}

// DroppedCount returns the total number of events dropped on full
// subscriber buffers.
func (b *Bus) DroppedCount() uint64 {
	return b.dropped.Load()
}

// Close closes all subscriber channels. Publish becomes a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subscribers {
		close(sub.ch)
	}
	b.subscribers = nil
}
