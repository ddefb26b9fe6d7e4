// Package timing schedules named one-shot timers for workflow timer
// events, correlation timeouts, and human-task SLAs.
package timing

import (
	"strings"
	"sync"
	"time"

	"github.com/droverhq/drover/internal/bus"
)

// FireFunc runs when a timer elapses. It is called on the timer's own
// goroutine, after the timer has been removed from the engine.
type FireFunc func(id string)

// Engine tracks active timers by ID. Scheduling an ID that already
// exists replaces the pending timer.
type Engine struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
	bus    *bus.Bus
	closed bool
}

// New creates an Engine publishing fired timers to the given bus.
func New(eventBus *bus.Bus) *Engine {
	return &Engine{
		timers: make(map[string]*time.Timer),
		bus:    eventBus,
	}
}

// Schedule arms a timer. When the delay elapses the timer is removed,
// a timer_fired event is published, and fn runs if non-nil.
func (e *Engine) Schedule(id string, delay time.Duration, fn FireFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if existing, ok := e.timers[id]; ok {
		existing.Stop()
	}
	e.timers[id] = time.AfterFunc(delay, func() {
		e.mu.Lock()
		_, live := e.timers[id]
		delete(e.timers, id)
		e.mu.Unlock()
		// A cancel that raced the firing wins.
		if !live {
			return
		}
		if e.bus != nil {
			e.bus.Publish(bus.Event{Type: bus.EventTimerFired, Message: id})
		}
		if fn != nil {
			fn(id)
		}
	})
}

// Cancel stops a pending timer. Returns false if no timer was pending.
func (e *Engine) Cancel(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	timer, ok := e.timers[id]
	if !ok {
		return false
	}
	timer.Stop()
	delete(e.timers, id)
	return true
}

// CancelByPrefix stops every pending timer whose ID starts with the
// prefix, as when a workflow instance is cancelled. Returns how many
// timers were stopped.
func (e *Engine) CancelByPrefix(prefix string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	stopped := 0
	for id, timer := range e.timers {
		if strings.HasPrefix(id, prefix) {
			timer.Stop()
			delete(e.timers, id)
			stopped++
		}
	}
	return stopped
}

// Pending returns the number of armed timers.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.timers)
}

// Close stops all pending timers and rejects further scheduling.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	for id, timer := range e.timers {
		timer.Stop()
		delete(e.timers, id)
	}
}
