// Package queue implements the bounded per-priority task queues, the
// overflow fallback chain, and the dead-letter queue with retry backoff.
// Ordering guarantees: FIFO within a priority level, strict priority
// across levels at every dequeue.
package queue

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/droverhq/drover/pkg/models"
)

// ErrQueueOverflow indicates a priority queue was at capacity and the
// entry could not be admitted at its level.
var ErrQueueOverflow = errors.New("queue overflow")

// ErrUnknownPriority indicates an enqueue with an invalid priority.
var ErrUnknownPriority = errors.New("unknown priority")

// Entry is a queued task plus its queueing metadata. Entries leave the
// queue on dequeue, TTL expiry, or overflow relocation.
type Entry struct {
	// Task is the queued task.
	Task models.Task
	// Priority is the level the entry currently sits at; overflow
	// handling may move it away from the task's own priority.
	Priority models.Priority
	// QueuedAt is when the entry was admitted.
	QueuedAt time.Time
	// ExpiresAt is the TTL deadline; expired entries are dropped on sweep.
	ExpiresAt time.Time
}

// LevelConfig bounds one priority queue.
type LevelConfig struct {
	// Capacity is the maximum number of entries at this level.
	Capacity int
	// TTL is how long an entry may wait before expiring.
	TTL time.Duration
}

// Config configures the Manager. Zero values fall back to the defaults
// from DefaultConfig.
type Config struct {
	// Levels configures each priority queue.
	Levels map[models.Priority]LevelConfig
	// DeadLetterCapacity bounds the dead-letter queue.
	DeadLetterCapacity int
	// MaxRetries bounds dead-letter redelivery attempts.
	MaxRetries int
	// RetryBackoff is the per-attempt redelivery delay schedule.
	RetryBackoff []time.Duration
	// MaxWait is the staleness threshold for starvation prevention.
	MaxWait time.Duration
}

// DefaultConfig mirrors the production queue sizing: tighter bounds and
// shorter TTLs for higher priorities.
func DefaultConfig() Config {
	return Config{
		Levels: map[models.Priority]LevelConfig{
			models.PriorityCritical: {Capacity: 1000, TTL: 5 * time.Minute},
			models.PriorityHigh:     {Capacity: 5000, TTL: 10 * time.Minute},
			models.PriorityMedium:   {Capacity: 10000, TTL: 30 * time.Minute},
			models.PriorityLow:      {Capacity: 20000, TTL: time.Hour},
		},
		DeadLetterCapacity: 1000,
		MaxRetries:         3,
		RetryBackoff:       []time.Duration{time.Second, 5 * time.Second, 15 * time.Second},
		MaxWait:            30 * time.Minute,
	}
}

// PlacementOutcome describes where an entry ended up after the
// overflow fallback chain ran.
type PlacementOutcome string

const (
	// PlacementEnqueued means the entry was admitted at its own level.
	PlacementEnqueued PlacementOutcome = "enqueued"
	// PlacementSpilled means the entry was admitted at a less-loaded level.
	PlacementSpilled PlacementOutcome = "spilled"
	// PlacementEscalated means the entry was admitted one level higher.
	PlacementEscalated PlacementOutcome = "escalated"
	// PlacementRetryQueued means the entry went to the dead-letter queue
	// for delayed retry.
	PlacementRetryQueued PlacementOutcome = "retry_queued"
	// PlacementDeadLettered means the entry is terminally dead-lettered.
	PlacementDeadLettered PlacementOutcome = "dead_lettered"
)

// Placement reports the result of EnqueueWithFallback.
type Placement struct {
	// Outcome is where the entry was admitted.
	Outcome PlacementOutcome
	// Priority is the level the entry sits at, when queued.
	Priority models.Priority
	// EmergencyScaling is true when the chain reached the
	// emergency-scale signal; the caller must publish it.
	EmergencyScaling bool
}

// Stats is a point-in-time snapshot of queue accounting.
type Stats struct {
	TotalEnqueued  int64
	TotalDequeued  int64
	TotalExpired   int64
	OverflowEvents int64
	Depths         map[models.Priority]int
	DeadLetterSize int
}

// Manager owns the priority queues and the dead-letter queue.
type Manager struct {
	mu     sync.Mutex
	cfg    Config
	queues map[models.Priority][]Entry
	dead   []DeadLetterEntry

	totalEnqueued  int64
	totalDequeued  int64
	totalExpired   int64
	overflowEvents int64
}

// NewManager creates a Manager from cfg, filling in defaults for any
// unset level.
func NewManager(cfg Config) *Manager {
	def := DefaultConfig()
	if cfg.Levels == nil {
		cfg.Levels = def.Levels
	} else {
		for p, lc := range def.Levels {
			if _, ok := cfg.Levels[p]; !ok {
				cfg.Levels[p] = lc
			}
		}
	}
	if cfg.DeadLetterCapacity <= 0 {
		cfg.DeadLetterCapacity = def.DeadLetterCapacity
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if len(cfg.RetryBackoff) == 0 {
		cfg.RetryBackoff = def.RetryBackoff
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = def.MaxWait
	}
	m := &Manager{
		cfg:    cfg,
		queues: make(map[models.Priority][]Entry, len(models.Priorities)),
	}
	for _, p := range models.Priorities {
		m.queues[p] = nil
	}
	return m
}

// Enqueue admits the task at the given priority, failing with
// ErrQueueOverflow when the level is full.
func (m *Manager) Enqueue(task models.Task, priority models.Priority) error {
	if !priority.Valid() {
		return fmt.Errorf("%w: %s", ErrUnknownPriority, priority)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enqueueLocked(task, priority)
}

func (m *Manager) enqueueLocked(task models.Task, priority models.Priority) error {
	lc := m.cfg.Levels[priority]
	if len(m.queues[priority]) >= lc.Capacity {
		return fmt.Errorf("%w: priority %s at capacity %d", ErrQueueOverflow, priority, lc.Capacity)
	}
	now := time.Now()
	m.queues[priority] = append(m.queues[priority], Entry{
		Task:      task,
		Priority:  priority,
		QueuedAt:  now,
		ExpiresAt: now.Add(lc.TTL),
	})
	m.totalEnqueued++
	return nil
}

// EnqueueWithFallback admits the task at the given priority, running
// the overflow fallback chain in fixed order when the level is full:
// spill to the least-loaded other queue, escalate one priority level,
// move to the dead-letter retry queue, and finally signal emergency
// scaling with terminal dead-lettering.
func (m *Manager) EnqueueWithFallback(task models.Task, priority models.Priority) (Placement, error) {
	if !priority.Valid() {
		return Placement{}, fmt.Errorf("%w: %s", ErrUnknownPriority, priority)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.enqueueLocked(task, priority); err == nil {
		return Placement{Outcome: PlacementEnqueued, Priority: priority}, nil
	}
	m.overflowEvents++

	// Spill to the least-loaded other queue with room.
	if spillTo, ok := m.leastLoadedOtherLocked(priority); ok {
		if err := m.enqueueLocked(task, spillTo); err == nil {
			return Placement{Outcome: PlacementSpilled, Priority: spillTo}, nil
		}
	}

	// Escalate one priority level.
	if higher, ok := priority.Escalate(); ok {
		if err := m.enqueueLocked(task, higher); err == nil {
			return Placement{Outcome: PlacementEscalated, Priority: higher}, nil
		}
	}

	// Dead-letter retry queue with backoff.
	if task.RetryCount < m.cfg.MaxRetries && len(m.dead) < m.cfg.DeadLetterCapacity {
		m.deadLetterLocked(task, priority, "queue overflow", true)
		return Placement{Outcome: PlacementRetryQueued, Priority: priority}, nil
	}

	// Everything exhausted: terminal dead-letter plus emergency signal.
	m.deadLetterLocked(task, priority, "queue overflow: all fallbacks exhausted", false)
	return Placement{Outcome: PlacementDeadLettered, Priority: priority, EmergencyScaling: true}, nil
}

// leastLoadedOtherLocked finds the other priority level with the most
// spare room, by depth.
func (m *Manager) leastLoadedOtherLocked(priority models.Priority) (models.Priority, bool) {
	best := models.Priority("")
	bestDepth := -1
	for _, p := range models.Priorities {
		if p == priority {
			continue
		}
		depth := len(m.queues[p])
		if depth >= m.cfg.Levels[p].Capacity {
			continue
		}
		if bestDepth == -1 || depth < bestDepth {
			best = p
			bestDepth = depth
		}
	}
	return best, bestDepth != -1
}

// Dequeue removes and returns the oldest entry of the highest non-empty
// priority, dropping expired entries as it scans.
func (m *Manager) Dequeue() (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for _, p := range models.Priorities {
		for len(m.queues[p]) > 0 {
			entry := m.queues[p][0]
			m.queues[p] = m.queues[p][1:]
			if now.After(entry.ExpiresAt) {
				m.totalExpired++
				continue
			}
			m.totalDequeued++
			return entry, true
		}
	}
	return Entry{}, false
}

// DequeueBatch removes up to n entries from one priority level,
// dropping expired entries as it scans.
func (m *Manager) DequeueBatch(priority models.Priority, n int) []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	out := make([]Entry, 0, n)
	for len(out) < n && len(m.queues[priority]) > 0 {
		entry := m.queues[priority][0]
		m.queues[priority] = m.queues[priority][1:]
		if now.After(entry.ExpiresAt) {
			m.totalExpired++
			continue
		}
		m.totalDequeued++
		out = append(out, entry)
	}
	return out
}

// Depth returns the number of entries at a priority level.
func (m *Manager) Depth(priority models.Priority) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[priority])
}

// Utilization returns depth/capacity for a priority level.
func (m *Manager) Utilization(priority models.Priority) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	lc := m.cfg.Levels[priority]
	if lc.Capacity == 0 {
		return 0
	}
	return float64(len(m.queues[priority])) / float64(lc.Capacity)
}

// PromoteStale evicts entries queued longer than the max-wait threshold
// and re-admits them one priority level higher, preventing starvation.
// It returns the promoted tasks with their new priority.
func (m *Manager) PromoteStale() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	var promoted []Entry
	for _, p := range models.Priorities {
		higher, ok := p.Escalate()
		if !ok {
			continue
		}
		kept := m.queues[p][:0]
		for _, entry := range m.queues[p] {
			if now.Sub(entry.QueuedAt) <= m.cfg.MaxWait {
				kept = append(kept, entry)
				continue
			}
			if len(m.queues[higher]) < m.cfg.Levels[higher].Capacity {
				entry.Priority = higher
				m.queues[higher] = append(m.queues[higher], entry)
				promoted = append(promoted, entry)
			} else {
				kept = append(kept, entry)
			}
		}
		m.queues[p] = kept
	}
	return promoted
}

// SweepExpired drops entries past their TTL and returns them.
func (m *Manager) SweepExpired() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	var expired []Entry
	for _, p := range models.Priorities {
		kept := m.queues[p][:0]
		for _, entry := range m.queues[p] {
			if now.After(entry.ExpiresAt) {
				m.totalExpired++
				expired = append(expired, entry)
				continue
			}
			kept = append(kept, entry)
		}
		m.queues[p] = kept
	}
	return expired
}

// Stats returns a snapshot of queue accounting.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	depths := make(map[models.Priority]int, len(m.queues))
	for p, q := range m.queues {
		depths[p] = len(q)
	}
	return Stats{
		TotalEnqueued:  m.totalEnqueued,
		TotalDequeued:  m.totalDequeued,
		TotalExpired:   m.totalExpired,
		OverflowEvents: m.overflowEvents,
		Depths:         depths,
		DeadLetterSize: len(m.dead),
	}
}

// MaxWait returns the configured staleness threshold.
func (m *Manager) MaxWait() time.Duration {
	return m.cfg.MaxWait
}
