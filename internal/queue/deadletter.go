package queue

import (
	"time"

	"github.com/droverhq/drover/pkg/models"
)

// DeadLetterEntry holds a task that exhausted queueing fallbacks. Retry
// entries become eligible for redelivery after their backoff elapses;
// terminal entries stay for inspection until purged.
type DeadLetterEntry struct {
	// Task is the dead-lettered task with its retry count advanced.
	Task models.Task
	// Priority is the level the task last sat at.
	Priority models.Priority
	// Reason describes why the task was dead-lettered.
	Reason string
	// Retryable is false once retries are exhausted.
	Retryable bool
	// NextRetry is when a retryable entry becomes eligible for redrive.
	NextRetry time.Time
	// DeadLetteredAt is when the entry was admitted.
	DeadLetteredAt time.Time
}

// deadLetterLocked admits a task to the dead-letter queue. Callers hold m.mu.
func (m *Manager) deadLetterLocked(task models.Task, priority models.Priority, reason string, retryable bool) {
	if len(m.dead) >= m.cfg.DeadLetterCapacity {
		// Oldest entry gives way; dead letters are inspectable, not
		// an unbounded archive.
		m.dead = m.dead[1:]
	}
	now := time.Now()
	entry := DeadLetterEntry{
		Task:           task,
		Priority:       priority,
		Reason:         reason,
		Retryable:      retryable,
		DeadLetteredAt: now,
	}
	if retryable {
		backoffIdx := task.RetryCount
		if backoffIdx >= len(m.cfg.RetryBackoff) {
			backoffIdx = len(m.cfg.RetryBackoff) - 1
		}
		entry.Task.RetryCount++
		entry.NextRetry = now.Add(m.cfg.RetryBackoff[backoffIdx])
	}
	m.dead = append(m.dead, entry)
}

// DeadLetter admits a task directly to the dead-letter queue, as the
// distributor does when a distribution attempt fails outright.
func (m *Manager) DeadLetter(task models.Task, priority models.Priority, reason string, retryable bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if retryable && task.RetryCount >= m.cfg.MaxRetries {
		retryable = false
	}
	m.deadLetterLocked(task, priority, reason, retryable)
}

// DeadLetters returns a snapshot of the dead-letter queue.
func (m *Manager) DeadLetters() []DeadLetterEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]DeadLetterEntry, len(m.dead))
	copy(out, m.dead)
	return out
}

// Redrive removes and returns the retryable entries whose backoff has
// elapsed, for redistribution by the caller.
func (m *Manager) Redrive() []DeadLetterEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	var due []DeadLetterEntry
	kept := m.dead[:0]
	for _, entry := range m.dead {
		if entry.Retryable && now.After(entry.NextRetry) {
			due = append(due, entry)
			continue
		}
		kept = append(kept, entry)
	}
	m.dead = kept
	return due
}

// PurgeDeadLetters drops all terminal dead-letter entries and returns
// how many were removed.
func (m *Manager) PurgeDeadLetters() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.dead[:0]
	removed := 0
	for _, entry := range m.dead {
		if entry.Retryable {
			kept = append(kept, entry)
			continue
		}
		removed++
	}
	m.dead = kept
	return removed
}
