// Package distributor assigns tasks to agents, queues what cannot be
// assigned, and runs the background pumps that keep the queues moving:
// per-priority batch processors, dead-letter redrive, starvation
// promotion, and the load-rebalance monitor.
package distributor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/droverhq/drover/internal/balance"
	"github.com/droverhq/drover/internal/bus"
	"github.com/droverhq/drover/internal/queue"
	"github.com/droverhq/drover/internal/registry"
	"github.com/droverhq/drover/internal/telemetry"
	"github.com/droverhq/drover/pkg/models"
)

// Status is the outcome of a distribution attempt.
type Status string

const (
	StatusAssigned Status = "assigned"
	StatusQueued   Status = "queued"
	StatusFailed   Status = "failed"
)

// Result reports what Distribute did with a task.
type Result struct {
	Status   Status          `json:"status"`
	AgentID  string          `json:"agent_id,omitempty"`
	Priority models.Priority `json:"priority"`
	// Outcome is set for queued tasks and names the fallback applied.
	Outcome queue.PlacementOutcome `json:"outcome,omitempty"`
	// DistributionTime is how long the decision took.
	DistributionTime time.Duration `json:"distribution_time"`
}

// Options overrides distribution behavior per call.
type Options struct {
	// Priority forces the effective priority when set.
	Priority models.Priority
}

// Executor runs an assigned task on an agent. Execution is external to
// the pool; tests and the demo wire a simulated executor.
type Executor interface {
	Execute(ctx context.Context, agent models.Agent, task models.Task) (map[string]any, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, agent models.Agent, task models.Task) (map[string]any, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, agent models.Agent, task models.Task) (map[string]any, error) {
	return f(ctx, agent, task)
}

// CompletionFunc observes finished tasks with their outputs.
type CompletionFunc func(task models.Task, agentID string, outputs map[string]any, err error)

// Config tunes the distributor pumps.
type Config struct {
	// BatchSizes is how many entries each priority drains per pass.
	BatchSizes map[models.Priority]int
	// Cadences is the pause between passes; zero means immediate.
	Cadences map[models.Priority]time.Duration
	// RedriveInterval is how often the dead-letter pump runs.
	RedriveInterval time.Duration
	// PromoteInterval is how often starved entries are promoted.
	PromoteInterval time.Duration
	// RebalanceInterval is how often load distribution is reviewed.
	RebalanceInterval time.Duration
	// VarianceThreshold triggers an algorithm switch.
	VarianceThreshold float64
	// BottleneckThreshold flags a category as saturated.
	BottleneckThreshold float64
	// HighUtilization and LowUtilization bound the algorithm choice.
	HighUtilization float64
	LowUtilization  float64
}

// DefaultConfig mirrors the production tuning.
func DefaultConfig() Config {
	return Config{
		BatchSizes: map[models.Priority]int{
			models.PriorityCritical: 1,
			models.PriorityHigh:     5,
			models.PriorityMedium:   15,
			models.PriorityLow:      50,
		},
		Cadences: map[models.Priority]time.Duration{
			models.PriorityCritical: 0,
			models.PriorityHigh:     100 * time.Millisecond,
			models.PriorityMedium:   500 * time.Millisecond,
			models.PriorityLow:      2 * time.Second,
		},
		RedriveInterval:     time.Second,
		PromoteInterval:     time.Minute,
		RebalanceInterval:   time.Minute,
		VarianceThreshold:   0.15,
		BottleneckThreshold: 0.9,
		HighUtilization:     0.75,
		LowUtilization:      0.3,
	}
}

// Stats is a point-in-time view for the status surface.
type Stats struct {
	Queue      queue.Stats       `json:"queue"`
	Algorithm  balance.Algorithm `json:"algorithm"`
	Agents     int               `json:"agents"`
	Assigned   int64             `json:"assigned"`
	Queued     int64             `json:"queued"`
	DeadTotal  int               `json:"dead_letters"`
	InFlight   int               `json:"in_flight"`
	Bottleneck []string          `json:"bottlenecked_categories,omitempty"`
}

// Distributor owns task placement for the agent pool.
type Distributor struct {
	registry *registry.Registry
	balancer *balance.Balancer
	queues   *queue.Manager
	bus      *bus.Bus
	metrics  telemetry.MetricsSink
	executor Executor
	cfg      Config

	mu         sync.Mutex
	onComplete CompletionFunc
	assigned   int64
	queued     int64
	inFlight   int
	bottleneck []string

	kick   chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
	closed bool
}

// New wires a Distributor. A nil metrics sink gets the no-op sink.
func New(reg *registry.Registry, bal *balance.Balancer, queues *queue.Manager, eventBus *bus.Bus, executor Executor, cfg Config) *Distributor {
	return &Distributor{
		registry: reg,
		balancer: bal,
		queues:   queues,
		bus:      eventBus,
		metrics:  telemetry.NopMetrics{},
		executor: executor,
		cfg:      cfg,
		kick:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// SetMetrics installs a metrics sink.
func (d *Distributor) SetMetrics(sink telemetry.MetricsSink) {
	if sink != nil {
		d.metrics = sink
	}
}

// OnCompletion registers an observer for finished tasks.
func (d *Distributor) OnCompletion(fn CompletionFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onComplete = fn
}

// EffectivePriority derives a task's priority: explicit option, then
// the task's own priority, then deadline pressure, then task type,
// then MEDIUM.
func EffectivePriority(task models.Task, opts Options) models.Priority {
	if opts.Priority.Valid() {
		return opts.Priority
	}
	if task.Priority.Valid() {
		return task.Priority
	}
	if task.Deadline != nil {
		until := time.Until(*task.Deadline)
		switch {
		case until < 5*time.Minute:
			return models.PriorityCritical
		case until < 30*time.Minute:
			return models.PriorityHigh
		case until < time.Hour:
			return models.PriorityMedium
		}
	}
	switch task.Type {
	case models.TaskTypeEmergency:
		return models.PriorityCritical
	case models.TaskTypeUserRequest:
		return models.PriorityHigh
	case models.TaskTypeBackground:
		return models.PriorityLow
	}
	return models.PriorityMedium
}

// Distribute places a task: assign it to an agent when one is
// selectable, otherwise queue it through the overflow fallback chain.
func (d *Distributor) Distribute(ctx context.Context, task models.Task, opts Options) (Result, error) {
	started := time.Now()
	priority := EffectivePriority(task, opts)

	agent, err := d.balancer.Select(task)
	if err == nil {
		if err := d.assign(ctx, agent, task, priority); err == nil {
			d.metrics.IncrementCoordinationOperation("distribute", "assigned")
			return Result{
				Status:           StatusAssigned,
				AgentID:          agent.ID,
				Priority:         priority,
				DistributionTime: time.Since(started),
			}, nil
		}
		// The chosen agent saturated between selection and reserve;
		// fall through to queueing.
	} else if !errors.Is(err, balance.ErrNoAgentAvailable) {
		d.metrics.IncrementCoordinationOperation("distribute", "failed")
		return Result{Status: StatusFailed, Priority: priority, DistributionTime: time.Since(started)}, err
	}

	placement, err := d.queues.EnqueueWithFallback(task, priority)
	if err != nil {
		d.metrics.IncrementCoordinationOperation("distribute", "failed")
		return Result{Status: StatusFailed, Priority: priority, DistributionTime: time.Since(started)}, err
	}
	d.publishPlacement(task, placement)
	d.mu.Lock()
	d.queued++
	d.mu.Unlock()
	d.metrics.IncrementCoordinationOperation("distribute", "queued")

	return Result{
		Status:           StatusQueued,
		Priority:         placement.Priority,
		Outcome:          placement.Outcome,
		DistributionTime: time.Since(started),
	}, nil
}

// assign reserves the agent and runs the task asynchronously.
func (d *Distributor) assign(ctx context.Context, agent models.Agent, task models.Task, priority models.Priority) error {
	if err := d.registry.Reserve(agent.ID); err != nil {
		return err
	}
	d.mu.Lock()
	d.assigned++
	d.inFlight++
	d.mu.Unlock()

	if d.bus != nil {
		d.bus.Publish(bus.Event{
			Type:     bus.EventTaskDistributed,
			TaskID:   task.ID,
			AgentID:  agent.ID,
			Priority: string(priority),
		})
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.execute(ctx, agent, task)
	}()
	return nil
}

// execute runs the task and settles capacity and performance.
func (d *Distributor) execute(ctx context.Context, agent models.Agent, task models.Task) {
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}

	started := time.Now()
	var outputs map[string]any
	var err error
	if d.executor != nil {
		outputs, err = d.executor.Execute(ctx, agent, task)
	}
	d.HandleCompletion(task, agent.ID, outputs, err, time.Since(started))
}

// HandleCompletion releases the agent's slot, updates its rolling
// performance, notifies observers, and drains queued work into the
// freed capacity.
func (d *Distributor) HandleCompletion(task models.Task, agentID string, outputs map[string]any, execErr error, latency time.Duration) {
	if err := d.registry.Release(agentID, execErr == nil, latency); err != nil {
		log.Printf("[distributor] release %s: %v", agentID, err)
	}
	d.metrics.RecordAgentPerformance(agentID, "latency_ms", float64(latency.Milliseconds()))

	d.mu.Lock()
	d.inFlight--
	fn := d.onComplete
	d.mu.Unlock()

	if d.bus != nil {
		event := bus.Event{Type: bus.EventTaskCompleted, TaskID: task.ID, AgentID: agentID}
		if execErr != nil {
			event.Error = execErr
		}
		d.bus.Publish(event)
	}
	if fn != nil {
		fn(task, agentID, outputs, execErr)
	}
	d.Kick()
}

// Kick wakes the critical queue processor immediately.
func (d *Distributor) Kick() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

func (d *Distributor) publishPlacement(task models.Task, placement queue.Placement) {
	if d.bus == nil {
		return
	}
	switch placement.Outcome {
	case queue.PlacementEnqueued:
		d.bus.Publish(bus.Event{Type: bus.EventTaskQueued, TaskID: task.ID, Priority: string(placement.Priority)})
	case queue.PlacementSpilled, queue.PlacementEscalated:
		d.bus.Publish(bus.Event{
			Type:     bus.EventQueueWarning,
			TaskID:   task.ID,
			Priority: string(placement.Priority),
			Message:  string(placement.Outcome),
		})
	case queue.PlacementRetryQueued:
		d.bus.Publish(bus.Event{Type: bus.EventTaskQueued, TaskID: task.ID, Priority: string(placement.Priority), Message: "retry"})
	case queue.PlacementDeadLettered:
		d.bus.Publish(bus.Event{Type: bus.EventTaskDeadLettered, TaskID: task.ID, Priority: string(placement.Priority)})
	}
	if placement.EmergencyScaling {
		d.bus.Publish(bus.Event{Type: bus.EventEmergencyScaling, TaskID: task.ID, Message: "all queues exhausted"})
	}
}

// Start launches the background pumps. Stop them with Close.
func (d *Distributor) Start() {
	for _, p := range models.Priorities {
		p := p
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.runQueueProcessor(p)
		}()
	}
	d.wg.Add(3)
	go func() { defer d.wg.Done(); d.runRedrivePump() }()
	go func() { defer d.wg.Done(); d.runPromotePump() }()
	go func() { defer d.wg.Done(); d.runRebalanceMonitor() }()
}

// Close stops the pumps and waits for in-flight work.
func (d *Distributor) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()
	close(d.done)
	d.wg.Wait()
}

// runQueueProcessor drains one priority level on its cadence. The
// critical level has no cadence: it runs on every completion kick.
func (d *Distributor) runQueueProcessor(priority models.Priority) {
	cadence := d.cfg.Cadences[priority]
	if cadence <= 0 {
		cadence = 10 * time.Millisecond
	}
	ticker := time.NewTicker(cadence)
	defer ticker.Stop()

	for {
		if priority == models.PriorityCritical {
			select {
			case <-d.done:
				return
			case <-d.kick:
			case <-ticker.C:
			}
		} else {
			select {
			case <-d.done:
				return
			case <-ticker.C:
			}
		}
		d.drain(priority)
	}
}

// drain assigns up to one batch of queued entries for the priority.
// Entries with no selectable agent go back to the queue front order by
// re-enqueueing at the same level.
func (d *Distributor) drain(priority models.Priority) {
	batch := d.queues.DequeueBatch(priority, d.cfg.BatchSizes[priority])
	for i, entry := range batch {
		agent, err := d.balancer.Select(entry.Task)
		if err != nil || d.assign(context.Background(), agent, entry.Task, entry.Priority) != nil {
			// No capacity: put this and the rest back.
			for _, rest := range batch[i:] {
				if _, err := d.queues.EnqueueWithFallback(rest.Task, rest.Priority); err != nil {
					log.Printf("[distributor] requeue %s: %v", rest.Task.ID, err)
				}
			}
			return
		}
	}
}

// runRedrivePump redistributes dead-letter entries whose backoff has
// elapsed.
func (d *Distributor) runRedrivePump() {
	ticker := time.NewTicker(d.cfg.RedriveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.done:
			return
		case <-ticker.C:
		}
		for _, entry := range d.queues.Redrive() {
			if _, err := d.Distribute(context.Background(), entry.Task, Options{Priority: entry.Priority}); err != nil {
				log.Printf("[distributor] redrive %s: %v", entry.Task.ID, err)
			}
		}
	}
}

// runPromotePump lifts entries that waited past the starvation bound
// one priority level.
func (d *Distributor) runPromotePump() {
	ticker := time.NewTicker(d.cfg.PromoteInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.done:
			return
		case <-ticker.C:
		}
		for _, entry := range d.queues.PromoteStale() {
			if d.bus != nil {
				d.bus.Publish(bus.Event{
					Type:     bus.EventQueueWarning,
					TaskID:   entry.Task.ID,
					Priority: string(entry.Priority),
					Message:  "starvation promotion",
				})
			}
		}
		d.queues.SweepExpired()
	}
}

// runRebalanceMonitor reviews per-category utilization, switches the
// balancing algorithm when load variance is high, and flags saturated
// categories.
func (d *Distributor) runRebalanceMonitor() {
	ticker := time.NewTicker(d.cfg.RebalanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.done:
			return
		case <-ticker.C:
		}
		d.rebalance()
	}
}

func (d *Distributor) rebalance() {
	categories := d.registry.Categories()
	if len(categories) == 0 {
		return
	}

	utils := make([]float64, 0, len(categories))
	var saturated []string
	for _, category := range categories {
		util := d.registry.CategoryUtilization(category)
		utils = append(utils, util)
		d.metrics.RecordSystemHealth(category, "utilization", util)
		if util > d.cfg.BottleneckThreshold {
			saturated = append(saturated, category)
		}
	}

	mean := 0.0
	for _, u := range utils {
		mean += u
	}
	mean /= float64(len(utils))
	variance := 0.0
	for _, u := range utils {
		variance += (u - mean) * (u - mean)
	}
	variance /= float64(len(utils))

	if math.Sqrt(variance) > d.cfg.VarianceThreshold || len(saturated) > 0 {
		previous := d.balancer.Algorithm()
		next := d.chooseAlgorithm(mean)
		if next != previous {
			d.balancer.SetAlgorithm(next)
			log.Printf("[distributor] rebalance: switching %s -> %s (mean utilization %.2f)", previous, next, mean)
		}
	}

	d.mu.Lock()
	d.bottleneck = saturated
	d.mu.Unlock()

	if len(saturated) > 0 && d.bus != nil {
		d.bus.Publish(bus.Event{
			Type:    bus.EventQueueCritical,
			Message: fmt.Sprintf("saturated categories: %v", saturated),
		})
	}
}

// chooseAlgorithm picks a strategy for the observed mean utilization.
func (d *Distributor) chooseAlgorithm(mean float64) balance.Algorithm {
	switch {
	case mean > d.cfg.HighUtilization:
		return balance.AlgorithmCapacityBased
	case mean < d.cfg.LowUtilization:
		return balance.AlgorithmPerformanceBased
	default:
		return balance.AlgorithmWeightedRoundRobin
	}
}

// Stats returns a snapshot for the status surface.
func (d *Distributor) Stats() Stats {
	d.mu.Lock()
	assigned, queued, inFlight := d.assigned, d.queued, d.inFlight
	saturated := append([]string(nil), d.bottleneck...)
	d.mu.Unlock()

	return Stats{
		Queue:      d.queues.Stats(),
		Algorithm:  d.balancer.Algorithm(),
		Agents:     d.registry.Count(),
		Assigned:   assigned,
		Queued:     queued,
		DeadTotal:  len(d.queues.DeadLetters()),
		InFlight:   inFlight,
		Bottleneck: saturated,
	}
}
