// Package coordinator wires the agent registry, task distributor,
// workflow state machine, and the process, saga, and correlation
// engines into one coordination surface. Callers hand it tasks,
// dependency workflows, or process starts; it owns the pool seeding
// and the lifecycle bookkeeping around them.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/droverhq/drover/internal/balance"
	"github.com/droverhq/drover/internal/bus"
	"github.com/droverhq/drover/internal/config"
	"github.com/droverhq/drover/internal/correlate"
	"github.com/droverhq/drover/internal/distributor"
	"github.com/droverhq/drover/internal/fsm"
	"github.com/droverhq/drover/internal/graph"
	"github.com/droverhq/drover/internal/human"
	"github.com/droverhq/drover/internal/process"
	"github.com/droverhq/drover/internal/queue"
	"github.com/droverhq/drover/internal/registry"
	"github.com/droverhq/drover/internal/saga"
	"github.com/droverhq/drover/internal/state"
	"github.com/droverhq/drover/internal/telemetry"
	"github.com/droverhq/drover/internal/timing"
	"github.com/droverhq/drover/pkg/models"
)

// ErrNoSpareCapacity indicates no same-category agent can absorb
// redistributed load.
var ErrNoSpareCapacity = errors.New("no spare capacity in category")

// ErrWorkflowFailed indicates at least one task of a coordinated
// workflow failed.
var ErrWorkflowFailed = errors.New("workflow failed")

// ErrUnknownSaga indicates a saga name with no registered definition.
var ErrUnknownSaga = errors.New("unknown saga definition")

// Options adjusts one coordination call.
type Options struct {
	// Parallel executes independent tasks concurrently.
	Parallel bool
	// MaxConcurrency bounds parallel execution; zero uses the
	// configured coordinator bound.
	MaxConcurrency int
	// Priority forces the effective priority for every task.
	Priority models.Priority
}

// TaskResult is the outcome of one coordinated task.
type TaskResult struct {
	TaskID   string         `json:"task_id"`
	AgentID  string         `json:"agent_id,omitempty"`
	Outputs  map[string]any `json:"outputs,omitempty"`
	Error    string         `json:"error,omitempty"`
	Duration time.Duration  `json:"duration"`
}

// Failed returns true if the task did not complete successfully.
func (r TaskResult) Failed() bool { return r.Error != "" }

// WorkflowResult is the combined outcome of a coordinated batch or
// distributed workflow.
type WorkflowResult struct {
	WorkflowID string       `json:"workflow_id"`
	State      fsm.State    `json:"state"`
	Results    []TaskResult `json:"results"`
	Synthesis  Synthesis    `json:"synthesis"`
	StartedAt  time.Time    `json:"started_at"`
	EndedAt    time.Time    `json:"ended_at"`
}

// Synthesis aggregates per-task results into a single combined view.
type Synthesis struct {
	Tasks     int            `json:"tasks"`
	Succeeded int            `json:"succeeded"`
	Failed    int            `json:"failed"`
	Agents    []string       `json:"agents,omitempty"`
	Outputs   map[string]any `json:"outputs,omitempty"`
	Duration  time.Duration  `json:"duration"`
}

// WorkflowStatus is the live view of a registered workflow.
type WorkflowStatus struct {
	WorkflowID string           `json:"workflow_id"`
	State      fsm.State        `json:"state"`
	History    []fsm.Transition `json:"history"`
}

type taskOutcome struct {
	agentID string
	outputs map[string]any
	err     error
}

// Coordinator owns the full coordination stack.
type Coordinator struct {
	cfg     *config.Config
	bus     *bus.Bus
	metrics telemetry.MetricsSink

	registry    *registry.Registry
	queues      *queue.Manager
	distributor *distributor.Distributor
	machine     *fsm.Machine
	timers      *timing.Engine
	human       *human.Manager
	sagas       *saga.Engine
	correlator  *correlate.Engine
	processes   *process.Engine
	archive     state.ArchiveStore

	mu        sync.Mutex
	waiters   map[string]chan taskOutcome
	sagaDefs  map[string]saga.Definition
	callbacks map[string]func(correlate.Instance)

	done   chan struct{}
	wg     sync.WaitGroup
	closed bool
}

// New builds a coordinator from configuration. The executor performs
// actual agent-side task execution; the archive may be nil to disable
// archival.
func New(cfg *config.Config, executor distributor.Executor, archive state.ArchiveStore) (*Coordinator, error) {
	eventBus := bus.New(256)

	reg := registry.New()
	for _, agent := range cfg.SeedAgents() {
		if err := reg.Register(agent); err != nil {
			eventBus.Close()
			return nil, fmt.Errorf("seed agent %s: %w", agent.ID, err)
		}
	}

	timers := timing.New(eventBus)
	humanMgr := human.New(timers, eventBus)
	sagaEng := saga.NewEngine(eventBus)

	c := &Coordinator{
		cfg:       cfg,
		bus:       eventBus,
		metrics:   telemetry.NopMetrics{},
		registry:  reg,
		queues:    queue.NewManager(cfg.QueueConfig()),
		machine:   fsm.New(eventBus),
		timers:    timers,
		human:     humanMgr,
		sagas:     sagaEng,
		archive:   archive,
		waiters:   make(map[string]chan taskOutcome),
		sagaDefs:  make(map[string]saga.Definition),
		callbacks: make(map[string]func(correlate.Instance)),
		done:      make(chan struct{}),
	}

	c.distributor = distributor.New(reg, balance.New(reg), c.queues, eventBus, executor, cfg.DistributorSettings())
	c.distributor.OnCompletion(c.onTaskDone)

	c.correlator = correlate.NewEngine(timers, eventBus, c.onCorrelation)

	c.processes = process.NewEngine(process.Options{
		Agents:         agentRunner{c},
		Sagas:          sagaEng,
		Human:          humanMgr,
		Timers:         timers,
		Bus:            eventBus,
		DefaultTimeout: cfg.Process.DefaultTimeout,
	})

	return c, nil
}

// SetMetrics installs a metrics sink.
func (c *Coordinator) SetMetrics(sink telemetry.MetricsSink) {
	if sink == nil {
		sink = telemetry.NopMetrics{}
	}
	c.metrics = sink
	c.distributor.SetMetrics(sink)
}

// Bus exposes the event bus for external subscribers.
func (c *Coordinator) Bus() *bus.Bus { return c.bus }

// Registry exposes the agent registry.
func (c *Coordinator) Registry() *registry.Registry { return c.registry }

// Processes exposes the process engine for definition deployment and
// script registration.
func (c *Coordinator) Processes() *process.Engine { return c.processes }

// Distributor exposes the task distributor for stats.
func (c *Coordinator) Distributor() *distributor.Distributor { return c.distributor }

// Start launches the distribution pumps and the background event loop.
func (c *Coordinator) Start() {
	c.distributor.Start()
	// Subscribe before the goroutine starts so events published between
	// Start returning and the loop running are not missed.
	events := c.bus.Subscribe(
		bus.EventAgentCircuitOpen,
		bus.EventAgentRecovered,
		bus.EventTaskDeadLettered,
		bus.EventProcessCompleted,
		bus.EventProcessCancelled,
	)
	c.wg.Add(1)
	go c.runEventLoop(events)
}

// Close shuts down the stack. Safe to call once.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	close(c.done)
	c.distributor.Close()
	c.timers.Close()
	c.bus.Close()
	c.wg.Wait()
}

// runEventLoop reacts to circuit and archival events.
func (c *Coordinator) runEventLoop(events <-chan bus.Event) {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			c.handleEvent(event)
		}
	}
}

func (c *Coordinator) handleEvent(event bus.Event) {
	switch event.Type {
	case bus.EventAgentCircuitOpen:
		if err := c.registry.MarkCircuitOpen(event.AgentID); err == nil {
			log.Printf("[coordinator] circuit open for agent %s, excluded from selection", event.AgentID)
		}
	case bus.EventAgentRecovered:
		if err := c.registry.Restore(event.AgentID); err == nil {
			log.Printf("[coordinator] agent %s restored to READY", event.AgentID)
			c.distributor.Kick()
		}
	case bus.EventTaskDeadLettered:
		c.archiveDeadLetter(event)
	case bus.EventProcessCompleted, bus.EventProcessCancelled:
		c.archiveProcess(event.InstanceID)
	}
}

// CoordinateTask builds an ad-hoc workflow around the given tasks and
// executes them, sequentially or in parallel per opts. Every task runs
// regardless of earlier failures; the workflow ends FAILED if any task
// failed.
func (c *Coordinator) CoordinateTask(ctx context.Context, tasks []models.Task, opts Options) (*WorkflowResult, error) {
	workflowID := uuid.New().String()
	result := &WorkflowResult{WorkflowID: workflowID, StartedAt: time.Now()}

	if err := c.machine.Register(workflowID); err != nil {
		return nil, err
	}
	if err := c.validate(workflowID, tasks); err != nil {
		result.State, result.EndedAt = fsm.StateFailed, time.Now()
		c.archiveWorkflow(workflowID, result, err.Error())
		return result, err
	}

	c.machine.Transition(workflowID, fsm.StatePlanning, "ad-hoc batch")
	c.machine.Transition(workflowID, fsm.StateExecuting, fmt.Sprintf("%d tasks", len(tasks)))

	result.Results = c.executeBatch(ctx, tasks, opts)
	c.finishWorkflow(workflowID, result)

	if result.State == fsm.StateFailed {
		return result, ErrWorkflowFailed
	}
	return result, nil
}

// ExecuteDistributedWorkflow resolves task dependencies into execution
// levels and runs them level by level, failing fast on a cycle or a
// failed level.
func (c *Coordinator) ExecuteDistributedWorkflow(ctx context.Context, tasks []models.Task, opts Options) (*WorkflowResult, error) {
	workflowID := uuid.New().String()
	result := &WorkflowResult{WorkflowID: workflowID, StartedAt: time.Now()}

	if err := c.machine.Register(workflowID); err != nil {
		return nil, err
	}
	if err := c.validate(workflowID, tasks); err != nil {
		result.State, result.EndedAt = fsm.StateFailed, time.Now()
		c.archiveWorkflow(workflowID, result, err.Error())
		return result, err
	}

	dependencyGraph := graph.New()
	var levels [][]models.Task
	err := dependencyGraph.Build(tasks)
	if err == nil {
		levels, err = dependencyGraph.Resolve()
	}
	if err != nil {
		c.machine.Transition(workflowID, fsm.StatePlanning, "dependency resolution")
		c.machine.Transition(workflowID, fsm.StateFailed, err.Error())
		result.State, result.EndedAt = fsm.StateFailed, time.Now()
		c.archiveWorkflow(workflowID, result, err.Error())
		return result, err
	}

	c.machine.Transition(workflowID, fsm.StatePlanning, fmt.Sprintf("%d execution levels", len(levels)))
	c.machine.Transition(workflowID, fsm.StateExecuting, "dependency order")

	for _, level := range levels {
		levelResults := c.executeBatch(ctx, level, opts)
		result.Results = append(result.Results, levelResults...)
		for _, r := range levelResults {
			if r.Failed() {
				c.finishWorkflow(workflowID, result)
				return result, ErrWorkflowFailed
			}
		}
	}

	c.finishWorkflow(workflowID, result)
	return result, nil
}

// validate moves the workflow through VALIDATING, rejecting tasks
// without an ID or category.
func (c *Coordinator) validate(workflowID string, tasks []models.Task) error {
	c.machine.Transition(workflowID, fsm.StateValidating, "input validation")
	if len(tasks) == 0 {
		c.machine.Transition(workflowID, fsm.StateFailed, "empty task list")
		return errors.New("no tasks to coordinate")
	}
	for _, task := range tasks {
		if task.ID == "" || task.Category == "" {
			c.machine.Transition(workflowID, fsm.StateFailed, "invalid task")
			return fmt.Errorf("task needs an id and category: %+v", task)
		}
	}
	return nil
}

// executeBatch runs tasks sequentially or through a bounded worker
// pool, preserving input order in the results.
func (c *Coordinator) executeBatch(ctx context.Context, tasks []models.Task, opts Options) []TaskResult {
	results := make([]TaskResult, len(tasks))

	if !opts.Parallel || len(tasks) == 1 {
		for i, task := range tasks {
			results[i] = c.runTask(ctx, task, opts.Priority)
		}
		return results
	}

	bound := opts.MaxConcurrency
	if bound <= 0 {
		bound = c.cfg.Coordinator.MaxConcurrency
	}
	if bound <= 0 {
		bound = 25
	}

	semaphore := make(chan struct{}, bound)
	var wg sync.WaitGroup
	for i, task := range tasks {
		wg.Add(1)
		go func(i int, task models.Task) {
			defer wg.Done()
			semaphore <- struct{}{}
			defer func() { <-semaphore }()
			results[i] = c.runTask(ctx, task, opts.Priority)
		}(i, task)
	}
	wg.Wait()
	return results
}

// runTask distributes a task and blocks until its completion callback
// or context cancellation.
func (c *Coordinator) runTask(ctx context.Context, task models.Task, priority models.Priority) TaskResult {
	started := time.Now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = started
	}

	waiter := make(chan taskOutcome, 1)
	c.mu.Lock()
	c.waiters[task.ID] = waiter
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.waiters, task.ID)
		c.mu.Unlock()
	}()

	placement, err := c.distributor.Distribute(ctx, task, distributor.Options{Priority: priority})
	if err != nil {
		return TaskResult{TaskID: task.ID, Error: err.Error(), Duration: time.Since(started)}
	}
	if placement.Status == distributor.StatusFailed {
		return TaskResult{TaskID: task.ID, Error: "task dead-lettered", Duration: time.Since(started)}
	}

	select {
	case outcome := <-waiter:
		result := TaskResult{
			TaskID:   task.ID,
			AgentID:  outcome.agentID,
			Outputs:  outcome.outputs,
			Duration: time.Since(started),
		}
		if outcome.err != nil {
			result.Error = outcome.err.Error()
		}
		return result
	case <-ctx.Done():
		return TaskResult{TaskID: task.ID, Error: ctx.Err().Error(), Duration: time.Since(started)}
	}
}

// onTaskDone is the distributor completion callback.
func (c *Coordinator) onTaskDone(task models.Task, agentID string, outputs map[string]any, err error) {
	c.mu.Lock()
	waiter, ok := c.waiters[task.ID]
	c.mu.Unlock()
	if ok {
		waiter <- taskOutcome{agentID: agentID, outputs: outputs, err: err}
	}
}

// finishWorkflow drives the workflow to COMPLETED or FAILED and
// archives it.
func (c *Coordinator) finishWorkflow(workflowID string, result *WorkflowResult) {
	failed := ""
	for _, r := range result.Results {
		if r.Failed() {
			failed = fmt.Sprintf("task %s: %s", r.TaskID, r.Error)
			break
		}
	}

	if failed == "" {
		c.machine.Transition(workflowID, fsm.StateCompleting, "all tasks done")
		c.machine.Transition(workflowID, fsm.StateCompleted, "")
		result.State = fsm.StateCompleted
	} else {
		c.machine.Transition(workflowID, fsm.StateFailed, failed)
		result.State = fsm.StateFailed
	}
	result.EndedAt = time.Now()
	result.Synthesis = synthesize(result)
	c.archiveWorkflow(workflowID, result, failed)
}

// synthesize merges per-task outcomes into one combined summary keyed
// by task ID.
func synthesize(result *WorkflowResult) Synthesis {
	s := Synthesis{
		Tasks:    len(result.Results),
		Outputs:  make(map[string]any, len(result.Results)),
		Duration: result.EndedAt.Sub(result.StartedAt),
	}
	seen := make(map[string]bool)
	for _, r := range result.Results {
		if r.Failed() {
			s.Failed++
			continue
		}
		s.Succeeded++
		if r.Outputs != nil {
			s.Outputs[r.TaskID] = r.Outputs
		}
		if r.AgentID != "" && !seen[r.AgentID] {
			seen[r.AgentID] = true
			s.Agents = append(s.Agents, r.AgentID)
		}
	}
	return s
}

// ExecuteProcess starts a deployed process definition and returns the
// instance ID.
func (c *Coordinator) ExecuteProcess(name string, vars map[string]any) (string, error) {
	return c.processes.Start(name, vars)
}

// RegisterSaga makes a saga definition available by name for direct
// execution and correlation actions.
func (c *Coordinator) RegisterSaga(def saga.Definition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sagaDefs[def.Name] = def
}

// RegisterSagaAction registers a named saga step action.
func (c *Coordinator) RegisterSagaAction(name string, action saga.Action) {
	c.sagas.RegisterAction(name, action)
}

// ExecuteSaga runs a registered saga definition.
func (c *Coordinator) ExecuteSaga(ctx context.Context, name string, data map[string]any) (saga.Instance, error) {
	c.mu.Lock()
	def, ok := c.sagaDefs[name]
	c.mu.Unlock()
	if !ok {
		return saga.Instance{}, fmt.Errorf("%w: %s", ErrUnknownSaga, name)
	}
	return c.sagas.Execute(ctx, def, data)
}

// GetWorkflowStatus returns the state and transition history of a
// workflow.
func (c *Coordinator) GetWorkflowStatus(workflowID string) (WorkflowStatus, error) {
	current, err := c.machine.State(workflowID)
	if err != nil {
		return WorkflowStatus{}, err
	}
	history, err := c.machine.History(workflowID)
	if err != nil {
		return WorkflowStatus{}, err
	}
	return WorkflowStatus{WorkflowID: workflowID, State: current, History: history}, nil
}

// CancelWorkflow transitions a workflow to CANCELLED if its current
// state allows it.
func (c *Coordinator) CancelWorkflow(workflowID string, reason string) error {
	return c.machine.Transition(workflowID, fsm.StateCancelled, reason)
}

// CancelProcess cancels a running process instance.
func (c *Coordinator) CancelProcess(instanceID string) error {
	return c.processes.Cancel(instanceID)
}

// CreateHumanTask opens a human task outside of any process instance.
func (c *Coordinator) CreateHumanTask(task human.Task, done human.CompleteFunc) string {
	return c.human.Create(task, done)
}

// ClaimHumanTask assigns an open human task to a user.
func (c *Coordinator) ClaimHumanTask(taskID, user string) error {
	return c.human.Claim(taskID, user)
}

// CompleteHumanTask resolves a human task with outputs.
func (c *Coordinator) CompleteHumanTask(taskID string, outputs map[string]any) error {
	return c.human.Complete(taskID, outputs)
}

// OpenHumanTasks lists unresolved human tasks.
func (c *Coordinator) OpenHumanTasks() []human.Task {
	return c.human.Open()
}

// CreateTimer schedules a named timer.
func (c *Coordinator) CreateTimer(id string, delay time.Duration, fn timing.FireFunc) {
	c.timers.Schedule(id, delay, fn)
}

// CancelTimer cancels a pending timer.
func (c *Coordinator) CancelTimer(id string) bool {
	return c.timers.Cancel(id)
}

// RegisterCorrelationPattern adds an event correlation pattern.
func (c *Coordinator) RegisterCorrelationPattern(p correlate.Pattern) error {
	return c.correlator.RegisterPattern(p)
}

// RegisterCallback names a function correlation actions can trigger.
func (c *Coordinator) RegisterCallback(name string, fn func(correlate.Instance)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callbacks[name] = fn
}

// IngestEvent feeds a domain event into the correlation engine.
func (c *Coordinator) IngestEvent(eventType string, payload map[string]any) {
	c.correlator.Ingest(eventType, payload)
}

// onCorrelation dispatches a completed pattern's action.
func (c *Coordinator) onCorrelation(p correlate.Pattern, inst correlate.Instance) {
	vars := map[string]any{"correlation_key": inst.Key}
	for eventType, payload := range inst.Seen {
		vars[eventType] = payload
	}

	switch p.Action.Type {
	case correlate.ActionProcess:
		if _, err := c.ExecuteProcess(p.Action.Target, vars); err != nil {
			log.Printf("[coordinator] correlation %s: start process %s: %v", p.Name, p.Action.Target, err)
		}
	case correlate.ActionSaga:
		go func() {
			if _, err := c.ExecuteSaga(context.Background(), p.Action.Target, vars); err != nil {
				log.Printf("[coordinator] correlation %s: saga %s: %v", p.Name, p.Action.Target, err)
			}
		}()
	case correlate.ActionCallback:
		c.mu.Lock()
		fn := c.callbacks[p.Action.Target]
		c.mu.Unlock()
		if fn != nil {
			fn(inst)
		} else {
			log.Printf("[coordinator] correlation %s: no callback %q", p.Name, p.Action.Target)
		}
	}
}

// RedistributeOverload points queued work away from an overloaded
// agent: it verifies spare same-category capacity exists, then kicks
// the drain pumps so queued tasks land on the least-loaded peer.
func (c *Coordinator) RedistributeOverload(agentID string) (models.Agent, error) {
	agent, err := c.registry.Get(agentID)
	if err != nil {
		return models.Agent{}, err
	}
	target, ok := c.registry.LeastLoaded(agent.Category, agentID)
	if !ok {
		return models.Agent{}, fmt.Errorf("%w: %s", ErrNoSpareCapacity, agent.Category)
	}
	log.Printf("[coordinator] redistributing load from %s toward %s", agentID, target.ID)
	c.distributor.Kick()
	return target, nil
}

// archiveWorkflow stores a terminal workflow and its transition
// history.
func (c *Coordinator) archiveWorkflow(workflowID string, result *WorkflowResult, failure string) {
	if c.archive == nil {
		return
	}

	vars := make(map[string]any, len(result.Results))
	for _, r := range result.Results {
		vars[r.TaskID] = map[string]any{"agent": r.AgentID, "error": r.Error}
	}
	ended := result.EndedAt
	rec := state.InstanceRecord{
		ID:         workflowID,
		Definition: "ad-hoc",
		Kind:       "workflow",
		Status:     string(result.State),
		Variables:  vars,
		Error:      failure,
		StartedAt:  result.StartedAt,
		EndedAt:    &ended,
	}
	if err := c.archive.ArchiveInstance(rec); err != nil {
		log.Printf("[coordinator] archive workflow %s: %v", workflowID, err)
		return
	}

	history, err := c.machine.History(workflowID)
	if err != nil {
		return
	}
	records := make([]state.TransitionRecord, 0, len(history))
	for _, tr := range history {
		records = append(records, state.TransitionRecord{
			WorkflowID: workflowID,
			From:       string(tr.From),
			To:         string(tr.To),
			Reason:     tr.Reason,
			At:         tr.At,
		})
	}
	if err := c.archive.ArchiveTransitions(workflowID, records); err != nil {
		log.Printf("[coordinator] archive transitions %s: %v", workflowID, err)
	}
}

// archiveProcess stores a finished process instance.
func (c *Coordinator) archiveProcess(instanceID string) {
	if c.archive == nil || instanceID == "" {
		return
	}
	inst, err := c.processes.Get(instanceID)
	if err != nil {
		return
	}
	ended := inst.EndedAt
	rec := state.InstanceRecord{
		ID:         inst.ID,
		Definition: inst.Definition,
		Kind:       "process",
		Status:     string(inst.Status),
		Variables:  inst.Variables,
		Error:      inst.Error,
		StartedAt:  inst.StartedAt,
	}
	if !ended.IsZero() {
		rec.EndedAt = &ended
	}
	if err := c.archive.ArchiveInstance(rec); err != nil {
		log.Printf("[coordinator] archive process %s: %v", instanceID, err)
	}
}

// archiveDeadLetter stores a terminal dead-letter event.
func (c *Coordinator) archiveDeadLetter(event bus.Event) {
	if c.archive == nil {
		return
	}
	rec := state.DeadLetterRecord{
		TaskID:       event.TaskID,
		Priority:     event.Priority,
		Reason:       event.Message,
		DeadLettered: event.Timestamp,
	}
	if err := c.archive.ArchiveDeadLetter(rec); err != nil {
		log.Printf("[coordinator] archive dead letter %s: %v", event.TaskID, err)
	}
}

// agentRunner adapts the coordinator's distribution path to the
// process engine's service task interface.
type agentRunner struct {
	c *Coordinator
}

// RunTask distributes a process service task and waits for its
// completion.
func (a agentRunner) RunTask(ctx context.Context, task models.Task) (map[string]any, error) {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	result := a.c.runTask(ctx, task, "")
	if result.Failed() {
		return nil, errors.New(result.Error)
	}
	return result.Outputs, nil
}
