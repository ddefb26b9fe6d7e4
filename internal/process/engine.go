package process

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/droverhq/drover/internal/bus"
	"github.com/droverhq/drover/internal/human"
	"github.com/droverhq/drover/internal/saga"
	"github.com/droverhq/drover/internal/timing"
	"github.com/droverhq/drover/pkg/models"
)

// ErrInstanceNotFound indicates an unknown process instance ID.
var ErrInstanceNotFound = errors.New("process instance not found")

// ErrActivityFailed indicates an activity execution failed, which
// terminates the instance.
var ErrActivityFailed = errors.New("activity failed")

// InstanceStatus is the lifecycle status of a process instance.
type InstanceStatus string

const (
	InstanceRunning   InstanceStatus = "RUNNING"
	InstanceCompleted InstanceStatus = "COMPLETED"
	InstanceFailed    InstanceStatus = "FAILED"
	InstanceCancelled InstanceStatus = "CANCELLED"
)

// TokenStatus tracks one execution token.
type TokenStatus string

const (
	TokenActive    TokenStatus = "ACTIVE"
	TokenWaiting   TokenStatus = "WAITING"
	TokenCompleted TokenStatus = "COMPLETED"
	TokenFailed    TokenStatus = "FAILED"
)

// Token marks a point of execution within an instance.
type Token struct {
	ID         string      `json:"id"`
	ActivityID string      `json:"activity_id"`
	Status     TokenStatus `json:"status"`
}

// Instance is one run of a process definition.
type Instance struct {
	ID         string            `json:"id"`
	Definition string            `json:"definition"`
	Status     InstanceStatus    `json:"status"`
	Variables  map[string]any    `json:"variables"`
	Tokens     map[string]*Token `json:"tokens"`
	Error      string            `json:"error,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
	EndedAt    time.Time         `json:"ended_at,omitempty"`

	// joins counts arrivals per parallel join gateway.
	joins  map[string]int
	def    Definition
	cancel context.CancelFunc
}

// AgentRunner dispatches an agent service task. The distributor
// satisfies this through the coordinator wiring.
type AgentRunner interface {
	RunTask(ctx context.Context, task models.Task) (map[string]any, error)
}

// ScriptFunc is a registered executor for script service tasks.
type ScriptFunc func(ctx context.Context, vars map[string]any) (map[string]any, error)

// Engine runs process instances. Tokens within one instance advance
// sequentially; waits (timers, user tasks) park the token and resume
// it through callbacks.
type Engine struct {
	defs    *DefinitionRegistry
	agents  AgentRunner
	sagas   *saga.Engine
	human   *human.Manager
	timers  *timing.Engine
	bus     *bus.Bus
	client  *http.Client
	timeout time.Duration

	mu        sync.Mutex
	scripts   map[string]ScriptFunc
	instances map[string]*Instance
}

// Options configures an Engine.
type Options struct {
	Definitions *DefinitionRegistry
	Agents      AgentRunner
	Sagas       *saga.Engine
	Human       *human.Manager
	Timers      *timing.Engine
	Bus         *bus.Bus
	// HTTPClient serves http service tasks; nil gets a default client.
	HTTPClient *http.Client
	// DefaultTimeout bounds service tasks without their own timeout.
	DefaultTimeout time.Duration
}

// NewEngine wires a process engine.
func NewEngine(opts Options) *Engine {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	timeout := opts.DefaultTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	defs := opts.Definitions
	if defs == nil {
		defs = NewDefinitionRegistry()
	}
	return &Engine{
		defs:      defs,
		agents:    opts.Agents,
		sagas:     opts.Sagas,
		human:     opts.Human,
		timers:    opts.Timers,
		bus:       opts.Bus,
		client:    client,
		timeout:   timeout,
		scripts:   make(map[string]ScriptFunc),
		instances: make(map[string]*Instance),
	}
}

// Definitions exposes the definition registry for deployment.
func (e *Engine) Definitions() *DefinitionRegistry { return e.defs }

// RegisterScript binds a script name for script service tasks.
func (e *Engine) RegisterScript(name string, fn ScriptFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scripts[name] = fn
}

// Start launches an instance of a deployed definition and returns its
// ID. Execution proceeds on its own goroutine.
func (e *Engine) Start(name string, vars map[string]any) (string, error) {
	def, err := e.defs.Get(name)
	if err != nil {
		return "", err
	}
	start, ok := def.start()
	if !ok {
		return "", fmt.Errorf("definition %s has no start event", name)
	}
	if vars == nil {
		vars = make(map[string]any)
	}

	ctx, cancel := context.WithCancel(context.Background())
	inst := &Instance{
		ID:         uuid.NewString(),
		Definition: name,
		Status:     InstanceRunning,
		Variables:  vars,
		Tokens:     make(map[string]*Token),
		StartedAt:  time.Now(),
		joins:      make(map[string]int),
		def:        def,
		cancel:     cancel,
	}
	tok := &Token{ID: uuid.NewString(), ActivityID: start.ID, Status: TokenActive}
	inst.Tokens[tok.ID] = tok

	e.mu.Lock()
	e.instances[inst.ID] = inst
	e.mu.Unlock()

	go e.pump(ctx, inst, []string{tok.ID})
	return inst.ID, nil
}

// Get returns a snapshot of an instance.
func (e *Engine) Get(instanceID string) (Instance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	inst, exists := e.instances[instanceID]
	if !exists {
		return Instance{}, fmt.Errorf("%w: %s", ErrInstanceNotFound, instanceID)
	}
	return cloneProcInstance(inst), nil
}

// Running returns the IDs of instances still executing.
func (e *Engine) Running() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var running []string
	for id, inst := range e.instances {
		if inst.Status == InstanceRunning {
			running = append(running, id)
		}
	}
	return running
}

// Cancel stops a running instance: its timers are cancelled, its open
// human tasks closed, and its status becomes CANCELLED.
func (e *Engine) Cancel(instanceID string) error {
	e.mu.Lock()
	inst, exists := e.instances[instanceID]
	if !exists {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrInstanceNotFound, instanceID)
	}
	if inst.Status != InstanceRunning {
		e.mu.Unlock()
		return fmt.Errorf("instance %s is %s", instanceID, inst.Status)
	}
	inst.Status = InstanceCancelled
	inst.EndedAt = time.Now()
	cancel := inst.cancel
	e.mu.Unlock()

	cancel()
	if e.timers != nil {
		e.timers.CancelByPrefix(instanceID + ":")
	}
	if e.human != nil {
		e.human.CancelByInstance(instanceID)
	}
	if e.bus != nil {
		e.bus.Publish(bus.Event{Type: bus.EventProcessCancelled, InstanceID: instanceID})
	}
	return nil
}

// pump advances tokens until none are immediately runnable.
func (e *Engine) pump(ctx context.Context, inst *Instance, queue []string) {
	for len(queue) > 0 {
		tokenID := queue[0]
		queue = queue[1:]
		if !e.running(inst) {
			return
		}
		next, err := e.dispatch(ctx, inst, tokenID)
		if err != nil {
			e.fail(inst, tokenID, err)
			return
		}
		queue = append(queue, next...)
	}
	e.maybeComplete(inst)
}

// dispatch executes the activity the token sits at and returns the
// follow-on active token IDs.
func (e *Engine) dispatch(ctx context.Context, inst *Instance, tokenID string) ([]string, error) {
	e.mu.Lock()
	tok, exists := inst.Tokens[tokenID]
	if !exists || tok.Status != TokenActive {
		e.mu.Unlock()
		return nil, nil
	}
	activity, ok := inst.def.activity(tok.ActivityID)
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("token %s at unknown activity %s", tokenID, tok.ActivityID)
	}

	switch activity.Type {
	case ActivityStartEvent:
		return e.completeToken(inst, tokenID, nil)

	case ActivityEndEvent:
		e.mu.Lock()
		tok.Status = TokenCompleted
		e.mu.Unlock()
		return nil, nil

	case ActivityServiceTask:
		outputs, err := e.runService(ctx, inst, activity)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrActivityFailed, activity.ID, err)
		}
		return e.completeToken(inst, tokenID, outputs)

	case ActivityExclusiveGateway:
		return e.routeExclusive(inst, tokenID, activity)

	case ActivityParallelGateway:
		return e.routeParallel(inst, tokenID, activity)

	case ActivityTimerEvent:
		if e.timers == nil {
			return nil, fmt.Errorf("%w: %s: no timer engine configured", ErrActivityFailed, activity.ID)
		}
		e.parkForTimer(inst, tokenID, activity)
		return nil, nil

	case ActivityUserTask:
		return nil, e.parkForUser(inst, tokenID, activity)

	case ActivitySubProcess:
		outputs, err := e.runSubProcess(ctx, inst, activity)
		if err != nil {
			return nil, err
		}
		return e.completeToken(inst, tokenID, outputs)

	default:
		return nil, fmt.Errorf("unsupported activity type %q", activity.Type)
	}
}

// completeToken merges outputs into the instance variables, consumes
// the token, and spawns a token on every qualifying outgoing flow.
func (e *Engine) completeToken(inst *Instance, tokenID string, outputs map[string]any) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	tok, exists := inst.Tokens[tokenID]
	if !exists || tok.Status == TokenCompleted {
		return nil, nil
	}
	for k, v := range outputs {
		inst.Variables[k] = v
	}
	tok.Status = TokenCompleted

	var next []string
	for _, flow := range inst.def.outgoing(tok.ActivityID) {
		if flow.Condition != "" {
			pass, err := EvalCondition(flow.Condition, inst.Variables)
			if err != nil {
				return nil, fmt.Errorf("flow %s: %w", flow.ID, err)
			}
			if !pass {
				continue
			}
		}
		child := &Token{ID: uuid.NewString(), ActivityID: flow.To, Status: TokenActive}
		inst.Tokens[child.ID] = child
		next = append(next, child.ID)
	}
	return next, nil
}

// routeExclusive takes the first outgoing flow whose condition holds,
// in definition order, falling back to the default flow.
func (e *Engine) routeExclusive(inst *Instance, tokenID string, activity Activity) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	tok := inst.Tokens[tokenID]
	flows := inst.def.outgoing(activity.ID)
	var target *Flow
	for i := range flows {
		if flows[i].Default || flows[i].Condition == "" {
			continue
		}
		pass, err := EvalCondition(flows[i].Condition, inst.Variables)
		if err != nil {
			return nil, fmt.Errorf("gateway %s flow %s: %w", activity.ID, flows[i].ID, err)
		}
		if pass {
			target = &flows[i]
			break
		}
	}
	if target == nil {
		for i := range flows {
			if flows[i].Default {
				target = &flows[i]
				break
			}
		}
	}
	if target == nil {
		return nil, fmt.Errorf("gateway %s: no condition matched and no default flow", activity.ID)
	}

	tok.Status = TokenCompleted
	child := &Token{ID: uuid.NewString(), ActivityID: target.To, Status: TokenActive}
	inst.Tokens[child.ID] = child
	return []string{child.ID}, nil
}

// routeParallel forks a token per outgoing flow, joining first when
// the gateway has multiple incoming flows. Arriving tokens wait at the
// gateway until the arrival count reaches its in-degree; the final
// arrival completes every waiting token and carries on.
func (e *Engine) routeParallel(inst *Instance, tokenID string, activity Activity) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	tok := inst.Tokens[tokenID]

	if need := inst.def.incomingCount(activity.ID); need > 1 {
		inst.joins[activity.ID]++
		if inst.joins[activity.ID] < need {
			tok.Status = TokenWaiting
			return nil, nil
		}
		inst.joins[activity.ID] = 0
		for _, parked := range inst.Tokens {
			if parked.ActivityID == activity.ID && parked.Status == TokenWaiting {
				parked.Status = TokenCompleted
			}
		}
	}
	tok.Status = TokenCompleted

	var next []string
	for _, flow := range inst.def.outgoing(activity.ID) {
		child := &Token{ID: uuid.NewString(), ActivityID: flow.To, Status: TokenActive}
		inst.Tokens[child.ID] = child
		next = append(next, child.ID)
	}
	return next, nil
}

// parkForTimer waits the token on a named timer.
func (e *Engine) parkForTimer(inst *Instance, tokenID string, activity Activity) {
	e.mu.Lock()
	inst.Tokens[tokenID].Status = TokenWaiting
	e.mu.Unlock()

	timerID := fmt.Sprintf("%s:%s:%s", inst.ID, activity.ID, tokenID)
	e.timers.Schedule(timerID, activity.Duration.Std(), func(string) {
		e.resume(inst.ID, tokenID, nil)
	})
}

// parkForUser waits the token on a human task.
func (e *Engine) parkForUser(inst *Instance, tokenID string, activity Activity) error {
	if e.human == nil {
		return fmt.Errorf("%w: %s: no human task manager configured", ErrActivityFailed, activity.ID)
	}
	e.mu.Lock()
	inst.Tokens[tokenID].Status = TokenWaiting
	inputs := make(map[string]any, len(inst.Variables))
	for k, v := range inst.Variables {
		inputs[k] = v
	}
	e.mu.Unlock()

	spec := activity.User
	e.human.Create(human.Task{
		InstanceID: inst.ID,
		ActivityID: activity.ID,
		Name:       activity.Name,
		Assignee:   spec.Assignee,
		Candidates: spec.Candidates,
		EscalateTo: spec.EscalateTo,
		Inputs:     inputs,
		SLA:        spec.SLA.Std(),
	}, func(task human.Task) {
		e.resume(inst.ID, tokenID, task.Outputs)
	})
	return nil
}

// resume reactivates a waiting token and pumps the instance forward.
func (e *Engine) resume(instanceID, tokenID string, outputs map[string]any) {
	e.mu.Lock()
	inst, exists := e.instances[instanceID]
	if !exists || inst.Status != InstanceRunning {
		e.mu.Unlock()
		return
	}
	tok, exists := inst.Tokens[tokenID]
	if !exists || tok.Status != TokenWaiting {
		e.mu.Unlock()
		return
	}
	tok.Status = TokenActive
	e.mu.Unlock()

	next, err := e.completeToken(inst, tokenID, outputs)
	if err != nil {
		e.fail(inst, tokenID, err)
		return
	}
	e.pump(context.Background(), inst, next)
}

// runService executes a serviceTask by kind.
func (e *Engine) runService(ctx context.Context, inst *Instance, activity Activity) (map[string]any, error) {
	spec := activity.Service
	timeout := spec.Timeout.Std()
	if timeout <= 0 {
		timeout = e.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	vars := e.snapshotVars(inst)
	switch spec.Kind {
	case ServiceAgent:
		if e.agents == nil {
			return nil, fmt.Errorf("no agent runner configured")
		}
		return e.agents.RunTask(ctx, models.Task{
			ID:       uuid.NewString(),
			Category: spec.Category,
			Action:   spec.Action,
			Payload:  vars,
			Timeout:  timeout,
		})
	case ServiceScript:
		e.mu.Lock()
		fn, exists := e.scripts[spec.Action]
		e.mu.Unlock()
		if !exists {
			return nil, fmt.Errorf("unknown script %q", spec.Action)
		}
		return fn(ctx, vars)
	case ServiceHTTP:
		return e.runHTTP(ctx, spec, vars)
	case ServiceSaga:
		if e.sagas == nil {
			return nil, fmt.Errorf("no saga engine configured")
		}
		result, err := e.sagas.Execute(ctx, *spec.Saga, vars)
		if err != nil {
			return nil, err
		}
		return result.Data, nil
	default:
		return nil, fmt.Errorf("unknown service kind %q", spec.Kind)
	}
}

// runHTTP posts the instance variables as JSON and merges a JSON
// object response back into them.
func (e *Engine) runHTTP(ctx context.Context, spec *ServiceSpec, vars map[string]any) (map[string]any, error) {
	method := spec.Method
	if method == "" {
		method = http.MethodPost
	}
	body, err := json.Marshal(vars)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, spec.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("http task %s: status %d", spec.URL, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		// Non-object responses are kept under a fixed key.
		return map[string]any{"response": string(data)}, nil
	}
	return out, nil
}

// runSubProcess runs a child definition to completion with a copy of
// the parent variables and returns the child's final variables.
func (e *Engine) runSubProcess(ctx context.Context, inst *Instance, activity Activity) (map[string]any, error) {
	childID, err := e.Start(activity.Process, e.snapshotVars(inst))
	if err != nil {
		return nil, fmt.Errorf("%w: subProcess %s: %v", ErrActivityFailed, activity.ID, err)
	}

	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = e.Cancel(childID)
			return nil, fmt.Errorf("%w: subProcess %s: %v", ErrActivityFailed, activity.ID, ctx.Err())
		case <-ticker.C:
		}
		child, err := e.Get(childID)
		if err != nil {
			return nil, err
		}
		switch child.Status {
		case InstanceCompleted:
			return child.Variables, nil
		case InstanceFailed:
			return nil, fmt.Errorf("%w: subProcess %s: %s", ErrActivityFailed, activity.ID, child.Error)
		case InstanceCancelled:
			return nil, fmt.Errorf("%w: subProcess %s cancelled", ErrActivityFailed, activity.ID)
		}
	}
}

// maybeComplete finishes the instance once no token is active or
// waiting.
func (e *Engine) maybeComplete(inst *Instance) {
	e.mu.Lock()
	if inst.Status != InstanceRunning {
		e.mu.Unlock()
		return
	}
	for _, tok := range inst.Tokens {
		if tok.Status == TokenActive || tok.Status == TokenWaiting {
			e.mu.Unlock()
			return
		}
	}
	inst.Status = InstanceCompleted
	inst.EndedAt = time.Now()
	e.mu.Unlock()

	if e.bus != nil {
		e.bus.Publish(bus.Event{Type: bus.EventProcessCompleted, InstanceID: inst.ID, Message: inst.Definition})
	}
}

// fail terminates the instance. Activities are not retried; the error
// is recorded on the instance and the failing token marked FAILED.
func (e *Engine) fail(inst *Instance, tokenID string, err error) {
	e.mu.Lock()
	if inst.Status != InstanceRunning {
		e.mu.Unlock()
		return
	}
	if tok, exists := inst.Tokens[tokenID]; exists {
		tok.Status = TokenFailed
	}
	inst.Status = InstanceFailed
	inst.Error = err.Error()
	inst.EndedAt = time.Now()
	cancel := inst.cancel
	e.mu.Unlock()

	log.Printf("[process] instance %s of %s failed: %v", inst.ID, inst.Definition, err)
	cancel()
	if e.timers != nil {
		e.timers.CancelByPrefix(inst.ID + ":")
	}
	if e.human != nil {
		e.human.CancelByInstance(inst.ID)
	}
}

func (e *Engine) running(inst *Instance) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return inst.Status == InstanceRunning
}

func (e *Engine) snapshotVars(inst *Instance) map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]any, len(inst.Variables))
	for k, v := range inst.Variables {
		out[k] = v
	}
	return out
}

func cloneProcInstance(inst *Instance) Instance {
	out := *inst
	out.Variables = make(map[string]any, len(inst.Variables))
	for k, v := range inst.Variables {
		out.Variables[k] = v
	}
	out.Tokens = make(map[string]*Token, len(inst.Tokens))
	for id, tok := range inst.Tokens {
		copied := *tok
		out.Tokens[id] = &copied
	}
	return out
}
