package coordinator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/droverhq/drover/internal/config"
	"github.com/droverhq/drover/internal/correlate"
	"github.com/droverhq/drover/internal/distributor"
	"github.com/droverhq/drover/internal/fsm"
	"github.com/droverhq/drover/internal/graph"
	"github.com/droverhq/drover/internal/process"
	"github.com/droverhq/drover/internal/saga"
	"github.com/droverhq/drover/internal/state"
	"github.com/droverhq/drover/pkg/models"
)

func testConfig(agents, maxConcurrent int) *config.Config {
	cfg := config.Default()
	cfg.Categories = []config.CategoryConfig{{
		Name:           "ANALYSIS",
		Agents:         agents,
		MaxConcurrent:  maxConcurrent,
		Priority:       "HIGH",
		ResponseTarget: 100 * time.Millisecond,
		Capabilities:   []string{"analysis"},
	}}
	cfg.Distributor.RedriveInterval = 10 * time.Millisecond
	cfg.Distributor.PromoteInterval = 10 * time.Millisecond
	cfg.Distributor.RebalanceInterval = time.Minute
	return cfg
}

func newCoordinator(t *testing.T, cfg *config.Config, executor distributor.Executor, archive state.ArchiveStore) *Coordinator {
	t.Helper()
	c, err := New(cfg, executor, archive)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	t.Cleanup(c.Close)
	c.Start()
	return c
}

func task(id string) models.Task {
	return models.Task{ID: id, Category: "ANALYSIS"}
}

func TestCoordinateTaskSequential(t *testing.T) {
	var mu sync.Mutex
	var order []string
	executor := distributor.ExecutorFunc(func(ctx context.Context, agent models.Agent, tk models.Task) (map[string]any, error) {
		mu.Lock()
		order = append(order, tk.ID)
		mu.Unlock()
		return map[string]any{"done": tk.ID}, nil
	})
	c := newCoordinator(t, testConfig(2, 2), executor, nil)

	result, err := c.CoordinateTask(context.Background(), []models.Task{task("t1"), task("t2")}, Options{})
	if err != nil {
		t.Fatalf("coordinate: %v", err)
	}
	if result.State != fsm.StateCompleted {
		t.Errorf("expected COMPLETED, got %s", result.State)
	}
	if len(result.Results) != 2 || result.Results[0].TaskID != "t1" || result.Results[1].TaskID != "t2" {
		t.Errorf("unexpected results: %+v", result.Results)
	}
	if result.Synthesis.Tasks != 2 || result.Synthesis.Succeeded != 2 || result.Synthesis.Failed != 0 {
		t.Errorf("unexpected synthesis: %+v", result.Synthesis)
	}
	if _, ok := result.Synthesis.Outputs["t1"]; !ok {
		t.Errorf("synthesis should carry per-task outputs, got %+v", result.Synthesis.Outputs)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "t1" || order[1] != "t2" {
		t.Errorf("sequential mode should preserve order, got %v", order)
	}
}

func TestCoordinateTaskParallelBounded(t *testing.T) {
	var mu sync.Mutex
	inFlight, peak := 0, 0
	executor := distributor.ExecutorFunc(func(ctx context.Context, agent models.Agent, tk models.Task) (map[string]any, error) {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return nil, nil
	})
	c := newCoordinator(t, testConfig(4, 4), executor, nil)

	tasks := make([]models.Task, 6)
	for i := range tasks {
		tasks[i] = task(fmt.Sprintf("t%d", i))
	}
	result, err := c.CoordinateTask(context.Background(), tasks, Options{Parallel: true, MaxConcurrency: 2})
	if err != nil {
		t.Fatalf("coordinate: %v", err)
	}
	if result.State != fsm.StateCompleted {
		t.Errorf("expected COMPLETED, got %s", result.State)
	}

	mu.Lock()
	defer mu.Unlock()
	if peak > 2 {
		t.Errorf("concurrency bound violated: peak %d", peak)
	}
}

func TestCoordinateTaskFailureMarksWorkflowFailed(t *testing.T) {
	executor := distributor.ExecutorFunc(func(ctx context.Context, agent models.Agent, tk models.Task) (map[string]any, error) {
		if tk.ID == "bad" {
			return nil, errors.New("boom")
		}
		return nil, nil
	})
	c := newCoordinator(t, testConfig(2, 2), executor, nil)

	result, err := c.CoordinateTask(context.Background(), []models.Task{task("ok"), task("bad")}, Options{})
	if !errors.Is(err, ErrWorkflowFailed) {
		t.Fatalf("expected ErrWorkflowFailed, got %v", err)
	}
	if result.State != fsm.StateFailed {
		t.Errorf("expected FAILED, got %s", result.State)
	}
	if !result.Results[1].Failed() || result.Results[0].Failed() {
		t.Errorf("unexpected results: %+v", result.Results)
	}

	status, err := c.GetWorkflowStatus(result.WorkflowID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.State != fsm.StateFailed {
		t.Errorf("expected FAILED status, got %s", status.State)
	}
}

func TestCoordinateTaskRejectsInvalidInput(t *testing.T) {
	c := newCoordinator(t, testConfig(1, 1), nil, nil)

	if _, err := c.CoordinateTask(context.Background(), nil, Options{}); err == nil {
		t.Error("expected error for empty batch")
	}
	result, err := c.CoordinateTask(context.Background(), []models.Task{{ID: "x"}}, Options{})
	if err == nil {
		t.Fatal("expected error for task without category")
	}
	if result.State != fsm.StateFailed {
		t.Errorf("expected FAILED, got %s", result.State)
	}
}

func TestDistributedWorkflowRespectsDependencies(t *testing.T) {
	var mu sync.Mutex
	var order []string
	executor := distributor.ExecutorFunc(func(ctx context.Context, agent models.Agent, tk models.Task) (map[string]any, error) {
		mu.Lock()
		order = append(order, tk.ID)
		mu.Unlock()
		return nil, nil
	})
	c := newCoordinator(t, testConfig(3, 3), executor, nil)

	tasks := []models.Task{
		{ID: "deploy", Category: "ANALYSIS", DependsOn: []string{"test"}},
		{ID: "build", Category: "ANALYSIS"},
		{ID: "test", Category: "ANALYSIS", DependsOn: []string{"build"}},
	}
	result, err := c.ExecuteDistributedWorkflow(context.Background(), tasks, Options{Parallel: true})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.State != fsm.StateCompleted {
		t.Errorf("expected COMPLETED, got %s", result.State)
	}

	mu.Lock()
	defer mu.Unlock()
	position := map[string]int{}
	for i, id := range order {
		position[id] = i
	}
	if position["build"] > position["test"] || position["test"] > position["deploy"] {
		t.Errorf("dependency order violated: %v", order)
	}
}

func TestDistributedWorkflowRejectsCycle(t *testing.T) {
	c := newCoordinator(t, testConfig(1, 1), nil, nil)

	tasks := []models.Task{
		{ID: "a", Category: "ANALYSIS", DependsOn: []string{"b"}},
		{ID: "b", Category: "ANALYSIS", DependsOn: []string{"a"}},
	}
	result, err := c.ExecuteDistributedWorkflow(context.Background(), tasks, Options{})
	if !errors.Is(err, graph.ErrCircularDependency) {
		t.Fatalf("expected ErrCircularDependency, got %v", err)
	}
	if result.State != fsm.StateFailed {
		t.Errorf("expected FAILED, got %s", result.State)
	}
	if len(result.Results) != 0 {
		t.Errorf("no task should have executed: %+v", result.Results)
	}
}

func TestDistributedWorkflowFailsFastAcrossLevels(t *testing.T) {
	var mu sync.Mutex
	executed := map[string]bool{}
	executor := distributor.ExecutorFunc(func(ctx context.Context, agent models.Agent, tk models.Task) (map[string]any, error) {
		mu.Lock()
		executed[tk.ID] = true
		mu.Unlock()
		if tk.ID == "first" {
			return nil, errors.New("boom")
		}
		return nil, nil
	})
	c := newCoordinator(t, testConfig(2, 2), executor, nil)

	tasks := []models.Task{
		{ID: "first", Category: "ANALYSIS"},
		{ID: "second", Category: "ANALYSIS", DependsOn: []string{"first"}},
	}
	if _, err := c.ExecuteDistributedWorkflow(context.Background(), tasks, Options{}); !errors.Is(err, ErrWorkflowFailed) {
		t.Fatalf("expected ErrWorkflowFailed, got %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if executed["second"] {
		t.Error("dependent task ran after its dependency failed")
	}
}

func TestCriticalDrainsBeforeHigh(t *testing.T) {
	gate := make(chan struct{})
	var mu sync.Mutex
	var order []string
	executor := distributor.ExecutorFunc(func(ctx context.Context, agent models.Agent, tk models.Task) (map[string]any, error) {
		if tk.ID == "c0" {
			<-gate
		}
		mu.Lock()
		order = append(order, tk.ID)
		mu.Unlock()
		return nil, nil
	})
	c := newCoordinator(t, testConfig(1, 1), executor, nil)
	d := c.Distributor()

	// First CRITICAL takes the only agent and blocks; the rest queue.
	if _, err := d.Distribute(context.Background(), task("c0"), distributor.Options{Priority: models.PriorityCritical}); err != nil {
		t.Fatalf("distribute c0: %v", err)
	}
	for _, id := range []string{"c1", "c2"} {
		if _, err := d.Distribute(context.Background(), task(id), distributor.Options{Priority: models.PriorityCritical}); err != nil {
			t.Fatalf("distribute %s: %v", id, err)
		}
	}
	if _, err := d.Distribute(context.Background(), task("h1"), distributor.Options{Priority: models.PriorityHigh}); err != nil {
		t.Fatalf("distribute h1: %v", err)
	}

	close(gate)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(order)
		mu.Unlock()
		if n == 4 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 4 {
		t.Fatalf("expected 4 executions, got %v", order)
	}
	if order[len(order)-1] != "h1" {
		t.Errorf("HIGH task should drain after all CRITICAL tasks: %v", order)
	}
}

func TestProcessExecutionAndArchival(t *testing.T) {
	db, err := state.Open(filepath.Join(t.TempDir(), "drover.db"))
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	executor := distributor.ExecutorFunc(func(ctx context.Context, agent models.Agent, tk models.Task) (map[string]any, error) {
		return map[string]any{"analyzed": true}, nil
	})
	c := newCoordinator(t, testConfig(2, 2), executor, db)

	def := process.Definition{
		Name: "analysis",
		Activities: []process.Activity{
			{ID: "start", Type: process.ActivityStartEvent},
			{ID: "run", Type: process.ActivityServiceTask, Service: &process.ServiceSpec{
				Kind: process.ServiceAgent, Category: "ANALYSIS", Action: "analyze",
			}},
			{ID: "end", Type: process.ActivityEndEvent},
		},
		Flows: []process.Flow{
			{ID: "f1", From: "start", To: "run"},
			{ID: "f2", From: "run", To: "end"},
		},
	}
	if err := c.Processes().Definitions().Deploy(def); err != nil {
		t.Fatalf("deploy: %v", err)
	}

	instanceID, err := c.ExecuteProcess("analysis", map[string]any{"input": "data"})
	if err != nil {
		t.Fatalf("execute process: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		inst, err := c.Processes().Get(instanceID)
		if err == nil && inst.Status == process.InstanceCompleted {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	inst, err := c.Processes().Get(instanceID)
	if err != nil {
		t.Fatalf("get instance: %v", err)
	}
	if inst.Status != process.InstanceCompleted {
		t.Fatalf("expected completed instance, got %s (%s)", inst.Status, inst.Error)
	}
	if inst.Variables["analyzed"] != true {
		t.Errorf("agent outputs should merge into variables: %v", inst.Variables)
	}

	// Archival happens on the event loop; poll the store.
	deadline = time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := db.GetInstance(instanceID)
		if err == nil && rec != nil {
			if rec.Kind != "process" || rec.Status != string(process.InstanceCompleted) {
				t.Errorf("unexpected archived record: %+v", rec)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("completed instance never archived")
}

func TestWorkflowArchival(t *testing.T) {
	db, err := state.Open(filepath.Join(t.TempDir(), "drover.db"))
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	executor := distributor.ExecutorFunc(func(ctx context.Context, agent models.Agent, tk models.Task) (map[string]any, error) {
		return nil, nil
	})
	c := newCoordinator(t, testConfig(1, 1), executor, db)

	result, err := c.CoordinateTask(context.Background(), []models.Task{task("t1")}, Options{})
	if err != nil {
		t.Fatalf("coordinate: %v", err)
	}

	rec, err := db.GetInstance(result.WorkflowID)
	if err != nil {
		t.Fatalf("get archived workflow: %v", err)
	}
	if rec == nil || rec.Kind != "workflow" || rec.Status != string(fsm.StateCompleted) {
		t.Fatalf("unexpected archived workflow: %+v", rec)
	}

	transitions, err := db.ListTransitions(result.WorkflowID)
	if err != nil {
		t.Fatalf("list transitions: %v", err)
	}
	if len(transitions) == 0 || transitions[len(transitions)-1].To != string(fsm.StateCompleted) {
		t.Errorf("transition history not archived: %+v", transitions)
	}
}

func TestExecuteSaga(t *testing.T) {
	c := newCoordinator(t, testConfig(1, 1), nil, nil)

	if _, err := c.ExecuteSaga(context.Background(), "ghost", nil); !errors.Is(err, ErrUnknownSaga) {
		t.Fatalf("expected ErrUnknownSaga, got %v", err)
	}

	c.RegisterSagaAction("reserve", func(ctx context.Context, data map[string]any) (map[string]any, error) {
		return map[string]any{"reserved": true}, nil
	})
	c.RegisterSaga(saga.Definition{
		Name:  "booking",
		Steps: []saga.StepDef{{Name: "reserve", Action: "reserve"}},
	})

	inst, err := c.ExecuteSaga(context.Background(), "booking", map[string]any{"room": 12})
	if err != nil {
		t.Fatalf("execute saga: %v", err)
	}
	if inst.Status != saga.SagaCompleted {
		t.Errorf("expected completed saga, got %s", inst.Status)
	}
	if inst.Data["reserved"] != true {
		t.Errorf("step outputs should merge: %v", inst.Data)
	}
}

func TestCorrelationTriggersCallback(t *testing.T) {
	c := newCoordinator(t, testConfig(1, 1), nil, nil)

	fired := make(chan correlate.Instance, 1)
	c.RegisterCallback("notify", func(inst correlate.Instance) {
		fired <- inst
	})
	err := c.RegisterCorrelationPattern(correlate.Pattern{
		Name:       "order-paid",
		EventTypes: []string{"order_created", "payment_received"},
		KeyField:   "order_id",
		Timeout:    time.Minute,
		Action:     correlate.Action{Type: correlate.ActionCallback, Target: "notify"},
	})
	if err != nil {
		t.Fatalf("register pattern: %v", err)
	}

	c.IngestEvent("order_created", map[string]any{"order_id": "o1"})
	c.IngestEvent("payment_received", map[string]any{"order_id": "o1"})

	select {
	case inst := <-fired:
		if inst.Key != "o1" {
			t.Errorf("unexpected correlation key %q", inst.Key)
		}
	case <-time.After(time.Second):
		t.Fatal("callback never fired")
	}
}

func TestCancelWorkflowRespectsTransitionTable(t *testing.T) {
	c := newCoordinator(t, testConfig(1, 1), distributor.ExecutorFunc(func(ctx context.Context, agent models.Agent, tk models.Task) (map[string]any, error) {
		return nil, nil
	}), nil)

	result, err := c.CoordinateTask(context.Background(), []models.Task{task("t1")}, Options{})
	if err != nil {
		t.Fatalf("coordinate: %v", err)
	}
	if err := c.CancelWorkflow(result.WorkflowID, "too late"); !errors.Is(err, fsm.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition cancelling a completed workflow, got %v", err)
	}
}

func TestRedistributeOverload(t *testing.T) {
	c := newCoordinator(t, testConfig(2, 2), nil, nil)

	reg := c.Registry()
	if err := reg.Reserve("analysis-agent-1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	target, err := c.RedistributeOverload("analysis-agent-1")
	if err != nil {
		t.Fatalf("redistribute: %v", err)
	}
	if target.ID != "analysis-agent-2" {
		t.Errorf("expected least-loaded peer, got %s", target.ID)
	}

	if _, err := c.RedistributeOverload("ghost"); err == nil {
		t.Error("expected error for unknown agent")
	}
}

func TestRedistributeOverloadNoSpareCapacity(t *testing.T) {
	c := newCoordinator(t, testConfig(1, 1), nil, nil)

	if _, err := c.RedistributeOverload("analysis-agent-1"); !errors.Is(err, ErrNoSpareCapacity) {
		t.Errorf("expected ErrNoSpareCapacity, got %v", err)
	}
}
