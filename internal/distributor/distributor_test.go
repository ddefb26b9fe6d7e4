package distributor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/droverhq/drover/internal/balance"
	"github.com/droverhq/drover/internal/bus"
	"github.com/droverhq/drover/internal/queue"
	"github.com/droverhq/drover/internal/registry"
	"github.com/droverhq/drover/pkg/models"
)

func testTask(id string) models.Task {
	return models.Task{ID: id, Category: "ANALYSIS", CreatedAt: time.Now()}
}

func newDistributor(t *testing.T, executor Executor, agents ...models.Agent) (*Distributor, *registry.Registry) {
	t.Helper()
	reg := registry.New()
	for _, a := range agents {
		if err := reg.Register(a); err != nil {
			t.Fatalf("register %s: %v", a.ID, err)
		}
	}
	cfg := DefaultConfig()
	cfg.RedriveInterval = 10 * time.Millisecond
	cfg.PromoteInterval = 10 * time.Millisecond
	cfg.RebalanceInterval = 10 * time.Millisecond
	d := New(reg, balance.New(reg), queue.NewManager(queue.DefaultConfig()), nil, executor, cfg)
	t.Cleanup(d.Close)
	return d, reg
}

func agent(id string, max int) models.Agent {
	return models.Agent{ID: id, Name: id, Category: "ANALYSIS", MaxConcurrent: max}
}

func TestEffectivePriorityChain(t *testing.T) {
	soon := time.Now().Add(2 * time.Minute)
	later := time.Now().Add(20 * time.Minute)
	today := time.Now().Add(45 * time.Minute)
	nextWeek := time.Now().Add(7 * 24 * time.Hour)

	tests := []struct {
		name string
		task models.Task
		opts Options
		want models.Priority
	}{
		{"option wins", models.Task{Priority: models.PriorityLow}, Options{Priority: models.PriorityCritical}, models.PriorityCritical},
		{"task priority", models.Task{Priority: models.PriorityHigh}, Options{}, models.PriorityHigh},
		{"deadline under 5m", models.Task{Deadline: &soon}, Options{}, models.PriorityCritical},
		{"deadline under 30m", models.Task{Deadline: &later}, Options{}, models.PriorityHigh},
		{"deadline under 1h", models.Task{Deadline: &today}, Options{}, models.PriorityMedium},
		{"distant deadline falls to type", models.Task{Deadline: &nextWeek, Type: models.TaskTypeBackground}, Options{}, models.PriorityLow},
		{"emergency type", models.Task{Type: models.TaskTypeEmergency}, Options{}, models.PriorityCritical},
		{"user request type", models.Task{Type: models.TaskTypeUserRequest}, Options{}, models.PriorityHigh},
		{"default", models.Task{}, Options{}, models.PriorityMedium},
	}
	for _, tt := range tests {
		if got := EffectivePriority(tt.task, tt.opts); got != tt.want {
			t.Errorf("%s: expected %s, got %s", tt.name, tt.want, got)
		}
	}
}

func TestDistributeAssignsWhenAgentAvailable(t *testing.T) {
	executed := make(chan models.Task, 1)
	executor := ExecutorFunc(func(ctx context.Context, agent models.Agent, task models.Task) (map[string]any, error) {
		executed <- task
		return map[string]any{"ok": true}, nil
	})
	d, _ := newDistributor(t, executor, agent("a1", 2))

	result, err := d.Distribute(context.Background(), testTask("t1"), Options{})
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}
	if result.Status != StatusAssigned || result.AgentID != "a1" {
		t.Errorf("unexpected result: %+v", result)
	}

	select {
	case task := <-executed:
		if task.ID != "t1" {
			t.Errorf("expected t1 executed, got %s", task.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("task never executed")
	}
}

func TestDistributeQueuesWhenNoAgent(t *testing.T) {
	d, _ := newDistributor(t, nil)

	result, err := d.Distribute(context.Background(), testTask("t1"), Options{})
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}
	if result.Status != StatusQueued || result.Outcome != queue.PlacementEnqueued {
		t.Errorf("unexpected result: %+v", result)
	}
	if result.Priority != models.PriorityMedium {
		t.Errorf("expected MEDIUM, got %s", result.Priority)
	}
}

func TestCompletionReleasesCapacityAndUpdatesPerformance(t *testing.T) {
	release := make(chan struct{})
	executor := ExecutorFunc(func(ctx context.Context, agent models.Agent, task models.Task) (map[string]any, error) {
		<-release
		return nil, nil
	})
	d, reg := newDistributor(t, executor, agent("a1", 1))

	var done sync.WaitGroup
	done.Add(1)
	d.OnCompletion(func(task models.Task, agentID string, outputs map[string]any, err error) {
		done.Done()
	})

	if _, err := d.Distribute(context.Background(), testTask("t1"), Options{}); err != nil {
		t.Fatalf("distribute: %v", err)
	}

	// Saturated: second task must queue.
	result, err := d.Distribute(context.Background(), testTask("t2"), Options{})
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}
	if result.Status != StatusQueued {
		t.Errorf("expected queued while saturated, got %s", result.Status)
	}

	close(release)
	done.Wait()

	a, _ := reg.Get("a1")
	if a.CurrentTasks != 0 {
		t.Errorf("expected freed capacity, got %d tasks", a.CurrentTasks)
	}
	if a.Performance.Executions != 1 {
		t.Errorf("expected recorded execution, got %+v", a.Performance)
	}
}

func TestQueueDrainsAfterCompletion(t *testing.T) {
	var mu sync.Mutex
	executed := map[string]bool{}
	gate := make(chan struct{})
	first := true
	executor := ExecutorFunc(func(ctx context.Context, agent models.Agent, task models.Task) (map[string]any, error) {
		mu.Lock()
		executed[task.ID] = true
		wait := first
		first = false
		mu.Unlock()
		if wait {
			<-gate
		}
		return nil, nil
	})
	d, _ := newDistributor(t, executor, agent("a1", 1))
	d.Start()

	if _, err := d.Distribute(context.Background(), testTask("t1"), Options{Priority: models.PriorityCritical}); err != nil {
		t.Fatalf("distribute t1: %v", err)
	}
	if _, err := d.Distribute(context.Background(), testTask("t2"), Options{Priority: models.PriorityCritical}); err != nil {
		t.Fatalf("distribute t2: %v", err)
	}

	mu.Lock()
	if executed["t2"] {
		mu.Unlock()
		t.Fatal("t2 ran while agent saturated")
	}
	mu.Unlock()

	close(gate)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		ran := executed["t2"]
		mu.Unlock()
		if ran {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("queued task never drained into freed capacity")
}

func TestFailedExecutionCountsAgainstAgent(t *testing.T) {
	executor := ExecutorFunc(func(ctx context.Context, agent models.Agent, task models.Task) (map[string]any, error) {
		return nil, context.DeadlineExceeded
	})
	d, reg := newDistributor(t, executor, agent("a1", 1))

	done := make(chan error, 1)
	d.OnCompletion(func(task models.Task, agentID string, outputs map[string]any, err error) {
		done <- err
	})

	if _, err := d.Distribute(context.Background(), testTask("t1"), Options{}); err != nil {
		t.Fatalf("distribute: %v", err)
	}
	if err := <-done; err == nil {
		t.Fatal("expected completion callback to carry the error")
	}

	a, _ := reg.Get("a1")
	if a.Performance.Successes != 0 || a.Performance.Executions != 1 {
		t.Errorf("unexpected performance: %+v", a.Performance)
	}
}

func TestRebalanceSwitchesAlgorithmUnderSkew(t *testing.T) {
	d, reg := newDistributor(t, nil,
		agent("a1", 2),
		models.Agent{ID: "b1", Name: "b1", Category: "GENERATION", MaxConcurrent: 2},
	)
	// Saturate one category to force variance past the threshold.
	_ = reg.Reserve("a1")
	_ = reg.Reserve("a1")

	d.rebalance()
	if got := d.balancer.Algorithm(); got != balance.AlgorithmWeightedRoundRobin {
		t.Errorf("expected WEIGHTED_ROUND_ROBIN at moderate mean utilization, got %s", got)
	}

	stats := d.Stats()
	if len(stats.Bottleneck) != 1 || stats.Bottleneck[0] != "ANALYSIS" {
		t.Errorf("expected ANALYSIS flagged, got %v", stats.Bottleneck)
	}
}

func TestBusSeesDistributionLifecycle(t *testing.T) {
	b := bus.New(16)
	defer b.Close()
	events := b.Subscribe(bus.EventTaskDistributed, bus.EventTaskCompleted)

	reg := registry.New()
	if err := reg.Register(agent("a1", 1)); err != nil {
		t.Fatalf("register: %v", err)
	}
	executor := ExecutorFunc(func(ctx context.Context, agent models.Agent, task models.Task) (map[string]any, error) {
		return nil, nil
	})
	d := New(reg, balance.New(reg), queue.NewManager(queue.DefaultConfig()), b, executor, DefaultConfig())
	defer d.Close()

	if _, err := d.Distribute(context.Background(), testTask("t1"), Options{}); err != nil {
		t.Fatalf("distribute: %v", err)
	}

	want := map[bus.EventType]bool{bus.EventTaskDistributed: false, bus.EventTaskCompleted: false}
	timeout := time.After(2 * time.Second)
	for i := 0; i < 2; i++ {
		select {
		case event := <-events:
			want[event.Type] = true
		case <-timeout:
			t.Fatalf("missing lifecycle events, saw %v", want)
		}
	}
	for eventType, seen := range want {
		if !seen {
			t.Errorf("never saw %s", eventType)
		}
	}
}
