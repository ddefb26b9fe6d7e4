package registry

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/droverhq/drover/pkg/models"
)

func testAgent(id string, max int) models.Agent {
	return models.Agent{
		ID:            id,
		Name:          id,
		Category:      "ANALYSIS",
		Capabilities:  []models.Capability{models.CapabilityAnalysis},
		MaxConcurrent: max,
	}
}

func TestRegisterAndGet(t *testing.T) {
	r := New()
	if err := r.Register(testAgent("a1", 3)); err != nil {
		t.Fatalf("register: %v", err)
	}

	agent, err := r.Get("a1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if agent.Status != models.AgentStatusReady {
		t.Errorf("expected READY, got %s", agent.Status)
	}
	if agent.Performance.SuccessRate != 1.0 {
		t.Errorf("expected initial success rate 1.0, got %f", agent.Performance.SuccessRate)
	}
}

func TestRegisterRejectsDuplicateAndZeroCapacity(t *testing.T) {
	r := New()
	if err := r.Register(testAgent("a1", 3)); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(testAgent("a1", 3)); err == nil {
		t.Error("expected error for duplicate registration")
	}
	if err := r.Register(testAgent("a2", 0)); err == nil {
		t.Error("expected error for zero capacity")
	}
}

func TestReserveEnforcesCapacity(t *testing.T) {
	r := New()
	if err := r.Register(testAgent("a1", 2)); err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := r.Reserve("a1"); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	if err := r.Reserve("a1"); err != nil {
		t.Fatalf("second reserve: %v", err)
	}
	if err := r.Reserve("a1"); !errors.Is(err, ErrAgentSaturated) {
		t.Errorf("expected ErrAgentSaturated, got %v", err)
	}

	agent, _ := r.Get("a1")
	if agent.CurrentTasks != 2 {
		t.Errorf("expected 2 current tasks, got %d", agent.CurrentTasks)
	}
	if agent.Status != models.AgentStatusBusy {
		t.Errorf("expected BUSY, got %s", agent.Status)
	}
}

func TestReleaseRestoresCapacityAndPerformance(t *testing.T) {
	r := New()
	if err := r.Register(testAgent("a1", 2)); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Reserve("a1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := r.Release("a1", true, 100*time.Millisecond); err != nil {
		t.Fatalf("release: %v", err)
	}

	agent, _ := r.Get("a1")
	if agent.CurrentTasks != 0 {
		t.Errorf("expected 0 current tasks, got %d", agent.CurrentTasks)
	}
	if agent.Status != models.AgentStatusReady {
		t.Errorf("expected READY after drain, got %s", agent.Status)
	}
	if agent.Performance.Executions != 1 || agent.Performance.Successes != 1 {
		t.Errorf("unexpected performance: %+v", agent.Performance)
	}
}

// Capacity invariant under random interleavings of reserve/release.
func TestCapacityInvariantConcurrent(t *testing.T) {
	r := New()
	const maxConcurrent = 5
	if err := r.Register(testAgent("a1", maxConcurrent)); err != nil {
		t.Fatalf("register: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if err := r.Reserve("a1"); err == nil {
					agent, _ := r.Get("a1")
					if agent.CurrentTasks > maxConcurrent {
						t.Errorf("invariant violated: %d > %d", agent.CurrentTasks, maxConcurrent)
					}
					_ = r.Release("a1", true, time.Millisecond)
				}
			}
		}()
	}
	wg.Wait()

	agent, _ := r.Get("a1")
	if agent.CurrentTasks != 0 {
		t.Errorf("expected drained agent, got %d current tasks", agent.CurrentTasks)
	}
}

func TestCircuitOpenExcludesFromSelection(t *testing.T) {
	r := New()
	if err := r.Register(testAgent("a1", 2)); err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := r.MarkCircuitOpen("a1"); err != nil {
		t.Fatalf("mark circuit open: %v", err)
	}
	if got := r.SelectableByCategory("ANALYSIS", nil); len(got) != 0 {
		t.Errorf("expected no selectable agents, got %d", len(got))
	}
	if err := r.Reserve("a1"); err == nil {
		t.Error("expected reserve to fail for circuit-open agent")
	}

	if err := r.Restore("a1"); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if got := r.SelectableByCategory("ANALYSIS", nil); len(got) != 1 {
		t.Errorf("expected 1 selectable agent after restore, got %d", len(got))
	}
}

func TestSelectableFiltersByCapability(t *testing.T) {
	r := New()
	a := testAgent("a1", 2)
	a.Capabilities = []models.Capability{models.CapabilityGeneration}
	if err := r.Register(a); err != nil {
		t.Fatalf("register: %v", err)
	}

	got := r.SelectableByCategory("ANALYSIS", []models.Capability{models.CapabilityAnalysis})
	if len(got) != 0 {
		t.Errorf("expected capability filter to exclude agent, got %d", len(got))
	}
}

func TestLeastLoaded(t *testing.T) {
	r := New()
	for _, id := range []string{"a1", "a2", "a3"} {
		if err := r.Register(testAgent(id, 4)); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	_ = r.Reserve("a1")
	_ = r.Reserve("a1")
	_ = r.Reserve("a2")

	best, ok := r.LeastLoaded("ANALYSIS", "a1")
	if !ok {
		t.Fatal("expected a least-loaded agent")
	}
	if best.ID != "a3" {
		t.Errorf("expected a3, got %s", best.ID)
	}
}
