package balance

import (
	"errors"
	"testing"
	"time"

	"github.com/droverhq/drover/internal/registry"
	"github.com/droverhq/drover/pkg/models"
)

func poolAgent(id string, max, current int) models.Agent {
	return models.Agent{
		ID:            id,
		Name:          id,
		Category:      "ANALYSIS",
		Capabilities:  []models.Capability{models.CapabilityAnalysis},
		MaxConcurrent: max,
		CurrentTasks:  current,
	}
}

func seedRegistry(t *testing.T, agents ...models.Agent) *registry.Registry {
	t.Helper()
	r := registry.New()
	for _, a := range agents {
		current := a.CurrentTasks
		a.CurrentTasks = 0
		if err := r.Register(a); err != nil {
			t.Fatalf("register %s: %v", a.ID, err)
		}
		for i := 0; i < current; i++ {
			if err := r.Reserve(a.ID); err != nil {
				t.Fatalf("reserve %s: %v", a.ID, err)
			}
		}
	}
	return r
}

func analysisTask() models.Task {
	return models.Task{ID: "t1", Category: "ANALYSIS"}
}

func TestSelectNoCandidates(t *testing.T) {
	b := New(registry.New())
	_, err := b.Select(analysisTask())
	if !errors.Is(err, ErrNoAgentAvailable) {
		t.Errorf("expected ErrNoAgentAvailable, got %v", err)
	}
}

func TestCapacityBasedPrefersSpareCapacity(t *testing.T) {
	r := seedRegistry(t,
		poolAgent("busy", 4, 3),
		poolAgent("idle", 4, 0),
	)
	b := New(r)

	agent, err := b.Select(analysisTask())
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if agent.ID != "idle" {
		t.Errorf("expected idle agent, got %s", agent.ID)
	}
}

func TestLeastConnections(t *testing.T) {
	r := seedRegistry(t,
		poolAgent("a1", 4, 2),
		poolAgent("a2", 4, 1),
		poolAgent("a3", 4, 3),
	)
	b := New(r)
	b.SetAlgorithm(AlgorithmLeastConnections)

	agent, err := b.Select(analysisTask())
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if agent.ID != "a2" {
		t.Errorf("expected a2, got %s", agent.ID)
	}
}

func TestPerformanceBasedPrefersFasterAgent(t *testing.T) {
	r := registry.New()
	fast := poolAgent("fast", 4, 0)
	fast.ResponseTarget = time.Second
	slow := poolAgent("slow", 4, 0)
	slow.ResponseTarget = time.Second
	for _, a := range []models.Agent{fast, slow} {
		if err := r.Register(a); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	// Give each agent one execution so latency averages diverge.
	_ = r.Reserve("fast")
	_ = r.Release("fast", true, 200*time.Millisecond)
	_ = r.Reserve("slow")
	_ = r.Release("slow", true, 3*time.Second)

	b := New(r)
	b.SetAlgorithm(AlgorithmPerformanceBased)
	agent, err := b.Select(analysisTask())
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if agent.ID != "fast" {
		t.Errorf("expected fast agent, got %s", agent.ID)
	}
}

func TestWeightedRoundRobinRotates(t *testing.T) {
	r := seedRegistry(t,
		poolAgent("a1", 4, 0),
		poolAgent("a2", 4, 0),
	)
	b := New(r)
	b.SetAlgorithm(AlgorithmWeightedRoundRobin)

	seen := make(map[string]int)
	for i := 0; i < 4; i++ {
		agent, err := b.Select(analysisTask())
		if err != nil {
			t.Fatalf("select %d: %v", i, err)
		}
		seen[agent.ID]++
	}
	if seen["a1"] != 2 || seen["a2"] != 2 {
		t.Errorf("expected even rotation, got %v", seen)
	}
}

func TestSkillAffinityPrefersFullMatch(t *testing.T) {
	r := registry.New()
	partial := poolAgent("partial", 4, 0)
	partial.Capabilities = []models.Capability{models.CapabilityAnalysis}
	full := poolAgent("full", 4, 0)
	full.Capabilities = []models.Capability{models.CapabilityAnalysis, models.CapabilityValidation}
	for _, a := range []models.Agent{partial, full} {
		if err := r.Register(a); err != nil {
			t.Fatalf("register: %v", err)
		}
	}

	b := New(r)
	b.SetAlgorithm(AlgorithmSkillAffinity)
	task := analysisTask()
	task.Required = []models.Capability{models.CapabilityAnalysis, models.CapabilityValidation}
	agent, err := b.Select(task)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if agent.ID != "full" {
		t.Errorf("expected full-match agent, got %s", agent.ID)
	}
}

func TestSetAlgorithmIgnoresUnknown(t *testing.T) {
	b := New(registry.New())
	b.SetAlgorithm(Algorithm("MAGIC"))
	if b.Algorithm() != AlgorithmCapacityBased {
		t.Errorf("expected default to survive unknown value, got %s", b.Algorithm())
	}
}
