package graph

import (
	"errors"
	"testing"

	"github.com/droverhq/drover/pkg/models"
)

func node(id string, deps ...string) models.Task {
	return models.Task{ID: id, DependsOn: deps}
}

func TestBuildRejectsUnknownDependency(t *testing.T) {
	g := New()
	err := g.Build([]models.Task{node("a", "ghost")})
	if err == nil {
		t.Fatal("expected error for unknown dependency")
	}
}

func TestBuildRejectsCycle(t *testing.T) {
	g := New()
	err := g.Build([]models.Task{
		node("a", "b"),
		node("b", "c"),
		node("c", "a"),
	})
	if !errors.Is(err, ErrCircularDependency) {
		t.Errorf("expected ErrCircularDependency, got %v", err)
	}
}

func TestBuildRejectsSelfDependency(t *testing.T) {
	g := New()
	err := g.Build([]models.Task{node("a", "a")})
	if !errors.Is(err, ErrCircularDependency) {
		t.Errorf("expected ErrCircularDependency, got %v", err)
	}
}

func TestResolveProducesParallelLevels(t *testing.T) {
	g := New()
	if err := g.Build([]models.Task{
		node("fetch"),
		node("parse", "fetch"),
		node("lint", "fetch"),
		node("report", "parse", "lint"),
	}); err != nil {
		t.Fatalf("build: %v", err)
	}

	levels, err := g.Resolve()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(levels) != 3 {
		t.Fatalf("expected 3 levels, got %d", len(levels))
	}
	if len(levels[0]) != 1 || levels[0][0].ID != "fetch" {
		t.Errorf("unexpected first level: %v", ids(levels[0]))
	}
	if len(levels[1]) != 2 {
		t.Errorf("expected parse and lint together, got %v", ids(levels[1]))
	}
	if len(levels[2]) != 1 || levels[2][0].ID != "report" {
		t.Errorf("unexpected final level: %v", ids(levels[2]))
	}
}

func TestTopologicalSortOrdersDependenciesFirst(t *testing.T) {
	g := New()
	if err := g.Build([]models.Task{
		node("a"),
		node("b", "a"),
		node("c", "b"),
	}); err != nil {
		t.Fatalf("build: %v", err)
	}

	order, err := g.TopologicalSort()
	if err != nil {
		t.Fatalf("sort: %v", err)
	}
	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	if pos["a"] > pos["b"] || pos["b"] > pos["c"] {
		t.Errorf("unexpected order: %v", order)
	}
}

func TestReadyTracksCompletion(t *testing.T) {
	g := New()
	if err := g.Build([]models.Task{
		node("a"),
		node("b", "a"),
	}); err != nil {
		t.Fatalf("build: %v", err)
	}

	ready := g.Ready()
	if len(ready) != 1 || ready[0] != "a" {
		t.Fatalf("expected only a ready, got %v", ready)
	}

	g.MarkComplete("a")
	ready = g.Ready()
	if len(ready) != 1 || ready[0] != "b" {
		t.Errorf("expected b ready after a completes, got %v", ready)
	}

	g.MarkComplete("b")
	if len(g.Ready()) != 0 {
		t.Error("expected nothing ready after all complete")
	}
}

func TestDependents(t *testing.T) {
	g := New()
	if err := g.Build([]models.Task{
		node("a"),
		node("b", "a"),
		node("c", "a"),
	}); err != nil {
		t.Fatalf("build: %v", err)
	}

	deps := g.Dependents("a")
	if len(deps) != 2 {
		t.Errorf("expected 2 dependents, got %v", deps)
	}
}

func ids(tasks []models.Task) []string {
	out := make([]string, len(tasks))
	for i, task := range tasks {
		out[i] = task.ID
	}
	return out
}
