// Package graph provides a dependency graph for workflow task scheduling.
package graph

import (
	"errors"
	"fmt"
	"sync"

	"github.com/droverhq/drover/pkg/models"
)

// ErrCircularDependency indicates a dependency cycle in the task graph.
var ErrCircularDependency = errors.New("circular dependency detected")

// DependencyGraph is a directed acyclic graph of workflow tasks. Tasks
// are nodes, and edges represent "blocked by" relationships.
type DependencyGraph struct {
	mu sync.RWMutex
	// nodes maps task ID to the task itself.
	nodes map[string]models.Task
	// edges maps task ID to IDs of tasks it depends on.
	edges map[string][]string
	// completed tracks tasks whose execution finished successfully.
	completed map[string]bool
}

// New creates an empty dependency graph.
func New() *DependencyGraph {
	return &DependencyGraph{
		nodes:     make(map[string]models.Task),
		edges:     make(map[string][]string),
		completed: make(map[string]bool),
	}
}

// Build constructs the graph from a slice of tasks. It fails if a
// dependency references an unknown task or the graph contains a cycle.
func (g *DependencyGraph) Build(tasks []models.Task) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, task := range tasks {
		g.nodes[task.ID] = task
		g.edges[task.ID] = nil
	}

	for _, task := range tasks {
		for _, depID := range task.DependsOn {
			if _, exists := g.nodes[depID]; !exists {
				return fmt.Errorf("task %s depends on unknown task %s", task.ID, depID)
			}
			g.edges[task.ID] = append(g.edges[task.ID], depID)
		}
	}

	if g.hasCycleLocked() {
		return ErrCircularDependency
	}
	return nil
}

// hasCycleLocked runs a depth-first search with coloring to detect
// back edges. Callers hold g.mu.
func (g *DependencyGraph) hasCycleLocked() bool {
	// 0 = unvisited, 1 = in progress, 2 = done.
	colors := make(map[string]int, len(g.nodes))

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = 1
		for _, depID := range g.edges[id] {
			switch colors[depID] {
			case 1:
				return true
			case 0:
				if visit(depID) {
					return true
				}
			}
		}
		colors[id] = 2
		return false
	}

	for id := range g.nodes {
		if colors[id] == 0 && visit(id) {
			return true
		}
	}
	return false
}

// Resolve returns the execution plan as ordered levels. Tasks within a
// level have no dependencies on each other and may run in parallel;
// every task's dependencies sit in earlier levels. Fails with
// ErrCircularDependency if the graph has a cycle.
func (g *DependencyGraph) Resolve() ([][]models.Task, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.hasCycleLocked() {
		return nil, ErrCircularDependency
	}

	remaining := make(map[string]int, len(g.nodes))
	for id, deps := range g.edges {
		remaining[id] = len(deps)
	}

	var levels [][]models.Task
	placed := make(map[string]bool, len(g.nodes))
	for len(placed) < len(g.nodes) {
		var level []models.Task
		for id, pending := range remaining {
			if pending == 0 && !placed[id] {
				level = append(level, g.nodes[id])
			}
		}
		if len(level) == 0 {
			return nil, ErrCircularDependency
		}
		for _, task := range level {
			placed[task.ID] = true
		}
		// Unblock dependents of this level.
		for id, deps := range g.edges {
			if placed[id] {
				continue
			}
			count := 0
			for _, depID := range deps {
				if !placed[depID] {
					count++
				}
			}
			remaining[id] = count
		}
		levels = append(levels, level)
	}
	return levels, nil
}

// TopologicalSort returns task IDs with all dependencies ordered before
// the tasks that depend on them.
func (g *DependencyGraph) TopologicalSort() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.hasCycleLocked() {
		return nil, ErrCircularDependency
	}

	visited := make(map[string]bool)
	var result []string
	var visit func(id string)
	visit = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		for _, depID := range g.edges[id] {
			visit(depID)
		}
		result = append(result, id)
	}
	for id := range g.nodes {
		visit(id)
	}
	return result, nil
}

// Ready returns the IDs of tasks whose dependencies are all complete
// and that are not themselves complete. These may execute in parallel.
func (g *DependencyGraph) Ready() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ready []string
	for id := range g.nodes {
		if g.completed[id] {
			continue
		}
		blocked := false
		for _, depID := range g.edges[id] {
			if !g.completed[depID] {
				blocked = true
				break
			}
		}
		if !blocked {
			ready = append(ready, id)
		}
	}
	return ready
}

// MarkComplete records a task as finished, unblocking its dependents.
func (g *DependencyGraph) MarkComplete(taskID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.completed[taskID] = true
}

// Task returns the task for an ID and whether it exists.
func (g *DependencyGraph) Task(taskID string) (models.Task, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	task, ok := g.nodes[taskID]
	return task, ok
}

// Size returns the number of tasks in the graph.
func (g *DependencyGraph) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// Dependencies returns the IDs a task depends on.
func (g *DependencyGraph) Dependencies(taskID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.edges[taskID]...)
}

// Dependents returns the IDs of tasks that depend on the given task.
func (g *DependencyGraph) Dependents(taskID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var dependents []string
	for id, deps := range g.edges {
		for _, depID := range deps {
			if depID == taskID {
				dependents = append(dependents, id)
				break
			}
		}
	}
	return dependents
}
