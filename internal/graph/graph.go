// Package graph supplies the dependency-DAG algorithms layered over the
// state store: cycle-safe edge mutation, readiness queries, topological
// ordering, and cycle detection for diagnostics.
package graph

import (
	"context"
	"errors"
	"fmt"

	"github.com/antigravity-dev/swarmcore/internal/store"
	"github.com/antigravity-dev/swarmcore/internal/task"
)

// ErrCycle is returned by AddDependency when the edge would introduce a
// cycle, and by GetTopologicalOrder when the stored edge set already
// contains one.
var ErrCycle = errors.New("graph: cycle detected")

// Graph delegates all storage to a store.Store and supplies traversal
// algorithms over it. It holds no state of its own.
type Graph struct {
	store store.Store
}

// New wraps a store.Store with dependency-graph algorithms.
func New(s store.Store) *Graph {
	return &Graph{store: s}
}

// AddDependency records that t depends on d, rejecting same-node edges and
// any edge that would make t reachable from d through existing forward
// edges. The reachability walk is iterative, not recursive, so graph
// depth cannot blow the call stack.
func (g *Graph) AddDependency(ctx context.Context, t, d string) error {
	if t == d {
		return fmt.Errorf("%w: task cannot depend on itself", ErrCycle)
	}
	reachable, err := g.reachableFrom(ctx, d)
	if err != nil {
		return err
	}
	if reachable[t] {
		return fmt.Errorf("%w: %s is reachable from %s", ErrCycle, t, d)
	}
	return g.store.AddDependency(ctx, t, d)
}

// RemoveDependency deletes the edge; it is always safe and never rejected.
func (g *Graph) RemoveDependency(ctx context.Context, t, d string) error {
	return g.store.RemoveDependency(ctx, t, d)
}

// reachableFrom performs an iterative DFS over forward edges (task -> its
// dependencies) starting at root, returning the set of nodes reachable
// including root itself.
func (g *Graph) reachableFrom(ctx context.Context, root string) (map[string]bool, error) {
	seen := map[string]bool{root: true}
	stack := []string{root}
	for len(stack) > 0 {
		n := len(stack) - 1
		cur := stack[n]
		stack = stack[:n]
		deps, err := g.store.DirectDependencies(ctx, cur)
		if err != nil {
			return nil, fmt.Errorf("graph: reachability walk: %w", err)
		}
		for _, dep := range deps {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			stack = append(stack, dep)
		}
	}
	return seen, nil
}

// GetReadyTasks returns all pending tasks whose direct dependencies are all
// completed.
func (g *Graph) GetReadyTasks(ctx context.Context) ([]*task.Task, error) {
	pending, err := g.store.ListTasks(ctx, store.TaskFilter{Status: task.StatusPending})
	if err != nil {
		return nil, fmt.Errorf("graph: list pending tasks: %w", err)
	}
	var ready []*task.Task
	for _, t := range pending {
		done, err := g.store.AllDependenciesCompleted(ctx, t.ID)
		if err != nil {
			return nil, fmt.Errorf("graph: check readiness of %s: %w", t.ID, err)
		}
		if done {
			ready = append(ready, t)
		}
	}
	return ready, nil
}

// GetDependents returns the tasks that directly depend on taskID.
func (g *Graph) GetDependents(ctx context.Context, taskID string) ([]string, error) {
	ids, err := g.store.DirectDependents(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("graph: get dependents: %w", err)
	}
	return ids, nil
}

// GetDependencyChain returns the transitive closure of taskID's
// dependencies, excluding taskID itself.
func (g *Graph) GetDependencyChain(ctx context.Context, taskID string) ([]string, error) {
	chain, err := g.store.DependencyChain(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("graph: get dependency chain: %w", err)
	}
	return chain, nil
}
