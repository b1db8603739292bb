package graph

import (
	"context"
	"fmt"

	"github.com/antigravity-dev/swarmcore/internal/store"
)

type color int

const (
	white color = iota // unvisited
	gray               // on the current DFS stack
	black              // fully explored
)

// frame is one entry on the explicit DFS stack used by DetectCycles, so the
// walk never recurses, so graph depth cannot blow the call stack.
type frame struct {
	node     string
	depIndex int
	deps     []string
}

// DetectCycles runs coloured DFS over the full stored edge set and returns
// the first cycle's path on a back-edge, or nil if the graph is acyclic.
func (g *Graph) DetectCycles(ctx context.Context) ([]string, error) {
	all, err := g.store.ListTasks(ctx, store.TaskFilter{})
	if err != nil {
		return nil, fmt.Errorf("graph: detect cycles: list tasks: %w", err)
	}

	colors := make(map[string]color, len(all))
	for _, t := range all {
		colors[t.ID] = white
	}

	for _, t := range all {
		if colors[t.ID] != white {
			continue
		}
		if cycle, err := g.dfsDetect(ctx, t.ID, colors); err != nil {
			return nil, err
		} else if cycle != nil {
			return cycle, nil
		}
	}
	return nil, nil
}

func (g *Graph) dfsDetect(ctx context.Context, start string, colors map[string]color) ([]string, error) {
	var stack []frame
	push := func(node string) error {
		deps, err := g.store.DirectDependencies(ctx, node)
		if err != nil {
			return fmt.Errorf("graph: direct dependencies of %s: %w", node, err)
		}
		colors[node] = gray
		stack = append(stack, frame{node: node, deps: deps})
		return nil
	}
	if err := push(start); err != nil {
		return nil, err
	}

	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if top.depIndex >= len(top.deps) {
			colors[top.node] = black
			stack = stack[:len(stack)-1]
			continue
		}
		next := top.deps[top.depIndex]
		top.depIndex++

		switch colors[next] {
		case white:
			if err := push(next); err != nil {
				return nil, err
			}
		case gray:
			// Back-edge found; reconstruct the cycle from the stack.
			path := make([]string, 0, len(stack)+1)
			started := false
			for _, f := range stack {
				if f.node == next {
					started = true
				}
				if started {
					path = append(path, f.node)
				}
			}
			path = append(path, next)
			return path, nil
		case black:
			// already fully explored, no cycle through it
		}
	}
	return nil, nil
}

// GetTopologicalOrder runs Kahn's algorithm (iterative) over the stored
// task/edge set. If the emitted order's length does not match the task
// count, the graph contains a cycle and ErrCycle is returned.
func (g *Graph) GetTopologicalOrder(ctx context.Context) ([]string, error) {
	all, err := g.store.ListTasks(ctx, store.TaskFilter{})
	if err != nil {
		return nil, fmt.Errorf("graph: topological order: list tasks: %w", err)
	}

	inDegree := make(map[string]int, len(all)) // number of unresolved dependencies
	dependents := make(map[string][]string, len(all))
	for _, t := range all {
		deps, err := g.store.DirectDependencies(ctx, t.ID)
		if err != nil {
			return nil, fmt.Errorf("graph: topological order: dependencies of %s: %w", t.ID, err)
		}
		inDegree[t.ID] = len(deps)
		for _, d := range deps {
			dependents[d] = append(dependents[d], t.ID)
		}
	}

	var queue []string
	for _, t := range all {
		if inDegree[t.ID] == 0 {
			queue = append(queue, t.ID)
		}
	}

	order := make([]string, 0, len(all))
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		order = append(order, n)
		for _, dependent := range dependents[n] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if len(order) != len(all) {
		return nil, ErrCycle
	}
	return order, nil
}
