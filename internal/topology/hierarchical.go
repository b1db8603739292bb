package topology

import (
	"context"
	"fmt"
	"sync"

	"github.com/antigravity-dev/swarmcore/internal/errkind"
	"github.com/antigravity-dev/swarmcore/internal/scheduler"
	"github.com/antigravity-dev/swarmcore/internal/store"
	"github.com/antigravity-dev/swarmcore/internal/task"
)

// DefaultMaxDepth bounds how deep a sub-task tree may grow below its root.
const DefaultMaxDepth = 3

// DefaultMaxSubTasksPerAgent bounds how many direct children a single
// parent task may spawn.
const DefaultMaxSubTasksPerAgent = 5

// nodeInfo tracks one task's place in the hierarchy: its depth below the
// root and the IDs of its direct children.
type nodeInfo struct {
	depth    int
	parentID string
	children []string
}

// Hierarchical tracks parent-child edges and depth per task, on top of the
// same scheduler hub uses. Sub-task IDs are freshly minted; the parent ID
// is preserved through the store via the task's ParentTaskID field.
type Hierarchical struct {
	*Hub

	mu          sync.Mutex
	nodes       map[string]*nodeInfo
	maxDepth    int
	maxSubTasks int
	aggregators []func(ctx context.Context, parentID string) error
}

// NewHierarchical wraps a scheduler in the hierarchical handler with the
// documented depth and fan-out defaults.
func NewHierarchical(sched *scheduler.Scheduler, s store.Store) *Hierarchical {
	return &Hierarchical{
		Hub:         NewHub(sched, s),
		nodes:       make(map[string]*nodeInfo),
		maxDepth:    DefaultMaxDepth,
		maxSubTasks: DefaultMaxSubTasksPerAgent,
	}
}

// OnAggregation registers a callback invoked when every child of a parent
// reaches a terminal state.
func (h *Hierarchical) OnAggregation(fn func(ctx context.Context, parentID string) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.aggregators = append(h.aggregators, fn)
}

// SubmitTask registers a root task (depth 0, no parent).
func (h *Hierarchical) SubmitTask(ctx context.Context, t *task.Task) error {
	h.mu.Lock()
	h.nodes[t.ID] = &nodeInfo{depth: 0}
	h.mu.Unlock()
	return h.Hub.SubmitTask(ctx, t)
}

// CreateSubTask spawns child under parentID, rejecting when the child's
// depth would exceed maxDepth or the parent's child-count would exceed
// maxSubTasksPerAgent.
func (h *Hierarchical) CreateSubTask(ctx context.Context, parentID string, child *task.Task) error {
	h.mu.Lock()
	parent, ok := h.nodes[parentID]
	if !ok {
		h.mu.Unlock()
		return errkind.New(errkind.KindNotFound, fmt.Sprintf("parent task %s not tracked", parentID))
	}
	if parent.depth+1 > h.maxDepth {
		h.mu.Unlock()
		return errkind.New(errkind.KindPrecondition, fmt.Sprintf("sub-task depth would exceed max depth %d", h.maxDepth))
	}
	if len(parent.children) >= h.maxSubTasks {
		h.mu.Unlock()
		return errkind.New(errkind.KindPrecondition, fmt.Sprintf("parent already has max sub-tasks (%d)", h.maxSubTasks))
	}

	child.ParentTaskID = parentID
	h.nodes[child.ID] = &nodeInfo{depth: parent.depth + 1, parentID: parentID}
	parent.children = append(parent.children, child.ID)
	h.mu.Unlock()

	return h.Hub.SubmitTask(ctx, child)
}

// OnTaskComplete completes the task via the hub, then checks whether every
// sibling under the same parent has reached a terminal state; if so, the
// registered aggregation callbacks fire.
func (h *Hierarchical) OnTaskComplete(ctx context.Context, result *task.Result) ([]string, error) {
	newlyReady, err := h.Hub.OnTaskComplete(ctx, result)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	node, ok := h.nodes[result.TaskID]
	var parentID string
	var siblings []string
	var aggregators []func(ctx context.Context, parentID string) error
	if ok && node.parentID != "" {
		parentID = node.parentID
		if parent, ok := h.nodes[parentID]; ok {
			siblings = append([]string(nil), parent.children...)
			aggregators = append([]func(ctx context.Context, parentID string) error(nil), h.aggregators...)
		}
	}
	h.mu.Unlock()

	if parentID == "" {
		return newlyReady, nil
	}

	allTerminal := true
	for _, sibID := range siblings {
		sib, err := h.Hub.store.GetTask(ctx, sibID)
		if err != nil {
			return nil, errkind.Wrap(errkind.KindFatal, "load sibling for aggregation check", err)
		}
		if sib == nil || !isTerminal(sib.Status) {
			allTerminal = false
			break
		}
	}
	if !allTerminal {
		return newlyReady, nil
	}

	for _, fn := range aggregators {
		if err := fn(ctx, parentID); err != nil {
			return newlyReady, errkind.Wrap(errkind.KindFatal, "aggregation callback", err)
		}
	}
	return newlyReady, nil
}

func isTerminal(s task.Status) bool {
	switch s {
	case task.StatusCompleted, task.StatusFailed, task.StatusCancelled:
		return true
	}
	return false
}

// Depth returns the tracked depth of taskID, or -1 if untracked.
func (h *Hierarchical) Depth(taskID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n, ok := h.nodes[taskID]
	if !ok {
		return -1
	}
	return n.depth
}

// Children returns the tracked direct children of taskID.
func (h *Hierarchical) Children(taskID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	n, ok := h.nodes[taskID]
	if !ok {
		return nil
	}
	return append([]string(nil), n.children...)
}
