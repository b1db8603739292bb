// Package topology implements the three interchangeable shapes of
// orchestrator-agent communication that sit between task submission and
// the scheduler: hub-and-spoke (the default, no agent-to-agent paths),
// hierarchical (parent-child sub-task trees), and mesh (peer message
// passing).
package topology

import (
	"context"
	"time"

	"github.com/antigravity-dev/swarmcore/internal/errkind"
	"github.com/antigravity-dev/swarmcore/internal/scheduler"
	"github.com/antigravity-dev/swarmcore/internal/store"
	"github.com/antigravity-dev/swarmcore/internal/task"
)

// Handler is the contract every topology mode implements at the
// submission/completion boundary, ahead of the shared scheduler.
type Handler interface {
	SubmitTask(ctx context.Context, t *task.Task) error
	OnTaskComplete(ctx context.Context, result *task.Result) ([]string, error)
}

// Hub is the default topology: no agent-to-agent paths. SubmitTask stores
// and registers the task; OnTaskComplete writes the result and flips
// status via the shared scheduler.
type Hub struct {
	sched *scheduler.Scheduler
	store store.Store
}

// NewHub wraps a scheduler in the hub-and-spoke handler.
func NewHub(sched *scheduler.Scheduler, s store.Store) *Hub {
	return &Hub{sched: sched, store: s}
}

func (h *Hub) SubmitTask(ctx context.Context, t *task.Task) error {
	return h.sched.RegisterTask(ctx, t)
}

func (h *Hub) OnTaskComplete(ctx context.Context, result *task.Result) ([]string, error) {
	newlyReady, err := h.sched.CompleteTask(ctx, result)
	if err != nil {
		return nil, err
	}
	agent, err := h.store.GetAgent(ctx, result.AgentID)
	if err != nil {
		return nil, errkind.Wrap(errkind.KindFatal, "load completing agent", err)
	}
	if agent != nil {
		agent.Status = task.AgentIdle
		agent.TaskID = ""
		agent.CompletedAt = time.Now()
		if err := h.store.SetAgent(ctx, agent); err != nil {
			return nil, errkind.Wrap(errkind.KindFatal, "update agent after completion", err)
		}
	}
	return newlyReady, nil
}
