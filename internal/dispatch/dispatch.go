// Package dispatch turns a scheduling decision into an actual execution:
// it calls the selected execution provider, materialises the agent record
// the rest of the core tracks, registers the execution with the result
// binding so its completion is observed, and emits the agent-spawned
// notification. The scheduler decides who runs a task; dispatch is what
// makes that decision real.
package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/antigravity-dev/swarmcore/internal/executor"
	"github.com/antigravity-dev/swarmcore/internal/notify"
	"github.com/antigravity-dev/swarmcore/internal/scheduler"
	"github.com/antigravity-dev/swarmcore/internal/store"
	"github.com/antigravity-dev/swarmcore/internal/task"
)

// Tracker is the subset of ingest.PollSource dispatch depends on, kept
// narrow so a push-based binding can satisfy it too. The full task is
// passed so the binding can honour its per-task timeout.
type Tracker interface {
	Track(h executor.Handle, t *task.Task)
}

// Dispatcher hands a scheduling decision to the execution provider and
// records the resulting agent.
type Dispatcher struct {
	store    store.Store
	provider executor.Provider
	tracker  Tracker
	bus      *notify.Bus
	log      *slog.Logger
}

// New constructs a Dispatcher over the given collaborators.
func New(s store.Store, provider executor.Provider, tracker Tracker, bus *notify.Bus, log *slog.Logger) *Dispatcher {
	return &Dispatcher{store: s, provider: provider, tracker: tracker, bus: bus, log: log}
}

// Run spawns an execution for every assignment in decision and, for every
// deferred entry that asked for a fresh worker, spawns one too -- the
// scheduler only decides routing; dispatch is the outer loop's decision to
// actually spend provider capacity on it.
func (d *Dispatcher) Run(ctx context.Context, decision scheduler.Decision) {
	for _, a := range decision.Assignments {
		d.spawn(ctx, a.TaskID, a.AgentID)
	}
	for _, def := range decision.Deferred {
		if def.Reason != "no suitable agent" {
			continue
		}
		d.spawn(ctx, def.TaskID, "")
	}
}

// spawn executes one task. preferredAgentID is the agent the router chose,
// if any; it is informational only since every provider derives its own
// agent identity from the task ID.
func (d *Dispatcher) spawn(ctx context.Context, taskID, preferredAgentID string) {
	t, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		d.log.Error("dispatch: load task failed", "task_id", taskID, "error", err)
		return
	}
	if t == nil {
		d.log.Warn("dispatch: task vanished before spawn", "task_id", taskID)
		return
	}

	handle, err := d.provider.ExecuteTask(ctx, t)
	if err != nil {
		d.log.Error("dispatch: execute task failed", "task_id", taskID, "provider", d.provider.Name(), "error", err)
		t.Status = task.StatusFailed
		t.AssignedAgent = ""
		if setErr := d.store.SetTask(ctx, t); setErr != nil {
			d.log.Error("dispatch: mark task failed after spawn error", "task_id", taskID, "error", setErr)
		}
		return
	}

	agentID := handle.AgentID
	t.Status = task.StatusRunning
	t.AssignedAgent = agentID
	if err := d.store.SetTask(ctx, t); err != nil {
		d.log.Error("dispatch: persist running task", "task_id", taskID, "error", err)
	}

	now := time.Now().UTC()
	agent := &task.Agent{
		ID:        agentID,
		Status:    task.AgentRunning,
		TaskID:    taskID,
		StartedAt: now,
		LastSeen:  now,
		Branch:    t.Context.Branch,
	}
	if err := d.store.SetAgent(ctx, agent); err != nil {
		d.log.Error("dispatch: persist spawned agent", "agent_id", agentID, "error", err)
	}

	if d.tracker != nil {
		d.tracker.Track(handle, t)
	}

	d.bus.Publish(notify.Event{
		Type: notify.TypeAgentSpawned,
		Data: map[string]any{"taskId": taskID, "agentId": agentID, "provider": d.provider.Name()},
	})
	d.bus.Publish(notify.Event{
		Type: notify.TypeTaskStarted,
		Data: map[string]any{"taskId": taskID, "agentId": agentID},
	})
}
