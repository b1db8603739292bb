package scheduler

import (
	"context"
	"log/slog"
	"io"
	"testing"
	"time"

	"github.com/antigravity-dev/swarmcore/internal/budget"
	"github.com/antigravity-dev/swarmcore/internal/conflict"
	"github.com/antigravity-dev/swarmcore/internal/graph"
	"github.com/antigravity-dev/swarmcore/internal/notify"
	"github.com/antigravity-dev/swarmcore/internal/scoring"
	"github.com/antigravity-dev/swarmcore/internal/store"
	"github.com/antigravity-dev/swarmcore/internal/task"
)

func newTestScheduler() (*Scheduler, store.Store) {
	s := store.NewMemStore()
	g := graph.New(s)
	tracker := scoring.NewTracker()
	bus := notify.NewBus()
	guard := budget.New(s, bus)
	monitor := conflict.NewMonitor()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(s, g, tracker, bus, guard, monitor, log), s
}

func idleAgent(id string) *task.Agent {
	return &task.Agent{ID: id, Status: task.AgentIdle, StartedAt: time.Now()}
}

func TestScheduleAssignsReadyTaskToIdleAgent(t *testing.T) {
	sched, _ := newTestScheduler()
	ctx := context.Background()

	tk := task.New(task.TypeCode, "implement feature", task.Context{Branch: "main"})
	if err := sched.RegisterTask(ctx, tk); err != nil {
		t.Fatalf("RegisterTask: %v", err)
	}

	decision, err := sched.Schedule(ctx, []*task.Agent{idleAgent("agent-1")})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if len(decision.Assignments) != 1 {
		t.Fatalf("assignments = %d, want 1", len(decision.Assignments))
	}
	if decision.Assignments[0].TaskID != tk.ID {
		t.Fatalf("assigned task = %s, want %s", decision.Assignments[0].TaskID, tk.ID)
	}
	if decision.Assignments[0].AgentID != "agent-1" {
		t.Fatalf("assigned agent = %s, want agent-1", decision.Assignments[0].AgentID)
	}
}

func TestScheduleDefersWhenNoIdleAgents(t *testing.T) {
	sched, _ := newTestScheduler()
	ctx := context.Background()

	tk := task.New(task.TypeCode, "implement feature", task.Context{Branch: "main"})
	if err := sched.RegisterTask(ctx, tk); err != nil {
		t.Fatalf("RegisterTask: %v", err)
	}

	decision, err := sched.Schedule(ctx, nil)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if len(decision.Assignments) != 0 {
		t.Fatalf("assignments = %d, want 0", len(decision.Assignments))
	}
	if len(decision.Deferred) != 1 || decision.Deferred[0].TaskID != tk.ID {
		t.Fatalf("deferred = %+v, want one entry for %s", decision.Deferred, tk.ID)
	}
}

func TestScheduleBlocksTaskWithUnmetDependency(t *testing.T) {
	sched, _ := newTestScheduler()
	ctx := context.Background()

	dep := task.New(task.TypeCode, "build the base", task.Context{Branch: "main"})
	if err := sched.RegisterTask(ctx, dep); err != nil {
		t.Fatalf("RegisterTask dep: %v", err)
	}
	child := task.New(task.TypeCode, "build on top", task.Context{Branch: "main", Dependencies: []string{dep.ID}})
	if err := sched.RegisterTask(ctx, child); err != nil {
		t.Fatalf("RegisterTask child: %v", err)
	}

	decision, err := sched.Schedule(ctx, []*task.Agent{idleAgent("agent-1")})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	// dep is ready and gets assigned; child is blocked on dep.
	if len(decision.Assignments) != 1 || decision.Assignments[0].TaskID != dep.ID {
		t.Fatalf("assignments = %+v, want dep assigned alone", decision.Assignments)
	}
	found := false
	for _, b := range decision.Blocked {
		if b.TaskID == child.ID {
			found = true
			if len(b.UnmetDepsList) != 1 || b.UnmetDepsList[0] != dep.ID {
				t.Fatalf("unmet deps = %v, want [%s]", b.UnmetDepsList, dep.ID)
			}
		}
	}
	if !found {
		t.Fatalf("child task %s not reported blocked", child.ID)
	}
}

func TestCompleteTaskUnlocksDependent(t *testing.T) {
	sched, s := newTestScheduler()
	ctx := context.Background()

	dep := task.New(task.TypeCode, "build the base", task.Context{Branch: "main"})
	sched.RegisterTask(ctx, dep)
	child := task.New(task.TypeCode, "build on top", task.Context{Branch: "main", Dependencies: []string{dep.ID}})
	sched.RegisterTask(ctx, child)

	dep.Status = task.StatusRunning
	s.SetTask(ctx, dep)

	newlyReady, err := sched.CompleteTask(ctx, &task.Result{TaskID: dep.ID, AgentID: "agent-1", Status: task.ResultSuccess})
	if err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}
	if len(newlyReady) != 1 || newlyReady[0] != child.ID {
		t.Fatalf("newlyReady = %v, want [%s]", newlyReady, child.ID)
	}

	stored, err := s.GetTask(ctx, dep.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if stored.Status != task.StatusCompleted {
		t.Fatalf("dep status = %s, want completed", stored.Status)
	}
}

func TestCompleteTaskFailureDoesNotUnlockDependent(t *testing.T) {
	sched, s := newTestScheduler()
	ctx := context.Background()

	dep := task.New(task.TypeCode, "build the base", task.Context{Branch: "main"})
	sched.RegisterTask(ctx, dep)
	child := task.New(task.TypeCode, "build on top", task.Context{Branch: "main", Dependencies: []string{dep.ID}})
	sched.RegisterTask(ctx, child)

	newlyReady, err := sched.CompleteTask(ctx, &task.Result{TaskID: dep.ID, AgentID: "agent-1", Status: task.ResultFailed})
	if err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}
	if len(newlyReady) != 0 {
		t.Fatalf("newlyReady = %v, want none on failure", newlyReady)
	}

	stored, _ := s.GetTask(ctx, dep.ID)
	if stored.Status != task.StatusFailed {
		t.Fatalf("dep status = %s, want failed", stored.Status)
	}
}

func TestRebalanceRevertsOnlyTheUnavailableAgentsTasks(t *testing.T) {
	sched, s := newTestScheduler()
	ctx := context.Background()

	a := task.New(task.TypeCode, "task a", task.Context{Branch: "main"})
	b := task.New(task.TypeCode, "task b", task.Context{Branch: "main"})
	sched.RegisterTask(ctx, a)
	sched.RegisterTask(ctx, b)

	a.Status, a.AssignedAgent = task.StatusAssigned, "agent-1"
	b.Status, b.AssignedAgent = task.StatusAssigned, "agent-2"
	s.SetTask(ctx, a)
	s.SetTask(ctx, b)

	reverted, err := sched.Rebalance(ctx, "agent-1")
	if err != nil {
		t.Fatalf("Rebalance: %v", err)
	}
	if reverted != 1 {
		t.Fatalf("reverted = %d, want 1", reverted)
	}

	gotA, _ := s.GetTask(ctx, a.ID)
	if gotA.Status != task.StatusPending || gotA.AssignedAgent != "" {
		t.Fatalf("task a = %+v, want pending with no assigned agent", gotA)
	}
	gotB, _ := s.GetTask(ctx, b.ID)
	if gotB.Status != task.StatusAssigned || gotB.AssignedAgent != "agent-2" {
		t.Fatalf("task b = %+v, want untouched", gotB)
	}
}
