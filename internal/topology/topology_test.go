package topology

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/antigravity-dev/swarmcore/internal/budget"
	"github.com/antigravity-dev/swarmcore/internal/conflict"
	"github.com/antigravity-dev/swarmcore/internal/graph"
	"github.com/antigravity-dev/swarmcore/internal/notify"
	"github.com/antigravity-dev/swarmcore/internal/scheduler"
	"github.com/antigravity-dev/swarmcore/internal/scoring"
	"github.com/antigravity-dev/swarmcore/internal/store"
	"github.com/antigravity-dev/swarmcore/internal/task"
)

func newTestSetup() (*scheduler.Scheduler, store.Store) {
	s := store.NewMemStore()
	g := graph.New(s)
	tracker := scoring.NewTracker()
	bus := notify.NewBus()
	guard := budget.New(s, bus)
	monitor := conflict.NewMonitor()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return scheduler.New(s, g, tracker, bus, guard, monitor, log), s
}

func TestHubOnTaskCompleteFreesAgent(t *testing.T) {
	sched, s := newTestSetup()
	hub := NewHub(sched, s)
	ctx := context.Background()

	tk := task.New(task.TypeCode, "do the thing", task.Context{Branch: "main"})
	if err := hub.SubmitTask(ctx, tk); err != nil {
		t.Fatalf("SubmitTask: %v", err)
	}
	agent := &task.Agent{ID: "agent-1", Status: task.AgentRunning, TaskID: tk.ID, StartedAt: time.Now()}
	if err := s.SetAgent(ctx, agent); err != nil {
		t.Fatalf("SetAgent: %v", err)
	}

	_, err := hub.OnTaskComplete(ctx, &task.Result{TaskID: tk.ID, AgentID: "agent-1", Status: task.ResultSuccess})
	if err != nil {
		t.Fatalf("OnTaskComplete: %v", err)
	}

	got, err := s.GetAgent(ctx, "agent-1")
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if got.Status != task.AgentIdle || got.TaskID != "" {
		t.Fatalf("agent = %+v, want idle with no task", got)
	}
}

func TestHierarchicalRejectsDepthOverflow(t *testing.T) {
	sched, s := newTestSetup()
	h := NewHierarchical(sched, s)
	h.maxDepth = 1
	ctx := context.Background()

	root := task.New(task.TypeCode, "root", task.Context{Branch: "main"})
	if err := h.SubmitTask(ctx, root); err != nil {
		t.Fatalf("SubmitTask root: %v", err)
	}
	child := task.New(task.TypeCode, "child", task.Context{Branch: "main"})
	if err := h.CreateSubTask(ctx, root.ID, child); err != nil {
		t.Fatalf("CreateSubTask depth 1: %v", err)
	}
	grandchild := task.New(task.TypeCode, "grandchild", task.Context{Branch: "main"})
	if err := h.CreateSubTask(ctx, child.ID, grandchild); err == nil {
		t.Fatal("expected depth-overflow rejection at depth 2 with maxDepth 1")
	}
}

func TestHierarchicalRejectsFanOutOverflow(t *testing.T) {
	sched, s := newTestSetup()
	h := NewHierarchical(sched, s)
	h.maxSubTasks = 2
	ctx := context.Background()

	root := task.New(task.TypeCode, "root", task.Context{Branch: "main"})
	h.SubmitTask(ctx, root)

	for i := 0; i < 2; i++ {
		child := task.New(task.TypeCode, "child", task.Context{Branch: "main"})
		if err := h.CreateSubTask(ctx, root.ID, child); err != nil {
			t.Fatalf("CreateSubTask %d: %v", i, err)
		}
	}
	overflow := task.New(task.TypeCode, "overflow child", task.Context{Branch: "main"})
	if err := h.CreateSubTask(ctx, root.ID, overflow); err == nil {
		t.Fatal("expected fan-out rejection on the third child with maxSubTasks 2")
	}
}

func TestHierarchicalAggregationFiresWhenAllSiblingsTerminal(t *testing.T) {
	sched, s := newTestSetup()
	h := NewHierarchical(sched, s)
	ctx := context.Background()

	root := task.New(task.TypeCode, "root", task.Context{Branch: "main"})
	h.SubmitTask(ctx, root)
	c1 := task.New(task.TypeCode, "child1", task.Context{Branch: "main"})
	c2 := task.New(task.TypeCode, "child2", task.Context{Branch: "main"})
	h.CreateSubTask(ctx, root.ID, c1)
	h.CreateSubTask(ctx, root.ID, c2)

	aggregated := false
	h.OnAggregation(func(ctx context.Context, parentID string) error {
		if parentID == root.ID {
			aggregated = true
		}
		return nil
	})

	s.SetAgent(ctx, &task.Agent{ID: "a1", Status: task.AgentRunning, TaskID: c1.ID, StartedAt: time.Now()})
	s.SetAgent(ctx, &task.Agent{ID: "a2", Status: task.AgentRunning, TaskID: c2.ID, StartedAt: time.Now()})

	if _, err := h.OnTaskComplete(ctx, &task.Result{TaskID: c1.ID, AgentID: "a1", Status: task.ResultSuccess}); err != nil {
		t.Fatalf("OnTaskComplete c1: %v", err)
	}
	if aggregated {
		t.Fatal("aggregation fired before all siblings reached a terminal state")
	}

	if _, err := h.OnTaskComplete(ctx, &task.Result{TaskID: c2.ID, AgentID: "a2", Status: task.ResultSuccess}); err != nil {
		t.Fatalf("OnTaskComplete c2: %v", err)
	}
	if !aggregated {
		t.Fatal("aggregation did not fire once all siblings reached a terminal state")
	}
}

func TestMeshBroadcastToNoPeersIsNoOp(t *testing.T) {
	sched, s := newTestSetup()
	m := NewMesh(sched, s)
	ctx := context.Background()

	if err := m.Broadcast(ctx, "agent-1", "task-1", "hello"); err != nil {
		t.Fatalf("Broadcast with no peers should be a no-op, got: %v", err)
	}
}

func TestMeshBroadcastDeliversToPeersExcludingSender(t *testing.T) {
	sched, s := newTestSetup()
	m := NewMesh(sched, s)
	ctx := context.Background()

	s.SetAgent(ctx, &task.Agent{ID: "a1", TaskID: "task-1"})
	s.SetAgent(ctx, &task.Agent{ID: "a2", TaskID: "task-1"})
	s.SetAgent(ctx, &task.Agent{ID: "a3", TaskID: "task-1"})

	if err := m.Broadcast(ctx, "a1", "task-1", "hello"); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}

	if msgs := m.PollInbox("a1"); len(msgs) != 0 {
		t.Fatalf("sender inbox = %v, want empty", msgs)
	}
	if msgs := m.PollInbox("a2"); len(msgs) != 1 {
		t.Fatalf("a2 inbox = %v, want 1 message", msgs)
	}
	if msgs := m.PollInbox("a3"); len(msgs) != 1 {
		t.Fatalf("a3 inbox = %v, want 1 message", msgs)
	}
}

func TestMeshRequestTimesOutWithoutResponse(t *testing.T) {
	sched, s := newTestSetup()
	m := NewMesh(sched, s)
	m.timeout = 20 * time.Millisecond
	ctx := context.Background()

	_, err := m.Request(ctx, "a1", "a2", "task-1", "ping")
	if err == nil {
		t.Fatal("expected a peer timeout error")
	}
}

func TestMeshRequestResolvesOnResponse(t *testing.T) {
	sched, s := newTestSetup()
	m := NewMesh(sched, s)
	ctx := context.Background()

	go func() {
		// Poll a2's inbox until the request arrives, then respond.
		for i := 0; i < 100; i++ {
			msgs := m.PollInbox("a2")
			if len(msgs) > 0 {
				m.RespondToRequest(msgs[0].ID, "a2", "pong")
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	resp, err := m.Request(ctx, "a1", "a2", "task-1", "ping")
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if resp.Body != "pong" {
		t.Fatalf("response body = %v, want pong", resp.Body)
	}
}

func TestMeshLateResponseQueuesIntoRequesterInbox(t *testing.T) {
	sched, s := newTestSetup()
	m := NewMesh(sched, s)
	m.timeout = 10 * time.Millisecond
	ctx := context.Background()

	msgs := m.PollInbox("a2")
	if len(msgs) != 0 {
		t.Fatalf("expected empty inbox before request, got %d messages", len(msgs))
	}

	_, err := m.Request(ctx, "a1", "a2", "task-1", "ping")
	if err == nil {
		t.Fatal("expected a peer timeout error")
	}

	requestMsgs := m.PollInbox("a2")
	if len(requestMsgs) != 1 {
		t.Fatalf("expected a2 to have received the request, got %d messages", len(requestMsgs))
	}

	// a2 responds after a1 already gave up waiting.
	if err := m.RespondToRequest(requestMsgs[0].ID, "a2", "pong-late"); err != nil {
		t.Fatalf("RespondToRequest after timeout: %v", err)
	}

	a1Msgs := m.PollInbox("a1")
	if len(a1Msgs) != 1 {
		t.Fatalf("expected the late response queued in a1's inbox, got %d messages", len(a1Msgs))
	}
	if a1Msgs[0].Body != "pong-late" || a1Msgs[0].Type != MessageResponse {
		t.Fatalf("queued late response = %+v, want response with body pong-late", a1Msgs[0])
	}

	if err := m.RespondToRequest("no-such-request", "a2", "too-late"); err == nil {
		t.Fatal("expected RespondToRequest to error for an unknown and non-expired request id")
	}
}
