// Package scheduler composes the graph, store, router, scoring, and
// execution provider into the tick-based assignment loop: which pending
// task runs next, and which agent takes it.
package scheduler

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/antigravity-dev/swarmcore/internal/budget"
	"github.com/antigravity-dev/swarmcore/internal/conflict"
	"github.com/antigravity-dev/swarmcore/internal/errkind"
	"github.com/antigravity-dev/swarmcore/internal/graph"
	"github.com/antigravity-dev/swarmcore/internal/notify"
	"github.com/antigravity-dev/swarmcore/internal/router"
	"github.com/antigravity-dev/swarmcore/internal/scoring"
	"github.com/antigravity-dev/swarmcore/internal/store"
	"github.com/antigravity-dev/swarmcore/internal/task"
)

// Assignment is one task routed to one agent this pass.
type Assignment struct {
	TaskID  string
	AgentID string
	Score   float64
	Reason  string
}

// Deferred is a ready task that could not be assigned this pass.
type Deferred struct {
	TaskID string
	Reason string
}

// Blocked is a pending task still waiting on unmet dependencies.
type Blocked struct {
	TaskID        string
	UnmetDepsList []string
}

// Decision is the three-way disjoint outcome of one scheduling pass.
type Decision struct {
	Assignments []Assignment
	Deferred    []Deferred
	Blocked     []Blocked
}

// Scheduler composes the graph, store, router, and scoring tracker behind
// the single entry point the tick loop calls each cycle. Completion
// handling also drives the budget guard and conflict monitor so a single
// call produces every one of the five completion outcomes atomically: task
// status flip, scoring update, conflict-lock release, budget debit, and
// notification broadcast.
type Scheduler struct {
	store    store.Store
	graph    *graph.Graph
	tracker  *scoring.Tracker
	bus      *notify.Bus
	guard    *budget.Guard
	monitor  *conflict.Monitor
	log      *slog.Logger
}

// New constructs a Scheduler over the given collaborators.
func New(s store.Store, g *graph.Graph, tracker *scoring.Tracker, bus *notify.Bus, guard *budget.Guard, monitor *conflict.Monitor, log *slog.Logger) *Scheduler {
	return &Scheduler{store: s, graph: g, tracker: tracker, bus: bus, guard: guard, monitor: monitor, log: log}
}

// RegisterTask stores t and adds each of its declared dependencies as a
// graph edge.
func (s *Scheduler) RegisterTask(ctx context.Context, t *task.Task) error {
	if err := s.store.SetTask(ctx, t); err != nil {
		return errkind.Wrap(errkind.KindFatal, "store task", err)
	}
	for _, dep := range t.Context.Dependencies {
		if err := s.graph.AddDependency(ctx, t.ID, dep); err != nil {
			return err
		}
	}
	s.bus.Publish(notify.Event{
		Type:      notify.TypeTaskCreated,
		Timestamp: time.Now(),
		Data:      map[string]any{"taskId": t.ID},
	})
	return nil
}

// Schedule runs one scheduling pass over availableAgents — every agent
// currently idle — returning the three-way decision the caller (tick loop
// or completion handler) acts on. Each agent holds at most one task at a
// time, so an agent is removed from the pool the moment it is assigned.
func (s *Scheduler) Schedule(ctx context.Context, availableAgents []*task.Agent) (Decision, error) {
	ready, err := s.graph.GetReadyTasks(ctx)
	if err != nil {
		return Decision{}, err
	}
	readySet := make(map[string]bool, len(ready))
	for _, t := range ready {
		readySet[t.ID] = true
	}

	sort.SliceStable(ready, func(i, j int) bool {
		pi, pj := ready[i].Priority.Rank(), ready[j].Priority.Rank()
		if pi != pj {
			return pi < pj
		}
		return ready[i].CreatedAt.Before(ready[j].CreatedAt)
	})

	pool := make(map[string]*task.Agent, len(availableAgents))
	for _, a := range availableAgents {
		if a.Status == task.AgentIdle {
			pool[a.ID] = a
		}
	}

	var decision Decision
	for _, t := range ready {
		idle := make([]string, 0, len(pool))
		for id := range pool {
			idle = append(idle, id)
		}
		sort.Strings(idle) // stable iteration order for deterministic tie-breaking

		dec, agent, deferReason := s.pickSafeAgent(t, idle, pool)
		if agent == nil {
			decision.Deferred = append(decision.Deferred, Deferred{TaskID: t.ID, Reason: deferReason})
			continue
		}

		t.Status = task.StatusAssigned
		t.AssignedAgent = agent.ID
		t.Model = dec.Model
		if err := s.store.SetTask(ctx, t); err != nil {
			return Decision{}, errkind.Wrap(errkind.KindFatal, "persist assignment", err)
		}
		delete(pool, agent.ID)

		decision.Assignments = append(decision.Assignments, Assignment{
			TaskID: t.ID, AgentID: agent.ID, Score: dec.Confidence, Reason: dec.Reason,
		})
		s.bus.Publish(notify.Event{
			Type:      notify.TypeTaskAssigned,
			Timestamp: time.Now(),
			Data:      map[string]any{"taskId": t.ID, "agentId": agent.ID},
		})

		if s.monitor != nil && len(t.Context.Files) > 0 {
			for _, ev := range s.monitor.RegisterFileActivity(agent.ID, t.ID, t.Context.Files, t.Context.Branch) {
				evType := notify.TypeConflictPotential
				if ev.Severity == conflict.SeverityHigh {
					evType = notify.TypeConflictDetected
				}
				s.bus.Publish(notify.Event{
					Type:      evType,
					Timestamp: time.Now(),
					Data: map[string]any{
						"taskId":         t.ID,
						"files":          ev.Files,
						"agents":         ev.Agents,
						"severity":       string(ev.Severity),
						"recommendation": ev.Recommendation,
					},
				})
			}
		}
	}

	blocked, err := s.collectBlocked(ctx, readySet)
	if err != nil {
		return Decision{}, err
	}
	decision.Blocked = blocked

	return decision, nil
}

// pickSafeAgent routes t to the best-scoring idle candidate, then runs the
// conflict monitor's pre-dispatch gate on that candidate before anything is
// committed: if the candidate's file set collides with another agent's
// in-flight locks, it is excluded and routing retries over the remaining
// idle pool, repeating until a safe candidate is found or the pool is
// exhausted. Returns a nil agent when no idle agent could be safely
// assigned, along with the reason to record on the deferred entry.
func (s *Scheduler) pickSafeAgent(t *task.Task, idle []string, pool map[string]*task.Agent) (router.Decision, *task.Agent, string) {
	excluded := make(map[string]bool, len(idle))
	conflicted := false

	for {
		candidates := make([]string, 0, len(idle))
		for _, id := range idle {
			if !excluded[id] {
				candidates = append(candidates, id)
			}
		}

		dec := router.Route(t, candidates, s.tracker)
		agent, chosen := pool[dec.AgentID]
		if dec.AgentID == "" || !chosen {
			if conflicted {
				return dec, nil, "all idle candidates conflict on in-flight files"
			}
			return dec, nil, "no suitable agent"
		}

		if s.monitor == nil || len(t.Context.Files) == 0 {
			return dec, agent, ""
		}
		safe, conflicts := s.monitor.CheckTaskAssignment(t.Context.Files, agent.ID)
		if safe {
			return dec, agent, ""
		}
		s.log.Info("scheduler: excluding candidate with file conflict", "task_id", t.ID, "agent_id", agent.ID, "conflicts", conflicts)

		conflicted = true
		excluded[agent.ID] = true
	}
}

// collectBlocked enumerates pending tasks absent from the ready set and
// reports their unmet dependencies for observability.
func (s *Scheduler) collectBlocked(ctx context.Context, readySet map[string]bool) ([]Blocked, error) {
	pending, err := s.store.ListTasks(ctx, store.TaskFilter{Status: task.StatusPending})
	if err != nil {
		return nil, errkind.Wrap(errkind.KindFatal, "list pending tasks", err)
	}

	var blocked []Blocked
	for _, t := range pending {
		if readySet[t.ID] {
			continue
		}
		var unmet []string
		for _, depID := range t.Context.Dependencies {
			dep, err := s.store.GetTask(ctx, depID)
			if err != nil {
				return nil, errkind.Wrap(errkind.KindFatal, "load dependency", err)
			}
			if dep == nil || dep.Status != task.StatusCompleted {
				unmet = append(unmet, depID)
			}
		}
		blocked = append(blocked, Blocked{TaskID: t.ID, UnmetDepsList: unmet})
	}
	return blocked, nil
}

// CompleteTask marks the result's task completed or failed, stores the
// result, and returns the IDs of dependent tasks that became newly ready so
// the caller can wake the scheduler.
func (s *Scheduler) CompleteTask(ctx context.Context, result *task.Result) ([]string, error) {
	t, err := s.store.GetTask(ctx, result.TaskID)
	if err != nil {
		return nil, errkind.Wrap(errkind.KindFatal, "load completing task", err)
	}
	if t == nil {
		return nil, errkind.New(errkind.KindNotFound, "task not found: "+result.TaskID)
	}

	if result.Succeeded() {
		t.Status = task.StatusCompleted
	} else {
		t.Status = task.StatusFailed
	}
	if err := s.store.SetTask(ctx, t); err != nil {
		return nil, errkind.Wrap(errkind.KindFatal, "persist completed task", err)
	}
	if err := s.store.SetResult(ctx, result); err != nil {
		return nil, errkind.Wrap(errkind.KindFatal, "persist result", err)
	}

	if s.tracker != nil && result.AgentID != "" {
		s.tracker.Update(result.AgentID, t.Type, result)
	}
	if s.monitor != nil && result.AgentID != "" {
		s.monitor.ReleaseAgentLocks(result.AgentID)
	}
	if s.guard != nil {
		if _, err := s.guard.RecordSpend(ctx, t.ID, result.CostCents); err != nil {
			s.log.Error("scheduler: record spend failed", "task_id", t.ID, "error", err)
		}
	}

	evType := notify.TypeTaskCompleted
	if !result.Succeeded() {
		evType = notify.TypeTaskFailed
	}
	s.bus.Publish(notify.Event{
		Type:      evType,
		Timestamp: time.Now(),
		Data:      map[string]any{"taskId": t.ID, "agentId": result.AgentID},
	})

	dependents, err := s.graph.GetDependents(ctx, t.ID)
	if err != nil {
		return nil, err
	}

	var newlyReady []string
	for _, depID := range dependents {
		ok, err := s.store.AllDependenciesCompleted(ctx, depID)
		if err != nil {
			return nil, errkind.Wrap(errkind.KindFatal, "check dependency completion", err)
		}
		if ok {
			newlyReady = append(newlyReady, depID)
		}
	}
	return newlyReady, nil
}

// Rebalance reverts every assigned task held by an unavailable agent back
// to pending and clears its assignment, for a subsequent schedule pass to
// pick up. Returns the count of tasks reverted.
func (s *Scheduler) Rebalance(ctx context.Context, unavailableAgentID string) (int, error) {
	assigned, err := s.store.ListTasks(ctx, store.TaskFilter{Status: task.StatusAssigned})
	if err != nil {
		return 0, errkind.Wrap(errkind.KindFatal, "list assigned tasks", err)
	}

	reverted := 0
	for _, t := range assigned {
		if t.AssignedAgent != unavailableAgentID {
			continue
		}
		t.Status = task.StatusPending
		t.AssignedAgent = ""
		if err := s.store.SetTask(ctx, t); err != nil {
			return reverted, errkind.Wrap(errkind.KindFatal, "revert task", err)
		}
		reverted++
		s.bus.Publish(notify.Event{
			Type:      notify.TypeTaskCreated,
			Timestamp: time.Now(),
			Data:      map[string]any{"taskId": t.ID, "reassigned": true},
		})
	}
	return reverted, nil
}
