// Package ingest supplies the two result-ingestion bindings the completion
// handler can sit behind: a push binding that drains a message queue the
// worker publishes to, and a poll binding that asks the execution provider
// directly because the worker only emits logs. Both converge on the same
// CompleteFn contract.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/antigravity-dev/swarmcore/internal/executor"
	"github.com/antigravity-dev/swarmcore/internal/store"
	"github.com/antigravity-dev/swarmcore/internal/task"
)

// CompleteFn is the shared completion-handler contract both bindings
// terminate in. Implemented by scheduler.Scheduler.CompleteTask.
type CompleteFn func(ctx context.Context, result *task.Result) ([]string, error)

// Binding is a result-ingestion source: start it, and it feeds every result
// it observes into complete until ctx is cancelled.
type Binding interface {
	Run(ctx context.Context, complete CompleteFn) error
}

// PollSource watches a single provider's executions two ways at once: a
// blocking WaitForCompletion watcher per execution, bounded by the task's
// own timeout, and a status-poll loop that refreshes agent heartbeats and
// retires executions whose status check observes a terminal state early.
// Used when no push binding is wired for a deployment.
type PollSource struct {
	provider executor.Provider
	store    store.Store
	interval time.Duration
	log      *slog.Logger

	mu       chan struct{}
	handle   map[string]trackedExecution
	runCtx   context.Context
	complete CompleteFn
}

// trackedExecution pairs a provider handle with the task it was spawned
// for, since executor.Handle itself carries only executionID/agentID.
type trackedExecution struct {
	handle  executor.Handle
	taskID  string
	timeout time.Duration
}

// NewPollSource wraps a provider in the polling result binding, defaulting
// the poll interval to 5s. s is used to refresh each tracked agent's
// LastSeen heartbeat on every successful status check, so the scheduler's
// liveness sweep can tell a quietly-running agent from a stuck one; pass
// nil to skip heartbeat refresh (e.g. in tests with no store).
func NewPollSource(p executor.Provider, s store.Store, interval time.Duration, log *slog.Logger) *PollSource {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &PollSource{
		provider: p,
		store:    s,
		interval: interval,
		log:      log,
		mu:       make(chan struct{}, 1),
		handle:   make(map[string]trackedExecution),
	}
}

// Track registers an in-flight execution so Run watches it, deriving the
// wait deadline from the task's own timeoutMinutes.
func (p *PollSource) Track(h executor.Handle, t *task.Task) {
	timeout := time.Duration(t.TimeoutMinutes) * time.Minute
	if timeout <= 0 {
		timeout = executor.DefaultWaitTimeout
	}
	te := trackedExecution{handle: h, taskID: t.ID, timeout: timeout}

	p.mu <- struct{}{}
	p.handle[h.ExecutionID] = te
	ctx, complete := p.runCtx, p.complete
	<-p.mu

	if ctx != nil {
		go p.await(ctx, h.ExecutionID, te, complete)
	}
}

// Run starts a watcher for every execution tracked so far, then polls the
// remainder on the configured interval until ctx is cancelled.
func (p *PollSource) Run(ctx context.Context, complete CompleteFn) error {
	p.mu <- struct{}{}
	p.runCtx = ctx
	p.complete = complete
	pending := make(map[string]trackedExecution, len(p.handle))
	for id, te := range p.handle {
		pending[id] = te
	}
	<-p.mu
	for id, te := range pending {
		go p.await(ctx, id, te, complete)
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.pollOnce(ctx, complete)
		}
	}
}

// await blocks on the provider's wait endpoint, bounded by the task's own
// timeout, then retires and completes the execution. A timeout becomes a
// failed result and a best-effort cancel of the hung execution. The poll
// loop may retire an execution first when a status check observes a
// terminal state; whichever path removes the tracked entry owns the
// completion call.
func (p *PollSource) await(ctx context.Context, executionID string, te trackedExecution, complete CompleteFn) {
	wr, err := p.provider.WaitForCompletion(ctx, executionID, te.timeout)
	if ctx.Err() != nil {
		return
	}

	p.mu <- struct{}{}
	_, tracked := p.handle[executionID]
	delete(p.handle, executionID)
	<-p.mu
	if !tracked {
		return
	}

	var result *task.Result
	switch {
	case err != nil:
		result = &task.Result{
			TaskID:  te.taskID,
			AgentID: te.handle.AgentID,
			Status:  task.ResultFailed,
			Error:   err.Error(),
		}
	case wr.Status == executor.StatusTimeout:
		result = &task.Result{
			TaskID:  te.taskID,
			AgentID: te.handle.AgentID,
			Status:  task.ResultFailed,
			Error:   fmt.Sprintf("execution timed out after %s", te.timeout),
		}
		if cancelErr := p.provider.CancelExecution(ctx, executionID); cancelErr != nil {
			p.log.Warn("poll source: cancel timed-out execution", "execution_id", executionID, "error", cancelErr)
		}
	case wr.Result != nil:
		result = wr.Result
		if result.TaskID == "" {
			result.TaskID = te.taskID
		}
		if result.AgentID == "" {
			result.AgentID = te.handle.AgentID
		}
	default:
		result = synthesizeResult(te, wr.Status)
	}

	if _, err := complete(ctx, result); err != nil {
		p.log.Error("poll source: complete callback failed", "execution_id", executionID, "error", err)
	}
}

// pollOnce checks every tracked execution's status concurrently — one
// provider round trip per execution, fanned out with errgroup so a slow or
// hanging check doesn't delay the rest of the batch — then completes each
// terminal one serially.
func (p *PollSource) pollOnce(ctx context.Context, complete CompleteFn) {
	p.mu <- struct{}{}
	executionIDs := make([]string, 0, len(p.handle))
	for id := range p.handle {
		executionIDs = append(executionIDs, id)
	}
	<-p.mu
	if len(executionIDs) == 0 {
		return
	}

	var statusesMu sync.Mutex
	statuses := make(map[string]executor.ExecutionStatus, len(executionIDs))

	grp, gCtx := errgroup.WithContext(ctx)
	for _, executionID := range executionIDs {
		executionID := executionID
		grp.Go(func() error {
			status, err := p.provider.GetExecutionStatus(gCtx, executionID)
			if err != nil {
				p.log.Warn("poll source: status check failed", "execution_id", executionID, "error", err)
				return nil
			}
			statusesMu.Lock()
			statuses[executionID] = status
			statusesMu.Unlock()
			return nil
		})
	}
	_ = grp.Wait()

	for executionID, status := range statuses {
		if status != executor.StatusCompleted && status != executor.StatusFailed {
			p.heartbeat(ctx, executionID)
			continue
		}

		p.mu <- struct{}{}
		tracked, ok := p.handle[executionID]
		delete(p.handle, executionID)
		<-p.mu
		if !ok {
			continue
		}

		result := synthesizeResult(tracked, status)
		if _, err := complete(ctx, result); err != nil {
			p.log.Error("poll source: complete callback failed", "execution_id", executionID, "error", err)
		}
	}
}

// heartbeat refreshes the tracked execution's agent LastSeen so the
// scheduler's liveness sweep knows it is still reporting a live status.
func (p *PollSource) heartbeat(ctx context.Context, executionID string) {
	if p.store == nil {
		return
	}
	p.mu <- struct{}{}
	tracked, ok := p.handle[executionID]
	<-p.mu
	if !ok {
		return
	}
	agent, err := p.store.GetAgent(ctx, tracked.handle.AgentID)
	if err != nil || agent == nil {
		return
	}
	agent.LastSeen = time.Now().UTC()
	if err := p.store.SetAgent(ctx, agent); err != nil {
		p.log.Warn("poll source: heartbeat refresh failed", "agent_id", agent.ID, "error", err)
	}
}

// synthesizeResult builds a minimal result from a provider's terminal
// status alone, since the polling path has no structured payload to parse.
func synthesizeResult(tracked trackedExecution, status executor.ExecutionStatus) *task.Result {
	r := &task.Result{TaskID: tracked.taskID, AgentID: tracked.handle.AgentID}
	if status == executor.StatusCompleted {
		r.Status = task.ResultSuccess
	} else {
		r.Status = task.ResultFailed
		r.Error = "execution reported failed status with no structured result"
	}
	return r
}
