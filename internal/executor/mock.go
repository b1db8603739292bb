package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/antigravity-dev/swarmcore/internal/task"
)

// mockJob is a simulated execution: it "completes" once simulated time
// catches up to completeAt, with no external process involved.
type mockJob struct {
	taskID     string
	agentID    string
	startTime  time.Time
	completeAt time.Time
}

// MockProvider simulates execution for tests and demos: executeTask
// records a pre-computed completion time by task type and
// getExecutionStatus reports completed once it elapses.
type MockProvider struct {
	mu   sync.Mutex
	jobs map[string]*mockJob
}

// NewMockProvider returns an empty simulate-mode provider.
func NewMockProvider() *MockProvider {
	return &MockProvider{jobs: make(map[string]*mockJob)}
}

func (p *MockProvider) Name() string { return "mock" }

func simulatedDuration(t *task.Task) time.Duration {
	switch t.Type {
	case task.TypeDoc:
		return 2 * time.Second
	case task.TypeTest:
		return 5 * time.Second
	case task.TypeSecurity:
		return 8 * time.Second
	default:
		return 3 * time.Second
	}
}

func (p *MockProvider) ExecuteTask(_ context.Context, t *task.Task) (Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	agentID := task.DeriveAgentID("mock", t.ID)
	executionID := "mock-" + t.ID
	now := time.Now()
	p.jobs[executionID] = &mockJob{
		taskID:     t.ID,
		agentID:    agentID,
		startTime:  now,
		completeAt: now.Add(simulatedDuration(t)),
	}
	return Handle{ExecutionID: executionID, AgentID: agentID}, nil
}

func (p *MockProvider) GetExecutionStatus(_ context.Context, executionID string) (ExecutionStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	job, ok := p.jobs[executionID]
	if !ok {
		return StatusCompleted, nil // resource gone -> treated as completed
	}
	if time.Now().Before(job.completeAt) {
		return StatusRunning, nil
	}
	return StatusCompleted, nil
}

func (p *MockProvider) WaitForCompletion(ctx context.Context, executionID string, timeout time.Duration) (WaitResult, error) {
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		status, err := p.GetExecutionStatus(ctx, executionID)
		if err != nil {
			return WaitResult{}, fmt.Errorf("executor: mock wait: %w", err)
		}
		if status == StatusCompleted || status == StatusFailed {
			return WaitResult{Status: status}, nil
		}
		if time.Now().After(deadline) {
			return WaitResult{Status: StatusTimeout}, nil
		}
		select {
		case <-ctx.Done():
			return WaitResult{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *MockProvider) CancelExecution(_ context.Context, executionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.jobs, executionID) // best-effort; absent handle is non-fatal
	return nil
}

func (p *MockProvider) GetActiveJobCount(ctx context.Context) (int, error) {
	jobs, err := p.GetActiveJobs(ctx)
	if err != nil {
		return 0, err
	}
	return len(jobs), nil
}

func (p *MockProvider) GetActiveJobs(_ context.Context) ([]ActiveJob, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	var out []ActiveJob
	for id, job := range p.jobs {
		if now.Before(job.completeAt) {
			out = append(out, ActiveJob{ExecutionID: id, TaskID: job.taskID, StartTime: job.startTime})
		}
	}
	return out, nil
}
