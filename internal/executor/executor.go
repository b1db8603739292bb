// Package executor abstracts spawning, monitoring, and cancelling worker
// processes behind a single Provider contract, with concrete
// implementations for a cloud-machines REST API, a cloud-jobs REST API, a
// local Docker backend, and an in-process simulator.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/antigravity-dev/swarmcore/internal/task"
)

// ExecutionStatus is the lifecycle state of a dispatched execution.
type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "pending"
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
	StatusTimeout   ExecutionStatus = "timeout"
)

// DefaultWaitTimeout is WaitForCompletion's default timeout.
const DefaultWaitTimeout = 30 * time.Minute

// Handle identifies one in-flight execution.
type Handle struct {
	ExecutionID string
	AgentID     string
}

// ActiveJob describes a running execution for observation endpoints.
type ActiveJob struct {
	ExecutionID string
	TaskID      string
	StartTime   time.Time
}

// WaitResult is waitForCompletion's outcome.
type WaitResult struct {
	Status ExecutionStatus
	Result *task.Result // set only when the provider could parse one itself
}

// Tier is a {CPU, memory} resource class.
type Tier string

const (
	TierLight    Tier = "light"
	TierStandard Tier = "standard"
	TierHeavy    Tier = "heavy"
)

// TierSpec is the concrete resource allocation for a tier.
type TierSpec struct {
	CPU      float64
	MemoryGB float64
}

var tierSpecs = map[Tier]TierSpec{
	TierLight:    {CPU: 1, MemoryGB: 1},
	TierStandard: {CPU: 2, MemoryGB: 2},
	TierHeavy:    {CPU: 4, MemoryGB: 4},
}

// Spec returns the concrete resource allocation for a tier.
func (t Tier) Spec() TierSpec {
	return tierSpecs[t]
}

// ResourceTier maps a task to a resource tier.
func ResourceTier(t *task.Task) Tier {
	switch {
	case t.Type == task.TypeSecurity:
		return TierHeavy
	case t.Model == task.ModelOpus && t.Type == task.TypeCode:
		return TierHeavy
	case t.Type == task.TypeDoc:
		return TierLight
	case t.Type == task.TypeReview && len(t.Context.Files) < 3:
		return TierLight
	default:
		return TierStandard
	}
}

// Provider is the contract every execution backend fulfils.
type Provider interface {
	Name() string
	ExecuteTask(ctx context.Context, t *task.Task) (Handle, error)
	GetExecutionStatus(ctx context.Context, executionID string) (ExecutionStatus, error)
	WaitForCompletion(ctx context.Context, executionID string, timeout time.Duration) (WaitResult, error)
	CancelExecution(ctx context.Context, executionID string) error
	GetActiveJobCount(ctx context.Context) (int, error)
	GetActiveJobs(ctx context.Context) ([]ActiveJob, error)
}

// EnvContract is the fixed set of environment variables injected into
// every spawned worker.
type EnvContract struct {
	TaskID          string
	TaskJSON        string
	AgentID         string
	Model           string
	LLMAPIKey       string
	SCMToken        string // optional, may be empty
	ZeroQueueBindTo []string
}

// BuildEnv serialises t and derives the worker's environment per the
// provider environment contract. Queue-binding variables are zeroed so the
// worker runs in stdout mode instead of consuming from an external queue.
func BuildEnv(t *task.Task, agentID, llmAPIKey, scmToken string, queueBindingVars []string) (map[string]string, error) {
	raw, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("executor: marshal task payload: %w", err)
	}
	payload := string(raw)
	env := map[string]string{
		"TASK_ID":   t.ID,
		"TASK_JSON": payload,
		"AGENT_ID":  agentID,
		"MODEL":     string(t.Model),
	}
	if llmAPIKey != "" {
		env["LLM_API_KEY"] = llmAPIKey
	}
	if scmToken != "" {
		env["SCM_TOKEN"] = scmToken
	}
	for _, v := range queueBindingVars {
		env[v] = ""
	}
	return env, nil
}
