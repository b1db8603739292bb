// Package store abstracts the orchestrator's persisted state behind a
// single operation set, with an in-memory backend for ephemeral
// deployments and a SQLite-backed backend for durable ones.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/antigravity-dev/swarmcore/internal/task"
)

// ErrClosed is returned by any operation issued after Close.
var ErrClosed = errors.New("store: closed")

// Retention periods mandated for the durable backend. The in-memory
// backend applies the same task, result and agent TTLs; its dependency
// edges do not expire.
const (
	TaskTTL   = 7 * 24 * time.Hour
	ResultTTL = 7 * 24 * time.Hour
	AgentTTL  = 24 * time.Hour
	EdgeTTL   = 7 * 24 * time.Hour
)

// TaskFilter narrows a ListTasks call. Zero-value fields are unfiltered.
type TaskFilter struct {
	Status      task.Status
	Type        task.Type
	Priority    task.Priority
	Offset      int
	Limit       int
	NewestFirst bool
}

// BudgetConfig is the operator-set budget policy.
type BudgetConfig struct {
	PerTaskMaxCents       int `json:"perTaskMaxCents"`
	DailyCapCents         int `json:"dailyCapCents"`
	WeeklyCapCents        int `json:"weeklyCapCents"`
	AlertThresholdPercent int `json:"alertThresholdPercent"`
	PauseThresholdPercent int `json:"pauseThresholdPercent"`
}

// BudgetState is the single process-wide budget record.
type BudgetState struct {
	Config          BudgetConfig `json:"config"`
	DailyUsedCents  int          `json:"dailyUsedCents"`
	WeeklyUsedCents int          `json:"weeklyUsedCents"`
	Paused          bool         `json:"paused"`
	LastUpdated     time.Time    `json:"lastUpdated"`
}

// DefaultBudgetConfig seeds a fresh store when no config file overrides it.
var DefaultBudgetConfig = BudgetConfig{
	PerTaskMaxCents:       500,
	DailyCapCents:         10000,
	WeeklyCapCents:        50000,
	AlertThresholdPercent: 80,
	PauseThresholdPercent: 100,
}

// Store is the operation set every backend implements. All operations take
// a context because the durable backend performs disk I/O; the in-memory
// backend ignores the context and never blocks on I/O itself.
//
// A nil return with a nil error signals "absent entry" for get-style calls;
// absence is normal and is never reported as an error.
type Store interface {
	SetTask(ctx context.Context, t *task.Task) error
	GetTask(ctx context.Context, id string) (*task.Task, error)
	DeleteTask(ctx context.Context, id string) error
	ListTasks(ctx context.Context, f TaskFilter) ([]*task.Task, error)

	SetResult(ctx context.Context, r *task.Result) error
	GetResult(ctx context.Context, taskID string) (*task.Result, error)
	ListResults(ctx context.Context) ([]*task.Result, error)

	SetAgent(ctx context.Context, a *task.Agent) error
	GetAgent(ctx context.Context, id string) (*task.Agent, error)
	DeleteAgent(ctx context.Context, id string) error
	ListAgents(ctx context.Context) ([]*task.Agent, error)
	CountActiveAgents(ctx context.Context) (int, error)

	GetBudget(ctx context.Context) (*BudgetState, error)
	SetBudget(ctx context.Context, b *BudgetState) error
	IncrementSpend(ctx context.Context, costCents int) (*BudgetState, error)
	ResetDaily(ctx context.Context) error
	ResetWeekly(ctx context.Context) error

	AddDependency(ctx context.Context, taskID, dependsOnID string) error
	RemoveDependency(ctx context.Context, taskID, dependsOnID string) error
	DirectDependencies(ctx context.Context, taskID string) ([]string, error)
	DirectDependents(ctx context.Context, taskID string) ([]string, error)
	DependencyChain(ctx context.Context, taskID string) ([]string, error)
	AllDependenciesCompleted(ctx context.Context, taskID string) (bool, error)

	Ping(ctx context.Context) error
	Close() error
}
