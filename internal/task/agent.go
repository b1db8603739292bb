package task

import "time"

// AgentStatus is the lifecycle state of a worker agent.
type AgentStatus string

const (
	AgentIdle         AgentStatus = "idle"
	AgentInitializing AgentStatus = "initializing"
	AgentRunning      AgentStatus = "running"
	AgentCompleted    AgentStatus = "completed"
	AgentFailed       AgentStatus = "failed"
	AgentTerminated   AgentStatus = "terminated"
)

// Terminal reports whether the agent has reached a state from which it will
// not resume work; file locks it holds must be released at this point.
func (s AgentStatus) Terminal() bool {
	switch s {
	case AgentCompleted, AgentFailed, AgentTerminated:
		return true
	}
	return false
}

// TokenCounters tracks running token usage for an in-flight or completed agent.
type TokenCounters struct {
	Input  int `json:"input"`
	Output int `json:"output"`
	Cached int `json:"cached"`
}

// Agent is a worker process executing exactly one task at a time.
type Agent struct {
	ID          string        `json:"id"`
	Status      AgentStatus   `json:"status"`
	TaskID      string        `json:"taskId,omitempty"`
	StartedAt   time.Time     `json:"startedAt"`
	CompletedAt time.Time     `json:"completedAt,omitempty"`
	LastSeen    time.Time     `json:"lastSeen"`
	Branch      string        `json:"branch,omitempty"`
	Tokens      TokenCounters `json:"tokens"`
	CostCents   int           `json:"costCents"`
}

// Stale reports whether a running agent has gone silent for longer than
// ttl — no poll-source heartbeat has refreshed LastSeen in that window.
func (a *Agent) Stale(ttl time.Duration, now time.Time) bool {
	if a.Status != AgentRunning {
		return false
	}
	if a.LastSeen.IsZero() {
		return now.Sub(a.StartedAt) > ttl
	}
	return now.Sub(a.LastSeen) > ttl
}

// DeriveAgentID returns an agent id following the
// "*-agent-<first-8-of-task-id>" convention. Callers must not
// parse the result for meaning beyond logging/debugging.
func DeriveAgentID(providerPrefix, taskID string) string {
	prefix := taskID
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return providerPrefix + "-agent-" + prefix
}
