// Package task defines the core data model shared by every orchestrator
// component: the task submitted by a caller, the agent that executes it,
// and the result it produces.
package task

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type enumerates the kinds of coding work a task represents.
type Type string

const (
	TypeCode     Type = "code"
	TypeTest     Type = "test"
	TypeReview   Type = "review"
	TypeDoc      Type = "doc"
	TypeSecurity Type = "security"
)

func (t Type) Valid() bool {
	switch t {
	case TypeCode, TypeTest, TypeReview, TypeDoc, TypeSecurity:
		return true
	}
	return false
}

// Priority is a coarse scheduling priority.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// Rank returns a sort key where lower sorts first (higher priority).
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

// Model is the preferred or selected LLM tier for a task.
type Model string

const (
	ModelOpus   Model = "opus"
	ModelSonnet Model = "sonnet"
)

func (m Model) Valid() bool {
	switch m {
	case ModelOpus, ModelSonnet, "":
		return true
	}
	return false
}

// Status is the lifecycle state of a task. Transitions are monotonic
// except assigned->pending, which is allowed during rebalancing.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAssigned  Status = "assigned"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// rank orders statuses for the monotonicity check; assigned->pending is a
// special-cased exception enforced by the caller, not by rank comparison.
var statusRank = map[Status]int{
	StatusPending:   0,
	StatusAssigned:  1,
	StatusRunning:   2,
	StatusCompleted: 3,
	StatusFailed:    3,
	StatusCancelled: 3,
}

// CanTransition reports whether moving from `from` to `to` is a legal
// lifecycle transition under the status monotonicity invariant.
func CanTransition(from, to Status) bool {
	if from == StatusAssigned && to == StatusPending {
		return true // rebalancing exception
	}
	fr, ok1 := statusRank[from]
	tr, ok2 := statusRank[to]
	if !ok1 || !ok2 {
		return false
	}
	return tr >= fr
}

// Context carries the git and dependency context a task executes within.
type Context struct {
	Branch         string   `json:"branch"`
	Files          []string `json:"files"`
	Dependencies   []string `json:"dependencies"`
	RepositoryURL  string   `json:"repositoryUrl,omitempty"`
	BaseCommit     string   `json:"baseCommit,omitempty"`
}

// Task is a single unit of coding work described by a prompt plus typed
// context.
type Task struct {
	ID              string    `json:"id"`
	Type            Type      `json:"type"`
	Priority        Priority  `json:"priority"`
	Model           Model     `json:"model"`
	Prompt          string    `json:"prompt"`
	Context         Context   `json:"context"`
	MaxTokens       int       `json:"maxTokens,omitempty"`
	TimeoutMinutes  int       `json:"timeoutMinutes"`
	BudgetCents     int       `json:"budgetCents"`
	CreatedAt       time.Time `json:"createdAt"`
	ParentTaskID    string    `json:"parentTaskId,omitempty"`
	AssignedAgent   string    `json:"assignedAgent,omitempty"`
	Status          Status    `json:"status"`
}

// NewID returns a fresh lowercase, hyphenated UUID suitable for a task,
// result, or agent identifier.
func NewID() string {
	return uuid.NewString()
}

// New constructs a pending Task with a generated ID and creation timestamp,
// applying the documented defaults for optional submission fields.
func New(typ Type, prompt string, ctx Context) *Task {
	return &Task{
		ID:             NewID(),
		Type:           typ,
		Priority:       PriorityNormal,
		Prompt:         prompt,
		Context:        ctx,
		TimeoutMinutes: 30,
		BudgetCents:    100,
		CreatedAt:      time.Now().UTC(),
		Status:         StatusPending,
	}
}

// FieldError is one {field, message} validation failure.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Validate checks a submitted task against the submission constraints,
// rejecting a dependency on the task's own ID, and fills the defaults for
// unset optional fields (priority normal, timeoutMinutes 30, budgetCents
// 100). Returns a list of failures; empty if the task is valid.
func (t *Task) Validate() []FieldError {
	var errs []FieldError
	add := func(field, msg string, args ...any) {
		errs = append(errs, FieldError{Field: field, Message: fmt.Sprintf(msg, args...)})
	}

	if !t.Type.Valid() {
		add("type", "must be one of code, test, review, doc, security")
	}
	if t.Priority == "" {
		t.Priority = PriorityNormal
	} else if !t.Priority.Valid() {
		add("priority", "must be one of high, normal, low")
	}
	if t.Model != "" && !t.Model.Valid() {
		add("model", "must be one of opus, sonnet")
	}
	if l := len(t.Prompt); l < 1 || l > 50000 {
		add("prompt", "length must be between 1 and 50000 characters")
	}
	if l := len(t.Context.Branch); l < 1 || l > 255 {
		add("context.branch", "length must be between 1 and 255 characters")
	} else if !branchPattern.MatchString(t.Context.Branch) {
		add("context.branch", "must match [A-Za-z0-9._-/]+")
	}
	if len(t.Context.Files) > 100 {
		add("context.files", "must contain at most 100 entries")
	}
	for _, f := range t.Context.Files {
		if len(f) > 500 {
			add("context.files", "each path must be at most 500 characters")
			break
		}
	}
	if len(t.Context.Dependencies) > 50 {
		add("context.dependencies", "must contain at most 50 entries")
	}
	for _, d := range t.Context.Dependencies {
		if _, err := uuid.Parse(d); err != nil {
			add("context.dependencies", "entries must be valid task IDs")
			break
		}
		if d == t.ID {
			add("context.dependencies", "a task may not depend on itself")
			break
		}
	}
	if t.Context.BaseCommit != "" && !hexCommitPattern.MatchString(t.Context.BaseCommit) {
		add("context.baseCommit", "must be a 40-character hex commit hash")
	}
	if t.MaxTokens != 0 && (t.MaxTokens < 1 || t.MaxTokens > 200000) {
		add("maxTokens", "must be between 1 and 200000")
	}
	if t.TimeoutMinutes == 0 {
		t.TimeoutMinutes = 30
	} else if t.TimeoutMinutes < 1 || t.TimeoutMinutes > 120 {
		add("timeoutMinutes", "must be between 1 and 120")
	}
	if t.BudgetCents == 0 {
		t.BudgetCents = 100
	} else if t.BudgetCents < 1 || t.BudgetCents > 10000 {
		add("budgetCents", "must be between 1 and 10000")
	}

	return errs
}
