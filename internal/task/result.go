package task

// ResultStatus is the outcome classification of a completed task.
type ResultStatus string

const (
	ResultSuccess ResultStatus = "success"
	ResultPartial ResultStatus = "partial"
	ResultFailed  ResultStatus = "failed"
)

// FileAction enumerates the kind of change a worker made to a file.
type FileAction string

const (
	ActionAdd    FileAction = "add"
	ActionModify FileAction = "modify"
	ActionDelete FileAction = "delete"
)

// FileChange is one entry in a result's outputs list.
type FileChange struct {
	Path   string     `json:"path"`
	Action FileAction `json:"action"`
}

// TestRecord summarizes a test-type task's verification output.
type TestRecord struct {
	Passed int `json:"passed"`
	Failed int `json:"failed"`
}

// ReviewRecord summarizes a review-type task's verification output.
type ReviewRecord struct {
	Approved bool     `json:"approved"`
	Comments []string `json:"comments,omitempty"`
}

// Result is the single outcome record for a task, keyed by task ID.
type Result struct {
	TaskID       string         `json:"taskId"`
	AgentID      string         `json:"agentId"`
	Status       ResultStatus   `json:"status"`
	Outputs      []FileChange   `json:"outputs,omitempty"`
	Summary      string         `json:"summary,omitempty"`
	Test         *TestRecord    `json:"test,omitempty"`
	Review       *ReviewRecord  `json:"review,omitempty"`
	TokenUsage   TokenCounters  `json:"tokenUsage"`
	DurationMs   int64          `json:"durationMs"`
	CostCents    int            `json:"costCents"`
	BaseCommit   string         `json:"baseCommit,omitempty"`
	ResultCommit string         `json:"resultCommit,omitempty"`
	Conflicts    []string       `json:"conflicts,omitempty"`
	Error        string         `json:"error,omitempty"`
}

// Succeeded reports whether the result counts as a success for scoring
// purposes (only `success` counts as x=1; partial and failed
// both count as x=0 in the EWMA update).
func (r *Result) Succeeded() bool {
	return r.Status == ResultSuccess
}
