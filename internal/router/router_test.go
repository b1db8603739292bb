package router

import (
	"strings"
	"testing"
	"time"

	"github.com/antigravity-dev/swarmcore/internal/scoring"
	"github.com/antigravity-dev/swarmcore/internal/task"
)

func TestRouteWithZeroIdleAgentsAlwaysSpawnsAtHalfConfidence(t *testing.T) {
	tr := scoring.NewTracker()
	tk := task.New(task.TypeCode, "p", task.Context{Branch: "main"})

	d := Route(tk, nil, tr)
	if d.AgentID != "" || d.Confidence != 0.5 {
		t.Fatalf("expected spawn-new at confidence 0.5, got %+v", d)
	}
}

// TestRouterSelection checks composite scoring picks the higher-scoring
// idle agent over a lower-scoring one.
func TestRouterSelection(t *testing.T) {
	tr := scoring.NewTracker()
	result := &task.Result{Status: task.ResultSuccess, DurationMs: 60000, CostCents: 50}
	for i := 0; i < 30; i++ {
		tr.Update("a1", task.TypeCode, result)
	}
	// a2 keeps its lazily-created defaults (0.5, 300000, 100, 0) by never
	// being updated.

	tk := task.New(task.TypeCode, "p", task.Context{Branch: "main"})
	d := Route(tk, []string{"a1", "a2"}, tr)

	if d.AgentID != "a1" {
		t.Fatalf("expected a1 to win, got %q", d.AgentID)
	}
	if d.Confidence < 0.8 {
		t.Fatalf("expected confidence >= 0.8, got %v", d.Confidence)
	}
	if !strings.Contains(d.Reason, "high success rate") || !strings.Contains(d.Reason, "experienced") {
		t.Fatalf("expected reason to mention both phrases, got %q", d.Reason)
	}
}

func TestRouterAlwaysPicksOpusForSecurityRegardlessOfAgent(t *testing.T) {
	tr := scoring.NewTracker()
	tk := task.New(task.TypeSecurity, "p", task.Context{Branch: "main"})

	d := Route(tk, []string{"a1", "a2"}, tr)
	if d.Model != task.ModelOpus {
		t.Fatalf("expected opus for security task, got %v", d.Model)
	}
}

func TestSelectModelHonoursExplicitPreference(t *testing.T) {
	tk := task.New(task.TypeDoc, "p", task.Context{Branch: "main"})
	tk.Model = task.ModelOpus
	if got := selectModel(tk, nil); got != task.ModelOpus {
		t.Fatalf("expected explicit opus honoured, got %v", got)
	}
}

func TestSelectModelUsesOpusForHighBudget(t *testing.T) {
	tk := &task.Task{Type: task.TypeDoc, BudgetCents: 500}
	if got := selectModel(tk, nil); got != task.ModelOpus {
		t.Fatalf("expected opus for budget>=500, got %v", got)
	}
}

func TestSelectModelUsesOpusForStrugglingAgent(t *testing.T) {
	tk := &task.Task{Type: task.TypeDoc, BudgetCents: 100}
	rec := scoring.Record{SuccessRate: 0.4, CompletedCount: 10}
	if got := selectModel(tk, &rec); got != task.ModelOpus {
		t.Fatalf("expected opus for struggling experienced agent, got %v", got)
	}
}

func TestRoutePrefersAgentWithMoreCompletions(t *testing.T) {
	tr := scoring.NewTracker()
	now := time.Now().UTC()

	// Both agents record the same successful result, one once and one three
	// times. The extra updates raise high-count's smoothed success rate and
	// experience bonus, so it scores higher than low-count.
	result := &task.Result{Status: task.ResultSuccess, DurationMs: 60000, CostCents: 50}
	tr.Update("low-count", task.TypeCode, result)
	for i := 0; i < 3; i++ {
		tr.Update("high-count", task.TypeCode, result)
	}

	low := tr.Get("low-count", task.TypeCode)
	high := tr.Get("high-count", task.TypeCode)
	if low.CompletedCount >= high.CompletedCount {
		t.Skip("fixture did not produce distinct completion counts")
	}
	_ = now

	tk := task.New(task.TypeCode, "p", task.Context{Branch: "main"})
	d := Route(tk, []string{"low-count", "high-count"}, tr)
	if d.AgentID != "high-count" {
		t.Fatalf("expected agent with more completions to win, got %q", d.AgentID)
	}
}
