package executor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/antigravity-dev/swarmcore/internal/task"
)

func newTestTask(typ task.Type, model task.Model, files []string) *task.Task {
	t := task.New(typ, "implement the thing", task.Context{Branch: "main", Files: files})
	t.Model = model
	return t
}

func TestResourceTierSecurityIsAlwaysHeavy(t *testing.T) {
	tk := newTestTask(task.TypeSecurity, task.ModelSonnet, nil)
	if got := ResourceTier(tk); got != TierHeavy {
		t.Fatalf("security task tier = %s, want heavy", got)
	}
}

func TestResourceTierOpusCodeIsHeavy(t *testing.T) {
	tk := newTestTask(task.TypeCode, task.ModelOpus, nil)
	if got := ResourceTier(tk); got != TierHeavy {
		t.Fatalf("opus code task tier = %s, want heavy", got)
	}
}

func TestResourceTierDocIsLight(t *testing.T) {
	tk := newTestTask(task.TypeDoc, task.ModelSonnet, nil)
	if got := ResourceTier(tk); got != TierLight {
		t.Fatalf("doc task tier = %s, want light", got)
	}
}

func TestResourceTierSmallReviewIsLight(t *testing.T) {
	tk := newTestTask(task.TypeReview, task.ModelSonnet, []string{"a.go", "b.go"})
	if got := ResourceTier(tk); got != TierLight {
		t.Fatalf("small review tier = %s, want light", got)
	}
}

func TestResourceTierLargeReviewIsStandard(t *testing.T) {
	tk := newTestTask(task.TypeReview, task.ModelSonnet, []string{"a.go", "b.go", "c.go", "d.go"})
	if got := ResourceTier(tk); got != TierStandard {
		t.Fatalf("large review tier = %s, want standard", got)
	}
}

func TestResourceTierPlainCodeIsStandard(t *testing.T) {
	tk := newTestTask(task.TypeCode, task.ModelSonnet, nil)
	if got := ResourceTier(tk); got != TierStandard {
		t.Fatalf("plain code tier = %s, want standard", got)
	}
}

func TestBuildEnvInjectsRequiredVars(t *testing.T) {
	tk := newTestTask(task.TypeCode, task.ModelSonnet, nil)
	env, err := BuildEnv(tk, "agent-1", "llm-key", "scm-token", []string{"QUEUE_URL", "QUEUE_NAME"})
	if err != nil {
		t.Fatalf("BuildEnv: %v", err)
	}
	if env["TASK_ID"] != tk.ID {
		t.Fatalf("TASK_ID = %q, want %q", env["TASK_ID"], tk.ID)
	}
	if env["AGENT_ID"] != "agent-1" {
		t.Fatalf("AGENT_ID = %q, want agent-1", env["AGENT_ID"])
	}
	if env["MODEL"] != "sonnet" {
		t.Fatalf("MODEL = %q, want sonnet", env["MODEL"])
	}
	if env["LLM_API_KEY"] != "llm-key" {
		t.Fatalf("LLM_API_KEY = %q, want llm-key", env["LLM_API_KEY"])
	}
	if env["SCM_TOKEN"] != "scm-token" {
		t.Fatalf("SCM_TOKEN = %q, want scm-token", env["SCM_TOKEN"])
	}
	for _, v := range []string{"QUEUE_URL", "QUEUE_NAME"} {
		if got, ok := env[v]; !ok || got != "" {
			t.Fatalf("%s = %q, want empty string present", v, got)
		}
	}
	var roundTrip task.Task
	if err := json.Unmarshal([]byte(env["TASK_JSON"]), &roundTrip); err != nil {
		t.Fatalf("TASK_JSON did not round-trip: %v", err)
	}
	if roundTrip.ID != tk.ID {
		t.Fatalf("TASK_JSON.ID = %q, want %q", roundTrip.ID, tk.ID)
	}
}

func TestBuildEnvOmitsEmptySCMToken(t *testing.T) {
	tk := newTestTask(task.TypeCode, task.ModelSonnet, nil)
	env, err := BuildEnv(tk, "agent-1", "llm-key", "", nil)
	if err != nil {
		t.Fatalf("BuildEnv: %v", err)
	}
	if _, ok := env["SCM_TOKEN"]; ok {
		t.Fatal("SCM_TOKEN should be absent when no token is supplied")
	}
}

func TestMockProviderCompletesDocTaskWithinExpectedWindow(t *testing.T) {
	p := NewMockProvider()
	tk := newTestTask(task.TypeDoc, task.ModelSonnet, nil)

	ctx := context.Background()
	handle, err := p.ExecuteTask(ctx, tk)
	if err != nil {
		t.Fatalf("ExecuteTask: %v", err)
	}

	if count, err := p.GetActiveJobCount(ctx); err != nil || count != 1 {
		t.Fatalf("active job count = %d, err %v; want 1, nil", count, err)
	}

	start := time.Now()
	result, err := p.WaitForCompletion(ctx, handle.ExecutionID, 5*time.Second)
	if err != nil {
		t.Fatalf("WaitForCompletion: %v", err)
	}
	elapsed := time.Since(start)

	if result.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", result.Status)
	}
	if elapsed < 1800*time.Millisecond || elapsed > 2300*time.Millisecond {
		t.Fatalf("doc task took %s, want ~2s", elapsed)
	}

	if count, err := p.GetActiveJobCount(ctx); err != nil || count != 0 {
		t.Fatalf("active job count after completion = %d, err %v; want 0, nil", count, err)
	}
}

func TestMockProviderCancelExecutionIsIdempotent(t *testing.T) {
	p := NewMockProvider()
	tk := newTestTask(task.TypeCode, task.ModelSonnet, nil)
	ctx := context.Background()
	handle, err := p.ExecuteTask(ctx, tk)
	if err != nil {
		t.Fatalf("ExecuteTask: %v", err)
	}
	if err := p.CancelExecution(ctx, handle.ExecutionID); err != nil {
		t.Fatalf("first cancel: %v", err)
	}
	if err := p.CancelExecution(ctx, handle.ExecutionID); err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	status, err := p.GetExecutionStatus(ctx, handle.ExecutionID)
	if err != nil {
		t.Fatalf("GetExecutionStatus: %v", err)
	}
	if status != StatusCompleted {
		t.Fatalf("status after cancel = %s, want completed (absent handle treated as done)", status)
	}
}

func TestMockProviderUnknownExecutionIsCompleted(t *testing.T) {
	p := NewMockProvider()
	status, err := p.GetExecutionStatus(context.Background(), "does-not-exist")
	if err != nil {
		t.Fatalf("GetExecutionStatus: %v", err)
	}
	if status != StatusCompleted {
		t.Fatalf("status = %s, want completed", status)
	}
}
