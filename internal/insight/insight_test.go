package insight

import (
	"context"
	"testing"

	"github.com/antigravity-dev/swarmcore/internal/store"
	"github.com/antigravity-dev/swarmcore/internal/task"
)

func seedResult(t *testing.T, ctx context.Context, s store.Store, agentID string, succeeded bool, durationMs int64, costCents int) {
	t.Helper()
	status := task.ResultSuccess
	if !succeeded {
		status = task.ResultFailed
	}
	r := &task.Result{
		TaskID:     task.NewID(),
		AgentID:    agentID,
		Status:     status,
		DurationMs: durationMs,
		CostCents:  costCents,
	}
	if err := s.SetResult(ctx, r); err != nil {
		t.Fatalf("SetResult: %v", err)
	}
}

func TestGenerateWithFewerThanFiveTasksRecommendsWaiting(t *testing.T) {
	s := store.NewMemStore()
	ctx := context.Background()
	seedResult(t, ctx, s, "docker-agent-aaaaaaaa", true, 1000, 10)

	report, err := Generate(ctx, s)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(report.Recommendations) != 1 || report.Recommendations[0] == "" {
		t.Fatalf("recommendations = %v, want a single insufficient-data notice", report.Recommendations)
	}
}

func TestGenerateAggregatesPerProvider(t *testing.T) {
	s := store.NewMemStore()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		seedResult(t, ctx, s, "docker-agent-aaaaaaaa", true, 1000, 10)
	}
	for i := 0; i < 3; i++ {
		seedResult(t, ctx, s, "cloud-agent-bbbbbbbb", false, 2000, 20)
	}

	report, err := Generate(ctx, s)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if report.TotalTasks != 6 {
		t.Fatalf("total tasks = %d, want 6", report.TotalTasks)
	}

	var docker, cloud *AgentStat
	for i := range report.AgentStats {
		switch report.AgentStats[i].AgentID {
		case "docker":
			docker = &report.AgentStats[i]
		case "cloud":
			cloud = &report.AgentStats[i]
		}
	}
	if docker == nil || docker.PassRate != 1.0 {
		t.Fatalf("docker stat = %+v, want pass rate 1.0", docker)
	}
	if cloud == nil || cloud.PassRate != 0.0 {
		t.Fatalf("cloud stat = %+v, want pass rate 0.0", cloud)
	}
}

func TestGenerateDetectsRepeatedFailurePattern(t *testing.T) {
	s := store.NewMemStore()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		seedResult(t, ctx, s, "cloud-agent-bbbbbbbb", false, 500, 5)
	}

	report, err := Generate(ctx, s)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(report.Patterns) != 1 || report.Patterns[0].Severity != "high" {
		t.Fatalf("patterns = %+v, want one high-severity pattern", report.Patterns)
	}
}

func TestGenerateBucketsSizingByDuration(t *testing.T) {
	s := store.NewMemStore()
	ctx := context.Background()
	seedResult(t, ctx, s, "a1", true, 30*1000, 10)          // short
	seedResult(t, ctx, s, "a1", true, 5*60*1000, 10)        // medium
	seedResult(t, ctx, s, "a1", false, 20*60*1000, 10)      // long
	seedResult(t, ctx, s, "a1", true, 15*1000, 10)          // short
	seedResult(t, ctx, s, "a1", true, 6*60*1000, 10)        // medium

	report, err := Generate(ctx, s)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	var shortBand SizingBand
	for _, b := range report.Sizing {
		if b.Label == "short (<2m)" {
			shortBand = b
		}
	}
	if shortBand.Tasks != 2 {
		t.Fatalf("short band tasks = %d, want 2", shortBand.Tasks)
	}
}
