package scoring

import (
	"math"
	"testing"
	"time"

	"github.com/antigravity-dev/swarmcore/internal/task"
)

func TestGetReturnsDocumentedDefaults(t *testing.T) {
	tr := NewTracker()
	r := tr.Get("agent-1", task.TypeCode)
	if r.SuccessRate != 0.5 || r.AvgDurationMs != 300000 || r.AvgCostCents != 100 || r.CompletedCount != 0 {
		t.Fatalf("unexpected defaults: %+v", r)
	}
}

func TestUpdateAppliesEWMAWithinTolerance(t *testing.T) {
	tr := NewTracker()
	before := tr.Get("agent-1", task.TypeCode)

	result := &task.Result{Status: task.ResultSuccess, DurationMs: 5000, CostCents: 20}
	after := tr.Update("agent-1", task.TypeCode, result)

	want := Alpha*1 + (1-Alpha)*before.SuccessRate
	if math.Abs(after.SuccessRate-want) > 1e-9 {
		t.Fatalf("successRate drifted outside tolerance: got %v want %v", after.SuccessRate, want)
	}
	if after.CompletedCount != 1 {
		t.Fatalf("expected completedCount=1, got %d", after.CompletedCount)
	}
}

func TestUpdateTreatsPartialAndFailedAsZero(t *testing.T) {
	tr := NewTracker()
	for _, status := range []task.ResultStatus{task.ResultPartial, task.ResultFailed} {
		tr := NewTracker()
		result := &task.Result{Status: status, DurationMs: 1000, CostCents: 10}
		after := tr.Update("agent-1", task.TypeCode, result)
		want := (1 - Alpha) * 0.5
		if math.Abs(after.SuccessRate-want) > 1e-9 {
			t.Fatalf("status %s: got %v want %v", status, after.SuccessRate, want)
		}
	}
	_ = tr
}

func TestDecayStaleDriftsTowardNeutral(t *testing.T) {
	tr := NewTracker()
	result := &task.Result{Status: task.ResultSuccess, DurationMs: 1000, CostCents: 10}
	tr.Update("agent-1", task.TypeCode, result)

	old := tr.Get("agent-1", task.TypeCode)
	future := time.Now().UTC().Add(25 * time.Hour)
	tr.DecayStale(future)

	after := tr.Get("agent-1", task.TypeCode)
	if after.SuccessRate == old.SuccessRate {
		t.Fatalf("expected decay to move success rate, got unchanged %v", after.SuccessRate)
	}
	wantDelta := DecayDrift * (neutralSuccessRate - old.SuccessRate)
	gotDelta := after.SuccessRate - old.SuccessRate
	if math.Abs(gotDelta-wantDelta) > 1e-9 {
		t.Fatalf("unexpected decay magnitude: got %v want %v", gotDelta, wantDelta)
	}
}

func TestCompositeScoreRewardsExperiencedHighPerformer(t *testing.T) {
	experienced := Record{SuccessRate: 0.9, AvgDurationMs: 60000, AvgCostCents: 50, CompletedCount: 30}
	fresh := Record{SuccessRate: 0.5, AvgDurationMs: 300000, AvgCostCents: 100, CompletedCount: 0}

	if CompositeScore(experienced) <= CompositeScore(fresh) {
		t.Fatalf("expected experienced high performer to outscore a fresh default record")
	}
}
