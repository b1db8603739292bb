// Package insight turns completed task results into a read-only
// performance report: per-agent pass rate, timing and cost, a sizing
// correlation between task duration and outcome, detected patterns, and a
// short list of recommendations. It never mutates store state.
package insight

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/antigravity-dev/swarmcore/internal/errkind"
	"github.com/antigravity-dev/swarmcore/internal/store"
	"github.com/antigravity-dev/swarmcore/internal/task"
)

// AgentStat aggregates one agent provider's completed-task performance.
type AgentStat struct {
	AgentID        string  `json:"agentId"`
	Tasks          int     `json:"tasks"`
	Passed         int     `json:"passed"`
	Failed         int     `json:"failed"`
	PassRate       float64 `json:"passRate"`
	AvgDurationSec float64 `json:"avgDurationSec"`
	AvgCostCents   float64 `json:"avgCostCents"`
}

// SizingBand buckets results by duration to see whether longer tasks fail
// more often than short ones.
type SizingBand struct {
	Label    string  `json:"label"`
	Tasks    int     `json:"tasks"`
	PassRate float64 `json:"passRate"`
}

// Pattern is a recurring issue the report surfaces for operator attention.
type Pattern struct {
	Description string `json:"description"`
	Frequency   int    `json:"frequency"`
	Severity    string `json:"severity"` // low, medium, high
}

// Report is the full read-only snapshot produced by Generate.
type Report struct {
	GeneratedAt     time.Time    `json:"generatedAt"`
	TotalTasks      int          `json:"totalTasks"`
	AgentStats      []AgentStat  `json:"agentStats"`
	Sizing          []SizingBand `json:"sizing"`
	Patterns        []Pattern    `json:"patterns"`
	Recommendations []string     `json:"recommendations"`
}

// sizingBounds defines the duration bands in milliseconds: short is under
// two minutes, medium under ten, long anything past that.
var sizingBounds = []struct {
	label string
	maxMs int64
}{
	{"short (<2m)", 2 * 60 * 1000},
	{"medium (2-10m)", 10 * 60 * 1000},
	{"long (>10m)", -1}, // no upper bound
}

// Generate reads every stored result and produces a fresh Report. All
// models and agents start equal; the report only reflects what was
// actually observed.
func Generate(ctx context.Context, s store.Store) (*Report, error) {
	results, err := s.ListResults(ctx)
	if err != nil {
		return nil, errkind.Wrap(errkind.KindFatal, "list results for insight report", err)
	}

	report := &Report{GeneratedAt: time.Now().UTC(), TotalTasks: len(results)}
	report.AgentStats = agentStats(results)
	report.Sizing = sizingAnalysis(results)
	report.Patterns = detectPatterns(results)
	report.Recommendations = recommend(report)
	return report, nil
}

func agentStats(results []*task.Result) []AgentStat {
	type accum struct {
		tasks, passed, failed int
		durationSum           int64
		costSum               int
	}
	byAgent := make(map[string]*accum)
	for _, r := range results {
		a, ok := byAgent[providerOf(r.AgentID)]
		if !ok {
			a = &accum{}
			byAgent[providerOf(r.AgentID)] = a
		}
		a.tasks++
		if r.Succeeded() {
			a.passed++
		} else {
			a.failed++
		}
		a.durationSum += r.DurationMs
		a.costSum += r.CostCents
	}

	out := make([]AgentStat, 0, len(byAgent))
	for agentID, a := range byAgent {
		stat := AgentStat{AgentID: agentID, Tasks: a.tasks, Passed: a.passed, Failed: a.failed}
		if a.tasks > 0 {
			stat.PassRate = float64(a.passed) / float64(a.tasks)
			stat.AvgDurationSec = float64(a.durationSum) / float64(a.tasks) / 1000
			stat.AvgCostCents = float64(a.costSum) / float64(a.tasks)
		}
		out = append(out, stat)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tasks > out[j].Tasks })
	return out
}

// providerOf extracts the leading provider token from an agent ID minted
// by task.DeriveAgentID ("<provider>-agent-<taskid8>"); falls back to the
// full ID when the convention isn't followed.
func providerOf(agentID string) string {
	if i := strings.Index(agentID, "-agent-"); i > 0 {
		return agentID[:i]
	}
	if agentID == "" {
		return "unknown"
	}
	return agentID
}

func sizingAnalysis(results []*task.Result) []SizingBand {
	bands := make([]SizingBand, len(sizingBounds))
	passed := make([]int, len(sizingBounds))
	for i, b := range sizingBounds {
		bands[i].Label = b.label
	}

	for _, r := range results {
		idx := len(sizingBounds) - 1
		for i, b := range sizingBounds {
			if b.maxMs > 0 && r.DurationMs < b.maxMs {
				idx = i
				break
			}
		}
		bands[idx].Tasks++
		if r.Succeeded() {
			passed[idx]++
		}
	}
	for i := range bands {
		if bands[i].Tasks > 0 {
			bands[i].PassRate = float64(passed[i]) / float64(bands[i].Tasks)
		}
	}
	return bands
}

// detectPatterns flags agents with two or more failures, since a single
// failure is noise but a repeat is a signal worth surfacing.
func detectPatterns(results []*task.Result) []Pattern {
	failuresByAgent := make(map[string]int)
	for _, r := range results {
		if !r.Succeeded() {
			failuresByAgent[providerOf(r.AgentID)]++
		}
	}

	var patterns []Pattern
	for agentID, count := range failuresByAgent {
		if count < 2 {
			continue
		}
		severity := "low"
		switch {
		case count >= 5:
			severity = "high"
		case count >= 3:
			severity = "medium"
		}
		patterns = append(patterns, Pattern{
			Description: fmt.Sprintf("agent %s has failed %d times", agentID, count),
			Frequency:   count,
			Severity:    severity,
		})
	}
	sort.Slice(patterns, func(i, j int) bool { return patterns[i].Frequency > patterns[j].Frequency })
	return patterns
}

func recommend(r *Report) []string {
	if r.TotalTasks < 5 {
		return []string{"insufficient data (fewer than 5 completed tasks); agents are treated as equal until more history accumulates"}
	}

	var recs []string
	var best, worst *AgentStat
	for i := range r.AgentStats {
		a := &r.AgentStats[i]
		if a.Tasks < 2 {
			continue
		}
		if best == nil || a.PassRate > best.PassRate {
			best = a
		}
		if worst == nil || a.PassRate < worst.PassRate {
			worst = a
		}
	}
	if best != nil && worst != nil && best.AgentID != worst.AgentID && best.PassRate-worst.PassRate > 0.2 {
		recs = append(recs, fmt.Sprintf("%s passes %.0f%% vs %s's %.0f%%; consider routing more work to %s",
			best.AgentID, best.PassRate*100, worst.AgentID, worst.PassRate*100, best.AgentID))
	}

	for _, band := range r.Sizing {
		if band.Tasks >= 3 && band.PassRate < 0.5 {
			recs = append(recs, fmt.Sprintf("%s tasks pass only %.0f%% of the time; consider splitting these into smaller units", band.Label, band.PassRate*100))
		}
	}

	for _, p := range r.Patterns {
		if p.Severity == "high" {
			recs = append(recs, fmt.Sprintf("investigate repeated failures: %s", p.Description))
		}
	}

	if len(recs) == 0 {
		recs = append(recs, "no strong signal yet; keep collecting results")
	}
	return recs
}
