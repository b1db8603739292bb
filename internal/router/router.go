// Package router chooses which idle agent (if any) should take a task and
// which model tier to run it with, consulting the scoring subsystem for
// historical performance.
package router

import (
	"math"

	"github.com/antigravity-dev/swarmcore/internal/scoring"
	"github.com/antigravity-dev/swarmcore/internal/task"
)

// Decision is the router's output for a single task.
type Decision struct {
	AgentID    string // empty means "spawn new"
	Model      task.Model
	Confidence float64
	Reason     string
}

const (
	opusBudgetThresholdCents = 500
	lowSuccessRateThreshold  = 0.6
	lowSuccessRateMinCount   = 5

	indecisiveBandLow  = 0.3
	indecisiveBandHigh = 0.7

	lowCountMultiplier  = 0.6
	midCountMultiplier  = 0.8
	midCountMax         = 20
	indecisiveMultiplier = 0.8
)

// Route implements the routing decision procedure: score every idle
// agent for the task's type, pick the best, pick a model, and derive a
// confidence figure.
func Route(t *task.Task, idleAgents []string, tracker *scoring.Tracker) Decision {
	if len(idleAgents) == 0 {
		return Decision{
			Model:      selectModel(t, nil),
			Confidence: 0.5,
			Reason:     "no idle agents available, spawn new",
		}
	}

	best, bestRecord, reason := pickBest(t, idleAgents, tracker)
	model := selectModel(t, &bestRecord)
	confidence := deriveConfidence(scoring.CompositeScore(bestRecord), bestRecord)

	return Decision{
		AgentID:    best,
		Model:      model,
		Confidence: confidence,
		Reason:     reason,
	}
}

func pickBest(t *task.Task, idleAgents []string, tracker *scoring.Tracker) (string, scoring.Record, string) {
	var bestID string
	var bestRecord scoring.Record
	var bestScore float64
	first := true

	for _, agentID := range idleAgents {
		rec := tracker.Get(agentID, t.Type)
		score := scoring.CompositeScore(rec)

		if first || better(score, rec, bestScore, bestRecord) {
			bestID, bestRecord, bestScore = agentID, rec, score
			first = false
		}
	}

	return bestID, bestRecord, reasonFor(bestRecord)
}

// better reports whether candidate (score, rec) should replace the current
// best, applying the tie-break rules: higher completion count
// wins a score tie, then earliest last-updated.
func better(score float64, rec scoring.Record, bestScore float64, best scoring.Record) bool {
	if score != bestScore {
		return score > bestScore
	}
	if rec.CompletedCount != best.CompletedCount {
		return rec.CompletedCount > best.CompletedCount
	}
	return rec.LastUpdated.Before(best.LastUpdated)
}

func reasonFor(rec scoring.Record) string {
	switch {
	case rec.SuccessRate >= 0.8 && rec.CompletedCount >= 20:
		return "high success rate and experienced"
	case rec.SuccessRate >= 0.8:
		return "high success rate"
	case rec.CompletedCount >= 20:
		return "experienced"
	default:
		return "best available composite score"
	}
}

// selectModel honours the task's explicit preference, then the
// fallback rules. bestRecord is nil when no agent was considered (no idle
// agents).
func selectModel(t *task.Task, bestRecord *scoring.Record) task.Model {
	if t.Model == task.ModelOpus || t.Model == task.ModelSonnet {
		return t.Model
	}
	if t.Type == task.TypeSecurity || t.Type == task.TypeReview {
		return task.ModelOpus
	}
	if t.BudgetCents >= opusBudgetThresholdCents {
		return task.ModelOpus
	}
	if bestRecord != nil && bestRecord.SuccessRate < lowSuccessRateThreshold && bestRecord.CompletedCount >= lowSuccessRateMinCount {
		return task.ModelOpus
	}
	return task.ModelSonnet
}

func deriveConfidence(score float64, rec scoring.Record) float64 {
	confidence := math.Min(1, score)

	switch {
	case rec.CompletedCount < 5:
		confidence *= lowCountMultiplier
	case rec.CompletedCount < midCountMax:
		confidence *= midCountMultiplier
	}

	if rec.SuccessRate > indecisiveBandLow && rec.SuccessRate < indecisiveBandHigh {
		confidence *= indecisiveMultiplier
	}

	return math.Round(confidence*100) / 100
}
