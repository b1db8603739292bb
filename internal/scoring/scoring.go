// Package scoring tracks per (agent, task-type) performance using
// exponentially-weighted moving averages and derives a composite
// suitability score the router uses to pick a worker.
package scoring

import (
	"sync"
	"time"

	"github.com/antigravity-dev/swarmcore/internal/task"
)

// Alpha is the EWMA smoothing factor applied to every update.
const Alpha = 0.3

// DecayThreshold is how stale a record must be before a decay tick pulls
// its success rate toward neutral.
const DecayThreshold = 24 * time.Hour

// DecayDrift is the fraction of the distance to 0.5 a decay tick closes.
const DecayDrift = 0.05

const (
	defaultSuccessRate  = 0.5
	defaultDurationMs   = 300000
	defaultCostCents    = 100
	neutralSuccessRate  = 0.5
)

// Key identifies a performance record.
type Key struct {
	AgentID string
	Type    task.Type
}

// Record is an exponentially-smoothed performance history for one
// (agent, task-type) pair.
type Record struct {
	Key             Key
	SuccessRate     float64
	AvgDurationMs   float64
	AvgCostCents    float64
	CompletedCount  int
	LastUpdated     time.Time
}

func defaultRecord(k Key) Record {
	return Record{
		Key:           k,
		SuccessRate:   defaultSuccessRate,
		AvgDurationMs: defaultDurationMs,
		AvgCostCents:  defaultCostCents,
	}
}

// Tracker holds every agent-performance record in process memory. It is
// the sole owner of its map; all access is serialised by mu.
type Tracker struct {
	mu      sync.RWMutex
	records map[Key]Record
}

// NewTracker returns an empty tracker. Records are created lazily on first
// Get/Update with the documented neutral-prior defaults.
func NewTracker() *Tracker {
	return &Tracker{records: make(map[Key]Record)}
}

// Get returns the record for (agentID, typ), creating the default record if
// none exists yet. The returned value is a copy.
func (tr *Tracker) Get(agentID string, typ task.Type) Record {
	k := Key{AgentID: agentID, Type: typ}
	tr.mu.RLock()
	r, ok := tr.records[k]
	tr.mu.RUnlock()
	if ok {
		return r
	}
	return defaultRecord(k)
}

// Update applies the EWMA to an agent's record for the result's task type,
// persisting it and returning the new value.
func (tr *Tracker) Update(agentID string, typ task.Type, result *task.Result) Record {
	k := Key{AgentID: agentID, Type: typ}
	tr.mu.Lock()
	defer tr.mu.Unlock()

	r, ok := tr.records[k]
	if !ok {
		r = defaultRecord(k)
	}

	x := 0.0
	if result.Succeeded() {
		x = 1.0
	}
	r.SuccessRate = Alpha*x + (1-Alpha)*r.SuccessRate
	r.AvgDurationMs = Alpha*float64(result.DurationMs) + (1-Alpha)*r.AvgDurationMs
	r.AvgCostCents = Alpha*float64(result.CostCents) + (1-Alpha)*r.AvgCostCents
	r.CompletedCount++
	r.LastUpdated = time.Now().UTC()

	tr.records[k] = r
	return r
}

// DecayStale walks every record and, for any whose last update is older
// than DecayThreshold, drifts its success rate DecayDrift of the way toward
// the neutral 0.5. Intended to be called on a periodic tick.
func (tr *Tracker) DecayStale(now time.Time) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	for k, r := range tr.records {
		if r.LastUpdated.IsZero() || now.Sub(r.LastUpdated) < DecayThreshold {
			continue
		}
		r.SuccessRate += DecayDrift * (neutralSuccessRate - r.SuccessRate)
		r.LastUpdated = now
		tr.records[k] = r
	}
}

// clamp bounds x to [lo, hi].
func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

// Weights for the composite score formula.
const (
	weightSuccess = 0.5
	weightSpeed   = 0.25
	weightCost    = 0.25

	speedFloorMs  = 10000
	speedCeilMs   = 3600000
	costFloorCent = 1
	costCeilCent  = 1000

	maxExperienceBonus     = 0.2
	experienceBonusDivisor = 500
)

// CompositeScore blends success rate, speed, and cost into a single
// suitability number, then applies an experience bonus for agents with a
// longer completion history.
func CompositeScore(r Record) float64 {
	speedTerm := 1 - clamp((r.AvgDurationMs-speedFloorMs)/(speedCeilMs-speedFloorMs), 0, 1)
	costTerm := 1 - clamp((r.AvgCostCents-costFloorCent)/(costCeilCent-costFloorCent), 0, 1)

	base := weightSuccess*r.SuccessRate + weightSpeed*speedTerm + weightCost*costTerm
	experienceBonus := 1 + minFloat(maxExperienceBonus, float64(r.CompletedCount)/experienceBonusDivisor)
	return base * experienceBonus
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
