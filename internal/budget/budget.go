// Package budget enforces spend limits across the fleet: daily/weekly
// counters fed from completed results, a pause gate that blocks new
// submissions, and alert/pause thresholds expressed as percentages.
package budget

import (
	"context"
	"errors"
	"fmt"

	"github.com/antigravity-dev/swarmcore/internal/notify"
	"github.com/antigravity-dev/swarmcore/internal/store"
)

// ErrPaused is returned by CheckSubmission once the pause threshold has
// been crossed; the caller surfaces it as a 4xx "budget paused" error.
var ErrPaused = errors.New("budget: paused")

// Guard wraps a store.Store with the spend-limit policy. It is the only
// component permitted to increment spend counters.
type Guard struct {
	store store.Store
	bus   *notify.Bus
}

// New constructs a budget guard. bus may be nil in tests where event
// delivery is not under test; production wiring always supplies one.
func New(s store.Store, bus *notify.Bus) *Guard {
	return &Guard{store: s, bus: bus}
}

// CheckSubmission returns ErrPaused if the budget is currently paused.
func (g *Guard) CheckSubmission(ctx context.Context) error {
	b, err := g.store.GetBudget(ctx)
	if err != nil {
		return fmt.Errorf("budget: check submission: %w", err)
	}
	if b != nil && b.Paused {
		return ErrPaused
	}
	return nil
}

// RecordSpend increments the daily/weekly counters by costCents, flips the
// pause flag once the pause threshold is crossed, and emits a
// budget-warning or budget-paused notification as appropriate. Called once
// per completed result.
func (g *Guard) RecordSpend(ctx context.Context, taskID string, costCents int) (*store.BudgetState, error) {
	before, err := g.store.GetBudget(ctx)
	if err != nil {
		return nil, fmt.Errorf("budget: record spend: %w", err)
	}
	wasPaused := before != nil && before.Paused

	after, err := g.store.IncrementSpend(ctx, costCents)
	if err != nil {
		return nil, fmt.Errorf("budget: increment spend: %w", err)
	}

	if g.bus != nil {
		if after.Paused && !wasPaused {
			g.bus.Publish(notify.Event{
				Type: notify.TypeBudgetPaused,
				Data: map[string]any{"dailyUsedCents": after.DailyUsedCents, "taskId": taskID},
			})
		} else if crossedAlertThreshold(after) {
			g.bus.Publish(notify.Event{
				Type: notify.TypeBudgetWarning,
				Data: map[string]any{"dailyUsedCents": after.DailyUsedCents, "taskId": taskID},
			})
		}
	}

	return after, nil
}

func crossedAlertThreshold(b *store.BudgetState) bool {
	if b.Config.DailyCapCents <= 0 {
		return false
	}
	pct := b.DailyUsedCents * 100 / b.Config.DailyCapCents
	return pct >= b.Config.AlertThresholdPercent && pct < b.Config.PauseThresholdPercent
}

// ResetDaily is invoked by an external scheduler (e.g. a cron tick at local
// midnight); the guard itself imposes no wall-clock rule.
func (g *Guard) ResetDaily(ctx context.Context) error {
	if err := g.store.ResetDaily(ctx); err != nil {
		return fmt.Errorf("budget: reset daily: %w", err)
	}
	return nil
}

// ResetWeekly is invoked by an external scheduler (e.g. a cron tick at
// Sunday midnight).
func (g *Guard) ResetWeekly(ctx context.Context) error {
	if err := g.store.ResetWeekly(ctx); err != nil {
		return fmt.Errorf("budget: reset weekly: %w", err)
	}
	return nil
}

// Projection returns dailyUsed + activeAgents*150, the figure GET /budget
// exposes alongside the raw counters.
func (g *Guard) Projection(ctx context.Context) (int, error) {
	b, err := g.store.GetBudget(ctx)
	if err != nil {
		return 0, fmt.Errorf("budget: projection: %w", err)
	}
	if b == nil {
		return 0, nil
	}
	active, err := g.store.CountActiveAgents(ctx)
	if err != nil {
		return 0, fmt.Errorf("budget: projection active agents: %w", err)
	}
	return b.DailyUsedCents + active*150, nil
}
