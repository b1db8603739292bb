package store

import (
	"context"
	"sort"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/antigravity-dev/swarmcore/internal/task"
)

// MemStore is the ephemeral backend: every value lives in process memory.
// Tasks, results and agents expire under the same TTLs the durable backend
// enforces; dependency edges do not expire. Suitable for
// single-instance deployments that accept losing state on restart.
type MemStore struct {
	mu sync.RWMutex

	tasks   *gocache.Cache
	results *gocache.Cache
	agents  *gocache.Cache

	// forward[t] is the set of task IDs t depends on; reverse is its
	// transpose. Both are guarded by mu, not by the cache's own locking,
	// since edge mutation must be atomic with respect to traversal.
	forward map[string]map[string]time.Time
	reverse map[string]map[string]time.Time

	budget *BudgetState

	closed bool
}

// NewMemStore constructs an empty in-memory store with a fresh default
// budget. Close does not stop the janitor goroutines backing the
// task/result/agent caches; they end once the caches are garbage collected.
func NewMemStore() *MemStore {
	return &MemStore{
		tasks:   gocache.New(TaskTTL, time.Hour),
		results: gocache.New(ResultTTL, time.Hour),
		agents:  gocache.New(AgentTTL, 15*time.Minute),
		forward: make(map[string]map[string]time.Time),
		reverse: make(map[string]map[string]time.Time),
		budget: &BudgetState{
			Config:      DefaultBudgetConfig,
			LastUpdated: time.Now().UTC(),
		},
	}
}

func (m *MemStore) SetTask(_ context.Context, t *task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	cp := *t
	m.tasks.SetDefault(t.ID, &cp)
	return nil
}

func (m *MemStore) GetTask(_ context.Context, id string) (*task.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	v, ok := m.tasks.Get(id)
	if !ok {
		return nil, nil
	}
	cp := *v.(*task.Task)
	return &cp, nil
}

func (m *MemStore) DeleteTask(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.tasks.Delete(id)
	return nil
}

func (m *MemStore) ListTasks(_ context.Context, f TaskFilter) ([]*task.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	var out []*task.Task
	for _, item := range m.tasks.Items() {
		t := item.Object.(*task.Task)
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.Type != "" && t.Type != f.Type {
			continue
		}
		if f.Priority != "" && t.Priority != f.Priority {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if f.NewestFirst {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return paginate(out, f.Offset, f.Limit), nil
}

func paginate(tasks []*task.Task, offset, limit int) []*task.Task {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(tasks) {
		return nil
	}
	end := len(tasks)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return tasks[offset:end]
}

func (m *MemStore) SetResult(_ context.Context, r *task.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	cp := *r
	m.results.SetDefault(r.TaskID, &cp)
	return nil
}

func (m *MemStore) GetResult(_ context.Context, taskID string) (*task.Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	v, ok := m.results.Get(taskID)
	if !ok {
		return nil, nil
	}
	cp := *v.(*task.Result)
	return &cp, nil
}

func (m *MemStore) ListResults(_ context.Context) ([]*task.Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	items := m.results.Items()
	out := make([]*task.Result, 0, len(items))
	for _, v := range items {
		cp := *v.Object.(*task.Result)
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemStore) SetAgent(_ context.Context, a *task.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	cp := *a
	m.agents.SetDefault(a.ID, &cp)
	return nil
}

func (m *MemStore) GetAgent(_ context.Context, id string) (*task.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	v, ok := m.agents.Get(id)
	if !ok {
		return nil, nil
	}
	cp := *v.(*task.Agent)
	return &cp, nil
}

func (m *MemStore) DeleteAgent(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.agents.Delete(id)
	return nil
}

func (m *MemStore) ListAgents(_ context.Context) ([]*task.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	var out []*task.Agent
	for _, item := range m.agents.Items() {
		a := item.Object.(*task.Agent)
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemStore) CountActiveAgents(ctx context.Context) (int, error) {
	agents, err := m.ListAgents(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, a := range agents {
		if a.Status == task.AgentRunning || a.Status == task.AgentInitializing {
			n++
		}
	}
	return n, nil
}

func (m *MemStore) GetBudget(_ context.Context) (*BudgetState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	cp := *m.budget
	return &cp, nil
}

func (m *MemStore) SetBudget(_ context.Context, b *BudgetState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	cp := *b
	m.budget = &cp
	return nil
}

func (m *MemStore) IncrementSpend(_ context.Context, costCents int) (*BudgetState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	m.budget.DailyUsedCents += costCents
	m.budget.WeeklyUsedCents += costCents
	m.budget.LastUpdated = time.Now().UTC()
	if m.budget.Config.DailyCapCents > 0 &&
		percentOf(m.budget.DailyUsedCents, m.budget.Config.DailyCapCents) >= m.budget.Config.PauseThresholdPercent {
		m.budget.Paused = true
	}
	cp := *m.budget
	return &cp, nil
}

func percentOf(used, cap int) int {
	if cap <= 0 {
		return 0
	}
	return used * 100 / cap
}

func (m *MemStore) ResetDaily(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.budget.DailyUsedCents = 0
	m.budget.Paused = false
	m.budget.LastUpdated = time.Now().UTC()
	return nil
}

func (m *MemStore) ResetWeekly(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.budget.WeeklyUsedCents = 0
	m.budget.LastUpdated = time.Now().UTC()
	return nil
}

func (m *MemStore) AddDependency(_ context.Context, taskID, dependsOnID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.forward[taskID] == nil {
		m.forward[taskID] = make(map[string]time.Time)
	}
	if m.reverse[dependsOnID] == nil {
		m.reverse[dependsOnID] = make(map[string]time.Time)
	}
	now := time.Now()
	m.forward[taskID][dependsOnID] = now
	m.reverse[dependsOnID][taskID] = now
	return nil
}

func (m *MemStore) RemoveDependency(_ context.Context, taskID, dependsOnID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.forward[taskID], dependsOnID)
	delete(m.reverse[dependsOnID], taskID)
	return nil
}

func (m *MemStore) DirectDependencies(_ context.Context, taskID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	return keysSortedByAge(m.forward[taskID]), nil
}

func (m *MemStore) DirectDependents(_ context.Context, taskID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	return keysSortedByAge(m.reverse[taskID]), nil
}

func keysSortedByAge(m map[string]time.Time) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return m[out[i]].Before(m[out[j]]) })
	return out
}

// DependencyChain returns the transitive closure of taskID's dependencies,
// excluding taskID itself, via iterative BFS over the forward adjacency
// (kept iterative so graph depth cannot blow the call stack).
func (m *MemStore) DependencyChain(_ context.Context, taskID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	seen := map[string]bool{taskID: true}
	var out []string
	queue := []string{taskID}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for dep := range m.forward[cur] {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			out = append(out, dep)
			queue = append(queue, dep)
		}
	}
	return out, nil
}

func (m *MemStore) AllDependenciesCompleted(ctx context.Context, taskID string) (bool, error) {
	deps, err := m.DirectDependencies(ctx, taskID)
	if err != nil {
		return false, err
	}
	for _, depID := range deps {
		dep, err := m.GetTask(ctx, depID)
		if err != nil {
			return false, err
		}
		if dep == nil || dep.Status != task.StatusCompleted {
			return false, nil
		}
	}
	return true, nil
}

func (m *MemStore) Ping(_ context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

func (m *MemStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
