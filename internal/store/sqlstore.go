package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // register the sqlite driver

	"github.com/antigravity-dev/swarmcore/internal/task"
)

const (
	pragmaJournalModeWAL = `PRAGMA journal_mode = WAL;`
	pragmaForeignKeysOn  = `PRAGMA foreign_keys = ON;`
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	data TEXT NOT NULL,
	status TEXT NOT NULL,
	type TEXT NOT NULL,
	priority TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	expires_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);

CREATE TABLE IF NOT EXISTS results (
	task_id TEXT PRIMARY KEY,
	data TEXT NOT NULL,
	expires_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS agents (
	id TEXT PRIMARY KEY,
	data TEXT NOT NULL,
	status TEXT NOT NULL,
	expires_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS task_edges (
	task_id TEXT NOT NULL,
	depends_on_id TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	expires_at DATETIME NOT NULL,
	PRIMARY KEY (task_id, depends_on_id)
);
CREATE INDEX IF NOT EXISTS idx_edges_reverse ON task_edges(depends_on_id);

CREATE TABLE IF NOT EXISTS budget (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	data TEXT NOT NULL
);
`

const cycleCheckSQL = `
WITH RECURSIVE reachable(task_id) AS (
	SELECT depends_on_id FROM task_edges WHERE task_id = ?
	UNION ALL
	SELECT e.depends_on_id
	FROM task_edges e
	INNER JOIN reachable r ON e.task_id = r.task_id
)
SELECT task_id FROM reachable;`

// SQLStore is the durable backend: SQLite with WAL journalling, one row per
// task/result/agent/edge, domain objects marshalled to JSON in a single
// column and indexed columns pulled out for filtering.
type SQLStore struct {
	db *sql.DB

	janitorStop chan struct{}
}

// OpenSQLStore opens (creating if absent) a SQLite database at path and
// starts the TTL janitor that mirrors the in-memory backend's expiry.
func OpenSQLStore(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers
	if _, err := db.Exec(pragmaJournalModeWAL); err != nil {
		return nil, fmt.Errorf("store: enable WAL: %w", err)
	}
	if _, err := db.Exec(pragmaForeignKeysOn); err != nil {
		return nil, fmt.Errorf("store: enable foreign keys: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}

	s := &SQLStore{db: db, janitorStop: make(chan struct{})}
	if err := s.seedBudget(); err != nil {
		return nil, err
	}
	go s.runJanitor()
	return s, nil
}

func (s *SQLStore) seedBudget() error {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM budget`).Scan(&count); err != nil {
		return fmt.Errorf("store: check budget seed: %w", err)
	}
	if count > 0 {
		return nil
	}
	initial := &BudgetState{Config: DefaultBudgetConfig, LastUpdated: time.Now().UTC()}
	return s.SetBudget(context.Background(), initial)
}

// runJanitor periodically deletes rows past their TTL, mirroring the
// scheduler's own tick-loop style rather than relying on SQLite's lack of
// native expiry.
func (s *SQLStore) runJanitor() {
	ticker := time.NewTicker(15 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.janitorStop:
			return
		case <-ticker.C:
			s.sweepExpired()
		}
	}
}

func (s *SQLStore) sweepExpired() {
	now := time.Now().UTC()
	_, _ = s.db.Exec(`DELETE FROM tasks WHERE expires_at < ?`, now)
	_, _ = s.db.Exec(`DELETE FROM results WHERE expires_at < ?`, now)
	_, _ = s.db.Exec(`DELETE FROM agents WHERE expires_at < ?`, now)
	_, _ = s.db.Exec(`DELETE FROM task_edges WHERE expires_at < ?`, now)
}

func (s *SQLStore) SetTask(ctx context.Context, t *task.Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("store: marshal task: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, data, status, type, priority, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			data = excluded.data,
			status = excluded.status,
			type = excluded.type,
			priority = excluded.priority,
			expires_at = excluded.expires_at;`,
		t.ID, data, string(t.Status), string(t.Type), string(t.Priority), t.CreatedAt, time.Now().Add(TaskTTL))
	if err != nil {
		return fmt.Errorf("store: set task: %w", err)
	}
	return nil
}

func (s *SQLStore) GetTask(ctx context.Context, id string) (*task.Task, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM tasks WHERE id = ?`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get task: %w", err)
	}
	var t task.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("store: unmarshal task: %w", err)
	}
	return &t, nil
}

func (s *SQLStore) DeleteTask(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete task: %w", err)
	}
	return nil
}

func (s *SQLStore) ListTasks(ctx context.Context, f TaskFilter) ([]*task.Task, error) {
	query := `SELECT data FROM tasks WHERE 1=1`
	var args []any
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.Type != "" {
		query += ` AND type = ?`
		args = append(args, string(f.Type))
	}
	if f.Priority != "" {
		query += ` AND priority = ?`
		args = append(args, string(f.Priority))
	}
	if f.NewestFirst {
		query += ` ORDER BY created_at DESC`
	} else {
		query += ` ORDER BY created_at ASC`
	}
	if f.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, f.Limit, f.Offset)
	} else if f.Offset > 0 {
		query += ` LIMIT -1 OFFSET ?`
		args = append(args, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list tasks: %w", err)
	}
	defer rows.Close()

	var out []*task.Task
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("store: scan task: %w", err)
		}
		var t task.Task
		if err := json.Unmarshal(data, &t); err != nil {
			return nil, fmt.Errorf("store: unmarshal task: %w", err)
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (s *SQLStore) SetResult(ctx context.Context, r *task.Result) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("store: marshal result: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO results (task_id, data, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET data = excluded.data, expires_at = excluded.expires_at;`,
		r.TaskID, data, time.Now().Add(ResultTTL))
	if err != nil {
		return fmt.Errorf("store: set result: %w", err)
	}
	return nil
}

func (s *SQLStore) GetResult(ctx context.Context, taskID string) (*task.Result, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM results WHERE task_id = ?`, taskID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get result: %w", err)
	}
	var r task.Result
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("store: unmarshal result: %w", err)
	}
	return &r, nil
}

func (s *SQLStore) ListResults(ctx context.Context) ([]*task.Result, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM results`)
	if err != nil {
		return nil, fmt.Errorf("store: list results: %w", err)
	}
	defer rows.Close()

	var out []*task.Result
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("store: scan result row: %w", err)
		}
		var r task.Result
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("store: unmarshal result: %w", err)
		}
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate result rows: %w", err)
	}
	return out, nil
}

func (s *SQLStore) SetAgent(ctx context.Context, a *task.Agent) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("store: marshal agent: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (id, data, status, expires_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data, status = excluded.status, expires_at = excluded.expires_at;`,
		a.ID, data, string(a.Status), time.Now().Add(AgentTTL))
	if err != nil {
		return fmt.Errorf("store: set agent: %w", err)
	}
	return nil
}

func (s *SQLStore) GetAgent(ctx context.Context, id string) (*task.Agent, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM agents WHERE id = ?`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get agent: %w", err)
	}
	var a task.Agent
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("store: unmarshal agent: %w", err)
	}
	return &a, nil
}

func (s *SQLStore) DeleteAgent(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete agent: %w", err)
	}
	return nil
}

func (s *SQLStore) ListAgents(ctx context.Context) ([]*task.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM agents ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: list agents: %w", err)
	}
	defer rows.Close()
	var out []*task.Agent
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("store: scan agent: %w", err)
		}
		var a task.Agent
		if err := json.Unmarshal(data, &a); err != nil {
			return nil, fmt.Errorf("store: unmarshal agent: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (s *SQLStore) CountActiveAgents(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM agents WHERE status IN (?, ?)`,
		string(task.AgentRunning), string(task.AgentInitializing)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count active agents: %w", err)
	}
	return n, nil
}

func (s *SQLStore) GetBudget(ctx context.Context) (*BudgetState, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM budget WHERE id = 1`).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get budget: %w", err)
	}
	var b BudgetState
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("store: unmarshal budget: %w", err)
	}
	return &b, nil
}

func (s *SQLStore) SetBudget(ctx context.Context, b *BudgetState) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("store: marshal budget: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO budget (id, data) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data;`, data)
	if err != nil {
		return fmt.Errorf("store: set budget: %w", err)
	}
	return nil
}

func (s *SQLStore) IncrementSpend(ctx context.Context, costCents int) (*BudgetState, error) {
	b, err := s.GetBudget(ctx)
	if err != nil {
		return nil, err
	}
	if b == nil {
		b = &BudgetState{Config: DefaultBudgetConfig}
	}
	b.DailyUsedCents += costCents
	b.WeeklyUsedCents += costCents
	b.LastUpdated = time.Now().UTC()
	if b.Config.DailyCapCents > 0 && percentOf(b.DailyUsedCents, b.Config.DailyCapCents) >= b.Config.PauseThresholdPercent {
		b.Paused = true
	}
	if err := s.SetBudget(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

func (s *SQLStore) ResetDaily(ctx context.Context) error {
	b, err := s.GetBudget(ctx)
	if err != nil {
		return err
	}
	if b == nil {
		return nil
	}
	b.DailyUsedCents = 0
	b.Paused = false
	b.LastUpdated = time.Now().UTC()
	return s.SetBudget(ctx, b)
}

func (s *SQLStore) ResetWeekly(ctx context.Context) error {
	b, err := s.GetBudget(ctx)
	if err != nil {
		return err
	}
	if b == nil {
		return nil
	}
	b.WeeklyUsedCents = 0
	b.LastUpdated = time.Now().UTC()
	return s.SetBudget(ctx, b)
}

func (s *SQLStore) AddDependency(ctx context.Context, taskID, dependsOnID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO task_edges (task_id, depends_on_id, created_at, expires_at)
		VALUES (?, ?, ?, ?);`, taskID, dependsOnID, time.Now().UTC(), time.Now().Add(EdgeTTL))
	if err != nil {
		return fmt.Errorf("store: add dependency: %w", err)
	}
	return nil
}

func (s *SQLStore) RemoveDependency(ctx context.Context, taskID, dependsOnID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM task_edges WHERE task_id = ? AND depends_on_id = ?;`, taskID, dependsOnID)
	if err != nil {
		return fmt.Errorf("store: remove dependency: %w", err)
	}
	return nil
}

func (s *SQLStore) DirectDependencies(ctx context.Context, taskID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT depends_on_id FROM task_edges WHERE task_id = ? ORDER BY created_at ASC;`, taskID)
	if err != nil {
		return nil, fmt.Errorf("store: direct dependencies: %w", err)
	}
	return scanIDs(rows)
}

func (s *SQLStore) DirectDependents(ctx context.Context, taskID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT task_id FROM task_edges WHERE depends_on_id = ? ORDER BY created_at ASC;`, taskID)
	if err != nil {
		return nil, fmt.Errorf("store: direct dependents: %w", err)
	}
	return scanIDs(rows)
}

func scanIDs(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// DependencyChain walks the stored dependency edges from taskID with the
// recursive CTE in cycleCheckSQL. The graph layer does its own cycle
// checks in process and does not use this query.
func (s *SQLStore) DependencyChain(ctx context.Context, taskID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, cycleCheckSQL, taskID)
	if err != nil {
		return nil, fmt.Errorf("store: dependency chain: %w", err)
	}
	return scanIDs(rows)
}

// AllDependenciesCompleted left-joins so a dependency with no task row
// counts as unmet rather than vanishing from the check.
func (s *SQLStore) AllDependenciesCompleted(ctx context.Context, taskID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM task_edges e
		LEFT JOIN tasks t ON t.id = e.depends_on_id
		WHERE e.task_id = ? AND (t.status IS NULL OR t.status != ?);`, taskID, string(task.StatusCompleted)).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("store: all dependencies completed: %w", err)
	}
	return count == 0, nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("store: ping: %w", err)
	}
	return nil
}

func (s *SQLStore) Close() error {
	close(s.janitorStop)
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("store: close: %w", err)
	}
	return nil
}
