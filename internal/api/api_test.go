package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/antigravity-dev/swarmcore/internal/budget"
	"github.com/antigravity-dev/swarmcore/internal/conflict"
	"github.com/antigravity-dev/swarmcore/internal/config"
	"github.com/antigravity-dev/swarmcore/internal/dispatch"
	"github.com/antigravity-dev/swarmcore/internal/executor"
	"github.com/antigravity-dev/swarmcore/internal/graph"
	"github.com/antigravity-dev/swarmcore/internal/notify"
	"github.com/antigravity-dev/swarmcore/internal/scheduler"
	"github.com/antigravity-dev/swarmcore/internal/scoring"
	"github.com/antigravity-dev/swarmcore/internal/store"
	"github.com/antigravity-dev/swarmcore/internal/task"
	"github.com/antigravity-dev/swarmcore/internal/topology"
)

func newTestServer(t *testing.T) (*Server, store.Store) {
	t.Helper()
	os.Setenv("SWARM_TEST_SECRET", "test-secret")

	s := store.NewMemStore()
	g := graph.New(s)
	tracker := scoring.NewTracker()
	bus := notify.NewBus()
	guard := budget.New(s, bus)
	monitor := conflict.NewMonitor()
	sched := scheduler.New(s, g, tracker, bus, guard, monitor, discardLogger())
	hub := topology.NewHub(sched, s)
	provider := executor.NewMockProvider()
	dispatcher := dispatch.New(s, provider, ingestTracker{}, bus, discardLogger())

	cfg := config.Default()
	cfg.API.BearerSecretEnv = "SWARM_TEST_SECRET"

	srv, err := NewServer(cfg, s, hub, sched, dispatcher, guard, bus, provider, nil, discardLogger())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return srv, s
}

// ingestTracker is a no-op dispatch.Tracker for tests that don't exercise
// poll-based result ingestion.
type ingestTracker struct{}

func (ingestTracker) Track(executor.Handle, *task.Task) {}

func authedRequest(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	token, err := srv.auth.IssueToken("test-user", time.Hour, nil)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	mux := http.NewServeMux()
	mux.HandleFunc("/tasks", srv.auth.RequireAuth(srv.routeTasksCollection))
	mux.HandleFunc("/tasks/", srv.auth.RequireAuth(srv.routeTaskItem))
	mux.HandleFunc("/agents", srv.auth.RequireAuth(srv.handleListAgents))
	mux.HandleFunc("/budget", srv.auth.RequireAuth(srv.handleBudget))
	mux.HandleFunc("/execute/batch", srv.auth.RequireAuth(srv.handleExecuteBatch))
	mux.HandleFunc("/execute/", srv.auth.RequireAuth(srv.handleExecuteOne))
	mux.HandleFunc("/insight/report", srv.auth.RequireAuth(srv.handleInsightReport))
	mux.HandleFunc("/health", srv.handleHealth)
	mux.ServeHTTP(rec, req)
	return rec
}

func TestHealthIsUnauthenticated(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.handleHealth(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestSubmitTaskThenGetByID(t *testing.T) {
	srv, _ := newTestServer(t)
	payload := map[string]any{
		"tasks": []map[string]any{
			{
				"type":    "code",
				"prompt":  "implement the thing",
				"context": map[string]any{"branch": "main"},
			},
		},
	}
	rec := authedRequest(t, srv, http.MethodPost, "/tasks", payload)
	if rec.Code != http.StatusCreated {
		t.Fatalf("submit status = %d body=%s, want 201", rec.Code, rec.Body.String())
	}

	var created struct {
		TaskIDs            []string `json:"taskIds"`
		EstimatedCostCents int      `json:"estimatedCostCents"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode submit response: %v", err)
	}
	if len(created.TaskIDs) != 1 {
		t.Fatalf("taskIds = %v, want 1 entry", created.TaskIDs)
	}
	if created.EstimatedCostCents != 100 {
		t.Fatalf("estimatedCostCents = %d, want 100", created.EstimatedCostCents)
	}

	getRec := authedRequest(t, srv, http.MethodGet, "/tasks/"+created.TaskIDs[0], nil)
	if getRec.Code != http.StatusOK {
		t.Fatalf("get status = %d, want 200", getRec.Code)
	}
	var got struct {
		Task   *task.Task   `json:"task"`
		Result *task.Result `json:"result"`
	}
	if err := json.Unmarshal(getRec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode get response: %v", err)
	}
	if got.Task == nil || got.Task.ID != created.TaskIDs[0] {
		t.Fatalf("expected submitted task back, got %+v", got.Task)
	}
	if got.Result != nil {
		t.Fatalf("expected no result yet, got %+v", got.Result)
	}
}

func TestCancelTaskFlipsStatus(t *testing.T) {
	srv, s := newTestServer(t)
	tk := task.New(task.TypeCode, "cancel me", task.Context{Branch: "main"})
	if err := s.SetTask(context.Background(), tk); err != nil {
		t.Fatalf("SetTask: %v", err)
	}

	rec := authedRequest(t, srv, http.MethodPost, "/tasks/"+tk.ID+"/cancel", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel status = %d body=%s, want 200", rec.Code, rec.Body.String())
	}
	got, _ := s.GetTask(context.Background(), tk.ID)
	if got.Status != task.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
}

func TestSubmitTaskRejectsInvalidPayload(t *testing.T) {
	srv, _ := newTestServer(t)
	payload := map[string]any{
		"tasks": []map[string]any{
			{"type": "not-a-real-type", "prompt": ""},
		},
	}
	rec := authedRequest(t, srv, http.MethodPost, "/tasks", payload)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
}

func TestSubmitTaskRejectsOversizedEnvelope(t *testing.T) {
	srv, _ := newTestServer(t)
	tasks := make([]map[string]any, 21)
	for i := range tasks {
		tasks[i] = map[string]any{"type": "code", "prompt": "x", "context": map[string]any{"branch": "main"}}
	}
	rec := authedRequest(t, srv, http.MethodPost, "/tasks", map[string]any{"tasks": tasks})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
}

func TestGetUnknownTaskReturns404(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := authedRequest(t, srv, http.MethodGet, "/tasks/does-not-exist", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestTasksRouteWithoutAuthIsRejected(t *testing.T) {
	srv, _ := newTestServer(t)
	mux := http.NewServeMux()
	mux.HandleFunc("/tasks", srv.auth.RequireAuth(srv.routeTasksCollection))

	req := httptest.NewRequest(http.MethodGet, "/tasks", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestBudgetEndpointReturnsCurrentState(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := authedRequest(t, srv, http.MethodGet, "/budget", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}
