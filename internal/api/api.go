// Package api exposes the orchestrator's HTTP request boundary: task
// submission and lookup, agent and budget introspection, execution
// control, and health/metrics endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/antigravity-dev/swarmcore/internal/budget"
	"github.com/antigravity-dev/swarmcore/internal/config"
	"github.com/antigravity-dev/swarmcore/internal/dispatch"
	"github.com/antigravity-dev/swarmcore/internal/executor"
	"github.com/antigravity-dev/swarmcore/internal/graph"
	"github.com/antigravity-dev/swarmcore/internal/insight"
	"github.com/antigravity-dev/swarmcore/internal/notify"
	"github.com/antigravity-dev/swarmcore/internal/scheduler"
	"github.com/antigravity-dev/swarmcore/internal/store"
	"github.com/antigravity-dev/swarmcore/internal/task"
	"github.com/antigravity-dev/swarmcore/internal/topology"
)

// Server is the HTTP API server sitting in front of the orchestrator's
// domain packages.
type Server struct {
	cfg        *config.Config
	store      store.Store
	topology   topology.Handler
	sched      *scheduler.Scheduler
	dispatcher *dispatch.Dispatcher
	guard      *budget.Guard
	bus        *notify.Bus
	provider   executor.Provider
	configMgr  *config.RWMutexManager
	logger     *slog.Logger
	startTime  time.Time
	httpServer *http.Server
	auth       *AuthMiddleware
}

// NewServer wires the request boundary over the already-constructed
// domain components. provider is optional — when nil, /health reports a
// zero active-job count instead of asking a live provider. configMgr is
// optional — when nil (no config file was supplied to hot-reload), /health
// omits the reload stats.
func NewServer(cfg *config.Config, s store.Store, h topology.Handler, sched *scheduler.Scheduler, dispatcher *dispatch.Dispatcher, guard *budget.Guard, bus *notify.Bus, provider executor.Provider, configMgr *config.RWMutexManager, logger *slog.Logger) (*Server, error) {
	secret := os.Getenv(cfg.API.BearerSecretEnv)
	if secret == "" {
		return nil, fmt.Errorf("api: bearer signing secret env %q is unset or empty", cfg.API.BearerSecretEnv)
	}
	auth := NewAuthMiddleware([]byte(secret), cfg.API.APIKeys, logger)
	return &Server{
		cfg:        cfg,
		store:      s,
		topology:   h,
		sched:      sched,
		dispatcher: dispatcher,
		guard:      guard,
		bus:        bus,
		provider:   provider,
		configMgr:  configMgr,
		logger:     logger,
		startTime:  time.Now(),
		auth:       auth,
	}, nil
}

// Start registers every route and blocks, serving until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth) // unauthenticated per the request boundary's auth surface

	mux.HandleFunc("/tasks", s.auth.RequireAuth(s.routeTasksCollection))
	mux.HandleFunc("/tasks/", s.auth.RequireAuth(s.routeTaskItem))
	mux.HandleFunc("/agents", s.auth.RequireAuth(s.handleListAgents))
	mux.HandleFunc("/budget", s.auth.RequireAuth(s.handleBudget))
	mux.HandleFunc("/execute/batch", s.auth.RequireAuth(s.handleExecuteBatch))
	mux.HandleFunc("/execute/", s.auth.RequireAuth(s.handleExecuteOne))
	mux.HandleFunc("/insight/report", s.auth.RequireAuth(s.handleInsightReport))
	mux.HandleFunc("/ws", s.auth.RequireAuth(s.handleWS))

	if s.cfg.API.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
	}

	s.httpServer = &http.Server{
		Addr:        s.cfg.API.ListenAddr,
		Handler:     otelhttp.NewHandler(mux, "swarmcore.api"),
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutCtx)
	}()

	s.logger.Info("api server starting", "listen_addr", s.cfg.API.ListenAddr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	pending, err := s.store.ListTasks(ctx, store.TaskFilter{Status: task.StatusPending})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	agents, err := s.store.ListAgents(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	activeAgents := 0
	for _, a := range agents {
		if a.Status == task.AgentRunning {
			activeAgents++
		}
	}

	activeJobs := 0
	if s.provider != nil {
		if n, err := s.provider.GetActiveJobCount(ctx); err == nil {
			activeJobs = n
		}
	}

	mode := "mock"
	if s.provider != nil {
		mode = s.provider.Name()
	}

	body := map[string]any{
		"status":           "ok",
		"uptime_s":         time.Since(s.startTime).Seconds(),
		"mode":             mode,
		"queueDepth":       len(pending),
		"activeAgentCount": activeAgents,
		"activeJobCount":   activeJobs,
	}
	if s.configMgr != nil {
		count, lastReload := s.configMgr.Stats()
		body["configReloadCount"] = count
		if !lastReload.IsZero() {
			body["configLastReloadAt"] = lastReload.UTC().Format(time.RFC3339)
		}
	}

	writeJSON(w, body)
}

// routeTasksCollection dispatches POST /tasks and GET /tasks.
func (s *Server) routeTasksCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleSubmitTask(w, r)
	case http.MethodGet:
		s.handleListTasks(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// submitTasksRequest is the envelope POST /tasks accepts: 1-20 tasks.
type submitTasksRequest struct {
	Tasks []*task.Task `json:"tasks"`
}

// POST /tasks
func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := s.guard.CheckSubmission(ctx); err != nil {
		writeError(w, http.StatusForbidden, "budget paused: "+err.Error())
		return
	}

	var req submitTasksRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("malformed submission payload: %v", err))
		return
	}

	now := time.Now().UTC()
	for _, t := range req.Tasks {
		t.ID = task.NewID()
		t.CreatedAt = now
		t.Status = task.StatusPending
		t.AssignedAgent = ""
	}

	if failures := task.ValidateEnvelope(req.Tasks); len(failures) > 0 {
		w.WriteHeader(http.StatusUnprocessableEntity)
		writeJSON(w, map[string]any{"valid": false, "failures": failures})
		return
	}

	estimatedCostCents := 0
	taskIDs := make([]string, 0, len(req.Tasks))
	for _, t := range req.Tasks {
		if err := s.topology.SubmitTask(ctx, t); err != nil {
			switch {
			case errors.Is(err, graph.ErrCycle):
				writeError(w, http.StatusUnprocessableEntity, err.Error())
			case errors.Is(err, budget.ErrPaused):
				writeError(w, http.StatusForbidden, "budget paused: "+err.Error())
			default:
				writeError(w, http.StatusInternalServerError, err.Error())
			}
			return
		}
		taskIDs = append(taskIDs, t.ID)
		estimatedCostCents += t.BudgetCents
	}

	w.WriteHeader(http.StatusCreated)
	writeJSON(w, map[string]any{"taskIds": taskIDs, "estimatedCostCents": estimatedCostCents})
}

// GET /tasks
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	f := store.TaskFilter{
		Status:      task.Status(r.URL.Query().Get("status")),
		Type:        task.Type(r.URL.Query().Get("type")),
		Priority:    task.Priority(r.URL.Query().Get("priority")),
		NewestFirst: r.URL.Query().Get("newest_first") == "true",
	}
	tasks, err := s.store.ListTasks(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, tasks)
}

// routeTaskItem dispatches GET /tasks/{id} and POST /tasks/{id}/cancel.
func (s *Server) routeTaskItem(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/tasks/")
	if strings.HasSuffix(rest, "/cancel") {
		s.handleCancelTask(w, r, strings.TrimSuffix(rest, "/cancel"))
		return
	}
	s.handleGetTask(w, r, rest)
}

// GET /tasks/{id} — the task plus its latest result, if one has arrived.
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request, id string) {
	t, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if t == nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	result, err := s.store.GetResult(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]any{"task": t, "result": result})
}

// POST /tasks/{id}/cancel
func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	t, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if t == nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	wasRunning := t.Status == task.StatusRunning
	t.Status = task.StatusCancelled
	if err := s.store.SetTask(r.Context(), t); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// Best effort: if the task is already dispatched, stop its execution too.
	if wasRunning && s.provider != nil {
		if jobs, err := s.provider.GetActiveJobs(r.Context()); err == nil {
			for _, job := range jobs {
				if job.TaskID != id {
					continue
				}
				if err := s.provider.CancelExecution(r.Context(), job.ExecutionID); err != nil {
					s.logger.Warn("cancel execution failed", "task_id", id, "execution_id", job.ExecutionID, "error", err)
				}
			}
		}
	}
	writeJSON(w, t)
}

// GET /agents — the agent list plus per-status and spend rollups.
func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	agents, err := s.store.ListAgents(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	byStatus := make(map[string]int)
	totalCostCents := 0
	for _, a := range agents {
		byStatus[string(a.Status)]++
		totalCostCents += a.CostCents
	}
	writeJSON(w, map[string]any{
		"agents":         agents,
		"countByStatus":  byStatus,
		"totalCostCents": totalCostCents,
	})
}

// GET /budget
func (s *Server) handleBudget(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	ctx := r.Context()
	state, err := s.store.GetBudget(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	projection, err := s.guard.Projection(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]any{
		"state":      state,
		"projection": projection,
	})
}

// GET /insight/report
func (s *Server) handleInsightReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	report, err := insight.Generate(r.Context(), s.store)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, report)
}

// forceSchedule runs one scheduling pass over every idle agent and hands
// the resulting decision to the dispatcher, returning the set of task IDs
// it actually assigned this pass.
func (s *Server) forceSchedule(ctx context.Context) (map[string]bool, error) {
	agents, err := s.store.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	var idle []*task.Agent
	for _, a := range agents {
		if a.Status == task.AgentIdle {
			idle = append(idle, a)
		}
	}
	decision, err := s.sched.Schedule(ctx, idle)
	if err != nil {
		return nil, err
	}
	s.dispatcher.Run(ctx, decision)

	assigned := make(map[string]bool, len(decision.Assignments))
	for _, a := range decision.Assignments {
		assigned[a.TaskID] = true
	}
	return assigned, nil
}

// POST /execute/{taskId}
func (s *Server) handleExecuteOne(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	taskID := strings.TrimPrefix(r.URL.Path, "/execute/")
	if taskID == "" {
		writeError(w, http.StatusBadRequest, "task id is required")
		return
	}
	ctx := r.Context()
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if t == nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if t.Status != task.StatusPending {
		writeJSON(w, map[string]any{"taskId": taskID, "accepted": false, "reason": "task is not pending"})
		return
	}

	assigned, err := s.forceSchedule(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]any{"taskId": taskID, "accepted": assigned[taskID]})
}

// executeBatchRequest is the payload POST /execute/batch accepts. An empty
// TaskIDs list means "every ready task".
type executeBatchRequest struct {
	TaskIDs []string `json:"taskIds"`
}

// POST /execute/batch
func (s *Server) handleExecuteBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req executeBatchRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("malformed batch payload: %v", err))
			return
		}
	}

	ctx := r.Context()
	assigned, err := s.forceSchedule(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if len(req.TaskIDs) == 0 {
		accepted := make([]string, 0, len(assigned))
		for id := range assigned {
			accepted = append(accepted, id)
		}
		writeJSON(w, map[string]any{"accepted": accepted})
		return
	}

	accepted := make([]string, 0, len(req.TaskIDs))
	for _, id := range req.TaskIDs {
		if assigned[id] {
			accepted = append(accepted, id)
		}
	}
	writeJSON(w, map[string]any{"accepted": accepted})
}

// GET /ws
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	s.bus.ServeWS(w, r, s.logger)
}
