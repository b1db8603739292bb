// Command orchestrator runs the task-fanout core: it loads configuration,
// wires the store, scheduler, topology handler, execution providers, and
// HTTP request boundary, then serves until a termination signal arrives.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron"

	"github.com/antigravity-dev/swarmcore/internal/api"
	"github.com/antigravity-dev/swarmcore/internal/budget"
	"github.com/antigravity-dev/swarmcore/internal/conflict"
	"github.com/antigravity-dev/swarmcore/internal/config"
	"github.com/antigravity-dev/swarmcore/internal/dispatch"
	"github.com/antigravity-dev/swarmcore/internal/executor"
	"github.com/antigravity-dev/swarmcore/internal/graph"
	"github.com/antigravity-dev/swarmcore/internal/ingest"
	"github.com/antigravity-dev/swarmcore/internal/notify"
	"github.com/antigravity-dev/swarmcore/internal/scheduler"
	"github.com/antigravity-dev/swarmcore/internal/scoring"
	"github.com/antigravity-dev/swarmcore/internal/singleton"
	"github.com/antigravity-dev/swarmcore/internal/store"
	"github.com/antigravity-dev/swarmcore/internal/task"
	"github.com/antigravity-dev/swarmcore/internal/topology"
)

func configureLogger(logLevel string, useDev bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(logLevel)) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if useDev {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func openStore(cfg *config.Config) (store.Store, error) {
	if cfg.Store.Backend == "sqlite" {
		return store.OpenSQLStore(cfg.Store.Path)
	}
	return store.NewMemStore(), nil
}

func buildTopology(cfg *config.Config, sched *scheduler.Scheduler, s store.Store) topology.Handler {
	switch cfg.Topology.Mode {
	case "hierarchical":
		h := topology.NewHierarchical(sched, s)
		return h
	case "mesh":
		return topology.NewMesh(sched, s)
	default:
		return topology.NewHub(sched, s)
	}
}

func main() {
	configPath := flag.String("config", "swarmcore.toml", "path to config file")
	dev := flag.Bool("dev", false, "use text log format (default is JSON)")
	flag.Parse()

	var cfg *config.Config
	if _, err := os.Stat(*configPath); err == nil {
		loaded, err := config.Load(*configPath)
		if err != nil {
			slog.New(slog.NewJSONHandler(os.Stderr, nil)).Error("failed to load config", "path", *configPath, "error", err)
			os.Exit(1)
		}
		cfg = loaded
	} else {
		cfg = config.Default()
	}

	logger := configureLogger(cfg.General.LogLevel, *dev)
	slog.SetDefault(logger)
	logger.Info("orchestrator starting", "config", *configPath)

	lockPath := cfg.General.LockFile
	if lockPath == "" {
		lockPath = "/tmp/swarmcore.lock"
	}
	lock, err := singleton.Acquire(lockPath)
	if err != nil {
		logger.Error("failed to acquire single-instance lock", "path", lockPath, "error", err)
		os.Exit(1)
	}
	defer lock.Release()

	st, err := openStore(cfg)
	if err != nil {
		logger.Error("failed to open store", "backend", cfg.Store.Backend, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	g := graph.New(st)
	tracker := scoring.NewTracker()
	bus := notify.NewBus()
	guard := budget.New(st, bus)
	budgetCron := cron.New()
	budgetCron.AddFunc("0 0 0 * * *", func() {
		if err := guard.ResetDaily(context.Background()); err != nil {
			logger.Error("daily budget reset failed", "error", err)
		}
	})
	budgetCron.AddFunc("0 0 0 * * 0", func() {
		if err := guard.ResetWeekly(context.Background()); err != nil {
			logger.Error("weekly budget reset failed", "error", err)
		}
	})
	budgetCron.Start()
	defer budgetCron.Stop()

	monitor := conflict.NewMonitor()
	sched := scheduler.New(st, g, tracker, bus, guard, monitor, logger.With("component", "scheduler"))
	topo := buildTopology(cfg, sched, st)

	providerName, providerCfg := cfg.ActiveProvider()
	provider, err := executor.New(executor.ProviderConfig{
		Kind:          providerCfg.Kind,
		Endpoint:      providerCfg.Endpoint,
		APIKeyEnv:     providerCfg.APIKeyEnv,
		LLMAPIKeyEnv:  providerCfg.LLMAPIKeyEnv,
		SCMTokenEnv:   providerCfg.SCMTokenEnv,
		JobTemplateID: providerCfg.JobTemplateID,
		RateLimitRPS:  providerCfg.RateLimitRPS,
		DockerImage:   providerCfg.DockerImage,
		WorkDir:       providerCfg.WorkDir,
	})
	if err != nil {
		logger.Error("failed to construct execution provider", "provider", providerName, "error", err)
		os.Exit(1)
	}
	pollSource := ingest.NewPollSource(provider, st, 5*time.Second, logger.With("component", "ingest"))
	dispatcher := dispatch.New(st, provider, pollSource, bus, logger.With("component", "dispatch"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	completeTask := func(ctx context.Context, result *task.Result) ([]string, error) {
		return topo.OnTaskComplete(ctx, result)
	}
	go func() {
		if err := pollSource.Run(ctx, completeTask); err != nil {
			logger.Error("poll source stopped", "error", err)
		}
	}()

	schedulerTick := cfg.General.SchedulerTick.Duration
	if schedulerTick <= 0 {
		schedulerTick = 500 * time.Millisecond
	}
	go runSchedulerLoop(ctx, sched, dispatcher, st, tracker, logger.With("component", "scheduler"), schedulerTick)

	var configMgr *config.RWMutexManager
	if _, statErr := os.Stat(*configPath); statErr == nil {
		configMgr = config.NewManager(cfg)
		go runConfigReloadLoop(ctx, configMgr, *configPath, st, logger.With("component", "config"))
	}

	apiSrv, err := api.NewServer(cfg, st, topo, sched, dispatcher, guard, bus, provider, configMgr, logger.With("component", "api"))
	if err != nil {
		logger.Error("failed to create api server", "error", err)
		os.Exit(1)
	}

	go func() {
		if err := apiSrv.Start(ctx); err != nil {
			logger.Error("api server error", "error", err)
		}
	}()

	logger.Info("orchestrator running", "listen_addr", cfg.API.ListenAddr, "topology", cfg.Topology.Mode, "store_backend", cfg.Store.Backend)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	shutdownStart := time.Now()
	logger.Info("received signal, shutting down", "signal", sig)
	cancel()
	logger.Info("orchestrator stopped", "shutdown_duration", time.Since(shutdownStart).String())
}

// runConfigReloadLoop re-reads the config file on an interval and, when the
// budget policy changed, swaps the store's live BudgetConfig in place —
// the one piece of config that can change without rebuilding the rest of
// the dependency graph.
func runConfigReloadLoop(ctx context.Context, mgr *config.RWMutexManager, path string, s store.Store, logger *slog.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			before := mgr.Get()
			if err := mgr.Reload(path); err != nil {
				logger.Warn("config reload failed", "path", path, "error", err)
				continue
			}
			after := mgr.Get()
			if after.Budget == before.Budget {
				continue
			}
			state, err := s.GetBudget(ctx)
			if err != nil {
				logger.Error("config reload: load budget state", "error", err)
				continue
			}
			if state == nil {
				state = &store.BudgetState{}
			}
			state.Config = store.BudgetConfig{
				PerTaskMaxCents:       after.Budget.PerTaskMaxCents,
				DailyCapCents:         after.Budget.DailyCapCents,
				WeeklyCapCents:        after.Budget.WeeklyCapCents,
				AlertThresholdPercent: after.Budget.AlertThresholdPercent,
				PauseThresholdPercent: after.Budget.PauseThresholdPercent,
			}
			if err := s.SetBudget(ctx, state); err != nil {
				logger.Error("config reload: apply budget config", "error", err)
				continue
			}
			logger.Info("config reloaded: budget policy updated", "path", path)
		}
	}
}

// agentLivenessTTL is how long a running agent may go without a poll-source
// heartbeat before runSchedulerLoop treats it as unavailable and rebalances
// its assigned work back to pending.
const agentLivenessTTL = 2 * time.Minute

// runSchedulerLoop ticks the scheduler against the pool of currently idle
// agents until ctx is cancelled, handing every resulting assignment to the
// dispatcher so it actually spends execution-provider capacity on it. Each
// tick also sweeps for agents that have gone stale, rebalances their work,
// and decays any agent-performance record that has gone quiet.
func runSchedulerLoop(ctx context.Context, sched *scheduler.Scheduler, dispatcher *dispatch.Dispatcher, s store.Store, tracker *scoring.Tracker, logger *slog.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			agents, err := s.ListAgents(ctx)
			if err != nil {
				logger.Error("list agents for scheduler tick failed", "error", err)
				continue
			}

			rebalanceStaleAgents(ctx, sched, s, agents, logger)
			tracker.DecayStale(time.Now().UTC())

			var idle []*task.Agent
			for _, a := range agents {
				if a.Status == task.AgentIdle {
					idle = append(idle, a)
				}
			}
			decision, err := sched.Schedule(ctx, idle)
			if err != nil {
				logger.Error("scheduler tick failed", "error", err)
				continue
			}
			dispatcher.Run(ctx, decision)
		}
	}
}

// rebalanceStaleAgents finds running agents whose poll-source heartbeat has
// gone quiet past agentLivenessTTL, marks them failed, and reverts their
// assigned tasks to pending via Rebalance so the next tick re-routes them.
func rebalanceStaleAgents(ctx context.Context, sched *scheduler.Scheduler, s store.Store, agents []*task.Agent, logger *slog.Logger) {
	now := time.Now().UTC()
	for _, a := range agents {
		if !a.Stale(agentLivenessTTL, now) {
			continue
		}

		logger.Warn("agent liveness check: marking unavailable", "agent_id", a.ID, "last_seen", a.LastSeen, "started_at", a.StartedAt)
		a.Status = task.AgentFailed
		a.CompletedAt = now
		if err := s.SetAgent(ctx, a); err != nil {
			logger.Error("agent liveness check: mark agent failed", "agent_id", a.ID, "error", err)
			continue
		}

		reverted, err := sched.Rebalance(ctx, a.ID)
		if err != nil {
			logger.Error("agent liveness check: rebalance failed", "agent_id", a.ID, "error", err)
			continue
		}
		if reverted > 0 {
			logger.Info("agent liveness check: rebalanced tasks", "agent_id", a.ID, "reverted", reverted)
		}
	}
}
