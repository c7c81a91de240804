package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentcompany/agentcompany/internal/adapters/cli"
	"github.com/agentcompany/agentcompany/internal/agents"
	"github.com/agentcompany/agentcompany/internal/api"
	"github.com/agentcompany/agentcompany/internal/approval"
	"github.com/agentcompany/agentcompany/internal/bus"
	"github.com/agentcompany/agentcompany/internal/config"
	"github.com/agentcompany/agentcompany/internal/container"
	"github.com/agentcompany/agentcompany/internal/core"
	"github.com/agentcompany/agentcompany/internal/diagnostics"
	"github.com/agentcompany/agentcompany/internal/engine"
	"github.com/agentcompany/agentcompany/internal/events"
	"github.com/agentcompany/agentcompany/internal/logging"
	"github.com/agentcompany/agentcompany/internal/meeting"
	"github.com/agentcompany/agentcompany/internal/metrics"
	"github.com/agentcompany/agentcompany/internal/quality"
	"github.com/agentcompany/agentcompany/internal/report"
	"github.com/agentcompany/agentcompany/internal/runstore"
	"github.com/agentcompany/agentcompany/internal/ticket"
	"github.com/agentcompany/agentcompany/internal/tracker"
	"github.com/agentcompany/agentcompany/internal/worker"
)

var (
	serveAPIAddr      string
	serveSweepEvery   time.Duration
	serveNoRestore    bool
	serveRosterPath   string
	serveMonitorEvery time.Duration
	serveWorkerImage  string
	serveNoSandbox    bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestration engine and control API",
	Long: `serve brings the whole company online: the agent bus, the standing
roster, the worker pool, the approval gate and the control API. Runs
interrupted by a previous shutdown are restored and resume where they
stopped.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAPIAddr, "addr", "",
		"API listen address (default: from config, :8080)")
	serveCmd.Flags().DurationVar(&serveSweepEvery, "sweep-interval", time.Minute,
		"interval between maintenance sweeps")
	serveCmd.Flags().BoolVar(&serveNoRestore, "no-restore", false,
		"do not resume interrupted runs on startup")
	serveCmd.Flags().StringVar(&serveRosterPath, "roster", "",
		"worker roster overrides (default: <root>/state/workers.yaml if present)")
	serveCmd.Flags().DurationVar(&serveMonitorEvery, "monitor-interval", 30*time.Second,
		"resource monitor sampling interval")
	serveCmd.Flags().StringVar(&serveWorkerImage, "worker-image", "agentcompany-worker:latest",
		"container image workers execute in")
	serveCmd.Flags().BoolVar(&serveNoSandbox, "no-sandbox", false,
		"run workers on the host without container isolation (development only)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger := newLogger()

	root := appConfig.Runtime.Root
	stateDir := filepath.Join(root, "state")
	runsDir := filepath.Join(root, "runs")
	workspacesDir := filepath.Join(root, "workspaces")
	for _, dir := range []string{stateDir, runsDir, workspacesDir} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return err
		}
	}

	mgr := config.NewManager(stateDir, logger)
	sysCfg, err := mgr.Load()
	if err != nil {
		return err
	}
	result := config.NewValidator().ValidateSystem(sysCfg)
	for _, w := range result.Warnings {
		logger.Warn("configuration warning", "detail", w.String())
	}
	if !result.Valid {
		return result.Errors
	}
	for _, check := range diagnostics.RunPreflight(sysCfg, workspacesDir) {
		if check.Passed {
			logger.Debug("preflight", "check", check.Name, "detail", check.Detail)
			continue
		}
		logger.Warn("preflight check failed", "check", check.Name, "detail", check.Detail)
	}
	if err := mgr.StartWatching(); err != nil {
		logger.Warn("config watch unavailable", "error", err)
	}
	defer mgr.Close()
	unsubscribe := mgr.Subscribe(func(cfg *config.SystemConfig) {
		logger.Info("engine configuration reloaded",
			"maxConcurrentWorkers", cfg.MaxConcurrentWorkers,
			"messageQueueType", cfg.MessageQueueType)
	})
	defer unsubscribe()

	b, err := bus.New(sysCfg, stateDir, logger)
	if err != nil {
		return err
	}
	defer func() { _ = b.Close() }()

	store := runstore.New(runsDir, runstore.WithLogger(logger))
	gate := approval.NewGate(approval.WithGateLogger(logger))
	pool := worker.NewPool(sysCfg.MaxConcurrentWorkers, worker.WithPoolLogger(logger))

	registry := worker.NewRegistry()
	rosterPath := serveRosterPath
	if rosterPath == "" {
		rosterPath = filepath.Join(stateDir, "workers.yaml")
	}
	if _, statErr := os.Stat(rosterPath); statErr == nil {
		defs, rosterErr := worker.LoadRosterFile(rosterPath)
		if rosterErr == nil {
			rosterErr = worker.ApplyRoster(registry, defs)
		}
		if rosterErr != nil {
			return rosterErr
		}
		logger.Info("worker roster overrides applied", "path", rosterPath)
	}

	chat := cli.New(sysCfg.DefaultAIAdapter, sysCfg.DefaultModel,
		cli.WithLogger(logger),
		cli.WithTimeout(sysCfg.DefaultTimeout()))
	if err := chat.Ping(); err != nil {
		logger.Warn("AI adapter unavailable; worker tasks will fail until it is installed",
			"adapter", sysCfg.DefaultAIAdapter, "error", err)
	}

	qgate := quality.NewGate(
		quality.WithGateLogger(logger),
		quality.WithCheckTimeout(sysCfg.DefaultTimeout()))
	runner := newWorkerRunner(sysCfg, logger, chat, registry, qgate)
	company := agents.NewCompany(b, chat, runner, agents.WithCompanyLogger(logger))
	meetings := meeting.NewCoordinator(b, store, meeting.WithLogger(logger))

	trk := tracker.New(stateDir, tracker.WithLogger(logger))
	met := metrics.New()
	evb := events.New(256)
	defer evb.Close()

	monitor := diagnostics.NewResourceMonitor(serveMonitorEvery, logger.Logger,
		diagnostics.WithFDThreshold(80),
		diagnostics.WithGoroutineThreshold(10000),
		diagnostics.WithFleetGauge(func() (int, int) { return pool.Len(), pool.Capacity() }))
	dumps := diagnostics.NewCrashDumpWriter(filepath.Join(stateDir, "crashdumps"),
		10, true, false, logger.Logger, monitor)

	eng, err := engine.New(engine.Deps{
		Config:   sysCfg,
		Store:    store,
		Bus:      b,
		Gate:     gate,
		Pool:     pool,
		Company:  company,
		Meetings: meetings,
		Tickets:  ticket.NewManager(ticket.WithManagerLogger(logger)),
		Reporter: report.New(store),
	},
		engine.WithLogger(logger),
		engine.WithMetrics(met),
		engine.WithEvents(evb),
		engine.WithTracker(trk),
		engine.WithCrashDumps(dumps),
		engine.WithWorkspacesDir(workspacesDir),
		engine.WithQualityGate(qgate),
		engine.WithSandboxFactory(newSandboxFactory(sysCfg, logger)),
	)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng.Start(ctx)
	company.Start(ctx)
	defer company.Stop()

	if !serveNoRestore {
		restored, restoreErr := eng.RestoreWorkflows()
		if restoreErr != nil {
			logger.Warn("restore failed", "error", restoreErr)
		} else if restored > 0 {
			logger.Info("resumed interrupted runs", "count", restored)
		}
	}

	go eng.RunSweeper(ctx, serveSweepEvery)

	monitor.Start(ctx)
	defer monitor.Stop()

	addr := serveAPIAddr
	if addr == "" {
		addr = appConfig.Server.Addr
	}
	srv := api.NewServer(eng, evb,
		api.WithLogger(logger),
		api.WithTracker(trk),
		api.WithMetrics(met))

	err = srv.ListenAndServe(ctx, addr)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := eng.Shutdown(shutdownCtx); err != nil {
		logger.Warn("engine shutdown incomplete", "error", err)
	}
	logger.Info("server stopped")
	return nil
}

// newWorkerRunner builds the execution loop agents drive assignments
// through. Every deliverable has to clear the quality gate before the
// worker may report success.
func newWorkerRunner(sysCfg *config.SystemConfig, logger *logging.Logger, chat core.ChatCompletion, registry *worker.Registry, qgate *quality.Gate) *worker.Runner {
	return worker.NewRunner(chat, registry,
		worker.WithRunnerLogger(logger),
		worker.WithDefaultModel(sysCfg.DefaultModel),
		worker.WithGate(qgate.Run))
}

// newSandboxFactory provisions one hardened container per worker: no
// network, dropped capabilities, the workspace mounted read-write and
// the run directory read-only. --no-sandbox disables provisioning.
func newSandboxFactory(sysCfg *config.SystemConfig, logger *logging.Logger) engine.SandboxFactory {
	if serveNoSandbox {
		logger.Warn("worker sandbox disabled; tasks execute on the host")
		return nil
	}
	rt := container.NewDockerRuntime(sysCfg.ContainerRuntime, sysCfg.DockerCommandAllowed,
		container.WithDockerLogger(logger))
	return func(ctx context.Context, workerID, workspace, resultsDir string) (*container.WorkerContainer, error) {
		wc := container.NewWorkerContainer(workerID, rt,
			container.WithWorkerContainerLogger(logger))
		if err := wc.Create(ctx, container.CreateOptions{
			Image:       serveWorkerImage,
			Cmd:         []string{"sleep", "infinity"},
			Workspace:   workspace,
			ResultsDir:  resultsDir,
			MemoryLimit: sysCfg.WorkerMemoryLimit,
			CPULimit:    sysCfg.WorkerCPULimit,
		}); err != nil {
			return nil, err
		}
		if err := wc.Start(ctx); err != nil {
			_ = wc.Destroy(ctx, true)
			return nil, err
		}
		return wc, nil
	}
}
