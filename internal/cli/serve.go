package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Dicklesworthstone/omar/internal/config"
	"github.com/Dicklesworthstone/omar/internal/correlate"
	"github.com/Dicklesworthstone/omar/internal/events"
	"github.com/Dicklesworthstone/omar/internal/health"
	"github.com/Dicklesworthstone/omar/internal/serve"
	"github.com/Dicklesworthstone/omar/internal/state"
	"github.com/Dicklesworthstone/omar/internal/supervisor"
	"github.com/Dicklesworthstone/omar/internal/tmux"
)

type serveOptions struct {
	Manager        string
	ManagerTask    string
	ManagerCommand string
	NoWatch        bool
}

func newServeCmd(g *globalOptions) *cobra.Command {
	var opts serveOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator and its control surface",
		Long: `Run the orchestrator: refresh every agent's health on an interval and
serve the JSON control surface.

API Endpoints:
  POST   /agents               Spawn an agent
  GET    /agents               List agents with health
  GET    /agents/{id}          One agent with a fresh output tail
  DELETE /agents/{id}          Kill an agent
  POST   /agents/{id}/send     Type text into an agent
  POST   /agents/{id}/reassign Change an agent's parent
  GET    /projects             List active projects
  POST   /projects             Add a project
  DELETE /projects/{id}        Complete a project
  GET    /ws                   WebSocket event stream
  GET    /health               Liveness

Only one orchestrator may run per state directory.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, g, opts)
		},
	}
	cmd.Flags().StringVar(&opts.Manager, "manager", "", "spawn a manager agent with this id at startup")
	cmd.Flags().StringVar(&opts.ManagerTask, "manager-task", "", "initial task for the --manager agent")
	cmd.Flags().StringVar(&opts.ManagerCommand, "manager-command", "", "command for the --manager agent (default from config)")
	cmd.Flags().BoolVar(&opts.NoWatch, "no-watch", false, "do not reload the config file when it changes")
	return cmd
}

func runServe(ctx context.Context, g *globalOptions, opts serveOptions) error {
	cfg := g.cfg
	logger := g.logger

	if err := os.MkdirAll(cfg.State.Dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	lock := flock.New(cfg.LockPath())
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("lock %s: %w", cfg.LockPath(), err)
	}
	if !locked {
		return fmt.Errorf("another omar is already serving state dir %s", cfg.State.Dir)
	}
	defer func() { _ = lock.Unlock() }()

	store, err := state.Open(cfg.HistoryPath())
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	defer store.Close()
	if err := store.Migrate(); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	classifier, err := health.New(cfg.HealthConfig())
	if err != nil {
		return err
	}
	resolver, err := correlate.New(cfg.Correlation)
	if err != nil {
		return err
	}
	bus := events.NewEventBus(1000)
	sup, err := supervisor.New(cfg.SupervisorConfig(), supervisor.Deps{
		Backend:    tmux.NewClient(g.sshHost),
		Classifier: classifier,
		Resolver:   resolver,
		Emitter:    events.NewEventEmitter(bus, 1024),
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	stopRecording := state.Record(store, bus, logger)
	defer stopRecording()

	if err := sup.Start(ctx); err != nil {
		return err
	}
	defer sup.Close()

	if opts.Manager != "" {
		res, err := sup.Spawn(ctx, supervisor.SpawnRequest{
			Name:    opts.Manager,
			Task:    opts.ManagerTask,
			Command: opts.ManagerCommand,
			Role:    "manager",
		})
		if err != nil {
			return fmt.Errorf("start manager %s: %w", opts.Manager, err)
		}
		logger.Info("manager started", "agent", res.Record.ID, "session", res.Record.Handle)
	}

	srv := serve.New(serve.Config{
		Host:           cfg.API.Host,
		Port:           cfg.API.Port,
		Version:        Version,
		AllowedOrigins: cfg.API.AllowedOrigins,
		Logger:         logger,
	}, sup)

	eg, ectx := errgroup.WithContext(ctx)
	eg.Go(func() error { return sup.Run(ectx) })
	eg.Go(func() error { return srv.Start(ectx) })

	if path := g.configPath(); !opts.NoWatch {
		if _, err := os.Stat(path); err == nil {
			eg.Go(func() error {
				err := config.Watch(ectx, path, 0, logger, func(next *config.Config) {
					applyReload(sup, next, logger)
				})
				if err != nil {
					logger.Warn("config watch stopped", "path", path, "err", err)
				}
				return nil
			})
		}
	}

	logger.Info("omar serving", "addr", cfg.Addr(), "state_dir", cfg.State.Dir, "version", Version)
	return eg.Wait()
}

// applyReload swaps in settings that can change without a restart: the
// classifier's thresholds and patterns.
func applyReload(sup *supervisor.Supervisor, next *config.Config, logger *slog.Logger) {
	c, err := health.New(next.HealthConfig())
	if err != nil {
		logger.Warn("reloaded health config rejected", "err", err)
		return
	}
	sup.SetClassifier(c)
	w, crit := c.Thresholds()
	logger.Info("health classifier reloaded", "idle_warning", w, "idle_critical", crit)
}
