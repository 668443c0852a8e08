package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentgate/agentgate/internal/agent"
	"github.com/agentgate/agentgate/internal/api"
	"github.com/agentgate/agentgate/internal/config"
	"github.com/agentgate/agentgate/internal/db"
	"github.com/agentgate/agentgate/internal/db/driver"
	"github.com/agentgate/agentgate/internal/events"
	"github.com/agentgate/agentgate/internal/hosting"
	_ "github.com/agentgate/agentgate/internal/hosting/github"
	_ "github.com/agentgate/agentgate/internal/hosting/gitlab"
	"github.com/agentgate/agentgate/internal/lease"
	"github.com/agentgate/agentgate/internal/orchestrator"
	"github.com/agentgate/agentgate/internal/queue"
	"github.com/agentgate/agentgate/internal/storage"
	"github.com/agentgate/agentgate/internal/strategy"
	"github.com/agentgate/agentgate/internal/workspace"
)

// newServeCmd creates the serve command for the daemon.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator daemon and its API",
		Long: `Run the orchestrator daemon: queue, admission control, stale
detection, run execution, and the REST/WebSocket API.

Queued orders survive restarts; anything persisted as waiting is
restored on startup.

Example:
  agentgate serve                 # Listen per config (default 127.0.0.1:7466)
  agentgate serve --port 9000     # Override the port`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("host") {
				cfg.Server.Host, _ = cmd.Flags().GetString("host")
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port, _ = cmd.Flags().GetInt("port")
			}
			return runServe(cfg)
		},
	}

	cmd.Flags().String("host", "", "listen host (overrides config)")
	cmd.Flags().IntP("port", "p", 0, "listen port (overrides config)")

	return cmd
}

func runServe(cfg *config.Config) error {
	logger := newLogger()

	store, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	pub := events.NewMemoryPublisher()
	defer pub.Close()

	q := queue.New(queue.Options{
		MaxQueueSize:    cfg.Queue.MaxQueueSize,
		MaxConcurrent:   cfg.Queue.MaxConcurrent,
		PersistPath:     filepath.Join(cfg.Queue.PersistDir, "queue.json"),
		PersistInterval: cfg.Queue.PersistInterval.Std(),
		Publisher:       pub,
		Logger:          logger,
	})

	orch, err := buildOrchestrator(cfg, logger, q, store, pub)
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := api.New(api.Config{Addr: addr, Logger: logger}, orch, q, store, pub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("shutting down", "signal", sig.String())
		cancel()
	}()

	// Start owns queue restore and the persistence flusher.
	orch.Start(ctx)

	if !quiet {
		fmt.Printf("agentgate listening on http://%s\n", addr)
		fmt.Println("Press Ctrl+C to stop")
	}

	serveErr := server.Start(ctx)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	orch.Stop(stopCtx)
	q.Stop()

	return serveErr
}

// buildOrchestrator assembles the orchestrator from configuration.
func buildOrchestrator(cfg *config.Config, logger *slog.Logger, q *queue.Queue, store storage.Store, pub events.Publisher) (*orchestrator.Orchestrator, error) {
	return orchestrator.New(orchestrator.Options{
		Queue:      q,
		Store:      store,
		Workspaces: workspace.NewDirManager(filepath.Join(cfg.Storage.Dir, "workspaces"), workspace.WithLogger(logger)),
		Leases:     lease.NewFileManager(cfg.Lease.Dir),
		Publisher:  pub,
		Logger:     logger,

		Agent: agent.Config{
			Binary:  cfg.Agent.Binary,
			Model:   cfg.Agent.Model,
			Timeout: cfg.Agent.Timeout.Std(),
		},
		DefaultAgentType: cfg.Agent.Type,

		Strategy: strategyConfig(cfg),
		Hosting:  hostingConfig(cfg),

		CIPollEnabled:  cfg.Hosting.CIPoll.Enabled,
		CIPollInterval: cfg.Hosting.CIPoll.Interval.Std(),
		CIPollTimeout:  cfg.Hosting.CIPoll.Timeout.Std(),

		PushEachIteration: cfg.Run.PushEachIteration,

		MaxConcurrent:        cfg.Queue.MaxConcurrent,
		DefaultGatePlan:      cfg.Verify.Plan,
		DefaultMaxIterations: cfg.Run.MaxIterations,
		DefaultMaxWallClock:  cfg.Run.MaxWallClock.Std(),
		DisableRetries:       cfg.Run.DisableRetries,

		Admission: orchestrator.AdmissionOptions{
			TickInterval:         cfg.Admission.TickInterval.Std(),
			StaggerDelay:         cfg.Admission.StaggerDelay.Std(),
			MinAvailableMemoryMB: cfg.Admission.MinAvailableMemoryMB,
			Publisher:            pub,
			Logger:               logger,
		},
		Stale: orchestrator.StaleOptions{
			SweepInterval:  cfg.Stale.SweepInterval.Std(),
			MaxRunningTime: cfg.Stale.MaxRunningTime.Std(),
			Publisher:      pub,
			Logger:         logger,
		},
	})
}

// openStore selects the storage backend: SQL when a database driver is
// configured, the file store otherwise.
func openStore(cfg *config.Config) (storage.Store, func(), error) {
	if cfg.Storage.Database.Driver != "" {
		dsn := cfg.Storage.Database.DSN
		if dsn == "" {
			dsn = filepath.Join(cfg.Storage.Dir, "archive.db")
		}
		database, err := db.OpenWithDialect(driver.Dialect(cfg.Storage.Database.Driver), dsn)
		if err != nil {
			return nil, nil, err
		}
		return db.NewStore(database), func() { _ = database.Close() }, nil
	}

	fs, err := storage.NewFileStore(cfg.Storage.Dir)
	if err != nil {
		return nil, nil, err
	}
	return fs, func() { _ = fs.Close() }, nil
}

func strategyConfig(cfg *config.Config) *strategy.Config {
	if cfg.Run.Strategy == "" {
		return nil
	}
	return &strategy.Config{
		Type:            cfg.Run.Strategy,
		MaxIterations:   cfg.Run.MaxIterations,
		BaseIterations:  cfg.Run.BaseIterations,
		BonusIterations: cfg.Run.BonusIterations,
		MinIterations:   cfg.Run.MinIterations,
		WindowSize:      cfg.Run.WindowSize,
		Threshold:       cfg.Run.Threshold,
	}
}

func hostingConfig(cfg *config.Config) *hosting.Config {
	if cfg.Hosting.Provider == "" {
		return nil
	}
	return &hosting.Config{
		Provider:    cfg.Hosting.Provider,
		Repo:        cfg.Hosting.Repo,
		BaseURL:     cfg.Hosting.BaseURL,
		TokenEnvVar: cfg.Hosting.TokenEnvVar,
		Base:        cfg.Hosting.BaseBranch,
	}
}
