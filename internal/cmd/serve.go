package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/goqueue/internal/observability"
	"github.com/3leaps/goqueue/internal/server"
	"github.com/3leaps/goqueue/internal/server/handlers"
	"github.com/3leaps/goqueue/pkg/guard"
	"github.com/3leaps/goqueue/pkg/jobs"
	"github.com/3leaps/goqueue/pkg/manifest"
	"github.com/3leaps/goqueue/pkg/registry"
	"github.com/3leaps/goqueue/pkg/supervisor"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the queue manager service",
	Long: `Run the HTTP service that owns the registry and executes jobs.

The service is the single writer of the registry file. Other commands
read the registry through consistent snapshots or talk to the service
over HTTP.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("host", "", "Listen host (overrides config)")
	serveCmd.Flags().Int("port", 0, "Listen port (overrides config)")
	serveCmd.Flags().String("registry", "", "Registry file path (overrides config)")
	serveCmd.Flags().String("jobs", "", "Manifest of jobs to submit at startup")
}

// seedFromManifest submits the manifest's jobs into a freshly started
// supervisor. Ids already present in the registry are skipped so a restart
// with the same manifest does not fail.
func seedFromManifest(sup *supervisor.Supervisor, path string, log *zap.Logger) error {
	m, err := manifest.Load(path)
	if err != nil {
		return err
	}
	m.ApplyDefaults()

	for _, spec := range m.Jobs {
		_, err := sup.Submit(spec.Type, spec.ID, spec.Params)
		switch {
		case err == nil:
			log.Info("seeded job from manifest", zap.String("job_id", spec.ID), zap.String("type", spec.Type))
		case errors.Is(err, registry.ErrDuplicateJob):
			log.Debug("manifest job already in registry", zap.String("job_id", spec.ID))
		default:
			return fmt.Errorf("seed %s: %w", spec.ID, err)
		}
	}
	return nil
}

// registryHealthChecker verifies the registry file is still reachable.
type registryHealthChecker struct {
	store *registry.Store
}

func (c registryHealthChecker) CheckHealth(ctx context.Context) error {
	if _, err := os.Stat(c.store.Path()); err != nil {
		return fmt.Errorf("registry file: %w", err)
	}
	return nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to load configuration", err)
	}
	if host, _ := cmd.Flags().GetString("host"); host != "" {
		cfg.Server.Host = host
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port, _ = cmd.Flags().GetInt("port")
	}
	if path, _ := cmd.Flags().GetString("registry"); path != "" {
		cfg.Registry.Path = path
	}

	if err := observability.Init(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to configure logging", err)
	}
	log := observability.ServerLogger

	store, err := registry.Open(cfg.Registry.Path, registry.WithLogger(log))
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to open registry", err)
	}
	defer func() { _ = store.Close() }()

	g := guard.New(guard.Policy{
		SoftLimitBytes: cfg.Guard.SoftLimitBytes,
		HardLimitBytes: cfg.Guard.HardLimitBytes,
	}, log)

	sup := supervisor.New(store, g, supervisor.Config{
		MaxConcurrent:   cfg.Supervisor.MaxConcurrent,
		JobTimeout:      cfg.Supervisor.JobTimeout,
		CancelGrace:     cfg.Supervisor.CancelGrace,
		StartRateLimit:  cfg.Supervisor.StartRateLimit,
		MaxQueueSize:    cfg.Supervisor.MaxQueueSize,
		CleanupMaxAge:   cfg.Supervisor.CleanupMaxAge,
		CleanupInterval: cfg.Supervisor.CleanupInterval,
	}, log)
	sup.Register(jobs.TypeShell, jobs.NewShellFactory(jobs.ShellConfig{}))
	sup.Register(jobs.TypeSleep, jobs.NewSleepFactory())

	if err := sup.Start(); err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to start supervisor", err)
	}

	if manifestPath, _ := cmd.Flags().GetString("jobs"); manifestPath != "" {
		if err := seedFromManifest(sup, manifestPath, log); err != nil {
			return exitError(foundry.ExitInvalidArgument, "Failed to seed jobs from manifest", err)
		}
	}

	handlers.InitHealthManager(versionInfo.Version)
	handlers.GetHealthManager().RegisterChecker("registry", registryHealthChecker{store: store})

	srv := server.New(cfg.Server.Host, cfg.Server.Port,
		server.WithSupervisor(sup),
		server.WithLogger(log),
		server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout),
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		if err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "HTTP server failed", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown incomplete", zap.Error(err))
	}
	if err := sup.Stop(shutdownCtx); err != nil {
		log.Warn("supervisor shutdown incomplete", zap.Error(err))
	}
	return nil
}
