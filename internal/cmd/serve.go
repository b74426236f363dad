package cmd

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/3leaps/geoxfer/internal/config"
	"github.com/3leaps/geoxfer/internal/observability"
	"github.com/3leaps/geoxfer/internal/server"
	"github.com/3leaps/geoxfer/internal/server/handlers"
	"github.com/3leaps/geoxfer/pkg/pgbackend"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler and the HTTP API",
	Long: `Run the job scheduler together with the HTTP status and control API.

Configuration is read from geoxfer.yaml, the user config directory and
GEOXFER_* environment variables. Flags override all of them.

Examples:
  geoxfer serve
  geoxfer serve --port 9000 --workers 8
  DATABASE_URL=postgres://... geoxfer serve`,
	RunE: runServe,
}

var serveFlagBindings = map[string]string{
	"host":      "server.host",
	"port":      "server.port",
	"workers":   "workers",
	"log-level": "logging.level",
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("host", "localhost", "Listen host")
	serveCmd.Flags().Int("port", 8080, "Listen port")
	serveCmd.Flags().Int("workers", 4, "Concurrent job workers")
	serveCmd.Flags().String("log-level", "info", "Log level: debug, info, warn, error")
}

// loadConfig loads configuration with overrides from the flags cmd binds.
func loadConfig(ctx context.Context, cmd *cobra.Command, bindings map[string]string) (*config.Config, error) {
	cfg, err := config.Load(ctx, flagOverrides(cmd, bindings))
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(ctx, cmd, serveFlagBindings)
	if err != nil {
		return err
	}
	logger, err := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Profile)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}
	defer func() { _ = logger.Sync() }()

	e, err := openEngine(ctx, cfg, logger)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to open backends", err)
	}
	defer e.Close()

	if cfg.Health.Enabled {
		hm := handlers.InitHealthManager(versionInfo.Version)
		hm.RegisterChecker("signals", signalHealthChecker{})
		id := config.DefaultIdentity
		if appIdentity != nil {
			id = *appIdentity
		}
		hm.RegisterChecker("identity", identityHealthChecker{
			binaryName: id.BinaryName,
			envPrefix:  id.EnvPrefix,
			configName: id.ConfigName,
		})
		if e.storeDB != nil {
			hm.RegisterChecker("job_store", storeHealthChecker{db: e.storeDB})
		}
		for id, db := range e.databases {
			hm.RegisterChecker("database:"+id, databaseHealthChecker{db: db})
		}
	}

	jobs := handlers.NewJobsHandler(e.scheduler,
		handlers.WithCache(e.cache, cfg.Cache.TTL),
		handlers.WithJobsLogger(logger))
	srv := server.New(cfg.Server.Host, cfg.Server.Port,
		server.WithLogger(logger),
		server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout),
		server.WithJobs(jobs),
		server.WithCallbacks(e.inbox),
		server.WithProfiler(cfg.Debug.Enabled && cfg.Debug.PprofEnabled))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.scheduler.Run(gctx) })
	for _, db := range e.databases {
		l := pgbackend.NewListener(db, cfg.Steps.CallbackChannel, e.inbox, logger)
		g.Go(func() error { return l.Run(gctx) })
	}
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	logger.Info("geoxfer serving",
		zap.String("addr", srv.Addr()),
		zap.Int("workers", cfg.Workers),
		zap.Int("databases", len(e.databases)))

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return exitError(foundry.ExitExternalServiceUnavailable, "Server stopped", err)
	}
	logger.Info("geoxfer stopped")
	return nil
}

// signalHealthChecker reports healthy while the process handles signals.
type signalHealthChecker struct{}

func (signalHealthChecker) CheckHealth(context.Context) error { return nil }

type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(context.Context) error {
	switch {
	case c.binaryName == "":
		return errors.New("missing binary name")
	case c.envPrefix == "":
		return errors.New("missing env prefix")
	case c.configName == "":
		return errors.New("missing config name")
	}
	return nil
}

type storeHealthChecker struct {
	db *sql.DB
}

func (c storeHealthChecker) CheckHealth(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

type databaseHealthChecker struct {
	db *pgbackend.Database
}

func (c databaseHealthChecker) CheckHealth(ctx context.Context) error {
	return c.db.Pool().Ping(ctx)
}
