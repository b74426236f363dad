package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/geoxfer/internal/config"
	"github.com/3leaps/geoxfer/pkg/cache"
	"github.com/3leaps/geoxfer/pkg/callback"
	"github.com/3leaps/geoxfer/pkg/importqueue"
	"github.com/3leaps/geoxfer/pkg/jobstore"
	"github.com/3leaps/geoxfer/pkg/objectstore"
	"github.com/3leaps/geoxfer/pkg/objectstore/file"
	"github.com/3leaps/geoxfer/pkg/objectstore/s3"
	"github.com/3leaps/geoxfer/pkg/orchestrator"
	"github.com/3leaps/geoxfer/pkg/pgbackend"
	"github.com/3leaps/geoxfer/pkg/resource"
	"github.com/3leaps/geoxfer/pkg/step"
)

// engine holds everything a scheduler runs against.
type engine struct {
	cfg    *config.Config
	logger *zap.Logger

	store     *jobstore.Store
	storeDB   *sql.DB
	objects   objectstore.Store
	databases pgbackend.Set
	ledger    *resource.Ledger
	inbox     *callback.Inbox
	admission *importqueue.Admission
	scheduler *orchestrator.Scheduler
	cache     *cache.Tiered
}

func openObjects(ctx context.Context, cfg config.ObjectsConfig) (objectstore.Store, error) {
	switch cfg.Provider {
	case config.ObjectsProviderS3:
		return s3.New(ctx, s3.Config{
			Bucket:         cfg.Bucket,
			Region:         cfg.Region,
			Endpoint:       cfg.Endpoint,
			Profile:        cfg.Profile,
			ForcePathStyle: cfg.ForcePathStyle,
		})
	case config.ObjectsProviderFile:
		return file.New(file.Config{BaseDir: cfg.BaseDir})
	default:
		return nil, fmt.Errorf("unsupported object store provider %q", cfg.Provider)
	}
}

// openStore opens only the job store. The returned *sql.DB is nil for the
// file driver.
func openStore(ctx context.Context, cfg *config.Config, objects objectstore.Store, logger *zap.Logger) (*jobstore.Store, *sql.DB, error) {
	var (
		backend jobstore.Backend
		db      *sql.DB
	)
	switch cfg.Store.Driver {
	case config.StoreDriverSQL:
		b, err := jobstore.OpenSQLBackend(ctx, jobstore.SQLConfig{
			Path:      cfg.Store.Path,
			URL:       cfg.Store.URL,
			AuthToken: cfg.Store.AuthToken,
		})
		if err != nil {
			return nil, nil, err
		}
		backend, db = b, b.DB()
	case config.StoreDriverFile:
		backend = jobstore.NewFileBackend(cfg.Store.Path)
	default:
		return nil, nil, fmt.Errorf("unsupported job store driver %q", cfg.Store.Driver)
	}

	opts := []jobstore.Option{
		jobstore.WithRetention(cfg.Store.Retention),
		jobstore.WithLogger(logger),
	}
	if p, ok := objects.(objectstore.Presigner); ok {
		opts = append(opts, jobstore.WithPresigner(p, cfg.Objects.PresignTTL))
	}
	return jobstore.New(backend, opts...), db, nil
}

func openDatabases(ctx context.Context, cfgs []config.DatabaseConfig, drain time.Duration, logger *zap.Logger) (pgbackend.Set, error) {
	set := make(pgbackend.Set, len(cfgs))
	for _, c := range cfgs {
		db, err := pgbackend.Open(ctx, pgbackend.Config{
			ID:           c.ID,
			DSN:          c.DSN,
			Capacity:     c.Capacity,
			AsyncTimeout: c.AsyncTimeout,
			MaxConns:     c.MaxConns,
			DrainTimeout: drain,
		}, pgbackend.WithLogger(logger))
		if err != nil {
			set.Close()
			return nil, fmt.Errorf("database %s: %w", c.ID, err)
		}
		set[c.ID] = db
	}
	return set, nil
}

// openEngine wires the stores, databases, resource ledger and job kinds
// into a scheduler. The scheduler is not started.
func openEngine(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *engine, err error) {
	e := &engine{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			e.Close()
		}
	}()

	if e.objects, err = openObjects(ctx, cfg.Objects); err != nil {
		return nil, fmt.Errorf("object store: %w", err)
	}
	if e.store, e.storeDB, err = openStore(ctx, cfg, e.objects, logger); err != nil {
		return nil, fmt.Errorf("job store: %w", err)
	}
	if e.databases, err = openDatabases(ctx, cfg.Databases, cfg.Server.ShutdownTimeout, logger); err != nil {
		return nil, err
	}

	resources := e.databases.Resources()
	if cfg.Steps.ProcessCapacity > 0 {
		resources = append(resources, resource.Static{Name: step.ProcessResource, Units: cfg.Steps.ProcessCapacity})
	}
	e.ledger = resource.NewLedger(resources...)

	registry := step.NewRegistry(step.Deps{
		Ledger:          e.ledger,
		Backends:        e.databases.Lookup,
		Objects:         e.objects,
		CallbackChannel: cfg.Steps.CallbackChannel,
		SyncTimeout:     cfg.Steps.SyncTimeout,
		DispatchTimeout: cfg.Steps.DispatchTimeout,
		WorkDir:         cfg.Steps.WorkDir,
		Logger:          logger,
	})

	if e.admission, err = importqueue.NewAdmission(int64(cfg.Import.MaxInflightBytes)); err != nil {
		return nil, err
	}
	region := cfg.Import.Region
	if region == "" {
		region = cfg.Objects.Region
	}
	queue := importqueue.New(e.admission, &pgbackend.Importer{
		Databases: e.databases,
		Bucket:    cfg.Objects.Bucket,
		Region:    region,
		Schema:    cfg.Import.DefaultSchema,
		Logger:    logger,
	}, importqueue.Config{
		CompressedMultiplier: cfg.Import.CompressedMultiplier,
		Timeout:              cfg.Import.Timeout,
		Logger:               logger,
	})

	importKind, err := orchestrator.NewImportKind(orchestrator.ImportConfig{
		Objects: e.objects,
		Tables:  e.databases,
		Queue:   queue,
		Schema:  cfg.Import.DefaultSchema,
		Include: cfg.Import.Include,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}

	var limiter *rate.Limiter
	if cfg.Scheduler.HeartbeatRate > 0 {
		burst := int(cfg.Scheduler.HeartbeatRate)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.Scheduler.HeartbeatRate), burst)
	}
	stepsKind, err := orchestrator.NewStepsKind(orchestrator.StepsConfig{
		Registry:     registry,
		Ledger:       e.ledger,
		Objects:      e.objects,
		Store:        e.store,
		UnknownGrace: cfg.Scheduler.UnknownGrace,
		Limiter:      limiter,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}

	e.inbox = callback.NewInbox(0)
	e.scheduler = orchestrator.New(e.store, e.objects, e.inbox, orchestrator.Config{
		Workers:           cfg.Workers,
		PollInterval:      cfg.Scheduler.PollInterval,
		HeartbeatInterval: cfg.Scheduler.HeartbeatInterval,
		FinalizeRetries:   cfg.Scheduler.FinalizeRetries,
		FinalizeBackoff:   cfg.Scheduler.FinalizeBackoff,
		GCInterval:        cfg.Scheduler.GCInterval,
		Logger:            logger,
	}, importKind, stepsKind)

	var shared cache.Cache
	if cfg.Cache.Shared && e.storeDB != nil {
		s, err := cache.NewShared(ctx, e.storeDB)
		if err != nil {
			return nil, fmt.Errorf("shared cache: %w", err)
		}
		shared = s
	}
	e.cache = cache.NewTiered(cache.NewMemory(), shared, cfg.Cache.LocalTTL)
	return e, nil
}

// Close releases connections. It is safe on a partially opened engine.
func (e *engine) Close() {
	if e.inbox != nil {
		e.inbox.Close()
	}
	if e.databases != nil {
		e.databases.Close()
	}
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			e.logger.Warn("close job store", zap.Error(err))
		}
	}
}
