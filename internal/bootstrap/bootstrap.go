// Package bootstrap wires a reconciliation session from configuration. It is
// shared by the server and the CLI.
package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/feichai0017/document-reconciler/config"
	"github.com/feichai0017/document-reconciler/internal/agent"
	"github.com/feichai0017/document-reconciler/internal/checkpoint"
	"github.com/feichai0017/document-reconciler/internal/registry"
	"github.com/feichai0017/document-reconciler/internal/service/reconcile"
	"github.com/feichai0017/document-reconciler/pkg/logger"
	"github.com/feichai0017/document-reconciler/pkg/metrics"
	"github.com/feichai0017/document-reconciler/pkg/queue"
	"github.com/feichai0017/document-reconciler/pkg/storage"
)

// NewLogger builds the process logger from the pipeline log settings.
func NewLogger(cfg config.LogConfig, file string) (logger.Logger, error) {
	outputs := []string{"stdout"}
	if file != "" {
		outputs = append(outputs, file)
	}
	return logger.NewLogger(
		logger.WithLevel(cfg.Level),
		logger.WithEncoding(cfg.Encoding),
		logger.WithOutputPaths(outputs),
		logger.WithRotation(100, 5, 30),
	)
}

// App holds a session and the resources it owns.
type App struct {
	Session *reconcile.Session
	Metrics *metrics.Metrics

	closers []func() error
	log     logger.Logger
}

// Options selects optional parts of the wiring.
type Options struct {
	// Queue enables asynq cleanup of staged files. When false the session
	// purges staging inline.
	Queue   bool
	Session  []reconcile.Option
	Metrics  *metrics.Metrics
}

// New connects storage, the registry, the checkpoint store and the OCR
// engine, then builds the session.
func New(ctx context.Context, cfg *config.PipelineConfig, log logger.Logger, opts Options) (*App, error) {
	app := &App{Metrics: opts.Metrics, log: log}

	store, err := storage.NewStorage(ctx, storage.StorageType(cfg.Intake.Storage), log)
	if err != nil {
		return nil, fmt.Errorf("failed to init storage: %w", err)
	}

	reg, err := registry.Open(config.GetDatabaseConfig(), log)
	if err != nil {
		return nil, fmt.Errorf("failed to open registry: %w", err)
	}
	if err := reg.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to migrate registry: %w", err)
	}

	var rdb *redis.Client
	redisCfg := config.GetRedisConfig()
	if cfg.Checkpoint.Backend == config.CheckpointRedis {
		rdb = redis.NewClient(&redis.Options{
			Addr:     redisCfg.Addr,
			Password: redisCfg.Password,
			DB:       redisCfg.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		app.closers = append(app.closers, rdb.Close)
	}
	checkpoints := NewCheckpointStore(cfg, rdb)

	engine, err := agent.NewEngine(ctx, cfg, opts.Metrics, log)
	if err != nil {
		app.Close()
		return nil, err
	}

	deps := reconcile.Deps{
		Config:      *cfg,
		Storage:     store,
		Registry:    reg,
		Recognizer:  engine,
		Checkpoints: checkpoints,
		Metrics:     opts.Metrics,
		Logger:      log,
	}
	if opts.Queue {
		q := queue.NewAsynqQueue(queue.ConfigFromRedis(redisCfg))
		app.closers = append(app.closers, q.Close)
		deps.Cleaner = q
	}

	session, err := reconcile.New(deps, opts.Session...)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.Session = session
	return app, nil
}

// NewCheckpointStore picks the backend named in cfg. rdb may be nil unless
// the backend is redis.
func NewCheckpointStore(cfg *config.PipelineConfig, rdb *redis.Client) checkpoint.Store {
	switch cfg.Checkpoint.Backend {
	case config.CheckpointRedis:
		return checkpoint.NewRedisStore(rdb, cfg.Checkpoint.Key, cfg.Staleness)
	case config.CheckpointFile:
		return checkpoint.NewFileStore(cfg.Checkpoint.Path)
	default:
		return checkpoint.NewMemoryStore()
	}
}

// Close stops the session and releases connections.
func (a *App) Close() {
	if a.Session != nil {
		a.Session.Close()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	if err := errors.Join(errs...); err != nil {
		a.log.Warn("Failed to release resources", logger.Error(err))
	}
}
