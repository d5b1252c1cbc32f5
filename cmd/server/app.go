package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/phrazzld/slidegen/internal/api"
	"github.com/phrazzld/slidegen/internal/config"
	"github.com/phrazzld/slidegen/internal/dedup"
	"github.com/phrazzld/slidegen/internal/pipeline"
	"github.com/phrazzld/slidegen/internal/platform/kafka"
	"github.com/phrazzld/slidegen/internal/platform/postgres"
	"github.com/phrazzld/slidegen/internal/queue"
	"github.com/phrazzld/slidegen/internal/service/auth"
	"github.com/phrazzld/slidegen/internal/task"
	"github.com/redis/go-redis/v9"
)

// application holds all the shared application dependencies to simplify management
// and ensure proper cleanup on shutdown.
type application struct {
	config *config.Config
	logger *slog.Logger
	db     *sql.DB
	redis  *redis.Client

	jwtService  auth.JWTService
	taskService *task.Service
	reconciler  *task.Reconciler

	// Set in local dispatch mode.
	localDispatcher *task.LocalDispatcher

	// Set in kafka dispatch mode.
	producer       *kafka.Producer
	resultConsumer *kafka.Consumer

	background sync.WaitGroup
}

// newApplication creates a new application instance with all dependencies initialized.
// It takes ownership of db: on failure every resource, db included, is released.
func newApplication(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
	db *sql.DB,
) (app *application, err error) {
	app = &application{
		config: cfg,
		logger: logger,
		db:     db,
	}
	defer func() {
		if err != nil {
			app.cleanup()
			app = nil
		}
	}()

	app.jwtService, err = auth.NewJWTService(cfg.Auth)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize JWT service: %w", err)
	}

	app.redis, err = setupRedis(ctx, cfg.Redis, logger)
	if err != nil {
		return nil, err
	}

	taskStore := postgres.NewPostgresTaskStore(db, logger)
	slotStore := postgres.NewPostgresSlotStore(db, logger)

	queueManager, err := queue.NewManager(app.redis, queue.Config{
		KeyPrefix:  cfg.Redis.KeyPrefix,
		MaxRunning: cfg.Queue.MaxRunning,
		MaxWaiting: cfg.Queue.MaxWaiting,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create queue manager: %w", err)
	}

	resolver, err := dedup.NewResolver(slotStore, taskStore, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create dedup resolver: %w", err)
	}

	dispatcher, err := app.setupDispatcher(logger)
	if err != nil {
		return nil, err
	}

	app.taskService, err = task.NewService(taskStore, slotStore, resolver, queueManager, dispatcher, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create task service: %w", err)
	}

	if app.localDispatcher != nil {
		app.localDispatcher.SetCompletionHandler(app.taskService.OnTaskCompletion)
		app.localDispatcher.Start()
	}

	app.reconciler, err = task.NewReconciler(taskStore, slotStore, queueManager, app.taskService,
		task.ReconcilerConfig{
			WaitingPolicy: cfg.Queue.WaitingPolicy,
			SweepInterval: time.Duration(cfg.Queue.SweepIntervalMinutes) * time.Minute,
		}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create reconciler: %w", err)
	}

	logger.Info("application initialized successfully")
	return app, nil
}

// setupDispatcher builds the dispatcher selected by dispatch.mode.
func (app *application) setupDispatcher(logger *slog.Logger) (task.Dispatcher, error) {
	cfg := app.config
	switch cfg.Dispatch.Mode {
	case config.DispatchModeKafka:
		producer, err := kafka.NewProducer(cfg.Dispatch.Brokers)
		if err != nil {
			return nil, err
		}
		app.producer = producer

		d, err := kafka.NewDispatcher(producer, cfg.Dispatch.JobTopic, cfg.Dispatch.ControlTopic, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create kafka dispatcher: %w", err)
		}

		app.resultConsumer, err = kafka.NewConsumer(kafka.ConsumerConfig{
			Brokers: cfg.Dispatch.Brokers,
			GroupID: cfg.Dispatch.ResultGroupID,
		}, logger)
		if err != nil {
			return nil, err
		}
		logger.Info("kafka dispatch configured",
			"brokers", cfg.Dispatch.Brokers,
			"job_topic", cfg.Dispatch.JobTopic,
			"result_topic", cfg.Dispatch.ResultTopic)
		return d, nil

	default:
		runner, err := pipeline.NewClient(pipeline.Config{
			BaseURL: cfg.Pipeline.BaseURL,
			Timeout: time.Duration(cfg.Pipeline.TimeoutSeconds) * time.Second,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create pipeline client: %w", err)
		}

		dcfg := task.DefaultLocalDispatcherConfig()
		dcfg.WorkerCount = cfg.Dispatch.WorkerCount
		// Admission never exceeds max_running, so this buffer is never full.
		dcfg.QueueSize = cfg.Queue.MaxRunning
		app.localDispatcher = task.NewLocalDispatcher(runner, dcfg, logger)
		logger.Info("local dispatch configured",
			"worker_count", dcfg.WorkerCount,
			"pipeline_url", cfg.Pipeline.BaseURL)
		return app.localDispatcher, nil
	}
}

// Run reconciles leftover state, then serves HTTP until ctx is cancelled.
func (app *application) Run(ctx context.Context) error {
	report, err := app.reconciler.Run(ctx)
	if err != nil {
		app.cleanup()
		return fmt.Errorf("startup reconciliation failed: %w", err)
	}
	app.logger.Info("startup reconciliation finished",
		"interrupted", report.Interrupted,
		"cancelled", report.Cancelled,
		"preserved", report.Preserved,
		"admitted", report.Admitted,
		"slots_swept", report.SlotsSwept)

	if app.config.Queue.SweepIntervalMinutes > 0 {
		app.reconciler.Start()
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	app.consumeResults(runCtx)

	router := newRouter(routerDeps{
		tasks:      app.taskService,
		jwtService: app.jwtService,
		health: map[string]api.HealthCheck{
			"database": app.db.PingContext,
			"redis": func(ctx context.Context) error {
				return app.redis.Ping(ctx).Err()
			},
		},
		logger: app.logger,
	})

	err = app.startHTTPServer(runCtx, router)
	cancel()
	app.cleanup()
	if err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// consumeResults feeds worker outcomes from the result topic to the task
// service. It is a no-op in local dispatch mode.
func (app *application) consumeResults(ctx context.Context) {
	if app.resultConsumer == nil {
		return
	}

	app.background.Add(1)
	go func() {
		defer app.background.Done()
		err := app.resultConsumer.Consume(ctx, []string{app.config.Dispatch.ResultTopic},
			kafka.ResultHandler(app.taskService.OnTaskCompletion))
		if err != nil {
			app.logger.Error("result consumer stopped", "error", err)
		}
	}()
}

// cleanup handles graceful shutdown of application resources.
func (app *application) cleanup() {
	if app.reconciler != nil {
		app.reconciler.Stop()
	}
	if app.localDispatcher != nil {
		app.localDispatcher.Stop()
	}
	if app.resultConsumer != nil {
		if err := app.resultConsumer.Close(); err != nil {
			app.logger.Error("error closing result consumer", "error", err)
		}
	}
	app.background.Wait()
	if app.producer != nil {
		if err := app.producer.Close(); err != nil {
			app.logger.Error("error closing kafka producer", "error", err)
		}
	}
	if app.redis != nil {
		if err := app.redis.Close(); err != nil {
			app.logger.Error("error closing redis connection", "error", err)
		}
	}
	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Error("error closing database connection", "error", err)
		}
	}

	app.logger.Info("application shutdown completed")
}
