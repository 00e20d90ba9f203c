package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/postdispatch/internal/api/handler"
	"github.com/cuongbtq/postdispatch/internal/api/router"
	"github.com/cuongbtq/postdispatch/internal/claim"
	"github.com/cuongbtq/postdispatch/internal/claim/memstore"
	"github.com/cuongbtq/postdispatch/internal/claim/redisstore"
	"github.com/cuongbtq/postdispatch/internal/config"
	"github.com/cuongbtq/postdispatch/internal/dispatch"
	"github.com/cuongbtq/postdispatch/internal/distribution"
	"github.com/cuongbtq/postdispatch/internal/queue"
	qmemory "github.com/cuongbtq/postdispatch/internal/queue/memory"
	qrabbit "github.com/cuongbtq/postdispatch/internal/queue/rabbitmq"
	"github.com/cuongbtq/postdispatch/internal/registry"
	"github.com/cuongbtq/postdispatch/internal/results"
	"github.com/cuongbtq/postdispatch/internal/scheduler"
	"github.com/cuongbtq/postdispatch/internal/storage"
	"github.com/cuongbtq/postdispatch/internal/storage/memory"
	"github.com/cuongbtq/postdispatch/internal/storage/postgres"
	"github.com/cuongbtq/postdispatch/internal/tracing"
	"github.com/cuongbtq/postdispatch/internal/workers"
	"github.com/cuongbtq/postdispatch/shared/logger"
	"github.com/cuongbtq/postdispatch/shared/postgresql"
	"github.com/cuongbtq/postdispatch/shared/rabbitmq"
	sharedredis "github.com/cuongbtq/postdispatch/shared/redis"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

const leaseKey = "postdispatch:scheduler:leader"

// brainStore is everything the Brain services read and write
type brainStore interface {
	workers.Store
	results.Store
	distribution.Store
	storage.AccountStore
}

// backend is the storage and transport selected by app.backend
type backend struct {
	store      brainStore
	engine     queue.Engine
	claimStore claim.Store
	leader     scheduler.Leader
	// serve runs background transport loops; nil for the memory backend
	serve   func(ctx context.Context) error
	cleanup func()
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("BRAIN_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/brain/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateBrainConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	defaulted, err := cfg.LoadSecrets(nil)
	if err != nil {
		return err
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	for _, env := range defaulted {
		appLogger.Warn("Secret not set, using development value", slog.String("env", env))
	}

	processID := fmt.Sprintf("%s-%s", cfg.App.Name, uuid.NewString()[:8])
	appLogger.Info("Starting brain",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("backend", cfg.App.Backend),
		slog.String("process_id", processID),
	)

	shutdownTracing, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRatio: cfg.Tracing.SampleRatio,
		Writer:      os.Stdout,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := initBackend(ctx, cfg, appLogger.Logger, processID)
	if err != nil {
		return err
	}
	defer b.cleanup()

	// Services
	ws := workers.NewService(b.store, workers.NewTokenIssuer(cfg.Security.JWTSecret, 0), appLogger.Component("workers"))
	rp := results.NewProcessor(b.store, appLogger.Component("results"))
	claims := claim.NewService(b.engine, b.claimStore, ws, rp, claim.Options{
		ProcessID:       processID,
		TTL:             cfg.Claim.TTL,
		IdempotencyTTL:  cfg.Claim.IdempotencyTTL,
		MaxMissedCycles: cfg.Claim.MaxMissedCycles,
		MaxPullLimit:    cfg.Claim.MaxPullLimit,
	}, appLogger.Component("claim"))
	dispatcher := dispatch.NewService(ws, rp, dispatch.Options{
		Secret:    cfg.Security.DispatchSecret,
		Timeout:   cfg.Dispatch.Timeout,
		UserAgent: cfg.Dispatch.UserAgent,
		PublicURL: cfg.Dispatch.PublicURL,
		MaxSkew:   cfg.Dispatch.CallbackMaxSkew,
	}, appLogger.Component("dispatch"))
	dist := distribution.NewEngine(b.engine, b.store, appLogger.Component("distribution"))

	claims.StartConsumers(ctx, registry.QueueNames())
	defer claims.Stop()

	sched := scheduler.New(b.leader, processID, appLogger.Logger)
	if err := registerTasks(sched, cfg, ws, claims, rp, appLogger.Logger); err != nil {
		return err
	}

	// Initialize router
	r := initRouter(cfg, &handler.Dependencies{
		Logger:       appLogger.Logger,
		Config:       cfg,
		Workers:      ws,
		Claims:       claims,
		Dispatcher:   dispatcher,
		Distribution: dist,
		Results:      rp,
		Accounts:     b.store,
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		appLogger.Info("Starting HTTP server",
			slog.String("address", addr),
			slog.Duration("read_timeout", cfg.Server.ReadTimeout),
			slog.Duration("write_timeout", cfg.Server.WriteTimeout),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return sched.Start(gctx)
	})
	if b.serve != nil {
		g.Go(func() error {
			return b.serve(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		appLogger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			appLogger.Error("Server forced to shutdown", slog.Any("error", err))
			return err
		}
		return nil
	})

	err = g.Wait()

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if terr := shutdownTracing(flushCtx); terr != nil {
		appLogger.Warn("Failed to flush traces", slog.Any("error", terr))
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	appLogger.Info("Brain shutdown complete")
	return nil
}

// registerTasks schedules the periodic sweeps. Heartbeat and retention
// sweeps run on the lease holder only; reconciliation covers this
// process's own deliveries and runs everywhere.
func registerTasks(s *scheduler.Scheduler, cfg *config.Config, ws *workers.Service, claims *claim.Service, rp *results.Processor, logger *slog.Logger) error {
	err := s.Every("worker-heartbeats", cfg.Monitor.Interval, true, func(ctx context.Context) error {
		n, err := ws.CheckHeartbeats(ctx, cfg.Monitor.OfflineAfter)
		if n > 0 {
			logger.Info("Marked stale workers offline", slog.Int("count", n))
		}
		return err
	})
	if err != nil {
		return err
	}

	err = s.Every("claim-reconcile", cfg.Claim.ReconcileInterval, false, func(ctx context.Context) error {
		report := claims.Reconcile(ctx)
		if report.Republished > 0 || report.ForceFailed > 0 {
			logger.Warn("Claim reconciliation repaired jobs",
				slog.Int("checked", report.Checked),
				slog.Int("republished", report.Republished),
				slog.Int("force_failed", report.ForceFailed),
			)
		}
		return nil
	})
	if err != nil {
		return err
	}

	return s.Every("result-cleanup", cfg.Results.CleanupInterval, true, func(ctx context.Context) error {
		n, err := rp.Cleanup(ctx, cfg.Results.Retention)
		if n > 0 {
			logger.Info("Removed expired execution records", slog.Int("count", n))
		}
		return err
	})
}

// initBackend connects the configured storage and transport
func initBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger, processID string) (*backend, error) {
	if cfg.App.Backend == config.BackendMemory {
		logger.Warn("Using in-memory backend; state is lost on restart")
		engine := qmemory.New(logger)
		return &backend{
			store:      memory.New(),
			engine:     engine,
			claimStore: memstore.New(),
			cleanup:    func() { engine.Close() },
		}, nil
	}

	// Initialize PostgreSQL client
	dbClient, err := initPostgreSQL(&cfg.Database, cfg.App.Name, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	logger.Info("Database connection established")

	store := postgres.NewStore(dbClient, logger)
	if cfg.Database.AutoMigrate {
		if err := store.Migrate(ctx); err != nil {
			dbClient.Close()
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	// Initialize RabbitMQ client
	rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, logger)
	if err != nil {
		dbClient.Close()
		return nil, fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	logger.Info("RabbitMQ connection established")

	// Initialize Redis client
	redisClient, err := initRedis(&cfg.Redis, logger)
	if err != nil {
		rabbitClient.Close()
		dbClient.Close()
		return nil, fmt.Errorf("failed to initialize Redis: %w", err)
	}
	logger.Info("Redis connection established")

	engine := qrabbit.NewEngine(rabbitClient, processID, logger)
	lease := sharedredis.NewLease(redisClient.GetClient(), leaseKey, processID, cfg.Monitor.LeaseTTL)

	return &backend{
		store:      store,
		engine:     engine,
		claimStore: redisstore.New(redisClient.GetClient(), cfg.Redis.KeyPrefix),
		leader:     lease,
		serve:      engine.ServeControl,
		cleanup: func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := lease.Release(releaseCtx); err != nil {
				logger.Warn("Failed to release scheduler lease", slog.Any("error", err))
			}
			engine.Close()
			redisClient.Close()
			rabbitClient.Close()
			dbClient.Close()
		},
	}, nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, appName string, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
		ApplicationName: appName,
	}

	return postgresql.NewClient(dbConfig, logger)
}

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		DeadLetterExchange: cfg.DeadLetterExchange,
		ControlExchange:    cfg.ControlExchange,
		MaxPriority:        cfg.MaxPriority,
		Prefetch:           cfg.Consumer.PrefetchCount,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}

// initRedis initializes the Redis client backing claim lookups and the scheduler lease
func initRedis(cfg *config.RedisConfig, logger *slog.Logger) (*sharedredis.Client, error) {
	return sharedredis.NewClient(&sharedredis.Config{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}, logger)
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(cfg *config.Config, deps *handler.Dependencies) *gin.Engine {
	// Set Gin mode based on environment
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	return router.SetupRouter(deps)
}
