package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/postdispatch/internal/arm"
	"github.com/cuongbtq/postdispatch/internal/config"
	"github.com/cuongbtq/postdispatch/shared/logger"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

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
	defaultConfigPath := os.Getenv("ARM_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/arm/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	dryRunDelay := flag.Duration("dry-run-delay", 500*time.Millisecond, "Simulated publish latency")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateArmConfig(); err != nil {
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

	if cfg.Arm.WorkerID == "" {
		hostname, _ := os.Hostname()
		cfg.Arm.WorkerID = fmt.Sprintf("arm-%s-%s", cfg.Arm.Region, hostname)
	}

	appLogger.Info("Starting arm",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("worker_id", cfg.Arm.WorkerID),
		slog.String("region", cfg.Arm.Region),
		slog.Any("platforms", cfg.Arm.Platforms),
		slog.String("brain_url", cfg.Arm.BrainURL),
	)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	worker := arm.New(&arm.Config{
		Logger:             appLogger.Logger,
		Client:             arm.NewClient(cfg.Arm.BrainURL, cfg.Arm.RequestTimeout, fmt.Sprintf("%s/%s", cfg.App.Name, cfg.App.Version)),
		Publisher:          &arm.DryRunPublisher{Logger: appLogger.Logger, Delay: *dryRunDelay},
		Settings:           cfg.Arm,
		DispatchSecret:     cfg.Security.DispatchSecret,
		RegistrationSecret: cfg.Security.RegistrationSecret,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      worker.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	done := make(chan error, 1)
	go func() {
		done <- worker.Run(ctx, srv)
	}()

	select {
	case err := <-done:
		if err != nil {
			appLogger.Error("Arm error", slog.Any("error", err))
			return err
		}
		return nil
	case <-ctx.Done():
		appLogger.Info("Received signal, shutting down gracefully")
	}

	// Give in-flight jobs time to report
	select {
	case err := <-done:
		if err != nil {
			appLogger.Error("Arm stopped with error", slog.Any("error", err))
			return err
		}
		appLogger.Info("Arm stopped gracefully")
	case <-time.After(cfg.Arm.ShutdownTimeout):
		appLogger.Warn("Arm shutdown timeout exceeded, forcing exit")
	}

	appLogger.Info("Arm shutdown complete")
	return nil
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
