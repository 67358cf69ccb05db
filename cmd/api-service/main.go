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

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/cuongbtq/transcribe-engine/internal/api/handler"
	"github.com/cuongbtq/transcribe-engine/internal/api/router"
	"github.com/cuongbtq/transcribe-engine/internal/config"
	"github.com/cuongbtq/transcribe-engine/internal/engine"
	"github.com/cuongbtq/transcribe-engine/internal/enrich"
	"github.com/cuongbtq/transcribe-engine/internal/media"
	"github.com/cuongbtq/transcribe-engine/internal/store"
	"github.com/cuongbtq/transcribe-engine/shared/logger"
	"github.com/cuongbtq/transcribe-engine/shared/postgresql"
	"github.com/cuongbtq/transcribe-engine/shared/rabbitmq"
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

	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	jobStore := store.NewStorage(dbClient.GetDB(), appLogger.Logger)

	mediaStore, err := media.NewStore(media.Config{
		UploadsDir:     cfg.Media.UploadsDir,
		TranscriptsDir: cfg.Media.TranscriptsDir,
		LogsDir:        cfg.Media.LogsDir,
	}, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize media storage: %w", err)
	}

	enricher := enrich.NewClient(enrich.Config{
		BaseURL: cfg.Enrichment.BaseURL,
		Timeout: cfg.Enrichment.Timeout,
	}, appLogger.Logger)

	// The broker client only exists when the engine delegates.
	var rabbitClient *rabbitmq.Client
	if cfg.Engine.Backend == "broker" {
		rabbitClient, err = initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		defer rabbitClient.Close()
	}

	engineDeps := engine.Dependencies{
		Logger:   appLogger.Logger,
		Store:    jobStore,
		Media:    mediaStore,
		Enricher: enricher,
	}
	if rabbitClient != nil {
		engineDeps.Publisher = rabbitClient
	}

	eng, err := engine.New(engine.Config{
		Backend:  engine.QueueBackend(cfg.Engine.Backend),
		Workers:  cfg.Engine.Workers,
		TaskName: cfg.Engine.TaskName,
		Whisper: engine.WhisperConfig{
			BinPath:  cfg.Engine.Whisper.BinPath,
			ModelDir: cfg.Engine.Whisper.ModelDir,
			Language: cfg.Engine.Whisper.Language,
			Timeout:  cfg.Engine.Whisper.Timeout,
		},
	}, engineDeps)
	if err != nil {
		return fmt.Errorf("failed to initialize engine: %w", err)
	}

	// Re-submit jobs interrupted by the previous run before serving.
	recovered, err := eng.Recover(context.Background())
	if err != nil {
		return fmt.Errorf("failed to recover interrupted jobs: %w", err)
	}
	if recovered > 0 {
		appLogger.Info("Recovered interrupted jobs",
			slog.Int("count", recovered),
		)
	}

	r := initRouter(cfg.App.Environment, appLogger.Logger, jobStore, mediaStore, eng)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error("Server failed to start",
				slog.Any("error", err),
			)
			os.Exit(1)
		}
	}()

	appLogger.Info("API service is running",
		slog.String("address", addr),
		slog.String("backend", cfg.Engine.Backend),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
	}

	// Drain in-flight jobs before releasing the database.
	eng.Close()

	appLogger.Info("Server shutdown complete")
	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	})
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	return postgresql.NewClient(&postgresql.Config{
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
	}, logger)
}

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	return rabbitmq.NewClient(&rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		RoutingKey:         cfg.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
	}, logger)
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(environment string, logger *slog.Logger, jobStore *store.Storage, mediaStore *media.Store, eng *engine.Engine) *gin.Engine {
	if environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	return router.SetupRouter(&handler.Dependencies{
		Logger: logger,
		Store:  jobStore,
		Media:  mediaStore,
		Engine: eng,
	})
}
