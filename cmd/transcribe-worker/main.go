// transcribe-worker is the remote side of the engine's broker backend:
// it consumes delegated job references from RabbitMQ and executes them
// on a local worker pool. A delivery is acknowledged once the job is
// accepted by the pool; the supervisor guarantees every accepted job
// ends in a terminal status, so completion tracking lives in the job
// store, not the broker.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	amqp "github.com/rabbitmq/amqp091-go"

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

	defaultConfigPath := os.Getenv("TRANSCRIBE_WORKER_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/transcribe-worker/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := logger.New(&logger.Config{
		Level:        cfg.Logging.Level,
		Format:       cfg.Logging.Format,
		Output:       cfg.Logging.Output,
		EnableSource: cfg.Logging.EnableCaller,
		TimeFormat:   time.RFC3339,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	workerID := fmt.Sprintf("transcribe-worker-%s", uuid.NewString()[:8])
	appLogger.Info("Starting transcribe worker",
		slog.String("app", cfg.App.Name),
		slog.String("worker_id", workerID),
		slog.Int("concurrency", cfg.Worker.Concurrency),
	)

	dbClient, err := postgresql.NewClient(&postgresql.Config{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		Database:        cfg.Database.Database,
		SSLMode:         cfg.Database.SSLMode,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
	}, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	rabbitClient, err := rabbitmq.NewClient(&rabbitmq.Config{
		Host:               cfg.RabbitMQ.Host,
		Port:               cfg.RabbitMQ.Port,
		User:               cfg.RabbitMQ.User,
		Password:           cfg.RabbitMQ.Password,
		VHost:              cfg.RabbitMQ.VHost,
		ExchangeName:       cfg.RabbitMQ.Exchange.Name,
		ExchangeType:       cfg.RabbitMQ.Exchange.Type,
		ExchangeDurable:    cfg.RabbitMQ.Exchange.Durable,
		ExchangeAutoDelete: cfg.RabbitMQ.Exchange.AutoDelete,
		QueueName:          cfg.RabbitMQ.Queue.Name,
		QueueDurable:       cfg.RabbitMQ.Queue.Durable,
		QueueAutoDelete:    cfg.RabbitMQ.Queue.AutoDelete,
		QueueExclusive:     cfg.RabbitMQ.Queue.Exclusive,
		RoutingKey:         cfg.RabbitMQ.RoutingKey,
		RetryAttempts:      cfg.RabbitMQ.Connection.RetryAttempts,
		RetryInterval:      cfg.RabbitMQ.Connection.RetryInterval,
		Heartbeat:          cfg.RabbitMQ.Connection.Heartbeat,
	}, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

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

	// Delegated jobs run on a local pool so concurrency stays bounded
	// even when the broker delivers a burst.
	eng, err := engine.New(engine.Config{
		Backend: engine.QueueBackendPool,
		Workers: cfg.Worker.Concurrency,
		Whisper: engine.WhisperConfig{
			BinPath:  cfg.Engine.Whisper.BinPath,
			ModelDir: cfg.Engine.Whisper.ModelDir,
			Language: cfg.Engine.Whisper.Language,
			Timeout:  cfg.Engine.Whisper.Timeout,
		},
	}, engine.Dependencies{
		Logger:   appLogger.Logger,
		Store:    jobStore,
		Media:    mediaStore,
		Enricher: enricher,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize engine: %w", err)
	}

	deliveries, err := rabbitClient.Consume(workerID, cfg.RabbitMQ.Consumer.PrefetchCount)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dispatcherDone := make(chan struct{})
	go func() {
		defer close(dispatcherDone)
		dispatch(ctx, deliveries, eng, appLogger.Logger)
	}()

	appLogger.Info("Transcribe worker started successfully")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case <-dispatcherDone:
		appLogger.Warn("Delivery channel closed, shutting down")
	}

	cancel()

	// Give in-flight jobs time to drain.
	done := make(chan struct{})
	go func() {
		eng.Close()
		close(done)
	}()

	select {
	case <-done:
		appLogger.Info("Worker stopped gracefully")
	case <-time.After(cfg.Worker.ShutdownTimeout):
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	appLogger.Info("Transcribe worker shutdown complete")
	return nil
}

// dispatch parses each delivery and submits the referenced job to the
// engine. Malformed messages are rejected without requeue; submission
// failures requeue the delivery for another worker.
func dispatch(ctx context.Context, deliveries <-chan amqp.Delivery, eng *engine.Engine, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			logger.Info("Dispatcher stopped - context canceled")
			return

		case delivery, ok := <-deliveries:
			if !ok {
				logger.Warn("RabbitMQ delivery channel closed")
				return
			}

			var msg struct {
				JobID string `json:"job_id"`
			}
			if err := json.Unmarshal(delivery.Body, &msg); err != nil {
				logger.Error("Failed to parse task message",
					slog.String("error", err.Error()),
					slog.String("body", string(delivery.Body)),
				)
				if nackErr := delivery.Nack(false, false); nackErr != nil {
					logger.Error("Failed to NACK malformed message",
						slog.Any("error", nackErr),
					)
				}
				continue
			}

			if _, err := uuid.Parse(msg.JobID); err != nil {
				logger.Error("Invalid job_id in task message",
					slog.String("job_id", msg.JobID),
				)
				if nackErr := delivery.Nack(false, false); nackErr != nil {
					logger.Error("Failed to NACK message with invalid job_id",
						slog.Any("error", nackErr),
					)
				}
				continue
			}

			if err := eng.Submit(ctx, msg.JobID); err != nil {
				logger.Error("Failed to submit delegated job",
					slog.String("job_id", msg.JobID),
					slog.Any("error", err),
				)
				if nackErr := delivery.Nack(false, true); nackErr != nil {
					logger.Error("Failed to NACK message",
						slog.Any("error", nackErr),
					)
				}
				continue
			}

			if ackErr := delivery.Ack(false); ackErr != nil {
				logger.Error("Failed to ACK message",
					slog.String("job_id", msg.JobID),
					slog.Any("error", ackErr),
				)
			}
		}
	}
}
