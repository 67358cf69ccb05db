package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// Publisher is the slice of the message client the broker queue needs.
// shared/rabbitmq.Client satisfies it.
type Publisher interface {
	Publish(ctx context.Context, body []byte, contentType string) error
}

// taskMessage is the wire payload a remote worker consumes. Only the
// job id travels; the worker reconstructs the supervisor call from it.
type taskMessage struct {
	Task  string `json:"task"`
	JobID string `json:"job_id"`
}

// BrokerQueue is the delegating Queue variant: Enqueue serializes the
// job reference and publishes it under a fixed task name for remote
// workers. Submission is fire-and-forget; there is no join, no
// cancellation, and Resize has no meaning because capacity is managed
// by whoever runs the remote workers. Shutdown only stops intake.
type BrokerQueue struct {
	publisher Publisher
	taskName  string
	timeout   time.Duration
	metrics   *QueueMetrics
	logger    *slog.Logger
}

// NewBrokerQueue creates a broker-delegating queue publishing under
// taskName.
func NewBrokerQueue(publisher Publisher, taskName string, metrics *QueueMetrics, logger *slog.Logger) *BrokerQueue {
	return &BrokerQueue{
		publisher: publisher,
		taskName:  taskName,
		timeout:   10 * time.Second,
		metrics:   metrics,
		logger:    logger,
	}
}

// Enqueue publishes the job reference. Publish errors propagate
// synchronously to the caller; item.Run is never invoked in-process.
func (q *BrokerQueue) Enqueue(item WorkItem) error {
	body, err := json.Marshal(taskMessage{Task: q.taskName, JobID: item.JobID})
	if err != nil {
		return fmt.Errorf("failed to marshal task message: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
	defer cancel()

	if err := q.publisher.Publish(ctx, body, "application/json"); err != nil {
		return fmt.Errorf("failed to delegate job %s: %w", item.JobID, err)
	}

	q.metrics.Submitted.Inc()
	q.logger.Debug("Job delegated to broker",
		slog.String("job_id", item.JobID),
		slog.String("task", q.taskName),
	)
	return nil
}

// Shutdown is a no-op beyond logging; delegated work keeps running on
// remote workers.
func (q *BrokerQueue) Shutdown() {
	q.logger.Info("Broker queue shut down; delegated jobs continue remotely")
}
