package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cuongbtq/transcribe-engine/internal/engine/domain"
)

// QueueBackend selects the queue variant once at construction. There is
// no runtime switching between variants.
type QueueBackend string

const (
	// QueueBackendPool executes jobs on an in-process resizable pool.
	QueueBackendPool QueueBackend = "pool"
	// QueueBackendBroker delegates jobs to remote workers via the
	// message broker.
	QueueBackendBroker QueueBackend = "broker"
)

// Config holds engine construction parameters.
type Config struct {
	Backend  QueueBackend
	Workers  int
	TaskName string
	Whisper  WhisperConfig
}

// Dependencies holds the engine's collaborators. Publisher is required
// only for the broker backend; Launcher and Registry default when nil.
type Dependencies struct {
	Logger    *slog.Logger
	Store     JobStore
	Media     MediaStore
	Enricher  Enricher
	Publisher Publisher
	Launcher  Launcher
	Registry  prometheus.Registerer
}

// Engine owns the queue variant, the progress broadcaster, the
// supervisor, and the status-transition lock. It is an explicitly
// constructed object; callers hold a reference, there are no process
// globals. The coarse transition lock is a single serialization point
// across all jobs, held only across the short commit.
type Engine struct {
	logger      *slog.Logger
	supervisor  *Supervisor
	broadcaster *Broadcaster
	rehydrator  *Rehydrator
	queue       Queue
	// pool is non-nil only for the pool backend; Resize needs it.
	pool *WorkerPool

	transitionMu sync.Mutex

	mu      sync.Mutex
	workers int
}

// New constructs an engine with the backend chosen from typed config.
func New(cfg Config, deps Dependencies) (*Engine, error) {
	if deps.Launcher == nil {
		deps.Launcher = ExecLauncher{}
	}
	if deps.Registry == nil {
		deps.Registry = prometheus.DefaultRegisterer
	}

	e := &Engine{
		logger:  deps.Logger,
		workers: cfg.Workers,
	}

	e.broadcaster = NewBroadcaster(deps.Logger)
	e.supervisor = NewSupervisor(
		deps.Store,
		deps.Media,
		deps.Enricher,
		e.broadcaster,
		deps.Launcher,
		cfg.Whisper,
		&e.transitionMu,
		deps.Logger,
	)

	metrics := NewQueueMetrics(deps.Registry)

	switch cfg.Backend {
	case QueueBackendPool:
		e.pool = NewWorkerPool(cfg.Workers, metrics, deps.Logger)
		e.queue = e.pool
	case QueueBackendBroker:
		if deps.Publisher == nil {
			e.broadcaster.Close()
			return nil, fmt.Errorf("broker backend requires a publisher")
		}
		e.queue = NewBrokerQueue(deps.Publisher, cfg.TaskName, metrics, deps.Logger)
	default:
		e.broadcaster.Close()
		return nil, fmt.Errorf("unknown queue backend: %q", cfg.Backend)
	}

	e.rehydrator = NewRehydrator(deps.Store, e.queue, e.supervisor, deps.Logger)

	deps.Logger.Info("Engine initialized",
		slog.String("backend", string(cfg.Backend)),
		slog.Int("workers", cfg.Workers),
	)
	return e, nil
}

// Submit enqueues the supervisor invocation and emits the QUEUED
// progress event once the queue has accepted the job. Queue errors
// propagate to the caller, and a rejected submission emits nothing.
func (e *Engine) Submit(ctx context.Context, jobID string) error {
	// The gate holds the worker until the QUEUED event is handed off, so
	// PROCESSING can never reach the broadcaster first.
	accepted := make(chan struct{})
	item := WorkItem{
		JobID: jobID,
		Run: func() {
			<-accepted
			e.supervisor.Run(context.Background(), jobID)
		},
	}
	if err := e.queue.Enqueue(item); err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", jobID, err)
	}

	e.broadcaster.Broadcast(jobID, domain.JobStatusQueued)
	close(accepted)

	e.logger.Info("Job submitted",
		slog.String("job_id", jobID),
	)
	return nil
}

// Resize updates the configured worker count and resizes the active
// pool. On the broker backend only the stored value changes; capacity
// is managed externally.
func (e *Engine) Resize(n int) error {
	if n < 1 {
		return fmt.Errorf("worker count must be at least 1, got %d", n)
	}

	e.mu.Lock()
	e.workers = n
	e.mu.Unlock()

	if e.pool == nil {
		e.logger.Info("Resize ignored on broker backend",
			slog.Int("workers", n),
		)
		return nil
	}

	e.pool.Resize(n)
	return nil
}

// Workers returns the configured worker count.
func (e *Engine) Workers() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.workers
}

// Recover resubmits every non-terminal job through the queue. Call it
// once at startup.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	return e.rehydrator.Resubmit(ctx)
}

// Subscribe attaches a progress channel to a job's event stream.
func (e *Engine) Subscribe(jobID string, ch ProgressChannel) {
	e.broadcaster.Subscribe(jobID, ch)
}

// Unsubscribe detaches a progress channel.
func (e *Engine) Unsubscribe(jobID string, ch ProgressChannel) {
	e.broadcaster.Unsubscribe(jobID, ch)
}

// Close drains the queue and stops the broadcaster.
func (e *Engine) Close() {
	e.queue.Shutdown()
	e.broadcaster.Close()
}
