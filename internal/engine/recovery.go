package engine

import (
	"context"
	"fmt"
	"log/slog"
)

// Rehydrator re-submits jobs interrupted by a crash or restart. Each
// non-terminal job goes back through the queue rather than running
// inline, so a restart with many interrupted jobs still respects the
// configured concurrency ceiling.
type Rehydrator struct {
	store      JobStore
	queue      Queue
	supervisor *Supervisor
	logger     *slog.Logger
}

// NewRehydrator creates a rehydrator over the given queue.
func NewRehydrator(store JobStore, queue Queue, supervisor *Supervisor, logger *slog.Logger) *Rehydrator {
	return &Rehydrator{
		store:      store,
		queue:      queue,
		supervisor: supervisor,
		logger:     logger,
	}
}

// Resubmit enqueues every job still in QUEUED, PROCESSING, or ENRICHING
// exactly once and leaves terminal jobs untouched. It returns the
// number of jobs resubmitted.
func (r *Rehydrator) Resubmit(ctx context.Context) (int, error) {
	jobs, err := r.store.ListUnfinished(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list unfinished jobs: %w", err)
	}

	for _, job := range jobs {
		jobID := job.ID
		item := WorkItem{
			JobID: jobID,
			Run: func() {
				r.supervisor.Run(context.Background(), jobID)
			},
		}
		if err := r.queue.Enqueue(item); err != nil {
			return 0, fmt.Errorf("failed to resubmit job %s: %w", jobID, err)
		}
		r.logger.Info("Resubmitted interrupted job",
			slog.String("job_id", jobID),
			slog.String("status", string(job.Status)),
		)
	}

	if len(jobs) > 0 {
		r.logger.Info("Recovery complete",
			slog.Int("resubmitted", len(jobs)),
		)
	}
	return len(jobs), nil
}
