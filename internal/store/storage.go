package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/cuongbtq/transcribe-engine/internal/engine/domain"
)

// Storage is the Postgres-backed job store. The finished_at IS NULL
// guard on every mutation is what keeps terminal statuses final: a row
// that already finished cannot be moved again.
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStorage creates a new Storage instance
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
	}
}

const jobColumns = `
	job_id, original_filename, stored_filename, model, status,
	created_at, started_at, finished_at,
	COALESCE(log_path, '') AS log_path,
	COALESCE(transcript_path, '') AS transcript_path
`

// CreateJob inserts a new QUEUED job row.
func (s *Storage) CreateJob(ctx context.Context, job *domain.Job) error {
	query := `
		INSERT INTO transcription_jobs
			(job_id, original_filename, stored_filename, model, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := s.db.ExecContext(ctx, query,
		job.ID,
		job.OriginalFilename,
		job.StoredFilename,
		job.Model,
		domain.JobStatusQueued,
		job.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}

	s.logger.Info("Job created",
		slog.String("job_id", job.ID),
		slog.String("original_filename", job.OriginalFilename),
	)
	return nil
}

// GetJob retrieves a job by its ID.
func (s *Storage) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM transcription_jobs WHERE job_id = $1`

	var job domain.Job
	if err := s.db.GetContext(ctx, &job, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return &job, nil
}

// MarkProcessing moves a job to PROCESSING and records started_at.
func (s *Storage) MarkProcessing(ctx context.Context, jobID string, startedAt time.Time) error {
	query := `
		UPDATE transcription_jobs
		SET status = $1, started_at = $2
		WHERE job_id = $3 AND finished_at IS NULL
	`

	return s.mutate(ctx, jobID, domain.JobStatusProcessing, query, domain.JobStatusProcessing, startedAt, jobID)
}

// MarkEnriching moves a job to ENRICHING.
func (s *Storage) MarkEnriching(ctx context.Context, jobID string) error {
	query := `
		UPDATE transcription_jobs
		SET status = $1
		WHERE job_id = $2 AND finished_at IS NULL
	`

	return s.mutate(ctx, jobID, domain.JobStatusEnriching, query, domain.JobStatusEnriching, jobID)
}

// MarkTerminal records a terminal status together with finished_at and
// the artifact paths. A row that already finished is left untouched and
// domain.ErrJobFinished is returned, so no job ever reaches two
// distinct terminal statuses.
func (s *Storage) MarkTerminal(ctx context.Context, jobID string, status domain.JobStatus, logPath, transcriptPath string, finishedAt time.Time) error {
	if !status.Terminal() {
		return fmt.Errorf("status %s is not terminal", status)
	}

	query := `
		UPDATE transcription_jobs
		SET status = $1,
			log_path = NULLIF($2, ''),
			transcript_path = NULLIF($3, ''),
			finished_at = $4
		WHERE job_id = $5 AND finished_at IS NULL
	`

	return s.mutate(ctx, jobID, status, query, status, logPath, transcriptPath, finishedAt, jobID)
}

// ListUnfinished returns every job still in a non-terminal status,
// oldest first.
func (s *Storage) ListUnfinished(ctx context.Context) ([]domain.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM transcription_jobs
		WHERE status IN ($1, $2, $3)
		ORDER BY created_at
	`

	var jobs []domain.Job
	err := s.db.SelectContext(ctx, &jobs, query,
		domain.JobStatusQueued,
		domain.JobStatusProcessing,
		domain.JobStatusEnriching,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list unfinished jobs: %w", err)
	}

	return jobs, nil
}

func (s *Storage) mutate(ctx context.Context, jobID string, status domain.JobStatus, query string, args ...interface{}) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		if _, getErr := s.GetJob(ctx, jobID); errors.Is(getErr, domain.ErrJobNotFound) {
			return domain.ErrJobNotFound
		}
		return domain.ErrJobFinished
	}

	s.logger.Info("Job status updated",
		slog.String("job_id", jobID),
		slog.String("status", string(status)),
	)
	return nil
}
