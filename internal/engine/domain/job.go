package domain

import "time"

// JobStatus is the lifecycle state of a transcription job. The string
// values are persisted and exposed over the API as-is.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "QUEUED"
	JobStatusProcessing JobStatus = "PROCESSING"
	JobStatusEnriching  JobStatus = "ENRICHING"
	JobStatusCompleted  JobStatus = "COMPLETED"

	JobStatusFailedTimeout         JobStatus = "FAILED_TIMEOUT"
	JobStatusFailedLaunchError     JobStatus = "FAILED_LAUNCH_ERROR"
	JobStatusFailedWhisperError    JobStatus = "FAILED_WHISPER_ERROR"
	JobStatusFailedUnknown         JobStatus = "FAILED_UNKNOWN"
	JobStatusFailedThreadException JobStatus = "FAILED_THREAD_EXCEPTION"
)

// Terminal reports whether a job in this status is finished for good.
// finished_at is set if and only if the status is terminal.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted,
		JobStatusFailedTimeout,
		JobStatusFailedLaunchError,
		JobStatusFailedWhisperError,
		JobStatusFailedUnknown,
		JobStatusFailedThreadException:
		return true
	default:
		return false
	}
}

// CanTransitionTo enforces the allowed state machine edges.
// FAILED_THREAD_EXCEPTION is reachable from any non-terminal state; it
// is the catch-all for failures the pipeline did not classify.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	if s.Terminal() {
		return false
	}
	if next == JobStatusFailedThreadException {
		return true
	}
	switch s {
	case JobStatusQueued:
		return next == JobStatusProcessing
	case JobStatusProcessing:
		return next == JobStatusEnriching ||
			next == JobStatusFailedTimeout ||
			next == JobStatusFailedLaunchError ||
			next == JobStatusFailedWhisperError
	case JobStatusEnriching:
		return next == JobStatusCompleted || next == JobStatusFailedUnknown
	default:
		return false
	}
}

// Job is one transcription request and its tracked lifecycle state.
type Job struct {
	ID               string     `db:"job_id" json:"job_id"`
	OriginalFilename string     `db:"original_filename" json:"original_filename"`
	StoredFilename   string     `db:"stored_filename" json:"stored_filename"`
	Model            string     `db:"model" json:"model"`
	Status           JobStatus  `db:"status" json:"status"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
	StartedAt        *time.Time `db:"started_at" json:"started_at,omitempty"`
	FinishedAt       *time.Time `db:"finished_at" json:"finished_at,omitempty"`
	LogPath          string     `db:"log_path" json:"log_path,omitempty"`
	TranscriptPath   string     `db:"transcript_path" json:"transcript_path,omitempty"`
}
