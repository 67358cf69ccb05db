package dto

// CreateJobResponse is returned after a successful submission.
type CreateJobResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// SetConcurrencyRequest updates the engine's worker count.
type SetConcurrencyRequest struct {
	Workers int `json:"workers" binding:"required,min=1"`
}

// JobResponse is the API view of one job.
type JobResponse struct {
	JobID            string `json:"job_id"`
	OriginalFilename string `json:"original_filename"`
	Model            string `json:"model"`
	Status           string `json:"status"`
	CreatedAt        string `json:"created_at"`
	StartedAt        string `json:"started_at,omitempty"`
	FinishedAt       string `json:"finished_at,omitempty"`
	LogPath          string `json:"log_path,omitempty"`
	TranscriptPath   string `json:"transcript_path,omitempty"`
}
