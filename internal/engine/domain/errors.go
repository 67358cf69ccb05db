package domain

import "errors"

var (
	// ErrJobNotFound is returned when a job cannot be found in the database
	ErrJobNotFound = errors.New("job not found")

	// ErrJobFinished is returned when mutating a job that already reached
	// a terminal status
	ErrJobFinished = errors.New("job already in a terminal status")

	// ErrJobTimeout is returned when the transcription process exceeded
	// its wall-clock limit and was killed
	ErrJobTimeout = errors.New("transcription process timed out")

	// ErrTranscriptMissing is returned when whisper exited 0 but the
	// expected .srt artifact does not exist
	ErrTranscriptMissing = errors.New("whisper exited 0 but transcript artifact is missing")

	// ErrQueueClosed is returned when enqueueing after shutdown
	ErrQueueClosed = errors.New("queue is shut down")
)
