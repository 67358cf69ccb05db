package media

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/cuongbtq/transcribe-engine/internal/engine"
)

// Config holds the local storage layout.
type Config struct {
	UploadsDir     string
	TranscriptsDir string
	LogsDir        string
}

// Store is the filesystem storage collaborator: uploads under one
// directory, one transcript directory per job, and one log file per
// job. Logs live outside the transcript directory so rollback deletion
// of a partial transcript never destroys the job log.
type Store struct {
	uploadsDir     string
	transcriptsDir string
	logsDir        string
	logger         *slog.Logger
}

// NewStore creates the storage layout on disk.
func NewStore(cfg Config, logger *slog.Logger) (*Store, error) {
	for _, dir := range []string{cfg.UploadsDir, cfg.TranscriptsDir, cfg.LogsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create storage directory %s: %w", dir, err)
		}
	}

	return &Store{
		uploadsDir:     cfg.UploadsDir,
		transcriptsDir: cfg.TranscriptsDir,
		logsDir:        cfg.LogsDir,
		logger:         logger,
	}, nil
}

// SaveUpload writes one uploaded media file under its stored name.
func (s *Store) SaveUpload(storedFilename string, r io.Reader) error {
	path := s.UploadPath(storedFilename)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create upload file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, r); err != nil {
		os.Remove(path)
		return fmt.Errorf("failed to write upload file: %w", err)
	}

	s.logger.Info("Upload stored",
		slog.String("stored_filename", storedFilename),
	)
	return nil
}

// UploadPath resolves an upload's path by stored name.
func (s *Store) UploadPath(storedFilename string) string {
	return filepath.Join(s.uploadsDir, storedFilename)
}

// EnsureTranscriptDir gets or creates the per-job transcript directory.
func (s *Store) EnsureTranscriptDir(jobID string) (string, error) {
	dir := filepath.Join(s.transcriptsDir, jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create transcript directory: %w", err)
	}
	return dir, nil
}

// RemoveTranscriptDir deletes a job's transcript directory. Used as
// compensating cleanup when enrichment fails after transcription.
func (s *Store) RemoveTranscriptDir(jobID string) error {
	dir := filepath.Join(s.transcriptsDir, jobID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove transcript directory: %w", err)
	}

	s.logger.Info("Transcript directory removed",
		slog.String("job_id", jobID),
	)
	return nil
}

// LogPath is the per-job log sink location.
func (s *Store) LogPath(jobID string) string {
	return filepath.Join(s.logsDir, jobID+".log")
}

// ProbeAudio reads media properties for enrichment. WAV headers are
// parsed directly; other containers report zero values, which the
// enrichment service accepts as unknown.
func (s *Store) ProbeAudio(path string) (engine.AudioInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return engine.AudioInfo{}, fmt.Errorf("failed to open media: %w", err)
	}
	defer f.Close()

	info, err := probeWAV(f)
	if err != nil {
		s.logger.Debug("Media is not a parseable WAV, reporting unknown properties",
			slog.String("path", path),
			slog.Any("error", err),
		)
		return engine.AudioInfo{}, nil
	}
	return info, nil
}
