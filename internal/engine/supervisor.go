package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cuongbtq/transcribe-engine/internal/engine/domain"
)

// JobStore is the persisted-job collaborator. Mutations are row-level
// and transactional; MarkTerminal must refuse a second terminal status.
type JobStore interface {
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
	MarkProcessing(ctx context.Context, jobID string, startedAt time.Time) error
	MarkEnriching(ctx context.Context, jobID string) error
	MarkTerminal(ctx context.Context, jobID string, status domain.JobStatus, logPath, transcriptPath string, finishedAt time.Time) error
	ListUnfinished(ctx context.Context) ([]domain.Job, error)
}

// AudioInfo carries the probed media properties handed to enrichment.
type AudioInfo struct {
	Duration   time.Duration
	SampleRate int
}

// MediaStore is the storage collaborator: upload resolution, transcript
// directory lifecycle (including rollback deletion), the per-job log
// sink path, and audio probing.
type MediaStore interface {
	UploadPath(storedFilename string) string
	EnsureTranscriptDir(jobID string) (string, error)
	RemoveTranscriptDir(jobID string) error
	LogPath(jobID string) string
	ProbeAudio(path string) (AudioInfo, error)
}

// Enricher post-processes a finished transcript. It returns an error on
// failure and otherwise completes silently.
type Enricher interface {
	Enrich(ctx context.Context, jobID, transcriptPath string, duration time.Duration, sampleRate int) error
}

// WhisperConfig describes the external CLI contract.
type WhisperConfig struct {
	BinPath  string
	ModelDir string
	Language string
	// Timeout bounds one subprocess wait; zero means no limit.
	Timeout time.Duration
}

// Supervisor drives exactly one job from QUEUED to a terminal status.
// A job must always end terminal: Run wraps the whole pipeline in a
// recover and converts anything unclassified into
// FAILED_THREAD_EXCEPTION, so a single job's failure never crashes its
// worker.
type Supervisor struct {
	store       JobStore
	media       MediaStore
	enricher    Enricher
	broadcaster *Broadcaster
	launcher    Launcher
	logger      *slog.Logger
	whisper     WhisperConfig

	// transitionMu serializes every status read-modify-write-commit
	// across all jobs. It is held only across the short commit, never
	// across subprocess execution, log I/O, or progress delivery.
	transitionMu *sync.Mutex
}

// NewSupervisor wires a supervisor; transitionMu is owned by the engine
// so every writer shares it.
func NewSupervisor(store JobStore, media MediaStore, enricher Enricher, broadcaster *Broadcaster, launcher Launcher, whisper WhisperConfig, transitionMu *sync.Mutex, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		store:        store,
		media:        media,
		enricher:     enricher,
		broadcaster:  broadcaster,
		launcher:     launcher,
		logger:       logger,
		whisper:      whisper,
		transitionMu: transitionMu,
	}
}

// Run executes the full pipeline for one job. It never returns an error
// and never panics outward.
func (s *Supervisor) Run(ctx context.Context, jobID string) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Job pipeline panicked",
				slog.String("job_id", jobID),
				slog.Any("panic", r),
			)
			s.failUnexpected(ctx, jobID)
		}
	}()

	if err := s.run(ctx, jobID); err != nil {
		s.logger.Error("Job pipeline failed unexpectedly",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
		s.failUnexpected(ctx, jobID)
	}
}

// run returns an error only for unexpected failures; every classified
// outcome commits its own terminal status and returns nil.
func (s *Supervisor) run(ctx context.Context, jobID string) error {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to load job: %w", err)
	}

	if err := s.markProcessing(ctx, jobID); err != nil {
		return err
	}

	inputPath := s.media.UploadPath(job.StoredFilename)
	outputDir, err := s.media.EnsureTranscriptDir(jobID)
	if err != nil {
		return fmt.Errorf("failed to prepare transcript directory: %w", err)
	}

	logPath := s.media.LogPath(jobID)
	logFile, err := os.Create(logPath)
	if err != nil {
		return fmt.Errorf("failed to create job log: %w", err)
	}
	defer logFile.Close()

	args := whisperArgs(inputPath, job.Model, s.whisper, outputDir)
	s.logger.Info("Launching whisper",
		slog.String("job_id", jobID),
		slog.String("bin", s.whisper.BinPath),
		slog.String("input", inputPath),
		slog.String("model", job.Model),
	)

	proc, err := s.launcher.Launch(ctx, s.whisper.BinPath, args)
	if err != nil {
		s.logger.Error("Failed to launch whisper",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
		return s.markTerminal(ctx, jobID, domain.JobStatusFailedLaunchError, logPath, "")
	}

	sink := &lockedWriter{w: logFile}
	var g errgroup.Group
	g.Go(func() error { return drainLines(proc.Stdout(), sink) })
	g.Go(func() error { return drainLines(proc.Stderr(), sink) })

	exitCode, waitErr, drainErr := waitProcess(proc, s.whisper.Timeout, g.Wait)
	if drainErr != nil {
		s.logger.Warn("Log stream drain ended with error",
			slog.String("job_id", jobID),
			slog.Any("error", drainErr),
		)
	}

	if errors.Is(waitErr, domain.ErrJobTimeout) {
		s.logger.Warn("Whisper timed out, process killed",
			slog.String("job_id", jobID),
			slog.Duration("timeout", s.whisper.Timeout),
		)
		return s.markTerminal(ctx, jobID, domain.JobStatusFailedTimeout, logPath, "")
	}
	if waitErr != nil {
		return fmt.Errorf("failed to wait for whisper: %w", waitErr)
	}

	if exitCode != 0 {
		// Covers both nonzero exits and signal kills (negative code).
		s.logger.Error("Whisper exited abnormally",
			slog.String("job_id", jobID),
			slog.Int("exit_code", exitCode),
		)
		return s.markTerminal(ctx, jobID, domain.JobStatusFailedWhisperError, logPath, "")
	}

	transcriptPath := filepath.Join(outputDir, inputStem(job.StoredFilename)+".srt")
	if _, err := os.Stat(transcriptPath); err != nil {
		return fmt.Errorf("%w: %s", domain.ErrTranscriptMissing, transcriptPath)
	}

	if err := s.markEnriching(ctx, jobID); err != nil {
		return err
	}

	if err := s.enrich(ctx, jobID, inputPath, transcriptPath); err != nil {
		s.logger.Error("Enrichment failed, rolling back transcript",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
		if rmErr := s.media.RemoveTranscriptDir(jobID); rmErr != nil {
			s.logger.Warn("Failed to remove partial transcript directory",
				slog.String("job_id", jobID),
				slog.Any("error", rmErr),
			)
		}
		return s.markTerminal(ctx, jobID, domain.JobStatusFailedUnknown, logPath, "")
	}

	if err := s.markTerminal(ctx, jobID, domain.JobStatusCompleted, logPath, transcriptPath); err != nil {
		return err
	}

	s.logger.Info("Job completed",
		slog.String("job_id", jobID),
		slog.String("transcript", transcriptPath),
	)
	return nil
}

func (s *Supervisor) enrich(ctx context.Context, jobID, inputPath, transcriptPath string) error {
	info, err := s.media.ProbeAudio(inputPath)
	if err != nil {
		return fmt.Errorf("failed to probe media: %w", err)
	}
	return s.enricher.Enrich(ctx, jobID, transcriptPath, info.Duration, info.SampleRate)
}

func (s *Supervisor) markProcessing(ctx context.Context, jobID string) error {
	s.transitionMu.Lock()
	err := s.store.MarkProcessing(ctx, jobID, time.Now().UTC())
	s.transitionMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to mark job processing: %w", err)
	}
	s.broadcaster.Broadcast(jobID, domain.JobStatusProcessing)
	return nil
}

func (s *Supervisor) markEnriching(ctx context.Context, jobID string) error {
	s.transitionMu.Lock()
	err := s.store.MarkEnriching(ctx, jobID)
	s.transitionMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to mark job enriching: %w", err)
	}
	s.broadcaster.Broadcast(jobID, domain.JobStatusEnriching)
	return nil
}

func (s *Supervisor) markTerminal(ctx context.Context, jobID string, status domain.JobStatus, logPath, transcriptPath string) error {
	s.transitionMu.Lock()
	err := s.store.MarkTerminal(ctx, jobID, status, logPath, transcriptPath, time.Now().UTC())
	s.transitionMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to mark job %s: %w", status, err)
	}
	s.broadcaster.Broadcast(jobID, status)
	return nil
}

// failUnexpected is the catch-all: whatever state the job is in, it
// ends in FAILED_THREAD_EXCEPTION unless it already reached a terminal
// status.
func (s *Supervisor) failUnexpected(ctx context.Context, jobID string) {
	if job, err := s.store.GetJob(ctx, jobID); err == nil && job.Status.Terminal() {
		return
	}
	if err := s.markTerminal(ctx, jobID, domain.JobStatusFailedThreadException, s.media.LogPath(jobID), ""); err != nil {
		if errors.Is(err, domain.ErrJobFinished) {
			return
		}
		s.logger.Error("Failed to record thread exception status",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
	}
}

// whisperArgs builds the CLI invocation per the external contract.
func whisperArgs(inputPath, model string, cfg WhisperConfig, outputDir string) []string {
	return []string{
		inputPath,
		"--model", model,
		"--model_dir", cfg.ModelDir,
		"--output_dir", outputDir,
		"--output_format", "srt",
		"--language", cfg.Language,
		"--verbose", "True",
	}
}

// inputStem strips the extension; whisper names the artifact after the
// input file's stem.
func inputStem(storedFilename string) string {
	base := filepath.Base(storedFilename)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
