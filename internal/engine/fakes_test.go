package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cuongbtq/transcribe-engine/internal/engine/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testMetrics() *QueueMetrics {
	return NewQueueMetrics(prometheus.NewRegistry())
}

// fakeStore is an in-memory JobStore that records every transition.
type fakeStore struct {
	mu          sync.Mutex
	jobs        map[string]*domain.Job
	transitions map[string][]domain.JobStatus

	markProcessingErr error
	listErr           error
}

func newFakeStore(jobs ...*domain.Job) *fakeStore {
	s := &fakeStore{
		jobs:        make(map[string]*domain.Job),
		transitions: make(map[string][]domain.JobStatus),
	}
	for _, job := range jobs {
		s.jobs[job.ID] = job
	}
	return s
}

func (s *fakeStore) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	copied := *job
	return &copied, nil
}

func (s *fakeStore) MarkProcessing(ctx context.Context, jobID string, startedAt time.Time) error {
	if s.markProcessingErr != nil {
		return s.markProcessingErr
	}
	return s.apply(jobID, domain.JobStatusProcessing, func(job *domain.Job) {
		job.StartedAt = &startedAt
	})
}

func (s *fakeStore) MarkEnriching(ctx context.Context, jobID string) error {
	return s.apply(jobID, domain.JobStatusEnriching, nil)
}

func (s *fakeStore) MarkTerminal(ctx context.Context, jobID string, status domain.JobStatus, logPath, transcriptPath string, finishedAt time.Time) error {
	return s.apply(jobID, status, func(job *domain.Job) {
		job.LogPath = logPath
		job.TranscriptPath = transcriptPath
		job.FinishedAt = &finishedAt
	})
}

func (s *fakeStore) ListUnfinished(ctx context.Context) ([]domain.Job, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Job
	for _, job := range s.jobs {
		if !job.Status.Terminal() {
			out = append(out, *job)
		}
	}
	return out, nil
}

func (s *fakeStore) apply(jobID string, status domain.JobStatus, mutate func(*domain.Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrJobNotFound
	}
	if job.FinishedAt != nil {
		return domain.ErrJobFinished
	}
	job.Status = status
	if mutate != nil {
		mutate(job)
	}
	s.transitions[jobID] = append(s.transitions[jobID], status)
	return nil
}

func (s *fakeStore) transitionsFor(jobID string) []domain.JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.JobStatus(nil), s.transitions[jobID]...)
}

func (s *fakeStore) job(jobID string) domain.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.jobs[jobID]
}

// fakeMedia lays jobs out under a temp root with real directories, so
// the supervisor's file operations work unchanged.
type fakeMedia struct {
	root string

	mu             sync.Mutex
	removedDirs    []string
	probeErr       error
	probeInfo      AudioInfo
	ensureDirErr   error
	transcriptDirs map[string]string
}

func newFakeMedia(t *testing.T) *fakeMedia {
	t.Helper()

	root := t.TempDir()
	for _, dir := range []string{"uploads", "transcripts", "logs"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			t.Fatalf("failed to create %s: %v", dir, err)
		}
	}
	return &fakeMedia{
		root:           root,
		probeInfo:      AudioInfo{Duration: 90 * time.Second, SampleRate: 16000},
		transcriptDirs: make(map[string]string),
	}
}

func (m *fakeMedia) UploadPath(storedFilename string) string {
	return filepath.Join(m.root, "uploads", storedFilename)
}

func (m *fakeMedia) EnsureTranscriptDir(jobID string) (string, error) {
	if m.ensureDirErr != nil {
		return "", m.ensureDirErr
	}

	dir := filepath.Join(m.root, "transcripts", jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	m.mu.Lock()
	m.transcriptDirs[jobID] = dir
	m.mu.Unlock()
	return dir, nil
}

func (m *fakeMedia) RemoveTranscriptDir(jobID string) error {
	m.mu.Lock()
	m.removedDirs = append(m.removedDirs, jobID)
	m.mu.Unlock()
	return os.RemoveAll(filepath.Join(m.root, "transcripts", jobID))
}

func (m *fakeMedia) LogPath(jobID string) string {
	return filepath.Join(m.root, "logs", jobID+".log")
}

func (m *fakeMedia) ProbeAudio(path string) (AudioInfo, error) {
	if m.probeErr != nil {
		return AudioInfo{}, m.probeErr
	}
	return m.probeInfo, nil
}

func (m *fakeMedia) removed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.removedDirs...)
}

// fakeEnricher records calls and fails on demand.
type fakeEnricher struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (e *fakeEnricher) Enrich(ctx context.Context, jobID, transcriptPath string, duration time.Duration, sampleRate int) error {
	e.mu.Lock()
	e.calls = append(e.calls, jobID)
	e.mu.Unlock()
	return e.err
}

func (e *fakeEnricher) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

// fakeProcess is a scripted child process. With block set, Wait hangs
// until Kill releases it with a signal-style exit code.
type fakeProcess struct {
	stdout   string
	stderr   string
	exitCode int
	waitErr  error
	block    bool

	kills    int32
	killedCh chan struct{}
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{killedCh: make(chan struct{})}
}

func (p *fakeProcess) Stdout() io.Reader { return strings.NewReader(p.stdout) }
func (p *fakeProcess) Stderr() io.Reader { return strings.NewReader(p.stderr) }

func (p *fakeProcess) Wait() (int, error) {
	if p.block {
		<-p.killedCh
		return -9, nil
	}
	return p.exitCode, p.waitErr
}

func (p *fakeProcess) Kill() error {
	if atomic.AddInt32(&p.kills, 1) == 1 {
		close(p.killedCh)
	}
	return nil
}

func (p *fakeProcess) killCount() int {
	return int(atomic.LoadInt32(&p.kills))
}

// fakeLauncher hands out one scripted process and captures the
// invocation. onLaunch runs before the process is returned, typically
// to plant the expected output artifact.
type fakeLauncher struct {
	proc      *fakeProcess
	launchErr error
	onLaunch  func(name string, args []string)

	mu       sync.Mutex
	launches [][]string
}

func (l *fakeLauncher) Launch(ctx context.Context, name string, args []string) (Process, error) {
	l.mu.Lock()
	l.launches = append(l.launches, append([]string{name}, args...))
	l.mu.Unlock()

	if l.launchErr != nil {
		return nil, l.launchErr
	}
	if l.onLaunch != nil {
		l.onLaunch(name, args)
	}
	return l.proc, nil
}

func (l *fakeLauncher) launchCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.launches)
}

// chanChannel is a ProgressChannel backed by a Go channel.
type chanChannel struct {
	events chan ProgressEvent
}

func newChanChannel() *chanChannel {
	return &chanChannel{events: make(chan ProgressEvent, 16)}
}

func (c *chanChannel) Send(ctx context.Context, event ProgressEvent) error {
	select {
	case c.events <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// failingChannel fails every Send and counts attempts.
type failingChannel struct {
	sends int32
}

func (c *failingChannel) Send(ctx context.Context, event ProgressEvent) error {
	atomic.AddInt32(&c.sends, 1)
	return fmt.Errorf("subscriber gone")
}

func (c *failingChannel) sendCount() int {
	return int(atomic.LoadInt32(&c.sends))
}

// fakeQueue records enqueued items without executing them.
type fakeQueue struct {
	mu         sync.Mutex
	items      []WorkItem
	enqueueErr error
}

func (q *fakeQueue) Enqueue(item WorkItem) error {
	if q.enqueueErr != nil {
		return q.enqueueErr
	}
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
	return nil
}

func (q *fakeQueue) Shutdown() {}

func (q *fakeQueue) enqueued() []WorkItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]WorkItem(nil), q.items...)
}

// fakePublisher captures broker publishes.
type fakePublisher struct {
	mu         sync.Mutex
	bodies     [][]byte
	publishErr error
}

func (p *fakePublisher) Publish(ctx context.Context, body []byte, contentType string) error {
	if p.publishErr != nil {
		return p.publishErr
	}
	p.mu.Lock()
	p.bodies = append(p.bodies, body)
	p.mu.Unlock()
	return nil
}

func (p *fakePublisher) published() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.bodies...)
}
