package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/transcribe-engine/internal/engine/domain"
)

type supervisorFixture struct {
	store       *fakeStore
	media       *fakeMedia
	enricher    *fakeEnricher
	launcher    *fakeLauncher
	broadcaster *Broadcaster
	sup         *Supervisor
}

func newSupervisorFixture(t *testing.T, job *domain.Job, launcher *fakeLauncher) *supervisorFixture {
	t.Helper()

	f := &supervisorFixture{
		store:       newFakeStore(job),
		media:       newFakeMedia(t),
		enricher:    &fakeEnricher{},
		launcher:    launcher,
		broadcaster: NewBroadcaster(testLogger()),
	}
	t.Cleanup(f.broadcaster.Close)

	var transitionMu sync.Mutex
	f.sup = NewSupervisor(
		f.store,
		f.media,
		f.enricher,
		f.broadcaster,
		f.launcher,
		WhisperConfig{
			BinPath:  "whisper",
			ModelDir: "/models",
			Language: "en",
			Timeout:  time.Minute,
		},
		&transitionMu,
		testLogger(),
	)
	return f
}

func queuedJob(id string) *domain.Job {
	return &domain.Job{
		ID:               id,
		OriginalFilename: "meeting.wav",
		StoredFilename:   id + ".wav",
		Model:            "base",
		Status:           domain.JobStatusQueued,
		CreatedAt:        time.Now().UTC(),
	}
}

// plantArtifact returns an onLaunch hook writing the transcript the
// subprocess is expected to produce.
func plantArtifact(f **supervisorFixture, jobID, stem string) func(string, []string) {
	return func(name string, args []string) {
		path := filepath.Join((*f).media.root, "transcripts", jobID, stem+".srt")
		if err := os.WriteFile(path, []byte("1\n00:00:00,000 --> 00:00:01,000\nhello\n"), 0o644); err != nil {
			panic(err)
		}
	}
}

func TestSupervisorCompletesJob(t *testing.T) {
	const jobID = "job-ok"

	proc := newFakeProcess()
	proc.stdout = "Detecting language\nTranscribing\n"
	proc.stderr = "progress 100%\n"
	launcher := &fakeLauncher{proc: proc}

	var f *supervisorFixture
	launcher.onLaunch = plantArtifact(&f, jobID, jobID)
	f = newSupervisorFixture(t, queuedJob(jobID), launcher)

	f.sup.Run(context.Background(), jobID)

	job := f.store.job(jobID)
	assert.Equal(t, domain.JobStatusCompleted, job.Status)
	assert.Equal(t,
		[]domain.JobStatus{domain.JobStatusProcessing, domain.JobStatusEnriching, domain.JobStatusCompleted},
		f.store.transitionsFor(jobID),
	)

	require.NotNil(t, job.StartedAt)
	require.NotNil(t, job.FinishedAt)
	assert.Equal(t, filepath.Join(f.media.root, "transcripts", jobID, jobID+".srt"), job.TranscriptPath)
	assert.Equal(t, f.media.LogPath(jobID), job.LogPath)

	logData, err := os.ReadFile(job.LogPath)
	require.NoError(t, err)
	assert.Contains(t, string(logData), "Transcribing")
	assert.Contains(t, string(logData), "progress 100%")

	assert.Equal(t, 1, f.enricher.callCount())
	assert.Empty(t, f.media.removed())
}

func TestSupervisorWhisperInvocation(t *testing.T) {
	const jobID = "job-args"

	proc := newFakeProcess()
	launcher := &fakeLauncher{proc: proc}

	var f *supervisorFixture
	launcher.onLaunch = plantArtifact(&f, jobID, jobID)
	f = newSupervisorFixture(t, queuedJob(jobID), launcher)

	f.sup.Run(context.Background(), jobID)

	require.Equal(t, 1, launcher.launchCount())
	inputPath := f.media.UploadPath(jobID + ".wav")
	outputDir := filepath.Join(f.media.root, "transcripts", jobID)
	assert.Equal(t, []string{
		"whisper",
		inputPath,
		"--model", "base",
		"--model_dir", "/models",
		"--output_dir", outputDir,
		"--output_format", "srt",
		"--language", "en",
		"--verbose", "True",
	}, launcher.launches[0])
}

func TestSupervisorMissingArtifactFailsJob(t *testing.T) {
	const jobID = "job-no-artifact"

	// Clean exit but nothing written to the output directory.
	launcher := &fakeLauncher{proc: newFakeProcess()}
	f := newSupervisorFixture(t, queuedJob(jobID), launcher)

	f.sup.Run(context.Background(), jobID)

	job := f.store.job(jobID)
	assert.Equal(t, domain.JobStatusFailedThreadException, job.Status)
	assert.Equal(t,
		[]domain.JobStatus{domain.JobStatusProcessing, domain.JobStatusFailedThreadException},
		f.store.transitionsFor(jobID),
	)
	require.NotNil(t, job.FinishedAt)
	assert.Equal(t, 0, f.enricher.callCount())
}

func TestSupervisorTimeoutKillsProcessOnce(t *testing.T) {
	const jobID = "job-timeout"

	proc := newFakeProcess()
	proc.block = true
	launcher := &fakeLauncher{proc: proc}

	f := newSupervisorFixture(t, queuedJob(jobID), launcher)
	f.sup.whisper.Timeout = 20 * time.Millisecond

	f.sup.Run(context.Background(), jobID)

	job := f.store.job(jobID)
	assert.Equal(t, domain.JobStatusFailedTimeout, job.Status)
	require.NotNil(t, job.FinishedAt)
	assert.Equal(t, 1, proc.killCount())
	assert.Empty(t, job.TranscriptPath)
}

func TestSupervisorLaunchError(t *testing.T) {
	const jobID = "job-launch"

	launcher := &fakeLauncher{launchErr: fmt.Errorf("executable not found")}
	f := newSupervisorFixture(t, queuedJob(jobID), launcher)

	f.sup.Run(context.Background(), jobID)

	job := f.store.job(jobID)
	assert.Equal(t, domain.JobStatusFailedLaunchError, job.Status)
	assert.Equal(t,
		[]domain.JobStatus{domain.JobStatusProcessing, domain.JobStatusFailedLaunchError},
		f.store.transitionsFor(jobID),
	)
	require.NotNil(t, job.FinishedAt)
}

func TestSupervisorNonZeroExit(t *testing.T) {
	tests := []struct {
		name     string
		exitCode int
	}{
		{name: "failure exit code", exitCode: 3},
		{name: "killed by signal", exitCode: -9},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jobID := "job-exit"

			proc := newFakeProcess()
			proc.exitCode = tt.exitCode
			launcher := &fakeLauncher{proc: proc}

			f := newSupervisorFixture(t, queuedJob(jobID), launcher)
			f.sup.Run(context.Background(), jobID)

			job := f.store.job(jobID)
			assert.Equal(t, domain.JobStatusFailedWhisperError, job.Status)
			require.NotNil(t, job.FinishedAt)
			assert.Equal(t, 0, f.enricher.callCount())
		})
	}
}

func TestSupervisorEnrichFailureRollsBackTranscript(t *testing.T) {
	const jobID = "job-enrich"

	proc := newFakeProcess()
	launcher := &fakeLauncher{proc: proc}

	var f *supervisorFixture
	launcher.onLaunch = plantArtifact(&f, jobID, jobID)
	f = newSupervisorFixture(t, queuedJob(jobID), launcher)
	f.enricher.err = fmt.Errorf("enrichment service unavailable")

	f.sup.Run(context.Background(), jobID)

	job := f.store.job(jobID)
	assert.Equal(t, domain.JobStatusFailedUnknown, job.Status)
	assert.Equal(t,
		[]domain.JobStatus{domain.JobStatusProcessing, domain.JobStatusEnriching, domain.JobStatusFailedUnknown},
		f.store.transitionsFor(jobID),
	)
	require.NotNil(t, job.FinishedAt)
	assert.Empty(t, job.TranscriptPath)

	assert.Equal(t, []string{jobID}, f.media.removed())
	assert.NoDirExists(t, filepath.Join(f.media.root, "transcripts", jobID))
}

func TestSupervisorProbeFailureRollsBackTranscript(t *testing.T) {
	const jobID = "job-probe"

	proc := newFakeProcess()
	launcher := &fakeLauncher{proc: proc}

	var f *supervisorFixture
	launcher.onLaunch = plantArtifact(&f, jobID, jobID)
	f = newSupervisorFixture(t, queuedJob(jobID), launcher)
	f.media.probeErr = fmt.Errorf("truncated header")

	f.sup.Run(context.Background(), jobID)

	job := f.store.job(jobID)
	assert.Equal(t, domain.JobStatusFailedUnknown, job.Status)
	assert.Equal(t, []string{jobID}, f.media.removed())
	assert.Equal(t, 0, f.enricher.callCount())
}

func TestSupervisorPanicBecomesThreadException(t *testing.T) {
	const jobID = "job-panic"

	launcher := &fakeLauncher{proc: newFakeProcess()}
	launcher.onLaunch = func(name string, args []string) {
		panic("boom")
	}

	f := newSupervisorFixture(t, queuedJob(jobID), launcher)
	f.sup.Run(context.Background(), jobID)

	job := f.store.job(jobID)
	assert.Equal(t, domain.JobStatusFailedThreadException, job.Status)
	require.NotNil(t, job.FinishedAt)
}

func TestSupervisorLeavesFinishedJobAlone(t *testing.T) {
	const jobID = "job-done"

	finishedAt := time.Now().UTC()
	job := queuedJob(jobID)
	job.Status = domain.JobStatusCompleted
	job.FinishedAt = &finishedAt

	f := newSupervisorFixture(t, job, &fakeLauncher{proc: newFakeProcess()})
	f.sup.Run(context.Background(), jobID)

	assert.Empty(t, f.store.transitionsFor(jobID))
	assert.Equal(t, domain.JobStatusCompleted, f.store.job(jobID).Status)
	assert.Equal(t, 0, f.launcher.launchCount())
}

func TestSupervisorMissingJob(t *testing.T) {
	f := newSupervisorFixture(t, queuedJob("other"), &fakeLauncher{proc: newFakeProcess()})

	// Must not panic; there is nothing to transition.
	f.sup.Run(context.Background(), "ghost")

	assert.Empty(t, f.store.transitionsFor("ghost"))
}

func TestSupervisorBroadcastsEveryTransition(t *testing.T) {
	const jobID = "job-events"

	proc := newFakeProcess()
	launcher := &fakeLauncher{proc: proc}

	var f *supervisorFixture
	launcher.onLaunch = plantArtifact(&f, jobID, jobID)
	f = newSupervisorFixture(t, queuedJob(jobID), launcher)

	events := newChanChannel()
	f.broadcaster.Subscribe(jobID, events)

	f.sup.Run(context.Background(), jobID)

	for _, want := range []string{"PROCESSING", "ENRICHING", "COMPLETED"} {
		select {
		case event := <-events.events:
			assert.Equal(t, want, event.Status)
		case <-time.After(time.Second):
			t.Fatalf("did not receive %s event", want)
		}
	}
}

func TestSupervisorEveryOutcomeIsTerminal(t *testing.T) {
	outcomes := []domain.JobStatus{
		domain.JobStatusCompleted,
		domain.JobStatusFailedTimeout,
		domain.JobStatusFailedLaunchError,
		domain.JobStatusFailedWhisperError,
		domain.JobStatusFailedUnknown,
		domain.JobStatusFailedThreadException,
	}
	for _, status := range outcomes {
		assert.True(t, status.Terminal(), "%s must be terminal", status)
	}
}
