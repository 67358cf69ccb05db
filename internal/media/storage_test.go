package media

import (
	"bytes"
	"encoding/binary"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	root := t.TempDir()
	store, err := NewStore(Config{
		UploadsDir:     filepath.Join(root, "uploads"),
		TranscriptsDir: filepath.Join(root, "transcripts"),
		LogsDir:        filepath.Join(root, "logs"),
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return store
}

// wavBytes builds a minimal RIFF/WAVE file: a 16-byte fmt chunk followed
// by a data chunk of the given payload size.
func wavBytes(sampleRate, byteRate, dataSize uint32) []byte {
	var buf bytes.Buffer
	payload := make([]byte, dataSize)

	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+dataSize))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // mono
	binary.Write(&buf, binary.LittleEndian, sampleRate)
	binary.Write(&buf, binary.LittleEndian, byteRate)
	binary.Write(&buf, binary.LittleEndian, uint16(2))  // block align
	binary.Write(&buf, binary.LittleEndian, uint16(16)) // bits per sample

	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, dataSize)
	buf.Write(payload)

	return buf.Bytes()
}

func TestNewStoreCreatesLayout(t *testing.T) {
	root := t.TempDir()
	_, err := NewStore(Config{
		UploadsDir:     filepath.Join(root, "a", "uploads"),
		TranscriptsDir: filepath.Join(root, "a", "transcripts"),
		LogsDir:        filepath.Join(root, "a", "logs"),
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	assert.DirExists(t, filepath.Join(root, "a", "uploads"))
	assert.DirExists(t, filepath.Join(root, "a", "transcripts"))
	assert.DirExists(t, filepath.Join(root, "a", "logs"))
}

func TestSaveUploadRoundTrip(t *testing.T) {
	store := newTestStore(t)

	content := []byte("fake media bytes")
	require.NoError(t, store.SaveUpload("job-1.wav", bytes.NewReader(content)))

	saved, err := os.ReadFile(store.UploadPath("job-1.wav"))
	require.NoError(t, err)
	assert.Equal(t, content, saved)
}

func TestTranscriptDirLifecycle(t *testing.T) {
	store := newTestStore(t)

	dir, err := store.EnsureTranscriptDir("job-1")
	require.NoError(t, err)
	assert.DirExists(t, dir)

	// Idempotent on an existing directory.
	again, err := store.EnsureTranscriptDir("job-1")
	require.NoError(t, err)
	assert.Equal(t, dir, again)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "job-1.srt"), []byte("partial"), 0o644))
	require.NoError(t, store.RemoveTranscriptDir("job-1"))
	assert.NoDirExists(t, dir)

	// Removing an already absent directory is not an error.
	require.NoError(t, store.RemoveTranscriptDir("job-1"))
}

func TestLogPathOutsideTranscriptTree(t *testing.T) {
	store := newTestStore(t)

	logPath := store.LogPath("job-1")
	assert.Equal(t, "job-1.log", filepath.Base(logPath))

	dir, err := store.EnsureTranscriptDir("job-1")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(logPath, []byte("log line\n"), 0o644))
	require.NoError(t, store.RemoveTranscriptDir("job-1"))
	assert.NoDirExists(t, dir)
	assert.FileExists(t, logPath, "transcript rollback must not delete the job log")
}

func TestProbeAudio(t *testing.T) {
	store := newTestStore(t)

	tests := []struct {
		name           string
		content        []byte
		wantSampleRate int
		wantDuration   time.Duration
	}{
		{
			name:           "wav with known rate and duration",
			content:        wavBytes(16000, 32000, 64000),
			wantSampleRate: 16000,
			wantDuration:   2 * time.Second,
		},
		{
			name:    "non-wav container reports unknown",
			content: []byte("ID3\x03\x00\x00\x00\x00\x00\x00 not a wav"),
		},
		{
			name:    "truncated file reports unknown",
			content: []byte("RIF"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			name := "probe.bin"
			require.NoError(t, store.SaveUpload(name, bytes.NewReader(tt.content)))

			info, err := store.ProbeAudio(store.UploadPath(name))
			require.NoError(t, err)
			assert.Equal(t, tt.wantSampleRate, info.SampleRate)
			assert.Equal(t, tt.wantDuration, info.Duration)
		})
	}
}

func TestProbeAudioMissingFile(t *testing.T) {
	store := newTestStore(t)

	_, err := store.ProbeAudio(store.UploadPath("absent.wav"))
	assert.Error(t, err)
}

func TestProbeWAVTruncatedTrailingChunk(t *testing.T) {
	full := wavBytes(16000, 32000, 32000)

	var buf bytes.Buffer
	buf.Write(full[:36]) // header + complete fmt chunk
	buf.WriteString("LIST")
	binary.Write(&buf, binary.LittleEndian, uint32(100))
	buf.Write([]byte{0x01, 0x02, 0x03}) // payload cut short

	// The walk stops at the truncated chunk; what was parsed so far is
	// still reported.
	info, err := probeWAV(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, 16000, info.SampleRate)
	assert.Zero(t, info.Duration)
}

func TestProbeWAVSkipsUnknownChunks(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(0))
	buf.WriteString("WAVE")

	// A LIST chunk before fmt must be skipped, including its pad byte.
	buf.WriteString("LIST")
	binary.Write(&buf, binary.LittleEndian, uint32(3))
	buf.Write([]byte{0x01, 0x02, 0x03, 0x00})

	full := wavBytes(44100, 176400, 176400)
	buf.Write(full[12:])

	info, err := probeWAV(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, 44100, info.SampleRate)
	assert.Equal(t, time.Second, info.Duration)
}
