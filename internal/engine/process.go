package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/cuongbtq/transcribe-engine/internal/engine/domain"
)

// Process is one spawned transcription child with piped output streams.
type Process interface {
	Stdout() io.Reader
	Stderr() io.Reader
	// Wait blocks until exit and returns the exit code. A negative code
	// means the process was killed by a signal.
	Wait() (int, error)
	Kill() error
}

// Launcher abstracts process spawning so the supervisor state machine
// is testable without real child processes.
type Launcher interface {
	Launch(ctx context.Context, name string, args []string) (Process, error)
}

// ExecLauncher spawns real processes via os/exec.
type ExecLauncher struct{}

func (ExecLauncher) Launch(ctx context.Context, name string, args []string) (Process, error) {
	cmd := exec.Command(name, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to pipe stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to pipe stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", name, err)
	}

	return &execProcess{cmd: cmd, stdout: stdout, stderr: stderr}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdout io.Reader
	stderr io.Reader
}

func (p *execProcess) Stdout() io.Reader { return p.stdout }
func (p *execProcess) Stderr() io.Reader { return p.stderr }

func (p *execProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// Signal termination surfaces as a negative code.
			return exitErr.ExitCode(), nil
		}
		return 0, err
	}
	return 0, nil
}

func (p *execProcess) Kill() error {
	return p.cmd.Process.Kill()
}

// waitProcess drains both output streams to EOF, then reaps the exit
// status, with an optional wall-clock limit enforced by a kill timer.
// Wait closes the output pipes, so reaping while the drain goroutines
// still read would discard the tail of the child's output; the drain
// must finish first. A timeout kill EOFs the pipes, so the drain
// finishes on that path too, before the killed process is reaped.
func waitProcess(proc Process, timeout time.Duration, drain func() error) (exitCode int, waitErr, drainErr error) {
	if timeout <= 0 {
		drainErr = drain()
		exitCode, waitErr = proc.Wait()
		return
	}

	timedOut := make(chan struct{})
	timer := time.AfterFunc(timeout, func() {
		close(timedOut)
		_ = proc.Kill()
	})
	defer timer.Stop()

	drainErr = drain()
	exitCode, waitErr = proc.Wait()

	select {
	case <-timedOut:
		exitCode, waitErr = 0, domain.ErrJobTimeout
	default:
	}
	return
}

// lockedWriter serializes the two stream drain goroutines writing into
// one log sink.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (lw *lockedWriter) writeLine(line string) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	fmt.Fprintln(lw.w, line)
}

// drainLines copies one stream into the log sink as lines arrive. The
// child blocks on a full pipe buffer if its output is not drained, so
// both streams get their own drain goroutine.
func drainLines(r io.Reader, sink *lockedWriter) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		sink.writeLine(scanner.Text())
	}
	return scanner.Err()
}
