// Package supervisor runs build shell commands in their own process group,
// tees merged output into the job log and a progress consumer, and
// implements the out-of-band stop protocol.
package supervisor

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/unica-wb/backend/internal/repository"
)

// Consumer receives the child's merged output stream. Implementations must
// be safe for concurrent Feed and Heartbeat calls.
type Consumer interface {
	Feed(text string)
	Heartbeat()
	Finalize(ok bool)
}

// nopConsumer discards progress. Used for operations with no tracker.
type nopConsumer struct{}

func (nopConsumer) Feed(string)   {}
func (nopConsumer) Heartbeat()    {}
func (nopConsumer) Finalize(bool) {}

// NopConsumer returns a consumer that ignores everything.
func NopConsumer() Consumer { return nopConsumer{} }

// Supervisor executes shell commands for jobs.
type Supervisor struct {
	jobs   repository.JobRepository
	logger *slog.Logger
}

// New creates a supervisor writing pid state through the given repository.
func New(jobs repository.JobRepository, logger *slog.Logger) *Supervisor {
	return &Supervisor{jobs: jobs, logger: logger}
}

const readChunkSize = 4096

// Run executes command with `bash -lc` in a fresh session, appends merged
// stdout+stderr to logFile and feeds it to the consumer. The child's pid is
// recorded in the job row before any output is read and cleared when the
// child exits. Returns the child's exit code.
//
// The consumer is heartbeated at 1 Hz even when the child is silent; the
// caller finalizes it after deciding the job outcome.
func (s *Supervisor) Run(ctx context.Context, jobID, command string, logFile *os.File, consumer Consumer) (int, error) {
	if consumer == nil {
		consumer = NopConsumer()
	}

	cmd := exec.Command("bash", "-lc", command)
	cmd.Env = append(os.Environ(), "PYTHONUNBUFFERED=1")
	// new session: killing -pid reaches every descendant
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	pr, pw, err := os.Pipe()
	if err != nil {
		return -1, err
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return -1, err
	}
	pw.Close()

	pid := cmd.Process.Pid
	if err := s.jobs.SetProcessPID(ctx, jobID, &pid); err != nil {
		s.logger.Error("failed to record process pid", "job_id", jobID, "error", err)
	}

	heartbeatDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-heartbeatDone:
				return
			case <-ticker.C:
				consumer.Heartbeat()
			}
		}
	}()

	buf := make([]byte, readChunkSize)
	var readErr error
	for {
		n, err := pr.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if _, werr := logFile.Write(chunk); werr != nil && readErr == nil {
				readErr = werr
			}
			consumer.Feed(string(chunk))
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			readErr = err
			break
		}
	}
	pr.Close()
	close(heartbeatDone)

	waitErr := cmd.Wait()

	if err := s.jobs.SetProcessPID(context.WithoutCancel(ctx), jobID, nil); err != nil {
		s.logger.Error("failed to clear process pid", "job_id", jobID, "error", err)
	}

	if readErr != nil {
		s.logger.Warn("output stream error", "job_id", jobID, "error", readErr)
	}

	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			return exitErr.ExitCode(), nil
		}
		return -1, waitErr
	}
	return 0, nil
}
