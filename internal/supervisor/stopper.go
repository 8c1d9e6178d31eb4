package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"syscall"
	"time"

	"github.com/unica-wb/backend/internal/models"
	"github.com/unica-wb/backend/internal/repository"
)

// Signal types accepted by the stop protocol.
const (
	SignalTerm = "sigterm"
	SignalKill = "sigkill"
)

// Confirmation windows: SIGTERM gives the build time to unwind mounts,
// SIGKILL only needs the reaper. Variables so tests can shorten them.
var (
	termConfirmTimeout = 25 * time.Second
	killConfirmTimeout = 5 * time.Second
	livenessPollDelay  = 500 * time.Millisecond
)

// Stopper executes stop requests inside the worker, which shares a pid
// namespace with the build process group. A stop that times out leaves the
// job running with guidance in its error field, so stops are idempotent and
// retryable.
type Stopper struct {
	jobs        repository.JobRepository
	cancelQueue func(queueJobID string)
	logger      *slog.Logger
}

// NewStopper creates a stopper. cancelQueue best-effort removes a pending
// queue item and may be nil.
func NewStopper(jobs repository.JobRepository, cancelQueue func(queueJobID string), logger *slog.Logger) *Stopper {
	return &Stopper{jobs: jobs, cancelQueue: cancelQueue, logger: logger}
}

// Stop implements the stop protocol for one job. It is a no-op for jobs
// already in a terminal status.
func (s *Stopper) Stop(ctx context.Context, jobID, signalType string) error {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil || job.Status.Terminal() {
		return nil
	}

	if job.Status == models.StatusQueued {
		return s.cancelQueued(ctx, job)
	}

	if job.Status == models.StatusRunning && job.ProcessPID != nil {
		return s.stopRunning(ctx, job, signalType)
	}

	if job.Status == models.StatusRunning {
		return s.jobs.SetErrorMessage(ctx, job.ID,
			"Stop requested by user, but build PID is missing. Please retry stop or check worker logs.")
	}
	return nil
}

func (s *Stopper) cancelQueued(ctx context.Context, job *models.Job) error {
	if job.QueueJobID != nil && s.cancelQueue != nil {
		s.cancelQueue(*job.QueueJobID)
	}
	msg := "Build canceled by user (queued job)"
	_, err := s.jobs.Finish(ctx, job.ID, models.StatusCanceled, nil, &msg)
	return err
}

func (s *Stopper) stopRunning(ctx context.Context, job *models.Job, signalType string) error {
	pid := *job.ProcessPID
	sig := syscall.SIGTERM
	confirmTimeout := termConfirmTimeout
	if signalType == SignalKill {
		sig = syscall.SIGKILL
		confirmTimeout = killConfirmTimeout
	}

	// signal the whole process group, falling back to the leader alone
	if err := syscall.Kill(-pid, sig); err != nil {
		if err := syscall.Kill(pid, sig); err != nil {
			s.logger.Warn("stop signal delivery failed", "job_id", job.ID, "pid", pid, "error", err)
		}
	}

	deadline := time.Now().Add(confirmTimeout)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(livenessPollDelay):
		}
	}

	if processAlive(pid) {
		return s.jobs.SetErrorMessage(ctx, job.ID, fmt.Sprintf(
			"Stop requested by user (%s), but process is still running. Retry stop if needed.",
			strings.ToUpper(signalType)))
	}

	msg := "Build canceled by user (SIGTERM)"
	if signalType == SignalKill {
		msg = "Build canceled by user (SIGKILL)"
	}
	changed, err := s.jobs.Finish(ctx, job.ID, models.StatusCanceled, nil, &msg)
	if err != nil {
		return err
	}
	if changed {
		s.logger.Info("job canceled", "job_id", job.ID, "signal", signalType)
	}
	return nil
}

// processAlive probes the process group with signal 0. ESRCH means gone,
// EPERM means something is still there under another uid.
func processAlive(pid int) bool {
	err := syscall.Kill(-pid, 0)
	if err == nil {
		return true
	}
	if errors.Is(err, syscall.ESRCH) {
		return false
	}
	if errors.Is(err, syscall.EPERM) {
		return true
	}
	// group probe inconclusive, check the leader directly
	err = syscall.Kill(pid, 0)
	if err == nil || errors.Is(err, syscall.EPERM) {
		return true
	}
	return !errors.Is(err, syscall.ESRCH)
}
