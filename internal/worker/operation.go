package worker

import (
	"context"
	"os"
	"path/filepath"

	"github.com/unica-wb/backend/internal/models"
)

// runOperation wraps an auxiliary operation with the shared job lifecycle:
// mark running with a log path, run, then finish as succeeded or failed.
// A job already canceled by a concurrent stop keeps its canceled status.
func (w *Worker) runOperation(ctx context.Context, jobID string, op func(ctx context.Context, job *models.Job, logFile *os.File) error) error {
	job, err := w.jobs.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return nil
	}

	if err := os.MkdirAll(w.ws.LogsDir(), 0o755); err != nil {
		return err
	}
	opName := "operation"
	if job.OperationName != nil && safeName(*job.OperationName) != "" {
		opName = safeName(*job.OperationName)
	}
	logPath := filepath.Join(w.ws.LogsDir(), opName+"-"+job.ID+".log")

	if err := w.jobs.MarkRunning(ctx, job.ID, logPath); err != nil {
		return err
	}

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		w.failJob(ctx, job.ID, err.Error())
		return nil
	}
	defer logFile.Close()

	if err := op(ctx, job, logFile); err != nil {
		w.failJob(ctx, job.ID, err.Error())
		return nil
	}

	rc := 0
	if _, err := w.jobs.Finish(context.WithoutCancel(ctx), job.ID, models.StatusSucceeded, &rc, nil); err != nil {
		w.logger.Error("failed to finish operation job", "job_id", job.ID, "error", err)
	}
	return nil
}

func (w *Worker) failJob(ctx context.Context, jobID, message string) {
	rc := 1
	if _, err := w.jobs.Finish(context.WithoutCancel(ctx), jobID, models.StatusFailed, &rc, &message); err != nil {
		w.logger.Error("failed to mark job failed", "job_id", jobID, "error", err)
	}
}
