package handler

import (
	"context"

	"github.com/unica-wb/backend/internal/models"
	"github.com/unica-wb/backend/internal/repository"
)

// createOperationJob inserts a queued operation job. The caller enqueues
// the matching task and records the queue id.
func createOperationJob(ctx context.Context, jobs repository.JobRepository, target, sourceCommit, operationName string) (*models.Job, error) {
	job := &models.Job{
		Kind:          models.KindOperation,
		OperationName: &operationName,
		Target:        target,
		SourceCommit:  sourceCommit,
	}
	if err := jobs.Create(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// recordQueueID stores the queue id and refreshes the row for responses.
func recordQueueID(ctx context.Context, jobs repository.JobRepository, job *models.Job, queueJobID string) (*models.Job, error) {
	if err := jobs.SetQueueJobID(ctx, job.ID, queueJobID); err != nil {
		return nil, err
	}
	return jobs.GetByID(ctx, job.ID)
}
