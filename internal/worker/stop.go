package worker

import (
	"context"
	"encoding/json"

	"github.com/hibiken/asynq"

	"github.com/unica-wb/backend/internal/queue"
)

// HandleStop executes a stop request against the job's process group.
// Stops run on the controls queue so they are not serialized behind the
// build they are trying to stop.
func (w *Worker) HandleStop(ctx context.Context, task *asynq.Task) error {
	var payload queue.StopPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return err
	}
	return w.stopper.Stop(ctx, payload.JobID, payload.SignalType)
}
