package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/hibiken/asynq"

	"github.com/unica-wb/backend/internal/gitrepo"
	"github.com/unica-wb/backend/internal/models"
	"github.com/unica-wb/backend/internal/progress"
	"github.com/unica-wb/backend/internal/queue"
)

// HandleRepoClone clones the source tree into the workspace volume. The
// payload URL may embed credentials; only the log output (which git keeps
// credential-free) is persisted.
func (w *Worker) HandleRepoClone(ctx context.Context, task *asynq.Task) error {
	var payload queue.RepoClonePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return err
	}

	return w.runOperation(ctx, payload.JobID, func(ctx context.Context, job *models.Job, logFile *os.File) error {
		defer w.repoState.Invalidate(context.WithoutCancel(ctx))

		cloneRoot := w.ws.CloneRoot()
		parts := []string{"git -c safe.directory=* clone --progress --recurse-submodules"}
		if payload.GitRef != "" {
			parts = append(parts, "--branch "+shQuote(payload.GitRef))
		}
		parts = append(parts, shQuote(payload.GitURL), shQuote(cloneRoot))
		command := strings.Join(parts, " ")

		fmt.Fprintf(logFile, "[clone] url=%s ref=%s\n", gitrepo.SafeURL(payload.GitURL), payload.GitRef)

		return w.runRepoStage(ctx, job.ID, "clone", command, logFile)
	})
}

// HandleRepoPull fast-forwards the checkout and syncs submodules. A merge
// would leave the tree in a state the builder cannot reason about, so
// anything that is not a fast-forward fails the job.
func (w *Worker) HandleRepoPull(ctx context.Context, task *asynq.Task) error {
	var payload queue.RepoPullPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return err
	}

	return w.runOperation(ctx, payload.JobID, func(ctx context.Context, job *models.Job, logFile *os.File) error {
		defer w.repoState.Invalidate(context.WithoutCancel(ctx))

		branch := payload.GitRef
		if branch == "" {
			branch = w.repo.CommitDetails().Branch
		}
		if branch == "" || branch == "HEAD" {
			return fmt.Errorf("detached HEAD: checkout a branch before pull")
		}

		command := strings.Join([]string{
			"cd " + shQuote(w.repo.Root()),
			"git -c safe.directory=* fetch --all --tags --prune",
			"git -c safe.directory=* pull --ff-only origin " + shQuote(branch),
			"git -c safe.directory=* submodule sync --recursive",
			"git -c safe.directory=* submodule update --init --recursive --jobs 8",
		}, " && ")

		fmt.Fprintf(logFile, "[pull] branch=%s\n", branch)

		if err := w.runRepoStage(ctx, job.ID, "pull", command, logFile); err != nil {
			return fmt.Errorf("pull failed: %w", err)
		}
		return nil
	})
}

// HandleRepoSubmodules re-syncs and updates every submodule.
func (w *Worker) HandleRepoSubmodules(ctx context.Context, task *asynq.Task) error {
	var payload queue.RepoSubmodulesPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return err
	}

	return w.runOperation(ctx, payload.JobID, func(ctx context.Context, job *models.Job, logFile *os.File) error {
		defer w.repoState.Invalidate(context.WithoutCancel(ctx))

		command := strings.Join([]string{
			"cd " + shQuote(w.repo.Root()),
			"git -c safe.directory=* submodule sync --recursive",
			"git -c safe.directory=* submodule update --init --recursive --jobs 8",
		}, " && ")

		fmt.Fprintln(logFile, "[submodules] sync and update")

		return w.runRepoStage(ctx, job.ID, "submodules", command, logFile)
	})
}

// HandleRepoDelete removes the checkout, and with mode repo_with_out also
// the build output tree.
func (w *Worker) HandleRepoDelete(ctx context.Context, task *asynq.Task) error {
	var payload queue.RepoDeletePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return err
	}

	return w.runOperation(ctx, payload.JobID, func(ctx context.Context, job *models.Job, logFile *os.File) error {
		defer w.repoState.Invalidate(context.WithoutCancel(ctx))

		tracker := progress.NewRepoTracker(w.broker, job.ID)
		tracker.SetStage("delete")
		tracker.Heartbeat()

		root := w.repo.Root()
		fmt.Fprintf(logFile, "[delete] mode=%s root=%s\n", payload.Mode, root)

		var firstErr error
		if err := os.RemoveAll(root); err != nil {
			firstErr = err
			fmt.Fprintf(logFile, "[delete] failed to remove checkout: %v\n", err)
		} else {
			fmt.Fprintf(logFile, "[delete] removed checkout: %s\n", root)
		}

		if payload.Mode == "repo_with_out" {
			if err := os.RemoveAll(w.ws.OutDir()); err != nil {
				if firstErr == nil {
					firstErr = err
				}
				fmt.Fprintf(logFile, "[delete] failed to remove out tree: %v\n", err)
			} else {
				fmt.Fprintf(logFile, "[delete] removed out tree: %s\n", w.ws.OutDir())
			}
		}

		tracker.Finalize(firstErr == nil)
		return firstErr
	})
}

// runRepoStage runs one git command under a repo progress tracker.
func (w *Worker) runRepoStage(ctx context.Context, jobID, stage, command string, logFile *os.File) error {
	tracker := progress.NewRepoTracker(w.broker, jobID)
	tracker.SetStage(stage)
	tracker.Heartbeat()

	rc, err := w.sup.Run(ctx, jobID, command, logFile, tracker)
	tracker.Finalize(err == nil && rc == 0)
	if err != nil {
		return err
	}
	if rc != 0 {
		return fmt.Errorf("%s exited with return code %d", stage, rc)
	}
	return nil
}
