package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hibiken/asynq"

	"github.com/unica-wb/backend/internal/models"
	"github.com/unica-wb/backend/internal/progress"
	"github.com/unica-wb/backend/internal/queue"
)

// extractPseudoVersion makes extract_fw.sh skip the version check and use
// whatever ODIN archive is already cached for the model/CSC.
const extractPseudoVersion = "350000000000000"

// HandleExtractFw re-extracts a cached ODIN firmware into out/fw.
func (w *Worker) HandleExtractFw(ctx context.Context, task *asynq.Task) error {
	var payload queue.ExtractFwPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return err
	}

	return w.runOperation(ctx, payload.JobID, func(ctx context.Context, job *models.Job, logFile *os.File) error {
		model, csc, ok := strings.Cut(payload.FwKey, "_")
		if !ok || model == "" || csc == "" {
			return fmt.Errorf("invalid firmware key %q", payload.FwKey)
		}

		firmware := model + "/" + csc + "/" + extractPseudoVersion
		command := strings.Join([]string{
			"cd " + shQuote(w.ws.RepoRootOrDefault()),
			"source buildenv.sh " + shQuote(payload.TargetCodename),
			"scripts/extract_fw.sh --ignore-source --ignore-target --force " + shQuote(firmware),
		}, " && ")

		fmt.Fprintf(logFile, "[extract] fw_key=%s target=%s\n", payload.FwKey, payload.TargetCodename)

		tracker := progress.NewFirmwareTracker(w.broker, job.ID,
			[]string{strings.ToUpper(payload.FwKey)}, "extract")
		tracker.Heartbeat()

		rc, err := w.sup.Run(ctx, job.ID, command, logFile, tracker)
		tracker.Finalize(err == nil && rc == 0)
		if err != nil {
			return err
		}
		if rc != 0 {
			return fmt.Errorf("extract failed with return code %d", rc)
		}
		return nil
	})
}

// HandleDeleteFw removes a cached ODIN archive or extracted firmware tree.
func (w *Worker) HandleDeleteFw(ctx context.Context, task *asynq.Task) error {
	var payload queue.DeleteFwPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return err
	}

	return w.runOperation(ctx, payload.JobID, func(ctx context.Context, job *models.Job, logFile *os.File) error {
		subdir := "fw"
		if payload.FwType == "odin" {
			subdir = "odin"
		}
		target := filepath.Join(w.ws.OutDir(), subdir, payload.FwKey)

		fmt.Fprintf(logFile, "[delete] fw_type=%s fw_key=%s\n", payload.FwType, payload.FwKey)

		info, err := os.Stat(target)
		if err != nil {
			fmt.Fprintln(logFile, "[delete] path does not exist, nothing to do")
			return nil
		}
		if info.IsDir() {
			os.RemoveAll(target)
			fmt.Fprintf(logFile, "[delete] removed directory: %s\n", target)
		} else {
			os.Remove(target)
			fmt.Fprintf(logFile, "[delete] removed file: %s\n", target)
		}

		w.broker.RemoveFirmware(ctx, strings.ToUpper(payload.FwKey))
		return nil
	})
}
