package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hibiken/asynq"

	"github.com/unica-wb/backend/internal/archive"
	"github.com/unica-wb/backend/internal/models"
	"github.com/unica-wb/backend/internal/progress"
	"github.com/unica-wb/backend/internal/queue"
	"github.com/unica-wb/backend/internal/workspace"
)

// buildOverrides tracks the temporary workspace patches applied for one
// build so they can all be reverted when the build exits.
type buildOverrides struct {
	appliedModDirs []string
	extraModsTmp   string
	debloat        *workspace.DebloatPatch
	mods           *workspace.ModsPatch
	ff             *workspace.FFPatch
}

func (o *buildOverrides) revert() {
	for _, dir := range o.appliedModDirs {
		os.RemoveAll(dir)
	}
	if o.extraModsTmp != "" {
		os.RemoveAll(o.extraModsTmp)
	}
	workspace.RestoreDebloatFile(o.debloat)
	workspace.RestoreModsOverrides(o.mods)
	workspace.RestoreFFOverrides(o.ff)
}

// HandleBuild runs one materialized build job end to end.
func (w *Worker) HandleBuild(ctx context.Context, task *asynq.Task) error {
	var payload queue.BuildPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return err
	}

	job, err := w.jobs.GetByID(ctx, payload.JobID)
	if err != nil {
		return err
	}
	if job == nil {
		return nil
	}

	if err := os.MkdirAll(w.ws.LogsDir(), 0o755); err != nil {
		return err
	}
	logPath := filepath.Join(w.ws.LogsDir(), safeName(job.Target)+"-"+job.ID+".log")
	if err := w.jobs.MarkRunning(ctx, job.ID, logPath); err != nil {
		return err
	}

	w.logger.Info("build started", "job_id", job.ID, "target", job.Target)

	overrides := &buildOverrides{}
	defer func() {
		overrides.revert()
		w.deleteUploadArchive(job)
	}()

	flags := []string{}
	if job.Force {
		flags = append(flags, "--force")
	}
	if job.NoRomZip {
		flags = append(flags, "--no-rom-zip")
	}

	forceFor := func(reason string) {
		for _, f := range flags {
			if f == "--force" {
				return
			}
		}
		flags = append(flags, "--force")
		w.logger.Info("forcing rebuild", "job_id", job.ID, "reason", reason)
	}

	if err := w.stageExtraMods(job, overrides); err != nil {
		w.failJob(ctx, job.ID, err.Error())
		return nil
	}
	if len(overrides.appliedModDirs) > 0 {
		forceFor("extra mods staged")
	}

	if w.applyDebloat(job, overrides) {
		forceFor("debloat overrides")
	}
	if w.applyModsDisabled(job, overrides) {
		forceFor("mods disabled")
	}
	if w.applyFFOverrides(job, overrides) {
		forceFor("floating feature overrides")
	}

	command := w.buildCommand(job, flags)

	sourceFw := strDeref(job.SourceFirmware)
	targetFw := strDeref(job.TargetFirmware)
	tracker := progress.NewBuildTracker(w.broker, job.ID,
		workspace.FirmwareKey(sourceFw), workspace.FirmwareKey(targetFw))

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		w.failJob(ctx, job.ID, err.Error())
		return nil
	}

	rc, runErr := w.sup.Run(ctx, job.ID, command, logFile, tracker)
	logFile.Close()
	tracker.Finalize(runErr == nil && rc == 0)

	finishCtx := context.WithoutCancel(ctx)
	if runErr != nil {
		w.failJob(finishCtx, job.ID, runErr.Error())
		return nil
	}

	if rc == 0 {
		if artifact := w.findNewestArtifact(); artifact != "" {
			if err := w.jobs.SetArtifactPath(finishCtx, job.ID, artifact); err != nil {
				w.logger.Error("failed to record artifact", "job_id", job.ID, "error", err)
			}
		}
		if _, err := w.jobs.Finish(finishCtx, job.ID, models.StatusSucceeded, &rc, nil); err != nil {
			w.logger.Error("failed to finish build job", "job_id", job.ID, "error", err)
		}
		w.logger.Info("build succeeded", "job_id", job.ID, "target", job.Target)
		return nil
	}

	msg := fmt.Sprintf("Build failed with return code %d", rc)
	// Finish refuses to override a canceled status set by a stop.
	if _, err := w.jobs.Finish(finishCtx, job.ID, models.StatusFailed, &rc, &msg); err != nil {
		w.logger.Error("failed to finish build job", "job_id", job.ID, "error", err)
	}
	w.logger.Info("build failed", "job_id", job.ID, "target", job.Target, "return_code", rc)
	return nil
}

// buildCommand assembles the bash -lc build invocation including the
// firmware and version override exports.
func (w *Worker) buildCommand(job *models.Job, flags []string) string {
	root := w.ws.RepoRootOrDefault()

	parts := []string{
		"cd " + shQuote(root),
		"source buildenv.sh " + shQuote(job.Target),
	}

	if fw := strDeref(job.SourceFirmware); fw != "" {
		parts = append(parts, "export SOURCE_FIRMWARE="+shQuote(fw))
	}
	if fw := strDeref(job.TargetFirmware); fw != "" {
		parts = append(parts, "export TARGET_FIRMWARE="+shQuote(fw))
	}
	if job.VersionMajor != nil && job.VersionMinor != nil && job.VersionPatch != nil {
		parts = append(parts, "export ROM_VERSION="+shQuote(romVersion(job)))
	}

	quoted := make([]string, 0, len(flags))
	for _, f := range flags {
		quoted = append(quoted, shQuote(f))
	}
	parts = append(parts, strings.TrimSpace("scripts/make_rom.sh "+strings.Join(quoted, " ")))

	return strings.Join(parts, " && ")
}

// romVersion renders maj.min.patch-<commit8> with an optional suffix.
func romVersion(job *models.Job) string {
	commit := job.SourceCommit
	if commit == "" {
		commit = "unknown"
	}
	if len(commit) > 8 {
		commit = commit[:8]
	}
	version := fmt.Sprintf("%d.%d.%d-%s", *job.VersionMajor, *job.VersionMinor, *job.VersionPatch, commit)
	if suffix := strings.TrimSpace(strDeref(job.VersionSuffix)); suffix != "" {
		version += "-" + suffix
	}
	return version
}

// stageExtraMods copies validated uploaded modules into unica/mods as
// .uploaded-* directories that exist only for this build.
func (w *Worker) stageExtraMods(job *models.Job, overrides *buildOverrides) error {
	archivePath := strDeref(job.ExtraModsArchivePath)
	if archivePath == "" {
		return nil
	}
	if _, err := os.Stat(archivePath); err != nil {
		return nil
	}

	tmpDir := w.ws.TmpExtraModsDir(job.ID)
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return err
	}
	overrides.extraModsTmp = tmpDir

	result, err := archive.Validate(archivePath, tmpDir)
	if err != nil {
		return err
	}

	modsDir := filepath.Join(w.ws.RepoRootOrDefault(), "unica", "mods")
	if err := os.MkdirAll(modsDir, 0o755); err != nil {
		return err
	}

	entries, err := os.ReadDir(result.ModulesRoot)
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		src := filepath.Join(result.ModulesRoot, entry.Name())
		if _, err := os.Stat(filepath.Join(src, "module.prop")); err != nil {
			continue
		}
		dst := filepath.Join(modsDir, ".uploaded-"+job.ID[:8]+"-"+entry.Name())
		os.RemoveAll(dst)
		if err := copyTree(src, dst); err != nil {
			return err
		}
		overrides.appliedModDirs = append(overrides.appliedModDirs, dst)
	}
	return nil
}

func (w *Worker) applyDebloat(job *models.Job, overrides *buildOverrides) bool {
	disabled := decodeStringList(job.DebloatDisabledJSON)
	addSystem := decodeStringList(job.DebloatAddSystemJSON)
	addProduct := decodeStringList(job.DebloatAddProductJSON)
	if len(disabled) == 0 && len(addSystem) == 0 && len(addProduct) == 0 {
		return false
	}
	overrides.debloat = w.ws.ApplyDebloatOverrides(disabled, addSystem, addProduct)
	return overrides.debloat != nil
}

func (w *Worker) applyModsDisabled(job *models.Job, overrides *buildOverrides) bool {
	disabled := decodeStringList(job.ModsDisabledJSON)
	if len(disabled) == 0 {
		return false
	}
	overrides.mods = w.ws.ApplyModsDisabledOverrides(disabled)
	return overrides.mods != nil
}

// applyFFOverrides patches the extracted source firmware's floating
// feature XML, which the build pipeline consumes.
func (w *Worker) applyFFOverrides(job *models.Job, overrides *buildOverrides) bool {
	raw := strDeref(job.FFOverridesJSON)
	if raw == "" {
		return false
	}
	var ffOverrides map[string]string
	if err := json.Unmarshal([]byte(raw), &ffOverrides); err != nil || len(ffOverrides) == 0 {
		return false
	}
	defaults := w.ws.CollectFFDefaults(job.Target, strDeref(job.SourceFirmware), strDeref(job.TargetFirmware))
	if defaults.SourcePath == "" {
		return false
	}
	overrides.ff = workspace.ApplyFFOverrides(defaults.SourcePath, ffOverrides)
	return overrides.ff != nil
}

// findNewestArtifact returns the most recently modified ROM zip in out/.
func (w *Worker) findNewestArtifact() string {
	matches, err := filepath.Glob(filepath.Join(w.ws.OutDir(), "UN1CA_*.zip"))
	if err != nil || len(matches) == 0 {
		return ""
	}
	newest := ""
	var newestMtime int64
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if mt := info.ModTime().UnixNano(); newest == "" || mt > newestMtime {
			newest = path
			newestMtime = mt
		}
	}
	return newest
}

func (w *Worker) deleteUploadArchive(job *models.Job) {
	archivePath := strDeref(job.ExtraModsArchivePath)
	if archivePath == "" {
		return
	}
	os.Remove(archivePath)
}

func decodeStringList(raw *string) []string {
	if raw == nil || *raw == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(*raw), &out); err != nil {
		return nil
	}
	return out
}

func strDeref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// copyTree duplicates a directory preserving symlinks and file modes.
func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		switch {
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case info.IsDir():
			return os.MkdirAll(target, info.Mode().Perm())
		default:
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			return os.WriteFile(target, data, info.Mode().Perm())
		}
	})
}
