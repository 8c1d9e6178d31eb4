package workspace

import (
	"os"
	"path/filepath"
	"strings"
)

// CleanupCounts reports what CleanupStaleOverrides removed.
type CleanupCounts struct {
	UploadedModDirs  int `json:"uploaded_mod_dirs"`
	TmpExtraModsDirs int `json:"tmp_extra_mods_dirs"`
}

// CleanupStaleOverrides removes leftovers from builds that died without
// restoring their overrides: staged .uploaded-* mod directories and the
// per-job tmp-extra-mods staging area.
func (w *Workspace) CleanupStaleOverrides() CleanupCounts {
	var counts CleanupCounts

	modsDir := filepath.Join(w.cfg.Root, "unica", "mods")
	if entries, err := os.ReadDir(modsDir); err == nil {
		for _, e := range entries {
			if !strings.HasPrefix(e.Name(), ".uploaded-") {
				continue
			}
			os.RemoveAll(filepath.Join(modsDir, e.Name()))
			counts.UploadedModDirs++
		}
	}

	tmpRoot := filepath.Join(w.cfg.DataDir, "tmp-extra-mods")
	if entries, err := os.ReadDir(tmpRoot); err == nil {
		for _, e := range entries {
			os.RemoveAll(filepath.Join(tmpRoot, e.Name()))
			counts.TmpExtraModsDirs++
		}
	}

	return counts
}
