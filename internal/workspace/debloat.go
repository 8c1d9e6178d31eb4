package workspace

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// DebloatEntry is a single removable path parsed from unica/debloat.sh.
type DebloatEntry struct {
	ID        string `json:"id"`
	Partition string `json:"partition"`
	Path      string `json:"path"`
	Section   string `json:"section"`
}

var debloatBlockRe = regexp.MustCompile(`^(ODM|PRODUCT|SYSTEM|SYSTEM_EXT|VENDOR)_DEBLOAT\+="\s*$`)

const debloatBackupName = ".debloat.sh.bak.unica-wb"

// DebloatEntries parses the multiline *_DEBLOAT+=" blocks out of
// unica/debloat.sh. Section titles come from preceding comment headers.
func (w *Workspace) DebloatEntries() []DebloatEntry {
	root := w.RepoRoot()
	if root == "" {
		return nil
	}
	data, err := os.ReadFile(filepath.Join(root, "unica", "debloat.sh"))
	if err != nil {
		return nil
	}

	var entries []DebloatEntry
	section := "General"
	inBlock := false
	partition := ""

	for _, raw := range strings.Split(string(data), "\n") {
		stripped := strings.TrimSpace(raw)

		if strings.HasPrefix(stripped, "#") && len(stripped) > 1 {
			title := strings.TrimSpace(strings.TrimLeft(stripped, "#"))
			if title != "" && !strings.HasPrefix(title, "-") {
				section = title
			}
			continue
		}

		if !inBlock {
			if m := debloatBlockRe.FindStringSubmatch(stripped); m != nil {
				inBlock = true
				partition = strings.ToLower(m[1])
			}
			continue
		}

		if stripped == `"` {
			inBlock = false
			partition = ""
			continue
		}

		if stripped == "" || strings.HasPrefix(stripped, "#") || strings.Contains(stripped, "$(") {
			continue
		}

		entries = append(entries, DebloatEntry{
			ID:        partition + ":" + stripped,
			Partition: partition,
			Path:      stripped,
			Section:   section,
		})
	}
	return entries
}

// DebloatPatch records an applied debloat override so it can be reverted
// after the build.
type DebloatPatch struct {
	Target string
	Backup string
}

// ApplyDebloatOverrides rewrites unica/debloat.sh for one build: disabled
// entries are commented out, extra system/product paths are appended as new
// blocks. Returns nil when there is nothing to change.
func (w *Workspace) ApplyDebloatOverrides(disabledIDs, addSystem, addProduct []string) *DebloatPatch {
	addSystem = trimNonEmpty(addSystem)
	addProduct = trimNonEmpty(addProduct)
	if len(disabledIDs) == 0 && len(addSystem) == 0 && len(addProduct) == 0 {
		return nil
	}

	root := w.RepoRoot()
	if root == "" {
		return nil
	}
	target := filepath.Join(root, "unica", "debloat.sh")
	data, err := os.ReadFile(target)
	if err != nil {
		return nil
	}

	disabledPaths := map[string]bool{}
	for _, id := range disabledIDs {
		if _, path, ok := strings.Cut(id, ":"); ok {
			disabledPaths[path] = true
		}
	}

	backup := filepath.Join(root, "unica", debloatBackupName)
	if err := os.WriteFile(backup, data, 0o644); err != nil {
		return nil
	}

	var out strings.Builder
	for _, raw := range splitKeepEnds(string(data)) {
		stripped := strings.TrimSpace(raw)
		if disabledPaths[stripped] && !strings.HasPrefix(stripped, "#") {
			out.WriteString("# UNICA_WB_DISABLED " + raw)
		} else {
			out.WriteString(raw)
		}
	}

	if len(addSystem) > 0 || len(addProduct) > 0 {
		out.WriteString("\n# UNICA_WB custom debloat entries\n")
		if len(addSystem) > 0 {
			out.WriteString("SYSTEM_DEBLOAT+=\"\n")
			for _, p := range addSystem {
				out.WriteString(p + "\n")
			}
			out.WriteString("\"\n")
		}
		if len(addProduct) > 0 {
			out.WriteString("PRODUCT_DEBLOAT+=\"\n")
			for _, p := range addProduct {
				out.WriteString(p + "\n")
			}
			out.WriteString("\"\n")
		}
	}

	if err := os.WriteFile(target, []byte(out.String()), 0o644); err != nil {
		return nil
	}
	return &DebloatPatch{Target: target, Backup: backup}
}

// RestoreDebloatFile reverts an applied debloat patch.
func RestoreDebloatFile(patch *DebloatPatch) {
	if patch == nil {
		return
	}
	data, err := os.ReadFile(patch.Backup)
	if err != nil {
		return
	}
	if err := os.WriteFile(patch.Target, data, 0o644); err != nil {
		return
	}
	os.Remove(patch.Backup)
}

func trimNonEmpty(values []string) []string {
	var out []string
	for _, v := range values {
		if t := strings.TrimSpace(v); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// splitKeepEnds splits text into lines, each retaining its trailing newline.
func splitKeepEnds(text string) []string {
	var lines []string
	for {
		i := strings.IndexByte(text, '\n')
		if i < 0 {
			if text != "" {
				lines = append(lines, text)
			}
			return lines
		}
		lines = append(lines, text[:i+1])
		text = text[i+1:]
	}
}
