package workspace

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ModEntry describes one mod under unica/mods, taken from its module.prop.
type ModEntry struct {
	ID              string `json:"id"`
	ModuleDir       string `json:"module_dir"`
	Name            string `json:"name"`
	Author          string `json:"author"`
	Description     string `json:"description"`
	DefaultDisabled bool   `json:"default_disabled"`
}

// ModEntries lists every mod directory under unica/mods that carries a
// module.prop, sorted case-insensitively.
func (w *Workspace) ModEntries() []ModEntry {
	root := w.RepoRoot()
	if root == "" {
		return nil
	}
	modsDir := filepath.Join(root, "unica", "mods")
	dirs, err := os.ReadDir(modsDir)
	if err != nil {
		return nil
	}
	sort.Slice(dirs, func(i, j int) bool {
		return strings.ToLower(dirs[i].Name()) < strings.ToLower(dirs[j].Name())
	})

	var entries []ModEntry
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		modDir := filepath.Join(modsDir, d.Name())
		props := ParseModuleProp(filepath.Join(modDir, "module.prop"))
		if props == nil {
			continue
		}
		name := props["name"]
		if name == "" {
			name = d.Name()
		}
		entries = append(entries, ModEntry{
			ID:              d.Name(),
			ModuleDir:       d.Name(),
			Name:            name,
			Author:          props["author"],
			Description:     props["description"],
			DefaultDisabled: isFile(filepath.Join(modDir, "disable")),
		})
	}
	return entries
}

// ParseModuleProp reads key=value lines from a module.prop file. Returns
// nil when the file does not exist.
func ParseModuleProp(path string) map[string]string {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	props := map[string]string{}
	for _, raw := range strings.Split(string(data), "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		props[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return props
}

// ModsPatch records disable-marker changes so one build's overrides can be
// reverted afterward.
type ModsPatch struct {
	CreatedDisable []string
	// RemovedDisable pairs backup path with the original disable path.
	RemovedDisable [][2]string
}

// ApplyModsDisabledOverrides reconciles per-mod disable markers with the
// requested set: creates markers for newly disabled mods and moves existing
// markers aside for mods the request wants enabled. Returns nil when the
// tree already matches.
func (w *Workspace) ApplyModsDisabledOverrides(disabledIDs []string) *ModsPatch {
	root := w.RepoRoot()
	if root == "" {
		return nil
	}
	modsDir := filepath.Join(root, "unica", "mods")
	dirs, err := os.ReadDir(modsDir)
	if err != nil {
		return nil
	}

	disabled := map[string]bool{}
	for _, id := range disabledIDs {
		if t := strings.TrimSpace(id); t != "" {
			disabled[t] = true
		}
	}

	patch := &ModsPatch{}
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		modDir := filepath.Join(modsDir, d.Name())
		if !isFile(filepath.Join(modDir, "module.prop")) {
			continue
		}
		disablePath := filepath.Join(modDir, "disable")
		if disabled[d.Name()] {
			if !isFile(disablePath) {
				if err := os.WriteFile(disablePath, []byte("disabled by unica-wb for one build\n"), 0o644); err == nil {
					patch.CreatedDisable = append(patch.CreatedDisable, disablePath)
				}
			}
			continue
		}
		if isFile(disablePath) {
			backup := filepath.Join(modDir, ".disable.unica-wb.bak")
			os.Remove(backup)
			if err := os.Rename(disablePath, backup); err == nil {
				patch.RemovedDisable = append(patch.RemovedDisable, [2]string{backup, disablePath})
			}
		}
	}

	if len(patch.CreatedDisable) == 0 && len(patch.RemovedDisable) == 0 {
		return nil
	}
	return patch
}

// RestoreModsOverrides reverts disable-marker changes from an earlier apply.
func RestoreModsOverrides(patch *ModsPatch) {
	if patch == nil {
		return
	}
	for _, p := range patch.CreatedDisable {
		os.Remove(p)
	}
	for _, pair := range patch.RemovedDisable {
		if isFile(pair[0]) {
			os.Rename(pair[0], pair[1])
		}
	}
}
