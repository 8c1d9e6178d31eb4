// Package workspace reads and mutates the UN1CA source tree: target
// catalogs, shell config defaults, debloat and mod catalogs, and the
// floating-feature pipeline.
package workspace

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/unica-wb/backend/internal/config"
)

// Workspace resolves paths inside the build tree. All reads are pure over
// the filesystem snapshot; only the build worker mutates the tree.
type Workspace struct {
	cfg config.WorkspaceConfig
}

// New creates a workspace rooted at the configured paths.
func New(cfg config.WorkspaceConfig) *Workspace {
	return &Workspace{cfg: cfg}
}

// RepoRoot probes a fixed list of candidate roots and returns the first one
// that looks like a UN1CA checkout. Works with both bind-mounts and volume
// clones. Returns "" when none matches.
func (w *Workspace) RepoRoot() string {
	candidates := []string{w.cfg.Root, "/workspace/UN1CA", "/workspace"}
	for _, root := range candidates {
		if isDir(filepath.Join(root, "target")) && isFile(filepath.Join(root, "unica", "configs", "version.sh")) {
			return root
		}
	}
	return ""
}

// RepoRootOrDefault returns RepoRoot, falling back to the configured root
// when no candidate matches yet (fresh container before clone).
func (w *Workspace) RepoRootOrDefault() string {
	if root := w.RepoRoot(); root != "" {
		return root
	}
	return w.cfg.Root
}

// CloneRoot is where a fresh checkout is created when no root exists.
func (w *Workspace) CloneRoot() string { return filepath.Join("/workspace", "UN1CA") }

// OutDir returns the build output directory.
func (w *Workspace) OutDir() string { return w.cfg.OutDir }

// DataDir returns the service's persistent data directory.
func (w *Workspace) DataDir() string { return w.cfg.DataDir }

// LogsDir returns the job log directory.
func (w *Workspace) LogsDir() string { return w.cfg.LogsDir }

// UploadsDir is where uploaded mod archives and their sidecars live.
func (w *Workspace) UploadsDir() string { return filepath.Join(w.cfg.DataDir, "uploads") }

// TmpExtraModsDir returns the per-job staging directory for uploaded mods.
func (w *Workspace) TmpExtraModsDir(jobID string) string {
	return filepath.Join(w.cfg.DataDir, "tmp-extra-mods", jobID)
}

// ReadShellVar reads a simple VAR=value assignment out of a shell file
// without sourcing it. Returns "" when the file or variable is absent.
func ReadShellVar(path, name string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	pattern := regexp.MustCompile(`^\s*` + regexp.QuoteMeta(name) + `\s*=\s*"?([^"\n#]+)"?`)
	for _, line := range strings.Split(string(data), "\n") {
		if m := pattern.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			return strings.TrimSpace(m[1])
		}
	}
	return ""
}

// parseShellVars reads all simple KEY=value assignments from a shell file.
func parseShellVars(path string) map[string]string {
	out := map[string]string{}
	data, err := os.ReadFile(path)
	if err != nil {
		return out
	}
	for _, raw := range strings.Split(string(data), "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") || !strings.Contains(line, "=") {
			continue
		}
		key, value, _ := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), `"'`)
		if key != "" {
			out[key] = value
		}
	}
	return out
}

// TargetCodenames lists the subdirectories of target/, sorted.
func (w *Workspace) TargetCodenames() []string {
	root := w.RepoRoot()
	if root == "" {
		return nil
	}
	entries, err := os.ReadDir(filepath.Join(root, "target"))
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names
}

// TargetOption pairs a target codename with its human-readable name.
type TargetOption struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

// TargetOptions returns codename/display-name pairs for every target.
func (w *Workspace) TargetOptions() []TargetOption {
	root := w.RepoRoot()
	if root == "" {
		return nil
	}
	var options []TargetOption
	for _, code := range w.TargetCodenames() {
		name := ReadShellVar(filepath.Join(root, "target", code, "config.sh"), "TARGET_NAME")
		if name == "" {
			name = code
		}
		options = append(options, TargetOption{Code: code, Name: name})
	}
	return options
}

// Defaults holds the file-system defaults applied to a build request when
// the caller leaves a field unset.
type Defaults struct {
	SourceFirmware string `json:"source_firmware"`
	TargetFirmware string `json:"target_firmware"`
	VersionMajor   int    `json:"version_major"`
	VersionMinor   int    `json:"version_minor"`
	VersionPatch   int    `json:"version_patch"`
	VersionSuffix  string `json:"version_suffix"`
}

// DefaultsFor reads source/target firmware and the version triple from the
// known shell config files.
func (w *Workspace) DefaultsFor(target string) Defaults {
	root := w.RepoRootOrDefault()
	versionFile := filepath.Join(root, "unica", "configs", "version.sh")
	return Defaults{
		SourceFirmware: ReadShellVar(filepath.Join(root, "unica", "configs", "essi.sh"), "SOURCE_FIRMWARE"),
		TargetFirmware: ReadShellVar(filepath.Join(root, "target", target, "config.sh"), "TARGET_FIRMWARE"),
		VersionMajor:   atoiOrZero(ReadShellVar(versionFile, "VERSION_MAJOR")),
		VersionMinor:   atoiOrZero(ReadShellVar(versionFile, "VERSION_MINOR")),
		VersionPatch:   atoiOrZero(ReadShellVar(versionFile, "VERSION_PATCH")),
	}
}

// FirmwareKey converts "MODEL/CSC/..." into the MODEL_CSC directory key,
// or "" when the value is malformed.
func FirmwareKey(value string) string {
	parts := strings.Split(value, "/")
	if len(parts) < 2 {
		return ""
	}
	model := strings.TrimSpace(parts[0])
	csc := strings.TrimSpace(parts[1])
	if model == "" || csc == "" {
		return ""
	}
	return model + "_" + csc
}

// SourceCommit resolves the short HEAD commit of the checkout. Containers
// often trip git's ownership check, so safe.directory is always relaxed.
func (w *Workspace) SourceCommit() string {
	root := w.RepoRoot()
	if root == "" {
		return w.fallbackCommit()
	}
	out, err := exec.Command("git", "-c", "safe.directory=*", "-C", root, "rev-parse", "--short", "HEAD").Output()
	if err != nil {
		return w.fallbackCommit()
	}
	if commit := strings.TrimSpace(string(out)); commit != "" {
		return commit
	}
	return w.fallbackCommit()
}

func (w *Workspace) fallbackCommit() string {
	if w.cfg.SourceCommit != "" {
		return w.cfg.SourceCommit
	}
	return "unknown"
}

// NormalizePathList trims, deduplicates and validates debloat path entries.
// Values are plain partition-relative paths, so quotes and line breaks are
// rejected outright.
func NormalizePathList(values []string) ([]string, error) {
	var out []string
	seen := map[string]bool{}
	for _, raw := range values {
		item := strings.TrimSpace(raw)
		if item == "" || seen[item] {
			continue
		}
		if strings.ContainsAny(item, "\n\r\"") {
			return nil, fmt.Errorf("invalid debloat path: %q", item)
		}
		out = append(out, item)
		seen[item] = true
	}
	return out, nil
}

func atoiOrZero(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return n
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
