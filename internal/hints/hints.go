// Package hints scans build logs for known failure signatures and maps
// them to actionable advice shown in the frontend.
package hints

import (
	"io"
	"os"
	"regexp"
)

// tailBytes limits how much of the log gets scanned.
const tailBytes = 512 * 1024

// Hint is one detected failure pattern.
type Hint struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Detail     string `json:"detail"`
	Suggestion string `json:"suggestion"`
}

type probe struct {
	hint    Hint
	pattern *regexp.Regexp
}

var probes = []probe{
	{
		hint: Hint{
			ID:         "loop-device",
			Title:      "Loop device not available",
			Detail:     "Build container cannot mount system.img via loop device",
			Suggestion: "Run with privileged/rootful docker or enable loop devices in container runtime",
		},
		pattern: regexp.MustCompile(`(?i)failed to setup loop device|loop device`),
	},
	{
		hint: Hint{
			ID:         "git-identity",
			Title:      "Git identity is not configured",
			Detail:     "Git requires user.name and user.email to apply patches",
			Suggestion: "Set git config user.name and user.email inside the build environment",
		},
		pattern: regexp.MustCompile(`(?i)Committer identity unknown|unable to auto-detect email address`),
	},
	{
		hint: Hint{
			ID:         "pkg-config-missing",
			Title:      "pkg-config is missing",
			Detail:     "Build needs pkg-config but it is not installed",
			Suggestion: "Install pkg-config (pkgconf) in the build image",
		},
		pattern: regexp.MustCompile(`(?i)Could NOT find PkgConfig|PKG_CONFIG_EXECUTABLE`),
	},
	{
		hint: Hint{
			ID:         "fmt-missing",
			Title:      "fmt library is missing",
			Detail:     "CMake cannot find fmt package",
			Suggestion: "Install libfmt-dev (or use bundled fmt) in the build image",
		},
		pattern: regexp.MustCompile(`(?i)fmtConfig\.cmake|fmt-config\.cmake`),
	},
	{
		hint: Hint{
			ID:         "patch-failed",
			Title:      "Patch does not apply",
			Detail:     "Source files differ from expected base",
			Suggestion: "Update sources to matching version or adjust the patch",
		},
		pattern: regexp.MustCompile(`(?i)patch does not apply|patch failed`),
	},
	{
		hint: Hint{
			ID:         "samloader-400",
			Title:      "Firmware version not found",
			Detail:     "Samsung firmware server rejected requested version",
			Suggestion: "Double-check model/CSC/firmware version or remove override",
		},
		pattern: regexp.MustCompile(`(?i)DownloadBinaryInform returned 400`),
	},
}

// Detect matches the known failure signatures against log text.
func Detect(logText string) []Hint {
	out := []Hint{}
	for _, p := range probes {
		if p.pattern.MatchString(logText) {
			out = append(out, p.hint)
		}
	}
	return out
}

// DetectFromFile reads the tail of a log file and runs Detect on it.
func DetectFromFile(path string) ([]Hint, error) {
	text, err := ReadLogTail(path, tailBytes)
	if err != nil {
		return nil, err
	}
	return Detect(text), nil
}

// ReadLogTail returns at most maxBytes from the end of a log file.
// Invalid UTF-8 from a truncated multi-byte sequence is acceptable
// since the probes only match ASCII.
func ReadLogTail(path string, maxBytes int64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	if info.Size() > maxBytes {
		if _, err := f.Seek(-maxBytes, io.SeekEnd); err != nil {
			return "", err
		}
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
