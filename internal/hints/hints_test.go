package hints

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hintIDs(hints []Hint) []string {
	ids := make([]string, 0, len(hints))
	for _, h := range hints {
		ids = append(ids, h.ID)
	}
	return ids
}

func TestDetect(t *testing.T) {
	tests := []struct {
		name    string
		logText string
		wantIDs []string
	}{
		{
			name:    "clean log",
			logText: "extracting system.img\npacking rom\ndone\n",
			wantIDs: []string{},
		},
		{
			name:    "loop device",
			logText: "mount: failed to setup loop device for /tmp/system.img",
			wantIDs: []string{"loop-device"},
		},
		{
			name:    "git identity case insensitive",
			logText: "*** Please tell me who you are.\ncommitter identity unknown\n",
			wantIDs: []string{"git-identity"},
		},
		{
			name:    "pkg-config",
			logText: "CMake Error: Could NOT find PkgConfig (missing: PKG_CONFIG_EXECUTABLE)",
			wantIDs: []string{"pkg-config-missing"},
		},
		{
			name:    "fmt missing",
			logText: "Could not find a package configuration file provided by \"fmt\": fmtConfig.cmake",
			wantIDs: []string{"fmt-missing"},
		},
		{
			name:    "patch failed",
			logText: "error: patch failed: frameworks/base/core/java/Foo.java:10",
			wantIDs: []string{"patch-failed"},
		},
		{
			name:    "samloader",
			logText: "samloader.exceptions: DownloadBinaryInform returned 400",
			wantIDs: []string{"samloader-400"},
		},
		{
			name:    "multiple signatures",
			logText: "loop device missing\nerror: patch does not apply\n",
			wantIDs: []string{"loop-device", "patch-failed"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantIDs, hintIDs(Detect(tt.logText)))
		})
	}
}

func TestDetectFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "build.log")
	require.NoError(t, os.WriteFile(path, []byte("error: patch does not apply\n"), 0o644))

	hints, err := DetectFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"patch-failed"}, hintIDs(hints))

	_, err = DetectFromFile(filepath.Join(t.TempDir(), "missing.log"))
	assert.Error(t, err)
}

func TestReadLogTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.log")
	content := strings.Repeat("x", 1000) + "TAIL"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	text, err := ReadLogTail(path, 100)
	require.NoError(t, err)
	assert.Len(t, text, 100)
	assert.True(t, strings.HasSuffix(text, "TAIL"))

	full, err := ReadLogTail(path, 1<<20)
	require.NoError(t, err)
	assert.Equal(t, content, full)
}
