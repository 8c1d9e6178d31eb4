package uploads

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unica-wb/backend/internal/archive"
)

func TestNewStoreCreatesUploadsDir(t *testing.T) {
	dataDir := t.TempDir()
	store, err := NewStore(dataDir)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dataDir, "uploads"), store.Dir())
	info, err := os.Stat(store.Dir())
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestNewUploadID(t *testing.T) {
	id := NewUploadID()
	assert.Len(t, id, 32)
	assert.NotContains(t, id, "-")
	assert.NotEqual(t, id, NewUploadID())
}

func TestArchivePathKeepsExtensionChain(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	cases := []struct {
		original string
		suffix   string
	}{
		{"mods.zip", ".zip"},
		{"my-mods.tar.gz", ".tar.gz"},
		{"bundle.tar.zst", ".tar.zst"},
		{"noextension", ".bin"},
		{"/tmp/evil/../path.zip", ".zip"},
	}
	for _, tc := range cases {
		path := store.ArchivePath("abc123", tc.original)
		assert.Equal(t, filepath.Join(store.Dir(), "abc123"+tc.suffix), path, tc.original)
		assert.True(t, strings.HasPrefix(path, store.Dir()), "archive must stay inside the store")
	}
}

func TestLoadMissingReturnsNil(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	meta, err := store.Load("never-saved")
	require.NoError(t, err)
	assert.Nil(t, meta)
}

func TestSaveLoadRoundtrip(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	id := NewUploadID()
	in := &Meta{
		Used:        false,
		ArchivePath: store.ArchivePath(id, "mods.zip"),
		Modules: []archive.Module{
			{ModuleDir: "SampleMod", ID: "samplemod", Name: "Sample Mod"},
		},
	}
	require.NoError(t, store.Save(id, in))

	out, err := store.Load(id)
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, in.ArchivePath, out.ArchivePath)
	require.Len(t, out.Modules, 1)
	assert.Equal(t, "samplemod", out.Modules[0].ID)
	assert.False(t, out.Used)

	// marking used survives a reload
	out.Used = true
	require.NoError(t, store.Save(id, out))
	again, err := store.Load(id)
	require.NoError(t, err)
	assert.True(t, again.Used)
}

func TestWorkDirIsPerUpload(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(store.Dir(), "up1"), store.WorkDir("up1"))
	assert.NotEqual(t, store.WorkDir("up1"), store.WorkDir("up2"))
}
