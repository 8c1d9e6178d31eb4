package archive

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeZip(t *testing.T, entries map[string]string) string {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range entries {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())

	path := filepath.Join(t.TempDir(), "mods.zip")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func writeTarGz(t *testing.T, entries map[string]string) string {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range entries {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Typeflag: tar.TypeReg,
			Mode:     0o644,
			Size:     int64(len(content)),
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	path := filepath.Join(t.TempDir(), "mods.tar.gz")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

const sampleProp = "id=samplemod\nname=Sample Mod\nversion=v1.0\nversionCode=10\nauthor=someone\n"

func TestValidateZipTopLevelModules(t *testing.T) {
	path := writeZip(t, map[string]string{
		"SampleMod/module.prop":   sampleProp,
		"SampleMod/system/x":      "payload",
		"ZetaMod/module.prop":     "id=zeta\n",
		"loose-file.txt":          "ignored",
		"NotAModule/somefile.txt": "no prop here",
	})

	result, err := Validate(path, t.TempDir())
	require.NoError(t, err)

	require.Len(t, result.Modules, 2)
	assert.Equal(t, "SampleMod", result.Modules[0].ModuleDir)
	assert.Equal(t, "samplemod", result.Modules[0].ID)
	assert.Equal(t, "Sample Mod", result.Modules[0].Name)
	assert.Equal(t, "v1.0", result.Modules[0].Version)
	assert.Equal(t, "10", result.Modules[0].VersionCode)
	assert.Equal(t, "someone", result.Modules[0].Author)
	assert.Equal(t, "ZetaMod", result.Modules[1].ModuleDir)
	assert.Equal(t, "ZetaMod", result.Modules[1].Name, "name falls back to the directory")
}

func TestValidateZipWrappedModules(t *testing.T) {
	path := writeZip(t, map[string]string{
		"my-mods/SampleMod/module.prop": sampleProp,
		"my-mods/SampleMod/service.sh":  "#!/system/bin/sh\n",
	})

	result, err := Validate(path, t.TempDir())
	require.NoError(t, err)

	assert.True(t, filepath.IsAbs(result.ModulesRoot))
	assert.Equal(t, "my-mods", filepath.Base(result.ModulesRoot))
	require.Len(t, result.Modules, 1)
	assert.Equal(t, "SampleMod", result.Modules[0].ModuleDir)
}

func TestValidateTarGz(t *testing.T) {
	path := writeTarGz(t, map[string]string{
		"SampleMod/module.prop": sampleProp,
	})

	result, err := Validate(path, t.TempDir())
	require.NoError(t, err)
	require.Len(t, result.Modules, 1)
	assert.Equal(t, "samplemod", result.Modules[0].ID)
}

func TestValidateRejectsArchiveWithoutModules(t *testing.T) {
	path := writeZip(t, map[string]string{
		"readme.txt":       "nothing here",
		"dir/somefile.txt": "still nothing",
	})

	_, err := Validate(path, t.TempDir())
	assert.ErrorIs(t, err, ErrInvalidArchive)
}

func TestValidateRejectsPathTraversal(t *testing.T) {
	path := writeZip(t, map[string]string{
		"../escape.txt":         "evil",
		"SampleMod/module.prop": sampleProp,
	})

	workDir := t.TempDir()
	_, err := Validate(path, workDir)
	assert.ErrorIs(t, err, ErrInvalidArchive)
	_, statErr := os.Stat(filepath.Join(filepath.Dir(workDir), "escape.txt"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestValidateRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.bin")
	require.NoError(t, os.WriteFile(path, []byte("this is not an archive at all"), 0o644))

	_, err := Validate(path, t.TempDir())
	assert.ErrorIs(t, err, ErrInvalidArchive)
}
