// Package archive validates uploaded mod archives: safe extraction of ZIP
// and TAR variants, followed by Magisk-style module layout discovery.
package archive

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/bzip2"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/unica-wb/backend/internal/workspace"
)

// ErrInvalidArchive marks archives the validator rejects. Handlers map it
// to a 400 response.
var ErrInvalidArchive = errors.New("invalid archive")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArchive, fmt.Sprintf(format, args...))
}

// Module describes one module directory found in a validated archive.
type Module struct {
	ModuleDir   string            `json:"module_dir"`
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Version     string            `json:"version"`
	VersionCode string            `json:"versionCode"`
	Author      string            `json:"author"`
	Description string            `json:"description"`
	Props       map[string]string `json:"props"`
}

// Result is what archive validation produces: the directory holding module
// subdirectories and their parsed metadata.
type Result struct {
	ModulesRoot string   `json:"modules_root"`
	Modules     []Module `json:"modules"`
}

// Validate extracts the archive under workDir/extract and checks that it
// contains at least one module directory with a module.prop, either at the
// top level or inside a single wrapping directory.
func Validate(archivePath, workDir string) (*Result, error) {
	extractDir := filepath.Join(workDir, "extract")
	if err := os.MkdirAll(extractDir, 0o755); err != nil {
		return nil, err
	}
	if err := Extract(archivePath, extractDir); err != nil {
		return nil, err
	}

	modulesRoot, moduleDirs, err := findModulesRoot(extractDir)
	if err != nil {
		return nil, err
	}

	result := &Result{ModulesRoot: modulesRoot}
	for _, dir := range moduleDirs {
		props := workspace.ParseModuleProp(filepath.Join(modulesRoot, dir, "module.prop"))
		if props == nil {
			props = map[string]string{}
		}
		name := props["name"]
		if name == "" {
			name = dir
		}
		result.Modules = append(result.Modules, Module{
			ModuleDir:   dir,
			ID:          props["id"],
			Name:        name,
			Version:     props["version"],
			VersionCode: props["versionCode"],
			Author:      props["author"],
			Description: props["description"],
			Props:       props,
		})
	}
	if len(result.Modules) == 0 {
		return nil, invalid("no valid modules found in archive")
	}
	return result, nil
}

// Extract unpacks a ZIP or TAR (plain, gzip, zstd or bzip2) archive into
// dest. Directory entries are skipped; any entry that would resolve outside
// dest is rejected.
func Extract(archivePath, dest string) error {
	if isZip(archivePath) {
		return extractZip(archivePath, dest)
	}
	return extractTar(archivePath, dest)
}

func safeJoin(base, rel string) (string, error) {
	out := filepath.Join(base, rel)
	absBase, err := filepath.Abs(base)
	if err != nil {
		return "", err
	}
	absOut, err := filepath.Abs(out)
	if err != nil {
		return "", err
	}
	if absOut != absBase && !strings.HasPrefix(absOut, absBase+string(filepath.Separator)) {
		return "", invalid("unsafe archive path: %s", rel)
	}
	return out, nil
}

func isZip(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	magic := make([]byte, 4)
	if _, err := io.ReadFull(f, magic); err != nil {
		return false
	}
	return bytes.Equal(magic[:2], []byte("PK"))
}

func extractZip(archivePath, dest string) error {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return invalid("unsupported archive format")
	}
	defer zr.Close()

	for _, entry := range zr.File {
		name := entry.Name
		if name == "" || strings.HasSuffix(name, "/") {
			continue
		}
		target, err := safeJoin(dest, name)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		src, err := entry.Open()
		if err != nil {
			return err
		}
		err = writeFile(target, src)
		src.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func extractTar(archivePath, dest string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	reader, err := decompress(f)
	if err != nil {
		return err
	}

	tr := tar.NewReader(reader)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return invalid("unsupported archive format")
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		target, err := safeJoin(dest, hdr.Name)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := writeFile(target, tr); err != nil {
			return err
		}
	}
}

// decompress sniffs the stream's magic bytes and wraps it in the matching
// decompressor, passing plain tar streams through unchanged.
func decompress(f *os.File) (io.Reader, error) {
	magic := make([]byte, 4)
	n, _ := io.ReadFull(f, magic)
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	if n < 4 {
		return nil, invalid("unsupported archive format")
	}
	switch {
	case magic[0] == 0x1f && magic[1] == 0x8b:
		return gzip.NewReader(f)
	case bytes.Equal(magic, []byte{0x28, 0xb5, 0x2f, 0xfd}):
		zr, err := zstd.NewReader(f)
		if err != nil {
			return nil, err
		}
		return zr.IOReadCloser(), nil
	case bytes.Equal(magic[:3], []byte("BZh")):
		return bzip2.NewReader(f), nil
	default:
		return f, nil
	}
}

func writeFile(target string, src io.Reader) error {
	dst, err := os.Create(target)
	if err != nil {
		return err
	}
	defer dst.Close()
	_, err = io.Copy(dst, src)
	return err
}

// findModulesRoot locates the directory whose children are module dirs:
// either extractDir itself, or its single wrapping subdirectory.
func findModulesRoot(extractDir string) (string, []string, error) {
	if dirs := moduleChildren(extractDir); len(dirs) > 0 {
		return extractDir, dirs, nil
	}

	entries, err := os.ReadDir(extractDir)
	if err != nil {
		return "", nil, err
	}
	var topDirs []string
	for _, e := range entries {
		if e.IsDir() {
			topDirs = append(topDirs, e.Name())
		}
	}
	if len(topDirs) == 1 {
		root := filepath.Join(extractDir, topDirs[0])
		if dirs := moduleChildren(root); len(dirs) > 0 {
			return root, dirs, nil
		}
	}
	return "", nil, invalid("archive must contain modules with structure module-name/module.prop")
}

func moduleChildren(root string) []string {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil
	}
	var dirs []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if info, err := os.Stat(filepath.Join(root, e.Name(), "module.prop")); err == nil && info.Mode().IsRegular() {
			dirs = append(dirs, e.Name())
		}
	}
	sort.Strings(dirs)
	return dirs
}
