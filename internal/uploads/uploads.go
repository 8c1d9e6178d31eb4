// Package uploads manages uploaded mod archives and their JSON sidecars.
// Each upload is single-use: materializing a build marks it used.
package uploads

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/unica-wb/backend/internal/archive"
)

// Meta is the sidecar stored next to an uploaded archive.
type Meta struct {
	Used        bool             `json:"used"`
	ArchivePath string           `json:"archive_path"`
	Modules     []archive.Module `json:"modules"`
}

// Store keeps uploaded archives under <data>/uploads.
type Store struct {
	dir string
}

// NewStore creates the uploads directory if needed.
func NewStore(dataDir string) (*Store, error) {
	dir := filepath.Join(dataDir, "uploads")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Store{dir: dir}, nil
}

// Dir returns the uploads directory.
func (s *Store) Dir() string { return s.dir }

// NewUploadID generates a fresh opaque upload id.
func NewUploadID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ArchivePath derives where the uploaded file is stored, keeping the
// original extension chain so the extractor can sniff the format.
func (s *Store) ArchivePath(uploadID, originalName string) string {
	base := filepath.Base(originalName)
	suffix := ""
	for {
		ext := filepath.Ext(base)
		if ext == "" {
			break
		}
		suffix = ext + suffix
		base = strings.TrimSuffix(base, ext)
	}
	if suffix == "" {
		suffix = ".bin"
	}
	return filepath.Join(s.dir, uploadID+suffix)
}

// WorkDir returns the scratch directory used while validating an upload.
func (s *Store) WorkDir(uploadID string) string {
	return filepath.Join(s.dir, uploadID)
}

func (s *Store) metaPath(uploadID string) string {
	return filepath.Join(s.dir, uploadID+".json")
}

// Load reads an upload's sidecar. Returns nil when it does not exist.
func (s *Store) Load(uploadID string) (*Meta, error) {
	data, err := os.ReadFile(s.metaPath(uploadID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// Save writes an upload's sidecar.
func (s *Store) Save(uploadID string, meta *Meta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return os.WriteFile(s.metaPath(uploadID), data, 0o644)
}
