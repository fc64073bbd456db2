package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/shuliakovsky/kaspa-nodepool/pkg/catalog"
)

// Store persists the peer catalog. Both operations may fail with I/O errors;
// callers log and continue, a broken catalog file must never crash the pool.
type Store interface {
	LoadAll() ([]catalog.PeerRecord, error)
	SaveAll(records []catalog.PeerRecord) error
}

// FileStore keeps the catalog as one JSON file, written atomically via a
// temp file and rename.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) LoadAll() ([]catalog.PeerRecord, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var records []catalog.PeerRecord
	if err := json.Unmarshal(b, &records); err != nil {
		return nil, fmt.Errorf("%s: %w", s.path, err)
	}
	return records, nil
}

func (s *FileStore) SaveAll(records []catalog.PeerRecord) error {
	if records == nil {
		records = []catalog.PeerRecord{}
	}
	b, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
