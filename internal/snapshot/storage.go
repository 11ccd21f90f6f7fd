package snapshot

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned when a snapshot id does not exist.
var ErrNotFound = errors.New("snapshot not found")

// Storage persists opaque snapshot blobs. Implementations must treat
// blobs as opaque: all snapshot semantics (migration, retention
// ordering) live above this interface.
type Storage interface {
	Save(id string, blob []byte) error
	Load(id string) ([]byte, error)
	// List returns ids starting with prefix, in no particular order.
	List(prefix string) ([]string, error)
	Delete(id string) error
}

// FileStorage stores each snapshot as <id>.json in a directory. This
// is the reference system's on-disk format.
type FileStorage struct {
	dir string
}

// NewFileStorage creates the directory if needed.
func NewFileStorage(dir string) (*FileStorage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	return &FileStorage{dir: dir}, nil
}

func (f *FileStorage) path(id string) string {
	return filepath.Join(f.dir, id+".json")
}

// Save writes the blob atomically via a temp file rename, so a crash
// mid-write never leaves a truncated snapshot.
func (f *FileStorage) Save(id string, blob []byte) error {
	tmp := f.path(id) + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, f.path(id)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

func (f *FileStorage) Load(id string) ([]byte, error) {
	blob, err := os.ReadFile(f.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return blob, nil
}

func (f *FileStorage) List(prefix string) ([]string, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		if strings.HasPrefix(id, prefix) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (f *FileStorage) Delete(id string) error {
	err := os.Remove(f.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return err
}
