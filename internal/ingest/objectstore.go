package ingest

import (
	"fmt"
	"os"
	"path/filepath"
)

// ObjectStore holds the original receipt bytes. Storage rows carry
// only the reference, never the content.
type ObjectStore interface {
	// Put writes the object under ref. Writing the same ref twice is
	// fine; content addressing makes it the same bytes.
	Put(ref string, data []byte) error

	// Get reads the object back.
	Get(ref string) ([]byte, error)
}

// FilesystemStore is an ObjectStore backed by a local directory.
// References are content hashes, so the layout is flat and collisions
// are non-issues.
type FilesystemStore struct {
	dir string
}

// NewFilesystemStore creates the backing directory if needed.
func NewFilesystemStore(dir string) (*FilesystemStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create object store dir: %w", err)
	}
	return &FilesystemStore{dir: dir}, nil
}

// Put writes atomically: temp file then rename, so readers never see a
// partial object.
func (f *FilesystemStore) Put(ref string, data []byte) error {
	tmp, err := os.CreateTemp(f.dir, ".put-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}

	if err := os.Rename(tmpName, filepath.Join(f.dir, ref)); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

// Get reads the object back.
func (f *FilesystemStore) Get(ref string) ([]byte, error) {
	return os.ReadFile(filepath.Join(f.dir, ref))
}
