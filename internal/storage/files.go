package storage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// FileStore keeps uploaded originals under a root directory. Stored names are
// random so user-supplied filenames never reach the filesystem.
type FileStore struct {
	root string
}

func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating file storage %s: %w", root, err)
	}
	return &FileStore{root: root}, nil
}

// Save copies r into a new file that keeps the extension of name and returns
// its path.
func (f *FileStore) Save(name string, r io.Reader) (string, error) {
	ext := strings.ToLower(filepath.Ext(name))
	path := filepath.Join(f.root, uuid.NewString()+ext)

	out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("creating %s: %w", path, err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		os.Remove(path)
		return "", fmt.Errorf("writing %s: %w", path, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("closing %s: %w", path, err)
	}
	return path, nil
}

// Remove deletes a stored file. Missing files are not an error.
func (f *FileStore) Remove(path string) error {
	if !f.owns(path) {
		return fmt.Errorf("refusing to remove %s outside %s", path, f.root)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (f *FileStore) owns(path string) bool {
	rel, err := filepath.Rel(f.root, path)
	return err == nil && rel != "." && !strings.HasPrefix(rel, "..")
}
