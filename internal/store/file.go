package store

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FileStore writes images into a directory that is served under URLPrefix.
type FileStore struct {
	dir    string
	prefix string
	now    func() time.Time
	create func(path string) (writeFile, error)
}

type writeFile interface {
	io.WriteCloser
	Name() string
}

// createExclusive fails with an os.IsExist error when path already exists.
func createExclusive(path string) (writeFile, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// NewFileStore creates a store writing to dir. The directory is created on
// first use. Locations are urlPrefix joined with the file name.
func NewFileStore(dir, urlPrefix string) *FileStore {
	return &FileStore{dir: dir, prefix: urlPrefix, now: time.Now, create: createExclusive}
}

// Dir returns the directory images are written to.
func (s *FileStore) Dir() string { return s.dir }

// Put implements Store.
func (s *FileStore) Put(ctx context.Context, data []byte) (string, error) {
	if len(data) == 0 {
		return "", ErrEmptyImage
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create upload directory: %w", err)
	}

	name := objectName(s.now())
	// never overwrite an earlier save from the same millisecond
	f, err := s.create(filepath.Join(s.dir, name))
	for i := 1; os.IsExist(err); i++ {
		name = fmt.Sprintf("processed-%d-%d.png", s.now().UnixMilli(), i)
		f, err = s.create(filepath.Join(s.dir, name))
	}
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", name, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to close %s: %w", name, err)
	}
	return strings.TrimSuffix(s.prefix, "/") + "/" + name, nil
}
