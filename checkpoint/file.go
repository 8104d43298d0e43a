package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileStore keeps the checkpoint as a JSON file replaced by rename.
type FileStore struct {
	path string

	// Synchronization (always last)
	mu sync.Mutex
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Load(_ context.Context) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read()
}

func (s *FileStore) read() (*Checkpoint, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, &PersistenceError{Store: DriverFile, Op: "read", Err: err}
	}
	return decode(DriverFile, data)
}

func (s *FileStore) Save(_ context.Context, c *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, err := s.read()
	if err != nil {
		return err
	}

	ok, err := admit(DriverFile, prev, c)
	if err != nil || !ok {
		return err
	}

	data, err := c.Marshal()
	if err != nil {
		return &PersistenceError{Store: DriverFile, Op: "encode", Err: err}
	}

	if err := writeAtomic(s.path, data); err != nil {
		return &PersistenceError{Store: DriverFile, Op: "write", Err: err}
	}
	return nil
}

func (s *FileStore) Close() error {
	return nil
}

// writeAtomic writes data to a temp file in the target directory, syncs it, renames it over path and syncs the directory.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename: %w", err)
	}

	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open dir: %w", err)
	}
	defer d.Close()

	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync dir: %w", err)
	}
	return nil
}
