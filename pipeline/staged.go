package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// stagedFile writes into a temp file beside the target and only renames
// it into place on commit, so the target is either complete or untouched.
type stagedFile struct {
	path     string
	file     *os.File
	released bool
	closed   bool
}

func createStaged(path string) (*stagedFile, error) {
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return nil, fmt.Errorf("create temp file for %s: %w", path, err)
	}
	return &stagedFile{path: path, file: f}, nil
}

func (s *stagedFile) tempPath() string {
	return s.file.Name()
}

func (s *stagedFile) closeFile() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.file.Close()
}

func (s *stagedFile) commit() error {
	if s.released {
		return nil
	}
	s.released = true

	if !s.closed {
		if err := s.file.Sync(); err != nil {
			s.closeFile()
			os.Remove(s.tempPath())
			return fmt.Errorf("sync %s: %w", s.path, err)
		}
	}
	if err := s.closeFile(); err != nil {
		os.Remove(s.tempPath())
		return fmt.Errorf("close %s: %w", s.path, err)
	}
	if err := os.Rename(s.tempPath(), s.path); err != nil {
		os.Remove(s.tempPath())
		return fmt.Errorf("rename into %s: %w", s.path, err)
	}
	return nil
}

func (s *stagedFile) discard() error {
	if s.released {
		return nil
	}
	s.released = true
	closeErr := s.closeFile()
	if err := os.Remove(s.tempPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove temp file: %w", err)
	}
	return closeErr
}

// validateOutput ensures the committed file exists and is not empty.
func validateOutput(path, kind string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat %s file: %w", kind, err)
	}
	if info.Size() <= 0 {
		return fmt.Errorf("%s file is empty", kind)
	}
	return nil
}

func ensureDir(filename string) error {
	dir := filepath.Dir(filename)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %q: %w", dir, err)
	}
	return nil
}
