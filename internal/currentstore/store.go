// Package currentstore writes the just-ingested PNG and any diff overlay
// produced for a comparison. Unlike baselinestore it keeps no index:
// writes are idempotent-by-path and deletion is only ever whole-directory.
package currentstore

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/google/renameio"
)

const (
	currentDir  = `current`
	diffDir     = `diffs`
	pngFilePerm = 0o640
)

var ErrNotFound = errors.New("currentstore: file not found")

// Store roots current/ and diffs/ under vizzlyDir.
type Store struct {
	dir string
}

// Open ensures current/ and diffs/ exist under vizzlyDir.
func Open(vizzlyDir string) (*Store, error) {
	for _, d := range []string{currentDir, diffDir} {
		if err := os.MkdirAll(filepath.Join(vizzlyDir, d), 0o750); err != nil {
			return nil, err
		}
	}
	return &Store{dir: vizzlyDir}, nil
}

func (s *Store) currentPath(filename string) string {
	return filepath.Join(s.dir, currentDir, filename)
}

func (s *Store) diffPath(filename string) string {
	return filepath.Join(s.dir, diffDir, filename)
}

// SaveCurrent overwrites the current PNG for filename.
func (s *Store) SaveCurrent(filename string, data []byte) error {
	return renameio.WriteFile(s.currentPath(filename), data, pngFilePerm)
}

// ReadCurrent reads back the current PNG for filename.
func (s *Store) ReadCurrent(filename string) ([]byte, error) {
	b, err := os.ReadFile(s.currentPath(filename))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return b, err
}

// CurrentExists reports whether a current PNG is on disk for filename.
func (s *Store) CurrentExists(filename string) bool {
	_, err := os.Stat(s.currentPath(filename))
	return err == nil
}

// SaveDiff writes the diff overlay for a failing comparison. Only
// written when a comparison fails; otherwise absent (spec §3).
func (s *Store) SaveDiff(filename string, data []byte) error {
	return renameio.WriteFile(s.diffPath(filename), data, pngFilePerm)
}

// ReadDiff reads back the diff overlay for filename, if any.
func (s *Store) ReadDiff(filename string) ([]byte, error) {
	b, err := os.ReadFile(s.diffPath(filename))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return b, err
}

// Clear empties both current/ and diffs/; `vizzlyd start --set-baseline`
// calls it before the engine starts.
func (s *Store) Clear() error {
	for _, d := range []string{currentDir, diffDir} {
		full := filepath.Join(s.dir, d)
		if err := os.RemoveAll(full); err != nil {
			return err
		}
		if err := os.MkdirAll(full, 0o750); err != nil {
			return err
		}
	}
	return nil
}
