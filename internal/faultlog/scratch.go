package faultlog

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"slices"

	"github.com/google/renameio/v2"
)

// Scratch is non-volatile memory that survives a reset. Load returns nil
// when nothing has been stored.
type Scratch interface {
	Load() ([]byte, error)
	Store(data []byte) error
	Clear() error
}

// FileScratch keeps the slot in a file, replaced atomically on every write
// so a reset mid-write never leaves a torn record.
type FileScratch struct {
	path string
}

// NewFileScratch returns a scratch backed by the file at path.
func NewFileScratch(path string) *FileScratch {
	return &FileScratch{path: path}
}

func (s *FileScratch) Load() ([]byte, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return data, err
}

func (s *FileScratch) Store(data []byte) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	return renameio.WriteFile(s.path, data, 0o600)
}

func (s *FileScratch) Clear() error {
	err := os.Remove(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// MemScratch is an in-memory Scratch. It survives a simulated reset as long
// as the value itself is kept.
type MemScratch struct {
	data []byte
}

func (s *MemScratch) Load() ([]byte, error) { return slices.Clone(s.data), nil }

func (s *MemScratch) Store(data []byte) error {
	s.data = slices.Clone(data)
	return nil
}

func (s *MemScratch) Clear() error {
	s.data = nil
	return nil
}

var (
	_ Scratch = (*FileScratch)(nil)
	_ Scratch = (*MemScratch)(nil)
)
