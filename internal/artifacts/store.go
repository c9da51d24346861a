// Package artifacts keeps audio artifacts in a private temporary directory.
package artifacts

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

var ErrInvalidHandle = errors.New("invalid artifact handle")

// Store hands out files under one directory. Handles are bare file names.
type Store struct {
	dir string
}

// DefaultDir returns the default artifact directory.
func DefaultDir() string {
	return filepath.Join(os.TempDir(), "convopipe", "artifacts")
}

func Open(dir string) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		dir = DefaultDir()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) Dir() string {
	return s.dir
}

// Create reserves an empty file for a recorder to write into.
func (s *Store) Create(ext string) (string, string, error) {
	handle := newHandle(ext)
	path := filepath.Join(s.dir, handle)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return "", "", fmt.Errorf("create artifact: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", "", fmt.Errorf("create artifact: %w", err)
	}
	return handle, path, nil
}

// Write copies r into a new artifact.
func (s *Store) Write(r io.Reader, ext string) (string, error) {
	handle := newHandle(ext)
	path := filepath.Join(s.dir, handle)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return "", fmt.Errorf("create artifact: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("write artifact: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("write artifact: %w", err)
	}
	return handle, nil
}

func (s *Store) Path(handle string) string {
	return filepath.Join(s.dir, filepath.Base(handle))
}

func (s *Store) Size(handle string) (int64, error) {
	if !validHandle(handle) {
		return 0, ErrInvalidHandle
	}
	info, err := os.Stat(s.Path(handle))
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (s *Store) Exists(handle string) bool {
	if !validHandle(handle) {
		return false
	}
	_, err := os.Stat(s.Path(handle))
	return err == nil
}

// Delete removes an artifact. Deleting a missing artifact is not an error.
func (s *Store) Delete(handle string) error {
	if !validHandle(handle) {
		return ErrInvalidHandle
	}
	if err := os.Remove(s.Path(handle)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func newHandle(ext string) string {
	ext = strings.TrimSpace(ext)
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return "rec_" + uuid.NewString() + ext
}

func validHandle(handle string) bool {
	return handle != "" && handle == filepath.Base(handle) && handle != "." && handle != ".."
}
