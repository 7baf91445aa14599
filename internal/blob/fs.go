package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/TheTomik1/chat-app/internal/chat"
)

// FS keeps files on an afero filesystem below root.
type FS struct {
	fs   afero.Fs
	root string
}

// NewFS returns a store rooted at root on fs.
func NewFS(fs afero.Fs, root string) (*FS, error) {
	if err := fs.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create blob root %s: %w", root, err)
	}
	return &FS{fs: fs, root: root}, nil
}

// NewDisk returns a store on the local disk.
func NewDisk(root string) (*FS, error) {
	return NewFS(afero.NewOsFs(), root)
}

// NewMemory returns a store kept entirely in memory.
func NewMemory() *FS {
	s, _ := NewFS(afero.NewMemMapFs(), "/blobs")
	return s
}

func (s *FS) path(key string) (string, error) {
	cleaned, err := CleanKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(cleaned)), nil
}

// Put writes to a temporary sibling and renames it into place so readers
// never observe a partial file.
func (s *FS) Put(_ context.Context, key, _ string, r io.Reader) (int64, error) {
	p, err := s.path(key)
	if err != nil {
		return 0, err
	}
	if err := s.fs.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return 0, fmt.Errorf("create directory for %s: %w", key, err)
	}

	tmp := p + ".tmp-" + uuid.NewString()
	f, err := s.fs.Create(tmp)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", key, err)
	}
	n, err := io.Copy(f, r)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = s.fs.Remove(tmp)
		return 0, fmt.Errorf("write %s: %w", key, err)
	}
	if err := s.fs.Rename(tmp, p); err != nil {
		_ = s.fs.Remove(tmp)
		return 0, fmt.Errorf("commit %s: %w", key, err)
	}
	return n, nil
}

// Open opens key for reading.
func (s *FS) Open(_ context.Context, key string) (io.ReadCloser, int64, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, 0, err
	}
	f, err := s.fs.Open(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, 0, fmt.Errorf("%w: file %s", chat.ErrNotFound, key)
		}
		return nil, 0, fmt.Errorf("open %s: %w", key, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, fmt.Errorf("stat %s: %w", key, err)
	}
	return f, info.Size(), nil
}

// Delete removes key if present.
func (s *FS) Delete(_ context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := s.fs.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Exists reports whether key is present.
func (s *FS) Exists(key string) bool {
	p, err := s.path(key)
	if err != nil {
		return false
	}
	ok, err := afero.Exists(s.fs, p)
	return err == nil && ok
}
