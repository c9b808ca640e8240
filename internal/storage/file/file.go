package file

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goodtune/iplog/internal/storage"
)

// Store keeps the history document in a single JSON file.
// Writes go to a temporary file in the same directory and are renamed over
// the target, so a crash mid-write never truncates the previous document.
type Store struct {
	path string
}

// Open prepares a file-backed store rooted at path. The file itself is
// created on the first Save.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("document path is required")
	}
	if err := ensureDir(path); err != nil {
		return nil, fmt.Errorf("create document directory: %w", err)
	}
	return &Store{path: path}, nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." {
		return nil
	}
	return storage.EnsureDir(dir)
}

// Path returns the document location.
func (s *Store) Path() string {
	return s.path
}

// Load reads the whole document.
func (s *Store) Load(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("read document: %w", err)
	}
	return data, nil
}

// Save atomically replaces the document with data.
func (s *Store) Save(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp document: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp document: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp document: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp document: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("replace document: %w", err)
	}
	cleanup = false
	return nil
}

// Backup writes data next to the document as backup_<dd.MM.yyyy HH.mm.ss>_<name>.
func (s *Store) Backup(ctx context.Context, data []byte, at time.Time) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	name := filepath.Join(filepath.Dir(s.path), storage.BackupName(filepath.Base(s.path), at))
	f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return "", fmt.Errorf("%w: %s", storage.ErrBackupExists, name)
		}
		return "", fmt.Errorf("create backup: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("write backup: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close backup: %w", err)
	}
	return name, nil
}

// Lock holds <path>.lock for the length of a load-modify-save sequence.
func (s *Store) Lock(ctx context.Context) (func() error, error) {
	return storage.LockFile(ctx, s.path+".lock")
}

// Close is a no-op; the file is only held open during reads and writes.
func (s *Store) Close() error {
	return nil
}
