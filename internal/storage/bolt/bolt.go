package bolt

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/goodtune/iplog/internal/storage"
	"go.etcd.io/bbolt"
)

const (
	bucketDocuments = "documents"
	bucketBackups   = "backups"

	documentKey = "history"

	openTimeout = 2 * time.Second
)

// Store implements storage.DocumentStore using bbolt.
//
// bbolt holds an exclusive file lock for as long as a database is open, so
// the database is only opened for the length of each operation. That lets
// several iplog processes share one file; Lock serializes their
// load-modify-save sequences through <path>.lock.
type Store struct {
	path string
}

// Open prepares a BoltDB-backed store, creating the database and its
// buckets if needed.
func Open(path string) (*Store, error) {
	if err := ensureDir(path); err != nil {
		return nil, err
	}

	store := &Store{path: path}
	if err := store.update(context.Background(), ensureBuckets); err != nil {
		return nil, err
	}
	return store, nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." {
		return nil
	}
	return storage.EnsureDir(dir)
}

func ensureBuckets(tx *bbolt.Tx) error {
	for _, name := range []string{bucketDocuments, bucketBackups} {
		if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
			return fmt.Errorf("create bucket %s: %w", name, err)
		}
	}
	return nil
}

// withDB opens the database, runs fn and closes it again.
func (s *Store) withDB(ctx context.Context, fn func(*bbolt.DB) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	db, err := bbolt.Open(s.path, 0600, &bbolt.Options{Timeout: openTimeout})
	if err != nil {
		return fmt.Errorf("open bolt db: %w", err)
	}
	if err := fn(db); err != nil {
		_ = db.Close()
		return err
	}
	if err := db.Close(); err != nil {
		return fmt.Errorf("close bolt db: %w", err)
	}
	return nil
}

func (s *Store) view(ctx context.Context, fn func(*bbolt.Tx) error) error {
	return s.withDB(ctx, func(db *bbolt.DB) error {
		return db.View(fn)
	})
}

func (s *Store) update(ctx context.Context, fn func(*bbolt.Tx) error) error {
	return s.withDB(ctx, func(db *bbolt.DB) error {
		return db.Update(fn)
	})
}

// Load returns a copy of the stored document.
func (s *Store) Load(ctx context.Context) ([]byte, error) {
	var data []byte
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		value := tx.Bucket([]byte(bucketDocuments)).Get([]byte(documentKey))
		if value == nil {
			return storage.ErrNotFound
		}
		// Values are only valid for the life of the transaction
		data = append([]byte(nil), value...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Save replaces the stored document.
func (s *Store) Save(ctx context.Context, data []byte) error {
	return s.update(ctx, func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketDocuments)).Put([]byte(documentKey), data)
	})
}

// Backup stores data in the backups bucket under a timestamped name.
// Existing backups are never overwritten.
func (s *Store) Backup(ctx context.Context, data []byte, at time.Time) (string, error) {
	name := storage.BackupName(filepath.Base(s.path), at)
	err := s.update(ctx, func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketBackups))
		if bucket.Get([]byte(name)) != nil {
			return fmt.Errorf("%w: %s", storage.ErrBackupExists, name)
		}
		return bucket.Put([]byte(name), data)
	})
	if err != nil {
		return "", err
	}
	return name, nil
}

// Backups lists backup names in key order.
func (s *Store) Backups(ctx context.Context) ([]string, error) {
	var names []string
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketBackups)).ForEach(func(k, _ []byte) error {
			names = append(names, string(k))
			return nil
		})
	})
	return names, err
}

// Lock holds <path>.lock for the length of a load-modify-save sequence.
func (s *Store) Lock(ctx context.Context) (func() error, error) {
	return storage.LockFile(ctx, s.path+".lock")
}

// Close is a no-op; the database is only open during an operation.
func (s *Store) Close() error {
	return nil
}
