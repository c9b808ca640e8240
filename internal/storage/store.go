package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when no history document has been persisted yet.
var ErrNotFound = errors.New("storage: document not found")

// ErrBackupExists is returned when a backup with the same name is already present.
// Backups are never overwritten.
var ErrBackupExists = errors.New("storage: backup already exists")

// BackupTimeLayout is the timestamp pattern embedded in backup names (dd.MM.yyyy HH.mm.ss).
const BackupTimeLayout = "02.01.2006 15.04.05"

// DocumentStore persists the full history document as one opaque blob.
// Every Save replaces the previous document in full; there is no append mode.
type DocumentStore interface {
	// Load returns the raw document, or ErrNotFound when nothing was saved yet.
	Load(ctx context.Context) ([]byte, error)

	// Save overwrites the stored document with data.
	Save(ctx context.Context, data []byte) error

	// Backup stores a copy of data under a name derived from at and returns
	// that name. It fails with ErrBackupExists rather than overwrite.
	Backup(ctx context.Context, data []byte, at time.Time) (string, error)

	// Lock takes the exclusive document lock shared by every process using
	// the same document, waiting until it is free or ctx is done. The
	// returned function releases it.
	Lock(ctx context.Context) (unlock func() error, err error)

	Close() error
}

// BackupName builds the backup name for a document called base.
func BackupName(base string, at time.Time) string {
	return fmt.Sprintf("backup_%s_%s", at.Format(BackupTimeLayout), base)
}
