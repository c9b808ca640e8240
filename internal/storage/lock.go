package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/flock"
)

// LockRetryDelay is how often a busy lock is retried.
const LockRetryDelay = 50 * time.Millisecond

// LockFile takes an exclusive advisory lock on path, creating the file if
// needed. Each call uses its own file handle, so two callers in the same
// process exclude each other as well.
func LockFile(ctx context.Context, path string) (func() error, error) {
	fl := flock.New(path)

	locked, err := fl.TryLockContext(ctx, LockRetryDelay)
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("lock %s: not acquired", path)
	}
	return fl.Unlock, nil
}
