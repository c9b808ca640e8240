package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goodtune/iplog/internal/config"
	"github.com/goodtune/iplog/internal/storage"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultKey holds the document when no key is configured.
const DefaultKey = "iplog:history"

// lockTTL bounds how long a crashed holder keeps the document locked. A live
// holder keeps extending it.
const lockTTL = 15 * time.Second

// Store implements storage.DocumentStore using Redis.
// The document lives under one string key; backups live under
// <key>:backup:<name> and are indexed in the sorted set <key>:backups.
// The document lock is <key>:lock, holding a random token per holder.
type Store struct {
	client *redis.Client
	key    string
}

// Open creates a new Redis-backed storage instance
func Open(cfg config.RedisConfig) (*Store, error) {
	// Parse timeouts
	dialTimeout, err := time.ParseDuration(cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid dial_timeout: %w", err)
	}

	readTimeout, err := time.ParseDuration(cfg.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid read_timeout: %w", err)
	}

	writeTimeout, err := time.ParseDuration(cfg.WriteTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid write_timeout: %w", err)
	}

	// Determine address
	addr := cfg.Host
	if cfg.Port > 0 {
		addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	})

	// Ping to verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	key := cfg.Key
	if key == "" {
		key = DefaultKey
	}

	return &Store{client: client, key: key}, nil
}

// Load returns the stored document.
func (s *Store) Load(ctx context.Context) ([]byte, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return data, nil
}

// Save replaces the stored document.
func (s *Store) Save(ctx context.Context, data []byte) error {
	if err := s.client.Set(ctx, s.key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set document: %w", err)
	}
	return nil
}

// Backup stores data under a timestamped name. Existing backups are never
// overwritten.
func (s *Store) Backup(ctx context.Context, data []byte, at time.Time) (string, error) {
	script := redis.NewScript(createBackupScript)

	name := storage.BackupName(s.key, at)
	backupKey := fmt.Sprintf("%s:backup:%s", s.key, name)
	indexKey := s.key + ":backups"

	created, err := script.Run(ctx, s.client,
		[]string{backupKey, indexKey},
		name, data, at.Unix(),
	).Int()
	if err != nil {
		return "", fmt.Errorf("failed to create backup: %w", err)
	}
	if created == 0 {
		return "", fmt.Errorf("%w: %s", storage.ErrBackupExists, name)
	}
	return name, nil
}

// Backups lists backup names, oldest first.
func (s *Store) Backups(ctx context.Context) ([]string, error) {
	names, err := s.client.ZRange(ctx, s.key+":backups", 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}
	return names, nil
}

// Lock acquires <key>:lock with SET NX, retrying until ctx is done. While
// held, the lock expiry is extended in the background.
func (s *Store) Lock(ctx context.Context) (func() error, error) {
	lockKey := s.key + ":lock"
	token := uuid.NewString()

	for {
		ok, err := s.client.SetNX(ctx, lockKey, token, lockTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire lock: %w", err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(storage.LockRetryDelay):
		}
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go s.extendLock(lockKey, token, stop, done)

	return func() error {
		close(stop)
		<-done

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		released, err := redis.NewScript(releaseLockScript).Run(ctx, s.client, []string{lockKey}, token).Int()
		if err != nil {
			return fmt.Errorf("failed to release lock: %w", err)
		}
		if released == 0 {
			return fmt.Errorf("lock %s expired before release", lockKey)
		}
		return nil
	}, nil
}

func (s *Store) extendLock(lockKey, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	script := redis.NewScript(extendLockScript)
	ticker := time.NewTicker(lockTTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), lockTTL/3)
			// A lost extension surfaces as an error from the release.
			_ = script.Run(ctx, s.client, []string{lockKey}, token, lockTTL.Milliseconds()).Err()
			cancel()
		}
	}
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}
