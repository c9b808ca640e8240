package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goodtune/iplog/internal/metrics"
	"github.com/goodtune/iplog/internal/storage"
	"github.com/rs/zerolog"
)

// Store holds the address history of every user and persists it as one
// document after each mutation.
//
// Every mutation runs as one load-modify-save sequence under the storage
// document lock, which other iplog processes on the same document take too.
// The sequence starts by reloading the stored document, so a long-running
// process never writes back a stale copy over another writer's change.
// Queries read the in-memory copy under the read lock. Geolocation is always
// resolved before the document lock is taken.
type Store struct {
	docs    storage.DocumentStore
	locator Locator
	clock   Clock
	logger  zerolog.Logger

	writeMu sync.Mutex // serializes document lock holders in this process
	pending []change   // applied in memory, not yet saved

	users map[string][]Entry // key: username
	mu    sync.RWMutex
}

// change is a mutation that has been applied in memory but not saved yet.
// Changes are replayed on top of every reload until a save succeeds.
type change struct {
	remove    bool
	username  string
	address   string
	firstSeen string
	location  string
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used by Track and for backup names.
func WithClock(clock Clock) Option {
	return func(s *Store) {
		s.clock = clock
	}
}

// NewStore creates an empty store backed by docs. Call Load to populate it.
// A nil locator leaves every location unknown.
func NewStore(docs storage.DocumentStore, locator Locator, logger zerolog.Logger, opts ...Option) *Store {
	if locator == nil {
		locator = NoLocation
	}

	s := &Store{
		docs:    docs,
		locator: locator,
		clock:   RealClock{},
		logger:  logger.With().Str("component", "history").Logger(),
		users:   make(map[string][]Entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load replaces the in-memory history with the persisted document.
//
// A missing document yields an empty store. A legacy document is backed up,
// migrated to the current shape and written back, all under the document
// lock. A document that cannot be decoded leaves the store untouched.
func (s *Store) Load(ctx context.Context) error {
	return s.exclusive(ctx, func() error {
		s.mu.RLock()
		defer s.mu.RUnlock()
		s.logger.Info().Int("users", len(s.users)).Msg("History loaded")
		return nil
	})
}

// ErrLegacyDocument is returned by LoadReadOnly when the stored document
// still needs migrating.
var ErrLegacyDocument = errors.New("history: document is in the legacy format")

// LoadReadOnly replaces the in-memory history with the persisted document
// without taking the document lock and without ever writing. A legacy
// document is not migrated; ErrLegacyDocument is returned instead.
func (s *Store) LoadReadOnly(ctx context.Context) error {
	raw, err := s.docs.Load(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		s.replace(make(map[string][]Entry))
		return nil
	}
	if err != nil {
		return fmt.Errorf("load history document: %w", err)
	}

	doc, err := decodeDocument(raw)
	if err != nil {
		return fmt.Errorf("decode history document: %w", err)
	}
	current, ok := doc.(currentDocument)
	if !ok {
		return ErrLegacyDocument
	}
	s.replace(current.users())
	return nil
}

// exclusive runs fn holding the document lock, after bringing the in-memory
// history up to date with the stored document.
func (s *Store) exclusive(ctx context.Context, fn func() error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	unlock, err := s.docs.Lock(ctx)
	if err != nil {
		return fmt.Errorf("lock history document: %w", err)
	}
	defer func() {
		if err := unlock(); err != nil {
			s.logger.Error().Err(err).Msg("Failed to release history document lock")
		}
	}()

	if err := s.refresh(ctx); err != nil {
		return err
	}
	return fn()
}

// refresh reloads the stored document and replays unsaved changes on top of
// it (document lock held).
func (s *Store) refresh(ctx context.Context) error {
	raw, err := s.docs.Load(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		s.logger.Debug().Msg("No existing history document found, starting empty")
		s.install(make(map[string][]Entry))
		return nil
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to load history document")
		return fmt.Errorf("load history document: %w", err)
	}

	doc, err := decodeDocument(raw)
	if err != nil {
		s.logger.Error().Err(err).Msg("History document is corrupt")
		return fmt.Errorf("decode history document: %w", err)
	}

	switch d := doc.(type) {
	case currentDocument:
		s.install(d.users())
		return nil

	case legacyDocument:
		users, err := s.migrate(ctx, raw, d)
		if err != nil {
			return err
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		s.installLocked(users)
		if err := s.saveLocked(ctx); err != nil {
			return fmt.Errorf("save migrated history: %w", err)
		}
		metrics.MigrationsTotal.Inc()
		s.logger.Info().Int("users", len(users)).Msg("Legacy history document migrated to the current format")
		return nil

	default:
		return fmt.Errorf("unknown history document type %T", doc)
	}
}

func (s *Store) install(users map[string][]Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.installLocked(users)
}

// installLocked swaps in users and replays pending changes (must be called with lock held).
func (s *Store) installLocked(users map[string][]Entry) {
	s.users = users
	for _, c := range s.pending {
		if c.remove {
			s.removeLocked(c.username, c.address)
		} else {
			s.mergeLocked(c, true)
		}
	}
	s.updateGaugesLocked()
}

func (s *Store) replace(users map[string][]Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users = users
	s.updateGaugesLocked()
}

// Save reloads the document, replays any changes whose save failed and writes
// the result. Mutating operations already save before returning; this is for
// lifecycle points such as shutdown.
func (s *Store) Save(ctx context.Context) error {
	return s.exclusive(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.flushLocked(ctx)
	})
}

// flushLocked saves the history and forgets pending changes once they are
// stored (must be called with lock held).
func (s *Store) flushLocked(ctx context.Context) error {
	if err := s.saveLocked(ctx); err != nil {
		return err
	}
	s.pending = nil
	return nil
}

// saveLocked serializes and writes the whole history (must be called with lock held).
func (s *Store) saveLocked(ctx context.Context) error {
	start := time.Now()

	data, err := json.Marshal(s.users)
	if err != nil {
		metrics.StoreSavesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("encode history document: %w", err)
	}

	if err := s.docs.Save(ctx, data); err != nil {
		metrics.StoreSavesTotal.WithLabelValues("error").Inc()
		s.logger.Error().Err(err).Msg("Failed to save history document")
		return fmt.Errorf("save history document: %w", err)
	}

	metrics.StoreSavesTotal.WithLabelValues("ok").Inc()
	metrics.StoreSaveDuration.Observe(time.Since(start).Seconds())
	return nil
}

// Track records that username connected from address now.
func (s *Store) Track(ctx context.Context, username, address string) (Outcome, error) {
	firstSeen := FormatTime(s.clock.Now())

	outcome, err := s.Merge(ctx, username, address, firstSeen)
	if err != nil && !IsSaveFailure(err) {
		return outcome, err
	}
	metrics.ObservationsTotal.WithLabelValues("live", outcome.String()).Inc()

	if outcome == OutcomeCreated {
		s.logger.Info().
			Str("username", username).
			Str("address", address).
			Msg("New IP logged")
	} else {
		s.logger.Debug().
			Str("username", username).
			Str("address", address).
			Msg("Existing IP detected")
	}
	return outcome, err
}

// Merge applies one observation using the earliest-timestamp-wins rule:
//   - unknown user or address: a new entry is created with a freshly resolved location;
//   - known pair with an earlier or equal FirstSeen: nothing changes;
//   - known pair with a later FirstSeen: FirstSeen is lowered, the location is kept.
//
// Any change re-sorts the user's entries and saves the whole history. If the
// save fails the change is kept in memory, replayed after every reload until
// a save succeeds, and the error is returned.
func (s *Store) Merge(ctx context.Context, username, address, firstSeen string) (Outcome, error) {
	if username == "" {
		return OutcomeUnchanged, fmt.Errorf("username is required")
	}
	if address == "" {
		return OutcomeUnchanged, fmt.Errorf("address is required")
	}
	if !ValidTimestamp(firstSeen) {
		return OutcomeUnchanged, fmt.Errorf("%w: %q", ErrInvalidTimestamp, firstSeen)
	}

	for {
		c := change{username: username, address: address, firstSeen: firstSeen}
		resolved := false
		if !s.hasEntry(username, address) {
			c.location = s.locator.Locate(ctx, address)
			resolved = true
		}

		outcome, retry, err := s.mergeAndSave(ctx, c, resolved)
		if retry {
			// The entry is not in the stored document after all; resolve and try again.
			continue
		}
		return outcome, err
	}
}

func (s *Store) mergeAndSave(ctx context.Context, c change, resolved bool) (outcome Outcome, retry bool, err error) {
	err = s.exclusive(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		outcome, retry = s.mergeLocked(c, resolved)
		if retry || outcome == OutcomeUnchanged {
			return nil
		}
		s.updateGaugesLocked()

		s.pending = append(s.pending, c)
		if err := s.flushLocked(ctx); err != nil {
			return fmt.Errorf("%w: %w", errSaveFailed, err)
		}
		return nil
	})
	return outcome, retry, err
}

// mergeLocked applies c to the in-memory history. It asks for a retry when
// the entry has to be created but no location was resolved (must be called
// with lock held).
func (s *Store) mergeLocked(c change, resolved bool) (Outcome, bool) {
	entries := s.users[c.username]
	var outcome Outcome

	if idx := indexOf(entries, c.address); idx >= 0 {
		existing := entries[idx].FirstSeen
		if compareTimestamps(existing, c.firstSeen) <= 0 {
			s.logger.Debug().
				Str("username", c.username).
				Str("address", c.address).
				Str("first_seen", existing).
				Str("observed", c.firstSeen).
				Msg("Existing entry is earlier, keeping it")
			return OutcomeUnchanged, false
		}

		s.logger.Debug().
			Str("username", c.username).
			Str("address", c.address).
			Str("old_first_seen", existing).
			Str("new_first_seen", c.firstSeen).
			Msg("Lowering first seen time")
		entries[idx].FirstSeen = c.firstSeen
		outcome = OutcomeLowered
	} else {
		if !resolved {
			return OutcomeUnchanged, true
		}
		if entries == nil {
			s.logger.Debug().Str("username", c.username).Msg("New user added to history")
		}
		entries = append(entries, Entry{
			Address:   c.address,
			FirstSeen: c.firstSeen,
			Location:  c.location,
		})
		outcome = OutcomeCreated
	}

	sortEntries(entries)
	s.users[c.username] = entries
	return outcome, false
}

func (s *Store) hasEntry(username, address string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return indexOf(s.users[username], address) >= 0
}

// updateGaugesLocked refreshes the size gauges (must be called with lock held).
func (s *Store) updateGaugesLocked() {
	total := 0
	for _, entries := range s.users {
		total += len(entries)
	}
	metrics.UsersTracked.Set(float64(len(s.users)))
	metrics.EntriesTracked.Set(float64(total))
}

// errSaveFailed marks errors where the in-memory mutation succeeded but the
// document could not be written.
var errSaveFailed = errors.New("mutation kept in memory")

// IsSaveFailure reports whether err came from writing the document after a
// successful in-memory mutation.
func IsSaveFailure(err error) bool {
	return errors.Is(err, errSaveFailed)
}
