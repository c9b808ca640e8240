package history

import (
	"context"
	"fmt"
	"maps"
	"slices"
)

// Usernames returns every user with recorded history, sorted.
func (s *Store) Usernames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.users))
}

// Addresses returns every distinct address across all users, sorted.
func (s *Store) Addresses() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, entries := range s.users {
		for _, e := range entries {
			seen[e.Address] = struct{}{}
		}
	}
	return slices.Sorted(maps.Keys(seen))
}

// Entries returns a copy of the user's entries, oldest first.
func (s *Store) Entries(username string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, ok := s.users[username]
	if !ok {
		return nil, ErrUserNotFound
	}
	return slices.Clone(entries), nil
}

// AddressesForUser returns the user's addresses, oldest first.
func (s *Store) AddressesForUser(username string) ([]string, error) {
	entries, err := s.Entries(username)
	if err != nil {
		return nil, err
	}

	addresses := make([]string, len(entries))
	for i, e := range entries {
		addresses[i] = e.Address
	}
	return addresses, nil
}

// Duplicates returns every address shared by two or more users, mapped to
// those users in sorted order. The index is rebuilt on every call.
func (s *Store) Duplicates() map[string][]string {
	index := s.addressIndex()
	for address, users := range index {
		if len(users) < 2 {
			delete(index, address)
		}
	}
	return index
}

// UsersForAddress returns every user seen at address, sorted. The result is
// empty when nobody was.
func (s *Store) UsersForAddress(address string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var users []string
	for _, username := range slices.Sorted(maps.Keys(s.users)) {
		if indexOf(s.users[username], address) >= 0 {
			users = append(users, username)
		}
	}
	return users
}

// addressIndex maps each address to the sorted users seen there.
func (s *Store) addressIndex() map[string][]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	index := make(map[string][]string)
	for _, username := range slices.Sorted(maps.Keys(s.users)) {
		for _, e := range s.users[username] {
			index[e.Address] = append(index[e.Address], username)
		}
	}
	return index
}

// FirstSeen returns when username was first seen at address. It distinguishes
// an unknown user from a known user never seen at that address.
func (s *Store) FirstSeen(username, address string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, ok := s.users[username]
	if !ok {
		return "", ErrUserNotFound
	}
	idx := indexOf(entries, address)
	if idx < 0 {
		return "", ErrAddressNotFound
	}
	return entries[idx].FirstSeen, nil
}

// KnownLocation returns the location already recorded for address by any
// user, if one is non-empty.
func (s *Store) KnownLocation(address string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, username := range slices.Sorted(maps.Keys(s.users)) {
		if idx := indexOf(s.users[username], address); idx >= 0 {
			if loc := s.users[username][idx].Location; loc != "" {
				return loc, true
			}
		}
	}
	return "", false
}

// RemoveAddress deletes the user's entry for address and saves. It reports
// false, and writes nothing, when the user or the entry does not exist. A user
// left with no entries is removed entirely.
func (s *Store) RemoveAddress(ctx context.Context, username, address string) (bool, error) {
	var removed bool
	err := s.exclusive(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		if removed = s.removeLocked(username, address); !removed {
			return nil
		}
		s.updateGaugesLocked()

		s.logger.Info().
			Str("username", username).
			Str("address", address).
			Msg("Address removed from history")

		s.pending = append(s.pending, change{remove: true, username: username, address: address})
		if err := s.flushLocked(ctx); err != nil {
			return fmt.Errorf("%w: %w", errSaveFailed, err)
		}
		return nil
	})
	return removed, err
}

// removeLocked deletes one entry from the in-memory history (must be called with lock held).
func (s *Store) removeLocked(username, address string) bool {
	entries, ok := s.users[username]
	if !ok {
		return false
	}
	idx := indexOf(entries, address)
	if idx < 0 {
		return false
	}

	entries = slices.Delete(entries, idx, idx+1)
	if len(entries) == 0 {
		delete(s.users, username)
	} else {
		s.users[username] = entries
	}
	return true
}
