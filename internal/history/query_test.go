package history

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"
)

func TestSharedAddressScenario(t *testing.T) {
	ctx := context.Background()
	clock := &TestClock{CurrentTime: time.Date(2024, 6, 1, 10, 0, 0, 0, time.Local)}
	docs := newMemoryDocs("")
	s := newTestStore(t, docs, nil, WithClock(clock))

	if _, err := s.Track(ctx, "Alice", "10.0.0.5"); err != nil {
		t.Fatalf("track: %v", err)
	}
	t1 := FormatTime(clock.Now())

	clock.Advance(time.Hour)
	if _, err := s.Track(ctx, "Alice", "10.0.0.5"); err != nil {
		t.Fatalf("track: %v", err)
	}
	if got, _ := s.FirstSeen("Alice", "10.0.0.5"); got != t1 {
		t.Fatalf("expected first seen %s, got %s", t1, got)
	}

	if _, err := s.Track(ctx, "Bob", "10.0.0.5"); err != nil {
		t.Fatalf("track: %v", err)
	}
	dupes := s.Duplicates()
	if !slices.Equal(dupes["10.0.0.5"], []string{"Alice", "Bob"}) {
		t.Fatalf("expected Alice and Bob to share 10.0.0.5, got %v", dupes)
	}

	removed, err := s.RemoveAddress(ctx, "Alice", "10.0.0.5")
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if !removed {
		t.Fatal("expected removal")
	}
	if got := s.UsersForAddress("10.0.0.5"); !slices.Equal(got, []string{"Bob"}) {
		t.Fatalf("expected only Bob, got %v", got)
	}
	if _, ok := s.Duplicates()["10.0.0.5"]; ok {
		t.Fatal("address should no longer be reported as shared")
	}
	if _, ok := docs.persisted(t)["Alice"]; ok {
		t.Fatal("user without entries should be dropped from the document")
	}
}

func TestDuplicatesRequireTwoUsers(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, newMemoryDocs(""), nil)

	merges := []struct{ user, address string }{
		{"alice", "10.0.0.1"},
		{"alice", "10.0.0.2"},
		{"bob", "10.0.0.2"},
		{"carol", "10.0.0.2"},
		{"carol", "10.0.0.3"},
	}
	for _, m := range merges {
		if _, err := s.Merge(ctx, m.user, m.address, "2024-01-01 00:00:00"); err != nil {
			t.Fatalf("merge: %v", err)
		}
	}

	dupes := s.Duplicates()
	if len(dupes) != 1 {
		t.Fatalf("expected one shared address, got %v", dupes)
	}
	for address, users := range dupes {
		if len(users) < 2 {
			t.Errorf("%s listed with fewer than two users: %v", address, users)
		}
	}
	if !slices.Equal(dupes["10.0.0.2"], []string{"alice", "bob", "carol"}) {
		t.Errorf("unexpected users for 10.0.0.2: %v", dupes["10.0.0.2"])
	}
}

func TestNotFoundDistinctions(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, newMemoryDocs(""), nil)
	if _, err := s.Merge(ctx, "alice", "10.0.0.1", "2024-01-01 00:00:00"); err != nil {
		t.Fatalf("merge: %v", err)
	}

	if _, err := s.FirstSeen("bob", "10.0.0.1"); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("expected ErrUserNotFound, got %v", err)
	}
	if _, err := s.FirstSeen("alice", "10.0.0.9"); !errors.Is(err, ErrAddressNotFound) {
		t.Errorf("expected ErrAddressNotFound, got %v", err)
	}
	if _, err := s.Entries("bob"); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("expected ErrUserNotFound, got %v", err)
	}
	if got := s.UsersForAddress("10.0.0.9"); len(got) != 0 {
		t.Errorf("expected no users, got %v", got)
	}
}

func TestRemoveAddressMissing(t *testing.T) {
	ctx := context.Background()
	docs := newMemoryDocs("")
	s := newTestStore(t, docs, nil)
	if _, err := s.Merge(ctx, "alice", "10.0.0.1", "2024-01-01 00:00:00"); err != nil {
		t.Fatalf("merge: %v", err)
	}
	saves := docs.saveCount()

	tests := []struct{ user, address string }{
		{"bob", "10.0.0.1"},
		{"alice", "10.0.0.2"},
	}
	for _, tt := range tests {
		removed, err := s.RemoveAddress(ctx, tt.user, tt.address)
		if err != nil {
			t.Fatalf("remove: %v", err)
		}
		if removed {
			t.Errorf("remove %s/%s: expected false", tt.user, tt.address)
		}
	}
	if docs.saveCount() != saves {
		t.Errorf("removing nothing must not save, got %d saves", docs.saveCount()-saves)
	}
}

func TestAddressesAndKnownLocation(t *testing.T) {
	docs := newMemoryDocs(`{
		"alice": [{"ip": "10.0.0.2", "timestamp": "2024-01-01 00:00:00", "location": ""}],
		"bob": [
			{"ip": "10.0.0.2", "timestamp": "2024-01-02 00:00:00", "location": "Japan"},
			{"ip": "10.0.0.1", "timestamp": "2024-01-03 00:00:00", "location": ""}
		]
	}`)
	s := newTestStore(t, docs, nil)

	if got := s.Addresses(); !slices.Equal(got, []string{"10.0.0.1", "10.0.0.2"}) {
		t.Errorf("unexpected addresses: %v", got)
	}
	if loc, ok := s.KnownLocation("10.0.0.2"); !ok || loc != "Japan" {
		t.Errorf("expected Japan, got %q (%v)", loc, ok)
	}
	if _, ok := s.KnownLocation("10.0.0.1"); ok {
		t.Error("empty locations are not known")
	}
}

func TestEntriesReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, newMemoryDocs(""), nil)
	if _, err := s.Merge(ctx, "alice", "10.0.0.1", "2024-01-01 00:00:00"); err != nil {
		t.Fatalf("merge: %v", err)
	}

	entries, _ := s.Entries("alice")
	entries[0].FirstSeen = "1999-01-01 00:00:00"

	if got, _ := s.FirstSeen("alice", "10.0.0.1"); got != "2024-01-01 00:00:00" {
		t.Fatalf("store mutated through returned slice: %s", got)
	}
}
