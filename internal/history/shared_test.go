package history

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/goodtune/iplog/internal/storage"
	"github.com/goodtune/iplog/internal/storage/bolt"
	"github.com/goodtune/iplog/internal/storage/file"
)

// sharedBackends opens the same document twice, as two iplog processes would.
var sharedBackends = []struct {
	name string
	open func(t *testing.T, path string) storage.DocumentStore
}{
	{"file", func(t *testing.T, path string) storage.DocumentStore {
		t.Helper()
		docs, err := file.Open(path)
		if err != nil {
			t.Fatalf("open file store: %v", err)
		}
		return docs
	}},
	{"bolt", func(t *testing.T, path string) storage.DocumentStore {
		t.Helper()
		docs, err := bolt.Open(path)
		if err != nil {
			t.Fatalf("open bolt store: %v", err)
		}
		return docs
	}},
}

func TestRemovalSurvivesOtherStoreWrite(t *testing.T) {
	ctx := context.Background()

	for _, backend := range sharedBackends {
		t.Run(backend.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "history")

			seed := newTestStore(t, backend.open(t, path), nil)
			for _, address := range []string{"10.0.0.5", "10.0.0.6"} {
				if _, err := seed.Merge(ctx, "alice", address, "2024-03-01 10:00:00"); err != nil {
					t.Fatalf("seed: %v", err)
				}
			}

			server := newTestStore(t, backend.open(t, path), nil)
			admin := newTestStore(t, backend.open(t, path), nil)

			removed, err := admin.RemoveAddress(ctx, "alice", "10.0.0.5")
			if err != nil || !removed {
				t.Fatalf("remove: removed=%v err=%v", removed, err)
			}

			if _, err := server.Track(ctx, "bob", "10.0.0.9"); err != nil {
				t.Fatalf("track: %v", err)
			}
			if err := server.Save(ctx); err != nil {
				t.Fatalf("save: %v", err)
			}

			if _, err := server.FirstSeen("alice", "10.0.0.5"); !errors.Is(err, ErrAddressNotFound) {
				t.Errorf("server must see the removal after its next write, got %v", err)
			}

			reloaded := newTestStore(t, backend.open(t, path), nil)
			if _, err := reloaded.FirstSeen("alice", "10.0.0.5"); !errors.Is(err, ErrAddressNotFound) {
				t.Fatalf("removed address came back: %v", err)
			}
			if _, err := reloaded.FirstSeen("alice", "10.0.0.6"); err != nil {
				t.Errorf("untouched address lost: %v", err)
			}
			if _, err := reloaded.FirstSeen("bob", "10.0.0.9"); err != nil {
				t.Errorf("tracked address lost: %v", err)
			}
		})
	}
}

func TestConcurrentStoresKeepEveryWrite(t *testing.T) {
	ctx := context.Background()

	for _, backend := range sharedBackends {
		t.Run(backend.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "history")
			stores := []*Store{
				newTestStore(t, backend.open(t, path), nil),
				newTestStore(t, backend.open(t, path), nil),
			}

			var wg sync.WaitGroup
			for i, s := range stores {
				wg.Add(1)
				go func(i int, s *Store) {
					defer wg.Done()
					for j := 0; j < 10; j++ {
						username := fmt.Sprintf("user%d", i)
						address := fmt.Sprintf("10.0.%d.%d", i, j)
						if _, err := s.Merge(ctx, username, address, "2024-03-01 10:00:00"); err != nil {
							t.Errorf("merge %s %s: %v", username, address, err)
						}
					}
				}(i, s)
			}
			wg.Wait()

			reloaded := newTestStore(t, backend.open(t, path), nil)
			for i := range stores {
				addresses, err := reloaded.AddressesForUser(fmt.Sprintf("user%d", i))
				if err != nil {
					t.Fatalf("user%d: %v", i, err)
				}
				if len(addresses) != 10 {
					t.Errorf("user%d: expected 10 addresses, got %d", i, len(addresses))
				}
			}
		})
	}
}

func TestSaveFailureReplayedAfterReload(t *testing.T) {
	ctx := context.Background()
	docs := newMemoryDocs(`{"alice":[{"ip":"10.0.0.1","timestamp":"2024-01-01 00:00:00","location":""}]}`)
	s := newTestStore(t, docs, nil)

	docs.saveErr = errors.New("disk full")
	if _, err := s.Merge(ctx, "alice", "10.0.0.2", "2024-02-01 00:00:00"); !IsSaveFailure(err) {
		t.Fatalf("expected save failure, got %v", err)
	}
	docs.saveErr = nil

	// Another writer changes the document before the next save.
	other := newTestStore(t, docs, nil)
	if _, err := other.Merge(ctx, "bob", "10.0.0.3", "2024-03-01 00:00:00"); err != nil {
		t.Fatalf("other merge: %v", err)
	}

	if _, err := s.Merge(ctx, "carol", "10.0.0.4", "2024-04-01 00:00:00"); err != nil {
		t.Fatalf("merge: %v", err)
	}

	persisted := docs.persisted(t)
	for _, username := range []string{"alice", "bob", "carol"} {
		if _, ok := persisted[username]; !ok {
			t.Errorf("expected %s in the saved document, got %+v", username, persisted)
		}
	}
	if len(persisted["alice"]) != 2 {
		t.Errorf("expected the unsaved entry to be replayed, got %+v", persisted["alice"])
	}
}
