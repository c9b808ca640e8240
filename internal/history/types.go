package history

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"
)

// TimeLayout is the fixed local format of every FirstSeen value (yyyy-MM-dd HH:mm:ss).
const TimeLayout = "2006-01-02 15:04:05"

var (
	// ErrUserNotFound is returned when a username has no recorded history.
	ErrUserNotFound = errors.New("history: user not found")

	// ErrAddressNotFound is returned when a known user was never seen at an address.
	ErrAddressNotFound = errors.New("history: address not found for user")

	// ErrInvalidTimestamp is returned when a timestamp does not match TimeLayout.
	ErrInvalidTimestamp = errors.New("history: invalid timestamp")
)

// Entry is one observation of a user at an address.
// Only FirstSeen changes after creation, and only towards an earlier time.
type Entry struct {
	Address   string `json:"ip"`
	FirstSeen string `json:"timestamp"`
	Location  string `json:"location"`
}

// Time parses FirstSeen in the local time zone.
func (e Entry) Time() (time.Time, error) {
	return time.ParseInLocation(TimeLayout, e.FirstSeen, time.Local)
}

// Outcome describes what a merge did to the history.
type Outcome int

const (
	// OutcomeUnchanged means the stored entry was already as early or earlier.
	OutcomeUnchanged Outcome = iota
	// OutcomeCreated means a new entry (and possibly a new user) was added.
	OutcomeCreated
	// OutcomeLowered means an existing entry's FirstSeen moved earlier.
	OutcomeLowered
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCreated:
		return "created"
	case OutcomeLowered:
		return "lowered"
	default:
		return "unchanged"
	}
}

// Locator resolves an address to a coarse location. An empty string means
// the location is unknown; implementations never fail.
type Locator interface {
	Locate(ctx context.Context, address string) string
}

// LocatorFunc adapts a function to the Locator interface.
type LocatorFunc func(ctx context.Context, address string) string

// Locate calls f.
func (f LocatorFunc) Locate(ctx context.Context, address string) string {
	return f(ctx, address)
}

// NoLocation leaves every location unknown.
var NoLocation Locator = LocatorFunc(func(context.Context, string) string { return "" })

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.Format(TimeLayout)
}

// ValidTimestamp reports whether s matches TimeLayout.
func ValidTimestamp(s string) bool {
	_, err := time.ParseInLocation(TimeLayout, s, time.Local)
	return err == nil
}

// compareTimestamps orders two FirstSeen values chronologically. Values that
// do not parse fall back to string order, which matches chronological order
// for the fixed-width layout anyway.
func compareTimestamps(a, b string) int {
	ta, errA := time.ParseInLocation(TimeLayout, a, time.Local)
	tb, errB := time.ParseInLocation(TimeLayout, b, time.Local)
	if errA != nil || errB != nil {
		return strings.Compare(a, b)
	}
	return ta.Compare(tb)
}

// sortEntries orders entries ascending by FirstSeen, keeping the relative
// order of equal timestamps.
func sortEntries(entries []Entry) {
	slices.SortStableFunc(entries, func(a, b Entry) int {
		return compareTimestamps(a.FirstSeen, b.FirstSeen)
	})
}

func indexOf(entries []Entry, address string) int {
	return slices.IndexFunc(entries, func(e Entry) bool {
		return e.Address == address
	})
}

// normalize drops duplicate addresses (keeping the earliest) and sorts.
func normalize(entries []Entry) []Entry {
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if idx := indexOf(out, e.Address); idx >= 0 {
			if compareTimestamps(e.FirstSeen, out[idx].FirstSeen) < 0 {
				out[idx].FirstSeen = e.FirstSeen
			}
			continue
		}
		out = append(out, e)
	}
	sortEntries(out)
	return out
}
