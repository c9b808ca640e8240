package history

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

// document is the decoded on-disk history: either currentDocument or
// legacyDocument. The shape is decided once, in decodeDocument.
type document interface {
	isDocument()
}

// currentDocument maps username to its entry list.
type currentDocument map[string][]Entry

// legacyDocument maps username to a record whose addresses carry only a
// timestamp. Users already in the current shape (a mixed document written
// half-way through an upgrade) are kept in current.
type legacyDocument struct {
	records map[string]legacyRecord
	current map[string][]Entry
}

// legacyRecord holds one legacy user. Documents written by different
// releases name the map ipTimestamps or addressTimestamps.
type legacyRecord struct {
	IPTimestamps      map[string]json.RawMessage `json:"ipTimestamps"`
	AddressTimestamps map[string]json.RawMessage `json:"addressTimestamps"`
}

// timestamps returns the address to first-seen pairs of the record, and the
// addresses whose value is not a string.
func (r legacyRecord) timestamps() (map[string]string, []string) {
	stamps := make(map[string]string, len(r.IPTimestamps)+len(r.AddressTimestamps))
	var skipped []string
	for _, pairs := range []map[string]json.RawMessage{r.AddressTimestamps, r.IPTimestamps} {
		for address, v := range pairs {
			var stamp string
			if err := json.Unmarshal(v, &stamp); err != nil {
				skipped = append(skipped, address)
				continue
			}
			if existing, ok := stamps[address]; ok && compareTimestamps(existing, stamp) <= 0 {
				continue
			}
			stamps[address] = stamp
		}
	}
	slices.Sort(skipped)
	return stamps, skipped
}

func (currentDocument) isDocument() {}
func (legacyDocument) isDocument()  {}

// decodeDocument inspects the raw document and returns its typed form. A
// document is legacy when any top-level value is an object instead of an
// array of entries.
func decodeDocument(raw []byte) (document, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return currentDocument{}, nil
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &top); err != nil {
		return nil, err
	}

	legacy := false
	for _, v := range top {
		if firstByte(v) == '{' {
			legacy = true
			break
		}
	}

	if !legacy {
		doc := make(currentDocument, len(top))
		for username, v := range top {
			entries, err := decodeEntries(v)
			if err != nil {
				return nil, fmt.Errorf("user %q: %w", username, err)
			}
			doc[username] = entries
		}
		return doc, nil
	}

	doc := legacyDocument{
		records: make(map[string]legacyRecord),
		current: make(map[string][]Entry),
	}
	for username, v := range top {
		switch firstByte(v) {
		case '{':
			var rec legacyRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil, fmt.Errorf("user %q: %w", username, err)
			}
			doc.records[username] = rec
		default:
			entries, err := decodeEntries(v)
			if err != nil {
				return nil, fmt.Errorf("user %q: %w", username, err)
			}
			doc.current[username] = entries
		}
	}
	return doc, nil
}

func decodeEntries(v json.RawMessage) ([]Entry, error) {
	var entries []Entry
	if err := json.Unmarshal(v, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func firstByte(v json.RawMessage) byte {
	trimmed := bytes.TrimSpace(v)
	if len(trimmed) == 0 {
		return 0
	}
	return trimmed[0]
}

// users returns the normalized history, dropping users without entries.
func (d currentDocument) users() map[string][]Entry {
	users := make(map[string][]Entry, len(d))
	for username, entries := range d {
		entries = normalize(entries)
		if len(entries) == 0 {
			continue
		}
		users[username] = entries
	}
	return users
}

// migrate backs up the raw legacy document and converts it to the current
// shape, resolving a location for every address. It does not touch the
// store's in-memory state.
func (s *Store) migrate(ctx context.Context, raw []byte, doc legacyDocument) (map[string][]Entry, error) {
	name, err := s.docs.Backup(ctx, raw, s.clock.Now())
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to back up legacy history document, not migrating")
		return nil, fmt.Errorf("back up legacy history document: %w", err)
	}
	s.logger.Info().Str("backup", name).Msg("Legacy history document backed up")

	users := currentDocument(doc.current).users()

	for username, rec := range doc.records {
		stamps, skipped := rec.timestamps()
		for _, address := range skipped {
			s.logger.Warn().
				Str("username", username).
				Str("address", address).
				Msg("Legacy entry has no usable timestamp, skipping")
		}

		addresses := make([]string, 0, len(stamps))
		for address := range stamps {
			addresses = append(addresses, address)
		}
		// Map order is random; fix it so equal timestamps sort deterministically.
		slices.SortFunc(addresses, strings.Compare)

		entries := make([]Entry, 0, len(addresses))
		for _, address := range addresses {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			entries = append(entries, Entry{
				Address:   address,
				FirstSeen: stamps[address],
				Location:  s.locator.Locate(ctx, address),
			})
		}

		entries = normalize(append(users[username], entries...))
		if len(entries) == 0 {
			s.logger.Warn().Str("username", username).Msg("Legacy user has no addresses, dropping")
			continue
		}
		users[username] = entries
	}

	return users, nil
}
