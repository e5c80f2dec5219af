// Package catalog defines the core catalog model shared across the watch pipeline:
// identifiers, fingerprint history, and the change detector that mutates it.
package catalog

import (
	"net/url"
	"sort"
	"time"
)

// DateLayout is the calendar date format used for fingerprint records and artifact names.
const DateLayout = "2006-01-02"

// Identifier is an opaque catalog item key (an ISBN-like digit string).
type Identifier string

// FingerprintRecord is one observation of an item's probe digest. Immutable once written.
type FingerprintRecord struct {
	Date string `json:"date"`
	Hash string `json:"hash"`
}

// Entry is the chronological, append-only fingerprint history of one identifier.
// The last element is always the most recent observation.
type Entry []FingerprintRecord

// Last returns the most recent record and false when the entry is empty.
func (e Entry) Last() (FingerprintRecord, bool) {
	if len(e) == 0 {
		return FingerprintRecord{}, false
	}
	return e[len(e)-1], true
}

// Store maps identifiers to their fingerprint history.
type Store map[Identifier]Entry

// NewStore returns an empty store.
func NewStore() Store {
	return make(Store)
}

// Clone returns a deep copy of the store.
func (s Store) Clone() Store {
	out := make(Store, len(s))
	for id, entry := range s {
		out[id] = append(Entry(nil), entry...)
	}
	return out
}

// Fingerprint is a fresh probe digest for one identifier. OK is false when the probe
// could not be fetched; such fingerprints are "unknown" and never affect the store.
type Fingerprint struct {
	ID     Identifier
	Digest string
	OK     bool
}

// ChangedSet holds identifiers that are new or whose digest differs from the stored one.
type ChangedSet map[Identifier]struct{}

// Add inserts id into the set.
func (c ChangedSet) Add(id Identifier) {
	c[id] = struct{}{}
}

// Contains reports whether id is a member.
func (c ChangedSet) Contains(id Identifier) bool {
	_, ok := c[id]
	return ok
}

// Sorted returns the members in ascending order.
func (c ChangedSet) Sorted() []Identifier {
	out := make([]Identifier, 0, len(c))
	for id := range c {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// FetchRequest describes one HTTP exchange with the catalog origin.
// A non-nil Form turns the request into a form-encoded POST.
type FetchRequest struct {
	URL  string
	Form url.Values
}

// FetchResponse is the raw result of a FetchRequest. Non-2xx statuses are returned
// as responses, not errors; errors are reserved for transport failures.
type FetchResponse struct {
	URL        string
	StatusCode int
	Body       []byte
	Duration   time.Duration
}

// OK reports whether the response carries a 2xx status.
func (r FetchResponse) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}
