package catalog

import (
	"context"
	"io"
	"time"
)

// Fetcher performs HTTP requests against the catalog origin.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Hasher computes content digests for probe bodies.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces cycle IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// TokenSource supplies the session credential sent with listing requests.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StoreRepository loads and saves the whole catalog store.
type StoreRepository interface {
	Load(ctx context.Context) (Store, error)
	Save(ctx context.Context, store Store) error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes cycle notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Observation is one fingerprint record appended during a cycle.
type Observation struct {
	CycleID string
	ID      Identifier
	Record  FingerprintRecord
	New     bool
}

// Ledger mirrors appended fingerprint records to secondary storage.
type Ledger interface {
	Append(ctx context.Context, observations []Observation) error
	Close() error
}
