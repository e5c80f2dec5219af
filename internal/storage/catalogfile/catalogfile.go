// Package catalogfile persists the catalog store as one JSON document on disk.
package catalogfile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/coverwatch/internal/catalog"
	"github.com/JakeFAU/coverwatch/internal/metrics"
)

// DefaultPath is used when no path is configured.
const DefaultPath = "data.json"

const indent = "    "

// Repository reads and rewrites the whole store file.
type Repository struct {
	path   string
	logger *zap.Logger
}

// New builds a Repository for path.
func New(path string, logger *zap.Logger) (*Repository, error) {
	if strings.TrimSpace(path) == "" {
		path = DefaultPath
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{path: path, logger: logger}, nil
}

// Path returns the backing file path.
func (r *Repository) Path() string {
	return r.path
}

// Load reads the store. A missing file yields an empty store.
func (r *Repository) Load(_ context.Context) (catalog.Store, error) {
	data, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		r.logger.Info("catalog store missing, starting empty", zap.String("path", r.path))
		metrics.SetStoreEntries(0)
		return catalog.NewStore(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read catalog store %s: %w", r.path, err)
	}
	store, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode catalog store %s: %w", r.path, err)
	}
	metrics.SetStoreEntries(len(store))
	return store, nil
}

// Save rewrites the store file in full, creating parent directories as needed.
func (r *Repository) Save(_ context.Context, store catalog.Store) error {
	data, err := Encode(store)
	if err != nil {
		return fmt.Errorf("encode catalog store: %w", err)
	}
	if dir := filepath.Dir(r.path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create catalog store dir: %w", err)
		}
	}
	if err := os.WriteFile(r.path, data, 0o600); err != nil {
		return fmt.Errorf("write catalog store %s: %w", r.path, err)
	}
	metrics.SetStoreEntries(len(store))
	r.logger.Debug("catalog store saved", zap.String("path", r.path), zap.Int("entries", len(store)))
	return nil
}

// Encode renders the store as indented JSON with keys in sorted order, so equal
// stores always produce identical bytes.
func Encode(store catalog.Store) ([]byte, error) {
	if store == nil {
		store = catalog.NewStore()
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", indent)
	enc.SetEscapeHTML(false)
	// encoding/json sorts map keys.
	if err := enc.Encode(map[catalog.Identifier]catalog.Entry(store)); err != nil {
		return nil, fmt.Errorf("marshal store: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Decode parses a store document. Empty input is an empty store.
func Decode(data []byte) (catalog.Store, error) {
	store := catalog.NewStore()
	if len(bytes.TrimSpace(data)) == 0 {
		return store, nil
	}
	raw := map[catalog.Identifier]catalog.Entry{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("unmarshal store: %w", err)
	}
	for id, entry := range raw {
		if len(entry) == 0 {
			return nil, fmt.Errorf("entry %s has no fingerprint records", id)
		}
		store[id] = entry
	}
	return store, nil
}
