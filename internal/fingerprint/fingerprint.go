// Package fingerprint probes a cheap per-item resource and digests its bytes as a
// proxy for whether the full asset changed.
package fingerprint

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/coverwatch/internal/catalog"
	"github.com/JakeFAU/coverwatch/internal/gate"
	"github.com/JakeFAU/coverwatch/internal/progress"
)

// IDPlaceholder is replaced by the identifier in URL templates.
const IDPlaceholder = "{id}"

// DefaultProbeURL requests a 1-pixel-high rendition of the cover.
const DefaultProbeURL = "https://images2.penguinrandomhouse.com/cover/{id}?height=1"

// Admitter bounds concurrent origin requests.
type Admitter interface {
	Acquire(ctx context.Context, class gate.Class) (gate.Release, error)
}

// Config controls probing.
type Config struct {
	// ProbeURL is a URL template containing IDPlaceholder.
	ProbeURL string
}

// Fetcher computes fingerprints for identifiers.
type Fetcher struct {
	probeURL string
	fetcher  catalog.Fetcher
	hasher   catalog.Hasher
	gate     Admitter
	logger   *zap.Logger
}

// New builds a Fetcher.
func New(cfg Config, fetcher catalog.Fetcher, hasher catalog.Hasher, g Admitter, logger *zap.Logger) (*Fetcher, error) {
	if cfg.ProbeURL == "" {
		cfg.ProbeURL = DefaultProbeURL
	}
	if err := ValidateTemplate(cfg.ProbeURL); err != nil {
		return nil, fmt.Errorf("probe url: %w", err)
	}
	if fetcher == nil || hasher == nil || g == nil {
		return nil, fmt.Errorf("fetcher, hasher and gate are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{probeURL: cfg.ProbeURL, fetcher: fetcher, hasher: hasher, gate: g, logger: logger}, nil
}

// ValidateTemplate checks a URL template carries the identifier placeholder.
func ValidateTemplate(tmpl string) error {
	if !strings.Contains(tmpl, IDPlaceholder) {
		return fmt.Errorf("template %q lacks %s", tmpl, IDPlaceholder)
	}
	return nil
}

// Expand substitutes id into tmpl.
func Expand(tmpl string, id catalog.Identifier) string {
	return strings.ReplaceAll(tmpl, IDPlaceholder, string(id))
}

// Fingerprint probes every identifier, duplicates included, and returns one result per
// input in input order. Failed probes yield OK=false.
func (f *Fetcher) Fingerprint(ctx context.Context, ids []catalog.Identifier) []catalog.Fingerprint {
	out := make([]catalog.Fingerprint, len(ids))
	var wg sync.WaitGroup
	for i, id := range ids {
		out[i] = catalog.Fingerprint{ID: id}
		release, err := f.gate.Acquire(ctx, gate.ClassProbe)
		if err != nil {
			f.logger.Warn("probe admission aborted", zap.Int("remaining", len(ids)-i), zap.Error(err))
			for j := i + 1; j < len(ids); j++ {
				out[j] = catalog.Fingerprint{ID: ids[j]}
			}
			break
		}
		wg.Add(1)
		go func(slot int, id catalog.Identifier) {
			defer wg.Done()
			defer release()
			out[slot] = f.probe(ctx, id)
		}(i, id)
	}
	wg.Wait()
	return out
}

func (f *Fetcher) probe(ctx context.Context, id catalog.Identifier) catalog.Fingerprint {
	events := progress.FromContext(ctx)
	began := time.Now()
	fp := catalog.Fingerprint{ID: id}
	resp, err := f.fetcher.Fetch(ctx, catalog.FetchRequest{URL: Expand(f.probeURL, id)})
	if err != nil {
		f.logger.Debug("probe failed", zap.String("id", string(id)), zap.Error(err))
		events.Emit(progress.Event{
			Stage:       progress.StageProbeDone,
			Level:       progress.LevelError,
			ID:          string(id),
			StatusClass: progress.StatusOther,
			Dur:         time.Since(began),
			Note:        err.Error(),
		})
		return fp
	}
	evt := progress.Event{
		Stage:       progress.StageProbeDone,
		Level:       progress.LevelTrace,
		ID:          string(id),
		StatusClass: progress.ClassifyStatus(resp.StatusCode),
		Bytes:       int64(len(resp.Body)),
		Dur:         time.Since(began),
	}
	// Only a 200 carries a thumbnail; other 2xx bodies are not digests.
	if resp.StatusCode != http.StatusOK {
		f.logger.Debug("probe unexpected status", zap.String("id", string(id)), zap.Int("status", resp.StatusCode))
		evt.Note = fmt.Sprintf("status %d", resp.StatusCode)
		events.Emit(evt)
		return fp
	}
	digest, err := f.hasher.Hash(resp.Body)
	if err != nil {
		f.logger.Warn("probe digest failed", zap.String("id", string(id)), zap.Error(err))
		evt.Level = progress.LevelError
		evt.Note = err.Error()
		events.Emit(evt)
		return fp
	}
	events.Emit(evt)
	fp.Digest = digest
	fp.OK = true
	return fp
}
