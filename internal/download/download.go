// Package download retrieves full-resolution assets for changed identifiers and
// writes them as date-stamped artifacts.
package download

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/coverwatch/internal/catalog"
	"github.com/JakeFAU/coverwatch/internal/fingerprint"
	"github.com/JakeFAU/coverwatch/internal/gate"
	"github.com/JakeFAU/coverwatch/internal/metrics"
	"github.com/JakeFAU/coverwatch/internal/progress"
)

// Defaults recovered from the production deployment.
const (
	DefaultAssetURL  = "https://images2.penguinrandomhouse.com/cover/tif/{id}"
	DefaultExtension = "tif"
)

// Admitter bounds concurrent origin requests.
type Admitter interface {
	Acquire(ctx context.Context, class gate.Class) (gate.Release, error)
}

// Config controls asset retrieval.
type Config struct {
	// AssetURL is a URL template containing fingerprint.IDPlaceholder.
	AssetURL    string
	Extension   string
	ContentType string
}

// Artifact is one saved asset.
type Artifact struct {
	ID    catalog.Identifier `json:"id"`
	Name  string             `json:"name"`
	URI   string             `json:"uri"`
	Bytes int64              `json:"bytes"`
}

// Failure records an identifier whose asset could not be saved.
type Failure struct {
	ID     catalog.Identifier `json:"id"`
	Reason string             `json:"reason"`
}

// Report lists outcomes in the order identifiers were supplied.
type Report struct {
	Saved  []Artifact `json:"saved"`
	Failed []Failure  `json:"failed"`
}

// Downloader fetches and writes assets.
type Downloader struct {
	cfg     Config
	fetcher catalog.Fetcher
	blobs   catalog.BlobStore
	gate    Admitter
	logger  *zap.Logger
}

// New builds a Downloader writing through blobs.
func New(cfg Config, fetcher catalog.Fetcher, blobs catalog.BlobStore, g Admitter, logger *zap.Logger) (*Downloader, error) {
	if cfg.AssetURL == "" {
		cfg.AssetURL = DefaultAssetURL
	}
	if err := fingerprint.ValidateTemplate(cfg.AssetURL); err != nil {
		return nil, fmt.Errorf("asset url: %w", err)
	}
	cfg.Extension = strings.TrimPrefix(cfg.Extension, ".")
	if cfg.Extension == "" {
		cfg.Extension = DefaultExtension
	}
	if fetcher == nil || blobs == nil || g == nil {
		return nil, fmt.Errorf("fetcher, blob store and gate are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Downloader{cfg: cfg, fetcher: fetcher, blobs: blobs, gate: g, logger: logger}, nil
}

// ArtifactName returns the file name for id's asset captured on date.
func ArtifactName(id catalog.Identifier, ext, date string) string {
	return fmt.Sprintf("%s.%s.%s", id, ext, date)
}

type outcome struct {
	artifact *Artifact
	failure  *Failure
}

// Download retrieves every identifier's asset concurrently. Failures are reported,
// never retried, and never abort the remaining downloads.
func (d *Downloader) Download(ctx context.Context, ids []catalog.Identifier, date string) Report {
	outcomes := make([]outcome, len(ids))
	var wg sync.WaitGroup
	for i, id := range ids {
		release, err := d.gate.Acquire(ctx, gate.ClassDownload)
		if err != nil {
			for j := i; j < len(ids); j++ {
				outcomes[j] = outcome{failure: &Failure{ID: ids[j], Reason: err.Error()}}
			}
			break
		}
		wg.Add(1)
		go func(slot int, id catalog.Identifier) {
			defer wg.Done()
			defer release()
			outcomes[slot] = d.fetchOne(ctx, id, date)
		}(i, id)
	}
	wg.Wait()

	var report Report
	for _, o := range outcomes {
		switch {
		case o.artifact != nil:
			report.Saved = append(report.Saved, *o.artifact)
		case o.failure != nil:
			report.Failed = append(report.Failed, *o.failure)
		}
	}
	return report
}

func (d *Downloader) fetchOne(ctx context.Context, id catalog.Identifier, date string) outcome {
	events := progress.FromContext(ctx)
	began := time.Now()
	fail := func(statusClass progress.StatusClass, reason string) outcome {
		d.logger.Warn("asset download failed", zap.String("id", string(id)), zap.String("reason", reason))
		events.Emit(progress.Event{
			Stage:       progress.StageDownloadDone,
			Level:       progress.LevelError,
			ID:          string(id),
			StatusClass: statusClass,
			Dur:         time.Since(began),
			Note:        reason,
		})
		return outcome{failure: &Failure{ID: id, Reason: reason}}
	}

	resp, err := d.fetcher.Fetch(ctx, catalog.FetchRequest{URL: fingerprint.Expand(d.cfg.AssetURL, id)})
	if err != nil {
		return fail(progress.StatusOther, err.Error())
	}
	if resp.StatusCode != http.StatusOK {
		return fail(progress.ClassifyStatus(resp.StatusCode), fmt.Sprintf("unexpected status %d", resp.StatusCode))
	}
	name := ArtifactName(id, d.cfg.Extension, date)
	uri, err := d.blobs.PutObject(ctx, name, d.cfg.ContentType, bytes.NewReader(resp.Body))
	if err != nil {
		return fail(progress.Status2xx, fmt.Sprintf("write %s: %v", name, err))
	}
	size := int64(len(resp.Body))
	metrics.AddArtifactBytes(len(resp.Body))
	events.Emit(progress.Event{
		Stage:       progress.StageDownloadDone,
		Level:       progress.LevelInfo,
		ID:          string(id),
		StatusClass: progress.Status2xx,
		Bytes:       size,
		Dur:         time.Since(began),
	})
	d.logger.Debug("asset saved", zap.String("id", string(id)), zap.String("uri", uri), zap.Int64("bytes", size))
	return outcome{artifact: &Artifact{ID: id, Name: name, URI: uri, Bytes: size}}
}
