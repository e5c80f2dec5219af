// Package pipeline runs one watch cycle end to end: load the catalog store, crawl the
// listing, fingerprint every identifier, detect changes, persist the store, and
// download full assets for changed identifiers only.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/coverwatch/internal/archive"
	"github.com/JakeFAU/coverwatch/internal/catalog"
	"github.com/JakeFAU/coverwatch/internal/crawl"
	"github.com/JakeFAU/coverwatch/internal/download"
	"github.com/JakeFAU/coverwatch/internal/progress"
)

const tracerName = "github.com/JakeFAU/coverwatch/internal/pipeline"

// ErrCycleRunning is returned when Run is called while another cycle is in progress.
var ErrCycleRunning = errors.New("cycle already running")

// Crawler enumerates catalog identifiers.
type Crawler interface {
	Crawl(ctx context.Context) (crawl.Result, error)
}

// Fingerprinter probes identifiers; results are returned in input order.
type Fingerprinter interface {
	Fingerprint(ctx context.Context, ids []catalog.Identifier) []catalog.Fingerprint
}

// Downloader fetches full assets for changed identifiers.
type Downloader interface {
	Download(ctx context.Context, ids []catalog.Identifier, date string) download.Report
}

// Archiver ships the artifact directory to remote storage.
type Archiver interface {
	Archive(ctx context.Context, dir string) (archive.Result, error)
}

// Config holds cycle-level settings.
type Config struct {
	// ArtifactDir is the directory the downloader writes into; it is what gets archived.
	ArtifactDir string
	// NotifyTopic receives the cycle summary when a Publisher is configured.
	NotifyTopic string
}

// Deps bundles the collaborators of a Pipeline. Ledger, Archiver and Publisher are optional.
type Deps struct {
	Store       catalog.StoreRepository
	Crawler     Crawler
	Fingerprint Fingerprinter
	Downloader  Downloader
	Ledger      catalog.Ledger
	Archiver    Archiver
	Publisher   catalog.Publisher
	Clock       catalog.Clock
	IDs         catalog.IDGenerator
	Events      progress.Emitter
	Logger      *zap.Logger
}

// Summary reports the outcome of one cycle.
type Summary struct {
	CycleID          string               `json:"cycle_id"`
	Date             string               `json:"date"`
	StartedAt        time.Time            `json:"started_at"`
	Duration         time.Duration        `json:"duration"`
	Seen             int                  `json:"seen"`
	Fingerprinted    int                  `json:"fingerprinted"`
	Unknown          int                  `json:"unknown"`
	Changed          []catalog.Identifier `json:"changed"`
	Downloaded       []download.Artifact  `json:"downloaded"`
	DownloadFailures []download.Failure   `json:"download_failures"`
	PagesFailed      int                  `json:"pages_failed"`
	Batches          int                  `json:"batches"`
	Archived         int                  `json:"archived"`
	StoreEntries     int                  `json:"store_entries"`
	Error            string               `json:"error,omitempty"`
}

// Pipeline executes watch cycles. At most one cycle runs at a time.
type Pipeline struct {
	cfg    Config
	deps   Deps
	tracer trace.Tracer

	running atomic.Bool
	mu      sync.RWMutex
	last    *Summary
}

// New validates deps and builds a Pipeline.
func New(cfg Config, deps Deps) (*Pipeline, error) {
	switch {
	case deps.Store == nil:
		return nil, fmt.Errorf("store repository is required")
	case deps.Crawler == nil:
		return nil, fmt.Errorf("crawler is required")
	case deps.Fingerprint == nil:
		return nil, fmt.Errorf("fingerprinter is required")
	case deps.Downloader == nil:
		return nil, fmt.Errorf("downloader is required")
	case deps.Clock == nil:
		return nil, fmt.Errorf("clock is required")
	case deps.IDs == nil:
		return nil, fmt.Errorf("id generator is required")
	}
	if deps.Publisher != nil && cfg.NotifyTopic == "" {
		return nil, fmt.Errorf("notify topic is required when a publisher is configured")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	deps.Events = progress.OrDiscard(deps.Events)
	return &Pipeline{cfg: cfg, deps: deps, tracer: otel.Tracer(tracerName)}, nil
}

// Running reports whether a cycle is in progress.
func (p *Pipeline) Running() bool {
	return p.running.Load()
}

// Last returns the summary of the most recently finished cycle.
func (p *Pipeline) Last() (Summary, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.last == nil {
		return Summary{}, false
	}
	return *p.last, true
}

// Run executes one cycle. Store load and save failures, crawl cancellation and an
// interrupted fingerprint pass abort the cycle; ledger, download, archive and
// notification failures are reported and absorbed. Cancelling ctx after the store
// is saved has no effect: the remaining phases run to completion.
func (p *Pipeline) Run(ctx context.Context) (Summary, error) {
	if !p.running.CompareAndSwap(false, true) {
		return Summary{}, ErrCycleRunning
	}
	defer p.running.Store(false)

	begin := time.Now()
	started := p.deps.Clock.Now()
	sum := Summary{
		Date:      started.Format(catalog.DateLayout),
		StartedAt: started,
	}

	rawID, err := p.deps.IDs.NewID()
	if err != nil {
		return sum, fmt.Errorf("new cycle id: %w", err)
	}
	cycleID, err := uuid.Parse(rawID)
	if err != nil {
		return sum, fmt.Errorf("parse cycle id %q: %w", rawID, err)
	}
	sum.CycleID = cycleID.String()

	reporter := progress.NewReporter(p.deps.Events, cycleID)
	ctx = progress.WithReporter(ctx, reporter)
	ctx, span := p.tracer.Start(ctx, "cycle", trace.WithAttributes(
		attribute.String("cycle.id", sum.CycleID),
		attribute.String("cycle.date", sum.Date),
	))
	defer span.End()

	logger := p.deps.Logger.With(zap.String("cycle_id", sum.CycleID), zap.String("date", sum.Date))
	logger.Info("cycle started")
	reporter.Emit(progress.Event{Stage: progress.StageCycleStart, Level: progress.LevelInfo})

	err = p.run(ctx, logger, reporter, &sum)
	sum.Duration = time.Since(begin)
	if err != nil {
		sum.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		reporter.Emit(progress.Event{
			Stage: progress.StageCycleError,
			Level: progress.LevelError,
			Count: int64(len(sum.Changed)),
			Dur:   sum.Duration,
			Note:  err.Error(),
		})
		logger.Error("cycle failed", zap.Error(err), zap.Duration("duration", sum.Duration))
		p.remember(sum)
		return sum, err
	}

	span.SetAttributes(attribute.Int("cycle.changed", len(sum.Changed)))
	reporter.Emit(progress.Event{
		Stage: progress.StageCycleDone,
		Level: progress.LevelInfo,
		Count: int64(len(sum.Changed)),
		Dur:   sum.Duration,
	})
	logger.Info("cycle complete",
		zap.Int("seen", sum.Seen),
		zap.Int("changed", len(sum.Changed)),
		zap.Int("downloaded", len(sum.Downloaded)),
		zap.Int("download_failures", len(sum.DownloadFailures)),
		zap.Duration("duration", sum.Duration),
	)
	p.remember(sum)
	return sum, nil
}

func (p *Pipeline) run(ctx context.Context, logger *zap.Logger, reporter *progress.Reporter, sum *Summary) error {
	store, err := p.deps.Store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load store: %w", err)
	}

	crawled, err := p.crawl(ctx)
	sum.Batches = crawled.Batches
	sum.PagesFailed = crawled.PagesFailed
	sum.Seen = len(crawled.Identifiers)
	if err != nil {
		return err
	}

	fps := p.fingerprint(ctx, crawled.Identifiers)
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("fingerprint interrupted: %w", err)
	}

	det := catalog.Detect(store, fps, sum.Date)
	sum.Fingerprinted = len(fps) - det.Unknown
	sum.Unknown = det.Unknown
	sum.Changed = det.Changed.Sorted()
	for i := range det.Observations {
		det.Observations[i].CycleID = sum.CycleID
		obs := det.Observations[i]
		note := "digest changed"
		if obs.New {
			note = "new identifier"
		}
		reporter.Emit(progress.Event{
			Stage: progress.StageChange,
			Level: progress.LevelInfo,
			ID:    string(obs.ID),
			Note:  note,
		})
	}

	if err := p.deps.Store.Save(ctx, store); err != nil {
		return fmt.Errorf("save store: %w", err)
	}
	// The new digests are committed; the downloads they promise must run even if
	// the caller gives up, or the next cycle would see no change and never fetch them.
	ctx = context.WithoutCancel(ctx)
	sum.StoreEntries = len(store)
	reporter.Emit(progress.Event{
		Stage: progress.StageStoreSaved,
		Level: progress.LevelInfo,
		Count: int64(len(store)),
	})

	if p.deps.Ledger != nil && len(det.Observations) > 0 {
		if err := p.deps.Ledger.Append(ctx, det.Observations); err != nil {
			logger.Warn("ledger append failed", zap.Int("observations", len(det.Observations)), zap.Error(err))
		}
	}

	if len(sum.Changed) > 0 {
		report := p.download(ctx, sum.Changed, sum.Date)
		sum.Downloaded = report.Saved
		sum.DownloadFailures = report.Failed
	}

	if p.deps.Archiver != nil {
		sum.Archived = p.archive(ctx, logger, reporter)
	}

	if p.deps.Publisher != nil {
		if _, err := p.deps.Publisher.Publish(ctx, p.cfg.NotifyTopic, *sum); err != nil {
			logger.Warn("cycle notification failed", zap.String("topic", p.cfg.NotifyTopic), zap.Error(err))
		}
	}
	return nil
}

func (p *Pipeline) crawl(ctx context.Context) (crawl.Result, error) {
	ctx, span := p.tracer.Start(ctx, "crawl")
	defer span.End()
	res, err := p.deps.Crawler.Crawl(ctx)
	span.SetAttributes(
		attribute.Int("crawl.batches", res.Batches),
		attribute.Int("crawl.identifiers", len(res.Identifiers)),
		attribute.Int("crawl.pages_failed", res.PagesFailed),
	)
	if err != nil {
		span.RecordError(err)
		return res, fmt.Errorf("crawl: %w", err)
	}
	return res, nil
}

func (p *Pipeline) fingerprint(ctx context.Context, ids []catalog.Identifier) []catalog.Fingerprint {
	ctx, span := p.tracer.Start(ctx, "fingerprint", trace.WithAttributes(attribute.Int("fingerprint.identifiers", len(ids))))
	defer span.End()
	return p.deps.Fingerprint.Fingerprint(ctx, ids)
}

func (p *Pipeline) download(ctx context.Context, ids []catalog.Identifier, date string) download.Report {
	ctx, span := p.tracer.Start(ctx, "download", trace.WithAttributes(attribute.Int("download.identifiers", len(ids))))
	defer span.End()
	report := p.deps.Downloader.Download(ctx, ids, date)
	span.SetAttributes(attribute.Int("download.failed", len(report.Failed)))
	return report
}

func (p *Pipeline) archive(ctx context.Context, logger *zap.Logger, reporter *progress.Reporter) int {
	ctx, span := p.tracer.Start(ctx, "archive")
	defer span.End()
	start := time.Now()
	res, err := p.deps.Archiver.Archive(ctx, p.cfg.ArtifactDir)
	evt := progress.Event{
		Stage: progress.StageArchiveDone,
		Level: progress.LevelInfo,
		Bytes: res.Bytes,
		Count: int64(len(res.Objects)),
		Dur:   time.Since(start),
	}
	if err != nil {
		span.RecordError(err)
		evt.Level = progress.LevelError
		evt.Note = err.Error()
		logger.Warn("archive failed", zap.String("dir", p.cfg.ArtifactDir), zap.Error(err))
	}
	reporter.Emit(evt)
	return len(res.Objects)
}

func (p *Pipeline) remember(sum Summary) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.last = &sum
}
