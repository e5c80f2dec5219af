// Package app builds the long-lived coverwatch services from a Config and owns
// their shutdown, acting as the dependency injection container for the commands.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/coverwatch/internal/archive"
	"github.com/JakeFAU/coverwatch/internal/catalog"
	"github.com/JakeFAU/coverwatch/internal/clock/system"
	"github.com/JakeFAU/coverwatch/internal/config"
	"github.com/JakeFAU/coverwatch/internal/crawl"
	"github.com/JakeFAU/coverwatch/internal/download"
	collyfetcher "github.com/JakeFAU/coverwatch/internal/fetcher/colly"
	"github.com/JakeFAU/coverwatch/internal/fingerprint"
	"github.com/JakeFAU/coverwatch/internal/gate"
	"github.com/JakeFAU/coverwatch/internal/hash"
	"github.com/JakeFAU/coverwatch/internal/id/uuid"
	"github.com/JakeFAU/coverwatch/internal/listing"
	"github.com/JakeFAU/coverwatch/internal/pipeline"
	"github.com/JakeFAU/coverwatch/internal/policy/retry"
	"github.com/JakeFAU/coverwatch/internal/progress"
	"github.com/JakeFAU/coverwatch/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/coverwatch/internal/publisher/memory"
	pubsubpublisher "github.com/JakeFAU/coverwatch/internal/publisher/pubsub"
	"github.com/JakeFAU/coverwatch/internal/storage/catalogfile"
	"github.com/JakeFAU/coverwatch/internal/storage/gcs"
	"github.com/JakeFAU/coverwatch/internal/storage/local"
	"github.com/JakeFAU/coverwatch/internal/storage/memory"
	"github.com/JakeFAU/coverwatch/internal/storage/postgres"
	"github.com/JakeFAU/coverwatch/internal/store"
	"github.com/JakeFAU/coverwatch/internal/telemetry"
	"github.com/JakeFAU/coverwatch/internal/token"
)

// App holds the shared, long-lived services for one process.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	gate     *gate.Gate
	pipeline *pipeline.Pipeline
	cycles   store.CycleRepository
	hub      *progress.Hub
	// local records cycle summaries when no Pub/Sub topic is configured.
	local *memorypublisher.Publisher

	closers []closer
}

type closer struct {
	name string
	fn   func(context.Context) error
}

// Options carries process-level collaborators that tests replace.
type Options struct {
	// Registerer receives the progress collectors; nil uses the default registry.
	Registerer prometheus.Registerer
	// Clock overrides the system clock.
	Clock catalog.Clock
}

// New builds every component described by cfg. Optional backends (Postgres ledger,
// GCS archive, Pub/Sub notifications) are only dialed when configured. On error,
// anything already opened is closed before returning.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger}
	built := false
	defer func() {
		if !built {
			if closeErr := a.Close(context.Background()); closeErr != nil {
				logger.Warn("close partially built app", zap.Error(closeErr))
			}
		}
	}()

	clock := opts.Clock
	if clock == nil {
		clock = system.New()
	}

	tp, err := telemetry.Init(ctx, telemetry.Config{ServiceName: cfg.Telemetry.ServiceName, Version: cfg.Telemetry.Version})
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	a.addCloser("tracer", tp.ForceFlush)

	if a.gate, err = gate.New(gateConfig(cfg.Gate)); err != nil {
		return nil, err
	}

	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:       cfg.HTTP.UserAgent,
		Timeout:         cfg.HTTP.Timeout(),
		MaxBodyBytes:    cfg.HTTP.MaxBodyBytes,
		MaxConnsPerHost: cfg.HTTP.MaxConnsPerHost,
	})

	crawler, err := buildCrawler(cfg, fetcher, clock, a.gate, logger)
	if err != nil {
		return nil, err
	}

	hasher, err := hash.New(cfg.Fingerprint.Algorithm)
	if err != nil {
		return nil, fmt.Errorf("fingerprint hasher: %w", err)
	}
	probes, err := fingerprint.New(
		fingerprint.Config{ProbeURL: cfg.Fingerprint.ProbeURL},
		fetcher, hasher, a.gate, logger.Named("fingerprint"),
	)
	if err != nil {
		return nil, err
	}

	artifacts, err := local.New(local.Config{BaseDir: cfg.Download.Dir})
	if err != nil {
		return nil, fmt.Errorf("artifact dir: %w", err)
	}
	downloader, err := download.New(download.Config{
		AssetURL:    cfg.Download.AssetURL,
		Extension:   cfg.Download.Extension,
		ContentType: cfg.Download.ContentType,
	}, fetcher, artifacts, a.gate, logger.Named("download"))
	if err != nil {
		return nil, err
	}

	catalogStore, err := catalogfile.New(cfg.Store.Path, logger.Named("store"))
	if err != nil {
		return nil, err
	}

	deps := pipeline.Deps{
		Store:       catalogStore,
		Crawler:     crawler,
		Fingerprint: probes,
		Downloader:  downloader,
		Clock:       clock,
		IDs:         uuid.NewUUIDGenerator(),
		Logger:      logger.Named("pipeline"),
	}

	if cfg.Ledger.DSN != "" {
		ledger, cycles, err := a.openLedger(ctx, cfg.Ledger)
		if err != nil {
			return nil, err
		}
		deps.Ledger = ledger
		a.cycles = cycles
	} else {
		a.cycles = memory.NewCycleStore()
	}

	if cfg.Archive.Enabled {
		archiver, err := a.openArchive(ctx, cfg.Archive)
		if err != nil {
			return nil, err
		}
		deps.Archiver = archiver
	}

	if cfg.Notify.ProjectID != "" {
		pub, err := pubsubpublisher.Dial(ctx, pubsubpublisher.Config{
			ProjectID: cfg.Notify.ProjectID,
			Topic:     cfg.Notify.TopicName,
		}, logger.Named("notify"))
		if err != nil {
			return nil, fmt.Errorf("dial pubsub: %w", err)
		}
		a.addCloser("publisher", func(context.Context) error { return pub.Close() })
		deps.Publisher = pub
	} else {
		a.local = memorypublisher.New(localNotifyHistory)
		deps.Publisher = a.local
	}

	if a.hub, err = a.buildHub(cfg.Progress, opts.Registerer); err != nil {
		return nil, err
	}
	deps.Events = a.hub

	a.pipeline, err = pipeline.New(pipeline.Config{
		ArtifactDir: artifacts.Dir(),
		NotifyTopic: notifyTopic(cfg.Notify),
	}, deps)
	if err != nil {
		return nil, err
	}
	built = true

	logger.Info("application services initialized",
		zap.String("store", catalogStore.Path()),
		zap.String("artifacts", artifacts.Dir()),
		zap.Bool("ledger", deps.Ledger != nil),
		zap.Bool("archive", deps.Archiver != nil),
		zap.String("notify_topic", notifyTopic(cfg.Notify)),
		zap.Bool("pubsub", a.local == nil),
	)
	return a, nil
}

const (
	localNotifyTopic   = "coverwatch.cycles"
	localNotifyHistory = 32
)

func notifyTopic(cfg config.NotifyConfig) string {
	if cfg.ProjectID != "" {
		return cfg.TopicName
	}
	return localNotifyTopic
}

func gateConfig(cfg config.GateConfig) gate.Config {
	classes := map[gate.Class]int{}
	for class, n := range map[gate.Class]int{
		gate.ClassListing:  cfg.Listing,
		gate.ClassProbe:    cfg.Probe,
		gate.ClassDownload: cfg.Download,
	} {
		if n > 0 {
			classes[class] = n
		}
	}
	return gate.Config{
		Capacity:      cfg.Capacity,
		ClassCapacity: classes,
		RatePerSecond: cfg.RatePerSecond,
		Burst:         cfg.Burst,
	}
}

func buildCrawler(
	cfg config.Config,
	fetcher catalog.Fetcher,
	clock catalog.Clock,
	g *gate.Gate,
	logger *zap.Logger,
) (*crawl.Controller, error) {
	var tokens catalog.TokenSource
	switch {
	case cfg.Catalog.Token != "":
		tokens = token.Static(cfg.Catalog.Token)
	case cfg.Catalog.TokenURL != "":
		remote, err := token.NewRemote(fetcher, clock, token.RemoteConfig{
			URL:   cfg.Catalog.TokenURL,
			Field: cfg.Catalog.TokenJSONField,
			TTL:   cfg.Catalog.TokenTTL(),
		})
		if err != nil {
			return nil, fmt.Errorf("session token: %w", err)
		}
		tokens = remote
	}

	fields, err := cfg.Catalog.FormFields()
	if err != nil {
		return nil, err
	}
	pages, err := listing.New(listing.Config{
		Endpoint:    cfg.Catalog.Endpoint,
		PageSize:    cfg.Catalog.PageSize,
		TokenField:  cfg.Catalog.TokenField,
		IDAttribute: cfg.Catalog.IDAttribute,
		Fields:      fields,
	}, fetcher, tokens)
	if err != nil {
		return nil, err
	}

	policy := retry.NewExponential(cfg.Crawl.MaxAttempts, cfg.Crawl.BackoffInitial(), cfg.Crawl.BackoffMax())
	return crawl.New(crawl.Config{
		BatchSize:  cfg.Crawl.BatchSize,
		Stride:     pages.PageSize(),
		Start:      cfg.Crawl.Start,
		MaxBatches: cfg.Crawl.MaxBatches,
	}, pages, g, policy, logger.Named("crawl"))
}

func (a *App) openLedger(ctx context.Context, cfg config.LedgerConfig) (*postgres.Ledger, *postgres.CycleStore, error) {
	pool, err := postgres.NewPool(ctx, postgres.PoolConfig{
		DSN:             cfg.DSN,
		MaxConns:        int32(cfg.MaxConns),
		MinConns:        int32(cfg.MinConns),
		MaxConnLifetime: cfg.MaxConnLifetime(),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	ledger, err := postgres.NewLedger(pool, cfg.Table)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	a.addCloser("ledger", func(context.Context) error { return ledger.Close() })

	if cfg.EnsureSchema {
		if err := postgres.EnsureSchema(ctx, pool, cfg.Table); err != nil {
			return nil, nil, err
		}
	}
	cycles, err := postgres.NewCycleStore(pool)
	if err != nil {
		return nil, nil, err
	}
	return ledger, cycles, nil
}

func (a *App) openArchive(ctx context.Context, cfg config.ArchiveConfig) (*archive.Archiver, error) {
	gcsCfg := gcs.Config{Bucket: cfg.GCSBucket, Endpoint: cfg.Endpoint}
	client, err := gcs.NewClient(ctx, gcsCfg, a.logger)
	if err != nil {
		return nil, err
	}
	blobs, err := gcs.New(client, gcsCfg)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	a.addCloser("archive", func(context.Context) error { return blobs.Close() })
	return archive.New(archive.Config{
		Prefix:      cfg.Prefix,
		ContentType: cfg.ContentType,
		Cleanup:     cfg.Cleanup,
	}, blobs, a.logger.Named("archive"))
}

func (a *App) buildHub(cfg config.ProgressConfig, reg prometheus.Registerer) (*progress.Hub, error) {
	level, err := progress.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("progress level: %w", err)
	}
	promSink, err := sinks.NewPrometheusSink(reg)
	if err != nil {
		return nil, fmt.Errorf("progress prometheus sink: %w", err)
	}
	hub := progress.NewHub(progress.Config{
		MinLevel:       level,
		BufferSize:     cfg.BufferSize,
		MaxBatchEvents: cfg.MaxBatchEvents,
		MaxBatchWait:   cfg.MaxBatchWait(),
		Logger:         a.logger.Named("progress"),
	},
		sinks.NewLogSink(a.logger.Named("events")),
		promSink,
		sinks.NewStoreSink(a.cycles, a.logger.Named("cycles")),
	)
	a.addCloser("progress", hub.Close)
	return hub, nil
}

func (a *App) addCloser(name string, fn func(context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

// Config returns the configuration the app was built from.
func (a *App) Config() config.Config {
	return a.cfg
}

// Logger returns the root logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Pipeline returns the cycle pipeline.
func (a *App) Pipeline() *pipeline.Pipeline {
	return a.pipeline
}

// Cycles returns the cycle run history.
func (a *App) Cycles() store.CycleRepository {
	return a.cycles
}

// Gate returns the shared admission gate.
func (a *App) Gate() *gate.Gate {
	return a.gate
}

// Notifications returns the cycle summaries recorded by the in-process notifier,
// oldest first. It is empty when Pub/Sub notifications are configured.
func (a *App) Notifications() []memorypublisher.PublishedMessage {
	if a.local == nil {
		return nil
	}
	return a.local.Messages()
}

// Close shuts services down in reverse construction order. The progress hub is
// drained before the ledger pool closes so cycle rows are written.
func (a *App) Close(ctx context.Context) error {
	if a == nil {
		return nil
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil {
			a.logger.Warn("close failed", zap.String("service", c.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
