// Package crawl drives paginated listing requests in concurrent batches until the
// catalog is exhausted.
package crawl

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/coverwatch/internal/catalog"
	"github.com/JakeFAU/coverwatch/internal/gate"
	"github.com/JakeFAU/coverwatch/internal/policy/retry"
	"github.com/JakeFAU/coverwatch/internal/progress"
)

// DefaultBatchSize is the number of pages requested concurrently per batch.
const DefaultBatchSize = 100

// Paginator fetches the identifiers on one listing page.
type Paginator interface {
	Page(ctx context.Context, offset int) ([]catalog.Identifier, error)
}

// Admitter bounds concurrent origin requests.
type Admitter interface {
	Acquire(ctx context.Context, class gate.Class) (gate.Release, error)
}

// Config controls batching.
type Config struct {
	BatchSize int
	// Stride is the offset distance between consecutive pages (the page size).
	Stride int
	// Start is the first offset requested.
	Start int
	// MaxBatches stops the crawl after this many batches; 0 means unlimited.
	MaxBatches int
}

// Result summarizes one crawl.
type Result struct {
	// Identifiers are in batch order, then offset order, then document order.
	Identifiers []catalog.Identifier
	Batches     int
	// FinalOffset is the start offset of the batch that ended the crawl.
	FinalOffset    int
	PagesRequested int
	PagesFailed    int
	// Truncated is true when MaxBatches stopped the crawl before an empty batch.
	Truncated bool
}

// Controller runs the batch loop.
type Controller struct {
	cfg       Config
	paginator Paginator
	gate      Admitter
	retry     retry.Policy
	logger    *zap.Logger
}

// New builds a Controller. A nil policy disables retries.
func New(cfg Config, paginator Paginator, g Admitter, policy retry.Policy, logger *zap.Logger) (*Controller, error) {
	if paginator == nil {
		return nil, fmt.Errorf("paginator is required")
	}
	if g == nil {
		return nil, fmt.Errorf("gate is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Stride <= 0 {
		return nil, fmt.Errorf("crawl stride must be > 0, got %d", cfg.Stride)
	}
	if cfg.Start < 0 {
		return nil, fmt.Errorf("crawl start must be >= 0, got %d", cfg.Start)
	}
	if policy == nil {
		policy = retry.NewExponential(1, 0, 0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{cfg: cfg, paginator: paginator, gate: g, retry: policy, logger: logger}, nil
}

type pageResult struct {
	ids    []catalog.Identifier
	failed bool
}

// Crawl requests batches until one yields no identifiers. Page failures count as
// empty pages; only context cancellation aborts the crawl with an error.
func (c *Controller) Crawl(ctx context.Context) (Result, error) {
	events := progress.FromContext(ctx)
	var res Result
	start := c.cfg.Start
	for {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("crawl canceled at offset %d: %w", start, err)
		}
		res.FinalOffset = start
		batchStart := time.Now()
		pages := c.runBatch(ctx, start)
		res.Batches++
		res.PagesRequested += len(pages)

		found := 0
		for _, p := range pages {
			if p.failed {
				res.PagesFailed++
			}
			found += len(p.ids)
			res.Identifiers = append(res.Identifiers, p.ids...)
		}
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("crawl canceled at offset %d: %w", start, err)
		}
		events.Emit(progress.Event{
			Stage:  progress.StageBatchDone,
			Level:  progress.LevelInfo,
			Offset: start,
			Count:  int64(found),
			Dur:    time.Since(batchStart),
		})
		c.logger.Debug("batch complete",
			zap.Int("start", start),
			zap.Int("identifiers", found),
			zap.Int("batch", res.Batches),
		)
		if found == 0 {
			c.logger.Info("crawl terminated",
				zap.Int("batches", res.Batches),
				zap.Int("identifiers", len(res.Identifiers)),
				zap.Int("pages_failed", res.PagesFailed),
			)
			return res, nil
		}
		if c.cfg.MaxBatches > 0 && res.Batches >= c.cfg.MaxBatches {
			res.Truncated = true
			c.logger.Warn("crawl stopped at batch limit", zap.Int("max_batches", c.cfg.MaxBatches))
			return res, nil
		}
		start += c.cfg.BatchSize * c.cfg.Stride
	}
}

// runBatch issues BatchSize concurrent page requests and returns them in offset order.
func (c *Controller) runBatch(ctx context.Context, start int) []pageResult {
	results := make([]pageResult, c.cfg.BatchSize)
	var wg sync.WaitGroup
	for i := 0; i < c.cfg.BatchSize; i++ {
		offset := start + i*c.cfg.Stride
		wg.Add(1)
		go func(slot, offset int) {
			defer wg.Done()
			results[slot] = c.fetchPage(ctx, offset)
		}(i, offset)
	}
	wg.Wait()
	return results
}

func (c *Controller) fetchPage(ctx context.Context, offset int) pageResult {
	events := progress.FromContext(ctx)
	began := time.Now()
	var ids []catalog.Identifier
	attempts, err := retry.Do(ctx, c.retry, func(ctx context.Context) error {
		release, err := c.gate.Acquire(ctx, gate.ClassListing)
		if err != nil {
			return err
		}
		defer release()
		got, err := c.paginator.Page(ctx, offset)
		if err != nil {
			return err
		}
		ids = got
		return nil
	})
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Warn("listing page failed",
				zap.Int("offset", offset),
				zap.Int("attempts", attempts),
				zap.Error(err),
			)
		}
		events.Emit(progress.Event{
			Stage:       progress.StagePageDone,
			Level:       progress.LevelError,
			Offset:      offset,
			StatusClass: progress.StatusOther,
			Dur:         time.Since(began),
			Note:        err.Error(),
		})
		return pageResult{failed: true}
	}
	events.Emit(progress.Event{
		Stage:       progress.StagePageDone,
		Level:       progress.LevelTrace,
		Offset:      offset,
		Count:       int64(len(ids)),
		StatusClass: progress.Status2xx,
		Dur:         time.Since(began),
	})
	return pageResult{ids: ids}
}
