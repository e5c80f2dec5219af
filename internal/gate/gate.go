// Package gate implements the bounded admission gate shared by all network operations.
// A global capacity bounds every class together; per-class capacities keep one
// operation class from starving the others.
package gate

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/coverwatch/internal/metrics"
)

// Class identifies a kind of gated operation.
type Class string

// Operation classes used by the pipeline.
const (
	ClassListing  Class = "listing"
	ClassProbe    Class = "probe"
	ClassDownload Class = "download"
)

// DefaultCapacity matches the origin's tolerated concurrency.
const DefaultCapacity = 100

// Config controls gate capacities and the optional origin rate limit.
type Config struct {
	// Capacity bounds all admitted operations across classes.
	Capacity int
	// ClassCapacity caps individual classes; missing classes default to Capacity.
	ClassCapacity map[Class]int
	// RatePerSecond limits admissions per second; <= 0 disables rate limiting.
	RatePerSecond float64
	Burst         int
}

// Release returns an admitted slot. Calling it more than once is a no-op.
type Release func()

// Gate admits at most Capacity operations at once.
type Gate struct {
	capacity int
	global   *semaphore.Weighted
	limiter  *rate.Limiter

	mu       sync.Mutex
	classes  map[Class]*semaphore.Weighted
	classCap map[Class]int

	inFlight atomic.Int64
	peak     atomic.Int64
}

// New builds a Gate from cfg.
func New(cfg Config) (*Gate, error) {
	if cfg.Capacity <= 0 {
		return nil, fmt.Errorf("gate capacity must be > 0, got %d", cfg.Capacity)
	}
	g := &Gate{
		capacity: cfg.Capacity,
		global:   semaphore.NewWeighted(int64(cfg.Capacity)),
		classes:  make(map[Class]*semaphore.Weighted),
		classCap: make(map[Class]int),
	}
	for class, n := range cfg.ClassCapacity {
		if n <= 0 {
			return nil, fmt.Errorf("gate capacity for class %q must be > 0, got %d", class, n)
		}
		g.classCap[class] = n
	}
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return g, nil
}

// Acquire blocks until the operation may run and returns its release handle.
// On error nothing is admitted and no release is required.
func (g *Gate) Acquire(ctx context.Context, class Class) (Release, error) {
	start := time.Now()
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("gate rate wait: %w", err)
		}
	}
	classSem := g.classSemaphore(class)
	if err := classSem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("gate acquire %s: %w", class, err)
	}
	if err := g.global.Acquire(ctx, 1); err != nil {
		classSem.Release(1)
		return nil, fmt.Errorf("gate acquire global: %w", err)
	}

	g.recordPeak(g.inFlight.Add(1))
	metrics.ObserveGateWait(string(class), time.Since(start))
	metrics.IncGateInFlight(string(class))

	var once sync.Once
	return func() {
		once.Do(func() {
			g.inFlight.Add(-1)
			metrics.DecGateInFlight(string(class))
			g.global.Release(1)
			classSem.Release(1)
		})
	}, nil
}

// Do runs fn while holding a slot of class.
func (g *Gate) Do(ctx context.Context, class Class, fn func(context.Context) error) error {
	release, err := g.Acquire(ctx, class)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}

// Capacity returns the global capacity.
func (g *Gate) Capacity() int {
	return g.capacity
}

// InFlight returns the number of currently admitted operations.
func (g *Gate) InFlight() int {
	return int(g.inFlight.Load())
}

// Peak returns the highest number of simultaneously admitted operations observed.
func (g *Gate) Peak() int {
	return int(g.peak.Load())
}

func (g *Gate) classSemaphore(class Class) *semaphore.Weighted {
	g.mu.Lock()
	defer g.mu.Unlock()
	sem, ok := g.classes[class]
	if !ok {
		n, capped := g.classCap[class]
		if !capped {
			n = g.capacity
		}
		sem = semaphore.NewWeighted(int64(n))
		g.classes[class] = sem
	}
	return sem
}

func (g *Gate) recordPeak(n int64) {
	for {
		cur := g.peak.Load()
		if n <= cur || g.peak.CompareAndSwap(cur, n) {
			return
		}
	}
}
