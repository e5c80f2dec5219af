package sinks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/coverwatch/internal/progress"
	"github.com/JakeFAU/coverwatch/internal/store"
)

// StoreSink persists cycle lifecycle and per-stage request counters via a
// store.CycleRepository. Request events are collapsed per batch to reduce writes.
type StoreSink struct {
	repo   store.CycleRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.CycleRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume forwards lifecycle events and collapsed stage deltas to the repository.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	stats := make(map[statsKey]*statsDelta)

	for _, evt := range batch {
		cycleID := evt.CycleUUID()
		switch evt.Stage {
		case progress.StageCycleStart, progress.StageCycleDone, progress.StageCycleError:
			// Flush counters first so a completed cycle never trails its own stats.
			if err := s.flushStats(ctx, stats); err != nil {
				return err
			}
			if err := s.handleCycleEvent(ctx, cycleID, evt); err != nil {
				return err
			}
		default:
			if stage, ok := requestStage(evt.Stage); ok {
				recordStageStats(stats, cycleID, stage, evt)
			}
		}
	}
	return s.flushStats(ctx, stats)
}

func (s *StoreSink) flushStats(ctx context.Context, stats map[statsKey]*statsDelta) error {
	for key, delta := range stats {
		if err := s.repo.AddStageStats(
			ctx,
			key.cycleID,
			key.stage,
			delta.requests,
			delta.bytes,
			key.statusClass,
			delta.at,
		); err != nil {
			return fmt.Errorf("add stage stats: %w", err)
		}
		delete(stats, key)
	}
	return nil
}

func (s *StoreSink) handleCycleEvent(ctx context.Context, cycleID uuid.UUID, evt progress.Event) error {
	switch evt.Stage {
	case progress.StageCycleStart:
		if err := s.repo.StartCycle(ctx, cycleID, evt.TS); err != nil {
			return fmt.Errorf("start cycle: %w", err)
		}
	case progress.StageCycleDone:
		if err := s.repo.CompleteCycle(ctx, cycleID, evt.TS, store.RunSuccess, evt.Count, nil); err != nil {
			return fmt.Errorf("complete cycle: %w", err)
		}
	case progress.StageCycleError:
		var note *string
		if evt.Note != "" {
			note = &evt.Note
		}
		if err := s.repo.CompleteCycle(ctx, cycleID, evt.TS, store.RunError, evt.Count, note); err != nil {
			return fmt.Errorf("complete cycle: %w", err)
		}
	}
	return nil
}

func recordStageStats(stats map[statsKey]*statsDelta, cycleID uuid.UUID, stage string, evt progress.Event) {
	statusClass := string(evt.StatusClass)
	if statusClass == "" {
		statusClass = string(progress.StatusOther)
	}
	key := statsKey{cycleID: cycleID, stage: stage, statusClass: statusClass}
	stat := stats[key]
	if stat == nil {
		stat = &statsDelta{}
		stats[key] = stat
	}
	stat.requests++
	stat.bytes += evt.Bytes
	if evt.TS.After(stat.at) || stat.at.IsZero() {
		stat.at = evt.TS
	}
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}

type statsKey struct {
	cycleID     uuid.UUID
	stage       string
	statusClass string
}

type statsDelta struct {
	requests int64
	bytes    int64
	at       time.Time
}
