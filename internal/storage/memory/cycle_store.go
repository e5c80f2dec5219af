package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/coverwatch/internal/store"
)

// CycleStore implements store.CycleRepository in memory.
type CycleStore struct {
	mu     sync.RWMutex
	cycles map[uuid.UUID]store.CycleRun
	stages map[uuid.UUID]map[string]*store.StageStats
}

// NewCycleStore constructs a CycleStore.
func NewCycleStore() *CycleStore {
	return &CycleStore{
		cycles: make(map[uuid.UUID]store.CycleRun),
		stages: make(map[uuid.UUID]map[string]*store.StageStats),
	}
}

// StartCycle records a running cycle; repeated calls keep the first start time.
func (s *CycleStore) StartCycle(_ context.Context, cycleID uuid.UUID, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.cycles[cycleID]
	if !ok {
		run = store.CycleRun{ID: cycleID, StartedAt: startedAt.UTC()}
	}
	run.Status = store.RunRunning
	s.cycles[cycleID] = run
	return nil
}

// CompleteCycle marks a cycle finished. Unknown cycles are created on the fly.
func (s *CycleStore) CompleteCycle(
	_ context.Context,
	cycleID uuid.UUID,
	finishedAt time.Time,
	status store.RunStatus,
	changed int64,
	errMsg *string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.cycles[cycleID]
	if !ok {
		run = store.CycleRun{ID: cycleID, StartedAt: finishedAt.UTC()}
	}
	run.FinishedAt = pointerTime(finishedAt.UTC())
	run.Status = status
	run.Changed = changed
	if errMsg != nil {
		msg := *errMsg
		run.ErrorMessage = &msg
	}
	s.cycles[cycleID] = run
	return nil
}

// AddStageStats accumulates request counters for one stage of a cycle.
func (s *CycleStore) AddStageStats(
	_ context.Context,
	cycleID uuid.UUID,
	stage string,
	deltaRequests int64,
	deltaBytes int64,
	statusClass string,
	at time.Time,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byStage, ok := s.stages[cycleID]
	if !ok {
		byStage = make(map[string]*store.StageStats)
		s.stages[cycleID] = byStage
	}
	stat, ok := byStage[stage]
	if !ok {
		stat = &store.StageStats{CycleID: cycleID, Stage: stage}
		byStage[stage] = stat
	}
	stat.Requests += deltaRequests
	stat.BytesTotal += deltaBytes
	switch statusClass {
	case "2xx":
		stat.Status2xx += deltaRequests
	case "3xx":
		stat.Status3xx += deltaRequests
	case "4xx":
		stat.Status4xx += deltaRequests
	case "5xx":
		stat.Status5xx += deltaRequests
	default:
		stat.Failed += deltaRequests
	}
	if at.After(stat.LastUpdate) {
		stat.LastUpdate = at.UTC()
	}
	return nil
}

// GetCycle fetches a cycle by ID.
func (s *CycleStore) GetCycle(_ context.Context, cycleID uuid.UUID) (store.CycleRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.cycles[cycleID]
	if !ok {
		return store.CycleRun{}, store.ErrNotFound
	}
	return run, nil
}

// ListCycles returns cycles ordered by start time, most recent first.
func (s *CycleStore) ListCycles(_ context.Context, status *store.RunStatus, limit, offset int) ([]store.CycleRun, error) {
	s.mu.RLock()
	runs := make([]store.CycleRun, 0, len(s.cycles))
	for _, run := range s.cycles {
		if status != nil && run.Status != *status {
			continue
		}
		runs = append(runs, run)
	}
	s.mu.RUnlock()

	sort.Slice(runs, func(i, j int) bool {
		if runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].ID.String() > runs[j].ID.String()
		}
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	if offset > len(runs) {
		return nil, nil
	}
	runs = runs[offset:]
	if limit > 0 && limit < len(runs) {
		runs = runs[:limit]
	}
	return runs, nil
}

// ListStageStats returns the stage aggregates for one cycle, sorted by stage.
func (s *CycleStore) ListStageStats(_ context.Context, cycleID uuid.UUID) ([]store.StageStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byStage := s.stages[cycleID]
	out := make([]store.StageStats, 0, len(byStage))
	for _, stat := range byStage {
		out = append(out, *stat)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Stage < out[j].Stage })
	return out, nil
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
