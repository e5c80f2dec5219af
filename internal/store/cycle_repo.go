package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("cycle record not found")

// RunStatus mirrors the cycle_runs status column.
type RunStatus string

// Cycle run statuses persisted in cycle_runs.status.
const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunError   RunStatus = "error"
)

// CycleRun models one monitoring cycle.
type CycleRun struct {
	ID        uuid.UUID
	StartedAt time.Time
	// FinishedAt is nil until the run is marked success/error.
	FinishedAt   *time.Time
	Status       RunStatus
	ErrorMessage *string
	// Changed is the number of identifiers detected as changed.
	Changed int64
}

// StageStats aggregates request outcomes for one pipeline stage of a cycle.
type StageStats struct {
	CycleID    uuid.UUID
	Stage      string
	LastUpdate time.Time
	Requests   int64
	BytesTotal int64
	Status2xx  int64
	Status3xx  int64
	Status4xx  int64
	Status5xx  int64
	// Failed counts requests that produced no response at all.
	Failed int64
}

// CycleRepository persists cycle runs and their per-stage request counters.
type CycleRepository interface {
	// StartCycle inserts (or idempotently updates) a running cycle.
	StartCycle(ctx context.Context, cycleID uuid.UUID, startedAt time.Time) error
	// CompleteCycle marks the cycle finished with the provided status and error.
	CompleteCycle(
		ctx context.Context,
		cycleID uuid.UUID,
		finishedAt time.Time,
		status RunStatus,
		changed int64,
		errMsg *string,
	) error
	// AddStageStats applies request/byte deltas per (cycle, stage, statusClass).
	AddStageStats(
		ctx context.Context,
		cycleID uuid.UUID,
		stage string,
		deltaRequests int64,
		deltaBytes int64,
		statusClass string,
		at time.Time,
	) error

	// GetCycle loads a single cycle run or returns ErrNotFound.
	GetCycle(ctx context.Context, cycleID uuid.UUID) (CycleRun, error)
	// ListCycles returns cycle runs, most recent first, filtered by optional status.
	ListCycles(ctx context.Context, status *RunStatus, limit, offset int) ([]CycleRun, error)
	// ListStageStats returns the per-stage aggregates for one cycle.
	ListStageStats(ctx context.Context, cycleID uuid.UUID) ([]StageStats, error)
}
