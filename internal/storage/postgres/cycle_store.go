package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/coverwatch/internal/store"
)

var statusColumns = map[string]string{
	"2xx": "status_2xx",
	"3xx": "status_3xx",
	"4xx": "status_4xx",
	"5xx": "status_5xx",
}

// CycleStore implements store.CycleRepository using Postgres.
type CycleStore struct {
	db DB
}

// NewCycleStore wraps an open pool.
func NewCycleStore(db DB) (*CycleStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &CycleStore{db: db}, nil
}

// StartCycle inserts a running cycle or resets an existing one to running.
func (s *CycleStore) StartCycle(ctx context.Context, cycleID uuid.UUID, startedAt time.Time) error {
	query := `
		INSERT INTO cycle_runs (id, started_at, status)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status
		WHERE cycle_runs.status <> EXCLUDED.status;
	`
	if _, err := s.db.Exec(ctx, query, cycleID, startedAt, store.RunRunning); err != nil {
		return fmt.Errorf("upsert cycle start: %w", err)
	}
	return nil
}

// CompleteCycle marks a cycle finished with a status and optional error message.
func (s *CycleStore) CompleteCycle(
	ctx context.Context,
	cycleID uuid.UUID,
	finishedAt time.Time,
	status store.RunStatus,
	changed int64,
	errMsg *string,
) error {
	query := `
		UPDATE cycle_runs
		SET finished_at = $1, status = $2, changed = $3, error_message = $4
		WHERE id = $5;
	`
	tag, err := s.db.Exec(ctx, query, finishedAt, status, changed, errMsg, cycleID)
	if err != nil {
		return fmt.Errorf("complete cycle: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("complete cycle %s: %w", cycleID, store.ErrNotFound)
	}
	return nil
}

// AddStageStats upserts request counters for one stage of a cycle.
func (s *CycleStore) AddStageStats(
	ctx context.Context,
	cycleID uuid.UUID,
	stage string,
	deltaRequests,
	deltaBytes int64,
	statusClass string,
	at time.Time,
) error {
	column, ok := statusColumns[statusClass]
	if !ok {
		column = "failed"
	}
	query := fmt.Sprintf(`
		INSERT INTO stage_stats (cycle_id, stage, last_update, requests, bytes_total, %[1]s)
		VALUES ($1, $2, $3, $4, $5, $4)
		ON CONFLICT (cycle_id, stage) DO UPDATE
		SET requests = stage_stats.requests + EXCLUDED.requests,
			bytes_total = stage_stats.bytes_total + EXCLUDED.bytes_total,
			%[1]s = stage_stats.%[1]s + EXCLUDED.%[1]s,
			last_update = GREATEST(stage_stats.last_update, EXCLUDED.last_update);
	`, column)
	if _, err := s.db.Exec(ctx, query, cycleID, stage, at, deltaRequests, deltaBytes); err != nil {
		return fmt.Errorf("upsert stage stats: %w", err)
	}
	return nil
}

// GetCycle retrieves a single cycle run by its ID.
func (s *CycleStore) GetCycle(ctx context.Context, cycleID uuid.UUID) (store.CycleRun, error) {
	query := `
		SELECT id, started_at, finished_at, status, changed, error_message
		FROM cycle_runs
		WHERE id = $1;
	`
	var run store.CycleRun
	err := s.db.QueryRow(ctx, query, cycleID).Scan(
		&run.ID,
		&run.StartedAt,
		&run.FinishedAt,
		&run.Status,
		&run.Changed,
		&run.ErrorMessage,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.CycleRun{}, store.ErrNotFound
		}
		return store.CycleRun{}, fmt.Errorf("get cycle: %w", err)
	}
	return run, nil
}

// ListCycles retrieves cycle runs, most recent first, with optional status filtering.
func (s *CycleStore) ListCycles(
	ctx context.Context,
	status *store.RunStatus,
	limit,
	offset int,
) ([]store.CycleRun, error) {
	query := `
		SELECT id, started_at, finished_at, status, changed, error_message
		FROM cycle_runs
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3;
	`
	var filter *string
	if status != nil {
		v := string(*status)
		filter = &v
	}
	rows, err := s.db.Query(ctx, query, filter, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list cycles: %w", err)
	}
	defer rows.Close()

	var runs []store.CycleRun
	for rows.Next() {
		var run store.CycleRun
		if err := rows.Scan(
			&run.ID,
			&run.StartedAt,
			&run.FinishedAt,
			&run.Status,
			&run.Changed,
			&run.ErrorMessage,
		); err != nil {
			return nil, fmt.Errorf("scan cycle row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cycle rows: %w", err)
	}
	return runs, nil
}

// ListStageStats retrieves the stage aggregates for a cycle.
func (s *CycleStore) ListStageStats(ctx context.Context, cycleID uuid.UUID) ([]store.StageStats, error) {
	query := `
		SELECT cycle_id, stage, last_update, requests, bytes_total,
			status_2xx, status_3xx, status_4xx, status_5xx, failed
		FROM stage_stats
		WHERE cycle_id = $1
		ORDER BY stage;
	`
	rows, err := s.db.Query(ctx, query, cycleID)
	if err != nil {
		return nil, fmt.Errorf("list stage stats: %w", err)
	}
	defer rows.Close()

	var stats []store.StageStats
	for rows.Next() {
		var stat store.StageStats
		if err := rows.Scan(
			&stat.CycleID,
			&stat.Stage,
			&stat.LastUpdate,
			&stat.Requests,
			&stat.BytesTotal,
			&stat.Status2xx,
			&stat.Status3xx,
			&stat.Status4xx,
			&stat.Status5xx,
			&stat.Failed,
		); err != nil {
			return nil, fmt.Errorf("scan stage stats row: %w", err)
		}
		stats = append(stats, stat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stage stats rows: %w", err)
	}
	return stats, nil
}
