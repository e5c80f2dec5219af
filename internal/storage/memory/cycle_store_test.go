package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/coverwatch/internal/store"
)

func TestCycleStoreLifecycle(t *testing.T) {
	t.Parallel()

	s := NewCycleStore()
	ctx := context.Background()
	id := uuid.New()
	start := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	_, err := s.GetCycle(ctx, id)
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.StartCycle(ctx, id, start))
	require.NoError(t, s.StartCycle(ctx, id, start.Add(time.Minute)))
	run, err := s.GetCycle(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.RunRunning, run.Status)
	assert.Equal(t, start, run.StartedAt)
	assert.Nil(t, run.FinishedAt)

	require.NoError(t, s.AddStageStats(ctx, id, "probe", 3, 300, "2xx", start.Add(time.Second)))
	require.NoError(t, s.AddStageStats(ctx, id, "probe", 1, 0, "other", start.Add(2*time.Second)))
	require.NoError(t, s.AddStageStats(ctx, id, "listing", 2, 50, "5xx", start.Add(time.Second)))

	msg := "save store: disk full"
	require.NoError(t, s.CompleteCycle(ctx, id, start.Add(time.Hour), store.RunError, 4, &msg))
	msg = "mutated"

	run, err = s.GetCycle(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.RunError, run.Status)
	require.NotNil(t, run.FinishedAt)
	require.NotNil(t, run.ErrorMessage)
	assert.Equal(t, "save store: disk full", *run.ErrorMessage)
	assert.Equal(t, int64(4), run.Changed)

	stats, err := s.ListStageStats(ctx, id)
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, "listing", stats[0].Stage)
	assert.Equal(t, int64(2), stats[0].Status5xx)
	assert.Equal(t, "probe", stats[1].Stage)
	assert.Equal(t, int64(4), stats[1].Requests)
	assert.Equal(t, int64(3), stats[1].Status2xx)
	assert.Equal(t, int64(1), stats[1].Failed)
	assert.Equal(t, int64(300), stats[1].BytesTotal)
}

func TestCycleStoreListOrderingAndFilter(t *testing.T) {
	t.Parallel()

	s := NewCycleStore()
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	for i, id := range ids {
		require.NoError(t, s.StartCycle(ctx, id, base.Add(time.Duration(i)*time.Hour)))
	}
	require.NoError(t, s.CompleteCycle(ctx, ids[0], base.Add(time.Minute), store.RunSuccess, 0, nil))

	runs, err := s.ListCycles(ctx, nil, 0, 0)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, ids[2], runs[0].ID)
	assert.Equal(t, ids[0], runs[2].ID)

	runs, err = s.ListCycles(ctx, nil, 1, 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, ids[1], runs[0].ID)

	success := store.RunSuccess
	runs, err = s.ListCycles(ctx, &success, 10, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, ids[0], runs[0].ID)

	runs, err = s.ListCycles(ctx, nil, 10, 10)
	require.NoError(t, err)
	assert.Empty(t, runs)
}
