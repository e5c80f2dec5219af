package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/coverwatch/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms are incremented from events.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	cycleID := progress.UUIDToBytes(uuid.New())
	now := time.Now()
	batch := []progress.Event{
		{CycleID: cycleID, TS: now, Stage: progress.StageCycleStart},
		{
			CycleID:     cycleID,
			TS:          now.Add(time.Second),
			Stage:       progress.StagePageDone,
			Offset:      36,
			Bytes:       2048,
			Count:       36,
			StatusClass: progress.Status2xx,
			Dur:         300 * time.Millisecond,
		},
		{
			CycleID:     cycleID,
			TS:          now.Add(2 * time.Second),
			Stage:       progress.StageProbeDone,
			ID:          "9781974700000",
			StatusClass: progress.Status4xx,
			Dur:         20 * time.Millisecond,
		},
		{CycleID: cycleID, TS: now.Add(3 * time.Second), Stage: progress.StageChange, ID: "9781974700017"},
		{CycleID: cycleID, TS: now.Add(15 * time.Second), Stage: progress.StageCycleDone, Dur: 15 * time.Second},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.cyclesStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.cyclesCompleted.WithLabelValues("success")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.cyclesCompleted.WithLabelValues("error")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.cyclesRunning))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.changedItems))

	require.InDelta(t, 1.0, testutil.ToFloat64(sink.requests.WithLabelValues("listing", "2xx")), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.requests.WithLabelValues("probe", "4xx")), 1e-9)
	require.InDelta(t, 2048.0, testutil.ToFloat64(sink.requestBytes.WithLabelValues("listing")), 1e-9)
	require.Equal(t, 2, testutil.CollectAndCount(sink.requestDuration, "coverwatch_request_duration_seconds"))
	require.Equal(t, 1, testutil.CollectAndCount(sink.cycleRuntime, "coverwatch_cycle_runtime_seconds"))
}

// TestPrometheusSinkDuplicateRegistration surfaces registry conflicts.
func TestPrometheusSinkDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
