package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/coverwatch/internal/progress"
)

// PrometheusSink exports cycle progress via Prometheus. It owns the collectors for
// cycles started/completed/running and per-stage request counters.
type PrometheusSink struct {
	cyclesStarted   prometheus.Counter
	cyclesCompleted *prometheus.CounterVec
	cyclesRunning   prometheus.Gauge
	cycleRuntime    *prometheus.HistogramVec
	changedItems    prometheus.Counter

	requests        *prometheus.CounterVec
	requestBytes    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	tracker *cycleTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		cyclesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coverwatch_cycles_started_total",
			Help: "Total monitoring cycles that have started.",
		}),
		cyclesCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coverwatch_cycles_completed_total",
			Help: "Total cycles completed partitioned by result.",
		}, []string{"result"}),
		cyclesRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "coverwatch_cycles_running",
			Help: "Current number of running cycles.",
		}),
		cycleRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "coverwatch_cycle_runtime_seconds",
			Help:    "Wall time per completed cycle.",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200, 3600},
		}, []string{"result"}),
		changedItems: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coverwatch_changed_items_total",
			Help: "Identifiers detected as new or changed.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coverwatch_requests_total",
			Help: "Origin requests partitioned by stage and status class.",
		}, []string{"stage", "status_class"}),
		requestBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coverwatch_request_bytes_total",
			Help: "Response bytes received per stage.",
		}, []string{"stage"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "coverwatch_request_duration_seconds",
			Help:    "Origin request duration partitioned by stage and status class.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"stage", "status_class"}),
		tracker: newCycleTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.cyclesStarted,
		s.cyclesCompleted,
		s.cyclesRunning,
		s.cycleRuntime,
		s.changedItems,
		s.requests,
		s.requestBytes,
		s.requestDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageCycleStart, progress.StageCycleDone, progress.StageCycleError:
		s.handleCycleEvent(evt)
	case progress.StageChange:
		s.changedItems.Inc()
	default:
		if stage, ok := requestStage(evt.Stage); ok {
			s.handleRequestEvent(stage, evt)
		}
	}
}

func (s *PrometheusSink) handleCycleEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageCycleStart:
		s.cyclesStarted.Inc()
		if s.tracker.start(evt.CycleID) {
			s.cyclesRunning.Inc()
		}
	case progress.StageCycleDone:
		s.cyclesCompleted.WithLabelValues("success").Inc()
		s.observeRuntime(evt, "success")
	case progress.StageCycleError:
		s.cyclesCompleted.WithLabelValues("error").Inc()
		s.observeRuntime(evt, "error")
	}
	if evt.Stage != progress.StageCycleStart && s.tracker.complete(evt.CycleID) {
		s.cyclesRunning.Dec()
	}
}

func (s *PrometheusSink) observeRuntime(evt progress.Event, label string) {
	if evt.Dur > 0 {
		s.cycleRuntime.WithLabelValues(label).Observe(evt.Dur.Seconds())
	}
}

func (s *PrometheusSink) handleRequestEvent(stage string, evt progress.Event) {
	statusClass := string(evt.StatusClass)
	if statusClass == "" {
		statusClass = string(progress.StatusOther)
	}
	s.requests.WithLabelValues(stage, statusClass).Inc()
	if evt.Bytes > 0 {
		s.requestBytes.WithLabelValues(stage).Add(float64(evt.Bytes))
	}
	if evt.Dur > 0 {
		s.requestDuration.WithLabelValues(stage, statusClass).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

// requestStage maps request-completion stages to their metric label.
func requestStage(stage progress.Stage) (string, bool) {
	switch stage {
	case progress.StagePageDone:
		return "listing", true
	case progress.StageProbeDone:
		return "probe", true
	case progress.StageDownloadDone:
		return "download", true
	default:
		return "", false
	}
}

type cycleTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newCycleTracker() *cycleTracker {
	return &cycleTracker{running: make(map[[16]byte]struct{})}
}

func (t *cycleTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *cycleTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
