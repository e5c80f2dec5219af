// Package metrics exposes Prometheus collectors for the coverwatch service.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	gateInFlight    *prometheus.GaugeVec
	gateWaitSeconds *prometheus.HistogramVec
	storeEntries    prometheus.Gauge
	artifactBytes   prometheus.Counter

	once sync.Once
)

// Init initializes the Prometheus collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		gateInFlight = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "coverwatch_gate_in_flight",
				Help: "Operations currently admitted by the concurrency gate, labeled by class.",
			},
			[]string{"class"},
		)

		gateWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "coverwatch_gate_wait_seconds",
				Help:    "Time spent waiting for gate admission, labeled by class.",
				Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"class"},
		)

		storeEntries = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "coverwatch_store_entries",
				Help: "Identifiers tracked in the catalog store after the last save.",
			},
		)

		artifactBytes = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "coverwatch_artifact_bytes_total",
				Help: "Total bytes of full-resolution assets written.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// IncGateInFlight increments the in-flight gauge for class.
func IncGateInFlight(class string) {
	Init()
	gateInFlight.WithLabelValues(class).Inc()
}

// DecGateInFlight decrements the in-flight gauge for class.
func DecGateInFlight(class string) {
	Init()
	gateInFlight.WithLabelValues(class).Dec()
}

// ObserveGateWait records how long an operation waited for admission.
func ObserveGateWait(class string, d time.Duration) {
	Init()
	gateWaitSeconds.WithLabelValues(class).Observe(d.Seconds())
}

// SetStoreEntries records the store size after a save.
func SetStoreEntries(n int) {
	Init()
	storeEntries.Set(float64(n))
}

// AddArtifactBytes counts bytes written for downloaded assets.
func AddArtifactBytes(n int) {
	Init()
	if n > 0 {
		artifactBytes.Add(float64(n))
	}
}
