// Package progress provides the leveled event primitives, non-blocking hub, and
// emitter interfaces that pipeline stages use to report cycle progress. It batches
// events on a background goroutine and fans them out to pluggable sinks such as
// structured logs, Prometheus metrics, or the cycle run repository.
package progress
