// Package api hosts the ops HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/cycles to trigger a cycle outside the schedule.
//   - GET /v1/cycles/last for the in-process summary of the latest cycle.
//   - GET /v1/cycles, /v1/cycles/{cycle_id} and /v1/cycles/{cycle_id}/stages for
//     run history via the CycleRepository interface.
package api
