// Package api hosts the HTTP server, middleware, and REST handlers for
// operator access. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/submit for durable content intake.
//   - GET /v1/captures/{capture_id}/status for capture and queue state.
//   - POST /v1/captures/{capture_id}/retry to requeue a dead item.
//   - GET /v1/sources for the live source registry snapshot.
package api
