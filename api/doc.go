// Package api wires the HTTP surface of ragflow.
//
// Endpoints:
//   - POST /v1/chat/stream — retrieval-fused streaming answer over SSE
//   - POST /v1/chat/cancel — cluster-wide stream cancellation
//   - GET  /healthz, /readyz — liveness and readiness probes
//   - GET  /metrics — Prometheus metrics (when enabled)
package api
