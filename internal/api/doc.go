// Package api hosts the local UI boundary: a token-guarded HTTP server that
// exposes the published credential, the job snapshot, user actions, and a
// WebSocket stream of snapshot updates. Notable routes:
//   - GET /healthz, unauthenticated.
//   - GET /config for the published backend address and readiness.
//   - GET /state and GET /stream for the job snapshot.
//   - POST /actions/... for capture, confirm, step, and dismiss.
//   - GET /metrics for Prometheus scraping.
package api
