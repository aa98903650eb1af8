// Package api hosts the HTTP server, middleware, and REST handlers in front of
// the link-check engine. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/check to classify links on demand.
//   - /v1/subscriptions/{destination} to manage subscribers and watched links.
//   - POST /v1/cycles to run a report cycle now; GET /v1/cycles/last and
//     GET /v1/cache/stats for read-only status.
package api
