// Package api hosts the HTTP server, middleware, and handlers. Notable routes:
//   - POST /cron/advance runs one controller pass (bearer secret).
//   - POST /stages/{name} runs one stage call (bearer secret).
//   - /v1/... profile and industry administration (X-API-Key).
//   - GET /healthz, /readyz and /metrics for probes and scraping.
package api
