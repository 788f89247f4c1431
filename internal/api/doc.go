// Package api implements the HTTP server for pnp-hooks.
//
// This package provides:
//   - the provisioning allocation webhook (/api/dps_processor)
//   - the Event Grid lifecycle webhook (/api/eventgrid_processor)
//   - a read-only admin API over twins, device models and the audit trail
//   - a WebSocket hub broadcasting allocation and lifecycle events
//   - the middleware stack (request ID, logging, recovery, CORS, body limit)
//
// # Security
//
// Webhook routes check the function key passed in the "code" query
// parameter or the x-functions-key header. Admin routes require a bearer
// JWT when security.jwt.secret is set; WebSocket clients may pass the
// token in the access_token query parameter instead.
//
// # Graceful Degradation
//
// The server runs without MQTT and without InfluxDB. Allocation still
// answers when model resolution fails, and lifecycle events are reported
// as skipped when no command transport is available.
package api
