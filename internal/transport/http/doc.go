// Package http implements the broker's admin HTTP surface and mounts the
// host bridge.
//
// Handlers stay thin: they parse the request, call the key store or the
// session manager and render either JSON or an RFC 7807 problem through
// the shared error handler.
//
// Routes:
//
//	GET    /healthz             liveness and component checks
//	GET    /metrics             Prometheus exposition
//	GET    /v1/bridge           host bridge websocket
//	GET    /v1/keys             persisted keys
//	GET    /v1/keys/{asset}     one persisted key
//	DELETE /v1/keys/{asset}     forget a persisted key
//	GET    /v1/sessions         open asset sessions
//	GET    /v1/sessions/{id}    one open session
//	DELETE /v1/sessions/{id}    close a session
package http
