// Package api contains the admin HTTP API contracts.
package api

import (
	"time"

	"keybroker/internal/interceptor"
	"keybroker/internal/keystore"
)

// KeyListResponse lists persisted keys
type KeyListResponse struct {
	Keys  []keystore.KeyInfo `json:"keys"`
	Count int                `json:"count"`
}

// SessionListResponse lists open asset sessions
type SessionListResponse struct {
	Sessions []interceptor.SessionInfo `json:"sessions"`
	Count    int                       `json:"count"`
}

// HealthResponse reports service health
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Uptime    string            `json:"uptime"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}
