// Package config provides centralized configuration management for the key
// broker. It loads configuration from multiple sources, validates it, and
// exposes typed sections to the rest of the application.
//
// # Configuration Sources
//
// Configuration is loaded from the following sources in order of precedence:
//
//	1. Environment variables (highest priority)
//	2. YAML configuration file (keybroker.yaml or $KEYBROKER_CONFIG)
//	3. Default values (lowest priority)
//
// # Environment Variables
//
// All environment variables follow the pattern KEYBROKER_<SECTION>_<FIELD>:
//
//	KEYBROKER_SERVER_PORT=7441
//	KEYBROKER_STORAGE_ROOT=/var/lib/keybroker/keys
//	KEYBROKER_EXCHANGE_LICENSE_TIMEOUT=20s
//	KEYBROKER_DRM_LICENSE_URL=https://license.example.com/fps
//	KEYBROKER_DRM_HEADERS="X-Custom-Auth:token,X-Device:tv"
//
// Header lists keep their order; the license request applies them in the
// order given.
//
// # Sections
//
//	- server:    bridge and admin HTTP listener
//	- logging:   slog level and output
//	- storage:   private key storage root, index file, read cache, sealing
//	- exchange:  reserved scheme, network deadlines, pool limit, rate limit
//	- drm:       default certificate/license endpoints and headers
//	- telemetry: OpenTelemetry exporters
package config
