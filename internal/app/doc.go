// Package app wires the key broker together and manages its lifecycle.
//
// # Initialization Flow
//
//	1. Initialize logging and OpenTelemetry
//	2. Open the key store
//	3. Create the key server client, the broker machine and the playlist discoverer
//	4. Create the session manager and the host bridge
//	5. Build the router and the HTTP server
//
// # Graceful Shutdown
//
// Stop runs in reverse order: the HTTP server stops accepting requests,
// bridge connections are closed, every open session is closed (pending key
// requests fail as cancelled) and telemetry is flushed.
//
// The package never calls os.Exit; errors are returned to main.
package app
