// Package shared holds helpers used across the broker's packages.
//
// The testutil subpackage provides a buffered slog handler for asserting on
// log output, and fakes for the broker's collaborators: a host request that
// records its completion, certificate and license endpoints with call
// counters, a message builder, and a persisted-key event recorder.
package shared
