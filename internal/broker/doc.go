// Package broker runs one content key request from acceptance to completion.
//
// A run walks a fixed state machine:
//
//	ReceivedRequest -> CheckingCache -> CacheHit -> Responding -> Done
//	                                 -> CacheMiss -> FetchingCertificate
//	                                    -> BuildingMessage -> ExchangingLicense
//	                                    -> Responding -> Done
//
// Error is reachable from every non-terminal state. The request's completion
// sink fires exactly once, on entry to Done or Error. A cache hit makes no
// network calls; a cache miss makes exactly one certificate fetch followed by
// one license exchange, and persists the returned key unless the machine is
// read-only.
//
// Failures are reported as *KeyError values carrying one ErrorKind. They fail
// only the request at hand and are never retried here.
package broker
