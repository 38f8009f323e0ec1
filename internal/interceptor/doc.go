// Package interceptor decides which player resource requests belong to the
// broker and queues them per asset session.
//
// A Session owns one asset's DRM configuration and a serial worker fed by
// an unbounded FIFO, so requests for one asset run in arrival order while
// different sessions proceed independently. The Manager tracks open
// sessions and the Events fan-out delivers KeyPersisted notifications to
// subscribers such as the host bridge.
package interceptor
