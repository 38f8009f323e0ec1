// Package keystore persists content keys granted by the license server so a
// later request for the same asset can be answered without a key exchange.
//
// The store keeps two things under a private root directory: a JSON index
// file mapping "<assetName>-Key" to a file name, and one file per key. Keys
// are written to a temporary file and renamed into place before the index
// entry is published, so a reader never observes a half-written key. Write
// and Delete for the same asset name are serialized; different asset names
// never wait on each other.
//
// An index entry whose file name resolves to the root itself, or to a path
// outside the root, is reported as absent.
//
// When a sealing passphrase is configured, key files are encrypted with
// AES-256-GCM under a key derived with scrypt from the passphrase and a
// per-store salt.
package keystore
