package config

import "time"

// Application constants
const (
	AppName    = "keybroker"
	AppVersion = "1.0.0"

	// EnvPrefix namespaces every environment variable (KEYBROKER_*)
	EnvPrefix = "KEYBROKER"

	// Key storage
	DefaultIndexFile     = "keys.index.json"
	DefaultKeysDirName   = "keys"
	DefaultCacheEntries  = 64
	IndexKeySuffix       = "-Key"
	ContentIDIndexSuffix = "-ContentId"
	KeyFileExtension     = ".key"

	// Key request protocol
	DefaultScheme = "skd"

	// Network timeouts
	DefaultCertificateTimeout = 15 * time.Second
	DefaultLicenseTimeout     = 20 * time.Second
	DefaultPlaylistTimeout    = 15 * time.Second

	// Pool limit for concurrent certificate/license calls across all sessions
	DefaultMaxConcurrentExchanges = 8

	// Bridge
	BridgeWriteWait      = 10 * time.Second
	BridgePongWait       = 60 * time.Second
	BridgeMaxMessageSize = 1 << 20
	BuildMessageTimeout  = 30 * time.Second
)
