package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"keybroker/internal/config"
	"keybroker/internal/keyserver"
	"keybroker/internal/keystore"
)

// RequestKind distinguishes an initial key load from a renewal. Both run the
// same state machine.
type RequestKind int

const (
	KindLoad RequestKind = iota
	KindRenew
)

func (k RequestKind) String() string {
	switch k {
	case KindLoad:
		return "load"
	case KindRenew:
		return "renew"
	default:
		return fmt.Sprintf("RequestKind(%d)", int(k))
	}
}

// ParseRequestKind parses "load" or "renew"
func ParseRequestKind(s string) (RequestKind, error) {
	switch s {
	case "load", "":
		return KindLoad, nil
	case "renew":
		return KindRenew, nil
	default:
		return 0, fmt.Errorf("unknown request kind %q", s)
	}
}

// Request is a key request handle owned by the host media framework. The
// broker calls exactly one of Respond or Fail, exactly once, for every
// request it accepts.
type Request interface {
	URL() string
	Kind() RequestKind
	// HasDataRequest reports whether the host attached a channel to
	// receive key bytes.
	HasDataRequest() bool
	Respond(data []byte)
	Fail(err *KeyError)
}

// Asset identifies the media item a session plays
type Asset struct {
	Name        string
	ResourceURL string
}

// DRMConfig holds the endpoints and license headers for one session. It is
// read-only once a session starts.
type DRMConfig struct {
	CertificateURL string
	LicenseURL     string
	Headers        []keyserver.Header
}

// DRMConfigFrom converts the configured defaults
func DRMConfigFrom(cfg config.DRMConfig) DRMConfig {
	return DRMConfig{
		CertificateURL: cfg.CertificateURL,
		LicenseURL:     cfg.LicenseURL,
		Headers:        keyserver.HeadersFromConfig(cfg.Headers),
	}
}

// Material is what one cache-miss run carries between steps. It is never
// persisted.
type Material struct {
	Certificate []byte
	ContentID   []byte
	Message     []byte
}

// MessageOptions are protocol options passed through to the message builder
type MessageOptions map[string]string

// MessageBuilder builds the signed key request message. It is provided by
// the host media framework.
type MessageBuilder interface {
	BuildMessage(ctx context.Context, req Request, certificate, contentID []byte, opts MessageOptions) ([]byte, error)
}

// MessageBuilderFunc adapts a function to MessageBuilder
type MessageBuilderFunc func(ctx context.Context, req Request, certificate, contentID []byte, opts MessageOptions) ([]byte, error)

func (f MessageBuilderFunc) BuildMessage(ctx context.Context, req Request, certificate, contentID []byte, opts MessageOptions) ([]byte, error) {
	return f(ctx, req, certificate, contentID, opts)
}

// CertificateFetcher retrieves the application certificate
type CertificateFetcher interface {
	FetchCertificate(ctx context.Context, certificateURL string) ([]byte, error)
}

// LicenseExchanger trades a signed message for an encrypted key context
type LicenseExchanger interface {
	ExchangeLicense(ctx context.Context, licenseURL string, headers []keyserver.Header, message []byte) ([]byte, error)
}

// KeyStore is the subset of the persistent store a run needs
type KeyStore interface {
	Lookup(assetName string) (keystore.FileRef, bool)
	Exists(ref keystore.FileRef) bool
	Read(ref keystore.FileRef) ([]byte, error)
	Write(assetName, contentID string, data []byte) (keystore.FileRef, error)
}

// KeyPersistedEvent is emitted after a newly obtained key was written
type KeyPersistedEvent struct {
	SessionID string    `json:"session_id,omitempty"`
	AssetName string    `json:"asset_name"`
	File      string    `json:"file"`
	At        time.Time `json:"at"`
}

// Notifier receives broker events
type Notifier interface {
	KeyPersisted(ctx context.Context, event KeyPersistedEvent)
}

// NotifierFunc adapts a function to Notifier
type NotifierFunc func(ctx context.Context, event KeyPersistedEvent)

func (f NotifierFunc) KeyPersisted(ctx context.Context, event KeyPersistedEvent) {
	f(ctx, event)
}

// PendingRequest is one accepted request. Its completion sink fires at most
// once no matter how many times Respond or Fail are called.
type PendingRequest struct {
	ID         string
	Request    Request
	AcceptedAt time.Time

	once     sync.Once
	mu       sync.Mutex
	finished bool
}

// NewPendingRequest wraps req
func NewPendingRequest(id string, req Request) *PendingRequest {
	return &PendingRequest{ID: id, Request: req, AcceptedAt: time.Now()}
}

// Respond delivers data if the request has not completed yet
func (p *PendingRequest) Respond(data []byte) bool {
	delivered := false
	p.once.Do(func() {
		p.mu.Lock()
		p.finished = true
		p.mu.Unlock()
		p.Request.Respond(data)
		delivered = true
	})
	return delivered
}

// Fail delivers err if the request has not completed yet
func (p *PendingRequest) Fail(err *KeyError) bool {
	delivered := false
	p.once.Do(func() {
		p.mu.Lock()
		p.finished = true
		p.mu.Unlock()
		p.Request.Fail(err)
		delivered = true
	})
	return delivered
}

// Done reports whether the completion sink has fired
func (p *PendingRequest) Done() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.finished
}
