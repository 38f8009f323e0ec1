// Package hostbridge connects the host media framework to the broker over a
// websocket.
//
// The host opens asset sessions, forwards the player's key requests and
// builds the signed key request messages the license server expects, since
// only the host's DRM framework can produce them. Every session belongs to
// the connection that opened it and is closed when that connection goes
// away.
package hostbridge

import (
	"context"
	"log/slog"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"

	"keybroker/internal/broker"
	"keybroker/internal/config"
	"keybroker/internal/infrastructure"
	"keybroker/internal/interceptor"
	"keybroker/internal/keyserver"
	"keybroker/pkg/contracts/events"
)

// Options configures a Bridge
type Options struct {
	Manager *interceptor.Manager
	// Events, when set, lets the bridge forward key_persisted frames
	Events *interceptor.Events
	// DefaultDRM fills in endpoints a session does not supply
	DefaultDRM     broker.DRMConfig
	BuildTimeout   time.Duration
	AllowedOrigins []string
	Logger         *slog.Logger
}

// Bridge accepts host connections
type Bridge struct {
	manager      *interceptor.Manager
	defaults     broker.DRMConfig
	buildTimeout time.Duration
	validate     *validator.Validate
	upgrader     websocket.Upgrader
	logger       *slog.Logger
	unsubscribe  func()

	mu      sync.RWMutex
	clients map[string]*Client
}

// New creates a Bridge
func New(opts Options) *Bridge {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.BuildTimeout <= 0 {
		opts.BuildTimeout = config.BuildMessageTimeout
	}

	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	b := &Bridge{
		manager:      opts.Manager,
		defaults:     opts.DefaultDRM,
		buildTimeout: opts.BuildTimeout,
		validate:     v,
		logger:       infrastructure.WithComponent(opts.Logger, "hostbridge"),
		clients:      make(map[string]*Client),
	}
	b.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     b.checkOrigin(opts.AllowedOrigins),
	}

	if opts.Events != nil {
		b.unsubscribe = opts.Events.Subscribe(b.forwardKeyPersisted)
	}
	return b
}

// checkOrigin allows requests without an Origin header, which native hosts
// do not send, and any origin in allowed.
func (b *Bridge) checkOrigin(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) {
				return true
			}
		}
		b.logger.Warn("Bridge origin not allowed", slog.String("origin", origin))
		return false
	}
}

// ServeHTTP upgrades the request and serves the connection
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := infrastructure.EnsureTraceID(r.Context())

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client
		b.logger.ErrorContext(ctx, "Bridge upgrade failed",
			slog.String("error", err.Error()),
			slog.String("remote_addr", r.RemoteAddr))
		return
	}

	b.Serve(WrapConnection(conn), infrastructure.GetTraceID(ctx))
}

// Serve runs the bridge protocol on conn until it closes
func (b *Bridge) Serve(conn Connection, traceID string) *Client {
	c := newClient(b, conn, traceID)

	b.mu.Lock()
	b.clients[c.id] = c
	count := len(b.clients)
	b.mu.Unlock()

	c.logger.Info("Bridge client connected",
		slog.String("remote_addr", c.remoteAddr),
		slog.Int("clients", count))

	go c.writePump()
	go c.readPump()
	return c
}

func (b *Bridge) unregister(c *Client) {
	b.mu.Lock()
	delete(b.clients, c.id)
	b.mu.Unlock()
}

// ClientCount returns the number of connected hosts
func (b *Bridge) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Shutdown disconnects every host, closing their sessions
func (b *Bridge) Shutdown(ctx context.Context) error {
	if b.unsubscribe != nil {
		b.unsubscribe()
	}

	b.mu.RLock()
	clients := make([]*Client, 0, len(b.clients))
	for _, c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	for _, c := range clients {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		c.close()
	}
	return nil
}

// forwardKeyPersisted tells the host that opened a session about its newly
// persisted key.
func (b *Bridge) forwardKeyPersisted(ctx context.Context, event broker.KeyPersistedEvent) {
	if event.SessionID == "" {
		return
	}
	s, err := b.manager.Get(event.SessionID)
	if err != nil {
		return
	}

	b.mu.RLock()
	c, ok := b.clients[s.Owner()]
	b.mu.RUnlock()
	if !ok {
		return
	}

	c.sendFrame(events.TypeKeyPersisted, "", events.KeyPersistedPayload{
		SessionID: event.SessionID,
		AssetName: event.AssetName,
		File:      event.File,
	})
}

// drmFor merges a session's DRM settings with the configured defaults
func (b *Bridge) drmFor(s events.DRMSettings) broker.DRMConfig {
	drm := b.defaults
	if s.CertificateURL != "" {
		drm.CertificateURL = s.CertificateURL
	}
	if s.LicenseURL != "" {
		drm.LicenseURL = s.LicenseURL
	}
	if len(s.Headers) > 0 {
		drm.Headers = make([]keyserver.Header, 0, len(s.Headers))
		for _, h := range s.Headers {
			drm.Headers = append(drm.Headers, keyserver.Header{Name: h.Name, Value: h.Value})
		}
	}
	return drm
}
