package hostbridge

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keybroker/internal/broker"
	"keybroker/internal/interceptor"
	"keybroker/internal/keystore"
	"keybroker/internal/shared/testutil"
	"keybroker/pkg/contracts/events"
)

type bridgeHarness struct {
	bridge   *Bridge
	manager  *interceptor.Manager
	store    *keystore.Store
	certs    *testutil.FakeCertificates
	licenses *testutil.FakeLicenses
	server   *httptest.Server
}

func newBridgeHarness(t *testing.T) *bridgeHarness {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	store, err := keystore.Open(keystore.Options{Root: t.TempDir(), Logger: logger})
	require.NoError(t, err)

	notifier := interceptor.NewEvents(logger)
	h := &bridgeHarness{
		store:    store,
		certs:    &testutil.FakeCertificates{Body: []byte("CERT")},
		licenses: &testutil.FakeLicenses{Body: []byte("CKC")},
	}
	machine := broker.NewMachine(broker.Deps{
		Store:        store,
		Certificates: h.certs,
		Licenses:     h.licenses,
		Notifier:     notifier,
		Logger:       logger,
	})
	h.manager = interceptor.NewManager(interceptor.SessionOptions{
		Scheme:     "skd",
		Runner:     machine,
		Store:      store,
		Discoverer: fixedKeys{"skd://video-kid", "skd://audio-kid"},
		Logger:     logger,
	})
	h.bridge = New(Options{
		Manager:      h.manager,
		Events:       notifier,
		DefaultDRM:   broker.DRMConfig{CertificateURL: "https://drm.example.com/cert", LicenseURL: "https://drm.example.com/license"},
		BuildTimeout: 2 * time.Second,
		Logger:       logger,
	})
	h.server = httptest.NewServer(h.bridge)
	t.Cleanup(func() {
		h.bridge.Shutdown(context.Background())
		h.server.Close()
	})
	return h
}

// fixedKeys discovers the same key URIs for every resource
type fixedKeys []string

func (f fixedKeys) DiscoverKeys(ctx context.Context, resourceURL string) ([]string, error) {
	return f, nil
}

// host is the test side of a bridge connection
type host struct {
	t    *testing.T
	conn *websocket.Conn
}

func (h *bridgeHarness) dial(t *testing.T) *host {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &host{t: t, conn: conn}
}

func (h *host) send(t events.MessageType, id string, payload any) {
	h.t.Helper()
	frame, err := events.NewFrame(t, id, payload)
	require.NoError(h.t, err)
	require.NoError(h.t, h.conn.WriteJSON(frame))
}

func (h *host) next() events.Frame {
	h.t.Helper()
	require.NoError(h.t, h.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var frame events.Frame
	require.NoError(h.t, h.conn.ReadJSON(&frame))
	return frame
}

// expect reads frames until one of type t arrives
func (h *host) expect(t events.MessageType, v any) events.Frame {
	h.t.Helper()
	for i := 0; i < 10; i++ {
		frame := h.next()
		if frame.Type == t {
			if v != nil {
				require.NoError(h.t, json.Unmarshal(frame.Payload, v))
			}
			return frame
		}
	}
	h.t.Fatalf("no %s frame received", t)
	return events.Frame{}
}

func (h *host) openSession(asset string) string {
	h.t.Helper()
	h.send(events.TypeOpenSession, "open-1", events.OpenSessionPayload{AssetName: asset})
	var opened events.SessionOpenedPayload
	frame := h.expect(events.TypeSessionOpened, &opened)
	assert.Equal(h.t, "open-1", frame.ID)
	require.NotEmpty(h.t, opened.SessionID)
	return opened.SessionID
}

func TestBridgeKeyRequestEndToEnd(t *testing.T) {
	h := newBridgeHarness(t)
	c := h.dial(t)
	sessionID := c.openSession("movie-42")

	c.send(events.TypeKeyRequest, "k1", events.KeyRequestPayload{
		SessionID: sessionID,
		RequestID: "req-1",
		URL:       "skd://movie-42",
	})

	var build events.BuildMessagePayload
	frame := c.expect(events.TypeBuildMessage, &build)
	require.NotEmpty(t, build.BuildID)
	assert.Equal(t, build.BuildID, frame.ID)
	assert.Equal(t, "req-1", build.RequestID)
	assert.Equal(t, sessionID, build.SessionID)
	assert.Equal(t, "skd://movie-42", build.URL)
	assert.Equal(t, []byte("CERT"), build.Certificate)
	assert.Equal(t, []byte("movie-42"), build.ContentID)

	c.send(events.TypeMessageBuilt, "", events.MessageBuiltPayload{BuildID: build.BuildID, Message: []byte("SPC")})

	var persisted events.KeyPersistedPayload
	c.expect(events.TypeKeyPersisted, &persisted)
	assert.Equal(t, "movie-42", persisted.AssetName)

	var respond events.RespondPayload
	c.expect(events.TypeRespond, &respond)
	assert.Equal(t, "req-1", respond.RequestID)
	assert.Equal(t, []byte("CKC"), respond.Data)
	assert.Equal(t, [][]byte{[]byte("SPC")}, h.licenses.Messages())
}

func TestBridgeHostBuildFailure(t *testing.T) {
	h := newBridgeHarness(t)
	c := h.dial(t)
	sessionID := c.openSession("movie-42")

	c.send(events.TypeKeyRequest, "k1", events.KeyRequestPayload{SessionID: sessionID, RequestID: "req-1", URL: "skd://movie-42"})
	var build events.BuildMessagePayload
	c.expect(events.TypeBuildMessage, &build)
	c.send(events.TypeMessageBuilt, "", events.MessageBuiltPayload{BuildID: build.BuildID, Error: "invalid certificate"})

	var fail events.FailPayload
	c.expect(events.TypeFail, &fail)
	assert.Equal(t, "req-1", fail.RequestID)
	assert.Equal(t, string(broker.MessageConstructionFailed), fail.Kind)
	assert.Contains(t, fail.Detail, "invalid certificate")
	assert.Zero(t, h.licenses.Calls())
}

func TestBridgeBuildsAreRoutedPerSession(t *testing.T) {
	h := newBridgeHarness(t)
	h.licenses.Respond = func(message []byte) []byte {
		return []byte("key-for-" + string(message))
	}
	c := h.dial(t)
	sessionA := c.openSession("movie-a")
	sessionB := c.openSession("movie-b")

	c.send(events.TypeKeyRequest, "k1", events.KeyRequestPayload{SessionID: sessionA, RequestID: "1", URL: "skd://a-kid"})
	c.send(events.TypeKeyRequest, "k2", events.KeyRequestPayload{SessionID: sessionB, RequestID: "1", URL: "skd://b-kid"})

	builds := make(map[string]events.BuildMessagePayload)
	for len(builds) < 2 {
		var build events.BuildMessagePayload
		c.expect(events.TypeBuildMessage, &build)
		builds[build.SessionID] = build
	}
	require.Contains(t, builds, sessionA)
	require.Contains(t, builds, sessionB)
	assert.NotEqual(t, builds[sessionA].BuildID, builds[sessionB].BuildID)

	c.send(events.TypeMessageBuilt, "", events.MessageBuiltPayload{BuildID: builds[sessionA].BuildID, Message: []byte("SPC-A")})
	c.send(events.TypeMessageBuilt, "", events.MessageBuiltPayload{BuildID: builds[sessionB].BuildID, Message: []byte("SPC-B")})

	var delivered []string
	for len(delivered) < 2 {
		frame := c.next()
		require.NotEqual(t, events.TypeError, frame.Type, string(frame.Payload))
		require.NotEqual(t, events.TypeFail, frame.Type, string(frame.Payload))
		if frame.Type == events.TypeRespond {
			var respond events.RespondPayload
			require.NoError(t, json.Unmarshal(frame.Payload, &respond))
			delivered = append(delivered, string(respond.Data))
		}
	}
	assert.ElementsMatch(t, []string{"key-for-SPC-A", "key-for-SPC-B"}, delivered)

	for asset, want := range map[string]string{"movie-a": "key-for-SPC-A", "movie-b": "key-for-SPC-B"} {
		ref, ok := h.store.Lookup(asset)
		require.True(t, ok, asset)
		data, err := h.store.Read(ref)
		require.NoError(t, err)
		assert.Equal(t, want, string(data), asset)
	}
}

func TestBridgePrefetchBuildsCarrySession(t *testing.T) {
	h := newBridgeHarness(t)
	h.licenses.Respond = func(message []byte) []byte {
		return []byte("key-for-" + string(message))
	}
	c := h.dial(t)
	c.send(events.TypeOpenSession, "o1", events.OpenSessionPayload{AssetName: "movie-42", ResourceURL: "https://cdn.example.com/master.m3u8"})
	var opened events.SessionOpenedPayload
	c.expect(events.TypeSessionOpened, &opened)

	c.send(events.TypePrefetch, "p1", events.SessionPayload{SessionID: opened.SessionID})

	for _, url := range []string{"skd://video-kid", "skd://audio-kid"} {
		var build events.BuildMessagePayload
		c.expect(events.TypeBuildMessage, &build)
		assert.Equal(t, opened.SessionID, build.SessionID)
		assert.Equal(t, url, build.URL)
		assert.Empty(t, build.RequestID)
		c.send(events.TypeMessageBuilt, "", events.MessageBuiltPayload{BuildID: build.BuildID, Message: build.ContentID})
	}

	var complete events.PrefetchCompletePayload
	frame := c.expect(events.TypePrefetchComplete, &complete)
	assert.Equal(t, "p1", frame.ID)
	assert.Equal(t, 2, complete.Delivered)
	assert.Empty(t, complete.Error)
	assert.Equal(t, 2, h.licenses.Calls())

	ref, ok := h.store.Lookup("movie-42")
	require.True(t, ok)
	assert.Equal(t, "audio-kid", ref.ContentID)
}

func TestBridgeUnknownBuildID(t *testing.T) {
	h := newBridgeHarness(t)
	c := h.dial(t)

	c.send(events.TypeMessageBuilt, "m1", events.MessageBuiltPayload{BuildID: "nope", Message: []byte("SPC")})
	var errPayload events.ErrorPayload
	frame := c.expect(events.TypeError, &errPayload)
	assert.Equal(t, "m1", frame.ID)
	assert.Equal(t, events.CodeUnknownRequest, errPayload.Code)
}

func TestBridgeIgnoresOtherSchemes(t *testing.T) {
	h := newBridgeHarness(t)
	c := h.dial(t)
	sessionID := c.openSession("movie-42")

	c.send(events.TypeKeyRequest, "k1", events.KeyRequestPayload{
		SessionID: sessionID,
		RequestID: "req-1",
		URL:       "https://cdn.example.com/seg.ts",
	})

	var ignored events.KeyRequestIgnoredPayload
	frame := c.expect(events.TypeKeyRequestIgnored, &ignored)
	assert.Equal(t, "k1", frame.ID)
	assert.Equal(t, "req-1", ignored.RequestID)
	assert.Zero(t, h.certs.Calls())
}

func TestBridgeCacheHitNeedsNoBuild(t *testing.T) {
	h := newBridgeHarness(t)
	_, err := h.store.Write("movie-42", "movie-42", []byte("STORED"))
	require.NoError(t, err)

	c := h.dial(t)
	sessionID := c.openSession("movie-42")
	c.send(events.TypeKeyRequest, "k1", events.KeyRequestPayload{SessionID: sessionID, RequestID: "req-1", URL: "skd://movie-42", Kind: "renew"})

	var respond events.RespondPayload
	frame := c.expect(events.TypeRespond, &respond)
	assert.Equal(t, "req-1", frame.ID)
	assert.Equal(t, []byte("STORED"), respond.Data)
	assert.Zero(t, h.certs.Calls())
}

func TestBridgeRejectsInvalidPayloads(t *testing.T) {
	h := newBridgeHarness(t)
	c := h.dial(t)

	c.send(events.TypeOpenSession, "o1", events.OpenSessionPayload{})
	var errPayload events.ErrorPayload
	frame := c.expect(events.TypeError, &errPayload)
	assert.Equal(t, "o1", frame.ID)
	assert.Equal(t, events.CodeInvalidPayload, errPayload.Code)
	assert.Contains(t, errPayload.Detail, "asset_name")

	c.send(events.TypeKeyRequest, "k1", events.KeyRequestPayload{SessionID: "nope", RequestID: "r", URL: "skd://x"})
	c.expect(events.TypeError, &errPayload)
	assert.Equal(t, events.CodeSessionNotFound, errPayload.Code)

	c.send("bogus", "b1", nil)
	c.expect(events.TypeError, &errPayload)
	assert.Equal(t, events.CodeUnknownType, errPayload.Code)
}

func TestBridgeSessionsArePrivateToConnection(t *testing.T) {
	h := newBridgeHarness(t)
	owner := h.dial(t)
	other := h.dial(t)
	sessionID := owner.openSession("movie-42")

	other.send(events.TypeCloseSession, "c1", events.SessionPayload{SessionID: sessionID})
	var errPayload events.ErrorPayload
	other.expect(events.TypeError, &errPayload)
	assert.Equal(t, events.CodeSessionNotFound, errPayload.Code)

	owner.send(events.TypeCloseSession, "c2", events.SessionPayload{SessionID: sessionID})
	owner.expect(events.TypeSessionClosed, nil)
	assert.Zero(t, h.manager.Count())
}

func TestBridgeForgetKey(t *testing.T) {
	h := newBridgeHarness(t)
	_, err := h.store.Write("movie-42", "movie-42", []byte("STORED"))
	require.NoError(t, err)

	c := h.dial(t)
	sessionID := c.openSession("movie-42")
	c.send(events.TypeForgetKey, "f1", events.SessionPayload{SessionID: sessionID})
	c.expect(events.TypeKeyForgotten, nil)

	_, ok := h.store.Lookup("movie-42")
	assert.False(t, ok)
}

func TestBridgeDisconnectClosesSessions(t *testing.T) {
	h := newBridgeHarness(t)
	c := h.dial(t)
	c.openSession("movie-42")
	c.openSession("movie-43")
	require.Equal(t, 2, h.manager.Count())

	c.conn.Close()

	assert.Eventually(t, func() bool {
		return h.manager.Count() == 0 && h.bridge.ClientCount() == 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestDRMDefaults(t *testing.T) {
	b := New(Options{DefaultDRM: broker.DRMConfig{CertificateURL: "https://a/cert", LicenseURL: "https://a/license"}})

	drm := b.drmFor(events.DRMSettings{LicenseURL: "https://b/license", Headers: []events.Header{{Name: "X-A", Value: "1"}}})
	assert.Equal(t, "https://a/cert", drm.CertificateURL)
	assert.Equal(t, "https://b/license", drm.LicenseURL)
	require.Len(t, drm.Headers, 1)
	assert.Equal(t, "X-A", drm.Headers[0].Name)
}
