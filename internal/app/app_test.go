package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keybroker/internal/config"
	api "keybroker/pkg/contracts/api/v1"
	"keybroker/pkg/contracts/events"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Server.Port = 0
	cfg.Server.ShutdownTimeout = 2 * time.Second
	cfg.Storage.Root = t.TempDir()
	cfg.Telemetry.MetricExporter = "none"
	return cfg
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func startApp(t *testing.T) *Application {
	t.Helper()
	a, err := New(testConfig(t), quietLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, a.Start(ctx, cancel))
	t.Cleanup(func() { a.Stop(context.Background()) })
	return a
}

func TestNewRequiresConfig(t *testing.T) {
	_, err := New(nil, quietLogger())
	assert.Error(t, err)
}

func TestNewWiresComponents(t *testing.T) {
	a, err := New(testConfig(t), quietLogger())
	require.NoError(t, err)

	assert.NotNil(t, a.Store)
	assert.NotNil(t, a.Machine)
	assert.NotNil(t, a.Sessions)
	assert.NotNil(t, a.Bridge)
	assert.NotNil(t, a.Router)
	assert.NotNil(t, a.Server.Handler)
}

func TestStartServeAndStop(t *testing.T) {
	a := startApp(t)
	base := "http://" + a.Server.Addr

	resp, err := http.Get(base + "/healthz")
	require.NoError(t, err)
	var health api.HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", health.Status)

	_, err = a.Store.Write("movie-42", "movie-42", []byte("KEY"))
	require.NoError(t, err)
	resp, err = http.Get(base + "/v1/keys")
	require.NoError(t, err)
	var keys api.KeyListResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&keys))
	resp.Body.Close()
	assert.Equal(t, 1, keys.Count)

	require.NoError(t, a.Stop(context.Background()))
	_, err = http.Get(base + "/healthz")
	assert.Error(t, err)
}

func TestStopClosesBridgeSessions(t *testing.T) {
	a := startApp(t)

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+a.Server.Addr+"/v1/bridge", nil)
	require.NoError(t, err)
	defer conn.Close()

	frame, err := events.NewFrame(events.TypeOpenSession, "o1", events.OpenSessionPayload{AssetName: "movie-42"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(frame))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var opened events.Frame
	require.NoError(t, conn.ReadJSON(&opened))
	assert.Equal(t, events.TypeSessionOpened, opened.Type)
	assert.Equal(t, 1, a.Sessions.Count())

	require.NoError(t, a.Stop(context.Background()))
	assert.Zero(t, a.Sessions.Count())
	assert.Zero(t, a.Bridge.ClientCount())
}

func TestStartFailsOnBusyAddress(t *testing.T) {
	first := startApp(t)
	port := first.Server.Addr[strings.LastIndex(first.Server.Addr, ":")+1:]

	a, err := New(testConfig(t), quietLogger())
	require.NoError(t, err)
	a.Server.Addr = "127.0.0.1:" + port

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	assert.Error(t, a.Start(ctx, cancel))
}
