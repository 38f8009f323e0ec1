package http

import (
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/render"

	"keybroker/pkg/contracts"
	api "keybroker/pkg/contracts/api/v1"
)

// HealthHandler reports liveness and a few component checks
type HealthHandler struct {
	started     time.Time
	storageRoot string
	sessions    func() int
	clients     func() int
}

// NewHealthHandler creates a new health handler. sessions and clients may
// be nil.
func NewHealthHandler(storageRoot string, sessions, clients func() int) *HealthHandler {
	return &HealthHandler{
		started:     time.Now(),
		storageRoot: storageRoot,
		sessions:    sessions,
		clients:     clients,
	}
}

// HealthCheck handles GET /healthz. An unusable storage root degrades the
// service since every cache miss would fail to persist.
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	resp := api.HealthResponse{
		Status:    "healthy",
		Version:   contracts.Version,
		Uptime:    time.Since(h.started).Round(time.Second).String(),
		Timestamp: time.Now().UTC(),
		Checks:    make(map[string]string),
	}

	if info, err := os.Stat(h.storageRoot); err != nil || !info.IsDir() {
		resp.Status = "degraded"
		resp.Checks["storage"] = "unavailable"
	} else {
		resp.Checks["storage"] = "ok"
	}
	if h.sessions != nil {
		resp.Checks["sessions"] = strconv.Itoa(h.sessions())
	}
	if h.clients != nil {
		resp.Checks["bridge_clients"] = strconv.Itoa(h.clients())
	}

	if resp.Status != "healthy" {
		render.Status(r, http.StatusServiceUnavailable)
	}
	render.JSON(w, r, resp)
}
