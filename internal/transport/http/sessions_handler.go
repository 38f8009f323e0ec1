package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	apierrors "keybroker/internal/errors"
	"keybroker/internal/interceptor"
	api "keybroker/pkg/contracts/api/v1"
)

// SessionsHandler exposes the open asset sessions
type SessionsHandler struct {
	manager *interceptor.Manager
	errors  *apierrors.ErrorHandler
	logger  *slog.Logger
}

// NewSessionsHandler creates a new sessions handler
func NewSessionsHandler(manager *interceptor.Manager, errs *apierrors.ErrorHandler, logger *slog.Logger) *SessionsHandler {
	return &SessionsHandler{
		manager: manager,
		errors:  errs,
		logger:  logger.With(slog.String("handler", "sessions")),
	}
}

// Routes returns a chi router for session endpoints
func (h *SessionsHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.List)
	r.Get("/{id}", h.Get)
	r.Delete("/{id}", h.Close)
	return r
}

// List handles GET /v1/sessions
func (h *SessionsHandler) List(w http.ResponseWriter, r *http.Request) {
	sessions := h.manager.List()
	render.JSON(w, r, api.SessionListResponse{Sessions: sessions, Count: len(sessions)})
}

// Get handles GET /v1/sessions/{id}
func (h *SessionsHandler) Get(w http.ResponseWriter, r *http.Request) {
	s, err := h.manager.Get(chi.URLParam(r, "id"))
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, s.Info())
}

// Close handles DELETE /v1/sessions/{id}
func (h *SessionsHandler) Close(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.manager.Close(id); err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	h.logger.InfoContext(r.Context(), "Session closed via admin API", slog.String("session_id", id))
	w.WriteHeader(http.StatusNoContent)
}
