package http

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	apierrors "keybroker/internal/errors"
	"keybroker/internal/keystore"
	api "keybroker/pkg/contracts/api/v1"
)

// KeyAdmin is the key store surface the admin API needs
type KeyAdmin interface {
	Assets() []string
	Stat(assetName string) (keystore.KeyInfo, error)
	Delete(assetName string) error
}

// KeysHandler serves persisted key inspection and removal. Key bytes are
// never returned.
type KeysHandler struct {
	store  KeyAdmin
	errors *apierrors.ErrorHandler
	logger *slog.Logger
}

// NewKeysHandler creates a new keys handler
func NewKeysHandler(store KeyAdmin, errs *apierrors.ErrorHandler, logger *slog.Logger) *KeysHandler {
	return &KeysHandler{
		store:  store,
		errors: errs,
		logger: logger.With(slog.String("handler", "keys")),
	}
}

// Routes returns a chi router for key endpoints
func (h *KeysHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.List)
	r.Get("/{asset}", h.Get)
	r.Delete("/{asset}", h.Delete)
	return r
}

// List handles GET /v1/keys
func (h *KeysHandler) List(w http.ResponseWriter, r *http.Request) {
	names := h.store.Assets()
	keys := make([]keystore.KeyInfo, 0, len(names))
	for _, name := range names {
		info, err := h.store.Stat(name)
		if errors.Is(err, apierrors.ErrKeyNotFound) {
			// Index entry whose file is gone
			continue
		}
		if err != nil {
			h.errors.HandleError(w, r, apierrors.KeyStoreError("list", err))
			return
		}
		keys = append(keys, info)
	}

	render.JSON(w, r, api.KeyListResponse{Keys: keys, Count: len(keys)})
}

// Get handles GET /v1/keys/{asset}
func (h *KeysHandler) Get(w http.ResponseWriter, r *http.Request) {
	info, err := h.store.Stat(chi.URLParam(r, "asset"))
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, info)
}

// Delete handles DELETE /v1/keys/{asset}. Forgetting an absent key succeeds.
func (h *KeysHandler) Delete(w http.ResponseWriter, r *http.Request) {
	asset := chi.URLParam(r, "asset")
	if asset == "" {
		h.errors.HandleError(w, r, apierrors.ErrInvalidAssetName)
		return
	}

	if err := h.store.Delete(asset); err != nil {
		if !errors.Is(err, apierrors.ErrInvalidAssetName) {
			err = apierrors.KeyStoreError("delete", err)
		}
		h.errors.HandleError(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "Persisted key forgotten via admin API",
		slog.String("asset_name", asset))
	w.WriteHeader(http.StatusNoContent)
}
