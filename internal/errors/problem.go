package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/render"
)

// Domain errors shared by the key store, the session manager and the HTTP layer
var (
	ErrKeyNotFound      = errors.New("key not found")
	ErrSessionNotFound  = errors.New("session not found")
	ErrInvalidAssetName = errors.New("invalid asset name")
	ErrSessionClosed    = errors.New("session closed")
)

// ProblemDetails implements RFC 7807 Problem Details for HTTP APIs
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`

	Extensions map[string]interface{} `json:"-"`
}

// Render implements the render.Renderer interface
func (pd *ProblemDetails) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, pd.Status)
	return nil
}

// MarshalJSON flattens extensions into the top-level object
func (pd *ProblemDetails) MarshalJSON() ([]byte, error) {
	data := make(map[string]interface{}, 5+len(pd.Extensions))
	for k, v := range pd.Extensions {
		data[k] = v
	}

	data["type"] = pd.Type
	data["title"] = pd.Title
	data["status"] = pd.Status
	if pd.Detail != "" {
		data["detail"] = pd.Detail
	}
	if pd.Instance != "" {
		data["instance"] = pd.Instance
	}

	return json.Marshal(data)
}

// NewProblemDetails creates a new RFC 7807 compliant error
func NewProblemDetails(status int, problemType, title, detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:       problemType,
		Title:      title,
		Status:     status,
		Detail:     detail,
		Instance:   instance,
		Extensions: make(map[string]interface{}),
	}
}

// WithExtension adds an extension field to the problem details
func (pd *ProblemDetails) WithExtension(key string, value interface{}) *ProblemDetails {
	pd.Extensions[key] = value
	return pd
}

// MapKeyError maps key store and session errors to problem details
func MapKeyError(err error, instance, traceID string) render.Renderer {
	switch {
	case errors.Is(err, ErrKeyNotFound):
		return NewProblemDetails(
			http.StatusNotFound,
			TypeKeyNotFound,
			"Key Not Found",
			"No persisted key exists for this asset.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "KEY_NOT_FOUND")

	case errors.Is(err, ErrSessionNotFound):
		return NewProblemDetails(
			http.StatusNotFound,
			TypeSessionNotFound,
			"Session Not Found",
			"No open asset session has this id.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "SESSION_NOT_FOUND")

	case errors.Is(err, ErrInvalidAssetName):
		return NewProblemDetails(
			http.StatusBadRequest,
			TypeValidation,
			"Invalid Asset Name",
			err.Error(),
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "INVALID_ASSET_NAME")

	default:
		return NewProblemDetails(
			http.StatusInternalServerError,
			TypeKeyStore,
			"Key Store Error",
			fmt.Sprintf("The key store could not complete the request: %v", err),
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "KEY_STORE_ERROR")
	}
}
