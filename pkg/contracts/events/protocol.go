// Package events defines the frames exchanged with the host media framework
// over the bridge websocket.
package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Protocol version
const (
	ProtocolVersion = "1.0"
	ProtocolName    = "keybroker-bridge"
)

// MessageType names a frame
type MessageType string

// Host to broker
const (
	TypeOpenSession  MessageType = "open_session"
	TypeKeyRequest   MessageType = "key_request"
	TypeMessageBuilt MessageType = "message_built"
	TypeForgetKey    MessageType = "forget_key"
	TypePrefetch     MessageType = "prefetch"
	TypeCloseSession MessageType = "close_session"
	TypeHeartbeat    MessageType = "heartbeat"
)

// Broker to host
const (
	TypeSessionOpened     MessageType = "session_opened"
	TypeBuildMessage      MessageType = "build_message"
	TypeRespond           MessageType = "respond"
	TypeFail              MessageType = "fail"
	TypeKeyForgotten      MessageType = "key_forgotten"
	TypePrefetchComplete  MessageType = "prefetch_complete"
	TypeSessionClosed     MessageType = "session_closed"
	TypeKeyPersisted      MessageType = "key_persisted"
	TypeKeyRequestIgnored MessageType = "key_request_ignored"
	TypeError             MessageType = "error"
)

// Frame is one websocket message. ID correlates a reply with the frame that
// caused it.
type Frame struct {
	Type      MessageType     `json:"type"`
	ID        string          `json:"id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewFrame marshals payload into a frame of type t
func NewFrame(t MessageType, id string, payload any) (Frame, error) {
	f := Frame{Type: t, ID: id, Timestamp: time.Now().UTC()}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return f, fmt.Errorf("failed to marshal %s payload: %w", t, err)
		}
		f.Payload = raw
	}
	return f, nil
}

// Decode unmarshals the frame payload into v
func (f Frame) Decode(v any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("%s frame has no payload", f.Type)
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("invalid %s payload: %w", f.Type, err)
	}
	return nil
}

// Header is one custom license request header
type Header struct {
	Name  string `json:"name" validate:"required"`
	Value string `json:"value"`
}

// DRMSettings are a session's license endpoints. Empty fields fall back to
// the broker's configured defaults.
type DRMSettings struct {
	CertificateURL string   `json:"certificate_url,omitempty" validate:"omitempty,url"`
	LicenseURL     string   `json:"license_url,omitempty" validate:"omitempty,url"`
	Headers        []Header `json:"headers,omitempty" validate:"dive"`
}

type OpenSessionPayload struct {
	AssetName   string            `json:"asset_name" validate:"required,max=255"`
	ResourceURL string            `json:"resource_url,omitempty" validate:"omitempty,url"`
	DRM         DRMSettings       `json:"drm"`
	Options     map[string]string `json:"options,omitempty"`
}

type SessionOpenedPayload struct {
	SessionID string `json:"session_id"`
	AssetName string `json:"asset_name"`
}

// KeyRequestPayload asks the broker to resolve a key URL. HasDataRequest
// defaults to true when omitted.
type KeyRequestPayload struct {
	SessionID      string `json:"session_id" validate:"required"`
	RequestID      string `json:"request_id" validate:"required"`
	URL            string `json:"url" validate:"required"`
	Kind           string `json:"kind,omitempty" validate:"omitempty,oneof=load renew"`
	HasDataRequest *bool  `json:"has_data_request,omitempty"`
}

// BuildMessagePayload asks the host to sign a key request message. The
// host answers with a message_built frame echoing BuildID.
type BuildMessagePayload struct {
	BuildID     string            `json:"build_id"`
	SessionID   string            `json:"session_id"`
	RequestID   string            `json:"request_id,omitempty"`
	URL         string            `json:"url"`
	Certificate []byte            `json:"certificate"`
	ContentID   []byte            `json:"content_id"`
	Options     map[string]string `json:"options,omitempty"`
}

// MessageBuiltPayload carries the signed message or the reason it could not
// be built.
type MessageBuiltPayload struct {
	BuildID string `json:"build_id" validate:"required"`
	Message []byte `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

type RespondPayload struct {
	RequestID string `json:"request_id"`
	Data      []byte `json:"data"`
}

type FailPayload struct {
	RequestID string `json:"request_id"`
	Kind      string `json:"kind"`
	Detail    string `json:"detail,omitempty"`
}

// SessionPayload addresses a session. It is used by forget_key, prefetch,
// close_session and their acknowledgements.
type SessionPayload struct {
	SessionID string `json:"session_id" validate:"required"`
}

type PrefetchCompletePayload struct {
	SessionID string            `json:"session_id"`
	KeyURIs   []string          `json:"key_uris"`
	Delivered int               `json:"delivered"`
	Failed    map[string]string `json:"failed,omitempty"`
	Error     string            `json:"error,omitempty"`
}

type KeyPersistedPayload struct {
	SessionID string `json:"session_id,omitempty"`
	AssetName string `json:"asset_name"`
	File      string `json:"file"`
}

type KeyRequestIgnoredPayload struct {
	RequestID string `json:"request_id"`
	SessionID string `json:"session_id"`
}

// ErrorPayload reports a frame the broker could not act on
type ErrorPayload struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

// Error codes
const (
	CodeInvalidFrame    = "invalid_frame"
	CodeInvalidPayload  = "invalid_payload"
	CodeUnknownType     = "unknown_type"
	CodeSessionNotFound = "session_not_found"
	CodeSessionFailed   = "session_failed"
	CodeUnknownRequest  = "unknown_request"
)
