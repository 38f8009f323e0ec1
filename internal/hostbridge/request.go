package hostbridge

import (
	"keybroker/internal/broker"
	"keybroker/pkg/contracts/events"
)

// hostRequest is a key request owned by the host. Completing it sends a
// respond or fail frame back over the connection that issued it.
type hostRequest struct {
	client    *Client
	sessionID string
	requestID string
	url       string
	kind      broker.RequestKind
	hasData   bool
}

func (r *hostRequest) URL() string              { return r.url }
func (r *hostRequest) Kind() broker.RequestKind { return r.kind }
func (r *hostRequest) HasDataRequest() bool     { return r.hasData }

func (r *hostRequest) Respond(data []byte) {
	r.client.sendFrame(events.TypeRespond, r.requestID, events.RespondPayload{
		RequestID: r.requestID,
		Data:      data,
	})
}

func (r *hostRequest) Fail(err *broker.KeyError) {
	r.client.sendFrame(events.TypeFail, r.requestID, events.FailPayload{
		RequestID: r.requestID,
		Kind:      string(err.Kind),
		Detail:    err.Reason(),
	})
}
