package hostbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"keybroker/internal/broker"
	"keybroker/internal/config"
	apierrors "keybroker/internal/errors"
	"keybroker/internal/infrastructure"
	"keybroker/internal/interceptor"
	"keybroker/pkg/contracts/events"
)

const (
	// Send pings to peer with this period. Must be less than pong wait
	pingPeriod = (config.BridgePongWait * 9) / 10

	sendBuffer = 256
)

// ErrClientClosed is returned by a message build whose connection went away
var ErrClientClosed = errors.New("bridge connection closed")

type buildResult struct {
	message []byte
	err     error
}

// Client is one host connection. It owns the sessions it opened and signs
// their key request messages by asking the host.
type Client struct {
	bridge *Bridge
	conn   Connection
	id     string

	send chan []byte
	done chan struct{}
	once sync.Once

	ctx    context.Context
	cancel context.CancelFunc

	// mu guards builds, keyed by build id
	mu     sync.Mutex
	builds map[string]chan buildResult

	remoteAddr  string
	connectedAt time.Time
	logger      *slog.Logger
}

func newClient(b *Bridge, conn Connection, traceID string) *Client {
	id := uuid.New().String()
	ctx, cancel := context.WithCancel(context.Background())
	if traceID != "" {
		ctx = infrastructure.WithTraceID(ctx, traceID)
	}
	return &Client{
		bridge:      b,
		conn:        conn,
		id:          id,
		send:        make(chan []byte, sendBuffer),
		done:        make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
		builds:      make(map[string]chan buildResult),
		remoteAddr:  conn.RemoteAddr(),
		connectedAt: time.Now(),
		logger: b.logger.With(
			slog.String("client_id", id),
			slog.String("trace_id", traceID)),
	}
}

// ID returns the connection id. Sessions opened by this client carry it as
// their owner.
func (c *Client) ID() string {
	return c.id
}

// readPump dispatches frames from the host until the connection fails
func (c *Client) readPump() {
	defer c.close()

	c.conn.SetReadLimit(config.BridgeMaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(config.BridgePongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(config.BridgePongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.ErrorContext(c.ctx, "Unexpected bridge close error",
					slog.String("error", err.Error()))
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(config.BridgePongWait))

		var frame events.Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			c.sendError("", events.CodeInvalidFrame, "frame is not valid JSON")
			continue
		}
		c.dispatch(frame)
	}
}

// writePump writes queued frames and keeps the connection alive with pings
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(config.BridgeWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.ErrorContext(c.ctx, "Error writing bridge frame",
					slog.String("error", err.Error()))
				c.close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(config.BridgeWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.DebugContext(c.ctx, "Failed to send ping message",
					slog.String("error", err.Error()))
				c.close()
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(config.BridgeWriteWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// close tears the connection down once. Every session the client opened is
// closed, which fails their outstanding requests with Cancelled.
func (c *Client) close() {
	c.once.Do(func() {
		close(c.done)
		c.cancel()
		closed := c.bridge.manager.CloseOwned(c.id)

		c.mu.Lock()
		for id, ch := range c.builds {
			ch <- buildResult{err: ErrClientClosed}
			delete(c.builds, id)
		}
		c.mu.Unlock()

		c.bridge.unregister(c)
		c.logger.InfoContext(c.ctx, "Bridge client disconnected",
			slog.Duration("connection_duration", time.Since(c.connectedAt)),
			slog.Int("sessions_closed", closed))
	})
}

// sendFrame queues a frame for the host. Frames sent after the connection
// closed are dropped.
func (c *Client) sendFrame(t events.MessageType, id string, payload any) {
	select {
	case <-c.done:
		return
	default:
	}

	frame, err := events.NewFrame(t, id, payload)
	if err != nil {
		c.logger.Error("Failed to build bridge frame", slog.String("error", err.Error()))
		return
	}
	data, err := json.Marshal(frame)
	if err != nil {
		c.logger.Error("Failed to encode bridge frame", slog.String("error", err.Error()))
		return
	}

	select {
	case <-c.done:
		c.logger.Debug("Dropping frame for closed connection", slog.String("type", string(t)))
	case c.send <- data:
	}
}

func (c *Client) sendError(id, code, detail string) {
	c.sendFrame(events.TypeError, id, events.ErrorPayload{Code: code, Detail: detail})
}

func (c *Client) dispatch(frame events.Frame) {
	switch frame.Type {
	case events.TypeHeartbeat:
		return
	case events.TypeOpenSession:
		c.handleOpenSession(frame)
	case events.TypeKeyRequest:
		c.handleKeyRequest(frame)
	case events.TypeMessageBuilt:
		c.handleMessageBuilt(frame)
	case events.TypeForgetKey:
		c.handleForgetKey(frame)
	case events.TypePrefetch:
		c.handlePrefetch(frame)
	case events.TypeCloseSession:
		c.handleCloseSession(frame)
	default:
		c.sendError(frame.ID, events.CodeUnknownType, fmt.Sprintf("unknown frame type %q", frame.Type))
	}
}

// decode unmarshals and validates a frame payload, answering the host with
// an error frame when it is unusable.
func (c *Client) decode(frame events.Frame, v any) bool {
	if err := frame.Decode(v); err != nil {
		c.sendError(frame.ID, events.CodeInvalidPayload, err.Error())
		return false
	}
	if err := c.bridge.validate.Struct(v); err != nil {
		c.sendError(frame.ID, events.CodeInvalidPayload, err.Error())
		return false
	}
	return true
}

// session returns the session with id if this client opened it
func (c *Client) session(frameID, id string) (*interceptor.Session, bool) {
	s, err := c.bridge.manager.Get(id)
	if err != nil || s.Owner() != c.id {
		c.sendError(frameID, events.CodeSessionNotFound, fmt.Sprintf("session %s not found", id))
		return nil, false
	}
	return s, true
}

func (c *Client) handleOpenSession(frame events.Frame) {
	var p events.OpenSessionPayload
	if !c.decode(frame, &p) {
		return
	}

	s, err := c.bridge.manager.Open(interceptor.SessionConfig{
		Asset:   broker.Asset{Name: p.AssetName, ResourceURL: p.ResourceURL},
		DRM:     c.bridge.drmFor(p.DRM),
		Options: broker.MessageOptions(p.Options),
		Builder: c,
		Owner:   c.id,
	})
	if err != nil {
		c.sendError(frame.ID, events.CodeSessionFailed, err.Error())
		return
	}
	select {
	case <-c.done:
		// Raced with disconnect after CloseOwned ran
		c.bridge.manager.Close(s.ID)
		return
	default:
	}

	c.sendFrame(events.TypeSessionOpened, frame.ID, events.SessionOpenedPayload{
		SessionID: s.ID,
		AssetName: p.AssetName,
	})
}

func (c *Client) handleKeyRequest(frame events.Frame) {
	var p events.KeyRequestPayload
	if !c.decode(frame, &p) {
		return
	}
	s, ok := c.session(frame.ID, p.SessionID)
	if !ok {
		return
	}

	kind, err := broker.ParseRequestKind(p.Kind)
	if err != nil {
		c.sendError(frame.ID, events.CodeInvalidPayload, err.Error())
		return
	}
	hasData := true
	if p.HasDataRequest != nil {
		hasData = *p.HasDataRequest
	}

	req := &hostRequest{
		client:    c,
		sessionID: p.SessionID,
		requestID: p.RequestID,
		url:       p.URL,
		kind:      kind,
		hasData:   hasData,
	}
	if !s.Intercept(req) {
		c.sendFrame(events.TypeKeyRequestIgnored, frame.ID, events.KeyRequestIgnoredPayload{
			RequestID: p.RequestID,
			SessionID: p.SessionID,
		})
	}
}

func (c *Client) handleMessageBuilt(frame events.Frame) {
	var p events.MessageBuiltPayload
	if !c.decode(frame, &p) {
		return
	}

	c.mu.Lock()
	ch, ok := c.builds[p.BuildID]
	delete(c.builds, p.BuildID)
	c.mu.Unlock()

	if !ok {
		c.sendError(frame.ID, events.CodeUnknownRequest, fmt.Sprintf("no message build pending for %s", p.BuildID))
		return
	}

	result := buildResult{message: p.Message}
	if p.Error != "" {
		result.err = errors.New(p.Error)
	}
	ch <- result
}

func (c *Client) handleForgetKey(frame events.Frame) {
	var p events.SessionPayload
	if !c.decode(frame, &p) {
		return
	}
	s, ok := c.session(frame.ID, p.SessionID)
	if !ok {
		return
	}
	if err := s.ForgetKey(); err != nil {
		c.sendError(frame.ID, events.CodeSessionFailed, err.Error())
		return
	}
	c.sendFrame(events.TypeKeyForgotten, frame.ID, p)
}

// handlePrefetch runs in its own goroutine since it waits on the session
// queue, which may need message_built frames from this connection.
func (c *Client) handlePrefetch(frame events.Frame) {
	var p events.SessionPayload
	if !c.decode(frame, &p) {
		return
	}
	s, ok := c.session(frame.ID, p.SessionID)
	if !ok {
		return
	}

	go func() {
		report, err := s.Prefetch(c.ctx)
		payload := events.PrefetchCompletePayload{
			SessionID: p.SessionID,
			KeyURIs:   report.KeyURIs,
			Delivered: report.Delivered,
			Failed:    report.Failed,
		}
		if err != nil {
			payload.Error = err.Error()
		}
		c.sendFrame(events.TypePrefetchComplete, frame.ID, payload)
	}()
}

func (c *Client) handleCloseSession(frame events.Frame) {
	var p events.SessionPayload
	if !c.decode(frame, &p) {
		return
	}
	if _, ok := c.session(frame.ID, p.SessionID); !ok {
		return
	}
	if err := c.bridge.manager.Close(p.SessionID); err != nil && !errors.Is(err, apierrors.ErrSessionNotFound) {
		c.sendError(frame.ID, events.CodeSessionFailed, err.Error())
		return
	}
	c.sendFrame(events.TypeSessionClosed, frame.ID, p)
}

// BuildMessage asks the host to sign a key request message and waits for
// the message_built frame carrying the same build id. Runs started by
// prefetch have no host request id; the session id comes from ctx.
func (c *Client) BuildMessage(ctx context.Context, req broker.Request, certificate, contentID []byte, opts broker.MessageOptions) ([]byte, error) {
	payload := events.BuildMessagePayload{
		BuildID:     uuid.New().String(),
		SessionID:   infrastructure.GetSessionID(ctx),
		URL:         req.URL(),
		Certificate: certificate,
		ContentID:   contentID,
		Options:     opts,
	}
	if hr, ok := req.(*hostRequest); ok {
		payload.RequestID = hr.requestID
		payload.SessionID = hr.sessionID
	}

	ch := make(chan buildResult, 1)
	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return nil, ErrClientClosed
	default:
	}
	c.builds[payload.BuildID] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.builds, payload.BuildID)
		c.mu.Unlock()
	}()

	c.sendFrame(events.TypeBuildMessage, payload.BuildID, payload)

	timer := time.NewTimer(c.bridge.buildTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res.message, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("host did not build message within %s", c.bridge.buildTimeout)
	}
}
