package interceptor

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"keybroker/internal/broker"
	"keybroker/internal/config"
	apierrors "keybroker/internal/errors"
	"keybroker/internal/infrastructure"
)

// SessionConfig describes the asset a session serves
type SessionConfig struct {
	Asset   broker.Asset
	DRM     broker.DRMConfig
	Options broker.MessageOptions
	// Builder signs messages for this session; nil uses the runner's default
	Builder broker.MessageBuilder
	// Owner identifies who opened the session, e.g. a bridge connection
	Owner string
}

// SessionOptions are the shared collaborators of a session
type SessionOptions struct {
	Scheme     string
	Runner     Runner
	Store      KeyRemover
	Discoverer KeyDiscoverer
	Metrics    *infrastructure.BrokerMetrics
	Logger     *slog.Logger
}

// SessionInfo is a point-in-time view of a session
type SessionInfo struct {
	ID          string    `json:"id"`
	AssetName   string    `json:"asset_name"`
	ResourceURL string    `json:"resource_url,omitempty"`
	ContentID   string    `json:"content_id,omitempty"`
	Owner       string    `json:"owner,omitempty"`
	Queued      int       `json:"queued"`
	InFlight    bool      `json:"in_flight"`
	Requests    int64     `json:"requests"`
	CacheHits   int64     `json:"cache_hits"`
	Failures    int64     `json:"failures"`
	LastError   string    `json:"last_error,omitempty"`
	Closed      bool      `json:"closed"`
	CreatedAt   time.Time `json:"created_at"`
}

// Session is one asset's interceptor. Requests are processed one at a time
// in arrival order by a dedicated worker goroutine.
type Session struct {
	ID        string
	asset     broker.Asset
	drm       broker.DRMConfig
	opts      broker.MessageOptions
	builder   broker.MessageBuilder
	owner     string
	createdAt time.Time

	scheme     string
	runner     Runner
	store      KeyRemover
	discoverer KeyDiscoverer
	metrics    *infrastructure.BrokerMetrics
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// mu guards everything below
	mu        sync.Mutex
	cond      *sync.Cond
	queue     []*broker.PendingRequest
	inFlight  *broker.PendingRequest
	closed    bool
	contentID string
	requests  int64
	cacheHits int64
	failures  int64
	lastError string
}

// NewSession creates a session and starts its worker
func NewSession(cfg SessionConfig, opts SessionOptions) (*Session, error) {
	if cfg.Asset.Name == "" {
		return nil, fmt.Errorf("%w: empty asset name", apierrors.ErrInvalidAssetName)
	}
	if opts.Runner == nil {
		return nil, fmt.Errorf("session requires a runner")
	}
	if opts.Scheme == "" {
		opts.Scheme = config.DefaultScheme
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	id := uuid.New().String()
	ctx, cancel := context.WithCancel(context.Background())
	ctx = infrastructure.WithSessionID(ctx, id)

	s := &Session{
		ID:         id,
		asset:      cfg.Asset,
		drm:        cfg.DRM,
		opts:       cfg.Options,
		builder:    cfg.Builder,
		owner:      cfg.Owner,
		createdAt:  time.Now(),
		scheme:     opts.Scheme,
		runner:     opts.Runner,
		store:      opts.Store,
		discoverer: opts.Discoverer,
		metrics:    opts.Metrics,
		logger: infrastructure.WithComponent(opts.Logger, "interceptor").With(
			slog.String("session_id", id),
			slog.String("asset_name", cfg.Asset.Name)),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)

	go s.worker()

	s.logger.Info("Asset session opened")
	return s, nil
}

// Asset returns the asset the session serves
func (s *Session) Asset() broker.Asset {
	return s.asset
}

// Owner returns who opened the session
func (s *Session) Owner() string {
	return s.owner
}

// ShouldHandle reports whether requestURL uses the reserved scheme
func (s *Session) ShouldHandle(requestURL string) bool {
	return MatchesScheme(requestURL, s.scheme)
}

// Intercept queues req for the worker. Requests that do not use the
// reserved scheme are left untouched and false is returned. After Close the
// request is failed with Cancelled and true is returned.
func (s *Session) Intercept(req broker.Request) bool {
	if req == nil || !s.ShouldHandle(req.URL()) {
		return false
	}
	s.enqueue(req)
	return true
}

// enqueue wraps req and appends it to the queue
func (s *Session) enqueue(req broker.Request) (*broker.PendingRequest, error) {
	pending := broker.NewPendingRequest(uuid.New().String(), req)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		pending.Fail(broker.NewKeyError(broker.Cancelled, "session closed", nil))
		return pending, apierrors.ErrSessionClosed
	}
	s.queue = append(s.queue, pending)
	queued := len(s.queue)
	s.cond.Signal()
	s.mu.Unlock()

	s.metrics.RecordQueueChange(s.ctx, 1)
	s.logger.Debug("Key request queued",
		slog.String("request_id", pending.ID),
		slog.String("request_kind", req.Kind().String()),
		slog.Int("queued", queued))
	return pending, nil
}

func (s *Session) worker() {
	defer close(s.done)

	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		pending := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.inFlight = pending
		s.mu.Unlock()

		s.metrics.RecordQueueChange(s.ctx, -1)
		s.process(pending)

		s.mu.Lock()
		s.inFlight = nil
		s.mu.Unlock()
	}
}

func (s *Session) process(pending *broker.PendingRequest) {
	contentID := hostOf(pending.Request.URL())

	s.mu.Lock()
	if contentID != "" {
		s.contentID = contentID
	}
	s.requests++
	s.mu.Unlock()

	result := s.runner.Run(s.ctx, broker.Job{
		SessionID: s.ID,
		Asset:     s.asset,
		DRM:       s.drm,
		Options:   s.opts,
		Pending:   pending,
		Builder:   s.builder,
	})

	// The runner always completes the request; this only guards a runner
	// that returned early without doing so.
	if !pending.Done() {
		pending.Fail(broker.NewKeyError(broker.Cancelled, "run ended without a result", nil))
	}

	s.mu.Lock()
	if result.CacheHit {
		s.cacheHits++
	}
	if result.Err != nil {
		s.failures++
		s.lastError = string(result.Err.Kind)
	}
	s.mu.Unlock()
}

// Close tears the session down. The in-flight run is cancelled and every
// queued request fails with Cancelled. Close is idempotent and does not wait
// for the in-flight run; use Done for that.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	drained := s.queue
	s.queue = nil
	s.cond.Broadcast()
	s.mu.Unlock()

	s.cancel()

	for _, pending := range drained {
		pending.Fail(broker.NewKeyError(broker.Cancelled, "session closed", nil))
	}
	if len(drained) > 0 {
		s.metrics.RecordQueueChange(context.Background(), -int64(len(drained)))
	}

	s.logger.Info("Asset session closed", slog.Int("drained", len(drained)))
}

// Done is closed once the worker has exited
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Closed reports whether Close has been called
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ForgetKey deletes the persisted key for the session's asset
func (s *Session) ForgetKey() error {
	if s.store == nil {
		return fmt.Errorf("session has no key store")
	}
	if err := s.store.Delete(s.asset.Name); err != nil {
		return fmt.Errorf("failed to forget key for %s: %w", s.asset.Name, err)
	}
	s.logger.Info("Persisted key forgotten")
	return nil
}

// Info returns a snapshot of the session
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	contentID := ""
	if s.contentID != "" {
		contentID = infrastructure.MaskIdentifier(s.contentID)
	}
	return SessionInfo{
		ID:          s.ID,
		AssetName:   s.asset.Name,
		ResourceURL: s.asset.ResourceURL,
		ContentID:   contentID,
		Owner:       s.owner,
		Queued:      len(s.queue),
		InFlight:    s.inFlight != nil,
		Requests:    s.requests,
		CacheHits:   s.cacheHits,
		Failures:    s.failures,
		LastError:   s.lastError,
		Closed:      s.closed,
		CreatedAt:   s.createdAt,
	}
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
