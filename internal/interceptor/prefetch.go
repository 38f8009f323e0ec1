package interceptor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"keybroker/internal/broker"
)

// PrefetchReport summarizes a prefetch pass
type PrefetchReport struct {
	KeyURIs   []string          `json:"key_uris"`
	Delivered int               `json:"delivered"`
	Failed    map[string]string `json:"failed,omitempty"`
}

// prefetchRequest is a load issued by the broker itself to warm the store.
// The delivered bytes are discarded.
type prefetchRequest struct {
	url  string
	done chan struct{}

	mu  sync.Mutex
	err *broker.KeyError
}

func newPrefetchRequest(url string) *prefetchRequest {
	return &prefetchRequest{url: url, done: make(chan struct{})}
}

func (r *prefetchRequest) URL() string              { return r.url }
func (r *prefetchRequest) Kind() broker.RequestKind { return broker.KindLoad }
func (r *prefetchRequest) HasDataRequest() bool     { return true }

func (r *prefetchRequest) Respond([]byte) {
	close(r.done)
}

func (r *prefetchRequest) Fail(err *broker.KeyError) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
	close(r.done)
}

func (r *prefetchRequest) failure() *broker.KeyError {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Prefetch downloads the session's resource, finds every key URI using the
// reserved scheme and loads each distinct one through the session queue.
// It returns once every load finished or ctx is done.
func (s *Session) Prefetch(ctx context.Context) (PrefetchReport, error) {
	var report PrefetchReport
	if s.discoverer == nil {
		return report, fmt.Errorf("prefetch is not configured")
	}
	if s.asset.ResourceURL == "" {
		return report, fmt.Errorf("asset %s has no resource URL", s.asset.Name)
	}

	uris, err := s.discoverer.DiscoverKeys(ctx, s.asset.ResourceURL)
	if err != nil {
		return report, fmt.Errorf("failed to discover keys: %w", err)
	}

	seen := make(map[string]bool)
	var requests []*prefetchRequest
	for _, uri := range uris {
		if seen[uri] || !s.ShouldHandle(uri) {
			continue
		}
		seen[uri] = true

		req := newPrefetchRequest(uri)
		if _, err := s.enqueue(req); err != nil {
			return report, err
		}
		requests = append(requests, req)
		report.KeyURIs = append(report.KeyURIs, uri)
	}

	s.logger.InfoContext(ctx, "Prefetching keys", slog.Int("key_uris", len(requests)))

	for _, req := range requests {
		select {
		case <-req.done:
		case <-ctx.Done():
			return report, ctx.Err()
		}
		if kerr := req.failure(); kerr != nil {
			if report.Failed == nil {
				report.Failed = make(map[string]string)
			}
			report.Failed[req.url] = string(kerr.Kind)
			continue
		}
		report.Delivered++
	}
	return report, nil
}
