package testutil

import (
	"context"
	"sync"
	"time"

	"keybroker/internal/broker"
	"keybroker/internal/keyserver"
)

// FakeRequest is a broker.Request that records its completion
type FakeRequest struct {
	RawURL   string
	ReqKind  broker.RequestKind
	NoData   bool
	OnFinish func(*FakeRequest)

	mu       sync.Mutex
	data     []byte
	err      *broker.KeyError
	finishes int
	done     chan struct{}
}

// NewFakeRequest creates a load request for url with a data channel
func NewFakeRequest(url string) *FakeRequest {
	return &FakeRequest{RawURL: url, ReqKind: broker.KindLoad, done: make(chan struct{})}
}

// NewFakeRenewal creates a renewal request for url
func NewFakeRenewal(url string) *FakeRequest {
	r := NewFakeRequest(url)
	r.ReqKind = broker.KindRenew
	return r
}

func (r *FakeRequest) URL() string               { return r.RawURL }
func (r *FakeRequest) Kind() broker.RequestKind { return r.ReqKind }
func (r *FakeRequest) HasDataRequest() bool     { return !r.NoData }

func (r *FakeRequest) Respond(data []byte) {
	r.finish(func() { r.data = append([]byte(nil), data...) })
}

func (r *FakeRequest) Fail(err *broker.KeyError) {
	r.finish(func() { r.err = err })
}

func (r *FakeRequest) finish(set func()) {
	r.mu.Lock()
	r.finishes++
	first := r.finishes == 1
	if first {
		set()
	}
	r.mu.Unlock()

	if first {
		if r.OnFinish != nil {
			r.OnFinish(r)
		}
		close(r.done)
	}
}

// Wait blocks until the request completes or timeout passes
func (r *FakeRequest) Wait(timeout time.Duration) bool {
	select {
	case <-r.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Done is closed on completion
func (r *FakeRequest) Done() <-chan struct{} {
	return r.done
}

// Result returns the delivered bytes or failure
func (r *FakeRequest) Result() ([]byte, *broker.KeyError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.data, r.err
}

// Finishes returns how many times the completion sink was invoked
func (r *FakeRequest) Finishes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finishes
}

// CallLog records calls across fakes so tests can assert ordering
type CallLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *CallLog) add(call string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.calls = append(l.calls, call)
	l.mu.Unlock()
}

// Calls returns a copy of the recorded calls
func (l *CallLog) Calls() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

// FakeCertificates is a broker.CertificateFetcher
type FakeCertificates struct {
	Body  []byte
	Err   error
	Log   *CallLog
	Block chan struct{}

	mu    sync.Mutex
	calls int
	urls  []string
}

func (f *FakeCertificates) FetchCertificate(ctx context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	f.calls++
	f.urls = append(f.urls, url)
	f.mu.Unlock()
	f.Log.add("certificate")

	if f.Block != nil {
		select {
		case <-f.Block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.Body, f.Err
}

// Calls returns the number of fetches
func (f *FakeCertificates) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// FakeLicenses is a broker.LicenseExchanger
type FakeLicenses struct {
	Body []byte
	Err  error
	Log  *CallLog
	// Block, when set, holds every exchange until closed or cancelled
	Block chan struct{}
	// Respond computes the reply from the message when set
	Respond func(message []byte) []byte

	mu       sync.Mutex
	calls    int
	messages [][]byte
	headers  [][]keyserver.Header
}

func (f *FakeLicenses) ExchangeLicense(ctx context.Context, url string, headers []keyserver.Header, message []byte) ([]byte, error) {
	f.mu.Lock()
	f.calls++
	f.messages = append(f.messages, append([]byte(nil), message...))
	f.headers = append(f.headers, headers)
	f.mu.Unlock()
	f.Log.add("license")

	if f.Block != nil {
		select {
		case <-f.Block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.Err != nil {
		return nil, f.Err
	}
	if f.Respond != nil {
		return f.Respond(message), nil
	}
	return f.Body, nil
}

// Calls returns the number of exchanges
func (f *FakeLicenses) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// Messages returns the message bodies received
func (f *FakeLicenses) Messages() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.messages...)
}

// FakeBuilder is a broker.MessageBuilder
type FakeBuilder struct {
	Message []byte
	Err     error
	Log     *CallLog
	// EchoContentID returns the content id as the message when set
	EchoContentID bool

	mu     sync.Mutex
	inputs []BuildInput
}

// BuildInput is what the builder was given
type BuildInput struct {
	Certificate []byte
	ContentID   string
}

func (f *FakeBuilder) BuildMessage(ctx context.Context, req broker.Request, certificate, contentID []byte, opts broker.MessageOptions) ([]byte, error) {
	f.mu.Lock()
	f.inputs = append(f.inputs, BuildInput{Certificate: append([]byte(nil), certificate...), ContentID: string(contentID)})
	f.mu.Unlock()
	f.Log.add("build")

	if f.Err != nil {
		return nil, f.Err
	}
	if f.EchoContentID {
		return append([]byte(nil), contentID...), nil
	}
	return f.Message, nil
}

// Inputs returns the recorded builder inputs
func (f *FakeBuilder) Inputs() []BuildInput {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]BuildInput(nil), f.inputs...)
}

// EventRecorder is a broker.Notifier that keeps every event
type EventRecorder struct {
	mu     sync.Mutex
	events []broker.KeyPersistedEvent
}

func (e *EventRecorder) KeyPersisted(ctx context.Context, event broker.KeyPersistedEvent) {
	e.mu.Lock()
	e.events = append(e.events, event)
	e.mu.Unlock()
}

// Events returns the recorded events
func (e *EventRecorder) Events() []broker.KeyPersistedEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]broker.KeyPersistedEvent(nil), e.events...)
}
