package interceptor_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keybroker/internal/broker"
	apierrors "keybroker/internal/errors"
	"keybroker/internal/interceptor"
	"keybroker/internal/keystore"
	"keybroker/internal/shared/testutil"
)

type runnerFunc func(ctx context.Context, job broker.Job) broker.Result

func (f runnerFunc) Run(ctx context.Context, job broker.Job) broker.Result {
	return f(ctx, job)
}

// echoRunner responds with the request URL and records the order of runs
type echoRunner struct {
	mu    sync.Mutex
	order []string
}

func (e *echoRunner) Run(ctx context.Context, job broker.Job) broker.Result {
	u := job.Pending.Request.URL()
	e.mu.Lock()
	e.order = append(e.order, u)
	e.mu.Unlock()
	job.Pending.Respond([]byte(u))
	return broker.Result{Path: []broker.State{broker.StateDone}}
}

func (e *echoRunner) Order() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.order...)
}

// blockingRunner holds every run until the session is cancelled
func blockingRunner(started chan<- string) runnerFunc {
	return func(ctx context.Context, job broker.Job) broker.Result {
		started <- job.Pending.Request.URL()
		<-ctx.Done()
		kerr := broker.NewKeyError(broker.Cancelled, "test", ctx.Err())
		job.Pending.Fail(kerr)
		return broker.Result{Err: kerr}
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func openSession(t *testing.T, runner interceptor.Runner, name string) *interceptor.Session {
	t.Helper()
	s, err := interceptor.NewSession(
		interceptor.SessionConfig{Asset: broker.Asset{Name: name}},
		interceptor.SessionOptions{Scheme: "skd", Runner: runner, Logger: quietLogger()},
	)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestShouldHandle(t *testing.T) {
	s := openSession(t, &echoRunner{}, "movie-42")

	assert.True(t, s.ShouldHandle("skd://movie-42"))
	assert.True(t, s.ShouldHandle("SKD://movie-42"))
	assert.False(t, s.ShouldHandle("https://cdn.example.com/movie-42/key"))
	assert.False(t, s.ShouldHandle("skdx://movie-42"))
	assert.False(t, s.ShouldHandle("::"))
	assert.False(t, s.ShouldHandle(""))
}

func TestInterceptIgnoresOtherSchemes(t *testing.T) {
	runner := &echoRunner{}
	s := openSession(t, runner, "movie-42")
	req := testutil.NewFakeRequest("https://cdn.example.com/seg1.ts")

	assert.False(t, s.Intercept(req))

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, runner.Order())
	assert.Zero(t, req.Finishes())
	assert.Zero(t, s.Info().Requests)
}

func TestSameSessionRunsInArrivalOrder(t *testing.T) {
	runner := &echoRunner{}
	s := openSession(t, runner, "movie-42")

	urls := []string{"skd://a", "skd://b", "skd://c", "skd://d", "skd://e"}
	reqs := make([]*testutil.FakeRequest, len(urls))
	for i, u := range urls {
		reqs[i] = testutil.NewFakeRequest(u)
		require.True(t, s.Intercept(reqs[i]))
	}

	for _, r := range reqs {
		require.True(t, r.Wait(2*time.Second))
	}
	assert.Equal(t, urls, runner.Order())
	for i, r := range reqs {
		data, kerr := r.Result()
		assert.Nil(t, kerr)
		assert.Equal(t, []byte(urls[i]), data)
	}
}

func TestSessionsAreIndependent(t *testing.T) {
	started := make(chan string, 1)
	slow := openSession(t, blockingRunner(started), "slow")
	fast := openSession(t, &echoRunner{}, "fast")

	blocked := testutil.NewFakeRequest("skd://slow")
	require.True(t, slow.Intercept(blocked))
	<-started

	req := testutil.NewFakeRequest("skd://fast")
	require.True(t, fast.Intercept(req))
	require.True(t, req.Wait(2*time.Second), "fast session was blocked by slow session")
	assert.Zero(t, blocked.Finishes())
}

func TestCloseCancelsInFlightAndQueued(t *testing.T) {
	started := make(chan string, 1)
	s, err := interceptor.NewSession(
		interceptor.SessionConfig{Asset: broker.Asset{Name: "movie-42"}},
		interceptor.SessionOptions{Runner: blockingRunner(started), Logger: quietLogger()},
	)
	require.NoError(t, err)

	inFlight := testutil.NewFakeRequest("skd://one")
	queued1 := testutil.NewFakeRequest("skd://two")
	queued2 := testutil.NewFakeRenewal("skd://three")
	require.True(t, s.Intercept(inFlight))
	<-started
	require.True(t, s.Intercept(queued1))
	require.True(t, s.Intercept(queued2))

	s.Close()
	s.Close()

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not exit")
	}

	for _, r := range []*testutil.FakeRequest{inFlight, queued1, queued2} {
		require.True(t, r.Wait(time.Second))
		_, kerr := r.Result()
		require.NotNil(t, kerr)
		assert.Equal(t, broker.Cancelled, kerr.Kind)
		assert.Equal(t, 1, r.Finishes())
	}
	assert.True(t, s.Closed())
}

func TestInterceptAfterCloseFailsCancelled(t *testing.T) {
	runner := &echoRunner{}
	s := openSession(t, runner, "movie-42")
	s.Close()

	req := testutil.NewFakeRequest("skd://movie-42")
	assert.True(t, s.Intercept(req))

	require.True(t, req.Wait(time.Second))
	_, kerr := req.Result()
	require.NotNil(t, kerr)
	assert.ErrorIs(t, kerr, broker.ErrCancelled)
	assert.Equal(t, 1, req.Finishes())
	assert.Empty(t, runner.Order())
}

func TestNewSessionRequiresAssetName(t *testing.T) {
	_, err := interceptor.NewSession(interceptor.SessionConfig{}, interceptor.SessionOptions{Runner: &echoRunner{}})
	assert.ErrorIs(t, err, apierrors.ErrInvalidAssetName)
}

func TestSessionWithMachineAndStore(t *testing.T) {
	store, err := keystore.Open(keystore.Options{Root: t.TempDir(), Logger: quietLogger()})
	require.NoError(t, err)

	certs := &testutil.FakeCertificates{Body: []byte("CERT")}
	licenses := &testutil.FakeLicenses{Body: []byte("CKC")}
	machine := broker.NewMachine(broker.Deps{
		Store:        store,
		Certificates: certs,
		Licenses:     licenses,
		Logger:       quietLogger(),
	})

	s, err := interceptor.NewSession(
		interceptor.SessionConfig{
			Asset:   broker.Asset{Name: "movie-42"},
			Builder: &testutil.FakeBuilder{Message: []byte("SPC")},
		},
		interceptor.SessionOptions{Runner: machine, Store: store, Logger: quietLogger()},
	)
	require.NoError(t, err)
	defer s.Close()

	first := testutil.NewFakeRequest("skd://movie-42")
	require.True(t, s.Intercept(first))
	require.True(t, first.Wait(2*time.Second))
	data, kerr := first.Result()
	require.Nil(t, kerr)
	assert.Equal(t, []byte("CKC"), data)

	second := testutil.NewFakeRenewal("skd://movie-42")
	require.True(t, s.Intercept(second))
	require.True(t, second.Wait(2*time.Second))
	assert.Equal(t, 1, licenses.Calls())

	info := s.Info()
	assert.Equal(t, int64(2), info.Requests)
	assert.Equal(t, int64(1), info.CacheHits)
	assert.Equal(t, "movi****e-42", info.ContentID)

	require.NoError(t, s.ForgetKey())
	_, ok := store.Lookup("movie-42")
	assert.False(t, ok)
}

type staticDiscoverer struct {
	uris []string
	err  error
}

func (d staticDiscoverer) DiscoverKeys(ctx context.Context, resourceURL string) ([]string, error) {
	return d.uris, d.err
}

func TestPrefetch(t *testing.T) {
	runner := &echoRunner{}
	s, err := interceptor.NewSession(
		interceptor.SessionConfig{Asset: broker.Asset{Name: "movie-42", ResourceURL: "https://cdn.example.com/master.m3u8"}},
		interceptor.SessionOptions{
			Runner: runner,
			Discoverer: staticDiscoverer{uris: []string{
				"skd://movie-42-video", "https://cdn.example.com/aes.key", "skd://movie-42-video", "skd://movie-42-audio",
			}},
			Logger: quietLogger(),
		},
	)
	require.NoError(t, err)
	defer s.Close()

	report, err := s.Prefetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"skd://movie-42-video", "skd://movie-42-audio"}, report.KeyURIs)
	assert.Equal(t, 2, report.Delivered)
	assert.Empty(t, report.Failed)
	assert.Equal(t, report.KeyURIs, runner.Order())
}

func TestPrefetchErrors(t *testing.T) {
	noDiscoverer := openSession(t, &echoRunner{}, "movie-42")
	_, err := noDiscoverer.Prefetch(context.Background())
	assert.Error(t, err)

	s, err := interceptor.NewSession(
		interceptor.SessionConfig{Asset: broker.Asset{Name: "movie-42", ResourceURL: "https://cdn.example.com/master.m3u8"}},
		interceptor.SessionOptions{Runner: &echoRunner{}, Discoverer: staticDiscoverer{err: errors.New("404")}, Logger: quietLogger()},
	)
	require.NoError(t, err)
	defer s.Close()
	_, err = s.Prefetch(context.Background())
	assert.Error(t, err)
}

func TestPrefetchDeliversEachContentKey(t *testing.T) {
	store, err := keystore.Open(keystore.Options{Root: t.TempDir(), Logger: quietLogger()})
	require.NoError(t, err)
	licenses := &testutil.FakeLicenses{Respond: func(message []byte) []byte {
		return []byte("key-for-" + string(message))
	}}
	machine := broker.NewMachine(broker.Deps{
		Store:        store,
		Certificates: &testutil.FakeCertificates{Body: []byte("CERT")},
		Licenses:     licenses,
		Builder:      &testutil.FakeBuilder{EchoContentID: true},
		Logger:       quietLogger(),
	})

	s, err := interceptor.NewSession(
		interceptor.SessionConfig{Asset: broker.Asset{Name: "movie-42", ResourceURL: "https://cdn.example.com/master.m3u8"}},
		interceptor.SessionOptions{
			Runner:     machine,
			Store:      store,
			Discoverer: staticDiscoverer{uris: []string{"skd://video-kid", "skd://audio-kid"}},
			Logger:     quietLogger(),
		},
	)
	require.NoError(t, err)
	defer s.Close()

	report, err := s.Prefetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Delivered)
	assert.Equal(t, 2, licenses.Calls())

	for _, tc := range []struct {
		url   string
		want  string
		calls int
	}{
		{"skd://audio-kid", "key-for-audio-kid", 2},
		{"skd://video-kid", "key-for-video-kid", 3},
	} {
		req := testutil.NewFakeRequest(tc.url)
		require.True(t, s.Intercept(req))
		require.True(t, req.Wait(2*time.Second))
		data, kerr := req.Result()
		require.Nil(t, kerr)
		assert.Equal(t, []byte(tc.want), data, tc.url)
		assert.Equal(t, tc.calls, licenses.Calls(), tc.url)
	}
}
