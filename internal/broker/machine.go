package broker

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"keybroker/internal/infrastructure"
)

const TracerName = "keybroker/broker"

// Deps are the collaborators of a Machine
type Deps struct {
	Store        KeyStore
	Certificates CertificateFetcher
	Licenses     LicenseExchanger
	Builder      MessageBuilder
	Notifier     Notifier
	Metrics      *infrastructure.BrokerMetrics
	Logger       *slog.Logger
	// ReadOnly disables persisting keys obtained on a cache miss
	ReadOnly bool
}

// Machine executes key request runs. One Machine is shared by all sessions;
// a run holds no state on the Machine.
type Machine struct {
	store    KeyStore
	certs    CertificateFetcher
	licenses LicenseExchanger
	builder  MessageBuilder
	notifier Notifier
	metrics  *infrastructure.BrokerMetrics
	logger   *slog.Logger
	tracer   trace.Tracer
	readOnly bool
}

// NewMachine creates a Machine
func NewMachine(d Deps) *Machine {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Machine{
		store:    d.Store,
		certs:    d.Certificates,
		licenses: d.Licenses,
		builder:  d.Builder,
		notifier: d.Notifier,
		metrics:  d.Metrics,
		logger:   d.Logger.With(slog.String("component", "broker")),
		tracer:   otel.Tracer(TracerName),
		readOnly: d.ReadOnly,
	}
}

// Job is one run's input
type Job struct {
	SessionID string
	Asset     Asset
	DRM       DRMConfig
	Options   MessageOptions
	Pending   *PendingRequest
	// Builder overrides the machine's message builder for this run
	Builder MessageBuilder
}

// Result summarizes a finished run
type Result struct {
	Path      []State
	CacheHit  bool
	Persisted bool
	Err       *KeyError
}

// Final returns the terminal state of the run
func (r Result) Final() State {
	if len(r.Path) == 0 {
		return StateReceivedRequest
	}
	return r.Path[len(r.Path)-1]
}

// run tracks one execution
type run struct {
	job       Job
	contentID string
	logger    *slog.Logger
	result    Result
}

func (r *run) enter(next State) {
	if len(r.result.Path) > 0 {
		current := r.result.Path[len(r.result.Path)-1]
		if !current.CanTransition(next) {
			panic(fmt.Sprintf("broker: illegal transition %s -> %s", current, next))
		}
	}
	r.result.Path = append(r.result.Path, next)
}

// Run executes job to completion and fires its completion sink exactly once
func (m *Machine) Run(ctx context.Context, job Job) Result {
	start := time.Now()
	req := job.Pending.Request

	ctx, span := m.tracer.Start(ctx, "broker.KeyRequest",
		trace.WithAttributes(
			attribute.String("asset.name", job.Asset.Name),
			attribute.String("request.kind", req.Kind().String()),
			attribute.String("request.id", job.Pending.ID),
		))
	defer span.End()

	r := &run{
		job: job,
		logger: m.logger.With(
			slog.String("asset_name", job.Asset.Name),
			slog.String("request_id", job.Pending.ID),
			slog.String("request_kind", req.Kind().String())),
	}
	r.enter(StateReceivedRequest)

	data, kerr := m.execute(ctx, r)
	if kerr == nil {
		r.enter(StateResponding)
		if !req.HasDataRequest() {
			kerr = NewKeyError(NoDataRequestPresent, "request has no data channel", nil)
		} else if !r.result.CacheHit {
			m.persist(ctx, r, data)
		}
	}

	failureKind := ""
	if kerr != nil {
		r.enter(StateError)
		r.result.Err = kerr
		failureKind = string(kerr.Kind)
		job.Pending.Fail(kerr)

		span.RecordError(kerr)
		span.SetStatus(codes.Error, string(kerr.Kind))
		r.logger.WarnContext(ctx, "Key request failed",
			slog.String("error_kind", string(kerr.Kind)),
			slog.String("reason", kerr.Reason()),
			slog.Duration("duration", time.Since(start)))
	} else {
		r.enter(StateDone)
		job.Pending.Respond(data)

		span.SetStatus(codes.Ok, "key delivered")
		r.logger.InfoContext(ctx, "Key request completed",
			slog.Bool("cache_hit", r.result.CacheHit),
			slog.Bool("persisted", r.result.Persisted),
			slog.Int("bytes", len(data)),
			slog.Duration("duration", time.Since(start)))
	}

	span.SetAttributes(attribute.Bool("cache.hit", r.result.CacheHit))
	m.metrics.RecordKeyRequest(ctx, req.Kind().String(), r.result.CacheHit, time.Since(start), failureKind)

	return r.result
}

// execute runs every state up to Responding and returns the key bytes to
// deliver, or the failure.
func (m *Machine) execute(ctx context.Context, r *run) ([]byte, *KeyError) {
	job := r.job

	if kerr := cancelled(ctx); kerr != nil {
		return nil, kerr
	}

	contentID, kerr := contentIDFromURL(job.Pending.Request.URL())
	if kerr != nil {
		return nil, kerr
	}
	r.contentID = contentID
	r.logger.DebugContext(ctx, "Key request received",
		slog.String("content_id", infrastructure.MaskIdentifier(contentID)))

	r.enter(StateCheckingCache)
	if data, hit, kerr := m.checkCache(ctx, r); kerr != nil {
		return nil, kerr
	} else if hit {
		r.result.CacheHit = true
		return data, nil
	}

	m.metrics.RecordCacheLookup(ctx, false)

	var material Material
	material.ContentID = []byte(contentID)

	r.enter(StateFetchingCertificate)
	if kerr := cancelled(ctx); kerr != nil {
		return nil, kerr
	}
	cert, err := m.certs.FetchCertificate(ctx, job.DRM.CertificateURL)
	if err != nil {
		return nil, stepFailure(ctx, CertificateUnavailable, "certificate fetch failed", err)
	}
	if len(cert) == 0 {
		return nil, NewKeyError(CertificateUnavailable, "certificate endpoint returned no data", nil)
	}
	material.Certificate = cert

	r.enter(StateBuildingMessage)
	if kerr := cancelled(ctx); kerr != nil {
		return nil, kerr
	}
	builder := m.builder
	if job.Builder != nil {
		builder = job.Builder
	}
	if builder == nil {
		return nil, NewKeyError(MessageConstructionFailed, "no message builder available", nil)
	}
	msg, err := builder.BuildMessage(ctx, job.Pending.Request, material.Certificate, material.ContentID, job.Options)
	if err != nil {
		return nil, stepFailure(ctx, MessageConstructionFailed, "host rejected key request inputs", err)
	}
	if len(msg) == 0 {
		return nil, NewKeyError(MessageConstructionFailed, "host returned an empty message", nil)
	}
	material.Message = msg

	r.enter(StateExchangingLicense)
	if kerr := cancelled(ctx); kerr != nil {
		return nil, kerr
	}
	ckc, err := m.licenses.ExchangeLicense(ctx, job.DRM.LicenseURL, job.DRM.Headers, material.Message)
	if err != nil {
		return nil, stepFailure(ctx, LicenseExchangeFailed, "license exchange failed", err)
	}
	if len(ckc) == 0 {
		return nil, NewKeyError(LicenseExchangeFailed, "license endpoint returned no data", nil)
	}

	return ckc, nil
}

// checkCache handles CheckingCache and CacheHit. A key issued for another
// content id of the asset, or a file that disappears between the existence
// check and the read, counts as a miss.
func (m *Machine) checkCache(ctx context.Context, r *run) ([]byte, bool, *KeyError) {
	ref, ok := m.store.Lookup(r.job.Asset.Name)
	if ok && ref.ContentID != r.contentID {
		r.logger.DebugContext(ctx, "Cached key belongs to another content id",
			slog.String("file", ref.Name))
		ok = false
	}
	if !ok || !m.store.Exists(ref) {
		r.enter(StateCacheMiss)
		return nil, false, nil
	}

	r.enter(StateCacheHit)
	data, err := m.store.Read(ref)
	if errors.Is(err, fs.ErrNotExist) {
		r.logger.DebugContext(ctx, "Cached key vanished before read",
			slog.String("file", ref.Name))
		r.enter(StateCacheMiss)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, NewKeyError(CacheReadFailure, "failed to read cached key", err)
	}

	m.metrics.RecordCacheLookup(ctx, true)
	return data, true, nil
}

// persist writes a newly obtained key under the run's asset and content id.
// Failures are logged and do not fail the request.
func (m *Machine) persist(ctx context.Context, r *run, data []byte) {
	if m.readOnly || m.store == nil {
		return
	}

	ref, err := m.store.Write(r.job.Asset.Name, r.contentID, data)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to persist content key",
			slog.String("error", err.Error()))
		return
	}
	r.result.Persisted = true
	m.metrics.RecordKeyPersisted(ctx)
	infrastructure.AddSpanEvent(ctx, "key.persisted", attribute.String("key.file", ref.Name))

	if m.notifier != nil {
		m.notifier.KeyPersisted(ctx, KeyPersistedEvent{
			SessionID: r.job.SessionID,
			AssetName: r.job.Asset.Name,
			File:      ref.Name,
			At:        time.Now(),
		})
	}
}

// contentIDFromURL extracts the content identifier carried in the host part
// of a key request URL.
func contentIDFromURL(raw string) (string, *KeyError) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", NewKeyError(MalformedRequest, "unparsable request URL", err)
	}
	host := u.Hostname()
	if host == "" {
		return "", NewKeyError(MalformedRequest, fmt.Sprintf("request URL %q has no host", raw), nil)
	}
	return host, nil
}

func cancelled(ctx context.Context) *KeyError {
	if err := ctx.Err(); err != nil {
		return NewKeyError(Cancelled, "request abandoned", err)
	}
	return nil
}

// stepFailure maps a step error to kind, unless the run itself was
// cancelled while the step was in progress.
func stepFailure(ctx context.Context, kind ErrorKind, detail string, err error) *KeyError {
	if ctx.Err() != nil {
		return NewKeyError(Cancelled, detail, err)
	}
	return NewKeyError(kind, detail, err)
}
