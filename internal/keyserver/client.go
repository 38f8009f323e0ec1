// Package keyserver talks to the two remote endpoints of a key exchange: the
// application certificate endpoint and the license (key) server.
package keyserver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"keybroker/internal/config"
	"keybroker/internal/infrastructure"
)

const (
	TracerName = "keybroker/keyserver"

	// maxResponseBytes caps certificate and license bodies
	maxResponseBytes = 4 << 20

	userAgent = config.AppName + "/" + config.AppVersion
)

// ErrNoData is returned when an endpoint answers without a usable body:
// a non-2xx status or an empty response.
var ErrNoData = errors.New("key server returned no data")

// Header is one custom license request header. Headers are applied in order.
type Header struct {
	Name  string `json:"name" validate:"required"`
	Value string `json:"value"`
}

// HeadersFromConfig converts configured headers, keeping their order
func HeadersFromConfig(list config.HeaderList) []Header {
	headers := make([]Header, 0, len(list))
	for _, h := range list {
		headers = append(headers, Header{Name: h.Name, Value: h.Value})
	}
	return headers
}

// Options configures a Client
type Options struct {
	HTTPClient         *http.Client
	CertificateTimeout time.Duration
	LicenseTimeout     time.Duration
	MaxConcurrent      int64
	RateLimitRPS       float64
	RateLimitBurst     int
	Metrics            *infrastructure.BrokerMetrics
	Logger             *slog.Logger
}

// OptionsFromConfig maps the exchange config section onto Options
func OptionsFromConfig(cfg config.ExchangeConfig) Options {
	return Options{
		CertificateTimeout: cfg.CertificateTimeout,
		LicenseTimeout:     cfg.LicenseTimeout,
		MaxConcurrent:      cfg.MaxConcurrent,
		RateLimitRPS:       cfg.RateLimitRPS,
		RateLimitBurst:     cfg.RateLimitBurst,
	}
}

// Client performs certificate fetches and license exchanges. Calls from all
// sessions share one concurrency pool and one optional rate limit.
type Client struct {
	http               *http.Client
	certificateTimeout time.Duration
	licenseTimeout     time.Duration
	pool               *semaphore.Weighted
	limiter            *rate.Limiter
	tracer             trace.Tracer
	metrics            *infrastructure.BrokerMetrics
	logger             *slog.Logger
}

// New creates a Client
func New(opts Options) *Client {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.CertificateTimeout <= 0 {
		opts.CertificateTimeout = config.DefaultCertificateTimeout
	}
	if opts.LicenseTimeout <= 0 {
		opts.LicenseTimeout = config.DefaultLicenseTimeout
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = config.DefaultMaxConcurrentExchanges
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	c := &Client{
		http:               opts.HTTPClient,
		certificateTimeout: opts.CertificateTimeout,
		licenseTimeout:     opts.LicenseTimeout,
		pool:               semaphore.NewWeighted(opts.MaxConcurrent),
		tracer:             otel.Tracer(TracerName),
		metrics:            opts.Metrics,
		logger:             opts.Logger.With(slog.String("component", "keyserver")),
	}

	if opts.RateLimitRPS > 0 {
		burst := opts.RateLimitBurst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RateLimitRPS), burst)
	}

	return c
}

// FetchCertificate retrieves the application certificate with a GET
func (c *Client) FetchCertificate(ctx context.Context, certificateURL string) ([]byte, error) {
	return c.do(ctx, "certificate", c.certificateTimeout, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, certificateURL, nil)
	})
}

// ExchangeLicense posts a signed key request message and returns the
// encrypted key context from the response body.
func (c *Client) ExchangeLicense(ctx context.Context, licenseURL string, headers []Header, message []byte) ([]byte, error) {
	return c.do(ctx, "license", c.licenseTimeout, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, licenseURL, bytes.NewReader(message))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/octet-stream")
		for _, h := range headers {
			req.Header.Set(h.Name, h.Value)
		}
		return req, nil
	})
}

func (c *Client) do(ctx context.Context, endpoint string, timeout time.Duration, build func(context.Context) (*http.Request, error)) (body []byte, err error) {
	ctx, span := c.tracer.Start(ctx, "keyserver."+endpoint,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("keyserver.endpoint", endpoint)))
	defer span.End()

	start := time.Now()
	defer func() {
		c.metrics.RecordServerCall(ctx, endpoint, time.Since(start), err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	if err := c.pool.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%s request not started: %w", endpoint, err)
	}
	defer c.pool.Release(1)

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%s request not started: %w", endpoint, err)
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := build(callCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", endpoint, err)
	}
	req.Header.Set("User-Agent", userAgent)

	host := hostOf(req.URL)
	span.SetAttributes(attribute.String("server.address", host))

	c.logger.DebugContext(ctx, "Calling key server",
		slog.String("endpoint", endpoint),
		slog.String("host", host),
		slog.String("method", req.Method))

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.WarnContext(ctx, "Key server request failed",
			slog.String("endpoint", endpoint),
			slog.String("host", host),
			slog.String("error", err.Error()),
			slog.Duration("duration", time.Since(start)))
		return nil, fmt.Errorf("%s request failed: %w", endpoint, err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	body, err = io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", endpoint, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.WarnContext(ctx, "Key server returned error status",
			slog.String("endpoint", endpoint),
			slog.String("host", host),
			slog.Int("status_code", resp.StatusCode))
		return nil, fmt.Errorf("%s endpoint returned status %d: %w", endpoint, resp.StatusCode, ErrNoData)
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("%s endpoint returned an empty body: %w", endpoint, ErrNoData)
	}

	c.logger.DebugContext(ctx, "Key server call complete",
		slog.String("endpoint", endpoint),
		slog.Int("bytes", len(body)),
		slog.Duration("duration", time.Since(start)))

	return body, nil
}

func hostOf(u *url.URL) string {
	if u == nil {
		return ""
	}
	return u.Host
}
