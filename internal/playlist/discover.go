// Package playlist finds content key URIs referenced by HLS playlists.
package playlist

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/grafov/m3u8"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"keybroker/internal/config"
)

const (
	TracerName = "keybroker/playlist"

	maxPlaylistBytes = 8 << 20
	defaultParallel  = 4
)

// Options configures a Discoverer
type Options struct {
	HTTPClient *http.Client
	Timeout    time.Duration
	// Parallel bounds concurrent media playlist downloads for a master
	Parallel int
	Logger   *slog.Logger
}

// Discoverer downloads playlists and lists their key URIs
type Discoverer struct {
	client   *http.Client
	timeout  time.Duration
	parallel int
	logger   *slog.Logger
}

// NewDiscoverer creates a Discoverer
func NewDiscoverer(opts Options) *Discoverer {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = config.DefaultPlaylistTimeout
	}
	if opts.Parallel <= 0 {
		opts.Parallel = defaultParallel
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Discoverer{
		client:   opts.HTTPClient,
		timeout:  opts.Timeout,
		parallel: opts.Parallel,
		logger:   opts.Logger.With(slog.String("component", "playlist")),
	}
}

// Playlist is what one decoded playlist contributes
type Playlist struct {
	// Keys holds key URIs in order of first appearance
	Keys []string
	// Children holds media playlist URLs referenced by a master playlist
	Children []string
}

// Parse decodes content and resolves relative URIs against baseURL
func Parse(content []byte, baseURL string) (Playlist, error) {
	var out Playlist

	base, err := url.Parse(baseURL)
	if err != nil {
		return out, fmt.Errorf("invalid base url: %w", err)
	}

	decoded, listType, err := m3u8.DecodeFrom(bytes.NewReader(content), true)
	if err != nil {
		return out, fmt.Errorf("failed parsing m3u8: %w", err)
	}

	switch listType {
	case m3u8.MASTER:
		master := decoded.(*m3u8.MasterPlaylist)
		seen := make(map[string]bool)
		add := func(uri string) {
			if uri == "" {
				return
			}
			resolved := resolveURL(base, uri)
			if !seen[resolved] {
				seen[resolved] = true
				out.Children = append(out.Children, resolved)
			}
		}
		for _, variant := range master.Variants {
			if variant == nil {
				continue
			}
			add(variant.URI)
			for _, alt := range variant.Alternatives {
				if alt != nil {
					add(alt.URI)
				}
			}
		}

	case m3u8.MEDIA:
		media := decoded.(*m3u8.MediaPlaylist)
		keys := newKeySet()
		if media.Key != nil {
			keys.add(resolveURL(base, media.Key.URI))
		}
		for _, segment := range media.Segments {
			if segment != nil && segment.Key != nil {
				keys.add(resolveURL(base, segment.Key.URI))
			}
		}
		out.Keys = keys.list

	default:
		return out, errors.New("unsupported m3u8 playlist type")
	}

	return out, nil
}

// DiscoverKeys fetches resourceURL and returns every distinct key URI it
// references. A master playlist is followed into its media playlists;
// media playlists that fail to download are logged and skipped.
func (d *Discoverer) DiscoverKeys(ctx context.Context, resourceURL string) ([]string, error) {
	ctx, span := otel.Tracer(TracerName).Start(ctx, "playlist.DiscoverKeys")
	defer span.End()

	top, err := d.fetchAndParse(ctx, resourceURL)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "playlist unavailable")
		return nil, err
	}

	keys := newKeySet()
	for _, k := range top.Keys {
		keys.add(k)
	}

	if len(top.Children) > 0 {
		children := make([]Playlist, len(top.Children))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(d.parallel)
		for i, child := range top.Children {
			g.Go(func() error {
				parsed, err := d.fetchAndParse(gctx, child)
				if err != nil {
					if gctx.Err() != nil {
						return gctx.Err()
					}
					d.logger.WarnContext(gctx, "Skipping media playlist",
						slog.String("url", child),
						slog.String("error", err.Error()))
					return nil
				}
				children[i] = parsed
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		for _, c := range children {
			for _, k := range c.Keys {
				keys.add(k)
			}
		}
	}

	span.SetAttributes(
		attribute.Int("playlist.children", len(top.Children)),
		attribute.Int("playlist.keys", len(keys.list)))
	d.logger.DebugContext(ctx, "Key URIs discovered",
		slog.Int("media_playlists", len(top.Children)),
		slog.Int("keys", len(keys.list)))

	return keys.list, nil
}

func (d *Discoverer) fetchAndParse(ctx context.Context, rawURL string) (Playlist, error) {
	body, err := d.fetch(ctx, rawURL)
	if err != nil {
		return Playlist{}, err
	}
	return Parse(body, rawURL)
}

func (d *Discoverer) fetch(ctx context.Context, rawURL string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create playlist request: %w", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch playlist: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server returned status code: %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxPlaylistBytes))
}

type keySet struct {
	mu   sync.Mutex
	seen map[string]bool
	list []string
}

func newKeySet() *keySet {
	return &keySet{seen: make(map[string]bool)}
}

func (k *keySet) add(uri string) {
	if uri == "" {
		return
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.seen[uri] {
		k.seen[uri] = true
		k.list = append(k.list, uri)
	}
}

func resolveURL(base *url.URL, uri string) string {
	ref, err := url.Parse(uri)
	if err != nil {
		return uri
	}
	if ref.IsAbs() {
		return uri
	}
	return base.ResolveReference(ref).String()
}
