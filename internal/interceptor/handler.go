package interceptor

import (
	"context"
	"net/url"
	"strings"

	"keybroker/internal/broker"
)

// Handler is the capability the host's resource loader calls into
type Handler interface {
	// ShouldHandle reports whether requestURL uses the reserved key scheme
	ShouldHandle(requestURL string) bool
	// Intercept takes ownership of req when it should be handled. It never
	// blocks on the key exchange.
	Intercept(req broker.Request) bool
}

// Runner executes one key request run
type Runner interface {
	Run(ctx context.Context, job broker.Job) broker.Result
}

// KeyRemover deletes a persisted key
type KeyRemover interface {
	Delete(assetName string) error
}

// KeyDiscoverer lists the key URIs referenced by a media resource
type KeyDiscoverer interface {
	DiscoverKeys(ctx context.Context, resourceURL string) ([]string, error)
}

// MatchesScheme reports whether raw has the given scheme, ignoring case.
// Unparsable URLs never match.
func MatchesScheme(raw, scheme string) bool {
	if scheme == "" {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Scheme, scheme)
}
