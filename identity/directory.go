// Package identity resolves atproto handles and DIDs to verified identities.
//
// The Lookup methods do bi-directional handle/DID verification by default:
// a handle lookup fails unless the resolved DID document claims the same
// handle back. Applications should use a [Directory] rather than calling the
// lower-level resolution functions directly.
package identity

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/atproto-tools/oauth-client-go/syntax"
)

// Directory is the identity lookup interface. Implementations may resolve
// directly on every call, or add caching layers.
type Directory interface {
	LookupHandle(ctx context.Context, h syntax.Handle) (*Identity, error)
	LookupDID(ctx context.Context, did syntax.DID) (*Identity, error)
	Lookup(ctx context.Context, atid syntax.AtIdentifier) (*Identity, error)

	// Purge flushes any cached state for the identifier. Non-caching
	// implementations may ignore it.
	Purge(ctx context.Context, atid syntax.AtIdentifier) error
}

var (
	// Handle was syntactically invalid, in a situation where a valid handle is required. Local validation; no network involved.
	ErrInvalidHandle = errors.New("invalid handle")

	// Handle resolution failed at the network or protocol level. A wrapped error may provide more context.
	ErrHandleResolutionFailed = errors.New("handle resolution failed")

	// Resolution completed successfully, but the handle does not exist.
	ErrHandleNotFound = errors.New("handle not found")

	// Resolution completed, but the handle maps to a different DID than the document claims. This is a security failure, not a retry case.
	ErrHandleMismatch = errors.New("handle/DID mismatch")

	// The DID document did not claim any handle ("alsoKnownAs").
	ErrHandleNotDeclared = errors.New("DID document did not declare a handle")

	// Resolution completed successfully, but the DID does not exist.
	ErrDIDNotFound = errors.New("DID not found")

	// DID resolution failed at the network or protocol level.
	ErrDIDResolutionFailed = errors.New("DID resolution failed")

	// The DID document did not declare a usable PDS service entry.
	ErrNoPDSEndpoint = errors.New("DID document did not declare a PDS endpoint")
)

var DefaultPLCURL = "https://plc.directory"

// DefaultDirectory returns a caching Directory suitable for client apps:
// short-lived handle cache (handles get repointed), long-lived identity
// cache (documents are comparatively stable).
func DefaultDirectory() Directory {
	base := BaseDirectory{
		PLCURL: DefaultPLCURL,
		HTTPClient: http.Client{
			Timeout: time.Second * 10,
			// resolution must never follow a redirect to some other origin;
			// a redirect response is surfaced as a resolution failure
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		Resolver: net.Resolver{
			Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
				d := net.Dialer{Timeout: time.Second * 3}
				return d.DialContext(ctx, network, address)
			},
		},
	}
	cached := NewCacheDirectory(&base, 10_000, time.Minute*5, time.Hour*24, time.Minute*2)
	return &cached
}
