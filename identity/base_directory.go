package identity

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/atproto-tools/oauth-client-go/syntax"

	"golang.org/x/time/rate"
)

// BaseDirectory does direct resolution on every call, with no caching. The
// zero value is usable, though most callers want to set PLCURL and an
// HTTPClient with redirects disabled (see [DefaultDirectory]).
type BaseDirectory struct {
	// PLC directory root URL: scheme, hostname, optional port; no path or trailing slash. Empty means DefaultPLCURL.
	PLCURL string

	// If not nil, rate-limits requests to the PLC directory.
	PLCLimiter *rate.Limiter

	// HTTP client used for did:web, did:plc, and well-known handle resolution. Should not follow redirects.
	HTTPClient http.Client

	// DNS resolver used for TXT handle resolution. A custom Dialer can direct queries at a specific DNS server.
	Resolver net.Resolver

	// Handle domain suffixes for which DNS TXT resolution is skipped (straight to HTTPS well-known).
	SkipDNSDomainSuffixes []string

	// Optional "ip:port" DNS servers to try when the primary resolver fails.
	FallbackDNSServers []string
}

var _ Directory = (*BaseDirectory)(nil)

func (d *BaseDirectory) LookupHandle(ctx context.Context, h syntax.Handle) (*Identity, error) {
	h = h.Normalize()
	did, err := d.ResolveHandle(ctx, h)
	if err != nil {
		return nil, err
	}
	doc, err := d.ResolveDID(ctx, did)
	if err != nil {
		return nil, err
	}
	ident := ParseIdentity(doc)
	declared, err := ident.DeclaredHandle()
	if err != nil {
		return nil, err
	}
	if declared != h {
		return nil, fmt.Errorf("%w: %s != %s", ErrHandleMismatch, declared, h)
	}
	ident.Handle = declared
	return &ident, nil
}

func (d *BaseDirectory) LookupDID(ctx context.Context, did syntax.DID) (*Identity, error) {
	doc, err := d.ResolveDID(ctx, did)
	if err != nil {
		return nil, err
	}
	ident := ParseIdentity(doc)

	// DID lookups succeed even when the declared handle doesn't verify; the
	// handle is just marked invalid
	declared, err := ident.DeclaredHandle()
	if err != nil {
		ident.Handle = syntax.HandleInvalid
		return &ident, nil
	}
	resolvedDID, err := d.ResolveHandle(ctx, declared)
	if err != nil || resolvedDID != did {
		ident.Handle = syntax.HandleInvalid
	} else {
		ident.Handle = declared
	}
	return &ident, nil
}

func (d *BaseDirectory) Lookup(ctx context.Context, atid syntax.AtIdentifier) (*Identity, error) {
	if did, err := atid.AsDID(); err == nil {
		return d.LookupDID(ctx, did)
	}
	if handle, err := atid.AsHandle(); err == nil {
		return d.LookupHandle(ctx, handle)
	}
	return nil, fmt.Errorf("identifier neither a handle nor a DID")
}

func (d *BaseDirectory) Purge(ctx context.Context, atid syntax.AtIdentifier) error {
	return nil
}

func (d *BaseDirectory) skipDNS(h syntax.Handle) bool {
	for _, suffix := range d.SkipDNSDomainSuffixes {
		if strings.HasSuffix(h.String(), suffix) {
			return true
		}
	}
	return false
}
