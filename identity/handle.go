package identity

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/atproto-tools/oauth-client-go/syntax"
)

// timestamp of the start of a resolution attempt, for metrics
func resolutionTimer() func(status *string, kind string) {
	start := time.Now()
	return func(status *string, kind string) {
		switch kind {
		case "handle":
			handleResolutions.WithLabelValues(*status).Inc()
			handleResolutionDuration.WithLabelValues(*status).Observe(time.Since(start).Seconds())
		case "did":
			didResolutions.WithLabelValues(*status).Inc()
			didResolutionDuration.WithLabelValues(*status).Observe(time.Since(start).Seconds())
		}
	}
}

// ResolveHandle maps a handle to a DID, without cross-verification. DNS TXT
// resolution is tried first, then the HTTPS well-known endpoint.
func (d *BaseDirectory) ResolveHandle(ctx context.Context, h syntax.Handle) (syntax.DID, error) {
	status := "error"
	defer resolutionTimer()(&status, "handle")

	if h.IsInvalidHandle() {
		return "", fmt.Errorf("can not resolve handle: %w", ErrInvalidHandle)
	}
	if !h.AllowedTLD() {
		return "", fmt.Errorf("%w: handle TLD is disallowed", ErrInvalidHandle)
	}

	if !d.skipDNS(h) {
		did, err := d.resolveHandleDNS(ctx, h)
		if err == nil {
			status = "ok"
			return did, nil
		}
		for _, server := range d.FallbackDNSServers {
			did, err = d.resolveHandleDNSServer(ctx, h, server)
			if err == nil {
				status = "ok"
				return did, nil
			}
		}
	}

	did, httpErr := d.resolveHandleWellKnown(ctx, h)
	if httpErr == nil {
		status = "ok"
		return did, nil
	}
	if errors.Is(httpErr, ErrHandleNotFound) {
		status = "not-found"
	}
	return "", httpErr
}

func (d *BaseDirectory) resolveHandleDNS(ctx context.Context, h syntax.Handle) (syntax.DID, error) {
	records, err := d.Resolver.LookupTXT(ctx, "_atproto."+h.String())
	return parseTXTResponse(records, err)
}

func (d *BaseDirectory) resolveHandleDNSServer(ctx context.Context, h syntax.Handle, server string) (syntax.DID, error) {
	res := net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
			dialer := net.Dialer{Timeout: time.Second * 3}
			return dialer.DialContext(ctx, network, server)
		},
	}
	records, err := res.LookupTXT(ctx, "_atproto."+h.String())
	return parseTXTResponse(records, err)
}

func parseTXTResponse(records []string, lookupErr error) (syntax.DID, error) {
	if lookupErr != nil {
		var dnsErr *net.DNSError
		if errors.As(lookupErr, &dnsErr) && dnsErr.IsNotFound {
			return "", ErrHandleNotFound
		}
		return "", fmt.Errorf("%w: DNS TXT lookup: %w", ErrHandleResolutionFailed, lookupErr)
	}
	for _, record := range records {
		if !strings.HasPrefix(record, "did=") {
			continue
		}
		did, err := syntax.ParseDID(record[4:])
		if err != nil {
			return "", fmt.Errorf("%w: invalid DID in handle DNS record: %w", ErrHandleResolutionFailed, err)
		}
		return did, nil
	}
	return "", ErrHandleNotFound
}

func (d *BaseDirectory) resolveHandleWellKnown(ctx context.Context, h syntax.Handle) (syntax.DID, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", "https://"+h.String()+"/.well-known/atproto-did", nil)
	if err != nil {
		return "", fmt.Errorf("constructing well-known request: %w", err)
	}

	resp, err := d.HTTPClient.Do(req)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			return "", fmt.Errorf("%w: DNS NXDOMAIN", ErrHandleNotFound)
		}
		return "", fmt.Errorf("%w: well-known request: %w", ErrHandleResolutionFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == 404 {
		return "", ErrHandleNotFound
	}
	if resp.StatusCode != 200 {
		return "", fmt.Errorf("%w: well-known request HTTP status %d", ErrHandleResolutionFailed, resp.StatusCode)
	}

	if resp.ContentLength > 2048 {
		return "", fmt.Errorf("%w: well-known response too large", ErrHandleResolutionFailed)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, 2048))
	if err != nil {
		return "", fmt.Errorf("%w: reading well-known response: %w", ErrHandleResolutionFailed, err)
	}
	did, err := syntax.ParseDID(strings.TrimSpace(string(b)))
	if err != nil {
		return "", fmt.Errorf("%w: well-known body is not a DID", ErrHandleResolutionFailed)
	}
	return did, nil
}
