package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/atproto-tools/oauth-client-go/syntax"
)

// ResolveDID fetches the DID document for a supported DID method. This does
// *not* bi-directionally verify the handle claimed in the document; use the
// Lookup methods for that.
//
// An unsupported DID method is a hard error, never a silent skip.
func (d *BaseDirectory) ResolveDID(ctx context.Context, did syntax.DID) (*DIDDocument, error) {
	status := "error"
	defer resolutionTimer()(&status, "did")

	var doc *DIDDocument
	var err error
	switch did.Method() {
	case "plc":
		doc, err = d.resolveDIDPLC(ctx, did)
	case "web":
		doc, err = d.resolveDIDWeb(ctx, did)
	default:
		return nil, fmt.Errorf("%w: unsupported DID method: %s", ErrDIDResolutionFailed, did.Method())
	}
	if err != nil {
		if errors.Is(err, ErrDIDNotFound) {
			status = "not-found"
		}
		return nil, err
	}
	if doc.DID != did {
		return nil, fmt.Errorf("%w: document id (%s) does not match queried DID", ErrDIDResolutionFailed, doc.DID)
	}
	status = "ok"
	return doc, nil
}

func (d *BaseDirectory) resolveDIDPLC(ctx context.Context, did syntax.DID) (*DIDDocument, error) {
	plcURL := d.PLCURL
	if plcURL == "" {
		plcURL = DefaultPLCURL
	}
	if d.PLCLimiter != nil {
		if err := d.PLCLimiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: PLC rate-limit wait: %w", ErrDIDResolutionFailed, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, "GET", plcURL+"/"+did.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("constructing PLC directory request: %w", err)
	}
	resp, err := d.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: PLC directory request: %w", ErrDIDResolutionFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == 404 {
		return nil, ErrDIDNotFound
	}
	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("%w: PLC directory HTTP status %d", ErrDIDResolutionFailed, resp.StatusCode)
	}

	var doc DIDDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: parsing did:plc document: %w", ErrDIDResolutionFailed, err)
	}
	return &doc, nil
}

func (d *BaseDirectory) resolveDIDWeb(ctx context.Context, did syntax.DID) (*DIDDocument, error) {
	hostname := did.Identifier()
	handle, err := syntax.ParseHandle(hostname)
	if err != nil {
		return nil, fmt.Errorf("%w: did:web identifier not a simple hostname: %s", ErrDIDResolutionFailed, hostname)
	}
	if !handle.AllowedTLD() {
		return nil, fmt.Errorf("%w: did:web hostname has disallowed TLD: %s", ErrDIDResolutionFailed, hostname)
	}

	req, err := http.NewRequestWithContext(ctx, "GET", "https://"+hostname+"/.well-known/did.json", nil)
	if err != nil {
		return nil, fmt.Errorf("constructing did:web request: %w", err)
	}
	resp, err := d.HTTPClient.Do(req)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			return nil, ErrDIDNotFound
		}
		return nil, fmt.Errorf("%w: did:web well-known request: %w", ErrDIDResolutionFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == 404 {
		return nil, ErrDIDNotFound
	}
	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("%w: did:web well-known HTTP status %d", ErrDIDResolutionFailed, resp.StatusCode)
	}

	var doc DIDDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: parsing did:web document: %w", ErrDIDResolutionFailed, err)
	}
	return &doc, nil
}
