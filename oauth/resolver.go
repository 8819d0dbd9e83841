package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

// Resolver discovers and validates OAuth authorization server metadata, with
// in-process caching and request coalescing. One resolver is shared by all
// sessions of a client app.
type Resolver struct {
	Client *http.Client

	// host URL -> auth server issuer URL
	hostIssuers *expirable.LRU[string, string]
	// issuer URL -> validated metadata
	serverMeta *expirable.LRU[string, *AuthServerMetadata]

	sf singleflight.Group
}

const maxMetadataBytes = 100 * 1024

func NewResolver(client *http.Client) *Resolver {
	if client == nil {
		client = http.DefaultClient
	}
	return &Resolver{
		Client:      client,
		hostIssuers: expirable.NewLRU[string, string](5_000, nil, time.Hour),
		serverMeta:  expirable.NewLRU[string, *AuthServerMetadata](1_000, nil, time.Hour),
	}
}

// ResolveAuthServer discovers the authorization server issuer for a host (eg,
// a PDS base URL) via its protected resource metadata document.
func (r *Resolver) ResolveAuthServer(ctx context.Context, hostURL string) (string, error) {
	if issuer, ok := r.hostIssuers.Get(hostURL); ok {
		return issuer, nil
	}

	v, err, _ := r.sf.Do("host:"+hostURL, func() (any, error) {
		issuer, err := r.fetchAuthServerIssuer(ctx, hostURL)
		if err != nil {
			return "", err
		}
		r.hostIssuers.Add(hostURL, issuer)
		return issuer, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// FetchAuthServerMetadata fetches and strictly validates the metadata document
// for an authorization server issuer.
func (r *Resolver) FetchAuthServerMetadata(ctx context.Context, issuerURL string) (*AuthServerMetadata, error) {
	if meta, ok := r.serverMeta.Get(issuerURL); ok {
		return meta, nil
	}

	v, err, _ := r.sf.Do("issuer:"+issuerURL, func() (any, error) {
		meta, err := r.fetchAuthServerMetadata(ctx, issuerURL)
		if err != nil {
			return nil, err
		}
		r.serverMeta.Add(issuerURL, meta)
		return meta, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*AuthServerMetadata), nil
}

// DiscoverAuthServer runs both discovery steps for a host: protected resource
// metadata, then validated auth server metadata.
func (r *Resolver) DiscoverAuthServer(ctx context.Context, hostURL string) (*AuthServerMetadata, error) {
	issuer, err := r.ResolveAuthServer(ctx, hostURL)
	if err != nil {
		return nil, err
	}
	return r.FetchAuthServerMetadata(ctx, issuer)
}

// Purge drops any cached discovery state for a host and issuer.
func (r *Resolver) Purge(hostURL, issuerURL string) {
	if hostURL != "" {
		r.hostIssuers.Remove(hostURL)
	}
	if issuerURL != "" {
		r.serverMeta.Remove(issuerURL)
	}
}

func (r *Resolver) fetchAuthServerIssuer(ctx context.Context, hostURL string) (string, error) {
	u, err := url.Parse(hostURL)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return "", fmt.Errorf("%w: invalid host URL: %s", ErrDiscoveryFailed, hostURL)
	}
	u.Path = "/.well-known/oauth-protected-resource"
	u.RawQuery = ""
	u.Fragment = ""

	var meta ProtectedResourceMetadata
	if err := r.fetchJSON(ctx, u.String(), &meta); err != nil {
		return "", err
	}
	if len(meta.AuthorizationServers) == 0 {
		return "", fmt.Errorf("%w: no authorization servers declared by host", ErrDiscoveryFailed)
	}
	// hosts declare a single auth server in practice; take the first
	return meta.AuthorizationServers[0], nil
}

func (r *Resolver) fetchAuthServerMetadata(ctx context.Context, issuerURL string) (*AuthServerMetadata, error) {
	u, err := url.Parse(issuerURL)
	if err != nil || u.Scheme != "https" || u.Host == "" {
		return nil, fmt.Errorf("%w: invalid issuer URL: %s", ErrDiscoveryFailed, issuerURL)
	}
	u.Path = "/.well-known/oauth-authorization-server"
	u.RawQuery = ""
	u.Fragment = ""
	fetchURL := u.String()

	var meta AuthServerMetadata
	if err := r.fetchJSON(ctx, fetchURL, &meta); err != nil {
		return nil, err
	}
	if err := meta.Validate(fetchURL); err != nil {
		return nil, err
	}
	return &meta, nil
}

func (r *Resolver) fetchJSON(ctx context.Context, fetchURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fetchURL, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDiscoveryFailed, err)
	}
	resp, err := r.Client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDiscoveryFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: fetching %s failed (HTTP %d)", ErrDiscoveryFailed, fetchURL, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMetadataBytes))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDiscoveryFailed, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: parsing %s: %w", ErrDiscoveryFailed, fetchURL, err)
	}
	return nil
}
