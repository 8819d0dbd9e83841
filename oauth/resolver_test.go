package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolverDiscovery(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	var hits atomic.Int64
	mux := http.NewServeMux()
	var origin string
	mux.HandleFunc("/.well-known/oauth-protected-resource", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		json.NewEncoder(w).Encode(ProtectedResourceMetadata{AuthorizationServers: []string{origin}})
	})
	mux.HandleFunc("/.well-known/oauth-authorization-server", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		meta := validAuthServerMetadata()
		meta.Issuer = origin
		meta.AuthorizationEndpoint = origin + "/oauth/authorize"
		meta.TokenEndpoint = origin + "/oauth/token"
		meta.PushedAuthorizationRequestEndpoint = origin + "/oauth/par"
		json.NewEncoder(w).Encode(meta)
	})
	srv := httptest.NewTLSServer(mux)
	defer srv.Close()
	origin = srv.URL

	r := NewResolver(srv.Client())
	meta, err := r.DiscoverAuthServer(ctx, srv.URL)
	require.NoError(t, err)
	assert.Equal(origin, meta.Issuer)
	assert.Equal(int64(2), hits.Load())

	// both discovery steps are cached
	_, err = r.DiscoverAuthServer(ctx, srv.URL)
	require.NoError(t, err)
	assert.Equal(int64(2), hits.Load())

	// purge forces re-discovery
	r.Purge(srv.URL, meta.Issuer)
	_, err = r.DiscoverAuthServer(ctx, srv.URL)
	require.NoError(t, err)
	assert.Equal(int64(4), hits.Load())
}

func TestResolverRejectsInvalidMetadata(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	mux := http.NewServeMux()
	var origin string
	mux.HandleFunc("/.well-known/oauth-protected-resource", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ProtectedResourceMetadata{AuthorizationServers: []string{origin}})
	})
	mux.HandleFunc("/.well-known/oauth-authorization-server", func(w http.ResponseWriter, r *http.Request) {
		meta := validAuthServerMetadata()
		// issuer claiming a different origin than it was fetched from
		meta.Issuer = "https://evil.example.com"
		json.NewEncoder(w).Encode(meta)
	})
	srv := httptest.NewTLSServer(mux)
	defer srv.Close()
	origin = srv.URL

	r := NewResolver(srv.Client())
	_, err := r.DiscoverAuthServer(ctx, srv.URL)
	assert.ErrorIs(err, ErrInvalidAuthServerMetadata)
}

func TestResolverNoAuthServers(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/oauth-protected-resource", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ProtectedResourceMetadata{})
	})
	srv := httptest.NewTLSServer(mux)
	defer srv.Close()

	r := NewResolver(srv.Client())
	_, err := r.ResolveAuthServer(ctx, srv.URL)
	assert.ErrorIs(err, ErrDiscoveryFailed)
}
