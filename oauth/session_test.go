package oauth

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/atproto-tools/oauth-client-go/syntax"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sessionTestServer is a combined PDS and auth server for exercising
// authenticated requests: a token endpoint that rotates to "new-access", and
// a resource endpoint whose behavior is configurable per test.
type sessionTestServer struct {
	srv *httptest.Server

	resourceHits atomic.Int64
	refreshes    atomic.Int64

	// resource handler decides based on the presented access token
	resource func(w http.ResponseWriter, r *http.Request, accessToken string, proofClaims jwt.MapClaims)
}

func newSessionTestServer(t *testing.T) *sessionTestServer {
	t.Helper()
	s := &sessionTestServer{}

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		s.refreshes.Add(1)
		json.NewEncoder(w).Encode(TokenResponse{
			Subject:      testAccountDID,
			Scope:        "atproto",
			AccessToken:  "new-access",
			RefreshToken: "new-refresh",
			TokenType:    "DPoP",
			ExpiresIn:    ptr(int64(3600)),
		})
	})
	mux.HandleFunc("/xrpc/test", func(w http.ResponseWriter, r *http.Request) {
		s.resourceHits.Add(1)
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "DPoP ")
		if !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		claims := jwt.MapClaims{}
		_, _, err := jwt.NewParser().ParseUnverified(r.Header.Get("DPoP"), claims)
		require.NoError(t, err)
		require.Equal(t, S256CodeChallenge(token), claims["ath"], "proof is bound to the presented token")
		s.resource(w, r, token, claims)
	})

	s.srv = httptest.NewTLSServer(mux)
	t.Cleanup(s.srv.Close)
	return s
}

func (s *sessionTestServer) app(t *testing.T) (*ClientApp, syntax.DID) {
	t.Helper()
	ctx := context.Background()

	store := NewMemStore()
	sess := testSession(t, s.srv.URL+"/oauth/token")
	sess.HostURL = s.srv.URL
	future := time.Now().Add(time.Hour)
	sess.ExpiresAt = &future
	require.NoError(t, store.SaveSession(ctx, sess))

	config := NewPublicConfig("https://app.example.com/client-metadata.json", "https://app.example.com/callback", []string{"atproto"})
	app := NewClientAppWithOptions(config, store, ClientAppOptions{Client: s.srv.Client()})
	return app, sess.AccountDID
}

func TestClientSessionRequest(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	s := newSessionTestServer(t)
	s.resource = func(w http.ResponseWriter, r *http.Request, token string, _ jwt.MapClaims) {
		w.Write([]byte(`{"ok":true}`))
	}

	app, did := s.app(t)
	cs, err := app.ResumeSession(ctx, did)
	require.NoError(t, err)

	resp, err := cs.Get(ctx, "/xrpc/test")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(200, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(`{"ok":true}`, string(body))

	assert.Equal(int64(1), s.resourceHits.Load())
	assert.Equal(int64(0), s.refreshes.Load(), "a fresh token needs no refresh")
}

func TestClientSessionInvalidTokenRetry(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	s := newSessionTestServer(t)
	s.resource = func(w http.ResponseWriter, r *http.Request, token string, _ jwt.MapClaims) {
		if token != "new-access" {
			w.Header().Set("WWW-Authenticate", `DPoP error="invalid_token"`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}

	app, did := s.app(t)
	cs, err := app.ResumeSession(ctx, did)
	require.NoError(t, err)

	// stored token is rejected once; one forced refresh, one retry
	resp, err := cs.Get(ctx, "/xrpc/test")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(200, resp.StatusCode)
	assert.Equal(int64(2), s.resourceHits.Load())
	assert.Equal(int64(1), s.refreshes.Load())
}

func TestClientSessionInvalidTokenGivesUp(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	s := newSessionTestServer(t)
	s.resource = func(w http.ResponseWriter, r *http.Request, token string, _ jwt.MapClaims) {
		w.Header().Set("WWW-Authenticate", `DPoP error="invalid_token"`)
		w.WriteHeader(http.StatusUnauthorized)
	}

	app, did := s.app(t)
	var deleted atomic.Int64
	app.Sessions.OnSessionDeleted(func(ctx context.Context, gotDID syntax.DID, cause error) {
		deleted.Add(1)
		assert.Equal(did, gotDID)
		assert.ErrorIs(cause, ErrTokenInvalid)
	})

	cs, err := app.ResumeSession(ctx, did)
	require.NoError(t, err)

	// even a freshly refreshed token is rejected: exactly one retry, then
	// the session is deleted and the 401 surfaces as a response, not an error
	resp, err := cs.Get(ctx, "/xrpc/test")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(int64(2), s.resourceHits.Load())
	assert.Equal(int64(1), s.refreshes.Load())
	assert.Equal(int64(1), deleted.Load())

	stored, err := app.Store.GetSession(ctx, did)
	require.NoError(t, err)
	assert.Nil(stored)
}

func TestClientSessionHostNonceRetry(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	s := newSessionTestServer(t)
	s.resource = func(w http.ResponseWriter, r *http.Request, token string, claims jwt.MapClaims) {
		if claims["nonce"] != "host-nonce-1" {
			w.Header().Set("DPoP-Nonce", "host-nonce-1")
			w.Header().Set("WWW-Authenticate", `DPoP error="use_dpop_nonce"`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}

	app, did := s.app(t)
	cs, err := app.ResumeSession(ctx, did)
	require.NoError(t, err)

	resp, err := cs.Get(ctx, "/xrpc/test")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(200, resp.StatusCode)
	assert.Equal(int64(2), s.resourceHits.Load(), "nonce challenge retried once")
	assert.Equal(int64(0), s.refreshes.Load(), "nonce retry does not refresh tokens")

	// the nonce is remembered for subsequent requests
	resp, err = cs.Get(ctx, "/xrpc/test")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(200, resp.StatusCode)
	assert.Equal(int64(3), s.resourceHits.Load())
}
