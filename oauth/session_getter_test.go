package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/atproto-tools/oauth-client-go/crypto"
	"github.com/atproto-tools/oauth-client-go/syntax"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAccountDID = "did:plc:abc123def456ghi789jkl012"

func testSession(t *testing.T, tokenEndpoint string) SessionData {
	t.Helper()
	key, err := crypto.GeneratePrivateKey(crypto.DefaultKeyTypes)
	require.NoError(t, err)
	expires := time.Now().Add(-time.Minute)
	return SessionData{
		AccountDID:              syntax.DID(testAccountDID),
		AuthServerIssuer:        "https://auth.example.com",
		AuthServerTokenEndpoint: tokenEndpoint,
		HostURL:                 "https://pds.example.com",
		Scopes:                  []string{"atproto"},
		AccessToken:             "old-access",
		RefreshToken:            "old-refresh",
		TokenType:               "DPoP",
		ExpiresAt:               &expires,
		DPoPPrivateKeyMultibase: key.Multibase(),
	}
}

func testConfig() *ClientConfig {
	cfg := NewPublicConfig("https://app.example.com/client-metadata.json", "https://app.example.com/callback", []string{"atproto"})
	return &cfg
}

func TestSessionStaleness(t *testing.T) {
	assert := assert.New(t)

	sess := SessionData{}
	assert.False(sessionIsStale(&sess), "no expiry is never stale")

	past := time.Now().Add(-time.Second)
	sess.ExpiresAt = &past
	assert.True(sessionIsStale(&sess))

	edge := time.Now().Add(20 * time.Second)
	sess.ExpiresAt = &edge
	assert.True(sessionIsStale(&sess), "inside the fixed buffer is always stale")

	future := time.Now().Add(time.Hour)
	sess.ExpiresAt = &future
	assert.False(sessionIsStale(&sess), "beyond buffer plus max jitter is never stale")
}

func TestSessionGetterRefresh(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		require.NoError(t, r.ParseForm())
		assert.Equal("refresh_token", r.Form.Get("grant_type"))
		assert.Equal("old-refresh", r.Form.Get("refresh_token"))
		assert.NotEmpty(r.Header.Get("DPoP"))

		json.NewEncoder(w).Encode(TokenResponse{
			Subject:      testAccountDID,
			Scope:        "atproto",
			AccessToken:  "new-access",
			RefreshToken: "new-refresh",
			TokenType:    "DPoP",
			ExpiresIn:    ptr(int64(3600)),
		})
	}))
	defer srv.Close()

	store := NewMemStore()
	sess := testSession(t, srv.URL+"/token")
	require.NoError(t, store.SaveSession(ctx, sess))

	sg := NewSessionGetter(testConfig(), store, srv.Client(), nil, nil)
	var updated atomic.Int64
	sg.OnSessionUpdated(func(ctx context.Context, sess SessionData) {
		updated.Add(1)
		assert.Equal("new-access", sess.AccessToken)
	})

	got, err := sg.Get(ctx, syntax.DID(testAccountDID), GetOptions{})
	require.NoError(t, err)
	assert.Equal("new-access", got.AccessToken)
	assert.Equal("new-refresh", got.RefreshToken)
	assert.Equal(sess.DPoPPrivateKeyMultibase, got.DPoPPrivateKeyMultibase, "DPoP key survives refresh")
	assert.NotNil(got.ExpiresAt)
	assert.Equal(int64(1), requests.Load())
	assert.Equal(int64(1), updated.Load())

	// stored copy was replaced whole
	stored, err := store.GetSession(ctx, syntax.DID(testAccountDID))
	require.NoError(t, err)
	assert.Equal("new-refresh", stored.RefreshToken)

	// fresh now; immediate second get does not refresh again
	_, err = sg.Get(ctx, syntax.DID(testAccountDID), GetOptions{})
	require.NoError(t, err)
	assert.Equal(int64(1), requests.Load())
}

func TestSessionGetterNoRefreshToken(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(500)
	}))
	defer srv.Close()

	store := NewMemStore()
	sess := testSession(t, srv.URL+"/token")
	sess.RefreshToken = ""
	require.NoError(t, store.SaveSession(ctx, sess))

	sg := NewSessionGetter(testConfig(), store, srv.Client(), nil, nil)
	_, err := sg.Get(ctx, syntax.DID(testAccountDID), GetOptions{NoCache: true})
	assert.ErrorIs(err, ErrNoRefreshToken)
	assert.Equal(int64(0), requests.Load(), "failure is local, no network call")
}

func TestSessionGetterMissing(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	sg := NewSessionGetter(testConfig(), NewMemStore(), http.DefaultClient, nil, nil)
	_, err := sg.Get(ctx, syntax.DID(testAccountDID), GetOptions{})
	assert.ErrorIs(err, ErrSessionNotFound)
}

func TestSessionGetterInvalidGrantRace(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	store := NewMemStore()

	// the auth server rejects the refresh because another process already
	// rotated the token; that winner's session is in the store by the time
	// the rejection arrives
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		winner, _ := store.GetSession(r.Context(), syntax.DID(testAccountDID))
		update := *winner
		update.AccessToken = "winner-access"
		update.RefreshToken = "winner-refresh"
		store.SaveSession(r.Context(), update)

		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
	}))
	defer srv.Close()

	sess := testSession(t, srv.URL+"/token")
	require.NoError(t, store.SaveSession(ctx, sess))

	sg := NewSessionGetter(testConfig(), store, srv.Client(), nil, nil)
	var deleted atomic.Int64
	sg.OnSessionDeleted(func(ctx context.Context, did syntax.DID, cause error) {
		deleted.Add(1)
	})

	got, err := sg.Get(ctx, syntax.DID(testAccountDID), GetOptions{})
	require.NoError(t, err, "race loser adopts the winner's session")
	assert.Equal("winner-access", got.AccessToken)
	assert.Equal("winner-refresh", got.RefreshToken)
	assert.Equal(int64(0), deleted.Load())
}

func TestSessionGetterInvalidGrantFatal(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
	}))
	defer srv.Close()

	store := NewMemStore()
	sess := testSession(t, srv.URL+"/token")
	require.NoError(t, store.SaveSession(ctx, sess))

	sg := NewSessionGetter(testConfig(), store, srv.Client(), nil, nil)
	var deleted atomic.Int64
	sg.OnSessionDeleted(func(ctx context.Context, did syntax.DID, cause error) {
		deleted.Add(1)
		assert.ErrorIs(cause, ErrTokenRefreshFailed)
	})

	_, err := sg.Get(ctx, syntax.DID(testAccountDID), GetOptions{})
	assert.ErrorIs(err, ErrTokenRefreshFailed)

	// the grant is truly dead; the session must not linger in the store
	stored, err := store.GetSession(ctx, syntax.DID(testAccountDID))
	require.NoError(t, err)
	assert.Nil(stored)
	assert.Equal(int64(1), deleted.Load())
}

func TestSessionGetterCorruptSession(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	store := NewMemStore()
	sess := testSession(t, "https://auth.example.com/token")
	sess.AccountDID = syntax.DID("did:plc:someoneelse0000000000000")
	// store under a key that does not match the session subject
	store.mu.Lock()
	store.sessions[syntax.DID(testAccountDID)] = sess
	store.mu.Unlock()

	sg := NewSessionGetter(testConfig(), store, http.DefaultClient, nil, nil)
	_, err := sg.Get(ctx, syntax.DID(testAccountDID), GetOptions{NoCache: true})
	assert.ErrorIs(err, ErrSessionCorrupt)

	stored, err := store.GetSession(ctx, syntax.DID(testAccountDID))
	require.NoError(t, err)
	assert.Nil(stored, "corrupt entries are removed")
}

func ptr[T any](v T) *T {
	return &v
}
