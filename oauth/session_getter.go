package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/atproto-tools/oauth-client-go/crypto"
	"github.com/atproto-tools/oauth-client-go/syntax"
)

const (
	// tokens within this window of expiry are treated as already expired
	staleBuffer = 30 * time.Second

	// random extra buffer, to spread refreshes of sessions that all landed
	// at the same expiry time
	staleJitterMax = 30 * time.Second

	refreshDeadline = 30 * time.Second
)

// SessionGetter hands out usable session tokens, refreshing them through the
// auth server when they are stale. Concurrent demands for the same account
// share one refresh, and refresh races between processes are reconciled
// against the store.
type SessionGetter struct {
	config *ClientConfig
	store  ClientAuthStore
	client *http.Client
	logger *slog.Logger

	getter *CachedGetter[syntax.DID, SessionData]

	cbMu      sync.Mutex
	onUpdated []func(ctx context.Context, sess SessionData)
	onDeleted []func(ctx context.Context, did syntax.DID, cause error)
}

// NewSessionGetter wires a getter to a store. locker is optional; when set,
// refreshes for one account are serialized across processes, but store
// reconciliation stays on either way.
func NewSessionGetter(config *ClientConfig, store ClientAuthStore, client *http.Client, locker SessionLocker, logger *slog.Logger) *SessionGetter {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	sg := &SessionGetter{
		config: config,
		store:  store,
		client: client,
		logger: logger,
	}

	cfg := CachedGetterConfig[syntax.DID, SessionData]{
		ReadStored: store.GetSession,
		Refresh:    sg.refreshSession,
		IsStale:    sessionIsStale,
		WriteStored: func(ctx context.Context, did syntax.DID, sess SessionData) error {
			return store.SaveSession(ctx, sess)
		},
		DeleteStored: func(ctx context.Context, did syntax.DID) error {
			return store.DeleteSession(ctx, did)
		},
		DeleteOnError: refreshErrorIsFatal,
		OnUpdated: func(ctx context.Context, did syntax.DID, sess SessionData) {
			sg.fireUpdated(ctx, sess)
		},
		OnDeleted: func(ctx context.Context, did syntax.DID, cause error) {
			sessionsDeleted.WithLabelValues("refresh-rejected").Inc()
			sg.fireDeleted(ctx, did, cause)
		},
	}
	if locker != nil {
		cfg.Lock = func(ctx context.Context, did syntax.DID, fn func(ctx context.Context) error) error {
			return locker.WithLock(ctx, did, fn)
		}
	}
	sg.getter = NewCachedGetter(cfg)
	return sg
}

// OnSessionUpdated registers a callback fired after a refreshed session has
// been written to the store.
func (sg *SessionGetter) OnSessionUpdated(fn func(ctx context.Context, sess SessionData)) {
	sg.cbMu.Lock()
	defer sg.cbMu.Unlock()
	sg.onUpdated = append(sg.onUpdated, fn)
}

// OnSessionDeleted registers a callback fired after a session has been
// removed from the store.
func (sg *SessionGetter) OnSessionDeleted(fn func(ctx context.Context, did syntax.DID, cause error)) {
	sg.cbMu.Lock()
	defer sg.cbMu.Unlock()
	sg.onDeleted = append(sg.onDeleted, fn)
}

func (sg *SessionGetter) fireUpdated(ctx context.Context, sess SessionData) {
	sg.cbMu.Lock()
	cbs := append([]func(ctx context.Context, sess SessionData){}, sg.onUpdated...)
	sg.cbMu.Unlock()
	for _, fn := range cbs {
		fn(ctx, sess)
	}
}

func (sg *SessionGetter) fireDeleted(ctx context.Context, did syntax.DID, cause error) {
	sg.cbMu.Lock()
	cbs := append([]func(ctx context.Context, did syntax.DID, cause error){}, sg.onDeleted...)
	sg.cbMu.Unlock()
	for _, fn := range cbs {
		fn(ctx, did, cause)
	}
}

// Get returns session data for the account, refreshing the tokens first when
// they are stale (or when opts force it).
func (sg *SessionGetter) Get(ctx context.Context, did syntax.DID, opts GetOptions) (*SessionData, error) {
	return sg.getter.Get(ctx, did, opts)
}

// DeleteSession removes a session from the store and fires deletion
// callbacks. cause is recorded in metrics and passed to callbacks.
func (sg *SessionGetter) DeleteSession(ctx context.Context, did syntax.DID, cause string, causeErr error) error {
	if err := sg.store.DeleteSession(ctx, did); err != nil {
		return err
	}
	sessionsDeleted.WithLabelValues(cause).Inc()
	sg.fireDeleted(ctx, did, causeErr)
	return nil
}

// sessionIsStale applies the expiry buffer and jitter. Sessions without a
// known expiry are never considered stale; the resource server's 401 path
// catches those.
func sessionIsStale(sess *SessionData) bool {
	if sess.ExpiresAt == nil {
		return false
	}
	jitter := time.Duration(rand.Int63n(int64(staleJitterMax)))
	return !time.Now().Add(staleBuffer + jitter).Before(*sess.ExpiresAt)
}

// refreshErrorIsFatal reports whether a refresh failure means the stored
// session is permanently unusable.
func refreshErrorIsFatal(err error) bool {
	if errors.Is(err, ErrSessionCorrupt) {
		return true
	}
	var oe *OAuthError
	if errors.As(err, &oe) {
		return oe.Code == "invalid_grant"
	}
	return false
}

// refreshSession exchanges the stored refresh token for a new token set. The
// returned session keeps the original DPoP key; only tokens, expiry, and
// nonces change.
func (sg *SessionGetter) refreshSession(ctx context.Context, did syntax.DID, stored *SessionData) (*SessionData, bool, error) {
	if stored == nil {
		return nil, false, fmt.Errorf("%w: %s", ErrSessionNotFound, did)
	}
	if stored.AccountDID != did {
		return nil, false, fmt.Errorf("%w: stored subject %s under key %s", ErrSessionCorrupt, stored.AccountDID, did)
	}
	if stored.RefreshToken == "" {
		return nil, false, fmt.Errorf("%w: %s", ErrNoRefreshToken, did)
	}

	key, err := crypto.ParsePrivateMultibase(stored.DPoPPrivateKeyMultibase)
	if err != nil {
		return nil, false, fmt.Errorf("%w: bad DPoP key: %w", ErrSessionCorrupt, err)
	}
	signer, err := NewDPoPSigner(key)
	if err != nil {
		return nil, false, fmt.Errorf("%w: bad DPoP key: %w", ErrSessionCorrupt, err)
	}
	signer.SetNonce(stored.AuthServerTokenEndpoint, stored.DPoPAuthServerNonce)

	form := RefreshTokenRequest{
		ClientID:     sg.config.ClientID,
		GrantType:    "refresh_token",
		RefreshToken: stored.RefreshToken,
	}
	if sg.config.IsConfidential() {
		assertion, err := sg.config.NewAssertionJWT(stored.AuthServerIssuer)
		if err != nil {
			return nil, false, err
		}
		form.ClientAssertionType = &clientAssertionJWTBearer
		form.ClientAssertion = &assertion
	}

	// the refresh token is single use; once submitted, the exchange must run
	// to completion even if the caller goes away
	reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshDeadline)
	defer cancel()

	start := time.Now()
	var resp TokenResponse
	err = sendTokenRequest(reqCtx, sg.client, signer, stored.AuthServerTokenEndpoint, &form, &resp)
	refreshDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		var oe *OAuthError
		if errors.As(err, &oe) && oe.Code == "invalid_grant" {
			// another process may have won a refresh race and rotated the
			// token; if the store now holds a different refresh token, hand
			// back that session instead of failing
			current, readErr := sg.store.GetSession(reqCtx, did)
			if readErr == nil && current != nil && current.RefreshToken != "" && current.RefreshToken != stored.RefreshToken {
				tokenRefreshes.WithLabelValues("lost-race").Inc()
				sg.logger.Info("session refresh lost race, using store winner", "did", did)
				return current, false, nil
			}
		}
		tokenRefreshes.WithLabelValues("error").Inc()
		return nil, false, fmt.Errorf("%w: %w", ErrTokenRefreshFailed, err)
	}

	if resp.Subject != "" && resp.Subject != did.String() {
		tokenRefreshes.WithLabelValues("error").Inc()
		return nil, false, fmt.Errorf("%w: token subject changed to %s", ErrTokenRefreshFailed, resp.Subject)
	}

	sess := *stored
	sess.AccessToken = resp.AccessToken
	if resp.RefreshToken != "" {
		sess.RefreshToken = resp.RefreshToken
	}
	if resp.TokenType != "" {
		sess.TokenType = resp.TokenType
	}
	if resp.Scope != "" {
		sess.Scopes = splitScopes(resp.Scope)
	}
	if resp.ExpiresIn != nil {
		expires := time.Now().Add(time.Duration(*resp.ExpiresIn) * time.Second)
		sess.ExpiresAt = &expires
	} else {
		sess.ExpiresAt = nil
	}
	sess.DPoPAuthServerNonce = signer.Nonce(stored.AuthServerTokenEndpoint)

	tokenRefreshes.WithLabelValues("ok").Inc()
	sg.logger.Debug("session tokens refreshed", "did", did)
	return &sess, true, nil
}
