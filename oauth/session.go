package oauth

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/atproto-tools/oauth-client-go/crypto"
	"github.com/atproto-tools/oauth-client-go/syntax"
)

// ClientSession is an authenticated handle on one account's PDS: requests
// sent through it carry a DPoP-bound access token, and token staleness and
// rejection are handled transparently.
type ClientSession struct {
	DID syntax.DID

	app     *ClientApp
	hostURL string
	signer  *DPoPSigner
}

func newClientSession(app *ClientApp, sess *SessionData) (*ClientSession, error) {
	key, err := crypto.ParsePrivateMultibase(sess.DPoPPrivateKeyMultibase)
	if err != nil {
		return nil, fmt.Errorf("%w: bad DPoP key: %w", ErrSessionCorrupt, err)
	}
	signer, err := NewDPoPSigner(key)
	if err != nil {
		return nil, fmt.Errorf("%w: bad DPoP key: %w", ErrSessionCorrupt, err)
	}
	signer.SetNonce(sess.HostURL, sess.DPoPHostNonce)
	signer.SetNonce(sess.AuthServerTokenEndpoint, sess.DPoPAuthServerNonce)
	return &ClientSession{
		DID:     sess.AccountDID,
		app:     app,
		hostURL: sess.HostURL,
		signer:  signer,
	}, nil
}

// HostURL is the session's PDS base URL, without trailing slash.
func (s *ClientSession) HostURL() string {
	return s.hostURL
}

// NewRequest builds an HTTP request against the session host. path is joined
// to the host base URL and must start with "/".
func (s *ClientSession) NewRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	return http.NewRequestWithContext(ctx, method, s.hostURL+path, rdr)
}

// Do sends an authenticated request. The current access token is attached
// (refreshed first when stale) along with a fresh DPoP proof. A 401 carrying
// an invalid_token challenge forces one refresh and one retry; if the retried
// request is still rejected the session is deleted and the failing response
// is returned without error, since re-authentication is an application-level
// outcome rather than a transport failure.
//
// Requests with a body must have GetBody set (http.NewRequest does this for
// common body types) so the retry paths can replay them.
func (s *ClientSession) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	sess, err := s.app.Sessions.Get(ctx, s.DID, GetOptions{})
	if err != nil {
		return nil, err
	}
	resp, err := s.send(req, sess.AccessToken)
	if err != nil {
		return nil, err
	}
	if !responseIsInvalidToken(resp) {
		return resp, nil
	}
	resp.Body.Close()

	// the token was rejected; force a refresh and retry exactly once
	sess, err = s.app.Sessions.Get(ctx, s.DID, GetOptions{NoCache: true})
	if err != nil {
		return nil, err
	}
	resp, err = s.send(req, sess.AccessToken)
	if err != nil {
		return nil, err
	}
	if responseIsInvalidToken(resp) {
		// a fresh token was rejected too; the session is not coming back
		if err := s.app.Sessions.DeleteSession(ctx, s.DID, "invalid-token", ErrTokenInvalid); err != nil {
			s.app.Logger.Warn("failed deleting rejected session", "did", s.DID, "err", err)
		}
	}
	return resp, nil
}

// send issues one authenticated attempt, with the DPoP nonce sub-retry: a
// use_dpop_nonce challenge is retried once with the server's nonce.
func (s *ClientSession) send(req *http.Request, accessToken string) (*http.Response, error) {
	for try := 0; try < 2; try++ {
		attempt, err := cloneRequest(req)
		if err != nil {
			return nil, err
		}
		proof, err := s.signer.Proof(attempt.Method, attempt.URL, accessToken)
		if err != nil {
			return nil, err
		}
		attempt.Header.Set("Authorization", "DPoP "+accessToken)
		attempt.Header.Set("DPoP", proof)

		resp, err := s.app.Client.Do(attempt)
		if err != nil {
			return nil, err
		}
		learnedNonce := s.signer.AbsorbResponse(resp)
		if IsUseDPoPNonce(resp) && learnedNonce {
			resp.Body.Close()
			continue
		}
		return resp, nil
	}
	return nil, fmt.Errorf("request failed after DPoP nonce retry")
}

// Get sends an authenticated GET against the session host.
func (s *ClientSession) Get(ctx context.Context, path string) (*http.Response, error) {
	req, err := s.NewRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	return s.Do(req)
}

// Post sends an authenticated POST with a JSON body against the session host.
func (s *ClientSession) Post(ctx context.Context, path string, body []byte) (*http.Response, error) {
	req, err := s.NewRequest(ctx, http.MethodPost, path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return s.Do(req)
}

// TokenInfo returns the session's current token data. With forceRefresh the
// tokens are refreshed through the auth server even if they are not stale.
func (s *ClientSession) TokenInfo(ctx context.Context, forceRefresh bool) (*SessionData, error) {
	return s.app.Sessions.Get(ctx, s.DID, GetOptions{NoCache: forceRefresh})
}

// SignOut revokes the session's tokens at the auth server (best effort) and
// always deletes the stored session.
func (s *ClientSession) SignOut(ctx context.Context) error {
	return s.app.RevokeSession(ctx, s.DID)
}

// RevokeSession revokes a stored session's access token at its auth server
// and deletes it from the store. Revocation failures are logged, not
// returned; local deletion always happens.
func (app *ClientApp) RevokeSession(ctx context.Context, did syntax.DID) error {
	sess, err := app.Store.GetSession(ctx, did)
	if err != nil {
		return err
	}
	if sess == nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, did)
	}
	if sess.AuthServerRevocation != "" {
		if err := app.revokeToken(ctx, sess); err != nil {
			app.Logger.Warn("token revocation failed", "did", did, "err", err)
		}
	}
	return app.Sessions.DeleteSession(ctx, did, "revoked", nil)
}

func (app *ClientApp) revokeToken(ctx context.Context, sess *SessionData) error {
	key, err := crypto.ParsePrivateMultibase(sess.DPoPPrivateKeyMultibase)
	if err != nil {
		return err
	}
	signer, err := NewDPoPSigner(key)
	if err != nil {
		return err
	}
	signer.SetNonce(sess.AuthServerRevocation, sess.DPoPAuthServerNonce)

	form := struct {
		Token         string `url:"token"`
		TokenTypeHint string `url:"token_type_hint"`
		ClientID      string `url:"client_id"`
	}{
		Token:         sess.AccessToken,
		TokenTypeHint: "access_token",
		ClientID:      app.Config.ClientID,
	}
	return sendTokenRequest(ctx, app.Client, signer, sess.AuthServerRevocation, &form, nil)
}

// responseIsInvalidToken detects the 401 invalid_token challenge from a
// resource server (RFC 6750 style WWW-Authenticate, DPoP scheme included).
func responseIsInvalidToken(resp *http.Response) bool {
	if resp.StatusCode != http.StatusUnauthorized {
		return false
	}
	return strings.Contains(resp.Header.Get("WWW-Authenticate"), "invalid_token")
}

func cloneRequest(req *http.Request) (*http.Request, error) {
	attempt := req.Clone(req.Context())
	if req.Body == nil || req.Body == http.NoBody {
		return attempt, nil
	}
	if req.GetBody == nil {
		return nil, fmt.Errorf("request body cannot be replayed (GetBody unset)")
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, err
	}
	attempt.Body = body
	return attempt, nil
}
