package oauth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/atproto-tools/oauth-client-go/crypto"
	"github.com/atproto-tools/oauth-client-go/identity"
	"github.com/atproto-tools/oauth-client-go/syntax"
)

// ClientApp is the top-level OAuth client: it drives interactive auth flows
// and hands out authenticated sessions backed by the store.
type ClientApp struct {
	Config   ClientConfig
	Store    ClientAuthStore
	Dir      identity.Directory
	Resolver *Resolver
	Client   *http.Client
	Sessions *SessionGetter
	Logger   *slog.Logger
}

// ClientAppOptions tune optional ClientApp behavior. The zero value is valid.
type ClientAppOptions struct {
	// Directory for identity resolution; defaults to a caching directory
	// against the public PLC directory.
	Dir identity.Directory

	// HTTP client shared by discovery, token, and resource requests.
	Client *http.Client

	// Cross-process refresh lock; optional.
	Locker SessionLocker

	Logger *slog.Logger
}

func NewClientApp(config ClientConfig, store ClientAuthStore) *ClientApp {
	return NewClientAppWithOptions(config, store, ClientAppOptions{})
}

func NewClientAppWithOptions(config ClientConfig, store ClientAuthStore, opts ClientAppOptions) *ClientApp {
	dir := opts.Dir
	if dir == nil {
		dir = identity.DefaultDirectory()
	}
	client := opts.Client
	if client == nil {
		client = http.DefaultClient
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ClientApp{
		Config:   config,
		Store:    store,
		Dir:      dir,
		Resolver: NewResolver(client),
		Client:   client,
		Sessions: NewSessionGetter(&config, store, client, opts.Locker, logger),
		Logger:   logger,
	}
}

// AuthFlowOptions carry optional parameters for StartAuthFlow.
type AuthFlowOptions struct {
	// Opaque application state, returned to the caller on callback errors so
	// the UI can resume where the user started.
	AppState string
}

// StartAuthFlow begins an authorization flow for an account identifier (a
// handle or DID) or a bare server URL (a PDS or entryway). It resolves the
// account, discovers and validates the authorization server, pushes the
// authorization request (PAR), persists the ephemeral request state, and
// returns the URL to send the user to.
func (app *ClientApp) StartAuthFlow(ctx context.Context, identifier string) (string, error) {
	return app.StartAuthFlowWithOptions(ctx, identifier, AuthFlowOptions{})
}

func (app *ClientApp) StartAuthFlowWithOptions(ctx context.Context, identifier string, opts AuthFlowOptions) (string, error) {
	var hostURL string
	var accountDID *syntax.DID
	var loginHint *string

	if strings.Contains(identifier, "://") {
		u, err := url.Parse(identifier)
		if err != nil || u.Scheme != "https" || u.Host == "" {
			return "", fmt.Errorf("invalid server URL: %s", identifier)
		}
		hostURL = strings.TrimRight(identifier, "/")
	} else {
		atid, err := syntax.ParseAtIdentifier(identifier)
		if err != nil {
			return "", err
		}
		ident, err := app.Dir.Lookup(ctx, atid)
		if err != nil {
			return "", err
		}
		hostURL, err = ident.PDSEndpoint()
		if err != nil {
			return "", err
		}
		accountDID = &ident.DID
		hint := identifier
		loginHint = &hint
	}

	meta, err := app.Resolver.DiscoverAuthServer(ctx, hostURL)
	if err != nil {
		authFlows.WithLabelValues("start", "error").Inc()
		return "", err
	}
	if _, err := meta.SelectAuthMethod(app.Config.IsConfidential()); err != nil {
		authFlows.WithLabelValues("start", "error").Inc()
		return "", err
	}

	// fresh DPoP key, PKCE verifier, and anti-CSRF state for this flow
	key, err := crypto.GeneratePrivateKey(crypto.DefaultKeyTypes)
	if err != nil {
		return "", err
	}
	signer, err := NewDPoPSigner(key)
	if err != nil {
		return "", err
	}
	pkceVerifier := crypto.RandomToken() + crypto.RandomToken() + crypto.RandomToken()
	state := crypto.RandomToken()

	parReq := PushedAuthRequest{
		ClientID:            app.Config.ClientID,
		State:               state,
		RedirectURI:         app.Config.RedirectURI,
		Scope:               joinScopes(app.Config.Scopes),
		LoginHint:           loginHint,
		ResponseType:        "code",
		CodeChallenge:       S256CodeChallenge(pkceVerifier),
		CodeChallengeMethod: "S256",
	}
	if app.Config.IsConfidential() {
		assertion, err := app.Config.NewAssertionJWT(meta.Issuer)
		if err != nil {
			return "", err
		}
		parReq.ClientAssertionType = &clientAssertionJWTBearer
		parReq.ClientAssertion = &assertion
	}

	var parResp PushedAuthResponse
	if err := sendTokenRequest(ctx, app.Client, signer, meta.PushedAuthorizationRequestEndpoint, &parReq, &parResp); err != nil {
		authFlows.WithLabelValues("start", "error").Inc()
		return "", fmt.Errorf("pushed authorization request failed: %w", err)
	}
	if parResp.RequestURI == "" {
		authFlows.WithLabelValues("start", "error").Inc()
		return "", fmt.Errorf("pushed authorization response missing request_uri")
	}

	info := AuthRequestData{
		State:                   state,
		AuthServerIssuer:        meta.Issuer,
		AuthServerTokenEndpoint: meta.TokenEndpoint,
		AuthServerRevocation:    meta.RevocationEndpoint,
		AccountDID:              accountDID,
		HostURL:                 hostURL,
		Scopes:                  app.Config.Scopes,
		RedirectURI:             app.Config.RedirectURI,
		RequestURI:              parResp.RequestURI,
		PKCEVerifier:            pkceVerifier,
		DPoPAuthServerNonce:     signer.Nonce(meta.PushedAuthorizationRequestEndpoint),
		DPoPPrivateKeyMultibase: key.Multibase(),
		AppState:                opts.AppState,
	}
	if err := app.Store.SaveAuthRequestInfo(ctx, info); err != nil {
		return "", err
	}

	params := url.Values{
		"client_id":   []string{app.Config.ClientID},
		"request_uri": []string{parResp.RequestURI},
	}
	authFlows.WithLabelValues("start", "ok").Inc()
	app.Logger.Info("auth flow started", "host", hostURL, "issuer", meta.Issuer)
	return meta.AuthorizationEndpoint + "?" + params.Encode(), nil
}

// ProcessCallback completes an auth flow from the query parameters the auth
// server appended to the redirect URI. The matching ephemeral request state is
// consumed (deleted) whether or not the callback succeeds. On success the new
// session is persisted and returned.
func (app *ClientApp) ProcessCallback(ctx context.Context, params url.Values) (*SessionData, error) {
	state := params.Get("state")
	if state == "" {
		return nil, fmt.Errorf("%w: missing state parameter", ErrCallbackFailed)
	}
	info, err := app.Store.GetAuthRequestInfo(ctx, state)
	if err != nil {
		return nil, err
	}
	if info == nil {
		authFlows.WithLabelValues("callback", "unknown-state").Inc()
		return nil, fmt.Errorf("%w: %s", ErrAuthRequestNotFound, state)
	}
	// consumed exactly once, regardless of outcome
	if err := app.Store.DeleteAuthRequestInfo(ctx, state); err != nil {
		return nil, err
	}

	if errCode := params.Get("error"); errCode != "" {
		authFlows.WithLabelValues("callback", "server-error").Inc()
		return nil, &CallbackError{
			Code:        errCode,
			Description: params.Get("error_description"),
			AppState:    info.AppState,
		}
	}
	if iss := params.Get("iss"); iss != info.AuthServerIssuer {
		authFlows.WithLabelValues("callback", "error").Inc()
		return nil, &CallbackError{
			Code:        "invalid_issuer",
			Description: fmt.Sprintf("callback issuer %q does not match auth request issuer", iss),
			AppState:    info.AppState,
		}
	}
	code := params.Get("code")
	if code == "" {
		authFlows.WithLabelValues("callback", "error").Inc()
		return nil, &CallbackError{
			Code:        "missing_code",
			Description: "callback has no authorization code",
			AppState:    info.AppState,
		}
	}

	sess, err := app.exchangeCode(ctx, info, code)
	if err != nil {
		authFlows.WithLabelValues("callback", "error").Inc()
		return nil, err
	}
	if err := app.Store.SaveSession(ctx, *sess); err != nil {
		return nil, err
	}
	app.Sessions.fireUpdated(ctx, *sess)
	authFlows.WithLabelValues("callback", "ok").Inc()
	app.Logger.Info("auth flow completed", "did", sess.AccountDID)
	return sess, nil
}

func (app *ClientApp) exchangeCode(ctx context.Context, info *AuthRequestData, code string) (*SessionData, error) {
	key, err := crypto.ParsePrivateMultibase(info.DPoPPrivateKeyMultibase)
	if err != nil {
		return nil, err
	}
	signer, err := NewDPoPSigner(key)
	if err != nil {
		return nil, err
	}
	signer.SetNonce(info.AuthServerTokenEndpoint, info.DPoPAuthServerNonce)

	tokReq := InitialTokenRequest{
		ClientID:     app.Config.ClientID,
		RedirectURI:  info.RedirectURI,
		GrantType:    "authorization_code",
		Code:         code,
		CodeVerifier: info.PKCEVerifier,
	}
	if app.Config.IsConfidential() {
		assertion, err := app.Config.NewAssertionJWT(info.AuthServerIssuer)
		if err != nil {
			return nil, err
		}
		tokReq.ClientAssertionType = &clientAssertionJWTBearer
		tokReq.ClientAssertion = &assertion
	}

	var tokResp TokenResponse
	if err := sendTokenRequest(ctx, app.Client, signer, info.AuthServerTokenEndpoint, &tokReq, &tokResp); err != nil {
		return nil, fmt.Errorf("authorization code exchange failed: %w", err)
	}

	did, err := syntax.ParseDID(tokResp.Subject)
	if err != nil {
		return nil, fmt.Errorf("%w: token subject is not a DID: %w", ErrCallbackFailed, err)
	}
	if info.AccountDID != nil && *info.AccountDID != did {
		return nil, fmt.Errorf("%w: token subject %s does not match requested account %s", ErrCallbackFailed, did, *info.AccountDID)
	}

	hostURL := info.HostURL
	if info.AccountDID == nil {
		// flow started from a bare server URL; the account is only known
		// now, so verify it really lives behind the auth server we used
		ident, err := app.Dir.LookupDID(ctx, did)
		if err != nil {
			return nil, err
		}
		hostURL, err = ident.PDSEndpoint()
		if err != nil {
			return nil, err
		}
		issuer, err := app.Resolver.ResolveAuthServer(ctx, hostURL)
		if err != nil {
			return nil, err
		}
		if issuer != info.AuthServerIssuer {
			return nil, fmt.Errorf("%w: account %s is not served by auth server %s", ErrCallbackFailed, did, info.AuthServerIssuer)
		}
	}

	sess := SessionData{
		AccountDID:              did,
		AuthServerIssuer:        info.AuthServerIssuer,
		AuthServerTokenEndpoint: info.AuthServerTokenEndpoint,
		AuthServerRevocation:    info.AuthServerRevocation,
		HostURL:                 hostURL,
		Scopes:                  info.Scopes,
		AccessToken:             tokResp.AccessToken,
		RefreshToken:            tokResp.RefreshToken,
		TokenType:               tokResp.TokenType,
		DPoPPrivateKeyMultibase: info.DPoPPrivateKeyMultibase,
		DPoPAuthServerNonce:     signer.Nonce(info.AuthServerTokenEndpoint),
	}
	if sess.TokenType == "" {
		sess.TokenType = "DPoP"
	}
	if tokResp.Scope != "" {
		sess.Scopes = splitScopes(tokResp.Scope)
	}
	if tokResp.ExpiresIn != nil {
		expires := time.Now().Add(time.Duration(*tokResp.ExpiresIn) * time.Second)
		sess.ExpiresAt = &expires
	}
	return &sess, nil
}

// ResumeSession materializes an authenticated session handle for a stored
// session. The tokens are checked (and refreshed if stale) before returning,
// so a dead session fails here rather than on the first request.
func (app *ClientApp) ResumeSession(ctx context.Context, did syntax.DID) (*ClientSession, error) {
	sess, err := app.Sessions.Get(ctx, did, GetOptions{})
	if err != nil {
		return nil, err
	}
	return newClientSession(app, sess)
}
