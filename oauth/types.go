package oauth

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/atproto-tools/oauth-client-go/crypto"
	"github.com/atproto-tools/oauth-client-go/syntax"
)

var clientAssertionJWTBearer = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

type JWKS struct {
	Keys []crypto.JWK `json:"keys"`
}

// ProtectedResourceMetadata is the response from looking up OAuth protected
// resource information on a host (eg, a PDS instance).
type ProtectedResourceMetadata struct {
	AuthorizationServers []string `json:"authorization_servers"`
}

// ClientMetadata is the client metadata document, served at the URL which is
// also the client_id.
type ClientMetadata struct {
	// Must exactly match the full URL used to fetch the client metadata file itself
	ClientID string `json:"client_id"`

	// One of `web` or `native`; `web` is the default when not specified
	ApplicationType *string `json:"application_type,omitempty"`

	// `authorization_code` always; `refresh_token` when the client refreshes
	GrantTypes []string `json:"grant_types"`

	// All scope values the client might request. `atproto` is required.
	Scope string `json:"scope"`

	ResponseTypes []string `json:"response_types"`

	RedirectURIs []string `json:"redirect_uris"`

	// `private_key_jwt` for confidential clients, `none` for public
	TokenEndpointAuthMethod string `json:"token_endpoint_auth_method"`

	TokenEndpointAuthSigningAlg *string `json:"token_endpoint_auth_signing_alg,omitempty"`

	// DPoP is mandatory for all atproto clients
	DPoPBoundAccessTokens bool `json:"dpop_bound_access_tokens"`

	// Confidential clients supply at least one public key, either inline or by URL (not both)
	JWKS    *JWKS   `json:"jwks,omitempty"`
	JWKSURI *string `json:"jwks_uri,omitempty"`

	ClientName *string `json:"client_name,omitempty"`
	ClientURI  *string `json:"client_uri,omitempty"`
	LogoURI    *string `json:"logo_uri,omitempty"`
	TosURI     *string `json:"tos_uri,omitempty"`
	PolicyURI  *string `json:"policy_uri,omitempty"`
}

// AuthServerMetadata describes an authorization server, fetched from its
// well-known endpoint. Validation requirements follow the atproto OAuth
// profile, which is stricter than baseline RFC 8414.
type AuthServerMetadata struct {
	// "origin" URL of the authorization server: https scheme, no path, no default port
	Issuer string `json:"issuer"`

	AuthorizationEndpoint string `json:"authorization_endpoint"`

	TokenEndpoint string `json:"token_endpoint"`

	RevocationEndpoint string `json:"revocation_endpoint,omitempty"`

	// must include code
	ResponseTypesSupported []string `json:"response_types_supported"`

	// must include authorization_code and refresh_token
	GrantTypesSupported []string `json:"grant_types_supported"`

	// must include S256
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported"`

	// must include none (public clients); confidential clients need private_key_jwt
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`

	TokenEndpointAuthSigningAlgValuesSupported []string `json:"token_endpoint_auth_signing_alg_values_supported"`

	// must include atproto
	ScopesSupported []string `json:"scopes_supported"`

	// must be true
	AuthorizationResponseISSParameterSupported bool `json:"authorization_response_iss_parameter_supported"`

	// must be true
	RequirePushedAuthorizationRequests bool `json:"require_pushed_authorization_requests"`

	PushedAuthorizationRequestEndpoint string `json:"pushed_authorization_request_endpoint"`

	// must include ES256
	DPoPSigningAlgValuesSupported []string `json:"dpop_signing_alg_values_supported"`

	// must be true
	ClientIDMetadataDocumentSupported bool `json:"client_id_metadata_document_supported"`
}

func (m *AuthServerMetadata) Validate(fetchURL string) error {
	if m.Issuer == "" {
		return fmt.Errorf("%w: empty issuer", ErrInvalidAuthServerMetadata)
	}
	u, err := url.Parse(m.Issuer)
	if err != nil {
		return fmt.Errorf("%w: invalid issuer URL: %w", ErrInvalidAuthServerMetadata, err)
	}
	if u.Scheme != "https" || u.Path != "" || u.Fragment != "" || u.RawQuery != "" {
		return fmt.Errorf("%w: issuer must be a bare https origin: %s", ErrInvalidAuthServerMetadata, m.Issuer)
	}

	// the issuer must match the origin the metadata was fetched from
	srvu, err := url.Parse(fetchURL)
	if err != nil {
		return fmt.Errorf("%w: invalid request URL: %w", ErrInvalidAuthServerMetadata, err)
	}
	if u.Host != srvu.Host {
		return fmt.Errorf("%w: issuer must match the fetch origin", ErrInvalidAuthServerMetadata)
	}

	aeu, err := url.Parse(m.AuthorizationEndpoint)
	if err != nil || aeu.Scheme != "https" || aeu.Fragment != "" || aeu.RawQuery != "" {
		return fmt.Errorf("%w: invalid authorization endpoint URL: %s", ErrInvalidAuthServerMetadata, m.AuthorizationEndpoint)
	}
	if m.TokenEndpoint == "" {
		return fmt.Errorf("%w: token_endpoint is required", ErrInvalidAuthServerMetadata)
	}
	if !slices.Contains(m.ResponseTypesSupported, "code") {
		return fmt.Errorf("%w: response_types_supported must include 'code'", ErrInvalidAuthServerMetadata)
	}
	if !slices.Contains(m.GrantTypesSupported, "authorization_code") {
		return fmt.Errorf("%w: grant_types_supported must include 'authorization_code'", ErrInvalidAuthServerMetadata)
	}
	if !slices.Contains(m.GrantTypesSupported, "refresh_token") {
		return fmt.Errorf("%w: grant_types_supported must include 'refresh_token'", ErrInvalidAuthServerMetadata)
	}
	if !slices.Contains(m.CodeChallengeMethodsSupported, "S256") {
		return fmt.Errorf("%w: code_challenge_methods_supported must include 'S256'", ErrInvalidAuthServerMetadata)
	}
	if !slices.Contains(m.ScopesSupported, "atproto") {
		return fmt.Errorf("%w: scopes_supported must include 'atproto'", ErrInvalidAuthServerMetadata)
	}
	if !m.AuthorizationResponseISSParameterSupported {
		return fmt.Errorf("%w: authorization_response_iss_parameter_supported must be true", ErrInvalidAuthServerMetadata)
	}
	if !m.RequirePushedAuthorizationRequests {
		return fmt.Errorf("%w: require_pushed_authorization_requests must be true", ErrInvalidAuthServerMetadata)
	}
	if m.PushedAuthorizationRequestEndpoint == "" {
		return fmt.Errorf("%w: pushed_authorization_request_endpoint is required", ErrInvalidAuthServerMetadata)
	}
	if !slices.Contains(m.DPoPSigningAlgValuesSupported, "ES256") {
		return fmt.Errorf("%w: dpop_signing_alg_values_supported must include 'ES256'", ErrInvalidAuthServerMetadata)
	}
	if !m.ClientIDMetadataDocumentSupported {
		return fmt.Errorf("%w: client_id_metadata_document_supported must be true", ErrInvalidAuthServerMetadata)
	}
	return nil
}

// SelectAuthMethod picks the token endpoint auth method this client will use
// with the server, or fails when there is no overlap.
func (m *AuthServerMetadata) SelectAuthMethod(confidential bool) (string, error) {
	if confidential && slices.Contains(m.TokenEndpointAuthMethodsSupported, "private_key_jwt") {
		return "private_key_jwt", nil
	}
	if !confidential && slices.Contains(m.TokenEndpointAuthMethodsSupported, "none") {
		return "none", nil
	}
	return "", fmt.Errorf("%w: server supports %s", ErrAuthMethodUnsupported, strings.Join(m.TokenEndpointAuthMethodsSupported, ","))
}

// PushedAuthRequest is the form-encoded body of a PAR request.
type PushedAuthRequest struct {
	ClientID string `url:"client_id"`

	// Random identifier for this auth request, generated by the client
	State string `url:"state"`

	RedirectURI string `url:"redirect_uri"`

	// Space-delimited scope values
	Scope string `url:"scope"`

	// Optional account identifier (DID or handle), to help the server with account selection
	LoginHint *string `url:"login_hint,omitempty"`

	// Always "code"
	ResponseType string `url:"response_type"`

	// PKCE challenge hash derived from the secret verifier
	CodeChallenge       string `url:"code_challenge"`
	CodeChallengeMethod string `url:"code_challenge_method"`

	// Confidential clients only
	ClientAssertionType *string `url:"client_assertion_type,omitempty"`
	ClientAssertion     *string `url:"client_assertion,omitempty"`
}

type PushedAuthResponse struct {
	RequestURI string `json:"request_uri"`
	ExpiresIn  int    `json:"expires_in"`
}

// InitialTokenRequest is the form-encoded body of the authorization code
// exchange.
type InitialTokenRequest struct {
	ClientID string `url:"client_id"`

	// Must match the redirect URI used during the auth flow
	RedirectURI string `url:"redirect_uri"`

	// Always "authorization_code"
	GrantType string `url:"grant_type"`

	// Authorization code from the callback
	Code string `url:"code"`

	// PKCE verifier; only sent in the initial token request
	CodeVerifier string `url:"code_verifier"`

	ClientAssertionType *string `url:"client_assertion_type,omitempty"`
	ClientAssertion     *string `url:"client_assertion,omitempty"`
}

// RefreshTokenRequest is the form-encoded body of a token refresh.
type RefreshTokenRequest struct {
	ClientID string `url:"client_id"`

	// Always "refresh_token"
	GrantType string `url:"grant_type"`

	// Single-use refresh token; the response carries its replacement
	RefreshToken string `url:"refresh_token"`

	ClientAssertionType *string `url:"client_assertion_type,omitempty"`
	ClientAssertion     *string `url:"client_assertion,omitempty"`
}

// TokenResponse is the auth server's token endpoint response, for both the
// initial exchange and refreshes.
type TokenResponse struct {
	Subject      string `json:"sub"`
	Scope        string `json:"scope"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`

	// Lifetime of the access token in seconds
	ExpiresIn *int64 `json:"expires_in,omitempty"`
}

// AuthRequestData is the ephemeral state persisted when an auth flow starts,
// keyed by the state token. It is loaded and deleted (consumed exactly once)
// by the matching callback.
type AuthRequestData struct {
	// Random identifier generated by the client for this auth request; the storage key
	State string `json:"state"`

	AuthServerIssuer        string `json:"authserver_issuer"`
	AuthServerTokenEndpoint string `json:"authserver_token_endpoint"`
	AuthServerRevocation    string `json:"authserver_revocation_endpoint,omitempty"`

	// Account identifier the flow started with, when it started with one
	AccountDID *syntax.DID `json:"account_did,omitempty"`

	// PDS base URL for the account, when known at flow start
	HostURL string `json:"host_url,omitempty"`

	Scopes []string `json:"scopes"`

	RedirectURI string `json:"redirect_uri"`

	// PAR request_uri token
	RequestURI string `json:"request_uri"`

	// Secret PKCE verifier the code challenge was derived from
	PKCEVerifier string `json:"pkce_verifier"`

	// DPoP nonce the auth server issued during PAR
	DPoPAuthServerNonce string `json:"dpop_authserver_nonce,omitempty"`

	// Session DPoP private key; generated at flow start and kept for the life of the session
	DPoPPrivateKeyMultibase string `json:"dpop_privatekey_multibase"`

	// Opaque caller-supplied application state, returned on callback errors for UI continuity
	AppState string `json:"app_state,omitempty"`
}

// SessionData is the persisted state for one account session: the token set,
// the DPoP key it is bound to, and the server nonces. Stored keyed by the
// account DID; the stored subject must always equal that key.
//
// Sessions are replaced whole on refresh, never field-mutated in place.
type SessionData struct {
	AccountDID syntax.DID `json:"account_did"`

	AuthServerIssuer        string `json:"authserver_issuer"`
	AuthServerTokenEndpoint string `json:"authserver_token_endpoint"`
	AuthServerRevocation    string `json:"authserver_revocation_endpoint,omitempty"`

	// PDS base URL, no trailing slash
	HostURL string `json:"host_url"`

	Scopes []string `json:"scopes"`

	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`

	// "DPoP" for atproto
	TokenType string `json:"token_type"`

	// Access token expiry; nil when the server did not indicate one
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	// The session DPoP private key. Persisted so refreshed tokens stay bound
	// to the key from the original auth flow.
	DPoPPrivateKeyMultibase string `json:"dpop_privatekey_multibase"`

	DPoPAuthServerNonce string `json:"dpop_authserver_nonce,omitempty"`
	DPoPHostNonce       string `json:"dpop_host_nonce,omitempty"`
}
