package oauth

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidAuthServerMetadata = errors.New("invalid auth server metadata")
	ErrInvalidClientMetadata     = errors.New("invalid client metadata doc")

	// No overlap between the server's supported client authentication methods and what this client can do.
	ErrAuthMethodUnsupported = errors.New("no mutually supported client authentication method")

	// Auth server discovery failed (metadata missing, malformed, or unreachable).
	ErrDiscoveryFailed = errors.New("auth server discovery failed")

	// The auth flow callback could not be completed.
	ErrCallbackFailed = errors.New("auth flow callback failed")

	// No persisted auth request matches the callback's state parameter. Each auth request is consumed exactly once.
	ErrAuthRequestNotFound = errors.New("no auth request data found for state token")

	// No session stored for the account.
	ErrSessionNotFound = errors.New("session not found")

	// A stored session's subject did not match the key it was stored under. Non-recoverable for that entry.
	ErrSessionCorrupt = errors.New("stored session is corrupt")

	// Session has no refresh token; a token refresh is impossible.
	ErrNoRefreshToken = errors.New("session has no refresh token")

	// Token refresh request was rejected or failed.
	ErrTokenRefreshFailed = errors.New("token refresh failed")

	// The resource server rejected a freshly refreshed token.
	ErrTokenInvalid = errors.New("access token rejected by resource server")
)

// OAuthError is a structured error response from an authorization server
// (RFC 6749 section 5.2).
type OAuthError struct {
	StatusCode  int
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

func (e *OAuthError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("OAuth error (HTTP %d): %s: %s", e.StatusCode, e.Code, e.Description)
	}
	return fmt.Sprintf("OAuth error (HTTP %d): %s", e.StatusCode, e.Code)
}

// CallbackError is returned by ProcessCallback when the auth server reported
// an error, or when no matching auth request exists. AppState carries the
// caller-supplied application state from the original auth request, when it
// could be recovered, so UIs can route the user back to where they started.
type CallbackError struct {
	Code        string
	Description string
	AppState    string
}

func (e *CallbackError) Error() string {
	return fmt.Sprintf("%v: %s: %s", ErrCallbackFailed, e.Code, e.Description)
}

func (e *CallbackError) Unwrap() error {
	return ErrCallbackFailed
}
