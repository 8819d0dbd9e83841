package oauth

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/atproto-tools/oauth-client-go/crypto"

	"github.com/golang-jwt/jwt/v5"
	"github.com/puzpuzpuz/xsync/v3"
)

// DPoPSigner generates DPoP proof JWTs for a single session key, and tracks
// the most recent server-issued nonce per origin. Safe for concurrent use.
type DPoPSigner struct {
	key    crypto.PrivateKey
	jwk    *crypto.JWK
	method jwt.SigningMethod

	// most recent DPoP-Nonce per scheme://host origin
	nonces *xsync.MapOf[string, string]
}

// NewDPoPSigner builds a signer around a session private key. Only key types
// with a registered JWT signing method are accepted (ES256 / P-256).
func NewDPoPSigner(key crypto.PrivateKey) (*DPoPSigner, error) {
	method, err := keySigningMethod(key)
	if err != nil {
		return nil, err
	}
	pub, err := key.PublicKey()
	if err != nil {
		return nil, err
	}
	jwk, err := pub.JWK()
	if err != nil {
		return nil, err
	}
	return &DPoPSigner{
		key:    key,
		jwk:    jwk,
		method: method,
		nonces: xsync.NewMapOf[string, string](),
	}, nil
}

// Nonce returns the last known DPoP nonce for the origin of the given URL, or
// empty string.
func (s *DPoPSigner) Nonce(rawURL string) string {
	nonce, _ := s.nonces.Load(urlOrigin(rawURL))
	return nonce
}

// SetNonce records a server-issued nonce for the origin of the given URL.
// Empty nonces are ignored.
func (s *DPoPSigner) SetNonce(rawURL, nonce string) {
	if nonce == "" {
		return
	}
	s.nonces.Store(urlOrigin(rawURL), nonce)
}

type dpopClaims struct {
	jwt.RegisteredClaims

	HTTPMethod string `json:"htm"`
	TargetURI  string `json:"htu"`
	Nonce      string `json:"nonce,omitempty"`
	TokenHash  string `json:"ath,omitempty"`
}

// Proof signs a DPoP proof JWT for one HTTP request. accessToken is empty for
// auth server requests, and the session access token for resource server
// requests (which binds the proof via the "ath" claim).
func (s *DPoPSigner) Proof(httpMethod string, targetURL *url.URL, accessToken string) (string, error) {
	claims := dpopClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:       crypto.RandomToken(),
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
		HTTPMethod: httpMethod,
		TargetURI:  proofTargetURI(targetURL),
		Nonce:      s.Nonce(targetURL.String()),
	}
	if accessToken != "" {
		claims.TokenHash = S256CodeChallenge(accessToken)
	}

	tok := jwt.NewWithClaims(s.method, claims)
	tok.Header["typ"] = "dpop+jwt"
	tok.Header["jwk"] = s.jwk
	delete(tok.Header, "kid")

	return tok.SignedString(s.key)
}

// AbsorbResponse records any DPoP-Nonce header from a server response,
// returning true when a fresh nonce was learned.
func (s *DPoPSigner) AbsorbResponse(resp *http.Response) bool {
	nonce := resp.Header.Get("DPoP-Nonce")
	if nonce == "" {
		return false
	}
	s.SetNonce(resp.Request.URL.String(), nonce)
	return true
}

// IsUseDPoPNonce reports whether a resource server response is the
// use_dpop_nonce challenge: the request must be retried once with the nonce
// from the DPoP-Nonce header. Auth servers signal the same condition through
// the JSON error body instead.
func IsUseDPoPNonce(resp *http.Response) bool {
	if resp.StatusCode != http.StatusUnauthorized && resp.StatusCode != http.StatusBadRequest {
		return false
	}
	return strings.Contains(resp.Header.Get("WWW-Authenticate"), "use_dpop_nonce")
}
