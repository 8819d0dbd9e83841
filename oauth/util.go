package oauth

import (
	"crypto/sha256"
	"encoding/base64"
	"net/url"
	"strings"
)

// S256CodeChallenge computes the S256 transform used for both PKCE code
// challenges and DPoP access token hashes ("ath").
func S256CodeChallenge(input string) string {
	digest := sha256.Sum256([]byte(input))
	return base64.RawURLEncoding.EncodeToString(digest[:])
}

// urlOrigin reduces a URL to its scheme://host origin, for keying DPoP nonce
// state.
func urlOrigin(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.Scheme + "://" + u.Host
}

// proofTargetURI normalizes a URL for a DPoP "htu" claim: query string kept,
// fragment dropped.
func proofTargetURI(u *url.URL) string {
	c := *u
	c.Fragment = ""
	c.RawFragment = ""
	return c.String()
}

func joinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}

func splitScopes(scope string) []string {
	return strings.Fields(scope)
}
