package oauth

import (
	"fmt"
	"strings"
	"time"

	"github.com/atproto-tools/oauth-client-go/crypto"

	"github.com/golang-jwt/jwt/v5"
)

// ClientConfig is the static identity of an OAuth client app: its client_id
// (a URL to the client metadata document), redirect URI, scopes, and for
// confidential clients a client attestation key.
type ClientConfig struct {
	// Public client identifier; the URL of the client metadata document
	ClientID string

	RedirectURI string

	// Scope values requested during auth flows; must include "atproto"
	Scopes []string

	// Set for confidential clients only
	ClientSecretKey   crypto.PrivateKey
	ClientSecretKeyID string
}

// NewPublicConfig is for public clients, which have no client attestation key.
func NewPublicConfig(clientID, redirectURI string, scopes []string) ClientConfig {
	return ClientConfig{
		ClientID:    clientID,
		RedirectURI: redirectURI,
		Scopes:      scopes,
	}
}

// AddClientSecret upgrades the config to a confidential client.
func (c *ClientConfig) AddClientSecret(key crypto.PrivateKey, keyID string) {
	c.ClientSecretKey = key
	c.ClientSecretKeyID = keyID
}

func (c *ClientConfig) IsConfidential() bool {
	return c.ClientSecretKey != nil
}

// NewAssertionJWT signs a fresh client assertion for the given authorization
// server. Confidential clients only.
func (c *ClientConfig) NewAssertionJWT(authServerIssuer string) (string, error) {
	if c.ClientSecretKey == nil {
		return "", fmt.Errorf("client attestation requires a client secret key")
	}
	method, err := keySigningMethod(c.ClientSecretKey)
	if err != nil {
		return "", err
	}
	claims := jwt.RegisteredClaims{
		Issuer:   c.ClientID,
		Subject:  c.ClientID,
		Audience: jwt.ClaimStrings{authServerIssuer},
		ID:       crypto.RandomToken(),
		IssuedAt: jwt.NewNumericDate(time.Now()),
	}
	tok := jwt.NewWithClaims(method, claims)
	tok.Header["kid"] = c.ClientSecretKeyID
	return tok.SignedString(c.ClientSecretKey)
}

// ClientMetadata renders the client metadata document matching this config,
// suitable for serving at the client_id URL.
func (c *ClientConfig) ClientMetadata() (*ClientMetadata, error) {
	meta := ClientMetadata{
		ClientID:                c.ClientID,
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		Scope:                   strings.Join(c.Scopes, " "),
		ResponseTypes:           []string{"code"},
		RedirectURIs:            []string{c.RedirectURI},
		TokenEndpointAuthMethod: "none",
		DPoPBoundAccessTokens:   true,
	}
	if c.IsConfidential() {
		meta.TokenEndpointAuthMethod = "private_key_jwt"
		alg := "ES256"
		meta.TokenEndpointAuthSigningAlg = &alg

		pub, err := c.ClientSecretKey.PublicKey()
		if err != nil {
			return nil, err
		}
		jwk, err := pub.JWK()
		if err != nil {
			return nil, err
		}
		jwk.KeyID = c.ClientSecretKeyID
		meta.JWKS = &JWKS{Keys: []crypto.JWK{*jwk}}
	}
	return &meta, nil
}
