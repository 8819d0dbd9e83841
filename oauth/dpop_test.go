package oauth

import (
	"encoding/base64"
	"net/url"
	"strings"
	"testing"

	"github.com/atproto-tools/oauth-client-go/crypto"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSigner(t *testing.T) *DPoPSigner {
	t.Helper()
	key, err := crypto.GeneratePrivateKey(crypto.DefaultKeyTypes)
	require.NoError(t, err)
	signer, err := NewDPoPSigner(key)
	require.NoError(t, err)
	return signer
}

func parseProof(t *testing.T, proof string) (*jwt.Token, jwt.MapClaims) {
	t.Helper()
	claims := jwt.MapClaims{}
	tok, _, err := jwt.NewParser().ParseUnverified(proof, claims)
	require.NoError(t, err)
	return tok, claims
}

func TestDPoPProofClaims(t *testing.T) {
	assert := assert.New(t)
	signer := testSigner(t)

	target, err := url.Parse("https://pds.example.com/xrpc/com.atproto.repo.listRecords?repo=abc#frag")
	require.NoError(t, err)

	proof, err := signer.Proof("GET", target, "some-access-token")
	require.NoError(t, err)

	tok, claims := parseProof(t, proof)
	assert.Equal("dpop+jwt", tok.Header["typ"])
	assert.NotNil(tok.Header["jwk"])
	assert.NotContains(tok.Header, "kid")

	assert.Equal("GET", claims["htm"])
	// query kept, fragment stripped
	assert.Equal("https://pds.example.com/xrpc/com.atproto.repo.listRecords?repo=abc", claims["htu"])
	assert.Equal(S256CodeChallenge("some-access-token"), claims["ath"])
	assert.NotEmpty(claims["jti"])
	assert.NotNil(claims["iat"])
	assert.NotContains(claims, "nonce")

	// proofs are single use even for identical requests
	proof2, err := signer.Proof("GET", target, "some-access-token")
	require.NoError(t, err)
	_, claims2 := parseProof(t, proof2)
	assert.NotEqual(claims["jti"], claims2["jti"])
}

func TestDPoPProofNoAccessToken(t *testing.T) {
	assert := assert.New(t)
	signer := testSigner(t)

	target, err := url.Parse("https://auth.example.com/oauth/token")
	require.NoError(t, err)
	proof, err := signer.Proof("POST", target, "")
	require.NoError(t, err)

	_, claims := parseProof(t, proof)
	assert.NotContains(claims, "ath")
}

func TestDPoPNoncePerOrigin(t *testing.T) {
	assert := assert.New(t)
	signer := testSigner(t)

	signer.SetNonce("https://auth.example.com/oauth/par", "server-nonce-1")
	assert.Equal("server-nonce-1", signer.Nonce("https://auth.example.com/oauth/token"), "nonce is shared per origin")
	assert.Equal("", signer.Nonce("https://pds.example.com/xrpc/foo"), "other origins are unaffected")

	// newer nonce supersedes
	signer.SetNonce("https://auth.example.com/oauth/token", "server-nonce-2")
	assert.Equal("server-nonce-2", signer.Nonce("https://auth.example.com/oauth/par"))

	target, err := url.Parse("https://auth.example.com/oauth/token")
	require.NoError(t, err)
	proof, err := signer.Proof("POST", target, "")
	require.NoError(t, err)
	_, claims := parseProof(t, proof)
	assert.Equal("server-nonce-2", claims["nonce"])
}

func TestDPoPProofSignature(t *testing.T) {
	assert := assert.New(t)

	key, err := crypto.GeneratePrivateKey(crypto.DefaultKeyTypes)
	require.NoError(t, err)
	signer, err := NewDPoPSigner(key)
	require.NoError(t, err)

	target, err := url.Parse("https://pds.example.com/xrpc/foo")
	require.NoError(t, err)
	proof, err := signer.Proof("GET", target, "")
	require.NoError(t, err)

	parts := strings.Split(proof, ".")
	require.Len(t, parts, 3)
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	require.NoError(t, err)

	pub, err := key.PublicKey()
	require.NoError(t, err)
	assert.NoError(signingMethodES256.Verify(parts[0]+"."+parts[1], sig, pub))
}
