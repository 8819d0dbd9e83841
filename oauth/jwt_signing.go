package oauth

import (
	stdcrypto "crypto"
	"fmt"

	"github.com/atproto-tools/oauth-client-go/crypto"

	"github.com/golang-jwt/jwt/v5"
)

var signingMethodES256 *signingMethodAtproto

// signingMethodAtproto adapts the crypto package's key types to the JWT
// library's SigningMethod interface.
type signingMethodAtproto struct {
	alg    string
	hash   stdcrypto.Hash
	sigLen int
}

func init() {
	// serialize 'aud' as a regular string, not an array of strings
	jwt.MarshalSingleStringAsArray = false

	signingMethodES256 = &signingMethodAtproto{
		alg:    "ES256",
		hash:   stdcrypto.SHA256,
		sigLen: 64,
	}
}

func (sm *signingMethodAtproto) Verify(signingString string, sig []byte, key interface{}) error {
	pub, ok := key.(crypto.PublicKey)
	if !ok {
		return jwt.ErrInvalidKeyType
	}
	if !sm.hash.Available() {
		return jwt.ErrHashUnavailable
	}
	if len(sig) != sm.sigLen {
		return jwt.ErrTokenSignatureInvalid
	}
	return pub.HashAndVerify([]byte(signingString), sig)
}

func (sm *signingMethodAtproto) Sign(signingString string, key interface{}) ([]byte, error) {
	priv, ok := key.(crypto.PrivateKey)
	if !ok {
		return nil, jwt.ErrInvalidKeyType
	}
	return priv.HashAndSign([]byte(signingString))
}

func (sm *signingMethodAtproto) Alg() string {
	return sm.alg
}

func keySigningMethod(key crypto.PrivateKey) (jwt.SigningMethod, error) {
	switch key.(type) {
	case *crypto.PrivateKeyP256:
		return signingMethodES256, nil
	}
	return nil, fmt.Errorf("unknown key type: %T", key)
}
