// Package crypto implements the signing key operations this module relies
// on: P-256 (ES256) key generation and signing, multibase serialization, and
// JWK export for DPoP proof headers.
//
// SHA-256 is the only hash used, as specified by atproto.
package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
)

var (
	ErrInvalidSignature = errors.New("crypto: invalid signature")
	ErrUnsupportedKey   = errors.New("crypto: unsupported key type")
)

type KeyType uint8

const (
	P256 KeyType = 1
)

// DefaultKeyTypes is the preference-ordered list of key algorithms used when
// generating session keys. atproto OAuth requires ES256 support, so P-256
// leads the ranking.
var DefaultKeyTypes = []KeyType{P256}

// PrivateKey is a currently-held secret signing key.
type PrivateKey interface {
	Equal(other PrivateKey) bool

	// PublicKey returns the corresponding public key.
	PublicKey() (PublicKey, error)

	// HashAndSign hashes the content with SHA-256 and signs the digest,
	// returning a raw binary signature (64 bytes for P-256, low-S).
	HashAndSign(content []byte) ([]byte, error)

	// Bytes serializes the secret key material in a raw binary format.
	Bytes() []byte

	// Multibase serializes the secret key, with a multicodec type indicator,
	// as a multibase string. Round-trips via ParsePrivateMultibase.
	Multibase() string
}

// PublicKey is the verification half of a signing key.
type PublicKey interface {
	Equal(other PublicKey) bool

	// HashAndVerify hashes the content with SHA-256 and verifies the raw
	// binary signature against the digest. Returns nil on success.
	HashAndVerify(content, sig []byte) error

	// Bytes serializes the key in "compressed" binary format.
	Bytes() []byte

	Multibase() string

	// JWK returns the public key as a JSON Web Key, for embedding in DPoP
	// proof headers.
	JWK() (*JWK, error)
}

// GeneratePrivateKey walks a preference-ordered list of key types and
// generates a key of the first supported type.
func GeneratePrivateKey(prefs []KeyType) (PrivateKey, error) {
	for _, kt := range prefs {
		switch kt {
		case P256:
			return GeneratePrivateKeyP256()
		}
	}
	return nil, fmt.Errorf("%w: no supported key type in preference list", ErrUnsupportedKey)
}

// ParsePrivateMultibase parses a private key from its multibase string
// encoding, using the multicodec prefix to determine the key type.
func ParsePrivateMultibase(encoded string) (PrivateKey, error) {
	if len(encoded) < 2 || encoded[0] != 'z' {
		return nil, fmt.Errorf("%w: not a base58btc multibase string", ErrUnsupportedKey)
	}
	data, err := base58.Decode(encoded[1:])
	if err != nil {
		return nil, fmt.Errorf("invalid multibase private key: %w", err)
	}
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: multibase string too short", ErrUnsupportedKey)
	}
	switch {
	// multicodec p256-priv, code 0x1306, varint-encoded bytes: [0x86, 0x26]
	case data[0] == 0x86 && data[1] == 0x26:
		return ParsePrivateBytesP256(data[2:])
	default:
		return nil, fmt.Errorf("%w: unknown multicodec prefix", ErrUnsupportedKey)
	}
}

// RandomToken returns a fresh 128-bit secure random token in base64url
// encoding. Used for OAuth state values, PKCE verifiers, and DPoP proof IDs.
func RandomToken() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms
		panic(fmt.Sprintf("crypto: reading random bytes: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
