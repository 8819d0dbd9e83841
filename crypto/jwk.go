package crypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"encoding/base64"
	"fmt"
	"math/big"
)

// JWK is a minimal JSON Web Key representation of an elliptic curve public
// key, as embedded in DPoP proof headers and client metadata documents.
type JWK struct {
	KeyType string `json:"kty"`
	Curve   string `json:"crv"`
	X       string `json:"x"`
	Y       string `json:"y"`
	Use     string `json:"use,omitempty"`
	KeyID   string `json:"kid,omitempty"`
}

func (k *PublicKeyP256) JWK() (*JWK, error) {
	// coordinates are padded to the 32-byte field size
	var xbuf, ybuf [32]byte
	k.pub.X.FillBytes(xbuf[:])
	k.pub.Y.FillBytes(ybuf[:])
	return &JWK{
		KeyType: "EC",
		Curve:   "P-256",
		X:       base64.RawURLEncoding.EncodeToString(xbuf[:]),
		Y:       base64.RawURLEncoding.EncodeToString(ybuf[:]),
	}, nil
}

// ParsePublicJWK loads an elliptic curve public key from its JWK form.
func ParsePublicJWK(jwk JWK) (PublicKey, error) {
	if jwk.KeyType != "EC" {
		return nil, fmt.Errorf("%w: JWK kty=%s", ErrUnsupportedKey, jwk.KeyType)
	}
	switch jwk.Curve {
	case "P-256":
		xbytes, err := base64.RawURLEncoding.DecodeString(jwk.X)
		if err != nil {
			return nil, fmt.Errorf("invalid JWK x coordinate: %w", err)
		}
		ybytes, err := base64.RawURLEncoding.DecodeString(jwk.Y)
		if err != nil {
			return nil, fmt.Errorf("invalid JWK y coordinate: %w", err)
		}
		x := new(big.Int).SetBytes(xbytes)
		y := new(big.Int).SetBytes(ybytes)
		curve := elliptic.P256()
		if !curve.Params().IsOnCurve(x, y) {
			return nil, fmt.Errorf("invalid P-256 public key (not on curve)")
		}
		return &PublicKeyP256{pub: ecdsa.PublicKey{Curve: curve, X: x, Y: y}}, nil
	default:
		return nil, fmt.Errorf("%w: JWK crv=%s", ErrUnsupportedKey, jwk.Curve)
	}
}
