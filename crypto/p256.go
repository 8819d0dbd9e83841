package crypto

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"fmt"
	"math/big"

	"github.com/mr-tron/base58"
)

// PrivateKeyP256 implements [PrivateKey] for the NIST P-256 / secp256r1 /
// ES256 curve. Secret key material is held in process memory.
type PrivateKeyP256 struct {
	privECDH *ecdh.PrivateKey
	priv     ecdsa.PrivateKey
}

// PublicKeyP256 implements [PublicKey] for the NIST P-256 / secp256r1 /
// ES256 curve.
type PublicKeyP256 struct {
	pub ecdsa.PublicKey
}

var _ PrivateKey = (*PrivateKeyP256)(nil)
var _ PublicKey = (*PublicKeyP256)(nil)

func GeneratePrivateKeyP256() (*PrivateKeyP256, error) {
	sk, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("P-256 key generation failed: %w", err)
	}
	skECDH, err := sk.ECDH()
	if err != nil {
		return nil, fmt.Errorf("converting P-256 key from ecdsa to ecdh: %w", err)
	}
	return &PrivateKeyP256{priv: *sk, privECDH: skECDH}, nil
}

// ParsePrivateBytesP256 loads a key from the raw 32-byte "compact" encoding
// produced by [PrivateKeyP256.Bytes]. No enclosing ASN.1 structure.
func ParsePrivateBytesP256(data []byte) (*PrivateKeyP256, error) {
	skECDH, err := ecdh.P256().NewPrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("invalid P-256 private key: %w", err)
	}
	// round-trip through PKCS8 to recover the ecdsa form
	enc, err := x509.MarshalPKCS8PrivateKey(skECDH)
	if err != nil {
		return nil, fmt.Errorf("invalid P-256 private key: %w", err)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(enc)
	if err != nil {
		return nil, fmt.Errorf("invalid P-256 private key: %w", err)
	}
	sk, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("unexpected PKCS8 key type for P-256 private key")
	}
	return &PrivateKeyP256{priv: *sk, privECDH: skECDH}, nil
}

func (k *PrivateKeyP256) Equal(other PrivateKey) bool {
	otherP256, ok := other.(*PrivateKeyP256)
	if ok {
		return k.priv.Equal(&otherP256.priv)
	}
	return false
}

func (k *PrivateKeyP256) Bytes() []byte {
	return k.privECDH.Bytes()
}

func (k *PrivateKeyP256) Multibase() string {
	kbytes := k.Bytes()
	// multicodec p256-priv, code 0x1306, varint-encoded bytes: [0x86, 0x26]
	kbytes = append([]byte{0x86, 0x26}, kbytes...)
	return "z" + base58.Encode(kbytes)
}

func (k *PrivateKeyP256) PublicKey() (PublicKey, error) {
	pk, ok := k.priv.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("unexpected key type casting P-256 ecdsa public key")
	}
	return &PublicKeyP256{pub: *pk}, nil
}

// HashAndSign hashes the content with SHA-256 and signs the digest. ECDSA
// signatures are malleable; this always returns the "low-S" variant, as
// required by atproto. The signature is 64 bytes: r and s, each padded to 32.
func (k *PrivateKeyP256) HashAndSign(content []byte) ([]byte, error) {
	hash := sha256.Sum256(content)
	r, s, err := ecdsa.Sign(rand.Reader, &k.priv, hash[:])
	if err != nil {
		return nil, fmt.Errorf("signing with P-256 private key: %w", err)
	}
	s = sigSToLowS(s)
	sig := make([]byte, 64)
	r.FillBytes(sig[:32])
	s.FillBytes(sig[32:])
	return sig, nil
}

// ParsePublicBytesP256 loads a public key from the "compressed" curve
// encoding produced by [PublicKeyP256.Bytes].
func ParsePublicBytesP256(data []byte) (*PublicKeyP256, error) {
	curve := elliptic.P256()
	x, y := elliptic.UnmarshalCompressed(curve, data)
	if x == nil {
		return nil, fmt.Errorf("invalid P-256 public key")
	}
	if !curve.Params().IsOnCurve(x, y) {
		return nil, fmt.Errorf("invalid P-256 public key (not on curve)")
	}
	return &PublicKeyP256{pub: ecdsa.PublicKey{Curve: curve, X: x, Y: y}}, nil
}

func (k *PublicKeyP256) Equal(other PublicKey) bool {
	otherP256, ok := other.(*PublicKeyP256)
	if ok {
		return k.pub.Equal(&otherP256.pub)
	}
	return false
}

func (k *PublicKeyP256) Bytes() []byte {
	return elliptic.MarshalCompressed(k.pub.Curve, k.pub.X, k.pub.Y)
}

func (k *PublicKeyP256) HashAndVerify(content, sig []byte) error {
	hash := sha256.Sum256(content)
	if len(sig) != 64 {
		return fmt.Errorf("P-256 signatures must be 64 bytes, got len=%d", len(sig))
	}
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:])
	if !ecdsa.Verify(&k.pub, hash[:], r, s) {
		return ErrInvalidSignature
	}
	return nil
}

func (k *PublicKeyP256) Multibase() string {
	kbytes := k.Bytes()
	// multicodec p256-pub, code 0x1200, varint-encoded bytes: [0x80, 0x24]
	kbytes = append([]byte{0x80, 0x24}, kbytes...)
	return "z" + base58.Encode(kbytes)
}

var curveN = elliptic.P256().Params().N
var curveHalfOrder = new(big.Int).Rsh(curveN, 1)

// sigSToLowS maps an ECDSA 'S' value into the lower half of the signature
// space. See https://github.com/golang/go/issues/54549
func sigSToLowS(s *big.Int) *big.Int {
	if s.Cmp(curveHalfOrder) == 1 {
		return s.Sub(curveN, s)
	}
	return s
}
