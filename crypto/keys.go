package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"fmt"
	"math/big"
)

// DefaultRsaBits is the modulus size used for freshly generated EBICS keys.
const DefaultRsaBits = 2048

// GenerateRsaKeyPair creates a new RSA key pair for EBICS use. A bits value
// of zero selects DefaultRsaBits.
func GenerateRsaKeyPair(bits int) (*rsa.PrivateKey, error) {
	if bits == 0 {
		bits = DefaultRsaBits
	}
	if bits < 2048 {
		return nil, fmt.Errorf("refusing to generate %d-bit RSA key, need >= 2048", bits)
	}
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("generate RSA key: %w", err)
	}
	return key, nil
}

// MarshalRsaPrivateKey serializes a private key to PKCS#8 DER, the canonical
// stored form for host keys.
func MarshalRsaPrivateKey(key *rsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal PKCS#8 key: %w", err)
	}
	return der, nil
}

// LoadRsaPrivateKey parses a PKCS#8 DER blob back into an RSA private key.
func LoadRsaPrivateKey(der []byte) (*rsa.PrivateKey, error) {
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse PKCS#8 key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("unexpected private key type %T", parsed)
	}
	return key, nil
}

// MarshalRsaPublicKey serializes a public key to PKIX (SubjectPublicKeyInfo)
// DER, the stored form for subscriber keys.
func MarshalRsaPublicKey(pub *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("marshal PKIX key: %w", err)
	}
	return der, nil
}

// LoadRsaPublicKey parses a PKIX DER blob back into an RSA public key.
func LoadRsaPublicKey(der []byte) (*rsa.PublicKey, error) {
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse PKIX key: %w", err)
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("unexpected public key type %T", parsed)
	}
	return pub, nil
}

// LoadRsaPublicFromComponents rebuilds a public key from the big-endian
// modulus and exponent bytes carried in EBICS pub-key order data.
func LoadRsaPublicFromComponents(modulus, exponent []byte) (*rsa.PublicKey, error) {
	if len(modulus) == 0 || len(exponent) == 0 {
		return nil, fmt.Errorf("modulus and exponent must be non-empty")
	}
	e := new(big.Int).SetBytes(exponent)
	if !e.IsInt64() || e.Int64() < 3 {
		return nil, fmt.Errorf("unusable RSA exponent")
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(modulus),
		E: int(e.Int64()),
	}, nil
}

// EbicsPublicKeyHash computes the EBICS digest of a public key: SHA-256 over
// the lowercase hex exponent, a space, and the lowercase hex modulus, both
// printed without leading zeroes. The value is carried in PubKeyDigest
// elements and checked when unwrapping E002 transport keys.
func EbicsPublicKeyHash(pub *rsa.PublicKey) []byte {
	input := fmt.Sprintf("%x %x", big.NewInt(int64(pub.E)), pub.N)
	sum := sha256.Sum256([]byte(input))
	return sum[:]
}
