package crypto

import (
	stdcrypto "crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"
)

// DigestA006 computes the EBICS A006 digest of order data: SHA-256 over the
// bytes with CR, LF and DOS EOF (0x1A) stripped out first.
func DigestA006(orderData []byte) []byte {
	filtered := make([]byte, 0, len(orderData))
	for _, b := range orderData {
		switch b {
		case '\r', '\n', 0x1A:
		default:
			filtered = append(filtered, b)
		}
	}
	sum := sha256.Sum256(filtered)
	return sum[:]
}

// SignA006 produces an A006 bank-technical signature: RSASSA-PSS with
// SHA-256 and a salt as long as the hash, taken over the A006 digest.
func SignA006(digest []byte, key *rsa.PrivateKey) ([]byte, error) {
	hashed := sha256.Sum256(digest)
	sig, err := rsa.SignPSS(rand.Reader, key, stdcrypto.SHA256, hashed[:], &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthEqualsHash,
		Hash:       stdcrypto.SHA256,
	})
	if err != nil {
		return nil, fmt.Errorf("A006 sign: %w", err)
	}
	return sig, nil
}

// VerifyA006 checks an A006 signature against the A006 digest of the order
// data it is supposed to cover.
func VerifyA006(digest, signature []byte, pub *rsa.PublicKey) error {
	hashed := sha256.Sum256(digest)
	err := rsa.VerifyPSS(pub, stdcrypto.SHA256, hashed[:], signature, &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthEqualsHash,
		Hash:       stdcrypto.SHA256,
	})
	if err != nil {
		return fmt.Errorf("A006 verify: %w", err)
	}
	return nil
}

// SignX002 produces an X002 identification and authentication signature:
// RSASSA-PKCS1-v1_5 with SHA-256 over the given message bytes.
func SignX002(message []byte, key *rsa.PrivateKey) ([]byte, error) {
	hashed := sha256.Sum256(message)
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, stdcrypto.SHA256, hashed[:])
	if err != nil {
		return nil, fmt.Errorf("X002 sign: %w", err)
	}
	return sig, nil
}

// VerifyX002 checks an X002 signature over the given message bytes.
func VerifyX002(message, signature []byte, pub *rsa.PublicKey) error {
	hashed := sha256.Sum256(message)
	if err := rsa.VerifyPKCS1v15(pub, stdcrypto.SHA256, hashed[:], signature); err != nil {
		return fmt.Errorf("X002 verify: %w", err)
	}
	return nil
}
