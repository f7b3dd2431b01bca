package crypto

import (
	"bytes"
	"testing"
)

func TestDigestA006StripsLineNoise(t *testing.T) {
	plain := DigestA006([]byte("<Document>abc</Document>"))
	noisy := DigestA006([]byte("<Document>\r\nabc\x1a</Document>\n"))
	if !bytes.Equal(plain, noisy) {
		t.Fatalf("CR/LF/EOF bytes changed the digest")
	}
	other := DigestA006([]byte("<Document>abd</Document>"))
	if bytes.Equal(plain, other) {
		t.Fatalf("different payloads produced the same digest")
	}
}

func TestA006SignVerify(t *testing.T) {
	key, err := GenerateRsaKeyPair(2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	digest := DigestA006([]byte("order data"))
	sig, err := SignA006(digest, key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := VerifyA006(digest, sig, &key.PublicKey); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := VerifyA006(DigestA006([]byte("tampered")), sig, &key.PublicKey); err == nil {
		t.Fatalf("signature verified against wrong digest")
	}
	sig[4] ^= 0x01
	if err := VerifyA006(digest, sig, &key.PublicKey); err == nil {
		t.Fatalf("corrupted signature verified")
	}
}

func TestX002SignVerify(t *testing.T) {
	key, err := GenerateRsaKeyPair(2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	message := []byte("<ds:SignedInfo>...</ds:SignedInfo>")
	sig, err := SignX002(message, key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := VerifyX002(message, sig, &key.PublicKey); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := VerifyX002([]byte("other"), sig, &key.PublicKey); err == nil {
		t.Fatalf("signature verified against wrong message")
	}

	other, err := GenerateRsaKeyPair(2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	if err := VerifyX002(message, sig, &other.PublicKey); err == nil {
		t.Fatalf("signature verified under wrong key")
	}
}
