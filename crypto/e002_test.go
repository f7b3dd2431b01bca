package crypto

import (
	"bytes"
	"testing"
)

func TestE002RoundTrip(t *testing.T) {
	key, err := GenerateRsaKeyPair(2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	cleartext := []byte("<Document>pain</Document>")
	envelope, err := EncryptE002(cleartext, &key.PublicKey)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if bytes.Contains(envelope.EncryptedData, cleartext) {
		t.Fatalf("ciphertext leaks plaintext")
	}
	if len(envelope.PubKeyDigest) != 32 {
		t.Fatalf("pub key digest length = %d, want 32", len(envelope.PubKeyDigest))
	}
	got, err := DecryptE002(envelope, key)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(got, cleartext) {
		t.Fatalf("round trip mismatch: %q", got)
	}
}

func TestE002RejectsWrongKey(t *testing.T) {
	alice, err := GenerateRsaKeyPair(2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	bob, err := GenerateRsaKeyPair(2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	envelope, err := EncryptE002([]byte("payload"), &alice.PublicKey)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := DecryptE002(envelope, bob); err == nil {
		t.Fatalf("expected decryption with wrong key to fail")
	}
}

func TestE002EmptyPayload(t *testing.T) {
	key, err := GenerateRsaKeyPair(2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	envelope, err := EncryptE002(nil, &key.PublicKey)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	// Empty input still produces one full padding block.
	if len(envelope.EncryptedData) != 16 {
		t.Fatalf("ciphertext length = %d, want 16", len(envelope.EncryptedData))
	}
	got, err := DecryptE002(envelope, key)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty plaintext, got %q", got)
	}
}

func TestPKCS7Padding(t *testing.T) {
	for size := 0; size < 33; size++ {
		data := bytes.Repeat([]byte{0xAB}, size)
		padded := padPKCS7(data, 16)
		if len(padded)%16 != 0 {
			t.Fatalf("size %d: padded length %d not block aligned", size, len(padded))
		}
		got, err := unpadPKCS7(padded, 16)
		if err != nil {
			t.Fatalf("size %d: unpad: %v", size, err)
		}
		if !bytes.Equal(got, data) {
			t.Fatalf("size %d: round trip mismatch", size)
		}
	}
	if _, err := unpadPKCS7([]byte{1, 2, 3, 0x20}, 16); err == nil {
		t.Fatalf("expected error for padding byte larger than block")
	}
}
