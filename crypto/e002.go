package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
)

// E002Envelope holds the three parts of an E002-encrypted payload as they
// travel over the wire: the RSA-wrapped transaction key, the digest of the
// wrapping public key, and the AES ciphertext.
type E002Envelope struct {
	EncryptedTransactionKey []byte
	PubKeyDigest            []byte
	EncryptedData           []byte
}

const e002KeyBytes = 16

// NewTransactionKey draws a fresh AES-128 transaction key.
func NewTransactionKey() ([]byte, error) {
	key := make([]byte, e002KeyBytes)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("draw transaction key: %w", err)
	}
	return key, nil
}

// EncryptE002 encrypts cleartext under a fresh AES-128 transaction key and
// wraps that key for the recipient with RSA PKCS#1 v1.5. The CBC IV is all
// zeroes, as E002 prescribes.
func EncryptE002(cleartext []byte, recipient *rsa.PublicKey) (*E002Envelope, error) {
	transactionKey, err := NewTransactionKey()
	if err != nil {
		return nil, err
	}
	return EncryptE002WithKey(cleartext, transactionKey, recipient)
}

// EncryptE002WithKey encrypts cleartext under a caller-supplied transaction
// key. Upload clients reuse the key of the initialisation leg for the order
// data of the transfer leg.
func EncryptE002WithKey(cleartext, transactionKey []byte, recipient *rsa.PublicKey) (*E002Envelope, error) {
	encryptedData, err := encryptCBC(transactionKey, cleartext)
	if err != nil {
		return nil, err
	}
	wrappedKey, err := rsa.EncryptPKCS1v15(rand.Reader, recipient, transactionKey)
	if err != nil {
		return nil, fmt.Errorf("wrap transaction key: %w", err)
	}
	return &E002Envelope{
		EncryptedTransactionKey: wrappedKey,
		PubKeyDigest:            EbicsPublicKeyHash(recipient),
		EncryptedData:           encryptedData,
	}, nil
}

// DecryptE002 unwraps the transaction key with the recipient's private key
// and decrypts the payload. The pub-key digest, when present, must match the
// recipient key.
func DecryptE002(envelope *E002Envelope, recipient *rsa.PrivateKey) ([]byte, error) {
	if len(envelope.PubKeyDigest) > 0 &&
		!bytes.Equal(envelope.PubKeyDigest, EbicsPublicKeyHash(&recipient.PublicKey)) {
		return nil, fmt.Errorf("pub key digest does not match decryption key")
	}
	transactionKey, err := rsa.DecryptPKCS1v15(rand.Reader, recipient, envelope.EncryptedTransactionKey)
	if err != nil {
		return nil, fmt.Errorf("unwrap transaction key: %w", err)
	}
	return decryptCBC(transactionKey, envelope.EncryptedData)
}

func encryptCBC(key, cleartext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init AES: %w", err)
	}
	padded := padPKCS7(cleartext, block.BlockSize())
	iv := make([]byte, block.BlockSize())
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out, nil
}

func decryptCBC(key, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init AES: %w", err)
	}
	if len(ciphertext) == 0 || len(ciphertext)%block.BlockSize() != 0 {
		return nil, fmt.Errorf("ciphertext length %d is not a multiple of the block size", len(ciphertext))
	}
	iv := make([]byte, block.BlockSize())
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ciphertext)
	return unpadPKCS7(out, block.BlockSize())
}

func padPKCS7(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(append([]byte{}, data...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpadPKCS7(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty plaintext")
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, fmt.Errorf("bad PKCS#7 padding")
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("bad PKCS#7 padding")
		}
	}
	return data[:len(data)-n], nil
}
