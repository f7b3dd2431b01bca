package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/crypto/scrypt"
)

// scrypt parameters for keystore files. Interactive-login strength is enough
// for a sandbox host key backup.
const (
	keystoreScryptN = 1 << 15
	keystoreScryptR = 8
	keystoreScryptP = 1
)

type keystoreFile struct {
	KDF        string `json:"kdf"`
	ScryptN    int    `json:"scrypt_n"`
	ScryptR    int    `json:"scrypt_r"`
	ScryptP    int    `json:"scrypt_p"`
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// SaveToKeystore writes the private key to an encrypted keystore file at the
// given path: PKCS#8 DER sealed with AES-256-GCM under a scrypt-derived key.
// If the parent directory does not exist it will be created with 0700
// permissions.
func SaveToKeystore(path string, key *rsa.PrivateKey, passphrase string) error {
	if key == nil {
		return errors.New("crypto: nil private key")
	}
	if path == "" {
		return errors.New("crypto: empty keystore path")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	der, err := MarshalRsaPrivateKey(key)
	if err != nil {
		return err
	}
	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return err
	}
	aead, err := keystoreAEAD(passphrase, salt)
	if err != nil {
		return err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return err
	}
	blob, err := json.Marshal(keystoreFile{
		KDF:        "scrypt",
		ScryptN:    keystoreScryptN,
		ScryptR:    keystoreScryptR,
		ScryptP:    keystoreScryptP,
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, der, nil),
	})
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "keystore-")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(blob); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	return os.Chmod(path, 0o600)
}

// LoadFromKeystore decrypts a keystore file using the supplied passphrase.
func LoadFromKeystore(path, passphrase string) (*rsa.PrivateKey, error) {
	if path == "" {
		return nil, errors.New("crypto: empty keystore path")
	}

	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file keystoreFile
	if err := json.Unmarshal(blob, &file); err != nil {
		return nil, fmt.Errorf("parse keystore file: %w", err)
	}
	if file.KDF != "scrypt" {
		return nil, fmt.Errorf("unsupported keystore KDF %q", file.KDF)
	}

	derived, err := scrypt.Key([]byte(passphrase), file.Salt, file.ScryptN, file.ScryptR, file.ScryptP, 32)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	der, err := aead.Open(nil, file.Nonce, file.Ciphertext, nil)
	if err != nil {
		return nil, errors.New("crypto: wrong passphrase or corrupted keystore")
	}
	return LoadRsaPrivateKey(der)
}

func keystoreAEAD(passphrase string, salt []byte) (cipher.AEAD, error) {
	derived, err := scrypt.Key([]byte(passphrase), salt, keystoreScryptN, keystoreScryptR, keystoreScryptP, 32)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
