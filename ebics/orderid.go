package ebics

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

// orderIDSpace is the number of four-letter order IDs, AAAA through ZZZZ.
const orderIDSpace = 26 * 26 * 26 * 26

// OrderIDFromIndex maps a per-subscriber counter to a four-letter order ID:
// 0 is AAAA, 1 is AAAB, and the sequence wraps after ZZZZ.
func OrderIDFromIndex(n int64) string {
	n %= orderIDSpace
	if n < 0 {
		n += orderIDSpace
	}
	var letters [4]byte
	for i := 3; i >= 0; i-- {
		letters[i] = byte('A' + n%26)
		n /= 26
	}
	return string(letters[:])
}

// NewTransactionID draws a fresh 32-character uppercase hex transaction ID.
func NewTransactionID() (string, error) {
	return randomHexUpper(16)
}

// NewNonce draws the random nonce carried in authenticated request headers.
func NewNonce() (string, error) {
	return randomHexUpper(16)
}

func randomHexUpper(n int) (string, error) {
	raw := make([]byte, n)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("draw random bytes: %w", err)
	}
	return strings.ToUpper(hex.EncodeToString(raw)), nil
}
