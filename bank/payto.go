package bank

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"strings"
)

// PaytoURI is the parsed form of a payto://iban/... address.
type PaytoURI struct {
	IBAN         string
	BIC          string
	ReceiverName string
	Message      string
	Amount       string
}

// ErrInvalidPayto rejects malformed or non-IBAN payto URIs.
var ErrInvalidPayto = errors.New("invalid payto URI")

// ParsePayto parses payto://iban/[BIC/]IBAN plus the query parameters the
// sandbox understands (receiver-name, message, amount).
func ParsePayto(raw string) (*PaytoURI, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayto, err)
	}
	if u.Scheme != "payto" {
		return nil, fmt.Errorf("%w: scheme %q", ErrInvalidPayto, u.Scheme)
	}
	if !strings.EqualFold(u.Host, "iban") {
		return nil, fmt.Errorf("%w: unsupported target type %q", ErrInvalidPayto, u.Host)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	parsed := &PaytoURI{}
	switch len(parts) {
	case 1:
		parsed.IBAN = parts[0]
	case 2:
		parsed.BIC = strings.ToUpper(parts[0])
		parsed.IBAN = parts[1]
	default:
		return nil, fmt.Errorf("%w: path %q", ErrInvalidPayto, u.Path)
	}
	parsed.IBAN = NormalizeIban(parsed.IBAN)
	if parsed.IBAN == "" {
		return nil, fmt.Errorf("%w: missing IBAN", ErrInvalidPayto)
	}
	q := u.Query()
	parsed.ReceiverName = q.Get("receiver-name")
	parsed.Message = q.Get("message")
	parsed.Amount = q.Get("amount")
	return parsed, nil
}

// BuildPayto renders the canonical payto URI for a local account.
func BuildPayto(iban, receiverName string) string {
	out := "payto://iban/" + NormalizeIban(iban)
	if receiverName != "" {
		out += "?receiver-name=" + url.QueryEscape(receiverName)
	}
	return out
}

// NormalizeIban strips spaces and upper-cases, the comparable form used for
// all IBAN equality checks.
func NormalizeIban(iban string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(iban), " ", ""))
}

// NewIban draws a random German-format IBAN (DE + 2 check digits + 18-digit
// BBAN) with a valid mod-97 check.
func NewIban() (string, error) {
	bban := make([]byte, 18)
	for i := range bban {
		d, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", fmt.Errorf("draw iban digit: %w", err)
		}
		bban[i] = byte('0' + d.Int64())
	}
	// Check digits make mod97(BBAN + "DE" + check) == 1 after rearrangement.
	remainder, err := mod97(string(bban) + "DE00")
	if err != nil {
		return "", err
	}
	check := 98 - remainder
	return fmt.Sprintf("DE%02d%s", check, bban), nil
}

// ValidIban runs the standard mod-97 integrity check.
func ValidIban(iban string) bool {
	normalized := NormalizeIban(iban)
	if len(normalized) < 5 || len(normalized) > 34 {
		return false
	}
	rearranged := normalized[4:] + normalized[:4]
	remainder, err := mod97(rearranged)
	if err != nil {
		return false
	}
	return remainder == 1
}

// mod97 interprets s with letters expanded to two digits (A=10..Z=35) and
// returns the remainder modulo 97.
func mod97(s string) (int, error) {
	remainder := 0
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
			remainder = (remainder*10 + int(c-'0')) % 97
		case c >= 'A' && c <= 'Z':
			v := int(c-'A') + 10
			remainder = (remainder*100 + v) % 97
		default:
			return 0, fmt.Errorf("%w: character %q", ErrInvalidPayto, c)
		}
	}
	return remainder, nil
}
