package bank

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// Ledger amounts carry at most two fractional digits. pain.001 would allow
// five, but the digital-cash side only understands two, so the stricter rule
// applies everywhere.
var amountPattern = regexp.MustCompile(`^-?[0-9]+(\.[0-9]{1,2})?$`)

// currencyPattern follows the ISO-4217-ish codes the sandbox accepts.
var currencyPattern = regexp.MustCompile(`^[A-Z]{3,11}$`)

// ErrInvalidAmount rejects amounts outside the two-fractional-digit form.
var ErrInvalidAmount = errors.New("invalid amount")

// ValidCurrency reports whether code is a currency token the sandbox
// accepts.
func ValidCurrency(code string) bool {
	return currencyPattern.MatchString(code)
}

// ParseAmount validates and parses a plain decimal amount string.
func ParseAmount(s string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(s)
	if !amountPattern.MatchString(trimmed) {
		return decimal.Decimal{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	value, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return value, nil
}

// ParsePositiveAmount is ParseAmount restricted to amounts greater than zero,
// the only values a credit transfer may carry.
func ParsePositiveAmount(s string) (decimal.Decimal, error) {
	value, err := ParseAmount(s)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if !value.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("%w: amount must be positive, got %q", ErrInvalidAmount, s)
	}
	return value, nil
}

// ParseTalerAmount splits the "CUR:X.Y" form used by wallets and the wire
// gateway into currency and value.
func ParseTalerAmount(s string) (string, decimal.Decimal, error) {
	currency, rest, found := strings.Cut(strings.TrimSpace(s), ":")
	if !found {
		return "", decimal.Decimal{}, fmt.Errorf("%w: %q lacks a currency prefix", ErrInvalidAmount, s)
	}
	if !currencyPattern.MatchString(currency) {
		return "", decimal.Decimal{}, fmt.Errorf("%w: bad currency in %q", ErrInvalidAmount, s)
	}
	value, err := ParsePositiveAmount(rest)
	if err != nil {
		return "", decimal.Decimal{}, err
	}
	return currency, value, nil
}

// FormatTalerAmount renders the "CUR:X.Y" form.
func FormatTalerAmount(currency string, value decimal.Decimal) string {
	return currency + ":" + FormatAmount(value)
}

// FormatAmount renders an amount the way the ledger stores it, with exactly
// two fractional digits.
func FormatAmount(value decimal.Decimal) string {
	return value.StringFixed(2)
}
