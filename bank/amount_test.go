package bank

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestParseAmount(t *testing.T) {
	accepted := map[string]string{
		"10.50":   "10.5",
		"10.5":    "10.5",
		"0":       "0",
		"-3.20":   "-3.2",
		"1000":    "1000",
		" 42.00 ": "42",
	}
	for input, want := range accepted {
		value, err := ParseAmount(input)
		if err != nil {
			t.Fatalf("ParseAmount(%q): %v", input, err)
		}
		if value.String() != want {
			t.Fatalf("ParseAmount(%q) = %s, want %s", input, value, want)
		}
	}

	rejected := []string{"", "1.234", "10,50", "1e3", "+5", ".5", "5.", "abc", "--1", "1.2.3"}
	for _, input := range rejected {
		if _, err := ParseAmount(input); !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("ParseAmount(%q) admitted: %v", input, err)
		}
	}
}

func TestParsePositiveAmount(t *testing.T) {
	if _, err := ParsePositiveAmount("0"); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("zero admitted: %v", err)
	}
	if _, err := ParsePositiveAmount("-1"); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("negative admitted: %v", err)
	}
	value, err := ParsePositiveAmount("0.01")
	if err != nil {
		t.Fatalf("smallest unit: %v", err)
	}
	if value.String() != "0.01" {
		t.Fatalf("value = %s", value)
	}
}

func TestParseTalerAmount(t *testing.T) {
	currency, value, err := ParseTalerAmount("EUR:10.50")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if currency != "EUR" || value.String() != "10.5" {
		t.Fatalf("got %s %s", currency, value)
	}

	rejected := []string{"10.50", "eur:10.50", "EUR:", "EUR:-1", "EUR:0", ":10.50", "E:1"}
	for _, input := range rejected {
		if _, _, err := ParseTalerAmount(input); !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("ParseTalerAmount(%q) admitted: %v", input, err)
		}
	}
}

func TestFormatAmount(t *testing.T) {
	value := decimal.RequireFromString("10.5")
	if got := FormatAmount(value); got != "10.50" {
		t.Fatalf("FormatAmount = %q", got)
	}
	if got := FormatTalerAmount("EUR", value); got != "EUR:10.50" {
		t.Fatalf("FormatTalerAmount = %q", got)
	}
}
