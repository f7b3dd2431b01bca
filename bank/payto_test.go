package bank

import (
	"errors"
	"testing"
)

func TestParsePayto(t *testing.T) {
	parsed, err := ParsePayto("payto://iban/DE02120300000000202051?receiver-name=Foo%20Bar&message=hello&amount=EUR:5")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.IBAN != "DE02120300000000202051" {
		t.Fatalf("IBAN = %q", parsed.IBAN)
	}
	if parsed.ReceiverName != "Foo Bar" || parsed.Message != "hello" || parsed.Amount != "EUR:5" {
		t.Fatalf("query parameters lost: %+v", parsed)
	}

	withBic, err := ParsePayto("payto://iban/SANDBOXX/de02 1203 0000 0000 2020 51")
	if err != nil {
		t.Fatalf("parse with BIC: %v", err)
	}
	if withBic.BIC != "SANDBOXX" {
		t.Fatalf("BIC = %q", withBic.BIC)
	}
	if withBic.IBAN != "DE02120300000000202051" {
		t.Fatalf("IBAN not normalized: %q", withBic.IBAN)
	}

	rejected := []string{
		"https://iban/DE02120300000000202051",
		"payto://ach/12345",
		"payto://iban/",
		"payto://iban/A/B/C",
		"payto:iban",
	}
	for _, input := range rejected {
		if _, err := ParsePayto(input); !errors.Is(err, ErrInvalidPayto) {
			t.Fatalf("ParsePayto(%q) admitted: %v", input, err)
		}
	}
}

func TestBuildPayto(t *testing.T) {
	out := BuildPayto("de02 1203 0000 0000 2020 51", "Foo Bar")
	if out != "payto://iban/DE02120300000000202051?receiver-name=Foo+Bar" {
		t.Fatalf("BuildPayto = %q", out)
	}
	parsed, err := ParsePayto(out)
	if err != nil {
		t.Fatalf("round trip: %v", err)
	}
	if parsed.IBAN != "DE02120300000000202051" || parsed.ReceiverName != "Foo Bar" {
		t.Fatalf("round trip lost data: %+v", parsed)
	}
}

func TestNewIban(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 16; i++ {
		iban, err := NewIban()
		if err != nil {
			t.Fatalf("NewIban: %v", err)
		}
		if len(iban) != 22 || iban[:2] != "DE" {
			t.Fatalf("unexpected shape: %q", iban)
		}
		if !ValidIban(iban) {
			t.Fatalf("generated IBAN fails its own check: %q", iban)
		}
		if seen[iban] {
			t.Fatalf("duplicate IBAN drawn: %q", iban)
		}
		seen[iban] = true
	}
}

func TestValidIban(t *testing.T) {
	// Known-good value from the public IBAN registry.
	if !ValidIban("DE89370400440532013000") {
		t.Fatalf("known-good IBAN rejected")
	}
	if !ValidIban("de89 3704 0044 0532 0130 00") {
		t.Fatalf("normalization not applied before the check")
	}
	for _, bad := range []string{"DE89370400440532013001", "DE00", "", "XX12!@#"} {
		if ValidIban(bad) {
			t.Fatalf("ValidIban(%q) = true", bad)
		}
	}
}
