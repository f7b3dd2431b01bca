package ebics

import "testing"

func TestOrderIDFromIndex(t *testing.T) {
	cases := []struct {
		in   int64
		want string
	}{
		{0, "AAAA"},
		{1, "AAAB"},
		{25, "AAAZ"},
		{26, "AABA"},
		{26*26*26*26 - 1, "ZZZZ"},
		{26 * 26 * 26 * 26, "AAAA"},
	}
	for _, c := range cases {
		if got := OrderIDFromIndex(c.in); got != c.want {
			t.Fatalf("OrderIDFromIndex(%d) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestNewTransactionID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 64; i++ {
		id, err := NewTransactionID()
		if err != nil {
			t.Fatalf("draw transaction ID: %v", err)
		}
		if len(id) != 32 {
			t.Fatalf("transaction ID %q has length %d, want 32", id, len(id))
		}
		for _, r := range id {
			if !(r >= '0' && r <= '9' || r >= 'A' && r <= 'F') {
				t.Fatalf("transaction ID %q is not uppercase hex", id)
			}
		}
		if seen[id] {
			t.Fatalf("transaction ID %q repeated", id)
		}
		seen[id] = true
	}
}
