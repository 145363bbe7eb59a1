package idgen

import (
	"strings"
	"testing"
)

func TestPaymentID_FormatAndUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := PaymentID()
		if !strings.HasPrefix(id, PaymentPrefix) {
			t.Fatalf("missing prefix: %s", id)
		}
		if len(id) != len(PaymentPrefix)+32 {
			t.Fatalf("unexpected length %d for %s", len(id), id)
		}
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
}

func TestHex_Length(t *testing.T) {
	if got := len(Hex(8)); got != 16 {
		t.Fatalf("expected 16 chars, got %d", got)
	}
}
