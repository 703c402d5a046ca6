package idgen

import (
	"strings"
	"testing"
)

func TestNanoID_LengthAndAlphabet(t *testing.T) {
	gen := NanoID(6)
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := gen()
		if len(id) != 6 {
			t.Fatalf("got length %d, want 6", len(id))
		}
		for _, c := range id {
			if !strings.ContainsRune("0123456789abcdefghijklmnopqrstuvwxyz", c) {
				t.Fatalf("unexpected character %q in %q", c, id)
			}
		}
		seen[id] = true
	}
	if len(seen) < 90 {
		t.Fatalf("too many collisions: %d unique out of 100", len(seen))
	}
}

func TestUUIDv7_Unique(t *testing.T) {
	gen := UUIDv7()
	a, b := gen(), gen()
	if a == b {
		t.Fatalf("two generated IDs are equal: %s", a)
	}
	if len(a) != 36 {
		t.Fatalf("got length %d, want 36", len(a))
	}
}

func TestPrefixed(t *testing.T) {
	gen := Prefixed("req_", NanoID(4))
	id := gen()
	if !strings.HasPrefix(id, "req_") {
		t.Fatalf("got %q, want req_ prefix", id)
	}
	if len(id) != 8 {
		t.Fatalf("got length %d, want 8", len(id))
	}
}
