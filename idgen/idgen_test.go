package idgen

import (
	"strings"
	"testing"
)

func TestUUIDv7_Unique(t *testing.T) {
	gen := UUIDv7()
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := gen()
		if seen[id] {
			t.Fatalf("duplicate id: %s", id)
		}
		seen[id] = true
	}
}

func TestPrefixed(t *testing.T) {
	gen := Prefixed("dl_", UUIDv7())
	id := gen()
	if !strings.HasPrefix(id, "dl_") {
		t.Fatalf("id %q lacks prefix", id)
	}
}

func TestSequential(t *testing.T) {
	gen := Sequential("t")
	if got := gen(); got != "t1" {
		t.Fatalf("got %q, want t1", got)
	}
	if got := gen(); got != "t2" {
		t.Fatalf("got %q, want t2", got)
	}
}
