package core

import "testing"

func TestNewHash256Deterministic(t *testing.T) {
	a := NewHash256([]byte("foo"), []byte("bar"))
	b := NewHash256([]byte("foo"), []byte("bar"))
	if a != b {
		t.Fatalf("expected identical inputs to hash identically: %v != %v", a, b)
	}
	c := NewHash256([]byte("foo"), []byte("baz"))
	if a == c {
		t.Fatalf("expected different inputs to hash differently")
	}
}

func TestHashFromHexRoundTrip(t *testing.T) {
	h := NewHash256([]byte("round-trip"))
	parsed, err := HashFromHex(h.String())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if parsed != h {
		t.Fatalf("expected %v, got %v", h, parsed)
	}
}

func TestZeroHashIsZero(t *testing.T) {
	if !ZeroHash.IsZero() {
		t.Fatal("expected ZeroHash.IsZero() to be true")
	}
	h := NewHash256([]byte("nonzero"))
	if h.IsZero() {
		t.Fatal("expected a hashed value to not be zero")
	}
}

func TestShardGroupContains(t *testing.T) {
	sg := ShardGroup{Start: 2, End: 5}
	for _, s := range []Shard{2, 3, 4} {
		if !sg.Contains(s) {
			t.Errorf("expected shard %d to be in %s", s, sg.String())
		}
	}
	for _, s := range []Shard{0, 1, 5, 6} {
		if sg.Contains(s) {
			t.Errorf("expected shard %d to not be in %s", s, sg.String())
		}
	}
}

func TestShardGroupEqual(t *testing.T) {
	a := ShardGroup{Start: 0, End: 4}
	b := ShardGroup{Start: 0, End: 4}
	c := ShardGroup{Start: 1, End: 4}
	if !a.Equal(b) {
		t.Fatal("expected equal shard groups to compare equal")
	}
	if a.Equal(c) {
		t.Fatal("expected different shard groups to compare unequal")
	}
}
