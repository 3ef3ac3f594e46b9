package util

import "testing"

func TestHashIdent(t *testing.T) {
	// reference values of 32-bit FNV-1a
	cases := map[string]uint32{
		"":    0x811c9dc5,
		"a":   0xe40c292c,
		"foo": 0xa9f37ed7,
	}
	for in, want := range cases {
		if got := HashIdent(in); got != want {
			t.Errorf("HashIdent(%q) = %#08x, expected %#08x", in, got, want)
		}
	}

	if HashIdent("frontend") == HashIdent("backend") {
		t.Error("distinct names should not collide")
	}
}
