package securecode

import (
	"strings"
	"testing"
)

func TestNewRejectsOutOfRangeLengths(t *testing.T) {
	for _, length := range []int{0, 3, 9, -1} {
		if _, err := New(length); err == nil {
			t.Fatalf("expected length %d to be rejected", length)
		}
	}
	for _, length := range []int{4, 5, 6, 8} {
		if _, err := New(length); err != nil {
			t.Fatalf("expected length %d to be accepted: %v", length, err)
		}
	}
}

func TestGenerateLengthAndAlphabet(t *testing.T) {
	gen, err := New(6)
	if err != nil {
		t.Fatalf("new generator: %v", err)
	}
	for i := 0; i < 200; i++ {
		code, err := gen.Generate()
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		if len(code) != 6 {
			t.Fatalf("expected 6 characters, got %q", code)
		}
		for _, c := range code {
			if !strings.ContainsRune(Alphabet, c) {
				t.Fatalf("character %q outside alphabet in %q", c, code)
			}
		}
	}
}

func TestAlphabetOmitsAmbiguousCharacters(t *testing.T) {
	for _, c := range "0O1I" {
		if strings.ContainsRune(Alphabet, c) {
			t.Fatalf("alphabet must not contain %q", c)
		}
	}
}

func TestGenerateVaries(t *testing.T) {
	gen, err := New(DefaultLength)
	if err != nil {
		t.Fatalf("new generator: %v", err)
	}
	seen := make(map[string]struct{})
	for i := 0; i < 50; i++ {
		code, err := gen.Generate()
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		seen[code] = struct{}{}
	}
	if len(seen) < 2 {
		t.Fatalf("expected varied codes, got %d distinct", len(seen))
	}
}
