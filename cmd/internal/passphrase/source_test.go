package passphrase

import (
	"bytes"
	"testing"
)

func TestSourceReadsEnv(t *testing.T) {
	t.Setenv("CASHRAIL_TEST_SEED", "abandon ability able")
	src := NewSource("CASHRAIL_TEST_SEED")
	seed, err := src.Seed()
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if len(seed) != 32 {
		t.Fatalf("unexpected seed length %d", len(seed))
	}
	if !bytes.Equal(seed, DeriveSeed("abandon ability able")) {
		t.Fatalf("env seed differs from derived seed")
	}
}

func TestSourceRejectsEmptyEnv(t *testing.T) {
	t.Setenv("CASHRAIL_TEST_SEED", "   ")
	if _, err := NewSource("CASHRAIL_TEST_SEED").Get(); err == nil {
		t.Fatalf("expected error for blank phrase")
	}
}

func TestDeriveSeedNormalisesWhitespace(t *testing.T) {
	a := DeriveSeed("  abandon   ability\table ")
	b := DeriveSeed("abandon ability able")
	if !bytes.Equal(a, b) {
		t.Fatalf("whitespace changed the seed")
	}
	if bytes.Equal(b, DeriveSeed("abandon ability")) {
		t.Fatalf("different phrases share a seed")
	}
}
