package ecash

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestNormalizeMintURL(t *testing.T) {
	cases := map[string]string{
		"https://mint.example.com/":          "https://mint.example.com",
		"https://mint.example.com":           "https://mint.example.com",
		"  HTTPS://Mint.Example.COM//  ":     "https://mint.example.com",
		"https://mint.example.com/Path/":     "https://mint.example.com/Path",
		"https://mint.minibits.cash/bitcoin": "https://mint.minibits.cash/Bitcoin",
		"https://MINT.minibits.cash/Bitcoin": "https://mint.minibits.cash/Bitcoin",
		"":                                   "",
	}
	for in, want := range cases {
		if got := NormalizeMintURL(in); got != want {
			t.Fatalf("NormalizeMintURL(%q) = %q, want %q", in, got, want)
		}
	}
	if !SameMint("https://mint.example.com/", "https://mint.example.com") {
		t.Fatalf("expected trailing slash variants to match")
	}
}

func TestEncodeDecodeToken(t *testing.T) {
	proofs := []Proof{{Amount: 2, ID: "ks1", Secret: "s1", C: "c1"}, {Amount: 8, ID: "ks1", Secret: "s2", C: "c2"}}
	encoded, err := EncodeToken("https://mint.example.com/", "sat", "lunch", proofs)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeToken(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Mint != "https://mint.example.com" {
		t.Fatalf("unexpected mint %q", decoded.Mint)
	}
	if decoded.Amount() != 10 || decoded.Memo != "lunch" || decoded.Unit != "sat" {
		t.Fatalf("unexpected decoded token %+v", decoded)
	}
	if _, err := DecodeToken("cashuAnot-json"); !errors.Is(err, ErrMalformedToken) {
		t.Fatalf("expected malformed token error, got %v", err)
	}
	if _, err := DecodeToken("hello"); !errors.Is(err, ErrMalformedToken) {
		t.Fatalf("expected malformed token error, got %v", err)
	}
}

func TestNewTokenComputesAmount(t *testing.T) {
	tok, err := NewToken("alice", "https://mint.example.com/", "", []Proof{{Amount: 4, Secret: "a"}, {Amount: 1, Secret: "b"}}, SourceChange, time.Unix(1700000000, 0))
	if err != nil {
		t.Fatalf("new token: %v", err)
	}
	if tok.Amount != 5 || tok.Unit != DefaultUnit || tok.State != StateAccepted || tok.Mint != "https://mint.example.com" {
		t.Fatalf("unexpected token %+v", tok)
	}
	if _, err := NewToken("alice", "https://mint.example.com", "sat", nil, SourceChange, time.Now()); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token error, got %v", err)
	}
}

func TestSplitAmount(t *testing.T) {
	parts := SplitAmount(13)
	want := []int64{1, 4, 8}
	if len(parts) != len(want) {
		t.Fatalf("unexpected split %v", parts)
	}
	for i := range want {
		if parts[i] != want[i] {
			t.Fatalf("unexpected split %v", parts)
		}
	}
	if SplitAmount(0) != nil {
		t.Fatalf("expected nil split for zero")
	}
}

func TestChunkProofs(t *testing.T) {
	proofs := make([]Proof, 7)
	chunks := ChunkProofs(proofs, 3)
	if len(chunks) != 3 || len(chunks[2]) != 1 {
		t.Fatalf("unexpected chunks %d", len(chunks))
	}
	if ChunkProofs(nil, 3) != nil {
		t.Fatalf("expected nil chunks for empty input")
	}
}

func TestErrorClassification(t *testing.T) {
	spent := NewMintError(KindTokenSpent, "swap", "https://m", nil)
	wrapped := fmt.Errorf("split: %w", spent)
	if !IsDefinitive(wrapped) || IsTransient(wrapped) {
		t.Fatalf("spent must be definitive")
	}
	down := NewMintError(KindUnreachable, "swap", "https://m", context.DeadlineExceeded)
	if !IsTransient(down) || IsDefinitive(down) {
		t.Fatalf("unreachable must be transient")
	}
	if !errors.Is(down, context.DeadlineExceeded) {
		t.Fatalf("mint error must unwrap")
	}
	if !IsTransient(errors.New("boom")) {
		t.Fatalf("unknown errors are transient")
	}
	if IsKind(nil, KindUnknown) {
		t.Fatalf("nil error has no kind")
	}
}

func TestInputFee(t *testing.T) {
	ks := Keyset{FeePPK: 100}
	if fee := ks.InputFee(3); fee != 1 {
		t.Fatalf("expected fee 1, got %d", fee)
	}
	if fee := ks.InputFee(11); fee != 2 {
		t.Fatalf("expected fee 2, got %d", fee)
	}
	if fee := (Keyset{}).InputFee(5); fee != 0 {
		t.Fatalf("expected zero fee")
	}
}

func TestParsePayload(t *testing.T) {
	encoded, err := EncodeToken("https://mint.example.com", "sat", "", []Proof{{Amount: 4, ID: "ks", Secret: "x", C: "c"}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	cases := []struct {
		content string
		kind    PayloadKind
	}{
		{encoded, PayloadEcash},
		{"cashu:" + encoded, PayloadEcash},
		{"LIGHTNING:LNBC10U1PJQXYZABCDEF", PayloadInvoice},
		{"lntb2500n1pjqqqqqqqq", PayloadInvoice},
		{`{"type":"promise","promiseId":"p1","amount":5}`, PayloadPromise},
		{`{"type":"settlement","promiseId":"p1","amount":5}`, PayloadSettlement},
		{`{"type":"reaction"}`, PayloadText},
		{"{not json", PayloadText},
		{"lnbc is a prefix but this is prose", PayloadText},
		{"hello there", PayloadText},
	}
	for _, tc := range cases {
		parsed, err := ParsePayload(tc.content)
		if err != nil {
			t.Fatalf("ParsePayload(%q): %v", tc.content, err)
		}
		if parsed.Kind != tc.kind {
			t.Fatalf("ParsePayload(%q) kind = %s, want %s", tc.content, parsed.Kind, tc.kind)
		}
	}
	var perr *ParseError
	if _, err := ParsePayload("cashuA!!!"); !errors.As(err, &perr) || perr.Kind != PayloadEcash {
		t.Fatalf("expected ecash parse error, got %v", err)
	}
}
