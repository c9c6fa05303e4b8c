package ecash

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TokenState captures the lifecycle of a locally held ecash token.
type TokenState string

const (
	StateAccepted TokenState = "accepted"
	StatePending  TokenState = "pending"
	StateError    TokenState = "error"
	StateDeleted  TokenState = "deleted"
)

// Valid reports whether the state is one of the known token states.
func (s TokenState) Valid() bool {
	switch s {
	case StateAccepted, StatePending, StateError, StateDeleted:
		return true
	default:
		return false
	}
}

// TokenSource records why a token row exists.
type TokenSource string

const (
	SourceReceived TokenSource = "received"
	SourceChange   TokenSource = "change"
	SourceSend     TokenSource = "send"
	SourceRestored TokenSource = "restored"
	SourceMerged   TokenSource = "merged"
)

// DefaultUnit is the unit assumed when a token or request omits it.
const DefaultUnit = "sat"

// Proof is a single blind-signed bearer claim issued by a mint keyset.
type Proof struct {
	Amount int64  `json:"amount"`
	ID     string `json:"id"`
	Secret string `json:"secret"`
	C      string `json:"C"`
}

// Token is a bearer claim against one mint, persisted by the token store.
type Token struct {
	ID        string
	Owner     string
	Mint      string
	Unit      string
	Amount    int64
	Payload   string
	Proofs    []Proof
	State     TokenState
	Error     string
	Source    TokenSource
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

// Spendable reports whether the token may be used as a swap input.
func (t Token) Spendable() bool {
	return t.State == StateAccepted && t.Amount > 0
}

// Secrets returns the proof secrets held by the token.
func (t Token) Secrets() []string {
	out := make([]string, 0, len(t.Proofs))
	for _, p := range t.Proofs {
		out = append(out, p.Secret)
	}
	return out
}

// Keyset describes a mint signing keyset.
type Keyset struct {
	ID     string
	Unit   string
	Active bool
	FeePPK int64
}

// InputFee returns the fee in unit charged by the mint to spend n proofs of this keyset.
func (k Keyset) InputFee(n int) int64 {
	if n <= 0 || k.FeePPK <= 0 {
		return 0
	}
	return (int64(n)*k.FeePPK + 999) / 1000
}

// MintInfo is cached metadata about a mint used for candidate ranking.
type MintInfo struct {
	URL           string
	SupportsMPP   bool
	FeePPK        int64
	LastCheckedAt time.Time
}

// ErrInvalidToken is returned when a token fails local validation.
var ErrInvalidToken = errors.New("ecash: invalid token")

// NewToken assembles a token row from proofs, computing the amount and encoded payload.
func NewToken(owner, mint, unit string, proofs []Proof, source TokenSource, now time.Time) (Token, error) {
	mint = NormalizeMintURL(mint)
	if mint == "" {
		return Token{}, fmt.Errorf("%w: mint required", ErrInvalidToken)
	}
	if len(proofs) == 0 {
		return Token{}, fmt.Errorf("%w: proofs required", ErrInvalidToken)
	}
	unit = strings.TrimSpace(unit)
	if unit == "" {
		unit = DefaultUnit
	}
	amount, err := SumProofs(proofs)
	if err != nil {
		return Token{}, err
	}
	payload, err := EncodeToken(mint, unit, "", proofs)
	if err != nil {
		return Token{}, err
	}
	now = now.UTC()
	return Token{
		ID:        uuid.NewString(),
		Owner:     owner,
		Mint:      mint,
		Unit:      unit,
		Amount:    amount,
		Payload:   payload,
		Proofs:    append([]Proof(nil), proofs...),
		State:     StateAccepted,
		Source:    source,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// SumProofs totals the proof amounts, rejecting non-positive entries.
func SumProofs(proofs []Proof) (int64, error) {
	var total int64
	for _, p := range proofs {
		if p.Amount <= 0 {
			return 0, fmt.Errorf("%w: non-positive proof amount %d", ErrInvalidToken, p.Amount)
		}
		total += p.Amount
	}
	return total, nil
}

// SumTokens totals the amounts of the supplied tokens.
func SumTokens(tokens []Token) int64 {
	var total int64
	for _, t := range tokens {
		total += t.Amount
	}
	return total
}

// SplitAmount decomposes an amount into the power-of-two denominations mints sign.
func SplitAmount(amount int64) []int64 {
	if amount <= 0 {
		return nil
	}
	out := make([]int64, 0, 8)
	for bit := int64(1); amount > 0; bit <<= 1 {
		if amount&bit != 0 {
			out = append(out, bit)
			amount &^= bit
		}
	}
	return out
}

// ChunkProofs splits proofs into groups of at most size entries.
func ChunkProofs(proofs []Proof, size int) [][]Proof {
	if len(proofs) == 0 {
		return nil
	}
	if size <= 0 {
		size = len(proofs)
	}
	chunks := make([][]Proof, 0, (len(proofs)+size-1)/size)
	for start := 0; start < len(proofs); start += size {
		end := min(start+size, len(proofs))
		chunks = append(chunks, append([]Proof(nil), proofs[start:end]...))
	}
	return chunks
}
