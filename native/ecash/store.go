package ecash

import (
	"context"
	"errors"
	"time"
)

// ErrTokenNotFound is returned when a token id is unknown to the store.
var ErrTokenNotFound = errors.New("ecash: token not found")

// TokenFilter narrows token queries. Empty fields match everything.
type TokenFilter struct {
	Mint           string
	Unit           string
	States         []TokenState
	IncludeDeleted bool
}

// TokenStore is the durable, owner-scoped token collection. The core never
// caches token rows; every balance is recomputed from a fresh ListTokens call.
type TokenStore interface {
	InsertTokens(ctx context.Context, tokens ...Token) error
	UpdateToken(ctx context.Context, token Token) error
	SetTokenState(ctx context.Context, owner, id string, state TokenState, reason string) error
	SoftDeleteTokens(ctx context.Context, owner string, ids []string, at time.Time) error
	GetToken(ctx context.Context, owner, id string) (Token, error)
	ListTokens(ctx context.Context, owner string, filter TokenFilter) ([]Token, error)
	KnownSecrets(ctx context.Context, owner, mint string) (map[string]struct{}, error)
	NextCounter(ctx context.Context, owner, mint, keysetID string) (uint32, error)
	AdvanceCounter(ctx context.Context, owner, mint, keysetID string, next uint32) error
}

// Accepted returns the spendable subset of tokens.
func Accepted(tokens []Token) []Token {
	out := make([]Token, 0, len(tokens))
	for _, t := range tokens {
		if t.Spendable() {
			out = append(out, t)
		}
	}
	return out
}
