// Package wallettest provides in-memory collaborators for exercising the
// payment core without a database or a live mint.
package wallettest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"cashrail/native/credit"
	"cashrail/native/ecash"
)

// Store is an in-memory ecash.TokenStore and credit.Store.
type Store struct {
	mu       sync.Mutex
	tokens   map[string]ecash.Token
	order    []string
	counters map[string]uint32
	promises map[string]credit.Promise

	// FailInsert, when set, is returned by the next InsertTokens call.
	FailInsert error
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		tokens:   make(map[string]ecash.Token),
		counters: make(map[string]uint32),
		promises: make(map[string]credit.Promise),
	}
}

func tokenKey(owner, id string) string { return owner + "|" + id }

func (s *Store) InsertTokens(_ context.Context, tokens ...ecash.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailInsert != nil {
		err := s.FailInsert
		s.FailInsert = nil
		return err
	}
	for _, tok := range tokens {
		key := tokenKey(tok.Owner, tok.ID)
		if _, ok := s.tokens[key]; !ok {
			s.order = append(s.order, key)
		}
		s.tokens[key] = cloneToken(tok)
	}
	return nil
}

func (s *Store) UpdateToken(_ context.Context, tok ecash.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := tokenKey(tok.Owner, tok.ID)
	if _, ok := s.tokens[key]; !ok {
		return ecash.ErrTokenNotFound
	}
	s.tokens[key] = cloneToken(tok)
	return nil
}

func (s *Store) SetTokenState(_ context.Context, owner, id string, state ecash.TokenState, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := tokenKey(owner, id)
	tok, ok := s.tokens[key]
	if !ok {
		return ecash.ErrTokenNotFound
	}
	tok.State = state
	tok.Error = reason
	s.tokens[key] = tok
	return nil
}

func (s *Store) SoftDeleteTokens(_ context.Context, owner string, ids []string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		key := tokenKey(owner, id)
		tok, ok := s.tokens[key]
		if !ok {
			return fmt.Errorf("%w: %s", ecash.ErrTokenNotFound, id)
		}
		deleted := at.UTC()
		tok.State = ecash.StateDeleted
		tok.DeletedAt = &deleted
		s.tokens[key] = tok
	}
	return nil
}

func (s *Store) GetToken(_ context.Context, owner, id string) (ecash.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.tokens[tokenKey(owner, id)]
	if !ok {
		return ecash.Token{}, ecash.ErrTokenNotFound
	}
	return cloneToken(tok), nil
}

func (s *Store) ListTokens(_ context.Context, owner string, filter ecash.TokenFilter) ([]ecash.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mint := ecash.NormalizeMintURL(filter.Mint)
	var out []ecash.Token
	for _, key := range s.order {
		tok := s.tokens[key]
		if tok.Owner != owner {
			continue
		}
		if mint != "" && ecash.NormalizeMintURL(tok.Mint) != mint {
			continue
		}
		if filter.Unit != "" && tok.Unit != filter.Unit {
			continue
		}
		if tok.State == ecash.StateDeleted && !filter.IncludeDeleted && !wants(filter.States, ecash.StateDeleted) {
			continue
		}
		if len(filter.States) > 0 && !wants(filter.States, tok.State) {
			continue
		}
		out = append(out, cloneToken(tok))
	}
	return out, nil
}

func (s *Store) KnownSecrets(_ context.Context, owner, mint string) (map[string]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mint = ecash.NormalizeMintURL(mint)
	out := make(map[string]struct{})
	for _, tok := range s.tokens {
		if tok.Owner != owner || (mint != "" && ecash.NormalizeMintURL(tok.Mint) != mint) {
			continue
		}
		for _, p := range tok.Proofs {
			out[p.Secret] = struct{}{}
		}
	}
	return out, nil
}

func counterKey(owner, mint, keyset string) string {
	return owner + "|" + ecash.NormalizeMintURL(mint) + "|" + keyset
}

func (s *Store) NextCounter(_ context.Context, owner, mint, keysetID string) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[counterKey(owner, mint, keysetID)], nil
}

func (s *Store) AdvanceCounter(_ context.Context, owner, mint, keysetID string, next uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := counterKey(owner, mint, keysetID)
	if next > s.counters[key] {
		s.counters[key] = next
	}
	return nil
}

// Tokens returns every token row for owner, including deleted ones.
func (s *Store) Tokens(owner string) []ecash.Token {
	out, _ := s.ListTokens(context.Background(), owner, ecash.TokenFilter{IncludeDeleted: true})
	return out
}

// Count returns the number of rows for owner in state.
func (s *Store) Count(owner string, state ecash.TokenState) int {
	n := 0
	for _, tok := range s.Tokens(owner) {
		if tok.State == state {
			n++
		}
	}
	return n
}

func (s *Store) InsertPromise(_ context.Context, p credit.Promise) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := tokenKey(p.Owner, p.ID)
	if _, ok := s.promises[key]; ok {
		return false, nil
	}
	s.promises[key] = p
	return true, nil
}

func (s *Store) GetPromise(_ context.Context, owner, id string) (credit.Promise, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.promises[tokenKey(owner, id)]
	if !ok {
		return credit.Promise{}, credit.ErrPromiseNotFound
	}
	return p, nil
}

func (s *Store) UpdateSettlement(_ context.Context, owner, id string, settled int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := tokenKey(owner, id)
	p, ok := s.promises[key]
	if !ok {
		return credit.ErrPromiseNotFound
	}
	p.SettledAmount = settled
	p.SettledAt = &at
	s.promises[key] = p
	return nil
}

func (s *Store) ListPromises(_ context.Context, owner string, filter credit.PromiseFilter) ([]credit.Promise, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []credit.Promise
	for _, p := range s.promises {
		if p.Owner != owner {
			continue
		}
		if filter.Direction != "" && p.Direction != filter.Direction {
			continue
		}
		if filter.Counterparty != "" && p.Counterparty() != filter.Counterparty {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func wants(states []ecash.TokenState, state ecash.TokenState) bool {
	for _, s := range states {
		if s == state {
			return true
		}
	}
	return false
}

func cloneToken(tok ecash.Token) ecash.Token {
	tok.Proofs = append([]ecash.Proof(nil), tok.Proofs...)
	return tok
}

var _ credit.Store = (*Store)(nil)
