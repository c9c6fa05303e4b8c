package wallet

import (
	"context"
	"errors"
	"strings"
	"sync"

	"cashrail/native/balance"
	"cashrail/native/delivery"
)

// ErrNoIdentity is returned by operations that need an active session.
var ErrNoIdentity = errors.New("wallet: no active identity")

// Identity is the key material a session runs under.
type Identity struct {
	Owner  string
	PubKey string
	Seed   []byte
}

// SessionContext holds everything scoped to the active identity. It is
// replaced wholesale on identity switch so nothing leaks between owners.
type SessionContext struct {
	Owner  string
	PubKey string
	seed   []byte

	inbox  *delivery.Inbox
	cancel context.CancelFunc
	stop   func()

	mu       sync.Mutex
	balances []balance.MintBalance
}

func newSession(id Identity) *SessionContext {
	seed := make([]byte, len(id.Seed))
	copy(seed, id.Seed)
	return &SessionContext{
		Owner:  strings.TrimSpace(id.Owner),
		PubKey: strings.ToLower(strings.TrimSpace(id.PubKey)),
		seed:   seed,
	}
}

// Seed returns a copy of the session seed.
func (s *SessionContext) Seed() []byte {
	out := make([]byte, len(s.seed))
	copy(out, s.seed)
	return out
}

// Inbox returns the session inbox.
func (s *SessionContext) Inbox() *delivery.Inbox { return s.inbox }

func (s *SessionContext) cachedBalances() ([]balance.MintBalance, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.balances == nil {
		return nil, false
	}
	out := make([]balance.MintBalance, len(s.balances))
	copy(out, s.balances)
	return out, true
}

func (s *SessionContext) storeBalances(b []balance.MintBalance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b == nil {
		b = []balance.MintBalance{}
	}
	s.balances = b
}

func (s *SessionContext) invalidate() {
	s.mu.Lock()
	s.balances = nil
	s.mu.Unlock()
}

func (s *SessionContext) close() {
	if s.stop != nil {
		s.stop()
		s.stop = nil
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	for i := range s.seed {
		s.seed[i] = 0
	}
	s.invalidate()
}
