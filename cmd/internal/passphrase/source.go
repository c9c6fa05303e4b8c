// Package passphrase resolves the wallet seed phrase for the binaries.
package passphrase

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
	"golang.org/x/text/unicode/norm"
	"lukechampine.com/blake3"
)

const seedContext = "cashrail 2024 wallet restore seed v1"

// Source lazily resolves the seed phrase from an environment variable or by
// prompting the operator. The value is cached after the first successful
// retrieval.
type Source struct {
	envVar string
	label  string

	once  sync.Once
	value string
	err   error
}

// NewSource constructs a source that checks envVar before prompting on the
// terminal.
func NewSource(envVar string) *Source {
	return &Source{envVar: strings.TrimSpace(envVar), label: "wallet seed phrase"}
}

// Get returns the cached phrase or resolves it on first call. Whitespace-only
// phrases are rejected.
func (s *Source) Get() (string, error) {
	s.once.Do(func() {
		if s.envVar != "" {
			if value, ok := os.LookupEnv(s.envVar); ok {
				if strings.TrimSpace(value) == "" {
					s.err = fmt.Errorf("%s is set but empty", s.envVar)
					return
				}
				s.value = value
				return
			}
		}

		if !term.IsTerminal(int(os.Stdin.Fd())) {
			if s.envVar != "" {
				s.err = fmt.Errorf("%s required; set %s or run interactively", s.label, s.envVar)
			} else {
				s.err = fmt.Errorf("%s required and no terminal available", s.label)
			}
			return
		}

		fmt.Fprintf(os.Stderr, "Enter %s: ", s.label)
		bytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			s.err = fmt.Errorf("failed to read %s: %w", s.label, err)
			return
		}

		phrase := string(bytes)
		if strings.TrimSpace(phrase) == "" {
			s.err = errors.New(s.label + " cannot be empty")
			return
		}

		s.value = phrase
	})

	return s.value, s.err
}

// Seed resolves the phrase and derives the deterministic restore seed.
func (s *Source) Seed() ([]byte, error) {
	phrase, err := s.Get()
	if err != nil {
		return nil, err
	}
	return DeriveSeed(phrase), nil
}

// DeriveSeed maps a phrase to a 32 byte seed. Words are NFKD normalised and
// joined by single spaces so the same phrase typed differently yields the same
// seed.
func DeriveSeed(phrase string) []byte {
	words := strings.Fields(norm.NFKD.String(phrase))
	seed := make([]byte, 32)
	blake3.DeriveKey(seed, seedContext, []byte(strings.Join(words, " ")))
	return seed
}
