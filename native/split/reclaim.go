package split

import (
	"context"
	"fmt"

	"cashrail/native/ecash"
)

// CheckResult is the caller facing verdict of a token check.
type CheckResult string

const (
	CheckOK        CheckResult = "ok"
	CheckInvalid   CheckResult = "invalid"
	CheckTransient CheckResult = "transient"
)

// MarkSpent retires a send token once its delivery is confirmed.
func (e *Engine) MarkSpent(ctx context.Context, owner string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := e.store.SoftDeleteTokens(ctx, owner, ids, e.clock()); err != nil {
		return fmt.Errorf("split: mark spent: %w", err)
	}
	return nil
}

// Unreserve returns pending send tokens that never left the wallet to the
// accepted state without consulting the mint.
func (e *Engine) Unreserve(ctx context.Context, owner string, ids ...string) error {
	for _, id := range ids {
		tok, err := e.store.GetToken(ctx, owner, id)
		if err != nil {
			return fmt.Errorf("split: unreserve %s: %w", id, err)
		}
		if tok.State != ecash.StatePending {
			continue
		}
		if err := e.store.SetTokenState(ctx, owner, id, ecash.StateAccepted, ""); err != nil {
			return fmt.Errorf("split: unreserve %s: %w", id, err)
		}
	}
	return nil
}

// Reclaim resolves a pending send token against the mint: unspent proofs
// return to accepted, spent ones are retired, and anything else stays pending.
func (e *Engine) Reclaim(ctx context.Context, owner, id string) (ecash.TokenState, error) {
	tok, err := e.store.GetToken(ctx, owner, id)
	if err != nil {
		return "", err
	}
	if tok.State != ecash.StatePending {
		return tok.State, fmt.Errorf("%w: %s is %s", ErrTokenNotPending, id, tok.State)
	}
	return e.reclaim(ctx, owner, tok)
}

func (e *Engine) reclaim(ctx context.Context, owner string, tok ecash.Token) (ecash.TokenState, error) {
	states, err := e.mints.CheckState(ctx, tok.Mint, tok.Proofs)
	if err != nil {
		return tok.State, err
	}
	unspent, spent := tally(states, tok.Proofs)
	switch {
	case spent > 0:
		if err := e.store.SoftDeleteTokens(ctx, owner, []string{tok.ID}, e.clock()); err != nil {
			return tok.State, fmt.Errorf("split: retire spent token: %w", err)
		}
		return ecash.StateDeleted, nil
	case unspent == len(tok.Proofs):
		if err := e.store.SetTokenState(ctx, owner, tok.ID, ecash.StateAccepted, ""); err != nil {
			return tok.State, fmt.Errorf("split: reclaim token: %w", err)
		}
		return ecash.StateAccepted, nil
	default:
		return tok.State, nil
	}
}

// Check asks the mint whether a token is still spendable. Transient failures
// never change local state; confirmed spent tokens are flagged.
func (e *Engine) Check(ctx context.Context, owner, id string) (CheckResult, error) {
	tok, err := e.store.GetToken(ctx, owner, id)
	if err != nil {
		return "", err
	}
	if tok.State == ecash.StateDeleted || tok.State == ecash.StateError {
		return CheckInvalid, nil
	}
	states, err := e.mints.CheckState(ctx, tok.Mint, tok.Proofs)
	if err != nil {
		if ecash.IsDefinitive(err) {
			e.setError(ctx, owner, tok.ID, err)
			return CheckInvalid, nil
		}
		return CheckTransient, nil
	}
	unspent, spent := tally(states, tok.Proofs)
	if spent > 0 {
		if tok.State == ecash.StatePending && tok.Source == ecash.SourceSend {
			if err := e.MarkSpent(ctx, owner, tok.ID); err != nil {
				return "", err
			}
		} else {
			e.setError(ctx, owner, tok.ID, ecash.NewMintError(ecash.KindTokenSpent, "checkstate", tok.Mint, nil))
		}
		return CheckInvalid, nil
	}
	if unspent != len(tok.Proofs) {
		return CheckTransient, nil
	}
	return CheckOK, nil
}

func tally(states []ecash.ProofState, proofs []ecash.Proof) (unspent, spent int) {
	bySecret := make(map[string]ecash.SpendState, len(states))
	for _, st := range states {
		bySecret[st.Secret] = st.State
	}
	for _, p := range proofs {
		switch bySecret[p.Secret] {
		case ecash.ProofUnspent:
			unspent++
		case ecash.ProofSpent:
			spent++
		}
	}
	return unspent, spent
}
