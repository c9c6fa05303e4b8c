package split

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"cashrail/native/ecash"
)

// ReceiveResult reports the outcome of claiming an incoming token.
type ReceiveResult struct {
	Token *ecash.Token
	// Duplicate is set when every proof secret was already known locally.
	Duplicate bool
	// Pending is set when the mint could not be reached; the token was stored
	// as pending and can be claimed later with ClaimPending.
	Pending bool
}

// Receive swaps an incoming bearer token into fresh proofs owned by this
// wallet and stores them as accepted.
func (e *Engine) Receive(ctx context.Context, owner, encoded string, seed []byte) (ReceiveResult, error) {
	ctx, span := e.tracer.Start(ctx, "split.receive")
	defer span.End()
	res, err := e.receive(ctx, owner, encoded, seed, "")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

// ClaimPending retries every received token left pending by an unreachable
// mint and returns the number claimed.
func (e *Engine) ClaimPending(ctx context.Context, owner string, seed []byte) (int, error) {
	pending, err := e.store.ListTokens(ctx, owner, ecash.TokenFilter{States: []ecash.TokenState{ecash.StatePending}})
	if err != nil {
		return 0, fmt.Errorf("split: list pending: %w", err)
	}
	claimed := 0
	for _, tok := range pending {
		if tok.Source != ecash.SourceReceived {
			continue
		}
		res, err := e.receive(ctx, owner, tok.Payload, seed, tok.ID)
		if err != nil {
			if ecash.IsDefinitive(err) {
				e.setError(ctx, owner, tok.ID, err)
				continue
			}
			return claimed, err
		}
		if !res.Pending {
			claimed++
		}
	}
	return claimed, nil
}

func (e *Engine) receive(ctx context.Context, owner, encoded string, seed []byte, pendingID string) (ReceiveResult, error) {
	decoded, err := ecash.DecodeToken(encoded)
	if err != nil {
		return ReceiveResult{}, err
	}
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("mint", decoded.Mint), attribute.Int64("amount", decoded.Amount()))

	known, err := e.store.KnownSecrets(ctx, owner, decoded.Mint)
	if err != nil {
		return ReceiveResult{}, fmt.Errorf("split: known secrets: %w", err)
	}
	if pendingID == "" && allKnown(decoded.Proofs, known) {
		return ReceiveResult{Duplicate: true}, nil
	}

	keysets, err := e.mints.Keysets(ctx, decoded.Mint)
	if err != nil {
		return e.receiveFailed(ctx, owner, decoded, pendingID, err)
	}
	ks, ok := ecash.ActiveKeyset(keysets, decoded.Unit)
	if !ok {
		return ReceiveResult{}, fmt.Errorf("%w: %s %s", ErrNoActiveKeyset, decoded.Mint, decoded.Unit)
	}
	fee := ks.InputFee(len(decoded.Proofs))
	keep := decoded.Amount() - fee
	if keep <= 0 {
		return ReceiveResult{}, fmt.Errorf("%w: fee %d consumes token of %d", ErrInsufficientInputs, fee, decoded.Amount())
	}

	var res ReceiveResult
	err = e.locks.Do(ctx, LockKey{Mint: decoded.Mint, Unit: decoded.Unit, Keyset: ks.ID}, func(ctx context.Context) error {
		counter, err := e.store.NextCounter(ctx, owner, decoded.Mint, ks.ID)
		if err != nil {
			return fmt.Errorf("split: read counter: %w", err)
		}
		resp, err := e.mints.Swap(ctx, decoded.Mint, ecash.SwapRequest{
			Inputs:     decoded.Proofs,
			KeysetID:   ks.ID,
			Unit:       decoded.Unit,
			KeepAmount: keep,
			Seed:       seed,
			Counter:    counter,
		})
		if err != nil {
			res, err = e.receiveFailed(ctx, owner, decoded, pendingID, err)
			return err
		}
		ctx = context.WithoutCancel(ctx)
		used := resp.OutputsUsed
		if used == 0 {
			used = uint32(len(resp.Keep) + len(resp.Send))
		}
		if err := e.store.AdvanceCounter(ctx, owner, decoded.Mint, ks.ID, counter+used); err != nil {
			return fmt.Errorf("%w: advance counter: %w", ErrPostSwapFailure, err)
		}
		proofs := append(append([]ecash.Proof(nil), resp.Keep...), resp.Send...)
		tok, err := ecash.NewToken(owner, decoded.Mint, decoded.Unit, proofs, ecash.SourceReceived, e.clock())
		if err != nil {
			return fmt.Errorf("%w: %w", ErrPostSwapFailure, err)
		}
		if err := e.store.InsertTokens(ctx, tok); err != nil {
			return fmt.Errorf("%w: insert token: %w", ErrPostSwapFailure, err)
		}
		if pendingID != "" {
			if err := e.store.SoftDeleteTokens(ctx, owner, []string{pendingID}, e.clock()); err != nil {
				return fmt.Errorf("%w: retire pending token: %w", ErrPostSwapFailure, err)
			}
		}
		e.metrics.RecordSwap("received")
		e.logger.Info("wallet/split: token received",
			slog.String("mint", decoded.Mint), slog.Int64("amount", tok.Amount))
		res = ReceiveResult{Token: &tok}
		return nil
	})
	return res, err
}

// receiveFailed parks the token as pending when the mint is unreachable so the
// value is not lost; definitive rejections are surfaced without storing.
func (e *Engine) receiveFailed(ctx context.Context, owner string, decoded ecash.DecodedToken, pendingID string, cause error) (ReceiveResult, error) {
	if !ecash.IsTransient(cause) {
		e.metrics.RecordSwap("definitive")
		return ReceiveResult{}, cause
	}
	e.metrics.RecordSwap("transient")
	if pendingID != "" {
		return ReceiveResult{Pending: true}, nil
	}
	tok, err := ecash.NewToken(owner, decoded.Mint, decoded.Unit, decoded.Proofs, ecash.SourceReceived, e.clock())
	if err != nil {
		return ReceiveResult{}, err
	}
	tok.State = ecash.StatePending
	tok.Error = ecash.KindOf(cause).String()
	if err := e.store.InsertTokens(ctx, tok); err != nil {
		return ReceiveResult{}, fmt.Errorf("split: park pending token: %w", err)
	}
	e.logger.Warn("wallet/split: mint unreachable, token parked as pending",
		slog.String("mint", decoded.Mint), slog.Any("error", cause))
	return ReceiveResult{Token: &tok, Pending: true}, nil
}

// Merge consolidates every accepted token at a mint into a single token. It
// returns nil when there is nothing to merge.
func (e *Engine) Merge(ctx context.Context, owner, mint, unit string, seed []byte) (*ecash.Token, error) {
	mint = ecash.NormalizeMintURL(mint)
	unit = unitOrDefault(unit)
	ctx, span := e.tracer.Start(ctx, "split.merge", trace.WithAttributes(attribute.String("mint", mint)))
	defer span.End()

	tokens, err := e.store.ListTokens(ctx, owner, ecash.TokenFilter{
		Mint: mint, Unit: unit, States: []ecash.TokenState{ecash.StateAccepted},
	})
	if err != nil {
		return nil, fmt.Errorf("split: load tokens: %w", err)
	}
	if len(tokens) < 2 {
		return nil, nil
	}
	keysets, err := e.mints.Keysets(ctx, mint)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	ks, ok := ecash.ActiveKeyset(keysets, unit)
	if !ok {
		return nil, fmt.Errorf("%w: %s %s", ErrNoActiveKeyset, mint, unit)
	}
	proofs := collectProofs(tokens)
	keep := ecash.SumTokens(tokens) - ks.InputFee(len(proofs))
	if keep <= 0 {
		return e.mergeLocally(ctx, owner, mint, unit, tokens)
	}

	var merged *ecash.Token
	err = e.locks.Do(ctx, LockKey{Mint: mint, Unit: unit, Keyset: ks.ID}, func(ctx context.Context) error {
		counter, err := e.store.NextCounter(ctx, owner, mint, ks.ID)
		if err != nil {
			return fmt.Errorf("split: read counter: %w", err)
		}
		resp, err := e.mints.Swap(ctx, mint, ecash.SwapRequest{
			Inputs: proofs, KeysetID: ks.ID, Unit: unit, KeepAmount: keep, Seed: seed, Counter: counter,
		})
		if err != nil {
			res, err := e.handleSwapError(ctx, owner, mint, unit, tokens, err)
			merged = res.Merged
			return err
		}
		ctx = context.WithoutCancel(ctx)
		used := resp.OutputsUsed
		if used == 0 {
			used = uint32(len(resp.Keep) + len(resp.Send))
		}
		if err := e.store.AdvanceCounter(ctx, owner, mint, ks.ID, counter+used); err != nil {
			return fmt.Errorf("%w: advance counter: %w", ErrPostSwapFailure, err)
		}
		out := append(append([]ecash.Proof(nil), resp.Keep...), resp.Send...)
		tok, err := ecash.NewToken(owner, mint, unit, out, ecash.SourceMerged, e.clock())
		if err != nil {
			return fmt.Errorf("%w: %w", ErrPostSwapFailure, err)
		}
		if err := e.replace(ctx, owner, tokens, tok); err != nil {
			return fmt.Errorf("%w: %w", ErrPostSwapFailure, err)
		}
		e.metrics.RecordSwap("merged")
		merged = &tok
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return merged, err
}

func allKnown(proofs []ecash.Proof, known map[string]struct{}) bool {
	if len(proofs) == 0 {
		return false
	}
	for _, p := range proofs {
		if _, ok := known[p.Secret]; !ok {
			return false
		}
	}
	return true
}
