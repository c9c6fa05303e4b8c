package split

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"cashrail/native/ecash"
	"cashrail/observability"
)

var (
	// ErrInsufficientInputs means the candidate tokens cannot cover the amount
	// plus the keyset input fee.
	ErrInsufficientInputs = errors.New("split: inputs do not cover amount")
	// ErrMixedInputs means inputs span several mints or units, or include
	// tokens that are not spendable.
	ErrMixedInputs = errors.New("split: inputs must be spendable tokens of one mint and unit")
	// ErrNoActiveKeyset means the mint has no active keyset for the unit.
	ErrNoActiveKeyset = errors.New("split: mint has no active keyset for unit")
	// ErrPostSwapFailure wraps any failure after the mint accepted a swap.
	// Funds have moved; callers must not retry at another mint.
	ErrPostSwapFailure = errors.New("split: failure after swap")
	// ErrMergedInstead is returned by operations that needed a send token
	// when the mint fee forced a local merge.
	ErrMergedInstead = errors.New("split: inputs merged locally, nothing to send")
	// ErrTokenNotPending is returned when reclaiming a token that is not pending.
	ErrTokenNotPending = errors.New("split: token is not pending")
)

// Engine turns candidate tokens into exact-amount send tokens and change using
// the mint swap protocol, reconciling the local token store.
type Engine struct {
	store   ecash.TokenStore
	mints   ecash.MintClient
	locks   *Locks
	clock   func() time.Time
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *observability.WalletMetrics
}

// Option customises the engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithLocks shares a lock table with other components consuming keyset
// counters, such as the restore engine.
func WithLocks(locks *Locks) Option {
	return func(e *Engine) {
		if locks != nil {
			e.locks = locks
		}
	}
}

// NewEngine constructs a split engine.
func NewEngine(store ecash.TokenStore, mints ecash.MintClient, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("split: token store required")
	}
	if mints == nil {
		return nil, fmt.Errorf("split: mint client required")
	}
	e := &Engine{
		store:   store,
		mints:   mints,
		locks:   NewLocks(),
		clock:   time.Now,
		logger:  slog.Default(),
		tracer:  otel.Tracer("wallet/split"),
		metrics: observability.Wallet(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Locks exposes the keyset lock table.
func (e *Engine) Locks() *Locks { return e.locks }

// SplitRequest asks for a send token of Amount at Mint.
type SplitRequest struct {
	Owner  string
	Mint   string
	Unit   string
	Amount int64
	// Tokens are the candidate inputs. When nil the accepted tokens held at
	// the mint are loaded from the store.
	Tokens []ecash.Token
	Seed   []byte
}

// SplitResult reports the tokens produced by a split. Send is nil when the
// mint fee forced a local merge; Merged then holds the consolidated token.
type SplitResult struct {
	Send     *ecash.Token
	Change   *ecash.Token
	Merged   *ecash.Token
	Inputs   []string
	KeysetID string
	Fee      int64
	Swapped  bool
}

// Split produces exactly one pending send token of the requested amount and
// at most one accepted change token. Errors returned before the mint accepted
// the swap leave the store untouched apart from definitive rejections, which
// mark confirmed-spent inputs as errored. Errors after the swap wrap
// ErrPostSwapFailure.
func (e *Engine) Split(ctx context.Context, req SplitRequest) (SplitResult, error) {
	mint := ecash.NormalizeMintURL(req.Mint)
	ctx, span := e.tracer.Start(ctx, "split.split",
		trace.WithAttributes(attribute.String("mint", mint), attribute.Int64("amount", req.Amount)))
	defer span.End()
	res, err := e.split(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

func (e *Engine) split(ctx context.Context, req SplitRequest) (SplitResult, error) {
	if req.Amount <= 0 {
		return SplitResult{}, fmt.Errorf("split: amount must be positive")
	}
	mint := ecash.NormalizeMintURL(req.Mint)
	unit := unitOrDefault(req.Unit)
	tokens := req.Tokens
	if tokens == nil {
		loaded, err := e.store.ListTokens(ctx, req.Owner, ecash.TokenFilter{
			Mint: mint, Unit: unit, States: []ecash.TokenState{ecash.StateAccepted},
		})
		if err != nil {
			return SplitResult{}, fmt.Errorf("split: load tokens: %w", err)
		}
		tokens = loaded
	}
	if err := validateInputs(tokens, mint, unit); err != nil {
		return SplitResult{}, err
	}
	keysets, err := e.mints.Keysets(ctx, mint)
	if err != nil {
		return SplitResult{}, err
	}
	ks, ok := ecash.ActiveKeyset(keysets, unit)
	if !ok {
		return SplitResult{}, fmt.Errorf("%w: %s %s", ErrNoActiveKeyset, mint, unit)
	}
	inputs, exact, err := selectInputs(tokens, req.Amount, ks)
	if err != nil {
		return SplitResult{}, err
	}
	if exact {
		res, err := e.sendAsIs(ctx, req.Owner, mint, unit, inputs)
		if err == nil {
			e.metrics.RecordSwap("exact")
		}
		res.KeysetID = ks.ID
		return res, err
	}

	var res SplitResult
	err = e.locks.Do(ctx, LockKey{Mint: mint, Unit: unit, Keyset: ks.ID}, func(ctx context.Context) error {
		var swapErr error
		res, swapErr = e.swap(ctx, req.Owner, mint, unit, ks, inputs, req.Amount, req.Seed)
		return swapErr
	})
	res.KeysetID = ks.ID
	return res, err
}

func (e *Engine) swap(ctx context.Context, owner, mint, unit string, ks ecash.Keyset, inputs []ecash.Token, amount int64, seed []byte) (SplitResult, error) {
	proofs := collectProofs(inputs)
	fee := ks.InputFee(len(proofs))
	keep := ecash.SumTokens(inputs) - amount - fee
	counter, err := e.store.NextCounter(ctx, owner, mint, ks.ID)
	if err != nil {
		return SplitResult{}, fmt.Errorf("split: read counter: %w", err)
	}
	resp, err := e.mints.Swap(ctx, mint, ecash.SwapRequest{
		Inputs:     proofs,
		KeysetID:   ks.ID,
		Unit:       unit,
		SendAmount: amount,
		KeepAmount: keep,
		Seed:       seed,
		Counter:    counter,
	})
	if err != nil {
		return e.handleSwapError(ctx, owner, mint, unit, inputs, err)
	}

	// The mint has consumed the inputs; persistence must finish even if the
	// caller goes away.
	ctx = context.WithoutCancel(ctx)
	res := SplitResult{Inputs: tokenIDs(inputs), Fee: fee, Swapped: true}
	used := resp.OutputsUsed
	if used == 0 {
		used = uint32(len(resp.Send) + len(resp.Keep))
	}
	if err := e.store.AdvanceCounter(ctx, owner, mint, ks.ID, counter+used); err != nil {
		e.metrics.RecordSwap("post_swap_failure")
		return res, fmt.Errorf("%w: advance counter: %w", ErrPostSwapFailure, err)
	}

	now := e.clock()
	sendTotal, sendErr := ecash.SumProofs(resp.Send)
	if sendErr != nil || sendTotal != amount {
		// Keep whatever the mint returned so no value is lost, then fail.
		all := append(append([]ecash.Proof(nil), resp.Send...), resp.Keep...)
		if len(all) > 0 {
			if change, err := ecash.NewToken(owner, mint, unit, all, ecash.SourceChange, now); err == nil {
				if err := e.replace(ctx, owner, inputs, change); err == nil {
					res.Change = &change
				}
			}
		}
		e.metrics.RecordSwap("post_swap_failure")
		return res, fmt.Errorf("%w: mint returned %d for send, want %d", ErrPostSwapFailure, sendTotal, amount)
	}

	var inserts []ecash.Token
	if len(resp.Keep) > 0 {
		change, err := ecash.NewToken(owner, mint, unit, resp.Keep, ecash.SourceChange, now)
		if err != nil {
			e.metrics.RecordSwap("post_swap_failure")
			return res, fmt.Errorf("%w: %w", ErrPostSwapFailure, err)
		}
		res.Change = &change
		inserts = append(inserts, change)
	}
	send, err := ecash.NewToken(owner, mint, unit, resp.Send, ecash.SourceSend, now)
	if err != nil {
		e.metrics.RecordSwap("post_swap_failure")
		return res, fmt.Errorf("%w: %w", ErrPostSwapFailure, err)
	}
	send.State = ecash.StatePending
	inserts = append(inserts, send)
	if err := e.replace(ctx, owner, inputs, inserts...); err != nil {
		e.metrics.RecordSwap("post_swap_failure")
		return res, fmt.Errorf("%w: %w", ErrPostSwapFailure, err)
	}
	res.Send = &send
	e.metrics.RecordSwap("swapped")
	e.logger.Info("wallet/split: swap complete",
		slog.String("mint", mint),
		slog.Int64("amount", amount),
		slog.Int64("change", keep),
		slog.Int("inputs", len(inputs)))
	return res, nil
}

// replace inserts the new tokens before soft-deleting the inputs so a crash in
// between leaves duplicated, recoverable value rather than lost value.
func (e *Engine) replace(ctx context.Context, owner string, inputs []ecash.Token, fresh ...ecash.Token) error {
	if len(fresh) > 0 {
		if err := e.store.InsertTokens(ctx, fresh...); err != nil {
			return fmt.Errorf("insert tokens: %w", err)
		}
	}
	if len(inputs) == 0 {
		return nil
	}
	if err := e.store.SoftDeleteTokens(ctx, owner, tokenIDs(inputs), e.clock()); err != nil {
		return fmt.Errorf("soft delete inputs: %w", err)
	}
	return nil
}

func (e *Engine) handleSwapError(ctx context.Context, owner, mint, unit string, inputs []ecash.Token, err error) (SplitResult, error) {
	switch {
	case ecash.IsKind(err, ecash.KindFeeExceedsAmount):
		merged, mergeErr := e.mergeLocally(ctx, owner, mint, unit, inputs)
		if mergeErr != nil {
			return SplitResult{}, mergeErr
		}
		e.metrics.RecordSwap("merged")
		e.logger.Info("wallet/split: fee exceeds amount, merged locally",
			slog.String("mint", mint), slog.Int("inputs", len(inputs)))
		return SplitResult{Merged: merged, Inputs: tokenIDs(inputs)}, nil
	case ecash.IsDefinitive(err):
		e.metrics.RecordSwap("definitive")
		e.markInvalid(ctx, owner, mint, inputs, err)
		return SplitResult{}, err
	default:
		e.metrics.RecordSwap("transient")
		e.logger.Warn("wallet/split: swap failed",
			slog.String("mint", mint), slog.String("reason", ecash.KindOf(err).String()), slog.Any("error", err))
		return SplitResult{}, err
	}
}

// mergeLocally consolidates inputs into a single accepted token without a
// mint round trip.
func (e *Engine) mergeLocally(ctx context.Context, owner, mint, unit string, inputs []ecash.Token) (*ecash.Token, error) {
	if len(inputs) == 1 {
		tok := inputs[0]
		return &tok, nil
	}
	merged, err := ecash.NewToken(owner, mint, unit, collectProofs(inputs), ecash.SourceMerged, e.clock())
	if err != nil {
		return nil, fmt.Errorf("split: merge: %w", err)
	}
	if err := e.replace(ctx, owner, inputs, merged); err != nil {
		return nil, fmt.Errorf("split: merge: %w", err)
	}
	return &merged, nil
}

// markInvalid confirms which inputs the mint considers spent and flags them.
// A transient check failure leaves every token untouched.
func (e *Engine) markInvalid(ctx context.Context, owner, mint string, inputs []ecash.Token, cause error) {
	states, err := e.mints.CheckState(ctx, mint, collectProofs(inputs))
	if err != nil {
		if !ecash.IsDefinitive(err) {
			e.logger.Warn("wallet/split: check state failed, tokens left untouched",
				slog.String("mint", mint), slog.Any("error", err))
			return
		}
		for _, tok := range inputs {
			e.setError(ctx, owner, tok.ID, cause)
		}
		return
	}
	spent := spentSecrets(states)
	for _, tok := range inputs {
		for _, secret := range tok.Secrets() {
			if _, ok := spent[secret]; ok {
				e.setError(ctx, owner, tok.ID, cause)
				break
			}
		}
	}
}

func (e *Engine) setError(ctx context.Context, owner, id string, cause error) {
	if err := e.store.SetTokenState(ctx, owner, id, ecash.StateError, ecash.KindOf(cause).String()); err != nil {
		e.logger.Error("wallet/split: mark token failed", slog.String("token_id", id), slog.Any("error", err))
	}
}

// sendAsIs turns inputs that already sum to the target into the send token
// without contacting the mint.
func (e *Engine) sendAsIs(ctx context.Context, owner, mint, unit string, inputs []ecash.Token) (SplitResult, error) {
	if len(inputs) == 1 {
		tok := inputs[0]
		tok.State = ecash.StatePending
		tok.Source = ecash.SourceSend
		tok.UpdatedAt = e.clock().UTC()
		if err := e.store.UpdateToken(ctx, tok); err != nil {
			return SplitResult{}, fmt.Errorf("split: reserve token: %w", err)
		}
		return SplitResult{Send: &tok, Inputs: []string{tok.ID}}, nil
	}
	send, err := ecash.NewToken(owner, mint, unit, collectProofs(inputs), ecash.SourceSend, e.clock())
	if err != nil {
		return SplitResult{}, fmt.Errorf("split: %w", err)
	}
	send.State = ecash.StatePending
	if err := e.replace(ctx, owner, inputs, send); err != nil {
		return SplitResult{}, fmt.Errorf("split: %w", err)
	}
	return SplitResult{Send: &send, Inputs: tokenIDs(inputs)}, nil
}

func validateInputs(tokens []ecash.Token, mint, unit string) error {
	if len(tokens) == 0 {
		return fmt.Errorf("%w: no tokens at %s", ErrInsufficientInputs, mint)
	}
	for _, tok := range tokens {
		if !ecash.SameMint(tok.Mint, mint) || unitOrDefault(tok.Unit) != unit {
			return fmt.Errorf("%w: token %s belongs to %s/%s", ErrMixedInputs, tok.ID, tok.Mint, tok.Unit)
		}
		if !tok.Spendable() {
			return fmt.Errorf("%w: token %s is %s", ErrMixedInputs, tok.ID, tok.State)
		}
	}
	return nil
}

// selectInputs picks inputs largest first. A single token matching the
// amount, or a selection summing exactly to it, is reported as exact.
func selectInputs(tokens []ecash.Token, amount int64, ks ecash.Keyset) ([]ecash.Token, bool, error) {
	sorted := append([]ecash.Token(nil), tokens...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Amount != sorted[j].Amount {
			return sorted[i].Amount > sorted[j].Amount
		}
		return sorted[i].ID < sorted[j].ID
	})
	for _, tok := range sorted {
		if tok.Amount == amount {
			return []ecash.Token{tok}, true, nil
		}
	}
	var (
		picked []ecash.Token
		total  int64
		proofs int
	)
	for _, tok := range sorted {
		picked = append(picked, tok)
		total += tok.Amount
		proofs += len(tok.Proofs)
		if total == amount {
			return picked, true, nil
		}
		if total >= amount+ks.InputFee(proofs) {
			return picked, false, nil
		}
	}
	return nil, false, fmt.Errorf("%w: have %d, need %d plus fee %d", ErrInsufficientInputs, total, amount, ks.InputFee(proofs))
}

func collectProofs(tokens []ecash.Token) []ecash.Proof {
	var out []ecash.Proof
	for _, tok := range tokens {
		out = append(out, tok.Proofs...)
	}
	return out
}

func tokenIDs(tokens []ecash.Token) []string {
	out := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		out = append(out, tok.ID)
	}
	return out
}

func spentSecrets(states []ecash.ProofState) map[string]struct{} {
	out := make(map[string]struct{})
	for _, st := range states {
		if st.State == ecash.ProofSpent {
			out[st.Secret] = struct{}{}
		}
	}
	return out
}

func unitOrDefault(unit string) string {
	unit = strings.TrimSpace(unit)
	if unit == "" {
		return ecash.DefaultUnit
	}
	return unit
}
