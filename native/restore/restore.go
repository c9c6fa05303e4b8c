// Package restore rediscovers ecash proofs issued to a deterministic seed by
// rescanning mint issuance counters.
package restore

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
	"cashrail/native/split"
	"cashrail/observability"
)

const (
	DefaultWindow            uint32 = 300
	DefaultBatchSize         uint32 = 100
	DefaultEmptyBatches             = 3
	DefaultMaxProofsPerToken        = 100
)

// ErrSeedRequired is returned when restore is called without a seed.
var ErrSeedRequired = errors.New("restore: seed required")

// Config bounds the scan.
type Config struct {
	// Window is how far below the highest known counter a scan starts.
	Window uint32
	// BatchSize is the number of counters requested per mint call.
	BatchSize uint32
	// EmptyBatches consecutive empty batches end a scan.
	EmptyBatches int
	// MaxProofsPerToken caps the proofs stored in one restored token.
	MaxProofsPerToken int
}

func (c Config) withDefaults() Config {
	if c.Window == 0 {
		c.Window = DefaultWindow
	}
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.EmptyBatches <= 0 {
		c.EmptyBatches = DefaultEmptyBatches
	}
	if c.MaxProofsPerToken <= 0 {
		c.MaxProofsPerToken = DefaultMaxProofsPerToken
	}
	return c
}

// Request selects what to restore. With no Mints, every mint the owner has
// ever held tokens at is scanned.
type Request struct {
	Owner string
	Mints []string
	Unit  string
	Seed  []byte
}

// MintReport is the outcome for one mint.
type MintReport struct {
	Mint           string
	RestoredProofs int
	CreatedTokens  int
	RestoredAmount int64
	Err            error
}

// Report aggregates a restore run.
type Report struct {
	RestoredProofs int
	CreatedTokens  int
	PerMint        []MintReport
}

// Engine performs restores.
type Engine struct {
	store   ecash.TokenStore
	mints   ecash.MintClient
	locks   *split.Locks
	cfg     Config
	clock   func() time.Time
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *observability.WalletMetrics
}

// Option customises the engine.
type Option func(*Engine)

// WithConfig overrides scan bounds.
func WithConfig(cfg Config) Option {
	return func(e *Engine) { e.cfg = cfg.withDefaults() }
}

// WithLocks shares keyset locks with the split engine.
func WithLocks(locks *split.Locks) Option {
	return func(e *Engine) {
		if locks != nil {
			e.locks = locks
		}
	}
}

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

// NewEngine constructs a restore engine.
func NewEngine(store ecash.TokenStore, mints ecash.MintClient, opts ...Option) (*Engine, error) {
	if store == nil || mints == nil {
		return nil, fmt.Errorf("restore: store and mint client required")
	}
	e := &Engine{
		store:   store,
		mints:   mints,
		locks:   split.NewLocks(),
		cfg:     Config{}.withDefaults(),
		clock:   time.Now,
		logger:  slog.Default(),
		tracer:  otel.Tracer("wallet/restore"),
		metrics: observability.Wallet(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Restore scans every keyset of every requested mint. A failing mint is
// reported in its MintReport and does not stop the others; the returned
// error joins the per-mint failures.
func (e *Engine) Restore(ctx context.Context, req Request) (Report, error) {
	if len(req.Seed) == 0 {
		return Report{}, ErrSeedRequired
	}
	ctx, span := e.tracer.Start(ctx, "restore.restore", trace.WithAttributes(attribute.String("owner", req.Owner)))
	defer span.End()

	mints, err := e.targets(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Report{}, err
	}
	unit := strings.TrimSpace(req.Unit)
	if unit == "" {
		unit = ecash.DefaultUnit
	}
	var (
		report Report
		errs   []error
	)
	for _, mint := range mints {
		mr := e.restoreMint(ctx, req.Owner, mint, unit, req.Seed)
		report.PerMint = append(report.PerMint, mr)
		report.RestoredProofs += mr.RestoredProofs
		report.CreatedTokens += mr.CreatedTokens
		if mr.Err != nil {
			errs = append(errs, fmt.Errorf("restore %s: %w", mint, mr.Err))
		}
	}
	err = errors.Join(errs...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.Int("restored_proofs", report.RestoredProofs))
	e.logger.Info("wallet/restore: restore finished",
		slog.String("owner", req.Owner),
		slog.Int("mints", len(mints)),
		slog.Int("restored_proofs", report.RestoredProofs),
		slog.Int("created_tokens", report.CreatedTokens))
	return report, err
}

func (e *Engine) targets(ctx context.Context, req Request) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string
	add := func(mint string) {
		mint = ecash.NormalizeMintURL(mint)
		if mint == "" {
			return
		}
		if _, ok := seen[mint]; ok {
			return
		}
		seen[mint] = struct{}{}
		out = append(out, mint)
	}
	for _, m := range req.Mints {
		add(m)
	}
	if len(out) == 0 {
		tokens, err := e.store.ListTokens(ctx, req.Owner, ecash.TokenFilter{IncludeDeleted: true})
		if err != nil {
			return nil, fmt.Errorf("restore: list tokens: %w", err)
		}
		for _, tok := range tokens {
			add(tok.Mint)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (e *Engine) restoreMint(ctx context.Context, owner, mint, unit string, seed []byte) MintReport {
	mr := MintReport{Mint: mint}
	keysets, err := e.mints.Keysets(ctx, mint)
	if err != nil {
		mr.Err = err
		return mr
	}
	for _, ks := range keysets {
		if ks.Unit != unit {
			continue
		}
		err := e.locks.Do(ctx, split.LockKey{Mint: mint, Unit: unit, Keyset: ks.ID}, func(ctx context.Context) error {
			tokens, proofs, err := e.restoreKeyset(ctx, owner, mint, unit, ks.ID, seed)
			mr.CreatedTokens += len(tokens)
			mr.RestoredProofs += proofs
			for _, tok := range tokens {
				mr.RestoredAmount += tok.Amount
			}
			return err
		})
		if err != nil {
			mr.Err = errors.Join(mr.Err, fmt.Errorf("keyset %s: %w", ks.ID, err))
		}
	}
	if mr.RestoredProofs > 0 {
		e.metrics.RecordRestored(mint, mr.RestoredProofs)
	}
	return mr
}

// restoreKeyset scans a window below the stored counter, falls back to one
// scan from zero when the window is empty, keeps unknown unspent proofs and
// advances the counter just past the highest index that held a proof. The
// empty batches that end a scan never move the counter, so the next window
// still covers the issued range.
func (e *Engine) restoreKeyset(ctx context.Context, owner, mint, unit, keysetID string, seed []byte) ([]ecash.Token, int, error) {
	counter, err := e.store.NextCounter(ctx, owner, mint, keysetID)
	if err != nil {
		return nil, 0, fmt.Errorf("read counter: %w", err)
	}
	from := uint32(0)
	if counter > e.cfg.Window {
		from = counter - e.cfg.Window
	}
	found, next, err := e.scan(ctx, mint, keysetID, seed, from)
	if err != nil {
		return nil, 0, err
	}
	if len(found) == 0 && from > 0 {
		e.logger.Debug("wallet/restore: window empty, scanning from zero",
			slog.String("mint", mint), slog.String("keyset", keysetID))
		found, next, err = e.scan(ctx, mint, keysetID, seed, 0)
		if err != nil {
			return nil, 0, err
		}
	}

	fresh, err := e.filterKnown(ctx, owner, mint, found)
	if err != nil {
		return nil, 0, err
	}
	unspent, err := e.filterUnspent(ctx, mint, fresh)
	if err != nil {
		return nil, 0, err
	}

	var tokens []ecash.Token
	now := e.clock()
	for _, chunk := range ecash.ChunkProofs(unspent, e.cfg.MaxProofsPerToken) {
		tok, err := ecash.NewToken(owner, mint, unit, chunk, ecash.SourceRestored, now)
		if err != nil {
			return nil, 0, fmt.Errorf("build token: %w", err)
		}
		tokens = append(tokens, tok)
	}
	if len(tokens) > 0 {
		if err := e.store.InsertTokens(ctx, tokens...); err != nil {
			return nil, 0, fmt.Errorf("insert restored tokens: %w", err)
		}
	}
	if next > counter {
		if err := e.store.AdvanceCounter(ctx, owner, mint, keysetID, next); err != nil {
			return tokens, len(unspent), fmt.Errorf("advance counter: %w", err)
		}
	}
	if len(unspent) > 0 {
		e.logger.Info("wallet/restore: proofs restored",
			slog.String("mint", mint),
			slog.String("keyset", keysetID),
			slog.Int("proofs", len(unspent)),
			slog.Int("tokens", len(tokens)))
	}
	return tokens, len(unspent), nil
}

// scan walks batches upward from start until EmptyBatches consecutive
// batches return nothing. It returns the proofs and the index after the
// highest one that held a proof, or zero when none did.
func (e *Engine) scan(ctx context.Context, mint, keysetID string, seed []byte, start uint32) ([]ecash.Proof, uint32, error) {
	var (
		found  []ecash.Proof
		cursor = start
		next   uint32
		empty  int
	)
	for empty < e.cfg.EmptyBatches {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		batch, err := e.mints.Restore(ctx, mint, ecash.RestoreRequest{
			KeysetID: keysetID, Seed: seed, From: cursor, Count: e.cfg.BatchSize,
		})
		if err != nil {
			return nil, 0, err
		}
		cursor += e.cfg.BatchSize
		if len(batch) == 0 {
			empty++
			continue
		}
		empty = 0
		for _, rp := range batch {
			found = append(found, rp.Proof)
			next = max(next, rp.Index+1)
		}
	}
	return found, next, nil
}

func (e *Engine) filterKnown(ctx context.Context, owner, mint string, proofs []ecash.Proof) ([]ecash.Proof, error) {
	if len(proofs) == 0 {
		return nil, nil
	}
	known, err := e.store.KnownSecrets(ctx, owner, mint)
	if err != nil {
		return nil, fmt.Errorf("known secrets: %w", err)
	}
	out := make([]ecash.Proof, 0, len(proofs))
	for _, p := range proofs {
		if _, ok := known[p.Secret]; ok {
			continue
		}
		known[p.Secret] = struct{}{}
		out = append(out, p)
	}
	return out, nil
}

func (e *Engine) filterUnspent(ctx context.Context, mint string, proofs []ecash.Proof) ([]ecash.Proof, error) {
	if len(proofs) == 0 {
		return nil, nil
	}
	states, err := e.mints.CheckState(ctx, mint, proofs)
	if err != nil {
		return nil, err
	}
	unspent := make(map[string]struct{}, len(states))
	for _, st := range states {
		if st.State == ecash.ProofUnspent {
			unspent[st.Secret] = struct{}{}
		}
	}
	out := make([]ecash.Proof, 0, len(proofs))
	for _, p := range proofs {
		if _, ok := unspent[p.Secret]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}
