package credit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"cashrail/native/ecash"
)

const (
	// DefaultTTL bounds how long an issued promise counts toward availability.
	DefaultTTL = 7 * 24 * time.Hour
	// DefaultGlobalCap limits the total unsettled value of outgoing promises.
	DefaultGlobalCap int64 = 100_000
)

// Ledger issues, observes and settles promises. All state lives in the Store;
// the ledger recomputes availability from fresh reads.
type Ledger struct {
	store    Store
	signer   Signer
	verifier Verifier
	clock    func() time.Time
	logger   *slog.Logger
	ttl      time.Duration
	cap      int64
}

// Option customises the ledger.
type Option func(*Ledger)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(l *Ledger) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithVerifier enables signature checks on observed promises.
func WithVerifier(v Verifier) Option {
	return func(l *Ledger) { l.verifier = v }
}

// WithTTL sets the default promise lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(l *Ledger) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// WithGlobalCap sets the outstanding issued promise ceiling.
func WithGlobalCap(limit int64) Option {
	return func(l *Ledger) {
		if limit > 0 {
			l.cap = limit
		}
	}
}

// NewLedger constructs a ledger backed by store. signer may be nil, in which
// case issued promises are unsigned.
func NewLedger(store Store, signer Signer, opts ...Option) (*Ledger, error) {
	if store == nil {
		return nil, fmt.Errorf("credit: store required")
	}
	l := &Ledger{
		store:  store,
		signer: signer,
		clock:  time.Now,
		logger: slog.Default(),
		ttl:    DefaultTTL,
		cap:    DefaultGlobalCap,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// GlobalCap returns the configured outstanding promise ceiling.
func (l *Ledger) GlobalCap() int64 { return l.cap }

// IssueRequest describes a new outgoing promise.
type IssueRequest struct {
	Owner     string
	Issuer    string
	Recipient string
	Amount    int64
	Unit      string
	TTL       time.Duration
}

// Issue records an outgoing promise and returns the signed message announcing
// it to the recipient.
func (l *Ledger) Issue(ctx context.Context, req IssueRequest) (Promise, PromiseMessage, error) {
	if req.Amount <= 0 {
		return Promise{}, PromiseMessage{}, fmt.Errorf("%w: amount must be positive", ErrInvalidPromise)
	}
	if strings.TrimSpace(req.Issuer) == "" || strings.TrimSpace(req.Recipient) == "" {
		return Promise{}, PromiseMessage{}, fmt.Errorf("%w: issuer and recipient required", ErrInvalidPromise)
	}
	unit := strings.TrimSpace(req.Unit)
	if unit == "" {
		unit = ecash.DefaultUnit
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = l.ttl
	}
	now := l.clock().UTC().Truncate(time.Second)
	promise := Promise{
		ID:        uuid.NewString(),
		Owner:     req.Owner,
		Issuer:    req.Issuer,
		Recipient: req.Recipient,
		Amount:    req.Amount,
		Unit:      unit,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		Direction: DirectionOut,
	}
	msg := PromiseMessage{
		Type:      TypePromise,
		PromiseID: promise.ID,
		Issuer:    promise.Issuer,
		Recipient: promise.Recipient,
		Amount:    promise.Amount,
		Unit:      promise.Unit,
		CreatedAt: promise.CreatedAt.Unix(),
		ExpiresAt: promise.ExpiresAt.Unix(),
	}
	if l.signer != nil {
		payload, err := msg.SigningBytes()
		if err != nil {
			return Promise{}, PromiseMessage{}, fmt.Errorf("credit: encode promise: %w", err)
		}
		sig, err := l.signer.Sign(ctx, payload)
		if err != nil {
			return Promise{}, PromiseMessage{}, fmt.Errorf("credit: sign promise: %w", err)
		}
		msg.Signature = sig
	}
	if _, err := l.store.InsertPromise(ctx, promise); err != nil {
		return Promise{}, PromiseMessage{}, fmt.Errorf("credit: persist promise: %w", err)
	}
	l.logger.Info("credit: promise issued",
		slog.String("promise_id", promise.ID),
		slog.String("recipient", promise.Recipient),
		slog.Int64("amount", promise.Amount))
	return promise, msg, nil
}

// DecodePromise parses a promise message payload.
func DecodePromise(raw []byte) (PromiseMessage, error) {
	var msg PromiseMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return PromiseMessage{}, fmt.Errorf("%w: %v", ErrInvalidPromise, err)
	}
	if msg.Type != TypePromise || msg.PromiseID == "" || msg.Amount <= 0 {
		return PromiseMessage{}, fmt.Errorf("%w: incomplete promise message", ErrInvalidPromise)
	}
	return msg, nil
}

// DecodeSettlement parses a settlement message payload.
func DecodeSettlement(raw []byte) (SettlementMessage, error) {
	var msg SettlementMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return SettlementMessage{}, fmt.Errorf("%w: %v", ErrInvalidPromise, err)
	}
	if msg.Type != TypeSettlement || msg.PromiseID == "" || msg.Amount <= 0 {
		return SettlementMessage{}, fmt.Errorf("%w: incomplete settlement message", ErrInvalidPromise)
	}
	return msg, nil
}

// Observe records a promise seen on the wire. A promise id already known to
// the owner is a no-op and reports false.
func (l *Ledger) Observe(ctx context.Context, owner string, msg PromiseMessage, direction Direction) (bool, error) {
	if msg.PromiseID == "" || msg.Amount <= 0 || msg.ExpiresAt <= msg.CreatedAt {
		return false, fmt.Errorf("%w: malformed promise %q", ErrInvalidPromise, msg.PromiseID)
	}
	if direction != DirectionIn && direction != DirectionOut {
		return false, fmt.Errorf("%w: unknown direction %q", ErrInvalidPromise, direction)
	}
	if l.verifier != nil {
		payload, err := msg.SigningBytes()
		if err != nil {
			return false, fmt.Errorf("credit: encode promise: %w", err)
		}
		if err := l.verifier.Verify(ctx, msg.Issuer, payload, msg.Signature); err != nil {
			return false, fmt.Errorf("%w: %v", ErrBadSignature, err)
		}
	}
	unit := msg.Unit
	if unit == "" {
		unit = ecash.DefaultUnit
	}
	promise := Promise{
		ID:        msg.PromiseID,
		Owner:     owner,
		Issuer:    msg.Issuer,
		Recipient: msg.Recipient,
		Amount:    msg.Amount,
		Unit:      unit,
		CreatedAt: time.Unix(msg.CreatedAt, 0).UTC(),
		ExpiresAt: time.Unix(msg.ExpiresAt, 0).UTC(),
		Direction: direction,
	}
	inserted, err := l.store.InsertPromise(ctx, promise)
	if err != nil {
		return false, fmt.Errorf("credit: persist promise: %w", err)
	}
	if !inserted {
		l.logger.Debug("credit: duplicate promise ignored", slog.String("promise_id", msg.PromiseID))
	}
	return inserted, nil
}

// ApplySettlement raises the settled amount of a promise. Settlement is
// monotonic and clamped to the promise amount, so replays and over-settlement
// are absorbed rather than rejected. The updated promise is returned.
func (l *Ledger) ApplySettlement(ctx context.Context, owner, promiseID string, amount, settledAtSec int64) (Promise, error) {
	if amount <= 0 {
		return Promise{}, fmt.Errorf("%w: settlement amount must be positive", ErrInvalidPromise)
	}
	promise, err := l.store.GetPromise(ctx, owner, promiseID)
	if err != nil {
		return Promise{}, err
	}
	settled := promise.SettledAmount + amount
	if settled > promise.Amount {
		settled = promise.Amount
	}
	if settled == promise.SettledAmount {
		return promise, nil
	}
	at := l.clock().UTC()
	if settledAtSec > 0 {
		at = time.Unix(settledAtSec, 0).UTC()
	}
	if err := l.store.UpdateSettlement(ctx, owner, promiseID, settled, at); err != nil {
		return Promise{}, fmt.Errorf("credit: persist settlement: %w", err)
	}
	promise.SettledAmount = settled
	promise.SettledAt = &at
	return promise, nil
}

// ApplyReceivedSettlement applies a settlement that arrived from
// counterparty. Only the recipient of a promise we issued may settle it.
func (l *Ledger) ApplyReceivedSettlement(ctx context.Context, owner, counterparty string, msg SettlementMessage) (Promise, error) {
	promise, err := l.store.GetPromise(ctx, owner, msg.PromiseID)
	if err != nil {
		return Promise{}, err
	}
	if promise.Direction != DirectionOut || !strings.EqualFold(promise.Recipient, counterparty) {
		return Promise{}, fmt.Errorf("%w: settlement for %s from %s", ErrNotParticipant, msg.PromiseID, counterparty)
	}
	return l.ApplySettlement(ctx, owner, msg.PromiseID, msg.Amount, msg.SettledAt)
}

// Available sums the unsettled balance of unexpired promises with the
// counterparty. For DirectionIn the counterparty is the issuer; for
// DirectionOut the recipient.
func (l *Ledger) Available(ctx context.Context, owner, counterparty string, direction Direction, now time.Time) (int64, error) {
	promises, err := l.open(ctx, owner, counterparty, direction, now)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, p := range promises {
		total += p.Remaining()
	}
	return total, nil
}

// Holds maps promise ids to settlement value committed to queued messages
// that have not been delivered yet. Held value is never drawn twice.
type Holds map[string]int64

func (h Holds) remaining(p Promise) int64 {
	return max(p.Remaining()-h[p.ID], 0)
}

// Drawable sums the incoming credit from counterparty that is neither settled
// nor held by a queued settlement.
func (l *Ledger) Drawable(ctx context.Context, owner, counterparty string, holds Holds, now time.Time) (int64, error) {
	promises, err := l.open(ctx, owner, counterparty, DirectionIn, now)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, p := range promises {
		total += holds.remaining(p)
	}
	return total, nil
}

// PlanDraw selects incoming promises from counterparty to cover up to amount,
// oldest expiry first, skipping held value. Nothing is persisted.
func (l *Ledger) PlanDraw(ctx context.Context, owner, counterparty string, amount int64, holds Holds, now time.Time) ([]Draw, error) {
	if amount <= 0 {
		return nil, nil
	}
	promises, err := l.open(ctx, owner, counterparty, DirectionIn, now)
	if err != nil {
		return nil, err
	}
	var draws []Draw
	remaining := amount
	for _, p := range promises {
		if remaining == 0 {
			break
		}
		take := min(holds.remaining(p), remaining)
		if take <= 0 {
			continue
		}
		draws = append(draws, Draw{PromiseID: p.ID, Amount: take})
		remaining -= take
	}
	return draws, nil
}

// SettlementFor builds the wire message for a planned draw.
func (l *Ledger) SettlementFor(d Draw) SettlementMessage {
	return SettlementMessage{
		Type:      TypeSettlement,
		PromiseID: d.PromiseID,
		Amount:    d.Amount,
		SettledAt: l.clock().UTC().Unix(),
	}
}

// OutstandingIssued totals the unsettled value of unexpired outgoing promises
// across all counterparties.
func (l *Ledger) OutstandingIssued(ctx context.Context, owner string, now time.Time) (int64, error) {
	promises, err := l.store.ListPromises(ctx, owner, PromiseFilter{Direction: DirectionOut})
	if err != nil {
		return 0, fmt.Errorf("credit: list promises: %w", err)
	}
	var total int64
	for _, p := range promises {
		if p.Expired(now) {
			continue
		}
		total += p.Remaining()
	}
	return total, nil
}

// AllowPromise reports whether issuing amount keeps outgoing promises within
// the global cap.
func (l *Ledger) AllowPromise(ctx context.Context, owner string, amount int64, now time.Time) (bool, error) {
	outstanding, err := l.OutstandingIssued(ctx, owner, now)
	if err != nil {
		return false, err
	}
	return outstanding+amount <= l.cap, nil
}

// History lists every promise for owner, newest first, including settled and
// expired ones.
func (l *Ledger) History(ctx context.Context, owner string, filter PromiseFilter) ([]Promise, error) {
	promises, err := l.store.ListPromises(ctx, owner, filter)
	if err != nil {
		return nil, fmt.Errorf("credit: list promises: %w", err)
	}
	sort.SliceStable(promises, func(i, j int) bool {
		return promises[i].CreatedAt.After(promises[j].CreatedAt)
	})
	return promises, nil
}

func (l *Ledger) open(ctx context.Context, owner, counterparty string, direction Direction, now time.Time) ([]Promise, error) {
	promises, err := l.store.ListPromises(ctx, owner, PromiseFilter{Direction: direction, Counterparty: counterparty})
	if err != nil {
		return nil, fmt.Errorf("credit: list promises: %w", err)
	}
	out := promises[:0]
	for _, p := range promises {
		if p.Direction != direction || p.Expired(now) || p.Remaining() == 0 {
			continue
		}
		if counterparty != "" && p.Counterparty() != counterparty {
			continue
		}
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].ExpiresAt.Equal(out[j].ExpiresAt) {
			return out[i].ExpiresAt.Before(out[j].ExpiresAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
