package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"cashrail/native/balance"
	"cashrail/native/credit"
	"cashrail/native/delivery"
	"cashrail/native/ecash"
	"cashrail/native/split"
	"cashrail/observability"
)

// PayRequest asks the router to pay a contact.
type PayRequest struct {
	Owner         string
	SelfPubKey    string
	ContactID     string
	ContactPubKey string
	Amount        int64
	Unit          string
	AllowPromise  bool
	PreferredMint string
	ReserveMint   string
	Seed          []byte
}

func (r PayRequest) validate() error {
	switch {
	case r.Amount <= 0:
		return fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	case strings.TrimSpace(r.Owner) == "":
		return fmt.Errorf("%w: owner required", ErrInvalidRequest)
	case strings.TrimSpace(r.ContactPubKey) == "":
		return fmt.Errorf("%w: contact public key required", ErrInvalidRequest)
	}
	return nil
}

func (r PayRequest) contactID() string {
	if r.ContactID != "" {
		return r.ContactID
	}
	return r.ContactPubKey
}

// PayResult reports what a payment attempt did.
type PayResult struct {
	Status        Status
	State         State
	Plan          Plan
	CreditApplied int64
	EcashSent     int64
	PromiseIssued int64
	PromiseID     string
	// Messages lists delivered message ids in send order.
	Messages []string
	// PendingIDs lists offline queue records left for this payment.
	PendingIDs []string
}

// Router funds payments from credit, ecash and new promises and hands the
// resulting payloads to the delivery layer.
type Router struct {
	tokens  ecash.TokenStore
	engine  Splitter
	ledger  CreditLedger
	sender  Sender
	pending PendingStore
	mints   MintDirectory

	online  atomic.Bool
	clock   func() time.Time
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *observability.WalletMetrics
}

// Option customises the router.
type Option func(*Router)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(r *Router) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMintDirectory supplies mint capabilities used for ranking.
func WithMintDirectory(mints MintDirectory) Option {
	return func(r *Router) {
		if mints != nil {
			r.mints = mints
		}
	}
}

// NewRouter wires the router. It starts online.
func NewRouter(tokens ecash.TokenStore, engine Splitter, ledger CreditLedger, sender Sender, pending PendingStore, opts ...Option) (*Router, error) {
	if tokens == nil || engine == nil || ledger == nil || sender == nil || pending == nil {
		return nil, fmt.Errorf("payments: tokens, engine, ledger, sender and pending store required")
	}
	r := &Router{
		tokens:  tokens,
		engine:  engine,
		ledger:  ledger,
		sender:  sender,
		pending: pending,
		mints:   StaticMints(nil),
		clock:   time.Now,
		logger:  slog.Default(),
		tracer:  otel.Tracer("wallet/payments"),
		metrics: observability.Wallet(),
	}
	r.online.Store(true)
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// SetOnline records network reachability.
func (r *Router) SetOnline(online bool) { r.online.Store(online) }

// Online reports the last recorded reachability.
func (r *Router) Online() bool { return r.online.Load() }

// Pay runs one payment attempt. Offline attempts are queued without touching
// mint state. Undelivered payloads leave the payment queued, never failed.
func (r *Router) Pay(ctx context.Context, req PayRequest) (PayResult, error) {
	started := r.clock()
	ctx, span := r.tracer.Start(ctx, "payments.pay",
		trace.WithAttributes(attribute.Int64("amount", req.Amount), attribute.Bool("allow_promise", req.AllowPromise)))
	defer span.End()

	var (
		res PayResult
		err error
	)
	if verr := req.validate(); verr != nil {
		res, err = PayResult{Status: StatusFailed, State: StateFailed}, verr
	} else if !r.Online() {
		res, err = r.queuePayment(ctx, req)
	} else {
		res, err = r.execute(ctx, req)
	}
	span.SetAttributes(attribute.String("state", string(res.State)), attribute.String("status", string(res.Status)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	r.metrics.ObservePayment(string(res.Status), r.clock().Sub(started))
	return res, err
}

func (r *Router) queuePayment(ctx context.Context, req PayRequest) (PayResult, error) {
	p := PendingPayment{
		ID:            uuid.NewString(),
		Owner:         req.Owner,
		Kind:          PendingPaymentAttempt,
		ContactID:     req.contactID(),
		ContactPubKey: req.ContactPubKey,
		AmountSat:     req.Amount,
		Unit:          unitOf(req.Unit),
		AllowPromise:  req.AllowPromise,
		PreferredMint: req.PreferredMint,
		CreatedAt:     r.clock().UTC(),
	}
	if err := r.pending.Put(ctx, p); err != nil {
		return PayResult{Status: StatusFailed, State: StateFailed}, fmt.Errorf("payments: queue payment: %w", err)
	}
	r.logger.Info("wallet/payments: offline, payment queued",
		slog.String("owner", req.Owner), slog.String("pending_id", p.ID), slog.Int64("amount", req.Amount))
	r.updateQueueDepth(ctx, req.Owner)
	return PayResult{Status: StatusQueued, State: StateQueued, PendingIDs: []string{p.ID}}, nil
}

type payload struct {
	kind      PendingKind
	content   string
	amount    int64
	tokenID   string
	promiseID string
	settledAt int64
}

func (r *Router) execute(ctx context.Context, req PayRequest) (PayResult, error) {
	res := PayResult{Status: StatusFailed, State: StateStart}
	unit := unitOf(req.Unit)
	now := r.clock()

	holds, err := r.heldSettlements(ctx, req.Owner)
	if err != nil {
		return r.failed(res, err)
	}
	available, err := r.ledger.Drawable(ctx, req.Owner, req.ContactPubKey, holds, now)
	if err != nil {
		return r.failed(res, fmt.Errorf("payments: available credit: %w", err))
	}
	tokens, err := r.tokens.ListTokens(ctx, req.Owner, ecash.TokenFilter{
		Unit: unit, States: []ecash.TokenState{ecash.StateAccepted},
	})
	if err != nil {
		return r.failed(res, fmt.Errorf("payments: list tokens: %w", err))
	}
	balances := balance.Aggregate(tokens, unit)
	plan := PlanPayment(req.Amount, available, balance.Total(balances))
	res.Plan = plan

	if plan.Promise > 0 {
		if !req.AllowPromise {
			return r.failed(res, fmt.Errorf("%w: short by %d %s", ErrInsufficientFunds, plan.Promise, unit))
		}
		ok, err := r.ledger.AllowPromise(ctx, req.Owner, plan.Promise, now)
		if err != nil {
			return r.failed(res, fmt.Errorf("payments: promise cap: %w", err))
		}
		if !ok {
			return r.failed(res, fmt.Errorf("%w: promise of %d %s", ErrPromiseCapExceeded, plan.Promise, unit))
		}
	}
	draws, err := r.ledger.PlanDraw(ctx, req.Owner, req.ContactPubKey, plan.Credit, holds, now)
	if err != nil {
		return r.failed(res, fmt.Errorf("payments: plan credit draw: %w", err))
	}
	res.State = StateCreditApplied

	sent, err := r.sendEcash(ctx, req, unit, balances, plan.Ecash)
	if err != nil {
		return r.failed(res, err)
	}
	res.State = StateEcashSwapped

	// Past this point funds are committed; the attempt is not cancellable.
	ctx = context.WithoutCancel(ctx)

	payloads := make([]payload, 0, len(sent)+len(draws)+1)
	for _, tok := range sent {
		res.EcashSent += tok.Amount
		payloads = append(payloads, payload{kind: PendingEcash, content: tok.Payload, amount: tok.Amount, tokenID: tok.ID})
	}
	for _, d := range draws {
		msg := r.ledger.SettlementFor(d)
		content, err := msg.Encode()
		if err != nil {
			r.release(ctx, req.Owner, sent)
			return r.failed(res, fmt.Errorf("payments: encode settlement: %w", err))
		}
		payloads = append(payloads, payload{
			kind: PendingSettlement, content: content, amount: d.Amount, promiseID: d.PromiseID, settledAt: msg.SettledAt,
		})
	}
	if plan.Promise > 0 {
		promise, msg, err := r.ledger.Issue(ctx, credit.IssueRequest{
			Owner:     req.Owner,
			Issuer:    req.SelfPubKey,
			Recipient: req.ContactPubKey,
			Amount:    plan.Promise,
			Unit:      unit,
		})
		if err != nil {
			r.release(ctx, req.Owner, sent)
			return r.failed(res, fmt.Errorf("payments: issue promise: %w", err))
		}
		content, err := msg.Encode()
		if err != nil {
			r.release(ctx, req.Owner, sent)
			return r.failed(res, fmt.Errorf("payments: encode promise: %w", err))
		}
		res.PromiseIssued = promise.Amount
		res.PromiseID = promise.ID
		res.State = StatePromiseIssued
		payloads = append(payloads, payload{kind: PendingPromise, content: content, amount: promise.Amount, promiseID: promise.ID})
	}

	res.State = StateDelivering
	for _, p := range payloads {
		out, err := r.sender.Send(ctx, delivery.Outgoing{
			Owner:         req.Owner,
			SelfPubKey:    req.SelfPubKey,
			ContactID:     req.contactID(),
			ContactPubKey: req.ContactPubKey,
			Content:       p.content,
		})
		if err == nil && out.Delivered {
			res.Messages = append(res.Messages, out.Message.ID)
			res.CreditApplied += r.settle(ctx, req.Owner, p)
			continue
		}
		r.logger.Warn("wallet/payments: payload undelivered, queued",
			slog.String("owner", req.Owner), slog.String("kind", string(p.kind)), slog.Any("error", err))
		pending := PendingPayment{
			ID:            uuid.NewString(),
			Owner:         req.Owner,
			Kind:          p.kind,
			ContactID:     req.contactID(),
			ContactPubKey: req.ContactPubKey,
			AmountSat:     p.amount,
			Unit:          unit,
			MessageIDRef:  out.Message.ID,
			Content:       p.content,
			TokenID:       p.tokenID,
			PromiseID:     p.promiseID,
			SettledAt:     p.settledAt,
			CreatedAt:     r.clock().UTC(),
		}
		if perr := r.pending.Put(ctx, pending); perr != nil {
			return r.failed(res, fmt.Errorf("payments: queue undelivered payload: %w", perr))
		}
		res.PendingIDs = append(res.PendingIDs, pending.ID)
	}

	if len(res.PendingIDs) == 0 {
		res.Status, res.State = StatusConfirmed, StateConfirmed
	} else {
		res.Status, res.State = StatusQueued, StateQueued
		r.updateQueueDepth(ctx, req.Owner)
	}
	r.logger.Info("wallet/payments: payment processed",
		slog.String("owner", req.Owner),
		slog.String("outcome", string(res.Status)),
		slog.Int64("credit", res.CreditApplied),
		slog.Int64("ecash", res.EcashSent),
		slog.Int64("promise", res.PromiseIssued))
	return res, nil
}

// sendEcash produces send tokens worth exactly amount across ranked mints.
// Failures before a swap move on to the next mint; a failure after a swap
// ends the attempt. Send tokens from earlier mints are released on failure.
func (r *Router) sendEcash(ctx context.Context, req PayRequest, unit string, balances []balance.MintBalance, amount int64) ([]ecash.Token, error) {
	if amount <= 0 {
		return nil, nil
	}
	candidates := balance.RankCandidates(balances, r.mintInfos(ctx), balance.RankOptions{
		PreferredMint: req.PreferredMint,
		ReserveMint:   req.ReserveMint,
	})
	var (
		sent      []ecash.Token
		remaining = amount
		lastErr   error
	)
	for _, c := range candidates {
		if remaining == 0 {
			break
		}
		take := min(c.Amount, remaining)
		out, err := r.engine.Split(ctx, split.SplitRequest{
			Owner: req.Owner, Mint: c.Mint, Unit: unit, Amount: take, Seed: req.Seed,
		})
		if err != nil {
			if errors.Is(err, split.ErrPostSwapFailure) {
				r.release(context.WithoutCancel(ctx), req.Owner, sent)
				return nil, err
			}
			r.logger.Info("wallet/payments: mint skipped",
				slog.String("mint", c.Mint), slog.Any("error", err))
			lastErr = err
			continue
		}
		if out.Send == nil {
			lastErr = split.ErrMergedInstead
			continue
		}
		sent = append(sent, *out.Send)
		remaining -= out.Send.Amount
	}
	if remaining > 0 {
		r.release(ctx, req.Owner, sent)
		if lastErr == nil {
			lastErr = fmt.Errorf("%w: %d %s short after all mints", ErrInsufficientFunds, remaining, unit)
		}
		return nil, classify(lastErr)
	}
	return sent, nil
}

// settle applies the local effect of a delivered payload and returns the
// credit it drew down.
func (r *Router) settle(ctx context.Context, owner string, p payload) int64 {
	switch p.kind {
	case PendingEcash:
		if err := r.engine.MarkSpent(ctx, owner, p.tokenID); err != nil {
			r.logger.Warn("wallet/payments: mark send token spent",
				slog.String("token_id", p.tokenID), slog.Any("error", err))
		}
	case PendingSettlement:
		if _, err := r.ledger.ApplySettlement(ctx, owner, p.promiseID, p.amount, p.settledAt); err != nil {
			r.logger.Warn("wallet/payments: apply settlement",
				slog.String("promise_id", p.promiseID), slog.Any("error", err))
			return 0
		}
		return p.amount
	}
	return 0
}

// heldSettlements totals queued settlement payloads per promise. Their
// draw-down is applied on delivery, so until then they reserve the credit.
func (r *Router) heldSettlements(ctx context.Context, owner string) (credit.Holds, error) {
	items, err := r.pending.List(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("payments: list pending: %w", err)
	}
	holds := credit.Holds{}
	for _, item := range items {
		if item.Kind == PendingSettlement && item.PromiseID != "" {
			holds[item.PromiseID] += item.AmountSat
		}
	}
	return holds, nil
}

func (r *Router) release(ctx context.Context, owner string, sent []ecash.Token) {
	if len(sent) == 0 {
		return
	}
	ids := make([]string, 0, len(sent))
	for _, tok := range sent {
		ids = append(ids, tok.ID)
	}
	if err := r.engine.Unreserve(ctx, owner, ids...); err != nil {
		r.logger.Warn("wallet/payments: release send tokens", slog.Any("error", err))
	}
}

func (r *Router) failed(res PayResult, err error) (PayResult, error) {
	res.Status = StatusFailed
	return res, classify(err)
}

func (r *Router) mintInfos(ctx context.Context) map[string]ecash.MintInfo {
	infos, err := r.mints.MintInfos(ctx)
	if err != nil {
		r.logger.Warn("wallet/payments: mint directory unavailable", slog.Any("error", err))
		return nil
	}
	return infos
}

func (r *Router) updateQueueDepth(ctx context.Context, owner string) {
	items, err := r.pending.List(ctx, owner)
	if err != nil {
		return
	}
	r.metrics.SetOfflineQueue(len(items))
}

func unitOf(unit string) string {
	if u := strings.TrimSpace(unit); u != "" {
		return u
	}
	return ecash.DefaultUnit
}
