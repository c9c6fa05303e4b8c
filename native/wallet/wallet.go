// Package wallet is the caller facing facade. It owns the identity session,
// serializes every ecash mutating operation through a single op queue and
// wires the split engine, credit ledger, delivery layer, payment router and
// restore engine together.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"cashrail/native/balance"
	"cashrail/native/credit"
	"cashrail/native/delivery"
	"cashrail/native/ecash"
	"cashrail/native/payments"
	"cashrail/native/restore"
	"cashrail/native/split"
	"cashrail/observability"
	"cashrail/observability/logging"
)

// Deps are the storage and network collaborators of a wallet.
type Deps struct {
	Tokens    ecash.TokenStore
	Credit    credit.Store
	Messages  delivery.MessageStore
	Pending   payments.PendingStore
	Journal   delivery.Journal
	Mints     ecash.MintClient
	Directory payments.MintDirectory
	Transport delivery.Transport
	Wrapper   delivery.Wrapper
	Signer    credit.Signer
	Verifier  credit.Verifier
}

// Config tunes the wallet.
type Config struct {
	Unit          string
	PreferredMint string
	AllowPromises bool
	PromiseTTL    time.Duration
	GlobalCap     int64
	Delivery      delivery.Config
	Restore       restore.Config
}

// Wallet is safe for concurrent use. Mutating operations run one at a time.
type Wallet struct {
	cfg       Config
	deps      Deps
	ops       *OpQueue
	engine    *split.Engine
	ledger    *credit.Ledger
	deliverer *delivery.Deliverer
	router    *payments.Router
	queue     *payments.Queue
	restorer  *restore.Engine
	logger    *slog.Logger
	clock     func() time.Time
	metrics   *observability.WalletMetrics

	mu      sync.RWMutex
	session *SessionContext
	online  bool

	background sync.WaitGroup
}

// Option customises a wallet.
type Option func(*Wallet)

// WithLogger sets the structured logger shared by every component.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Wallet) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(w *Wallet) {
		if clock != nil {
			w.clock = clock
		}
	}
}

// New assembles a wallet. It starts online with no identity; call
// SwitchIdentity before paying.
func New(deps Deps, cfg Config, opts ...Option) (*Wallet, error) {
	if deps.Tokens == nil || deps.Credit == nil || deps.Messages == nil || deps.Pending == nil {
		return nil, fmt.Errorf("wallet: token, credit, message and pending stores required")
	}
	if deps.Mints == nil || deps.Wrapper == nil || deps.Transport == nil {
		return nil, fmt.Errorf("wallet: mint client, wrapper and transport required")
	}
	w := &Wallet{
		cfg:     cfg,
		deps:    deps,
		logger:  slog.Default(),
		clock:   time.Now,
		metrics: observability.Wallet(),
		online:  true,
	}
	for _, opt := range opts {
		opt(w)
	}
	if strings.TrimSpace(w.cfg.Unit) == "" {
		w.cfg.Unit = ecash.DefaultUnit
	}

	locks := split.NewLocks()
	var err error
	w.engine, err = split.NewEngine(deps.Tokens, deps.Mints,
		split.WithLocks(locks), split.WithLogger(w.logger), split.WithClock(w.clock))
	if err != nil {
		return nil, err
	}
	ledgerOpts := []credit.Option{credit.WithLogger(w.logger), credit.WithClock(w.clock)}
	if deps.Verifier != nil {
		ledgerOpts = append(ledgerOpts, credit.WithVerifier(deps.Verifier))
	}
	if cfg.PromiseTTL > 0 {
		ledgerOpts = append(ledgerOpts, credit.WithTTL(cfg.PromiseTTL))
	}
	if cfg.GlobalCap > 0 {
		ledgerOpts = append(ledgerOpts, credit.WithGlobalCap(cfg.GlobalCap))
	}
	w.ledger, err = credit.NewLedger(deps.Credit, deps.Signer, ledgerOpts...)
	if err != nil {
		return nil, err
	}
	w.deliverer, err = delivery.NewDeliverer(deps.Messages, deps.Wrapper, deps.Transport, cfg.Delivery,
		delivery.WithLogger(w.logger), delivery.WithClock(w.clock))
	if err != nil {
		return nil, err
	}
	routerOpts := []payments.Option{payments.WithLogger(w.logger), payments.WithClock(w.clock)}
	if deps.Directory != nil {
		routerOpts = append(routerOpts, payments.WithMintDirectory(deps.Directory))
	}
	w.router, err = payments.NewRouter(deps.Tokens, w.engine, w.ledger, w.deliverer, deps.Pending, routerOpts...)
	if err != nil {
		return nil, err
	}
	w.queue = payments.NewQueue(w.router)
	w.restorer, err = restore.NewEngine(deps.Tokens, deps.Mints,
		restore.WithLocks(locks), restore.WithConfig(cfg.Restore),
		restore.WithLogger(w.logger), restore.WithClock(w.clock))
	if err != nil {
		return nil, err
	}
	w.ops = NewOpQueue(w.logger)
	return w, nil
}

// Close tears down the session, waits for background receives and stops the
// op queue.
func (w *Wallet) Close() {
	w.mu.Lock()
	if w.session != nil {
		w.session.close()
		w.session = nil
	}
	w.mu.Unlock()
	w.background.Wait()
	w.ops.Close()
}

// Session returns the active session or ErrNoIdentity.
func (w *Wallet) Session() (*SessionContext, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.session == nil {
		return nil, ErrNoIdentity
	}
	return w.session, nil
}

// IdentityReady reports whether an identity session is active.
func (w *Wallet) IdentityReady() bool {
	_, err := w.Session()
	return err == nil
}

// Online reports the connectivity flag.
func (w *Wallet) Online() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.online
}

// SwitchIdentity tears down the current session and starts one for id. The
// new session's inbox is seeded from history, subscribed to the transport
// and the offline queue is flushed.
func (w *Wallet) SwitchIdentity(ctx context.Context, id Identity) (payments.FlushReport, error) {
	if strings.TrimSpace(id.Owner) == "" || strings.TrimSpace(id.PubKey) == "" {
		return payments.FlushReport{}, fmt.Errorf("wallet: owner and public key required")
	}
	var report payments.FlushReport
	err := w.ops.Run(ctx, "switch_identity", func(ctx context.Context) error {
		w.mu.Lock()
		if w.session != nil {
			w.session.close()
			w.session = nil
		}
		w.mu.Unlock()

		sess := newSession(id)
		sess.inbox = delivery.NewInbox(sess.Owner, sess.PubKey, w.deps.Messages, w.deps.Wrapper,
			w.deps.Journal, w.deliverer.Acks(), w.onMessage(sess))
		sess.inbox.SetLogger(w.logger)
		if err := sess.inbox.Seed(ctx); err != nil {
			return err
		}
		listenCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		sess.cancel = cancel
		stop, err := sess.inbox.Listen(listenCtx, w.deps.Transport, w.cfg.Delivery.Relays, 0)
		if err != nil {
			// Listening resumes on the next switch; paying and queueing still work.
			w.logger.Warn("wallet: inbox subscription failed", slog.String("owner", sess.Owner), slog.Any("error", err))
		} else {
			sess.stop = stop
		}

		w.mu.Lock()
		w.session = sess
		w.mu.Unlock()
		w.logger.Info("wallet: identity ready", slog.String("owner", sess.Owner))

		report, err = w.flush(ctx, sess)
		return err
	})
	return report, err
}

// SetOnline updates connectivity. Going online flushes the offline queue
// through the op queue.
func (w *Wallet) SetOnline(ctx context.Context, online bool) (payments.FlushReport, error) {
	w.mu.Lock()
	was := w.online
	w.online = online
	w.mu.Unlock()
	w.router.SetOnline(online)
	if !online || was {
		return payments.FlushReport{}, nil
	}
	w.logger.Info("wallet: back online")
	return w.Flush(ctx)
}

// Flush retries queued payments and undelivered payloads.
func (w *Wallet) Flush(ctx context.Context) (payments.FlushReport, error) {
	var report payments.FlushReport
	err := w.withSession(ctx, "flush", func(ctx context.Context, sess *SessionContext) error {
		var err error
		report, err = w.flush(ctx, sess)
		return err
	})
	return report, err
}

func (w *Wallet) flush(ctx context.Context, sess *SessionContext) (payments.FlushReport, error) {
	defer sess.invalidate()
	if claimed, err := w.engine.ClaimPending(ctx, sess.Owner, sess.seed); err != nil {
		w.logger.Debug("wallet: pending receives still unclaimed", slog.Any("error", err))
	} else if claimed > 0 {
		w.logger.Info("wallet: pending receives claimed", slog.Int("count", claimed))
	}
	return w.queue.Flush(ctx, payments.FlushRequest{Owner: sess.Owner, SelfPubKey: sess.PubKey, Seed: sess.seed})
}

// PayRequest is the caller facing payment request.
type PayRequest struct {
	ContactID     string
	ContactPubKey string
	Amount        int64
	// AllowPromise overrides Config.AllowPromises when set.
	AllowPromise  *bool
	PreferredMint string
}

// Pay pays a contact from credit, ecash and, when allowed, a new promise.
func (w *Wallet) Pay(ctx context.Context, req PayRequest) (payments.PayResult, error) {
	var res payments.PayResult
	err := w.withSession(ctx, "pay", func(ctx context.Context, sess *SessionContext) error {
		defer sess.invalidate()
		contactPub, err := delivery.NormalizePubKey(req.ContactPubKey)
		if err != nil {
			return fmt.Errorf("%w: %v", payments.ErrInvalidRequest, err)
		}
		allow := w.cfg.AllowPromises
		if req.AllowPromise != nil {
			allow = *req.AllowPromise
		}
		preferred := req.PreferredMint
		if preferred == "" {
			preferred = w.cfg.PreferredMint
		}
		res, err = w.router.Pay(ctx, payments.PayRequest{
			Owner:         sess.Owner,
			SelfPubKey:    sess.PubKey,
			ContactID:     req.ContactID,
			ContactPubKey: contactPub,
			Amount:        req.Amount,
			Unit:          w.cfg.Unit,
			AllowPromise:  allow,
			PreferredMint: preferred,
			Seed:          sess.seed,
		})
		return err
	})
	return res, err
}

// PayInvoice pays a lightning invoice from ecash.
func (w *Wallet) PayInvoice(ctx context.Context, invoice string) (payments.InvoiceResult, error) {
	var res payments.InvoiceResult
	err := w.withSession(ctx, "pay_invoice", func(ctx context.Context, sess *SessionContext) error {
		defer sess.invalidate()
		var err error
		res, err = w.router.PayInvoice(ctx, payments.InvoiceRequest{
			Owner:         sess.Owner,
			Invoice:       invoice,
			Unit:          w.cfg.Unit,
			PreferredMint: w.cfg.PreferredMint,
			Seed:          sess.seed,
		})
		return err
	})
	return res, err
}

// Receive claims an encoded bearer token.
func (w *Wallet) Receive(ctx context.Context, encoded string) (split.ReceiveResult, error) {
	var res split.ReceiveResult
	err := w.withSession(ctx, "receive", func(ctx context.Context, sess *SessionContext) error {
		defer sess.invalidate()
		var err error
		res, err = w.engine.Receive(ctx, sess.Owner, encoded, sess.seed)
		return err
	})
	return res, err
}

// Restore rescans the mints for proofs issued to the session seed. With no
// mints every mint the owner has held tokens at is scanned.
func (w *Wallet) Restore(ctx context.Context, mints ...string) (restore.Report, error) {
	var report restore.Report
	err := w.withSession(ctx, "restore", func(ctx context.Context, sess *SessionContext) error {
		defer sess.invalidate()
		var err error
		report, err = w.restorer.Restore(ctx, restore.Request{
			Owner: sess.Owner,
			Mints: mints,
			Unit:  w.cfg.Unit,
			Seed:  sess.seed,
		})
		return err
	})
	return report, err
}

// CheckToken asks the mint whether a stored token is still spendable.
func (w *Wallet) CheckToken(ctx context.Context, id string) (split.CheckResult, error) {
	var res split.CheckResult
	err := w.withSession(ctx, "check_token", func(ctx context.Context, sess *SessionContext) error {
		defer sess.invalidate()
		var err error
		res, err = w.engine.Check(ctx, sess.Owner, id)
		return err
	})
	return res, err
}

// Balances returns the spendable balance per mint.
func (w *Wallet) Balances(ctx context.Context) ([]balance.MintBalance, error) {
	sess, err := w.Session()
	if err != nil {
		return nil, err
	}
	if cached, ok := sess.cachedBalances(); ok {
		return cached, nil
	}
	tokens, err := w.deps.Tokens.ListTokens(ctx, sess.Owner, ecash.TokenFilter{States: []ecash.TokenState{ecash.StateAccepted}})
	if err != nil {
		return nil, fmt.Errorf("wallet: list tokens: %w", err)
	}
	balances := balance.Aggregate(tokens, w.cfg.Unit)
	for _, b := range balances {
		w.metrics.SetBalance(b.Mint, b.Amount)
	}
	sess.storeBalances(balances)
	out, _ := sess.cachedBalances()
	return out, nil
}

// Balance returns the total spendable balance.
func (w *Wallet) Balance(ctx context.Context) (int64, error) {
	balances, err := w.Balances(ctx)
	if err != nil {
		return 0, err
	}
	return balance.Total(balances), nil
}

// AvailableCredit returns what the counterparty still owes on unexpired
// promises they issued to us.
func (w *Wallet) AvailableCredit(ctx context.Context, counterparty string) (int64, error) {
	sess, err := w.Session()
	if err != nil {
		return 0, err
	}
	pub, err := delivery.NormalizePubKey(counterparty)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", payments.ErrInvalidRequest, err)
	}
	return w.ledger.Available(ctx, sess.Owner, pub, credit.DirectionIn, w.clock())
}

// Pending lists offline queue records for the session owner.
func (w *Wallet) Pending(ctx context.Context) ([]payments.PendingPayment, error) {
	sess, err := w.Session()
	if err != nil {
		return nil, err
	}
	return w.queue.Pending(ctx, sess.Owner)
}

// Promises lists the credit history of the session owner.
func (w *Wallet) Promises(ctx context.Context, filter credit.PromiseFilter) ([]credit.Promise, error) {
	sess, err := w.Session()
	if err != nil {
		return nil, err
	}
	return w.ledger.History(ctx, sess.Owner, filter)
}

// Messages lists conversation history of the session owner.
func (w *Wallet) Messages(ctx context.Context, filter delivery.MessageFilter) ([]delivery.Message, error) {
	sess, err := w.Session()
	if err != nil {
		return nil, err
	}
	return w.deps.Messages.ListMessages(ctx, sess.Owner, filter)
}

// SendText delivers a plain message to a contact.
func (w *Wallet) SendText(ctx context.Context, contactPubKey, text string) (delivery.Result, error) {
	sess, err := w.Session()
	if err != nil {
		return delivery.Result{}, err
	}
	pub, err := delivery.NormalizePubKey(contactPubKey)
	if err != nil {
		return delivery.Result{}, fmt.Errorf("%w: %v", payments.ErrInvalidRequest, err)
	}
	return w.deliverer.Send(ctx, delivery.Outgoing{
		Owner:         sess.Owner,
		SelfPubKey:    sess.PubKey,
		ContactID:     pub,
		ContactPubKey: pub,
		Content:       text,
	})
}

// WaitIdle blocks until incoming tokens handed to the background have been
// received.
func (w *Wallet) WaitIdle() { w.background.Wait() }

func (w *Wallet) withSession(ctx context.Context, name string, fn func(context.Context, *SessionContext) error) error {
	return w.ops.Run(ctx, name, func(ctx context.Context) error {
		sess, err := w.Session()
		if err != nil {
			return err
		}
		return fn(ctx, sess)
	})
}

// onMessage applies the local effect of payloads arriving for sess. Ecash is
// received through the op queue on a background goroutine since the inbox may
// be driven from inside a running operation.
func (w *Wallet) onMessage(sess *SessionContext) delivery.MessageHandler {
	return func(ctx context.Context, msg delivery.Message, payload ecash.ParsedPayload) {
		if msg.Direction != delivery.DirectionIn {
			return
		}
		logger := w.logger.With(slog.String("owner", sess.Owner), slog.String("message_id", msg.ID))
		switch payload.Kind {
		case ecash.PayloadEcash:
			w.background.Add(1)
			go func() {
				defer w.background.Done()
				w.receiveIncoming(sess, payload.Encoded, logger)
			}()
		case ecash.PayloadPromise:
			pm, err := credit.DecodePromise(payload.Raw)
			if err != nil {
				logger.Warn("wallet: malformed promise", slog.Any("error", err))
				return
			}
			direction := credit.DirectionIn
			if strings.EqualFold(pm.Issuer, sess.PubKey) {
				direction = credit.DirectionOut
			} else if !strings.EqualFold(pm.Recipient, sess.PubKey) {
				logger.Warn("wallet: promise not addressed to us", slog.String("promise_id", pm.PromiseID))
				return
			}
			if _, err := w.ledger.Observe(ctx, sess.Owner, pm, direction); err != nil {
				logger.Warn("wallet: promise rejected", slog.String("promise_id", pm.PromiseID), slog.Any("error", err))
			}
		case ecash.PayloadSettlement:
			sm, err := credit.DecodeSettlement(payload.Raw)
			if err != nil {
				logger.Warn("wallet: malformed settlement", slog.Any("error", err))
				return
			}
			if _, err := w.ledger.ApplyReceivedSettlement(ctx, sess.Owner, msg.ContactID, sm); err != nil {
				logger.Warn("wallet: settlement not applied", slog.String("promise_id", sm.PromiseID), slog.Any("error", err))
			}
		}
	}
}

func (w *Wallet) receiveIncoming(sess *SessionContext, encoded string, logger *slog.Logger) {
	ctx := context.Background()
	err := w.ops.Run(ctx, "receive_incoming", func(ctx context.Context) error {
		current, err := w.Session()
		if err != nil || current != sess {
			return ErrNoIdentity
		}
		defer sess.invalidate()
		res, err := w.engine.Receive(ctx, sess.Owner, encoded, sess.seed)
		if err != nil {
			return err
		}
		switch {
		case res.Duplicate:
			logger.Debug("wallet: incoming token already held")
		case res.Pending:
			logger.Info("wallet: incoming token parked until mint is reachable")
		case res.Token != nil:
			logger.Info("wallet: incoming token received", slog.Int64("amount", res.Token.Amount))
		}
		return nil
	})
	if err != nil && !errors.Is(err, ErrNoIdentity) && !errors.Is(err, ErrQueueClosed) {
		logger.Warn("wallet: incoming token rejected", logging.MaskField("token", encoded), slog.Any("error", err))
	}
}
