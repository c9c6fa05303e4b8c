package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"cashrail/observability"
)

// Config tunes publish behaviour.
type Config struct {
	Relays         []string
	PublishTimeout time.Duration
	RetryBackoff   time.Duration
	ConfirmWindow  time.Duration
}

const (
	defaultPublishTimeout = 10 * time.Second
	defaultRetryBackoff   = 1500 * time.Millisecond
	defaultConfirmWindow  = 5 * time.Second
)

func (c Config) withDefaults() Config {
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = defaultPublishTimeout
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = defaultRetryBackoff
	}
	if c.ConfirmWindow <= 0 {
		c.ConfirmWindow = defaultConfirmWindow
	}
	return c
}

// Outgoing describes a message to deliver.
type Outgoing struct {
	Owner         string
	SelfPubKey    string
	ContactID     string
	ContactPubKey string
	Content       string
	LocalOnly     bool
}

// Result reports a delivery attempt. Delivered is set when either copy
// reached a relay or the counterpart acknowledged it.
type Result struct {
	Message   Message
	Delivered bool
	WrapID    string
	SelfErr   error
	PeerErr   error
}

// Deliverer publishes messages with retry and confirmation.
type Deliverer struct {
	store     MessageStore
	wrapper   Wrapper
	transport Transport
	acks      *AckRegistry
	cfg       Config
	clock     func() time.Time
	logger    *slog.Logger
	tracer    trace.Tracer
	metrics   *observability.WalletMetrics
}

// Option customises the deliverer.
type Option func(*Deliverer)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(d *Deliverer) {
		if clock != nil {
			d.clock = clock
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Deliverer) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithAckRegistry shares the acknowledgement registry with an Inbox.
func WithAckRegistry(acks *AckRegistry) Option {
	return func(d *Deliverer) {
		if acks != nil {
			d.acks = acks
		}
	}
}

// NewDeliverer constructs a deliverer.
func NewDeliverer(store MessageStore, wrapper Wrapper, transport Transport, cfg Config, opts ...Option) (*Deliverer, error) {
	if store == nil || wrapper == nil || transport == nil {
		return nil, fmt.Errorf("delivery: store, wrapper and transport required")
	}
	d := &Deliverer{
		store:     store,
		wrapper:   wrapper,
		transport: transport,
		acks:      NewAckRegistry(),
		cfg:       cfg.withDefaults(),
		clock:     time.Now,
		logger:    slog.Default(),
		tracer:    otel.Tracer("wallet/delivery"),
		metrics:   observability.Wallet(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Acks exposes the acknowledgement registry.
func (d *Deliverer) Acks() *AckRegistry { return d.acks }

// Send persists a pending message with a fresh client id and publishes it.
// A failed delivery returns ErrDeliveryFailed with the message left pending
// for Resend.
func (d *Deliverer) Send(ctx context.Context, out Outgoing) (Result, error) {
	msg := Message{
		ID:        uuid.NewString(),
		Owner:     out.Owner,
		ContactID: out.ContactID,
		Direction: DirectionOut,
		Content:   out.Content,
		ClientID:  uuid.NewString(),
		Status:    StatusPending,
		LocalOnly: out.LocalOnly,
		CreatedAt: d.clock().UTC().Truncate(time.Second),
	}
	if err := d.store.InsertMessage(ctx, msg); err != nil {
		return Result{}, fmt.Errorf("delivery: persist message: %w", err)
	}
	if out.LocalOnly {
		if _, err := d.store.MarkSent(ctx, msg.Owner, msg.ID, ""); err != nil {
			return Result{Message: msg}, fmt.Errorf("delivery: mark local message: %w", err)
		}
		msg.Status = StatusSent
		return Result{Message: msg, Delivered: true}, nil
	}
	return d.publish(ctx, msg, out.SelfPubKey, out.ContactPubKey)
}

// Resend republishes a pending message with its original client id. Sent
// messages are reported as delivered without publishing.
func (d *Deliverer) Resend(ctx context.Context, owner, messageID, selfPubKey, contactPubKey string) (Result, error) {
	msg, err := d.store.GetMessage(ctx, owner, messageID)
	if err != nil {
		return Result{}, err
	}
	if msg.Status == StatusSent {
		return Result{Message: msg, Delivered: true, WrapID: msg.WrapID}, nil
	}
	return d.publish(ctx, msg, selfPubKey, contactPubKey)
}

func (d *Deliverer) publish(ctx context.Context, msg Message, selfPub, peerPub string) (Result, error) {
	ctx, span := d.tracer.Start(ctx, "delivery.publish",
		trace.WithAttributes(attribute.String("message.id", msg.ID), attribute.String("client.id", msg.ClientID)))
	defer span.End()

	acked := d.acks.Wait(msg.ClientID)
	defer d.acks.Forget(msg.ClientID)
	rumor := Rumor{
		ClientID:  msg.ClientID,
		From:      selfPub,
		To:        peerPub,
		Content:   msg.Content,
		CreatedAt: msg.CreatedAt.Unix(),
	}
	selfEnv, err := d.wrapper.Wrap(ctx, rumor, selfPub)
	if err != nil {
		return d.fail(span, msg, fmt.Errorf("%w: wrap self copy: %v", ErrDeliveryFailed, err))
	}
	peerEnv, err := d.wrapper.Wrap(ctx, rumor, peerPub)
	if err != nil {
		return d.fail(span, msg, fmt.Errorf("%w: wrap counterpart copy: %v", ErrDeliveryFailed, err))
	}

	var (
		wg      sync.WaitGroup
		selfErr error
		peerErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		selfErr = d.publishWithRetry(ctx, selfEnv, acked)
	}()
	go func() {
		defer wg.Done()
		peerErr = d.publishWithRetry(ctx, peerEnv, acked)
	}()
	wg.Wait()

	res := Result{Message: msg, SelfErr: selfErr, PeerErr: peerErr}
	switch {
	case peerErr == nil:
		res.WrapID = peerEnv.ID
	case selfErr == nil:
		res.WrapID = selfEnv.ID
	case isClosed(acked):
		res.WrapID = peerEnv.ID
	default:
		d.metrics.RecordDelivery("failed")
		err := fmt.Errorf("%w: %w", ErrDeliveryFailed, errors.Join(selfErr, peerErr))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.logger.Warn("wallet/delivery: message not delivered",
			slog.String("message_id", msg.ID), slog.Any("error", err))
		return res, err
	}

	// Persisting sent must survive caller cancellation once a relay has it.
	if _, err := d.store.MarkSent(context.WithoutCancel(ctx), msg.Owner, msg.ID, res.WrapID); err != nil {
		return res, fmt.Errorf("delivery: mark sent: %w", err)
	}
	res.Delivered = true
	res.Message.Status = StatusSent
	res.Message.WrapID = res.WrapID
	outcome := "delivered"
	if selfErr != nil || peerErr != nil {
		outcome = "partial"
	}
	d.metrics.RecordDelivery(outcome)
	return res, nil
}

func (d *Deliverer) fail(span trace.Span, msg Message, err error) (Result, error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	d.metrics.RecordDelivery("failed")
	return Result{Message: msg}, err
}

// publishWithRetry publishes once, retries once after a backoff when the
// failure was a timeout, and then looks the envelope up by id in case it
// landed anyway. Hard rejections are returned immediately.
func (d *Deliverer) publishWithRetry(ctx context.Context, env Envelope, acked <-chan struct{}) error {
	err := d.publishOnce(ctx, env)
	if err == nil || !IsTimeout(err) {
		return err
	}
	d.metrics.RecordPublishRetry()
	select {
	case <-time.After(d.cfg.RetryBackoff):
	case <-acked:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	err = d.publishOnce(ctx, env)
	if err == nil || !IsTimeout(err) {
		return err
	}
	if d.confirm(ctx, env.ID, acked) {
		d.logger.Info("wallet/delivery: envelope confirmed by id after timeout", slog.String("wrap_id", env.ID))
		return nil
	}
	return err
}

func (d *Deliverer) publishOnce(ctx context.Context, env Envelope) error {
	if len(d.cfg.Relays) == 0 {
		return &PublishError{Kind: KindNoRelays, Err: errors.New("no relays configured")}
	}
	pctx, cancel := context.WithTimeout(ctx, d.cfg.PublishTimeout)
	defer cancel()
	results, err := d.transport.Publish(pctx, d.cfg.Relays, env)
	if err != nil && len(results) == 0 {
		if IsTimeout(err) {
			return &PublishError{Kind: KindTimeout, Err: err}
		}
		return &PublishError{Kind: KindRejected, Err: err}
	}
	return Outcome(results)
}

// confirm waits up to the confirmation window for the envelope to show up on
// a relay or for the counterpart to acknowledge the message.
func (d *Deliverer) confirm(ctx context.Context, envID string, acked <-chan struct{}) bool {
	if isClosed(acked) {
		return true
	}
	cctx, cancel := context.WithTimeout(ctx, d.cfg.ConfirmWindow)
	defer cancel()
	found := make(chan bool, 1)
	go func() {
		envs, err := d.transport.QuerySync(cctx, d.cfg.Relays, Filter{IDs: []string{envID}}, d.cfg.ConfirmWindow)
		if err != nil {
			found <- false
			return
		}
		for _, env := range envs {
			if strings.EqualFold(env.ID, envID) {
				found <- true
				return
			}
		}
		found <- false
	}()
	select {
	case ok := <-found:
		return ok || isClosed(acked)
	case <-acked:
		return true
	case <-cctx.Done():
		return isClosed(acked)
	}
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
