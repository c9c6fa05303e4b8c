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

	"cashrail/native/ecash"
)

// HandleOutcome reports what Inbox.Handle did with an envelope.
type HandleOutcome int

const (
	OutcomeDuplicate HandleOutcome = iota
	OutcomeAck
	OutcomeKnownContent
	OutcomeStored
)

func (o HandleOutcome) String() string {
	switch o {
	case OutcomeAck:
		return "ack"
	case OutcomeKnownContent:
		return "known_content"
	case OutcomeStored:
		return "stored"
	default:
		return "duplicate"
	}
}

// Handled is the result of processing one envelope.
type Handled struct {
	Outcome HandleOutcome
	Message Message
	Payload ecash.ParsedPayload
}

// MessageHandler receives newly stored messages with their classified
// payload.
type MessageHandler func(ctx context.Context, msg Message, payload ecash.ParsedPayload)

// Inbox processes incoming envelopes for one owner. It is created per
// identity session and discarded on identity switch.
type Inbox struct {
	owner     string
	selfPub   string
	store     MessageStore
	wrapper   Wrapper
	journal   Journal
	acks      *AckRegistry
	onMessage MessageHandler
	logger    *slog.Logger

	mu         sync.Mutex
	processed  map[string]struct{}
	identities map[string]struct{}
}

// NewInbox constructs an inbox. journal, acks and onMessage may be nil.
func NewInbox(owner, selfPub string, store MessageStore, wrapper Wrapper, journal Journal, acks *AckRegistry, onMessage MessageHandler) *Inbox {
	if acks == nil {
		acks = NewAckRegistry()
	}
	return &Inbox{
		owner:      owner,
		selfPub:    strings.ToLower(selfPub),
		store:      store,
		wrapper:    wrapper,
		journal:    journal,
		acks:       acks,
		onMessage:  onMessage,
		logger:     slog.Default(),
		processed:  make(map[string]struct{}),
		identities: make(map[string]struct{}),
	}
}

// SetLogger overrides the inbox logger.
func (in *Inbox) SetLogger(logger *slog.Logger) {
	if logger != nil {
		in.logger = logger
	}
}

// Seed loads processed envelope ids and known message identities from
// history and the journal so a restarted session does not reprocess them.
func (in *Inbox) Seed(ctx context.Context) error {
	history, err := in.store.ListMessages(ctx, in.owner, MessageFilter{})
	if err != nil {
		return fmt.Errorf("delivery: seed inbox: %w", err)
	}
	var journaled []string
	if in.journal != nil {
		journaled, err = in.journal.Load(in.owner)
		if err != nil {
			return fmt.Errorf("delivery: load journal: %w", err)
		}
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	for _, msg := range history {
		if msg.WrapID != "" {
			in.processed[msg.WrapID] = struct{}{}
		}
		for _, key := range messageKeys(msg) {
			in.identities[key] = struct{}{}
		}
	}
	for _, id := range journaled {
		in.processed[id] = struct{}{}
	}
	return nil
}

// Handle processes one envelope. It is safe to call repeatedly with the
// same envelope; only the first successful call stores a message. An envelope
// is remembered as processed once its outcome is persisted or its unwrap
// failure is definitive, so transient failures are retried on re-delivery.
func (in *Inbox) Handle(ctx context.Context, env Envelope) (Handled, error) {
	if env.ID == "" {
		return Handled{}, fmt.Errorf("%w: missing envelope id", ErrUnwrap)
	}
	if !in.claim(env.ID) {
		return Handled{Outcome: OutcomeDuplicate}, nil
	}
	h, err := in.handle(ctx, env)
	if err != nil && !errors.Is(err, ErrUndecryptable) {
		in.release(env.ID)
		return h, err
	}
	if in.journal != nil {
		if jerr := in.journal.Record(in.owner, env.ID); jerr != nil {
			in.logger.Warn("wallet/inbox: journal record failed", slog.String("wrap_id", env.ID), slog.Any("error", jerr))
		}
	}
	return h, err
}

func (in *Inbox) handle(ctx context.Context, env Envelope) (Handled, error) {
	rumor, err := in.wrapper.Unwrap(ctx, env)
	if err != nil {
		if errors.Is(err, ErrUnwrap) {
			return Handled{}, err
		}
		return Handled{}, fmt.Errorf("%w: %w", ErrUnwrap, err)
	}

	if rumor.ClientID != "" {
		existing, err := in.store.FindByClientID(ctx, in.owner, rumor.ClientID)
		switch {
		case err == nil:
			if existing.Direction == DirectionOut {
				if _, err := in.store.MarkSent(ctx, in.owner, existing.ID, env.ID); err != nil {
					return Handled{}, fmt.Errorf("delivery: mark acked message: %w", err)
				}
				in.acks.Ack(rumor.ClientID)
				in.remember(env.ID, rumor.ClientID)
				existing.Status = StatusSent
				if existing.WrapID == "" {
					existing.WrapID = env.ID
				}
				return Handled{Outcome: OutcomeAck, Message: existing}, nil
			}
			return Handled{Outcome: OutcomeKnownContent, Message: existing}, nil
		case !errors.Is(err, ErrMessageNotFound):
			return Handled{}, fmt.Errorf("delivery: lookup client id: %w", err)
		}
	}

	direction := DirectionIn
	counterpart := strings.ToLower(rumor.From)
	if in.selfPub != "" && strings.EqualFold(rumor.From, in.selfPub) {
		direction = DirectionOut
		counterpart = strings.ToLower(rumor.To)
	}
	createdAt := rumor.CreatedAt
	if createdAt == 0 {
		createdAt = env.CreatedAt
	}
	msg := Message{
		ID:        uuid.NewString(),
		Owner:     in.owner,
		ContactID: counterpart,
		Direction: direction,
		Content:   rumor.Content,
		WrapID:    env.ID,
		ClientID:  rumor.ClientID,
		Status:    StatusSent,
		CreatedAt: time.Unix(createdAt, 0).UTC(),
	}
	if in.known(msg) {
		return Handled{Outcome: OutcomeKnownContent}, nil
	}
	if err := in.store.InsertMessage(ctx, msg); err != nil {
		return Handled{}, fmt.Errorf("delivery: store message: %w", err)
	}
	in.remember(messageKeys(msg)...)

	payload, perr := ecash.ParsePayload(msg.Content)
	if perr != nil {
		in.logger.Debug("wallet/inbox: payload not recognised, treating as text",
			slog.String("wrap_id", env.ID), slog.Any("error", perr))
		payload = ecash.ParsedPayload{Kind: ecash.PayloadText, Text: msg.Content}
	}
	if in.onMessage != nil {
		in.onMessage(ctx, msg, payload)
	}
	return Handled{Outcome: OutcomeStored, Message: msg, Payload: payload}, nil
}

// Listen subscribes to envelopes addressed to the owner and feeds them to
// Handle until ctx is cancelled.
func (in *Inbox) Listen(ctx context.Context, transport Transport, relays []string, since int64) (func(), error) {
	filter := Filter{Recipient: in.selfPub, Since: since}
	return transport.Subscribe(ctx, relays, filter, func(env Envelope) {
		if _, err := in.Handle(ctx, env); err != nil {
			in.logger.Warn("wallet/inbox: envelope rejected", slog.String("wrap_id", env.ID), slog.Any("error", err))
		}
	})
}

func (in *Inbox) claim(envID string) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	if _, ok := in.processed[envID]; ok {
		return false
	}
	in.processed[envID] = struct{}{}
	return true
}

func (in *Inbox) release(envID string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	delete(in.processed, envID)
}

func (in *Inbox) known(msg Message) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	for _, key := range messageKeys(msg)[1:] {
		if _, ok := in.identities[key]; ok {
			return true
		}
	}
	return false
}

func (in *Inbox) remember(keys ...string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	for _, key := range keys {
		if key != "" {
			in.identities[key] = struct{}{}
		}
	}
}

// messageKeys lists the wrap id, client id and content identity of msg.
// The first entry is always the wrap id (possibly empty).
func messageKeys(msg Message) []string {
	keys := []string{msg.WrapID}
	if msg.ClientID != "" {
		keys = append(keys, msg.ClientID)
	}
	keys = append(keys, ContentIdentity(msg.Direction, msg.CreatedAt.Unix(), msg.Content))
	return keys
}
