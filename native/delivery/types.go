package delivery

import (
	"context"
	"errors"
	"time"
)

// Direction marks whether a message was sent or received by the owner.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// Status tracks delivery of outgoing messages.
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
)

// ErrMessageNotFound is returned by stores for unknown message ids.
var ErrMessageNotFound = errors.New("delivery: message not found")

// Message is one unit of conversation history.
type Message struct {
	ID        string
	Owner     string
	ContactID string
	Direction Direction
	Content   string
	// WrapID is the transport id of the envelope once published or received.
	WrapID string
	// ClientID is the idempotency token embedded in the plaintext so the
	// sender can recognise its own message before WrapID is known.
	ClientID  string
	Status    Status
	LocalOnly bool
	CreatedAt time.Time
}

// Identity returns the dedup key of the message: the envelope id, else the
// client id, else a digest of direction, timestamp and content.
func (m Message) Identity() string {
	switch {
	case m.WrapID != "":
		return m.WrapID
	case m.ClientID != "":
		return m.ClientID
	default:
		return ContentIdentity(m.Direction, m.CreatedAt.Unix(), m.Content)
	}
}

// Envelope is the encrypted, transport level container.
type Envelope struct {
	ID        string     `json:"id"`
	Kind      int        `json:"kind"`
	PubKey    string     `json:"pubkey"`
	Recipient string     `json:"recipient"`
	CreatedAt int64      `json:"created_at"`
	Content   string     `json:"content"`
	Tags      [][]string `json:"tags,omitempty"`
}

// Rumor is the plaintext carried inside an envelope.
type Rumor struct {
	ClientID  string `json:"clientId,omitempty"`
	From      string `json:"from"`
	To        string `json:"to"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"createdAt"`
}

// Wrapper seals and opens envelopes. The cryptography is provided by an
// external service.
type Wrapper interface {
	Wrap(ctx context.Context, rumor Rumor, recipientPubKey string) (Envelope, error)
	Unwrap(ctx context.Context, env Envelope) (Rumor, error)
}

// Filter selects envelopes on the transport.
type Filter struct {
	IDs       []string `json:"ids,omitempty"`
	Recipient string   `json:"recipient,omitempty"`
	Since     int64    `json:"since,omitempty"`
}

// RelayResult is the outcome of publishing to one relay. A nil Err means the
// relay accepted the envelope.
type RelayResult struct {
	Relay string
	Err   error
}

// Transport is the store-and-forward relay network.
type Transport interface {
	Publish(ctx context.Context, relays []string, env Envelope) ([]RelayResult, error)
	Subscribe(ctx context.Context, relays []string, filter Filter, onEvent func(Envelope)) (func(), error)
	QuerySync(ctx context.Context, relays []string, filter Filter, maxWait time.Duration) ([]Envelope, error)
}

// MessageFilter narrows message history queries.
type MessageFilter struct {
	ContactID string
	Direction Direction
	Status    Status
}

// MessageStore persists conversation history per owner.
type MessageStore interface {
	InsertMessage(ctx context.Context, msg Message) error
	// MarkSent moves a pending message to sent. It is idempotent and reports
	// whether this call performed the transition.
	MarkSent(ctx context.Context, owner, id, wrapID string) (bool, error)
	GetMessage(ctx context.Context, owner, id string) (Message, error)
	FindByClientID(ctx context.Context, owner, clientID string) (Message, error)
	ListMessages(ctx context.Context, owner string, filter MessageFilter) ([]Message, error)
}

// Journal persists processed envelope ids across restarts.
type Journal interface {
	Load(owner string) ([]string, error)
	Record(owner string, ids ...string) error
}
