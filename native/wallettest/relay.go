package wallettest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"cashrail/native/delivery"
)

// WrapKind is the envelope kind produced by Network.Wrap.
const WrapKind = 1059

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "relay: i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

// ErrRelayTimeout is returned by Network for simulated timeouts. It
// satisfies net.Error.
var ErrRelayTimeout error = timeoutErr{}

type subscription struct {
	filter  delivery.Filter
	onEvent func(delivery.Envelope)
}

// Network is an in-memory relay network implementing delivery.Transport and
// a plaintext delivery.Wrapper. Subscribers are invoked synchronously from
// Publish, after the envelope is stored.
type Network struct {
	mu     sync.Mutex
	events map[string]delivery.Envelope
	subs   map[int]subscription
	nextID int

	// LandOnTimeout stores envelopes even when the publish reports a timeout.
	LandOnTimeout bool
	timeouts      int
	rejectAll     bool
	offline       bool

	Publishes int
	Queries   int
}

// NewNetwork returns an empty network.
func NewNetwork() *Network {
	return &Network{events: make(map[string]delivery.Envelope), subs: make(map[int]subscription)}
}

// TimeoutNext makes the next n publish attempts report a timeout.
func (n *Network) TimeoutNext(count int) {
	n.mu.Lock()
	n.timeouts = count
	n.mu.Unlock()
}

// RejectAll makes every publish fail with a hard rejection.
func (n *Network) RejectAll(reject bool) {
	n.mu.Lock()
	n.rejectAll = reject
	n.mu.Unlock()
}

// SetOffline makes every relay unreachable.
func (n *Network) SetOffline(offline bool) {
	n.mu.Lock()
	n.offline = offline
	n.mu.Unlock()
}

// Has reports whether an envelope with id is stored.
func (n *Network) Has(id string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.events[id]
	return ok
}

// Envelopes returns stored envelopes addressed to recipient.
func (n *Network) Envelopes(recipient string) []delivery.Envelope {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []delivery.Envelope
	for _, env := range n.events {
		if recipient == "" || strings.EqualFold(env.Recipient, recipient) {
			out = append(out, env)
		}
	}
	return out
}

func (n *Network) Publish(ctx context.Context, relays []string, env delivery.Envelope) ([]delivery.RelayResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n.mu.Lock()
	n.Publishes++
	var fail error
	land := true
	switch {
	case n.offline:
		fail, land = ErrRelayTimeout, false
	case n.rejectAll:
		fail, land = fmt.Errorf("relay: blocked: rejected"), false
	case n.timeouts > 0:
		n.timeouts--
		fail, land = ErrRelayTimeout, n.LandOnTimeout
	}
	var notify []func(delivery.Envelope)
	if land {
		if _, dup := n.events[env.ID]; !dup {
			n.events[env.ID] = env
			for _, sub := range n.subs {
				if matches(sub.filter, env) {
					notify = append(notify, sub.onEvent)
				}
			}
		}
	}
	n.mu.Unlock()

	for _, fn := range notify {
		fn(env)
	}
	results := make([]delivery.RelayResult, 0, len(relays))
	for _, relay := range relays {
		results = append(results, delivery.RelayResult{Relay: relay, Err: fail})
	}
	return results, nil
}

func (n *Network) Subscribe(ctx context.Context, _ []string, filter delivery.Filter, onEvent func(delivery.Envelope)) (func(), error) {
	n.mu.Lock()
	id := n.nextID
	n.nextID++
	n.subs[id] = subscription{filter: filter, onEvent: onEvent}
	var backlog []delivery.Envelope
	for _, env := range n.events {
		if matches(filter, env) {
			backlog = append(backlog, env)
		}
	}
	n.mu.Unlock()
	for _, env := range backlog {
		onEvent(env)
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subs, id)
			n.mu.Unlock()
		})
	}, nil
}

func (n *Network) QuerySync(ctx context.Context, _ []string, filter delivery.Filter, _ time.Duration) ([]delivery.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Queries++
	if n.offline {
		return nil, ErrRelayTimeout
	}
	var out []delivery.Envelope
	for _, env := range n.events {
		if matches(filter, env) {
			out = append(out, env)
		}
	}
	return out, nil
}

// Wrap encodes the rumor as JSON. It performs no encryption.
func (n *Network) Wrap(_ context.Context, rumor delivery.Rumor, recipientPubKey string) (delivery.Envelope, error) {
	raw, err := json.Marshal(rumor)
	if err != nil {
		return delivery.Envelope{}, err
	}
	return delivery.Envelope{
		ID:        uuid.NewString(),
		Kind:      WrapKind,
		PubKey:    "ephemeral",
		Recipient: strings.ToLower(recipientPubKey),
		CreatedAt: rumor.CreatedAt,
		Content:   string(raw),
	}, nil
}

func (n *Network) Unwrap(_ context.Context, env delivery.Envelope) (delivery.Rumor, error) {
	var rumor delivery.Rumor
	if err := json.Unmarshal([]byte(env.Content), &rumor); err != nil {
		return delivery.Rumor{}, fmt.Errorf("%w: %v", delivery.ErrUndecryptable, err)
	}
	return rumor, nil
}

func matches(filter delivery.Filter, env delivery.Envelope) bool {
	if filter.Recipient != "" && !strings.EqualFold(filter.Recipient, env.Recipient) {
		return false
	}
	if filter.Since > 0 && env.CreatedAt < filter.Since {
		return false
	}
	if len(filter.IDs) > 0 {
		for _, id := range filter.IDs {
			if id == env.ID {
				return true
			}
		}
		return false
	}
	return true
}

var (
	_ delivery.Transport = (*Network)(nil)
	_ delivery.Wrapper   = (*Network)(nil)
)
