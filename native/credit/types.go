package credit

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Direction records which side of a promise the local identity is on.
type Direction string

const (
	// DirectionIn means the counterparty owes us.
	DirectionIn Direction = "in"
	// DirectionOut means we owe the counterparty.
	DirectionOut Direction = "out"
)

var (
	ErrPromiseNotFound = errors.New("credit: promise not found")
	ErrInvalidPromise  = errors.New("credit: invalid promise")
	ErrBadSignature    = errors.New("credit: promise signature rejected")
	ErrNotParticipant  = errors.New("credit: identity is not a promise participant")
)

// Promise is an unsecured, time bounded IOU between two identities.
type Promise struct {
	ID            string
	Owner         string
	Issuer        string
	Recipient     string
	Amount        int64
	Unit          string
	CreatedAt     time.Time
	ExpiresAt     time.Time
	SettledAmount int64
	SettledAt     *time.Time
	Direction     Direction
}

// Remaining returns the unsettled balance.
func (p Promise) Remaining() int64 {
	rem := p.Amount - p.SettledAmount
	if rem < 0 {
		return 0
	}
	return rem
}

// Expired reports whether the promise no longer counts toward availability.
func (p Promise) Expired(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}

// Counterparty returns the other participant from the owner's point of view.
func (p Promise) Counterparty() string {
	if p.Direction == DirectionIn {
		return p.Issuer
	}
	return p.Recipient
}

// PromiseFilter narrows promise listings.
type PromiseFilter struct {
	Direction    Direction
	Counterparty string
}

// Store persists promises per owner. InsertPromise must be idempotent on the
// promise id and report whether a new row was written.
type Store interface {
	InsertPromise(ctx context.Context, p Promise) (bool, error)
	GetPromise(ctx context.Context, owner, id string) (Promise, error)
	UpdateSettlement(ctx context.Context, owner, id string, settled int64, settledAt time.Time) error
	ListPromises(ctx context.Context, owner string, filter PromiseFilter) ([]Promise, error)
}

// Signer signs promise payloads on behalf of the local identity.
type Signer interface {
	Sign(ctx context.Context, payload []byte) (string, error)
}

// Verifier checks a payload signature against the claimed issuer.
type Verifier interface {
	Verify(ctx context.Context, issuer string, payload []byte, signature string) error
}

const (
	TypePromise    = "promise"
	TypeSettlement = "settlement"
)

// PromiseMessage is the wire payload announcing a new promise.
type PromiseMessage struct {
	Type      string `json:"type"`
	PromiseID string `json:"promiseId"`
	Issuer    string `json:"issuer"`
	Recipient string `json:"recipient"`
	Amount    int64  `json:"amount"`
	Unit      string `json:"unit"`
	CreatedAt int64  `json:"createdAt"`
	ExpiresAt int64  `json:"expiresAt"`
	Signature string `json:"sig,omitempty"`
}

// SigningBytes returns the canonical bytes covered by the signature.
func (m PromiseMessage) SigningBytes() ([]byte, error) {
	unsigned := m
	unsigned.Signature = ""
	unsigned.Type = TypePromise
	return json.Marshal(unsigned)
}

// Encode serialises the message for delivery.
func (m PromiseMessage) Encode() (string, error) {
	m.Type = TypePromise
	raw, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// SettlementMessage asks the counterparty to apply a draw-down to a promise.
type SettlementMessage struct {
	Type      string `json:"type"`
	PromiseID string `json:"promiseId"`
	Amount    int64  `json:"amount"`
	SettledAt int64  `json:"settledAt"`
}

// Encode serialises the message for delivery.
func (m SettlementMessage) Encode() (string, error) {
	m.Type = TypeSettlement
	raw, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// Draw is a planned draw-down against one incoming promise.
type Draw struct {
	PromiseID string
	Amount    int64
}
