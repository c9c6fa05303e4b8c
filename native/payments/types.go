package payments

import (
	"context"
	"errors"
	"time"

	"cashrail/native/credit"
	"cashrail/native/delivery"
	"cashrail/native/ecash"
	"cashrail/native/split"
)

// Status is the caller visible outcome of a payment.
type Status string

const (
	StatusConfirmed Status = "confirmed"
	StatusQueued    Status = "queued"
	StatusFailed    Status = "failed"
)

// State is the last step a payment attempt reached.
type State string

const (
	StateStart         State = "start"
	StateCreditApplied State = "credit_applied"
	StateEcashSwapped  State = "ecash_swapped"
	StatePromiseIssued State = "promise_issued"
	StateDelivering    State = "delivering"
	StateConfirmed     State = "confirmed"
	StateQueued        State = "queued"
	StateFailed        State = "failed"
)

// PendingKind says what a queued record retries.
type PendingKind string

const (
	// PendingPaymentAttempt is a whole payment queued while offline.
	PendingPaymentAttempt PendingKind = "payment"
	PendingEcash          PendingKind = "ecash"
	PendingSettlement     PendingKind = "settlement"
	PendingPromise        PendingKind = "promise"
)

// ErrPendingNotFound is returned by PendingStore implementations.
var ErrPendingNotFound = errors.New("payments: pending payment not found")

// PendingPayment is an offline queue entry: either a payment that never
// started or one unresolved message of a payment in flight.
type PendingPayment struct {
	ID            string      `json:"id"`
	Owner         string      `json:"owner"`
	Kind          PendingKind `json:"kind"`
	ContactID     string      `json:"contactId"`
	ContactPubKey string      `json:"contactPubKey"`
	AmountSat     int64       `json:"amountSat"`
	Unit          string      `json:"unit,omitempty"`
	AllowPromise  bool        `json:"allowPromise,omitempty"`
	PreferredMint string      `json:"preferredMint,omitempty"`
	MessageIDRef  string      `json:"messageIdRef,omitempty"`
	Content       string      `json:"content,omitempty"`
	TokenID       string      `json:"tokenId,omitempty"`
	PromiseID     string      `json:"promiseId,omitempty"`
	SettledAt     int64       `json:"settledAt,omitempty"`
	Attempts      int         `json:"attempts"`
	CreatedAt     time.Time   `json:"createdAt"`
}

// PendingStore persists the offline queue per owner.
type PendingStore interface {
	Put(ctx context.Context, p PendingPayment) error
	Delete(ctx context.Context, owner, id string) error
	List(ctx context.Context, owner string) ([]PendingPayment, error)
}

// Splitter is the subset of the split engine the router drives.
type Splitter interface {
	Split(ctx context.Context, req split.SplitRequest) (split.SplitResult, error)
	Quote(ctx context.Context, mint, unit, invoice string, partial int64) (ecash.MeltQuote, error)
	Melt(ctx context.Context, req split.MeltRequest) (split.MeltResult, error)
	MarkSpent(ctx context.Context, owner string, ids ...string) error
	Unreserve(ctx context.Context, owner string, ids ...string) error
}

// CreditLedger is the subset of the credit ledger the router drives.
type CreditLedger interface {
	Drawable(ctx context.Context, owner, counterparty string, holds credit.Holds, now time.Time) (int64, error)
	AllowPromise(ctx context.Context, owner string, amount int64, now time.Time) (bool, error)
	PlanDraw(ctx context.Context, owner, counterparty string, amount int64, holds credit.Holds, now time.Time) ([]credit.Draw, error)
	SettlementFor(d credit.Draw) credit.SettlementMessage
	ApplySettlement(ctx context.Context, owner, promiseID string, amount, settledAtSec int64) (credit.Promise, error)
	Issue(ctx context.Context, req credit.IssueRequest) (credit.Promise, credit.PromiseMessage, error)
}

// Sender delivers payloads to the contact.
type Sender interface {
	Send(ctx context.Context, out delivery.Outgoing) (delivery.Result, error)
	Resend(ctx context.Context, owner, messageID, selfPubKey, contactPubKey string) (delivery.Result, error)
}

// MintDirectory supplies cached mint capabilities for ranking.
type MintDirectory interface {
	MintInfos(ctx context.Context) (map[string]ecash.MintInfo, error)
}

// StaticMints is a fixed MintDirectory.
type StaticMints map[string]ecash.MintInfo

func (s StaticMints) MintInfos(context.Context) (map[string]ecash.MintInfo, error) {
	return map[string]ecash.MintInfo(s), nil
}
