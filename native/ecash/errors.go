package ecash

import (
	"errors"
	"fmt"
)

// ErrorKind classifies mint failures so callers can branch on variants rather
// than on error text.
type ErrorKind int

const (
	// KindUnknown is an unclassified failure; treated as transient.
	KindUnknown ErrorKind = iota
	// KindUnreachable covers network failures, timeouts and 5xx responses.
	KindUnreachable
	// KindRateLimited is returned when the mint throttles the client.
	KindRateLimited
	// KindTokenSpent means at least one input proof is already spent.
	KindTokenSpent
	// KindTokenInvalid means the inputs are malformed or unknown to the mint.
	KindTokenInvalid
	// KindFeeExceedsAmount means the inputs cannot cover the swap fee.
	KindFeeExceedsAmount
	// KindInsufficientFunds means inputs are short of the requested outputs.
	KindInsufficientFunds
	// KindRejected is any other definitive protocol rejection.
	KindRejected
)

func (k ErrorKind) String() string {
	switch k {
	case KindUnreachable:
		return "unreachable"
	case KindRateLimited:
		return "rate_limited"
	case KindTokenSpent:
		return "token_spent"
	case KindTokenInvalid:
		return "token_invalid"
	case KindFeeExceedsAmount:
		return "fee_exceeds_amount"
	case KindInsufficientFunds:
		return "insufficient_funds"
	case KindRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// MintError is the typed error produced by mint clients.
type MintError struct {
	Kind ErrorKind
	Op   string
	Mint string
	Code int
	Err  error
}

func (e *MintError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := fmt.Sprintf("mint %s %s: %s", e.Mint, e.Op, e.Kind)
	if e.Code != 0 {
		msg += fmt.Sprintf(" (code %d)", e.Code)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MintError) Unwrap() error { return e.Err }

// NewMintError constructs a MintError.
func NewMintError(kind ErrorKind, op, mint string, err error) *MintError {
	return &MintError{Kind: kind, Op: op, Mint: NormalizeMintURL(mint), Err: err}
}

// KindOf extracts the error kind, returning KindUnknown for foreign errors.
func KindOf(err error) ErrorKind {
	var me *MintError
	if errors.As(err, &me) {
		return me.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the supplied kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// IsDefinitive reports whether the mint definitively rejected the proofs.
// Only definitive errors may cause a token to be marked invalid.
func IsDefinitive(err error) bool {
	switch KindOf(err) {
	case KindTokenSpent, KindTokenInvalid, KindRejected:
		return true
	default:
		return false
	}
}

// IsTransient reports whether the failure may succeed on retry or at another mint.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindUnknown, KindUnreachable, KindRateLimited:
		return true
	default:
		return false
	}
}
