package delivery

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrDeliveryTimeout is matched by publish errors that may have landed
	// despite the client side timeout.
	ErrDeliveryTimeout = errors.New("delivery: publish timed out")
	// ErrDeliveryFailed means neither copy was delivered after retry and
	// confirmation. The message stays pending.
	ErrDeliveryFailed = errors.New("delivery: message not delivered")
	// ErrUnwrap is returned for envelopes that could not be opened.
	ErrUnwrap = errors.New("delivery: unwrap envelope")
	// ErrUndecryptable marks an unwrap failure that will not change on retry,
	// such as a malformed envelope or one sealed for another key. Wrappers
	// return it so the inbox can stop asking.
	ErrUndecryptable = errors.New("delivery: envelope cannot be opened")
)

// PublishKind classifies transport failures.
type PublishKind int

const (
	KindRejected PublishKind = iota
	KindTimeout
	KindNoRelays
)

func (k PublishKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindNoRelays:
		return "no_relays"
	default:
		return "rejected"
	}
}

// PublishError is the typed transport error.
type PublishError struct {
	Kind  PublishKind
	Relay string
	Err   error
}

func (e *PublishError) Error() string {
	msg := "publish " + e.Kind.String()
	if e.Relay != "" {
		msg += " at " + e.Relay
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PublishError) Unwrap() error { return e.Err }

// Is lets timeouts match ErrDeliveryTimeout.
func (e *PublishError) Is(target error) bool {
	return target == ErrDeliveryTimeout && e.Kind == KindTimeout
}

// IsTimeout reports whether err is a timeout style publish failure.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	var pe *PublishError
	if errors.As(err, &pe) {
		return pe.Kind == KindTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Outcome folds per-relay results into a single error: nil when any relay
// accepted, a timeout when at least one relay timed out and none rejected
// outright, otherwise a rejection.
func Outcome(results []RelayResult) error {
	if len(results) == 0 {
		return &PublishError{Kind: KindNoRelays, Err: errors.New("no relays attempted")}
	}
	var (
		timeout  error
		rejected error
	)
	for _, r := range results {
		if r.Err == nil {
			return nil
		}
		if IsTimeout(r.Err) {
			if timeout == nil {
				timeout = &PublishError{Kind: KindTimeout, Relay: r.Relay, Err: r.Err}
			}
			continue
		}
		if rejected == nil {
			rejected = &PublishError{Kind: KindRejected, Relay: r.Relay, Err: r.Err}
		}
	}
	if rejected != nil && timeout == nil {
		return rejected
	}
	if timeout != nil {
		return timeout
	}
	return fmt.Errorf("delivery: unclassified publish failure")
}
