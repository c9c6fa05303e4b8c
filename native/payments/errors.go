package payments

import (
	"errors"
	"fmt"

	"cashrail/native/delivery"
	"cashrail/native/ecash"
	"cashrail/native/split"
)

var (
	// ErrInsufficientFunds is returned when credit and ecash cannot cover a
	// payment and promises are disabled.
	ErrInsufficientFunds = errors.New("payments: insufficient funds")
	// ErrPromiseCapExceeded is returned when a promise would push
	// outstanding issued credit past the global cap.
	ErrPromiseCapExceeded = errors.New("payments: promise cap exceeded")
	// ErrMintUnreachable is transient: try another mint or retry later.
	ErrMintUnreachable = errors.New("payments: mint unreachable")
	// ErrTokenInvalid is definitive: the mint rejected the proofs.
	ErrTokenInvalid = errors.New("payments: token invalid")
	// ErrInvalidRequest flags malformed caller input.
	ErrInvalidRequest = errors.New("payments: invalid request")

	ErrDeliveryTimeout = delivery.ErrDeliveryTimeout
	ErrDeliveryFailed  = delivery.ErrDeliveryFailed
	// ErrPostSwapFailure marks failures after funds moved at the mint.
	ErrPostSwapFailure = split.ErrPostSwapFailure
)

// classify maps engine and mint errors onto the caller facing taxonomy.
// Errors already in the taxonomy pass through.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, ErrPromiseCapExceeded),
		errors.Is(err, ErrMintUnreachable),
		errors.Is(err, ErrTokenInvalid),
		errors.Is(err, ErrPostSwapFailure):
		return err
	case errors.Is(err, split.ErrInsufficientInputs):
		return fmt.Errorf("%w: %w", ErrInsufficientFunds, err)
	case !isMintError(err):
		return err
	case ecash.IsDefinitive(err):
		return fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	case ecash.IsTransient(err):
		return fmt.Errorf("%w: %w", ErrMintUnreachable, err)
	default:
		return err
	}
}

func isMintError(err error) bool {
	var me *ecash.MintError
	return errors.As(err, &me)
}

// retryable reports whether a queued payment should stay queued after err.
func retryable(err error) bool {
	return errors.Is(err, ErrMintUnreachable) || (isMintError(err) && ecash.IsTransient(err))
}
