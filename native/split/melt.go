package split

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"cashrail/native/ecash"
)

// ErrInvoiceUnpaid is returned when the mint reports the melt did not pay.
var ErrInvoiceUnpaid = errors.New("split: invoice not paid")

// MeltRequest pays a Lightning invoice from one mint. A positive
// PartialAmount requests a multi-path share of the invoice. Quote, when set,
// is used instead of requesting a fresh one and must match PartialAmount.
type MeltRequest struct {
	Owner         string
	Mint          string
	Unit          string
	Invoice       string
	PartialAmount int64
	Seed          []byte
	Quote         *ecash.MeltQuote
}

// MeltResult reports a completed melt.
type MeltResult struct {
	Paid       bool
	Preimage   string
	Amount     int64
	FeeReserve int64
	FeePaid    int64
	Change     *ecash.Token
}

// Quote asks the mint what paying the invoice would cost.
func (e *Engine) Quote(ctx context.Context, mint, unit, invoice string, partial int64) (ecash.MeltQuote, error) {
	return e.mints.MeltQuote(ctx, ecash.NormalizeMintURL(mint), ecash.MeltQuoteRequest{
		Invoice: invoice, Unit: unitOrDefault(unit), PartialAmount: partial,
	})
}

// Melt quotes the invoice, splits out amount plus fee reserve and asks the
// mint to pay. Change from an overestimated fee reserve is stored as
// accepted. Failures before the split leave the store untouched.
func (e *Engine) Melt(ctx context.Context, req MeltRequest) (MeltResult, error) {
	mint := ecash.NormalizeMintURL(req.Mint)
	unit := unitOrDefault(req.Unit)
	ctx, span := e.tracer.Start(ctx, "split.melt", trace.WithAttributes(attribute.String("mint", mint)))
	defer span.End()
	res, err := e.melt(ctx, req, mint, unit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

func (e *Engine) melt(ctx context.Context, req MeltRequest, mint, unit string) (MeltResult, error) {
	var quote ecash.MeltQuote
	if req.Quote != nil {
		quote = *req.Quote
	} else {
		var err error
		if quote, err = e.Quote(ctx, mint, unit, req.Invoice, req.PartialAmount); err != nil {
			return MeltResult{}, err
		}
	}
	need := quote.Amount + quote.FeeReserve
	split, err := e.split(ctx, SplitRequest{Owner: req.Owner, Mint: mint, Unit: unit, Amount: need, Seed: req.Seed})
	if err != nil {
		return MeltResult{}, err
	}
	if split.Send == nil {
		return MeltResult{}, ErrMergedInstead
	}
	send := *split.Send

	// Proofs are now reserved for this melt.
	ctx = context.WithoutCancel(ctx)
	var res MeltResult
	err = e.locks.Do(ctx, LockKey{Mint: mint, Unit: unit, Keyset: split.KeysetID}, func(ctx context.Context) error {
		counter, err := e.store.NextCounter(ctx, req.Owner, mint, split.KeysetID)
		if err != nil {
			return fmt.Errorf("%w: read counter: %w", ErrPostSwapFailure, err)
		}
		resp, err := e.mints.Melt(ctx, mint, ecash.MeltRequest{
			QuoteID: quote.ID, Inputs: send.Proofs, KeysetID: split.KeysetID, Seed: req.Seed, Counter: counter,
		})
		if err == nil && !resp.Paid {
			err = ErrInvoiceUnpaid
		}
		if err != nil {
			if !ecash.IsTransient(err) {
				if _, rerr := e.reclaim(ctx, req.Owner, send); rerr != nil {
					e.logger.Warn("wallet/split: reclaim after failed melt", slog.Any("error", rerr))
				}
			}
			return fmt.Errorf("%w: melt: %w", ErrPostSwapFailure, err)
		}
		used := resp.OutputsUsed
		if used == 0 {
			used = uint32(len(resp.Change))
		}
		if used > 0 {
			if err := e.store.AdvanceCounter(ctx, req.Owner, mint, split.KeysetID, counter+used); err != nil {
				return fmt.Errorf("%w: advance counter: %w", ErrPostSwapFailure, err)
			}
		}
		res = MeltResult{Paid: true, Preimage: resp.Preimage, Amount: quote.Amount, FeeReserve: quote.FeeReserve}
		var fresh []ecash.Token
		if len(resp.Change) > 0 {
			change, err := ecash.NewToken(req.Owner, mint, unit, resp.Change, ecash.SourceChange, e.clock())
			if err != nil {
				return fmt.Errorf("%w: %w", ErrPostSwapFailure, err)
			}
			res.Change = &change
			fresh = append(fresh, change)
		}
		if err := e.replace(ctx, req.Owner, []ecash.Token{send}, fresh...); err != nil {
			return fmt.Errorf("%w: %w", ErrPostSwapFailure, err)
		}
		res.FeePaid = quote.FeeReserve
		if res.Change != nil {
			res.FeePaid -= res.Change.Amount
		}
		return nil
	})
	if err != nil {
		return MeltResult{}, err
	}
	e.logger.Info("wallet/split: invoice paid",
		slog.String("mint", mint), slog.Int64("amount", res.Amount), slog.Int64("fee", res.FeePaid))
	return res, nil
}
