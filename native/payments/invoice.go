package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"cashrail/native/balance"
	"cashrail/native/ecash"
	"cashrail/native/split"
	"cashrail/observability/logging"
)

// InvoiceRequest asks the router to pay a Lightning invoice.
type InvoiceRequest struct {
	Owner         string
	Invoice       string
	Unit          string
	PreferredMint string
	Seed          []byte
}

// InvoicePart is the share of an invoice paid by one mint.
type InvoicePart struct {
	Mint     string
	Amount   int64
	FeePaid  int64
	Preimage string
}

// InvoiceResult reports an invoice payment. Parts has more than one entry
// when the payment was split across MPP capable mints.
type InvoiceResult struct {
	Paid    bool
	Amount  int64
	FeePaid int64
	Parts   []InvoicePart
}

func (r *InvoiceResult) add(mint string, m split.MeltResult) {
	r.Parts = append(r.Parts, InvoicePart{Mint: mint, Amount: m.Amount, FeePaid: m.FeePaid, Preimage: m.Preimage})
	r.Amount += m.Amount
	r.FeePaid += m.FeePaid
}

// PayInvoice melts ecash to pay invoice. A single mint that covers amount
// plus fee reserve is preferred; otherwise the amount is split across MPP
// capable mints.
func (r *Router) PayInvoice(ctx context.Context, req InvoiceRequest) (InvoiceResult, error) {
	started := r.clock()
	ctx, span := r.tracer.Start(ctx, "payments.pay_invoice")
	defer span.End()
	res, err := r.payInvoice(ctx, req)
	outcome := "invoice_paid"
	if err != nil {
		outcome = "invoice_failed"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.Int("parts", len(res.Parts)))
	r.metrics.ObservePayment(outcome, r.clock().Sub(started))
	return res, err
}

func (r *Router) payInvoice(ctx context.Context, req InvoiceRequest) (InvoiceResult, error) {
	invoice := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(req.Invoice)), "lightning:")
	if invoice == "" || strings.TrimSpace(req.Owner) == "" {
		return InvoiceResult{}, fmt.Errorf("%w: owner and invoice required", ErrInvalidRequest)
	}
	if !r.Online() {
		return InvoiceResult{}, fmt.Errorf("%w: offline", ErrMintUnreachable)
	}
	unit := unitOf(req.Unit)
	tokens, err := r.tokens.ListTokens(ctx, req.Owner, ecash.TokenFilter{
		Unit: unit, States: []ecash.TokenState{ecash.StateAccepted},
	})
	if err != nil {
		return InvoiceResult{}, fmt.Errorf("payments: list tokens: %w", err)
	}
	candidates := balance.RankCandidates(balance.Aggregate(tokens, unit), r.mintInfos(ctx), balance.RankOptions{
		PreferredMint: req.PreferredMint,
	})
	if len(candidates) == 0 {
		return InvoiceResult{}, fmt.Errorf("%w: no spendable ecash", ErrInsufficientFunds)
	}

	var (
		amount  int64
		lastErr error
	)
	for _, c := range candidates {
		quote, err := r.engine.Quote(ctx, c.Mint, unit, invoice, 0)
		if err != nil {
			lastErr = err
			continue
		}
		amount = quote.Amount
		break
	}
	if amount <= 0 {
		if lastErr == nil {
			lastErr = fmt.Errorf("%w: invoice amount unknown", ErrInvalidRequest)
		}
		return InvoiceResult{}, classify(lastErr)
	}

	var res InvoiceResult
	for _, c := range candidates {
		if c.Amount < amount {
			continue
		}
		melted, err := r.engine.Melt(ctx, split.MeltRequest{
			Owner: req.Owner, Mint: c.Mint, Unit: unit, Invoice: invoice, Seed: req.Seed,
		})
		if err != nil {
			if errors.Is(err, split.ErrPostSwapFailure) {
				return res, err
			}
			lastErr = err
			continue
		}
		res.add(c.Mint, melted)
		res.Paid = true
		return res, nil
	}

	return r.payMultiPath(ctx, req.Owner, unit, invoice, req.Seed, amount, candidates, lastErr)
}

// payMultiPath spreads amount over MPP capable mints, largest first, sizing
// each part so the mint balance also covers its fee reserve.
func (r *Router) payMultiPath(ctx context.Context, owner, unit, invoice string, seed []byte, amount int64, candidates []balance.Candidate, lastErr error) (InvoiceResult, error) {
	var (
		mpp   []balance.Candidate
		total int64
	)
	for _, c := range candidates {
		if c.Info.SupportsMPP {
			mpp = append(mpp, c)
			total += c.Amount
		}
	}
	if len(mpp) < 2 || total < amount {
		if lastErr == nil || total < amount {
			lastErr = fmt.Errorf("%w: invoice needs %d %s", ErrInsufficientFunds, amount, unit)
		}
		return InvoiceResult{}, classify(lastErr)
	}

	var res InvoiceResult
	remaining := amount
	for _, c := range mpp {
		if remaining == 0 {
			break
		}
		part := min(c.Amount, remaining)
		quote, err := r.engine.Quote(ctx, c.Mint, unit, invoice, part)
		if err != nil {
			lastErr = err
			continue
		}
		if part+quote.FeeReserve > c.Amount {
			// The reserve for the smaller share may differ; quote it again.
			part = c.Amount - quote.FeeReserve
			if part <= 0 {
				continue
			}
			if quote, err = r.engine.Quote(ctx, c.Mint, unit, invoice, part); err != nil {
				lastErr = err
				continue
			}
			if part+quote.FeeReserve > c.Amount {
				lastErr = fmt.Errorf("%w: fee reserve exceeds %s balance", ErrInsufficientFunds, c.Mint)
				continue
			}
		}
		melted, err := r.engine.Melt(ctx, split.MeltRequest{
			Owner: owner, Mint: c.Mint, Unit: unit, Invoice: invoice, PartialAmount: part, Seed: seed, Quote: &quote,
		})
		if err != nil {
			if errors.Is(err, split.ErrPostSwapFailure) {
				return res, err
			}
			lastErr = err
			continue
		}
		res.add(c.Mint, melted)
		remaining -= melted.Amount
	}
	if remaining > 0 {
		r.logger.Warn("wallet/payments: multi path payment incomplete",
			slog.String("owner", owner), logging.MaskField("invoice", invoice),
			slog.Int64("paid", res.Amount), slog.Int64("missing", remaining))
		if lastErr == nil {
			lastErr = fmt.Errorf("%w: %d %s unpaid", ErrInsufficientFunds, remaining, unit)
		}
		return res, classify(lastErr)
	}
	res.Paid = true
	return res, nil
}
