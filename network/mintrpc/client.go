// Package mintrpc implements ecash.MintClient over the JSON/HTTP mint protocol.
//
// Blinding and unblinding are performed by the mint gateway the client talks
// to; the client only moves request and response shapes. When Config.Gateway
// is set every call is sent there with the target mint in the X-Mint-URL
// header, otherwise the mint URL itself is the base.
package mintrpc

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"cashrail/native/ecash"
	"cashrail/observability"
)

// MintHeader carries the target mint when requests go through a gateway.
const MintHeader = "X-Mint-URL"

// Mint protocol error codes mapped onto ecash error kinds.
const (
	CodeTokenNotVerified  = 10003
	CodeTokenSpent        = 11001
	CodeOutputsSigned     = 11002
	CodeTokenPending      = 11003
	CodeUnbalanced        = 11005
	CodeAmountOutOfLimit  = 11006
	CodeFeeExceedsAmount  = 11007
	CodeKeysetUnknown     = 12001
	CodeKeysetInactive    = 12002
	CodeQuoteNotPaid      = 20001
	CodeQuotePending      = 20005
	CodeInvoiceAlreadyPay = 20006
)

// Config controls the HTTP client.
type Config struct {
	Gateway string
	Timeout time.Duration
	// RatePerSecond bounds requests per mint; zero disables limiting.
	RatePerSecond float64
	Burst         int
}

// Client is an ecash.MintClient.
type Client struct {
	gateway string
	http    *http.Client
	logger  *slog.Logger
	rps     rate.Limit
	burst   int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

var _ ecash.MintClient = (*Client)(nil)

// Option customises the client.
type Option func(*Client)

// WithHTTPClient replaces the traced default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(cl *Client) {
		if logger != nil {
			cl.logger = logger
		}
	}
}

// New constructs a client.
func New(cfg Config, opts ...Option) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	c := &Client{
		gateway: strings.TrimRight(strings.TrimSpace(cfg.Gateway), "/"),
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger:   slog.Default(),
		rps:      rate.Limit(cfg.RatePerSecond),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type errorBody struct {
	Code   int    `json:"code"`
	Detail string `json:"detail"`
}

type infoBody struct {
	URL  string `json:"url"`
	Nuts struct {
		MPP bool `json:"mpp"`
	} `json:"nuts"`
	FeePPK int64 `json:"input_fee_ppk"`
}

type keysetBody struct {
	ID     string `json:"id"`
	Unit   string `json:"unit"`
	Active bool   `json:"active"`
	FeePPK int64  `json:"input_fee_ppk"`
}

type swapBody struct {
	Inputs     []ecash.Proof `json:"inputs"`
	KeysetID   string        `json:"keyset_id"`
	Unit       string        `json:"unit"`
	SendAmount int64         `json:"send_amount"`
	KeepAmount int64         `json:"keep_amount"`
	Seed       string        `json:"seed,omitempty"`
	Counter    uint32        `json:"counter"`
}

type swapResult struct {
	Send        []ecash.Proof `json:"send"`
	Keep        []ecash.Proof `json:"keep"`
	OutputsUsed uint32        `json:"outputs_used"`
}

type meltQuoteBody struct {
	Request string `json:"request"`
	Unit    string `json:"unit"`
	Partial int64  `json:"partial_amount,omitempty"`
}

type meltQuoteResult struct {
	Quote      string `json:"quote"`
	Amount     int64  `json:"amount"`
	FeeReserve int64  `json:"fee_reserve"`
	Expiry     int64  `json:"expiry"`
	Paid       bool   `json:"paid"`
}

type meltBody struct {
	Quote    string        `json:"quote"`
	Inputs   []ecash.Proof `json:"inputs"`
	KeysetID string        `json:"keyset_id"`
	Seed     string        `json:"seed,omitempty"`
	Counter  uint32        `json:"counter"`
}

type meltResult struct {
	Paid        bool          `json:"paid"`
	Preimage    string        `json:"payment_preimage"`
	Change      []ecash.Proof `json:"change"`
	OutputsUsed uint32        `json:"outputs_used"`
}

type checkBody struct {
	Secrets []string `json:"secrets"`
}

type checkResult struct {
	States []struct {
		Secret string `json:"secret"`
		State  string `json:"state"`
	} `json:"states"`
}

type restoreBody struct {
	KeysetID string `json:"keyset_id"`
	Seed     string `json:"seed"`
	From     uint32 `json:"from"`
	Count    uint32 `json:"count"`
}

type restoreResult struct {
	Proofs []struct {
		Index uint32      `json:"index"`
		Proof ecash.Proof `json:"proof"`
	} `json:"proofs"`
}

// Info fetches mint metadata.
func (c *Client) Info(ctx context.Context, mint string) (ecash.MintInfo, error) {
	var out infoBody
	if err := c.do(ctx, "info", mint, http.MethodGet, "/v1/info", nil, &out); err != nil {
		return ecash.MintInfo{}, err
	}
	return ecash.MintInfo{
		URL:           ecash.NormalizeMintURL(mint),
		SupportsMPP:   out.Nuts.MPP,
		FeePPK:        out.FeePPK,
		LastCheckedAt: time.Now().UTC(),
	}, nil
}

// Keysets lists the mint keysets.
func (c *Client) Keysets(ctx context.Context, mint string) ([]ecash.Keyset, error) {
	var out struct {
		Keysets []keysetBody `json:"keysets"`
	}
	if err := c.do(ctx, "keysets", mint, http.MethodGet, "/v1/keysets", nil, &out); err != nil {
		return nil, err
	}
	keysets := make([]ecash.Keyset, 0, len(out.Keysets))
	for _, ks := range out.Keysets {
		unit := ks.Unit
		if unit == "" {
			unit = ecash.DefaultUnit
		}
		keysets = append(keysets, ecash.Keyset{ID: ks.ID, Unit: unit, Active: ks.Active, FeePPK: ks.FeePPK})
	}
	return keysets, nil
}

// Swap exchanges inputs for send and keep outputs.
func (c *Client) Swap(ctx context.Context, mint string, req ecash.SwapRequest) (ecash.SwapResponse, error) {
	body := swapBody{
		Inputs:     req.Inputs,
		KeysetID:   req.KeysetID,
		Unit:       req.Unit,
		SendAmount: req.SendAmount,
		KeepAmount: req.KeepAmount,
		Seed:       encodeSeed(req.Seed),
		Counter:    req.Counter,
	}
	var out swapResult
	if err := c.do(ctx, "swap", mint, http.MethodPost, "/v1/swap", body, &out); err != nil {
		return ecash.SwapResponse{}, err
	}
	return ecash.SwapResponse{Send: out.Send, Keep: out.Keep, OutputsUsed: out.OutputsUsed}, nil
}

// MeltQuote requests a quote for paying an invoice.
func (c *Client) MeltQuote(ctx context.Context, mint string, req ecash.MeltQuoteRequest) (ecash.MeltQuote, error) {
	body := meltQuoteBody{Request: req.Invoice, Unit: req.Unit, Partial: req.PartialAmount}
	var out meltQuoteResult
	if err := c.do(ctx, "melt_quote", mint, http.MethodPost, "/v1/melt/quote/bolt11", body, &out); err != nil {
		return ecash.MeltQuote{}, err
	}
	quote := ecash.MeltQuote{ID: out.Quote, Amount: out.Amount, FeeReserve: out.FeeReserve, Paid: out.Paid}
	if out.Expiry > 0 {
		quote.Expiry = time.Unix(out.Expiry, 0).UTC()
	}
	return quote, nil
}

// Melt pays a quoted invoice.
func (c *Client) Melt(ctx context.Context, mint string, req ecash.MeltRequest) (ecash.MeltResponse, error) {
	body := meltBody{
		Quote:    req.QuoteID,
		Inputs:   req.Inputs,
		KeysetID: req.KeysetID,
		Seed:     encodeSeed(req.Seed),
		Counter:  req.Counter,
	}
	var out meltResult
	if err := c.do(ctx, "melt", mint, http.MethodPost, "/v1/melt/bolt11", body, &out); err != nil {
		return ecash.MeltResponse{}, err
	}
	return ecash.MeltResponse{Paid: out.Paid, Preimage: out.Preimage, Change: out.Change, OutputsUsed: out.OutputsUsed}, nil
}

// CheckState reports the mint-side state of each proof.
func (c *Client) CheckState(ctx context.Context, mint string, proofs []ecash.Proof) ([]ecash.ProofState, error) {
	body := checkBody{Secrets: make([]string, 0, len(proofs))}
	for _, p := range proofs {
		body.Secrets = append(body.Secrets, p.Secret)
	}
	var out checkResult
	if err := c.do(ctx, "checkstate", mint, http.MethodPost, "/v1/checkstate", body, &out); err != nil {
		return nil, err
	}
	states := make([]ecash.ProofState, 0, len(out.States))
	for _, st := range out.States {
		states = append(states, ecash.ProofState{Secret: st.Secret, State: ecash.SpendState(strings.ToUpper(st.State))})
	}
	return states, nil
}

// Restore scans a window of deterministic outputs.
func (c *Client) Restore(ctx context.Context, mint string, req ecash.RestoreRequest) ([]ecash.RestoredProof, error) {
	body := restoreBody{KeysetID: req.KeysetID, Seed: encodeSeed(req.Seed), From: req.From, Count: req.Count}
	var out restoreResult
	if err := c.do(ctx, "restore", mint, http.MethodPost, "/v1/restore", body, &out); err != nil {
		return nil, err
	}
	restored := make([]ecash.RestoredProof, 0, len(out.Proofs))
	for _, p := range out.Proofs {
		restored = append(restored, ecash.RestoredProof{Index: p.Index, Proof: p.Proof})
	}
	return restored, nil
}

func (c *Client) do(ctx context.Context, op, mint, method, path string, payload, out any) (err error) {
	start := time.Now()
	defer func() {
		outcome := "success"
		if err != nil {
			outcome = ecash.KindOf(err).String()
		}
		observability.MintRPC().Observe(op, outcome, time.Since(start))
	}()

	mint = ecash.NormalizeMintURL(mint)
	if mint == "" {
		return ecash.NewMintError(ecash.KindRejected, op, mint, errors.New("mint url required"))
	}
	if err := c.limiter(mint).Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return ecash.NewMintError(ecash.KindUnknown, op, mint, ctx.Err())
		}
		return ecash.NewMintError(ecash.KindRateLimited, op, mint, err)
	}

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return ecash.NewMintError(ecash.KindRejected, op, mint, fmt.Errorf("encode request: %w", err))
		}
		body = bytes.NewReader(raw)
	}
	base := mint
	if c.gateway != "" {
		base = c.gateway
	}
	req, err := http.NewRequestWithContext(ctx, method, base+path, body)
	if err != nil {
		return ecash.NewMintError(ecash.KindRejected, op, mint, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.gateway != "" {
		req.Header.Set(MintHeader, mint)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return ecash.NewMintError(classifyTransport(err), op, mint, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return ecash.NewMintError(ecash.KindUnreachable, op, mint, fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode >= http.StatusBadRequest {
		mErr := responseError(op, mint, resp.StatusCode, raw)
		c.logger.Debug("wallet/mintrpc: mint rejected request",
			slog.String("op", op), slog.String("mint", mint),
			slog.Int("status", resp.StatusCode), slog.String("kind", mErr.Kind.String()))
		return mErr
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return ecash.NewMintError(ecash.KindUnknown, op, mint, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func (c *Client) limiter(mint string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l, ok := c.limiters[mint]; ok {
		return l
	}
	limit := c.rps
	if limit <= 0 {
		limit = rate.Inf
	}
	l := rate.NewLimiter(limit, c.burst)
	c.limiters[mint] = l
	return l
}

func responseError(op, mint string, status int, raw []byte) *ecash.MintError {
	var body errorBody
	_ = json.Unmarshal(raw, &body)
	detail := strings.TrimSpace(body.Detail)
	if detail == "" {
		detail = http.StatusText(status)
	}
	mErr := ecash.NewMintError(classifyStatus(status, body.Code), op, mint, errors.New(detail))
	mErr.Code = body.Code
	return mErr
}

func classifyStatus(status, code int) ecash.ErrorKind {
	switch {
	case status == http.StatusTooManyRequests:
		return ecash.KindRateLimited
	case status >= http.StatusInternalServerError:
		return ecash.KindUnreachable
	case status == http.StatusRequestTimeout:
		return ecash.KindUnreachable
	}
	switch code {
	case CodeTokenSpent, CodeTokenPending:
		return ecash.KindTokenSpent
	case CodeTokenNotVerified, CodeOutputsSigned, CodeKeysetUnknown, CodeKeysetInactive:
		return ecash.KindTokenInvalid
	case CodeFeeExceedsAmount:
		return ecash.KindFeeExceedsAmount
	case CodeUnbalanced, CodeAmountOutOfLimit:
		return ecash.KindInsufficientFunds
	default:
		return ecash.KindRejected
	}
}

func classifyTransport(err error) ecash.ErrorKind {
	if errors.Is(err, context.Canceled) {
		return ecash.KindUnknown
	}
	return ecash.KindUnreachable
}

func encodeSeed(seed []byte) string {
	if len(seed) == 0 {
		return ""
	}
	return hex.EncodeToString(seed)
}
