// Package walletd exposes a wallet over an authenticated HTTP API and wires
// the daemon's storage, mint and relay collaborators.
package walletd

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"cashrail/native/balance"
	"cashrail/native/ecash"
	"cashrail/native/payments"
	"cashrail/native/restore"
	"cashrail/native/split"
	"cashrail/native/wallet"
)

// Wallet is the wallet surface served over HTTP.
type Wallet interface {
	Pay(ctx context.Context, req wallet.PayRequest) (payments.PayResult, error)
	PayInvoice(ctx context.Context, invoice string) (payments.InvoiceResult, error)
	Receive(ctx context.Context, encoded string) (split.ReceiveResult, error)
	Balances(ctx context.Context) ([]balance.MintBalance, error)
	AvailableCredit(ctx context.Context, counterparty string) (int64, error)
	Restore(ctx context.Context, mints ...string) (restore.Report, error)
	CheckToken(ctx context.Context, id string) (split.CheckResult, error)
	SetOnline(ctx context.Context, online bool) (payments.FlushReport, error)
	Pending(ctx context.Context) ([]payments.PendingPayment, error)
	IdentityReady() bool
	Online() bool
}

// Server serves the wallet API.
type Server struct {
	wallet  Wallet
	auth    *Authenticator
	limiter *RateLimiter
	logger  *slog.Logger
	timeout time.Duration

	router http.Handler
}

// Options configures the server.
type Options struct {
	Auth    *Authenticator
	Limiter *RateLimiter
	Logger  *slog.Logger
	// RequestTimeout bounds each API call; zero means 60s.
	RequestTimeout time.Duration
}

// NewServer builds the router.
func NewServer(w Wallet, opts Options) *Server {
	s := &Server{
		wallet:  w,
		auth:    opts.Auth,
		limiter: opts.Limiter,
		logger:  opts.Logger,
		timeout: opts.RequestTimeout,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.auth == nil {
		s.auth = NewAuthenticator(AuthConfig{}, s.logger)
	}
	if s.limiter == nil {
		s.limiter = NewRateLimiter(0, 0)
	}
	if s.timeout <= 0 {
		s.timeout = 60 * time.Second
	}
	s.router = s.buildRouter()
	return s
}

// Handler returns the traced HTTP handler.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "walletd")
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(api chi.Router) {
		api.Use(s.auth.Middleware)
		api.Use(s.limiter.Middleware)
		api.Use(chimw.Timeout(s.timeout))
		api.Post("/pay", s.pay)
		api.Post("/invoice/pay", s.payInvoice)
		api.Post("/receive", s.receive)
		api.Get("/balance", s.balance)
		api.Get("/credit/{counterparty}", s.credit)
		api.Post("/restore", s.restore)
		api.Get("/tokens/{id}/check", s.checkToken)
		api.Post("/network/{state}", s.network)
		api.Get("/pending", s.pending)
	})
	return r
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"identityReady": s.wallet.IdentityReady(),
		"online":        s.wallet.Online(),
	})
}

type payRequest struct {
	ContactID     string `json:"contactId"`
	ContactPubKey string `json:"contactPubKey"`
	Amount        int64  `json:"amount"`
	AllowPromise  *bool  `json:"allowPromise,omitempty"`
	PreferredMint string `json:"preferredMint,omitempty"`
}

type payResponse struct {
	Status        string   `json:"status"`
	State         string   `json:"state"`
	CreditApplied int64    `json:"creditApplied"`
	EcashSent     int64    `json:"ecashSent"`
	PromiseIssued int64    `json:"promiseIssued"`
	PromiseID     string   `json:"promiseId,omitempty"`
	Messages      []string `json:"messages,omitempty"`
	PendingIDs    []string `json:"pendingIds,omitempty"`
}

func (s *Server) pay(w http.ResponseWriter, r *http.Request) {
	var req payRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Amount <= 0 || strings.TrimSpace(req.ContactPubKey) == "" {
		writeError(w, http.StatusBadRequest, "contactPubKey and a positive amount are required")
		return
	}
	res, err := s.wallet.Pay(r.Context(), wallet.PayRequest{
		ContactID:     req.ContactID,
		ContactPubKey: req.ContactPubKey,
		Amount:        req.Amount,
		AllowPromise:  req.AllowPromise,
		PreferredMint: req.PreferredMint,
	})
	if err != nil {
		s.fail(w, "pay", err)
		return
	}
	status := http.StatusOK
	if res.Status == payments.StatusQueued {
		status = http.StatusAccepted
	}
	writeJSON(w, status, payResponse{
		Status:        string(res.Status),
		State:         string(res.State),
		CreditApplied: res.CreditApplied,
		EcashSent:     res.EcashSent,
		PromiseIssued: res.PromiseIssued,
		PromiseID:     res.PromiseID,
		Messages:      res.Messages,
		PendingIDs:    res.PendingIDs,
	})
}

type invoicePart struct {
	Mint     string `json:"mint"`
	Amount   int64  `json:"amount"`
	FeePaid  int64  `json:"feePaid"`
	Preimage string `json:"preimage,omitempty"`
}

func (s *Server) payInvoice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Invoice string `json:"invoice"`
	}
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Invoice) == "" {
		writeError(w, http.StatusBadRequest, "invoice is required")
		return
	}
	res, err := s.wallet.PayInvoice(r.Context(), strings.TrimSpace(req.Invoice))
	if err != nil {
		s.fail(w, "pay_invoice", err)
		return
	}
	parts := make([]invoicePart, 0, len(res.Parts))
	for _, p := range res.Parts {
		parts = append(parts, invoicePart{Mint: p.Mint, Amount: p.Amount, FeePaid: p.FeePaid, Preimage: p.Preimage})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"paid":    res.Paid,
		"amount":  res.Amount,
		"feePaid": res.FeePaid,
		"parts":   parts,
	})
}

func (s *Server) receive(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if !decode(w, r, &req) {
		return
	}
	res, err := s.wallet.Receive(r.Context(), strings.TrimSpace(req.Token))
	if err != nil {
		s.fail(w, "receive", err)
		return
	}
	out := map[string]any{"duplicate": res.Duplicate, "pending": res.Pending}
	if res.Token != nil {
		out["tokenId"] = res.Token.ID
		out["mint"] = res.Token.Mint
		out["amount"] = res.Token.Amount
		out["state"] = string(res.Token.State)
	}
	status := http.StatusOK
	if res.Pending {
		status = http.StatusAccepted
	}
	writeJSON(w, status, out)
}

type mintBalance struct {
	Mint   string `json:"mint"`
	Unit   string `json:"unit"`
	Amount int64  `json:"amount"`
	Tokens int    `json:"tokens"`
}

func (s *Server) balance(w http.ResponseWriter, r *http.Request) {
	balances, err := s.wallet.Balances(r.Context())
	if err != nil {
		s.fail(w, "balance", err)
		return
	}
	out := make([]mintBalance, 0, len(balances))
	for _, b := range balances {
		out = append(out, mintBalance{Mint: b.Mint, Unit: b.Unit, Amount: b.Amount, Tokens: len(b.TokenIDs)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"total": balance.Total(balances), "mints": out})
}

func (s *Server) credit(w http.ResponseWriter, r *http.Request) {
	counterparty := chi.URLParam(r, "counterparty")
	available, err := s.wallet.AvailableCredit(r.Context(), counterparty)
	if err != nil {
		s.fail(w, "credit", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"counterparty": counterparty, "available": available})
}

func (s *Server) restore(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mints []string `json:"mints"`
	}
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	report, err := s.wallet.Restore(r.Context(), req.Mints...)
	if err != nil {
		s.fail(w, "restore", err)
		return
	}
	perMint := make([]map[string]any, 0, len(report.PerMint))
	for _, m := range report.PerMint {
		entry := map[string]any{"mint": m.Mint, "proofs": m.RestoredProofs, "tokens": m.CreatedTokens, "amount": m.RestoredAmount}
		if m.Err != nil {
			entry["error"] = m.Err.Error()
		}
		perMint = append(perMint, entry)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"restoredProofs": report.RestoredProofs,
		"createdTokens":  report.CreatedTokens,
		"mints":          perMint,
	})
}

func (s *Server) checkToken(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, err := s.wallet.CheckToken(r.Context(), id)
	if err != nil {
		s.fail(w, "check_token", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "result": string(res)})
}

func (s *Server) network(w http.ResponseWriter, r *http.Request) {
	var online bool
	switch chi.URLParam(r, "state") {
	case "online":
		online = true
	case "offline":
		online = false
	default:
		writeError(w, http.StatusBadRequest, "state must be online or offline")
		return
	}
	report, err := s.wallet.SetOnline(r.Context(), online)
	if err != nil {
		s.fail(w, "network", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"online":    online,
		"attempted": report.Attempted,
		"resolved":  report.Resolved,
		"dropped":   report.Dropped,
		"remaining": report.Remaining,
	})
}

func (s *Server) pending(w http.ResponseWriter, r *http.Request) {
	items, err := s.wallet.Pending(r.Context())
	if err != nil {
		s.fail(w, "pending", err)
		return
	}
	if items == nil {
		items = []payments.PendingPayment{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": items})
}

func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("wallet/api: request failed", slog.String("op", op), slog.Any("error", err))
	} else {
		s.logger.Info("wallet/api: request rejected", slog.String("op", op), slog.Int("status", status), slog.Any("error", err))
	}
	writeError(w, status, err.Error())
}

// statusFor maps the caller facing error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, payments.ErrInvalidRequest),
		errors.Is(err, ecash.ErrInvalidToken),
		errors.Is(err, ecash.ErrMalformedToken):
		return http.StatusBadRequest
	case errors.Is(err, ecash.ErrTokenNotFound):
		return http.StatusNotFound
	case errors.Is(err, wallet.ErrNoIdentity):
		return http.StatusConflict
	case errors.Is(err, payments.ErrInsufficientFunds),
		errors.Is(err, payments.ErrPromiseCapExceeded):
		return http.StatusPaymentRequired
	case errors.Is(err, payments.ErrTokenInvalid):
		return http.StatusUnprocessableEntity
	case errors.Is(err, payments.ErrMintUnreachable),
		errors.Is(err, wallet.ErrQueueClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, payments.ErrDeliveryTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, payments.ErrDeliveryFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
