package wallettest

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"cashrail/native/ecash"
)

// Mint is a deterministic in-memory ecash.MintClient. Output secrets derive
// from the seed, keyset and counter so restores can rediscover them.
type Mint struct {
	mu sync.Mutex

	keysets     map[string][]ecash.Keyset
	infos       map[string]ecash.MintInfo
	spent       map[string]bool
	issued      map[string]map[uint32]ecash.Proof
	failures    map[string][]error
	unreachable map[string]bool
	invoices    map[string]int64
	quotes      map[string]ecash.MeltQuote
	anonymous   int

	// FeeReserve is added to every melt quote; ActualFee is what a melt
	// really charges, the rest returns as change.
	FeeReserve int64
	ActualFee  int64

	Calls map[string]int
}

// NewMint returns a fake mint client with no mints registered.
func NewMint() *Mint {
	return &Mint{
		keysets:     make(map[string][]ecash.Keyset),
		infos:       make(map[string]ecash.MintInfo),
		spent:       make(map[string]bool),
		issued:      make(map[string]map[uint32]ecash.Proof),
		failures:    make(map[string][]error),
		unreachable: make(map[string]bool),
		invoices:    make(map[string]int64),
		quotes:      make(map[string]ecash.MeltQuote),
		Calls:       make(map[string]int),
	}
}

// AddMint registers a mint with a single active sat keyset.
func (m *Mint) AddMint(url, keysetID string, feePPK int64, mpp bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	url = ecash.NormalizeMintURL(url)
	m.keysets[url] = []ecash.Keyset{{ID: keysetID, Unit: ecash.DefaultUnit, Active: true, FeePPK: feePPK}}
	m.infos[url] = ecash.MintInfo{URL: url, SupportsMPP: mpp, FeePPK: feePPK}
}

// SetUnreachable makes every call to the mint fail with KindUnreachable.
func (m *Mint) SetUnreachable(url string, down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unreachable[ecash.NormalizeMintURL(url)] = down
}

// FailNext queues err for the next call of op ("swap", "melt", "checkstate",
// "keysets", "restore", "meltquote").
func (m *Mint) FailNext(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = append(m.failures[op], err)
}

// SetInvoice registers the amount encoded by an invoice.
func (m *Mint) SetInvoice(invoice string, amount int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invoices[invoice] = amount
}

// Issue mints proofs for amount without a swap, as a mint quote would. With
// a seed the outputs are deterministic starting at counter.
func (m *Mint) Issue(url, keysetID string, amount int64, seed []byte, counter uint32) []ecash.Proof {
	m.mu.Lock()
	defer m.mu.Unlock()
	proofs, _ := m.outputs(ecash.NormalizeMintURL(url), keysetID, amount, seed, counter)
	return proofs
}

// Spend marks proofs as spent, as if another wallet redeemed them.
func (m *Mint) Spend(proofs ...ecash.Proof) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range proofs {
		m.spent[p.Secret] = true
	}
}

// IsSpent reports whether the mint considers the secret spent.
func (m *Mint) IsSpent(secret string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.spent[secret]
}

func (m *Mint) enter(op, url string) error {
	m.Calls[op]++
	if m.unreachable[url] {
		return ecash.NewMintError(ecash.KindUnreachable, op, url, context.DeadlineExceeded)
	}
	if queued := m.failures[op]; len(queued) > 0 {
		m.failures[op] = queued[1:]
		return queued[0]
	}
	return nil
}

func (m *Mint) keyset(url, id string) (ecash.Keyset, bool) {
	for _, ks := range m.keysets[url] {
		if ks.ID == id {
			return ks, true
		}
	}
	return ecash.Keyset{}, false
}

func (m *Mint) Info(_ context.Context, url string) (ecash.MintInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	url = ecash.NormalizeMintURL(url)
	if err := m.enter("info", url); err != nil {
		return ecash.MintInfo{}, err
	}
	info, ok := m.infos[url]
	if !ok {
		return ecash.MintInfo{}, ecash.NewMintError(ecash.KindUnreachable, "info", url, errors.New("unknown mint"))
	}
	info.LastCheckedAt = time.Now().UTC()
	return info, nil
}

func (m *Mint) Keysets(_ context.Context, url string) ([]ecash.Keyset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	url = ecash.NormalizeMintURL(url)
	if err := m.enter("keysets", url); err != nil {
		return nil, err
	}
	ks, ok := m.keysets[url]
	if !ok {
		return nil, ecash.NewMintError(ecash.KindUnreachable, "keysets", url, errors.New("unknown mint"))
	}
	return append([]ecash.Keyset(nil), ks...), nil
}

func (m *Mint) checkInputs(op, url string, inputs []ecash.Proof) (int64, error) {
	var total int64
	for _, p := range inputs {
		if m.spent[p.Secret] {
			return 0, ecash.NewMintError(ecash.KindTokenSpent, op, url, fmt.Errorf("proof %s already spent", p.Secret))
		}
		if p.Amount <= 0 {
			return 0, ecash.NewMintError(ecash.KindTokenInvalid, op, url, errors.New("invalid proof amount"))
		}
		total += p.Amount
	}
	return total, nil
}

func (m *Mint) Swap(_ context.Context, url string, req ecash.SwapRequest) (ecash.SwapResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	url = ecash.NormalizeMintURL(url)
	if err := m.enter("swap", url); err != nil {
		return ecash.SwapResponse{}, err
	}
	ks, ok := m.keyset(url, req.KeysetID)
	if !ok {
		return ecash.SwapResponse{}, ecash.NewMintError(ecash.KindRejected, "swap", url, errors.New("unknown keyset"))
	}
	total, err := m.checkInputs("swap", url, req.Inputs)
	if err != nil {
		return ecash.SwapResponse{}, err
	}
	fee := ks.InputFee(len(req.Inputs))
	if total <= fee {
		return ecash.SwapResponse{}, ecash.NewMintError(ecash.KindFeeExceedsAmount, "swap", url, nil)
	}
	if req.SendAmount < 0 || req.KeepAmount < 0 || req.SendAmount+req.KeepAmount+fee != total {
		return ecash.SwapResponse{}, ecash.NewMintError(ecash.KindInsufficientFunds, "swap", url,
			fmt.Errorf("inputs %d fee %d outputs %d", total, fee, req.SendAmount+req.KeepAmount))
	}
	for _, p := range req.Inputs {
		m.spent[p.Secret] = true
	}
	counter := req.Counter
	send, n := m.outputs(url, ks.ID, req.SendAmount, req.Seed, counter)
	keep, k := m.outputs(url, ks.ID, req.KeepAmount, req.Seed, counter+n)
	return ecash.SwapResponse{Send: send, Keep: keep, OutputsUsed: n + k}, nil
}

func (m *Mint) MeltQuote(_ context.Context, url string, req ecash.MeltQuoteRequest) (ecash.MeltQuote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	url = ecash.NormalizeMintURL(url)
	if err := m.enter("meltquote", url); err != nil {
		return ecash.MeltQuote{}, err
	}
	amount, ok := m.invoices[req.Invoice]
	if !ok {
		return ecash.MeltQuote{}, ecash.NewMintError(ecash.KindRejected, "meltquote", url, errors.New("unknown invoice"))
	}
	if req.PartialAmount > 0 {
		if !m.infos[url].SupportsMPP {
			return ecash.MeltQuote{}, ecash.NewMintError(ecash.KindRejected, "meltquote", url, errors.New("mpp unsupported"))
		}
		amount = req.PartialAmount
	}
	m.anonymous++
	quote := ecash.MeltQuote{
		ID:         fmt.Sprintf("quote-%d", m.anonymous),
		Amount:     amount,
		FeeReserve: m.FeeReserve,
		Expiry:     time.Now().Add(time.Hour),
	}
	m.quotes[quote.ID] = quote
	return quote, nil
}

func (m *Mint) Melt(_ context.Context, url string, req ecash.MeltRequest) (ecash.MeltResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	url = ecash.NormalizeMintURL(url)
	if err := m.enter("melt", url); err != nil {
		return ecash.MeltResponse{}, err
	}
	quote, ok := m.quotes[req.QuoteID]
	if !ok {
		return ecash.MeltResponse{}, ecash.NewMintError(ecash.KindRejected, "melt", url, errors.New("unknown quote"))
	}
	total, err := m.checkInputs("melt", url, req.Inputs)
	if err != nil {
		return ecash.MeltResponse{}, err
	}
	if total < quote.Amount+quote.FeeReserve {
		return ecash.MeltResponse{}, ecash.NewMintError(ecash.KindInsufficientFunds, "melt", url, nil)
	}
	for _, p := range req.Inputs {
		m.spent[p.Secret] = true
	}
	change, n := m.outputs(url, req.KeysetID, total-quote.Amount-m.ActualFee, req.Seed, req.Counter)
	delete(m.quotes, req.QuoteID)
	return ecash.MeltResponse{Paid: true, Preimage: "preimage-" + req.QuoteID, Change: change, OutputsUsed: n}, nil
}

func (m *Mint) CheckState(_ context.Context, url string, proofs []ecash.Proof) ([]ecash.ProofState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	url = ecash.NormalizeMintURL(url)
	if err := m.enter("checkstate", url); err != nil {
		return nil, err
	}
	out := make([]ecash.ProofState, 0, len(proofs))
	for _, p := range proofs {
		state := ecash.ProofUnspent
		if m.spent[p.Secret] {
			state = ecash.ProofSpent
		}
		out = append(out, ecash.ProofState{Secret: p.Secret, State: state})
	}
	return out, nil
}

func (m *Mint) Restore(_ context.Context, url string, req ecash.RestoreRequest) ([]ecash.RestoredProof, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	url = ecash.NormalizeMintURL(url)
	if err := m.enter("restore", url); err != nil {
		return nil, err
	}
	issued := m.issued[m.seedKey(url, req.KeysetID, req.Seed)]
	var out []ecash.RestoredProof
	for i := req.From; i < req.From+req.Count; i++ {
		if p, ok := issued[i]; ok {
			out = append(out, ecash.RestoredProof{Index: i, Proof: p})
		}
	}
	return out, nil
}

func (m *Mint) seedKey(url, keyset string, seed []byte) string {
	return url + "|" + keyset + "|" + hex.EncodeToString(seed)
}

// outputs creates power-of-two proofs for amount. Deterministic outputs are
// recorded for restore. It returns the proofs and the counter slots used.
func (m *Mint) outputs(url, keyset string, amount int64, seed []byte, counter uint32) ([]ecash.Proof, uint32) {
	if amount <= 0 {
		return nil, 0
	}
	parts := ecash.SplitAmount(amount)
	out := make([]ecash.Proof, 0, len(parts))
	key := m.seedKey(url, keyset, seed)
	for i, amt := range parts {
		idx := counter + uint32(i)
		var secret string
		if len(seed) > 0 {
			secret = fmt.Sprintf("%s-%s-%d", hex.EncodeToString(seed), keyset, idx)
		} else {
			m.anonymous++
			secret = fmt.Sprintf("anon-%s-%d", keyset, m.anonymous)
		}
		p := ecash.Proof{Amount: amt, ID: keyset, Secret: secret, C: "C-" + secret}
		out = append(out, p)
		if len(seed) > 0 {
			if m.issued[key] == nil {
				m.issued[key] = make(map[uint32]ecash.Proof)
			}
			m.issued[key][idx] = p
		}
	}
	return out, uint32(len(parts))
}

var _ ecash.MintClient = (*Mint)(nil)
var _ ecash.TokenStore = (*Store)(nil)
