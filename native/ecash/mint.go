package ecash

import (
	"context"
	"time"
)

// SpendState is the mint-side state of a proof.
type SpendState string

const (
	ProofUnspent SpendState = "UNSPENT"
	ProofPending SpendState = "PENDING"
	ProofSpent   SpendState = "SPENT"
)

// ProofState pairs a proof secret with its mint-side state.
type ProofState struct {
	Secret string
	State  SpendState
}

// SwapRequest asks a mint to exchange inputs for a send and a keep output set.
// Outputs are derived deterministically from Seed starting at Counter when a
// seed is supplied.
type SwapRequest struct {
	Inputs     []Proof
	KeysetID   string
	Unit       string
	SendAmount int64
	KeepAmount int64
	Seed       []byte
	Counter    uint32
}

// SwapResponse carries the unblinded outputs of a swap.
type SwapResponse struct {
	Send        []Proof
	Keep        []Proof
	OutputsUsed uint32
}

// MeltQuoteRequest requests a quote for paying a Lightning invoice. A positive
// PartialAmount asks for a multi-path share of the invoice.
type MeltQuoteRequest struct {
	Invoice       string
	Unit          string
	PartialAmount int64
}

// MeltQuote is the mint's offer to pay an invoice.
type MeltQuote struct {
	ID         string
	Amount     int64
	FeeReserve int64
	Expiry     time.Time
	Paid       bool
}

// MeltRequest pays a quoted invoice with inputs; change outputs follow the
// deterministic counter.
type MeltRequest struct {
	QuoteID  string
	Inputs   []Proof
	KeysetID string
	Seed     []byte
	Counter  uint32
}

// MeltResponse reports the payment outcome.
type MeltResponse struct {
	Paid        bool
	Preimage    string
	Change      []Proof
	OutputsUsed uint32
}

// RestoreRequest scans a window of deterministic outputs.
type RestoreRequest struct {
	KeysetID string
	Seed     []byte
	From     uint32
	Count    uint32
}

// RestoredProof is a proof recovered at a deterministic counter index.
type RestoredProof struct {
	Index uint32
	Proof Proof
}

// MintClient is the black-box mint protocol consumed by the core. Implementations
// must return *MintError values so callers can classify failures.
type MintClient interface {
	Info(ctx context.Context, mint string) (MintInfo, error)
	Keysets(ctx context.Context, mint string) ([]Keyset, error)
	Swap(ctx context.Context, mint string, req SwapRequest) (SwapResponse, error)
	MeltQuote(ctx context.Context, mint string, req MeltQuoteRequest) (MeltQuote, error)
	Melt(ctx context.Context, mint string, req MeltRequest) (MeltResponse, error)
	CheckState(ctx context.Context, mint string, proofs []Proof) ([]ProofState, error)
	Restore(ctx context.Context, mint string, req RestoreRequest) ([]RestoredProof, error)
}

// ActiveKeyset picks the active keyset for unit, preferring the lowest fee.
func ActiveKeyset(keysets []Keyset, unit string) (Keyset, bool) {
	var (
		best  Keyset
		found bool
	)
	for _, ks := range keysets {
		if !ks.Active || ks.Unit != unit {
			continue
		}
		if !found || ks.FeePPK < best.FeePPK {
			best = ks
			found = true
		}
	}
	return best, found
}
