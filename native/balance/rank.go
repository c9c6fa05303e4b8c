package balance

import (
	"sort"

	"cashrail/native/ecash"
)

// RankOptions tunes candidate ordering.
type RankOptions struct {
	// PreferredMint, when set, is placed first regardless of fitness.
	PreferredMint string
	// ReserveMint holds funds the caller wants to keep; it sorts last among
	// candidates of equal fitness.
	ReserveMint string
	// IncludeEmpty keeps mints with no spendable balance.
	IncludeEmpty bool
}

// Candidate is a ranked mint that may fund a payment.
type Candidate struct {
	MintBalance
	Info      ecash.MintInfo
	Preferred bool
	Reserve   bool
}

// RankCandidates orders mint balances for spending: the explicit preferred
// mint first, then MPP capable mints, then descending balance. The reserve
// mint drops to the bottom of its MPP class. Remaining ties break on URL.
func RankCandidates(balances []MintBalance, infos map[string]ecash.MintInfo, opts RankOptions) []Candidate {
	preferred := ecash.NormalizeMintURL(opts.PreferredMint)
	reserve := ecash.NormalizeMintURL(opts.ReserveMint)

	normalizedInfo := make(map[string]ecash.MintInfo, len(infos))
	for url, info := range infos {
		normalizedInfo[ecash.NormalizeMintURL(url)] = info
	}

	out := make([]Candidate, 0, len(balances))
	for _, b := range balances {
		if b.Amount <= 0 && !opts.IncludeEmpty {
			continue
		}
		b.Mint = ecash.NormalizeMintURL(b.Mint)
		info, ok := normalizedInfo[b.Mint]
		if !ok {
			info = ecash.MintInfo{URL: b.Mint}
		}
		out = append(out, Candidate{
			MintBalance: b,
			Info:        info,
			Preferred:   preferred != "" && b.Mint == preferred,
			Reserve:     reserve != "" && b.Mint == reserve,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Preferred != b.Preferred {
			return a.Preferred
		}
		if a.Info.SupportsMPP != b.Info.SupportsMPP {
			return a.Info.SupportsMPP
		}
		if a.Reserve != b.Reserve {
			return !a.Reserve
		}
		if a.Amount != b.Amount {
			return a.Amount > b.Amount
		}
		return a.Mint < b.Mint
	})
	return out
}

// Covering returns the first candidate whose balance alone covers amount.
func Covering(candidates []Candidate, amount int64) (Candidate, bool) {
	for _, c := range candidates {
		if c.Amount >= amount {
			return c, true
		}
	}
	return Candidate{}, false
}
