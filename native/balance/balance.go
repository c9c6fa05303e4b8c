package balance

import (
	"sort"

	"cashrail/native/ecash"
)

// MintBalance is the spendable total held at one mint.
type MintBalance struct {
	Mint     string
	Unit     string
	Amount   int64
	TokenIDs []string
	Payloads []string
	Tokens   []ecash.Token
}

// Aggregate groups accepted tokens by normalized mint URL. The result is sorted
// by mint URL. When unit is empty every unit is included and balances are
// keyed by mint alone.
func Aggregate(tokens []ecash.Token, unit string) []MintBalance {
	index := make(map[string]int)
	var out []MintBalance
	for _, tok := range tokens {
		if !tok.Spendable() {
			continue
		}
		if unit != "" && tok.Unit != unit {
			continue
		}
		mint := ecash.NormalizeMintURL(tok.Mint)
		pos, ok := index[mint]
		if !ok {
			pos = len(out)
			index[mint] = pos
			out = append(out, MintBalance{Mint: mint, Unit: unit})
		}
		entry := &out[pos]
		entry.Amount += tok.Amount
		entry.TokenIDs = append(entry.TokenIDs, tok.ID)
		entry.Payloads = append(entry.Payloads, tok.Payload)
		entry.Tokens = append(entry.Tokens, tok)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Mint < out[j].Mint })
	return out
}

// Spendable sums the accepted tokens. It must agree with the totals reported
// by Aggregate for the same input.
func Spendable(tokens []ecash.Token, unit string) int64 {
	var total int64
	for _, b := range Aggregate(tokens, unit) {
		total += b.Amount
	}
	return total
}

// Total sums a set of mint balances.
func Total(balances []MintBalance) int64 {
	var total int64
	for _, b := range balances {
		total += b.Amount
	}
	return total
}

// Find returns the balance bucket for mint, if any.
func Find(balances []MintBalance, mint string) (MintBalance, bool) {
	mint = ecash.NormalizeMintURL(mint)
	for _, b := range balances {
		if b.Mint == mint {
			return b, true
		}
	}
	return MintBalance{}, false
}
