package wallettest

import (
	"context"
	"time"

	"cashrail/native/ecash"
)

// Fund issues one accepted token per amount at the mint and stores it for
// owner. It panics on store errors since it is only used to build fixtures.
func Fund(store *Store, mint *Mint, owner, url, keysetID string, amounts ...int64) []ecash.Token {
	var out []ecash.Token
	for _, amount := range amounts {
		proofs := mint.Issue(url, keysetID, amount, nil, 0)
		tok, err := ecash.NewToken(owner, url, ecash.DefaultUnit, proofs, ecash.SourceReceived, time.Now())
		if err != nil {
			panic(err)
		}
		if err := store.InsertTokens(context.Background(), tok); err != nil {
			panic(err)
		}
		out = append(out, tok)
	}
	return out
}
