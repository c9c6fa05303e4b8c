package balance

import (
	"testing"

	"cashrail/native/ecash"
)

func token(id, mint string, amount int64, state ecash.TokenState) ecash.Token {
	return ecash.Token{ID: id, Mint: mint, Unit: "sat", Amount: amount, State: state, Payload: "p-" + id}
}

func TestAggregateMergesEquivalentURLs(t *testing.T) {
	tokens := []ecash.Token{
		token("a", "https://mint.example.com/", 10, ecash.StateAccepted),
		token("b", "https://mint.example.com", 5, ecash.StateAccepted),
		token("c", "https://mint.example.com", 100, ecash.StatePending),
		token("d", "https://other.example.com", 7, ecash.StateAccepted),
		token("e", "https://other.example.com", 9, ecash.StateDeleted),
	}
	balances := Aggregate(tokens, "sat")
	if len(balances) != 2 {
		t.Fatalf("expected 2 buckets, got %d", len(balances))
	}
	first, ok := Find(balances, "https://mint.example.com/")
	if !ok || first.Amount != 15 || len(first.TokenIDs) != 2 || len(first.Payloads) != 2 {
		t.Fatalf("unexpected bucket %+v", first)
	}
	if Spendable(tokens, "sat") != Total(balances) || Total(balances) != 22 {
		t.Fatalf("spendable %d disagrees with aggregate %d", Spendable(tokens, "sat"), Total(balances))
	}
}

func TestAggregateFiltersUnit(t *testing.T) {
	usd := token("u", "https://mint.example.com", 3, ecash.StateAccepted)
	usd.Unit = "usd"
	tokens := []ecash.Token{usd, token("s", "https://mint.example.com", 4, ecash.StateAccepted)}
	if got := Spendable(tokens, "sat"); got != 4 {
		t.Fatalf("expected 4 sat, got %d", got)
	}
	if got := Spendable(tokens, ""); got != 7 {
		t.Fatalf("expected 7 across units, got %d", got)
	}
}

func TestRankCandidates(t *testing.T) {
	balances := []MintBalance{
		{Mint: "https://a.example", Amount: 500},
		{Mint: "https://b.example", Amount: 50},
		{Mint: "https://c.example", Amount: 900},
		{Mint: "https://d.example", Amount: 900},
		{Mint: "https://e.example", Amount: 0},
	}
	infos := map[string]ecash.MintInfo{
		"https://b.example/": {SupportsMPP: true},
		"https://c.example":  {SupportsMPP: false},
	}

	ranked := RankCandidates(balances, infos, RankOptions{})
	want := []string{"https://b.example", "https://c.example", "https://d.example", "https://a.example"}
	assertOrder(t, ranked, want)

	ranked = RankCandidates(balances, infos, RankOptions{PreferredMint: "https://a.example/", ReserveMint: "https://c.example"})
	want = []string{"https://a.example", "https://b.example", "https://d.example", "https://c.example"}
	assertOrder(t, ranked, want)

	ranked = RankCandidates(balances, infos, RankOptions{IncludeEmpty: true})
	if len(ranked) != 5 {
		t.Fatalf("expected empty mint to be kept, got %d", len(ranked))
	}
}

func TestCovering(t *testing.T) {
	candidates := []Candidate{
		{MintBalance: MintBalance{Mint: "x", Amount: 10}},
		{MintBalance: MintBalance{Mint: "y", Amount: 40}},
	}
	c, ok := Covering(candidates, 30)
	if !ok || c.Mint != "y" {
		t.Fatalf("expected y to cover, got %+v", c)
	}
	if _, ok := Covering(candidates, 41); ok {
		t.Fatalf("no candidate should cover 41")
	}
}

func assertOrder(t *testing.T, ranked []Candidate, want []string) {
	t.Helper()
	if len(ranked) != len(want) {
		t.Fatalf("expected %d candidates, got %d", len(want), len(ranked))
	}
	for i := range want {
		if ranked[i].Mint != want[i] {
			got := make([]string, len(ranked))
			for j, c := range ranked {
				got[j] = c.Mint
			}
			t.Fatalf("unexpected order %v, want %v", got, want)
		}
	}
}
