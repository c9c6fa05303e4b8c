package split

import (
	"context"
	"errors"
	"testing"

	"cashrail/native/ecash"
)

func TestReceiveSwapsIntoFreshProofs(t *testing.T) {
	f := newFixture(t, 0)
	proofs := f.mint.Issue(testMint, "ks1", 21, nil, 0)
	encoded, err := ecash.EncodeToken(testMint, "sat", "", proofs)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	res, err := f.engine.Receive(context.Background(), testOwner, encoded, []byte("seed"))
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if res.Token == nil || res.Token.Amount != 21 || res.Token.State != ecash.StateAccepted {
		t.Fatalf("unexpected received token %+v", res)
	}
	for _, p := range proofs {
		if !f.mint.IsSpent(p.Secret) {
			t.Fatalf("incoming proofs must be redeemed at the mint")
		}
	}
	if _, err := f.engine.Receive(context.Background(), testOwner, encoded, []byte("seed")); !ecash.IsKind(err, ecash.KindTokenSpent) {
		t.Fatalf("expected replayed token to be rejected as spent, got %v", err)
	}
	if f.accepted(t) != 21 {
		t.Fatalf("replay must not double credit")
	}
}

func TestReceiveParksTokenWhenMintUnreachable(t *testing.T) {
	f := newFixture(t, 0)
	proofs := f.mint.Issue(testMint, "ks1", 5, nil, 0)
	encoded, _ := ecash.EncodeToken(testMint, "sat", "", proofs)
	f.mint.SetUnreachable(testMint, true)

	res, err := f.engine.Receive(context.Background(), testOwner, encoded, nil)
	if err != nil {
		t.Fatalf("unreachable mint must not fail receive: %v", err)
	}
	if !res.Pending || f.store.Count(testOwner, ecash.StatePending) != 1 {
		t.Fatalf("expected parked pending token, got %+v", res)
	}

	res, err = f.engine.Receive(context.Background(), testOwner, encoded, nil)
	if err != nil || !res.Duplicate {
		t.Fatalf("expected duplicate, got %+v %v", res, err)
	}

	f.mint.SetUnreachable(testMint, false)
	claimed, err := f.engine.ClaimPending(context.Background(), testOwner, nil)
	if err != nil || claimed != 1 {
		t.Fatalf("expected one claimed token, got %d %v", claimed, err)
	}
	if f.store.Count(testOwner, ecash.StatePending) != 0 || f.accepted(t) != 5 {
		t.Fatalf("pending token must be replaced by an accepted one")
	}
}

func TestReceiveRejectsMalformedToken(t *testing.T) {
	f := newFixture(t, 0)
	if _, err := f.engine.Receive(context.Background(), testOwner, "cashuAgarbage", nil); !errors.Is(err, ecash.ErrMalformedToken) {
		t.Fatalf("expected malformed token, got %v", err)
	}
}

func TestMergeConsolidatesTokens(t *testing.T) {
	f := newFixture(t, 0)
	fundMany(f, 1, 2, 4, 8)
	merged, err := f.engine.Merge(context.Background(), testOwner, testMint, "sat", nil)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if merged == nil || merged.Amount != 15 || f.store.Count(testOwner, ecash.StateAccepted) != 1 {
		t.Fatalf("expected single merged token, got %+v", merged)
	}
	again, err := f.engine.Merge(context.Background(), testOwner, testMint, "sat", nil)
	if err != nil || again != nil {
		t.Fatalf("nothing left to merge, got %+v %v", again, err)
	}
}

func TestMeltPaysInvoiceAndKeepsChange(t *testing.T) {
	f := newFixture(t, 0)
	f.mint.FeeReserve = 4
	f.mint.ActualFee = 1
	f.mint.SetInvoice("lnbc200n1test", 20)
	fundMany(f, 64)

	res, err := f.engine.Melt(context.Background(), MeltRequest{Owner: testOwner, Mint: testMint, Invoice: "lnbc200n1test"})
	if err != nil {
		t.Fatalf("melt: %v", err)
	}
	if !res.Paid || res.Amount != 20 || res.FeePaid != 1 || res.Change == nil || res.Change.Amount != 3 {
		t.Fatalf("unexpected melt result %+v", res)
	}
	if got := f.accepted(t); got != 43 {
		t.Fatalf("expected 43 accepted after melt, got %d", got)
	}
	if f.store.Count(testOwner, ecash.StatePending) != 0 {
		t.Fatalf("melted send token must be retired")
	}
}

func TestMeltRejectedReclaimsReservedProofs(t *testing.T) {
	f := newFixture(t, 0)
	f.mint.SetInvoice("lnbc1", 10)
	fundMany(f, 32)
	f.mint.FailNext("melt", ecash.NewMintError(ecash.KindRejected, "melt", testMint, errors.New("route not found")))

	_, err := f.engine.Melt(context.Background(), MeltRequest{Owner: testOwner, Mint: testMint, Invoice: "lnbc1"})
	if !errors.Is(err, ErrPostSwapFailure) {
		t.Fatalf("expected post swap failure, got %v", err)
	}
	if got := f.accepted(t); got != 32 {
		t.Fatalf("rejected melt must return funds to accepted, got %d", got)
	}
}

func TestReclaimAndCheck(t *testing.T) {
	f := newFixture(t, 0)
	fundMany(f, 16)
	res, err := f.engine.Split(context.Background(), SplitRequest{Owner: testOwner, Mint: testMint, Amount: 6})
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	state, err := f.engine.Reclaim(context.Background(), testOwner, res.Send.ID)
	if err != nil || state != ecash.StateAccepted {
		t.Fatalf("unspent send token must be reclaimed, got %s %v", state, err)
	}
	if _, err := f.engine.Reclaim(context.Background(), testOwner, res.Send.ID); !errors.Is(err, ErrTokenNotPending) {
		t.Fatalf("expected not pending, got %v", err)
	}

	verdict, err := f.engine.Check(context.Background(), testOwner, res.Send.ID)
	if err != nil || verdict != CheckOK {
		t.Fatalf("expected ok, got %s %v", verdict, err)
	}
	f.mint.Spend(res.Change.Proofs...)
	verdict, err = f.engine.Check(context.Background(), testOwner, res.Change.ID)
	if err != nil || verdict != CheckInvalid {
		t.Fatalf("expected invalid, got %s %v", verdict, err)
	}
	f.mint.SetUnreachable(testMint, true)
	verdict, err = f.engine.Check(context.Background(), testOwner, res.Send.ID)
	if err != nil || verdict != CheckTransient {
		t.Fatalf("expected transient, got %s %v", verdict, err)
	}
	tok, _ := f.store.GetToken(context.Background(), testOwner, res.Send.ID)
	if tok.State != ecash.StateAccepted {
		t.Fatalf("transient check must not change state, got %s", tok.State)
	}
}

func fundMany(f *fixture, amounts ...int64) {
	for _, amount := range amounts {
		proofs := f.mint.Issue(testMint, "ks1", amount, nil, 0)
		tok, err := ecash.NewToken(testOwner, testMint, "sat", proofs, ecash.SourceReceived, f.engine.clock())
		if err != nil {
			panic(err)
		}
		if err := f.store.InsertTokens(context.Background(), tok); err != nil {
			panic(err)
		}
	}
}
