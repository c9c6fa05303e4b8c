package split

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cashrail/native/ecash"
	"cashrail/native/wallettest"
)

const (
	testMint  = "https://mint.example.com"
	testOwner = "alice"
)

type fixture struct {
	store  *wallettest.Store
	mint   *wallettest.Mint
	engine *Engine
}

func newFixture(t *testing.T, feePPK int64) *fixture {
	t.Helper()
	store := wallettest.NewStore()
	mint := wallettest.NewMint()
	mint.AddMint(testMint, "ks1", feePPK, false)
	engine, err := NewEngine(store, mint)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return &fixture{store: store, mint: mint, engine: engine}
}

func (f *fixture) accepted(t *testing.T) int64 {
	t.Helper()
	tokens, err := f.store.ListTokens(context.Background(), testOwner, ecash.TokenFilter{States: []ecash.TokenState{ecash.StateAccepted}})
	if err != nil {
		t.Fatalf("list tokens: %v", err)
	}
	return ecash.SumTokens(tokens)
}

func TestSplitProducesSendAndChange(t *testing.T) {
	f := newFixture(t, 0)
	inputs := wallettest.Fund(f.store, f.mint, testOwner, testMint, "ks1", 64)

	res, err := f.engine.Split(context.Background(), SplitRequest{Owner: testOwner, Mint: testMint + "/", Amount: 10, Seed: []byte{1, 2}})
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if !res.Swapped || res.Send == nil || res.Change == nil {
		t.Fatalf("expected swap with send and change, got %+v", res)
	}
	if res.Send.Amount != 10 || res.Send.State != ecash.StatePending || res.Send.Source != ecash.SourceSend {
		t.Fatalf("unexpected send token %+v", res.Send)
	}
	if res.Change.Amount != 54 {
		t.Fatalf("unexpected change %d", res.Change.Amount)
	}
	input, err := f.store.GetToken(context.Background(), testOwner, inputs[0].ID)
	if err != nil {
		t.Fatalf("get input: %v", err)
	}
	if input.State != ecash.StateDeleted || input.DeletedAt == nil {
		t.Fatalf("input must be soft deleted, got %s", input.State)
	}
	if got := f.accepted(t); got != 54 {
		t.Fatalf("expected 54 accepted, got %d", got)
	}
	counter, _ := f.store.NextCounter(context.Background(), testOwner, testMint, "ks1")
	// 10 = 2+8, 54 = 2+4+16+32
	if counter != 6 {
		t.Fatalf("expected counter 6, got %d", counter)
	}
}

func TestSplitExactAmountSkipsSwap(t *testing.T) {
	f := newFixture(t, 0)
	tokens := wallettest.Fund(f.store, f.mint, testOwner, testMint, "ks1", 8, 2)

	res, err := f.engine.Split(context.Background(), SplitRequest{Owner: testOwner, Mint: testMint, Amount: 8})
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if res.Swapped || f.mint.Calls["swap"] != 0 {
		t.Fatalf("exact amount must not swap")
	}
	if res.Send == nil || res.Send.ID != tokens[0].ID || res.Send.State != ecash.StatePending {
		t.Fatalf("expected input to become the send token, got %+v", res.Send)
	}

	res, err = f.engine.Split(context.Background(), SplitRequest{Owner: testOwner, Mint: testMint, Amount: 2})
	if err != nil || res.Send == nil || res.Send.Amount != 2 {
		t.Fatalf("unexpected second split %+v err %v", res, err)
	}
}

func TestSplitFeeExceedsAmountMergesLocally(t *testing.T) {
	f := newFixture(t, 0)
	wallettest.Fund(f.store, f.mint, testOwner, testMint, "ks1", 4, 2)
	f.mint.FailNext("swap", ecash.NewMintError(ecash.KindFeeExceedsAmount, "swap", testMint, nil))

	res, err := f.engine.Split(context.Background(), SplitRequest{Owner: testOwner, Mint: testMint, Amount: 5})
	if err != nil {
		t.Fatalf("fee exceeds amount must not surface an error: %v", err)
	}
	if res.Send != nil || res.Merged == nil || res.Merged.Amount != 6 {
		t.Fatalf("expected local merge, got %+v", res)
	}
	if f.store.Count(testOwner, ecash.StateAccepted) != 1 || f.accepted(t) != 6 {
		t.Fatalf("expected single merged token of 6")
	}
}

func TestSplitTransientFailureLeavesTokensUntouched(t *testing.T) {
	f := newFixture(t, 0)
	wallettest.Fund(f.store, f.mint, testOwner, testMint, "ks1", 32)
	f.mint.FailNext("swap", ecash.NewMintError(ecash.KindUnreachable, "swap", testMint, context.DeadlineExceeded))

	_, err := f.engine.Split(context.Background(), SplitRequest{Owner: testOwner, Mint: testMint, Amount: 5})
	if !ecash.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if errors.Is(err, ErrPostSwapFailure) {
		t.Fatalf("pre-swap failure must not be terminal")
	}
	if f.store.Count(testOwner, ecash.StateAccepted) != 1 || f.store.Count(testOwner, ecash.StateError) != 0 {
		t.Fatalf("transient errors must not change token state")
	}
}

func TestSplitDefinitiveFailureMarksSpentInputs(t *testing.T) {
	f := newFixture(t, 0)
	tokens := wallettest.Fund(f.store, f.mint, testOwner, testMint, "ks1", 16, 8)
	f.mint.Spend(tokens[0].Proofs...)

	_, err := f.engine.Split(context.Background(), SplitRequest{Owner: testOwner, Mint: testMint, Amount: 20})
	if !ecash.IsKind(err, ecash.KindTokenSpent) {
		t.Fatalf("expected token spent, got %v", err)
	}
	spent, _ := f.store.GetToken(context.Background(), testOwner, tokens[0].ID)
	fresh, _ := f.store.GetToken(context.Background(), testOwner, tokens[1].ID)
	if spent.State != ecash.StateError || spent.Error != "token_spent" {
		t.Fatalf("spent token must be marked error, got %s", spent.State)
	}
	if fresh.State != ecash.StateAccepted {
		t.Fatalf("unspent token must stay accepted, got %s", fresh.State)
	}
}

func TestSplitPostSwapFailureIsTerminal(t *testing.T) {
	f := newFixture(t, 0)
	wallettest.Fund(f.store, f.mint, testOwner, testMint, "ks1", 32)
	f.store.FailInsert = errors.New("disk full")

	_, err := f.engine.Split(context.Background(), SplitRequest{Owner: testOwner, Mint: testMint, Amount: 5})
	if !errors.Is(err, ErrPostSwapFailure) {
		t.Fatalf("expected post swap failure, got %v", err)
	}
	counter, _ := f.store.NextCounter(context.Background(), testOwner, testMint, "ks1")
	if counter == 0 {
		t.Fatalf("counter must advance once the mint consumed outputs")
	}
}

func TestSplitRejectsInsufficientAndMixedInputs(t *testing.T) {
	f := newFixture(t, 0)
	tokens := wallettest.Fund(f.store, f.mint, testOwner, testMint, "ks1", 4)
	if _, err := f.engine.Split(context.Background(), SplitRequest{Owner: testOwner, Mint: testMint, Amount: 5}); !errors.Is(err, ErrInsufficientInputs) {
		t.Fatalf("expected insufficient inputs, got %v", err)
	}
	other := tokens[0]
	other.Mint = "https://other.example.com"
	if _, err := f.engine.Split(context.Background(), SplitRequest{Owner: testOwner, Mint: testMint, Amount: 1, Tokens: []ecash.Token{other}}); !errors.Is(err, ErrMixedInputs) {
		t.Fatalf("expected mixed inputs, got %v", err)
	}
}

func TestSplitAccountsForInputFee(t *testing.T) {
	f := newFixture(t, 1000)
	wallettest.Fund(f.store, f.mint, testOwner, testMint, "ks1", 8, 4)

	res, err := f.engine.Split(context.Background(), SplitRequest{Owner: testOwner, Mint: testMint, Amount: 9})
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if res.Fee != 2 || res.Send.Amount != 9 || res.Change.Amount != 1 {
		t.Fatalf("unexpected fee accounting %+v", res)
	}
}

func TestLocksSerialiseSameKey(t *testing.T) {
	locks := NewLocks()
	key := LockKey{Mint: testMint, Unit: "sat", Keyset: "ks1"}
	var active, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = locks.Do(context.Background(), key, func(context.Context) error {
				n := atomic.AddInt32(&active, 1)
				for {
					p := atomic.LoadInt32(&peak)
					if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&active, -1)
				return nil
			})
		}()
	}
	wg.Wait()
	if peak != 1 {
		t.Fatalf("expected serial execution, saw %d concurrent holders", peak)
	}

	hold := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = locks.Do(context.Background(), LockKey{Mint: testMint + "/", Unit: "sat", Keyset: "ks1"}, func(context.Context) error {
			close(hold)
			<-release
			return nil
		})
	}()
	<-hold
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := locks.Do(ctx, key, func(context.Context) error { return nil }); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline while lock held, got %v", err)
	}
	if err := locks.Do(context.Background(), LockKey{Mint: testMint, Unit: "sat", Keyset: "ks2"}, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("other keysets must not block: %v", err)
	}
	close(release)
}
