package restore

import (
	"context"
	"errors"
	"testing"
	"time"

	"cashrail/native/ecash"
	"cashrail/native/wallettest"
)

const (
	testMint  = "https://mint.example.com"
	otherMint = "https://other.example.com"
	testOwner = "alice"
)

var seed = []byte("correct horse battery staple")

func newEngine(t *testing.T, store *wallettest.Store, mint *wallettest.Mint, cfg Config) *Engine {
	t.Helper()
	engine, err := NewEngine(store, mint, WithConfig(cfg))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return engine
}

func TestRestoreRecoversAndIsIdempotent(t *testing.T) {
	store := wallettest.NewStore()
	mint := wallettest.NewMint()
	mint.AddMint(testMint, "ks1", 0, false)
	issued := mint.Issue(testMint, "ks1", 255, seed, 0)
	if len(issued) != 8 {
		t.Fatalf("expected 8 proofs, got %d", len(issued))
	}

	engine := newEngine(t, store, mint, Config{BatchSize: 4, EmptyBatches: 2, MaxProofsPerToken: 3})
	report, err := engine.Restore(context.Background(), Request{Owner: testOwner, Mints: []string{testMint + "/"}, Seed: seed})
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if report.RestoredProofs != 8 {
		t.Fatalf("expected 8 restored proofs, got %d", report.RestoredProofs)
	}
	if report.CreatedTokens != 3 {
		t.Fatalf("expected proofs chunked into 3 tokens, got %d", report.CreatedTokens)
	}
	if len(report.PerMint) != 1 || report.PerMint[0].RestoredAmount != 255 {
		t.Fatalf("unexpected per mint report %+v", report.PerMint)
	}
	for _, tok := range store.Tokens(testOwner) {
		if tok.State != ecash.StateAccepted || tok.Source != ecash.SourceRestored {
			t.Fatalf("restored token should be accepted, got %+v", tok)
		}
	}
	counter, _ := store.NextCounter(context.Background(), testOwner, testMint, "ks1")
	if counter != 8 {
		t.Fatalf("expected counter just past the last issued index (8), got %d", counter)
	}
	firstCalls := mint.Calls["restore"]
	if firstCalls != 4 {
		t.Fatalf("expected 2 hit batches and 2 empty batches, got %d", firstCalls)
	}

	for i := 0; i < 2; i++ {
		before := mint.Calls["restore"]
		again, err := engine.Restore(context.Background(), Request{Owner: testOwner, Mints: []string{testMint}, Seed: seed})
		if err != nil {
			t.Fatalf("repeat restore: %v", err)
		}
		if again.CreatedTokens != 0 || again.RestoredProofs != 0 {
			t.Fatalf("repeat restore must be a no-op, got %+v", again)
		}
		if calls := mint.Calls["restore"] - before; calls != firstCalls {
			t.Fatalf("repeat restore should rescan the window once (%d calls), got %d", firstCalls, calls)
		}
	}
	if got := len(store.Tokens(testOwner)); got != 3 {
		t.Fatalf("expected 3 tokens after repeat, got %d", got)
	}
	counter, _ = store.NextCounter(context.Background(), testOwner, testMint, "ks1")
	if counter != 8 {
		t.Fatalf("repeat restore must not move the counter, got %d", counter)
	}
}

func TestRestoreSkipsSpentAndKnownProofs(t *testing.T) {
	store := wallettest.NewStore()
	mint := wallettest.NewMint()
	mint.AddMint(testMint, "ks1", 0, false)
	issued := mint.Issue(testMint, "ks1", 7, seed, 0) // 1, 2, 4
	mint.Spend(issued[0])
	held, err := ecash.NewToken(testOwner, testMint, ecash.DefaultUnit, issued[1:2], ecash.SourceReceived, time.Now())
	if err != nil {
		t.Fatalf("new token: %v", err)
	}
	if err := store.InsertTokens(context.Background(), held); err != nil {
		t.Fatalf("insert: %v", err)
	}

	engine := newEngine(t, store, mint, Config{})
	report, err := engine.Restore(context.Background(), Request{Owner: testOwner, Seed: seed})
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if report.RestoredProofs != 1 || report.PerMint[0].RestoredAmount != issued[2].Amount {
		t.Fatalf("expected only the unknown unspent proof, got %+v", report)
	}
}

func TestRestoreFallsBackToFullScan(t *testing.T) {
	store := wallettest.NewStore()
	mint := wallettest.NewMint()
	mint.AddMint(testMint, "ks1", 0, false)
	mint.Issue(testMint, "ks1", 3, seed, 0)
	// Counter far beyond the issued range, as after local deletion.
	if err := store.AdvanceCounter(context.Background(), testOwner, testMint, "ks1", 1000); err != nil {
		t.Fatalf("advance: %v", err)
	}

	engine := newEngine(t, store, mint, Config{Window: 300, BatchSize: 100, EmptyBatches: 3})
	report, err := engine.Restore(context.Background(), Request{Owner: testOwner, Mints: []string{testMint}, Seed: seed})
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if report.RestoredProofs != 2 {
		t.Fatalf("expected full scan to recover 2 proofs, got %d", report.RestoredProofs)
	}
	counter, _ := store.NextCounter(context.Background(), testOwner, testMint, "ks1")
	if counter != 1000 {
		t.Fatalf("counter must not move backwards, got %d", counter)
	}
	if mint.Calls["restore"] != 7 {
		t.Fatalf("expected 3 window batches and 4 full scan batches, got %d", mint.Calls["restore"])
	}
}

func TestRestoreContinuesPastFailingMint(t *testing.T) {
	store := wallettest.NewStore()
	mint := wallettest.NewMint()
	mint.AddMint(testMint, "ks1", 0, false)
	mint.AddMint(otherMint, "ks2", 0, false)
	mint.Issue(testMint, "ks1", 4, seed, 0)
	mint.SetUnreachable(otherMint, true)

	engine := newEngine(t, store, mint, Config{})
	report, err := engine.Restore(context.Background(), Request{Owner: testOwner, Mints: []string{otherMint, testMint}, Seed: seed})
	if err == nil {
		t.Fatalf("expected error for unreachable mint")
	}
	if !ecash.IsKind(err, ecash.KindUnreachable) {
		t.Fatalf("expected unreachable kind, got %v", err)
	}
	if report.RestoredProofs != 1 {
		t.Fatalf("reachable mint should still restore, got %+v", report)
	}
	if len(store.Tokens(testOwner)) != 1 {
		t.Fatalf("expected one restored token")
	}
}

func TestRestoreRequiresSeed(t *testing.T) {
	engine := newEngine(t, wallettest.NewStore(), wallettest.NewMint(), Config{})
	if _, err := engine.Restore(context.Background(), Request{Owner: testOwner}); !errors.Is(err, ErrSeedRequired) {
		t.Fatalf("expected ErrSeedRequired, got %v", err)
	}
}
