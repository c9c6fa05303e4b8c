package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"cashrail/native/credit"
	"cashrail/native/delivery"
	"cashrail/native/ecash"
	"cashrail/native/split"
	"cashrail/native/wallettest"
)

const (
	testMint = "https://mint.example.com"
	owner    = "alice"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	store, err := Open(dsn)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func proof(amount int64, secret string) ecash.Proof {
	return ecash.Proof{Amount: amount, ID: "ks1", Secret: secret, C: "02" + secret}
}

func newToken(t *testing.T, proofs ...ecash.Proof) ecash.Token {
	t.Helper()
	tok, err := ecash.NewToken(owner, testMint+"/", ecash.DefaultUnit, proofs, ecash.SourceReceived, time.Now())
	if err != nil {
		t.Fatalf("new token: %v", err)
	}
	return tok
}

func TestTokenLifecycle(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)

	first := newToken(t, proof(1, "s1"), proof(2, "s2"))
	second := newToken(t, proof(4, "s3"))
	if err := store.InsertTokens(ctx, first, second); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := store.GetToken(ctx, owner, first.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Amount != 3 || len(got.Proofs) != 2 || got.Proofs[1].Secret != "s2" {
		t.Fatalf("unexpected token %+v", got)
	}
	if got.Mint != testMint {
		t.Fatalf("mint should be stored normalized, got %q", got.Mint)
	}

	listed, err := store.ListTokens(ctx, owner, ecash.TokenFilter{Mint: testMint, States: []ecash.TokenState{ecash.StateAccepted}})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed) != 2 || listed[0].ID != first.ID || listed[1].ID != second.ID {
		t.Fatalf("expected both tokens in insertion order, got %+v", listed)
	}

	if err := store.SetTokenState(ctx, owner, second.ID, ecash.StateError, "spent"); err != nil {
		t.Fatalf("set state: %v", err)
	}
	if err := store.SoftDeleteTokens(ctx, owner, []string{first.ID}, time.Now()); err != nil {
		t.Fatalf("soft delete: %v", err)
	}
	visible, err := store.ListTokens(ctx, owner, ecash.TokenFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(visible) != 1 || visible[0].State != ecash.StateError || visible[0].Error != "spent" {
		t.Fatalf("deleted token should be hidden, got %+v", visible)
	}
	all, err := store.ListTokens(ctx, owner, ecash.TokenFilter{IncludeDeleted: true})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 2 || all[0].DeletedAt == nil {
		t.Fatalf("expected deleted token with timestamp, got %+v", all)
	}

	known, err := store.KnownSecrets(ctx, owner, testMint)
	if err != nil {
		t.Fatalf("known: %v", err)
	}
	for _, secret := range []string{"s1", "s2", "s3"} {
		if _, ok := known[secret]; !ok {
			t.Fatalf("secret %s missing from %v", secret, known)
		}
	}

	if _, err := store.GetToken(ctx, owner, "missing"); !errors.Is(err, ecash.ErrTokenNotFound) {
		t.Fatalf("expected ErrTokenNotFound, got %v", err)
	}
	if err := store.SoftDeleteTokens(ctx, owner, []string{"missing"}, time.Now()); !errors.Is(err, ecash.ErrTokenNotFound) {
		t.Fatalf("expected ErrTokenNotFound, got %v", err)
	}
	if _, err := store.GetToken(ctx, "bob", first.ID); !errors.Is(err, ecash.ErrTokenNotFound) {
		t.Fatalf("tokens must be owner scoped, got %v", err)
	}
}

func TestCountersOnlyAdvance(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)

	if n, err := store.NextCounter(ctx, owner, testMint, "ks1"); err != nil || n != 0 {
		t.Fatalf("expected fresh counter 0, got %d (%v)", n, err)
	}
	if err := store.AdvanceCounter(ctx, owner, testMint+"/", "ks1", 12); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := store.AdvanceCounter(ctx, owner, testMint, "ks1", 5); err != nil {
		t.Fatalf("advance backwards: %v", err)
	}
	n, err := store.NextCounter(ctx, owner, testMint, "ks1")
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if n != 12 {
		t.Fatalf("expected counter 12, got %d", n)
	}
}

func TestPromisesIdempotentAndSettled(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)
	p := credit.Promise{
		ID: "p1", Owner: owner, Issuer: "bob", Recipient: "alice", Amount: 50, Unit: "sat",
		CreatedAt: now, ExpiresAt: now.Add(time.Hour), Direction: credit.DirectionIn,
	}
	inserted, err := store.InsertPromise(ctx, p)
	if err != nil || !inserted {
		t.Fatalf("first insert: %v %v", inserted, err)
	}
	inserted, err = store.InsertPromise(ctx, p)
	if err != nil || inserted {
		t.Fatalf("duplicate insert must be a no-op: %v %v", inserted, err)
	}
	if err := store.UpdateSettlement(ctx, owner, "p1", 20, now); err != nil {
		t.Fatalf("settle: %v", err)
	}
	got, err := store.GetPromise(ctx, owner, "p1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.SettledAmount != 20 || got.SettledAt == nil || got.Remaining() != 30 {
		t.Fatalf("unexpected settlement %+v", got)
	}

	byIssuer, err := store.ListPromises(ctx, owner, credit.PromiseFilter{Counterparty: "bob"})
	if err != nil || len(byIssuer) != 1 {
		t.Fatalf("expected promise by counterparty, got %v (%v)", byIssuer, err)
	}
	outgoing, err := store.ListPromises(ctx, owner, credit.PromiseFilter{Direction: credit.DirectionOut})
	if err != nil || len(outgoing) != 0 {
		t.Fatalf("expected no outgoing promises, got %v (%v)", outgoing, err)
	}
	if _, err := store.GetPromise(ctx, owner, "missing"); !errors.Is(err, credit.ErrPromiseNotFound) {
		t.Fatalf("expected ErrPromiseNotFound, got %v", err)
	}
}

func TestMessagesMarkSentOnce(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	msg := delivery.Message{
		ID: "m1", Owner: owner, ContactID: "bob", Direction: delivery.DirectionOut,
		Content: "hello", ClientID: "c1", Status: delivery.StatusPending,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
	if err := store.InsertMessage(ctx, msg); err != nil {
		t.Fatalf("insert: %v", err)
	}
	reply := msg
	reply.ID, reply.ClientID, reply.Direction, reply.Status = "m2", "", delivery.DirectionIn, delivery.StatusSent
	if err := store.InsertMessage(ctx, reply); err != nil {
		t.Fatalf("insert reply: %v", err)
	}

	changed, err := store.MarkSent(ctx, owner, "m1", "wrap-1")
	if err != nil || !changed {
		t.Fatalf("first mark: %v %v", changed, err)
	}
	changed, err = store.MarkSent(ctx, owner, "m1", "wrap-2")
	if err != nil || changed {
		t.Fatalf("second mark must not transition: %v %v", changed, err)
	}
	found, err := store.FindByClientID(ctx, owner, "c1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if found.Status != delivery.StatusSent || found.WrapID != "wrap-1" {
		t.Fatalf("unexpected message %+v", found)
	}
	if _, err := store.MarkSent(ctx, owner, "missing", ""); !errors.Is(err, delivery.ErrMessageNotFound) {
		t.Fatalf("expected ErrMessageNotFound, got %v", err)
	}

	history, err := store.ListMessages(ctx, owner, delivery.MessageFilter{ContactID: "bob"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(history) != 2 || history[0].ID != "m1" || history[1].ID != "m2" {
		t.Fatalf("expected insertion order, got %+v", history)
	}
	incoming, err := store.ListMessages(ctx, owner, delivery.MessageFilter{Direction: delivery.DirectionIn})
	if err != nil || len(incoming) != 1 {
		t.Fatalf("expected one incoming message, got %v (%v)", incoming, err)
	}
}

func TestSplitEngineOnDurableStore(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	mint := wallettest.NewMint()
	mint.AddMint(testMint, "ks1", 0, false)
	tok, err := ecash.NewToken(owner, testMint, ecash.DefaultUnit, mint.Issue(testMint, "ks1", 64, nil, 0), ecash.SourceReceived, time.Now())
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if err := store.InsertTokens(ctx, tok); err != nil {
		t.Fatalf("insert: %v", err)
	}

	engine, err := split.NewEngine(store, mint)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	res, err := engine.Split(ctx, split.SplitRequest{Owner: owner, Mint: testMint, Amount: 40, Seed: []byte("seed")})
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if res.Send == nil || res.Send.Amount != 40 || res.Change == nil || res.Change.Amount != 24 {
		t.Fatalf("unexpected split result %+v", res)
	}
	accepted, err := store.ListTokens(ctx, owner, ecash.TokenFilter{States: []ecash.TokenState{ecash.StateAccepted}})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(accepted) != 1 || accepted[0].Amount != 24 {
		t.Fatalf("expected only change accepted, got %+v", accepted)
	}
	counter, err := store.NextCounter(ctx, owner, testMint, "ks1")
	if err != nil || counter == 0 {
		t.Fatalf("expected deterministic counter to advance, got %d (%v)", counter, err)
	}
}
