package wallet

import (
	"context"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cashrail/native/credit"
	"cashrail/native/delivery"
	"cashrail/native/ecash"
	"cashrail/native/payments"
	"cashrail/native/split"
	"cashrail/native/wallettest"
)

const mintA = "https://mint-a.example.com"

var (
	alicePub = strings.Repeat("a", 64)
	bobPub   = strings.Repeat("b", 64)
	carolPub = strings.Repeat("c", 64)
)

type memPending struct {
	mu   sync.Mutex
	rows map[string]payments.PendingPayment
}

func newMemPending() *memPending {
	return &memPending{rows: make(map[string]payments.PendingPayment)}
}

func (m *memPending) Put(_ context.Context, p payments.PendingPayment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[p.Owner+"|"+p.ID] = p
	return nil
}

func (m *memPending) Delete(_ context.Context, owner, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := owner + "|" + id
	if _, ok := m.rows[key]; !ok {
		return payments.ErrPendingNotFound
	}
	delete(m.rows, key)
	return nil
}

func (m *memPending) List(_ context.Context, owner string) ([]payments.PendingPayment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []payments.PendingPayment
	for _, p := range m.rows {
		if p.Owner == owner {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type peer struct {
	wallet *Wallet
	store  *wallettest.Store
	msgs   *wallettest.Messages
}

func newPeer(t *testing.T, net *wallettest.Network, mint *wallettest.Mint, cfg Config) *peer {
	t.Helper()
	p := &peer{store: wallettest.NewStore(), msgs: wallettest.NewMessages()}
	cfg.Delivery = delivery.Config{
		Relays:        []string{"wss://relay.example.com"},
		RetryBackoff:  time.Millisecond,
		ConfirmWindow: 20 * time.Millisecond,
	}
	w, err := New(Deps{
		Tokens:    p.store,
		Credit:    p.store,
		Messages:  p.msgs,
		Pending:   newMemPending(),
		Mints:     mint,
		Directory: payments.StaticMints{mintA: {URL: mintA, SupportsMPP: true}},
		Transport: net,
		Wrapper:   net,
	}, cfg)
	require.NoError(t, err)
	t.Cleanup(w.Close)
	p.wallet = w
	return p
}

func (p *peer) login(t *testing.T, owner, pub string) {
	t.Helper()
	_, err := p.wallet.SwitchIdentity(context.Background(), Identity{Owner: owner, PubKey: pub, Seed: []byte(owner + "-seed")})
	require.NoError(t, err)
}

func (p *peer) balance(t *testing.T) int64 {
	t.Helper()
	total, err := p.wallet.Balance(context.Background())
	require.NoError(t, err)
	return total
}

func newPair(t *testing.T, cfg Config) (*wallettest.Network, *wallettest.Mint, *peer, *peer) {
	t.Helper()
	net := wallettest.NewNetwork()
	mint := wallettest.NewMint()
	mint.AddMint(mintA, "ka", 0, true)
	alice := newPeer(t, net, mint, cfg)
	bob := newPeer(t, net, mint, cfg)
	alice.login(t, "alice", alicePub)
	bob.login(t, "bob", bobPub)
	return net, mint, alice, bob
}

func TestWalletRequiresIdentity(t *testing.T) {
	mint := wallettest.NewMint()
	net := wallettest.NewNetwork()
	p := newPeer(t, net, mint, Config{})

	require.False(t, p.wallet.IdentityReady())
	_, err := p.wallet.Pay(context.Background(), PayRequest{ContactPubKey: bobPub, Amount: 10})
	require.ErrorIs(t, err, ErrNoIdentity)
	_, err = p.wallet.Balance(context.Background())
	require.ErrorIs(t, err, ErrNoIdentity)
}

func TestPayDeliversEcashToRecipient(t *testing.T) {
	_, mint, alice, bob := newPair(t, Config{})
	wallettest.Fund(alice.store, mint, "alice", mintA, "ka", 64, 64)
	require.EqualValues(t, 128, alice.balance(t))

	res, err := alice.wallet.Pay(context.Background(), PayRequest{ContactPubKey: bobPub, Amount: 100})
	require.NoError(t, err)
	require.Equal(t, payments.StatusConfirmed, res.Status)
	require.EqualValues(t, 100, res.EcashSent)
	require.EqualValues(t, 28, alice.balance(t))

	bob.wallet.WaitIdle()
	require.EqualValues(t, 100, bob.balance(t))

	history, err := bob.wallet.Messages(context.Background(), delivery.MessageFilter{})
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, delivery.DirectionIn, history[0].Direction)
	require.Equal(t, alicePub, history[0].ContactID)
}

func TestPromiseAndSettlementReachBothSides(t *testing.T) {
	_, _, alice, bob := newPair(t, Config{AllowPromises: true})

	res, err := alice.wallet.Pay(context.Background(), PayRequest{ContactPubKey: bobPub, Amount: 50})
	require.NoError(t, err)
	require.Equal(t, payments.StatusConfirmed, res.Status)
	require.EqualValues(t, 50, res.PromiseIssued)

	available, err := bob.wallet.AvailableCredit(context.Background(), alicePub)
	require.NoError(t, err)
	require.EqualValues(t, 50, available)

	// Bob pays Alice back by drawing down what she owes him.
	back, err := bob.wallet.Pay(context.Background(), PayRequest{ContactPubKey: alicePub, Amount: 30})
	require.NoError(t, err)
	require.EqualValues(t, 30, back.CreditApplied)

	available, err = bob.wallet.AvailableCredit(context.Background(), alicePub)
	require.NoError(t, err)
	require.EqualValues(t, 20, available)

	issued, err := alice.wallet.Promises(context.Background(), credit.PromiseFilter{Direction: credit.DirectionOut})
	require.NoError(t, err)
	require.Len(t, issued, 1)
	require.EqualValues(t, 30, issued[0].SettledAmount)
	require.EqualValues(t, 20, issued[0].Remaining())
}

func TestSettlementFromDebtorIsIgnored(t *testing.T) {
	_, _, alice, bob := newPair(t, Config{AllowPromises: true})

	res, err := alice.wallet.Pay(context.Background(), PayRequest{ContactPubKey: bobPub, Amount: 50})
	require.NoError(t, err)
	require.EqualValues(t, 50, res.PromiseIssued)

	// Alice owes the promise; only Bob may settle it.
	forged, err := credit.SettlementMessage{PromiseID: res.PromiseID, Amount: 50, SettledAt: time.Now().Unix()}.Encode()
	require.NoError(t, err)
	sent, err := alice.wallet.SendText(context.Background(), bobPub, forged)
	require.NoError(t, err)
	require.True(t, sent.Delivered)

	available, err := bob.wallet.AvailableCredit(context.Background(), alicePub)
	require.NoError(t, err)
	require.EqualValues(t, 50, available)
}

func TestPayWithoutPromisesFailsOnShortfall(t *testing.T) {
	_, _, alice, _ := newPair(t, Config{})
	_, err := alice.wallet.Pay(context.Background(), PayRequest{ContactPubKey: bobPub, Amount: 10})
	require.ErrorIs(t, err, payments.ErrInsufficientFunds)

	allow := true
	res, err := alice.wallet.Pay(context.Background(), PayRequest{ContactPubKey: bobPub, Amount: 10, AllowPromise: &allow})
	require.NoError(t, err)
	require.EqualValues(t, 10, res.PromiseIssued)
}

func TestOfflinePaymentFlushesWhenBackOnline(t *testing.T) {
	_, mint, alice, bob := newPair(t, Config{})
	wallettest.Fund(alice.store, mint, "alice", mintA, "ka", 32)

	_, err := alice.wallet.SetOnline(context.Background(), false)
	require.NoError(t, err)
	res, err := alice.wallet.Pay(context.Background(), PayRequest{ContactPubKey: bobPub, Amount: 20})
	require.NoError(t, err)
	require.Equal(t, payments.StatusQueued, res.Status)
	require.EqualValues(t, 32, alice.balance(t))

	pending, err := alice.wallet.Pending(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)

	report, err := alice.wallet.SetOnline(context.Background(), true)
	require.NoError(t, err)
	require.Equal(t, 1, report.Resolved)
	require.Zero(t, report.Remaining)
	require.EqualValues(t, 12, alice.balance(t))

	bob.wallet.WaitIdle()
	require.EqualValues(t, 20, bob.balance(t))
}

func TestSwitchIdentityScopesSession(t *testing.T) {
	_, mint, alice, bob := newPair(t, Config{})
	wallettest.Fund(bob.store, mint, "bob", mintA, "ka", 16)
	wallettest.Fund(alice.store, mint, "alice", mintA, "ka", 8)
	require.EqualValues(t, 8, alice.balance(t))

	_, err := alice.wallet.SwitchIdentity(context.Background(), Identity{Owner: "carol", PubKey: carolPub, Seed: []byte("carol-seed")})
	require.NoError(t, err)
	require.Zero(t, alice.balance(t))

	// Sent while the alice session is down.
	_, err = bob.wallet.Pay(context.Background(), PayRequest{ContactPubKey: alicePub, Amount: 16})
	require.NoError(t, err)
	alice.wallet.WaitIdle()
	require.Zero(t, alice.msgs.Len("alice"))

	alice.login(t, "alice", alicePub)
	alice.wallet.WaitIdle()
	require.EqualValues(t, 24, alice.balance(t))
}

func TestCheckTokenAndRestore(t *testing.T) {
	_, mint, alice, _ := newPair(t, Config{})
	funded := wallettest.Fund(alice.store, mint, "alice", mintA, "ka", 4)

	verdict, err := alice.wallet.CheckToken(context.Background(), funded[0].ID)
	require.NoError(t, err)
	require.Equal(t, split.CheckOK, verdict)

	mint.Spend(funded[0].Proofs...)
	verdict, err = alice.wallet.CheckToken(context.Background(), funded[0].ID)
	require.NoError(t, err)
	require.Equal(t, split.CheckInvalid, verdict)

	mint.Issue(mintA, "ka", 6, []byte("alice-seed"), 0)
	report, err := alice.wallet.Restore(context.Background(), mintA)
	require.NoError(t, err)
	require.Equal(t, 2, report.RestoredProofs)
	require.EqualValues(t, 6, alice.balance(t))

	tokens, err := alice.store.ListTokens(context.Background(), "alice", ecash.TokenFilter{States: []ecash.TokenState{ecash.StateAccepted}})
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	require.Equal(t, ecash.SourceRestored, tokens[0].Source)
}
