package seen

import (
	"context"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"cashrail/native/delivery"
	"cashrail/native/wallettest"
)

func TestJournalPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seen")
	j, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := j.Record("alice", "e1", "e2", ""); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := j.Record("bob", "e3"); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	j, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer j.Close()
	ids, err := j.Load("alice")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	sort.Strings(ids)
	if len(ids) != 2 || ids[0] != "e1" || ids[1] != "e2" {
		t.Fatalf("unexpected ids %v", ids)
	}
}

func TestJournalPrune(t *testing.T) {
	j, err := OpenMemory()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer j.Close()
	base := time.Unix(1_700_000_000, 0)
	j.clock = func() time.Time { return base }
	if err := j.Record("alice", "old"); err != nil {
		t.Fatalf("record: %v", err)
	}
	j.clock = func() time.Time { return base.Add(time.Hour) }
	if err := j.Record("alice", "new"); err != nil {
		t.Fatalf("record: %v", err)
	}
	removed, err := j.Prune("alice", base.Add(time.Minute))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 pruned entry, got %d", removed)
	}
	ids, _ := j.Load("alice")
	if len(ids) != 1 || ids[0] != "new" {
		t.Fatalf("unexpected ids after prune %v", ids)
	}
}

func TestInboxSeededFromJournalSkipsReplays(t *testing.T) {
	ctx := context.Background()
	j, err := OpenMemory()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer j.Close()
	net := wallettest.NewNetwork()
	self := "aa"
	env, err := net.Wrap(ctx, delivery.Rumor{From: "bb", To: self, Content: "hi", CreatedAt: time.Now().Unix()}, self)
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}

	first := delivery.NewInbox("alice", self, wallettest.NewMessages(), net, j, nil, nil)
	if h, err := first.Handle(ctx, env); err != nil || h.Outcome != delivery.OutcomeStored {
		t.Fatalf("first handle: %+v %v", h, err)
	}

	restarted := delivery.NewInbox("alice", self, wallettest.NewMessages(), net, j, nil, nil)
	if err := restarted.Seed(ctx); err != nil {
		t.Fatalf("seed: %v", err)
	}
	h, err := restarted.Handle(ctx, env)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if h.Outcome != delivery.OutcomeDuplicate {
		t.Fatalf("expected duplicate after restart, got %s", h.Outcome)
	}
}
