package export

import (
	"context"
	"testing"
	"time"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"

	"cashrail/native/credit"
	"cashrail/native/ecash"
	"cashrail/native/wallettest"
)

func readTokens(t *testing.T, path string) []tokenRecord {
	t.Helper()
	fr, err := local.NewLocalFileReader(path)
	if err != nil {
		t.Fatalf("open parquet: %v", err)
	}
	defer fr.Close()
	pr, err := reader.NewParquetReader(fr, new(tokenRecord), 1)
	if err != nil {
		t.Fatalf("parquet reader: %v", err)
	}
	defer pr.ReadStop()
	rows := make([]tokenRecord, int(pr.GetNumRows()))
	if err := pr.Read(&rows); err != nil {
		t.Fatalf("read rows: %v", err)
	}
	return rows
}

func TestHistoryExportsTokensAndPromises(t *testing.T) {
	ctx := context.Background()
	store := wallettest.NewStore()
	mint := wallettest.NewMint()
	mint.AddMint("https://mint.example.com", "ks1", 0, false)
	funded := wallettest.Fund(store, mint, "alice", "https://mint.example.com", "ks1", 5, 8)
	if err := store.SoftDeleteTokens(ctx, "alice", []string{funded[0].ID}, time.Now()); err != nil {
		t.Fatalf("soft delete: %v", err)
	}
	now := time.Now().UTC().Truncate(time.Second)
	if _, err := store.InsertPromise(ctx, credit.Promise{
		ID: "p1", Owner: "alice", Issuer: "alice", Recipient: "bob", Amount: 30, Unit: ecash.DefaultUnit,
		CreatedAt: now, ExpiresAt: now.Add(time.Hour), Direction: credit.DirectionOut,
	}); err != nil {
		t.Fatalf("insert promise: %v", err)
	}

	summary, err := History(ctx, store, "alice", t.TempDir())
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if summary.Tokens != 2 || summary.Promises != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}

	rows := readTokens(t, summary.TokensPath)
	if len(rows) != 2 {
		t.Fatalf("expected 2 token rows, got %d", len(rows))
	}
	var total int64
	deleted := 0
	for _, row := range rows {
		total += row.Amount
		if row.State == string(ecash.StateDeleted) {
			deleted++
			if row.DeletedAt == "" {
				t.Fatalf("deleted row missing timestamp: %+v", row)
			}
		}
	}
	if total != 13 || deleted != 1 {
		t.Fatalf("unexpected rows %+v", rows)
	}
}
