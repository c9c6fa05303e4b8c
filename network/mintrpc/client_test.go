package mintrpc

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"cashrail/native/ecash"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, string) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{Timeout: 2 * time.Second}, WithHTTPClient(srv.Client())), srv.URL
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestSwapRoundTrip(t *testing.T) {
	var got swapBody
	client, url := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/swap" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		writeJSON(w, http.StatusOK, swapResult{
			Send:        []ecash.Proof{{Amount: 8, ID: "ks1", Secret: "s1", C: "c1"}},
			Keep:        []ecash.Proof{{Amount: 2, ID: "ks1", Secret: "s2", C: "c2"}},
			OutputsUsed: 2,
		})
	})

	resp, err := client.Swap(context.Background(), url, ecash.SwapRequest{
		Inputs:     []ecash.Proof{{Amount: 10, ID: "ks1", Secret: "in", C: "cin"}},
		KeysetID:   "ks1",
		Unit:       "sat",
		SendAmount: 8,
		KeepAmount: 2,
		Seed:       []byte{0xde, 0xad},
		Counter:    7,
	})
	if err != nil {
		t.Fatalf("swap: %v", err)
	}
	if len(resp.Send) != 1 || resp.Send[0].Amount != 8 || len(resp.Keep) != 1 || resp.OutputsUsed != 2 {
		t.Fatalf("unexpected response %+v", resp)
	}
	if got.Seed != hex.EncodeToString([]byte{0xde, 0xad}) || got.Counter != 7 || got.SendAmount != 8 {
		t.Fatalf("request not forwarded: %+v", got)
	}
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		name   string
		status int
		code   int
		want   ecash.ErrorKind
	}{
		{"spent", http.StatusBadRequest, CodeTokenSpent, ecash.KindTokenSpent},
		{"invalid", http.StatusBadRequest, CodeTokenNotVerified, ecash.KindTokenInvalid},
		{"fee", http.StatusBadRequest, CodeFeeExceedsAmount, ecash.KindFeeExceedsAmount},
		{"unbalanced", http.StatusBadRequest, CodeUnbalanced, ecash.KindInsufficientFunds},
		{"other", http.StatusBadRequest, 99999, ecash.KindRejected},
		{"throttled", http.StatusTooManyRequests, 0, ecash.KindRateLimited},
		{"down", http.StatusBadGateway, 0, ecash.KindUnreachable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client, url := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tc.status, errorBody{Code: tc.code, Detail: tc.name})
			})
			_, err := client.CheckState(context.Background(), url, []ecash.Proof{{Secret: "s"}})
			if err == nil {
				t.Fatalf("expected error")
			}
			if kind := ecash.KindOf(err); kind != tc.want {
				t.Fatalf("expected %s, got %s (%v)", tc.want, kind, err)
			}
		})
	}
}

func TestUnreachableMint(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client := New(Config{Timeout: time.Second})
	_, err := client.Keysets(context.Background(), url)
	if !ecash.IsKind(err, ecash.KindUnreachable) {
		t.Fatalf("expected unreachable, got %v", err)
	}
	if !ecash.IsTransient(err) {
		t.Fatalf("unreachable must be transient")
	}
}

func TestGatewayCarriesMintHeader(t *testing.T) {
	var header string
	client, gateway := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Get(MintHeader)
		writeJSON(w, http.StatusOK, map[string]any{
			"keysets": []keysetBody{{ID: "ks1", Active: true, FeePPK: 100}, {ID: "ks2", Unit: "usd"}},
		})
	})
	client.gateway = gateway

	keysets, err := client.Keysets(context.Background(), "https://Mint.Example.com/")
	if err != nil {
		t.Fatalf("keysets: %v", err)
	}
	if header != ecash.NormalizeMintURL("https://Mint.Example.com/") {
		t.Fatalf("unexpected mint header %q", header)
	}
	if len(keysets) != 2 || keysets[0].Unit != ecash.DefaultUnit || keysets[0].FeePPK != 100 || keysets[1].Active {
		t.Fatalf("unexpected keysets %+v", keysets)
	}
}

func TestCheckStateAndRestore(t *testing.T) {
	client, url := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/checkstate":
			var body checkBody
			_ = json.NewDecoder(r.Body).Decode(&body)
			states := make([]map[string]string, 0, len(body.Secrets))
			for _, s := range body.Secrets {
				states = append(states, map[string]string{"secret": s, "state": "spent"})
			}
			writeJSON(w, http.StatusOK, map[string]any{"states": states})
		case "/v1/restore":
			writeJSON(w, http.StatusOK, map[string]any{"proofs": []map[string]any{
				{"index": 3, "proof": ecash.Proof{Amount: 4, ID: "ks1", Secret: "r3", C: "c"}},
			}})
		default:
			http.NotFound(w, r)
		}
	})
	ctx := context.Background()

	states, err := client.CheckState(ctx, url, []ecash.Proof{{Secret: "a"}, {Secret: "b"}})
	if err != nil {
		t.Fatalf("checkstate: %v", err)
	}
	if len(states) != 2 || states[1].State != ecash.ProofSpent {
		t.Fatalf("unexpected states %+v", states)
	}

	restored, err := client.Restore(ctx, url, ecash.RestoreRequest{KeysetID: "ks1", Seed: []byte("seed"), From: 0, Count: 10})
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if len(restored) != 1 || restored[0].Index != 3 || restored[0].Proof.Amount != 4 {
		t.Fatalf("unexpected restore %+v", restored)
	}
}

func TestRateLimiterCancelled(t *testing.T) {
	client, url := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, infoBody{})
	})
	client.rps = 0.001
	ctx := context.Background()
	if _, err := client.Info(ctx, url); err != nil {
		t.Fatalf("first call: %v", err)
	}
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err := client.Info(cancelled, url)
	if err == nil {
		t.Fatalf("expected error once the burst is spent")
	}
	if ecash.IsKind(err, ecash.KindRateLimited) {
		t.Fatalf("cancelled caller should not be reported as throttled: %v", err)
	}
}
