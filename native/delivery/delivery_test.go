package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestContentIdentityNormalises(t *testing.T) {
	composed := "caf\u00e9"
	decomposed := "cafe\u0301"
	a := ContentIdentity(DirectionIn, 100, composed)
	b := ContentIdentity(DirectionIn, 100, "  "+decomposed+"\n")
	if a != b {
		t.Fatalf("expected NFC forms to collide: %s != %s", a, b)
	}
	if !strings.HasPrefix(a, "c:") || len(a) != 2+64 {
		t.Fatalf("unexpected identity format %q", a)
	}
	if a == ContentIdentity(DirectionOut, 100, composed) {
		t.Fatalf("direction must participate in identity")
	}
	if a == ContentIdentity(DirectionIn, 101, composed) {
		t.Fatalf("timestamp must participate in identity")
	}
}

func TestMessageIdentityPrecedence(t *testing.T) {
	msg := Message{Direction: DirectionOut, Content: "hi", CreatedAt: time.Unix(5, 0)}
	if got := msg.Identity(); got != ContentIdentity(DirectionOut, 5, "hi") {
		t.Fatalf("expected content identity, got %s", got)
	}
	msg.ClientID = "client-1"
	if got := msg.Identity(); got != "client-1" {
		t.Fatalf("expected client id, got %s", got)
	}
	msg.WrapID = "wrap-1"
	if got := msg.Identity(); got != "wrap-1" {
		t.Fatalf("expected wrap id, got %s", got)
	}
}

func TestNormalizePubKeyRoundTrip(t *testing.T) {
	hexKey := strings.Repeat("ab", 32)
	npub, err := EncodeNpub(hexKey)
	if err != nil {
		t.Fatalf("encode npub: %v", err)
	}
	if !strings.HasPrefix(npub, "npub1") {
		t.Fatalf("unexpected npub %q", npub)
	}
	got, err := NormalizePubKey(npub)
	if err != nil {
		t.Fatalf("normalize npub: %v", err)
	}
	if got != hexKey {
		t.Fatalf("round trip mismatch: %s", got)
	}
	upper, err := NormalizePubKey(strings.ToUpper(hexKey))
	if err != nil || upper != hexKey {
		t.Fatalf("expected lowercase hex, got %q err %v", upper, err)
	}
	for _, bad := range []string{"", "abcd", "npub1qqqq", strings.Repeat("zz", 32)} {
		if _, err := NormalizePubKey(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

type fakeTimeout struct{}

func (fakeTimeout) Error() string   { return "timeout" }
func (fakeTimeout) Timeout() bool   { return true }
func (fakeTimeout) Temporary() bool { return true }

func TestOutcome(t *testing.T) {
	if err := Outcome([]RelayResult{{Relay: "a", Err: errors.New("blocked")}, {Relay: "b"}}); err != nil {
		t.Fatalf("expected success when any relay accepted, got %v", err)
	}
	err := Outcome(nil)
	var pe *PublishError
	if !errors.As(err, &pe) || pe.Kind != KindNoRelays {
		t.Fatalf("expected no relays error, got %v", err)
	}
	err = Outcome([]RelayResult{{Relay: "a", Err: errors.New("blocked")}, {Relay: "b", Err: fakeTimeout{}}})
	if !errors.Is(err, ErrDeliveryTimeout) {
		t.Fatalf("expected timeout to dominate, got %v", err)
	}
	if !IsTimeout(err) {
		t.Fatalf("expected IsTimeout")
	}
	err = Outcome([]RelayResult{{Relay: "a", Err: errors.New("blocked")}})
	if !errors.As(err, &pe) || pe.Kind != KindRejected || pe.Relay != "a" {
		t.Fatalf("expected rejection from relay a, got %v", err)
	}
	if IsTimeout(err) {
		t.Fatalf("rejection must not be a timeout")
	}
}

func TestIsTimeoutClassifies(t *testing.T) {
	if !IsTimeout(fmt.Errorf("wrapped: %w", context.DeadlineExceeded)) {
		t.Fatalf("deadline exceeded should be a timeout")
	}
	if !IsTimeout(fakeTimeout{}) {
		t.Fatalf("net.Error timeouts should be classified")
	}
	if IsTimeout(nil) || IsTimeout(errors.New("nope")) {
		t.Fatalf("plain errors are not timeouts")
	}
}

func TestAckRegistry(t *testing.T) {
	acks := NewAckRegistry()
	if acks.Ack("") {
		t.Fatalf("empty client id must not ack")
	}
	if acks.Ack("stray") || acks.Len() != 0 {
		t.Fatalf("ack without a waiter must not register an entry")
	}
	early := acks.Wait("early")
	if !acks.Ack("early") {
		t.Fatalf("first ack should report true")
	}
	select {
	case <-early:
	default:
		t.Fatalf("waiter should be released")
	}
	if acks.Ack("early") {
		t.Fatalf("second ack should report false")
	}
	acks.Forget("early")

	ch := acks.Wait("late")
	if acks.Acked("late") {
		t.Fatalf("late should not be acked yet")
	}
	done := make(chan struct{})
	go func() {
		<-ch
		close(done)
	}()
	acks.Ack("late")
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("waiter not released")
	}
	acks.Forget("late")
	if acks.Acked("late") || acks.Len() != 0 {
		t.Fatalf("forgotten id should not report acked")
	}
}
