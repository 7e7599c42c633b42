package terminalhost

import (
	"testing"
	"time"
)

func TestSubscriptionFastPathDeliversInOrder(t *testing.T) {
	sub := newSubscription("sub-1", "conn-1", "term-1", ModeRead, 0, 0)

	sub.deliver([]byte("one"))
	sub.deliver([]byte("two"))

	first := recvChunk(t, sub.Data())
	second := recvChunk(t, sub.Data())

	if string(first) != "one" || string(second) != "two" {
		t.Fatalf("out of order: %q, %q", first, second)
	}
	if sub.IsLagging() {
		t.Fatalf("subscription should not be lagging on the fast path")
	}
}

func TestSubscriptionLagsAndEmitsGapPastHighWater(t *testing.T) {
	// Small high/low water so a handful of writes push it over.
	sub := newSubscription("sub-2", "conn-1", "term-1", ModeRead, 16, 4)

	// Fill the data channel's buffer (256) plus push well past high-water
	// so deliveries start queuing and then shedding.
	for i := 0; i < 400; i++ {
		sub.deliver([]byte("0123456789")) // 10 bytes/chunk, cap 16 -> lag fast
	}

	select {
	case <-sub.Gap():
	case <-time.After(time.Second):
		t.Fatal("expected a gap signal once lagging began")
	}

	if !sub.IsLagging() {
		t.Fatalf("expected subscription to be marked lagging")
	}
	if sub.MissedBytes() == 0 {
		t.Fatalf("expected missed bytes to be tracked once shedding started")
	}
}

func TestSubscriptionCloseIsIdempotent(t *testing.T) {
	sub := newSubscription("sub-3", "conn-1", "term-1", ModeRead, 0, 0)
	sub.close()
	sub.close()

	select {
	case <-sub.Done():
	default:
		t.Fatal("expected Done() to be closed")
	}
}

func recvChunk(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for chunk")
		return nil
	}
}
