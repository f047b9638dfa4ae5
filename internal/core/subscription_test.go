package core

import (
	"strconv"
	"testing"
	"time"
)

func TestSubscriptionKeepsOrder(t *testing.T) {
	sub := newSubscription(1, "")
	defer sub.close()

	// Pushing never blocks, even with nobody reading.
	for i := range 1000 {
		sub.push(Event{Kind: EventMessageReceived, Reaction: strconv.Itoa(i)})
	}
	for i := range 1000 {
		select {
		case ev := <-sub.Events():
			if ev.Reaction != strconv.Itoa(i) {
				t.Fatalf("event %d out of order: got %s", i, ev.Reaction)
			}
		case <-time.After(time.Second):
			t.Fatalf("event %d not delivered", i)
		}
	}
}

func TestSubscriptionCloseStopsDelivery(t *testing.T) {
	sub := newSubscription(2, "r1")
	sub.push(Event{Kind: EventTyping})
	sub.close()

	// Queued events are dropped and the channel is closed.
	for ev := range sub.Events() {
		if ev.Kind != EventTyping {
			t.Fatalf("unexpected event %s", ev.Kind)
		}
	}
	sub.push(Event{Kind: EventStopTyping})
	if _, ok := <-sub.Events(); ok {
		t.Fatal("event delivered after close")
	}
	// Closing twice is harmless.
	sub.close()
}

func TestBackoffBounds(t *testing.T) {
	e := &Engine{cfg: Config{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}.withDefaults()}

	tests := []struct {
		attempt int
		ceiling time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{30, time.Second},
	}
	for _, tt := range tests {
		for range 50 {
			d := e.backoff(tt.attempt)
			if d < tt.ceiling/2 || d > tt.ceiling {
				t.Fatalf("attempt %d: delay %v outside [%v, %v]", tt.attempt, d, tt.ceiling/2, tt.ceiling)
			}
		}
	}
}
