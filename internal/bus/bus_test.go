package bus

import (
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/haricheung/qaml/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestPublish_AssignsIDAndTimestamp(t *testing.T) {
	// Assigns a uuid ID and a UTC timestamp when they are zero
	b := New()
	var got types.Event
	b.Tap(func(ev types.Event) { got = ev })

	b.Publish(types.Event{Type: types.EventStepStarted, RunID: "run-1"})

	if got.ID == "" {
		t.Error("expected ID to be assigned")
	}
	if got.Timestamp.IsZero() || got.Timestamp.Location() != time.UTC {
		t.Errorf("expected UTC timestamp, got %v", got.Timestamp)
	}
}

func TestPublish_KeepsExistingID(t *testing.T) {
	b := New()
	var got string
	b.Tap(func(ev types.Event) { got = ev.ID })
	b.Publish(types.Event{ID: "fixed", Type: types.EventProgress})
	if got != "fixed" {
		t.Errorf("got %q, want fixed", got)
	}
}

func TestPublish_OnlyMatchingSubscribers(t *testing.T) {
	b := New()
	var steps, progress int
	b.Subscribe(types.EventStepStarted, func(types.Event) { steps++ })
	b.Subscribe(types.EventProgress, func(types.Event) { progress++ })

	b.Publish(types.Event{Type: types.EventStepStarted})
	b.Publish(types.Event{Type: types.EventStepStarted})

	if steps != 2 || progress != 0 {
		t.Errorf("steps=%d progress=%d, want 2 and 0", steps, progress)
	}
}

func TestPublish_SubscribersBeforeTaps(t *testing.T) {
	// Type subscribers are called before taps
	b := New()
	var order []string
	b.Tap(func(types.Event) { order = append(order, "tap") })
	b.Subscribe(types.EventRunFinished, func(types.Event) { order = append(order, "sub") })

	b.Publish(types.Event{Type: types.EventRunFinished})

	if len(order) != 2 || order[0] != "sub" || order[1] != "tap" {
		t.Errorf("order = %v, want [sub tap]", order)
	}
}

func TestPublish_NilBusIsNoop(t *testing.T) {
	var b *Bus
	b.Publish(types.Event{Type: types.EventProgress})
}
