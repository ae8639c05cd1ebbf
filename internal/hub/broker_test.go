package hub

import (
	"errors"
	"testing"
	"time"
)

func TestBrokerResolveDeliversFrame(t *testing.T) {
	b := newBroker()
	waiter := b.register(7)

	f := &frame{ID: 7, Type: "result", Success: true}
	if !b.resolve(7, f) {
		t.Fatal("resolve should find the waiter")
	}

	select {
	case res := <-waiter:
		if res.err != nil {
			t.Fatalf("unexpected error: %v", res.err)
		}
		if res.frame != f {
			t.Error("wrong frame delivered")
		}
	default:
		t.Fatal("waiter channel empty after resolve")
	}
}

func TestBrokerResolveExactlyOnce(t *testing.T) {
	b := newBroker()
	b.register(7)

	if !b.resolve(7, &frame{ID: 7}) {
		t.Fatal("first resolve should succeed")
	}
	// A duplicate result frame for the same id has no waiter left.
	if b.resolve(7, &frame{ID: 7}) {
		t.Error("second resolve should find no waiter")
	}
}

func TestBrokerResolveUnknownID(t *testing.T) {
	b := newBroker()
	if b.resolve(99, &frame{ID: 99}) {
		t.Error("resolve with no registration should report false")
	}
}

func TestBrokerCancel(t *testing.T) {
	b := newBroker()
	b.register(7)
	b.cancel(7)

	if b.resolve(7, &frame{ID: 7}) {
		t.Error("cancelled waiter should be gone")
	}
}

func TestBrokerTeardownFailsAllWaiters(t *testing.T) {
	b := newBroker()
	w1 := b.register(1)
	w2 := b.register(2)

	b.teardown()

	for i, w := range []<-chan pendingResult{w1, w2} {
		select {
		case res := <-w:
			if !errors.Is(res.err, errTornDown) {
				t.Errorf("waiter %d: got %v, want errTornDown", i+1, res.err)
			}
		case <-time.After(time.Second):
			t.Fatalf("waiter %d not failed by teardown", i+1)
		}
	}

	// The map is reset; new registrations work after teardown.
	w3 := b.register(3)
	if !b.resolve(3, &frame{ID: 3}) {
		t.Error("broker unusable after teardown")
	}
	<-w3
}
