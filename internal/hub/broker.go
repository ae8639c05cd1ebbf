package hub

import (
	"errors"
	"sync"
)

// errTornDown is delivered to waiters when the connection is torn down
// while their request is still in flight.
var errTornDown = errors.New("connection closed")

// pendingResult is what a waiter receives: either the result frame for
// its message id, or an error when the connection went away first.
type pendingResult struct {
	frame *frame
	err   error
}

// broker correlates request message ids with their result frames. Each
// id gets a single-resolution channel: the first resolve wins, later
// frames for the same id are dropped. Teardown fails every outstanding
// waiter immediately instead of letting them run out their timeouts.
type broker struct {
	mu      sync.Mutex
	pending map[int64]chan pendingResult
}

func newBroker() *broker {
	return &broker{pending: make(map[int64]chan pendingResult)}
}

// register creates a waiter for the given id. The caller must balance
// every register with either a resolve (by the listener) or a cancel.
func (b *broker) register(id int64) <-chan pendingResult {
	ch := make(chan pendingResult, 1)
	b.mu.Lock()
	b.pending[id] = ch
	b.mu.Unlock()
	return ch
}

// cancel removes a waiter that no longer cares (timeout, caller gone).
func (b *broker) cancel(id int64) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}

// resolve delivers a result frame to the waiter for id, exactly once.
// Returns false when no waiter is registered for that id.
func (b *broker) resolve(id int64, f *frame) bool {
	b.mu.Lock()
	ch, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
	}
	b.mu.Unlock()

	if !ok {
		return false
	}
	ch <- pendingResult{frame: f}
	return true
}

// teardown fails every outstanding waiter with errTornDown and clears
// the map. Called on disconnect and on listener exit.
func (b *broker) teardown() {
	b.mu.Lock()
	pending := b.pending
	b.pending = make(map[int64]chan pendingResult)
	b.mu.Unlock()

	for _, ch := range pending {
		ch <- pendingResult{err: errTornDown}
	}
}
