package bridge

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Handle addresses one pending synchronous call on the reply channel
type Handle string

// pendingCall is the bookkeeping for one in-flight synchronous call
type pendingCall struct {
	// slot has capacity 1 and receives at most one value
	slot       chan string
	registered time.Time
}

// Table maps in-flight synchronous calls to their result slots.
//
// An entry leaves the table exactly once, either through Fulfill or Abandon.
// Whichever removes it owns the outcome; the other call is a no-op. The mutex
// only guards the map and is never held while a caller waits on its slot.
type Table struct {
	mu      sync.Mutex
	pending map[Handle]*pendingCall
}

// NewTable creates an empty correlation table
func NewTable() *Table {
	return &Table{
		pending: make(map[Handle]*pendingCall),
	}
}

// Register allocates a pending call and returns its handle and result slot
func (t *Table) Register() (Handle, <-chan string) {
	call := &pendingCall{
		slot:       make(chan string, 1),
		registered: time.Now(),
	}
	h := Handle(uuid.New().String())

	t.mu.Lock()
	t.pending[h] = call
	t.mu.Unlock()

	return h, call.slot
}

// Fulfill writes value into the slot for h and wakes its caller. It returns
// false when h is unknown or the call was already abandoned.
func (t *Table) Fulfill(h Handle, value string) bool {
	call, ok := t.take(h)
	if !ok {
		return false
	}
	// never blocks: the slot is buffered and only the taker writes to it
	call.slot <- value
	return true
}

// Abandon removes h from the table. It returns false when the entry was
// already gone, which for the owning caller means a Fulfill claimed it and the
// value is available on the slot.
func (t *Table) Abandon(h Handle) bool {
	_, ok := t.take(h)
	return ok
}

// Len returns the number of in-flight calls
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Oldest returns how long the oldest in-flight call has been waiting
func (t *Table) Oldest() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	var oldest time.Time
	for _, call := range t.pending {
		if oldest.IsZero() || call.registered.Before(oldest) {
			oldest = call.registered
		}
	}
	if oldest.IsZero() {
		return 0
	}
	return time.Since(oldest)
}

func (t *Table) take(h Handle) (*pendingCall, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	call, ok := t.pending[h]
	if ok {
		delete(t.pending, h)
	}
	return call, ok
}
