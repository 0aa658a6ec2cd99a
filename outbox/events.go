package outbox

import "sync"

// EventType says what the flush engine did with a mutation.
type EventType int

const (
	// EventFlushed: the backend accepted the mutation, row removed.
	EventFlushed EventType = iota
	// EventConflict: the backend answered 409, row removed, the conflict
	// channel decides what happens next.
	EventConflict
	// EventDiscarded: the engine gave up on the mutation, row removed.
	EventDiscarded
)

func (t EventType) String() string {
	switch t {
	case EventFlushed:
		return "flushed"
	case EventConflict:
		return "conflict"
	case EventDiscarded:
		return "discarded"
	default:
		return "unknown"
	}
}

// DiscardReason qualifies an EventDiscarded.
type DiscardReason int

const (
	// DiscardBudget: the retry budget ran out before the backend accepted.
	DiscardBudget DiscardReason = iota
	// DiscardRejected: the backend rejected with a client error that no
	// retry can fix.
	DiscardRejected
)

func (r DiscardReason) String() string {
	switch r {
	case DiscardBudget:
		return "budget_exhausted"
	case DiscardRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Event is delivered to observers after the ledger row is already gone,
// so handlers see the terminal state and cannot race the drain loop.
type Event struct {
	Type     EventType
	Mutation Mutation
	Reason   DiscardReason // meaningful when Type is EventDiscarded
	Status   int           // last HTTP status, when one was received
}

// observers is a small fan-out registry. Callbacks run synchronously on
// the flush goroutine; handlers that block stall the drain, which is the
// point: the next send must not overtake conflict handling.
type observers struct {
	mu   sync.Mutex
	subs map[int]func(Event)
	next int
}

func (o *observers) subscribe(fn func(Event)) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.subs == nil {
		o.subs = make(map[int]func(Event))
	}
	id := o.next
	o.next++
	o.subs[id] = fn
	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.subs, id)
	}
}

func (o *observers) emit(ev Event) {
	o.mu.Lock()
	fns := make([]func(Event), 0, len(o.subs))
	for _, fn := range o.subs {
		fns = append(fns, fn)
	}
	o.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}
