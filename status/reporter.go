// Package status exposes the pending -> success|error lifecycle of each
// orchestrated operation to callers. The reporter is a bounded in-memory
// fan-out: notification consumers subscribe, settlement code publishes, and a
// short history ring is kept for late readers. Ambiguous chain outcomes are
// reported as pending, never as errors.
package status

import (
	"sync"
	"time"
)

// State is the caller-visible phase of one operation.
type State string

const (
	StatePending State = "pending"
	StateSuccess State = "success"
	StateError   State = "error"
)

// OperationEvent is one status update keyed by the operation identifier the
// caller received when the operation started.
type OperationEvent struct {
	OperationID string    `json:"operationId"`
	Operation   string    `json:"operation"`
	BountyID    string    `json:"bountyId,omitempty"`
	State       State     `json:"state"`
	TxHash      string    `json:"txHash,omitempty"`
	Err         string    `json:"error,omitempty"`
	At          time.Time `json:"at"`
}

const (
	defaultHistoryCapacity = 256
	defaultHistoryTTL      = 15 * time.Minute
	subscriberBuffer       = 64
)

// ReporterOption adjusts the reporter's buffering behaviour.
type ReporterOption func(*Reporter)

// WithHistoryCapacity bounds the number of retained events.
func WithHistoryCapacity(capacity int) ReporterOption {
	return func(r *Reporter) {
		if capacity > 0 {
			r.history = newRing[historyEntry](capacity)
		}
	}
}

// WithHistoryTTL bounds how long retained events stay readable.
func WithHistoryTTL(ttl time.Duration) ReporterOption {
	return func(r *Reporter) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

func withClock(now func() time.Time) ReporterOption {
	return func(r *Reporter) {
		if now != nil {
			r.now = now
		}
	}
}

type historyEntry struct {
	event    OperationEvent
	recorded time.Time
}

// Reporter publishes operation status events to subscribers and keeps a
// bounded history for inspection.
type Reporter struct {
	mu      sync.Mutex
	history ring[historyEntry]
	subs    map[int]chan OperationEvent
	nextSub int
	ttl     time.Duration
	now     func() time.Time
}

// NewReporter constructs a reporter with bounded history.
func NewReporter(opts ...ReporterOption) *Reporter {
	r := &Reporter{
		history: newRing[historyEntry](defaultHistoryCapacity),
		subs:    make(map[int]chan OperationEvent),
		ttl:     defaultHistoryTTL,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Pending publishes the in-flight state for an operation.
func (r *Reporter) Pending(operationID, operation, bountyID, txHash string) {
	r.publish(OperationEvent{OperationID: operationID, Operation: operation, BountyID: bountyID, State: StatePending, TxHash: txHash})
}

// Success publishes the terminal success state for an operation.
func (r *Reporter) Success(operationID, operation, bountyID, txHash string) {
	r.publish(OperationEvent{OperationID: operationID, Operation: operation, BountyID: bountyID, State: StateSuccess, TxHash: txHash})
}

// Error publishes the terminal error state for an operation.
func (r *Reporter) Error(operationID, operation, bountyID string, err error) {
	evt := OperationEvent{OperationID: operationID, Operation: operation, BountyID: bountyID, State: StateError}
	if err != nil {
		evt.Err = err.Error()
	}
	r.publish(evt)
}

func (r *Reporter) publish(evt OperationEvent) {
	if r == nil {
		return
	}
	now := r.now()
	evt.At = now
	r.mu.Lock()
	r.evictLocked(now)
	r.history.push(historyEntry{event: evt, recorded: now})
	for _, ch := range r.subs {
		// Slow subscribers lose events rather than blocking settlement.
		select {
		case ch <- evt:
		default:
		}
	}
	r.mu.Unlock()
}

// Subscribe registers a consumer channel. The returned cancel function must be
// called when the consumer goes away.
func (r *Reporter) Subscribe() (<-chan OperationEvent, func()) {
	ch := make(chan OperationEvent, subscriberBuffer)
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = ch
	r.mu.Unlock()
	cancel := func() {
		r.mu.Lock()
		if _, ok := r.subs[id]; ok {
			delete(r.subs, id)
			close(ch)
		}
		r.mu.Unlock()
	}
	return ch, cancel
}

// Events returns a snapshot of the retained history, oldest first.
func (r *Reporter) Events() []OperationEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evictLocked(r.now())
	out := make([]OperationEvent, 0, r.history.len())
	r.history.forEach(func(entry historyEntry) {
		out = append(out, entry.event)
	})
	return out
}

func (r *Reporter) evictLocked(now time.Time) {
	if r.ttl <= 0 {
		return
	}
	for {
		entry, ok := r.history.peek()
		if !ok || now.Sub(entry.recorded) <= r.ttl {
			return
		}
		r.history.pop()
	}
}

// ring is a fixed-size buffer that overwrites the oldest element on overflow.
type ring[T any] struct {
	buf  []T
	head int
	size int
}

func newRing[T any](capacity int) ring[T] {
	if capacity <= 0 {
		return ring[T]{}
	}
	return ring[T]{buf: make([]T, capacity)}
}

func (r *ring[T]) push(v T) {
	if len(r.buf) == 0 {
		return
	}
	if r.size == len(r.buf) {
		r.buf[r.head] = v
		r.head = (r.head + 1) % len(r.buf)
		return
	}
	r.buf[(r.head+r.size)%len(r.buf)] = v
	r.size++
}

func (r *ring[T]) pop() (T, bool) {
	var zero T
	if r.size == 0 {
		return zero, false
	}
	v := r.buf[r.head]
	r.buf[r.head] = zero
	r.head = (r.head + 1) % len(r.buf)
	r.size--
	return v, true
}

func (r *ring[T]) peek() (T, bool) {
	var zero T
	if r.size == 0 {
		return zero, false
	}
	return r.buf[r.head], true
}

func (r *ring[T]) len() int { return r.size }

func (r *ring[T]) forEach(fn func(T)) {
	for i := 0; i < r.size; i++ {
		fn(r.buf[(r.head+i)%len(r.buf)])
	}
}
