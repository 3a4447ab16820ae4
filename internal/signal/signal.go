// Package signal provides the push-based event primitives used across the
// module: a hot broadcast with independent per-subscriber buffering, and a
// distinct-until-changed stateful signal built on top of it.
//
// A Broadcast never blocks its publisher: each subscriber owns an unbounded
// queue drained by its own pump goroutine. Slow consumers therefore cost
// memory, not producer latency. Callers that need bounded memory must keep up
// or Cancel.
package signal

import (
	"sync"
)

// Broadcast fans out published values to any number of live subscribers.
// Subscribers attached after a value was published do not see it (no replay);
// use State for replay-last semantics.
type Broadcast[T any] struct {
	mu   sync.Mutex
	subs []*Sub[T]
	done bool
	err  error
}

// NewBroadcast creates an open broadcast with no subscribers.
func NewBroadcast[T any]() *Broadcast[T] {
	return &Broadcast[T]{}
}

// Sub is one subscriber's view of a Broadcast. Values arrive on C in publish
// order. C is closed on Cancel or when the broadcast terminates and the
// queue has drained; after that Err reports the terminal error, if any.
type Sub[T any] struct {
	C <-chan T

	b *Broadcast[T]

	mu    sync.Mutex
	cond  *sync.Cond
	queue []T
	done  bool
	err   error

	stop     chan struct{}
	stopOnce sync.Once
	out      chan T
}

// Subscribe attaches a new subscriber. On an already-terminated broadcast the
// returned Sub's channel is closed immediately and Err carries the terminal
// error.
func (b *Broadcast[T]) Subscribe() *Sub[T] {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := newSub(b)
	if b.done {
		s.terminate(b.err)
	} else {
		b.subs = append(b.subs, s)
	}
	go s.pump()
	return s
}

// Publish delivers v to every current subscriber. It never blocks. Publishing
// on a terminated broadcast is a no-op.
func (b *Broadcast[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done {
		return
	}
	for _, s := range b.subs {
		s.push(v)
	}
}

// Close terminates the broadcast cleanly. Subscribers drain their queues and
// then see C close with a nil Err. Idempotent.
func (b *Broadcast[T]) Close() { b.Fail(nil) }

// Fail terminates the broadcast with err as the terminal signal for every
// subscriber. Only the first call has any effect.
func (b *Broadcast[T]) Fail(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done {
		return
	}
	b.done = true
	b.err = err
	for _, s := range b.subs {
		s.terminate(err)
	}
	b.subs = nil
}

// Done reports whether the broadcast has terminated.
func (b *Broadcast[T]) Done() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.done
}

func (b *Broadcast[T]) remove(target *Sub[T]) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s == target {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

func newSub[T any](b *Broadcast[T]) *Sub[T] {
	s := &Sub[T]{
		b:    b,
		stop: make(chan struct{}),
		out:  make(chan T),
	}
	s.C = s.out
	s.cond = sync.NewCond(&s.mu)
	return s
}

// push enqueues a value for this subscriber. Called with the broadcast lock
// held; must not block.
func (s *Sub[T]) push(v T) {
	s.mu.Lock()
	if !s.done {
		s.queue = append(s.queue, v)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

// terminate marks the subscriber finished. Queued values already accepted
// are still delivered before C closes.
func (s *Sub[T]) terminate(err error) {
	s.mu.Lock()
	if !s.done {
		s.done = true
		s.err = err
		s.cond.Signal()
	}
	s.mu.Unlock()
}

// Cancel detaches the subscriber. The pump stops promptly and any queued
// values are discarded, not delivered. Idempotent; safe concurrently with
// delivery.
func (s *Sub[T]) Cancel() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.b.remove(s)
		s.mu.Lock()
		s.done = true
		s.queue = nil
		s.cond.Signal()
		s.mu.Unlock()
	})
}

// Err returns the terminal error, valid once C has been closed. A canceled
// or cleanly closed subscription reports nil.
func (s *Sub[T]) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Sub[T]) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.done {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			// done with nothing left to deliver
			s.mu.Unlock()
			return
		}
		v := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- v:
		case <-s.stop:
			return
		}
	}
}

// State is a distinct-until-changed signal holding a current value. New
// subscribers receive the current value first, then every change. Set with
// an equal value publishes nothing.
type State[T any] struct {
	mu  sync.Mutex
	cur T
	eq  func(a, b T) bool
	b   *Broadcast[T]
}

// NewState creates a State with the given initial value. eq decides whether
// two values are the same for suppression purposes; nil is not allowed.
func NewState[T any](initial T, eq func(a, b T) bool) *State[T] {
	if eq == nil {
		panic("signal: nil equality func")
	}
	return &State[T]{cur: initial, eq: eq, b: NewBroadcast[T]()}
}

// Get returns the current value.
func (st *State[T]) Get() T {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.cur
}

// Set publishes v to subscribers only if it differs from the current value.
// It reports whether a publication happened.
func (st *State[T]) Set(v T) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.eq(st.cur, v) {
		return false
	}
	st.cur = v
	st.b.Publish(v)
	return true
}

// Subscribe attaches a subscriber that sees the current value immediately,
// then subsequent distinct changes, with no gap or reordering in between.
func (st *State[T]) Subscribe() *Sub[T] {
	st.mu.Lock()
	defer st.mu.Unlock()
	s := st.b.Subscribe()
	// Seeding under st.mu keeps the replayed value ordered before any
	// concurrent Set.
	s.push(st.cur)
	return s
}

// Close terminates the signal; subscribers see a clean completion.
func (st *State[T]) Close() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.b.Close()
}
