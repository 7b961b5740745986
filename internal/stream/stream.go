// Package stream provides replay-one, conflating channels for reactive reads.
//
// Every subscriber receives the latest value on subscription and then each
// later value. A slow subscriber never blocks the producer: an undelivered
// value is replaced by a newer one (bounded queue of one).
package stream

import (
	"context"
	"sync"
)

// Result is one emission of a fallible stream.
type Result[T any] struct {
	Value T
	Err   error
}

// Ok wraps a value.
func Ok[T any](v T) Result[T] { return Result[T]{Value: v} }

// Fail wraps an error.
func Fail[T any](err error) Result[T] { return Result[T]{Err: err} }

// Offer puts v into a buffered channel of capacity one, replacing any value
// the consumer has not read yet. Only a single goroutine may send on ch.
func Offer[T any](ch chan T, v T) {
	select {
	case ch <- v:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- v:
	default:
	}
}

// State holds the latest value of T and fans it out to subscribers.
type State[T any] struct {
	mu    sync.Mutex
	value T
	equal func(a, b T) bool
	subs  map[int]chan T
	next  int
}

// NewState creates a State holding initial. If equal is non-nil, Set
// suppresses values equal to the current one.
func NewState[T any](initial T, equal func(a, b T) bool) *State[T] {
	return &State[T]{
		value: initial,
		equal: equal,
		subs:  make(map[int]chan T),
	}
}

// Get returns the current value.
func (s *State[T]) Get() T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

// Set stores v and offers it to every subscriber.
func (s *State[T]) Set(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.equal != nil && s.equal(s.value, v) {
		return
	}
	s.value = v
	for _, ch := range s.subs {
		Offer(ch, v)
	}
}

// Subscribe returns a channel that first yields the current value and then
// later ones. The channel is closed when ctx is done.
func (s *State[T]) Subscribe(ctx context.Context) <-chan T {
	ch := make(chan T, 1)
	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	ch <- s.value
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()
	return ch
}
