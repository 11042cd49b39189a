package memory

import (
	"context"
	"sync"
	"time"

	"github.com/craterlabs/tract"
	"github.com/craterlabs/tract/store"
)

// subscription is the in-memory change handle. Changes are pushed by the
// repository; the signal channel behaves like an auto-reset event so a
// change landing between waits is not lost.
type subscription[T tract.Entity] struct {
	mu     sync.Mutex
	change store.EntityChange[T]
	signal chan struct{}
	done   chan struct{}
	once   sync.Once
	remove func(*subscription[T])
}

func newSubscription[T tract.Entity](
	initial store.EntityChange[T],
	remove func(*subscription[T]),
) *subscription[T] {
	return &subscription[T]{
		change: initial,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
		remove: remove,
	}
}

func (s *subscription[T]) Change() store.EntityChange[T] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.change
}

func (s *subscription[T]) WaitForChange(ctx context.Context, timeout time.Duration) error {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case <-s.signal:
		return nil
	case <-timer:
		s.mu.Lock()
		s.change = store.EntityChange[T]{Type: store.ChangeNone}
		s.mu.Unlock()
		return nil
	case <-s.done:
		return tract.ErrSubscriptionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *subscription[T]) Close() {
	s.once.Do(func() {
		close(s.done)
		s.remove(s)
	})
}

// handleChange records a change and wakes the waiter, coalescing with any
// not-yet-consumed signal.
func (s *subscription[T]) handleChange(change store.EntityChange[T]) {
	s.mu.Lock()
	s.change = change
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}
