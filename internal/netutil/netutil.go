// Package netutil holds the small cross-cutting helpers every suspendable
// operation in the node uses: a watched shutdown signal and a deadline
// wrapper.
package netutil

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Shutdown is a broadcast-once watched boolean: every long-running task
// checks Done() at its next suspension point and unwinds.
type Shutdown struct {
	once sync.Once
	ch   chan struct{}
}

// NewShutdown returns a ready-to-use Shutdown signal.
func NewShutdown() *Shutdown {
	return &Shutdown{ch: make(chan struct{})}
}

// Broadcast closes the underlying channel exactly once; safe to call
// concurrently and more than once.
func (s *Shutdown) Broadcast() {
	s.once.Do(func() { close(s.ch) })
}

// Done returns the channel that closes on Broadcast, for use in a select.
func (s *Shutdown) Done() <-chan struct{} {
	return s.ch
}

// Requested reports whether Broadcast has already happened.
func (s *Shutdown) Requested() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

// WithTimeout runs fn with a context that is cancelled after d elapses. If
// fn does not return before the deadline, WithTimeout returns a wrapped
// context.DeadlineExceeded; fn's own goroutine is left to observe ctx.Err()
// and unwind on its own while the caller decides how to react.
func WithTimeout(ctx context.Context, d time.Duration, op string, fn func(context.Context) error) error {
	cctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(cctx)
	}()

	select {
	case err := <-done:
		return err
	case <-cctx.Done():
		return fmt.Errorf("%s: %w", op, cctx.Err())
	}
}
