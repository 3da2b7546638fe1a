// ABOUTME: Per-caller handle on a shared verification
// ABOUTME: Waiting never polls; withdrawing the last waiter cancels the attempt

package verify

import (
	"context"
	"sync"

	"github.com/2389/coven-biogate/internal/session"
)

// Waiter is one caller's view of a shared verification.
type Waiter struct {
	c    *Coordinator
	f    *flight
	once sync.Once
}

// Ticket returns the shared ticket.
func (w *Waiter) Ticket() session.Ticket {
	return w.f.ticket
}

// Done is closed once the verification is resolved.
func (w *Waiter) Done() <-chan struct{} {
	return w.f.done
}

// Outcome returns the outcome if the verification is resolved.
func (w *Waiter) Outcome() (Outcome, bool) {
	select {
	case <-w.f.done:
		return w.f.outcome, true
	default:
		return Outcome{}, false
	}
}

// Wait blocks until the verification resolves and returns its outcome, with
// the outcome's error as the second value. If ctx ends first the waiter
// withdraws and ctx's error is returned.
func (w *Waiter) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-w.f.done:
		return w.f.outcome, w.f.outcome.Err
	case <-ctx.Done():
		w.Withdraw()
		return Outcome{Ticket: w.f.ticket}, ctx.Err()
	}
}

// Withdraw removes this waiter. It is idempotent and a no-op once the
// verification has resolved.
func (w *Waiter) Withdraw() {
	w.once.Do(func() {
		w.c.withdraw(w.f)
	})
}
