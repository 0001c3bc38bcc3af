package workflow

import "context"

// Limiter is a counting semaphore over a buffered channel. It bounds how
// many runs may hold an expensive resource (a sandbox validation slot, a
// provider connection) at once.
type Limiter struct {
	slots chan struct{}
}

// NewLimiter returns a limiter with n slots. n must be positive.
func NewLimiter(n int) *Limiter {
	if n < 1 {
		n = 1
	}
	return &Limiter{slots: make(chan struct{}, n)}
}

// Acquire blocks until a slot is free or ctx is done.
func (l *Limiter) Acquire(ctx context.Context) error {
	select {
	case l.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees a slot previously taken by Acquire.
func (l *Limiter) Release() {
	select {
	case <-l.slots:
	default:
		panic("workflow: Release without matching Acquire")
	}
}

// InUse reports the number of currently held slots.
func (l *Limiter) InUse() int { return len(l.slots) }

// Cap reports the total number of slots.
func (l *Limiter) Cap() int { return cap(l.slots) }
