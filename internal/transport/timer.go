package transport

import "time"

// Timer is a deadline timer whose callback runs on the reactor. All
// methods must be called from the reactor goroutine; the generation
// counter then guarantees that a wait cancelled by Stop, ExpiresAfter
// or ExpiresAt never fires.
type Timer struct {
	reactor *Reactor
	expiry  time.Time
	gen     uint64
	pending *time.Timer
}

func NewTimer(r *Reactor) *Timer {
	return &Timer{reactor: r}
}

// ExpiresAfter moves the deadline d from now, cancelling any pending
// wait.
func (t *Timer) ExpiresAfter(d time.Duration) {
	t.ExpiresAt(time.Now().Add(d))
}

// ExpiresAt moves the deadline, cancelling any pending wait. Passing a
// deadline in the past makes the next wait fire immediately; combined
// with Expiry this keeps periodic rearming drift-free.
func (t *Timer) ExpiresAt(when time.Time) {
	t.gen++
	t.expiry = when
	if t.pending != nil {
		t.pending.Stop()
		t.pending = nil
	}
}

// Expiry returns the current deadline.
func (t *Timer) Expiry() time.Time {
	return t.expiry
}

// AsyncWait schedules fn to run on the reactor once the deadline
// passes. Only one wait is outstanding at a time; arming again
// replaces the previous one.
func (t *Timer) AsyncWait(fn func()) {
	if t.pending != nil {
		t.pending.Stop()
	}
	gen := t.gen
	t.pending = time.AfterFunc(time.Until(t.expiry), func() {
		t.reactor.Post(func() {
			if t.gen != gen {
				return
			}
			t.pending = nil
			fn()
		})
	})
}

// Stop cancels any pending wait. It is safe to call repeatedly.
func (t *Timer) Stop() {
	t.gen++
	if t.pending != nil {
		t.pending.Stop()
		t.pending = nil
	}
}
