// Package transport provides the single-threaded execution core the
// lobby servers run on: a reactor goroutine that serializes all state
// mutation, deadline timers bound to it, and the UDP endpoint feeding
// it datagram chunks.
package transport

import "context"

const reactorBacklog = 1024

// Reactor runs queued work on one goroutine. Everything that touches
// lobby state is posted here, so handlers never need locks.
type Reactor struct {
	work chan func()
}

func NewReactor() *Reactor {
	return &Reactor{work: make(chan func(), reactorBacklog)}
}

// Post queues fn for execution on the reactor goroutine. It blocks
// only when the backlog is full.
func (r *Reactor) Post(fn func()) {
	r.work <- fn
}

// Run executes posted work until ctx is cancelled.
func (r *Reactor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-r.work:
			fn()
		}
	}
}
