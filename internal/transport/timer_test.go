package transport

import (
	"context"
	"testing"
	"time"
)

func startReactor(t *testing.T) *Reactor {
	t.Helper()
	r := NewReactor()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go r.Run(ctx)
	return r
}

func TestTimer_FiresOnReactor(t *testing.T) {
	r := startReactor(t)
	fired := make(chan struct{})

	r.Post(func() {
		tm := NewTimer(r)
		tm.ExpiresAfter(5 * time.Millisecond)
		tm.AsyncWait(func() { close(fired) })
	})

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timer never fired")
	}
}

func TestTimer_StopCancelsWait(t *testing.T) {
	r := startReactor(t)
	fired := make(chan struct{}, 1)

	r.Post(func() {
		tm := NewTimer(r)
		tm.ExpiresAfter(5 * time.Millisecond)
		tm.AsyncWait(func() { fired <- struct{}{} })
		tm.Stop()
		tm.Stop() // repeated stop is harmless
	})

	select {
	case <-fired:
		t.Fatal("stopped timer fired")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTimer_RearmReplacesWait(t *testing.T) {
	r := startReactor(t)
	fired := make(chan string, 2)

	r.Post(func() {
		tm := NewTimer(r)
		tm.ExpiresAfter(5 * time.Millisecond)
		tm.AsyncWait(func() { fired <- "old" })
		tm.ExpiresAfter(20 * time.Millisecond)
		tm.AsyncWait(func() { fired <- "new" })
	})

	select {
	case got := <-fired:
		if got != "new" {
			t.Fatalf("cancelled wait fired first: %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("rearmed timer never fired")
	}

	select {
	case got := <-fired:
		t.Fatalf("extra wait fired: %q", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTimer_ExpiryTracksDeadline(t *testing.T) {
	r := startReactor(t)
	done := make(chan struct{})

	r.Post(func() {
		defer close(done)
		tm := NewTimer(r)

		before := time.Now()
		tm.ExpiresAfter(time.Hour)
		if tm.Expiry().Before(before.Add(59 * time.Minute)) {
			t.Errorf("Expiry() = %v, want about an hour out", tm.Expiry())
		}

		at := time.Now().Add(42 * time.Second)
		tm.ExpiresAt(at)
		if !tm.Expiry().Equal(at) {
			t.Errorf("Expiry() = %v, want %v", tm.Expiry(), at)
		}
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reactor never ran the check")
	}
}
