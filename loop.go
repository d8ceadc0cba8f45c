package streamsocket

import (
	"context"
	"sync"
)

// Loop runs posted functions one at a time, in the order they were posted, on a
// single goroutine. Decoder state, demultiplexing and the server roster are only
// touched from inside a Loop, so none of them needs a lock.
//
// Posting from inside a running function never runs the new function inline: it
// runs after the current one has returned.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	done    chan struct{}
	stopped bool
	running bool
}

// NewLoop returns an idle loop. Functions posted before Run are queued.
func NewLoop() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Post enqueues fn for the next pass of the loop.
// It returns false if the loop has been stopped; fn is then dropped.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Run executes queued functions until ctx is canceled or Stop is called.
// Functions posted before the stop still run before Run returns.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return nil
	}
	l.running = true
	l.mu.Unlock()
	defer l.drain()

	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		for i, fn := range batch {
			fn()
			batch[i] = nil
		}

		select {
		case <-ctx.Done():
			l.Stop()
			return ctx.Err()
		case <-l.done:
			return nil
		case <-l.wake:
		}
	}
}

// Stop stops the loop. Further Posts are refused; functions already queued
// still run, on the caller's goroutine if the loop was never started.
// Safe to call multiple times and from inside the loop.
func (l *Loop) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	close(l.done)
	orphaned := !l.running
	l.mu.Unlock()

	if orphaned {
		l.drain()
	}
}

// drain runs what is left in the queue once the loop is stopped.
func (l *Loop) drain() {
	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		if len(batch) == 0 {
			return
		}
		for _, fn := range batch {
			fn()
		}
	}
}

// Done returns a channel that is closed once the loop is stopped.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}
