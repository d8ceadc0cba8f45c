package streamsocket

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestLoop_RunsInPostOrder(t *testing.T) {
	l := NewLoop()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	var got []int
	done := make(chan struct{})
	for i := 0; i < 100; i++ {
		i := i
		l.Post(func() { got = append(got, i) })
	}
	l.Post(func() { close(done) })

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for loop")
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("got[%d] = %d, want %d", i, v, i)
		}
	}
}

func TestLoop_PostFromInsideIsDeferred(t *testing.T) {
	l := NewLoop()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	var order []string
	done := make(chan struct{})
	l.Post(func() {
		l.Post(func() {
			order = append(order, "inner")
			close(done)
		})
		order = append(order, "outer")
	})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for loop")
	}
	if len(order) != 2 || order[0] != "outer" || order[1] != "inner" {
		t.Errorf("order = %v, want [outer inner]", order)
	}
}

func TestLoop_QueuedBeforeRun(t *testing.T) {
	l := NewLoop()
	done := make(chan struct{})
	l.Post(func() { close(done) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("function posted before Run did not run")
	}
}

func TestLoop_Stop(t *testing.T) {
	l := NewLoop()
	result := make(chan error, 1)
	go func() {
		result <- l.Run(context.Background())
	}()

	l.Post(l.Stop)
	select {
	case err := <-result:
		if err != nil {
			t.Errorf("Run returned %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Stop")
	}

	if l.Post(func() {}) {
		t.Error("Post succeeded on a stopped loop")
	}
	l.Stop()

	select {
	case <-l.Done():
	default:
		t.Error("Done not closed")
	}
}

func TestLoop_StopRunsQueued(t *testing.T) {
	l := NewLoop()
	ran := make(chan struct{})
	l.Post(l.Stop)
	l.Post(func() { close(ran) })

	result := make(chan error, 1)
	go func() {
		result <- l.Run(context.Background())
	}()

	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("function queued before Stop was dropped")
	}
	select {
	case <-result:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestLoop_StopWithoutRun(t *testing.T) {
	l := NewLoop()
	var ran bool
	l.Post(func() { ran = true })

	l.Stop()
	if !ran {
		t.Error("Stop on a loop that never ran dropped a queued function")
	}
	if err := l.Run(context.Background()); err != nil {
		t.Errorf("Run after Stop returned %v, want nil", err)
	}
}

func TestLoop_ContextCanceled(t *testing.T) {
	l := NewLoop()
	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() {
		result <- l.Run(ctx)
	}()

	cancel()
	select {
	case err := <-result:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
