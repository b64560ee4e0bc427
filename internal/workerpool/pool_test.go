package workerpool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func shutdownPool(t *testing.T, p *Pool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.Shutdown(ctx)
}

func TestSubmitAndDrain(t *testing.T) {
	p := New(3, 16)
	var count atomic.Int32

	for i := 0; i < 8; i++ {
		if ok := p.Submit(func() { count.Add(1) }); !ok {
			t.Fatalf("Submit #%d failed", i)
		}
	}
	shutdownPool(t, p)

	if got := count.Load(); got != 8 {
		t.Fatalf("completed tasks = %d, want 8", got)
	}
}

func TestSubmitAfterShutdownReturnsFalse(t *testing.T) {
	p := New(1, 1)
	shutdownPool(t, p)
	if p.Submit(func() {}) {
		t.Fatal("Submit after Shutdown should return false")
	}
}

func TestQueueFullReturnsFalse(t *testing.T) {
	p := New(1, 1)
	blocker := make(chan struct{})
	p.Submit(func() { <-blocker })

	time.Sleep(10 * time.Millisecond) // let the worker pick up the first task
	p.Submit(func() {})               // fills the queue (size 1)

	if p.Submit(func() {}) {
		t.Fatal("Submit should return false when the queue is full")
	}

	close(blocker)
	shutdownPool(t, p)
}

func TestDrainRefusesNewWork(t *testing.T) {
	p := New(1, 8)
	p.Submit(func() {})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.Drain(ctx)

	if p.Submit(func() {}) {
		t.Fatal("Submit should return false after Drain")
	}
}

func TestContextCancelledOnDrain(t *testing.T) {
	p := New(1, 8)
	p.Submit(func() {})

	if p.Context().Err() != nil {
		t.Fatal("pool context cancelled before Drain")
	}
	shutdownPool(t, p)
	if p.Context().Err() == nil {
		t.Fatal("pool context not cancelled after Drain")
	}
}

func TestDrainRespectsContextDeadline(t *testing.T) {
	p := New(1, 8)
	blocker := make(chan struct{})
	p.Submit(func() { <-blocker })

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	p.Shutdown(ctx)

	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("Drain should have timed out in ~100ms, took %v", elapsed)
	}
	close(blocker)
}

func TestPanicDoesNotKillWorker(t *testing.T) {
	p := New(1, 8)
	var count atomic.Int32

	p.Submit(func() { panic("boom") })
	p.Submit(func() { count.Add(1) })
	shutdownPool(t, p)

	if got := count.Load(); got != 1 {
		t.Fatalf("task after panic: count = %d, want 1", got)
	}
}
