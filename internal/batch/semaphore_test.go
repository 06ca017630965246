package batch

import (
	"context"
	"testing"
	"time"
)

func TestSemaphore_AcquireWithinLimit(t *testing.T) {
	sem := newSemaphore(2)
	ctx := context.Background()

	if err := sem.Acquire(ctx); err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	if err := sem.Acquire(ctx); err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	sem.Release()
	sem.Release()
}

func TestSemaphore_BlocksAtLimitUntilRelease(t *testing.T) {
	sem := newSemaphore(1)
	ctx := context.Background()

	if err := sem.Acquire(ctx); err != nil {
		t.Fatal(err)
	}

	acquired := make(chan error, 1)
	go func() { acquired <- sem.Acquire(ctx) }()

	select {
	case <-acquired:
		t.Fatal("Acquire must block while the slot is held")
	case <-time.After(60 * time.Millisecond):
	}

	sem.Release()
	select {
	case err := <-acquired:
		if err != nil {
			t.Fatalf("Acquire after Release: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Release did not wake the waiter")
	}
	sem.Release()
}

// A cancelled waiter must return promptly even when no Release ever
// arrives to wake it.
func TestSemaphore_CancelledWaiterWakesWithoutRelease(t *testing.T) {
	sem := newSemaphore(1)
	if err := sem.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	acquired := make(chan error, 1)
	go func() { acquired <- sem.Acquire(ctx) }()

	time.Sleep(40 * time.Millisecond)
	cancel()

	select {
	case err := <-acquired:
		if err == nil {
			t.Fatal("cancelled Acquire must return the context error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled waiter never woke")
	}
	sem.Release()
}

func TestSemaphore_AcquireOnCancelledContext(t *testing.T) {
	sem := newSemaphore(1)
	if err := sem.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sem.Acquire(ctx); err == nil {
		t.Fatal("Acquire with an already-cancelled context must fail")
	}
	sem.Release()
}
