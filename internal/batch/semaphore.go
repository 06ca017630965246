package batch

import (
	"context"
	"sync"
	"time"
)

// semaphore is a context-aware concurrency limiter with a fixed capacity.
type semaphore struct {
	mu       sync.Mutex
	cond     *sync.Cond
	limit    int
	acquired int
}

func newSemaphore(limit int) *semaphore {
	if limit < 1 {
		limit = 1
	}
	s := &semaphore{limit: limit}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Acquire blocks until a slot is available or the context is cancelled.
func (s *semaphore) Acquire(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Broadcast on cancellation so blocked waiters wake and can return
	// the context error. The broadcast repeats until the waiter exits:
	// a single one could land between the loop's error check and Wait
	// and leave the waiter asleep until the next Release.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-done:
			return
		case <-ctx.Done():
		}
		for {
			s.cond.Broadcast()
			select {
			case <-done:
				return
			case <-time.After(time.Millisecond):
			}
		}
	}()

	for s.acquired >= s.limit {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.cond.Wait()
	}

	// The wake may have been from cancellation rather than Release.
	if err := ctx.Err(); err != nil {
		return err
	}

	s.acquired++
	return nil
}

// Release frees a slot and signals one waiting goroutine.
func (s *semaphore) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.acquired > 0 {
		s.acquired--
	}
	s.cond.Signal()
}
