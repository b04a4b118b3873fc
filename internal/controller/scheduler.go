package controller

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// newTickerFn is swapped in tests to drive the scheduler by hand.
var newTickerFn = func(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

// Scheduler runs a function on a fixed period until stopped.
//
// At most one invocation runs at a time. Stop waits for an invocation in
// progress to finish; a tick that fires after Stop begins is never executed.
// Stop must not be called from inside the scheduled function.
type Scheduler struct {
	// NewTicker overrides the ticker source. A nil channel never fires,
	// which leaves cycles to explicit RunCycle calls.
	NewTicker func(time.Duration) (<-chan time.Time, func())

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	period time.Duration
}

func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// Period returns the period of the running loop, or 0 when stopped.
func (s *Scheduler) Period() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.period
}

// Start begins calling fn every period. It is a no-op if already running.
//
// fn receives a context that is not canceled by Stop, so a cycle in flight is
// never interrupted halfway through writing its output.
func (s *Scheduler) Start(ctx context.Context, period time.Duration, fn func(context.Context)) error {
	if period <= 0 {
		return fmt.Errorf("scheduler: period must be > 0, got %s", period)
	}
	if fn == nil {
		return fmt.Errorf("scheduler: fn is nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.period = period

	newTicker := s.NewTicker
	if newTicker == nil {
		newTicker = newTickerFn
	}
	tickC, stop := newTicker(period)
	go func() {
		defer close(done)
		defer stop()
		cycleCtx := context.WithoutCancel(runCtx)
		for {
			select {
			case <-runCtx.Done():
				return
			case <-tickC:
				// Both cases may be ready at once; cancellation wins.
				if runCtx.Err() != nil {
					return
				}
				fn(cycleCtx)
			}
		}
	}()
	return nil
}

// Stop cancels the loop and waits for it to exit. Safe to call concurrently
// and when already stopped.
func (s *Scheduler) Stop() {
	// Held across the wait so a concurrent Start cannot overlap the old loop.
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
	s.period = 0
}
