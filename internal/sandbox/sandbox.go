// Package sandbox runs compiled trader strategies against market snapshots
// under hard resource bounds: a process-wide concurrency cap, a wall-clock
// timeout per evaluation and panic containment. A strategy fault is an
// error attributed to that evaluation, never a crash of the host.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"screener-systemv1/internal/model"
)

// ErrTimeout marks an evaluation that exceeded its wall-clock budget.
// The orphaned goroutine finishes in the background; its result is dropped.
var ErrTimeout = errors.New("sandbox: evaluation timed out")

// Strategy is a compiled filter ready for evaluation. filterlang.Program
// satisfies this.
type Strategy interface {
	Eval(*model.MarketData) (bool, error)
}

// Result is one symbol's outcome within a batch.
type Result struct {
	Symbol string
	Match  bool
	Err    error
}

// Executor enforces the sandbox bounds. One Executor is shared by every
// trader in the process so the concurrency cap is global.
type Executor struct {
	sem     chan struct{}
	timeout time.Duration

	// batchTimeout bounds a whole ExecuteBatch call; symbols still queued
	// behind the semaphore when it expires come back as timeouts.
	batchTimeout time.Duration
}

// New creates an executor with the given concurrency cap and per-evaluation
// timeout. Non-positive arguments fall back to the defaults (10, 1s).
func New(concurrency int, timeout time.Duration) *Executor {
	if concurrency <= 0 {
		concurrency = 10
	}
	if timeout <= 0 {
		timeout = time.Second
	}
	return &Executor{
		sem:          make(chan struct{}, concurrency),
		timeout:      timeout,
		batchTimeout: 5 * time.Second,
	}
}

// Execute evaluates one symbol's snapshot under the semaphore and the
// wall-clock timeout. Timeout and panic both yield (false, error).
func (x *Executor) Execute(ctx context.Context, s Strategy, snap *model.MarketData) (bool, error) {
	select {
	case x.sem <- struct{}{}:
	case <-ctx.Done():
		return false, ctx.Err()
	}
	defer func() { <-x.sem }()

	return x.run(ctx, s, snap)
}

// run performs the bounded evaluation; the caller holds a semaphore slot.
func (x *Executor) run(ctx context.Context, s Strategy, snap *model.MarketData) (bool, error) {
	type outcome struct {
		match bool
		err   error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("sandbox: strategy panic: %v", r)}
			}
		}()
		match, err := s.Eval(snap)
		done <- outcome{match: match, err: err}
	}()

	timer := time.NewTimer(x.timeout)
	defer timer.Stop()

	select {
	case o := <-done:
		return o.match, o.err
	case <-timer.C:
		return false, fmt.Errorf("%w after %s", ErrTimeout, x.timeout)
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// ExecuteBatch evaluates one strategy across many snapshots concurrently
// under the shared semaphore. Every snapshot gets a Result; one symbol's
// timeout or fault never cancels the others. Results are returned in input
// order.
func (x *Executor) ExecuteBatch(ctx context.Context, s Strategy, snaps []*model.MarketData) []Result {
	results := make([]Result, len(snaps))
	if len(snaps) == 0 {
		return results
	}

	bctx, cancel := context.WithTimeout(ctx, x.batchTimeout)
	defer cancel()

	done := make(chan int, len(snaps))
	for i := range snaps {
		i := i
		results[i].Symbol = snaps[i].Symbol
		go func() {
			match, err := x.Execute(bctx, s, snaps[i])
			results[i].Match = match
			results[i].Err = err
			done <- i
		}()
	}
	for range snaps {
		<-done
	}
	return results
}
