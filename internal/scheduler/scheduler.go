// Package scheduler turns wall-clock time into CandleOpen events: one event
// per interval per boundary crossing, emitted within one tick (100ms) of the
// true boundary. The first observation after start only primes state, so a
// process started mid-candle never fires for a boundary it did not witness.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"screener-systemv1/internal/eventbus"
	"screener-systemv1/internal/model"
)

const tickEvery = 100 * time.Millisecond

// Scheduler drives candle-boundary evaluation for a set of intervals.
type Scheduler struct {
	topic *eventbus.Topic[model.CandleOpenEvent]

	mu      sync.Mutex
	running map[model.Interval]context.CancelFunc
	ctx     context.Context
	started bool

	// now is injectable for tests; defaults to time.Now.
	now func() time.Time

	// OnBoundary is called after each emitted event (optional, metrics).
	OnBoundary func(itv model.Interval)
}

// New creates a scheduler publishing on topic for the given intervals.
// All intervals must be valid; an invalid one fails construction.
func New(topic *eventbus.Topic[model.CandleOpenEvent], intervals []model.Interval) (*Scheduler, error) {
	if len(intervals) == 0 {
		return nil, fmt.Errorf("scheduler: no intervals configured")
	}
	s := &Scheduler{
		topic:   topic,
		running: make(map[model.Interval]context.CancelFunc, len(intervals)),
		now:     time.Now,
	}
	for _, itv := range intervals {
		if !itv.Valid() {
			return nil, fmt.Errorf("scheduler: invalid interval %q", itv)
		}
		s.running[itv] = nil // reserved, worker starts in Start
	}
	return s, nil
}

// Start launches one worker goroutine per configured interval. Workers stop
// when ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.ctx = ctx
	for itv := range s.running {
		s.startWorker(itv)
	}
}

// AddInterval starts a worker for a new interval at runtime. Adding an
// already-scheduled interval is a no-op.
func (s *Scheduler) AddInterval(itv model.Interval) error {
	if !itv.Valid() {
		return fmt.Errorf("scheduler: invalid interval %q", itv)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.running[itv]; ok {
		return nil
	}
	s.running[itv] = nil
	if s.started {
		s.startWorker(itv)
	}
	return nil
}

// Intervals returns the currently scheduled intervals.
func (s *Scheduler) Intervals() []model.Interval {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Interval, 0, len(s.running))
	for itv := range s.running {
		out = append(out, itv)
	}
	return out
}

// startWorker must be called with s.mu held and s.started true.
func (s *Scheduler) startWorker(itv model.Interval) {
	wctx, cancel := context.WithCancel(s.ctx)
	s.running[itv] = cancel
	go s.run(wctx, itv)
}

// run wakes every tick, truncates now to the interval grid and emits once
// per boundary change. A clock jump over several boundaries emits a single
// catch-up event for the most recent one only.
func (s *Scheduler) run(ctx context.Context, itv model.Interval) {
	ticker := time.NewTicker(tickEvery)
	defer ticker.Stop()

	// Prime: the boundary we are inside at startup is never emitted.
	last := itv.TruncateMillis(s.now().UnixMilli())
	log.Printf("[scheduler] %s worker primed at open_time=%d", itv, last)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			next, emit := advance(itv, last, s.now().UnixMilli())
			if next != last && !emit {
				// Clock went backwards; re-primed rather than replayed.
				log.Printf("[scheduler] %s clock moved backwards, re-priming at %d", itv, next)
			}
			last = next
			if !emit {
				continue
			}
			s.topic.Publish(model.CandleOpenEvent{Interval: itv, OpenTime: last})
			if s.OnBoundary != nil {
				s.OnBoundary(itv)
			}
		}
	}
}

// advance computes the boundary transition for one tick. It returns the new
// last-seen boundary and whether a CandleOpen event fires. A jump over
// multiple boundaries yields exactly one emission (for the latest); a
// backwards move re-primes silently.
func advance(itv model.Interval, last, nowMs int64) (int64, bool) {
	current := itv.TruncateMillis(nowMs)
	if current == last {
		return last, false
	}
	if current < last {
		return current, false
	}
	return current, true
}
