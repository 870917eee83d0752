package trader

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"screener-systemv1/internal/cache"
	"screener-systemv1/internal/eventbus"
	"screener-systemv1/internal/filterlang"
	"screener-systemv1/internal/model"
	"screener-systemv1/internal/ringbuf"
	"screener-systemv1/internal/sandbox"
)

// ExecutorConfig wires the executor.
type ExecutorConfig struct {
	// QueueSize bounds the pending candle-open queue (default 64).
	QueueSize int
	// DedupWindow suppresses re-publication of a dedup key. Zero means one
	// interval-duration per event.
	DedupWindow time.Duration
	// SnapshotLimit caps candles per interval in each snapshot (0 = cache
	// capacity).
	SnapshotLimit int
}

// Executor consumes candle-open boundaries, runs every matching trader over
// the symbol universe through the sandbox, and persists the resulting
// signals. A single consumer loop keeps signal order per
// (trader, symbol, interval) aligned with boundary order.
type Executor struct {
	cfg      ExecutorConfig
	registry *Registry
	cache    *cache.Cache
	exec     *sandbox.Executor
	signals  model.SignalStore
	pub      model.SignalPublisher // optional
	symbols  func() []string

	pending *ringbuf.Ring[model.CandleOpenEvent]
	notify  chan struct{}

	dedupMu sync.Mutex
	dedup   map[string]time.Time // dedup key -> expiry

	now func() time.Time

	// Metrics hooks (optional, set before Start).
	OnEvaluation  func(n int)              // filter evaluations dispatched
	OnFilterError func(timeout bool)       // strategy fault (timeout flagged)
	OnSignals     func(n int)              // signals accepted into a batch
	OnBatchDrop   func(n int)              // batch dropped after retry
	OnShed        func(itv model.Interval) // pending queue shed an event
}

// NewExecutor creates an executor. symbols returns the currently tracked
// universe; pub may be nil when Redis is not configured.
func NewExecutor(cfg ExecutorConfig, reg *Registry, c *cache.Cache, exec *sandbox.Executor,
	signals model.SignalStore, pub model.SignalPublisher, symbols func() []string) *Executor {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	return &Executor{
		cfg:      cfg,
		registry: reg,
		cache:    c,
		exec:     exec,
		signals:  signals,
		pub:      pub,
		symbols:  symbols,
		pending:  ringbuf.New[model.CandleOpenEvent](cfg.QueueSize),
		notify:   make(chan struct{}, 1),
		dedup:    make(map[string]time.Time),
		now:      time.Now,
	}
}

// Start subscribes to the candle-open topic and launches the intake and
// consumer goroutines. Returns immediately.
func (x *Executor) Start(ctx context.Context, opens *eventbus.Topic[model.CandleOpenEvent]) {
	sub := opens.Subscribe()
	go x.intake(ctx, sub)
	go x.consume(ctx)
}

// intake moves events from the bus subscription into the bounded pending
// queue so a long evaluation never backs up bus delivery.
func (x *Executor) intake(ctx context.Context, sub <-chan model.CandleOpenEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			x.Enqueue(ev)
		}
	}
}

// Enqueue adds one boundary event to the pending queue, shedding the oldest
// queued event for the same interval when full.
func (x *Executor) Enqueue(ev model.CandleOpenEvent) {
	shed := x.pending.Push(ev, func(old model.CandleOpenEvent) bool {
		return old.Interval == ev.Interval
	})
	if shed {
		log.Printf("[executor] queue full, shed an event for %s", ev.Interval)
		if x.OnShed != nil {
			x.OnShed(ev.Interval)
		}
	}
	select {
	case x.notify <- struct{}{}:
	default:
	}
}

func (x *Executor) consume(ctx context.Context) {
	for {
		ev, ok := x.pending.Pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-x.notify:
				continue
			}
		}
		if ctx.Err() != nil {
			return
		}
		x.handleBoundary(ctx, ev)
	}
}

// handleBoundary runs one candle-open event end to end: resolve traders,
// snapshot the universe, evaluate, dedup, persist, publish.
func (x *Executor) handleBoundary(ctx context.Context, ev model.CandleOpenEvent) {
	handles := x.registry.ActiveForInterval(ev.Interval)
	if len(handles) == 0 {
		return
	}
	universe := x.symbols()
	if len(universe) == 0 {
		return
	}

	// One snapshot set per boundary, shared across traders. Interval set is
	// the union of the triggered traders' timeframes so every filter sees
	// the series it asks for.
	intervals := unionTimeframes(handles)
	snaps := make([]*model.MarketData, 0, len(universe))
	for _, sym := range universe {
		snaps = append(snaps, x.cache.Snapshot(sym, intervals, x.cfg.SnapshotLimit))
	}

	var batch []model.Signal
	for _, h := range handles {
		results := x.exec.ExecuteBatch(ctx, h.Program, snaps)
		if x.OnEvaluation != nil {
			x.OnEvaluation(len(results))
		}

		// Results computed against a removed or reloaded trader are
		// discarded wholesale.
		if !x.registry.Alive(h) {
			log.Printf("[executor] trader %s changed mid-flight, discarding %d results", h.Trader.ID, len(results))
			continue
		}

		for i := range results {
			res := &results[i]
			if res.Err != nil {
				x.recordError(h.Trader.ID, res.Err)
				continue
			}
			if !res.Match {
				continue
			}
			sig := x.buildSignal(h.Trader, snaps[i], ev)
			if x.isDuplicate(&sig, ev.Interval) {
				// The store bumps count on the existing row; no re-publish.
				batch = append(batch, sig)
				continue
			}
			batch = append(batch, sig)
			if x.pub != nil {
				if err := x.pub.PublishSignal(ctx, sig); err != nil {
					log.Printf("[executor] publish signal %s: %v", sig.ID, err)
				}
			}
		}
	}

	x.persist(ctx, batch)
}

func (x *Executor) recordError(traderID string, err error) {
	// Insufficient history is an environmental condition, not a strategy
	// fault; it neither counts toward quarantine nor spams the log.
	if errors.Is(err, filterlang.ErrNotReady) {
		return
	}
	timeout := errors.Is(err, sandbox.ErrTimeout)
	log.Printf("[executor] trader %s strategy error: %v", traderID, err)
	if x.OnFilterError != nil {
		x.OnFilterError(timeout)
	}
	x.registry.ReportError(traderID, err)
}

// buildSignal constructs the signal for one (trader, symbol) match.
func (x *Executor) buildSignal(t model.Trader, snap *model.MarketData, ev model.CandleOpenEvent) model.Signal {
	price := snap.Ticker.LastPrice
	volume := snap.Ticker.QuoteVolume
	if price == 0 {
		if klines := snap.KlinesFor(ev.Interval); len(klines) > 0 {
			last := klines[len(klines)-1]
			price = last.Close
			volume = last.QuoteVolume
		}
	}
	return model.Signal{
		ID:                    uuid.NewString(),
		TraderID:              t.ID,
		Owner:                 t.Owner,
		Symbol:                snap.Symbol,
		Interval:              ev.Interval,
		Timestamp:             time.UnixMilli(ev.OpenTime).UTC(),
		PriceAtSignal:         price,
		ChangePercentAtSignal: snap.Ticker.PriceChangePercent,
		VolumeAtSignal:        volume,
		Count:                 1,
		Source:                model.SourceCloud,
	}
}

// isDuplicate checks and records the dedup key. Expired entries are pruned
// opportunistically.
func (x *Executor) isDuplicate(sig *model.Signal, itv model.Interval) bool {
	window := x.cfg.DedupWindow
	if window <= 0 {
		window = itv.Duration()
	}
	now := x.now()

	x.dedupMu.Lock()
	defer x.dedupMu.Unlock()

	for k, exp := range x.dedup {
		if now.After(exp) {
			delete(x.dedup, k)
		}
	}

	key := sig.DedupKey()
	if exp, ok := x.dedup[key]; ok && now.Before(exp) {
		return true
	}
	x.dedup[key] = now.Add(window)
	return false
}

// persist writes the batch, retrying a full failure once before dropping.
func (x *Executor) persist(ctx context.Context, batch []model.Signal) {
	if len(batch) == 0 {
		return
	}
	if x.OnSignals != nil {
		x.OnSignals(len(batch))
	}
	err := x.signals.InsertSignals(ctx, batch)
	if err == nil {
		return
	}
	log.Printf("[executor] batch insert failed (%d signals), retrying: %v", len(batch), err)
	if err = x.signals.InsertSignals(ctx, batch); err == nil {
		return
	}
	log.Printf("[executor] batch insert failed twice, dropping %d signals: %v", len(batch), err)
	if x.OnBatchDrop != nil {
		x.OnBatchDrop(len(batch))
	}
}

// QueueLen reports the pending queue depth, for the saturation gauge.
func (x *Executor) QueueLen() int { return x.pending.Len() }

func unionTimeframes(handles []Handle) []model.Interval {
	seen := make(map[model.Interval]bool)
	var out []model.Interval
	for _, h := range handles {
		for _, itv := range h.Trader.Filter.Timeframes {
			if !seen[itv] {
				seen[itv] = true
				out = append(out, itv)
			}
		}
	}
	return out
}
