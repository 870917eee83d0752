// Package trader holds the trader registry and the signal executor: the
// registry keeps the authoritative set of runnable traders with compiled
// filters, the executor evaluates them on candle boundaries and persists
// the resulting signals.
package trader

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"screener-systemv1/internal/eventbus"
	"screener-systemv1/internal/filterlang"
	"screener-systemv1/internal/model"
)

// Quarantine thresholds: a trader racking up this many strategy errors
// inside the window is auto-stopped until an explicit reload.
const (
	quarantineErrors = 5
	quarantineWindow = 60 * time.Second
)

// entry is a registry-resident trader: the record, its compiled program and
// lifecycle state. gen increments on every (re)load so the executor can
// discard results computed against a stale generation.
type entry struct {
	trader  model.Trader
	program *filterlang.Program
	state   model.TraderState
	gen     uint64
	lastErr error

	errTimes []time.Time // recent strategy-error timestamps, quarantine window
}

// Registry is the in-memory trader set backed by the trader store. Reads
// are frequent (every boundary); writes happen on load, reload and the
// deletion watcher's poll.
type Registry struct {
	store  model.TraderStore
	events *eventbus.Topic[model.TraderLifecycleEvent]

	mu      sync.RWMutex
	entries map[string]*entry
	gen     uint64

	now func() time.Time
}

// NewRegistry creates an empty registry over the given store. Lifecycle
// events are published on events (may be nil in tests).
func NewRegistry(store model.TraderStore, events *eventbus.Topic[model.TraderLifecycleEvent]) *Registry {
	return &Registry{
		store:   store,
		events:  events,
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

// Handle is the executor's view of a runnable trader.
type Handle struct {
	Trader  model.Trader
	Program *filterlang.Program
	Gen     uint64
}

func (r *Registry) publish(id string, kind model.LifecycleKind) {
	if r.events == nil {
		return
	}
	r.events.Publish(model.TraderLifecycleEvent{TraderID: id, Kind: kind, At: r.now().UTC()})
}

// LoadAll fetches every enabled trader from the store and compiles it.
// Compilation failures mark the trader errored and move on; LoadAll only
// fails when the store itself does.
func (r *Registry) LoadAll(ctx context.Context) error {
	traders, err := r.store.ListActiveTraders(ctx)
	if err != nil {
		return fmt.Errorf("registry: load traders: %w", err)
	}

	ready, failed := 0, 0
	for i := range traders {
		if r.install(traders[i], model.TraderAdded) {
			ready++
		} else {
			failed++
		}
	}
	log.Printf("[registry] loaded %d traders (%d ready, %d errored)", len(traders), ready, failed)
	return nil
}

// install compiles and stores one trader record. Returns true when the
// trader ended up ready.
func (r *Registry) install(t model.Trader, kind model.LifecycleKind) bool {
	r.mu.Lock()
	r.gen++
	e := &entry{trader: t, state: model.TraderCompiling, gen: r.gen}
	r.entries[t.ID] = e
	r.mu.Unlock()

	prog, err := filterlang.Compile(t.Filter.Code)

	r.mu.Lock()
	defer r.mu.Unlock()
	// The entry may have been replaced or removed while compiling.
	if cur := r.entries[t.ID]; cur != e {
		return false
	}
	if err != nil {
		e.state = model.TraderErrored
		e.lastErr = err
		log.Printf("[registry] trader %s failed to compile: %v", t.ID, err)
		r.publish(t.ID, model.TraderFailed)
		return false
	}
	if len(t.Filter.Timeframes) == 0 {
		e.state = model.TraderErrored
		e.lastErr = errors.New("no required timeframes")
		r.publish(t.ID, model.TraderFailed)
		return false
	}
	e.program = prog
	e.state = model.TraderReady
	r.publish(t.ID, kind)
	return true
}

// Reload refetches one trader from the store and recompiles it. A trader
// that disappeared from the store is removed locally.
func (r *Registry) Reload(ctx context.Context, id string) error {
	t, err := r.store.GetTrader(ctx, id)
	if err != nil {
		return fmt.Errorf("registry: reload %s: %w", id, err)
	}
	if t == nil || !t.Enabled {
		r.remove(id)
		return nil
	}
	if !r.install(*t, model.TraderReloaded) {
		r.mu.RLock()
		defer r.mu.RUnlock()
		if e, ok := r.entries[id]; ok && e.lastErr != nil {
			return fmt.Errorf("registry: reload %s: %w", id, e.lastErr)
		}
	}
	return nil
}

// Start moves a stopped trader back to ready. Errored traders need Reload.
func (r *Registry) Start(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("registry: unknown trader %s", id)
	}
	switch e.state {
	case model.TraderReady:
		return nil
	case model.TraderStopped:
		e.state = model.TraderReady
		e.errTimes = nil
		r.publish(id, model.TraderStarted)
		return nil
	default:
		return fmt.Errorf("registry: trader %s is %s, reload to restart", id, e.state)
	}
}

// Stop halts a ready trader without forgetting it.
func (r *Registry) Stop(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("registry: unknown trader %s", id)
	}
	if e.state == model.TraderReady {
		e.state = model.TraderStopped
		r.publish(id, model.TraderHalted)
	}
	return nil
}

func (r *Registry) remove(id string) {
	r.mu.Lock()
	_, existed := r.entries[id]
	delete(r.entries, id)
	r.mu.Unlock()
	if existed {
		log.Printf("[registry] trader %s removed", id)
		r.publish(id, model.TraderRemoved)
	}
}

// Get returns the trader record and its state, or ok=false.
func (r *Registry) Get(id string) (model.Trader, model.TraderState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return model.Trader{}, "", false
	}
	return e.trader, e.state, true
}

// ListActive returns handles for every ready trader.
func (r *Registry) ListActive() []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Handle, 0, len(r.entries))
	for _, e := range r.entries {
		if e.state == model.TraderReady {
			out = append(out, Handle{Trader: e.trader, Program: e.program, Gen: e.gen})
		}
	}
	return out
}

// ActiveForInterval returns handles for ready traders triggered by itv.
func (r *Registry) ActiveForInterval(itv model.Interval) []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Handle
	for _, e := range r.entries {
		if e.state == model.TraderReady && e.trader.UsesInterval(itv) {
			out = append(out, Handle{Trader: e.trader, Program: e.program, Gen: e.gen})
		}
	}
	return out
}

// Alive reports whether the handle still refers to the current generation
// of a ready trader. The executor checks this before persisting results
// that were in flight across a removal or reload.
func (r *Registry) Alive(h Handle) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[h.Trader.ID]
	return ok && e.state == model.TraderReady && e.gen == h.Gen
}

// ReportError records one strategy error against the trader. Crossing the
// quarantine threshold stops the trader and marks it errored; it stays out
// of execution until an explicit Reload.
func (r *Registry) ReportError(id string, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || e.state != model.TraderReady {
		return
	}

	now := r.now()
	cutoff := now.Add(-quarantineWindow)
	kept := e.errTimes[:0]
	for _, ts := range e.errTimes {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	e.errTimes = append(kept, now)
	e.lastErr = cause

	if len(e.errTimes) >= quarantineErrors {
		e.state = model.TraderErrored
		e.errTimes = nil
		log.Printf("[registry] trader %s quarantined after repeated errors, last: %v", id, cause)
		r.publish(id, model.TraderFailed)
	}
}

// RunWatcher polls the store every interval, removing traders that
// disappeared (or were disabled) upstream and adopting newly appearing
// enabled ones. Blocks until ctx is cancelled.
func (r *Registry) RunWatcher(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.syncWithStore(ctx)
		}
	}
}

// syncWithStore performs one reconciliation pass against the store.
func (r *Registry) syncWithStore(ctx context.Context) {
	upstream, err := r.store.ListActiveTraders(ctx)
	if err != nil {
		log.Printf("[registry] watcher poll failed: %v", err)
		return
	}

	seen := make(map[string]model.Trader, len(upstream))
	for i := range upstream {
		seen[upstream[i].ID] = upstream[i]
	}

	r.mu.RLock()
	var stale []string
	var changed []model.Trader
	for id, e := range r.entries {
		up, ok := seen[id]
		if !ok {
			stale = append(stale, id)
			continue
		}
		if up.UpdatedAt.After(e.trader.UpdatedAt) {
			changed = append(changed, up)
		}
		delete(seen, id)
	}
	r.mu.RUnlock()

	for _, id := range stale {
		r.remove(id)
	}
	for _, t := range changed {
		r.install(t, model.TraderReloaded)
	}
	for _, t := range seen { // left over: new upstream traders
		log.Printf("[registry] adopting new trader %s", t.ID)
		r.install(t, model.TraderAdded)
	}
}
