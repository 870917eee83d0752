package trader

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"screener-systemv1/internal/eventbus"
	"screener-systemv1/internal/model"
)

// fakeTraderStore is an in-memory model.TraderStore.
type fakeTraderStore struct {
	mu      sync.Mutex
	traders map[string]model.Trader
	fail    error
}

func newFakeTraderStore(traders ...model.Trader) *fakeTraderStore {
	s := &fakeTraderStore{traders: make(map[string]model.Trader)}
	for _, t := range traders {
		s.traders[t.ID] = t
	}
	return s
}

func (s *fakeTraderStore) put(t model.Trader) {
	s.mu.Lock()
	s.traders[t.ID] = t
	s.mu.Unlock()
}

func (s *fakeTraderStore) delete(id string) {
	s.mu.Lock()
	delete(s.traders, id)
	s.mu.Unlock()
}

func (s *fakeTraderStore) ListActiveTraders(context.Context) ([]model.Trader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return nil, s.fail
	}
	var out []model.Trader
	for _, t := range s.traders {
		if t.Enabled {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *fakeTraderStore) GetTrader(_ context.Context, id string) (*model.Trader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return nil, s.fail
	}
	t, ok := s.traders[id]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (s *fakeTraderStore) HealthCheck(context.Context) error { return nil }

func validTrader(id, code string, itvs ...model.Interval) model.Trader {
	if len(itvs) == 0 {
		itvs = []model.Interval{model.Interval1m}
	}
	return model.Trader{
		ID:      id,
		Name:    "trader " + id,
		Enabled: true,
		Filter:  model.FilterConfig{Code: code, Timeframes: itvs},
	}
}

func TestLoadAll_CompilesAndFiltersBadCode(t *testing.T) {
	store := newFakeTraderStore(
		validTrader("good", "price > 100"),
		validTrader("bad", "price >"),
	)
	r := NewRegistry(store, nil)
	if err := r.LoadAll(context.Background()); err != nil {
		t.Fatal(err)
	}

	active := r.ListActive()
	if len(active) != 1 || active[0].Trader.ID != "good" {
		t.Fatalf("active: %+v", active)
	}

	_, state, ok := r.Get("bad")
	if !ok || state != model.TraderErrored {
		t.Fatalf("bad trader state: (%v, %v)", state, ok)
	}
	// Store failures are fatal for LoadAll, unlike compile failures.
	store.fail = errors.New("db down")
	if err := r.LoadAll(context.Background()); err == nil {
		t.Fatal("store failure must propagate")
	}
}

func TestActiveForInterval(t *testing.T) {
	store := newFakeTraderStore(
		validTrader("m1", "price > 0", model.Interval1m),
		validTrader("h1", "price > 0", model.Interval1h),
		validTrader("both", "price > 0", model.Interval1m, model.Interval1h),
	)
	r := NewRegistry(store, nil)
	if err := r.LoadAll(context.Background()); err != nil {
		t.Fatal(err)
	}

	got := r.ActiveForInterval(model.Interval1m)
	if len(got) != 2 {
		t.Fatalf("1m traders: %d, want 2", len(got))
	}
	if got := r.ActiveForInterval(model.Interval4h); len(got) != 0 {
		t.Fatalf("4h traders: %d, want 0", len(got))
	}
}

func TestStartStop(t *testing.T) {
	store := newFakeTraderStore(validTrader("t1", "price > 0"))
	r := NewRegistry(store, nil)
	r.LoadAll(context.Background())

	if err := r.Stop("t1"); err != nil {
		t.Fatal(err)
	}
	if len(r.ListActive()) != 0 {
		t.Fatal("stopped trader must leave ListActive")
	}
	_, state, _ := r.Get("t1")
	if state != model.TraderStopped {
		t.Fatalf("state: %v", state)
	}

	if err := r.Start("t1"); err != nil {
		t.Fatal(err)
	}
	if len(r.ListActive()) != 1 {
		t.Fatal("restarted trader must be active again")
	}

	if err := r.Start("missing"); err == nil {
		t.Error("unknown trader must fail Start")
	}
}

func TestReload_PicksUpNewCodeAndBumpsGeneration(t *testing.T) {
	store := newFakeTraderStore(validTrader("t1", "price > 100"))
	r := NewRegistry(store, nil)
	r.LoadAll(context.Background())
	before := r.ListActive()[0]

	store.put(validTrader("t1", "price > 200"))
	if err := r.Reload(context.Background(), "t1"); err != nil {
		t.Fatal(err)
	}

	after := r.ListActive()[0]
	if after.Trader.Filter.Code != "price > 200" {
		t.Fatalf("code after reload: %q", after.Trader.Filter.Code)
	}
	if after.Gen == before.Gen {
		t.Fatal("reload must change the generation")
	}
	if r.Alive(before) {
		t.Fatal("pre-reload handle must be dead")
	}
	if !r.Alive(after) {
		t.Fatal("post-reload handle must be alive")
	}
}

func TestReload_RemovedUpstreamDeletesLocally(t *testing.T) {
	store := newFakeTraderStore(validTrader("t1", "price > 0"))
	r := NewRegistry(store, nil)
	r.LoadAll(context.Background())

	store.delete("t1")
	if err := r.Reload(context.Background(), "t1"); err != nil {
		t.Fatal(err)
	}
	if _, _, ok := r.Get("t1"); ok {
		t.Fatal("trader missing upstream must be removed")
	}
}

func TestReload_BadCodeReportsError(t *testing.T) {
	store := newFakeTraderStore(validTrader("t1", "price > 0"))
	r := NewRegistry(store, nil)
	r.LoadAll(context.Background())

	store.put(validTrader("t1", "price >"))
	if err := r.Reload(context.Background(), "t1"); err == nil {
		t.Fatal("reload with bad code must return the compile error")
	}
	_, state, _ := r.Get("t1")
	if state != model.TraderErrored {
		t.Fatalf("state: %v", state)
	}
	if len(r.ListActive()) != 0 {
		t.Fatal("errored trader must not be active")
	}
}

func TestQuarantine_AfterRepeatedErrors(t *testing.T) {
	store := newFakeTraderStore(validTrader("t1", "price > 0"))
	r := NewRegistry(store, nil)
	r.LoadAll(context.Background())

	now := time.Date(2024, 3, 7, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	cause := errors.New("strategy fault")
	for i := 0; i < 4; i++ {
		r.ReportError("t1", cause)
		now = now.Add(time.Second)
	}
	if _, state, _ := r.Get("t1"); state != model.TraderReady {
		t.Fatalf("4 errors must not quarantine, state: %v", state)
	}

	r.ReportError("t1", cause)
	_, state, _ := r.Get("t1")
	if state != model.TraderErrored {
		t.Fatalf("5th error inside the window must quarantine, state: %v", state)
	}
	if len(r.ListActive()) != 0 {
		t.Fatal("quarantined trader must leave execution")
	}

	// Start is not enough; an explicit reload is required.
	if err := r.Start("t1"); err == nil {
		t.Fatal("Start on an errored trader must fail")
	}
	if err := r.Reload(context.Background(), "t1"); err != nil {
		t.Fatal(err)
	}
	if _, state, _ := r.Get("t1"); state != model.TraderReady {
		t.Fatalf("state after reload: %v", state)
	}
}

func TestQuarantine_WindowExpires(t *testing.T) {
	store := newFakeTraderStore(validTrader("t1", "price > 0"))
	r := NewRegistry(store, nil)
	r.LoadAll(context.Background())

	now := time.Date(2024, 3, 7, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	cause := errors.New("strategy fault")
	for i := 0; i < 4; i++ {
		r.ReportError("t1", cause)
	}
	// The early errors age out of the 60s window.
	now = now.Add(2 * time.Minute)
	r.ReportError("t1", cause)

	if _, state, _ := r.Get("t1"); state != model.TraderReady {
		t.Fatalf("errors outside the window must not count, state: %v", state)
	}
}

func TestWatcher_SyncRemovesAdoptsAndReloads(t *testing.T) {
	store := newFakeTraderStore(
		validTrader("stay", "price > 0"),
		validTrader("gone", "price > 0"),
	)
	topic := eventbus.NewTopic[model.TraderLifecycleEvent](16)
	sub := topic.Subscribe()
	r := NewRegistry(store, topic)
	r.LoadAll(context.Background())
	drain(sub)

	// Upstream: one removed, one updated, one brand new.
	store.delete("gone")
	updated := validTrader("stay", "price > 999")
	updated.UpdatedAt = time.Now().Add(time.Minute)
	store.put(updated)
	store.put(validTrader("fresh", "change > 5"))

	r.syncWithStore(context.Background())

	if _, _, ok := r.Get("gone"); ok {
		t.Error("deleted trader must be removed")
	}
	if tr, _, ok := r.Get("fresh"); !ok || tr.Filter.Code != "change > 5" {
		t.Error("new trader must be adopted")
	}
	if tr, _, ok := r.Get("stay"); !ok || tr.Filter.Code != "price > 999" {
		t.Errorf("updated trader must be reloaded, code %q", tr.Filter.Code)
	}

	kinds := map[model.LifecycleKind]int{}
	for _, ev := range drain(sub) {
		kinds[ev.Kind]++
	}
	if kinds[model.TraderRemoved] != 1 || kinds[model.TraderAdded] != 1 || kinds[model.TraderReloaded] != 1 {
		t.Errorf("lifecycle events: %v", kinds)
	}
}

func drain(sub <-chan model.TraderLifecycleEvent) []model.TraderLifecycleEvent {
	var out []model.TraderLifecycleEvent
	for {
		select {
		case ev := <-sub:
			out = append(out, ev)
		default:
			return out
		}
	}
}
