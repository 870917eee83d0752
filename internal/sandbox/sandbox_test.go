package sandbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"screener-systemv1/internal/model"
)

// stubStrategy lets tests control evaluation behavior per symbol.
type stubStrategy struct {
	fn func(*model.MarketData) (bool, error)
}

func (s *stubStrategy) Eval(d *model.MarketData) (bool, error) { return s.fn(d) }

func snap(symbol string) *model.MarketData {
	return &model.MarketData{Symbol: symbol}
}

func TestExecute_Match(t *testing.T) {
	x := New(2, time.Second)
	s := &stubStrategy{fn: func(d *model.MarketData) (bool, error) {
		return d.Symbol == "BTCUSDT", nil
	}}

	match, err := x.Execute(context.Background(), s, snap("BTCUSDT"))
	if err != nil || !match {
		t.Fatalf("got (%v, %v), want (true, nil)", match, err)
	}
	match, err = x.Execute(context.Background(), s, snap("ETHUSDT"))
	if err != nil || match {
		t.Fatalf("got (%v, %v), want (false, nil)", match, err)
	}
}

func TestExecute_Timeout(t *testing.T) {
	x := New(2, 50*time.Millisecond)
	s := &stubStrategy{fn: func(*model.MarketData) (bool, error) {
		time.Sleep(500 * time.Millisecond)
		return true, nil
	}}

	start := time.Now()
	match, err := x.Execute(context.Background(), s, snap("BTCUSDT"))
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err: got %v, want ErrTimeout", err)
	}
	if match {
		t.Fatal("timed-out evaluation must be no-match")
	}
	if elapsed := time.Since(start); elapsed > 300*time.Millisecond {
		t.Fatalf("Execute blocked past the timeout: %s", elapsed)
	}
}

func TestExecute_PanicContained(t *testing.T) {
	x := New(2, time.Second)
	s := &stubStrategy{fn: func(*model.MarketData) (bool, error) {
		panic("boom")
	}}

	match, err := x.Execute(context.Background(), s, snap("BTCUSDT"))
	if err == nil || match {
		t.Fatalf("got (%v, %v), want (false, panic error)", match, err)
	}
}

func TestExecute_ContextCancel(t *testing.T) {
	x := New(1, time.Second)

	// Occupy the only slot so the second call blocks on the semaphore.
	blocker := &stubStrategy{fn: func(*model.MarketData) (bool, error) {
		time.Sleep(400 * time.Millisecond)
		return false, nil
	}}
	go x.Execute(context.Background(), blocker, snap("AAAUSDT"))
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := x.Execute(ctx, blocker, snap("BTCUSDT"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err: got %v, want context.Canceled", err)
	}
}

func TestExecuteBatch_TimeoutIsolated(t *testing.T) {
	// The slow symbol times out; the rest complete normally.
	x := New(10, 100*time.Millisecond)
	s := &stubStrategy{fn: func(d *model.MarketData) (bool, error) {
		if d.Symbol == "SLOWUSDT" {
			time.Sleep(2 * time.Second)
		}
		return true, nil
	}}

	snaps := []*model.MarketData{snap("BTCUSDT"), snap("SLOWUSDT"), snap("ETHUSDT")}
	results := x.ExecuteBatch(context.Background(), s, snaps)

	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	byName := map[string]Result{}
	for _, r := range results {
		byName[r.Symbol] = r
	}
	if r := byName["BTCUSDT"]; !r.Match || r.Err != nil {
		t.Errorf("BTCUSDT: %+v", r)
	}
	if r := byName["ETHUSDT"]; !r.Match || r.Err != nil {
		t.Errorf("ETHUSDT: %+v", r)
	}
	if r := byName["SLOWUSDT"]; r.Match || !errors.Is(r.Err, ErrTimeout) {
		t.Errorf("SLOWUSDT: %+v", r)
	}
}

func TestExecuteBatch_ErrorIsolated(t *testing.T) {
	x := New(4, time.Second)
	s := &stubStrategy{fn: func(d *model.MarketData) (bool, error) {
		if d.Symbol == "BADUSDT" {
			return false, errors.New("strategy fault")
		}
		return true, nil
	}}

	results := x.ExecuteBatch(context.Background(), s,
		[]*model.MarketData{snap("BTCUSDT"), snap("BADUSDT")})

	if results[0].Err != nil || !results[0].Match {
		t.Errorf("healthy symbol affected: %+v", results[0])
	}
	if results[1].Err == nil {
		t.Errorf("faulty symbol must carry its error: %+v", results[1])
	}
}

func TestExecuteBatch_RespectsConcurrencyCap(t *testing.T) {
	// With cap 2 and four 100ms evaluations, the batch needs two waves.
	x := New(2, time.Second)
	s := &stubStrategy{fn: func(*model.MarketData) (bool, error) {
		time.Sleep(100 * time.Millisecond)
		return true, nil
	}}

	start := time.Now()
	snaps := []*model.MarketData{snap("A"), snap("B"), snap("C"), snap("D")}
	results := x.ExecuteBatch(context.Background(), s, snaps)
	elapsed := time.Since(start)

	for _, r := range results {
		if r.Err != nil || !r.Match {
			t.Fatalf("result: %+v", r)
		}
	}
	if elapsed < 180*time.Millisecond {
		t.Fatalf("four evaluations under cap 2 finished too fast: %s", elapsed)
	}
}

func TestExecuteBatch_PreservesInputOrder(t *testing.T) {
	x := New(4, time.Second)
	s := &stubStrategy{fn: func(*model.MarketData) (bool, error) { return true, nil }}

	snaps := []*model.MarketData{snap("A"), snap("B"), snap("C")}
	results := x.ExecuteBatch(context.Background(), s, snaps)
	for i, want := range []string{"A", "B", "C"} {
		if results[i].Symbol != want {
			t.Fatalf("order: got %v", results)
		}
	}
}
