package sqlite

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"screener-systemv1/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{DBPath: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testTrader(id string, owner *string) model.Trader {
	return model.Trader{
		ID:      id,
		Owner:   owner,
		Name:    "breakout " + id,
		Enabled: true,
		Filter: model.FilterConfig{
			Code:       `close("1h") > sma("1h", 20)`,
			Timeframes: []model.Interval{model.Interval1h},
		},
	}
}

func testSignal(traderID, symbol string, ts time.Time) model.Signal {
	return model.Signal{
		ID:                    uuid.NewString(),
		TraderID:              traderID,
		Symbol:                symbol,
		Interval:              model.Interval1h,
		Timestamp:             ts,
		PriceAtSignal:         68000,
		ChangePercentAtSignal: 2.5,
		VolumeAtSignal:        1200,
		Count:                 1,
		Source:                model.SourceCloud,
	}
}

func TestTraderRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	owner := "user-1"
	if err := s.UpsertTrader(ctx, testTrader("t1", nil)); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertTrader(ctx, testTrader("t2", &owner)); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetTrader(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != "t1" || !got.Enabled {
		t.Fatalf("t1: %+v", got)
	}
	if !got.BuiltIn() {
		t.Error("t1 has no owner, must be built-in")
	}
	if got.Filter.Code != `close("1h") > sma("1h", 20)` {
		t.Errorf("filter code: %q", got.Filter.Code)
	}
	if len(got.Filter.Timeframes) != 1 || got.Filter.Timeframes[0] != model.Interval1h {
		t.Errorf("timeframes: %v", got.Filter.Timeframes)
	}

	got, err = s.GetTrader(ctx, "t2")
	if err != nil {
		t.Fatal(err)
	}
	if got.BuiltIn() || *got.Owner != "user-1" {
		t.Fatalf("t2 owner: %+v", got.Owner)
	}

	got, err = s.GetTrader(ctx, "missing")
	if err != nil || got != nil {
		t.Fatalf("missing trader: got (%+v, %v), want (nil, nil)", got, err)
	}
}

func TestListActiveTraders_SkipsDisabled(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	enabled := testTrader("t1", nil)
	disabled := testTrader("t2", nil)
	disabled.Enabled = false
	if err := s.UpsertTrader(ctx, enabled); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertTrader(ctx, disabled); err != nil {
		t.Fatal(err)
	}

	list, err := s.ListActiveTraders(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID != "t1" {
		t.Fatalf("active traders: %+v", list)
	}
}

func TestDeleteTrader(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertTrader(ctx, testTrader("t1", nil)); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteTrader(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetTrader(ctx, "t1")
	if err != nil || got != nil {
		t.Fatalf("after delete: got (%+v, %v)", got, err)
	}
	if err := s.DeleteTrader(ctx, "t1"); err != nil {
		t.Fatalf("double delete must be a no-op: %v", err)
	}
}

func TestDoubleEncodedFilterTolerated(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Simulate the legacy writer: the filter object serialized into a JSON
	// string before being stored.
	inner, _ := json.Marshal(model.FilterConfig{
		Code:       "change > 5",
		Timeframes: []model.Interval{model.Interval5m},
	})
	doubled, _ := json.Marshal(string(inner))
	_, err := s.DB().ExecContext(ctx, `
		INSERT INTO traders (id, owner, name, description, enabled, filter, created_at, updated_at)
		VALUES ('legacy', NULL, 'legacy trader', '', 1, ?, 0, 0)
	`, string(doubled))
	if err != nil {
		t.Fatal(err)
	}

	got, err := s.GetTrader(ctx, "legacy")
	if err != nil {
		t.Fatal(err)
	}
	if got.Filter.Code != "change > 5" {
		t.Fatalf("double-encoded filter not decoded: %+v", got.Filter)
	}
	if len(got.Filter.Timeframes) != 1 || got.Filter.Timeframes[0] != model.Interval5m {
		t.Fatalf("timeframes: %v", got.Filter.Timeframes)
	}
}

func TestInsertSignal_DedupBumpsCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ts := time.Date(2024, 3, 7, 12, 0, 0, 0, time.UTC)
	sig := testSignal("t1", "BTCUSDT", ts)
	if err := s.InsertSignal(ctx, sig); err != nil {
		t.Fatal(err)
	}

	// Same dedup key, different id: no new row, count goes to 2.
	replay := testSignal("t1", "BTCUSDT", ts)
	if err := s.InsertSignal(ctx, replay); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetSignal(ctx, "t1", "BTCUSDT", model.Interval1h, ts)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Count != 2 {
		t.Fatalf("deduped signal: %+v", got)
	}
	if got.ID != sig.ID {
		t.Error("original row must survive the replay")
	}
	if !got.Timestamp.Equal(ts) {
		t.Errorf("timestamp: %v", got.Timestamp)
	}
}

func TestInsertSignals_Batch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ts := time.Date(2024, 3, 7, 12, 0, 0, 0, time.UTC)
	batch := []model.Signal{
		testSignal("t1", "BTCUSDT", ts),
		testSignal("t1", "ETHUSDT", ts),
		testSignal("t2", "BTCUSDT", ts),
	}
	if err := s.InsertSignals(ctx, batch); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertSignals(ctx, nil); err != nil {
		t.Fatalf("empty batch: %v", err)
	}

	for _, want := range batch {
		got, err := s.GetSignal(ctx, want.TraderID, want.Symbol, want.Interval, ts)
		if err != nil || got == nil {
			t.Fatalf("%s/%s: got (%+v, %v)", want.TraderID, want.Symbol, got, err)
		}
		if got.Count != 1 || got.PriceAtSignal != 68000 {
			t.Errorf("%s/%s: %+v", want.TraderID, want.Symbol, got)
		}
	}
}

func TestHealthCheck(t *testing.T) {
	s := newTestStore(t)
	if err := s.HealthCheck(context.Background()); err != nil {
		t.Fatal(err)
	}
	s.Close()
	if err := s.HealthCheck(context.Background()); err == nil {
		t.Fatal("health check on a closed store must fail")
	}
}
