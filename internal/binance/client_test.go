package binance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"screener-systemv1/internal/model"
)

const klinesPayload = `[
  [1709812800000,"68000.00","68100.00","67900.00","68050.00","12.5",1709812859999,"850625.00",340,"6.1","415055.00","0"],
  [1709812860000,"68050.00","68200.00","68000.00","68150.00","9.8",1709812919999,"667870.00",281,"5.0","340750.00","0"]
]`

func TestGetKlines(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/klines" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("symbol") != "BTCUSDT" || q.Get("interval") != "1m" || q.Get("limit") != "2" {
			t.Errorf("unexpected query %v", q)
		}
		w.Write([]byte(klinesPayload))
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	klines, err := c.GetKlines(context.Background(), "BTCUSDT", model.Interval1m, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(klines) != 2 {
		t.Fatalf("got %d klines, want 2", len(klines))
	}

	k := klines[0]
	if k.Symbol != "BTCUSDT" || k.Interval != model.Interval1m {
		t.Errorf("identity: %+v", k)
	}
	if k.OpenTime != 1709812800000 || k.CloseTime != 1709812859999 {
		t.Errorf("times: %+v", k)
	}
	if k.Open != 68000 || k.High != 68100 || k.Low != 67900 || k.Close != 68050 {
		t.Errorf("prices: %+v", k)
	}
	if k.Volume != 12.5 || k.QuoteVolume != 850625 || k.TradeCount != 340 {
		t.Errorf("volume: %+v", k)
	}
	if k.TakerBuyBase != 6.1 || k.TakerBuyQuote != 415055 {
		t.Errorf("taker fields: %+v", k)
	}
	if !k.Valid() {
		t.Error("parsed kline failed validation")
	}
}

func TestGetKlines_InvalidInterval(t *testing.T) {
	c := NewClient("http://unused")
	if _, err := c.GetKlines(context.Background(), "BTCUSDT", "2m", 10); err == nil {
		t.Fatal("invalid interval must be rejected before any request")
	}
}

func TestGetKlines_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.GetKlines(context.Background(), "NOPEUSDT", model.Interval1m, 10)
	if err == nil {
		t.Fatal("expected error for HTTP 400")
	}
}

func TestGetKlines_MalformedRow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[[1709812800000,"68000.00"]]`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	if _, err := c.GetKlines(context.Background(), "BTCUSDT", model.Interval1m, 1); err == nil {
		t.Fatal("short row must fail parsing")
	}
}

func TestGetTopSymbols(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/ticker/24hr" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`[
  {"symbol":"BTCUSDT","lastPrice":"68000","priceChangePercent":"2.5","quoteVolume":"900000000"},
  {"symbol":"ETHUSDT","lastPrice":"3500","priceChangePercent":"1.2","quoteVolume":"400000000"},
  {"symbol":"ETHBTC","lastPrice":"0.05","priceChangePercent":"0.1","quoteVolume":"50000000"},
  {"symbol":"DUSTUSDT","lastPrice":"0.001","priceChangePercent":"-3.0","quoteVolume":"5000"},
  {"symbol":"BTCUPUSDT","lastPrice":"12","priceChangePercent":"5.0","quoteVolume":"800000000"},
  {"symbol":"SOLUSDT","lastPrice":"150","priceChangePercent":"4.0","quoteVolume":"600000000"}
]`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	syms, err := c.GetTopSymbols(context.Background(), 2, 100000)
	if err != nil {
		t.Fatal(err)
	}
	// BTCUSDT > SOLUSDT by quote volume; ETHBTC is not USDT-quoted,
	// DUSTUSDT is below the volume floor, BTCUPUSDT is a leveraged token.
	if len(syms) != 2 || syms[0] != "BTCUSDT" || syms[1] != "SOLUSDT" {
		t.Fatalf("got %v, want [BTCUSDT SOLUSDT]", syms)
	}
}

func TestGetTickers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"symbol":"BTCUSDT","lastPrice":"68000.5","priceChangePercent":"2.5","quoteVolume":"900000000"}]`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	rows, err := c.GetTickers(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows))
	}
	tk, err := rows[0].ToTicker()
	if err != nil {
		t.Fatal(err)
	}
	if tk.Symbol != "BTCUSDT" || tk.LastPrice != 68000.5 || tk.PriceChangePercent != 2.5 {
		t.Errorf("ticker: %+v", tk)
	}
}
