package model

import (
	"encoding/json"
	"math"
	"time"
)

// Kline represents one OHLCV candlestick for a (symbol, interval) pair.
// OpenTime and CloseTime are epoch milliseconds; OpenTime is always a
// multiple of the interval duration and CloseTime = OpenTime + duration - 1ms.
type Kline struct {
	Symbol        string   `json:"symbol"`
	Interval      Interval `json:"interval"`
	OpenTime      int64    `json:"open_time"`
	CloseTime     int64    `json:"close_time"`
	Open          float64  `json:"open"`
	High          float64  `json:"high"`
	Low           float64  `json:"low"`
	Close         float64  `json:"close"`
	Volume        float64  `json:"volume"`
	QuoteVolume   float64  `json:"quote_volume"`
	TradeCount    int64    `json:"trade_count"`
	TakerBuyBase  float64  `json:"taker_buy_base"`
	TakerBuyQuote float64  `json:"taker_buy_quote"`
}

// Key returns a unique cache key for this kline's pair: "SYMBOL:interval".
func (k *Kline) Key() string {
	return k.Symbol + ":" + string(k.Interval)
}

// OpenedAt returns the open time as UTC time.Time.
func (k *Kline) OpenedAt() time.Time {
	return time.UnixMilli(k.OpenTime).UTC()
}

// Valid reports whether all numeric fields are finite and non-negative
// and the open time sits on the interval grid.
func (k *Kline) Valid() bool {
	if k.Symbol == "" || !k.Interval.Valid() {
		return false
	}
	if k.OpenTime <= 0 || k.Interval.TruncateMillis(k.OpenTime) != k.OpenTime {
		return false
	}
	for _, v := range []float64{k.Open, k.High, k.Low, k.Close, k.Volume, k.QuoteVolume, k.TakerBuyBase, k.TakerBuyQuote} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return false
		}
	}
	return k.TradeCount >= 0
}

// JSON returns the JSON-encoded kline (ignoring errors for hot-path usage).
func (k *Kline) JSON() []byte {
	b, _ := json.Marshal(k)
	return b
}

// Ticker is the latest 24h ticker snapshot for a symbol.
type Ticker struct {
	Symbol             string    `json:"symbol"`
	LastPrice          float64   `json:"last_price"`
	PriceChangePercent float64   `json:"price_change_percent"`
	QuoteVolume        float64   `json:"quote_volume"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// MarketData is the immutable per-symbol bundle handed to filter code:
// the latest ticker plus ordered kline history per interval. The executor
// builds it from cache copies; filter code may not reach shared state
// through it.
type MarketData struct {
	Symbol    string               `json:"symbol"`
	Ticker    Ticker               `json:"ticker"`
	Klines    map[Interval][]Kline `json:"klines"`
	Timestamp time.Time            `json:"timestamp"`
}

// KlinesFor returns the kline series for an interval, or nil.
func (m *MarketData) KlinesFor(itv Interval) []Kline {
	if m == nil || m.Klines == nil {
		return nil
	}
	return m.Klines[itv]
}
