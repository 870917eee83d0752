// Package cache is the in-memory kline store: a bounded, ordered candle
// history per (symbol, interval) key plus the latest ticker per symbol.
// The stream client is the single logical writer per key; readers get
// copies and can never mutate cache state through returned data.
package cache

import (
	"hash/fnv"
	"log"
	"sync"
	"time"

	"screener-systemv1/internal/model"
)

const shardCount = 16

// Cache stores recent klines keyed by "SYMBOL:interval", bounded per key.
type Cache struct {
	capacity int
	shards   [shardCount]*shard

	// Metrics hooks (optional, set before first write)
	OnEvict  func()                         // a candle aged out of a full key
	OnGap    func(symbol string, itv model.Interval, missed int64) // non-contiguous append accepted
	OnReject func()                         // malformed or out-of-order candle dropped
}

type shard struct {
	mu      sync.RWMutex
	klines  map[string][]model.Kline
	tickers map[string]model.Ticker
}

// New creates a cache with the given per-key capacity (default 500 when <= 0).
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = 500
	}
	c := &Cache{capacity: capacity}
	for i := range c.shards {
		c.shards[i] = &shard{
			klines:  make(map[string][]model.Kline),
			tickers: make(map[string]model.Ticker),
		}
	}
	return c
}

// Capacity returns the per-key candle bound.
func (c *Cache) Capacity() int { return c.capacity }

func (c *Cache) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%shardCount]
}

func key(symbol string, itv model.Interval) string {
	return symbol + ":" + string(itv)
}

// PutAll replaces the history for (symbol, interval) with candles, which
// must already be ordered by open time. Invalid candles are dropped; the
// stored slice is trimmed to capacity keeping the most recent.
func (c *Cache) PutAll(symbol string, itv model.Interval, candles []model.Kline) {
	clean := make([]model.Kline, 0, len(candles))
	var last int64
	for i := range candles {
		k := candles[i]
		if !k.Valid() || k.Symbol != symbol || k.Interval != itv {
			if c.OnReject != nil {
				c.OnReject()
			}
			continue
		}
		if len(clean) > 0 && k.OpenTime <= last {
			if c.OnReject != nil {
				c.OnReject()
			}
			continue
		}
		clean = append(clean, k)
		last = k.OpenTime
	}
	if len(clean) > c.capacity {
		clean = clean[len(clean)-c.capacity:]
	}

	k := key(symbol, itv)
	s := c.shardFor(k)
	s.mu.Lock()
	s.klines[k] = clean
	s.mu.Unlock()
}

// AppendOrUpdate folds one live candle into the stored history.
//
//   - open time == stored tail's open time: the tail is replaced (mid-candle
//     update);
//   - open time == tail + one interval step: appended, evicting the oldest
//     candle if the key is at capacity;
//   - open time further ahead: the gap is logged and history restarts at the
//     new candle (stale history is discarded for safety);
//   - open time behind the tail: ignored.
func (c *Cache) AppendOrUpdate(symbol string, itv model.Interval, candle model.Kline) {
	if !candle.Valid() || candle.Symbol != symbol || candle.Interval != itv {
		if c.OnReject != nil {
			c.OnReject()
		}
		return
	}

	k := key(symbol, itv)
	s := c.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := s.klines[k]
	if len(stored) == 0 {
		s.klines[k] = append(stored, candle)
		return
	}

	tail := stored[len(stored)-1]
	step := itv.Millis()

	switch {
	case candle.OpenTime == tail.OpenTime:
		stored[len(stored)-1] = candle

	case candle.OpenTime == tail.OpenTime+step:
		stored = append(stored, candle)
		if len(stored) > c.capacity {
			stored = stored[1:]
			if c.OnEvict != nil {
				c.OnEvict()
			}
		}
		s.klines[k] = stored

	case candle.OpenTime > tail.OpenTime+step:
		missed := (candle.OpenTime-tail.OpenTime)/step - 1
		log.Printf("[cache] gap on %s: %d candles missing before %d, restarting history", k, missed, candle.OpenTime)
		s.klines[k] = []model.Kline{candle}
		if c.OnGap != nil {
			c.OnGap(symbol, itv, missed)
		}

	default: // behind the tail
		if c.OnReject != nil {
			c.OnReject()
		}
	}
}

// Get returns up to min(limit, capacity) candles for the key, ordered with
// the most recent last. The returned slice is an independent copy. Missing
// keys yield an empty slice, never an error.
func (c *Cache) Get(symbol string, itv model.Interval, limit int) []model.Kline {
	if limit <= 0 || limit > c.capacity {
		limit = c.capacity
	}

	k := key(symbol, itv)
	s := c.shardFor(k)
	s.mu.RLock()
	stored := s.klines[k]
	if len(stored) > limit {
		stored = stored[len(stored)-limit:]
	}
	out := make([]model.Kline, len(stored))
	copy(out, stored)
	s.mu.RUnlock()
	return out
}

// Has reports whether the key holds at least one candle.
func (c *Cache) Has(symbol string, itv model.Interval) bool {
	k := key(symbol, itv)
	s := c.shardFor(k)
	s.mu.RLock()
	n := len(s.klines[k])
	s.mu.RUnlock()
	return n > 0
}

// Size returns the total number of keys with stored candles.
func (c *Cache) Size() int {
	total := 0
	for _, s := range c.shards {
		s.mu.RLock()
		total += len(s.klines)
		s.mu.RUnlock()
	}
	return total
}

// LastOpenTime returns the stored tail's open time for a key, 0 if empty.
func (c *Cache) LastOpenTime(symbol string, itv model.Interval) int64 {
	k := key(symbol, itv)
	s := c.shardFor(k)
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored := s.klines[k]
	if len(stored) == 0 {
		return 0
	}
	return stored[len(stored)-1].OpenTime
}

// SetTicker stores the latest ticker snapshot for a symbol.
func (c *Cache) SetTicker(t model.Ticker) {
	s := c.shardFor(t.Symbol)
	s.mu.Lock()
	s.tickers[t.Symbol] = t
	s.mu.Unlock()
}

// Ticker returns the stored ticker for a symbol. When none has been seen
// yet, a ticker is derived from the most recent 1d candle so filters always
// have price context.
func (c *Cache) Ticker(symbol string) model.Ticker {
	s := c.shardFor(symbol)
	s.mu.RLock()
	t, ok := s.tickers[symbol]
	s.mu.RUnlock()
	if ok {
		return t
	}

	daily := c.Get(symbol, model.Interval1d, 1)
	if len(daily) == 0 {
		return model.Ticker{Symbol: symbol}
	}
	d := daily[0]
	change := 0.0
	if d.Open > 0 {
		change = (d.Close - d.Open) / d.Open * 100
	}
	return model.Ticker{
		Symbol:             symbol,
		LastPrice:          d.Close,
		PriceChangePercent: change,
		QuoteVolume:        d.QuoteVolume,
		UpdatedAt:          time.UnixMilli(d.CloseTime).UTC(),
	}
}

// Snapshot assembles the immutable MarketData bundle for one symbol across
// the given intervals. Kline slices are copies; the sandbox can hold them
// for the duration of an evaluation without racing the writer.
func (c *Cache) Snapshot(symbol string, intervals []model.Interval, limit int) *model.MarketData {
	klines := make(map[model.Interval][]model.Kline, len(intervals))
	for _, itv := range intervals {
		klines[itv] = c.Get(symbol, itv, limit)
	}
	return &model.MarketData{
		Symbol:    symbol,
		Ticker:    c.Ticker(symbol),
		Klines:    klines,
		Timestamp: time.Now().UTC(),
	}
}
