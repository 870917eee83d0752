// Package stream maintains the live market data feed: it bootstraps candle
// history over REST, then holds chunked combined websocket streams against
// the exchange, folding kline and mini-ticker frames into the cache and
// publishing close events on the bus.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"screener-systemv1/internal/binance"
	"screener-systemv1/internal/cache"
	"screener-systemv1/internal/eventbus"
	"screener-systemv1/internal/model"
)

// streamsPerConn bounds combined-stream fan-in per websocket connection.
// The exchange caps a combined stream at 1024; 200 keeps frames per
// connection manageable.
const streamsPerConn = 200

// tickerThrottle limits how often a symbol's mini-ticker refreshes the cache.
const tickerThrottle = 5 * time.Second

// Config carries the stream client's wiring.
type Config struct {
	WSURL            string // e.g. wss://stream.binance.com:9443
	Symbols          []string
	Intervals        []model.Interval
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
}

// Client owns the websocket connections for the configured universe.
// A Client is healthy while at least data is flowing; repeated reconnect
// failures on any chunk flip the health flag without crashing the process.
type Client struct {
	cfg    Config
	rest   *binance.Client
	cache  *cache.Cache
	closes *eventbus.Topic[model.KlineCloseEvent]

	healthy   atomic.Bool
	lastFrame atomic.Int64 // unix ms of the most recent frame, any chunk

	tickerMu   sync.Mutex
	tickerSeen map[string]time.Time

	// repairMu guards the set of keys already gap-checked since the
	// owning chunk last (re)connected.
	repairMu   sync.Mutex
	repairSeen map[string]bool

	now func() time.Time

	// Metrics hooks (optional, set before Start).
	OnReconnect  func(chunk, attempt int)
	OnParseError func(err error)
	OnGapRepair  func(symbol string, itv model.Interval)
	OnFrame      func()
	OnTicker     func()
}

// New creates a stream client over the given REST client, cache and
// kline-close topic.
func New(cfg Config, rest *binance.Client, c *cache.Cache, closes *eventbus.Topic[model.KlineCloseEvent]) *Client {
	if cfg.ReconnectInitial <= 0 {
		cfg.ReconnectInitial = time.Second
	}
	if cfg.ReconnectMax < cfg.ReconnectInitial {
		cfg.ReconnectMax = 30 * time.Second
	}
	cl := &Client{
		cfg:        cfg,
		rest:       rest,
		cache:      c,
		closes:     closes,
		tickerSeen: make(map[string]time.Time),
		repairSeen: make(map[string]bool),
		now:        time.Now,
	}
	cl.healthy.Store(true)
	return cl
}

// Healthy reports whether the feed is currently considered live.
func (c *Client) Healthy() bool { return c.healthy.Load() }

// LastFrameAt returns when the most recent frame arrived (zero before any).
func (c *Client) LastFrameAt() time.Time {
	ms := c.lastFrame.Load()
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Bootstrap seeds the cache: full candle history per (symbol, interval) over
// REST, plus an initial ticker per symbol. Individual fetch failures are
// logged and leave that key empty; live frames will fill it in.
func (c *Client) Bootstrap(ctx context.Context) error {
	start := time.Now()
	var failed int

	for _, sym := range c.cfg.Symbols {
		for _, itv := range c.cfg.Intervals {
			klines, err := c.rest.GetKlines(ctx, sym, itv, c.cache.Capacity())
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.Printf("[stream] bootstrap %s %s: %v", sym, itv, err)
				failed++
				continue
			}
			c.cache.PutAll(sym, itv, klines)
		}
	}

	tickers, err := c.rest.GetTickers(ctx)
	if err != nil {
		log.Printf("[stream] bootstrap tickers: %v", err)
	} else {
		universe := make(map[string]bool, len(c.cfg.Symbols))
		for _, s := range c.cfg.Symbols {
			universe[s] = true
		}
		for i := range tickers {
			if !universe[tickers[i].Symbol] {
				continue
			}
			t, err := tickers[i].ToTicker()
			if err != nil {
				continue
			}
			t.UpdatedAt = c.now().UTC()
			c.cache.SetTicker(t)
		}
	}

	log.Printf("[stream] bootstrap done: %d symbols x %d intervals, %d failures, took %s",
		len(c.cfg.Symbols), len(c.cfg.Intervals), failed, time.Since(start).Round(time.Millisecond))
	return nil
}

// Start launches one goroutine per connection chunk. It returns immediately;
// the goroutines run until ctx is cancelled.
func (c *Client) Start(ctx context.Context) {
	streams := c.streamNames()
	chunks := chunk(streams, streamsPerConn)
	log.Printf("[stream] starting %d connection(s) for %d streams", len(chunks), len(streams))
	for i, names := range chunks {
		go c.runChunk(ctx, i, names)
	}
}

// streamNames builds the combined-stream path segments for the universe:
// one kline stream per (symbol, interval) and one mini-ticker per symbol.
func (c *Client) streamNames() []string {
	names := make([]string, 0, len(c.cfg.Symbols)*(len(c.cfg.Intervals)+1))
	for _, sym := range c.cfg.Symbols {
		lower := strings.ToLower(sym)
		for _, itv := range c.cfg.Intervals {
			names = append(names, lower+"@kline_"+string(itv))
		}
		names = append(names, lower+"@miniTicker")
	}
	return names
}

func chunk(names []string, size int) [][]string {
	var out [][]string
	for len(names) > size {
		out = append(out, names[:size])
		names = names[size:]
	}
	if len(names) > 0 {
		out = append(out, names)
	}
	return out
}

// runChunk holds one websocket connection open, reconnecting forever with
// capped exponential backoff.
func (c *Client) runChunk(ctx context.Context, idx int, names []string) {
	url := strings.TrimRight(c.cfg.WSURL, "/") + "/stream?streams=" + strings.Join(names, "/")
	attempt := 0

	for {
		if ctx.Err() != nil {
			return
		}
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			attempt++
			if attempt >= 3 {
				c.healthy.Store(false)
			}
			wait := c.backoff(attempt)
			log.Printf("[stream] chunk %d dial failed (attempt %d): %v, retrying in %s", idx, attempt, err, wait)
			if c.OnReconnect != nil {
				c.OnReconnect(idx, attempt)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}

		attempt = 0
		c.healthy.Store(true)
		c.resetRepairSeen()
		log.Printf("[stream] chunk %d connected (%d streams)", idx, len(names))

		if err := c.readLoop(ctx, conn); err != nil && ctx.Err() == nil {
			log.Printf("[stream] chunk %d read loop ended: %v", idx, err)
		}
		conn.Close()
		if ctx.Err() != nil {
			return
		}
		attempt = 1
		if c.OnReconnect != nil {
			c.OnReconnect(idx, attempt)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.backoff(attempt)):
		}
	}
}

func (c *Client) backoff(attempt int) time.Duration {
	wait := c.cfg.ReconnectInitial
	for i := 1; i < attempt && wait < c.cfg.ReconnectMax; i++ {
		wait *= 2
	}
	if wait > c.cfg.ReconnectMax {
		wait = c.cfg.ReconnectMax
	}
	// Up to 20% jitter to avoid thundering-herd reconnects across chunks.
	jitter := time.Duration(rand.Int63n(int64(wait)/5 + 1))
	return wait + jitter
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(c.now().Add(90 * time.Second))
	})
	conn.SetReadDeadline(c.now().Add(90 * time.Second))

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				conn.Close()
				return
			case <-ticker.C:
				conn.WriteControl(websocket.PingMessage, nil, c.now().Add(5*time.Second))
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(c.now().Add(90 * time.Second))
		c.handleMessage(ctx, raw)
	}
}

// handleMessage parses one combined-stream frame and applies it. Malformed
// frames are counted and dropped; they never tear the connection down.
func (c *Client) handleMessage(ctx context.Context, raw []byte) {
	c.lastFrame.Store(c.now().UnixMilli())
	if c.OnFrame != nil {
		c.OnFrame()
	}

	var frame binance.CombinedFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		c.parseError(fmt.Errorf("frame envelope: %w", err))
		return
	}

	switch {
	case strings.Contains(frame.Stream, "@kline"):
		var ev binance.WSKlineEvent
		if err := json.Unmarshal(frame.Data, &ev); err != nil {
			c.parseError(fmt.Errorf("kline frame: %w", err))
			return
		}
		c.handleKline(ctx, &ev)

	case strings.Contains(frame.Stream, "@miniTicker"):
		var ev binance.WSMiniTicker
		if err := json.Unmarshal(frame.Data, &ev); err != nil {
			c.parseError(fmt.Errorf("miniTicker frame: %w", err))
			return
		}
		c.handleMiniTicker(&ev)
	}
}

func (c *Client) handleKline(ctx context.Context, ev *binance.WSKlineEvent) {
	k, err := ev.Kline.ToKline()
	if err != nil {
		c.parseError(fmt.Errorf("kline %s: %w", ev.Symbol, err))
		return
	}

	c.maybeRepairGap(ctx, k)
	c.cache.AppendOrUpdate(k.Symbol, k.Interval, k)

	if ev.Kline.IsClosed {
		c.closes.Publish(model.KlineCloseEvent{
			Symbol:     k.Symbol,
			Interval:   k.Interval,
			Kline:      k,
			ObservedAt: c.now().UTC(),
		})
	}
}

// maybeRepairGap runs once per key per connection session: if the first
// live candle after a (re)connect is ahead of the cached tail, the history
// for that key is refetched so filters never evaluate over a hole.
func (c *Client) maybeRepairGap(ctx context.Context, k model.Kline) {
	key := k.Symbol + ":" + string(k.Interval)
	c.repairMu.Lock()
	if c.repairSeen[key] {
		c.repairMu.Unlock()
		return
	}
	c.repairSeen[key] = true
	c.repairMu.Unlock()

	last := c.cache.LastOpenTime(k.Symbol, k.Interval)
	if last == 0 || k.OpenTime <= last+k.Interval.Millis() {
		return
	}

	klines, err := c.rest.GetKlines(ctx, k.Symbol, k.Interval, c.cache.Capacity())
	if err != nil {
		log.Printf("[stream] gap repair %s failed: %v", key, err)
		return
	}
	c.cache.PutAll(k.Symbol, k.Interval, klines)
	log.Printf("[stream] gap repaired for %s: refetched %d candles", key, len(klines))
	if c.OnGapRepair != nil {
		c.OnGapRepair(k.Symbol, k.Interval)
	}
}

func (c *Client) resetRepairSeen() {
	c.repairMu.Lock()
	c.repairSeen = make(map[string]bool)
	c.repairMu.Unlock()
}

// handleMiniTicker refreshes the symbol's cached ticker, at most once per
// throttle window. Ticker data is advisory; dropping intermediate updates
// is fine.
func (c *Client) handleMiniTicker(ev *binance.WSMiniTicker) {
	now := c.now()
	c.tickerMu.Lock()
	if last, ok := c.tickerSeen[ev.Symbol]; ok && now.Sub(last) < tickerThrottle {
		c.tickerMu.Unlock()
		return
	}
	c.tickerSeen[ev.Symbol] = now
	c.tickerMu.Unlock()

	t, err := ev.ToTicker()
	if err != nil {
		c.parseError(fmt.Errorf("miniTicker %s: %w", ev.Symbol, err))
		return
	}
	t.UpdatedAt = now.UTC()
	c.cache.SetTicker(t)
	if c.OnTicker != nil {
		c.OnTicker()
	}
}

func (c *Client) parseError(err error) {
	log.Printf("[stream] parse error: %v", err)
	if c.OnParseError != nil {
		c.OnParseError(err)
	}
}
