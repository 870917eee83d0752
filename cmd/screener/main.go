// Command screener runs the market screener engine: it maintains a live
// candle cache over websocket streams, evaluates every registered trader's
// filter on candle-open boundaries, and persists the resulting signals to
// SQLite, fanning them out over Redis Pub/Sub when configured.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"screener-systemv1/config"
	"screener-systemv1/internal/binance"
	"screener-systemv1/internal/cache"
	"screener-systemv1/internal/eventbus"
	"screener-systemv1/internal/logger"
	"screener-systemv1/internal/metrics"
	"screener-systemv1/internal/model"
	"screener-systemv1/internal/sandbox"
	"screener-systemv1/internal/scheduler"
	"screener-systemv1/internal/store/redis"
	"screener-systemv1/internal/store/sqlite"
	"screener-systemv1/internal/stream"
	"screener-systemv1/internal/trader"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)

	cfg := config.Load()
	logger.Init("screener", logger.ParseLevel(cfg.LogLevel))

	intervals := cfg.ParseIntervals()
	if len(intervals) == 0 {
		log.Fatalf("[screener] no valid intervals in INTERVALS=%q", cfg.Intervals)
	}
	intervalNames := make([]string, len(intervals))
	for i, itv := range intervals {
		intervalNames[i] = string(itv)
	}

	// ---- Metrics & health ----
	prom := metrics.NewMetrics()
	health := metrics.NewHealthStatus()
	health.SetIntervals(intervalNames)
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()

	// ---- Graceful shutdown ----
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// ---- SQLite (traders + signals) ----
	if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatalf("[screener] create data dir: %v", err)
		}
	}
	store, err := sqlite.New(sqlite.Config{DBPath: cfg.SQLitePath})
	if err != nil {
		log.Fatalf("[screener] sqlite init failed: %v", err)
	}
	defer store.Close()
	store.OnBatchCommit = func(d time.Duration) {
		prom.SQLiteCommitDur.Observe(d.Seconds())
	}
	health.SetSQLiteOK(true)

	// ---- Redis fan-out (optional) ----
	var pub *redis.Publisher
	var signalPub model.SignalPublisher
	if cfg.RedisAddr != "" {
		pub, err = redis.New(redis.PublisherConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		if err != nil {
			log.Printf("[screener] WARNING: redis init failed: %v (continuing without redis)", err)
			pub = nil
		} else {
			defer pub.Close()
			signalPub = pub
			pub.Breaker().OnStateChange = func(from, to redis.State) {
				prom.RedisCircuitBreakerState.Set(float64(to))
				if to == redis.StateOpen {
					prom.RedisCircuitBreakerTrips.Inc()
				}
			}
			health.SetRedisConnected(true)
		}
	}

	var redisDB *goredis.Client
	if pub != nil {
		redisDB = pub.Client()
	}
	health.StartLivenessChecker(ctx, redisDB, store.DB(), 10*time.Second)

	// ---- Cache & event bus ----
	klineCache := cache.New(cfg.CacheCapacity)
	klineCache.OnEvict = func() { prom.CacheEvictions.Inc() }
	klineCache.OnReject = func() { prom.CacheRejections.Inc() }
	klineCache.OnGap = func(symbol string, itv model.Interval, missed int64) {
		prom.CacheGaps.Inc()
	}

	bus := eventbus.New(256)
	defer bus.Stop()
	bus.CandleOpen.OnDrop = func(int) { prom.BusDropsTotal.WithLabelValues("candle_open").Inc() }
	bus.KlineClose.OnDrop = func(int) { prom.BusDropsTotal.WithLabelValues("kline_close").Inc() }
	bus.TraderLifecycle.OnDrop = func(int) { prom.BusDropsTotal.WithLabelValues("trader_lifecycle").Inc() }

	// ---- Trader registry ----
	registry := trader.NewRegistry(store, bus.TraderLifecycle)
	if err := registry.LoadAll(ctx); err != nil {
		log.Fatalf("[screener] trader load failed: %v", err)
	}
	go registry.RunWatcher(ctx, cfg.RegistryPoll)

	// Quarantines show up on the lifecycle topic as errored transitions.
	go func() {
		for ev := range bus.TraderLifecycle.Subscribe() {
			if ev.Kind == model.TraderFailed {
				prom.TraderQuarantines.Inc()
			}
		}
	}()

	// ---- Universe selection ----
	rest := binance.NewClient(cfg.BinanceRESTURL)
	symbols := cfg.ParseSymbols()
	if len(symbols) == 0 {
		symbols, err = rest.GetTopSymbols(ctx, cfg.SymbolCount, cfg.MinVolume)
		if err != nil {
			log.Fatalf("[screener] universe selection failed: %v", err)
		}
	}
	if len(symbols) == 0 {
		log.Fatalf("[screener] empty symbol universe")
	}
	log.Printf("[screener] tracking %d symbols x %d intervals", len(symbols), len(intervals))
	health.SetTrackedSymbols(len(symbols))

	// ---- Sandbox & executor ----
	sandboxExec := sandbox.New(cfg.SandboxConcurrency, cfg.FilterTimeout)
	executor := trader.NewExecutor(trader.ExecutorConfig{
		QueueSize:   cfg.ExecQueueSize,
		DedupWindow: cfg.DedupWindow,
	}, registry, klineCache, sandboxExec, store, signalPub, func() []string { return symbols })
	executor.OnEvaluation = func(n int) { prom.FilterEvaluations.Add(float64(n)) }
	executor.OnFilterError = func(timeout bool) {
		prom.FilterErrors.Inc()
		if timeout {
			prom.FilterTimeouts.Inc()
		}
	}
	executor.OnSignals = func(n int) { prom.SignalsTotal.Add(float64(n)) }
	executor.OnBatchDrop = func(n int) { prom.SignalBatchDrops.Add(float64(n)) }
	executor.OnShed = func(itv model.Interval) { prom.ExecQueueSheds.WithLabelValues(string(itv)).Inc() }
	executor.Start(ctx, bus.CandleOpen)

	// ---- Candle scheduler ----
	sched, err := scheduler.New(bus.CandleOpen, intervals)
	if err != nil {
		log.Fatalf("[screener] scheduler init failed: %v", err)
	}
	sched.OnBoundary = func(itv model.Interval) {
		prom.BoundariesTotal.WithLabelValues(string(itv)).Inc()
	}
	sched.Start(ctx)

	// ---- Stream client ----
	streamCl := stream.New(stream.Config{
		WSURL:            cfg.BinanceWSURL,
		Symbols:          symbols,
		Intervals:        intervals,
		ReconnectInitial: cfg.ReconnectInitial,
		ReconnectMax:     cfg.ReconnectMax,
	}, rest, klineCache, bus.KlineClose)
	streamCl.OnFrame = func() { prom.FramesTotal.Inc() }
	streamCl.OnParseError = func(error) { prom.ParseErrors.Inc() }
	streamCl.OnTicker = func() { prom.TickerUpdates.Inc() }
	streamCl.OnReconnect = func(chunk, attempt int) { prom.WSReconnects.Inc() }
	streamCl.OnGapRepair = func(symbol string, itv model.Interval) { prom.GapRepairs.Inc() }

	if err := streamCl.Bootstrap(ctx); err != nil {
		log.Printf("[screener] WARNING: bootstrap incomplete: %v (live frames will backfill)", err)
	}
	streamCl.Start(ctx)
	health.SetStreamConnected(true)

	// Closed candles fan out to Redis and the close counter.
	go func() {
		for ev := range bus.KlineClose.Subscribe() {
			prom.KlineCloses.WithLabelValues(string(ev.Interval)).Inc()
			if pub != nil {
				if err := pub.PublishKlineClose(ctx, ev.Kline); err != nil {
					log.Printf("[screener] publish kline close: %v", err)
				}
			}
		}
	}()

	// ---- Saturation gauges & health refresh ----
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				prom.ExecQueueDepth.Set(float64(executor.QueueLen()))
				prom.CacheKeys.Set(float64(klineCache.Size()))
				active := len(registry.ListActive())
				prom.ActiveTraders.Set(float64(active))
				health.SetActiveTraders(active)
				health.SetStreamConnected(streamCl.Healthy())
				health.SetLastFrameTime(streamCl.LastFrameAt())
			}
		}
	}()

	log.Println("[screener] ╔════════════════════════════════════════════════════════════╗")
	log.Println("[screener] ║  Market Screener Engine                                    ║")
	log.Println("[screener] ║                                                            ║")
	log.Println("[screener] ║  [WS Stream] → [Cache] → [Scheduler] → [Sandbox] → [SQLite]║")
	log.Printf("[screener] ║  Intervals: %-46v ║", intervalNames)
	log.Printf("[screener] ║  Symbols: %-48d ║", len(symbols))
	log.Println("[screener] ╚════════════════════════════════════════════════════════════╝")

	// ---- Wait for shutdown signal ----
	<-sigCh
	log.Println("[screener] shutdown signal received, cleaning up...")
	cancel()

	// Give goroutines time to flush in-flight batches
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	metricsSrv.Stop(shutdownCtx)

	log.Println("[screener] shutdown complete.")
}
