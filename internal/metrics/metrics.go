package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the screener engine.
type Metrics struct {
	// Stream client
	FramesTotal   prometheus.Counter
	ParseErrors   prometheus.Counter
	WSReconnects  prometheus.Counter
	GapRepairs    prometheus.Counter
	KlineCloses   *prometheus.CounterVec // labels: interval
	TickerUpdates prometheus.Counter

	// Cache
	CacheEvictions  prometheus.Counter
	CacheRejections prometheus.Counter
	CacheGaps       prometheus.Counter
	CacheKeys       prometheus.Gauge

	// Event bus
	BusDropsTotal *prometheus.CounterVec // labels: topic

	// Scheduler
	BoundariesTotal *prometheus.CounterVec // labels: interval

	// Sandbox / executor
	FilterEvaluations prometheus.Counter
	FilterTimeouts    prometheus.Counter
	FilterErrors      prometheus.Counter
	SignalsTotal      prometheus.Counter
	SignalBatchDrops  prometheus.Counter
	ExecQueueSheds    *prometheus.CounterVec // labels: interval
	ExecQueueDepth    prometheus.Gauge

	// Registry
	ActiveTraders     prometheus.Gauge
	TraderQuarantines prometheus.Counter

	// Persistence
	SQLiteCommitDur prometheus.Histogram

	// Redis publisher circuit breaker
	RedisCircuitBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisCircuitBreakerTrips prometheus.Counter
}

// NewMetrics registers and returns all Prometheus metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		FramesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "screener_stream_frames_total",
			Help: "Total websocket frames received",
		}),
		ParseErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "screener_stream_parse_errors_total",
			Help: "Malformed or unparseable stream frames dropped",
		}),
		WSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "screener_stream_reconnects_total",
			Help: "Total websocket reconnection attempts",
		}),
		GapRepairs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "screener_stream_gap_repairs_total",
			Help: "Cache keys refetched after a detected candle gap",
		}),
		KlineCloses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "screener_kline_closes_total",
			Help: "Closed candles observed on the stream (by interval)",
		}, []string{"interval"}),
		TickerUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "screener_ticker_updates_total",
			Help: "Mini-ticker updates applied to the cache (post-throttle)",
		}),

		CacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "screener_cache_evictions_total",
			Help: "Candles aged out of full cache keys",
		}),
		CacheRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "screener_cache_rejections_total",
			Help: "Malformed or out-of-order candles rejected by the cache",
		}),
		CacheGaps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "screener_cache_gaps_total",
			Help: "Non-contiguous appends that restarted a key's history",
		}),
		CacheKeys: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "screener_cache_keys",
			Help: "Cache keys currently holding candles",
		}),

		BusDropsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "screener_bus_drops_total",
			Help: "Events shed from full subscriber buffers (by topic)",
		}, []string{"topic"}),

		BoundariesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "screener_boundaries_total",
			Help: "Candle-open boundaries emitted (by interval)",
		}, []string{"interval"}),

		FilterEvaluations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "screener_filter_evaluations_total",
			Help: "Strategy evaluations dispatched to the sandbox",
		}),
		FilterTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "screener_filter_timeouts_total",
			Help: "Strategy evaluations that hit the wall-clock timeout",
		}),
		FilterErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "screener_filter_errors_total",
			Help: "Strategy evaluations that returned an error",
		}),
		SignalsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "screener_signals_total",
			Help: "Signals accepted into persistence batches",
		}),
		SignalBatchDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "screener_signal_batch_drops_total",
			Help: "Signals dropped after a batch insert failed twice",
		}),
		ExecQueueSheds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "screener_exec_queue_sheds_total",
			Help: "Boundary events shed from the full executor queue (by interval)",
		}, []string{"interval"}),
		ExecQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "screener_exec_queue_depth",
			Help: "Boundary events waiting in the executor queue",
		}),

		ActiveTraders: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "screener_active_traders",
			Help: "Traders currently in ready state",
		}),
		TraderQuarantines: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "screener_trader_quarantines_total",
			Help: "Traders auto-stopped after repeated strategy errors",
		}),

		SQLiteCommitDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "screener_sqlite_commit_duration_seconds",
			Help:    "SQLite signal batch commit latency",
			Buckets: prometheus.DefBuckets,
		}),

		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "screener_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "screener_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),
	}

	prometheus.MustRegister(
		m.FramesTotal,
		m.ParseErrors,
		m.WSReconnects,
		m.GapRepairs,
		m.KlineCloses,
		m.TickerUpdates,
		m.CacheEvictions,
		m.CacheRejections,
		m.CacheGaps,
		m.CacheKeys,
		m.BusDropsTotal,
		m.BoundariesTotal,
		m.FilterEvaluations,
		m.FilterTimeouts,
		m.FilterErrors,
		m.SignalsTotal,
		m.SignalBatchDrops,
		m.ExecQueueSheds,
		m.ExecQueueDepth,
		m.ActiveTraders,
		m.TraderQuarantines,
		m.SQLiteCommitDur,
		m.RedisCircuitBreakerState,
		m.RedisCircuitBreakerTrips,
	)

	return m
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	StreamConnected bool      `json:"stream_connected"`
	LastFrameTime   time.Time `json:"last_frame_time"`
	RedisConnected  bool      `json:"redis_connected"`
	SQLiteOK        bool      `json:"sqlite_ok"`
	ActiveTraders   int       `json:"active_traders"`
	TrackedSymbols  int       `json:"tracked_symbols"`
	Intervals       []string  `json:"intervals"`

	// Liveness probe results
	RedisLatencyMs  float64   `json:"redis_latency_ms"`
	SQLiteLatencyMs float64   `json:"sqlite_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		StartedAt: time.Now(),
	}
}

func (h *HealthStatus) SetStreamConnected(v bool) {
	h.mu.Lock()
	h.StreamConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastFrameTime(t time.Time) {
	h.mu.Lock()
	h.LastFrameTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetRedisConnected(v bool) {
	h.mu.Lock()
	h.RedisConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetSQLiteOK(v bool) {
	h.mu.Lock()
	h.SQLiteOK = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetActiveTraders(n int) {
	h.mu.Lock()
	h.ActiveTraders = n
	h.mu.Unlock()
}

func (h *HealthStatus) SetTrackedSymbols(n int) {
	h.mu.Lock()
	h.TrackedSymbols = n
	h.mu.Unlock()
}

func (h *HealthStatus) SetIntervals(itvs []string) {
	h.mu.Lock()
	h.Intervals = itvs
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite runs a trivial query and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(probeCtx, rdb)
				}
				if sqlDB != nil {
					h.CheckSQLite(probeCtx, sqlDB)
				}
				cancel()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := "healthy"
	httpCode := http.StatusOK
	if !h.StreamConnected || !h.SQLiteOK {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}
	if !h.StreamConnected && !h.SQLiteOK {
		overallStatus = "unhealthy"
	}

	frameAge := ""
	if !h.LastFrameTime.IsZero() {
		frameAge = time.Since(h.LastFrameTime).Round(time.Millisecond).String()
	}

	status := struct {
		Status          string   `json:"status"`
		Uptime          string   `json:"uptime"`
		StreamConnected bool     `json:"stream_connected"`
		LastFrameTime   string   `json:"last_frame_time"`
		FrameAge        string   `json:"frame_age"`
		RedisConnected  bool     `json:"redis_connected"`
		RedisLatencyMs  float64  `json:"redis_latency_ms"`
		SQLiteOK        bool     `json:"sqlite_ok"`
		SQLiteLatencyMs float64  `json:"sqlite_latency_ms"`
		ActiveTraders   int      `json:"active_traders"`
		TrackedSymbols  int      `json:"tracked_symbols"`
		Intervals       []string `json:"intervals"`
		LastCheckAt     string   `json:"last_check_at"`
	}{
		Status:          overallStatus,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		StreamConnected: h.StreamConnected,
		LastFrameTime:   h.LastFrameTime.Format(time.RFC3339),
		FrameAge:        frameAge,
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		ActiveTraders:   h.ActiveTraders,
		TrackedSymbols:  h.TrackedSymbols,
		Intervals:       h.Intervals,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		health: health,
		addr:   addr,
		srv: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
