package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"screener-systemv1/internal/model"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// Universe selection
	Symbols     string // explicit comma-separated symbol list; empty = top-N by volume
	SymbolCount int
	MinVolume   float64

	// Candle pipeline
	Intervals     string // comma-separated interval list, e.g. "1m,5m,1h"
	CacheCapacity int

	// Sandbox
	SandboxConcurrency int
	FilterTimeout      time.Duration

	// Executor
	DedupWindow   time.Duration // 0 = one interval duration
	ExecQueueSize int

	// Registry
	RegistryPoll time.Duration

	// Stream reconnect backoff bounds
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration

	// Upstream endpoints
	BinanceRESTURL string
	BinanceWSURL   string

	// Infrastructure
	SQLitePath    string
	RedisAddr     string
	RedisPassword string
	MetricsAddr   string
	LogLevel      string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Symbols:     getEnv("SYMBOLS", ""),
		SymbolCount: getEnvInt("SYMBOL_COUNT", 100),
		MinVolume:   getEnvFloat("MIN_VOLUME", 100_000),

		Intervals:     getEnv("INTERVALS", "1m,5m,15m,1h,4h,1d"),
		CacheCapacity: getEnvInt("CACHE_CAPACITY", 500),

		SandboxConcurrency: getEnvInt("SANDBOX_CONCURRENCY", 10),
		FilterTimeout:      getEnvMillis("FILTER_TIMEOUT_MS", 1000),

		DedupWindow:   getEnvMillis("DEDUP_WINDOW_MS", 0),
		ExecQueueSize: getEnvInt("EXEC_QUEUE_SIZE", 64),

		RegistryPoll: getEnvMillis("REGISTRY_POLL_MS", 5000),

		ReconnectInitial: getEnvMillis("STREAM_RECONNECT_INITIAL_MS", 1000),
		ReconnectMax:     getEnvMillis("STREAM_RECONNECT_MAX_MS", 30000),

		BinanceRESTURL: getEnv("BINANCE_REST_URL", "https://api.binance.com"),
		BinanceWSURL:   getEnv("BINANCE_WS_URL", "wss://stream.binance.com:9443"),

		SQLitePath:    getEnv("SQLITE_PATH", "data/screener.db"),
		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9090"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
	}
}

// ParseIntervals parses the Intervals string into validated intervals.
// Invalid entries are skipped with a log line; an empty result is fatal
// at the call site, not here.
func (c *Config) ParseIntervals() []model.Interval {
	parts := strings.Split(c.Intervals, ",")
	out := make([]model.Interval, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		itv, err := model.ParseInterval(p)
		if err != nil {
			log.Printf("[config] skipping invalid interval %q", p)
			continue
		}
		out = append(out, itv)
	}
	return out
}

// ParseSymbols parses the explicit Symbols override into uppercase symbols.
// Returns nil when unset (callers fall back to top-N selection).
func (c *Config) ParseSymbols() []string {
	if strings.TrimSpace(c.Symbols) == "" {
		return nil
	}
	parts := strings.Split(c.Symbols, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToUpper(strings.TrimSpace(p))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] invalid int for %s: %q, using %d", key, v, fallback)
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Printf("[config] invalid float for %s: %q, using %v", key, v, fallback)
		return fallback
	}
	return f
}

func getEnvMillis(key string, fallbackMs int) time.Duration {
	return time.Duration(getEnvInt(key, fallbackMs)) * time.Millisecond
}
