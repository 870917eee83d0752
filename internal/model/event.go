package model

import "time"

// CandleOpenEvent marks the crossing of a candle open-time boundary for one
// interval. Symbol is implicit: the executor expands over the tracked
// universe. OpenTime is the boundary just entered, in epoch milliseconds.
type CandleOpenEvent struct {
	Interval Interval `json:"interval"`
	OpenTime int64    `json:"open_time"`
}

// KlineCloseEvent is emitted by the stream client whenever an upstream
// candle transitions to its closed state.
type KlineCloseEvent struct {
	Symbol     string    `json:"symbol"`
	Interval   Interval  `json:"interval"`
	Kline      Kline     `json:"kline"`
	ObservedAt time.Time `json:"observed_at"`
}

// LifecycleKind enumerates trader registry transitions.
type LifecycleKind string

const (
	TraderAdded    LifecycleKind = "added"
	TraderReloaded LifecycleKind = "reloaded"
	TraderStarted  LifecycleKind = "started"
	TraderHalted   LifecycleKind = "stopped"
	TraderRemoved  LifecycleKind = "removed"
	TraderFailed   LifecycleKind = "errored"
)

// TraderLifecycleEvent announces a registry state change.
type TraderLifecycleEvent struct {
	TraderID string        `json:"trader_id"`
	Kind     LifecycleKind `json:"kind"`
	At       time.Time     `json:"at"`
}
