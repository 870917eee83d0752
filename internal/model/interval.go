package model

import (
	"fmt"
	"time"
)

// Interval is a symbolic candle duration ("1m", "4h", "1d", ...).
type Interval string

const (
	Interval1m  Interval = "1m"
	Interval5m  Interval = "5m"
	Interval15m Interval = "15m"
	Interval30m Interval = "30m"
	Interval1h  Interval = "1h"
	Interval4h  Interval = "4h"
	Interval1d  Interval = "1d"
	Interval1w  Interval = "1w"
)

const (
	dayMillis  = int64(24 * time.Hour / time.Millisecond)
	weekMillis = 7 * dayMillis
)

// intervalDurations is the fixed set of supported intervals.
var intervalDurations = map[Interval]time.Duration{
	Interval1m:  time.Minute,
	Interval5m:  5 * time.Minute,
	Interval15m: 15 * time.Minute,
	Interval30m: 30 * time.Minute,
	Interval1h:  time.Hour,
	Interval4h:  4 * time.Hour,
	Interval1d:  24 * time.Hour,
	Interval1w:  7 * 24 * time.Hour,
}

// supportedOrder keeps intervals in ascending duration for deterministic listings.
var supportedOrder = []Interval{
	Interval1m, Interval5m, Interval15m, Interval30m,
	Interval1h, Interval4h, Interval1d, Interval1w,
}

// ParseInterval validates s against the supported set.
func ParseInterval(s string) (Interval, error) {
	itv := Interval(s)
	if _, ok := intervalDurations[itv]; !ok {
		return "", fmt.Errorf("unsupported interval %q", s)
	}
	return itv, nil
}

// SupportedIntervals returns all supported intervals in ascending order.
func SupportedIntervals() []Interval {
	out := make([]Interval, len(supportedOrder))
	copy(out, supportedOrder)
	return out
}

// Duration returns the interval length. Zero for unknown intervals.
func (i Interval) Duration() time.Duration {
	return intervalDurations[i]
}

// Millis returns the interval length in milliseconds.
func (i Interval) Millis() int64 {
	return int64(intervalDurations[i] / time.Millisecond)
}

// Valid reports whether the interval is in the supported set.
func (i Interval) Valid() bool {
	_, ok := intervalDurations[i]
	return ok
}

// TruncateMillis aligns an epoch-millisecond timestamp to the interval's
// open-time grid. Intervals below one day align to Unix epoch multiples,
// 1d aligns to UTC midnight, 1w to Monday 00:00 UTC.
func (i Interval) TruncateMillis(ms int64) int64 {
	switch i {
	case Interval1w:
		// Epoch fell on a Thursday; Monday boundaries sit at -3d + k*7d.
		return ms - floorMod(ms+3*dayMillis, weekMillis)
	default:
		return ms - floorMod(ms, i.Millis())
	}
}

// Truncate aligns t to the interval's open-time grid in UTC.
func (i Interval) Truncate(t time.Time) time.Time {
	return time.UnixMilli(i.TruncateMillis(t.UnixMilli())).UTC()
}

// floorMod is a modulo that is non-negative for negative x.
func floorMod(x, m int64) int64 {
	r := x % m
	if r < 0 {
		r += m
	}
	return r
}
