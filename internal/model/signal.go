package model

import (
	"encoding/json"
	"strconv"
	"time"
)

// Signal source values.
const (
	SourceCloud = "cloud"
	SourceLocal = "local"
)

// Signal is an emission stating that a trader's filter matched a symbol at
// a candle boundary. Timestamp equals the open time of the candle that
// triggered the evaluation. (TraderID, Symbol, Interval, Timestamp) is the
// dedup key; re-emissions within the dedup window bump Count instead of
// creating new rows.
type Signal struct {
	ID                    string    `json:"id"`
	TraderID              string    `json:"trader_id"`
	Owner                 *string   `json:"owner,omitempty"`
	Symbol                string    `json:"symbol"`
	Interval              Interval  `json:"interval"`
	Timestamp             time.Time `json:"timestamp"`
	PriceAtSignal         float64   `json:"price_at_signal"`
	ChangePercentAtSignal float64   `json:"change_percent_at_signal"`
	VolumeAtSignal        float64   `json:"volume_at_signal"`
	Count                 int       `json:"count"`
	Source                string    `json:"source"`
}

// DedupKey returns the identity of this emission within the dedup window.
func (s *Signal) DedupKey() string {
	return s.TraderID + "|" + s.Symbol + "|" + string(s.Interval) + "|" + strconv.FormatInt(s.Timestamp.UnixMilli(), 10)
}

// JSON returns the wire form of the signal (timestamp as ISO-8601 UTC).
func (s *Signal) JSON() []byte {
	b, _ := json.Marshal(s)
	return b
}
