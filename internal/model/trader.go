package model

import "time"

// FilterConfig is the executable part of a trader: filter code plus the
// intervals whose candle closes should trigger it. SeriesCode is optional
// visualization code carried through persistence untouched.
type FilterConfig struct {
	Code       string     `json:"code"`
	Timeframes []Interval `json:"timeframes"`
	SeriesCode string     `json:"series_code,omitempty"`
}

// Trader is a named screening strategy. Owner is nil for built-in traders
// and set to the owning user id otherwise; that distinction is preserved
// verbatim through persistence.
type Trader struct {
	ID          string       `json:"id"`
	Owner       *string      `json:"owner,omitempty"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Enabled     bool         `json:"enabled"`
	Filter      FilterConfig `json:"filter"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// BuiltIn reports whether the trader has no owner.
func (t *Trader) BuiltIn() bool {
	return t.Owner == nil
}

// UsesInterval reports whether itv is one of the trader's trigger timeframes.
func (t *Trader) UsesInterval(itv Interval) bool {
	for _, tf := range t.Filter.Timeframes {
		if tf == itv {
			return true
		}
	}
	return false
}

// TraderState is the registry-side lifecycle state of a trader.
type TraderState string

const (
	TraderUncompiled TraderState = "uncompiled"
	TraderCompiling  TraderState = "compiling"
	TraderReady      TraderState = "ready"
	TraderStopped    TraderState = "stopped"
	TraderErrored    TraderState = "error"
)
