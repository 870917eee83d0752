// Package binance is the upstream exchange adapter: REST bootstrap/repair
// endpoints plus the websocket frame types shared with the stream client.
package binance

import (
	"encoding/json"
	"strconv"

	"screener-systemv1/internal/model"
)

// CombinedFrame wraps every message on a combined stream:
// {"stream":"btcusdt@kline_1m","data":{...}}.
type CombinedFrame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// WSKlineEvent is a websocket kline (candlestick) event.
type WSKlineEvent struct {
	EventType string      `json:"e"` // "kline"
	EventTime int64       `json:"E"` // event time (ms)
	Symbol    string      `json:"s"`
	Kline     WSKlineData `json:"k"`
}

// WSKlineData carries the actual candlestick payload. Prices arrive as
// strings on the wire.
type WSKlineData struct {
	StartTime           int64  `json:"t"`
	CloseTime           int64  `json:"T"`
	Symbol              string `json:"s"`
	Interval            string `json:"i"`
	OpenPrice           string `json:"o"`
	ClosePrice          string `json:"c"`
	HighPrice           string `json:"h"`
	LowPrice            string `json:"l"`
	BaseVolume          string `json:"v"`
	TradeCount          int64  `json:"n"`
	IsClosed            bool   `json:"x"`
	QuoteVolume         string `json:"q"`
	TakerBuyBaseVolume  string `json:"V"`
	TakerBuyQuoteVolume string `json:"Q"`
}

// ToKline converts the wire payload into the engine's kline model.
func (k *WSKlineData) ToKline() (model.Kline, error) {
	itv, err := model.ParseInterval(k.Interval)
	if err != nil {
		return model.Kline{}, err
	}
	fields := [8]float64{}
	for i, s := range []string{k.OpenPrice, k.HighPrice, k.LowPrice, k.ClosePrice, k.BaseVolume, k.QuoteVolume, k.TakerBuyBaseVolume, k.TakerBuyQuoteVolume} {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return model.Kline{}, err
		}
		fields[i] = f
	}
	return model.Kline{
		Symbol:        k.Symbol,
		Interval:      itv,
		OpenTime:      k.StartTime,
		CloseTime:     k.CloseTime,
		Open:          fields[0],
		High:          fields[1],
		Low:           fields[2],
		Close:         fields[3],
		Volume:        fields[4],
		QuoteVolume:   fields[5],
		TakerBuyBase:  fields[6],
		TakerBuyQuote: fields[7],
		TradeCount:    k.TradeCount,
	}, nil
}

// WSMiniTicker is the per-symbol 24h rolling mini-ticker event.
type WSMiniTicker struct {
	EventType   string `json:"e"` // "24hrMiniTicker"
	EventTime   int64  `json:"E"`
	Symbol      string `json:"s"`
	ClosePrice  string `json:"c"`
	OpenPrice   string `json:"o"`
	HighPrice   string `json:"h"`
	LowPrice    string `json:"l"`
	BaseVolume  string `json:"v"`
	QuoteVolume string `json:"q"`
}

// ToTicker converts a mini-ticker event into the engine's model. The wire
// payload has no change percent; it is derived from the 24h open and close.
func (m *WSMiniTicker) ToTicker() (model.Ticker, error) {
	last, err := strconv.ParseFloat(m.ClosePrice, 64)
	if err != nil {
		return model.Ticker{}, err
	}
	open, err := strconv.ParseFloat(m.OpenPrice, 64)
	if err != nil {
		return model.Ticker{}, err
	}
	qv, err := strconv.ParseFloat(m.QuoteVolume, 64)
	if err != nil {
		return model.Ticker{}, err
	}
	change := 0.0
	if open > 0 {
		change = (last - open) / open * 100
	}
	return model.Ticker{
		Symbol:             m.Symbol,
		LastPrice:          last,
		PriceChangePercent: change,
		QuoteVolume:        qv,
	}, nil
}

// Ticker24h is one element of the REST /api/v3/ticker/24hr response.
type Ticker24h struct {
	Symbol             string `json:"symbol"`
	LastPrice          string `json:"lastPrice"`
	PriceChangePercent string `json:"priceChangePercent"`
	QuoteVolume        string `json:"quoteVolume"`
}

// ToTicker converts a REST 24h ticker row into the engine's model.
func (t *Ticker24h) ToTicker() (model.Ticker, error) {
	last, err := strconv.ParseFloat(t.LastPrice, 64)
	if err != nil {
		return model.Ticker{}, err
	}
	change, err := strconv.ParseFloat(t.PriceChangePercent, 64)
	if err != nil {
		return model.Ticker{}, err
	}
	qv, err := strconv.ParseFloat(t.QuoteVolume, 64)
	if err != nil {
		return model.Ticker{}, err
	}
	return model.Ticker{
		Symbol:             t.Symbol,
		LastPrice:          last,
		PriceChangePercent: change,
		QuoteVolume:        qv,
	}, nil
}
