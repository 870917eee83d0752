package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"screener-systemv1/internal/model"
)

// Client is a minimal REST client for the endpoints the engine needs:
// historical klines (bootstrap and gap repair) and 24h tickers (universe
// selection and ticker snapshots).
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a REST client against baseURL
// (e.g. "https://api.binance.com").
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

type errorResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// GetKlines fetches up to limit most-recent candles for (symbol, interval),
// ordered oldest first. The payload is the exchange's positional array form:
//
//	[ openTime, "open", "high", "low", "close", "volume",
//	  closeTime, "quoteVolume", tradeCount, "takerBase", "takerQuote", "ignore" ]
func (c *Client) GetKlines(ctx context.Context, symbol string, itv model.Interval, limit int) ([]model.Kline, error) {
	if !itv.Valid() {
		return nil, fmt.Errorf("binance: invalid interval %q", itv)
	}
	if limit <= 0 {
		limit = 500
	}

	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("interval", string(itv))
	q.Set("limit", strconv.Itoa(limit))

	body, err := c.get(ctx, "/api/v3/klines", q)
	if err != nil {
		return nil, err
	}

	var rows [][]interface{}
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, c.asAPIError(body, err)
	}
	return toKlines(symbol, itv, rows)
}

// GetTickers fetches the full 24h ticker table.
func (c *Client) GetTickers(ctx context.Context) ([]Ticker24h, error) {
	body, err := c.get(ctx, "/api/v3/ticker/24hr", nil)
	if err != nil {
		return nil, err
	}
	var rows []Ticker24h
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, c.asAPIError(body, err)
	}
	return rows, nil
}

// GetTopSymbols returns up to count USDT-quoted symbols sorted by 24h quote
// volume descending, excluding anything under minVolume.
func (c *Client) GetTopSymbols(ctx context.Context, count int, minVolume float64) ([]string, error) {
	rows, err := c.GetTickers(ctx)
	if err != nil {
		return nil, err
	}

	type cand struct {
		symbol string
		volume float64
	}
	cands := make([]cand, 0, len(rows))
	for i := range rows {
		sym := rows[i].Symbol
		if !strings.HasSuffix(sym, "USDT") {
			continue
		}
		// Leveraged tokens pollute volume rankings.
		if strings.Contains(sym, "UP") && strings.HasSuffix(sym, "UPUSDT") ||
			strings.Contains(sym, "DOWN") && strings.HasSuffix(sym, "DOWNUSDT") {
			continue
		}
		qv, err := strconv.ParseFloat(rows[i].QuoteVolume, 64)
		if err != nil || qv < minVolume {
			continue
		}
		cands = append(cands, cand{symbol: sym, volume: qv})
	}

	sort.Slice(cands, func(i, j int) bool { return cands[i].volume > cands[j].volume })
	if count > 0 && len(cands) > count {
		cands = cands[:count]
	}

	out := make([]string, len(cands))
	for i := range cands {
		out[i] = cands[i].symbol
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("binance: build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("binance: %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("binance: read %s: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr errorResponse
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Msg != "" {
			return nil, fmt.Errorf("binance: %s: code=%d msg=%q", path, apiErr.Code, apiErr.Msg)
		}
		return nil, fmt.Errorf("binance: %s: HTTP %d", path, resp.StatusCode)
	}
	return body, nil
}

// asAPIError prefers the exchange's {code,msg} error body over a raw
// unmarshal failure.
func (c *Client) asAPIError(body []byte, fallback error) error {
	var apiErr errorResponse
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Msg != "" {
		return fmt.Errorf("binance: code=%d msg=%q", apiErr.Code, apiErr.Msg)
	}
	return fmt.Errorf("binance: decode response: %w", fallback)
}

// toKlines converts positional kline rows into model klines, validating
// shape and field types row by row.
func toKlines(symbol string, itv model.Interval, rows [][]interface{}) ([]model.Kline, error) {
	out := make([]model.Kline, 0, len(rows))
	for i, raw := range rows {
		if len(raw) < 11 {
			return nil, fmt.Errorf("binance: kline %d has %d fields, want >= 11", i, len(raw))
		}
		openTime, ok := rawInt64(raw[0])
		if !ok {
			return nil, fmt.Errorf("binance: kline %d has non-numeric open time", i)
		}
		closeTime, ok := rawInt64(raw[6])
		if !ok {
			return nil, fmt.Errorf("binance: kline %d has non-numeric close time", i)
		}
		tradeCount, _ := rawInt64(raw[8])

		var prices [8]float64
		for j, idx := range []int{1, 2, 3, 4, 5, 7, 9, 10} {
			f, ok := rawFloat(raw[idx])
			if !ok {
				return nil, fmt.Errorf("binance: kline %d field %d not parseable", i, idx)
			}
			prices[j] = f
		}

		out = append(out, model.Kline{
			Symbol:        symbol,
			Interval:      itv,
			OpenTime:      openTime,
			CloseTime:     closeTime,
			Open:          prices[0],
			High:          prices[1],
			Low:           prices[2],
			Close:         prices[3],
			Volume:        prices[4],
			QuoteVolume:   prices[5],
			TakerBuyBase:  prices[6],
			TakerBuyQuote: prices[7],
			TradeCount:    tradeCount,
		})
	}
	return out, nil
}

func rawInt64(v interface{}) (int64, bool) {
	f, ok := v.(float64)
	if !ok {
		return 0, false
	}
	return int64(f), true
}

func rawFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	case float64:
		return t, true
	default:
		return 0, false
	}
}
