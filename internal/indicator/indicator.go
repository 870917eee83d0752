// Package indicator provides the pure numeric helpers exposed to filter
// code: moving averages, RSI and window extremes computed over a kline
// series. All functions operate on the closes of an ordered series with
// the most recent candle last and return (value, ok); ok is false while
// the series is shorter than the period.
package indicator

import "screener-systemv1/internal/model"

// Closes extracts the close column from a kline series.
func Closes(klines []model.Kline) []float64 {
	out := make([]float64, len(klines))
	for i := range klines {
		out[i] = klines[i].Close
	}
	return out
}

// Volumes extracts the base-volume column from a kline series.
func Volumes(klines []model.Kline) []float64 {
	out := make([]float64, len(klines))
	for i := range klines {
		out[i] = klines[i].Volume
	}
	return out
}

// SMA is the simple moving average of the last period values.
func SMA(values []float64, period int) (float64, bool) {
	if period <= 0 || len(values) < period {
		return 0, false
	}
	sum := 0.0
	for _, v := range values[len(values)-period:] {
		sum += v
	}
	return sum / float64(period), true
}

// EMA is the exponential moving average over the whole series, seeded with
// the SMA of the first period values (multiplier 2/(period+1)).
func EMA(values []float64, period int) (float64, bool) {
	if period <= 0 || len(values) < period {
		return 0, false
	}
	seed := 0.0
	for _, v := range values[:period] {
		seed += v
	}
	ema := seed / float64(period)
	mult := 2.0 / float64(period+1)
	for _, v := range values[period:] {
		ema = v*mult + ema*(1-mult)
	}
	return ema, true
}

// RSI is the Relative Strength Index with Wilder's smoothing. Needs at
// least period+1 values (period deltas).
func RSI(values []float64, period int) (float64, bool) {
	if period <= 0 || len(values) < period+1 {
		return 0, false
	}

	avgGain, avgLoss := 0.0, 0.0
	for i := 1; i <= period; i++ {
		delta := values[i] - values[i-1]
		if delta > 0 {
			avgGain += delta
		} else {
			avgLoss -= delta
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)

	p := float64(period)
	for i := period + 1; i < len(values); i++ {
		delta := values[i] - values[i-1]
		gain, loss := 0.0, 0.0
		if delta > 0 {
			gain = delta
		} else {
			loss = -delta
		}
		avgGain = (avgGain*(p-1) + gain) / p
		avgLoss = (avgLoss*(p-1) + loss) / p
	}

	if avgLoss == 0 {
		return 100, true
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs), true
}

// Highest returns the maximum of the last n values.
func Highest(values []float64, n int) (float64, bool) {
	if n <= 0 || len(values) < n {
		return 0, false
	}
	max := values[len(values)-n]
	for _, v := range values[len(values)-n:] {
		if v > max {
			max = v
		}
	}
	return max, true
}

// Lowest returns the minimum of the last n values.
func Lowest(values []float64, n int) (float64, bool) {
	if n <= 0 || len(values) < n {
		return 0, false
	}
	min := values[len(values)-n]
	for _, v := range values[len(values)-n:] {
		if v < min {
			min = v
		}
	}
	return min, true
}
