package filterlang

import (
	"errors"
	"fmt"
	"math"

	"screener-systemv1/internal/indicator"
	"screener-systemv1/internal/model"
)

// ErrNotReady is returned when a series builtin needs more candles than the
// snapshot holds. Callers can treat it as "no match" without attributing a
// strategy fault to the trader.
var ErrNotReady = errors.New("filterlang: not enough candles")

// maxSteps bounds evaluation work per call. With no loops in the language a
// single pass over the tree is the worst case; the counter guards against
// future extensions regressing that property.
const maxSteps = 4096

type value struct {
	isBool bool
	num    float64
	b      bool
}

func numVal(f float64) value { return value{num: f} }
func boolVal(b bool) value   { return value{isBool: true, b: b} }

type evalEnv struct {
	data  *model.MarketData
	steps int
}

// Eval runs the compiled filter against one symbol's snapshot. The result
// is the match verdict; errors cover type faults, division by zero and
// insufficient history (ErrNotReady).
func (p *Program) Eval(data *model.MarketData) (bool, error) {
	if data == nil {
		return false, fmt.Errorf("filterlang: nil snapshot")
	}
	env := &evalEnv{data: data}
	v, err := env.eval(p.root)
	if err != nil {
		return false, err
	}
	if !v.isBool {
		return false, fmt.Errorf("filterlang: filter must evaluate to a boolean, got number %v", v.num)
	}
	return v.b, nil
}

func (e *evalEnv) eval(n node) (value, error) {
	e.steps++
	if e.steps > maxSteps {
		return value{}, fmt.Errorf("filterlang: evaluation budget exceeded")
	}

	switch t := n.(type) {
	case *numberNode:
		return numVal(t.val), nil
	case *boolNode:
		return boolVal(t.val), nil

	case *unaryNode:
		child, err := e.eval(t.child)
		if err != nil {
			return value{}, err
		}
		switch t.op {
		case tokMinus:
			if child.isBool {
				return value{}, fmt.Errorf("filterlang: cannot negate a boolean")
			}
			return numVal(-child.num), nil
		case tokNot:
			if !child.isBool {
				return value{}, fmt.Errorf("filterlang: 'not' needs a boolean")
			}
			return boolVal(!child.b), nil
		}
		return value{}, fmt.Errorf("filterlang: unhandled unary op")

	case *binaryNode:
		return e.evalBinary(t)

	case *callNode:
		return e.evalCall(t)

	default:
		return value{}, fmt.Errorf("filterlang: unhandled node %T", n)
	}
}

func (e *evalEnv) evalBinary(n *binaryNode) (value, error) {
	// and/or short-circuit; everything else is strict.
	if n.op == tokAnd || n.op == tokOr {
		left, err := e.eval(n.left)
		if err != nil {
			return value{}, err
		}
		if !left.isBool {
			return value{}, fmt.Errorf("filterlang: boolean operator needs boolean operands")
		}
		if n.op == tokAnd && !left.b {
			return boolVal(false), nil
		}
		if n.op == tokOr && left.b {
			return boolVal(true), nil
		}
		right, err := e.eval(n.right)
		if err != nil {
			return value{}, err
		}
		if !right.isBool {
			return value{}, fmt.Errorf("filterlang: boolean operator needs boolean operands")
		}
		return boolVal(right.b), nil
	}

	left, err := e.eval(n.left)
	if err != nil {
		return value{}, err
	}
	right, err := e.eval(n.right)
	if err != nil {
		return value{}, err
	}

	switch n.op {
	case tokEQ, tokNE:
		if left.isBool != right.isBool {
			return value{}, fmt.Errorf("filterlang: cannot compare boolean with number")
		}
		var eq bool
		if left.isBool {
			eq = left.b == right.b
		} else {
			eq = left.num == right.num
		}
		if n.op == tokNE {
			eq = !eq
		}
		return boolVal(eq), nil

	case tokLT, tokLE, tokGT, tokGE:
		if left.isBool || right.isBool {
			return value{}, fmt.Errorf("filterlang: ordered comparison needs numbers")
		}
		var res bool
		switch n.op {
		case tokLT:
			res = left.num < right.num
		case tokLE:
			res = left.num <= right.num
		case tokGT:
			res = left.num > right.num
		case tokGE:
			res = left.num >= right.num
		}
		return boolVal(res), nil

	case tokPlus, tokMinus, tokStar, tokSlash, tokPercent:
		if left.isBool || right.isBool {
			return value{}, fmt.Errorf("filterlang: arithmetic needs numbers")
		}
		switch n.op {
		case tokPlus:
			return numVal(left.num + right.num), nil
		case tokMinus:
			return numVal(left.num - right.num), nil
		case tokStar:
			return numVal(left.num * right.num), nil
		case tokSlash:
			if right.num == 0 {
				return value{}, fmt.Errorf("filterlang: division by zero")
			}
			return numVal(left.num / right.num), nil
		case tokPercent:
			if right.num == 0 {
				return value{}, fmt.Errorf("filterlang: modulo by zero")
			}
			return numVal(math.Mod(left.num, right.num)), nil
		}
	}
	return value{}, fmt.Errorf("filterlang: unhandled binary op")
}

// builtin describes one whitelisted helper. intervalArgIdx marks which
// argument, if any, is a statically checked interval string.
type builtin struct {
	arity          int
	intervalArgIdx int
	fn             func(e *evalEnv, call *callNode, args []value) (value, error)
}

func (b builtin) intervalArg(i int) bool { return i == b.intervalArgIdx }

func (e *evalEnv) evalCall(n *callNode) (value, error) {
	b := builtins[n.name] // existence checked at compile time

	args := make([]value, len(n.args))
	for i, arg := range n.args {
		if b.intervalArg(i) {
			continue // consumed via callNode by the builtin itself
		}
		v, err := e.eval(arg)
		if err != nil {
			return value{}, err
		}
		if v.isBool {
			return value{}, fmt.Errorf("filterlang: %s: argument %d must be numeric", n.name, i+1)
		}
		args[i] = v
	}
	return b.fn(e, n, args)
}

// callInterval extracts the pre-validated interval argument.
func callInterval(n *callNode, idx int) model.Interval {
	s := n.args[idx].(*stringNode)
	itv, _ := model.ParseInterval(s.val)
	return itv
}

func (e *evalEnv) series(n *callNode, idx int) []model.Kline {
	return e.data.KlinesFor(callInterval(n, idx))
}

// candleField returns a field of the most recent candle for the interval.
func candleField(pick func(model.Kline) float64) func(*evalEnv, *callNode, []value) (value, error) {
	return func(e *evalEnv, n *callNode, _ []value) (value, error) {
		klines := e.series(n, 0)
		if len(klines) == 0 {
			return value{}, fmt.Errorf("%w for %s(%q)", ErrNotReady, n.name, callInterval(n, 0))
		}
		return numVal(pick(klines[len(klines)-1])), nil
	}
}

// indicatorOver runs an indicator over a column of the interval's series.
func indicatorOver(column func([]model.Kline) []float64, compute func([]float64, int) (float64, bool)) func(*evalEnv, *callNode, []value) (value, error) {
	return func(e *evalEnv, n *callNode, args []value) (value, error) {
		period := int(args[1].num)
		if period <= 0 || float64(period) != args[1].num {
			return value{}, fmt.Errorf("filterlang: %s: period must be a positive integer, got %v", n.name, args[1].num)
		}
		v, ok := compute(column(e.series(n, 0)), period)
		if !ok {
			return value{}, fmt.Errorf("%w for %s(%q, %d)", ErrNotReady, n.name, callInterval(n, 0), period)
		}
		return numVal(v), nil
	}
}

func highs(klines []model.Kline) []float64 {
	out := make([]float64, len(klines))
	for i := range klines {
		out[i] = klines[i].High
	}
	return out
}

func lows(klines []model.Kline) []float64 {
	out := make([]float64, len(klines))
	for i := range klines {
		out[i] = klines[i].Low
	}
	return out
}

var builtins = map[string]builtin{
	// Ticker context.
	"price": {arity: 0, intervalArgIdx: -1, fn: func(e *evalEnv, _ *callNode, _ []value) (value, error) {
		return numVal(e.data.Ticker.LastPrice), nil
	}},
	"change": {arity: 0, intervalArgIdx: -1, fn: func(e *evalEnv, _ *callNode, _ []value) (value, error) {
		return numVal(e.data.Ticker.PriceChangePercent), nil
	}},
	"quoteVolume": {arity: 0, intervalArgIdx: -1, fn: func(e *evalEnv, _ *callNode, _ []value) (value, error) {
		return numVal(e.data.Ticker.QuoteVolume), nil
	}},

	// Latest candle of an interval.
	"open":   {arity: 1, intervalArgIdx: 0, fn: candleField(func(k model.Kline) float64 { return k.Open })},
	"high":   {arity: 1, intervalArgIdx: 0, fn: candleField(func(k model.Kline) float64 { return k.High })},
	"low":    {arity: 1, intervalArgIdx: 0, fn: candleField(func(k model.Kline) float64 { return k.Low })},
	"close":  {arity: 1, intervalArgIdx: 0, fn: candleField(func(k model.Kline) float64 { return k.Close })},
	"volume": {arity: 1, intervalArgIdx: 0, fn: candleField(func(k model.Kline) float64 { return k.Volume })},

	"candles": {arity: 1, intervalArgIdx: 0, fn: func(e *evalEnv, n *callNode, _ []value) (value, error) {
		return numVal(float64(len(e.series(n, 0)))), nil
	}},

	// Indicators over the interval's series.
	"sma":     {arity: 2, intervalArgIdx: 0, fn: indicatorOver(indicator.Closes, indicator.SMA)},
	"ema":     {arity: 2, intervalArgIdx: 0, fn: indicatorOver(indicator.Closes, indicator.EMA)},
	"rsi":     {arity: 2, intervalArgIdx: 0, fn: indicatorOver(indicator.Closes, indicator.RSI)},
	"highest": {arity: 2, intervalArgIdx: 0, fn: indicatorOver(highs, indicator.Highest)},
	"lowest":  {arity: 2, intervalArgIdx: 0, fn: indicatorOver(lows, indicator.Lowest)},

	// Pure numeric helpers.
	"abs": {arity: 1, intervalArgIdx: -1, fn: func(_ *evalEnv, _ *callNode, args []value) (value, error) {
		return numVal(math.Abs(args[0].num)), nil
	}},
	"min": {arity: 2, intervalArgIdx: -1, fn: func(_ *evalEnv, _ *callNode, args []value) (value, error) {
		return numVal(math.Min(args[0].num, args[1].num)), nil
	}},
	"max": {arity: 2, intervalArgIdx: -1, fn: func(_ *evalEnv, _ *callNode, args []value) (value, error) {
		return numVal(math.Max(args[0].num, args[1].num)), nil
	}},
}
