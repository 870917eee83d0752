package indicator

import (
	"math"
	"testing"
)

func almostEqual(a, b, eps float64) bool {
	return math.Abs(a-b) <= eps
}

func TestSMA(t *testing.T) {
	values := []float64{1, 2, 3, 4, 5}

	got, ok := SMA(values, 5)
	if !ok || got != 3 {
		t.Errorf("SMA(5): got (%v, %v), want (3, true)", got, ok)
	}

	got, ok = SMA(values, 2)
	if !ok || got != 4.5 {
		t.Errorf("SMA(2): got (%v, %v), want (4.5, true)", got, ok)
	}

	if _, ok := SMA(values, 6); ok {
		t.Error("SMA with period > len should not be ready")
	}
	if _, ok := SMA(values, 0); ok {
		t.Error("SMA with period 0 should not be ready")
	}
}

func TestEMA_SeedEqualsSMA(t *testing.T) {
	// With exactly period values, EMA equals the SMA seed.
	values := []float64{10, 20, 30}
	got, ok := EMA(values, 3)
	if !ok || got != 20 {
		t.Errorf("EMA seed: got (%v, %v), want (20, true)", got, ok)
	}
}

func TestEMA_Smoothing(t *testing.T) {
	// Seed = 20 over [10,20,30]; mult = 2/4 = 0.5;
	// next value 40 → 40*0.5 + 20*0.5 = 30.
	values := []float64{10, 20, 30, 40}
	got, ok := EMA(values, 3)
	if !ok || !almostEqual(got, 30, 1e-9) {
		t.Errorf("EMA: got (%v, %v), want (30, true)", got, ok)
	}
}

func TestRSI_AllGainsIs100(t *testing.T) {
	values := []float64{1, 2, 3, 4, 5, 6, 7, 8}
	got, ok := RSI(values, 7)
	if !ok || got != 100 {
		t.Errorf("RSI all gains: got (%v, %v), want (100, true)", got, ok)
	}
}

func TestRSI_Wilder14(t *testing.T) {
	// Classic Wilder example series; RSI(14) of this sequence is ~70.46.
	values := []float64{
		44.34, 44.09, 44.15, 43.61, 44.33, 44.83, 45.10, 45.42,
		45.84, 46.08, 45.89, 46.03, 45.61, 46.28, 46.28,
	}
	got, ok := RSI(values, 14)
	if !ok {
		t.Fatal("RSI should be ready with 15 values")
	}
	if !almostEqual(got, 70.46, 0.1) {
		t.Errorf("RSI: got %v, want ~70.46", got)
	}
}

func TestRSI_NotReady(t *testing.T) {
	if _, ok := RSI([]float64{1, 2, 3}, 14); ok {
		t.Error("RSI must not be ready below period+1 values")
	}
}

func TestHighestLowest(t *testing.T) {
	values := []float64{5, 9, 2, 7, 3}

	if got, ok := Highest(values, 3); !ok || got != 7 {
		t.Errorf("Highest(3): got (%v, %v), want (7, true)", got, ok)
	}
	if got, ok := Lowest(values, 3); !ok || got != 2 {
		t.Errorf("Lowest(3): got (%v, %v), want (2, true)", got, ok)
	}
	if got, ok := Highest(values, 5); !ok || got != 9 {
		t.Errorf("Highest(5): got (%v, %v), want (9, true)", got, ok)
	}
	if _, ok := Highest(values, 6); ok {
		t.Error("Highest beyond series length should not be ready")
	}
}
