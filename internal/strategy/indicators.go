package strategy

import (
	"math"

	"qtune/internal/market"
)

// sma returns the simple moving average of closes; entries before the
// window fills are NaN.
func sma(bars []market.Bar, period int) []float64 {
	out := make([]float64, len(bars))
	sum := 0.0
	for i, b := range bars {
		sum += b.Close
		if i >= period {
			sum -= bars[i-period].Close
		}
		if i+1 < period || period <= 0 {
			out[i] = math.NaN()
			continue
		}
		out[i] = sum / float64(period)
	}
	return out
}

// atr is the simple average of true range over period bars.
func atr(bars []market.Bar, period int) []float64 {
	out := make([]float64, len(bars))
	tr := make([]float64, len(bars))
	sum := 0.0
	for i, b := range bars {
		rng := b.High - b.Low
		if i > 0 {
			prev := bars[i-1].Close
			rng = math.Max(rng, math.Max(math.Abs(b.High-prev), math.Abs(b.Low-prev)))
		}
		tr[i] = rng
		sum += rng
		if i >= period {
			sum -= tr[i-period]
		}
		if i+1 < period || period <= 0 {
			out[i] = math.NaN()
			continue
		}
		out[i] = sum / float64(period)
	}
	return out
}

// zscore of close against the trailing window (population std).
func zscore(bars []market.Bar, period int) []float64 {
	out := make([]float64, len(bars))
	for i := range bars {
		if period <= 1 || i+1 < period {
			out[i] = math.NaN()
			continue
		}
		mean := 0.0
		for j := i - period + 1; j <= i; j++ {
			mean += bars[j].Close
		}
		mean /= float64(period)
		variance := 0.0
		for j := i - period + 1; j <= i; j++ {
			d := bars[j].Close - mean
			variance += d * d
		}
		std := math.Sqrt(variance / float64(period))
		if std < 1e-12 {
			out[i] = 0
			continue
		}
		out[i] = (bars[i].Close - mean) / std
	}
	return out
}

// avgTurnover is the trailing mean of turnover; short windows use what exists.
func avgTurnover(bars []market.Bar, period int) []float64 {
	out := make([]float64, len(bars))
	sum := 0.0
	for i, b := range bars {
		sum += b.Turnover
		if i >= period {
			sum -= bars[i-period].Turnover
		}
		n := period
		if i+1 < period {
			n = i + 1
		}
		out[i] = sum / float64(n)
	}
	return out
}
