package strategy

import "math"

// SMA returns the simple moving average of the period values ending at
// index i, or NaN when fewer than period values are available.
func SMA(values []float64, i, period int) float64 {
	if period <= 0 || i < period-1 || i >= len(values) {
		return math.NaN()
	}
	sum := 0.0
	for k := i - period + 1; k <= i; k++ {
		sum += values[k]
	}
	return sum / float64(period)
}

// Highest returns the maximum of the period values ending at index i-1,
// excluding bar i itself.
func Highest(values []float64, i, period int) float64 {
	if period <= 0 || i < period || i > len(values) {
		return math.NaN()
	}
	hi := math.Inf(-1)
	for k := i - period; k < i; k++ {
		hi = math.Max(hi, values[k])
	}
	return hi
}

// Lowest is the minimum counterpart of Highest.
func Lowest(values []float64, i, period int) float64 {
	if period <= 0 || i < period || i > len(values) {
		return math.NaN()
	}
	lo := math.Inf(1)
	for k := i - period; k < i; k++ {
		lo = math.Min(lo, values[k])
	}
	return lo
}

// ATR returns the average true range series using a simple average of the
// trailing period true ranges. Entries before the first full period are 0.
func ATR(high, low, close []float64, period int) []float64 {
	n := len(close)
	out := make([]float64, n)
	if period <= 0 || n == 0 {
		return out
	}
	tr := make([]float64, n)
	for i := 0; i < n; i++ {
		r := high[i] - low[i]
		if i > 0 {
			r = math.Max(r, math.Abs(high[i]-close[i-1]))
			r = math.Max(r, math.Abs(low[i]-close[i-1]))
		}
		tr[i] = r
	}
	sum := 0.0
	for i := 0; i < n; i++ {
		sum += tr[i]
		if i >= period {
			sum -= tr[i-period]
		}
		if i >= period-1 {
			out[i] = sum / float64(period)
		}
	}
	return out
}
