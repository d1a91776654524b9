// Package indicators implements the technical indicators used by the
// strategies. All series functions return a slice aligned with the
// input; positions before the warmup period hold NaN.
package indicators

import "math"

// EMA computes an exponential moving average with smoothing 2/(period+1).
// The first defined value is the simple average of the first period
// closes.
func EMA(values []float64, period int) []float64 {
	out := nanSlice(len(values))
	if period <= 0 || len(values) < period {
		return out
	}
	var sum float64
	for i := 0; i < period; i++ {
		sum += values[i]
	}
	prev := sum / float64(period)
	out[period-1] = prev

	alpha := 2.0 / float64(period+1)
	for i := period; i < len(values); i++ {
		prev = (values[i]-prev)*alpha + prev
		out[i] = prev
	}
	return out
}

func nanSlice(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}
