package marketdata

import "math"

func Closes(bars []Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

// SMA of the last n values; 0 when there are fewer than n.
func SMA(vals []float64, n int) float64 {
	if n <= 0 || len(vals) < n {
		return 0
	}
	var sum float64
	for _, v := range vals[len(vals)-n:] {
		sum += v
	}
	return sum / float64(n)
}

// StdDev is the population standard deviation of the last n values.
func StdDev(vals []float64, n int) float64 {
	if n <= 1 || len(vals) < n {
		return 0
	}
	mean := SMA(vals, n)
	var ss float64
	for _, v := range vals[len(vals)-n:] {
		ss += (v - mean) * (v - mean)
	}
	return math.Sqrt(ss / float64(n))
}

// RSI with simple averaging over the last n changes. Returns 50 when
// undefined.
func RSI(vals []float64, n int) float64 {
	if n <= 0 || len(vals) < n+1 {
		return 50
	}
	var gain, loss float64
	tail := vals[len(vals)-n-1:]
	for i := 1; i < len(tail); i++ {
		d := tail[i] - tail[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	if gain+loss == 0 {
		return 50
	}
	if loss == 0 {
		return 100
	}
	rs := (gain / float64(n)) / (loss / float64(n))
	return 100 - 100/(1+rs)
}

// AverageVolume over the last n bars (all bars when n <= 0).
func AverageVolume(bars []Bar, n int) float64 {
	if len(bars) == 0 {
		return 0
	}
	if n <= 0 || n > len(bars) {
		n = len(bars)
	}
	var sum float64
	for _, b := range bars[len(bars)-n:] {
		sum += b.Volume
	}
	return sum / float64(n)
}

// LogReturns of consecutive closes.
func LogReturns(bars []Bar) []float64 {
	if len(bars) < 2 {
		return nil
	}
	out := make([]float64, 0, len(bars)-1)
	for i := 1; i < len(bars); i++ {
		if bars[i-1].Close <= 0 || bars[i].Close <= 0 {
			continue
		}
		out = append(out, math.Log(bars[i].Close/bars[i-1].Close))
	}
	return out
}

// RealizedVolatility is the daily sample stdev of log returns over the last n
// bars.
func RealizedVolatility(bars []Bar, n int) float64 {
	if n > 0 && n < len(bars) {
		bars = bars[len(bars)-n:]
	}
	r := LogReturns(bars)
	if len(r) < 2 {
		return 0
	}
	var mean float64
	for _, v := range r {
		mean += v
	}
	mean /= float64(len(r))
	var ss float64
	for _, v := range r {
		ss += (v - mean) * (v - mean)
	}
	return math.Sqrt(ss / float64(len(r)-1))
}

func AnnualizedVolatility(bars []Bar, n int) float64 {
	return RealizedVolatility(bars, n) * math.Sqrt(252)
}

// PeriodReturn is the simple return over the last n bars.
func PeriodReturn(bars []Bar, n int) float64 {
	if len(bars) < 2 {
		return 0
	}
	if n <= 0 || n >= len(bars) {
		n = len(bars) - 1
	}
	first := bars[len(bars)-1-n].Close
	if first <= 0 {
		return 0
	}
	return bars[len(bars)-1].Close/first - 1
}

// HighLow returns the highest high and lowest low of the n bars before the
// last one.
func HighLow(bars []Bar, n int) (hi, lo float64) {
	if len(bars) < 2 {
		return 0, 0
	}
	prior := bars[:len(bars)-1]
	if n > 0 && n < len(prior) {
		prior = prior[len(prior)-n:]
	}
	hi, lo = prior[0].High, prior[0].Low
	for _, b := range prior[1:] {
		hi = math.Max(hi, b.High)
		lo = math.Min(lo, b.Low)
	}
	return hi, lo
}
