package marketdata

import (
	"math"
	"math/rand"
	"time"
)

// FromCloses builds daily bars from a close series. Open is the prior close,
// high and low bracket the two by 0.5%.
func FromCloses(start time.Time, closes []float64, volume float64) []Bar {
	bars := make([]Bar, len(closes))
	prev := closes[0]
	for i, c := range closes {
		hi, lo := math.Max(prev, c), math.Min(prev, c)
		bars[i] = Bar{
			Time:   start.AddDate(0, 0, i),
			Open:   prev,
			High:   hi * 1.005,
			Low:    lo * 0.995,
			Close:  c,
			Volume: volume,
		}
		prev = c
	}
	return bars
}

// RandomWalk generates a reproducible geometric random walk.
func RandomWalk(start time.Time, n int, seed int64, startPrice, drift, vol, volume float64) []Bar {
	r := rand.New(rand.NewSource(seed))
	closes := make([]float64, n)
	p := startPrice
	for i := range closes {
		p *= math.Exp(drift + vol*r.NormFloat64())
		closes[i] = p
	}
	bars := FromCloses(start, closes, volume)
	for i := range bars {
		bars[i].Volume = volume * (0.75 + 0.5*r.Float64())
	}
	return bars
}
