package marketdata

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

var ErrNoData = errors.New("no market data")

// Bar is one daily OHLCV observation.
type Bar struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// Source returns bars in ascending time order within [start, end].
type Source interface {
	Bars(ctx context.Context, symbol string, start, end time.Time) ([]Bar, error)
}

// Window trims bars to [start, end] and sorts them by time.
func Window(bars []Bar, start, end time.Time) []Bar {
	out := make([]Bar, 0, len(bars))
	for _, b := range bars {
		if !start.IsZero() && b.Time.Before(start) {
			continue
		}
		if !end.IsZero() && b.Time.After(end) {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out
}

// MemorySource serves preloaded bars.
type MemorySource struct {
	mu   sync.RWMutex
	bars map[string][]Bar
}

func NewMemorySource() *MemorySource {
	return &MemorySource{bars: map[string][]Bar{}}
}

func (m *MemorySource) Put(symbol string, bars []Bar) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bars[strings.ToUpper(symbol)] = append([]Bar(nil), bars...)
}

func (m *MemorySource) Bars(ctx context.Context, symbol string, start, end time.Time) ([]Bar, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bars, ok := m.bars[strings.ToUpper(symbol)]
	if !ok {
		return nil, fmt.Errorf("%s: %w", symbol, ErrNoData)
	}
	return Window(bars, start, end), nil
}
