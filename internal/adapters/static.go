package adapters

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/Rajchodisetti/consensus-engine/internal/signal"
)

// StaticAdapter serves preset readings. It backs demos and the "static" source
// kind, and doubles as a controllable source in tests.
type StaticAdapter struct {
	name string

	mu       sync.RWMutex
	readings map[string]signal.Reading
	fallback *signal.Reading
	err      error
	delay    time.Duration
	calls    int
}

func NewStaticAdapter(name string) *StaticAdapter {
	return &StaticAdapter{name: name, readings: map[string]signal.Reading{}}
}

func (a *StaticAdapter) Name() string { return a.name }

// Set fixes the reading returned for symbol. "*" sets the fallback.
func (a *StaticAdapter) Set(symbol string, dir signal.Direction, confidence float64) *StaticAdapter {
	a.mu.Lock()
	defer a.mu.Unlock()
	r := signal.Reading{Direction: dir, Confidence: confidence}
	if symbol == "*" {
		a.fallback = &r
	} else {
		a.readings[strings.ToUpper(symbol)] = r
	}
	return a
}

func (a *StaticAdapter) SetPrice(symbol string, price float64) *StaticAdapter {
	a.mu.Lock()
	defer a.mu.Unlock()
	if r, ok := a.readings[strings.ToUpper(symbol)]; ok {
		r.Price = price
		a.readings[strings.ToUpper(symbol)] = r
	}
	return a
}

func (a *StaticAdapter) Clear(symbol string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.readings, strings.ToUpper(symbol))
}

// FailWith makes every Fetch return err until cleared with nil.
func (a *StaticAdapter) FailWith(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.err = err
}

func (a *StaticAdapter) SetDelay(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.delay = d
}

func (a *StaticAdapter) Calls() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.calls
}

func (a *StaticAdapter) Fetch(ctx context.Context, symbol string) (any, error) {
	a.mu.Lock()
	a.calls++
	delay, err := a.delay, a.err
	r, ok := a.readings[strings.ToUpper(symbol)]
	if !ok && a.fallback != nil {
		r, ok = *a.fallback, true
	}
	a.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return r, nil
}

func (a *StaticAdapter) GenerateSignal(symbol string, raw any) *signal.Reading {
	r, ok := raw.(signal.Reading)
	if !ok {
		return nil
	}
	return &r
}
