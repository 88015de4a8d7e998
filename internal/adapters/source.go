package adapters

import (
	"context"
	"errors"

	"github.com/Rajchodisetti/consensus-engine/internal/marketdata"
	"github.com/Rajchodisetti/consensus-engine/internal/signal"
)

var (
	// ErrSourceUnavailable covers fetch failures and timeouts. The engine
	// treats it as "no opinion" for the cycle.
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrRateLimited means no token was obtained within the max wait.
	ErrRateLimited = errors.New("source rate limited")
)

// SourceAdapter is the single capability every signal provider implements.
//
// Fetch returns the provider's raw payload; (nil, nil) means the provider has
// nothing for the symbol. GenerateSignal turns a payload into a reading and
// returns nil for "no opinion", including when the payload is malformed.
type SourceAdapter interface {
	Name() string
	Fetch(ctx context.Context, symbol string) (any, error)
	GenerateSignal(symbol string, raw any) *signal.Reading
}

// BarSignaler is implemented by adapters whose opinion is a pure function of
// price history, so backtests can replay them bar by bar.
type BarSignaler interface {
	Name() string
	FromBars(symbol string, bars []marketdata.Bar) *signal.Reading
}

// generate runs GenerateSignal and absorbs any panic from a bad payload.
func generate(a SourceAdapter, symbol string, raw any) (r *signal.Reading) {
	defer func() {
		if recover() != nil {
			r = nil
		}
	}()
	return a.GenerateSignal(symbol, raw)
}

func lastClose(bars []marketdata.Bar) float64 {
	if len(bars) == 0 {
		return 0
	}
	return bars[len(bars)-1].Close
}
