package marketdata

import (
	"context"
	"fmt"
	"time"

	"github.com/piquette/finance-go/chart"
	"github.com/piquette/finance-go/datetime"
	"github.com/shopspring/decimal"
)

// YahooSource pulls daily bars from the Yahoo chart API.
type YahooSource struct{}

func NewYahooSource() *YahooSource { return &YahooSource{} }

func (y *YahooSource) Bars(ctx context.Context, symbol string, start, end time.Time) ([]Bar, error) {
	symbol = YahooSymbol(symbol)
	type result struct {
		bars []Bar
		err  error
	}
	done := make(chan result, 1)
	go func() {
		iter := chart.Get(&chart.Params{
			Symbol:   symbol,
			Start:    datetime.New(&start),
			End:      datetime.New(&end),
			Interval: datetime.OneDay,
		})
		var bars []Bar
		for iter.Next() {
			b := iter.Bar()
			if b.Close.IsZero() {
				continue
			}
			bars = append(bars, Bar{
				Time:   time.Unix(int64(b.Timestamp), 0).UTC(),
				Open:   toFloat(b.Open),
				High:   toFloat(b.High),
				Low:    toFloat(b.Low),
				Close:  toFloat(b.Close),
				Volume: float64(b.Volume),
			})
		}
		done <- result{bars: bars, err: iter.Err()}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("yahoo chart %s: %w", symbol, r.err)
		}
		if len(r.bars) == 0 {
			return nil, fmt.Errorf("yahoo chart %s: %w", symbol, ErrNoData)
		}
		return Window(r.bars, start, end), nil
	}
}

func toFloat(d decimal.Decimal) float64 {
	return d.Round(4).InexactFloat64()
}
