package backtest

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidPositionSize = errors.New("invalid position size")
	ErrInsufficientCapital = errors.New("insufficient capital")
)

// InsufficientDataError means the price history cannot cover the warm-up
// plus at least one tradable bar.
type InsufficientDataError struct {
	Symbol string
	Have   int
	Need   int
	Err    error
}

func (e *InsufficientDataError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("insufficient data for %s: %v", e.Symbol, e.Err)
	}
	return fmt.Sprintf("insufficient data for %s: have %d bars, need %d", e.Symbol, e.Have, e.Need)
}

func (e *InsufficientDataError) Unwrap() error { return e.Err }
