package marketdata

import (
	"fmt"
	"regexp"
	"strings"
)

var symbolFormat = regexp.MustCompile(`^\^?[A-Z0-9][A-Z0-9.\-]*$`)

var exchangePrefixes = []string{"NYSE:", "NASDAQ:", "NMS:", "ARCA:", "AMEX:"}

// NormalizeSymbol upper-cases a ticker and strips exchange prefixes, so
// "nasdaq:aapl" and "AAPL" name the same instrument.
func NormalizeSymbol(symbol string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	for _, p := range exchangePrefixes {
		if strings.HasPrefix(s, p) {
			s = strings.TrimPrefix(s, p)
			break
		}
	}
	if s == "" {
		return "", fmt.Errorf("empty symbol")
	}
	if len(s) > 12 || !symbolFormat.MatchString(s) {
		return "", fmt.Errorf("invalid symbol %q", symbol)
	}
	return s, nil
}

// YahooSymbol maps share-class tickers to Yahoo's dash form (BRK.B -> BRK-B).
// Index symbols keep their caret.
func YahooSymbol(symbol string) string {
	return strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(symbol)), ".", "-")
}
