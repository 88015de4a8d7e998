package outbox

import (
	"crypto/sha256"
	"fmt"
	"time"
)

// IdempotencyKey identifies one decision: the same symbol, action, second and
// confidence always map to the same key.
func IdempotencyKey(symbol, action string, ts time.Time, confidence float64) string {
	data := fmt.Sprintf("%s-%s-%d-%.6f", symbol, action, ts.Unix(), confidence)
	hash := sha256.Sum256([]byte(data))
	return fmt.Sprintf("%x", hash[:8])
}

func OrderID(symbol string, ts time.Time) string {
	return fmt.Sprintf("order_%s_%d", symbol, ts.UnixNano())
}
