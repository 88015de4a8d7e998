package marketdata

import (
	"context"
	"strings"
	"sync"
	"time"
)

type cachedBars struct {
	bars     []Bar
	cachedAt time.Time
}

type CacheStats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
}

// CachedSource memoizes bar windows for ttl. Live polling asks for the same
// lookback every cycle, so most reads are hits.
type CachedSource struct {
	next Source
	ttl  time.Duration
	now  func() time.Time

	mu      sync.Mutex
	entries map[string]cachedBars
	stats   CacheStats
}

func NewCachedSource(next Source, ttl time.Duration) *CachedSource {
	return &CachedSource{next: next, ttl: ttl, now: time.Now, entries: map[string]cachedBars{}}
}

func cacheKey(symbol string, start, end time.Time) string {
	return strings.ToUpper(symbol) + "|" + start.Format("2006-01-02") + "|" + end.Format("2006-01-02")
}

func (c *CachedSource) Bars(ctx context.Context, symbol string, start, end time.Time) ([]Bar, error) {
	key := cacheKey(symbol, start, end)
	c.mu.Lock()
	if e, ok := c.entries[key]; ok && c.now().Sub(e.cachedAt) < c.ttl {
		c.stats.Hits++
		c.mu.Unlock()
		return e.bars, nil
	}
	c.stats.Misses++
	c.mu.Unlock()

	bars, err := c.next.Bars(ctx, symbol, start, end)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.entries[key] = cachedBars{bars: bars, cachedAt: c.now()}
	c.mu.Unlock()
	return bars, nil
}

func (c *CachedSource) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
