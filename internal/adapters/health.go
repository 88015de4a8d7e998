package adapters

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

type HealthStatus string

const (
	StatusHealthy  HealthStatus = "healthy"
	StatusDegraded HealthStatus = "degraded"
	StatusFailed   HealthStatus = "failed"
)

const (
	healthWindow         = 20
	maxConsecutiveErrors = 5
	degradedErrorRate    = 0.10
)

// Health tracks the recent reliability of one source.
type Health struct {
	mu                sync.RWMutex
	name              string
	status            HealthStatus
	lastSuccess       time.Time
	lastError         time.Time
	lastErrorMsg      string
	successCount      int64
	errorCount        int64
	consecutiveErrors int
	latency           time.Duration
	recent            []bool
}

func NewHealth(name string) *Health {
	return &Health{name: name, status: StatusHealthy}
}

func (h *Health) RecordSuccess(latency time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastSuccess = time.Now()
	h.successCount++
	h.consecutiveErrors = 0
	if h.latency == 0 {
		h.latency = latency
	} else {
		h.latency = time.Duration(0.9*float64(h.latency) + 0.1*float64(latency))
	}
	h.push(true)
	h.update()
}

func (h *Health) RecordError(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastError = time.Now()
	if err != nil {
		h.lastErrorMsg = err.Error()
	}
	h.errorCount++
	h.consecutiveErrors++
	h.push(false)
	h.update()
}

func (h *Health) push(ok bool) {
	h.recent = append(h.recent, ok)
	if len(h.recent) > healthWindow {
		h.recent = h.recent[1:]
	}
}

func (h *Health) update() {
	old := h.status
	var errs int
	for _, ok := range h.recent {
		if !ok {
			errs++
		}
	}
	rate := float64(errs) / float64(len(h.recent))
	switch {
	case h.consecutiveErrors >= maxConsecutiveErrors:
		h.status = StatusFailed
	case rate > degradedErrorRate:
		h.status = StatusDegraded
	default:
		h.status = StatusHealthy
	}
	if old != h.status {
		log.Info().Str("source", h.name).Str("from", string(old)).Str("to", string(h.status)).
			Int("consecutive_errors", h.consecutiveErrors).Msg("source health changed")
	}
}

func (h *Health) Status() HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

type HealthSnapshot struct {
	Source            string       `json:"source"`
	Status            HealthStatus `json:"status"`
	SuccessCount      int64        `json:"success_count"`
	ErrorCount        int64        `json:"error_count"`
	ConsecutiveErrors int          `json:"consecutive_errors"`
	LatencyMs         int64        `json:"latency_ms"`
	LastSuccess       time.Time    `json:"last_success,omitempty"`
	LastError         time.Time    `json:"last_error,omitempty"`
	LastErrorMessage  string       `json:"last_error_message,omitempty"`
}

func (h *Health) Snapshot() HealthSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return HealthSnapshot{
		Source:            h.name,
		Status:            h.status,
		SuccessCount:      h.successCount,
		ErrorCount:        h.errorCount,
		ConsecutiveErrors: h.consecutiveErrors,
		LatencyMs:         h.latency.Milliseconds(),
		LastSuccess:       h.lastSuccess,
		LastError:         h.lastError,
		LastErrorMessage:  h.lastErrorMsg,
	}
}

// HealthRegistry hands out one Health per source.
type HealthRegistry struct {
	mu      sync.Mutex
	sources map[string]*Health
}

func NewHealthRegistry() *HealthRegistry {
	return &HealthRegistry{sources: map[string]*Health{}}
}

func (r *HealthRegistry) For(name string) *Health {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.sources[name]
	if !ok {
		h = NewHealth(name)
		r.sources[name] = h
	}
	return h
}

func (r *HealthRegistry) Snapshots() []HealthSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]HealthSnapshot, 0, len(r.sources))
	for _, h := range r.sources {
		out = append(out, h.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}

// Overall is failed when every source failed, degraded when any is not
// healthy.
func (r *HealthRegistry) Overall() HealthStatus {
	snaps := r.Snapshots()
	if len(snaps) == 0 {
		return StatusHealthy
	}
	failed, unhealthy := 0, 0
	for _, s := range snaps {
		if s.Status == StatusFailed {
			failed++
		}
		if s.Status != StatusHealthy {
			unhealthy++
		}
	}
	switch {
	case failed == len(snaps):
		return StatusFailed
	case unhealthy > 0:
		return StatusDegraded
	}
	return StatusHealthy
}
