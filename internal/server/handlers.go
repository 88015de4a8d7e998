package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/Rajchodisetti/consensus-engine/internal/adapters"
	"github.com/Rajchodisetti/consensus-engine/internal/observ"
	"github.com/Rajchodisetti/consensus-engine/internal/signal"
	"github.com/Rajchodisetti/consensus-engine/internal/tracker"
)

// Response is the envelope every /v1 endpoint returns.
type Response struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func respond(c echo.Context, status int, data any) error {
	return c.JSON(status, Response{Status: status, Message: http.StatusText(status), Data: data})
}

func fail(c echo.Context, status int, err error) error {
	return c.JSON(status, Response{Status: status, Message: err.Error()})
}

type healthBody struct {
	Status        adapters.HealthStatus     `json:"status"`
	Version       string                    `json:"version"`
	UptimeSeconds int64                     `json:"uptime_seconds"`
	Sources       []adapters.HealthSnapshot `json:"sources"`
}

// healthz is 503 only when every source has failed.
func (s *Server) healthz(c echo.Context) error {
	overall := s.deps.Health.Overall()
	status := http.StatusOK
	if overall == adapters.StatusFailed {
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, healthBody{
		Status:        overall,
		Version:       observ.Version(),
		UptimeSeconds: int64(observ.Uptime().Seconds()),
		Sources:       s.deps.Health.Snapshots(),
	})
}

func (s *Server) weights(c echo.Context) error {
	return respond(c, http.StatusOK, map[string]any{
		"weights":     s.deps.Weights.Weights(),
		"base":        s.deps.Weights.Base(),
		"performance": s.deps.Weights.Performance(),
	})
}

func (s *Server) breakers(c echo.Context) error {
	data := map[string]any{"breakers": s.deps.Breakers.States()}
	if s.deps.Limiters != nil {
		data["rate_limits"] = s.deps.Limiters.Stats()
	}
	return respond(c, http.StatusOK, data)
}

// generate runs one consensus cycle. 204 means the cycle produced no signal.
func (s *Server) generate(c echo.Context) error {
	symbol := strings.ToUpper(c.Param("symbol"))
	sig, err := s.deps.Engine.GenerateSignal(c.Request().Context(), symbol)
	if err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("signal request failed")
		return fail(c, http.StatusBadGateway, err)
	}
	if sig == nil {
		return c.NoContent(http.StatusNoContent)
	}
	return respond(c, http.StatusOK, sig)
}

type explainBody struct {
	Symbol     string           `json:"symbol"`
	Emit       bool             `json:"emit"`
	Direction  signal.Direction `json:"direction"`
	Confidence float64          `json:"confidence"`
	Blocked    string           `json:"blocked_by,omitempty"`
	Reason     any              `json:"reason"`
}

func (s *Server) explain(c echo.Context) error {
	symbol := strings.ToUpper(c.Param("symbol"))
	out, err := s.deps.Engine.Evaluate(c.Request().Context(), symbol)
	if err != nil {
		return fail(c, http.StatusBadGateway, err)
	}
	return respond(c, http.StatusOK, explainBody{
		Symbol:     symbol,
		Emit:       out.Emit,
		Direction:  out.Direction,
		Confidence: out.Confidence,
		Blocked:    out.Blocked(),
		Reason:     out.Reason,
	})
}

// trackedSignal is a stored signal plus whether its content still matches
// the hash taken at emission.
type trackedSignal struct {
	*signal.Signal
	Verified bool `json:"verified"`
}

func tracked(sig *signal.Signal) trackedSignal {
	return trackedSignal{Signal: sig, Verified: tracker.Verify(*sig)}
}

var errTrackingDisabled = errors.New("signal tracking is disabled")

func (s *Server) lookup(c echo.Context) error {
	if s.deps.Store == nil {
		return fail(c, http.StatusNotFound, errTrackingDisabled)
	}
	sig, err := s.deps.Store.Get(c.Request().Context(), c.Param("id"))
	switch {
	case errors.Is(err, tracker.ErrNotFound):
		return fail(c, http.StatusNotFound, err)
	case err != nil:
		return fail(c, http.StatusInternalServerError, err)
	}
	return respond(c, http.StatusOK, tracked(sig))
}

const (
	defaultRecent = 20
	maxRecent     = 200
)

// recent lists the newest tracked signals for a symbol; ?limit caps the count.
func (s *Server) recent(c echo.Context) error {
	if s.deps.Store == nil {
		return fail(c, http.StatusNotFound, errTrackingDisabled)
	}
	n := defaultRecent
	if raw := c.QueryParam("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			return fail(c, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
		}
		n = min(v, maxRecent)
	}
	symbol := strings.ToUpper(c.Param("symbol"))
	sigs, err := s.deps.Store.Recent(c.Request().Context(), symbol, n)
	if err != nil {
		return fail(c, http.StatusInternalServerError, err)
	}
	out := make([]trackedSignal, len(sigs))
	for i := range sigs {
		out[i] = tracked(&sigs[i])
	}
	return respond(c, http.StatusOK, out)
}

// OutcomeRequest reports whether an emitted signal made money. Either
// SignalID (resolved through the tracker) or the full Signal is required.
type OutcomeRequest struct {
	SignalID   string         `json:"signal_id"`
	Signal     *signal.Signal `json:"signal"`
	Profitable bool           `json:"profitable"`
}

func (s *Server) outcome(c echo.Context) error {
	var req OutcomeRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, err)
	}
	sig := req.Signal
	if sig == nil && req.SignalID != "" {
		if s.deps.Store == nil {
			return fail(c, http.StatusBadRequest, errors.New("signal_id needs signal tracking; send the signal instead"))
		}
		var err error
		if sig, err = s.deps.Store.Get(c.Request().Context(), req.SignalID); err != nil {
			if errors.Is(err, tracker.ErrNotFound) {
				return fail(c, http.StatusNotFound, err)
			}
			return fail(c, http.StatusInternalServerError, err)
		}
	}
	if sig == nil {
		return fail(c, http.StatusBadRequest, errors.New("signal or signal_id is required"))
	}
	if err := sig.Validate(); err != nil {
		return fail(c, http.StatusBadRequest, err)
	}
	n := s.deps.Outcomes.RecordOutcome(*sig, req.Profitable)
	return respond(c, http.StatusOK, map[string]any{"sources_updated": n})
}

type reloadRequest struct {
	Path string `json:"path"`
}

func (s *Server) reload(c echo.Context) error {
	var req reloadRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			return fail(c, http.StatusBadRequest, err)
		}
	}
	if err := s.deps.Reload.ReloadConfig(req.Path); err != nil {
		return fail(c, http.StatusUnprocessableEntity, err)
	}
	return respond(c, http.StatusOK, map[string]any{"reloaded": true})
}
