// Package server exposes health, metrics and operator endpoints over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog/log"

	"github.com/Rajchodisetti/consensus-engine/internal/adapters"
	"github.com/Rajchodisetti/consensus-engine/internal/circuit"
	"github.com/Rajchodisetti/consensus-engine/internal/config"
	"github.com/Rajchodisetti/consensus-engine/internal/decision"
	"github.com/Rajchodisetti/consensus-engine/internal/observ"
	"github.com/Rajchodisetti/consensus-engine/internal/ratelimit"
	"github.com/Rajchodisetti/consensus-engine/internal/signal"
	"github.com/Rajchodisetti/consensus-engine/internal/weights"
)

type Evaluator interface {
	GenerateSignal(ctx context.Context, symbol string) (*signal.Signal, error)
	Evaluate(ctx context.Context, symbol string) (*decision.Outcome, error)
}

type WeightView interface {
	Weights() map[string]float64
	Base() map[string]float64
	Performance() []weights.Performance
}

type OutcomeRecorder interface {
	RecordOutcome(sig signal.Signal, profitable bool) int
}

// SignalStore is the signal tracker.
type SignalStore interface {
	Get(ctx context.Context, id string) (*signal.Signal, error)
	Recent(ctx context.Context, symbol string, n int) ([]signal.Signal, error)
}

type Reloader interface {
	ReloadConfig(path string) error
}

// Deps are the components the handlers read from. Store may be nil.
type Deps struct {
	Engine   Evaluator
	Weights  WeightView
	Outcomes OutcomeRecorder
	Breakers *circuit.Registry
	Limiters *ratelimit.Manager
	Health   *adapters.HealthRegistry
	Store    SignalStore
	Reload   Reloader
}

type Server struct {
	cfg  config.Server
	deps Deps
	echo *echo.Echo
}

func New(cfg config.Server, deps Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Server.ReadTimeout = cfg.ReadTimeout
	e.Server.WriteTimeout = cfg.WriteTimeout

	e.Use(middleware.Recover())
	e.Use(requestLogging())

	s := &Server{cfg: cfg, deps: deps, echo: e}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.echo.GET("/healthz", s.healthz)
	s.echo.GET("/metrics", echo.WrapHandler(observ.Handler()))

	g := s.echo.Group("/v1")
	g.GET("/weights", s.weights)
	g.GET("/breakers", s.breakers)
	g.POST("/signals/:symbol", s.generate)
	g.GET("/signals/:symbol/explain", s.explain)
	g.GET("/signals/:symbol/recent", s.recent)
	g.GET("/signals/id/:id", s.lookup)
	g.POST("/outcomes", s.outcome)
	g.POST("/reload", s.reload)
}

func (s *Server) Handler() http.Handler { return s.echo }

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	log.Info().Str("addr", s.cfg.Addr).Msg("http server listening")
	if err := s.echo.Start(s.cfg.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
		defer cancel()
	}
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	log.Info().Msg("http server stopped")
	return nil
}

func requestLogging() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			req := c.Request()
			log.Debug().
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Int("status", c.Response().Status).
				Dur("latency", time.Since(start)).
				Msg("http request")
			return nil
		}
	}
}
