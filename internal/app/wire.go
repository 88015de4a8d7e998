//go:build wireinject
// +build wireinject

package app

import (
	"github.com/google/wire"

	"github.com/Rajchodisetti/consensus-engine/internal/config"
)

// New wires the engine from a validated configuration loaded from path.
func New(path ConfigPath, cfg *config.Config) (*Context, func(), error) {
	wire.Build(
		// market data and source guards
		ProvideMarketData,
		ProvideLimiters,
		ProvideBreakers,
		ProvideHealth,
		ProvideSources,

		// persistence
		ProvideRedis,
		ProvideTracker,
		ProvideWeightStore,

		// decision
		ProvideWeights,
		ProvideDetector,
		ProvidePolicy,
		ProvideEngine,

		// replay
		ProvideCostModel,
		ProvideStrategy,
		ProvideBacktest,

		// delivery
		ProvideSinks,
		ProvideScheduler,

		ProvideReloader,
		ProvideContext,
	)
	return nil, nil, nil
}
