package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Rajchodisetti/consensus-engine/internal/app"
	"github.com/Rajchodisetti/consensus-engine/internal/config"
	"github.com/Rajchodisetti/consensus-engine/internal/observ"
	"github.com/Rajchodisetti/consensus-engine/internal/server"
)

// set with -ldflags "-X main.version=..."
var version = "dev"

var (
	cfgPath    string
	symbolsCSV string
	runOnce    bool
	noServer   bool
	explain    bool
)

var rootCmd = &cobra.Command{
	Use:   "decision",
	Short: "Weighted multi-source consensus signal engine",
	Long: `decision polls every configured signal source for each watched symbol,
combines their readings into a weighted consensus and hands emitted signals
to the outbox, kafka and the signal tracker.`,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the polling scheduler and the HTTP server",
	Long: `Run evaluates every symbol on the configured poll interval until
interrupted. SIGHUP reloads the config file; SIGINT and SIGTERM stop the
scheduler, wait for in-flight deliveries and shut the server down.

Examples:
  decision run --config config/consensus.yaml
  decision run --once --no-server
  decision run --symbols AAPL,NVDA`,
	RunE: runEngine,
}

var signalCmd = &cobra.Command{
	Use:   "signal SYMBOL",
	Short: "Evaluate one symbol and print the result",
	Long: `signal runs a single consensus cycle for SYMBOL and prints the
emitted signal as JSON. Nothing is delivered to the sinks. With --explain the
full reasoning is printed even when no signal is emitted.`,
	Args: cobra.ExactArgs(1),
	RunE: runSignal,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "config/consensus.yaml", "Path to the engine configuration")
	rootCmd.PersistentFlags().StringVar(&symbolsCSV, "symbols", "", "Comma-separated symbols overriding scheduler.symbols")

	runCmd.Flags().BoolVar(&runOnce, "once", false, "Run a single cycle and exit")
	runCmd.Flags().BoolVar(&noServer, "no-server", false, "Do not start the HTTP server")
	signalCmd.Flags().BoolVar(&explain, "explain", false, "Print the full outcome, including suppressed cycles")

	rootCmd.AddCommand(runCmd, signalCmd)
}

func main() {
	observ.SetVersion(version)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func bootstrap() (*app.Context, func(), error) {
	cfg, err := config.LoadWithEnv(cfgPath)
	if err != nil {
		return nil, nil, err
	}
	if symbolsCSV != "" {
		var syms []string
		for _, s := range strings.Split(symbolsCSV, ",") {
			if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
				syms = append(syms, s)
			}
		}
		cfg.Scheduler.Symbols = syms
	}
	if err := observ.Setup(cfg.Log); err != nil {
		return nil, nil, err
	}
	return app.New(app.ConfigPath(cfgPath), cfg)
}

func runEngine(cmd *cobra.Command, args []string) error {
	ac, cleanup, err := bootstrap()
	if err != nil {
		return err
	}
	defer cleanup()
	cfg := ac.Config()

	log.Info().
		Str("version", version).
		Strs("symbols", cfg.Scheduler.Symbols).
		Strs("sources", ac.Engine.Sources()).
		Dur("poll_interval", cfg.Scheduler.PollInterval).
		Msg("consensus engine starting")

	if runOnce {
		sigs := ac.Scheduler.RunCycle(cmd.Context())
		ac.Scheduler.Wait()
		return json.NewEncoder(os.Stdout).Encode(sigs)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				if err := ac.ReloadConfig(""); err != nil {
					log.Error().Err(err).Msg("reload on SIGHUP failed")
				}
			}
		}
	}()

	var srv *server.Server
	srvErr := make(chan error, 1)
	if cfg.Server.Enabled && !noServer {
		srv = server.New(cfg.Server, server.Deps{
			Engine:   ac.Engine,
			Weights:  ac.Weights,
			Outcomes: ac.Scheduler,
			Breakers: ac.Breakers,
			Limiters: ac.Limiters,
			Health:   ac.Health,
			Store:    trackerStore(ac),
			Reload:   ac,
		})
		go func() { srvErr <- srv.Start() }()
	}

	schedErr := make(chan error, 1)
	go func() { schedErr <- ac.Scheduler.Run(ctx) }()

	select {
	case err = <-srvErr:
		stop()
		<-schedErr
	case err = <-schedErr:
	}

	if srv != nil {
		if serr := srv.Shutdown(context.Background()); serr != nil {
			err = errors.Join(err, serr)
		}
	}
	log.Info().Int("cycles", ac.Scheduler.Cycles()).Msg("consensus engine stopped")
	return err
}

// trackerStore avoids handing the server a typed nil.
func trackerStore(ac *app.Context) server.SignalStore {
	if ac.Tracker == nil {
		return nil
	}
	return ac.Tracker
}

func runSignal(cmd *cobra.Command, args []string) error {
	ac, cleanup, err := bootstrap()
	if err != nil {
		return err
	}
	defer cleanup()

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	symbol := strings.ToUpper(args[0])
	if explain {
		out, err := ac.Engine.Evaluate(cmd.Context(), symbol)
		if err != nil {
			return err
		}
		return enc.Encode(map[string]any{
			"symbol":     symbol,
			"emit":       out.Emit,
			"direction":  out.Direction,
			"confidence": out.Confidence,
			"blocked_by": out.Blocked(),
			"reason":     out.Reason,
		})
	}
	sig, err := ac.Engine.GenerateSignal(cmd.Context(), symbol)
	if err != nil {
		return err
	}
	if sig == nil {
		fmt.Fprintf(os.Stderr, "no signal for %s\n", symbol)
		return nil
	}
	return enc.Encode(sig)
}
