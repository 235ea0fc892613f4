/*
main.go - Application entry point

PURPOSE:
  Starts the wallet engine. Two subcommands:

    serve      Run the HTTP API with graceful shutdown
    recompute  Replay every account's ledger and replace the
               projection cache (the repair path)

CONFIGURATION:
  --config points at a TOML file (see config package). A missing file
  means compiled-in defaults: :8080, ./wallet.db, strict policy,
  default badge rules.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM: stop accepting connections, drain active requests
  (bounded by shutdown_timeout), close the database, exit.

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: TOML surface
*/
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/warp/wallet-engine/api"
	"github.com/warp/wallet-engine/badges"
	"github.com/warp/wallet-engine/config"
	"github.com/warp/wallet-engine/ledger"
	"github.com/warp/wallet-engine/store/sqlite"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "wallet-engine",
	Short: "Append-only wallet ledger with idempotent mutations and derived badges",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE:  runServe,
}

var recomputeCmd = &cobra.Command{
	Use:   "recompute",
	Short: "Replay every account's ledger and replace the projection cache",
	RunE:  runRecompute,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "wallet.toml", "Path to TOML config file")
	recomputeCmd.Flags().Int("parallelism", 4, "Concurrent account replays")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(recomputeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// =============================================================================
// WIRING
// =============================================================================

type engine struct {
	store     *sqlite.Store
	gateway   *ledger.Gateway
	projector *ledger.Projector
	ledger    *ledger.Ledger
	evaluator *badges.Evaluator
	cfg       config.Config
}

func buildEngine() (*engine, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	rules, err := cfg.BadgeRules()
	if err != nil {
		return nil, err
	}
	evaluator, err := badges.NewEvaluator(rules)
	if err != nil {
		return nil, err
	}

	st, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	return &engine{
		store:     st,
		gateway:   ledger.NewGateway(st, evaluator, cfg.AccountPolicy()),
		projector: ledger.NewProjector(st, evaluator),
		ledger:    ledger.NewLedger(st),
		evaluator: evaluator,
		cfg:       cfg,
	}, nil
}

// =============================================================================
// SERVE
// =============================================================================

func runServe(cmd *cobra.Command, _ []string) error {
	log, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer log.Sync()

	eng, err := buildEngine()
	if err != nil {
		return err
	}
	defer eng.store.Close()

	handler := api.NewHandler(eng.gateway, eng.projector, eng.ledger, eng.evaluator, log)
	router := api.NewRouter(handler)

	server := &http.Server{
		Addr:         eng.cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  eng.cfg.Server.ReadTimeout.Duration,
		WriteTimeout: eng.cfg.Server.WriteTimeout.Duration,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting",
			zap.String("addr", eng.cfg.Server.Addr),
			zap.String("db", eng.cfg.Database.Path))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		log.Info("shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), eng.cfg.Server.ShutdownTimeout.Duration)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}

	log.Info("server stopped")
	return nil
}

// =============================================================================
// RECOMPUTE
// =============================================================================

func runRecompute(cmd *cobra.Command, _ []string) error {
	log, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer log.Sync()

	eng, err := buildEngine()
	if err != nil {
		return err
	}
	defer eng.store.Close()

	parallelism, _ := cmd.Flags().GetInt("parallelism")

	log.Info("recompute starting", zap.Int("parallelism", parallelism))
	if err := eng.projector.RecomputeAll(cmd.Context(), parallelism); err != nil {
		return err
	}
	log.Info("recompute complete")
	return nil
}
