// Command wallethub launches the wallet-hub event-distribution core: the
// outbox publisher, retention sweeper, and one dispatcher per bound
// destination.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/wallethub/wallethub/config"
	"github.com/wallethub/wallethub/internal/app"
	"github.com/wallethub/wallethub/internal/observability"
)

const (
	defaultConfigPath = "config/app.yaml"
	loggerPrefix      = "wallethub "
	closeTimeout      = 10 * time.Second
)

func main() {
	cfgPath, overrides := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := log.New(os.Stdout, loggerPrefix, log.LstdFlags|log.Lmicroseconds)
	observability.SetLogger(observability.NewStdLogger(logger))

	cfg, loadedFromFile, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if !loadedFromFile {
		logger.Printf("configuration file not found, using env and defaults")
	}
	cfg = config.Apply(cfg, overrides...)
	logger.Printf("configuration initialised: env=%s, brokers=%d",
		cfg.Environment, len(cfg.Broker.Brokers))

	core, err := app.New(ctx, cfg, logger, app.Deps{})
	if err != nil {
		logger.Fatalf("initialise core: %v", err)
	}

	logger.Print("wallet-hub core started; awaiting shutdown signal")
	if err := core.Run(ctx); err != nil {
		logger.Printf("run: %v", err)
	}
	logger.Print("shutdown signal received, draining workers")

	closeCtx, closeCancel := context.WithTimeout(context.Background(), closeTimeout)
	defer closeCancel()
	start := time.Now()
	core.Close(closeCtx)
	logger.Printf("shutdown completed in %v", time.Since(start))
}

func parseFlags() (string, []config.Option) {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	dsn := flag.String("postgres-dsn", "", "Override the Postgres DSN from configuration")
	flag.Parse()

	var overrides []config.Option
	if *dsn != "" {
		overrides = append(overrides, config.WithPostgresDSN(*dsn))
	}
	if *cfgPath != "" {
		return *cfgPath, overrides
	}
	return filepath.Clean(defaultConfigPath), overrides
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
