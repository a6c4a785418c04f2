package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"dex-liquidity-bot/internal/app"
	"dex-liquidity-bot/internal/config"
	"dex-liquidity-bot/internal/logging"
)

const defaultVerifyTimeout = 2 * time.Minute

// verify is a dry run: every instance is initialized once in safe mode, so
// planned orders and debt changes are logged but never sent.
func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	timeout := flag.Duration("timeout", defaultVerifyTimeout, "overall deadline")
	flag.Parse()

	if err := config.LoadEnv(".env"); err != nil {
		fatal(err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	// a verify run never publishes metrics, alerts or timescale rows
	disabled := false
	cfg.Metrics.Enabled = &disabled
	cfg.Telegram.Enabled = false
	cfg.Telegram.OperatorEnabled = false
	cfg.Timescale.Enabled = false
	// nor touches the live known-order cache
	stateDir, err := os.MkdirTemp("", "dex-liquidity-bot-verify-")
	if err != nil {
		fatal(err)
	}
	defer os.RemoveAll(stateDir)
	cfg.State.SQLitePath = filepath.Join(stateDir, "state.db")

	log := logging.New(cfg.Log)
	defer func() { _ = log.Sync() }()

	application, err := app.New(cfg, log, app.Options{SafeMode: true})
	if err != nil {
		fatal(err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	statuses, initErr := application.Verify(ctx)
	pretty, err := json.MarshalIndent(statuses, "", "  ")
	if err != nil {
		fatal(err)
	}
	fmt.Println(string(pretty))
	if initErr != nil {
		fatal(initErr)
	}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
