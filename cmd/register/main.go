package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"dex-liquidity-bot/internal/config"
	"dex-liquidity-bot/internal/dex/rpc"
	"dex-liquidity-bot/internal/faucet"
	"dex-liquidity-bot/internal/logging"

	"go.uber.org/zap"
)

const defaultRegisterTimeout = time.Minute

// register creates the configured account through the faucet when the wallet
// holds none, then imports its key into the wallet.
func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	timeout := flag.Duration("timeout", defaultRegisterTimeout, "overall deadline")
	flag.Parse()

	if err := config.LoadEnv(".env"); err != nil {
		fatal(err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	log := logging.New(cfg.Log)
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	wallet := rpc.New(cfg.Gateway.URL, cfg.Gateway.ReconnectDelay, cfg.Gateway.PingInterval, log)
	if err := wallet.Connect(ctx); err != nil {
		fatal(fmt.Errorf("connect wallet: %w", err))
	}
	go func() { _ = wallet.Run(ctx) }()
	defer wallet.Close()

	account := cfg.Gateway.Account
	res, err := faucet.Onboard(ctx, wallet, faucet.New(cfg.Faucet, log), account, cfg.Gateway.WalletPassword, log)
	switch {
	case err == nil && !res.Registered:
		fmt.Printf("wallet already holds accounts: %s\n", strings.Join(res.ExistingAccounts, ", "))
		return
	case err == nil:
		fmt.Printf("account %s registered\n", account)
		fmt.Printf("brain key: %s\n", res.BrainKey.BrainPrivKey)
		fmt.Println("write it down and back it up, then fund the account and start the bot")
		return
	}
	if res.BrainKey != nil {
		fmt.Printf("generated public key: %s\n", res.BrainKey.PubKey)
	}
	if errors.Is(err, faucet.ErrRegistrationRejected) {
		log.Error("faucet rejected registration", zap.String("account", account), zap.String("response", res.FaucetResponse))
	}
	fatal(err)
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
