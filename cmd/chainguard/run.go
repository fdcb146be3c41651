package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v2"

	"github.com/chainguard-network/chainguard/baseline"
	"github.com/chainguard-network/chainguard/chainclient"
	"github.com/chainguard-network/chainguard/explorer"
	"github.com/chainguard-network/chainguard/internal/version"
	"github.com/chainguard-network/chainguard/monitor"
	"github.com/chainguard-network/chainguard/publisher"
	"github.com/chainguard-network/chainguard/push"
	"github.com/chainguard-network/chainguard/risk"
	"github.com/chainguard-network/chainguard/server"
	"github.com/chainguard-network/chainguard/storage"
	"github.com/chainguard-network/chainguard/types"
	"github.com/chainguard-network/chainguard/validation"
)

const (
	dialTimeout    = 30 * time.Second
	restoreTimeout = 60 * time.Second
)

// runService is the default action: assemble every component, restore
// monitoring for all contracts on record and serve until interrupted.
// Components shut down in reverse construction order.
func runService(ctx *cli.Context) error {
	cfg, err := makeConfig(ctx)
	if err != nil {
		return err
	}
	setupLogging(cfg.LogLevel)

	log.Info("Starting chainguard", "version", version.WithMeta, "env", cfg.Env, "instance", cfg.InstanceID)

	store, err := storage.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	dialCtx, cancelDial := context.WithTimeout(context.Background(), dialTimeout)
	defer cancelDial()
	chains, err := chainclient.DialSet(dialCtx, cfg)
	if err != nil {
		return fmt.Errorf("dial chain endpoints: %w", err)
	}
	defer chains.Close()

	bus := push.NewBus(cfg.InstanceID)
	if cfg.RedisURL != "" {
		bridge, err := push.NewRedisBridge(bus, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis bridge: %w", err)
		}
		if err := bridge.Start(context.Background()); err != nil {
			return fmt.Errorf("redis bridge: %w", err)
		}
		defer bridge.Stop()
	}

	testnet, err := chains.Client(types.NetworkTestnet)
	if err != nil {
		return err
	}
	pub, err := publisher.New(dialCtx, testnet, publisher.Config{
		PrivateKey: cfg.TestnetPrivateKey,
		Registry:   common.HexToAddress(cfg.StreamRegistry),
	})
	if err != nil {
		return fmt.Errorf("publisher: %w", err)
	}

	queue := validation.NewQueue(store, validation.NewClient(cfg.LLMWebhookURL))
	queue.Start()
	defer queue.Stop()

	engine := risk.New()
	engine.Start()
	defer engine.Stop()

	networks := []types.Network{types.NetworkTestnet, types.NetworkMainnet}
	chainsByNet := make(map[types.Network]monitor.Chain, len(networks))
	histories := make(map[types.Network]monitor.History, len(networks))
	for _, n := range networks {
		c, err := chains.Client(n)
		if err != nil {
			return err
		}
		chainsByNet[n] = c
		histories[n] = explorer.New(cfg.Endpoints(n).ExplorerURL)
	}

	sup := monitor.NewSupervisor(monitor.Config{
		Store:     store,
		Chains:    chainsByNet,
		Histories: histories,
		Engine:    engine,
		Queue:     queue,
		Publisher: pub,
		Bus:       bus,
	})
	defer sup.Close()

	job := baseline.NewJob(store)
	job.Notify = sup.EmitContractUpdate
	job.Start()
	defer job.Stop()

	srv := server.New(server.Config{
		Port:        cfg.Port,
		JWTSecret:   cfg.JWTSecret,
		FrontendURL: cfg.FrontendURL,
		InstanceID:  cfg.InstanceID,
	}, sup, bus)
	if err := srv.Start(); err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	defer srv.Stop()

	restoreCtx, cancelRestore := context.WithTimeout(context.Background(), restoreTimeout)
	err = sup.Restore(restoreCtx)
	cancelRestore()
	if err != nil {
		return fmt.Errorf("restore monitors: %w", err)
	}

	log.Info("Chainguard is up", "port", cfg.Port, "monitors", sup.MonitorCount(), "publishing", pub.Enabled())

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigc)
	sig := <-sigc

	log.Info("Shutting down", "signal", sig)
	return nil
}

// setupLogging points the root logger at stderr with the configured
// verbosity, colorized when stderr is a terminal.
func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "error":
		lvl = log.LevelError
	case "warn":
		lvl = log.LevelWarn
	case "debug":
		lvl = log.LevelDebug
	default:
		lvl = log.LevelInfo
	}
	usecolor := (isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())) && os.Getenv("TERM") != "dumb"
	output := io.Writer(os.Stderr)
	if usecolor {
		output = colorable.NewColorableStderr()
	}
	log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(output, lvl, usecolor)))
}
