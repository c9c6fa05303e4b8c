package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"cashrail/cmd/internal/passphrase"
	"cashrail/config"
	"cashrail/observability/logging"
	telemetry "cashrail/observability/otel"
	"cashrail/services/walletd"
)

const defaultSeedEnv = "CASHRAIL_SEED"

func main() {
	var (
		cfgPath string
		owner   string
		seedEnv string
	)
	flag.StringVar(&cfgPath, "config", "./walletd.toml", "path to walletd configuration")
	flag.StringVar(&owner, "owner", "default", "wallet owner to activate on start")
	flag.StringVar(&seedEnv, "seed-env", defaultSeedEnv, "environment variable holding the seed phrase")
	flag.Parse()

	if err := run(cfgPath, owner, seedEnv); err != nil {
		fmt.Fprintf(os.Stderr, "walletd: %v\n", err)
		os.Exit(1)
	}
}

func run(cfgPath, owner, seedEnv string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	logger, closer := logging.SetupWithFile("walletd", cfg.Environment, logging.FileOptions{
		Path:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	})
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.Traces || cfg.Telemetry.Metrics {
		shutdown, err := telemetry.Init(ctx, telemetry.Config{
			ServiceName: "walletd",
			Environment: cfg.Environment,
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    cfg.Telemetry.Insecure,
			Headers:     telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
			Metrics:     cfg.Telemetry.Metrics,
			Traces:      cfg.Telemetry.Traces,
			SampleRatio: cfg.Telemetry.SampleRatio,
		})
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		defer func() { _ = shutdown(context.Background()) }()
	}

	seed, err := passphrase.NewSource(seedEnv).Seed()
	if err != nil {
		return err
	}

	daemon, err := walletd.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer daemon.Close()

	if _, err := daemon.Login(ctx, owner, seed); err != nil {
		return err
	}
	return daemon.Serve(ctx)
}
