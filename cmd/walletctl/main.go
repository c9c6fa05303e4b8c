package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"cashrail/cmd/internal/passphrase"
	"cashrail/config"
	"cashrail/native/ecash"
	"cashrail/network/mintrpc"
	"cashrail/observability/logging"
	"cashrail/services/walletd"
	"cashrail/storage/export"
	"cashrail/storage/tokenstore"
)

const (
	defaultConfig  = "./walletd.toml"
	defaultSeedEnv = "CASHRAIL_SEED"
)

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(1)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "export":
		err = runExport(ctx, os.Args[2:])
	case "restore":
		err = runRestore(ctx, os.Args[2:])
	case "mints":
		err = runMints(ctx, os.Args[2:])
	case "help", "-h", "--help":
		usage(os.Stdout)
		return
	default:
		usage(os.Stderr)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: walletctl <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  export    write token and promise history to parquet files")
	fmt.Fprintln(w, "  restore   recover ecash from the seed phrase")
	fmt.Fprintln(w, "  mints     list, add or refresh registered mints")
}

func runExport(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	cfgPath := fs.String("config", defaultConfig, "path to walletd configuration")
	owner := fs.String("owner", "default", "wallet owner to export")
	out := fs.String("out", ".", "directory for the parquet files")
	_ = fs.Parse(args)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return err
	}
	store, err := tokenstore.Open(cfg.StoreDSN())
	if err != nil {
		return err
	}
	defer store.Close()

	summary, err := export.History(ctx, store, *owner, *out)
	if err != nil {
		return err
	}
	fmt.Printf("%d tokens -> %s\n", summary.Tokens, summary.TokensPath)
	fmt.Printf("%d promises -> %s\n", summary.Promises, summary.PromisesPath)
	return nil
}

func runRestore(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("restore", flag.ExitOnError)
	cfgPath := fs.String("config", defaultConfig, "path to walletd configuration")
	owner := fs.String("owner", "default", "wallet owner to restore into")
	seedEnv := fs.String("seed-env", defaultSeedEnv, "environment variable holding the seed phrase")
	_ = fs.Parse(args)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return err
	}
	seed, err := passphrase.NewSource(*seedEnv).Seed()
	if err != nil {
		return err
	}
	logger := logging.Setup("walletctl", cfg.Environment)
	daemon, err := walletd.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer daemon.Close()
	if _, err := daemon.Login(ctx, *owner, seed); err != nil {
		return err
	}

	report, err := daemon.Wallet().Restore(ctx, fs.Args()...)
	if err != nil {
		return err
	}
	for _, m := range report.PerMint {
		if m.Err != nil {
			fmt.Printf("%s: failed: %v\n", m.Mint, m.Err)
			continue
		}
		fmt.Printf("%s: %d proofs in %d tokens, %d restored\n", m.Mint, m.RestoredProofs, m.CreatedTokens, m.RestoredAmount)
	}
	fmt.Printf("total: %d proofs, %d tokens\n", report.RestoredProofs, report.CreatedTokens)
	return nil
}

func runMints(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("mints", flag.ExitOnError)
	cfgPath := fs.String("config", defaultConfig, "path to walletd configuration")
	_ = fs.Parse(args)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return err
	}
	registry, err := config.LoadMintRegistry(cfg.MintRegistry)
	if err != nil {
		return err
	}
	rest := fs.Args()
	action := "list"
	if len(rest) > 0 {
		action = rest[0]
	}
	client := mintrpc.New(mintrpc.Config{
		Gateway:       cfg.Mint.Gateway,
		Timeout:       cfg.Mint.Timeout.Duration,
		RatePerSecond: cfg.Mint.RatePerSecond,
		Burst:         cfg.Mint.Burst,
	})

	switch action {
	case "list":
	case "add":
		if len(rest) < 2 {
			return fmt.Errorf("usage: walletctl mints add <url>")
		}
		url := ecash.NormalizeMintURL(rest[1])
		info, err := client.Info(ctx, url)
		if err != nil {
			return fmt.Errorf("query mint %s: %w", url, err)
		}
		info.URL = url
		registry.Add(info)
		if err := registry.Save(); err != nil {
			return err
		}
	case "refresh":
		if err := registry.Refresh(ctx, client); err != nil {
			fmt.Fprintf(os.Stderr, "warning: %v\n", err)
		}
		if err := registry.Save(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown mints action %q", action)
	}

	infos, _ := registry.MintInfos(ctx)
	for _, url := range registry.URLs() {
		info := infos[url]
		fmt.Printf("%s\tmpp=%t\tfee_ppk=%d\n", url, info.SupportsMPP, info.FeePPK)
	}
	return nil
}
