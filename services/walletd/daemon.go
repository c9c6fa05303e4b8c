package walletd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"cashrail/config"
	"cashrail/native/delivery"
	"cashrail/native/payments"
	"cashrail/native/restore"
	"cashrail/native/wallet"
	"cashrail/network/mintrpc"
	"cashrail/network/relay"
	"cashrail/network/signer"
	"cashrail/storage/outbox"
	"cashrail/storage/seen"
	"cashrail/storage/tokenstore"
)

// Daemon owns the stores and clients behind one wallet.
type Daemon struct {
	cfg      *config.Config
	logger   *slog.Logger
	tokens   *tokenstore.Store
	journal  *seen.Journal
	outbox   *outbox.Store
	registry *config.MintRegistry
	mints    *mintrpc.Client
	signer   *signer.Client
	wallet   *wallet.Wallet
}

// Open opens storage and builds the wallet. The wallet has no identity until
// Login is called.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil {
		return nil, fmt.Errorf("walletd: config required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("walletd: create data dir: %w", err)
	}
	d := &Daemon{cfg: cfg, logger: logger}
	var err error
	if d.tokens, err = tokenstore.Open(cfg.StoreDSN()); err != nil {
		return nil, err
	}
	if d.journal, err = seen.Open(cfg.SeenPath()); err != nil {
		d.Close()
		return nil, err
	}
	if d.outbox, err = outbox.Open(cfg.OutboxPath(), nil); err != nil {
		d.Close()
		return nil, err
	}
	if d.registry, err = config.LoadMintRegistry(cfg.MintRegistry); err != nil {
		d.Close()
		return nil, err
	}

	d.mints = mintrpc.New(mintrpc.Config{
		Gateway:       cfg.Mint.Gateway,
		Timeout:       cfg.Mint.Timeout.Duration,
		RatePerSecond: cfg.Mint.RatePerSecond,
		Burst:         cfg.Mint.Burst,
	}, mintrpc.WithLogger(logger))
	d.signer = signer.New(signer.Config{
		URL:     cfg.Signer.URL,
		Token:   os.Getenv(cfg.Signer.TokenEnv),
		Timeout: cfg.Signer.Timeout.Duration,
	})
	pool := relay.NewPool(relay.WithDialTimeout(cfg.Delivery.DialTimeout.Duration), relay.WithLogger(logger))

	if err := d.registry.Refresh(ctx, d.mints); err != nil {
		logger.Warn("wallet/daemon: mint registry refresh incomplete", slog.Any("error", err))
	}
	if len(d.registry.URLs()) > 0 {
		if err := d.registry.Save(); err != nil {
			logger.Warn("wallet/daemon: save mint registry", slog.Any("error", err))
		}
	}

	d.wallet, err = wallet.New(wallet.Deps{
		Tokens:    d.tokens,
		Credit:    d.tokens,
		Messages:  d.tokens,
		Pending:   d.outbox,
		Journal:   d.journal,
		Mints:     d.mints,
		Directory: d.registry,
		Transport: pool,
		Wrapper:   d.signer,
		Signer:    d.signer,
		Verifier:  d.signer,
	}, WalletConfig(cfg), wallet.WithLogger(logger))
	if err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

// WalletConfig maps daemon settings onto the wallet.
func WalletConfig(cfg *config.Config) wallet.Config {
	return wallet.Config{
		Unit:          cfg.Wallet.Unit,
		PreferredMint: cfg.Wallet.PreferredMint,
		AllowPromises: cfg.Wallet.AllowPromises,
		PromiseTTL:    cfg.Wallet.PromiseTTL.Duration,
		GlobalCap:     cfg.Wallet.GlobalCap,
		Delivery: delivery.Config{
			Relays:         cfg.Delivery.Relays,
			PublishTimeout: cfg.Delivery.PublishTimeout.Duration,
			RetryBackoff:   cfg.Delivery.RetryBackoff.Duration,
			ConfirmWindow:  cfg.Delivery.ConfirmWindow.Duration,
		},
		Restore: restore.Config{
			Window:            cfg.Restore.Window,
			BatchSize:         cfg.Restore.BatchSize,
			EmptyBatches:      cfg.Restore.EmptyBatches,
			MaxProofsPerToken: cfg.Restore.MaxProofsPerToken,
		},
	}
}

// Wallet returns the wallet facade.
func (d *Daemon) Wallet() *wallet.Wallet { return d.wallet }

// Tokens returns the token store.
func (d *Daemon) Tokens() *tokenstore.Store { return d.tokens }

// Login activates owner with the identity held by the signer and flushes any
// queued payments.
func (d *Daemon) Login(ctx context.Context, owner string, seed []byte) (payments.FlushReport, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return payments.FlushReport{}, fmt.Errorf("walletd: owner required")
	}
	pub, err := d.signer.PublicKey(ctx)
	if err != nil {
		return payments.FlushReport{}, fmt.Errorf("walletd: fetch identity: %w", err)
	}
	if retention := d.cfg.Delivery.SeenRetention.Duration; retention > 0 {
		pruned, err := d.journal.Prune(owner, time.Now().Add(-retention))
		if err != nil {
			d.logger.Warn("wallet/daemon: prune seen journal", slog.Any("error", err))
		} else if pruned > 0 {
			d.logger.Info("wallet/daemon: pruned seen journal", slog.Int("entries", pruned))
		}
	}
	report, err := d.wallet.SwitchIdentity(ctx, wallet.Identity{Owner: owner, PubKey: pub, Seed: seed})
	if err != nil {
		return report, err
	}
	d.logger.Info("wallet/daemon: identity active",
		slog.String("owner", owner),
		slog.Int("resolved", report.Resolved),
		slog.Int("still_queued", report.Remaining))
	return report, nil
}

// Serve runs the HTTP API until ctx is cancelled.
func (d *Daemon) Serve(ctx context.Context) error {
	auth := NewAuthenticator(AuthConfig{
		HMACSecret: os.Getenv(d.cfg.API.JWTSecretEnv),
		Issuer:     d.cfg.API.JWTIssuer,
	}, d.logger)
	if !auth.Enabled() {
		d.logger.Warn("wallet/api: authentication disabled", slog.String("env", d.cfg.API.JWTSecretEnv))
	}
	server := NewServer(d.wallet, Options{
		Auth:    auth,
		Limiter: NewRateLimiter(d.cfg.API.RatePerSecond, d.cfg.API.Burst),
		Logger:  d.logger,
	})
	httpServer := &http.Server{
		Addr:              d.cfg.ListenAddress,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		d.logger.Info("wallet/api: listening", slog.String("addr", d.cfg.ListenAddress))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("walletd: serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	timeout := d.cfg.API.ShutdownTimeout.Duration
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("walletd: shutdown: %w", err)
	}
	return nil
}

// Close stops the wallet and releases storage.
func (d *Daemon) Close() {
	if d.wallet != nil {
		d.wallet.Close()
	}
	if d.outbox != nil {
		if err := d.outbox.Close(); err != nil {
			d.logger.Warn("wallet/daemon: close outbox", slog.Any("error", err))
		}
	}
	if d.journal != nil {
		if err := d.journal.Close(); err != nil {
			d.logger.Warn("wallet/daemon: close seen journal", slog.Any("error", err))
		}
	}
	if d.tokens != nil {
		if err := d.tokens.Close(); err != nil {
			d.logger.Warn("wallet/daemon: close token store", slog.Any("error", err))
		}
	}
}
