package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"cashrail/native/ecash"
	"cashrail/native/wallettest"
)

func TestLoadCreatesDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "walletd.toml")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default config not written: %v", err)
	}
	if cfg.Delivery.PublishTimeout.Duration != 10*time.Second {
		t.Fatalf("unexpected publish timeout %s", cfg.Delivery.PublishTimeout)
	}
	if cfg.DataDir != filepath.Join(dir, "nested", "cashrail-data") {
		t.Fatalf("data dir not resolved against config dir: %s", cfg.DataDir)
	}

	again, err := Load(path)
	if err != nil {
		t.Fatalf("reload default: %v", err)
	}
	if again.Wallet.PromiseTTL != cfg.Wallet.PromiseTTL || len(again.Delivery.Relays) != 2 {
		t.Fatalf("default did not round trip: %+v", again)
	}
}

func TestLoadParsesSettings(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "walletd.toml")
	contents := `ListenAddress = "0.0.0.0:9000"
DataDir = "/var/lib/cashrail"
TokenStoreDSN = "postgres://wallet@db/wallet"

[wallet]
Unit = "sat"
AllowPromises = true
PromiseTTL = "48h"
GlobalCap = 5000

[delivery]
Relays = ["wss://relay.one", " ", "wss://relay.two"]
PublishTimeout = "3s"
RetryBackoff = "750ms"
ConfirmWindow = "4s"

[mint]
Gateway = "http://127.0.0.1:3338"
Timeout = "9s"
RatePerSecond = 2.5
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != "0.0.0.0:9000" || cfg.DataDir != "/var/lib/cashrail" {
		t.Fatalf("unexpected top level %+v", cfg)
	}
	if cfg.Wallet.PromiseTTL.Duration != 48*time.Hour || cfg.Wallet.GlobalCap != 5000 {
		t.Fatalf("unexpected wallet %+v", cfg.Wallet)
	}
	if len(cfg.Delivery.Relays) != 2 || cfg.Delivery.RetryBackoff.Duration != 750*time.Millisecond {
		t.Fatalf("unexpected delivery %+v", cfg.Delivery)
	}
	if cfg.Mint.Timeout.Duration != 9*time.Second || cfg.Mint.RatePerSecond != 2.5 {
		t.Fatalf("unexpected mint %+v", cfg.Mint)
	}
	if cfg.StoreDSN() != "postgres://wallet@db/wallet" {
		t.Fatalf("unexpected dsn %s", cfg.StoreDSN())
	}
	if cfg.Restore.BatchSize != 100 {
		t.Fatalf("defaults should fill omitted sections, got %+v", cfg.Restore)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "walletd.toml")
	if err := os.WriteFile(path, []byte("ListenAdress = \":1\"\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "ListenAdress") {
		t.Fatalf("expected unknown key error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no relays", func(c *Config) { c.Delivery.Relays = nil }},
		{"http relay", func(c *Config) { c.Delivery.Relays = []string{"http://relay"} }},
		{"short publish timeout", func(c *Config) { c.Delivery.PublishTimeout.Duration = time.Millisecond }},
		{"promises without cap", func(c *Config) { c.Wallet.GlobalCap = 0 }},
		{"huge confirm window", func(c *Config) { c.Delivery.ConfirmWindow.Duration = time.Hour }},
		{"negative rate", func(c *Config) { c.API.RatePerSecond = -1 }},
		{"sample ratio above one", func(c *Config) { c.Telemetry.SampleRatio = 1.5 }},
	}
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestMintRegistry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mints.yaml")
	contents := `mints:
  - url: https://Mint.One/
    mpp: true
    fee_ppk: 100
  - url: https://mint.two
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	reg, err := LoadMintRegistry(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	infos, _ := reg.MintInfos(context.Background())
	one, ok := infos["https://mint.one"]
	if !ok || !one.SupportsMPP || one.FeePPK != 100 {
		t.Fatalf("unexpected registry %+v", infos)
	}
	if urls := reg.URLs(); len(urls) != 2 || urls[0] != "https://mint.one" {
		t.Fatalf("unexpected urls %v", urls)
	}

	mint := wallettest.NewMint()
	mint.AddMint("https://mint.two", "ks2", 50, true)
	mint.SetUnreachable("https://mint.one", true)
	if err := reg.Refresh(context.Background(), mint); !ecash.IsTransient(err) {
		t.Fatalf("expected transient error from unreachable mint, got %v", err)
	}
	infos, _ = reg.MintInfos(context.Background())
	if !infos["https://mint.two"].SupportsMPP || infos["https://mint.one"].FeePPK != 100 {
		t.Fatalf("refresh should update reachable mints only: %+v", infos)
	}
	if err := reg.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}
	reloaded, err := LoadMintRegistry(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	again, _ := reloaded.MintInfos(context.Background())
	if len(again) != 2 || !again["https://mint.two"].SupportsMPP {
		t.Fatalf("registry did not round trip: %+v", again)
	}
}

func TestMintRegistryRejectsDuplicates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mints.yaml")
	contents := "mints:\n  - url: https://mint.one\n  - url: https://MINT.one/\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadMintRegistry(path); err == nil {
		t.Fatalf("expected duplicate error")
	}
}
