package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so "5s" style strings decode from TOML and YAML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config is the walletd daemon configuration.
type Config struct {
	ListenAddress string `toml:"ListenAddress"`
	DataDir       string `toml:"DataDir"`
	Environment   string `toml:"Environment"`
	// TokenStoreDSN selects the token store; postgres:// DSNs use Postgres,
	// anything else is a sqlite path. Empty means <DataDir>/wallet.db.
	TokenStoreDSN string `toml:"TokenStoreDSN"`
	MintRegistry  string `toml:"MintRegistry"`

	Wallet    WalletConfig    `toml:"wallet"`
	Delivery  DeliveryConfig  `toml:"delivery"`
	Restore   RestoreConfig   `toml:"restore"`
	Mint      MintConfig      `toml:"mint"`
	Signer    SignerConfig    `toml:"signer"`
	API       APIConfig       `toml:"api"`
	Log       LogConfig       `toml:"log"`
	Telemetry TelemetryConfig `toml:"telemetry"`
}

// WalletConfig bounds payment routing.
type WalletConfig struct {
	Unit          string   `toml:"Unit"`
	PreferredMint string   `toml:"PreferredMint"`
	AllowPromises bool     `toml:"AllowPromises"`
	PromiseTTL    Duration `toml:"PromiseTTL"`
	// GlobalCap is the most unsettled credit extended across all contacts.
	GlobalCap int64 `toml:"GlobalCap"`
}

// DeliveryConfig controls envelope publishing.
type DeliveryConfig struct {
	Relays         []string `toml:"Relays"`
	PublishTimeout Duration `toml:"PublishTimeout"`
	RetryBackoff   Duration `toml:"RetryBackoff"`
	ConfirmWindow  Duration `toml:"ConfirmWindow"`
	DialTimeout    Duration `toml:"DialTimeout"`
	// SeenRetention prunes processed envelope ids older than this on start.
	SeenRetention Duration `toml:"SeenRetention"`
}

// RestoreConfig tunes deterministic restore scans.
type RestoreConfig struct {
	Window            uint32 `toml:"Window"`
	BatchSize         uint32 `toml:"BatchSize"`
	EmptyBatches      int    `toml:"EmptyBatches"`
	MaxProofsPerToken int    `toml:"MaxProofsPerToken"`
}

// MintConfig configures the mint protocol client.
type MintConfig struct {
	Gateway       string   `toml:"Gateway"`
	Timeout       Duration `toml:"Timeout"`
	RatePerSecond float64  `toml:"RatePerSecond"`
	Burst         int      `toml:"Burst"`
}

// SignerConfig points at the key-holding sidecar.
type SignerConfig struct {
	URL      string   `toml:"URL"`
	TokenEnv string   `toml:"TokenEnv"`
	Timeout  Duration `toml:"Timeout"`
}

// APIConfig secures the HTTP API.
type APIConfig struct {
	// JWTSecretEnv names the env var holding the HMAC secret. Auth is
	// disabled when the variable is unset.
	JWTSecretEnv    string   `toml:"JWTSecretEnv"`
	JWTIssuer       string   `toml:"JWTIssuer"`
	RatePerSecond   float64  `toml:"RatePerSecond"`
	Burst           int      `toml:"Burst"`
	ShutdownTimeout Duration `toml:"ShutdownTimeout"`
}

// LogConfig enables the rotating log file.
type LogConfig struct {
	File       string `toml:"File"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays"`
	Compress   bool   `toml:"Compress"`
}

// TelemetryConfig wires the OTLP exporters.
type TelemetryConfig struct {
	Endpoint string `toml:"Endpoint"`
	Insecure bool   `toml:"Insecure"`
	Traces   bool   `toml:"Traces"`
	Metrics  bool   `toml:"Metrics"`
	// SampleRatio keeps this fraction of root spans; 0 keeps all.
	SampleRatio float64 `toml:"SampleRatio"`
}

// Default returns the configuration written for a fresh install.
func Default() *Config {
	return &Config{
		ListenAddress: "127.0.0.1:8787",
		DataDir:       "./cashrail-data",
		Environment:   "local",
		MintRegistry:  "mints.yaml",
		Wallet: WalletConfig{
			Unit:          "sat",
			AllowPromises: true,
			PromiseTTL:    Duration{7 * 24 * time.Hour},
			GlobalCap:     100_000,
		},
		Delivery: DeliveryConfig{
			Relays:         []string{"wss://relay.damus.io", "wss://nos.lol"},
			PublishTimeout: Duration{10 * time.Second},
			RetryBackoff:   Duration{1500 * time.Millisecond},
			ConfirmWindow:  Duration{5 * time.Second},
			DialTimeout:    Duration{5 * time.Second},
			SeenRetention:  Duration{30 * 24 * time.Hour},
		},
		Restore: RestoreConfig{
			Window:            300,
			BatchSize:         100,
			EmptyBatches:      3,
			MaxProofsPerToken: 100,
		},
		Mint: MintConfig{
			Timeout:       Duration{15 * time.Second},
			RatePerSecond: 5,
			Burst:         10,
		},
		Signer: SignerConfig{
			URL:      "http://127.0.0.1:8788",
			TokenEnv: "CASHRAIL_SIGNER_TOKEN",
			Timeout:  Duration{5 * time.Second},
		},
		API: APIConfig{
			JWTSecretEnv:    "CASHRAIL_API_SECRET",
			JWTIssuer:       "cashrail",
			RatePerSecond:   20,
			Burst:           40,
			ShutdownTimeout: Duration{10 * time.Second},
		},
	}
}

// Load reads the TOML file at path. A missing file is created with defaults.
// Unknown keys are rejected so typos do not silently fall back to defaults.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	cfg := Default()
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		sort.Strings(keys)
		return nil, fmt.Errorf("config: unknown keys in %s: %s", path, strings.Join(keys, ", "))
	}
	cfg.normalise(path)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// normalise resolves relative paths against the config file directory.
func (c *Config) normalise(path string) {
	base := filepath.Dir(path)
	c.DataDir = resolve(base, strings.TrimSpace(c.DataDir))
	c.MintRegistry = resolve(base, strings.TrimSpace(c.MintRegistry))
	if strings.TrimSpace(c.Log.File) != "" {
		c.Log.File = resolve(base, strings.TrimSpace(c.Log.File))
	}
	if strings.TrimSpace(c.Wallet.Unit) == "" {
		c.Wallet.Unit = "sat"
	}
	relays := make([]string, 0, len(c.Delivery.Relays))
	for _, r := range c.Delivery.Relays {
		if r = strings.TrimSpace(r); r != "" {
			relays = append(relays, r)
		}
	}
	c.Delivery.Relays = relays
}

// StoreDSN returns the token store DSN, defaulting to a sqlite file in DataDir.
func (c *Config) StoreDSN() string {
	if dsn := strings.TrimSpace(c.TokenStoreDSN); dsn != "" {
		return dsn
	}
	return filepath.Join(c.DataDir, "wallet.db")
}

// SeenPath is the LevelDB directory of processed envelope ids.
func (c *Config) SeenPath() string { return filepath.Join(c.DataDir, "seen") }

// OutboxPath is the BoltDB file of queued payments.
func (c *Config) OutboxPath() string { return filepath.Join(c.DataDir, "outbox.db") }

func resolve(base, p string) string {
	if p == "" || filepath.IsAbs(p) || base == "" || base == "." {
		return p
	}
	return filepath.Join(base, p)
}

func createDefault(path string) (*Config, error) {
	cfg := Default()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	cfg.normalise(path)
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
