package config

import (
	"fmt"
	"strings"
	"time"
)

var (
	// MinPublishTimeout keeps publish attempts long enough to reach a relay.
	MinPublishTimeout = 500 * time.Millisecond
	// MaxConfirmWindow bounds the subscribe-by-id confirmation after timeouts.
	MaxConfirmWindow = time.Minute
)

// Validate enforces the invariants the daemon relies on.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ListenAddress) == "" {
		return fmt.Errorf("config: ListenAddress required")
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("config: DataDir required")
	}
	if c.Wallet.GlobalCap < 0 {
		return fmt.Errorf("config: wallet.GlobalCap must not be negative")
	}
	if c.Wallet.AllowPromises {
		if c.Wallet.GlobalCap == 0 {
			return fmt.Errorf("config: wallet.GlobalCap must be positive when promises are allowed")
		}
		if c.Wallet.PromiseTTL.Duration <= 0 {
			return fmt.Errorf("config: wallet.PromiseTTL must be positive when promises are allowed")
		}
	}
	if len(c.Delivery.Relays) == 0 {
		return fmt.Errorf("config: delivery.Relays requires at least one relay")
	}
	for _, r := range c.Delivery.Relays {
		if !strings.HasPrefix(r, "ws://") && !strings.HasPrefix(r, "wss://") {
			return fmt.Errorf("config: relay %q must be a ws:// or wss:// url", r)
		}
	}
	if c.Delivery.PublishTimeout.Duration < MinPublishTimeout {
		return fmt.Errorf("config: delivery.PublishTimeout must be at least %s", MinPublishTimeout)
	}
	if c.Delivery.RetryBackoff.Duration <= 0 {
		return fmt.Errorf("config: delivery.RetryBackoff must be positive")
	}
	if c.Delivery.ConfirmWindow.Duration <= 0 || c.Delivery.ConfirmWindow.Duration > MaxConfirmWindow {
		return fmt.Errorf("config: delivery.ConfirmWindow must be within (0, %s]", MaxConfirmWindow)
	}
	if c.Restore.BatchSize == 0 || c.Restore.EmptyBatches <= 0 {
		return fmt.Errorf("config: restore.BatchSize and restore.EmptyBatches must be positive")
	}
	if c.Mint.Timeout.Duration <= 0 {
		return fmt.Errorf("config: mint.Timeout must be positive")
	}
	if c.Mint.RatePerSecond < 0 || c.API.RatePerSecond < 0 {
		return fmt.Errorf("config: rate limits must not be negative")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("config: telemetry.SampleRatio must be within [0, 1]")
	}
	return nil
}
