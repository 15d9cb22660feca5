package session

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the structure of the client config file
type TOMLConfig struct {
	Transport TransportSection `toml:"transport"`
	Delivery  DeliverySection  `toml:"delivery"`
	Presence  PresenceSection  `toml:"presence"`
	Window    WindowSection    `toml:"window"`
}

type TransportSection struct {
	Address             string  `toml:"address"`
	ReconnectDelayMs    int     `toml:"reconnect_delay_ms"`
	MaxReconnectDelayMs int     `toml:"max_reconnect_delay_ms"`
	JitterFraction      float64 `toml:"jitter_fraction"`
	DialTimeoutMs       int     `toml:"dial_timeout_ms"`
	KeepaliveMs         int     `toml:"keepalive_ms"`
}

type DeliverySection struct {
	AckTimeoutMs   int `toml:"ack_timeout_ms"`
	MaxAutoRetries int `toml:"max_auto_retries"`
}

type PresenceSection struct {
	TypingTTLMs     int `toml:"typing_ttl_ms"`
	SweepIntervalMs int `toml:"sweep_interval_ms"`
}

type WindowSection struct {
	DesktopCapacity int `toml:"desktop_capacity"`
}

// DefaultTOMLConfig returns the default client configuration
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Transport: TransportSection{
			Address:             "tcp://localhost:7465",
			ReconnectDelayMs:    1000,
			MaxReconnectDelayMs: 30000,
			JitterFraction:      0.2,
			DialTimeoutMs:       2000,
			KeepaliveMs:         30000,
		},
		Delivery: DeliverySection{
			AckTimeoutMs:   5000,
			MaxAutoRetries: 2,
		},
		Presence: PresenceSection{
			TypingTTLMs:     4000,
			SweepIntervalMs: 1000,
		},
		Window: WindowSection{
			DesktopCapacity: 3,
		},
	}
}

// LoadConfig reads a TOML config file, layering it over the defaults.
// A missing file returns the defaults without error.
func LoadConfig(path string) (TOMLConfig, error) {
	cfg := DefaultTOMLConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations that would wedge delivery or retry loops.
func (c *TOMLConfig) Validate() error {
	if c.Transport.ReconnectDelayMs <= 0 {
		return fmt.Errorf("transport.reconnect_delay_ms must be positive")
	}
	if c.Transport.MaxReconnectDelayMs < c.Transport.ReconnectDelayMs {
		return fmt.Errorf("transport.max_reconnect_delay_ms must be >= reconnect_delay_ms")
	}
	if c.Transport.JitterFraction < 0 || c.Transport.JitterFraction > 1 {
		return fmt.Errorf("transport.jitter_fraction must be in [0, 1]")
	}
	if c.Transport.KeepaliveMs <= 0 {
		return fmt.Errorf("transport.keepalive_ms must be positive")
	}
	if c.Delivery.AckTimeoutMs <= 0 {
		return fmt.Errorf("delivery.ack_timeout_ms must be positive")
	}
	if c.Delivery.MaxAutoRetries < 0 {
		return fmt.Errorf("delivery.max_auto_retries must not be negative")
	}
	if c.Presence.TypingTTLMs <= 0 {
		return fmt.Errorf("presence.typing_ttl_ms must be positive")
	}
	if c.Presence.SweepIntervalMs <= 0 {
		return fmt.Errorf("presence.sweep_interval_ms must be positive")
	}
	if c.Window.DesktopCapacity < 1 {
		return fmt.Errorf("window.desktop_capacity must be at least 1")
	}
	return nil
}

// AckTimeout returns the delivery ack window as a duration.
func (c *TOMLConfig) AckTimeout() time.Duration {
	return time.Duration(c.Delivery.AckTimeoutMs) * time.Millisecond
}

// TypingTTL returns the typing signal lifetime as a duration.
func (c *TOMLConfig) TypingTTL() time.Duration {
	return time.Duration(c.Presence.TypingTTLMs) * time.Millisecond
}

// SweepInterval returns the presence sweep cadence as a duration.
func (c *TOMLConfig) SweepInterval() time.Duration {
	return time.Duration(c.Presence.SweepIntervalMs) * time.Millisecond
}

// ReconnectDelay returns the initial reconnect backoff as a duration.
func (c *TOMLConfig) ReconnectDelay() time.Duration {
	return time.Duration(c.Transport.ReconnectDelayMs) * time.Millisecond
}

// MaxReconnectDelay returns the reconnect backoff cap as a duration.
func (c *TOMLConfig) MaxReconnectDelay() time.Duration {
	return time.Duration(c.Transport.MaxReconnectDelayMs) * time.Millisecond
}

// DialTimeout returns the dial timeout as a duration.
func (c *TOMLConfig) DialTimeout() time.Duration {
	return time.Duration(c.Transport.DialTimeoutMs) * time.Millisecond
}

// Keepalive returns the ping interval as a duration.
func (c *TOMLConfig) Keepalive() time.Duration {
	return time.Duration(c.Transport.KeepaliveMs) * time.Millisecond
}
