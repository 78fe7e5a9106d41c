// Package config loads and validates the listener configuration.
//
// Priority: CLI flags (applied by the caller between Load and Finalize) >
// environment variables > .env file > defaults. The struct is immutable
// once Finalize has returned; everything downstream reads the derived
// fields (Endpoints, ThresholdWei, Wallets) and never re-parses.
package config

import (
	"encoding/json"
	"fmt"
	"math/big"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/Aboudjem/web3-listener/internal/units"
)

// DefaultFallbackEndpoints are appended after the operator's endpoints so a
// single flaky provider never takes the listener down. Public, unauthenticated
// Base endpoints; replace via WEB3_FALLBACK_URLS when running against
// another chain.
var DefaultFallbackEndpoints = []string{
	"wss://base-rpc.publicnode.com",
	"wss://base.gateway.tenderly.co",
}

// WatchedWallet is one labeled address of interest, as configured.
// Labels need not be unique; addresses must be unique after normalization.
type WatchedWallet struct {
	Label   string `json:"label"`
	Address string `json:"address"`
}

// Config holds every knob. Fields tagged `env` come from the environment;
// the untagged fields are derived by Finalize.
type Config struct {
	// Connection
	WSURL        string   `env:"WEB3_WS_URL"`
	FallbackURLs []string `env:"WEB3_FALLBACK_URLS" envSeparator:","`

	// Detection
	ThresholdETH   string   `env:"WHALE_THRESHOLD_ETH" envDefault:"100"`
	WatchedWallets []string `env:"WATCHED_WALLETS" envSeparator:","`
	WalletsFile    string   `env:"WALLETS_FILE"`

	// Pool tuning
	BaseDelay           time.Duration `env:"BASE_DELAY" envDefault:"5s"`
	MaxCooldown         time.Duration `env:"MAX_COOLDOWN" envDefault:"5m"`
	HealthCheckInterval time.Duration `env:"HEALTH_CHECK_INTERVAL" envDefault:"60s"`
	RequestTimeout      time.Duration `env:"REQUEST_TIMEOUT" envDefault:"10s"`

	// Pipeline tuning
	DedupCapacity int     `env:"DEDUP_CAPACITY" envDefault:"131072"`
	BackfillRate  float64 `env:"BACKFILL_RATE" envDefault:"10"`

	// Outputs
	MonitorAddr string `env:"MONITOR_ADDR"`
	NATSURL     string `env:"NATS_URL"`
	NATSSubject string `env:"NATS_SUBJECT" envDefault:"web3.transfers"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"pretty"`

	// Derived by Finalize.
	Endpoints    []string                  `env:"-"`
	ThresholdWei *big.Int                  `env:"-"`
	Wallets      map[common.Address]string `env:"-"`
}

// Load reads the optional .env file and the environment. It does not
// validate; the caller may still override fields from CLI flags before
// calling Finalize.
func Load(logger zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		logger.Debug().Msg("no .env file found, using environment only")
	} else {
		logger.Info().Msg("loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}
	return cfg, nil
}

// Finalize validates everything and computes the derived fields. Any error
// here is fatal to startup.
func (c *Config) Finalize() error {
	if err := c.buildEndpoints(); err != nil {
		return err
	}

	wei, err := units.ParseEther(c.ThresholdETH)
	if err != nil {
		return fmt.Errorf("WHALE_THRESHOLD_ETH: %w", err)
	}
	if wei.Sign() <= 0 {
		return fmt.Errorf("WHALE_THRESHOLD_ETH must be positive, got %q", c.ThresholdETH)
	}
	c.ThresholdWei = wei

	if err := c.buildWallets(); err != nil {
		return err
	}

	if c.BaseDelay <= 0 || c.MaxCooldown <= 0 || c.HealthCheckInterval <= 0 || c.RequestTimeout <= 0 {
		return fmt.Errorf("all durations (BASE_DELAY, MAX_COOLDOWN, HEALTH_CHECK_INTERVAL, REQUEST_TIMEOUT) must be positive")
	}
	if c.DedupCapacity <= 0 {
		return fmt.Errorf("DEDUP_CAPACITY must be positive, got %d", c.DedupCapacity)
	}
	if c.BackfillRate <= 0 {
		return fmt.Errorf("BACKFILL_RATE must be positive, got %g", c.BackfillRate)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got %q)", c.LogLevel)
	}
	switch c.LogFormat {
	case "json", "pretty":
	default:
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got %q)", c.LogFormat)
	}
	return nil
}

// buildEndpoints assembles the ring: primary, operator fallbacks, built-in
// fallbacks, deduplicated in order.
func (c *Config) buildEndpoints() error {
	if c.WSURL == "" {
		return fmt.Errorf("WEB3_WS_URL is required")
	}

	seen := make(map[string]struct{})
	var ring []string
	for _, raw := range append(append([]string{c.WSURL}, c.FallbackURLs...), DefaultFallbackEndpoints...) {
		ep := strings.TrimSpace(raw)
		if ep == "" {
			continue
		}
		if err := validateEndpoint(ep); err != nil {
			return err
		}
		if _, dup := seen[ep]; dup {
			continue
		}
		seen[ep] = struct{}{}
		ring = append(ring, ep)
	}
	c.Endpoints = ring
	return nil
}

func validateEndpoint(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid endpoint URL %q: %w", raw, err)
	}
	// ws:// is tolerated for local test nodes; everything real is wss://.
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("endpoint %q: scheme must be ws or wss", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("endpoint %q: missing host", raw)
	}
	return nil
}

// buildWallets merges WATCHED_WALLETS entries ("label:0xaddress") with the
// optional JSON wallets file and normalizes every address.
func (c *Config) buildWallets() error {
	entries := make([]WatchedWallet, 0, len(c.WatchedWallets))
	for _, raw := range c.WatchedWallets {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		idx := strings.LastIndex(raw, ":")
		if idx <= 0 || idx == len(raw)-1 {
			return fmt.Errorf("WATCHED_WALLETS entry %q: want label:0xaddress", raw)
		}
		entries = append(entries, WatchedWallet{
			Label:   strings.TrimSpace(raw[:idx]),
			Address: strings.TrimSpace(raw[idx+1:]),
		})
	}

	if c.WalletsFile != "" {
		data, err := os.ReadFile(c.WalletsFile)
		if err != nil {
			return fmt.Errorf("reading WALLETS_FILE: %w", err)
		}
		var fileEntries []WatchedWallet
		if err := json.Unmarshal(data, &fileEntries); err != nil {
			return fmt.Errorf("parsing WALLETS_FILE %s: %w", c.WalletsFile, err)
		}
		entries = append(entries, fileEntries...)
	}

	if len(entries) == 0 {
		return fmt.Errorf("no watched wallets configured (WATCHED_WALLETS or WALLETS_FILE)")
	}

	wallets := make(map[common.Address]string, len(entries))
	for _, w := range entries {
		if !common.IsHexAddress(w.Address) {
			return fmt.Errorf("wallet %q: invalid address %q", w.Label, w.Address)
		}
		addr := common.HexToAddress(w.Address)
		if _, dup := wallets[addr]; dup {
			return fmt.Errorf("wallet address %s configured twice", strings.ToLower(addr.Hex()))
		}
		wallets[addr] = w.Label
	}
	c.Wallets = wallets
	return nil
}

// LogConfig emits the effective configuration at startup.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Strs("endpoints", c.Endpoints).
		Str("threshold_eth", c.ThresholdETH).
		Int("watched_wallets", len(c.Wallets)).
		Dur("base_delay", c.BaseDelay).
		Dur("max_cooldown", c.MaxCooldown).
		Dur("health_check_interval", c.HealthCheckInterval).
		Dur("request_timeout", c.RequestTimeout).
		Int("dedup_capacity", c.DedupCapacity).
		Float64("backfill_rate", c.BackfillRate).
		Str("monitor_addr", c.MonitorAddr).
		Str("nats_url", c.NATSURL).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("configuration loaded")
}
