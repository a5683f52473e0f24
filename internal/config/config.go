// Package config
package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

/*
YAML config example:
listen_addr: ":8080"
pairs: ["BTC-USDT", "ETH-USDT"]
staleness_threshold_ms: 2000
min_venues: 1
max_quote_staleness_ms: 2000
cleanup_interval_ms: 10000
venues:
  - name: "binance"
    endpoints:
      - "wss://stream.binance.com:9443/ws"
      - "wss://stream.binance.com:443/ws"
      - "wss://data-stream.binance.vision/ws"
    with_trades: false
    symbols:
      BTC-USDT: "BTCUSDT"
      ETH-USDT: "ETHUSDT"
*/

// VenueConfig describes one venue: its alternate endpoint URLs and the
// canonical-pair -> venue-symbol map for its translator.
type VenueConfig struct {
	Name       string            `yaml:"name"`
	Endpoints  []string          `yaml:"endpoints"`
	Symbols    map[string]string `yaml:"symbols"`
	WithTrades bool              `yaml:"with_trades"`
}

type Config struct {
	ListenAddr           string        `yaml:"listen_addr"`
	Pairs                []string      `yaml:"pairs"`
	Venues               []VenueConfig `yaml:"venues"`
	StalenessThresholdMs int           `yaml:"staleness_threshold_ms"`
	MinVenues            int           `yaml:"min_venues"`
	MaxQuoteStalenessMs  int           `yaml:"max_quote_staleness_ms"`
	CleanupIntervalMs    int           `yaml:"cleanup_interval_ms"`
}

var defaultBinanceEndpoints = []string{
	"wss://stream.binance.com:9443/ws",
	"wss://stream.binance.com:443/ws",
	"wss://data-stream.binance.vision/ws",
}

// Load reads flags and, if -config points at a YAML file, merges it in
// (file values win for anything it sets).
func Load() (Config, error) {
	listenAddr := flag.String("listen", ":8080", "HTTP listen address")
	pairsFlag := flag.String("pairs", "BTC-USDT,ETH-USDT", "Comma-separated list of canonical pairs to track")
	stalenessMs := flag.Int("staleness-ms", 2000, "Cache staleness threshold in milliseconds")
	minVenues := flag.Int("min-venues", 1, "Minimum fresh venues required for a quote")
	maxQuoteStalenessMs := flag.Int("max-quote-staleness-ms", 2000, "Maximum composite quote staleness in milliseconds (0 disables)")
	cleanupMs := flag.Int("cleanup-interval-ms", 10000, "Cache cleanup interval in milliseconds")
	configFile := flag.String("config", "", "Path to YAML config file")
	flag.Parse()

	cfg := Config{
		ListenAddr:           *listenAddr,
		Pairs:                splitList(*pairsFlag),
		StalenessThresholdMs: *stalenessMs,
		MinVenues:            *minVenues,
		MaxQuoteStalenessMs:  *maxQuoteStalenessMs,
		CleanupIntervalMs:    *cleanupMs,
	}

	if *configFile != "" {
		data, err := os.ReadFile(*configFile)
		if err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config file: %w", err)
		}
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyDefaults fills in a single-venue Binance setup when no venues are
// configured, deriving venue symbols by collapsing the canonical pair
// (BTC-USDT -> BTCUSDT).
func (c *Config) applyDefaults() {
	if len(c.Venues) == 0 {
		symbols := make(map[string]string, len(c.Pairs))
		for _, pair := range c.Pairs {
			symbols[pair] = strings.ToUpper(strings.ReplaceAll(pair, "-", ""))
		}
		c.Venues = []VenueConfig{{
			Name:      "binance",
			Endpoints: defaultBinanceEndpoints,
			Symbols:   symbols,
		}}
	}
}

func (c *Config) Validate() error {
	if len(c.Pairs) == 0 {
		return fmt.Errorf("at least one pair is required")
	}
	if c.StalenessThresholdMs <= 0 {
		return fmt.Errorf("staleness_threshold_ms must be positive, got %d", c.StalenessThresholdMs)
	}
	if c.MinVenues < 1 {
		return fmt.Errorf("min_venues must be at least 1, got %d", c.MinVenues)
	}
	if c.MaxQuoteStalenessMs < 0 {
		return fmt.Errorf("max_quote_staleness_ms must not be negative, got %d", c.MaxQuoteStalenessMs)
	}
	for _, v := range c.Venues {
		if v.Name == "" {
			return fmt.Errorf("venue name is required")
		}
		if len(v.Endpoints) == 0 {
			return fmt.Errorf("venue %s: at least one endpoint is required", v.Name)
		}
	}
	return nil
}

func (c Config) StalenessThreshold() time.Duration {
	return time.Duration(c.StalenessThresholdMs) * time.Millisecond
}

func (c Config) MaxQuoteStaleness() time.Duration {
	return time.Duration(c.MaxQuoteStalenessMs) * time.Millisecond
}

func (c Config) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalMs) * time.Millisecond
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
