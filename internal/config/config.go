// Package config loads the vault engine's configuration from a TOML file
// with environment-variable overrides. A .env file, when present, is folded
// into the environment first.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Addr            string   `toml:"addr"`
	LogLevel        string   `toml:"log_level"`
	ShutdownTimeout duration `toml:"shutdown_timeout"`
}

// SlogLevel maps the configured log level onto slog. Unknown values mean
// info.
func (c ServerConfig) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// DatabaseConfig holds the PostgreSQL settings. An empty URL selects the
// in-memory store.
type DatabaseConfig struct {
	URL string `toml:"url"`
}

// RedisConfig holds the Redis settings. An empty address disables both the
// auction cache and the Redis price feeds.
type RedisConfig struct {
	Addr     string   `toml:"addr"`
	Password string   `toml:"password"`
	DB       int      `toml:"db"`
	CacheTTL duration `toml:"cache_ttl"`
}

// VaultConfig names the vault's bank account.
type VaultConfig struct {
	Account string `toml:"account"`
}

// AuctionConfig holds the market settings.
type AuctionConfig struct {
	Account              string `toml:"account"`
	RefundSupersededBids bool   `toml:"refund_superseded_bids"`
}

// CollateralConfig describes one basket member: its unit chain, its raw
// quantity per basket unit, and its status-machine parameters.
type CollateralConfig struct {
	Units             string          `toml:"units"`
	QuantityPerBU     decimal.Decimal `toml:"quantity_per_bu"`
	Peg               decimal.Decimal `toml:"peg"`
	DefaultThreshold  decimal.Decimal `toml:"default_threshold"`
	DelayUntilDefault duration        `toml:"delay_until_default"`
	OracleTimeout     duration        `toml:"oracle_timeout"`

	// ReferencePair and TargetPair name the Redis price-hash pairs
	// feeding this collateral's adapters, e.g. "EURT-USD".
	ReferencePair string `toml:"reference_pair"`
	TargetPair    string `toml:"target_pair"`
}

// Config is the full engine configuration.
type Config struct {
	Server     ServerConfig       `toml:"server"`
	Database   DatabaseConfig     `toml:"database"`
	Redis      RedisConfig        `toml:"redis"`
	Vault      VaultConfig        `toml:"vault"`
	Auction    AuctionConfig      `toml:"auction"`
	Collateral []CollateralConfig `toml:"collateral"`
}

// Defaults returns the configuration used when no file is given.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: duration(10 * time.Second),
		},
		Redis: RedisConfig{
			CacheTTL: duration(30 * time.Second),
		},
		Vault: VaultConfig{
			Account: "vault",
		},
		Auction: AuctionConfig{
			Account: "auction-market",
		},
	}
}

// Load reads path (when non-empty) over the defaults, then applies
// environment overrides. Missing .env files are not an error.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Defaults()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv folds VAULTD_* environment variables over the loaded values.
func (c *Config) applyEnv() {
	if v := os.Getenv("VAULTD_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("VAULTD_LOG_LEVEL"); v != "" {
		c.Server.LogLevel = v
	}
	if v := os.Getenv("VAULTD_DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("VAULTD_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("VAULTD_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("VAULTD_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Redis.DB = n
		}
	}
	if v := os.Getenv("VAULTD_VAULT_ACCOUNT"); v != "" {
		c.Vault.Account = v
	}
	if v := os.Getenv("VAULTD_AUCTION_ACCOUNT"); v != "" {
		c.Auction.Account = v
	}
}

// Validate rejects configurations the engine cannot start with.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config: server addr is required")
	}
	if c.Vault.Account == "" {
		return fmt.Errorf("config: vault account is required")
	}
	if c.Auction.Account == "" {
		return fmt.Errorf("config: auction account is required")
	}
	if c.Vault.Account == c.Auction.Account {
		return fmt.Errorf("config: vault and auction accounts must differ")
	}
	seen := make(map[string]bool, len(c.Collateral))
	for i, col := range c.Collateral {
		if col.Units == "" {
			return fmt.Errorf("config: collateral[%d]: units is required", i)
		}
		if seen[col.Units] {
			return fmt.Errorf("config: duplicate collateral %s", col.Units)
		}
		seen[col.Units] = true
		if !col.QuantityPerBU.IsPositive() {
			return fmt.Errorf("config: collateral[%d]: quantity_per_bu must be positive", i)
		}
		if !col.DefaultThreshold.IsPositive() {
			return fmt.Errorf("config: collateral[%d]: default_threshold must be positive", i)
		}
		if col.DelayUntilDefault <= 0 {
			return fmt.Errorf("config: collateral[%d]: delay_until_default must be positive", i)
		}
		if col.OracleTimeout <= 0 {
			return fmt.Errorf("config: collateral[%d]: oracle_timeout must be positive", i)
		}
	}
	return nil
}

// duration parses TOML duration strings like "24h" or "300s".
type duration time.Duration

func (d *duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = duration(v)
	return nil
}

// Duration returns the value as a time.Duration.
func (d duration) Duration() time.Duration { return time.Duration(d) }
