// Package config defines the top-level configuration for the settlement
// service and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure. Fields are populated from a
// TOML (or YAML) file and then optionally overridden by STAKECOURT_*
// environment variables.
type Config struct {
	Engine     EngineConfig     `toml:"engine" yaml:"engine"`
	Arbitrator ArbitratorConfig `toml:"arbitrator" yaml:"arbitrator"`
	Wallet     WalletConfig     `toml:"wallet" yaml:"wallet"`
	Storage    StorageConfig    `toml:"storage" yaml:"storage"`
	Postgres   PostgresConfig   `toml:"postgres" yaml:"postgres"`
	Redis      RedisConfig      `toml:"redis" yaml:"redis"`
	S3         S3Config         `toml:"s3" yaml:"s3"`
	Keeper     KeeperConfig     `toml:"keeper" yaml:"keeper"`
	Archive    ArchiveConfig    `toml:"archive" yaml:"archive"`
	Server     ServerConfig     `toml:"server" yaml:"server"`
	Notify     NotifyConfig     `toml:"notify" yaml:"notify"`
	Mode       string           `toml:"mode" yaml:"mode"`
	LogLevel   string           `toml:"log_level" yaml:"log_level"`
}

// EngineConfig controls the settlement engine.
type EngineConfig struct {
	// RestoreOnStart reloads persisted bets and credits before serving.
	RestoreOnStart bool `toml:"restore_on_start" yaml:"restore_on_start"`
}

// ArbitratorConfig describes the in-process appealable arbitrator. The
// owner is taken from Owner or, when empty, derived from the operator key.
type ArbitratorConfig struct {
	Enabled          bool     `toml:"enabled" yaml:"enabled"`
	Address          string   `toml:"address" yaml:"address"`
	Owner            string   `toml:"owner" yaml:"owner"`
	PrivateKey       string   `toml:"private_key" yaml:"private_key"`
	EncryptedKeyPath string   `toml:"encrypted_key_path" yaml:"encrypted_key_path"`
	KeyPassword      string   `toml:"key_password" yaml:"key_password"`
	ArbitrationCost  string   `toml:"arbitration_cost" yaml:"arbitration_cost"`
	AppealCost       string   `toml:"appeal_cost" yaml:"appeal_cost"`
	AppealTimeout    duration `toml:"appeal_timeout" yaml:"appeal_timeout"`
}

// WalletConfig seeds the in-memory account ledger.
type WalletConfig struct {
	// Genesis maps hex addresses to opening balances in base units.
	Genesis map[string]string `toml:"genesis" yaml:"genesis"`
	// Rejecting lists addresses that refuse incoming transfers.
	Rejecting []string `toml:"rejecting" yaml:"rejecting"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Driver string `toml:"driver" yaml:"driver"` // "sqlite" or "postgres"
	Path   string `toml:"path" yaml:"path"`     // sqlite database file
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn" yaml:"dsn"`
	Host          string `toml:"host" yaml:"host"`
	Port          int    `toml:"port" yaml:"port"`
	Database      string `toml:"database" yaml:"database"`
	User          string `toml:"user" yaml:"user"`
	Password      string `toml:"password" yaml:"password"`
	SSLMode       string `toml:"ssl_mode" yaml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns" yaml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns" yaml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations" yaml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled" yaml:"enabled"`
	Addr       string `toml:"addr" yaml:"addr"`
	Password   string `toml:"password" yaml:"password"`
	DB         int    `toml:"db" yaml:"db"`
	PoolSize   int    `toml:"pool_size" yaml:"pool_size"`
	MaxRetries int    `toml:"max_retries" yaml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled" yaml:"tls_enabled"`
	KeyPrefix  string `toml:"key_prefix" yaml:"key_prefix"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled" yaml:"enabled"`
	Endpoint       string `toml:"endpoint" yaml:"endpoint"`
	Region         string `toml:"region" yaml:"region"`
	Bucket         string `toml:"bucket" yaml:"bucket"`
	AccessKey      string `toml:"access_key" yaml:"access_key"`
	SecretKey      string `toml:"secret_key" yaml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl" yaml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style" yaml:"force_path_style"`
}

// KeeperConfig schedules the background sweep.
type KeeperConfig struct {
	Schedule     string   `toml:"schedule" yaml:"schedule"` // six-field cron, seconds first
	Address      string   `toml:"address" yaml:"address"`   // caller recorded on keeper actions
	LockTTL      duration `toml:"lock_ttl" yaml:"lock_ttl"`
	RetryCredits bool     `toml:"retry_credits" yaml:"retry_credits"`
}

// ArchiveConfig schedules the export of resolved bets to object storage.
type ArchiveConfig struct {
	Enabled       bool   `toml:"enabled" yaml:"enabled"`
	RetentionDays int    `toml:"retention_days" yaml:"retention_days"`
	Cron          string `toml:"cron" yaml:"cron"`
}

// duration is a wrapper around time.Duration that supports TOML and YAML
// string decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled      bool     `toml:"enabled" yaml:"enabled"`
	Port         int      `toml:"port" yaml:"port"`
	CORSOrigins  []string `toml:"cors_origins" yaml:"cors_origins"`
	AdminAPIKey  string   `toml:"admin_api_key" yaml:"admin_api_key"`
	MaxClockSkew duration `toml:"max_clock_skew" yaml:"max_clock_skew"`
	RateLimit    int      `toml:"rate_limit" yaml:"rate_limit"`
	RateWindow   duration `toml:"rate_window" yaml:"rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token" yaml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id" yaml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url" yaml:"discord_webhook_url"`
	Events            []string `toml:"events" yaml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Engine: EngineConfig{
			RestoreOnStart: true,
		},
		Arbitrator: ArbitratorConfig{
			Enabled:         true,
			Address:         "0x00000000000000000000000000000000000a7b17",
			ArbitrationCost: "1000",
			AppealCost:      "2000",
			AppealTimeout:   duration{72 * time.Hour},
		},
		Storage: StorageConfig{
			Driver: "sqlite",
			Path:   "stakecourt.db",
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "stakecourt",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			KeyPrefix:  "stakecourt",
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "stakecourt",
			ForcePathStyle: true,
		},
		Keeper: KeeperConfig{
			Schedule:     "0 * * * * *",
			LockTTL:      duration{30 * time.Second},
			RetryCredits: true,
		},
		Archive: ArchiveConfig{
			RetentionDays: 90,
			Cron:          "0 0 3 * * *",
		},
		Server: ServerConfig{
			Enabled:      true,
			Port:         8000,
			CORSOrigins:  []string{"http://localhost:3000", "http://localhost:5173"},
			MaxClockSkew: duration{5 * time.Minute},
			RateLimit:    120,
			RateWindow:   duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"dispute_created", "has_to_pay_fee", "bet_resolved", "transfer_failed"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"server": true,
	"keeper": true,
	"full":   true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string
	mode := strings.ToLower(c.Mode)

	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, keeper, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Arbitrator
	if c.Arbitrator.Enabled {
		if !common.IsHexAddress(c.Arbitrator.Address) {
			errs = append(errs, fmt.Sprintf("arbitrator: address %q is not a hex address", c.Arbitrator.Address))
		}
		switch {
		case c.Arbitrator.Owner != "":
			if !common.IsHexAddress(c.Arbitrator.Owner) {
				errs = append(errs, fmt.Sprintf("arbitrator: owner %q is not a hex address", c.Arbitrator.Owner))
			}
		case c.Arbitrator.PrivateKey == "" && c.Arbitrator.EncryptedKeyPath == "":
			errs = append(errs, "arbitrator: one of owner, private_key or encrypted_key_path must be set")
		}
		if c.Arbitrator.EncryptedKeyPath != "" && c.Arbitrator.KeyPassword == "" {
			errs = append(errs, "arbitrator: key_password is required when encrypted_key_path is set")
		}
		if !isAmount(c.Arbitrator.ArbitrationCost) {
			errs = append(errs, fmt.Sprintf("arbitrator: arbitration_cost %q is not a base-10 amount", c.Arbitrator.ArbitrationCost))
		}
		if !isAmount(c.Arbitrator.AppealCost) {
			errs = append(errs, fmt.Sprintf("arbitrator: appeal_cost %q is not a base-10 amount", c.Arbitrator.AppealCost))
		}
		if c.Arbitrator.AppealTimeout.Duration < 0 {
			errs = append(errs, "arbitrator: appeal_timeout must be >= 0")
		}
	}

	// Wallet
	for addr, amount := range c.Wallet.Genesis {
		if !common.IsHexAddress(addr) {
			errs = append(errs, fmt.Sprintf("wallet: genesis address %q is not a hex address", addr))
		}
		if !isAmount(amount) {
			errs = append(errs, fmt.Sprintf("wallet: genesis amount %q for %s is not a base-10 amount", amount, addr))
		}
	}
	for _, addr := range c.Wallet.Rejecting {
		if !common.IsHexAddress(addr) {
			errs = append(errs, fmt.Sprintf("wallet: rejecting address %q is not a hex address", addr))
		}
	}

	// Storage
	switch c.Storage.Driver {
	case "sqlite":
		if c.Storage.Path == "" {
			errs = append(errs, "storage: path must not be empty for the sqlite driver")
		}
	case "postgres":
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must be between 0 and pool_max_conns")
		}
	default:
		errs = append(errs, fmt.Sprintf("storage: unknown driver %q (valid: sqlite, postgres)", c.Storage.Driver))
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty")
		}
	}

	// Keeper
	if mode == "keeper" || mode == "full" {
		if strings.TrimSpace(c.Keeper.Schedule) == "" {
			errs = append(errs, "keeper: schedule must not be empty for mode "+c.Mode)
		}
		if c.Keeper.Address != "" && !common.IsHexAddress(c.Keeper.Address) {
			errs = append(errs, fmt.Sprintf("keeper: address %q is not a hex address", c.Keeper.Address))
		}
		if c.Keeper.LockTTL.Duration <= 0 {
			errs = append(errs, "keeper: lock_ttl must be > 0")
		}
	}

	// Archive
	if c.Archive.Enabled {
		if !c.S3.Enabled {
			errs = append(errs, "archive: requires s3.enabled")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
		if strings.TrimSpace(c.Archive.Cron) == "" {
			errs = append(errs, "archive: cron must not be empty")
		}
	}

	// Server
	if c.Server.Enabled && mode != "keeper" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.MaxClockSkew.Duration <= 0 {
			errs = append(errs, "server: max_clock_skew must be > 0")
		}
		if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
			errs = append(errs, "server: rate_window must be > 0 when rate_limit is set")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func isAmount(s string) bool {
	_, err := uint256.FromDecimal(s)
	return err == nil
}
