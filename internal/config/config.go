// Package config defines the top-level configuration for the stakematch
// engine and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by STAKEMATCH_* environment variables.
type Config struct {
	Redis       RedisConfig       `toml:"redis"`
	Postgres    PostgresConfig    `toml:"postgres"`
	S3          S3Config          `toml:"s3"`
	Ledger      LedgerConfig      `toml:"ledger"`
	Escrow      EscrowConfig      `toml:"escrow"`
	Matchmaking MatchmakingConfig `toml:"matchmaking"`
	Archive     ArchiveConfig     `toml:"archive"`
	Server      ServerConfig      `toml:"server"`
	Notify      NotifyConfig      `toml:"notify"`
	Mode        string            `toml:"mode"`
	LogLevel    string            `toml:"log_level"`
}

// RedisConfig holds Redis connection parameters. Redis is the ordered store
// and is always required.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	KeyPrefix  string `toml:"key_prefix"`
}

// PostgresConfig holds the audit and settlement history database. When
// disabled the audit trail goes to a Redis stream and no history is kept.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// S3Config holds S3-compatible object storage parameters for the archive.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// LedgerConfig selects the ledger backend. "memory" keeps balances in
// process and is only meant for development.
type LedgerConfig struct {
	Backend          string `toml:"backend"` // "memory" or "evm"
	RPCURL           string `toml:"rpc_url"`
	ChainID          int64  `toml:"chain_id"`
	GasLimit         uint64 `toml:"gas_limit"`
	MinConfirmations uint64 `toml:"min_confirmations"`
	// RPCRateLimit caps node calls per second across every instance; 0
	// disables throttling.
	RPCRateLimit int `toml:"rpc_rate_limit"`
	// DevFunds seeds the memory ledger's escrow balance, in whole coins.
	DevFunds string `toml:"dev_funds"`
}

// EscrowConfig holds the escrow key, fee schedule and settlement retry budget.
type EscrowConfig struct {
	Address          string `toml:"address"`
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`

	TreasuryAddress string `toml:"treasury_address"`
	ReferralAddress string `toml:"referral_address"`
	// Rates are decimal strings so no float rounding reaches the money path.
	FeeRate      string `toml:"fee_rate"`
	ReferralRate string `toml:"referral_rate"`

	RequireDeposit bool `toml:"require_deposit"`

	PollInterval      duration `toml:"poll_interval"`
	Backoff           duration `toml:"backoff"`
	MaxVerifyAttempts int      `toml:"max_verify_attempts"`
	SubmitRetries     int      `toml:"submit_retries"`
	RefTTL            duration `toml:"ref_ttl"`
	LeaseTTL          duration `toml:"lease_ttl"`

	// ResultSecret signs match results reported by the game server.
	ResultSecret  string   `toml:"result_secret"`
	ResultMaxSkew duration `toml:"result_max_skew"`
}

// Fees parses the fee schedule. Validate has already checked it.
func (e EscrowConfig) Fees() (decimal.Decimal, decimal.Decimal, error) {
	fee, err := decimal.NewFromString(e.FeeRate)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("escrow: fee_rate %q: %w", e.FeeRate, err)
	}
	ref, err := decimal.NewFromString(e.ReferralRate)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("escrow: referral_rate %q: %w", e.ReferralRate, err)
	}
	return fee, ref, nil
}

// settleLegs is the most transfers one settlement makes: payout, treasury
// and referral.
const settleLegs = 3

// SettleBudget is the longest one settle call can spend waiting between
// ledger calls: every leg using up its submit retries, then every
// verification poll. The settle lease is not renewed, so lease_ttl has to
// outlast it.
func (e EscrowConfig) SettleBudget() time.Duration {
	var submit, verify time.Duration
	for try := 1; try <= e.SubmitRetries; try++ {
		submit += e.PollInterval.Duration + time.Duration(try-1)*e.Backoff.Duration
	}
	for attempt := 1; attempt < e.MaxVerifyAttempts; attempt++ {
		verify += e.PollInterval.Duration + time.Duration(attempt-1)*e.Backoff.Duration
	}
	return settleLegs*submit + verify
}

// MatchmakingConfig tunes pairing and the expiry sweeper.
type MatchmakingConfig struct {
	RequestTimeout   duration `toml:"request_timeout"`
	OrphanGrace      duration `toml:"orphan_grace"`
	SweepInterval    duration `toml:"sweep_interval"`
	SweepLeaseTTL    duration `toml:"sweep_lease_ttl"`
	SweepConcurrency int      `toml:"sweep_concurrency"`
	ScanLimit        int      `toml:"scan_limit"`
	// Per-player limit on request creation.
	RateLimit  int      `toml:"rate_limit"`
	RateWindow duration `toml:"rate_window"`
}

// ArchiveConfig schedules the settlement history export to S3.
type ArchiveConfig struct {
	Enabled       bool   `toml:"enabled"`
	RetentionDays int    `toml:"retention_days"`
	Cron          string `toml:"cron"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
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

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	// APIKey guards operator routes. Empty disables them.
	APIKey     string   `toml:"api_key"`
	RateLimit  int      `toml:"rate_limit"`
	RateWindow duration `toml:"rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	Cooldown          duration `toml:"cooldown"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			KeyPrefix:  "stakematch:",
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "stakematch",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "stakematch-archive",
			ForcePathStyle: true,
		},
		Ledger: LedgerConfig{
			Backend:          "memory",
			ChainID:          1,
			GasLimit:         21_000,
			MinConfirmations: 1,
			RPCRateLimit:     20,
		},
		Escrow: EscrowConfig{
			FeeRate:           "0.065",
			ReferralRate:      "0.154",
			PollInterval:      duration{2 * time.Second},
			Backoff:           duration{time.Second},
			MaxVerifyAttempts: 5,
			SubmitRetries:     2,
			RefTTL:            duration{10 * time.Minute},
			LeaseTTL:          duration{5 * time.Minute},
			ResultMaxSkew:     duration{5 * time.Minute},
		},
		Matchmaking: MatchmakingConfig{
			RequestTimeout:   duration{5 * time.Minute},
			OrphanGrace:      duration{30 * time.Second},
			SweepInterval:    duration{15 * time.Second},
			SweepLeaseTTL:    duration{time.Minute},
			SweepConcurrency: 4,
			ScanLimit:        64,
			RateLimit:        10,
			RateWindow:       duration{time.Minute},
		},
		Archive: ArchiveConfig{
			RetentionDays: 90,
			Cron:          "0 3 * * *",
		},
		Server: ServerConfig{
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   120,
			RateWindow:  duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events:   []string{"settlement_failed", "settlement_timed_out"},
			Cooldown: duration{time.Minute},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"server":  true,
	"sweeper": true,
	"full":    true,
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

	// Mode
	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, sweeper, full)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// Postgres
	if c.Postgres.Enabled {
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
	}

	// Ledger
	switch c.Ledger.Backend {
	case "memory":
	case "evm":
		if c.Ledger.RPCURL == "" {
			errs = append(errs, "ledger: rpc_url is required for the evm backend")
		}
		if c.Ledger.ChainID <= 0 {
			errs = append(errs, "ledger: chain_id must be positive")
		}
		if c.Ledger.RPCRateLimit < 0 {
			errs = append(errs, "ledger: rpc_rate_limit must be >= 0")
		}
		if c.Escrow.PrivateKey == "" && c.Escrow.EncryptedKeyPath == "" {
			errs = append(errs, "escrow: either private_key or encrypted_key_path must be set for the evm ledger")
		}
	default:
		errs = append(errs, fmt.Sprintf("ledger: unknown backend %q (valid: memory, evm)", c.Ledger.Backend))
	}
	if c.Escrow.EncryptedKeyPath != "" && c.Escrow.KeyPassword == "" {
		errs = append(errs, "escrow: key_password is required when encrypted_key_path is set")
	}

	// Escrow
	if c.Ledger.Backend == "memory" && c.Escrow.Address == "" {
		errs = append(errs, "escrow: address is required for the memory ledger")
	}
	if c.Escrow.TreasuryAddress == "" {
		errs = append(errs, "escrow: treasury_address must not be empty")
	}
	if fee, ref, err := c.Escrow.Fees(); err != nil {
		errs = append(errs, err.Error())
	} else {
		one := decimal.NewFromInt(1)
		if fee.IsNegative() || fee.GreaterThanOrEqual(one) {
			errs = append(errs, "escrow: fee_rate must be in [0, 1)")
		}
		if ref.IsNegative() || ref.GreaterThanOrEqual(one) {
			errs = append(errs, "escrow: referral_rate must be in [0, 1)")
		}
		if ref.IsPositive() && c.Escrow.ReferralAddress == "" {
			errs = append(errs, "escrow: referral_address is required when referral_rate > 0")
		}
	}
	if c.Escrow.MaxVerifyAttempts < 1 {
		errs = append(errs, "escrow: max_verify_attempts must be >= 1")
	}
	if c.Escrow.SubmitRetries < 0 {
		errs = append(errs, "escrow: submit_retries must be >= 0")
	}
	if c.Escrow.PollInterval.Duration <= 0 {
		errs = append(errs, "escrow: poll_interval must be > 0")
	}
	if budget := c.Escrow.SettleBudget(); c.Escrow.LeaseTTL.Duration <= budget {
		errs = append(errs, fmt.Sprintf("escrow: lease_ttl %s must exceed the %s a settlement can spend in submit retries and verification polls",
			c.Escrow.LeaseTTL.Duration, budget))
	}

	// Matchmaking
	if c.Matchmaking.RequestTimeout.Duration <= 0 {
		errs = append(errs, "matchmaking: request_timeout must be > 0")
	}
	if c.Matchmaking.SweepInterval.Duration <= 0 {
		errs = append(errs, "matchmaking: sweep_interval must be > 0")
	}
	if c.Matchmaking.RateLimit > 0 && c.Matchmaking.RateWindow.Duration <= 0 {
		errs = append(errs, "matchmaking: rate_window must be > 0 when rate_limit is set")
	}

	// Archive
	if c.Archive.Enabled {
		if !c.Postgres.Enabled {
			errs = append(errs, "archive: requires postgres.enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when the archive is enabled")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
	}

	// Server
	if c.Mode != "sweeper" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
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
