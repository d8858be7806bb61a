package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies STAKEMATCH_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after
// Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known STAKEMATCH_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Redis ──
	setStr(&cfg.Redis.Addr, "STAKEMATCH_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "STAKEMATCH_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "STAKEMATCH_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "STAKEMATCH_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "STAKEMATCH_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "STAKEMATCH_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "STAKEMATCH_REDIS_KEY_PREFIX")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "STAKEMATCH_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "STAKEMATCH_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "STAKEMATCH_DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "STAKEMATCH_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "STAKEMATCH_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "STAKEMATCH_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "STAKEMATCH_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "STAKEMATCH_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "STAKEMATCH_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "STAKEMATCH_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "STAKEMATCH_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "STAKEMATCH_POSTGRES_RUN_MIGRATIONS")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "STAKEMATCH_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "STAKEMATCH_S3_REGION")
	setStr(&cfg.S3.Bucket, "STAKEMATCH_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "STAKEMATCH_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "STAKEMATCH_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "STAKEMATCH_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "STAKEMATCH_S3_FORCE_PATH_STYLE")

	// ── Ledger ──
	setStr(&cfg.Ledger.Backend, "STAKEMATCH_LEDGER_BACKEND")
	setStr(&cfg.Ledger.RPCURL, "STAKEMATCH_LEDGER_RPC_URL")
	setInt64(&cfg.Ledger.ChainID, "STAKEMATCH_LEDGER_CHAIN_ID")
	setUint64(&cfg.Ledger.GasLimit, "STAKEMATCH_LEDGER_GAS_LIMIT")
	setUint64(&cfg.Ledger.MinConfirmations, "STAKEMATCH_LEDGER_MIN_CONFIRMATIONS")
	setInt(&cfg.Ledger.RPCRateLimit, "STAKEMATCH_LEDGER_RPC_RATE_LIMIT")
	setStr(&cfg.Ledger.DevFunds, "STAKEMATCH_LEDGER_DEV_FUNDS")

	// ── Escrow ──
	setStr(&cfg.Escrow.Address, "STAKEMATCH_ESCROW_ADDRESS")
	setStr(&cfg.Escrow.PrivateKey, "STAKEMATCH_ESCROW_PRIVATE_KEY")
	setStr(&cfg.Escrow.EncryptedKeyPath, "STAKEMATCH_ESCROW_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Escrow.KeyPassword, "STAKEMATCH_ESCROW_KEY_PASSWORD")
	setStr(&cfg.Escrow.TreasuryAddress, "STAKEMATCH_ESCROW_TREASURY_ADDRESS")
	setStr(&cfg.Escrow.ReferralAddress, "STAKEMATCH_ESCROW_REFERRAL_ADDRESS")
	setStr(&cfg.Escrow.FeeRate, "STAKEMATCH_ESCROW_FEE_RATE")
	setStr(&cfg.Escrow.ReferralRate, "STAKEMATCH_ESCROW_REFERRAL_RATE")
	setBool(&cfg.Escrow.RequireDeposit, "STAKEMATCH_ESCROW_REQUIRE_DEPOSIT")
	setDuration(&cfg.Escrow.PollInterval, "STAKEMATCH_ESCROW_POLL_INTERVAL")
	setDuration(&cfg.Escrow.Backoff, "STAKEMATCH_ESCROW_BACKOFF")
	setInt(&cfg.Escrow.MaxVerifyAttempts, "STAKEMATCH_ESCROW_MAX_VERIFY_ATTEMPTS")
	setInt(&cfg.Escrow.SubmitRetries, "STAKEMATCH_ESCROW_SUBMIT_RETRIES")
	setDuration(&cfg.Escrow.RefTTL, "STAKEMATCH_ESCROW_REF_TTL")
	setDuration(&cfg.Escrow.LeaseTTL, "STAKEMATCH_ESCROW_LEASE_TTL")
	setStr(&cfg.Escrow.ResultSecret, "STAKEMATCH_ESCROW_RESULT_SECRET")
	setDuration(&cfg.Escrow.ResultMaxSkew, "STAKEMATCH_ESCROW_RESULT_MAX_SKEW")

	// ── Matchmaking ──
	setDuration(&cfg.Matchmaking.RequestTimeout, "STAKEMATCH_MATCHMAKING_REQUEST_TIMEOUT")
	setDuration(&cfg.Matchmaking.OrphanGrace, "STAKEMATCH_MATCHMAKING_ORPHAN_GRACE")
	setDuration(&cfg.Matchmaking.SweepInterval, "STAKEMATCH_MATCHMAKING_SWEEP_INTERVAL")
	setDuration(&cfg.Matchmaking.SweepLeaseTTL, "STAKEMATCH_MATCHMAKING_SWEEP_LEASE_TTL")
	setInt(&cfg.Matchmaking.SweepConcurrency, "STAKEMATCH_MATCHMAKING_SWEEP_CONCURRENCY")
	setInt(&cfg.Matchmaking.ScanLimit, "STAKEMATCH_MATCHMAKING_SCAN_LIMIT")
	setInt(&cfg.Matchmaking.RateLimit, "STAKEMATCH_MATCHMAKING_RATE_LIMIT")
	setDuration(&cfg.Matchmaking.RateWindow, "STAKEMATCH_MATCHMAKING_RATE_WINDOW")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "STAKEMATCH_ARCHIVE_ENABLED")
	setInt(&cfg.Archive.RetentionDays, "STAKEMATCH_ARCHIVE_RETENTION_DAYS")
	setStr(&cfg.Archive.Cron, "STAKEMATCH_ARCHIVE_CRON")

	// ── Server ──
	setInt(&cfg.Server.Port, "STAKEMATCH_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "STAKEMATCH_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "STAKEMATCH_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "STAKEMATCH_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "STAKEMATCH_SERVER_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "STAKEMATCH_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "STAKEMATCH_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "STAKEMATCH_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "STAKEMATCH_NOTIFY_EVENTS")
	setDuration(&cfg.Notify.Cooldown, "STAKEMATCH_NOTIFY_COOLDOWN")

	// ── Top-level ──
	setStr(&cfg.Mode, "STAKEMATCH_MODE")
	setStr(&cfg.LogLevel, "STAKEMATCH_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
