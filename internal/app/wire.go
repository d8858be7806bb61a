package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	s3blob "github.com/alanyoungcy/stakematch/internal/blob/s3"
	"github.com/alanyoungcy/stakematch/internal/cache/redis"
	"github.com/alanyoungcy/stakematch/internal/config"
	"github.com/alanyoungcy/stakematch/internal/crypto"
	"github.com/alanyoungcy/stakematch/internal/domain"
	"github.com/alanyoungcy/stakematch/internal/ledger/evm"
	"github.com/alanyoungcy/stakematch/internal/ledger/memory"
	"github.com/alanyoungcy/stakematch/internal/metrics"
	"github.com/alanyoungcy/stakematch/internal/notify"
	"github.com/alanyoungcy/stakematch/internal/server/handler"
	"github.com/alanyoungcy/stakematch/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency that the application modes
// need to operate. It is constructed by Wire and torn down by the returned
// cleanup function.
type Dependencies struct {
	// Redis-backed ordered store and coordination primitives.
	Store       domain.OrderedStore
	LockManager domain.LockManager
	RateLimiter domain.RateLimiter
	SignalBus   domain.SignalBus

	// Audit trail: Postgres when enabled, otherwise the Redis audit stream.
	AuditStore domain.AuditStore
	// History is nil without Postgres.
	History domain.SettlementStore
	// Archiver is nil unless the archive is enabled.
	Archiver domain.Archiver

	Ledger        domain.Ledger
	LedgerName    string
	EscrowAddress string

	Notifier *notify.Notifier
	Metrics  *metrics.Metrics

	// Checks feed GET /api/health.
	Checks map[string]handler.Check
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{
		Metrics: metrics.New(),
		Checks:  make(map[string]handler.Check),
	}

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
		KeyPrefix:  cfg.Redis.KeyPrefix,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.Store = redis.NewOrderedStore(redisClient)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.RateLimiter = redis.NewRateLimiter(redisClient, 0, 0)
	deps.SignalBus = redis.NewSignalBus(redisClient)
	deps.AuditStore = redis.NewAuditLog(redisClient)
	deps.Checks["redis"] = redisClient.Ping

	// --- PostgreSQL (audit trail and settlement history) ---
	if cfg.Postgres.Enabled {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		// Run migrations if enabled.
		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		deps.AuditStore = postgres.NewAuditStore(pool)
		deps.History = postgres.NewSettlementStore(pool)
		deps.Checks["postgres"] = pgClient.Ping
	}

	// --- S3 archive ---
	if cfg.Archive.Enabled && deps.History != nil {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.Archiver = s3blob.NewArchiver(
			deps.History,
			s3blob.NewWriter(s3Client),
			s3blob.NewReader(s3Client),
			deps.AuditStore,
			logger,
		)
		deps.Checks["s3"] = s3Client.Health
	}

	// --- Ledger ---
	if err := wireLedger(ctx, cfg, deps, redisClient, &closers, logger); err != nil {
		cleanup()
		return nil, nil, err
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, cfg.Notify.Cooldown.Duration, logger)

	return deps, cleanup, nil
}

// wireLedger builds the configured ledger and resolves the escrow address.
func wireLedger(ctx context.Context, cfg *config.Config, deps *Dependencies, rc *redis.Client, closers *[]func(), logger *slog.Logger) error {
	deps.LedgerName = cfg.Ledger.Backend

	switch cfg.Ledger.Backend {
	case "memory":
		l := memory.New()
		if cfg.Ledger.DevFunds != "" {
			funds, err := domain.ParseAmount(cfg.Ledger.DevFunds)
			if err != nil {
				return fmt.Errorf("wire: ledger dev_funds: %w", err)
			}
			l.Fund(cfg.Escrow.Address, funds)
		}
		logger.WarnContext(ctx, "using in-memory ledger; balances are lost on restart")
		deps.Ledger = l
		deps.EscrowAddress = cfg.Escrow.Address
		return nil

	case "evm":
		key, err := crypto.LoadKey(crypto.KeyConfig{
			RawPrivateKey:    cfg.Escrow.PrivateKey,
			EncryptedKeyPath: cfg.Escrow.EncryptedKeyPath,
			KeyPassword:      cfg.Escrow.KeyPassword,
		})
		if err != nil {
			return fmt.Errorf("wire: escrow key: %w", err)
		}
		signer, err := crypto.NewSigner(key, cfg.Ledger.ChainID)
		if err != nil {
			return fmt.Errorf("wire: escrow signer: %w", err)
		}

		l, ec, err := evm.Dial(ctx, evm.Config{
			RPCURL:           cfg.Ledger.RPCURL,
			ChainID:          cfg.Ledger.ChainID,
			GasLimit:         cfg.Ledger.GasLimit,
			MinConfirmations: cfg.Ledger.MinConfirmations,
		}, signer, logger)
		if err != nil {
			return fmt.Errorf("wire: ledger: %w", err)
		}
		*closers = append(*closers, ec.Close)
		if cfg.Ledger.RPCRateLimit > 0 {
			l.WithRateLimiter(redis.NewRateLimiter(rc, cfg.Ledger.RPCRateLimit, time.Second))
		}

		addr := l.EscrowAddress()
		if cfg.Escrow.Address != "" && !crypto.SameAddress(cfg.Escrow.Address, addr) {
			return fmt.Errorf("wire: escrow.address %s does not match the escrow key address %s", cfg.Escrow.Address, addr)
		}
		deps.Ledger = l
		deps.EscrowAddress = addr
		deps.Checks["ledger"] = func(ctx context.Context) error {
			_, err := ec.BlockNumber(ctx)
			return err
		}
		return nil

	default:
		return fmt.Errorf("wire: unknown ledger backend %q", cfg.Ledger.Backend)
	}
}
