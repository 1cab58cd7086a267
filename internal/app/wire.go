package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/stakecourt/internal/arbitration"
	s3blob "github.com/alanyoungcy/stakecourt/internal/blob/s3"
	"github.com/alanyoungcy/stakecourt/internal/cache/local"
	"github.com/alanyoungcy/stakecourt/internal/cache/redis"
	"github.com/alanyoungcy/stakecourt/internal/config"
	"github.com/alanyoungcy/stakecourt/internal/crypto"
	"github.com/alanyoungcy/stakecourt/internal/domain"
	"github.com/alanyoungcy/stakecourt/internal/notify"
	"github.com/alanyoungcy/stakecourt/internal/server/handler"
	"github.com/alanyoungcy/stakecourt/internal/server/middleware"
	"github.com/alanyoungcy/stakecourt/internal/service"
	"github.com/alanyoungcy/stakecourt/internal/store/postgres"
	"github.com/alanyoungcy/stakecourt/internal/store/sqlite"
	"github.com/alanyoungcy/stakecourt/internal/wallet"
)

// Dependencies bundles everything the application modes need. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Stores
	BetStore     domain.BetStore
	CreditStore  domain.CreditStore
	AuditStore   domain.AuditStore
	DisputeStore domain.DisputeStore

	// Caches
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager // nil without redis
	SignalBus   domain.SignalBus
	ReplayGuard domain.ReplayGuard

	// Blob storage
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader
	Archiver   domain.Archiver

	// Settlement
	Wallet     *wallet.Ledger
	Arbitrator *arbitration.Appealable // nil when disabled
	Bets       *service.BetService

	// Notifications
	Notifier *notify.Notifier

	// Health checks keyed by dependency name.
	Checks map[string]handler.Pinger
}

// Wire creates every dependency described by cfg. Closers run in reverse
// order of creation.
func Wire(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	logger := slog.Default().With(slog.String("component", "wire"))
	deps := &Dependencies{Checks: make(map[string]handler.Pinger)}

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	// --- Storage ---
	switch strings.ToLower(cfg.Storage.Driver) {
	case "postgres":
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
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: migrations: %w", err)
			}
			logger.InfoContext(ctx, "postgres migrations applied")
		}

		pool := pgClient.Pool()
		deps.BetStore = postgres.NewBetStore(pool)
		deps.CreditStore = postgres.NewCreditStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
		deps.DisputeStore = postgres.NewDisputeStore(pool)
		deps.Checks["postgres"] = handler.PingFunc(pgClient.Ping)
	default:
		store, err := sqlite.Open(cfg.Storage.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("wire: sqlite: %w", err)
		}
		closers = append(closers, func() { _ = store.Close() })
		deps.BetStore = store
		deps.CreditStore = store
		deps.AuditStore = store
		deps.DisputeStore = store
	}

	// --- Redis, or in-process stand-ins on a single node ---
	if cfg.Redis.Enabled {
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

		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)
		deps.ReplayGuard = redis.NewReplayGuard(redisClient)
		deps.Checks["redis"] = handler.PingFunc(redisClient.Ping)
	} else {
		deps.RateLimiter = middleware.NewLocalLimiter()
		deps.SignalBus = local.NewBus()
		deps.ReplayGuard = local.NewReplayGuard(nil)
	}

	// --- S3 blob storage ---
	if cfg.S3.Enabled {
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
		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.BlobReader = s3blob.NewReader(s3Client)
		deps.Archiver = s3blob.NewArchiver(deps.BlobWriter, deps.BlobReader, deps.BetStore, deps.AuditStore)
		deps.Checks["s3"] = handler.PingFunc(s3Client.Health)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender("", cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, slog.Default())

	// --- Wallet ---
	deps.Wallet = wallet.NewLedger(slog.Default())
	for addr, amount := range cfg.Wallet.Genesis {
		amt, err := uint256.FromDecimal(amount)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: genesis amount for %s: %w", addr, err)
		}
		deps.Wallet.Deposit(common.HexToAddress(addr), *amt)
	}
	for _, addr := range cfg.Wallet.Rejecting {
		deps.Wallet.SetRejecting(common.HexToAddress(addr), true)
	}

	// --- Arbitrator ---
	var arbitrators []domain.Arbitrator
	if cfg.Arbitrator.Enabled {
		arb, err := newArbitrator(cfg.Arbitrator, deps.DisputeStore)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: arbitrator: %w", err)
		}
		deps.Arbitrator = arb
		arbitrators = append(arbitrators, arb)
		logger.InfoContext(ctx, "arbitrator configured",
			slog.String("address", arb.Address().Hex()),
			slog.String("owner", arb.Owner().Hex()),
		)
	}

	// --- Settlement ---
	deps.Bets = service.NewBetService(deps.Wallet, arbitrators, service.Deps{
		Bets:     deps.BetStore,
		Credits:  deps.CreditStore,
		Audit:    deps.AuditStore,
		Bus:      deps.SignalBus,
		Notifier: deps.Notifier,
		Evidence: deps.BlobWriter,
	}, slog.Default())
	if deps.Arbitrator != nil {
		deps.Arbitrator.SetReceiver(deps.Bets)
	}

	if cfg.Engine.RestoreOnStart {
		if deps.Arbitrator != nil {
			if err := deps.Arbitrator.Restore(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: %w", err)
			}
		}
		if err := deps.Bets.Restore(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: %w", err)
		}
	}

	return deps, cleanup, nil
}

// newArbitrator builds the in-process arbitrator. Its owner is the
// configured address or, failing that, the address of the operator key.
func newArbitrator(cfg config.ArbitratorConfig, store domain.DisputeStore) (*arbitration.Appealable, error) {
	owner := common.HexToAddress(cfg.Owner)
	if cfg.Owner == "" {
		key, err := crypto.LoadKey(crypto.KeyConfig{
			RawPrivateKey:    cfg.PrivateKey,
			EncryptedKeyPath: cfg.EncryptedKeyPath,
			KeyPassword:      cfg.KeyPassword,
		})
		if err != nil {
			return nil, err
		}
		signer, err := crypto.NewSigner(key)
		if err != nil {
			return nil, err
		}
		owner = signer.Address()
	}

	cost, err := uint256.FromDecimal(cfg.ArbitrationCost)
	if err != nil {
		return nil, fmt.Errorf("arbitration cost: %w", err)
	}
	appealCost, err := uint256.FromDecimal(cfg.AppealCost)
	if err != nil {
		return nil, fmt.Errorf("appeal cost: %w", err)
	}

	return arbitration.New(arbitration.Config{
		Address:         common.HexToAddress(cfg.Address),
		Owner:           owner,
		ArbitrationCost: *cost,
		AppealCost:      *appealCost,
		AppealTimeout:   cfg.AppealTimeout.Duration,
	}, slog.Default(), arbitration.WithStore(store)), nil
}
