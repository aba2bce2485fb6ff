package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/leveragebot/internal/blob/s3"
	"github.com/alanyoungcy/leveragebot/internal/cache/redis"
	"github.com/alanyoungcy/leveragebot/internal/config"
	"github.com/alanyoungcy/leveragebot/internal/domain"
	"github.com/alanyoungcy/leveragebot/internal/kafka"
	"github.com/alanyoungcy/leveragebot/internal/notify"
	"github.com/alanyoungcy/leveragebot/internal/platform/clusters"
	"github.com/alanyoungcy/leveragebot/internal/store/postgres"
)

// Dependencies bundles the adapters the modes are built from. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Stores
	Postgres   *postgres.Client
	Positions  domain.PositionStore
	Vaults     domain.VaultStore
	Executions domain.ExecutionStore
	Audit      domain.AuditStore

	// Caches
	Redis       *redis.Client
	PriceCache  domain.PriceCache
	Prices      domain.PriceFeed
	Locks       domain.LockManager
	RateLimiter domain.RateLimiter
	Bus         domain.SignalBus

	// Blob storage; nil unless the journal is enabled.
	Blob    *s3blob.Client
	Journal *s3blob.JournalArchiver

	// Clusters is nil when no provider is configured.
	Clusters domain.ClusterProvider

	// Notifications
	Notifier *notify.Notifier
	Kafka    *kafka.Producer
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

	deps := &Dependencies{}

	// --- PostgreSQL ---
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
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.Postgres = pgClient
	deps.Positions = postgres.NewPositionStore(pool)
	deps.Vaults = postgres.NewVaultStore(pool)
	deps.Executions = postgres.NewExecutionStore(pool)
	deps.Audit = postgres.NewAuditStore(pool)

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

	priceCache := redis.NewPriceCache(redisClient)
	deps.Redis = redisClient
	deps.PriceCache = priceCache
	deps.Prices = redis.NewPriceFeed(priceCache, cfg.Feed.MaxPriceAge.Duration)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.Bus = redis.NewSignalBus(redisClient, cfg.Redis.StreamMaxLen)
	if cfg.Engine.UseDistributedLock {
		deps.Locks = redis.NewLockManager(redisClient)
	}

	// --- S3 journal archive ---
	if cfg.Journal.Enabled {
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
		deps.Blob = s3Client
		deps.Journal = s3blob.NewJournalArchiver(
			s3blob.NewWriter(s3Client),
			s3blob.NewReader(s3Client),
			deps.Audit,
			cfg.Journal.Prefix,
		)
	}

	// --- Liquidation clusters ---
	if cfg.Clusters.BaseURL != "" {
		deps.Clusters = clusters.NewClient(cfg.Clusters.BaseURL, cfg.Clusters.APIKey, cfg.Clusters.Timeout.Duration)
	} else {
		logger.WarnContext(ctx, "wire: no cluster provider configured, using synthetic clusters")
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
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	if len(cfg.Kafka.Brokers) > 0 {
		producer := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		closers = append(closers, func() { _ = producer.Close() })
		deps.Kafka = producer
	}

	return deps, cleanup, nil
}

// AlertSinks returns every configured alert destination: the notifier, the
// signal bus for websocket clients, and Kafka when brokers are set.
func (d *Dependencies) AlertSinks() notify.FanOut {
	sinks := notify.FanOut{d.Notifier}
	if d.Bus != nil {
		sinks = append(sinks, notify.NewBusSink(d.Bus, notify.AlertsChannel))
	}
	if d.Kafka != nil {
		sinks = append(sinks, d.Kafka)
	}
	return sinks
}
