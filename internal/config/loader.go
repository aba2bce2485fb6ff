package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

const envPrefix = "LEVBOT_"

// Load reads the TOML file at path over the built-in defaults, loads .env if
// present and applies LEVBOT_* overrides. An empty path skips the file. The
// returned Config has NOT been validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, 0, len(undecoded))
			for _, k := range undecoded {
				keys = append(keys, k.String())
			}
			return nil, fmt.Errorf("config: unknown keys in %s: %s", path, strings.Join(keys, ", "))
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// applyEnvOverrides overwrites fields whose LEVBOT_* variable is set and
// non-empty, so secrets can be injected at deploy time.
func applyEnvOverrides(cfg *Config) {
	// Engine
	setDuration(&cfg.Engine.MonitorInterval, "ENGINE_MONITOR_INTERVAL")
	setDuration(&cfg.Engine.ClusterInterval, "ENGINE_CLUSTER_INTERVAL")
	setDuration(&cfg.Engine.HealthInterval, "ENGINE_HEALTH_INTERVAL")
	setDuration(&cfg.Engine.FeedTimeout, "ENGINE_FEED_TIMEOUT")
	setStr(&cfg.Engine.VaultID, "ENGINE_VAULT_ID")
	setFloat64(&cfg.Engine.Bankroll, "ENGINE_BANKROLL")
	setInt(&cfg.Engine.MaxStages, "ENGINE_MAX_STAGES")
	setInt(&cfg.Engine.AlertBuffer, "ENGINE_ALERT_BUFFER")
	setBool(&cfg.Engine.UseDistributedLock, "ENGINE_USE_DISTRIBUTED_LOCK")
	setDuration(&cfg.Engine.LockTTL, "ENGINE_LOCK_TTL")

	// Risk
	setFloat64(&cfg.Risk.MinConfidence, "RISK_MIN_CONFIDENCE")
	setFloat64(&cfg.Risk.MaxPositionSize, "RISK_MAX_POSITION_SIZE")
	setFloat64(&cfg.Risk.PortfolioValue, "RISK_PORTFOLIO_VALUE")
	setFloat64(&cfg.Risk.MaxExposureFraction, "RISK_MAX_EXPOSURE_FRACTION")
	setFloat64(&cfg.Risk.MinRiskReward, "RISK_MIN_RISK_REWARD")
	setFloat64(&cfg.Risk.MaxSlippage, "RISK_MAX_SLIPPAGE")
	setFloat64(&cfg.Risk.MarketRegimeRisk, "RISK_MARKET_REGIME_RISK")

	// Lifecycle
	setFloat64(&cfg.Lifecycle.EmergencyMarginFraction, "LIFECYCLE_EMERGENCY_MARGIN_FRACTION")
	setFloat64(&cfg.Lifecycle.EmergencyProximity, "LIFECYCLE_EMERGENCY_PROXIMITY")
	setFloat64(&cfg.Lifecycle.DoublingMarginLoss, "LIFECYCLE_DOUBLING_MARGIN_LOSS")
	setFloat64(&cfg.Lifecycle.ClusterProximity, "LIFECYCLE_CLUSTER_PROXIMITY")
	setFloat64(&cfg.Lifecycle.TakeProfitFraction, "LIFECYCLE_TAKE_PROFIT_FRACTION")
	setFloat64(&cfg.Lifecycle.TrailingStopOffset, "LIFECYCLE_TRAILING_STOP_OFFSET")

	// Clusters
	setStr(&cfg.Clusters.BaseURL, "CLUSTERS_BASE_URL")
	setStr(&cfg.Clusters.APIKey, "CLUSTERS_API_KEY")
	setDuration(&cfg.Clusters.Timeout, "CLUSTERS_TIMEOUT")

	// Feed
	setStr(&cfg.Feed.WSURL, "FEED_WS_URL")
	setStringSlice(&cfg.Feed.Symbols, "FEED_SYMBOLS")
	setDuration(&cfg.Feed.MaxPriceAge, "FEED_MAX_PRICE_AGE")

	// Postgres
	setStr(&cfg.Postgres.DSN, "POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL")
	setStr(&cfg.Postgres.Host, "POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "POSTGRES_RUN_MIGRATIONS")

	// Redis
	setStr(&cfg.Redis.Addr, "REDIS_ADDR")
	setStr(&cfg.Redis.Password, "REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "REDIS_KEY_PREFIX")

	// S3
	setStr(&cfg.S3.Endpoint, "S3_ENDPOINT")
	setStr(&cfg.S3.Region, "S3_REGION")
	setStr(&cfg.S3.Bucket, "S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "S3_FORCE_PATH_STYLE")

	// Journal
	setBool(&cfg.Journal.Enabled, "JOURNAL_ENABLED")
	setStr(&cfg.Journal.ArchiveCron, "JOURNAL_ARCHIVE_CRON")
	setStr(&cfg.Journal.Prefix, "JOURNAL_PREFIX")

	// Kafka
	setStringSlice(&cfg.Kafka.Brokers, "KAFKA_BROKERS")
	setStr(&cfg.Kafka.Topic, "KAFKA_TOPIC")

	// Server
	setBool(&cfg.Server.Enabled, "SERVER_ENABLED")
	setInt(&cfg.Server.Port, "SERVER_PORT")
	setStr(&cfg.Server.APIKey, "SERVER_API_KEY")
	setStringSlice(&cfg.Server.CORSOrigins, "SERVER_CORS_ORIGINS")
	setInt(&cfg.Server.RateLimit, "SERVER_RATE_LIMIT")

	// Notify
	setStr(&cfg.Notify.TelegramToken, "NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "NOTIFY_EVENTS")

	setStr(&cfg.Mode, "MODE")
	setStr(&cfg.LogLevel, "LOG_LEVEL")
}

// Typed env-var helpers. Each only mutates the target when LEVBOT_<key> is
// present, non-empty and parses.

func lookup(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(envPrefix + key))
	return v, v != ""
}

func setStr(dst *string, key string) {
	if v, ok := lookup(key); ok {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, ok := lookup(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v, ok := lookup(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v, ok := lookup(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v, ok := lookup(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	v, ok := lookup(key)
	if !ok {
		return
	}
	var cleaned []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			cleaned = append(cleaned, p)
		}
	}
	if len(cleaned) > 0 {
		*dst = cleaned
	}
}
