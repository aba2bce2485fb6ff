// Package config defines the top-level configuration for the leverage bot and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by LEVBOT_* environment variables.
type Config struct {
	Engine    EngineConfig    `toml:"engine"`
	Risk      RiskConfig      `toml:"risk"`
	Lifecycle LifecycleConfig `toml:"lifecycle"`
	Clusters  ClustersConfig  `toml:"clusters"`
	Feed      FeedConfig      `toml:"feed"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Journal   JournalConfig   `toml:"journal"`
	Kafka     KafkaConfig     `toml:"kafka"`
	Server    ServerConfig    `toml:"server"`
	Notify    NotifyConfig    `toml:"notify"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// EngineConfig holds the schedules of the position engine.
type EngineConfig struct {
	MonitorInterval    duration `toml:"monitor_interval"`
	ClusterInterval    duration `toml:"cluster_interval"`
	HealthInterval     duration `toml:"health_interval"`
	FeedTimeout        duration `toml:"feed_timeout"`
	VaultID            string   `toml:"vault_id"`
	Bankroll           float64  `toml:"bankroll"`
	MaxStages          int      `toml:"max_stages"`
	AlertBuffer        int      `toml:"alert_buffer"`
	UseDistributedLock bool     `toml:"use_distributed_lock"`
	LockTTL            duration `toml:"lock_ttl"`
}

// RiskConfig holds the pre-trade gate limits and the fill simulation bounds.
type RiskConfig struct {
	MinConfidence       float64 `toml:"min_confidence"`
	MaxPositionSize     float64 `toml:"max_position_size"`
	PortfolioValue      float64 `toml:"portfolio_value"`
	MaxExposureFraction float64 `toml:"max_exposure_fraction"`
	MinRiskReward       float64 `toml:"min_risk_reward"`
	MaxSlippage         float64 `toml:"max_slippage"`
	SlippageFloor       float64 `toml:"slippage_floor"`
	SlippageCeiling     float64 `toml:"slippage_ceiling"`
	MarketRegimeRisk    float64 `toml:"market_regime_risk"`
}

// LifecycleConfig holds the trigger thresholds.
type LifecycleConfig struct {
	EmergencyMarginFraction float64 `toml:"emergency_margin_fraction"`
	EmergencyProximity      float64 `toml:"emergency_proximity"`
	DoublingMarginLoss      float64 `toml:"doubling_margin_loss"`
	ClusterProximity        float64 `toml:"cluster_proximity"`
	TakeProfitFraction      float64 `toml:"take_profit_fraction"`
	TrailingStopOffset      float64 `toml:"trailing_stop_offset"`
	MaintenanceMargin       float64 `toml:"maintenance_margin"`
}

// ClustersConfig points at the liquidation-cluster REST provider. An empty
// BaseURL runs the engine on synthetic fallback clusters only.
type ClustersConfig struct {
	BaseURL string   `toml:"base_url"`
	APIKey  string   `toml:"api_key"`
	Timeout duration `toml:"timeout"`
}

// FeedConfig configures mark-price ingestion.
type FeedConfig struct {
	WSURL       string   `toml:"ws_url"`
	Symbols     []string `toml:"symbols"`
	MaxPriceAge duration `toml:"max_price_age"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
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

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr         string `toml:"addr"`
	Password     string `toml:"password"`
	DB           int    `toml:"db"`
	PoolSize     int    `toml:"pool_size"`
	MaxRetries   int    `toml:"max_retries"`
	TLSEnabled   bool   `toml:"tls_enabled"`
	KeyPrefix    string `toml:"key_prefix"`
	StreamMaxLen int64  `toml:"stream_max_len"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// JournalConfig schedules the audit-log archive to S3.
type JournalConfig struct {
	Enabled     bool     `toml:"enabled"`
	ArchiveCron string   `toml:"archive_cron"`
	Prefix      string   `toml:"prefix"`
	Timeout     duration `toml:"timeout"`
}

// KafkaConfig configures the alert event stream. No brokers disables it.
type KafkaConfig struct {
	Brokers []string `toml:"brokers"`
	Topic   string   `toml:"topic"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	APIKey      string   `toml:"api_key"`
	CORSOrigins []string `toml:"cors_origins"`
	RateLimit   int      `toml:"rate_limit"`
	RateWindow  duration `toml:"rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with the production defaults. These
// match config.example.toml.
func Defaults() Config {
	return Config{
		Engine: EngineConfig{
			MonitorInterval: duration{5 * time.Second},
			ClusterInterval: duration{30 * time.Second},
			HealthInterval:  duration{60 * time.Second},
			FeedTimeout:     duration{8 * time.Second},
			VaultID:         "default",
			Bankroll:        10000,
			MaxStages:       4,
			AlertBuffer:     256,
			LockTTL:         duration{30 * time.Second},
		},
		Risk: RiskConfig{
			MinConfidence:       0.6,
			MaxPositionSize:     5000,
			PortfolioValue:      10000,
			MaxExposureFraction: 0.8,
			MinRiskReward:       1.5,
			MaxSlippage:         0.02,
			SlippageFloor:       0.01,
			SlippageCeiling:     0.02,
			MarketRegimeRisk:    0.5,
		},
		Lifecycle: LifecycleConfig{
			EmergencyMarginFraction: 0.15,
			EmergencyProximity:      0.02,
			DoublingMarginLoss:      0.8,
			ClusterProximity:        0.002,
			TakeProfitFraction:      0.5,
			TrailingStopOffset:      0.02,
			MaintenanceMargin:       0.005,
		},
		Clusters: ClustersConfig{
			Timeout: duration{8 * time.Second},
		},
		Feed: FeedConfig{
			MaxPriceAge: duration{30 * time.Second},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "leveragebot",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     20,
			MaxRetries:   3,
			KeyPrefix:    "levbot",
			StreamMaxLen: 10000,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "leveragebot-journal",
			ForcePathStyle: true,
		},
		Journal: JournalConfig{
			ArchiveCron: "0 * * * *",
			Prefix:      "journal",
			Timeout:     duration{5 * time.Minute},
		},
		Kafka: KafkaConfig{
			Topic: "leveragebot.alerts",
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000"},
			RateLimit:   120,
			RateWindow:  duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{"critical", "emergency_margin", "liquidated"},
		},
		Mode:     "engine",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"engine":  true,
	"monitor": true,
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
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	if !validModes[strings.ToLower(c.Mode)] {
		add("unknown mode %q (valid: engine, monitor)", c.Mode)
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		add("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel)
	}

	// Engine
	for _, d := range []struct {
		name string
		val  duration
	}{
		{"monitor_interval", c.Engine.MonitorInterval},
		{"cluster_interval", c.Engine.ClusterInterval},
		{"health_interval", c.Engine.HealthInterval},
		{"feed_timeout", c.Engine.FeedTimeout},
	} {
		if d.val.Duration <= 0 {
			add("engine: %s must be > 0", d.name)
		}
	}
	if c.Engine.Bankroll <= 0 {
		add("engine: bankroll must be > 0")
	}
	if c.Engine.MaxStages < 1 {
		add("engine: max_stages must be >= 1")
	}
	if c.Engine.UseDistributedLock && c.Engine.LockTTL.Duration <= 0 {
		add("engine: lock_ttl must be > 0 when use_distributed_lock is set")
	}

	// Risk
	inUnit(&errs, "risk: min_confidence", c.Risk.MinConfidence)
	inUnit(&errs, "risk: max_exposure_fraction", c.Risk.MaxExposureFraction)
	inUnit(&errs, "risk: market_regime_risk", c.Risk.MarketRegimeRisk)
	if c.Risk.MaxPositionSize <= 0 {
		add("risk: max_position_size must be > 0")
	}
	if c.Risk.PortfolioValue <= 0 {
		add("risk: portfolio_value must be > 0")
	}
	if c.Risk.MinRiskReward < 0 {
		add("risk: min_risk_reward must be >= 0")
	}
	if c.Risk.SlippageFloor < 0 || c.Risk.SlippageFloor > c.Risk.SlippageCeiling {
		add("risk: slippage_floor must be in [0, slippage_ceiling]")
	}

	// Lifecycle
	inUnit(&errs, "lifecycle: emergency_margin_fraction", c.Lifecycle.EmergencyMarginFraction)
	inUnit(&errs, "lifecycle: emergency_proximity", c.Lifecycle.EmergencyProximity)
	inOpenUnit(&errs, "lifecycle: doubling_margin_loss", c.Lifecycle.DoublingMarginLoss)
	inUnit(&errs, "lifecycle: cluster_proximity", c.Lifecycle.ClusterProximity)
	inOpenUnit(&errs, "lifecycle: take_profit_fraction", c.Lifecycle.TakeProfitFraction)
	inUnit(&errs, "lifecycle: trailing_stop_offset", c.Lifecycle.TrailingStopOffset)
	inUnit(&errs, "lifecycle: maintenance_margin", c.Lifecycle.MaintenanceMargin)

	// Feed
	if c.Feed.WSURL != "" && len(c.Feed.Symbols) == 0 {
		add("feed: symbols must not be empty when ws_url is set")
	}
	if c.Feed.MaxPriceAge.Duration <= 0 {
		add("feed: max_price_age must be > 0")
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			add("postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			add("postgres: port must be 1-65535, got %d", c.Postgres.Port)
		}
		if c.Postgres.Database == "" {
			add("postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		add("postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		add("postgres: pool_min_conns must be in [0, pool_max_conns]")
	}

	// Redis
	if c.Redis.Addr == "" {
		add("redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		add("redis: pool_size must be >= 1")
	}

	// Journal needs S3.
	if c.Journal.Enabled {
		if c.S3.Endpoint == "" {
			add("s3: endpoint must not be empty when journal is enabled")
		}
		if c.S3.Bucket == "" {
			add("s3: bucket must not be empty when journal is enabled")
		}
		if strings.TrimSpace(c.Journal.ArchiveCron) == "" {
			add("journal: archive_cron must not be empty when enabled")
		}
	}

	// Kafka
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		add("kafka: topic must not be empty when brokers are set")
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			add("server: port must be 1-65535, got %d", c.Server.Port)
		}
		if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
			add("server: rate_window must be > 0 when rate_limit is set")
		}
	}

	// Notify
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		add("notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func inUnit(errs *[]string, name string, v float64) {
	if v < 0 || v > 1 {
		*errs = append(*errs, fmt.Sprintf("%s must be in [0, 1], got %g", name, v))
	}
}

func inOpenUnit(errs *[]string, name string, v float64) {
	if v <= 0 || v > 1 {
		*errs = append(*errs, fmt.Sprintf("%s must be in (0, 1], got %g", name, v))
	}
}
