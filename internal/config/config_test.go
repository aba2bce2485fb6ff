package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "engine", cfg.Mode)
	assert.Equal(t, 5*time.Second, cfg.Engine.MonitorInterval.Duration)
	assert.Equal(t, 0.15, cfg.Lifecycle.EmergencyMarginFraction)
	assert.Equal(t, 1.5, cfg.Risk.MinRiskReward)
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "trade"
	cfg.Engine.MonitorInterval.Duration = 0
	cfg.Engine.MaxStages = 0
	cfg.Lifecycle.DoublingMarginLoss = 1.5
	cfg.Lifecycle.TakeProfitFraction = 0
	cfg.Feed.WSURL = "wss://feed.example/ws"
	cfg.Journal.Enabled = true
	cfg.S3.Bucket = ""
	cfg.Notify.TelegramToken = "tok"

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		`unknown mode "trade"`,
		"engine: monitor_interval must be > 0",
		"engine: max_stages must be >= 1",
		"lifecycle: doubling_margin_loss must be in (0, 1]",
		"lifecycle: take_profit_fraction must be in (0, 1], got 0",
		"feed: symbols must not be empty",
		"s3: bucket must not be empty when journal is enabled",
		"notify: telegram_token and telegram_chat_id must be set together",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidateFractionBounds(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"zero doubling loss", func(c *Config) { c.Lifecycle.DoublingMarginLoss = 0 }, "lifecycle: doubling_margin_loss must be in (0, 1], got 0"},
		{"zero take-profit", func(c *Config) { c.Lifecycle.TakeProfitFraction = 0 }, "lifecycle: take_profit_fraction must be in (0, 1], got 0"},
		{"full take-profit", func(c *Config) { c.Lifecycle.TakeProfitFraction = 1 }, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadMergesFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode = "monitor"

[engine]
monitor_interval = "2s"
vault_id = "main"

[feed]
ws_url = "wss://feed.example/ws"
symbols = ["BTCUSDT", "ETHUSDT"]

[notify]
events = ["critical"]
`), 0o600))

	t.Setenv("LEVBOT_REDIS_ADDR", "redis:6379")
	t.Setenv("LEVBOT_ENGINE_LOCK_TTL", "45s")
	t.Setenv("LEVBOT_KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("LEVBOT_SERVER_PORT", "not-a-number")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "monitor", cfg.Mode)
	assert.Equal(t, 2*time.Second, cfg.Engine.MonitorInterval.Duration)
	assert.Equal(t, 30*time.Second, cfg.Engine.ClusterInterval.Duration, "defaults survive a partial file")
	assert.Equal(t, "main", cfg.Engine.VaultID)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, cfg.Feed.Symbols)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, 45*time.Second, cfg.Engine.LockTTL.Duration)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 8000, cfg.Server.Port, "unparsable override is ignored")
	require.NoError(t, cfg.Validate())
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[engine]\nmonitor_intervall = \"2s\"\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engine.monitor_intervall")
}

func TestLoadReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("LEVBOT_CLUSTERS_API_KEY=from-dotenv\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("LEVBOT_CLUSTERS_API_KEY") })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.Clusters.APIKey)
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Postgres.Password = "pg-secret"
	cfg.Server.APIKey = "api-secret"
	cfg.Notify.DiscordWebhookURL = "https://discord.example/hook"
	cfg.Feed.Symbols = []string{"BTCUSDT"}

	out := RedactedConfig(&cfg)
	assert.Equal(t, "***", out.Postgres.Password)
	assert.Equal(t, "***", out.Server.APIKey)
	assert.Equal(t, "***", out.Notify.DiscordWebhookURL)
	assert.Empty(t, out.Redis.Password, "empty secrets stay empty")
	assert.Equal(t, "pg-secret", cfg.Postgres.Password)

	out.Feed.Symbols[0] = "XRPUSDT"
	assert.Equal(t, "BTCUSDT", cfg.Feed.Symbols[0])
}
