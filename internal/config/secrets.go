package config

import "slices"

// RedactedConfig returns a copy of cfg with secrets replaced by "***". Use it
// whenever the active configuration is logged or printed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	redact(&out.Clusters.APIKey)
	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)
	redact(&out.Redis.Password)
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)
	redact(&out.Server.APIKey)
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	// Slices are cloned so the copy cannot alias the original.
	out.Feed.Symbols = slices.Clone(cfg.Feed.Symbols)
	out.Kafka.Brokers = slices.Clone(cfg.Kafka.Brokers)
	out.Server.CORSOrigins = slices.Clone(cfg.Server.CORSOrigins)
	out.Notify.Events = slices.Clone(cfg.Notify.Events)

	return out
}

const redacted = "***"

func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
