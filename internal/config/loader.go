package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load merges the TOML file at path over Defaults and applies SIGSYNC_*
// environment overrides. A missing file is not an error, so the client can
// run from the environment alone. The result is not validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	// .env is optional.
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	// ── Backend ──
	setStr(&cfg.Backend.RESTURL, "SIGSYNC_BACKEND_REST_URL")
	setStr(&cfg.Backend.WSURL, "SIGSYNC_BACKEND_WS_URL")
	setStr(&cfg.Backend.APIToken, "SIGSYNC_BACKEND_API_TOKEN")
	setDuration(&cfg.Backend.Timeout, "SIGSYNC_BACKEND_TIMEOUT")
	setDuration(&cfg.Backend.PositionPoll, "SIGSYNC_BACKEND_POSITION_POLL")
	setDuration(&cfg.Backend.NotificationPoll, "SIGSYNC_BACKEND_NOTIFICATION_POLL")
	setInt(&cfg.Backend.NotificationLimit, "SIGSYNC_BACKEND_NOTIFICATION_LIMIT")
	setInt(&cfg.Backend.RequestsPerMinute, "SIGSYNC_BACKEND_REQUESTS_PER_MINUTE")
	setInt(&cfg.Backend.Burst, "SIGSYNC_BACKEND_BURST")

	// ── Connection ──
	setInt(&cfg.Connection.MaxRetries, "SIGSYNC_CONNECTION_MAX_RETRIES")
	setDuration(&cfg.Connection.Backoff, "SIGSYNC_CONNECTION_BACKOFF")
	setDuration(&cfg.Connection.PingInterval, "SIGSYNC_CONNECTION_PING_INTERVAL")
	setInt(&cfg.Connection.SendQueue, "SIGSYNC_CONNECTION_SEND_QUEUE")

	// ── Store ──
	setInt(&cfg.Store.DedupWindow, "SIGSYNC_STORE_DEDUP_WINDOW")
	setInt(&cfg.Store.NotificationCapacity, "SIGSYNC_STORE_NOTIFICATION_CAPACITY")
	setBool(&cfg.Store.RiskAlerts, "SIGSYNC_STORE_RISK_ALERTS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "SIGSYNC_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "SIGSYNC_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "SIGSYNC_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "SIGSYNC_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "SIGSYNC_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "SIGSYNC_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "SIGSYNC_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "SIGSYNC_REDIS_KEY_PREFIX")
	setDuration(&cfg.Redis.PriceTTL, "SIGSYNC_REDIS_PRICE_TTL")
	setInt64(&cfg.Redis.StreamMaxLen, "SIGSYNC_REDIS_STREAM_MAX_LEN")
	setDuration(&cfg.Redis.SessionLockTTL, "SIGSYNC_REDIS_SESSION_LOCK_TTL")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "SIGSYNC_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "SIGSYNC_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "SIGSYNC_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "SIGSYNC_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "SIGSYNC_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "SIGSYNC_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "SIGSYNC_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "SIGSYNC_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "SIGSYNC_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "SIGSYNC_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "SIGSYNC_POSTGRES_RUN_MIGRATIONS")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "SIGSYNC_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "SIGSYNC_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "SIGSYNC_S3_REGION")
	setStr(&cfg.S3.Bucket, "SIGSYNC_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "SIGSYNC_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "SIGSYNC_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "SIGSYNC_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "SIGSYNC_S3_FORCE_PATH_STYLE")
	setStr(&cfg.S3.Prefix, "SIGSYNC_S3_PREFIX")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "SIGSYNC_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "SIGSYNC_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "SIGSYNC_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "SIGSYNC_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimitPerMinute, "SIGSYNC_SERVER_RATE_LIMIT_PER_MINUTE")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramAPI, "SIGSYNC_NOTIFY_TELEGRAM_API")
	setStr(&cfg.Notify.TelegramToken, "SIGSYNC_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "SIGSYNC_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "SIGSYNC_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "SIGSYNC_NOTIFY_EVENTS")
	setStr(&cfg.Notify.ForwardPriority, "SIGSYNC_NOTIFY_FORWARD_PRIORITY")

	setStr(&cfg.LogLevel, "SIGSYNC_LOG_LEVEL")
}

// Each helper only touches dst when the variable is set and parses.

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
	v := os.Getenv(key)
	if v == "" {
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
