// Package config defines the signalsync configuration and its validation.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config is the root configuration. Fields come from a TOML file and are
// then overridden by SIGSYNC_* environment variables.
type Config struct {
	Backend    BackendConfig    `toml:"backend"`
	Connection ConnectionConfig `toml:"connection"`
	Store      StoreConfig      `toml:"store"`
	Redis      RedisConfig      `toml:"redis"`
	Postgres   PostgresConfig   `toml:"postgres"`
	S3         S3Config         `toml:"s3"`
	Server     ServerConfig     `toml:"server"`
	Notify     NotifyConfig     `toml:"notify"`
	LogLevel   string           `toml:"log_level"`
}

// BackendConfig points at the signal backend.
type BackendConfig struct {
	RESTURL           string   `toml:"rest_url"`
	WSURL             string   `toml:"ws_url"`
	APIToken          string   `toml:"api_token"`
	Timeout           duration `toml:"timeout"`
	PositionPoll      duration `toml:"position_poll"`
	NotificationPoll  duration `toml:"notification_poll"`
	NotificationLimit int      `toml:"notification_limit"`
	RequestsPerMinute int      `toml:"requests_per_minute"`
	Burst             int      `toml:"burst"`
}

// ConnectionConfig tunes the live feed connection.
type ConnectionConfig struct {
	MaxRetries   int      `toml:"max_retries"`
	Backoff      duration `toml:"backoff"`
	PingInterval duration `toml:"ping_interval"`
	SendQueue    int      `toml:"send_queue"`
}

// StoreConfig tunes the in-memory stores.
type StoreConfig struct {
	DedupWindow          int  `toml:"dedup_window"`
	NotificationCapacity int  `toml:"notification_capacity"`
	RiskAlerts           bool `toml:"risk_alerts"`
}

// RedisConfig holds Redis connection parameters. Redis is optional.
type RedisConfig struct {
	Enabled        bool     `toml:"enabled"`
	Addr           string   `toml:"addr"`
	Password       string   `toml:"password"`
	DB             int      `toml:"db"`
	PoolSize       int      `toml:"pool_size"`
	MaxRetries     int      `toml:"max_retries"`
	TLSEnabled     bool     `toml:"tls_enabled"`
	KeyPrefix      string   `toml:"key_prefix"`
	PriceTTL       duration `toml:"price_ttl"`
	StreamMaxLen   int64    `toml:"stream_max_len"`
	SessionLockTTL duration `toml:"session_lock_ttl"`
}

// PostgresConfig holds PostgreSQL connection parameters. Postgres is optional.
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

// S3Config holds object storage parameters for notification archives.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	Prefix         string `toml:"prefix"`
}

// duration wraps time.Duration so TOML strings like "30s" decode.
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

// ServerConfig holds the local API server parameters.
type ServerConfig struct {
	Enabled            bool     `toml:"enabled"`
	Port               int      `toml:"port"`
	CORSOrigins        []string `toml:"cors_origins"`
	APIKey             string   `toml:"api_key"`
	RateLimitPerMinute int      `toml:"rate_limit_per_minute"`
}

// NotifyConfig holds operator alert channels.
type NotifyConfig struct {
	TelegramAPI       string   `toml:"telegram_api"`
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	// ForwardPriority is the lowest live notification priority relayed to
	// the alert channels. Empty disables forwarding.
	ForwardPriority string `toml:"forward_priority"`
}

// Defaults returns a Config populated with the default values.
func Defaults() Config {
	return Config{
		Backend: BackendConfig{
			RESTURL:           "http://localhost:8000",
			WSURL:             "ws://localhost:8000/ws",
			Timeout:           duration{10 * time.Second},
			PositionPoll:      duration{30 * time.Second},
			NotificationPoll:  duration{time.Minute},
			NotificationLimit: 100,
			RequestsPerMinute: 120,
			Burst:             10,
		},
		Connection: ConnectionConfig{
			MaxRetries:   5,
			Backoff:      duration{3 * time.Second},
			PingInterval: duration{30 * time.Second},
			SendQueue:    64,
		},
		Store: StoreConfig{
			DedupWindow:          50,
			NotificationCapacity: 1000,
			RiskAlerts:           true,
		},
		Redis: RedisConfig{
			Addr:           "localhost:6379",
			PoolSize:       10,
			MaxRetries:     3,
			KeyPrefix:      "signalsync",
			PriceTTL:       duration{5 * time.Minute},
			StreamMaxLen:   10000,
			SessionLockTTL: duration{30 * time.Second},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "signalsync",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  5,
			PoolMinConns:  1,
			RunMigrations: true,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "signalsync-archive",
			ForcePathStyle: true,
			Prefix:         "notifications",
		},
		Server: ServerConfig{
			Enabled:            true,
			Port:               8090,
			CORSOrigins:        []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimitPerMinute: 600,
		},
		Notify: NotifyConfig{
			Events:          []string{"connection_fatal", "trade_error", "position_closed"},
			ForwardPriority: "high",
		},
		LogLevel: "info",
	}
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validPriorities = map[string]bool{
	"":         true,
	"low":      true,
	"medium":   true,
	"high":     true,
	"critical": true,
}

// Validate returns one error listing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Backend
	if err := checkURL(c.Backend.RESTURL, "http", "https"); err != nil {
		errs = append(errs, "backend: rest_url "+err.Error())
	}
	if err := checkURL(c.Backend.WSURL, "ws", "wss"); err != nil {
		errs = append(errs, "backend: ws_url "+err.Error())
	}
	if c.Backend.PositionPoll.Duration <= 0 {
		errs = append(errs, "backend: position_poll must be > 0")
	}
	if c.Backend.NotificationPoll.Duration <= 0 {
		errs = append(errs, "backend: notification_poll must be > 0")
	}
	if c.Backend.NotificationLimit < 1 {
		errs = append(errs, "backend: notification_limit must be >= 1")
	}
	if c.Backend.RequestsPerMinute < 0 {
		errs = append(errs, "backend: requests_per_minute must be >= 0")
	}

	// Connection
	if c.Connection.MaxRetries < 1 {
		errs = append(errs, "connection: max_retries must be >= 1")
	}
	if c.Connection.Backoff.Duration <= 0 {
		errs = append(errs, "connection: backoff must be > 0")
	}
	if c.Connection.PingInterval.Duration <= 0 {
		errs = append(errs, "connection: ping_interval must be > 0")
	}
	if c.Connection.SendQueue < 1 {
		errs = append(errs, "connection: send_queue must be >= 1")
	}

	// Store
	if c.Store.DedupWindow < 1 {
		errs = append(errs, "store: dedup_window must be >= 1")
	}
	if c.Store.NotificationCapacity < 0 {
		errs = append(errs, "store: notification_capacity must be >= 0")
	}

	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
		if c.Redis.SessionLockTTL.Duration < time.Second {
			errs = append(errs, "redis: session_lock_ttl must be >= 1s")
		}
	}

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
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty")
		}
	}

	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimitPerMinute < 0 {
			errs = append(errs, "server: rate_limit_per_minute must be >= 0")
		}
	}

	if c.Notify.TelegramToken != "" && c.Notify.TelegramChatID == "" {
		errs = append(errs, "notify: telegram_chat_id is required when telegram_token is set")
	}
	if !validPriorities[strings.ToLower(c.Notify.ForwardPriority)] {
		errs = append(errs, fmt.Sprintf("notify: unknown forward_priority %q", c.Notify.ForwardPriority))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func checkURL(raw string, schemes ...string) error {
	if raw == "" {
		return fmt.Errorf("must not be empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("is invalid: %v", err)
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("must be an absolute %s url, got %q", strings.Join(schemes, "/"), raw)
}
