// Package config loads service configuration from defaults, an optional YAML
// file and BOARD_NOTIFY_* environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment override. A double underscore separates
// nesting levels: BOARD_NOTIFY_DATABASE__URL sets database.url.
const EnvPrefix = "BOARD_NOTIFY_"

// Config is the root configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Database      DatabaseConfig      `koanf:"database"`
	Log           LogConfig           `koanf:"log"`
	JWT           JWTConfig           `koanf:"jwt"`
	CORS          CORSConfig          `koanf:"cors"`
	Notifications NotificationsConfig `koanf:"notifications"`
	Redis         RedisConfig         `koanf:"redis"`
	Kafka         KafkaConfig         `koanf:"kafka"`
}

// ServerConfig configures the API and metrics listeners.
type ServerConfig struct {
	Host              string        `koanf:"host"`
	Port              string        `koanf:"port"`
	MetricsPort       string        `koanf:"metrics_port"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	IdleTimeout       time.Duration `koanf:"idle_timeout"`
}

// DatabaseConfig configures the PostgreSQL pool and migrations.
type DatabaseConfig struct {
	URL             string        `koanf:"url"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout"`
	ConnectAttempts int           `koanf:"connect_attempts"`
	MigrateOnStart  bool          `koanf:"migrate_on_start"`
	MigrationsPath  string        `koanf:"migrations_path"`
}

// LogConfig configures slog.
type LogConfig struct {
	Level  string `koanf:"level"`  // debug, info, warn, error
	Format string `koanf:"format"` // json, text
}

// JWTConfig configures access token validation.
type JWTConfig struct {
	SecretKey string        `koanf:"secret_key"`
	Issuer    string        `koanf:"issuer"`
	Leeway    time.Duration `koanf:"leeway"`
}

// CORSConfig configures allowed browser origins.
type CORSConfig struct {
	AllowedOrigins []string `koanf:"allowed_origins"`
}

// NotificationsConfig configures delivery.
type NotificationsConfig struct {
	Enabled    bool             `koanf:"enabled"`
	Timezone   string           `koanf:"timezone"` // IANA name; empty means the server's local zone
	Broadcast  BroadcastConfig  `koanf:"broadcast"`
	Push       PushConfig       `koanf:"push"`
	Dispatcher DispatcherConfig `koanf:"dispatcher"`
	Flush      FlushConfig      `koanf:"flush"`
	Breaker    BreakerConfig    `koanf:"breaker"`
}

// BroadcastConfig configures the Mattermost team channel webhook.
type BroadcastConfig struct {
	Enabled    bool          `koanf:"enabled"`
	WebhookURL string        `koanf:"webhook_url"`
	Username   string        `koanf:"username"`
	IconURL    string        `koanf:"icon_url"`
	Channel    string        `koanf:"channel"`
	Timeout    time.Duration `koanf:"timeout"`
}

// PushConfig configures the LINE personal push channel.
type PushConfig struct {
	Enabled            bool          `koanf:"enabled"`
	ChannelAccessToken string        `koanf:"channel_access_token"`
	APIURL             string        `koanf:"api_url"`
	RateLimit          float64       `koanf:"rate_limit"`
	Timeout            time.Duration `koanf:"timeout"`
}

// DispatcherConfig configures real-time fan-out.
type DispatcherConfig struct {
	BroadcastTimeout time.Duration `koanf:"broadcast_timeout"`
	SendTimeout      time.Duration `koanf:"send_timeout"`
	MaxConcurrency   int           `koanf:"max_concurrency"`
}

// FlushConfig configures the deferred summary job.
type FlushConfig struct {
	Interval    time.Duration `koanf:"interval"`
	Workers     int           `koanf:"workers"`
	SendTimeout time.Duration `koanf:"send_timeout"`
	LockTTL     time.Duration `koanf:"lock_ttl"`
	Retention   time.Duration `koanf:"retention"` // 0 keeps sent rows forever
}

// BreakerConfig configures the circuit breaker around the push channel.
type BreakerConfig struct {
	MaxFailures      int           `koanf:"max_failures"`
	Timeout          time.Duration `koanf:"timeout"`
	HalfOpenMaxCalls int           `koanf:"half_open_max_calls"`
}

// RedisConfig configures the distributed flush lock.
type RedisConfig struct {
	Enabled  bool   `koanf:"enabled"`
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
	LockKey  string `koanf:"lock_key"`
}

// KafkaConfig configures the card event consumer.
type KafkaConfig struct {
	Enabled bool     `koanf:"enabled"`
	Brokers []string `koanf:"brokers"`
	GroupID string   `koanf:"group_id"`
	Topic   string   `koanf:"topic"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              "8080",
			MetricsPort:       "9090",
			ReadTimeout:       15 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 30 * time.Minute,
			ConnectTimeout:  60 * time.Second,
			ConnectAttempts: 5,
			MigrationsPath:  "file://migrations",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Notifications: NotificationsConfig{
			Enabled: true,
			Broadcast: BroadcastConfig{
				Username: "Board",
				Timeout:  10 * time.Second,
			},
			Push: PushConfig{
				APIURL:    "https://api.line.me",
				RateLimit: 50,
				Timeout:   10 * time.Second,
			},
			Dispatcher: DispatcherConfig{
				BroadcastTimeout: 5 * time.Second,
				SendTimeout:      10 * time.Second,
				MaxConcurrency:   8,
			},
			Flush: FlushConfig{
				Interval:    15 * time.Minute,
				Workers:     4,
				SendTimeout: 10 * time.Second,
				LockTTL:     5 * time.Minute,
				Retention:   30 * 24 * time.Hour,
			},
			Breaker: BreakerConfig{
				MaxFailures:      5,
				Timeout:          30 * time.Second,
				HalfOpenMaxCalls: 1,
			},
		},
		Redis: RedisConfig{
			Addr:    "localhost:6379",
			LockKey: "board-notify:flush-lock",
		},
		Kafka: KafkaConfig{
			GroupID: "board-notify",
			Topic:   "card-events",
		},
	}
}

// Load reads configuration. path may be empty, in which case CONFIG_PATH is
// consulted and a missing file is not an error.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	explicit := path != ""
	if !explicit {
		path = os.Getenv("CONFIG_PATH")
		explicit = path != ""
	}
	if path == "" {
		path = "config.yaml"
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey maps BOARD_NOTIFY_NOTIFICATIONS__FLUSH__INTERVAL to notifications.flush.interval.
func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Database.URL == "" {
		errs = append(errs, errors.New("database.url is required"))
	}
	if c.JWT.SecretKey == "" {
		errs = append(errs, errors.New("jwt.secret_key is required"))
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is invalid", c.Log.Level))
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is invalid", c.Log.Format))
	}

	n := c.Notifications
	if n.Timezone != "" {
		if _, err := time.LoadLocation(n.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("notifications.timezone: %w", err))
		}
	}
	if n.Broadcast.Enabled && n.Broadcast.WebhookURL == "" {
		errs = append(errs, errors.New("notifications.broadcast.webhook_url is required when broadcast is enabled"))
	}
	if n.Push.Enabled && n.Push.ChannelAccessToken == "" {
		errs = append(errs, errors.New("notifications.push.channel_access_token is required when push is enabled"))
	}
	if n.Flush.Interval <= 0 {
		errs = append(errs, errors.New("notifications.flush.interval must be positive"))
	}
	if n.Flush.Workers <= 0 {
		errs = append(errs, errors.New("notifications.flush.workers must be positive"))
	}
	if n.Dispatcher.MaxConcurrency <= 0 {
		errs = append(errs, errors.New("notifications.dispatcher.max_concurrency must be positive"))
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required when redis is enabled"))
	}
	if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "") {
		errs = append(errs, errors.New("kafka.brokers and kafka.topic are required when kafka is enabled"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Location returns the time zone quiet hours are evaluated in.
func (n NotificationsConfig) Location() *time.Location {
	if n.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(n.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}
