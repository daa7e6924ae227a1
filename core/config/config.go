package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// TelegramConfig holds bot credentials and the update delivery mode.
type TelegramConfig struct {
	Token   string `yaml:"token" envconfig:"BOT_TOKEN"`
	AdminID int64  `yaml:"admin_id" envconfig:"TELEGRAM_ADMIN_ID"`
	RunMode string `yaml:"run_mode" envconfig:"TELEGRAM_RUN_MODE"`
	// LongPollTimeoutSeconds defines long polling timeout; 0 -> default
	LongPollTimeoutSeconds int `yaml:"longpoll_timeout_seconds" envconfig:"TELEGRAM_LONGPOLL_TIMEOUT_SECONDS"`
}

// WebhookConfig specifies webhook settings.
type WebhookConfig struct {
	URL    string `yaml:"url" envconfig:"WEBHOOK_URL"`
	Listen string `yaml:"listen" envconfig:"WEBHOOK_LISTEN"`
	Port   int    `yaml:"port" envconfig:"WEBHOOK_PORT"`
}

// LoggingConfig defines logging related configuration.
type LoggingConfig struct {
	Level       string `yaml:"level" envconfig:"LOG_LEVEL"`
	Format      string `yaml:"format" envconfig:"LOG_FORMAT"`
	KeysOrder   string `yaml:"keys_order"`
	DebugSample string `yaml:"debug_sample"`
	Dir         string `yaml:"dir"`
	BotFile     string `yaml:"bot_file"`
	// Profile indicates environment profile such as "debug" or "prod".
	Profile string `yaml:"profile" envconfig:"LOG_PROFILE"`
}

const (
	// RunModeWebhook selects webhook mode for Telegram updates.
	RunModeWebhook = "webhook"
	// RunModeLongpoll selects long-polling mode for Telegram updates.
	RunModeLongpoll = "longpoll"
)

const (
	// UpdateCallback identifies callback updates for rate limit exclusions.
	UpdateCallback = "callback"
	// UpdateMessage identifies message updates for rate limit exclusions.
	UpdateMessage = "message"
)

// RateLimitConfig throttles updates per user.
// ExcludeUpdates accepts update types that bypass limiting: "callback", "message".
type RateLimitConfig struct {
	IntervalMS     int      `yaml:"interval_ms" envconfig:"RATE_LIMIT_INTERVAL_MS"`
	Burst          int      `yaml:"burst" envconfig:"RATE_LIMIT_BURST"`
	ExcludeUpdates []string `yaml:"exclude_updates" envconfig:"RATE_LIMIT_EXCLUDE_UPDATES"`
}

// DestinationConfig describes the chat that receives submissions.
type DestinationConfig struct {
	ChatID int64 `yaml:"chat_id" envconfig:"CHAT_ID"`
	// ChatName is the display name used in the menu greeting.
	ChatName string `yaml:"chat_name" envconfig:"CHAT_NAME"`
	// Username of a public destination; links use t.me/<username>/<id> when set.
	Username       string `yaml:"username" envconfig:"CHAT_USERNAME"`
	DisableSpoiler bool   `yaml:"disable_spoiler" envconfig:"CHAT_DISABLE_SPOILER"`
}

// DialogConfig tunes the conversation flow.
type DialogConfig struct {
	BotName          string `yaml:"bot_name" envconfig:"BOT_NAME"`
	DeveloperContact string `yaml:"developer_contact" envconfig:"DEVELOPER_CONTACT"`
	// AskRecipient enables the choose-recipient step reachable from the menu.
	AskRecipient bool `yaml:"ask_recipient" envconfig:"DIALOG_ASK_RECIPIENT"`
}

// Session backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// SessionConfig selects and tunes the session store.
type SessionConfig struct {
	Backend       string        `yaml:"backend" envconfig:"SESSION_BACKEND"`
	TTL           time.Duration `yaml:"ttl" envconfig:"SESSION_TTL"`
	PurgeSchedule string        `yaml:"purge_schedule" envconfig:"SESSION_PURGE_SCHEDULE"`
	MaxStackDepth int           `yaml:"max_stack_depth"`
	KeyPrefix     string        `yaml:"key_prefix"`
}

// RedisConfig holds the connection URL for the redis backend.
type RedisConfig struct {
	URL string `yaml:"url" envconfig:"REDIS_URL"`
}

// DatabaseConfig mirrors database.Config so it can be converted without an import cycle.
type DatabaseConfig struct {
	Host           string `yaml:"host" envconfig:"DB_HOST"`
	Port           string `yaml:"port" envconfig:"DB_PORT"`
	User           string `yaml:"user" envconfig:"DB_USER"`
	Password       string `yaml:"password" envconfig:"DB_PASSWORD"`
	Name           string `yaml:"name" envconfig:"DB_NAME"`
	SSLMode        string `yaml:"sslmode" envconfig:"DB_SSLMODE"`
	MaxConnections int    `yaml:"max_connections" envconfig:"DB_MAX_CONNECTIONS"`
}

// DispatchConfig bounds the outbound send to the destination.
type DispatchConfig struct {
	MaxRetries      int           `yaml:"max_retries" envconfig:"DISPATCH_MAX_RETRIES"`
	RetryBackoff    time.Duration `yaml:"retry_backoff" envconfig:"DISPATCH_RETRY_BACKOFF"`
	MaxDuration     time.Duration `yaml:"max_duration" envconfig:"DISPATCH_MAX_DURATION"`
	BreakerFailures uint32        `yaml:"breaker_failures"`
	BreakerTimeout  time.Duration `yaml:"breaker_timeout"`
	// DuplicateWait bounds how long a repeated confirm waits for an in-flight send.
	DuplicateWait time.Duration `yaml:"duplicate_wait"`
	// Journal records deliveries in Postgres.
	Journal bool `yaml:"journal" envconfig:"DISPATCH_JOURNAL"`
}

// Config aggregates the whole bot configuration.
type Config struct {
	Telegram    TelegramConfig    `yaml:"telegram"`
	Webhook     WebhookConfig     `yaml:"webhook"`
	Logging     LoggingConfig     `yaml:"logging"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Destination DestinationConfig `yaml:"destination"`
	Dialog      DialogConfig      `yaml:"dialog"`
	Session     SessionConfig     `yaml:"session"`
	Redis       RedisConfig       `yaml:"redis"`
	Database    DatabaseConfig    `yaml:"database"`
	Dispatch    DispatchConfig    `yaml:"dispatch"`
}

// Load reads configuration from a YAML file and environment variables.
func Load(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process env: %w", err)
	}

	if err := Normalize(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// UsesDatabase reports whether any component needs the Postgres connection.
func (c *Config) UsesDatabase() bool {
	return c.Session.Backend == BackendPostgres || c.Dispatch.Journal
}

// Normalize validates required fields and fills defaults.
func Normalize(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}

	if cfg.Telegram.Token == "" {
		return fmt.Errorf("telegram token is required")
	}
	if err := normalizeRunMode(cfg); err != nil {
		return err
	}
	if err := normalizeRateLimit(&cfg.RateLimit); err != nil {
		return err
	}

	if cfg.Destination.ChatID == 0 {
		return fmt.Errorf("destination.chat_id is required")
	}
	cfg.Destination.Username = strings.TrimPrefix(strings.TrimSpace(cfg.Destination.Username), "@")
	if cfg.Destination.ChatName == "" {
		cfg.Destination.ChatName = "the chat"
	}
	if cfg.Dialog.BotName == "" {
		cfg.Dialog.BotName = "relaybot"
	}

	if err := normalizeSession(cfg); err != nil {
		return err
	}
	normalizeDispatch(&cfg.Dispatch)

	if cfg.UsesDatabase() {
		db := &cfg.Database
		if db.Host == "" || db.Name == "" || db.User == "" {
			return fmt.Errorf("database.host, database.name and database.user are required when postgres is used")
		}
		if db.Port == "" {
			db.Port = "5432"
		}
		if db.SSLMode == "" {
			db.SSLMode = "disable"
		}
		if db.MaxConnections <= 0 {
			db.MaxConnections = 5
		}
	}
	return nil
}

func normalizeRunMode(cfg *Config) error {
	rm := strings.ToLower(strings.TrimSpace(cfg.Telegram.RunMode))
	if rm == "" || rm == "polling" {
		rm = RunModeLongpoll
	}
	switch rm {
	case RunModeWebhook:
		if strings.TrimSpace(cfg.Webhook.URL) == "" {
			return fmt.Errorf("webhook.url is required when telegram.run_mode is 'webhook'")
		}
		if strings.TrimSpace(cfg.Webhook.Listen) == "" {
			return fmt.Errorf("webhook.listen is required when telegram.run_mode is 'webhook'")
		}
		if cfg.Webhook.Port <= 0 {
			return fmt.Errorf("webhook.port must be > 0 when telegram.run_mode is 'webhook'")
		}
	case RunModeLongpoll:
		if cfg.Telegram.LongPollTimeoutSeconds < 0 {
			return fmt.Errorf("telegram.longpoll_timeout_seconds must be >= 0")
		}
	default:
		return fmt.Errorf("invalid telegram.run_mode %q; allowed: webhook, longpoll", cfg.Telegram.RunMode)
	}
	cfg.Telegram.RunMode = rm
	return nil
}

func normalizeRateLimit(rl *RateLimitConfig) error {
	if rl.IntervalMS < 0 {
		return fmt.Errorf("rate_limit.interval_ms must be >= 0")
	}
	if rl.Burst <= 0 {
		rl.Burst = 1
	}
	for i, v := range rl.ExcludeUpdates {
		key := strings.ToLower(strings.TrimSpace(v))
		switch key {
		case "", UpdateCallback, UpdateMessage:
		default:
			return fmt.Errorf("invalid rate_limit.exclude_updates value %q; allowed: callback, message", v)
		}
		rl.ExcludeUpdates[i] = key
	}
	return nil
}

func normalizeSession(cfg *Config) error {
	s := &cfg.Session
	s.Backend = strings.ToLower(strings.TrimSpace(s.Backend))
	switch s.Backend {
	case "":
		s.Backend = BackendMemory
	case BackendMemory, BackendPostgres:
	case BackendRedis:
		if strings.TrimSpace(cfg.Redis.URL) == "" {
			return fmt.Errorf("redis.url is required when session.backend is 'redis'")
		}
	default:
		return fmt.Errorf("invalid session.backend %q; allowed: memory, redis, postgres", s.Backend)
	}
	if s.TTL <= 0 {
		s.TTL = 48 * time.Hour
	}
	if s.PurgeSchedule == "" {
		s.PurgeSchedule = "@every 10m"
	}
	if s.MaxStackDepth <= 0 {
		s.MaxStackDepth = 4
	}
	if s.KeyPrefix == "" {
		s.KeyPrefix = "relaybot:fsm"
	}
	return nil
}

func normalizeDispatch(d *DispatchConfig) {
	if d.MaxRetries < 0 {
		d.MaxRetries = 0
	} else if d.MaxRetries == 0 {
		d.MaxRetries = 3
	}
	if d.RetryBackoff <= 0 {
		d.RetryBackoff = time.Second
	}
	if d.MaxDuration <= 0 {
		d.MaxDuration = 12 * time.Second
	}
	if d.BreakerFailures == 0 {
		d.BreakerFailures = 5
	}
	if d.BreakerTimeout <= 0 {
		d.BreakerTimeout = 30 * time.Second
	}
	if d.DuplicateWait <= 0 {
		d.DuplicateWait = d.MaxDuration + time.Second
	}
}
