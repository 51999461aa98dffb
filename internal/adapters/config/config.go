package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"helios/pkg/errors"
)

type Config struct {
	App           AppConfig
	Redis         RedisConfig
	Kafka         KafkaConfig
	Telegram      TelegramConfig
	AI            AIConfig
	Circuit       CircuitConfig
	Retry         RetryConfig
	Cache         CacheConfig
	Safety        SafetyConfig
	Journal       JournalConfig
	Trigger       TriggerConfig
	Scheduler     SchedulerConfig
	Agents        AgentsConfig
	Metrics       MetricsConfig
	Admin         AdminConfig
	ErrorTracking ErrorTrackingConfig
}

type AppConfig struct {
	Name     string `envconfig:"APP_NAME" default:"helios"`
	Env      string `envconfig:"APP_ENV" default:"development"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	Debug    bool   `envconfig:"DEBUG" default:"false"`
}

type RedisConfig struct {
	Enabled  bool   `envconfig:"REDIS_ENABLED" default:"false"`
	Host     string `envconfig:"REDIS_HOST" default:"localhost"`
	Port     int    `envconfig:"REDIS_PORT" default:"6379"`
	Password string `envconfig:"REDIS_PASSWORD"`
	DB       int    `envconfig:"REDIS_DB" default:"0"`
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type KafkaConfig struct {
	Brokers []string `envconfig:"KAFKA_BROKERS"`
	GroupID string   `envconfig:"KAFKA_GROUP_ID" default:"helios"`
	Topic   string   `envconfig:"KAFKA_TRIGGER_TOPIC" default:"helios.triggers"`
}

type TelegramConfig struct {
	Enabled  bool    `envconfig:"TELEGRAM_ALERTS_ENABLED" default:"false"`
	BotToken string  `envconfig:"TELEGRAM_BOT_TOKEN"`
	ChatIDs  []int64 `envconfig:"TELEGRAM_ALERT_CHAT_IDS"`
}

// AIConfig holds provider credentials and the fallback priority order.
// Priority is a comma-separated provider list, highest priority first.
type AIConfig struct {
	OpenAIKey      string        `envconfig:"OPENAI_API_KEY"`
	ClaudeKey      string        `envconfig:"CLAUDE_API_KEY"`
	DeepSeekKey    string        `envconfig:"DEEPSEEK_API_KEY"`
	GeminiKey      string        `envconfig:"GEMINI_API_KEY"`
	Priority       string        `envconfig:"AI_PROVIDER_PRIORITY" default:"openai,claude,deepseek,gemini"`
	RequestTimeout time.Duration `envconfig:"AI_REQUEST_TIMEOUT" default:"60s"`

	// Per-provider rate limits (requests per minute, 0 = unlimited)
	OpenAIReqPerMin   int `envconfig:"OPENAI_REQ_PER_MIN" default:"500"`
	ClaudeReqPerMin   int `envconfig:"CLAUDE_REQ_PER_MIN" default:"300"`
	DeepSeekReqPerMin int `envconfig:"DEEPSEEK_REQ_PER_MIN" default:"300"`
	GeminiReqPerMin   int `envconfig:"GEMINI_REQ_PER_MIN" default:"300"`
}

// PriorityList returns the configured provider order, highest priority first.
func (c AIConfig) PriorityList() []string {
	parts := strings.Split(c.Priority, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

type CircuitConfig struct {
	FailureThreshold int           `envconfig:"CIRCUIT_FAILURE_THRESHOLD" default:"5"`
	Window           time.Duration `envconfig:"CIRCUIT_WINDOW" default:"10s"`
	Cooldown         time.Duration `envconfig:"CIRCUIT_COOLDOWN" default:"30s"`
	MaxCooldown      time.Duration `envconfig:"CIRCUIT_MAX_COOLDOWN" default:"10m"`
}

type RetryConfig struct {
	MaxAttempts int           `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`
	BaseDelay   time.Duration `envconfig:"RETRY_BASE_DELAY" default:"1s"`
	MaxDelay    time.Duration `envconfig:"RETRY_MAX_DELAY" default:"30s"`
}

type CacheConfig struct {
	DefaultTTL    time.Duration `envconfig:"CACHE_DEFAULT_TTL" default:"60s"`
	SweepInterval time.Duration `envconfig:"CACHE_SWEEP_INTERVAL" default:"5m"`
}

type SafetyConfig struct {
	MaxCumulativeLoss float64       `envconfig:"SAFETY_MAX_CUMULATIVE_LOSS" default:"1000"`
	KillSwitchTTL     time.Duration `envconfig:"SAFETY_KILL_SWITCH_TTL" default:"24h"`
}

type JournalConfig struct {
	Enabled  bool   `envconfig:"JOURNAL_ENABLED" default:"false"`
	Host     string `envconfig:"JOURNAL_PG_HOST" default:"localhost"`
	Port     int    `envconfig:"JOURNAL_PG_PORT" default:"5432"`
	User     string `envconfig:"JOURNAL_PG_USER" default:"helios"`
	Password string `envconfig:"JOURNAL_PG_PASSWORD"`
	Database string `envconfig:"JOURNAL_PG_DB" default:"helios"`
	SSLMode  string `envconfig:"JOURNAL_PG_SSL_MODE" default:"disable"`
}

func (c JournalConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// TriggerConfig selects and configures the real-time trigger feed.
// Source is "websocket", "kafka" or "none".
type TriggerConfig struct {
	Source           string        `envconfig:"TRIGGER_SOURCE" default:"none"`
	WebsocketURL     string        `envconfig:"TRIGGER_WS_URL"`
	Channels         []string      `envconfig:"TRIGGER_WS_CHANNELS"`
	HeartbeatTimeout time.Duration `envconfig:"TRIGGER_HEARTBEAT_TIMEOUT" default:"45s"`
}

// AgentsConfig configures the agent fleet registered at startup
type AgentsConfig struct {
	Symbols          []string      `envconfig:"AGENT_SYMBOLS" default:"BTCUSDT"`
	TradeQuantity    float64       `envconfig:"AGENT_TRADE_QUANTITY" default:"0.001"`
	TradeInterval    time.Duration `envconfig:"AGENT_TRADE_INTERVAL" default:"1m"`
	Model            string        `envconfig:"AGENT_MODEL" default:"gpt-4o-mini"`
	DecisionCacheTTL time.Duration `envconfig:"AGENT_DECISION_CACHE_TTL" default:"60s"`
	RiskInterval     time.Duration `envconfig:"AGENT_RISK_INTERVAL" default:"30s"`
	SentimentKey     string        `envconfig:"AGENT_SENTIMENT_EVENT_KEY" default:"news.flash"`
	MarketDataURL    string        `envconfig:"MARKET_DATA_BASE_URL" default:"https://api.binance.com"`
}

type SchedulerConfig struct {
	TickInterval    time.Duration `envconfig:"SCHEDULER_TICK_INTERVAL" default:"1s"`
	ShutdownTimeout time.Duration `envconfig:"SCHEDULER_SHUTDOWN_TIMEOUT" default:"30s"`
	DegradedAfter   int           `envconfig:"SCHEDULER_DEGRADED_AFTER" default:"3"`
}

type MetricsConfig struct {
	Enabled bool   `envconfig:"METRICS_ENABLED" default:"true"`
	Addr    string `envconfig:"METRICS_ADDR" default:":9090"`
}

// AdminConfig configures the operator HTTP surface (status, health,
// manual kill switch control)
type AdminConfig struct {
	Enabled bool   `envconfig:"ADMIN_ENABLED" default:"true"`
	Addr    string `envconfig:"ADMIN_ADDR" default:":8081"`
}

type ErrorTrackingConfig struct {
	Enabled     bool   `envconfig:"ERROR_TRACKING_ENABLED" default:"false"`
	SentryDSN   string `envconfig:"SENTRY_DSN"`
	Environment string `envconfig:"SENTRY_ENVIRONMENT" default:"production"`
}

// Load reads configuration from environment variables
// It first tries to load .env file (useful for local development)
func Load() (*Config, error) {
	// Load .env file if exists (ignore error if not exists)
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to process env config")
	}

	return &cfg, nil
}
