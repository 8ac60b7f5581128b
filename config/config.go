package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	ServerPort string
	AppEnv     string
	LogLevel   string
	LogFormat  string

	RateLimitStore string // memory | redis
	RedisAddr      string
	RedisPassword  string
	RedisDB        int

	PostgresDSN string

	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroupID string

	JWTSecret      string
	BackendURL     string
	CORSOrigins    []string
	TrustedProxies []string

	Alerts AlertConfig
	Audit  AuditConfig

	TrialDays int
}

type AlertConfig struct {
	WebhookURL        string
	SlackWebhookURL   string
	DiscordWebhookURL string
	EmailEndpoint     string
	EmailAPIKey       string
	EmailTo           []string
	DeliveryTimeout   time.Duration
	Pacing            time.Duration
	QueueSize         int
}

type AuditConfig struct {
	RapidRequestsPerMinute int
	UserDailyRequests      int
	BlockDuration          time.Duration
	MaxEvents              int
}

// Load reads configuration from the environment, after merging an optional
// .env file from the working directory.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		ServerPort: getEnv("SERVER_PORT", "8080"),
		AppEnv:     getEnv("APP_ENV", "development"),
		LogLevel:   getEnv("LOG_LEVEL", ""),
		LogFormat:  getEnv("LOG_FORMAT", ""),

		RateLimitStore: getEnv("RATE_LIMIT_STORE", "memory"),
		RedisAddr:      getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:  getEnv("REDIS_PASSWORD", ""),
		RedisDB:        getEnvInt("REDIS_DB", 0),

		PostgresDSN: getEnv("POSTGRES_DSN", ""),

		KafkaBrokers: getEnvList("KAFKA_BROKERS", nil),
		KafkaTopic:   getEnv("KAFKA_TOPIC", "security-events"),
		KafkaGroupID: getEnv("KAFKA_GROUP_ID", "security-event-archivers"),

		JWTSecret:      getEnv("JWT_SECRET", "your-secret-key-change-in-production"),
		BackendURL:     getEnv("BACKEND_URL", "http://localhost:9000"),
		CORSOrigins:    getEnvList("CORS_ALLOWED_ORIGINS", nil),
		TrustedProxies: getEnvList("TRUSTED_PROXIES", nil),

		Alerts: AlertConfig{
			WebhookURL:        getEnv("ALERT_WEBHOOK_URL", ""),
			SlackWebhookURL:   getEnv("ALERT_SLACK_WEBHOOK_URL", ""),
			DiscordWebhookURL: getEnv("ALERT_DISCORD_WEBHOOK_URL", ""),
			EmailEndpoint:     getEnv("ALERT_EMAIL_ENDPOINT", ""),
			EmailAPIKey:       getEnv("ALERT_EMAIL_API_KEY", ""),
			EmailTo:           getEnvList("ALERT_EMAIL_TO", nil),
			DeliveryTimeout:   getEnvDuration("ALERT_DELIVERY_TIMEOUT", 5*time.Second),
			Pacing:            getEnvDuration("ALERT_PACING", 100*time.Millisecond),
			QueueSize:         getEnvInt("ALERT_QUEUE_SIZE", 1000),
		},

		Audit: AuditConfig{
			RapidRequestsPerMinute: getEnvInt("AUDIT_RAPID_REQUESTS", 50),
			UserDailyRequests:      getEnvInt("AUDIT_USER_DAILY", 1000),
			BlockDuration:          getEnvDuration("AUDIT_BLOCK_DURATION", time.Hour),
			MaxEvents:              getEnvInt("AUDIT_MAX_EVENTS", 10000),
		},

		TrialDays: getEnvInt("TRIAL_DAYS", 14),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func getEnvList(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
