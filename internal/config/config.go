package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// AppConfig holds process-level settings.
type AppConfig struct {
	ServiceName string
	Port        string
	Environment string
}

// DBConfig holds the Postgres connection settings
type DBConfig struct {
	URL            string
	OpLogURL       string
	MaxConns       int32
	ConnMaxIdle    time.Duration
	MigrationsPath string
	AutoMigrate    bool
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type KafkaConfig struct {
	Brokers         []string
	PreferenceTopic string
	ConsumerGroup   string
	ClientID        string
}

type QueueConfig struct {
	Key          string
	PollInterval time.Duration
	BatchSize    int
	WorkerLimit  int
	MaxAttempts  int
	RetryBackoff time.Duration
	JobTimeout   time.Duration
	LockTTL      time.Duration
}

type SchedulerConfig struct {
	SyncInterval time.Duration
	SweepLockTTL time.Duration
	SweepTimeout time.Duration
}

type CalendarConfig struct {
	BaseURL string
	Timeout time.Duration
}

type DeliveryConfig struct {
	TwilioAccountSID   string
	TwilioAuthToken    string
	TwilioPhoneNumber  string
	TwilioWhatsAppFrom string
	SendGridAPIKey     string
	SendGridFromEmail  string
	EmailSubject       string
	WebhookHost        string
	AttemptTimeout     time.Duration
}

type AuthConfig struct {
	JWTSecret      string
	AllowedOrigins []string
}

// Config is the complete configuration of both binaries.
type Config struct {
	AppCfg             AppConfig
	DBConfig           DBConfig
	RedisCfg           RedisConfig
	KafkaCfg           KafkaConfig
	QueueCfg           QueueConfig
	SchedulerCfg       SchedulerConfig
	CalendarCfg        CalendarConfig
	DeliveryCfg        DeliveryConfig
	AuthCfg            AuthConfig
	RebuildWorkerLimit int
	RebuildBatchSize   int
}

// LoadConfig reads .env (when present) and the environment.
func LoadConfig(serviceName string) (*Config, error) {
	// .env is optional; containers get real environment variables.
	_ = godotenv.Load()

	dbURL := os.Getenv("DATABASE_URL")
	cfg := &Config{
		AppCfg: AppConfig{
			ServiceName: getEnv("SERVICE_NAME", serviceName),
			Port:        getEnv("PORT", "8080"),
			Environment: getEnv("ENVIRONMENT", "development"),
		},
		DBConfig: DBConfig{
			URL:            dbURL,
			OpLogURL:       getEnv("OPLOG_DATABASE_URL", dbURL),
			MaxConns:       int32(getEnvInt("DB_MAX_CONNS", 10)),
			ConnMaxIdle:    getEnvDuration("DB_CONN_IDLE", 5*time.Minute),
			MigrationsPath: getEnv("MIGRATIONS_PATH", "file://migrations"),
			AutoMigrate:    getEnvBool("DB_AUTO_MIGRATE", true),
		},
		RedisCfg: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		KafkaCfg: KafkaConfig{
			Brokers:         getEnvList("KAFKA_BROKERS", []string{"localhost:9092"}),
			PreferenceTopic: getEnv("KAFKA_PREFERENCE_TOPIC", "hakhel.preference.changed"),
			ConsumerGroup:   getEnv("KAFKA_CONSUMER_GROUP", "hakhel-impact-analyzer"),
			ClientID:        getEnv("KAFKA_CLIENT_ID", serviceName),
		},
		QueueCfg: QueueConfig{
			Key:          getEnv("QUEUE_KEY", "hakhel:jobs"),
			PollInterval: getEnvDuration("QUEUE_POLL_INTERVAL", time.Second),
			BatchSize:    getEnvInt("QUEUE_BATCH_SIZE", 50),
			WorkerLimit:  getEnvInt("QUEUE_WORKER_LIMIT", 8),
			MaxAttempts:  getEnvInt("QUEUE_MAX_ATTEMPTS", 5),
			RetryBackoff: getEnvDuration("QUEUE_RETRY_BACKOFF", 30*time.Second),
			JobTimeout:   getEnvDuration("QUEUE_JOB_TIMEOUT", 2*time.Minute),
			LockTTL:      getEnvDuration("DISPATCH_LOCK_TTL", 2*time.Minute),
		},
		SchedulerCfg: SchedulerConfig{
			SyncInterval: getEnvDuration("SCHEDULER_SYNC_INTERVAL", 15*time.Minute),
			SweepLockTTL: getEnvDuration("SWEEP_LOCK_TTL", 12*time.Hour),
			SweepTimeout: getEnvDuration("SWEEP_TIMEOUT", 30*time.Minute),
		},
		CalendarCfg: CalendarConfig{
			BaseURL: getEnv("HEBCAL_BASE_URL", "https://www.hebcal.com"),
			Timeout: getEnvDuration("HEBCAL_TIMEOUT", 5*time.Second),
		},
		DeliveryCfg: DeliveryConfig{
			TwilioAccountSID:   os.Getenv("TWILIO_ACCOUNT_SID"),
			TwilioAuthToken:    os.Getenv("TWILIO_AUTH_TOKEN"),
			TwilioPhoneNumber:  os.Getenv("TWILIO_PHONE_NUMBER"),
			TwilioWhatsAppFrom: getEnv("TWILIO_WHATSAPP_FROM", "+14155238886"),
			SendGridAPIKey:     os.Getenv("SENDGRID_API_KEY"),
			SendGridFromEmail:  getEnv("SENDGRID_FROM_EMAIL", "no-reply@hakhel.me"),
			EmailSubject:       getEnv("EMAIL_SUBJECT", "הודעה מהקהל"),
			WebhookHost:        os.Getenv("WEBHOOK_HOST"),
			AttemptTimeout:     getEnvDuration("DELIVERY_ATTEMPT_TIMEOUT", 15*time.Second),
		},
		AuthCfg: AuthConfig{
			JWTSecret:      os.Getenv("JWT_SECRET"),
			AllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		},
		RebuildWorkerLimit: getEnvInt("REBUILD_WORKER_LIMIT", 4),
		RebuildBatchSize:   getEnvInt("REBUILD_BATCH_SIZE", 200),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports missing required settings.
func (c *Config) Validate() error {
	var missing []string
	if c.DBConfig.URL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if c.AuthCfg.JWTSecret == "" && c.AppCfg.Environment == "production" {
		missing = append(missing, "JWT_SECRET")
	}
	if len(c.KafkaCfg.Brokers) == 0 {
		missing = append(missing, "KAFKA_BROKERS")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	if c.QueueCfg.WorkerLimit < 1 {
		return fmt.Errorf("QUEUE_WORKER_LIMIT must be positive, got %d", c.QueueCfg.WorkerLimit)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
