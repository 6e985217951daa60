// Package config читает настройки сервиса из переменных окружения и .env.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/allisson/go-env"
	validation "github.com/jellydator/validation"
	"github.com/joho/godotenv"

	"github.com/vladislavdragonenkov/ordering/internal/domain"
	"github.com/vladislavdragonenkov/ordering/internal/downstream"
)

const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
)

// Config содержит все настройки процесса.
type Config struct {
	Storage             string
	PostgresDSN         string
	PostgresAutoMigrate bool

	OpsAddr       string
	NotifyTimeout time.Duration
	LogLevel      string

	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxWorkers      int
	OutboxLease        time.Duration
	OutboxBackoffBase  time.Duration
	OutboxBackoffMax   time.Duration
	OutboxRetention    time.Duration

	KafkaBrokers          []string
	KafkaOrderEventsTopic string
	KafkaStockTopic       string
	KafkaDLQTopic         string
	KafkaConsumerGroup    string

	// RedisAddr задаёт общий кэш токенов; если пусто, кэш живёт в памяти процесса.
	RedisAddr         string
	TokenSafetyMargin time.Duration

	OTLPEndpoint string

	Targets []downstream.TargetConfig
}

// targetPrefixes задаёт префикс переменных окружения для каждого сервиса.
var targetPrefixes = map[domain.Target]string{
	domain.TargetCustomerAccount: "DOWNSTREAM_CUSTOMER_ACCOUNT_",
	domain.TargetStaffProduct:    "DOWNSTREAM_STAFF_PRODUCT_",
	domain.TargetInvoicing:       "DOWNSTREAM_INVOICING_",
	domain.TargetReview:          "DOWNSTREAM_REVIEW_",
}

// Load читает .env (ищется вверх от рабочего каталога), окружение и проверяет результат.
func Load() (*Config, error) {
	loadDotEnv()

	cfg := &Config{
		Storage:             strings.ToLower(env.GetString("ORDERING_STORAGE", StorageMemory)),
		PostgresDSN:         env.GetString("ORDERING_POSTGRES_DSN", ""),
		PostgresAutoMigrate: env.GetBool("ORDERING_POSTGRES_AUTO_MIGRATE", true),

		OpsAddr:       env.GetString("ORDERING_OPS_ADDR", ":9090"),
		NotifyTimeout: env.GetDuration("ORDERING_NOTIFY_TIMEOUT_SECONDS", 15, time.Second),
		LogLevel:      env.GetString("LOG_LEVEL", "info"),

		OutboxPollInterval: env.GetDuration("OUTBOX_POLL_INTERVAL_SECONDS", 10, time.Second),
		OutboxBatchSize:    env.GetInt("OUTBOX_BATCH_SIZE", 100),
		OutboxWorkers:      env.GetInt("OUTBOX_WORKERS", 1),
		OutboxLease:        env.GetDuration("OUTBOX_LEASE_SECONDS", 60, time.Second),
		OutboxBackoffBase:  env.GetDuration("OUTBOX_BACKOFF_BASE_SECONDS", 10, time.Second),
		OutboxBackoffMax:   env.GetDuration("OUTBOX_BACKOFF_MAX_SECONDS", 3600, time.Second),
		OutboxRetention:    env.GetDuration("OUTBOX_RETENTION_HOURS", 720, time.Hour),

		KafkaBrokers:          splitList(env.GetString("KAFKA_BROKERS", "")),
		KafkaOrderEventsTopic: env.GetString("KAFKA_ORDER_EVENTS_TOPIC", "ordering.order.events"),
		KafkaStockTopic:       env.GetString("KAFKA_STOCK_TOPIC", "ordering.stock.adjustments"),
		KafkaDLQTopic:         env.GetString("KAFKA_DLQ_TOPIC", "ordering.dlq"),
		KafkaConsumerGroup:    env.GetString("KAFKA_CONSUMER_GROUP", "ordering-service"),

		RedisAddr:         env.GetString("REDIS_ADDR", ""),
		TokenSafetyMargin: env.GetDuration("TOKEN_SAFETY_MARGIN_SECONDS", 30, time.Second),

		OTLPEndpoint: env.GetString("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
	}

	for _, target := range domain.Targets() {
		cfg.Targets = append(cfg.Targets, loadTarget(target, targetPrefixes[target]))
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func loadTarget(target domain.Target, prefix string) downstream.TargetConfig {
	def := downstream.DefaultTargetConfig(target)
	return downstream.TargetConfig{
		Target:           target,
		BaseURL:          env.GetString(prefix+"BASE_URL", ""),
		Authority:        env.GetString(prefix+"AUTHORITY", ""),
		TokenURL:         env.GetString(prefix+"TOKEN_URL", ""),
		ClientID:         env.GetString(prefix+"CLIENT_ID", ""),
		ClientSecret:     env.GetString(prefix+"CLIENT_SECRET", ""),
		Scope:            env.GetString(prefix+"SCOPE", ""),
		MaxAttempts:      env.GetInt(prefix+"MAX_ATTEMPTS", def.MaxAttempts),
		BackoffBase:      env.GetDuration(prefix+"BACKOFF_BASE_SECONDS", 1, time.Second),
		FailureThreshold: env.GetInt(prefix+"FAILURE_THRESHOLD", def.FailureThreshold),
		FailureWindow:    env.GetDuration(prefix+"FAILURE_WINDOW_SECONDS", 30, time.Second),
		OpenDuration:     env.GetDuration(prefix+"OPEN_DURATION_SECONDS", 30, time.Second),
		Timeout:          env.GetDuration(prefix+"TIMEOUT_SECONDS", 5, time.Second),
		RateLimit:        env.GetFloat64(prefix+"RATE_LIMIT", 0),
		RateBurst:        env.GetInt(prefix+"RATE_BURST", 0),
	}
}

// Validate проверяет согласованность настроек.
func (c *Config) Validate() error {
	err := validation.ValidateStruct(c,
		validation.Field(&c.Storage, validation.Required, validation.In(StorageMemory, StoragePostgres).
			Error("must be memory or postgres")),
		validation.Field(&c.PostgresDSN, validation.When(c.Storage == StoragePostgres,
			validation.Required.Error("is required for postgres storage"))),
		validation.Field(&c.OpsAddr, validation.Required),
		validation.Field(&c.NotifyTimeout, validation.Min(time.Second)),
		validation.Field(&c.LogLevel, validation.In("trace", "debug", "info", "warn", "warning", "error")),
		validation.Field(&c.OutboxPollInterval, validation.Min(100*time.Millisecond)),
		validation.Field(&c.OutboxBatchSize, validation.Required, validation.Min(1), validation.Max(10000)),
		validation.Field(&c.OutboxWorkers, validation.Required, validation.Min(1), validation.Max(256)),
		validation.Field(&c.OutboxLease, validation.Min(time.Second)),
		validation.Field(&c.OutboxBackoffBase, validation.Min(time.Duration(0))),
		validation.Field(&c.OutboxBackoffMax, validation.Min(c.OutboxBackoffBase).
			Error("must not be less than the backoff base")),
		validation.Field(&c.OutboxRetention, validation.Min(time.Hour)),
		validation.Field(&c.KafkaConsumerGroup, validation.When(len(c.KafkaBrokers) > 0, validation.Required)),
		validation.Field(&c.TokenSafetyMargin, validation.Min(time.Duration(0))),
		validation.Field(&c.Targets, validation.By(validateTargets)),
	)
	return domain.ValidationError(err)
}

func validateTargets(value any) error {
	targets, _ := value.([]downstream.TargetConfig)
	for _, t := range targets {
		err := validation.Errors{
			"max_attempts":      validation.Validate(t.MaxAttempts, validation.Min(1), validation.Max(20)),
			"failure_threshold": validation.Validate(t.FailureThreshold, validation.Min(1)),
			"rate_limit":        validation.Validate(t.RateLimit, validation.Min(0.0)),
			"client_secret": validation.Validate(t.ClientSecret,
				validation.When(t.ClientID != "", validation.Required.Error("is required with client id"))),
		}.Filter()
		if err != nil {
			return fmt.Errorf("%s: %w", t.Target, err)
		}
	}
	return nil
}

// Target возвращает настройки одного сервиса.
func (c *Config) Target(target domain.Target) (downstream.TargetConfig, bool) {
	for _, t := range c.Targets {
		if t.Target == target {
			return t, true
		}
	}
	return downstream.TargetConfig{}, false
}

func splitList(raw string) []string {
	var items []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

// loadDotEnv ищет .env от рабочего каталога вверх до корня и загружает первый найденный.
func loadDotEnv() {
	dir, err := os.Getwd()
	if err != nil {
		return
	}
	for {
		envPath := filepath.Join(dir, ".env")
		if _, err := os.Stat(envPath); err == nil {
			_ = godotenv.Load(envPath)
			return
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return
		}
		dir = parent
	}
}
