// Package config предоставляет загрузку конфигурации из переменных окружения.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Config содержит полную конфигурацию приложения.
type Config struct {
	App         AppConfig
	HTTP        HTTPConfig
	MySQL       MySQLConfig
	Redis       RedisConfig
	Kafka       KafkaConfig
	Idempotency IdempotencyConfig
	Outbox      OutboxConfig
	Saga        SagaConfig
	PG          PGConfig
	Webhook     WebhookConfig
	RateLimit   RateLimitConfig
	Jaeger      JaegerConfig
	Metrics     MetricsConfig
}

// AppConfig содержит общие настройки приложения.
type AppConfig struct {
	Name      string `env:"APP_NAME" envDefault:"fluxpay"`
	Env       string `env:"APP_ENV" envDefault:"development"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogPretty bool   `env:"LOG_PRETTY" envDefault:"false"`
}

// HTTPConfig содержит настройки HTTP сервера.
type HTTPConfig struct {
	Port            int           `env:"HTTP_PORT" envDefault:"8080"`
	ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"10s"`
	WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"15s"`
	ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

// Addr возвращает адрес HTTP сервера.
func (c HTTPConfig) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// MySQLConfig содержит настройки подключения к MySQL.
type MySQLConfig struct {
	Host            string        `env:"MYSQL_HOST" envDefault:"localhost"`
	Port            int           `env:"MYSQL_PORT" envDefault:"3306"`
	User            string        `env:"MYSQL_USER" envDefault:"root"`
	Password        string        `env:"MYSQL_PASSWORD" envDefault:"root"`
	Database        string        `env:"MYSQL_DATABASE" envDefault:"fluxpay"`
	MaxOpenConns    int           `env:"MYSQL_MAX_OPEN_CONNS" envDefault:"20"`
	MaxIdleConns    int           `env:"MYSQL_MAX_IDLE_CONNS" envDefault:"10"`
	ConnMaxLifetime time.Duration `env:"MYSQL_CONN_MAX_LIFETIME" envDefault:"5m"`
}

// DSN возвращает строку подключения к MySQL.
func (c MySQLConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// RedisConfig содержит настройки подключения к Redis.
type RedisConfig struct {
	Host     string `env:"REDIS_HOST" envDefault:"localhost"`
	Port     int    `env:"REDIS_PORT" envDefault:"6379"`
	Password string `env:"REDIS_PASSWORD" envDefault:""`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
}

// Addr возвращает адрес Redis сервера.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// KafkaConfig содержит настройки подключения к Kafka.
type KafkaConfig struct {
	Brokers       []string `env:"KAFKA_BROKERS" envDefault:"localhost:9092" envSeparator:","`
	ConsumerGroup string   `env:"KAFKA_CONSUMER_GROUP" envDefault:"fluxpay"`
}

// IdempotencyConfig содержит настройки шлюза идемпотентности.
type IdempotencyConfig struct {
	// TTL — время жизни записи идемпотентности (fast и durable tier).
	TTL time.Duration `env:"IDEMPOTENCY_TTL" envDefault:"24h"`

	// SweepInterval — интервал очистки истёкших записей в durable tier.
	SweepInterval time.Duration `env:"IDEMPOTENCY_SWEEP_INTERVAL" envDefault:"1h"`
}

// OutboxConfig содержит настройки Outbox Publisher.
type OutboxConfig struct {
	// PollInterval — интервал опроса таблицы outbox_events.
	PollInterval time.Duration `env:"OUTBOX_POLL_INTERVAL" envDefault:"100ms"`

	// BatchSize — количество записей за один claim.
	BatchSize int `env:"OUTBOX_BATCH_SIZE" envDefault:"100"`

	// MaxRetries — максимум попыток публикации до перевода в FAILED.
	MaxRetries int `env:"OUTBOX_MAX_RETRIES" envDefault:"3"`

	// ProcessingLease — срок, после которого зависшие PROCESSING записи
	// возвращаются janitor'ом в PENDING.
	ProcessingLease time.Duration `env:"OUTBOX_PROCESSING_LEASE" envDefault:"30s"`

	// JanitorInterval — интервал запуска janitor.
	JanitorInterval time.Duration `env:"OUTBOX_JANITOR_INTERVAL" envDefault:"10s"`

	// Retention — срок хранения опубликованных записей до удаления.
	Retention time.Duration `env:"OUTBOX_RETENTION" envDefault:"168h"`
}

// SagaConfig содержит настройки Saga Orchestrator.
type SagaConfig struct {
	// ClaimLease — срок владения сагой одним воркером.
	// После истечения незавершённая сага может быть перехвачена другим воркером.
	ClaimLease time.Duration `env:"SAGA_CLAIM_LEASE" envDefault:"60s"`

	// CompensationRetries — количество попыток компенсирующего действия.
	CompensationRetries int `env:"SAGA_COMPENSATION_RETRIES" envDefault:"3"`

	// RecoveryInterval — интервал поиска брошенных саг.
	RecoveryInterval time.Duration `env:"SAGA_RECOVERY_INTERVAL" envDefault:"30s"`
}

// PGConfig содержит настройки клиента платёжного шлюза (PG).
type PGConfig struct {
	BaseURL string `env:"PG_BASE_URL" envDefault:"http://localhost:9000"`

	// Таймауты PG вызовов.
	ConnectTimeout time.Duration `env:"PG_CONNECT_TIMEOUT" envDefault:"3s"`
	ReadTimeout    time.Duration `env:"PG_READ_TIMEOUT" envDefault:"10s"`
	TotalTimeout   time.Duration `env:"PG_TOTAL_TIMEOUT" envDefault:"15s"`

	// MaxConcurrent — bulkhead: максимум одновременных PG вызовов.
	MaxConcurrent int `env:"PG_MAX_CONCURRENT" envDefault:"50"`

	// RetryAttempts — попытки для идемпотентных операций (cancel, refund).
	RetryAttempts int `env:"PG_RETRY_ATTEMPTS" envDefault:"3"`

	// ApprovalMaxAge — максимальный возраст авторизации до подтверждения.
	ApprovalMaxAge time.Duration `env:"PG_APPROVAL_MAX_AGE" envDefault:"24h"`
}

// WebhookConfig содержит настройки входящих вебхуков от PG.
type WebhookConfig struct {
	// Secret — ключ HMAC-SHA256 подписи.
	Secret string `env:"WEBHOOK_SECRET" envDefault:"fluxpay-webhook-secret"`

	// TimestampTolerance — допустимое расхождение временной метки.
	TimestampTolerance time.Duration `env:"WEBHOOK_TIMESTAMP_TOLERANCE" envDefault:"5m"`

	// NonceTTL — окно уникальности X-Nonce.
	NonceTTL time.Duration `env:"WEBHOOK_NONCE_TTL" envDefault:"5m"`

	// MaxFailures — количество неудачных обработок одного pg_transaction_id
	// до передачи в операторский inbox.
	MaxFailures int `env:"WEBHOOK_MAX_FAILURES" envDefault:"5"`
}

// RateLimitConfig содержит настройки ограничения запросов.
type RateLimitConfig struct {
	Enabled bool          `env:"RATE_LIMIT_ENABLED" envDefault:"true"`
	Limit   int           `env:"RATE_LIMIT_LIMIT" envDefault:"100"`
	Window  time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"1m"`
}

// JaegerConfig содержит настройки трассировки Jaeger.
type JaegerConfig struct {
	Enabled  bool   `env:"JAEGER_ENABLED" envDefault:"false"`
	Host     string `env:"JAEGER_HOST" envDefault:"localhost"`
	OTLPPort int    `env:"JAEGER_OTLP_PORT" envDefault:"4317"` // OTLP gRPC порт
}

// OTLPEndpoint возвращает OTLP gRPC endpoint для Jaeger.
func (c JaegerConfig) OTLPEndpoint() string {
	return fmt.Sprintf("%s:%d", c.Host, c.OTLPPort)
}

// MetricsConfig содержит настройки Prometheus метрик.
type MetricsConfig struct {
	Enabled bool `env:"METRICS_ENABLED" envDefault:"true"` // Включить metrics endpoint
	Port    int  `env:"METRICS_PORT" envDefault:"9090"`    // Порт для /metrics
}

// Addr возвращает адрес для Metrics HTTP сервера.
func (c MetricsConfig) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Load загружает конфигурацию из переменных окружения.
// Опционально загружает .env файл, если он существует.
func Load() (*Config, error) {
	// Пытаемся загрузить .env файл (игнорируем ошибку, если файл не найден)
	_ = godotenv.Load()

	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("ошибка парсинга конфигурации: %w", err)
	}

	return cfg, nil
}

// IsDevelopment возвращает true, если приложение запущено в development режиме.
func (c *Config) IsDevelopment() bool {
	return c.App.Env == "development"
}

// IsProduction возвращает true, если приложение запущено в production режиме.
func (c *Config) IsProduction() bool {
	return c.App.Env == "production"
}
