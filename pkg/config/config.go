package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Lock     LockConfig     `mapstructure:"lock"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	OTel     OTelConfig     `mapstructure:"otel"`
}

// AppConfig holds application-level settings
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"` // development, staging, production
	Debug       bool   `mapstructure:"debug"`
	LogLevel    string `mapstructure:"log_level"`
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	// LockTimeout bounds how long a writer waits on a desk row lock before
	// the transaction fails with a retryable error.
	LockTimeout time.Duration `mapstructure:"lock_timeout"`
}

// DSN returns the PostgreSQL connection string
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Addr returns the Redis address
func (r *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// KafkaConfig holds Kafka/Redpanda connection settings
type KafkaConfig struct {
	Brokers  []string `mapstructure:"brokers"`
	ClientID string   `mapstructure:"client_id"`
	Topic    string   `mapstructure:"topic"`
}

// LockConfig holds advisory desk lock settings
type LockConfig struct {
	// TTL is the refresh TTL of an advisory lock (default 60s).
	TTL time.Duration `mapstructure:"ttl"`
	// MaxLifetime is the absolute ceiling a lock may live regardless of
	// refreshes (default 300s).
	MaxLifetime time.Duration `mapstructure:"max_lifetime"`
}

// WorkerConfig holds background worker settings
type WorkerConfig struct {
	ReconcileInterval  time.Duration `mapstructure:"reconcile_interval"`
	ReconcileWindow    time.Duration `mapstructure:"reconcile_window"`
	OutboxPollInterval time.Duration `mapstructure:"outbox_poll_interval"`
	OutboxBatchSize    int           `mapstructure:"outbox_batch_size"`
}

// OTelConfig holds OpenTelemetry settings
type OTelConfig struct {
	Enabled       bool    `mapstructure:"enabled"`
	ServiceName   string  `mapstructure:"service_name"`
	CollectorAddr string  `mapstructure:"collector_addr"`
	SampleRatio   float64 `mapstructure:"sample_ratio"`
}

// Load loads configuration from environment variables and .env file
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")

	// Read from .env file (optional); env vars alone are fine.
	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	cfg := &Config{}
	if err := bindConfig(v, cfg); err != nil {
		return nil, fmt.Errorf("failed to bind config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_NAME", "deskbooking")
	v.SetDefault("APP_ENVIRONMENT", "development")
	v.SetDefault("APP_DEBUG", true)
	v.SetDefault("APP_LOG_LEVEL", "info")

	v.SetDefault("DATABASE_HOST", "localhost")
	v.SetDefault("DATABASE_PORT", 5432)
	v.SetDefault("DATABASE_USER", "postgres")
	v.SetDefault("DATABASE_PASSWORD", "")
	v.SetDefault("DATABASE_DBNAME", "deskbooking")
	v.SetDefault("DATABASE_SSLMODE", "disable")
	v.SetDefault("DATABASE_MAX_CONNS", 25)
	v.SetDefault("DATABASE_MIN_CONNS", 5)
	v.SetDefault("DATABASE_CONN_MAX_LIFETIME", "1h")
	v.SetDefault("DATABASE_LOCK_TIMEOUT", "5s")

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_POOL_SIZE", 100)
	v.SetDefault("REDIS_MIN_IDLE_CONNS", 10)
	v.SetDefault("REDIS_DIAL_TIMEOUT", "5s")
	v.SetDefault("REDIS_READ_TIMEOUT", "3s")
	v.SetDefault("REDIS_WRITE_TIMEOUT", "3s")

	v.SetDefault("KAFKA_BROKERS", "localhost:9092")
	v.SetDefault("KAFKA_CLIENT_ID", "deskbooking")
	v.SetDefault("KAFKA_TOPIC", "desk-events")

	v.SetDefault("LOCK_TTL", "60s")
	v.SetDefault("LOCK_MAX_LIFETIME", "300s")

	v.SetDefault("WORKER_RECONCILE_INTERVAL", "60s")
	v.SetDefault("WORKER_RECONCILE_WINDOW", "1m")
	v.SetDefault("WORKER_OUTBOX_POLL_INTERVAL", "1s")
	v.SetDefault("WORKER_OUTBOX_BATCH_SIZE", 100)

	v.SetDefault("OTEL_ENABLED", false)
	v.SetDefault("OTEL_SERVICE_NAME", "deskbooking")
	v.SetDefault("OTEL_COLLECTOR_ADDR", "localhost:4317")
	v.SetDefault("OTEL_SAMPLE_RATIO", 1.0)
}

func bindConfig(v *viper.Viper, cfg *Config) error {
	cfg.App = AppConfig{
		Name:        v.GetString("APP_NAME"),
		Environment: v.GetString("APP_ENVIRONMENT"),
		Debug:       v.GetBool("APP_DEBUG"),
		LogLevel:    v.GetString("APP_LOG_LEVEL"),
	}
	cfg.Database = DatabaseConfig{
		Host:            v.GetString("DATABASE_HOST"),
		Port:            v.GetInt("DATABASE_PORT"),
		User:            v.GetString("DATABASE_USER"),
		Password:        v.GetString("DATABASE_PASSWORD"),
		DBName:          v.GetString("DATABASE_DBNAME"),
		SSLMode:         v.GetString("DATABASE_SSLMODE"),
		MaxConns:        int32(v.GetInt("DATABASE_MAX_CONNS")),
		MinConns:        int32(v.GetInt("DATABASE_MIN_CONNS")),
		ConnMaxLifetime: v.GetDuration("DATABASE_CONN_MAX_LIFETIME"),
		LockTimeout:     v.GetDuration("DATABASE_LOCK_TIMEOUT"),
	}
	cfg.Redis = RedisConfig{
		Host:         v.GetString("REDIS_HOST"),
		Port:         v.GetInt("REDIS_PORT"),
		Password:     v.GetString("REDIS_PASSWORD"),
		DB:           v.GetInt("REDIS_DB"),
		PoolSize:     v.GetInt("REDIS_POOL_SIZE"),
		MinIdleConns: v.GetInt("REDIS_MIN_IDLE_CONNS"),
		DialTimeout:  v.GetDuration("REDIS_DIAL_TIMEOUT"),
		ReadTimeout:  v.GetDuration("REDIS_READ_TIMEOUT"),
		WriteTimeout: v.GetDuration("REDIS_WRITE_TIMEOUT"),
	}
	cfg.Kafka = KafkaConfig{
		Brokers:  strings.Split(v.GetString("KAFKA_BROKERS"), ","),
		ClientID: v.GetString("KAFKA_CLIENT_ID"),
		Topic:    v.GetString("KAFKA_TOPIC"),
	}
	cfg.Lock = LockConfig{
		TTL:         v.GetDuration("LOCK_TTL"),
		MaxLifetime: v.GetDuration("LOCK_MAX_LIFETIME"),
	}
	cfg.Worker = WorkerConfig{
		ReconcileInterval:  v.GetDuration("WORKER_RECONCILE_INTERVAL"),
		ReconcileWindow:    v.GetDuration("WORKER_RECONCILE_WINDOW"),
		OutboxPollInterval: v.GetDuration("WORKER_OUTBOX_POLL_INTERVAL"),
		OutboxBatchSize:    v.GetInt("WORKER_OUTBOX_BATCH_SIZE"),
	}
	cfg.OTel = OTelConfig{
		Enabled:       v.GetBool("OTEL_ENABLED"),
		ServiceName:   v.GetString("OTEL_SERVICE_NAME"),
		CollectorAddr: v.GetString("OTEL_COLLECTOR_ADDR"),
		SampleRatio:   v.GetFloat64("OTEL_SAMPLE_RATIO"),
	}
	return nil
}

// Validate checks cross-field constraints the defaults cannot guarantee.
func (c *Config) Validate() error {
	if c.Database.DBName == "" {
		return fmt.Errorf("DATABASE_DBNAME is required")
	}
	if c.Lock.TTL <= 0 || c.Lock.MaxLifetime <= 0 {
		return fmt.Errorf("lock TTL and max lifetime must be positive")
	}
	if c.Lock.MaxLifetime < c.Lock.TTL {
		return fmt.Errorf("LOCK_MAX_LIFETIME must be >= LOCK_TTL")
	}
	if c.Worker.OutboxBatchSize <= 0 {
		return fmt.Errorf("WORKER_OUTBOX_BATCH_SIZE must be positive")
	}
	return nil
}
