package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	Server      ServerConfig
	Redis       RedisConfig
	Kafka       KafkaConfig
	Database    DatabaseConfig
	Stripe      StripeConfig
	Auth        AuthConfig
	Reservation ReservationConfig
	LogLevel    string `env:"LOG_LEVEL" envDefault:"INFO"`
}

type ServerConfig struct {
	Port         string        `env:"PORT" envDefault:":8080"`
	WebhookPort  string        `env:"WEBHOOK_PORT" envDefault:":8081"`
	ReadTimeout  time.Duration `env:"SERVER_READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" envDefault:"15s"`
	IdleTimeout  time.Duration `env:"SERVER_IDLE_TIMEOUT" envDefault:"60s"`
	CORSOrigins  []string      `env:"CORS_ALLOWED_ORIGINS" envSeparator:","`
}

type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
}

type KafkaConfig struct {
	Brokers []string `env:"KAFKA_BROKERS" envDefault:"localhost:9092" envSeparator:","`
	Enabled bool     `env:"KAFKA_ENABLED" envDefault:"true"`
	Topics  TopicConfig
}

type TopicConfig struct {
	RegistrationEvents string `env:"KAFKA_TOPIC_REGISTRATIONS" envDefault:"registration-events"`
	EmailQueue         string `env:"KAFKA_TOPIC_EMAIL" envDefault:"notifications-email"`
	SMSQueue           string `env:"KAFKA_TOPIC_SMS" envDefault:"notifications-sms"`
}

type DatabaseConfig struct {
	Host          string        `env:"DB_HOST" envDefault:"localhost"`
	Port          string        `env:"DB_PORT" envDefault:"5432"`
	Username      string        `env:"DB_USERNAME" envDefault:"reservations"`
	Password      string        `env:"DB_PASSWORD" envDefault:"reservations"`
	Database      string        `env:"DB_NAME" envDefault:"reservations"`
	SSLMode       string        `env:"DB_SSLMODE" envDefault:"disable"`
	MaxOpenConns  int           `env:"DB_MAX_OPEN_CONNS" envDefault:"25"`
	MaxIdleConns  int           `env:"DB_MAX_IDLE_CONNS" envDefault:"25"`
	MaxLifetime   time.Duration `env:"DB_MAX_LIFETIME" envDefault:"5m"`
	AutoMigrate   bool          `env:"DB_AUTO_MIGRATE" envDefault:"false"`
	MigrationsDir string        `env:"DB_MIGRATIONS_DIR" envDefault:"internal/database/migrations/sql"`
}

type StripeConfig struct {
	SecretKey     string `env:"STRIPE_SECRET_KEY"`
	WebhookSecret string `env:"STRIPE_WEBHOOK_SECRET"`
}

type AuthConfig struct {
	// Empty issuer disables token verification on operator routes.
	OIDCIssuer string `env:"OIDC_ISSUER"`
	ClientID   string `env:"OIDC_CLIENT_ID"`
}

type ReservationConfig struct {
	HoldTTL       time.Duration `env:"HOLD_TTL" envDefault:"15m"`
	SweepLimit    int           `env:"SWEEP_LIMIT" envDefault:"50"`
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"60s"`
	Currency      string        `env:"CURRENCY" envDefault:"usd"`
	PassSecret    string        `env:"QR_SECRET_KEY" envDefault:"change-me"`
}

// DSN builds a postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		d.Username, d.Password, d.Host, d.Port, d.Database, d.SSLMode)
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := ParseEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}
