package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	JWT       JWTConfig
	Booking   BookingConfig
	Payment   PaymentConfig
	Sweeper   SweeperConfig
	Redis     RedisConfig
	Events    EventsConfig
	RateLimit RateLimitConfig
	CORS      CORSConfig
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Port        string
	Environment string // development, staging, production
	LogLevel    string // debug, info, warn, error
}

// DatabaseConfig holds database-related configuration
type DatabaseConfig struct {
	URL                string
	MaxConnections     int
	MaxIdleConnections int
	ConnMaxLifetime    time.Duration
}

// JWTConfig holds JWT-related configuration
type JWTConfig struct {
	Secret            string
	AccessTokenExpiry time.Duration
}

// BookingConfig holds lifecycle policy
type BookingConfig struct {
	HoldDuration       time.Duration
	CancellationWindow time.Duration // user cancellations of confirmed bookings must happen this long before start
	Currency           string
	MaxDuration        time.Duration
}

// PaymentConfig holds processor configuration
type PaymentConfig struct {
	StripeSecretKey     string
	StripeWebhookSecret string
	MaxRetries          int
	InitialBackoff      time.Duration
	MaxBackoff          time.Duration
}

// SweeperConfig holds reconciliation schedule configuration
type SweeperConfig struct {
	Schedule           string // robfig/cron expression with seconds
	GracePeriod        time.Duration
	BatchSize          int
	CompletionSchedule string
}

// RedisConfig holds redis configuration for webhook dedupe
type RedisConfig struct {
	URL              string
	WebhookDedupeTTL time.Duration
}

// EventsConfig holds domain event broker configuration
type EventsConfig struct {
	AMQPURL  string
	Exchange string
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// CORSConfig holds CORS-related configuration
type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists (for local development)
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	config := &Config{
		Server: ServerConfig{
			Port:        getEnv("PORT", "8080"),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
		},
		Database: DatabaseConfig{
			URL:                getEnv("DATABASE_URL", ""),
			MaxConnections:     getEnvAsInt("DATABASE_MAX_CONNECTIONS", 10),
			MaxIdleConnections: getEnvAsInt("DATABASE_MAX_IDLE_CONNECTIONS", 5),
			ConnMaxLifetime:    time.Duration(getEnvAsInt("DATABASE_CONN_MAX_LIFETIME", 300)) * time.Second,
		},
		JWT: JWTConfig{
			Secret:            getEnv("JWT_SECRET", ""),
			AccessTokenExpiry: time.Duration(getEnvAsInt("JWT_ACCESS_TOKEN_EXPIRY", 3600)) * time.Second,
		},
		Booking: BookingConfig{
			HoldDuration:       time.Duration(getEnvAsInt("BOOKING_HOLD_DURATION_SECONDS", 600)) * time.Second,
			CancellationWindow: time.Duration(getEnvAsInt("BOOKING_CANCELLATION_WINDOW_HOURS", 24)) * time.Hour,
			Currency:           strings.ToLower(getEnv("BOOKING_CURRENCY", "usd")),
			MaxDuration:        time.Duration(getEnvAsInt("BOOKING_MAX_DURATION_HOURS", 12)) * time.Hour,
		},
		Payment: PaymentConfig{
			StripeSecretKey:     getEnv("STRIPE_SECRET_KEY", ""),
			StripeWebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),
			MaxRetries:          getEnvAsInt("PAYMENT_MAX_RETRIES", 3),
			InitialBackoff:      time.Duration(getEnvAsInt("PAYMENT_INITIAL_BACKOFF_MS", 200)) * time.Millisecond,
			MaxBackoff:          time.Duration(getEnvAsInt("PAYMENT_MAX_BACKOFF_MS", 5000)) * time.Millisecond,
		},
		Sweeper: SweeperConfig{
			Schedule:           getEnv("SWEEPER_SCHEDULE", "@every 30s"),
			GracePeriod:        time.Duration(getEnvAsInt("SWEEPER_GRACE_PERIOD_SECONDS", 120)) * time.Second,
			BatchSize:          getEnvAsInt("SWEEPER_BATCH_SIZE", 100),
			CompletionSchedule: getEnv("COMPLETION_SCHEDULE", "0 */5 * * * *"),
		},
		Redis: RedisConfig{
			URL:              getEnv("REDIS_URL", ""),
			WebhookDedupeTTL: time.Duration(getEnvAsInt("WEBHOOK_DEDUPE_TTL_HOURS", 72)) * time.Hour,
		},
		Events: EventsConfig{
			AMQPURL:  getEnv("AMQP_URL", ""),
			Exchange: getEnv("AMQP_EXCHANGE", "booking.events"),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: getEnvAsFloat("RATE_LIMIT_REQUESTS_PER_SECOND", 5),
			Burst:             getEnvAsInt("RATE_LIMIT_BURST", 10),
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnvAsSlice("CORS_ALLOWED_ORIGINS", []string{"*"}),
			AllowedMethods: getEnvAsSlice("CORS_ALLOWED_METHODS", []string{"GET", "POST", "PUT", "OPTIONS"}),
			AllowedHeaders: getEnvAsSlice("CORS_ALLOWED_HEADERS", []string{"Content-Type", "Authorization", "Idempotency-Key"}),
		},
	}

	// Validate required configuration
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// IsProduction reports whether the service runs in production
func (c *Config) IsProduction() bool {
	return c.Server.Environment == "production"
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.JWT.Secret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}

	if c.Booking.HoldDuration <= 0 {
		return fmt.Errorf("BOOKING_HOLD_DURATION_SECONDS must be positive")
	}

	if c.Payment.MaxRetries < 0 {
		return fmt.Errorf("PAYMENT_MAX_RETRIES cannot be negative")
	}

	if c.Sweeper.BatchSize <= 0 {
		return fmt.Errorf("SWEEPER_BATCH_SIZE must be positive")
	}

	// Processor credentials are only mandatory in production
	if c.IsProduction() {
		if c.Payment.StripeSecretKey == "" {
			return fmt.Errorf("STRIPE_SECRET_KEY is required in production")
		}
		if c.Payment.StripeWebhookSecret == "" {
			return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required in production")
		}
	}

	return nil
}

// Helper functions to get environment variables

func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		log.Printf("Invalid integer value for %s, using default: %d", key, defaultValue)
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		log.Printf("Invalid float value for %s, using default: %g", key, defaultValue)
		return defaultValue
	}
	return value
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var result []string
	for _, v := range strings.Split(valueStr, ",") {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	if len(result) == 0 {
		return defaultValue
	}
	return result
}
