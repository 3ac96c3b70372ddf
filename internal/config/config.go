package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application
type Config struct {
	Environment  string
	Server       ServerConfig
	Database     DatabaseConfig
	Auth         AuthConfig
	Redis        RedisConfig
	Kafka        KafkaConfig
	Engine       EngineConfig
	Registration RegistrationConfig
	Log          LogConfig
}

// ServerConfig holds the server configuration
type ServerConfig struct {
	Port            int
	AllowedOrigins  []string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds the database configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	DBName   string
	SSLMode  string
}

// AuthConfig holds the authentication configuration
type AuthConfig struct {
	JWTSecret     string
	TokenDuration time.Duration
	AdminEmails   []string
}

// RedisConfig holds the TTL cache connection settings
type RedisConfig struct {
	URL      string
	Password string
	DB       int
}

// KafkaConfig holds the notification producer settings
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// EngineConfig bounds the profit engine's store calls
type EngineConfig struct {
	StoreTimeout       time.Duration
	MaxConflictRetries int
}

// RegistrationConfig controls pending registrations and one-time codes
type RegistrationConfig struct {
	PendingTTL time.Duration
	OTPPeriod  time.Duration
}

// LogConfig holds the logger settings
type LogConfig struct {
	Level  string
	Format string
}

// GetDSN returns the database connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.Username, c.Password, c.DBName, c.SSLMode,
	)
}

// IsProduction reports whether the service runs in production
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// LoadConfig loads the configuration from environment variables, reading a
// .env file first when one is present
func LoadConfig() *Config {
	_ = godotenv.Load()

	return &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Port:            getEnvAsInt("SERVER_PORT", 8080),
			AllowedOrigins:  getEnvAsList("ALLOWED_ORIGINS", []string{"*"}),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			Username: getEnv("DB_USERNAME", "postgres"),
			Password: getEnv("DB_PASSWORD", "password"),
			DBName:   getEnv("DB_NAME", "referrals"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Auth: AuthConfig{
			JWTSecret:     getEnv("JWT_SECRET", "your-secret-key-here"),
			TokenDuration: getEnvAsDuration("JWT_EXPIRE", 24*time.Hour),
			AdminEmails:   getEnvAsList("ADMIN_EMAILS", nil),
		},
		Redis: RedisConfig{
			URL:      getEnv("REDIS_URL", "redis://localhost:6379/0"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Kafka: KafkaConfig{
			Brokers: getEnvAsList("KAFKA_BROKERS", nil),
			Topic:   getEnv("KAFKA_NOTIFICATION_TOPIC", "user-notifications"),
		},
		Engine: EngineConfig{
			StoreTimeout:       getEnvAsDuration("ENGINE_STORE_TIMEOUT", 5*time.Second),
			MaxConflictRetries: getEnvAsInt("ENGINE_MAX_CONFLICT_RETRIES", 3),
		},
		Registration: RegistrationConfig{
			PendingTTL: getEnvAsDuration("REGISTRATION_PENDING_TTL", 90*time.Second),
			OTPPeriod:  getEnvAsDuration("REGISTRATION_OTP_PERIOD", 90*time.Second),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "console"),
		},
	}
}

// Helper functions to read environment variables
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	var values []string
	for _, v := range strings.Split(valueStr, ",") {
		if v = strings.TrimSpace(v); v != "" {
			values = append(values, v)
		}
	}
	return values
}
