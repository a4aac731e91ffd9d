package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds process-wide configuration, loaded once from the
// environment at startup.
type Config struct {
	Environment string `env:"ENVIRONMENT"`
	Port        string `env:"PORT"`
	LogLevel    string `env:"LOG_LEVEL"`
	NodeEnv     string `env:"NODE_ENV"`

	LogToFiles      bool   `env:"LOG_TO_FILES"`
	ErrorLogPath    string `env:"ERROR_LOG_PATH"`
	CombinedLogPath string `env:"COMBINED_LOG_PATH"`

	RedisHost     string `env:"REDIS_HOST"`
	RedisPort     string `env:"REDIS_PORT"`
	RedisPassword string `env:"REDIS_PASSWORD,secret"`

	MongoURI string `env:"MONGODB_URI,secret"`

	DatabaseURL string `env:"DATABASE_URL,secret"`

	InactiveTimeout         time.Duration `env:"INACTIVE_TIMEOUT"`
	MinVideoTimeoutHours    float64       `env:"MIN_VIDEO_TIMEOUT_HOURS"`
	VideoDurationMultiplier float64       `env:"VIDEO_DURATION_MULTIPLIER"`
	HistoryCap              int           `env:"HISTORY_CAP"`

	IsEncryptedPassword bool `env:"IS_ENCRYPTED_PASSWORD"`

	JWTSigningKey string `env:"JWT_SIGNING_KEY,secret"`

	// CatalogBaseURL is the upstream video-catalog service the asset
	// adapter calls out to.
	CatalogBaseURL string `env:"CATALOG_BASE_URL"`

	// RateLimitPerSecond is the per-source-address HTTP rate limit.
	RateLimitPerSecond float64 `env:"RATE_LIMIT_PER_SECOND"`
}

// RedisAddr returns the host:port pair go-redis expects.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Port:        getEnv("PORT", "8000"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		NodeEnv:     getEnv("NODE_ENV", "development"),

		LogToFiles:      getEnvAsBool("LOG_TO_FILES", false),
		ErrorLogPath:    getEnv("ERROR_LOG_PATH", "./logs/error.log"),
		CombinedLogPath: getEnv("COMBINED_LOG_PATH", "./logs/combined.log"),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),

		MongoURI: getEnv("MONGODB_URI", ""),

		DatabaseURL: getEnv("DATABASE_URL", ""),

		InactiveTimeout:         getEnvAsDuration("INACTIVE_TIMEOUT", 300*time.Second),
		MinVideoTimeoutHours:    getEnvAsFloat("MIN_VIDEO_TIMEOUT_HOURS", 2),
		VideoDurationMultiplier: getEnvAsFloat("VIDEO_DURATION_MULTIPLIER", 5),
		HistoryCap:              getEnvAsInt("HISTORY_CAP", 0),

		IsEncryptedPassword: getEnvAsBool("IS_ENCRYPTED_PASSWORD", false),

		JWTSigningKey: getEnv("JWT_SIGNING_KEY", "dev-only-signing-key"),

		CatalogBaseURL:     getEnv("CATALOG_BASE_URL", "http://localhost:9000"),
		RateLimitPerSecond: getEnvAsFloat("RATE_LIMIT_PER_SECOND", 20),
	}
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}
