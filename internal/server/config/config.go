package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	AppEnv                 string
	Port                   string
	StoragePath            string
	BaseURL                string
	MaxFileSize            int64
	TransferTimeout        time.Duration
	ProgressInterval       time.Duration
	CleanupInterval        time.Duration
	RateLimitRPS           float64
	RateLimitBurst         int
	MaxFilesPerRequest     int

	// Docs are served only when a username and a password or password
	// hash are set. DocsPasswordHash is a bcrypt hash and wins over
	// DocsPassword.
	DocsUsername     string
	DocsPassword     string
	DocsPasswordHash string

	SentryDSN string
}

// Load reads a .env file when present, then the environment.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found, using environment variables")
	}
	return FromEnv()
}

// FromEnv reads the configuration from the process environment only.
func FromEnv() *Config {
	return &Config{
		AppEnv:                 getEnv("APP_ENV", "production"),
		Port:                   getEnv("PORT", "7860"),
		StoragePath:            getEnv("STORAGE_PATH", "./uploads"),
		BaseURL:                getEnv("BASE_URL", "http://localhost:7860"),
		MaxFileSize:            getEnvInt64("MAX_FILE_SIZE", 2*1024*1024*1024), // 2GB
		TransferTimeout:        getEnvSeconds("TRANSFER_TIMEOUT_SECONDS", 60*time.Second),
		ProgressInterval:       getEnvSeconds("PROGRESS_INTERVAL_SECONDS", 2*time.Second),
		CleanupInterval:        getEnvHours("CLEANUP_INTERVAL_HOURS", 1*time.Hour),
		RateLimitRPS:           getEnvFloat64("RATE_LIMIT_RPS", 10),
		RateLimitBurst:         getEnvInt("RATE_LIMIT_BURST", 20),
		MaxFilesPerRequest:     getEnvInt("MAX_FILES_PER_REQUEST", 20),
		DocsUsername:           getEnv("DOCS_USERNAME", ""),
		DocsPassword:           getEnv("DOCS_PASSWORD", ""),
		DocsPasswordHash:       getEnv("DOCS_PASSWORD_HASH", ""),
		SentryDSN:              getEnv("SENTRY_DSN", ""),
	}
}

// DocsEnabled reports whether docs credentials are configured.
func (c *Config) DocsEnabled() bool {
	return c.DocsUsername != "" && (c.DocsPassword != "" || c.DocsPasswordHash != "")
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat64(key string, fallback float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvHours(key string, fallback time.Duration) time.Duration {
	return getEnvScaled(key, time.Hour, fallback)
}

func getEnvSeconds(key string, fallback time.Duration) time.Duration {
	return getEnvScaled(key, time.Second, fallback)
}

func getEnvScaled(key string, unit time.Duration, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.ParseFloat(val, 64); err == nil {
			return time.Duration(n * float64(unit))
		}
	}
	return fallback
}
