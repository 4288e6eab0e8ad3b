// Package config loads process configuration from environment variables.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds substrate configuration.
type Config struct {
	Port        string
	LogLevel    string
	DatabaseURL string
	CatalogPath string

	PollMin       time.Duration
	PollMax       time.Duration
	SweepInterval time.Duration
	LeaseSafety   float64
	MaxRequeues   int
	WorkerCount   int
	StrictOutput  bool

	RedisAddr     string
	APIJWTSecret  string
	ArchiveBucket string
	ArchivePrefix string

	OTLPEndpoint string
	OTELEnabled  bool
}

// Load reads configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		Port:        getenv("PORT", "8080"),
		LogLevel:    getenv("LOG_LEVEL", "INFO"),
		DatabaseURL: getenv("DATABASE_URL", "file:fieldops.db"),
		CatalogPath: getenv("CATALOG_PATH", "configs/catalog.yaml"),

		PollMin:       getenvMillis("WORKER_POLL_MIN_MS", 1000),
		PollMax:       getenvMillis("WORKER_POLL_MAX_MS", 30000),
		SweepInterval: getenvMillis("SWEEP_INTERVAL_MS", 30000),
		LeaseSafety:   getenvFloat("LEASE_SAFETY_FACTOR", 2.0),
		MaxRequeues:   getenvInt("MAX_REQUEUES", 3),
		WorkerCount:   getenvInt("WORKER_COUNT", 2),
		StrictOutput:  os.Getenv("EXECUTOR_STRICT_OUTPUT") == "true",

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		APIJWTSecret:  os.Getenv("API_JWT_SECRET"),
		ArchiveBucket: os.Getenv("ARCHIVE_S3_BUCKET"),
		ArchivePrefix: getenv("ARCHIVE_S3_PREFIX", "receipts"),

		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),
		OTELEnabled:  os.Getenv("OTEL_ENABLED") == "true",
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getenvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getenvMillis(key string, fallbackMs int) time.Duration {
	return time.Duration(getenvInt(key, fallbackMs)) * time.Millisecond
}
