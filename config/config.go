// Package config loads the relay's configuration from the environment,
// with a .env file honored when present.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	// HTTP server
	HTTPAddr  string
	WSBaseURL string // Public websocket base URL advertised to producers

	// RTMP ingest
	RTMPAddr       string
	RTMPIngestAddr string // Public RTMP URL advertised to publishers

	// Relay
	ProbeTimeout   time.Duration
	PingInterval   time.Duration
	GraceWindow    time.Duration
	FallbackFPS    int
	FallbackWidth  int
	FallbackHeight int

	// Snapshot storage
	StorageType        string // "local" or "gcs"
	StorageDir         string
	GCSBucket          string
	GCSPrefix          string
	GCSCredentialsFile string

	// Auth
	DefaultTokenExpiration time.Duration
	MaxTokenExpiration     time.Duration

	// Logging
	LogLevel  string
	LogFormat string // "json" or "console"
}

// Load loads configuration from environment variables with defaults. A .env
// file in the working directory is loaded first if one exists.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		HTTPAddr:  getEnv("HTTP_ADDR", ":8080"),
		WSBaseURL: getEnv("WS_BASE_URL", "ws://localhost:8080"),

		RTMPAddr:       getEnv("RTMP_ADDR", ":1935"),
		RTMPIngestAddr: getEnv("RTMP_INGEST_ADDR", "rtmp://localhost:1935"),

		ProbeTimeout:   getDurationEnv("PROBE_TIMEOUT", 5*time.Second),
		PingInterval:   getDurationEnv("PING_INTERVAL", 30*time.Second),
		GraceWindow:    getDurationEnv("SESSION_GRACE_WINDOW", 30*time.Second),
		FallbackFPS:    getIntEnv("FALLBACK_FPS", 15),
		FallbackWidth:  getIntEnv("FALLBACK_WIDTH", 1170),
		FallbackHeight: getIntEnv("FALLBACK_HEIGHT", 2532),

		StorageType:        getEnv("STORAGE_TYPE", "local"),
		StorageDir:         getEnv("STORAGE_DIR", "./data/snapshots"),
		GCSBucket:          getEnv("GCS_BUCKET", ""),
		GCSPrefix:          getEnv("GCS_PREFIX", "snapshots"),
		GCSCredentialsFile: getEnv("GCS_CREDENTIALS_FILE", ""),

		DefaultTokenExpiration: getDurationEnv("DEFAULT_TOKEN_EXPIRATION", 1*time.Hour),
		MaxTokenExpiration:     getDurationEnv("MAX_TOKEN_EXPIRATION", 24*time.Hour),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}
}

// Helper functions to get environment variables with defaults

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
