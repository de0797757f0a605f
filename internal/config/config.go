// Package config holds the CLI configuration: defaults from QRDROP_*
// environment variables, overridden by command-line flags.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config stores every tunable of the CLI.
type Config struct {
	Debug bool

	// Rendezvous
	RendezvousURL string // rendezvous server URL; empty disables codes
	ListenAddr    string // address the rendezvous server binds
	ExpiryWindow  time.Duration
	PollInterval  time.Duration
	PollTimeout   time.Duration

	// Redis backing for the rendezvous server
	RedisAddr     string // empty keeps the store in memory
	RedisPassword string
	RedisDB       int

	// Received files
	OutputDir string

	// MinIO sink; used instead of OutputDir when an endpoint is set
	MinIOEndpoint   string
	MinIOAccessKey  string
	MinIOSecretKey  string
	MinIOBucketName string
	MinIOUseSSL     bool

	// Transfer
	HistoryPath   string // empty disables the ledger
	Loopback      bool   // offer loopback candidates, for two ends on one host
	GatherTimeout time.Duration
	ChunkPause    time.Duration

	// Tracing
	ServiceName  string
	OTLPEndpoint string // empty disables tracing
}

// Load reads configuration from the environment with defaults.
func Load() *Config {
	return &Config{
		Debug: getEnvAsBool("QRDROP_DEBUG", false),

		RendezvousURL: getEnv("QRDROP_RENDEZVOUS_URL", ""),
		ListenAddr:    getEnv("QRDROP_LISTEN_ADDR", ":7788"),
		ExpiryWindow:  getEnvAsDuration("QRDROP_EXPIRY_WINDOW", 5*time.Minute),
		PollInterval:  getEnvAsDuration("QRDROP_POLL_INTERVAL", time.Second),
		PollTimeout:   getEnvAsDuration("QRDROP_POLL_TIMEOUT", 5*time.Minute),

		RedisAddr:     getEnv("QRDROP_REDIS_ADDR", ""),
		RedisPassword: getEnv("QRDROP_REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("QRDROP_REDIS_DB", 0),

		OutputDir: getEnv("QRDROP_OUTPUT_DIR", "."),

		MinIOEndpoint:   getEnv("QRDROP_MINIO_ENDPOINT", ""),
		MinIOAccessKey:  getEnv("QRDROP_MINIO_ACCESS_KEY", "minioadmin"),
		MinIOSecretKey:  getEnv("QRDROP_MINIO_SECRET_KEY", "minioadmin"),
		MinIOBucketName: getEnv("QRDROP_MINIO_BUCKET", "qrdrop"),
		MinIOUseSSL:     getEnvAsBool("QRDROP_MINIO_USE_SSL", false),

		HistoryPath:   getEnv("QRDROP_HISTORY", defaultHistoryPath()),
		Loopback:      getEnvAsBool("QRDROP_LOOPBACK", false),
		GatherTimeout: getEnvAsDuration("QRDROP_GATHER_TIMEOUT", 2*time.Second),
		ChunkPause:    getEnvAsDuration("QRDROP_CHUNK_PAUSE", time.Millisecond),

		ServiceName:  getEnv("QRDROP_SERVICE_NAME", "qrdrop"),
		OTLPEndpoint: getEnv("QRDROP_OTLP_ENDPOINT", ""),
	}
}

// UseMinIO reports whether received files go to a bucket.
func (c *Config) UseMinIO() bool {
	return c.MinIOEndpoint != ""
}

func defaultHistoryPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "qrdrop-history.db"
	}
	return filepath.Join(dir, "qrdrop", "history.db")
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
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

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
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
