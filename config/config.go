package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port      string
	JWTSecret string
	DBPath    string

	// Key material for the PII cipher and lookup digests.
	EncryptionKey string
	HashKey       string

	MaxAttempts     int
	BackoffBase     time.Duration
	BackoffCap      time.Duration
	LeaseTimeout    time.Duration
	ReclaimInterval time.Duration
	PollInterval    time.Duration
	ClaimBatchSize  int
	WorkerCount     int
	JobTimeout      time.Duration
}

var (
	AppConfig Config
)

func LoadConfig() {
	err := godotenv.Load()
	if err != nil {
		log.Printf("Warning: .env file not found, using environment variables")
	}

	AppConfig = Config{
		Port:          getEnvOrDefault("PORT", "3000"),
		JWTSecret:     mustGetEnv("JWT_SECRET"),
		DBPath:        getEnvOrDefault("DB_PATH", "company.db"),
		EncryptionKey: mustGetEnv("PII_ENCRYPTION_KEY"),
		HashKey:       mustGetEnv("PII_HASH_KEY"),

		MaxAttempts:     getEnvInt("QUEUE_MAX_ATTEMPTS", 8),
		BackoffBase:     getEnvDuration("QUEUE_BACKOFF_BASE", 30*time.Second),
		BackoffCap:      getEnvDuration("QUEUE_BACKOFF_CAP", time.Hour),
		LeaseTimeout:    getEnvDuration("QUEUE_LEASE_TIMEOUT", 10*time.Minute),
		ReclaimInterval: getEnvDuration("QUEUE_RECLAIM_INTERVAL", time.Minute),
		PollInterval:    getEnvDuration("QUEUE_POLL_INTERVAL", 2*time.Second),
		ClaimBatchSize:  getEnvInt("QUEUE_CLAIM_BATCH", 25),
		WorkerCount:     getEnvInt("QUEUE_WORKERS", 4),
		JobTimeout:      getEnvDuration("QUEUE_JOB_TIMEOUT", 30*time.Second),
	}
}

func mustGetEnv(key string) string {
	value := os.Getenv(key)
	if value == "" {
		log.Fatalf("Environment variable %s is required", key)
	}
	return value
}

func getEnvOrDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		log.Fatalf("Environment variable %s must be an integer, got %q", key, value)
	}
	return n
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		log.Fatalf("Environment variable %s must be a duration, got %q", key, value)
	}
	return d
}
