package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Ingest captures everything the pipeline needs from the environment so main
// stays lean. Run-mode selection (full/year/incremental) stays on the CLI
// flag surface; knobs that rarely change per invocation live here.
type Ingest struct {
	DatabaseURL string
	APIKey      string

	// Upstream request budget shared by all workers.
	RequestsPerWindow int
	RequestWindow     time.Duration
	RequestTimeout    time.Duration
	MaxRetries        int

	Workers   int
	BatchSize int

	// Admin listener serving /healthz and /metrics during a run.
	// Empty disables it.
	AdminAddr string
}

// FromEnv builds an Ingest config from environment variables, reading a .env
// file first when one is present.
func FromEnv() Ingest {
	if err := godotenv.Load(); err != nil {
		// No .env is fine; system env vars still apply.
		_ = err
	}

	return Ingest{
		DatabaseURL:       getEnv("DATABASE_URL", "postgres://localhost/mlit_realestate"),
		APIKey:            os.Getenv("MLIT_API_KEY"),
		RequestsPerWindow: getEnvInt("MLIT_REQUESTS_PER_SECOND", 2),
		RequestWindow:     time.Second,
		RequestTimeout:    getEnvDuration("MLIT_REQUEST_TIMEOUT", 30*time.Second),
		MaxRetries:        getEnvInt("MLIT_MAX_RETRIES", 4),
		Workers:           getEnvInt("INGEST_WORKERS", 4),
		BatchSize:         getEnvInt("INGEST_BATCH_SIZE", 1000),
		AdminAddr:         os.Getenv("INGEST_ADMIN_ADDR"),
	}
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
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

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return fallback
}
