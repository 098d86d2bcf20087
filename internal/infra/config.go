package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv         string
	Port           string
	DatabaseURL    string
	JWTSecret      string
	StoragePath    string
	StorageBaseURL string
	CDNBaseURL     string
	CDNAccessKey   string
	CDNPublicURL   string
	ComfyBaseURL   string
	AllowedOrigins []string

	// ComfyEmbeddings maps character ids to trained embedding tokens,
	// parsed from COMFY_EMBEDDINGS ("char-id=token,char-id2=token2").
	ComfyEmbeddings map[string]string

	// DevCredits seeds unseen users in the in-memory ledger so local
	// development works without a database. Ignored when DATABASE_URL is set.
	DevCredits int64

	MaxConcurrentJobs int
	QueueCapacity     int
	MaxRetries        int
	CostPerImage      int64
	JobTimeout        time.Duration
	JobRetention      time.Duration
	SweepInterval     time.Duration
	BackendPoll       time.Duration

	// ClientPollInterval is the poll cadence suggested to API clients in job
	// creation responses. Independent from BackendPoll so tuning the worker's
	// history polling does not change client behavior.
	ClientPollInterval time.Duration

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	RateLimitPerMin  int
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:          getEnv("APP_ENV", "development"),
		Port:            getEnv("PORT", "8080"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		JWTSecret:       os.Getenv("JWT_SECRET"),
		StoragePath:     getEnv("STORAGE_PATH", "./storage"),
		StorageBaseURL:  getEnv("STORAGE_BASE_URL", "http://localhost:8080/static"),
		CDNBaseURL:      os.Getenv("CDN_BASE_URL"),
		CDNAccessKey:    os.Getenv("CDN_ACCESS_KEY"),
		CDNPublicURL:    os.Getenv("CDN_PUBLIC_URL"),
		ComfyBaseURL:    os.Getenv("COMFY_BASE_URL"),
		AllowedOrigins:  splitList(os.Getenv("ALLOWED_ORIGINS")),
		ComfyEmbeddings: splitPairs(os.Getenv("COMFY_EMBEDDINGS")),
		DevCredits:      int64(getEnvInt("DEV_CREDITS", 100)),

		MaxConcurrentJobs: getEnvInt("MAX_CONCURRENT_JOBS", 3),
		QueueCapacity:     getEnvInt("QUEUE_CAPACITY", 100),
		MaxRetries:        getEnvInt("GENERATION_MAX_RETRIES", 3),
		CostPerImage:      int64(getEnvInt("COST_PER_IMAGE", 1)),
		JobTimeout:        time.Second * time.Duration(getEnvInt("JOB_TIMEOUT_SECONDS", 600)),
		JobRetention:      time.Hour * time.Duration(getEnvInt("JOB_RETENTION_HOURS", 24)),
		SweepInterval:     time.Minute * time.Duration(getEnvInt("SWEEP_INTERVAL_MINUTES", 10)),
		BackendPoll:       time.Second * time.Duration(getEnvInt("BACKEND_POLL_SECONDS", 2)),

		ClientPollInterval: time.Millisecond * time.Duration(getEnvInt("CLIENT_POLL_INTERVAL_MS", 2000)),

		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		RateLimitPerMin:  getEnvInt("RATE_LIMIT_PER_MINUTE", 30),
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	if cfg.MaxConcurrentJobs < 1 {
		return nil, fmt.Errorf("MAX_CONCURRENT_JOBS must be at least 1")
	}

	if cfg.QueueCapacity < 1 {
		return nil, fmt.Errorf("QUEUE_CAPACITY must be at least 1")
	}

	return cfg, nil
}

func splitPairs(raw string) map[string]string {
	out := make(map[string]string)
	for _, part := range splitList(raw) {
		key, value, ok := strings.Cut(part, "=")
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		if ok && key != "" && value != "" {
			out[key] = value
		}
	}
	return out
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if v := strings.TrimSpace(part); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}
