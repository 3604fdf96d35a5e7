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
	AppEnv      string
	Port        string
	DatabaseURL string

	// Provider credentials and endpoints.
	GeminiAPIKey     string
	GeminiBaseURL    string
	DashScopeAPIKey  string
	DashScopeBaseURL string

	// Reference image handling.
	ImageProxyBaseURL string
	ImageProxyHosts   []string

	// Result storage.
	StorageDir     string
	StorageBaseURL string

	// Worker.
	WorkerConcurrency int
	ClaimInterval     time.Duration

	// Retention.
	TaskRetention time.Duration
	PurgeSchedule string

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	RateLimitPerMin  int
	AllowedOrigins   []string
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:            getEnv("APP_ENV", "development"),
		Port:              getEnv("PORT", "8080"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		GeminiAPIKey:      os.Getenv("GEMINI_API_KEY"),
		GeminiBaseURL:     getEnv("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com/v1beta"),
		DashScopeAPIKey:   os.Getenv("DASHSCOPE_API_KEY"),
		DashScopeBaseURL:  getEnv("DASHSCOPE_BASE_URL", "https://dashscope-intl.aliyuncs.com/api/v1"),
		ImageProxyBaseURL: os.Getenv("IMAGE_PROXY_BASE_URL"),
		ImageProxyHosts:   getEnvList("IMAGE_PROXY_HOSTS"),
		StorageDir:        getEnv("STORAGE_DIR", "./data/files"),
		StorageBaseURL:    getEnv("STORAGE_BASE_URL", "http://localhost:8080/files"),
		WorkerConcurrency: getEnvInt("WORKER_CONCURRENCY", 8),
		ClaimInterval:     time.Second * time.Duration(getEnvInt("CLAIM_INTERVAL_SECONDS", 2)),
		TaskRetention:     time.Hour * time.Duration(getEnvInt("TASK_RETENTION_HOURS", 168)),
		PurgeSchedule:     getEnv("PURGE_SCHEDULE", "@hourly"),
		HTTPReadTimeout:   time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout:  time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)),
		HTTPIdleTimeout:   time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		RateLimitPerMin:   getEnvInt("RATE_LIMIT_PER_MINUTE", 30),
		AllowedOrigins:    getEnvList("ALLOWED_ORIGINS"),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
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

func getEnvList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
