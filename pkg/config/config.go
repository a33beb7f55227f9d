// Package config reads the environment for the API and worker binaries.
// Unset or malformed values fall back to their defaults.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/imalyk/go-ofx-processor/pkg/queue"
	"github.com/imalyk/go-ofx-processor/pkg/storage"
)

// Shared holds settings read by both binaries.
type Shared struct {
	WorkerSecret  string
	RedisURL      string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	QueueName     string
	TempDir       string
	Storage       storage.Config
	LogLevel      slog.Level
}

// API configures the HTTP process.
type API struct {
	Shared
	ListenAddr      string
	MaxUploadBytes  int64
	CleanupMaxAge   time.Duration
	CleanupInterval time.Duration
	EnqueueTimeout  time.Duration
	RateWindow      time.Duration
	RateLimit       int
	GlobalRPS       float64
	GlobalBurst     int
	TrustForwarded  bool
	CookieSecure    bool
}

// Worker configures the conversion consumer.
type Worker struct {
	Shared
	ConverterPath    string
	Interpreter      []string
	ConverterTimeout time.Duration
	MaxAttempts      int
	Backoff          time.Duration
	Retention        time.Duration
	PollTimeout      time.Duration
	APIURL           string
	Concurrency      int
	WorkerID         string
}

func loadShared() Shared {
	return Shared{
		WorkerSecret:  os.Getenv("WORKER_SECRET"),
		RedisURL:      strings.TrimSpace(os.Getenv("REDIS_URL")),
		RedisAddr:     valueOrDefault(os.Getenv("REDIS_ADDR"), "localhost:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       parseInt(os.Getenv("REDIS_DB"), 0),
		QueueName:     valueOrDefault(os.Getenv("QUEUE_NAME"), queue.DefaultName),
		TempDir:       valueOrDefault(os.Getenv("TEMP_DIR"), "./temp"),
		Storage: storage.Config{
			Endpoint:  strings.TrimSpace(os.Getenv("STORAGE_ENDPOINT")),
			AccessKey: os.Getenv("STORAGE_ACCESS_KEY"),
			SecretKey: os.Getenv("STORAGE_SECRET_KEY"),
			Bucket:    valueOrDefault(os.Getenv("STORAGE_BUCKET"), "ofx-staging"),
			UseSSL:    parseBool(os.Getenv("STORAGE_USE_SSL"), false),
			Region:    os.Getenv("STORAGE_REGION"),
		},
		LogLevel: ParseLogLevel(os.Getenv("LOG_LEVEL")),
	}
}

// LoadAPI reads the API configuration.
func LoadAPI() API {
	return API{
		Shared:          loadShared(),
		ListenAddr:      valueOrDefault(os.Getenv("LISTEN_ADDR"), ":3000"),
		MaxUploadBytes:  int64(parseInt(os.Getenv("MAX_UPLOAD_MB"), 20)) << 20,
		CleanupMaxAge:   time.Duration(parseInt(os.Getenv("CLEANUP_AGE_HOURS"), 24)) * time.Hour,
		CleanupInterval: parseDuration(os.Getenv("CLEANUP_INTERVAL"), time.Hour),
		EnqueueTimeout:  parseDuration(os.Getenv("QUEUE_ENQUEUE_TIMEOUT"), 5*time.Second),
		RateWindow:      parseDuration(os.Getenv("RATE_LIMIT_WINDOW"), 60*time.Second),
		RateLimit:       parseInt(os.Getenv("RATE_LIMIT_MAX"), 10),
		GlobalRPS:       parseFloat(os.Getenv("GLOBAL_RPS"), 100),
		GlobalBurst:     parseInt(os.Getenv("GLOBAL_BURST"), 200),
		TrustForwarded:  parseBool(os.Getenv("TRUST_FORWARDED_FOR"), true),
		CookieSecure:    parseBool(os.Getenv("COOKIE_SECURE"), false),
	}
}

// LoadWorker reads the worker configuration.
func LoadWorker() Worker {
	workerID := strings.TrimSpace(os.Getenv("WORKER_ID"))
	if workerID == "" {
		if host, err := os.Hostname(); err == nil {
			workerID = host
		} else {
			workerID = "worker"
		}
	}

	return Worker{
		Shared:           loadShared(),
		ConverterPath:    valueOrDefault(os.Getenv("CONVERTER_PATH"), "./conversor-python/convert.py"),
		Interpreter:      strings.Fields(os.Getenv("CONVERTER_INTERPRETER")),
		ConverterTimeout: parseDuration(os.Getenv("CONVERTER_TIMEOUT"), 5*time.Minute),
		MaxAttempts:      parseInt(os.Getenv("QUEUE_MAX_ATTEMPTS"), queue.DefaultMaxAttempts),
		Backoff:          parseDuration(os.Getenv("QUEUE_BACKOFF"), queue.DefaultBackoff),
		Retention:        parseDuration(os.Getenv("QUEUE_RETENTION"), queue.DefaultRetention),
		PollTimeout:      parseDuration(os.Getenv("QUEUE_POLL_TIMEOUT"), 5*time.Second),
		APIURL:           strings.TrimRight(valueOrDefault(os.Getenv("API_URL"), "http://localhost:3000"), "/"),
		Concurrency:      parseInt(os.Getenv("WORKER_CONCURRENCY"), 2),
		WorkerID:         workerID,
	}
}

// RedisOptions prefers REDIS_URL and falls back to the discrete address settings.
func (s Shared) RedisOptions() (*redis.Options, error) {
	if s.RedisURL != "" {
		opts, err := redis.ParseURL(s.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		return opts, nil
	}
	return &redis.Options{
		Addr:     s.RedisAddr,
		Password: s.RedisPassword,
		DB:       s.RedisDB,
	}, nil
}

// RetryPolicy returns the delivery retry policy for the queue.
func (w Worker) RetryPolicy() queue.RetryPolicy {
	return queue.RetryPolicy{MaxAttempts: w.MaxAttempts, Backoff: w.Backoff}
}

// ParseLogLevel maps debug, info, warn and error to slog levels, defaulting to info.
func ParseLogLevel(value string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func parseInt(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return parsed
}

func parseFloat(value string, fallback float64) float64 {
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func parseBool(value string, fallback bool) bool {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return parsed
}

func parseDuration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
