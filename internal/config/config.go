package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"shopflow/internal/log"

	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL string
	RedisAddr   string
	RedisPass   string

	ListenAddr  string
	MetricsAddr string
	JWTSecret   string
	CronToken   string

	WorkerID          string
	WorkerConcurrency int
	PollInterval      time.Duration
	MaxAttempts       int

	// Janitor requeues processing jobs whose lock is older than
	// JanitorLockTimeout. Zero disables the sweep entirely.
	JanitorLockTimeout time.Duration
	JanitorInterval    time.Duration

	ShopifyAPIVersion    string
	ShopifyWebhookSecret string
	WebhookEnqueueDelay  time.Duration

	// Shared secret on the subscription-contract intake route. Empty
	// leaves the route open, matching a flow that cannot send headers.
	FlowSharedSecret string

	AddEventAPIKey     string
	NorthernCalendarID string
	SouthernCalendarID string
	NorthernVariantIDs []string
	SouthernVariantIDs []string
	SnapshotTTL        time.Duration

	PostmarkServerToken  string
	PostmarkAccountToken string
	MailFrom             string
}

func Load() (*Config, error) {
	logger := log.NewLogger()
	if err := godotenv.Load(); err != nil {
		// .env is optional when variables are set in the environment
		logger.Warnw("Failed to load .env file", "error", err)
	}

	cfg := &Config{
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		RedisPass:            os.Getenv("REDIS_PASSWORD"),
		ListenAddr:           envOr("LISTEN_ADDR", ":8080"),
		MetricsAddr:          envOr("METRICS_ADDR", ":2112"),
		JWTSecret:            os.Getenv("JWT_SECRET"),
		CronToken:            os.Getenv("CRON_TOKEN"),
		WorkerID:             os.Getenv("WORKER_ID"),
		WorkerConcurrency:    envInt("WORKER_CONCURRENCY", 3),
		PollInterval:         envDuration("WORKER_POLL_MS", 2000*time.Millisecond),
		MaxAttempts:          envInt("WORKER_MAX_ATTEMPTS", 5),
		JanitorLockTimeout:   time.Duration(envInt("JANITOR_LOCK_TIMEOUT_SECONDS", 0)) * time.Second,
		JanitorInterval:      time.Duration(envInt("JANITOR_INTERVAL_SECONDS", 60)) * time.Second,
		ShopifyAPIVersion:    envOr("SHOPIFY_API_VERSION", "2024-01"),
		ShopifyWebhookSecret: os.Getenv("SHOPIFY_ADMIN_WEBHOOK_SECRET"),
		// paid-order jobs wait a beat so the subscription app can tag the order
		WebhookEnqueueDelay:  time.Duration(envInt("WEBHOOK_ENQUEUE_DELAY_SECONDS", 3)) * time.Second,
		FlowSharedSecret:     os.Getenv("FLOW_SHARED_SECRET"),
		AddEventAPIKey:       os.Getenv("ADDEVENT_API_KEY"),
		NorthernCalendarID:   os.Getenv("ADDEVENT_NORTHERN_CALENDAR_ID"),
		SouthernCalendarID:   os.Getenv("ADDEVENT_SOUTHERN_CALENDAR_ID"),
		NorthernVariantIDs:   splitList(os.Getenv("NORTHERN_VARIANT_IDS")),
		SouthernVariantIDs:   splitList(os.Getenv("SOUTHERN_VARIANT_IDS")),
		SnapshotTTL:          time.Duration(envInt("ADDEVENT_SNAPSHOT_TTL_MINUTES", 15)) * time.Minute,
		PostmarkServerToken:  os.Getenv("POSTMARK_SERVER_TOKEN"),
		PostmarkAccountToken: os.Getenv("POSTMARK_ACCOUNT_TOKEN"),
		MailFrom:             os.Getenv("MAIL_FROM"),
	}

	if cfg.DatabaseURL == "" {
		logger.Error("DATABASE_URL is required")
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.JWTSecret == "" {
		logger.Error("JWT_SECRET is required")
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.WorkerConcurrency <= 0 {
		return nil, fmt.Errorf("WORKER_CONCURRENCY must be positive")
	}
	if cfg.MaxAttempts <= 0 {
		return nil, fmt.Errorf("WORKER_MAX_ATTEMPTS must be positive")
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = defaultWorkerID()
		logger.Infow("Using generated WorkerID", "worker_id", cfg.WorkerID)
	}

	logger.Info("Config loaded successfully")
	return cfg, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
