package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Config holds all configuration for the application
type Config struct {
	// Server configuration
	Port  string
	Debug bool

	// Storage configuration
	StorageBackend   string // "sqlite", "azure" or "memory"
	SQLitePath       string
	StorageAccount   string
	StorageContainer string

	// Mention sources
	TwitterBearerToken string
	TwitterAPIURL      string
	RedditClientID     string
	RedditClientSecret string
	MaxResults         int

	// Sentiment classification
	ClassifierURL        string
	ClassifierAPIKey     string
	ClassifierModel      string
	SentimentBatchSize   int
	SentimentBatchDelay  time.Duration
	SentimentConcurrency int
	InfluencerWeighting  bool
	MinTrendSamples      int
	SnapshotCacheTTL     time.Duration

	// Market data
	MarketDataURL    string
	MarketDataAPIKey string

	// Email notification configuration
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	EmailFrom    string

	// Scheduling and evaluation
	TickSpec          string
	MonitorInterval   time.Duration
	BatchSize         int
	BatchConcurrency  int
	AlertCooldown     time.Duration
	DefaultLookback   time.Duration
	HistorySize       int
	RateLimitRequests int
	RateLimitWindow   time.Duration
	CallTimeout       time.Duration

	// Delivery
	DeliveryAttempts int
	DeliveryBackoff  time.Duration
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Port:  getEnv("PORT", "8080"),
		Debug: getBoolEnv("DEBUG", false),

		StorageBackend:   getEnv("STORAGE_BACKEND", "sqlite"),
		SQLitePath:       getEnv("SQLITE_PATH", "mentions.db"),
		StorageAccount:   getEnv("AZURE_STORAGE_ACCOUNT", ""),
		StorageContainer: getEnv("AZURE_STORAGE_CONTAINER", "mentions"),

		TwitterBearerToken: getEnv("TWITTER_BEARER_TOKEN", ""),
		TwitterAPIURL:      getEnv("TWITTER_API_URL", "https://api.twitter.com"),
		RedditClientID:     getEnv("REDDIT_CLIENT_ID", ""),
		RedditClientSecret: getEnv("REDDIT_CLIENT_SECRET", ""),
		MaxResults:         getIntEnv("MAX_RESULTS", 100),

		ClassifierURL:        getEnv("CLASSIFIER_URL", ""),
		ClassifierAPIKey:     getEnv("CLASSIFIER_API_KEY", ""),
		ClassifierModel:      getEnv("CLASSIFIER_MODEL", "gpt-4o-mini"),
		SentimentBatchSize:   getIntEnv("SENTIMENT_BATCH_SIZE", 50),
		SentimentBatchDelay:  getDurationEnv("SENTIMENT_BATCH_DELAY", time.Second),
		SentimentConcurrency: getIntEnv("SENTIMENT_CONCURRENCY", 5),
		InfluencerWeighting:  getBoolEnv("INFLUENCER_WEIGHTING", true),
		MinTrendSamples:      getIntEnv("MIN_TREND_SAMPLES", 10),
		SnapshotCacheTTL:     getDurationEnv("SNAPSHOT_CACHE_TTL", 5*time.Minute),

		MarketDataURL:    getEnv("MARKET_DATA_URL", "https://api.coingecko.com/api/v3"),
		MarketDataAPIKey: getEnv("MARKET_DATA_API_KEY", ""),

		SMTPHost:     getEnv("SMTP_HOST", ""),
		SMTPPort:     getIntEnv("SMTP_PORT", 587),
		SMTPUsername: getEnv("SMTP_USERNAME", ""),
		SMTPPassword: getEnv("SMTP_PASSWORD", ""),
		EmailFrom:    getEnv("EMAIL_FROM", ""),

		TickSpec:          getEnv("TICK_SPEC", "@every 30s"),
		MonitorInterval:   getDurationEnv("MONITOR_INTERVAL", 5*time.Minute),
		BatchSize:         getIntEnv("BATCH_SIZE", 10),
		BatchConcurrency:  getIntEnv("BATCH_CONCURRENCY", 5),
		AlertCooldown:     getDurationEnv("ALERT_COOLDOWN", 5*time.Minute),
		DefaultLookback:   getDurationEnv("DEFAULT_LOOKBACK", time.Hour),
		HistorySize:       getIntEnv("HISTORY_SIZE", 100),
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 180),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", 15*time.Minute),
		CallTimeout:       getDurationEnv("CALL_TIMEOUT", 30*time.Second),

		DeliveryAttempts: getIntEnv("DELIVERY_ATTEMPTS", 3),
		DeliveryBackoff:  getDurationEnv("DELIVERY_BACKOFF", time.Second),
	}

	// Validate required configuration
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StorageBackend {
	case "sqlite":
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required when STORAGE_BACKEND is 'sqlite'")
		}
	case "azure":
		if c.StorageAccount == "" {
			return fmt.Errorf("AZURE_STORAGE_ACCOUNT is required when STORAGE_BACKEND is 'azure'")
		}
	case "memory":
	default:
		return fmt.Errorf("STORAGE_BACKEND must be 'sqlite', 'azure' or 'memory'")
	}

	if c.TwitterBearerToken == "" && (c.RedditClientID == "" || c.RedditClientSecret == "") {
		return fmt.Errorf("at least one mention source must be configured (TWITTER_BEARER_TOKEN or REDDIT_CLIENT_ID/REDDIT_CLIENT_SECRET)")
	}

	if _, err := cron.ParseStandard(c.TickSpec); err != nil {
		return fmt.Errorf("TICK_SPEC is invalid: %w", err)
	}

	positive := map[string]int{
		"MAX_RESULTS":           c.MaxResults,
		"SENTIMENT_BATCH_SIZE":  c.SentimentBatchSize,
		"SENTIMENT_CONCURRENCY": c.SentimentConcurrency,
		"BATCH_SIZE":            c.BatchSize,
		"BATCH_CONCURRENCY":     c.BatchConcurrency,
		"HISTORY_SIZE":          c.HistorySize,
		"RATE_LIMIT_REQUESTS":   c.RateLimitRequests,
		"DELIVERY_ATTEMPTS":     c.DeliveryAttempts,
	}
	for key, v := range positive {
		if v <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}

	durations := map[string]time.Duration{
		"MONITOR_INTERVAL":  c.MonitorInterval,
		"ALERT_COOLDOWN":    c.AlertCooldown,
		"DEFAULT_LOOKBACK":  c.DefaultLookback,
		"RATE_LIMIT_WINDOW": c.RateLimitWindow,
		"CALL_TIMEOUT":      c.CallTimeout,
	}
	for key, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be a positive duration", key)
		}
	}

	if c.MinTrendSamples < 2 {
		return fmt.Errorf("MIN_TREND_SAMPLES must be at least 2")
	}

	return nil
}

// EmailEnabled reports whether SMTP delivery is configured
func (c *Config) EmailEnabled() bool {
	return c.SMTPHost != "" && c.SMTPUsername != "" && c.SMTPPassword != ""
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// GetSliceEnv splits a comma separated variable, dropping empty items
func GetSliceEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
