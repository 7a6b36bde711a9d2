package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cryptowatch/mentions-bot/internal/api"
	"github.com/cryptowatch/mentions-bot/internal/config"
	"github.com/cryptowatch/mentions-bot/internal/market"
	"github.com/cryptowatch/mentions-bot/internal/metrics"
	"github.com/cryptowatch/mentions-bot/internal/models"
	"github.com/cryptowatch/mentions-bot/internal/monitoring"
	"github.com/cryptowatch/mentions-bot/internal/notifications"
	"github.com/cryptowatch/mentions-bot/internal/ratelimit"
	"github.com/cryptowatch/mentions-bot/internal/registry"
	"github.com/cryptowatch/mentions-bot/internal/scheduler"
	"github.com/cryptowatch/mentions-bot/internal/sentiment"
	"github.com/cryptowatch/mentions-bot/internal/sources"
	"github.com/cryptowatch/mentions-bot/internal/storage"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

func main() {
	// Load environment variables from .env file if it exists
	if err := godotenv.Load(); err != nil {
		logrus.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logrus.SetLevel(logrus.InfoLevel)
	if cfg.Debug {
		logrus.SetLevel(logrus.DebugLevel)
	}
	logrus.SetFormatter(&logrus.JSONFormatter{})

	logrus.Info("Starting Mentions Bot")

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	store, err := newStore(ctx, cfg)
	if err != nil {
		logrus.Fatalf("Failed to initialize storage: %v", err)
	}
	defer store.Close()

	m := metrics.New(prometheus.NewRegistry())

	tracker := ratelimit.NewTracker(ratelimit.Limit{Requests: cfg.RateLimitRequests, Window: cfg.RateLimitWindow})
	adapterCfg := sources.AdapterConfig{MaxResults: cfg.MaxResults, CallTimeout: cfg.CallTimeout}
	providers := []sources.Source{
		sources.NewTwitterSource(cfg.TwitterBearerToken, cfg.TwitterAPIURL),
		sources.NewRedditSource(cfg.RedditClientID, cfg.RedditClientSecret, "", ""),
	}
	fetchers := make(map[string]monitoring.Fetcher, len(providers))
	var sourceNames []string
	for _, p := range providers {
		fetchers[p.GetName()] = sources.NewAdapter(p, adapterCfg, tracker).WithLimiter(tracker)
		sourceNames = append(sourceNames, p.GetName())
		if !p.IsEnabled() {
			logrus.Warnf("Source %s is not configured, its monitors will report no data", p.GetName())
		}
	}

	aggregator := sentiment.NewAggregator(newClassifier(cfg), sentiment.Config{
		BatchSize:           cfg.SentimentBatchSize,
		BatchDelay:          cfg.SentimentBatchDelay,
		Concurrency:         cfg.SentimentConcurrency,
		InfluencerWeighting: cfg.InfluencerWeighting,
		MinTrendSamples:     cfg.MinTrendSamples,
		CallTimeout:         cfg.CallTimeout,
	})

	reg := registry.New(registry.Options{
		Sources:     sourceNames,
		HistorySize: cfg.HistorySize,
		Persister:   store,
	})
	saved, err := store.LoadMonitors(ctx)
	if err != nil {
		logrus.Fatalf("Failed to load monitors: %v", err)
	}
	restored, skipped := reg.Restore(saved)
	logrus.Infof("Restored %d monitors (%d skipped)", restored, skipped)

	feed := api.NewFeed(200)
	local := notifications.NewLocalChannel()
	local.Subscribe(func(n models.Notification) {
		logrus.WithFields(logrus.Fields{"monitor_id": n.MonitorID, "alert_type": n.AlertType}).Info(n.Title)
	})
	channels := []notifications.Channel{
		local,
		notifications.NewWebhookChannel(),
		notifications.NewTeamsChannel(),
	}
	if cfg.EmailEnabled() {
		channels = append(channels, notifications.NewEmailChannel(notifications.EmailConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.EmailFrom,
		}))
	}
	dispatcher := notifications.NewDispatcher(notifications.Config{
		Attempts:   cfg.DeliveryAttempts,
		Backoff:    cfg.DeliveryBackoff,
		MaxBackoff: 10 * cfg.DeliveryBackoff,
		Timeout:    cfg.CallTimeout,
	}, channels, store, m)
	dispatcher.Start()

	evaluator := monitoring.NewService(monitoring.Options{
		Registry: reg,
		Fetchers: fetchers,
		Limiter:  tracker,
		Scorer:   aggregator,
		Notifier: dispatcher,
		Store:    store,
		Market:   market.NewClient(cfg.MarketDataURL, cfg.MarketDataAPIKey, cfg.CallTimeout),
		Metrics:  m,
		Cooldown: cfg.AlertCooldown,
		Lookback: cfg.DefaultLookback,
	})
	evaluator.Subscribe(func(a models.Alert) {
		feed.Add(models.NotificationFor(a))
	})

	schedulerService := scheduler.NewService(scheduler.Config{
		TickSpec:    cfg.TickSpec,
		Interval:    cfg.MonitorInterval,
		BatchSize:   cfg.BatchSize,
		Concurrency: cfg.BatchConcurrency,
	}, reg, evaluator, m)
	if err := schedulerService.Start(ctx); err != nil {
		logrus.Fatalf("Failed to start scheduler: %v", err)
	}

	router := api.NewServer(api.Options{
		Registry:  reg,
		Evaluator: evaluator,
		Store:     store,
		Scorer:    aggregator,
		Cache:     sentiment.NewSnapshotCache(cfg.SnapshotCacheTTL),
		Feed:      feed,
		RateLimits: func() []ratelimit.Status {
			var statuses []ratelimit.Status
			for _, name := range sourceNames {
				statuses = append(statuses, tracker.Status(name, sources.SearchEndpoint))
			}
			return statuses
		},
		Metrics: m,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * cfg.CallTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logrus.Infof("HTTP server starting on port %s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("HTTP server failed: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logrus.Errorf("Server forced to shutdown: %v", err)
	}
	schedulerService.Stop()
	stop()
	dispatcher.Stop()

	logrus.Info("Server exited")
}

func newStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.StorageBackend {
	case "azure":
		objects, err := storage.NewAzureStorage(ctx, cfg.StorageAccount, cfg.StorageContainer)
		if err != nil {
			return nil, err
		}
		return storage.NewBlobStore(objects), nil
	case "memory":
		logrus.Warn("Using in-memory storage, monitors are lost on restart")
		return storage.NewBlobStore(storage.NewMemoryObjectStore()), nil
	default:
		store, err := storage.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
}

func newClassifier(cfg *config.Config) sentiment.Classifier {
	if cfg.ClassifierURL == "" {
		logrus.Info("CLASSIFIER_URL not set, using the lexicon classifier")
		return sentiment.NewLexiconClassifier()
	}
	return sentiment.NewHTTPClassifier(cfg.ClassifierURL, cfg.ClassifierAPIKey, cfg.ClassifierModel, cfg.CallTimeout)
}
