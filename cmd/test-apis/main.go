package main

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/cryptowatch/mentions-bot/internal/config"
	"github.com/cryptowatch/mentions-bot/internal/market"
	"github.com/cryptowatch/mentions-bot/internal/models"
	"github.com/cryptowatch/mentions-bot/internal/sentiment"
	"github.com/cryptowatch/mentions-bot/internal/sources"
	"github.com/joho/godotenv"
)

func main() {
	fmt.Println("🔍 Mentions Bot - API Connectivity Test")
	fmt.Println("=======================================")

	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	keywords := config.GetSliceEnv("TEST_KEYWORDS", []string{"bitcoin", "$BTC"})
	projects := config.GetSliceEnv("TEST_PROJECTS", []string{"bitcoin"})
	ctx, cancel := context.WithTimeout(context.Background(), 2*cfg.CallTimeout)
	defer cancel()

	fmt.Println("\n📡 Testing mention sources...")
	fmt.Println(strings.Repeat("-", 40))

	adapterCfg := sources.AdapterConfig{MaxResults: 10, MaxPages: 1, CallTimeout: cfg.CallTimeout}
	var sample []models.Mention
	for _, source := range []sources.Source{
		sources.NewTwitterSource(cfg.TwitterBearerToken, cfg.TwitterAPIURL),
		sources.NewRedditSource(cfg.RedditClientID, cfg.RedditClientSecret, "", ""),
	} {
		sample = append(sample, testSource(ctx, sources.NewAdapter(source, adapterCfg, nil), source, keywords)...)
	}

	fmt.Println("\n💭 Testing sentiment classifier...")
	fmt.Println(strings.Repeat("-", 40))
	testClassifier(ctx, cfg, sample)

	fmt.Println("\n💹 Testing market data...")
	fmt.Println(strings.Repeat("-", 40))
	testMarket(ctx, cfg, projects)

	fmt.Println("\n✅ API connectivity test completed!")
	fmt.Println("\n💡 Next steps:")
	fmt.Println("   • Configure missing API keys in .env file")
	fmt.Println("   • Run full bot with: go run ./cmd/bot")
}

func testSource(ctx context.Context, adapter *sources.Adapter, source sources.Source, keywords []string) []models.Mention {
	fmt.Printf("🔸 Testing %s... ", source.GetName())

	if !source.IsEnabled() {
		fmt.Printf("⚠️  DISABLED (missing credentials)\n")
		return nil
	}

	now := time.Now()
	mentions, err := adapter.FetchMentions(ctx, keywords, sources.Window{Start: now.Add(-24 * time.Hour), End: now}, models.Filters{})
	if err != nil {
		fmt.Printf("❌ ERROR: %v\n", err)
		return nil
	}

	fmt.Printf("✅ SUCCESS (%d mentions found)\n", len(mentions))
	if len(mentions) > 0 {
		fmt.Printf("   📝 Sample: \"%s\" by @%s\n", sentiment.Truncate(mentions[0].Text), mentions[0].Author.Handle)
	}
	return mentions
}

func testClassifier(ctx context.Context, cfg *config.Config, mentions []models.Mention) {
	var classifier sentiment.Classifier = sentiment.NewLexiconClassifier()
	name := "lexicon"
	if cfg.ClassifierURL != "" {
		classifier = sentiment.NewHTTPClassifier(cfg.ClassifierURL, cfg.ClassifierAPIKey, cfg.ClassifierModel, cfg.CallTimeout)
		name = cfg.ClassifierModel
	}

	fmt.Printf("🔸 Classifier %s... ", name)
	result, err := classifier.Classify(ctx, "Bitcoin just broke out to a new ATH, very bullish")
	if err != nil {
		fmt.Printf("❌ ERROR: %v\n", err)
		return
	}
	fmt.Printf("✅ %s (score %.2f, confidence %.2f)\n", result.Label, result.Score, result.Confidence)

	if len(mentions) == 0 {
		return
	}
	aggregator := sentiment.NewAggregator(classifier, sentiment.Config{
		BatchSize:           cfg.SentimentBatchSize,
		Concurrency:         cfg.SentimentConcurrency,
		InfluencerWeighting: cfg.InfluencerWeighting,
		MinTrendSamples:     cfg.MinTrendSamples,
		CallTimeout:         cfg.CallTimeout,
	})
	snapshot := aggregator.ScoreProject(ctx, mentions)
	fmt.Printf("   📊 %d fetched mentions: average %.2f, confidence %.2f, trend %s\n",
		snapshot.TotalMentions, snapshot.AverageScore, snapshot.Confidence, snapshot.Trend.Direction)
}

func testMarket(ctx context.Context, cfg *config.Config, projects []string) {
	fmt.Printf("🔸 Fetching %s... ", strings.Join(projects, ", "))
	records, err := market.NewClient(cfg.MarketDataURL, cfg.MarketDataAPIKey, cfg.CallTimeout).GetMarketData(ctx, projects)
	if err != nil {
		fmt.Printf("❌ ERROR: %v\n", err)
		return
	}
	fmt.Printf("✅ SUCCESS (%d records)\n", len(records))
	for _, r := range records {
		fmt.Printf("   • %-10s $%.2f (%+.2f%% 24h)\n", strings.ToUpper(r.Symbol), r.CurrentPrice, r.PriceChangePercentage24h)
	}
}
