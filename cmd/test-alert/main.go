package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cryptowatch/mentions-bot/internal/config"
	"github.com/cryptowatch/mentions-bot/internal/models"
	"github.com/cryptowatch/mentions-bot/internal/monitoring"
	"github.com/cryptowatch/mentions-bot/internal/notifications"
	"github.com/cryptowatch/mentions-bot/internal/sentiment"
	"github.com/cryptowatch/mentions-bot/internal/sources"
	"github.com/joho/godotenv"
)

// printNotification outputs a local notification to the terminal
func printNotification(n models.Notification) {
	fmt.Println("\n" + strings.Repeat("=", 70))
	fmt.Printf("🚨 %s\n", n.Title)
	fmt.Println(strings.Repeat("=", 70))
	fmt.Printf("📌 Type: %s\n", n.AlertType)
	fmt.Printf("💬 %s\n", n.Message)
	fmt.Printf("🕒 Fired: %s\n", n.Timestamp.Format("2006-01-02 15:04:05 UTC"))
	if len(n.TriggerData) > 0 {
		data, _ := json.MarshalIndent(n.TriggerData, "   ", "  ")
		fmt.Printf("📊 Trigger data:\n   %s\n", data)
	}
}

func saveResults(results []models.DeliveryResult) error {
	dir := "test_output"
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	filename := filepath.Join(dir, fmt.Sprintf("alert_delivery_%s.json", time.Now().UTC().Format("2006-01-02_15-04-05")))
	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filename, data, 0644); err != nil {
		return err
	}

	fmt.Printf("\n💾 Delivery results saved to: %s\n", filename)
	return nil
}

func sampleMentions(now time.Time) []models.Mention {
	texts := []struct {
		handle    string
		followers int
		text      string
	}{
		{"sol_maxi", 250000, "Solana breakout confirmed, very bullish on $SOL this week"},
		{"defi_dan", 12000, "New Solana validator upgrade looks great, strong adoption numbers"},
		{"chart_guy", 4300, "$SOL rally continues, next stop ATH?"},
		{"skeptic_sam", 800, "Another Solana outage would be terrible for price"},
		{"nft_nina", 22000, "Minted on Solana in seconds, love the speed"},
		{"whale_alert_fan", 150000, "Big $SOL buy wall spotted on major exchanges"},
	}

	var mentions []models.Mention
	for i, t := range texts {
		m := models.Mention{
			ID:        fmt.Sprintf("test_twitter_%d", i+1),
			Source:    "twitter",
			Text:      t.text,
			URL:       fmt.Sprintf("https://twitter.com/%s/status/%d", t.handle, 1000+i),
			CreatedAt: now.Add(-time.Duration(i*7) * time.Minute),
			Author:    models.Author{Handle: t.handle, FollowerCount: t.followers},
			Counts:    models.EngagementCounts{Likes: 40 * (i + 1), Reposts: 5 * (i + 1)},
		}
		mentions = append(mentions, sources.Normalize(m, []string{"solana", "$SOL"}))
	}
	return mentions
}

func main() {
	fmt.Println("🤖 Mentions Bot - Test Alert Delivery")
	fmt.Println("=====================================")

	if err := godotenv.Load(); err != nil {
		fmt.Println("No .env file found, using system environment variables")
	}

	now := time.Now().UTC()
	monitor := models.Monitor{
		ID:       "test-monitor",
		Name:     "Solana (test)",
		Source:   "twitter",
		Keywords: []string{"solana", "$SOL"},
		Thresholds: models.Thresholds{
			MentionSpike:      3,
			NewMention:        1,
			InfluencerMention: true,
		},
		Webhooks: config.GetSliceEnv("TEST_WEBHOOKS", nil),
		Notify: models.Notify{
			Local:         true,
			Emails:        config.GetSliceEnv("TEST_EMAILS", nil),
			TeamsWebhooks: config.GetSliceEnv("TEST_TEAMS_WEBHOOKS", nil),
		},
		IsActive: true,
	}

	local := notifications.NewLocalChannel()
	local.Subscribe(printNotification)
	channels := []notifications.Channel{local, notifications.NewWebhookChannel(), notifications.NewTeamsChannel()}
	if cfg, err := config.Load(); err != nil {
		fmt.Printf("⚠️  Configuration incomplete, email delivery disabled: %v\n", err)
	} else if cfg.EmailEnabled() {
		channels = append(channels, notifications.NewEmailChannel(notifications.EmailConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.EmailFrom,
		}))
	}

	dispatcher := notifications.NewDispatcher(notifications.Config{Attempts: 2, Backoff: time.Second}, channels, nil, nil)
	dispatcher.Start()
	defer dispatcher.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	mentions := sampleMentions(now)
	fmt.Printf("\n📊 Scoring %d sample mentions...\n", len(mentions))
	snapshot := sentiment.NewAggregator(sentiment.NewLexiconClassifier(), sentiment.Config{}).ScoreProject(ctx, mentions)
	fmt.Printf("💭 Average sentiment %.2f (confidence %.2f)\n", snapshot.AverageScore, snapshot.Confidence)

	alerts := monitoring.Conditions(monitor, snapshot, len(mentions), now)
	fmt.Printf("🔔 %d alert conditions met\n", len(alerts))

	var results []models.DeliveryResult
	for _, alert := range alerts {
		result, err := dispatcher.Dispatch(ctx, alert, monitor)
		if err != nil {
			fmt.Printf("❌ Error dispatching %s: %v\n", alert.Type, err)
			os.Exit(1)
		}
		for _, cr := range result.Channels {
			status := "✅"
			if !cr.Delivered {
				status = "❌ " + cr.Error
			}
			fmt.Printf("   %s %-8s %s (%d attempts)\n", status, cr.Channel, cr.Target, cr.Attempts)
		}
		results = append(results, result)
	}

	if err := saveResults(results); err != nil {
		fmt.Printf("\n⚠️  Warning: Could not save to file: %v\n", err)
	}

	fmt.Println("\n✅ Test alert delivery completed!")
	fmt.Println("\n💡 Next steps:")
	fmt.Println("   • Set TEST_WEBHOOKS, TEST_TEAMS_WEBHOOKS or TEST_EMAILS to exercise real channels")
	fmt.Println("   • Run 'go test ./internal/notifications -v' for more detailed tests")
}
