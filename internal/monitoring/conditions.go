package monitoring

import (
	"fmt"
	"math"
	"time"

	"github.com/cryptowatch/mentions-bot/internal/models"
	"github.com/google/uuid"
)

// MegaInfluencerFollowers marks an influencer mention as high severity
const MegaInfluencerFollowers = 100000

// Conditions evaluates every enabled threshold of monitor against the pass
// results. count is the post-filter mention count. The monitor state is the
// state before this pass. Conditions are independent, so several alerts can
// come out of one pass.
func Conditions(monitor models.Monitor, snapshot models.ProjectSentimentSnapshot, count int, now time.Time) []models.Alert {
	var alerts []models.Alert
	t := monitor.Thresholds
	label := monitor.Name
	if label == "" {
		label = monitor.ID
	}

	add := func(typ models.AlertType, severity models.Severity, title, message string, data map[string]interface{}) {
		alerts = append(alerts, models.Alert{
			ID:          uuid.New().String(),
			MonitorID:   monitor.ID,
			Type:        typ,
			Severity:    severity,
			Title:       title,
			Message:     message,
			TriggerData: data,
			Timestamp:   now,
		})
	}

	if t.MentionSpike > 0 && count > t.MentionSpike {
		severity := models.SeverityMedium
		if count > 2*t.MentionSpike {
			severity = models.SeverityHigh
		}
		add(models.AlertMentionSpike, severity,
			fmt.Sprintf("Mention spike for %s", label),
			fmt.Sprintf("%d mentions since the last check, above the threshold of %d", count, t.MentionSpike),
			map[string]interface{}{"mentionCount": count, "threshold": t.MentionSpike})
	}

	history := monitor.State.RecentVolumeHistory
	if t.VolumeIncrease > 0 && history.Len() > 0 {
		mean := history.Mean()
		if mean > 0 {
			increase := (float64(count) - mean) / mean * 100
			if increase >= t.VolumeIncrease {
				severity := models.SeverityMedium
				if increase >= 2*t.VolumeIncrease {
					severity = models.SeverityHigh
				}
				add(models.AlertVolumeSpike, severity,
					fmt.Sprintf("Volume spike for %s", label),
					fmt.Sprintf("Mention volume is up %.1f%% over the recent average of %.1f", increase, mean),
					map[string]interface{}{
						"currentVolume":   count,
						"averageVolume":   mean,
						"increasePercent": increase,
						"threshold":       t.VolumeIncrease,
					})
			}
		}
	}

	if t.SentimentChange > 0 && monitor.State.HasBaseline && snapshot.TotalMentions > 0 {
		baseline := monitor.State.RunningSentimentBaseline
		change := snapshot.AverageScore - baseline
		magnitude := math.Abs(change)
		if magnitude >= t.SentimentChange && directionMatches(t.SentimentDirection, change) {
			severity := models.SeverityMedium
			if magnitude >= 2*t.SentimentChange {
				severity = models.SeverityHigh
				if change < 0 {
					severity = models.SeverityCritical
				}
			}
			direction := "improved"
			if change < 0 {
				direction = "declined"
			}
			add(models.AlertSentimentChange, severity,
				fmt.Sprintf("Sentiment %s for %s", direction, label),
				fmt.Sprintf("Sentiment moved from %.2f to %.2f", baseline, snapshot.AverageScore),
				map[string]interface{}{
					"currentScore": snapshot.AverageScore,
					"baseline":     baseline,
					"change":       change,
					"threshold":    t.SentimentChange,
					"confidence":   snapshot.Confidence,
				})
		}
	}

	if t.NewMention > 0 && count >= t.NewMention {
		add(models.AlertNewMention, models.SeverityLow,
			fmt.Sprintf("New mentions of %s", label),
			fmt.Sprintf("%d new mentions since the last check", count),
			map[string]interface{}{"mentionCount": count, "threshold": t.NewMention})
	}

	if t.InfluencerMention && len(snapshot.InfluencerMentions) > 0 {
		severity := models.SeverityMedium
		influencers := make([]map[string]interface{}, 0, len(snapshot.InfluencerMentions))
		for _, m := range snapshot.InfluencerMentions {
			if m.Author.FollowerCount > MegaInfluencerFollowers {
				severity = models.SeverityHigh
			}
			influencers = append(influencers, map[string]interface{}{
				"handle":    m.Author.Handle,
				"followers": m.Author.FollowerCount,
				"influence": m.Influence,
				"url":       m.URL,
			})
		}
		add(models.AlertInfluencerMention, severity,
			fmt.Sprintf("Influencer mention of %s", label),
			fmt.Sprintf("%d influential accounts mentioned %s", len(influencers), label),
			map[string]interface{}{"influencerCount": len(influencers), "influencers": influencers})
	}

	return alerts
}

func directionMatches(direction models.SentimentDirection, change float64) bool {
	switch direction {
	case models.DirectionPositive:
		return change > 0
	case models.DirectionNegative:
		return change < 0
	default:
		return true
	}
}

// InCooldown reports whether a monitor that last alerted at lastAlertAt must
// stay silent at now
func InCooldown(lastAlertAt, now time.Time, cooldown time.Duration) bool {
	if lastAlertAt.IsZero() {
		return false
	}
	return now.Sub(lastAlertAt) < cooldown
}
