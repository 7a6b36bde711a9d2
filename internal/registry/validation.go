package registry

import (
	"fmt"
	"math"
	"net/mail"
	"net/url"
	"strings"

	"github.com/cryptowatch/mentions-bot/internal/models"
)

// ValidationError reports a malformed monitor configuration
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Validate checks a monitor configuration. sources lists the accepted
// providers; an empty list accepts any non-empty name.
func Validate(m models.Monitor, sources []string) error {
	if len(m.SearchTerms()) == 0 {
		return invalid("keywords", "at least one keyword or a project name is required")
	}

	if strings.TrimSpace(m.Source) == "" {
		return invalid("source", "is required")
	}
	if len(sources) > 0 && !containsFold(sources, m.Source) {
		return invalid("source", "unknown source %q", m.Source)
	}

	if m.Filters.MinFollowers < 0 {
		return invalid("filters.min_followers", "must not be negative")
	}
	if m.Filters.MinEngagement < 0 {
		return invalid("filters.min_engagement", "must not be negative")
	}

	if err := validateThresholds(m.Thresholds); err != nil {
		return err
	}
	return validateTargets(m)
}

func validateThresholds(t models.Thresholds) error {
	if t.MentionSpike < 0 {
		return invalid("thresholds.mention_spike", "must not be negative")
	}
	if t.NewMention < 0 {
		return invalid("thresholds.new_mention", "must not be negative")
	}
	if math.IsNaN(t.VolumeIncrease) || math.IsInf(t.VolumeIncrease, 0) || t.VolumeIncrease < 0 {
		return invalid("thresholds.volume_increase", "must be a non-negative percentage")
	}
	if math.IsNaN(t.SentimentChange) || t.SentimentChange < 0 || t.SentimentChange > 1 {
		return invalid("thresholds.sentiment_change", "must be between 0 and 1")
	}
	switch t.SentimentDirection {
	case "", models.DirectionAny, models.DirectionPositive, models.DirectionNegative:
	default:
		return invalid("thresholds.sentiment_direction", "must be one of any, positive, negative")
	}
	if !t.AnyEnabled() {
		return invalid("thresholds", "at least one alert condition must be enabled")
	}
	return nil
}

func validateTargets(m models.Monitor) error {
	if len(m.Webhooks) == 0 && !m.Notify.Local && len(m.Notify.Emails) == 0 && len(m.Notify.TeamsWebhooks) == 0 {
		return invalid("notify", "at least one notification target is required")
	}
	for _, w := range m.Webhooks {
		if !isHTTPURL(w) {
			return invalid("webhooks", "%q is not an http(s) URL", w)
		}
	}
	for _, w := range m.Notify.TeamsWebhooks {
		if !isHTTPURL(w) {
			return invalid("notify.teams_webhooks", "%q is not an http(s) URL", w)
		}
	}
	for _, e := range m.Notify.Emails {
		if _, err := mail.ParseAddress(e); err != nil {
			return invalid("notify.emails", "%q is not an email address", e)
		}
	}
	return nil
}

func isHTTPURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func containsFold(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

// normalizeKeywords trims, drops empty and case-insensitive duplicate keywords
func normalizeKeywords(keywords []string) []string {
	out := []string{}
	seen := make(map[string]bool)
	for _, k := range keywords {
		k = strings.TrimSpace(k)
		if k == "" || seen[strings.ToLower(k)] {
			continue
		}
		seen[strings.ToLower(k)] = true
		out = append(out, k)
	}
	return out
}
