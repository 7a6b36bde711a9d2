package models

import (
	"strings"
	"time"
)

// Filters narrow the mentions a monitor scores
type Filters struct {
	MinFollowers   int      `json:"min_followers"`
	MinEngagement  int      `json:"min_engagement"`
	ExcludeReposts bool     `json:"exclude_reposts"`
	Languages      []string `json:"languages,omitempty"`
}

// Match reports whether a mention passes every filter
func (f Filters) Match(m Mention) bool {
	if m.Author.FollowerCount < f.MinFollowers {
		return false
	}
	if m.Engagement < f.MinEngagement {
		return false
	}
	if f.ExcludeReposts && m.IsRepost {
		return false
	}
	return f.AllowsLanguage(m.Language)
}

// AllowsLanguage reports whether lang is in the configured list. An empty
// list allows everything; an unknown language ("") is never rejected since
// some providers do not detect it.
func (f Filters) AllowsLanguage(lang string) bool {
	if len(f.Languages) == 0 || lang == "" {
		return true
	}
	for _, l := range f.Languages {
		if strings.EqualFold(l, lang) {
			return true
		}
	}
	return false
}

// Apply returns the mentions that pass the filters, keeping their order
func (f Filters) Apply(mentions []Mention) []Mention {
	filtered := make([]Mention, 0, len(mentions))
	for _, m := range mentions {
		if f.Match(m) {
			filtered = append(filtered, m)
		}
	}
	return filtered
}

// SentimentDirection restricts which way a sentiment change must go to fire
type SentimentDirection string

const (
	DirectionAny      SentimentDirection = "any"
	DirectionPositive SentimentDirection = "positive"
	DirectionNegative SentimentDirection = "negative"
)

// Thresholds configure the alert conditions of a monitor. A zero numeric
// threshold disables the matching condition.
type Thresholds struct {
	MentionSpike       int                `json:"mention_spike"`
	NewMention         int                `json:"new_mention"`
	VolumeIncrease     float64            `json:"volume_increase"` // percent over the recent mean
	SentimentChange    float64            `json:"sentiment_change"`
	SentimentDirection SentimentDirection `json:"sentiment_direction,omitempty"`
	InfluencerMention  bool               `json:"influencer_mention"`
}

// AnyEnabled reports whether at least one condition can fire
func (t Thresholds) AnyEnabled() bool {
	return t.MentionSpike > 0 || t.NewMention > 0 || t.VolumeIncrease > 0 ||
		t.SentimentChange > 0 || t.InfluencerMention
}

// Notify selects the delivery channels of a monitor besides its webhooks
type Notify struct {
	Local         bool     `json:"local"`
	Emails        []string `json:"emails,omitempty"`
	TeamsWebhooks []string `json:"teams_webhooks,omitempty"`
}

// History is a bounded ring of recent samples. Append never mutates the
// receiver, so a History can be shared between monitor copies.
type History struct {
	Values []float64 `json:"values"`
	Limit  int       `json:"limit"`
}

// NewHistory creates an empty history holding at most limit values
func NewHistory(limit int) History {
	return History{Values: []float64{}, Limit: limit}
}

// Append returns a copy with v added, dropping the oldest values over the limit
func (h History) Append(v float64) History {
	values := make([]float64, 0, len(h.Values)+1)
	values = append(values, h.Values...)
	values = append(values, v)
	if h.Limit > 0 && len(values) > h.Limit {
		values = values[len(values)-h.Limit:]
	}
	return History{Values: values, Limit: h.Limit}
}

// Mean returns the average of the stored values, or 0 when empty
func (h History) Mean() float64 {
	if len(h.Values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range h.Values {
		sum += v
	}
	return sum / float64(len(h.Values))
}

// Len returns the number of stored values
func (h History) Len() int {
	return len(h.Values)
}

// MonitorState is mutated only by the alert evaluator
type MonitorState struct {
	LastProcessedAt          time.Time `json:"last_processed_at"`
	LastCheckedAt            time.Time `json:"last_checked_at"`
	LastAlertAt              time.Time `json:"last_alert_at"`
	RunningSentimentBaseline float64   `json:"running_sentiment_baseline"`
	HasBaseline              bool      `json:"has_baseline"`
	RecentVolumeHistory      History   `json:"recent_volume_history"`
	RecentSentimentHistory   History   `json:"recent_sentiment_history"`
}

// Monitor is a tracked project configuration and its evaluation state
type Monitor struct {
	ID         string       `json:"id"`
	Name       string       `json:"name"`
	ProjectID  string       `json:"project_id,omitempty"` // market-data id, e.g. "bitcoin"
	Source     string       `json:"source"`
	Keywords   []string     `json:"keywords"`
	Filters    Filters      `json:"filters"`
	Thresholds Thresholds   `json:"thresholds"`
	Webhooks   []string     `json:"webhooks,omitempty"`
	Notify     Notify       `json:"notify"`
	IsActive   bool         `json:"is_active"`
	State      MonitorState `json:"state"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// Clone returns a deep copy so callers never share slices with the registry
func (m Monitor) Clone() Monitor {
	c := m
	c.Keywords = append([]string(nil), m.Keywords...)
	c.Filters.Languages = append([]string(nil), m.Filters.Languages...)
	c.Webhooks = append([]string(nil), m.Webhooks...)
	c.Notify.Emails = append([]string(nil), m.Notify.Emails...)
	c.Notify.TeamsWebhooks = append([]string(nil), m.Notify.TeamsWebhooks...)
	c.State.RecentVolumeHistory.Values = append([]float64{}, m.State.RecentVolumeHistory.Values...)
	c.State.RecentSentimentHistory.Values = append([]float64{}, m.State.RecentSentimentHistory.Values...)
	return c
}

// SearchTerms returns the keywords, falling back to the monitor name
func (m Monitor) SearchTerms() []string {
	var terms []string
	for _, k := range m.Keywords {
		if k = strings.TrimSpace(k); k != "" {
			terms = append(terms, k)
		}
	}
	if len(terms) == 0 && strings.TrimSpace(m.Name) != "" {
		terms = append(terms, strings.TrimSpace(m.Name))
	}
	return terms
}
