package models

import "time"

// Author is the account that published a mention
type Author struct {
	ID            string `json:"id"`
	Handle        string `json:"handle"`
	FollowerCount int    `json:"follower_count"`
	Verified      bool   `json:"verified"`
}

// EngagementCounts holds the raw interaction counters reported by a provider
type EngagementCounts struct {
	Replies int `json:"replies"`
	Reposts int `json:"reposts"`
	Likes   int `json:"likes"`
	Quotes  int `json:"quotes"`
}

// Weighted returns replies×2 + reposts×3 + likes×1 + quotes×2
func (e EngagementCounts) Weighted() int {
	return e.Replies*2 + e.Reposts*3 + e.Likes + e.Quotes*2
}

// Mention represents one social post referencing a tracked project
type Mention struct {
	ID         string           `json:"id"`
	Source     string           `json:"source"` // "twitter", "reddit"
	Text       string           `json:"text"`
	URL        string           `json:"url,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	Author     Author           `json:"author"`
	Counts     EngagementCounts `json:"counts"`
	Engagement int              `json:"engagement"`
	Influence  float64          `json:"influence"` // 0-1
	Language   string           `json:"language,omitempty"`
	IsRepost   bool             `json:"is_repost"`
	Keywords   []string         `json:"keywords,omitempty"`
}

// SentimentLabel is the discrete class produced by the classification oracle
type SentimentLabel string

const (
	LabelPositive SentimentLabel = "positive"
	LabelNegative SentimentLabel = "negative"
	LabelNeutral  SentimentLabel = "neutral"
)

// Valid reports whether l is one of the known labels
func (l SentimentLabel) Valid() bool {
	switch l {
	case LabelPositive, LabelNegative, LabelNeutral:
		return true
	}
	return false
}

// SentimentResult is the classification of one mention's text
type SentimentResult struct {
	Label       SentimentLabel `json:"label"`
	Confidence  float64        `json:"confidence"` // 0-1
	Score       float64        `json:"score"`      // 0 = very negative, 1 = very positive
	Explanation string         `json:"explanation,omitempty"`
	KeyPhrases  []string       `json:"key_phrases,omitempty"`
}

// NeutralSentiment is the fallback used whenever classification fails
func NeutralSentiment() SentimentResult {
	return SentimentResult{Label: LabelNeutral, Confidence: 0.5, Score: 0.5}
}

// Distribution reports the share of mentions per label, in percent
type Distribution struct {
	PositivePct float64 `json:"positive_pct"`
	NegativePct float64 `json:"negative_pct"`
	NeutralPct  float64 `json:"neutral_pct"`
}

// TrendDirection describes where sentiment is heading inside a sample
type TrendDirection string

const (
	TrendImproving TrendDirection = "improving"
	TrendDeclining TrendDirection = "declining"
	TrendStable    TrendDirection = "stable"
)

// Trend is the fitted direction of score over time
type Trend struct {
	Direction TrendDirection `json:"direction"`
	Strength  float64        `json:"strength"`
}

// ProjectSentimentSnapshot aggregates a sample of scored mentions
type ProjectSentimentSnapshot struct {
	AverageScore       float64      `json:"average_score"`
	Confidence         float64      `json:"confidence"`
	Distribution       Distribution `json:"distribution"`
	TotalMentions      int          `json:"total_mentions"`
	InfluencerMentions []Mention    `json:"influencer_mentions"`
	Trend              Trend        `json:"trend"`
	DegradedCount      int          `json:"degraded_count"`
	ComputedAt         time.Time    `json:"computed_at"`
}
