package sentiment

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/cryptowatch/mentions-bot/internal/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	// InfluencerFollowers and InfluencerEngagement qualify a mention for the influencer subset
	InfluencerFollowers  = 10000
	InfluencerEngagement = 100
	// MaxInfluencers caps the reported influencer subset
	MaxInfluencers = 5
	trendThreshold = 0.1
)

// Config tunes batching and scoring
type Config struct {
	BatchSize           int
	BatchDelay          time.Duration
	Concurrency         int
	InfluencerWeighting bool
	MinTrendSamples     int
	CallTimeout         time.Duration
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		BatchSize:           50,
		BatchDelay:          time.Second,
		Concurrency:         5,
		InfluencerWeighting: true,
		MinTrendSamples:     10,
		CallTimeout:         30 * time.Second,
	}
}

// Aggregator scores mentions through a Classifier and summarizes them per project
type Aggregator struct {
	classifier Classifier
	config     Config
	now        func() time.Time
}

// NewAggregator creates an aggregator. Zero config fields take their defaults,
// except BatchDelay, InfluencerWeighting and MinTrendSamples which are used as given.
func NewAggregator(classifier Classifier, cfg Config) *Aggregator {
	defaults := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaults.Concurrency
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaults.CallTimeout
	}
	if cfg.MinTrendSamples < 0 {
		cfg.MinTrendSamples = 0
	}
	return &Aggregator{classifier: classifier, config: cfg, now: time.Now}
}

// SetClock replaces the clock used for ComputedAt
func (a *Aggregator) SetClock(now func() time.Time) {
	a.now = now
}

// ScoreProject classifies every mention and summarizes the sample. It never
// fails: oracle errors, timeouts and cancellation degrade the affected
// mentions to the neutral default.
func (a *Aggregator) ScoreProject(ctx context.Context, mentions []models.Mention) models.ProjectSentimentSnapshot {
	results, degraded := a.Classify(ctx, mentions)
	snapshot := a.Summarize(mentions, results)
	snapshot.DegradedCount = degraded
	return snapshot
}

// Classify returns one result per mention, in order, and the number of
// mentions that fell back to the neutral default.
func (a *Aggregator) Classify(ctx context.Context, mentions []models.Mention) ([]models.SentimentResult, int) {
	results := make([]models.SentimentResult, len(mentions))
	failed := make([]bool, len(mentions))

	for start := 0; start < len(mentions); start += a.config.BatchSize {
		end := start + a.config.BatchSize
		if end > len(mentions) {
			end = len(mentions)
		}

		if start > 0 && a.config.BatchDelay > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(a.config.BatchDelay):
			}
		}

		var g errgroup.Group
		g.SetLimit(a.config.Concurrency)
		for i := start; i < end; i++ {
			g.Go(func() error {
				res, err := a.classifyOne(ctx, mentions[i].Text)
				if err != nil {
					logrus.WithField("mention_id", mentions[i].ID).Debugf("Classification degraded to neutral: %v", err)
					res = models.NeutralSentiment()
					failed[i] = true
				}
				results[i] = res
				return nil
			})
		}
		_ = g.Wait()
	}

	degraded := 0
	for _, f := range failed {
		if f {
			degraded++
		}
	}
	if degraded > 0 {
		logrus.Warnf("%d of %d mentions degraded to neutral sentiment", degraded, len(mentions))
	}
	return results, degraded
}

func (a *Aggregator) classifyOne(ctx context.Context, text string) (models.SentimentResult, error) {
	if err := ctx.Err(); err != nil {
		return models.SentimentResult{}, err
	}
	callCtx, cancel := context.WithTimeout(ctx, a.config.CallTimeout)
	defer cancel()

	res, err := a.classifier.Classify(callCtx, Truncate(text))
	if err != nil {
		return models.SentimentResult{}, err
	}
	if !res.Label.Valid() {
		return models.SentimentResult{}, ErrClassification
	}
	res.Score = clamp01(res.Score)
	res.Confidence = clamp01(res.Confidence)
	return res, nil
}

// Summarize builds the snapshot of already classified mentions. results[i]
// belongs to mentions[i].
func (a *Aggregator) Summarize(mentions []models.Mention, results []models.SentimentResult) models.ProjectSentimentSnapshot {
	snapshot := models.ProjectSentimentSnapshot{
		AverageScore:       0.5,
		Confidence:         0.5,
		TotalMentions:      len(mentions),
		InfluencerMentions: []models.Mention{},
		Trend:              models.Trend{Direction: models.TrendStable},
		ComputedAt:         a.now(),
	}
	if len(mentions) == 0 || len(results) != len(mentions) {
		return snapshot
	}

	var weightedSum, totalWeight, confidenceSum float64
	var positive, negative, neutral int
	for i, m := range mentions {
		r := results[i]
		weight := 1.0
		if a.config.InfluencerWeighting {
			weight += m.Influence
		}
		weightedSum += r.Score * weight
		totalWeight += weight
		confidenceSum += r.Confidence

		switch r.Label {
		case models.LabelPositive:
			positive++
		case models.LabelNegative:
			negative++
		default:
			neutral++
		}
	}

	total := len(mentions)
	snapshot.AverageScore = clamp01(weightedSum / totalWeight)
	snapshot.Confidence = confidenceSum / float64(total)
	snapshot.Distribution = models.Distribution{
		PositivePct: percent(positive, total),
		NegativePct: percent(negative, total),
		NeutralPct:  percent(neutral, total),
	}
	snapshot.InfluencerMentions = Influencers(mentions)
	snapshot.Trend = a.trend(mentions, results)
	return snapshot
}

func percent(count, total int) float64 {
	return float64(count*100) / float64(total)
}

// Influencers returns the top mentions by influence among authors with a
// large following or posts with high engagement.
func Influencers(mentions []models.Mention) []models.Mention {
	out := []models.Mention{}
	for _, m := range mentions {
		if m.Author.FollowerCount > InfluencerFollowers || m.Engagement > InfluencerEngagement {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Influence > out[j].Influence
	})
	if len(out) > MaxInfluencers {
		out = out[:MaxInfluencers]
	}
	return out
}

type point struct {
	at    time.Time
	score float64
}

// trend fits score over time. Time is normalized to [0,1] across the sample
// span, so the slope is the fitted score change from first to last mention.
func (a *Aggregator) trend(mentions []models.Mention, results []models.SentimentResult) models.Trend {
	if len(mentions) < a.config.MinTrendSamples || len(mentions) < 2 {
		return models.Trend{Direction: models.TrendStable}
	}

	points := make([]point, len(mentions))
	for i, m := range mentions {
		points[i] = point{at: m.CreatedAt, score: results[i].Score}
	}
	sort.SliceStable(points, func(i, j int) bool {
		return points[i].at.Before(points[j].at)
	})

	first, last := points[0].at, points[len(points)-1].at
	span := last.Sub(first)
	xs := make([]float64, len(points))
	ys := make([]float64, len(points))
	for i, p := range points {
		if span > 0 {
			xs[i] = float64(p.at.Sub(first)) / float64(span)
		} else {
			xs[i] = float64(i) / float64(len(points)-1)
		}
		ys[i] = p.score
	}

	slope := Slope(xs, ys)
	direction := models.TrendStable
	switch {
	case slope > trendThreshold:
		direction = models.TrendImproving
	case slope < -trendThreshold:
		direction = models.TrendDeclining
	}
	return models.Trend{Direction: direction, Strength: math.Abs(slope)}
}

// Slope is the ordinary least squares slope of ys over xs
func Slope(xs, ys []float64) float64 {
	n := float64(len(xs))
	if n < 2 || len(xs) != len(ys) {
		return 0
	}
	var mx, my float64
	for i := range xs {
		mx += xs[i]
		my += ys[i]
	}
	mx /= n
	my /= n

	var num, den float64
	for i := range xs {
		dx := xs[i] - mx
		num += dx * (ys[i] - my)
		den += dx * dx
	}
	if den == 0 {
		return 0
	}
	return num / den
}
