package sentiment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cryptowatch/mentions-bot/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockClassifier is a mock implementation of the classification oracle
type MockClassifier struct {
	mock.Mock
}

func (m *MockClassifier) Classify(ctx context.Context, text string) (models.SentimentResult, error) {
	args := m.Called(ctx, text)
	return args.Get(0).(models.SentimentResult), args.Error(1)
}

type classifierFunc func(ctx context.Context, text string) (models.SentimentResult, error)

func (f classifierFunc) Classify(ctx context.Context, text string) (models.SentimentResult, error) {
	return f(ctx, text)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.BatchDelay = 0
	return cfg
}

func result(label models.SentimentLabel, score float64) models.SentimentResult {
	return models.SentimentResult{Label: label, Score: score, Confidence: 0.8}
}

func TestLexiconClassifier(t *testing.T) {
	c := NewLexiconClassifier()

	tests := []struct {
		name  string
		text  string
		label models.SentimentLabel
	}{
		{"bullish post", "SOL looks bullish, breakout incoming", models.LabelPositive},
		{"bearish post", "This is a scam, rug pull and dump", models.LabelNegative},
		{"no signal", "Just read the docs for the new SDK", models.LabelNeutral},
		{"balanced", "good tech but bad tokenomics", models.LabelNeutral},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := c.Classify(context.Background(), tt.text)
			require.NoError(t, err)
			assert.Equal(t, tt.label, res.Label)
			assert.GreaterOrEqual(t, res.Score, 0.0)
			assert.LessOrEqual(t, res.Score, 1.0)
		})
	}
}

func TestTruncate(t *testing.T) {
	long := strings.Repeat("é", MaxTextLength+10)
	assert.Len(t, []rune(Truncate(long)), MaxTextLength)
	assert.Equal(t, "short", Truncate("short"))
}

func TestHTTPClassifier(t *testing.T) {
	var gotAuth, gotModel string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotModel = req.Model

		content := `{"label":"positive","confidence":0.9,"score":0.85,"explanation":"upbeat","key_phrases":["to the moon"]}`
		if strings.Contains(req.Messages[1].Content, "garbage") {
			content = `{"label":"ecstatic","confidence":1,"score":1}`
		}
		if strings.Contains(req.Messages[1].Content, "down") {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"choices":[{"message":{"role":"assistant","content":%q}}]}`, content)
	}))
	defer server.Close()

	c := NewHTTPClassifier(server.URL, "secret", "test-model", time.Second)

	res, err := c.Classify(context.Background(), "BTC to the moon")
	require.NoError(t, err)
	assert.Equal(t, models.LabelPositive, res.Label)
	assert.Equal(t, 0.85, res.Score)
	assert.Equal(t, []string{"to the moon"}, res.KeyPhrases)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "test-model", gotModel)

	_, err = c.Classify(context.Background(), "garbage")
	assert.ErrorIs(t, err, ErrClassification)

	_, err = c.Classify(context.Background(), "oracle is down")
	assert.ErrorIs(t, err, ErrClassification)
}

func TestAggregator_EmptySample(t *testing.T) {
	a := NewAggregator(&MockClassifier{}, testConfig())

	s := a.ScoreProject(context.Background(), nil)
	assert.Equal(t, 0.5, s.AverageScore)
	assert.Equal(t, 0.5, s.Confidence)
	assert.Equal(t, 0, s.TotalMentions)
	assert.Equal(t, models.TrendStable, s.Trend.Direction)
	assert.Empty(t, s.InfluencerMentions)
}

func TestAggregator_DistributionByCount(t *testing.T) {
	var mentions []models.Mention
	var results []models.SentimentResult
	for i := 0; i < 100; i++ {
		m := models.Mention{ID: fmt.Sprintf("m%d", i), CreatedAt: time.Unix(int64(i), 0)}
		switch {
		case i < 60:
			m.Influence = 0.1
			results = append(results, result(models.LabelPositive, 0.9))
		case i < 85:
			m.Influence = 0.9
			results = append(results, result(models.LabelNegative, 0.1))
		default:
			results = append(results, result(models.LabelNeutral, 0.5))
		}
		mentions = append(mentions, m)
	}

	a := NewAggregator(&MockClassifier{}, testConfig())
	s := a.Summarize(mentions, results)

	assert.Equal(t, models.Distribution{PositivePct: 60, NegativePct: 25, NeutralPct: 15}, s.Distribution)
	assert.Equal(t, 100, s.TotalMentions)
	assert.GreaterOrEqual(t, s.AverageScore, 0.0)
	assert.LessOrEqual(t, s.AverageScore, 1.0)
	assert.InDelta(t, 0.8, s.Confidence, 1e-9)
}

func TestAggregator_Weighting(t *testing.T) {
	mentions := []models.Mention{
		{ID: "loud", Influence: 1, CreatedAt: time.Unix(0, 0)},
		{ID: "quiet", Influence: 0, CreatedAt: time.Unix(1, 0)},
	}
	results := []models.SentimentResult{
		result(models.LabelPositive, 1),
		result(models.LabelNegative, 0),
	}

	weighted := NewAggregator(&MockClassifier{}, testConfig())
	assert.InDelta(t, 2.0/3.0, weighted.Summarize(mentions, results).AverageScore, 1e-9)

	cfg := testConfig()
	cfg.InfluencerWeighting = false
	flat := NewAggregator(&MockClassifier{}, cfg)
	assert.InDelta(t, 0.5, flat.Summarize(mentions, results).AverageScore, 1e-9)
}

func TestAggregator_DegradesFailedItems(t *testing.T) {
	classifier := &MockClassifier{}
	classifier.On("Classify", mock.Anything, "great launch").Return(result(models.LabelPositive, 0.9), nil)
	classifier.On("Classify", mock.Anything, "boom").Return(models.SentimentResult{}, ErrClassification)
	classifier.On("Classify", mock.Anything, "weird").Return(models.SentimentResult{Label: "unknown"}, nil)

	a := NewAggregator(classifier, testConfig())
	s := a.ScoreProject(context.Background(), []models.Mention{
		{ID: "1", Text: "great launch"},
		{ID: "2", Text: "boom"},
		{ID: "3", Text: "weird"},
	})

	assert.Equal(t, 3, s.TotalMentions)
	assert.Equal(t, 2, s.DegradedCount)
	assert.InDelta(t, 100.0/3.0, s.Distribution.PositivePct, 1e-9)
	assert.InDelta(t, 200.0/3.0, s.Distribution.NeutralPct, 1e-9)
	classifier.AssertExpectations(t)
}

func TestAggregator_BatchesEveryMention(t *testing.T) {
	var calls, inFlight, peak int32
	c := classifierFunc(func(ctx context.Context, text string) (models.SentimentResult, error) {
		atomic.AddInt32(&calls, 1)
		n := atomic.AddInt32(&inFlight, 1)
		defer atomic.AddInt32(&inFlight, -1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		return result(models.LabelNeutral, 0.5), nil
	})

	cfg := testConfig()
	cfg.BatchSize = 50
	cfg.Concurrency = 4
	a := NewAggregator(c, cfg)

	mentions := make([]models.Mention, 120)
	for i := range mentions {
		mentions[i] = models.Mention{ID: fmt.Sprintf("m%d", i), Text: "gm"}
	}
	s := a.ScoreProject(context.Background(), mentions)

	assert.Equal(t, int32(120), atomic.LoadInt32(&calls))
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(4))
	assert.Equal(t, 0, s.DegradedCount)
}

func TestAggregator_CancelledContextDegrades(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	a := NewAggregator(NewLexiconClassifier(), testConfig())
	s := a.ScoreProject(ctx, []models.Mention{{ID: "1", Text: "bullish"}, {ID: "2", Text: "moon"}})

	assert.Equal(t, 2, s.DegradedCount)
	assert.Equal(t, 100.0, s.Distribution.NeutralPct)
	assert.Equal(t, 0.5, s.AverageScore)
}

func TestAggregator_Trend(t *testing.T) {
	mentionsWithScores := func(scores []float64) ([]models.Mention, []models.SentimentResult) {
		base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		mentions := make([]models.Mention, len(scores))
		results := make([]models.SentimentResult, len(scores))
		// reverse insertion order to check sorting by time
		for i := range scores {
			j := len(scores) - 1 - i
			mentions[j] = models.Mention{ID: fmt.Sprintf("m%d", i), CreatedAt: base.Add(time.Duration(i) * time.Minute)}
			results[j] = result(models.LabelNeutral, scores[i])
		}
		return mentions, results
	}
	linear := func(n int, from, to float64) []float64 {
		out := make([]float64, n)
		for i := range out {
			out[i] = from + (to-from)*float64(i)/float64(n-1)
		}
		return out
	}

	tests := []struct {
		name      string
		scores    []float64
		direction models.TrendDirection
	}{
		{"increasing", linear(20, 0.2, 0.9), models.TrendImproving},
		{"decreasing", linear(20, 0.9, 0.2), models.TrendDeclining},
		{"flat", linear(20, 0.5, 0.5), models.TrendStable},
		{"small drift", linear(20, 0.50, 0.55), models.TrendStable},
		{"too few samples", linear(9, 0.1, 0.9), models.TrendStable},
	}

	a := NewAggregator(&MockClassifier{}, testConfig())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mentions, results := mentionsWithScores(tt.scores)
			trend := a.Summarize(mentions, results).Trend
			assert.Equal(t, tt.direction, trend.Direction)
			assert.GreaterOrEqual(t, trend.Strength, 0.0)
		})
	}

	t.Run("identical timestamps use order", func(t *testing.T) {
		mentions := make([]models.Mention, 10)
		results := make([]models.SentimentResult, 10)
		for i := range mentions {
			mentions[i] = models.Mention{ID: fmt.Sprintf("m%d", i)}
			results[i] = result(models.LabelNeutral, float64(i)/9)
		}
		trend := a.Summarize(mentions, results).Trend
		assert.Equal(t, models.TrendImproving, trend.Direction)
		assert.InDelta(t, 1.0, trend.Strength, 1e-9)
	})
}

func TestSlope(t *testing.T) {
	assert.InDelta(t, 2.0, Slope([]float64{0, 1, 2}, []float64{1, 3, 5}), 1e-9)
	assert.Equal(t, 0.0, Slope([]float64{1, 1}, []float64{0, 1}))
	assert.Equal(t, 0.0, Slope([]float64{1}, []float64{1}))
}

func TestInfluencers(t *testing.T) {
	var mentions []models.Mention
	for i := 0; i < 8; i++ {
		mentions = append(mentions, models.Mention{
			ID:        fmt.Sprintf("big%d", i),
			Author:    models.Author{FollowerCount: 20000},
			Influence: float64(i) / 10,
		})
	}
	mentions = append(mentions,
		models.Mention{ID: "viral", Engagement: 500, Influence: 0.95},
		models.Mention{ID: "small", Author: models.Author{FollowerCount: 10000}, Engagement: 100, Influence: 0.99},
	)

	got := Influencers(mentions)
	require.Len(t, got, MaxInfluencers)
	assert.Equal(t, "viral", got[0].ID)
	assert.Equal(t, "big7", got[1].ID)
	for _, m := range got {
		assert.NotEqual(t, "small", m.ID)
	}
}

func TestSnapshotCache(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cache := NewSnapshotCache(5 * time.Minute)
	cache.SetClock(func() time.Time { return now })

	key := CacheKey("mon-1", "24h", 100)
	assert.Equal(t, "mon-1|24h|100", key)

	loads := 0
	load := func() (models.ProjectSentimentSnapshot, error) {
		loads++
		return models.ProjectSentimentSnapshot{AverageScore: 0.7, TotalMentions: loads}, nil
	}

	s, err := cache.GetOrLoad(key, load)
	require.NoError(t, err)
	assert.Equal(t, 1, s.TotalMentions)

	now = now.Add(4 * time.Minute)
	s, err = cache.GetOrLoad(key, load)
	require.NoError(t, err)
	assert.Equal(t, 1, s.TotalMentions)
	assert.Equal(t, 1, loads)

	now = now.Add(time.Minute)
	s, err = cache.GetOrLoad(key, load)
	require.NoError(t, err)
	assert.Equal(t, 2, s.TotalMentions)

	_, err = cache.GetOrLoad("other", func() (models.ProjectSentimentSnapshot, error) {
		return models.ProjectSentimentSnapshot{}, errors.New("oracle down")
	})
	assert.Error(t, err)
	_, ok := cache.Get("other")
	assert.False(t, ok)

	cache.Set(CacheKey("mon-2", "24h", 100), models.ProjectSentimentSnapshot{})
	cache.Invalidate("mon-1")
	_, ok = cache.Get(key)
	assert.False(t, ok)
	_, ok = cache.Get(CacheKey("mon-2", "24h", 100))
	assert.True(t, ok)
}

func TestSnapshotCache_CollapsesConcurrentLoads(t *testing.T) {
	cache := NewSnapshotCache(time.Minute)

	var loads int32
	release := make(chan struct{})
	load := func() (models.ProjectSentimentSnapshot, error) {
		atomic.AddInt32(&loads, 1)
		<-release
		return models.ProjectSentimentSnapshot{AverageScore: 0.6}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := cache.GetOrLoad("k", load)
			assert.NoError(t, err)
			assert.Equal(t, 0.6, s.AverageScore)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&loads))
}
