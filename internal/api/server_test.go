package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cryptowatch/mentions-bot/internal/models"
	"github.com/cryptowatch/mentions-bot/internal/monitoring"
	"github.com/cryptowatch/mentions-bot/internal/ratelimit"
	"github.com/cryptowatch/mentions-bot/internal/registry"
	"github.com/cryptowatch/mentions-bot/internal/sentiment"
	"github.com/cryptowatch/mentions-bot/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockEvaluator is a mock implementation of the alert evaluator
type MockEvaluator struct {
	mock.Mock
}

func (m *MockEvaluator) EvaluateMonitor(ctx context.Context, id string) monitoring.Result {
	args := m.Called(ctx, id)
	return args.Get(0).(monitoring.Result)
}

func (m *MockEvaluator) GetStats() string {
	args := m.Called()
	return args.String(0)
}

type countingScorer struct {
	calls int32
}

func (c *countingScorer) ScoreProject(_ context.Context, mentions []models.Mention) models.ProjectSentimentSnapshot {
	atomic.AddInt32(&c.calls, 1)
	return models.ProjectSentimentSnapshot{AverageScore: 0.7, Confidence: 0.6, TotalMentions: len(mentions)}
}

type testServer struct {
	server    *Server
	registry  *registry.Registry
	evaluator *MockEvaluator
	store     *storage.BlobStore
	scorer    *countingScorer
	feed      *Feed
}

func newTestServer() *testServer {
	ts := &testServer{
		registry:  registry.New(registry.Options{Sources: []string{"twitter", "reddit"}}),
		evaluator: new(MockEvaluator),
		store:     storage.NewBlobStore(storage.NewMemoryObjectStore()),
		scorer:    &countingScorer{},
		feed:      NewFeed(2),
	}
	tracker := ratelimit.NewTracker(ratelimit.Limit{Requests: 180, Window: 15 * time.Minute})
	ts.server = NewServer(Options{
		Registry:  ts.registry,
		Evaluator: ts.evaluator,
		Store:     ts.store,
		Scorer:    ts.scorer,
		Cache:     sentiment.NewSnapshotCache(time.Minute),
		Feed:      ts.feed,
		RateLimits: func() []ratelimit.Status {
			return []ratelimit.Status{tracker.Status("twitter", "search")}
		},
	})
	return ts
}

func (ts *testServer) do(method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	ts.server.ServeHTTP(rec, req)
	return rec
}

func validMonitor() map[string]interface{} {
	return map[string]interface{}{
		"name":       "Solana",
		"keywords":   []string{"solana", "$SOL"},
		"thresholds": map[string]interface{}{"mention_spike": 50},
		"webhooks":   []string{"https://hooks.example.com/a"},
	}
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestServer_MonitorCRUD(t *testing.T) {
	ts := newTestServer()

	rec := ts.do("POST", "/api/monitors", validMonitor())
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode[models.Monitor](t, rec)
	assert.NotEmpty(t, created.ID)
	assert.True(t, created.IsActive)

	rec = ts.do("GET", "/api/monitors", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]models.Monitor](t, rec), 1)

	rec = ts.do("GET", "/api/monitors/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[map[string]interface{}](t, rec)
	assert.Equal(t, "idle", got["phase"])

	rec = ts.do("PATCH", "/api/monitors/"+created.ID, map[string]interface{}{"name": "Solana Mainnet"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Solana Mainnet", decode[models.Monitor](t, rec).Name)

	rec = ts.do("POST", "/api/monitors/"+created.ID+"/toggle", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[models.Monitor](t, rec).IsActive)

	rec = ts.do("GET", "/api/monitors?active=true", nil)
	assert.Empty(t, decode[[]models.Monitor](t, rec))

	rec = ts.do("DELETE", "/api/monitors/"+created.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = ts.do("GET", "/api/monitors/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_ValidationErrors(t *testing.T) {
	ts := newTestServer()

	invalid := validMonitor()
	delete(invalid, "webhooks")
	rec := ts.do("POST", "/api/monitors", invalid)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.NotEmpty(t, decode[map[string]string](t, rec)["field"])

	req := httptest.NewRequest("POST", "/api/monitors", bytes.NewBufferString("{not json"))
	raw := httptest.NewRecorder()
	ts.server.ServeHTTP(raw, req)
	assert.Equal(t, http.StatusBadRequest, raw.Code)

	rec = ts.do("POST", "/api/monitors", validMonitor())
	id := decode[models.Monitor](t, rec).ID
	rec = ts.do("PATCH", "/api/monitors/"+id, map[string]interface{}{"source": "myspace"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do("GET", "/api/monitors/"+id, nil)
	got := decode[map[string]json.RawMessage](t, rec)
	var m models.Monitor
	require.NoError(t, json.Unmarshal(got["monitor"], &m))
	assert.Equal(t, "twitter", m.Source)

	assert.Equal(t, http.StatusNotFound, ts.do("PATCH", "/api/monitors/missing", map[string]interface{}{}).Code)
}

func TestServer_Evaluate(t *testing.T) {
	ts := newTestServer()
	rec := ts.do("POST", "/api/monitors", validMonitor())
	id := decode[models.Monitor](t, rec).ID

	ts.evaluator.On("EvaluateMonitor", mock.Anything, id).Return(monitoring.Result{MonitorID: id, Outcome: monitoring.OutcomeCompleted, Fetched: 3})
	ts.evaluator.On("EvaluateMonitor", mock.Anything, "missing").Return(monitoring.Result{MonitorID: "missing", Outcome: monitoring.OutcomeNotFound})

	rec = ts.do("POST", "/api/monitors/"+id+"/evaluate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 3, decode[monitoring.Result](t, rec).Fetched)

	rec = ts.do("POST", "/api/monitors/missing/evaluate", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_AlertsAndSentiment(t *testing.T) {
	ts := newTestServer()
	rec := ts.do("POST", "/api/monitors", validMonitor())
	id := decode[models.Monitor](t, rec).ID
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, ts.store.AppendAlert(ctx, models.Alert{ID: "a1", MonitorID: id, Type: models.AlertNewMention, Timestamp: now.Add(-time.Minute)}))
	require.NoError(t, ts.store.AppendAlert(ctx, models.Alert{ID: "a2", MonitorID: id, Type: models.AlertMentionSpike, Timestamp: now}))
	require.NoError(t, ts.store.UpsertMentions(ctx, id, []models.Mention{
		{ID: "x1", Text: "bullish", CreatedAt: now.Add(-time.Hour)},
		{ID: "x2", Text: "bearish", CreatedAt: now.Add(-48 * time.Hour)},
	}))

	rec = ts.do("GET", "/api/monitors/"+id+"/alerts?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	alerts := decode[[]models.Alert](t, rec)
	require.Len(t, alerts, 1)
	assert.Equal(t, "a2", alerts[0].ID)

	assert.Equal(t, http.StatusBadRequest, ts.do("GET", "/api/monitors/"+id+"/alerts?limit=abc", nil).Code)

	rec = ts.do("GET", "/api/monitors/"+id+"/sentiment?timeframe=24h&sample=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	snap := decode[models.ProjectSentimentSnapshot](t, rec)
	assert.Equal(t, 1, snap.TotalMentions)
	assert.Equal(t, 0.7, snap.AverageScore)

	ts.do("GET", "/api/monitors/"+id+"/sentiment?timeframe=24h&sample=10", nil)
	assert.Equal(t, int32(1), atomic.LoadInt32(&ts.scorer.calls))

	rec = ts.do("GET", "/api/monitors/"+id+"/sentiment?timeframe=7d&sample=10", nil)
	assert.Equal(t, 2, decode[models.ProjectSentimentSnapshot](t, rec).TotalMentions)

	name := "renamed"
	_, err := ts.registry.Update(ctx, id, registry.MonitorPatch{Name: &name})
	require.NoError(t, err)
	ts.do("GET", "/api/monitors/"+id+"/sentiment?timeframe=24h&sample=10", nil)
	assert.Equal(t, int32(3), atomic.LoadInt32(&ts.scorer.calls))

	assert.Equal(t, http.StatusBadRequest, ts.do("GET", "/api/monitors/"+id+"/sentiment?timeframe=soon", nil).Code)
	assert.Equal(t, http.StatusNotFound, ts.do("GET", "/api/monitors/missing/sentiment", nil).Code)
}

func TestServer_HealthStatsFeed(t *testing.T) {
	ts := newTestServer()
	ts.evaluator.On("GetStats").Return(`{"evaluations":4}`)

	rec := ts.do("GET", "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decode[map[string]interface{}](t, rec)["status"])

	rec = ts.do("GET", "/stats", nil)
	assert.JSONEq(t, `{"evaluations":4}`, rec.Body.String())

	assert.Equal(t, http.StatusOK, ts.do("GET", "/metrics", nil).Code)

	ts.feed.Add(models.Notification{Title: "one"})
	ts.feed.Add(models.Notification{Title: "two"})
	ts.feed.Add(models.Notification{Title: "three"})
	rec = ts.do("GET", "/api/notifications", nil)
	feed := decode[[]models.Notification](t, rec)
	require.Len(t, feed, 2)
	assert.Equal(t, "three", feed[0].Title)
	assert.Equal(t, "two", feed[1].Title)

	rec = ts.do("GET", "/api/ratelimits", nil)
	limits := decode[[]ratelimit.Status](t, rec)
	require.Len(t, limits, 1)
	assert.Equal(t, 180, limits[0].Remaining)
}

func TestParseTimeframe(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{in: "1h", want: time.Hour},
		{in: "24h", want: 24 * time.Hour},
		{in: "7d", want: 7 * 24 * time.Hour},
		{in: "0d", wantErr: true},
		{in: "-1h", wantErr: true},
		{in: "later", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTimeframe(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
