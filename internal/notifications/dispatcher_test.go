package notifications

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
	"gopkg.in/gomail.v2"
)

type MockRecorder struct {
	mock.Mock
}

func (m *MockRecorder) RecordDelivery(ctx context.Context, result models.DeliveryResult) error {
	args := m.Called(ctx, result)
	return args.Error(0)
}

type MockMailer struct {
	mock.Mock
}

func (m *MockMailer) DialAndSend(msgs ...*gomail.Message) error {
	args := m.Called(msgs)
	return args.Error(0)
}

func testDispatcher(channels ...Channel) *Dispatcher {
	d := NewDispatcher(Config{Attempts: 3, Timeout: time.Second}, channels, nil, nil)
	d.Start()
	return d
}

func testAlert(id string) models.Alert {
	return models.Alert{
		ID:          id,
		MonitorID:   "m1",
		Type:        models.AlertMentionSpike,
		Severity:    models.SeverityMedium,
		Title:       "Mention spike for Solana",
		Message:     "14 mentions in the last window",
		TriggerData: map[string]interface{}{"mentionCount": 14, "threshold": 10},
		Timestamp:   time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
	}
}

func testMonitor() models.Monitor {
	return models.Monitor{ID: "m1", Name: "Solana", Keywords: []string{"solana", "$SOL"}}
}

func TestDispatcher_WebhookPayload(t *testing.T) {
	var got WebhookPayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	d := testDispatcher(NewWebhookChannel())
	defer d.Stop()

	monitor := testMonitor()
	monitor.Webhooks = []string{server.URL}

	result, err := d.Dispatch(context.Background(), testAlert("a1"), monitor)
	require.NoError(t, err)
	assert.True(t, result.Delivered)
	require.Len(t, result.Channels, 1)
	assert.Equal(t, ChannelWebhook, result.Channels[0].Channel)
	assert.Equal(t, 1, result.Channels[0].Attempts)

	assert.Equal(t, "m1", got.Monitor.ID)
	assert.Equal(t, []string{"solana", "$SOL"}, got.Monitor.Keywords)
	assert.Equal(t, models.AlertMentionSpike, got.Alert.Type)
	assert.Equal(t, models.SeverityMedium, got.Alert.Severity)
	assert.Equal(t, float64(14), got.Alert.Data["mentionCount"])
	assert.Equal(t, "2024-05-01T10:00:00Z", got.Timestamp)
}

func TestDispatcher_RetriesUntilSuccess(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := testDispatcher(NewWebhookChannel())
	defer d.Stop()

	monitor := testMonitor()
	monitor.Webhooks = []string{server.URL}

	result, err := d.Dispatch(context.Background(), testAlert("a1"), monitor)
	require.NoError(t, err)
	assert.True(t, result.Delivered)
	assert.Equal(t, 3, result.Channels[0].Attempts)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestDispatcher_ExhaustedAttempts(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	recorder := new(MockRecorder)
	recorder.On("RecordDelivery", mock.Anything, mock.MatchedBy(func(r models.DeliveryResult) bool {
		return r.AlertID == "a1" && !r.Delivered
	})).Return(nil).Once()

	d := NewDispatcher(Config{Attempts: 3, Timeout: time.Second}, []Channel{NewWebhookChannel()}, recorder, nil)
	d.Start()
	defer d.Stop()

	monitor := testMonitor()
	monitor.Webhooks = []string{server.URL}

	result, err := d.Dispatch(context.Background(), testAlert("a1"), monitor)
	require.NoError(t, err)
	assert.False(t, result.Delivered)
	assert.Equal(t, 3, result.Channels[0].Attempts)
	assert.Contains(t, result.Channels[0].Error, "status 500")
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	recorder.AssertExpectations(t)
}

func TestDispatcher_ChannelsAreIsolated(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	local := NewLocalChannel()
	var received []models.Notification
	local.Subscribe(func(n models.Notification) { received = append(received, n) })

	d := testDispatcher(NewWebhookChannel(), local)
	defer d.Stop()

	monitor := testMonitor()
	monitor.Webhooks = []string{server.URL}
	monitor.Notify.Local = true

	result, err := d.Dispatch(context.Background(), testAlert("a1"), monitor)
	require.NoError(t, err)
	assert.False(t, result.Delivered)
	require.Len(t, result.Channels, 2)
	assert.False(t, result.Channels[0].Delivered)
	assert.True(t, result.Channels[1].Delivered)

	require.Len(t, received, 1)
	assert.Equal(t, "m1", received[0].MonitorID)
	assert.Equal(t, models.AlertMentionSpike, received[0].AlertType)
}

func TestDispatcher_Deduplicates(t *testing.T) {
	local := NewLocalChannel()
	var count int32
	local.Subscribe(func(models.Notification) { atomic.AddInt32(&count, 1) })

	d := testDispatcher(local)
	defer d.Stop()

	monitor := testMonitor()
	monitor.Notify.Local = true

	first, err := d.Dispatch(context.Background(), testAlert("a1"), monitor)
	require.NoError(t, err)
	assert.True(t, first.Delivered)

	second, err := d.Dispatch(context.Background(), testAlert("a1"), monitor)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.False(t, second.Delivered)
	assert.Equal(t, int32(1), atomic.LoadInt32(&count))
}

func TestDispatcher_PreservesOrder(t *testing.T) {
	local := NewLocalChannel()
	var mu sync.Mutex
	var order []string
	local.Subscribe(func(n models.Notification) {
		mu.Lock()
		order = append(order, n.Title)
		mu.Unlock()
	})

	d := testDispatcher(local)

	monitor := testMonitor()
	monitor.Notify.Local = true

	var results []<-chan models.DeliveryResult
	for i := 0; i < 20; i++ {
		a := testAlert(fmt.Sprintf("a%d", i))
		a.Title = fmt.Sprintf("alert-%02d", i)
		results = append(results, d.Enqueue(context.Background(), a, monitor))
	}
	for _, ch := range results {
		r := <-ch
		assert.True(t, r.Delivered)
	}
	d.Stop()

	require.Len(t, order, 20)
	for i, title := range order {
		assert.Equal(t, fmt.Sprintf("alert-%02d", i), title)
	}
}

func TestDispatcher_EmailChannel(t *testing.T) {
	mailer := new(MockMailer)
	mailer.On("DialAndSend", mock.MatchedBy(func(msgs []*gomail.Message) bool {
		if len(msgs) != 1 {
			return false
		}
		m := msgs[0]
		return strings.Join(m.GetHeader("To"), ",") == "ops@example.com" &&
			strings.Join(m.GetHeader("Subject"), "") == "[MEDIUM] Mention spike for Solana"
	})).Return(nil).Once()

	d := testDispatcher(NewEmailChannelWithMailer("bot@example.com", mailer))
	defer d.Stop()

	monitor := testMonitor()
	monitor.Notify.Emails = []string{"ops@example.com"}

	result, err := d.Dispatch(context.Background(), testAlert("a1"), monitor)
	require.NoError(t, err)
	assert.True(t, result.Delivered)
	assert.Equal(t, "ops@example.com", result.Channels[0].Target)
	mailer.AssertExpectations(t)
}

func TestDispatcher_EmailFailure(t *testing.T) {
	mailer := new(MockMailer)
	mailer.On("DialAndSend", mock.Anything).Return(errors.New("connection refused"))

	d := testDispatcher(NewEmailChannelWithMailer("bot@example.com", mailer))
	defer d.Stop()

	monitor := testMonitor()
	monitor.Notify.Emails = []string{"ops@example.com"}

	result, err := d.Dispatch(context.Background(), testAlert("a1"), monitor)
	require.NoError(t, err)
	assert.False(t, result.Delivered)
	assert.Equal(t, 3, result.Channels[0].Attempts)
	assert.Contains(t, result.Channels[0].Error, "connection refused")
	mailer.AssertNumberOfCalls(t, "DialAndSend", 3)
}

func TestDispatcher_TeamsChannel(t *testing.T) {
	var got TeamsMessage
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := testDispatcher(NewTeamsChannel())
	defer d.Stop()

	monitor := testMonitor()
	monitor.Notify.TeamsWebhooks = []string{server.URL}

	result, err := d.Dispatch(context.Background(), testAlert("a1"), monitor)
	require.NoError(t, err)
	assert.True(t, result.Delivered)

	assert.Equal(t, "MessageCard", got.Type)
	assert.Equal(t, "Mention spike for Solana", got.Title)
	require.Len(t, got.Sections, 2)
	assert.Contains(t, got.Sections[0].Facts, TeamsFact{Name: "Severity", Value: "MEDIUM"})
	assert.Contains(t, got.Sections[1].Facts, TeamsFact{Name: "mentionCount", Value: "14"})
}

func TestDispatcher_NoTargets(t *testing.T) {
	d := testDispatcher(NewWebhookChannel(), NewLocalChannel())
	defer d.Stop()

	result, err := d.Dispatch(context.Background(), testAlert("a1"), testMonitor())
	require.NoError(t, err)
	assert.False(t, result.Delivered)
	assert.Empty(t, result.Channels)
}

func TestDispatcher_Stopped(t *testing.T) {
	d := testDispatcher(NewLocalChannel())
	d.Stop()
	d.Stop()

	_, err := d.Dispatch(context.Background(), testAlert("a1"), testMonitor())
	assert.ErrorIs(t, err, ErrStopped)

	r := <-d.Enqueue(context.Background(), testAlert("a2"), testMonitor())
	assert.False(t, r.Delivered)
}

func TestLocalChannel_SubscriberPanic(t *testing.T) {
	local := NewLocalChannel()
	local.Subscribe(func(models.Notification) { panic("boom") })

	err := local.Send(context.Background(), ChannelLocal, testAlert("a1"), testMonitor())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestBuildWebhookPayload_Defaults(t *testing.T) {
	alert := testAlert("a1")
	alert.TriggerData = nil

	p := BuildWebhookPayload(alert, models.Monitor{ID: "m2"})
	assert.Equal(t, []string{}, p.Monitor.Keywords)
	assert.NotNil(t, p.Alert.Data)
}
