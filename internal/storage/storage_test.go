package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/cryptowatch/mentions-bot/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "mentions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	return map[string]Store{
		"sqlite": sqlite,
		"blob":   NewBlobStore(NewMemoryObjectStore()),
	}
}

func mention(id string, at time.Time, likes int) models.Mention {
	return models.Mention{
		ID:        id,
		Source:    "twitter",
		Text:      "SOL looks strong",
		CreatedAt: at,
		Author:    models.Author{ID: "u1", Handle: "trader", FollowerCount: 1200},
		Counts:    models.EngagementCounts{Likes: likes},
	}
}

func TestStore_UpsertMentionsIsIdempotent(t *testing.T) {
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.UpsertMentions(ctx, "mon-1", []models.Mention{mention("twitter_1", base, 3)}))
			require.NoError(t, s.UpsertMentions(ctx, "mon-1", []models.Mention{mention("twitter_1", base, 9)}))

			got, err := s.GetMention(ctx, "twitter_1")
			require.NoError(t, err)
			assert.Equal(t, 9, got.Counts.Likes)

			list, err := s.ListMentions(ctx, "mon-1", time.Time{}, 0)
			require.NoError(t, err)
			assert.Len(t, list, 1)

			_, err = s.GetMention(ctx, "missing")
			assert.True(t, errors.Is(err, ErrNotFound))
		})
	}
}

func TestStore_ListMentions(t *testing.T) {
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.UpsertMentions(ctx, "mon-1", []models.Mention{
				mention("a", base, 1),
				mention("b", base.Add(time.Hour), 1),
				mention("c", base.Add(2*time.Hour), 1),
			}))
			require.NoError(t, s.UpsertMentions(ctx, "mon-2", []models.Mention{mention("d", base, 1)}))

			list, err := s.ListMentions(ctx, "mon-1", base.Add(30*time.Minute), 0)
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, "c", list[0].ID)
			assert.Equal(t, "b", list[1].ID)

			list, err = s.ListMentions(ctx, "mon-1", time.Time{}, 1)
			require.NoError(t, err)
			require.Len(t, list, 1)
			assert.Equal(t, "c", list[0].ID)
		})
	}
}

func TestStore_Monitors(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			active := models.Monitor{ID: "mon-1", Name: "Solana", Keywords: []string{"SOL"}, IsActive: true}
			active.State.RecentVolumeHistory = models.NewHistory(5).Append(12)
			paused := models.Monitor{ID: "mon-2", Name: "Pepe", Keywords: []string{"PEPE"}}

			require.NoError(t, s.SaveMonitorState(ctx, active))
			require.NoError(t, s.SaveMonitorState(ctx, paused))

			all, err := s.LoadMonitors(ctx)
			require.NoError(t, err)
			assert.Len(t, all, 2)

			loaded, err := s.LoadActiveMonitors(ctx)
			require.NoError(t, err)
			require.Len(t, loaded, 1)
			assert.Equal(t, "mon-1", loaded[0].ID)
			assert.Equal(t, []float64{12}, loaded[0].State.RecentVolumeHistory.Values)

			active.Name = "Solana v2"
			require.NoError(t, s.SaveMonitorState(ctx, active))
			loaded, err = s.LoadActiveMonitors(ctx)
			require.NoError(t, err)
			assert.Equal(t, "Solana v2", loaded[0].Name)

			require.NoError(t, s.UpsertMentions(ctx, "mon-1", []models.Mention{mention("x", time.Now(), 1)}))
			require.NoError(t, s.DeleteMonitor(ctx, "mon-1"))
			all, err = s.LoadMonitors(ctx)
			require.NoError(t, err)
			require.Len(t, all, 1)
			assert.Equal(t, "mon-2", all[0].ID)

			list, err := s.ListMentions(ctx, "mon-1", time.Time{}, 0)
			require.NoError(t, err)
			assert.Empty(t, list)
		})
	}
}

func TestStore_Alerts(t *testing.T) {
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i, id := range []string{"a1", "a2", "a3"} {
				require.NoError(t, s.AppendAlert(ctx, models.Alert{
					ID:          id,
					MonitorID:   "mon-1",
					Type:        models.AlertMentionSpike,
					Severity:    models.SeverityMedium,
					TriggerData: map[string]interface{}{"count": float64(60 + i)},
					Timestamp:   base.Add(time.Duration(i) * time.Minute),
				}))
			}
			require.NoError(t, s.AppendAlert(ctx, models.Alert{ID: "other", MonitorID: "mon-2", Timestamp: base}))

			alerts, err := s.ListAlerts(ctx, "mon-1", 2)
			require.NoError(t, err)
			require.Len(t, alerts, 2)
			assert.Equal(t, "a3", alerts[0].ID)
			assert.Equal(t, "a2", alerts[1].ID)
			assert.Equal(t, float64(62), alerts[0].TriggerData["count"])

			require.NoError(t, s.RecordDelivery(ctx, models.DeliveryResult{AlertID: "a3", Delivered: false}))
			require.NoError(t, s.RecordDelivery(ctx, models.DeliveryResult{AlertID: "a3", Delivered: true}))
		})
	}
}

func TestMemoryObjectStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryObjectStore()

	require.NoError(t, s.Store(ctx, "monitors/b.json", []byte("b")))
	require.NoError(t, s.Store(ctx, "monitors/a.json", []byte("a")))
	require.NoError(t, s.Store(ctx, "alerts/x.json", []byte("x")))

	names, err := s.List(ctx, "monitors/")
	require.NoError(t, err)
	assert.Equal(t, []string{"monitors/a.json", "monitors/b.json"}, names)

	data, err := s.Retrieve(ctx, "monitors/a.json")
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), data)

	require.NoError(t, s.Delete(ctx, "monitors/a.json"))
	_, err = s.Retrieve(ctx, "monitors/a.json")
	assert.ErrorIs(t, err, ErrNotFound)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.Error(t, s.Store(cancelled, "x", nil))
}
