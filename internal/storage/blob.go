package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/cryptowatch/mentions-bot/internal/models"
	"github.com/sirupsen/logrus"
)

// BlobStore implements Store as JSON documents in an ObjectStore:
//
//	mentions/<id>.json
//	monitors/<monitorID>.json
//	monitor-mentions/<monitorID>/<id>.json
//	alerts/<monitorID>/<timestamp>-<alertID>.json
//	deliveries/<alertID>.json
type BlobStore struct {
	objects ObjectStore
}

var _ Store = (*BlobStore)(nil)

const blobTimeLayout = "20060102T150405.000000000Z"

// NewBlobStore creates a store over objects
func NewBlobStore(objects ObjectStore) *BlobStore {
	return &BlobStore{objects: objects}
}

func (s *BlobStore) put(ctx context.Context, name string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", name, err)
	}
	return s.objects.Store(ctx, name, data)
}

func (s *BlobStore) get(ctx context.Context, name string, v interface{}) error {
	data, err := s.objects.Retrieve(ctx, name)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", name, err)
	}
	return nil
}

func (s *BlobStore) UpsertMentions(ctx context.Context, monitorID string, mentions []models.Mention) error {
	for _, m := range mentions {
		if err := s.put(ctx, path.Join("mentions", m.ID+".json"), m); err != nil {
			return err
		}
		if monitorID != "" {
			if err := s.put(ctx, path.Join("monitor-mentions", monitorID, m.ID+".json"), m); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *BlobStore) GetMention(ctx context.Context, id string) (models.Mention, error) {
	var m models.Mention
	if err := s.get(ctx, path.Join("mentions", id+".json"), &m); err != nil {
		return models.Mention{}, err
	}
	return m, nil
}

func (s *BlobStore) ListMentions(ctx context.Context, monitorID string, since time.Time, limit int) ([]models.Mention, error) {
	names, err := s.objects.List(ctx, path.Join("monitor-mentions", monitorID)+"/")
	if err != nil {
		return nil, err
	}

	mentions := []models.Mention{}
	for _, name := range names {
		var m models.Mention
		if err := s.get(ctx, name, &m); err != nil {
			logrus.Warnf("Skipping unreadable mention %s: %v", name, err)
			continue
		}
		if m.CreatedAt.Before(since) {
			continue
		}
		mentions = append(mentions, m)
	}

	sort.Slice(mentions, func(i, j int) bool {
		return mentions[i].CreatedAt.After(mentions[j].CreatedAt)
	})
	if limit > 0 && len(mentions) > limit {
		mentions = mentions[:limit]
	}
	return mentions, nil
}

func (s *BlobStore) SaveMonitorState(ctx context.Context, monitor models.Monitor) error {
	return s.put(ctx, path.Join("monitors", monitor.ID+".json"), monitor)
}

func (s *BlobStore) LoadMonitors(ctx context.Context) ([]models.Monitor, error) {
	names, err := s.objects.List(ctx, "monitors/")
	if err != nil {
		return nil, err
	}

	monitors := []models.Monitor{}
	for _, name := range names {
		var m models.Monitor
		if err := s.get(ctx, name, &m); err != nil {
			logrus.Warnf("Skipping unreadable monitor %s: %v", name, err)
			continue
		}
		monitors = append(monitors, m)
	}
	return monitors, nil
}

func (s *BlobStore) LoadActiveMonitors(ctx context.Context) ([]models.Monitor, error) {
	monitors, err := s.LoadMonitors(ctx)
	if err != nil {
		return nil, err
	}
	return activeOnly(monitors), nil
}

func (s *BlobStore) DeleteMonitor(ctx context.Context, id string) error {
	if err := s.objects.Delete(ctx, path.Join("monitors", id+".json")); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	links, err := s.objects.List(ctx, path.Join("monitor-mentions", id)+"/")
	if err != nil {
		return err
	}
	for _, name := range links {
		if err := s.objects.Delete(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

func (s *BlobStore) AppendAlert(ctx context.Context, alert models.Alert) error {
	name := path.Join("alerts", alert.MonitorID, fmt.Sprintf("%s-%s.json", alert.Timestamp.UTC().Format(blobTimeLayout), alert.ID))
	return s.put(ctx, name, alert)
}

func (s *BlobStore) ListAlerts(ctx context.Context, monitorID string, limit int) ([]models.Alert, error) {
	names, err := s.objects.List(ctx, path.Join("alerts", monitorID)+"/")
	if err != nil {
		return nil, err
	}
	// names sort by timestamp
	sort.Sort(sort.Reverse(sort.StringSlice(names)))

	alerts := []models.Alert{}
	for _, name := range names {
		if limit > 0 && len(alerts) >= limit {
			break
		}
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		var a models.Alert
		if err := s.get(ctx, name, &a); err != nil {
			logrus.Warnf("Skipping unreadable alert %s: %v", name, err)
			continue
		}
		alerts = append(alerts, a)
	}
	return alerts, nil
}

func (s *BlobStore) RecordDelivery(ctx context.Context, result models.DeliveryResult) error {
	return s.put(ctx, path.Join("deliveries", result.AlertID+".json"), result)
}

func (s *BlobStore) Close() error {
	return nil
}
