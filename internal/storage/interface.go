package storage

import (
	"context"
	"errors"
	"time"

	"github.com/cryptowatch/mentions-bot/internal/models"
)

// ErrNotFound is returned when a record or object does not exist
var ErrNotFound = errors.New("not found")

// ObjectStore defines the contract for blob-like storage
type ObjectStore interface {
	Store(ctx context.Context, name string, data []byte) error
	Retrieve(ctx context.Context, name string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, name string) error
}

// Store is the persistence the engine writes through. Every method is
// atomic per record.
type Store interface {
	// UpsertMentions is idempotent on Mention.ID; the latest fields win
	UpsertMentions(ctx context.Context, monitorID string, mentions []models.Mention) error
	GetMention(ctx context.Context, id string) (models.Mention, error)
	// ListMentions returns the monitor's mentions created at or after since, newest first
	ListMentions(ctx context.Context, monitorID string, since time.Time, limit int) ([]models.Mention, error)

	SaveMonitorState(ctx context.Context, monitor models.Monitor) error
	LoadMonitors(ctx context.Context) ([]models.Monitor, error)
	LoadActiveMonitors(ctx context.Context) ([]models.Monitor, error)
	DeleteMonitor(ctx context.Context, id string) error

	AppendAlert(ctx context.Context, alert models.Alert) error
	// ListAlerts returns the monitor's alerts, newest first
	ListAlerts(ctx context.Context, monitorID string, limit int) ([]models.Alert, error)
	RecordDelivery(ctx context.Context, result models.DeliveryResult) error

	Close() error
}

func activeOnly(monitors []models.Monitor) []models.Monitor {
	active := []models.Monitor{}
	for _, m := range monitors {
		if m.IsActive {
			active = append(active, m)
		}
	}
	return active
}
