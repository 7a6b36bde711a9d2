package notifications

import (
	"context"

	"github.com/cryptowatch/mentions-bot/internal/models"
)

// NotificationInterface defines the contract the alert evaluator hands fired alerts to
type NotificationInterface interface {
	// Enqueue queues an alert and returns a channel that receives its delivery result
	Enqueue(ctx context.Context, alert models.Alert, monitor models.Monitor) <-chan models.DeliveryResult
	// Dispatch queues an alert and waits for its delivery result
	Dispatch(ctx context.Context, alert models.Alert, monitor models.Monitor) (models.DeliveryResult, error)
}

// Channel delivers alerts to one kind of target
type Channel interface {
	Name() string
	// Targets lists the destinations the monitor configured for this channel
	Targets(monitor models.Monitor) []string
	Send(ctx context.Context, target string, alert models.Alert, monitor models.Monitor) error
}

// Recorder persists delivery outcomes
type Recorder interface {
	RecordDelivery(ctx context.Context, result models.DeliveryResult) error
}
