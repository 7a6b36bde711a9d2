package notifications

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cryptowatch/mentions-bot/internal/models"
	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
)

const (
	ChannelLocal   = "local"
	ChannelWebhook = "webhook"
	ChannelTeams   = "teams"
	ChannelEmail   = "email"
)

// LocalChannel hands notifications to in-process subscribers
type LocalChannel struct {
	mu          sync.RWMutex
	subscribers []func(models.Notification)
}

// NewLocalChannel creates a local channel with no subscribers
func NewLocalChannel() *LocalChannel {
	return &LocalChannel{}
}

// Subscribe registers fn to receive every local notification
func (c *LocalChannel) Subscribe(fn func(models.Notification)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribers = append(c.subscribers, fn)
}

func (c *LocalChannel) Name() string { return ChannelLocal }

func (c *LocalChannel) Targets(monitor models.Monitor) []string {
	if !monitor.Notify.Local {
		return nil
	}
	return []string{ChannelLocal}
}

// Send calls each subscriber in registration order. A panicking subscriber
// fails the delivery.
func (c *LocalChannel) Send(ctx context.Context, _ string, alert models.Alert, _ models.Monitor) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("local subscriber panicked: %v", r)
		}
	}()

	c.mu.RLock()
	subscribers := append([]func(models.Notification){}, c.subscribers...)
	c.mu.RUnlock()

	n := models.NotificationFor(alert)
	for _, fn := range subscribers {
		if err := ctx.Err(); err != nil {
			return err
		}
		fn(n)
	}
	return nil
}

// WebhookPayload is the JSON body posted to monitor webhooks
type WebhookPayload struct {
	Monitor   WebhookMonitor `json:"monitor"`
	Alert     WebhookAlert   `json:"alert"`
	Timestamp string         `json:"timestamp"`
}

type WebhookMonitor struct {
	ID       string   `json:"id"`
	Keywords []string `json:"keywords"`
}

type WebhookAlert struct {
	Type     models.AlertType       `json:"type"`
	Severity models.Severity        `json:"severity"`
	Message  string                 `json:"message"`
	Data     map[string]interface{} `json:"data"`
}

// BuildWebhookPayload converts an alert into the webhook body
func BuildWebhookPayload(alert models.Alert, monitor models.Monitor) WebhookPayload {
	keywords := monitor.Keywords
	if keywords == nil {
		keywords = []string{}
	}
	data := alert.TriggerData
	if data == nil {
		data = map[string]interface{}{}
	}
	return WebhookPayload{
		Monitor: WebhookMonitor{ID: monitor.ID, Keywords: keywords},
		Alert: WebhookAlert{
			Type:     alert.Type,
			Severity: alert.Severity,
			Message:  alert.Message,
			Data:     data,
		},
		Timestamp: alert.Timestamp.UTC().Format(time.RFC3339),
	}
}

// WebhookChannel posts alerts as JSON to the monitor's webhook URLs
type WebhookChannel struct {
	client *resty.Client
}

// NewWebhookChannel creates a webhook channel
func NewWebhookChannel() *WebhookChannel {
	return &WebhookChannel{
		client: resty.New().SetHeader("User-Agent", "mentions-bot/1.0"),
	}
}

func (c *WebhookChannel) Name() string { return ChannelWebhook }

func (c *WebhookChannel) Targets(monitor models.Monitor) []string {
	return monitor.Webhooks
}

func (c *WebhookChannel) Send(ctx context.Context, target string, alert models.Alert, monitor models.Monitor) error {
	resp, err := c.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(BuildWebhookPayload(alert, monitor)).
		Post(target)
	if err != nil {
		return fmt.Errorf("failed to post webhook: %w", err)
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode())
	}

	logrus.WithFields(logrus.Fields{"alert_id": alert.ID, "status": resp.StatusCode()}).Debug("Webhook delivered")
	return nil
}
