package models

import "time"

// AlertType identifies the condition that fired
type AlertType string

const (
	AlertMentionSpike      AlertType = "mention_spike"
	AlertSentimentChange   AlertType = "sentiment_change"
	AlertNewMention        AlertType = "new_mention"
	AlertInfluencerMention AlertType = "influencer_mention"
	AlertVolumeSpike       AlertType = "volume_spike"
)

// Severity of a fired alert
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Alert is the immutable record of one triggering decision
type Alert struct {
	ID          string                 `json:"id"`
	MonitorID   string                 `json:"monitor_id"`
	Type        AlertType              `json:"type"`
	Severity    Severity               `json:"severity"`
	Title       string                 `json:"title"`
	Message     string                 `json:"message"`
	TriggerData map[string]interface{} `json:"trigger_data"`
	Timestamp   time.Time              `json:"timestamp"`
}

// Notification is the channel-neutral form of an alert handed to local subscribers
type Notification struct {
	MonitorID   string                 `json:"monitorId"`
	AlertType   AlertType              `json:"alertType"`
	Title       string                 `json:"title"`
	Message     string                 `json:"message"`
	TriggerData map[string]interface{} `json:"triggerData"`
	Timestamp   time.Time              `json:"timestamp"`
}

// NotificationFor converts an alert into its notification form
func NotificationFor(a Alert) Notification {
	return Notification{
		MonitorID:   a.MonitorID,
		AlertType:   a.Type,
		Title:       a.Title,
		Message:     a.Message,
		TriggerData: a.TriggerData,
		Timestamp:   a.Timestamp,
	}
}

// ChannelResult records the delivery outcome on one channel target
type ChannelResult struct {
	Channel   string `json:"channel"`
	Target    string `json:"target,omitempty"`
	Delivered bool   `json:"delivered"`
	Attempts  int    `json:"attempts"`
	Error     string `json:"error,omitempty"`
}

// DeliveryResult is the outcome of dispatching one alert
type DeliveryResult struct {
	AlertID   string          `json:"alert_id"`
	Delivered bool            `json:"delivered"`
	Duplicate bool            `json:"duplicate,omitempty"`
	Channels  []ChannelResult `json:"channels"`
}
