package notifications

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/cryptowatch/mentions-bot/internal/models"
	"github.com/go-resty/resty/v2"
)

// TeamsMessage represents a Microsoft Teams message
type TeamsMessage struct {
	Type       string         `json:"@type"`
	Context    string         `json:"@context"`
	ThemeColor string         `json:"themeColor,omitempty"`
	Title      string         `json:"title"`
	Text       string         `json:"text"`
	Sections   []TeamsSection `json:"sections,omitempty"`
}

type TeamsSection struct {
	ActivityTitle    string      `json:"activityTitle,omitempty"`
	ActivitySubtitle string      `json:"activitySubtitle,omitempty"`
	ActivityText     string      `json:"activityText,omitempty"`
	Facts            []TeamsFact `json:"facts,omitempty"`
	Markdown         bool        `json:"markdown,omitempty"`
}

type TeamsFact struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

var severityColors = map[models.Severity]string{
	models.SeverityLow:      "605e5c",
	models.SeverityMedium:   "0078d4",
	models.SeverityHigh:     "ff8c00",
	models.SeverityCritical: "d13438",
}

// TeamsChannel posts MessageCards to Teams incoming webhooks
type TeamsChannel struct {
	client *resty.Client
}

// NewTeamsChannel creates a Teams channel
func NewTeamsChannel() *TeamsChannel {
	return &TeamsChannel{client: resty.New()}
}

func (c *TeamsChannel) Name() string { return ChannelTeams }

func (c *TeamsChannel) Targets(monitor models.Monitor) []string {
	return monitor.Notify.TeamsWebhooks
}

func (c *TeamsChannel) Send(ctx context.Context, target string, alert models.Alert, monitor models.Monitor) error {
	resp, err := c.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(BuildTeamsMessage(alert, monitor)).
		Post(target)
	if err != nil {
		return fmt.Errorf("failed to send Teams message: %w", err)
	}

	if resp.StatusCode() != 200 {
		return fmt.Errorf("Teams webhook returned status %d: %s", resp.StatusCode(), string(resp.Body()))
	}

	return nil
}

// BuildTeamsMessage renders an alert as a MessageCard
func BuildTeamsMessage(alert models.Alert, monitor models.Monitor) *TeamsMessage {
	message := &TeamsMessage{
		Type:       "MessageCard",
		Context:    "https://schema.org/extensions",
		ThemeColor: severityColors[alert.Severity],
		Title:      alert.Title,
		Text:       alert.Message,
	}

	facts := []TeamsFact{
		{Name: "Monitor", Value: monitorLabel(monitor)},
		{Name: "Type", Value: string(alert.Type)},
		{Name: "Severity", Value: strings.ToUpper(string(alert.Severity))},
		{Name: "Fired", Value: alert.Timestamp.UTC().Format("2006-01-02 15:04:05 UTC")},
	}
	if len(monitor.Keywords) > 0 {
		facts = append(facts, TeamsFact{Name: "Keywords", Value: strings.Join(monitor.Keywords, ", ")})
	}

	message.Sections = append(message.Sections, TeamsSection{
		ActivityTitle: "Alert",
		Facts:         facts,
		Markdown:      true,
	})

	if len(alert.TriggerData) > 0 {
		message.Sections = append(message.Sections, TeamsSection{
			ActivityTitle: "Trigger data",
			Facts:         triggerFacts(alert.TriggerData),
			Markdown:      true,
		})
	}

	return message
}

func monitorLabel(m models.Monitor) string {
	if m.Name != "" {
		return m.Name
	}
	return m.ID
}

// triggerFacts lists scalar trigger values in key order
func triggerFacts(data map[string]interface{}) []TeamsFact {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	facts := make([]TeamsFact, 0, len(keys))
	for _, k := range keys {
		switch v := data[k].(type) {
		case float64:
			facts = append(facts, TeamsFact{Name: k, Value: fmt.Sprintf("%.4g", v)})
		case string, int, bool:
			facts = append(facts, TeamsFact{Name: k, Value: fmt.Sprintf("%v", v)})
		}
	}
	return facts
}
