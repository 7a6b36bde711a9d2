package notifications

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"sort"
	"strings"

	"github.com/cryptowatch/mentions-bot/internal/models"
	"gopkg.in/gomail.v2"
)

// Mailer sends composed messages. *gomail.Dialer implements it.
type Mailer interface {
	DialAndSend(m ...*gomail.Message) error
}

// EmailConfig holds the SMTP settings
type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// EmailChannel sends alerts to the monitor's email recipients
type EmailChannel struct {
	from   string
	mailer Mailer
	tmpl   *template.Template
}

// NewEmailChannel creates an email channel sending through SMTP
func NewEmailChannel(cfg EmailConfig) *EmailChannel {
	from := cfg.From
	if from == "" {
		from = cfg.Username
	}
	return NewEmailChannelWithMailer(from, gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password))
}

// NewEmailChannelWithMailer creates an email channel sending through mailer
func NewEmailChannelWithMailer(from string, mailer Mailer) *EmailChannel {
	return &EmailChannel{
		from:   from,
		mailer: mailer,
		tmpl:   template.Must(template.New("email").Funcs(template.FuncMap{"upper": strings.ToUpper}).Parse(emailTemplate)),
	}
}

func (c *EmailChannel) Name() string { return ChannelEmail }

func (c *EmailChannel) Targets(monitor models.Monitor) []string {
	return monitor.Notify.Emails
}

func (c *EmailChannel) Send(ctx context.Context, target string, alert models.Alert, monitor models.Monitor) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	htmlBody, err := c.buildEmailHTML(alert, monitor)
	if err != nil {
		return fmt.Errorf("failed to build email HTML: %w", err)
	}

	m := gomail.NewMessage()
	m.SetHeader("From", c.from)
	m.SetHeader("To", target)
	m.SetHeader("Subject", fmt.Sprintf("[%s] %s", strings.ToUpper(string(alert.Severity)), alert.Title))
	m.SetBody("text/plain", buildEmailText(alert, monitor))
	m.AddAlternative("text/html", htmlBody)

	if err := c.mailer.DialAndSend(m); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}

type emailView struct {
	Alert   models.Alert
	Monitor string
	Facts   []TeamsFact
}

const emailTemplate = `
<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>{{.Alert.Title}}</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        .header { background-color: #0078d4; color: white; padding: 20px; border-radius: 5px; }
        .header.high { background-color: #ff8c00; }
        .header.critical { background-color: #d13438; }
        .facts { background-color: #f5f5f5; padding: 15px; margin: 20px 0; border-radius: 5px; }
    </style>
</head>
<body>
    <div class="header {{.Alert.Severity}}">
        <h1>{{.Alert.Title}}</h1>
        <p>{{.Alert.Severity | printf "%s" | upper}} alert for {{.Monitor}}, fired {{.Alert.Timestamp.Format "January 2, 2006 at 3:04 PM UTC"}}</p>
    </div>

    <p>{{.Alert.Message}}</p>

    {{if .Facts}}
    <div class="facts">
        <h2>Trigger data</h2>
        {{range .Facts}}
            <p><strong>{{.Name}}:</strong> {{.Value}}</p>
        {{end}}
    </div>
    {{end}}

    <hr>
    <p><small>This alert was generated automatically by the Mentions Bot.</small></p>
</body>
</html>
`

func (c *EmailChannel) buildEmailHTML(alert models.Alert, monitor models.Monitor) (string, error) {
	var buf bytes.Buffer
	view := emailView{Alert: alert, Monitor: monitorLabel(monitor), Facts: triggerFacts(alert.TriggerData)}
	if err := c.tmpl.Execute(&buf, view); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func buildEmailText(alert models.Alert, monitor models.Monitor) string {
	var text strings.Builder

	text.WriteString(fmt.Sprintf("%s\n", alert.Title))
	text.WriteString(fmt.Sprintf("Monitor: %s | Severity: %s | Fired: %s\n\n",
		monitorLabel(monitor), alert.Severity, alert.Timestamp.UTC().Format("2006-01-02 15:04:05 UTC")))
	text.WriteString(alert.Message + "\n")

	if len(alert.TriggerData) > 0 {
		text.WriteString("\nTRIGGER DATA\n")
		text.WriteString("============\n")
		keys := make([]string, 0, len(alert.TriggerData))
		for k := range alert.TriggerData {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			text.WriteString(fmt.Sprintf("%s: %v\n", k, alert.TriggerData[k]))
		}
	}

	text.WriteString("\n---\nThis alert was generated automatically by the Mentions Bot.\n")

	return text.String()
}
