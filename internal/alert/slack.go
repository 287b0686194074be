package alert

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/optrail/optrail/internal/config"
)

// slackMessage is the incoming-webhook payload. Alerts are rendered as
// a single attachment so severity can color the message gutter.
type slackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Attachments []slackAttachment `json:"attachments"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Title  string       `json:"title"`
	Text   string       `json:"text"`
	Fields []slackField `json:"fields,omitempty"`
	Footer string       `json:"footer"`
	Ts     int64        `json:"ts"`
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

var severityEmoji = map[string]string{
	"critical": "🔴",
	"warning":  "🟡",
	"info":     "🔵",
}

// SlackSender posts alerts to a Slack incoming webhook.
type SlackSender struct {
	config config.SlackAlert
	client *http.Client
}

func NewSlackSender(cfg config.SlackAlert) *SlackSender {
	return &SlackSender{
		config: cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *SlackSender) Name() string { return "slack" }

func (s *SlackSender) Send(alert Alert) error {
	body, err := json.Marshal(s.render(alert))
	if err != nil {
		return fmt.Errorf("failed to marshal slack payload: %w", err)
	}

	resp, err := s.client.Post(s.config.WebhookURL, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to send slack webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("slack webhook returned %d", resp.StatusCode)
	}
	return nil
}

func (s *SlackSender) render(alert Alert) slackMessage {
	emoji, ok := severityEmoji[alert.Severity]
	if !ok {
		emoji = severityEmoji["info"]
	}

	fields := []slackField{
		{Title: "Severity", Value: alert.Severity, Short: true},
		{Title: "Type", Value: alert.Type, Short: true},
	}
	if alert.CommandName != "" {
		fields = append(fields, slackField{Title: "Command", Value: alert.CommandName, Short: true})
	}
	if alert.OperationID != "" {
		fields = append(fields, slackField{Title: "Operation", Value: alert.OperationID, Short: true})
	}

	return slackMessage{
		Channel: s.config.Channel,
		Attachments: []slackAttachment{{
			Color:  severityColor(alert.Severity),
			Title:  fmt.Sprintf("%s OpTrail: %s", emoji, alert.Title),
			Text:   alert.Message,
			Fields: fields,
			Footer: "optrail",
			Ts:     alert.Timestamp.Unix(),
		}},
	}
}

// severityColor maps severities onto Slack's named attachment colors.
func severityColor(severity string) string {
	switch severity {
	case "critical":
		return "danger"
	case "warning":
		return "warning"
	default:
		return "#439FE0"
	}
}
