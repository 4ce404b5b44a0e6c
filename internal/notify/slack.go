package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/CosmoTheDev/ctrlscan-relay/internal/config"
	"github.com/CosmoTheDev/ctrlscan-relay/models"
)

// SlackChannel posts relay events to a Slack incoming webhook as one
// attachment with the finding's details as fields.
type SlackChannel struct {
	url    string
	client *http.Client
}

func NewSlack(cfg config.SlackNotifyConfig) *SlackChannel {
	return &SlackChannel{url: cfg.WebhookURL, client: newHTTPClient()}
}

func (s *SlackChannel) Name() string       { return "slack" }
func (s *SlackChannel) IsConfigured() bool { return s.url != "" }

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type slackAttachment struct {
	Fallback  string       `json:"fallback"`
	Color     string       `json:"color"`
	Title     string       `json:"title"`
	TitleLink string       `json:"title_link,omitempty"`
	Text      string       `json:"text,omitempty"`
	Fields    []slackField `json:"fields,omitempty"`
	Footer    string       `json:"footer"`
	Timestamp int64        `json:"ts"`
}

type slackMessage struct {
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments"`
}

func (s *SlackChannel) Send(ctx context.Context, evt Event) error {
	b, err := json.Marshal(slackMessageFor(evt, time.Now()))
	if err != nil {
		return err
	}
	return postJSON(ctx, s.client, s.url, b, nil)
}

func slackMessageFor(evt Event, now time.Time) slackMessage {
	att := slackAttachment{
		Fallback:  evt.Title,
		Color:     severityColor(evt.Severity),
		Title:     evt.Title,
		TitleLink: evt.URL,
		Text:      evt.Body,
		Footer:    "ctrlscan-relay",
		Timestamp: now.Unix(),
	}
	if evt.Type == EventDeliveryFailed {
		att.Color = "danger"
	}

	add := func(title, value string, short bool) {
		if value = strings.TrimSpace(value); value != "" {
			att.Fields = append(att.Fields, slackField{Title: title, Value: value, Short: short})
		}
	}
	if evt.Severity != "" {
		add("Severity", strings.ToUpper(string(evt.Severity)), true)
	}
	ticket := evt.TicketID
	if ticket != "" && evt.URL != "" {
		ticket = fmt.Sprintf("<%s|%s>", evt.URL, evt.TicketID)
	}
	add("Ticket", ticket, true)
	add("Rule", evt.RuleID, false)
	add("Repository", evt.Repository, true)
	add("Finding", evt.FindingID, true)

	return slackMessage{Text: evt.Title, Attachments: []slackAttachment{att}}
}

func severityColor(sev models.SeverityLevel) string {
	switch sev {
	case models.SeverityCritical:
		return "#B91C1C"
	case models.SeverityHigh:
		return "#EA580C"
	case models.SeverityMedium:
		return "#CA8A04"
	case models.SeverityLow:
		return "#2563EB"
	default:
		return "#6B7280"
	}
}
