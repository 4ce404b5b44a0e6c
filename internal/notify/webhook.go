package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/CosmoTheDev/ctrlscan-relay/internal/config"
	"github.com/CosmoTheDev/ctrlscan-relay/internal/signature"
	"github.com/CosmoTheDev/ctrlscan-relay/models"
)

// SignatureHeader carries the HMAC-SHA256 of the body when a secret is set.
const SignatureHeader = "X-Relay-Signature"

// WebhookChannel posts relay events as JSON to an arbitrary endpoint. Bodies
// are signed the same way inbound Semgrep deliveries are verified.
type WebhookChannel struct {
	url    string
	secret string
	client *http.Client
}

func NewWebhook(cfg config.WebhookNotifyConfig) *WebhookChannel {
	return &WebhookChannel{url: cfg.URL, secret: cfg.Secret, client: newHTTPClient()}
}

func (w *WebhookChannel) Name() string       { return "webhook" }
func (w *WebhookChannel) IsConfigured() bool { return w.url != "" }

// webhookPayload is the outbound body.
type webhookPayload struct {
	Event      string               `json:"event"`
	Title      string               `json:"title"`
	Body       string               `json:"body,omitempty"`
	Severity   models.SeverityLevel `json:"severity,omitempty"`
	RuleID     string               `json:"rule_id,omitempty"`
	Repository string               `json:"repository,omitempty"`
	FindingID  string               `json:"finding_id"`
	TicketID   string               `json:"ticket_id,omitempty"`
	TicketURL  string               `json:"ticket_url,omitempty"`
	SentAt     time.Time            `json:"sent_at"`
}

func (w *WebhookChannel) Send(ctx context.Context, evt Event) error {
	b, err := json.Marshal(webhookPayload{
		Event:      evt.Type,
		Title:      evt.Title,
		Body:       evt.Body,
		Severity:   evt.Severity,
		RuleID:     evt.RuleID,
		Repository: evt.Repository,
		FindingID:  evt.FindingID,
		TicketID:   evt.TicketID,
		TicketURL:  evt.URL,
		SentAt:     time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	var header http.Header
	if w.secret != "" {
		header = http.Header{SignatureHeader: {signature.Sign(w.secret, b)}}
	}
	return postJSON(ctx, w.client, w.url, b, header)
}
